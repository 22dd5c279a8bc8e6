package otp

import (
	"context"
	"fmt"
)

// MessageGateway abstracts SMS delivery for vendor independence.
type MessageGateway interface {
	// Send delivers text to the given phone number. Returns nil on delivery
	// acceptance by the gateway (not necessarily handset receipt).
	Send(ctx context.Context, phone string, text string) error
}

// RenderCodeMessage produces the SMS body for a verification code.
func RenderCodeMessage(code string, validityMinutes int) string {
	return fmt.Sprintf("Your verification code is: %s\nValid for %d minutes.", code, validityMinutes)
}

// RenderWelcomeMessage produces the SMS body sent after a newly registered
// phone number is verified.
func RenderWelcomeMessage(name string) string {
	if name == "" {
		name = "there"
	}
	return fmt.Sprintf("Hi %s, welcome to the marketplace. Thanks for joining us!", name)
}
