package adapter

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/amlakpars/marketplace-auth/internal/authflow/app"
	"github.com/amlakpars/marketplace-auth/internal/domain"
	"github.com/amlakpars/marketplace-auth/internal/dynamo"
)

// identityDynamoDB is a narrow, consumer-defined interface for DynamoDB
// operations required by the identity directory. The *dynamodb.Client
// satisfies it.
type identityDynamoDB interface {
	GetItem(ctx context.Context, params *dynamo.GetItemInput, optFns ...func(*dynamo.Options)) (*dynamo.GetItemOutput, error)
	UpdateItem(ctx context.Context, params *dynamo.UpdateItemInput, optFns ...func(*dynamo.Options)) (*dynamo.UpdateItemOutput, error)
}

// identityItem is the DynamoDB item shape for the users table, restricted to
// the attributes the auth core reads. Account CRUD owns the full shape.
type identityItem struct {
	Phone           string `dynamodbav:"phone"`
	UserID          string `dynamodbav:"user_id"`
	FullName        string `dynamodbav:"full_name"`
	Active          bool   `dynamodbav:"active"`
	PhoneVerifiedAt string `dynamodbav:"phone_verified_at,omitempty"`
	CredentialHash  string `dynamodbav:"credential_hash"`
}

// Compile-time interface satisfaction check.
var _ app.IdentityDirectory = (*IdentityDirectory)(nil)

// IdentityDirectory reads marketplace accounts from the users table and
// flips the phone-verified flag after registration verification.
type IdentityDirectory struct {
	db        identityDynamoDB
	tableName string
}

// NewIdentityDirectory creates an IdentityDirectory backed by the given
// DynamoDB client.
func NewIdentityDirectory(db identityDynamoDB, tableName string) *IdentityDirectory {
	return &IdentityDirectory{db: db, tableName: tableName}
}

// FindByPhone retrieves the account keyed by phone number. Returns
// domain.ErrNotFound when no account exists.
func (d *IdentityDirectory) FindByPhone(ctx context.Context, phone string) (*app.Identity, error) {
	ctx, span := tracer.Start(ctx, "dynamo.identities.find_by_phone")
	defer span.End()
	span.SetAttributes(attribute.String("db.system", "dynamodb"))

	out, err := d.db.GetItem(ctx, &dynamo.GetItemInput{
		TableName: &d.tableName,
		Key: map[string]dynamo.AttributeValue{
			"phone": &dynamo.AttributeValueMemberS{Value: phone},
		},
		ConsistentRead: dynamo.Bool(true),
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("identity directory: find by phone: %w", err)
	}

	if out.Item == nil {
		return nil, fmt.Errorf("identity directory: find by phone: %w", domain.ErrNotFound)
	}

	var item identityItem
	if err := dynamo.UnmarshalMap(out.Item, &item); err != nil {
		return nil, fmt.Errorf("identity directory: unmarshal item: %w", err)
	}

	return &app.Identity{
		UserID:          item.UserID,
		Phone:           item.Phone,
		FullName:        item.FullName,
		Active:          item.Active,
		PhoneVerifiedAt: item.PhoneVerifiedAt,
		CredentialHash:  item.CredentialHash,
	}, nil
}

// MarkPhoneVerified stamps phone_verified_at on the account. The existence
// condition keeps a deleted account from being resurrected as a bare
// verification stub.
func (d *IdentityDirectory) MarkPhoneVerified(ctx context.Context, phone string, verifiedAt time.Time) error {
	ctx, span := tracer.Start(ctx, "dynamo.identities.mark_phone_verified")
	defer span.End()
	span.SetAttributes(attribute.String("db.system", "dynamodb"))

	updateExpr := "SET phone_verified_at = :v"
	condExpr := "attribute_exists(phone)"

	_, err := d.db.UpdateItem(ctx, &dynamo.UpdateItemInput{
		TableName: &d.tableName,
		Key: map[string]dynamo.AttributeValue{
			"phone": &dynamo.AttributeValueMemberS{Value: phone},
		},
		UpdateExpression:    &updateExpr,
		ConditionExpression: &condExpr,
		ExpressionAttributeValues: map[string]dynamo.AttributeValue{
			":v": &dynamo.AttributeValueMemberS{Value: verifiedAt.UTC().Format(time.RFC3339)},
		},
	})
	if err != nil {
		if dynamo.IsConditionalCheckFailed(err) {
			return fmt.Errorf("identity directory: mark phone verified: %w", domain.ErrNotFound)
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("identity directory: mark phone verified: %w", err)
	}

	return nil
}
