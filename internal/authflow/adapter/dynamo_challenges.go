package adapter

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/amlakpars/marketplace-auth/internal/authflow/app"
	"github.com/amlakpars/marketplace-auth/internal/domain"
	"github.com/amlakpars/marketplace-auth/internal/dynamo"
)

// challengeDynamoDB is a narrow, consumer-defined interface for DynamoDB
// operations required by the challenge store. Only the methods this adapter
// calls are declared. The *dynamodb.Client satisfies this interface (optFns
// is variadic so callers may omit it), and test stubs implement it directly.
type challengeDynamoDB interface {
	GetItem(ctx context.Context, params *dynamo.GetItemInput, optFns ...func(*dynamo.Options)) (*dynamo.GetItemOutput, error)
	PutItem(ctx context.Context, params *dynamo.PutItemInput, optFns ...func(*dynamo.Options)) (*dynamo.PutItemOutput, error)
	UpdateItem(ctx context.Context, params *dynamo.UpdateItemInput, optFns ...func(*dynamo.Options)) (*dynamo.UpdateItemOutput, error)
	DeleteItem(ctx context.Context, params *dynamo.DeleteItemInput, optFns ...func(*dynamo.Options)) (*dynamo.DeleteItemOutput, error)
}

// challengeItem is the DynamoDB item shape for the otp_challenges table.
// The composite key (phone_hash, purpose) holds at most one row per pair.
// Struct tags drive attributevalue.MarshalMap / UnmarshalMap serialization.
type challengeItem struct {
	PhoneHash  string `dynamodbav:"phone_hash"`
	Purpose    string `dynamodbav:"purpose"`
	CodeMAC    string `dynamodbav:"code_mac"`
	CreatedAt  string `dynamodbav:"created_at"`
	ExpiresAt  string `dynamodbav:"expires_at"`
	Attempts   int    `dynamodbav:"attempts"`
	VerifiedAt string `dynamodbav:"verified_at,omitempty"`
	TTL        int64  `dynamodbav:"ttl"`
}

// ttlGrace keeps expired rows around long enough for DynamoDB's lazy TTL
// sweeper; correctness never depends on it, FindActive filters on expires_at.
const ttlGrace = time.Hour

// Compile-time interface satisfaction check.
var _ app.ChallengeStore = (*ChallengeStore)(nil)

// ChallengeStore persists verification challenges in DynamoDB. All mutations
// the app layer requires to be atomic are expressed as single conditional
// writes.
type ChallengeStore struct {
	db        challengeDynamoDB
	tableName string
	clock     domain.Clock
}

// NewChallengeStore creates a ChallengeStore backed by the given DynamoDB client.
func NewChallengeStore(db challengeDynamoDB, tableName string, clock domain.Clock) *ChallengeStore {
	return &ChallengeStore{
		db:        db,
		tableName: tableName,
		clock:     clock,
	}
}

func challengeKey(phoneHash string, purpose domain.Purpose) map[string]dynamo.AttributeValue {
	return map[string]dynamo.AttributeValue{
		"phone_hash": &dynamo.AttributeValueMemberS{Value: phoneHash},
		"purpose":    &dynamo.AttributeValueMemberS{Value: purpose.String()},
	}
}

// InvalidateActive removes any existing challenge for the pair. Deleting a
// missing row is a no-op in DynamoDB, which gives the idempotency the app
// layer asks for.
func (s *ChallengeStore) InvalidateActive(ctx context.Context, phoneHash string, purpose domain.Purpose) error {
	ctx, span := tracer.Start(ctx, "dynamo.challenges.invalidate_active")
	defer span.End()
	span.SetAttributes(attribute.String("db.system", "dynamodb"))

	_, err := s.db.DeleteItem(ctx, &dynamo.DeleteItemInput{
		TableName: &s.tableName,
		Key:       challengeKey(phoneHash, purpose),
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("challenge store: invalidate active: %w", err)
	}

	return nil
}

// Create writes a fresh challenge row. The caller has already invalidated
// any predecessor, so the write is unconditional; a racing resend simply
// supersedes.
func (s *ChallengeStore) Create(ctx context.Context, ch app.Challenge) error {
	ctx, span := tracer.Start(ctx, "dynamo.challenges.create")
	defer span.End()
	span.SetAttributes(attribute.String("db.system", "dynamodb"))

	expiresAt, err := time.Parse(time.RFC3339, ch.ExpiresAt)
	if err != nil {
		return fmt.Errorf("challenge store: parse expires_at: %w", err)
	}

	item := challengeItem{
		PhoneHash: ch.PhoneHash,
		Purpose:   ch.Purpose.String(),
		CodeMAC:   ch.CodeMAC,
		CreatedAt: ch.CreatedAt,
		ExpiresAt: ch.ExpiresAt,
		Attempts:  ch.Attempts,
		TTL:       expiresAt.Add(ttlGrace).Unix(),
	}

	av, err := dynamo.MarshalMap(item)
	if err != nil {
		return fmt.Errorf("challenge store: marshal item: %w", err)
	}

	_, err = s.db.PutItem(ctx, &dynamo.PutItemInput{
		TableName: &s.tableName,
		Item:      av,
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("challenge store: create: %w", err)
	}

	return nil
}

// FindActive retrieves the challenge for the pair using a strongly
// consistent read. Missing, already-verified and expired rows all report
// domain.ErrNotFound.
func (s *ChallengeStore) FindActive(ctx context.Context, phoneHash string, purpose domain.Purpose) (*app.Challenge, error) {
	ctx, span := tracer.Start(ctx, "dynamo.challenges.find_active")
	defer span.End()
	span.SetAttributes(attribute.String("db.system", "dynamodb"))

	out, err := s.db.GetItem(ctx, &dynamo.GetItemInput{
		TableName:      &s.tableName,
		Key:            challengeKey(phoneHash, purpose),
		ConsistentRead: dynamo.Bool(true),
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("challenge store: find active: %w", err)
	}

	if out.Item == nil {
		return nil, fmt.Errorf("challenge store: find active: %w", domain.ErrNotFound)
	}

	var item challengeItem
	if err := dynamo.UnmarshalMap(out.Item, &item); err != nil {
		return nil, fmt.Errorf("challenge store: unmarshal item: %w", err)
	}

	if item.VerifiedAt != "" {
		return nil, fmt.Errorf("challenge store: find active: %w", domain.ErrNotFound)
	}

	expiresAt, err := time.Parse(time.RFC3339, item.ExpiresAt)
	if err != nil {
		return nil, fmt.Errorf("challenge store: parse expires_at: %w", err)
	}
	if !s.clock.Now().UTC().Before(expiresAt) {
		return nil, fmt.Errorf("challenge store: find active: %w", domain.ErrNotFound)
	}

	return &app.Challenge{
		PhoneHash: item.PhoneHash,
		Purpose:   domain.Purpose(item.Purpose),
		CodeMAC:   item.CodeMAC,
		CreatedAt: item.CreatedAt,
		ExpiresAt: item.ExpiresAt,
		Attempts:  item.Attempts,
	}, nil
}

// IncrementAttempts atomically adds one to the attempt count of an
// unverified challenge and returns the new value. When the count reaches
// the attempt budget the row is removed with a second conditional delete;
// losing that delete race to another caller is harmless since every path
// leads to the same removed row.
func (s *ChallengeStore) IncrementAttempts(ctx context.Context, phoneHash string, purpose domain.Purpose) (int, error) {
	ctx, span := tracer.Start(ctx, "dynamo.challenges.increment_attempts")
	defer span.End()
	span.SetAttributes(attribute.String("db.system", "dynamodb"))

	// attempts < :max keeps the stored count inside the budget even under
	// concurrent submissions; a row already at the ceiling fails the
	// condition instead of incrementing past it.
	updateExpr := "ADD attempts :one"
	condExpr := "attribute_exists(phone_hash) AND attribute_not_exists(verified_at) AND attempts < :max"

	out, err := s.db.UpdateItem(ctx, &dynamo.UpdateItemInput{
		TableName:           &s.tableName,
		Key:                 challengeKey(phoneHash, purpose),
		UpdateExpression:    &updateExpr,
		ConditionExpression: &condExpr,
		ExpressionAttributeValues: map[string]dynamo.AttributeValue{
			":one": &dynamo.AttributeValueMemberN{Value: "1"},
			":max": &dynamo.AttributeValueMemberN{Value: strconv.Itoa(domain.MaxOTPVerifyAttempts)},
		},
		ReturnValues: dynamo.ReturnValueUpdatedNew,
	})
	if err != nil {
		if dynamo.IsConditionalCheckFailed(err) {
			return 0, fmt.Errorf("challenge store: increment attempts: %w", domain.ErrNotFound)
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return 0, fmt.Errorf("challenge store: increment attempts: %w", err)
	}

	count, err := attemptsFromUpdate(out)
	if err != nil {
		return 0, fmt.Errorf("challenge store: increment attempts: %w", err)
	}

	if count >= domain.MaxOTPVerifyAttempts {
		delCond := "attempts >= :max AND attribute_not_exists(verified_at)"
		_, delErr := s.db.DeleteItem(ctx, &dynamo.DeleteItemInput{
			TableName:           &s.tableName,
			Key:                 challengeKey(phoneHash, purpose),
			ConditionExpression: &delCond,
			ExpressionAttributeValues: map[string]dynamo.AttributeValue{
				":max": &dynamo.AttributeValueMemberN{Value: strconv.Itoa(domain.MaxOTPVerifyAttempts)},
			},
		})
		if delErr != nil && !dynamo.IsConditionalCheckFailed(delErr) {
			span.RecordError(delErr)
			span.SetStatus(codes.Error, delErr.Error())
			return 0, fmt.Errorf("challenge store: remove exhausted challenge: %w", delErr)
		}
	}

	return count, nil
}

// MarkVerified performs the one-way verified transition as a single
// conditional update. The condition admits exactly one winner per challenge
// row: once verified_at is set, every later caller fails the condition.
func (s *ChallengeStore) MarkVerified(ctx context.Context, phoneHash string, purpose domain.Purpose, verifiedAt time.Time) (bool, error) {
	ctx, span := tracer.Start(ctx, "dynamo.challenges.mark_verified")
	defer span.End()
	span.SetAttributes(attribute.String("db.system", "dynamodb"))

	updateExpr := "SET verified_at = :v"
	condExpr := "attribute_exists(phone_hash) AND attribute_not_exists(verified_at) AND expires_at > :now"

	_, err := s.db.UpdateItem(ctx, &dynamo.UpdateItemInput{
		TableName:           &s.tableName,
		Key:                 challengeKey(phoneHash, purpose),
		UpdateExpression:    &updateExpr,
		ConditionExpression: &condExpr,
		ExpressionAttributeValues: map[string]dynamo.AttributeValue{
			":v":   &dynamo.AttributeValueMemberS{Value: verifiedAt.UTC().Format(time.RFC3339)},
			":now": &dynamo.AttributeValueMemberS{Value: s.clock.Now().UTC().Format(time.RFC3339)},
		},
	})
	if err != nil {
		if dynamo.IsConditionalCheckFailed(err) {
			return false, nil
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return false, fmt.Errorf("challenge store: mark verified: %w", err)
	}

	return true, nil
}

// Delete removes a challenge unconditionally. Used for the delivery-failure
// rollback.
func (s *ChallengeStore) Delete(ctx context.Context, phoneHash string, purpose domain.Purpose) error {
	ctx, span := tracer.Start(ctx, "dynamo.challenges.delete")
	defer span.End()
	span.SetAttributes(attribute.String("db.system", "dynamodb"))

	_, err := s.db.DeleteItem(ctx, &dynamo.DeleteItemInput{
		TableName: &s.tableName,
		Key:       challengeKey(phoneHash, purpose),
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("challenge store: delete: %w", err)
	}

	return nil
}

// attemptsFromUpdate extracts the post-increment attempt count from an
// UpdateItem response with ReturnValues=UPDATED_NEW.
func attemptsFromUpdate(out *dynamo.UpdateItemOutput) (int, error) {
	attr, ok := out.Attributes["attempts"]
	if !ok {
		return 0, fmt.Errorf("response is missing the attempts attribute")
	}
	n, ok := attr.(*dynamo.AttributeValueMemberN)
	if !ok {
		return 0, fmt.Errorf("attempts attribute has type %T, want N", attr)
	}
	count, err := strconv.Atoi(n.Value)
	if err != nil {
		return 0, fmt.Errorf("parse attempts %q: %w", n.Value, err)
	}
	return count, nil
}
