package adapter

import (
	"context"
	"errors"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/amlakpars/marketplace-auth/internal/authflow/app"
	"github.com/amlakpars/marketplace-auth/internal/domain"
	"github.com/amlakpars/marketplace-auth/internal/domain/domaintest"
	"github.com/amlakpars/marketplace-auth/internal/dynamo"
)

// ---------------------------------------------------------------------------
// Stub — implements challengeDynamoDB for unit tests.
// ---------------------------------------------------------------------------

type stubChallengeDynamo struct {
	getItemFn    func(ctx context.Context, params *dynamo.GetItemInput, optFns ...func(*dynamo.Options)) (*dynamo.GetItemOutput, error)
	putItemFn    func(ctx context.Context, params *dynamo.PutItemInput, optFns ...func(*dynamo.Options)) (*dynamo.PutItemOutput, error)
	updateItemFn func(ctx context.Context, params *dynamo.UpdateItemInput, optFns ...func(*dynamo.Options)) (*dynamo.UpdateItemOutput, error)
	deleteItemFn func(ctx context.Context, params *dynamo.DeleteItemInput, optFns ...func(*dynamo.Options)) (*dynamo.DeleteItemOutput, error)
}

func (s *stubChallengeDynamo) GetItem(ctx context.Context, params *dynamo.GetItemInput, optFns ...func(*dynamo.Options)) (*dynamo.GetItemOutput, error) {
	return s.getItemFn(ctx, params, optFns...)
}

func (s *stubChallengeDynamo) PutItem(ctx context.Context, params *dynamo.PutItemInput, optFns ...func(*dynamo.Options)) (*dynamo.PutItemOutput, error) {
	return s.putItemFn(ctx, params, optFns...)
}

func (s *stubChallengeDynamo) UpdateItem(ctx context.Context, params *dynamo.UpdateItemInput, optFns ...func(*dynamo.Options)) (*dynamo.UpdateItemOutput, error) {
	return s.updateItemFn(ctx, params, optFns...)
}

func (s *stubChallengeDynamo) DeleteItem(ctx context.Context, params *dynamo.DeleteItemInput, optFns ...func(*dynamo.Options)) (*dynamo.DeleteItemOutput, error) {
	return s.deleteItemFn(ctx, params, optFns...)
}

// Compile-time check: stubChallengeDynamo satisfies challengeDynamoDB.
var _ challengeDynamoDB = (*stubChallengeDynamo)(nil)

// ---------------------------------------------------------------------------
// Helpers
// ---------------------------------------------------------------------------

const challengeTable = "otp_challenges"

func fixedTime() time.Time {
	return time.Date(2026, 8, 28, 12, 0, 0, 0, time.UTC)
}

func sampleChallenge() app.Challenge {
	return app.Challenge{
		PhoneHash: "abc123hash",
		Purpose:   domain.PurposeLogin,
		CodeMAC:   "mac-value",
		CreatedAt: fixedTime().Format(time.RFC3339),
		ExpiresAt: fixedTime().Add(domain.OTPValidityDuration).Format(time.RFC3339),
		Attempts:  0,
	}
}

func sampleItemMap(t *testing.T, verifiedAt string) map[string]dynamo.AttributeValue {
	t.Helper()
	ch := sampleChallenge()
	av, err := dynamo.MarshalMap(challengeItem{
		PhoneHash:  ch.PhoneHash,
		Purpose:    ch.Purpose.String(),
		CodeMAC:    ch.CodeMAC,
		CreatedAt:  ch.CreatedAt,
		ExpiresAt:  ch.ExpiresAt,
		Attempts:   ch.Attempts,
		VerifiedAt: verifiedAt,
		TTL:        fixedTime().Add(domain.OTPValidityDuration + time.Hour).Unix(),
	})
	require.NoError(t, err)
	return av
}

func newTestChallengeStore(db challengeDynamoDB) (*ChallengeStore, *domaintest.FakeClock) {
	clock := domaintest.NewFakeClock(fixedTime())
	return NewChallengeStore(db, challengeTable, clock), clock
}

// ---------------------------------------------------------------------------
// Tests
// ---------------------------------------------------------------------------

func TestChallengeStore_Create(t *testing.T) {
	t.Run("writes the item with a TTL past expiry", func(t *testing.T) {
		db := &stubChallengeDynamo{
			putItemFn: func(_ context.Context, params *dynamo.PutItemInput, _ ...func(*dynamo.Options)) (*dynamo.PutItemOutput, error) {
				assert.Equal(t, challengeTable, *params.TableName)
				assert.Nil(t, params.ConditionExpression)

				var item challengeItem
				require.NoError(t, dynamo.UnmarshalMap(params.Item, &item))
				assert.Equal(t, "abc123hash", item.PhoneHash)
				assert.Equal(t, "login", item.Purpose)
				assert.Equal(t, "mac-value", item.CodeMAC)
				assert.Empty(t, item.VerifiedAt)

				expiresAt, err := time.Parse(time.RFC3339, item.ExpiresAt)
				require.NoError(t, err)
				assert.Greater(t, item.TTL, expiresAt.Unix())
				return &dynamo.PutItemOutput{}, nil
			},
		}
		store, _ := newTestChallengeStore(db)

		err := store.Create(context.Background(), sampleChallenge())
		require.NoError(t, err)
	})

	t.Run("propagates write failures", func(t *testing.T) {
		db := &stubChallengeDynamo{
			putItemFn: func(_ context.Context, _ *dynamo.PutItemInput, _ ...func(*dynamo.Options)) (*dynamo.PutItemOutput, error) {
				return nil, errors.New("throughput exceeded")
			},
		}
		store, _ := newTestChallengeStore(db)

		err := store.Create(context.Background(), sampleChallenge())
		require.Error(t, err)
		assert.Contains(t, err.Error(), "challenge store: create")
	})

	t.Run("rejects a malformed expiry", func(t *testing.T) {
		store, _ := newTestChallengeStore(&stubChallengeDynamo{})
		ch := sampleChallenge()
		ch.ExpiresAt = "tomorrow-ish"

		err := store.Create(context.Background(), ch)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "parse expires_at")
	})
}

func TestChallengeStore_FindActive(t *testing.T) {
	t.Run("returns the live challenge with a consistent read", func(t *testing.T) {
		db := &stubChallengeDynamo{
			getItemFn: func(_ context.Context, params *dynamo.GetItemInput, _ ...func(*dynamo.Options)) (*dynamo.GetItemOutput, error) {
				assert.Equal(t, challengeTable, *params.TableName)
				require.NotNil(t, params.ConsistentRead)
				assert.True(t, *params.ConsistentRead)

				key := params.Key["phone_hash"].(*dynamo.AttributeValueMemberS)
				assert.Equal(t, "abc123hash", key.Value)
				purpose := params.Key["purpose"].(*dynamo.AttributeValueMemberS)
				assert.Equal(t, "login", purpose.Value)

				return &dynamo.GetItemOutput{Item: sampleItemMap(t, "")}, nil
			},
		}
		store, _ := newTestChallengeStore(db)

		ch, err := store.FindActive(context.Background(), "abc123hash", domain.PurposeLogin)
		require.NoError(t, err)
		assert.Equal(t, sampleChallenge(), *ch)
	})

	t.Run("missing row reports not found", func(t *testing.T) {
		db := &stubChallengeDynamo{
			getItemFn: func(_ context.Context, _ *dynamo.GetItemInput, _ ...func(*dynamo.Options)) (*dynamo.GetItemOutput, error) {
				return &dynamo.GetItemOutput{}, nil
			},
		}
		store, _ := newTestChallengeStore(db)

		_, err := store.FindActive(context.Background(), "abc123hash", domain.PurposeLogin)
		assert.ErrorIs(t, err, domain.ErrNotFound)
	})

	t.Run("verified row reports not found", func(t *testing.T) {
		db := &stubChallengeDynamo{
			getItemFn: func(_ context.Context, _ *dynamo.GetItemInput, _ ...func(*dynamo.Options)) (*dynamo.GetItemOutput, error) {
				return &dynamo.GetItemOutput{Item: sampleItemMap(t, fixedTime().Format(time.RFC3339))}, nil
			},
		}
		store, _ := newTestChallengeStore(db)

		_, err := store.FindActive(context.Background(), "abc123hash", domain.PurposeLogin)
		assert.ErrorIs(t, err, domain.ErrNotFound)
	})

	t.Run("expired row reports not found", func(t *testing.T) {
		db := &stubChallengeDynamo{
			getItemFn: func(_ context.Context, _ *dynamo.GetItemInput, _ ...func(*dynamo.Options)) (*dynamo.GetItemOutput, error) {
				return &dynamo.GetItemOutput{Item: sampleItemMap(t, "")}, nil
			},
		}
		store, clock := newTestChallengeStore(db)
		clock.Advance(domain.OTPValidityDuration + time.Second)

		_, err := store.FindActive(context.Background(), "abc123hash", domain.PurposeLogin)
		assert.ErrorIs(t, err, domain.ErrNotFound)
	})

	t.Run("propagates read failures", func(t *testing.T) {
		db := &stubChallengeDynamo{
			getItemFn: func(_ context.Context, _ *dynamo.GetItemInput, _ ...func(*dynamo.Options)) (*dynamo.GetItemOutput, error) {
				return nil, errors.New("connection reset")
			},
		}
		store, _ := newTestChallengeStore(db)

		_, err := store.FindActive(context.Background(), "abc123hash", domain.PurposeLogin)
		require.Error(t, err)
		assert.NotErrorIs(t, err, domain.ErrNotFound)
	})
}

func TestChallengeStore_IncrementAttempts(t *testing.T) {
	updatedNew := func(count int) *dynamo.UpdateItemOutput {
		return &dynamo.UpdateItemOutput{
			Attributes: map[string]dynamo.AttributeValue{
				"attempts": &dynamo.AttributeValueMemberN{Value: strconv.Itoa(count)},
			},
		}
	}

	t.Run("returns the post-increment count", func(t *testing.T) {
		deleted := false
		db := &stubChallengeDynamo{
			updateItemFn: func(_ context.Context, params *dynamo.UpdateItemInput, _ ...func(*dynamo.Options)) (*dynamo.UpdateItemOutput, error) {
				assert.Equal(t, "ADD attempts :one", *params.UpdateExpression)
				require.NotNil(t, params.ConditionExpression)
				assert.Contains(t, *params.ConditionExpression, "attribute_not_exists(verified_at)")
				assert.Contains(t, *params.ConditionExpression, "attempts < :max")
				maxVal := params.ExpressionAttributeValues[":max"].(*dynamo.AttributeValueMemberN)
				assert.Equal(t, strconv.Itoa(domain.MaxOTPVerifyAttempts), maxVal.Value)
				assert.Equal(t, dynamo.ReturnValueUpdatedNew, params.ReturnValues)
				return updatedNew(1), nil
			},
			deleteItemFn: func(_ context.Context, _ *dynamo.DeleteItemInput, _ ...func(*dynamo.Options)) (*dynamo.DeleteItemOutput, error) {
				deleted = true
				return &dynamo.DeleteItemOutput{}, nil
			},
		}
		store, _ := newTestChallengeStore(db)

		count, err := store.IncrementAttempts(context.Background(), "abc123hash", domain.PurposeLogin)
		require.NoError(t, err)
		assert.Equal(t, 1, count)
		assert.False(t, deleted, "challenge must survive below the budget")
	})

	t.Run("reaching the budget removes the row in the same call", func(t *testing.T) {
		deleted := false
		db := &stubChallengeDynamo{
			updateItemFn: func(_ context.Context, _ *dynamo.UpdateItemInput, _ ...func(*dynamo.Options)) (*dynamo.UpdateItemOutput, error) {
				return updatedNew(domain.MaxOTPVerifyAttempts), nil
			},
			deleteItemFn: func(_ context.Context, params *dynamo.DeleteItemInput, _ ...func(*dynamo.Options)) (*dynamo.DeleteItemOutput, error) {
				require.NotNil(t, params.ConditionExpression)
				assert.Contains(t, *params.ConditionExpression, "attempts >= :max")
				deleted = true
				return &dynamo.DeleteItemOutput{}, nil
			},
		}
		store, _ := newTestChallengeStore(db)

		count, err := store.IncrementAttempts(context.Background(), "abc123hash", domain.PurposeLogin)
		require.NoError(t, err)
		assert.Equal(t, domain.MaxOTPVerifyAttempts, count)
		assert.True(t, deleted)
	})

	t.Run("losing the exhaustion-delete race is not an error", func(t *testing.T) {
		db := &stubChallengeDynamo{
			updateItemFn: func(_ context.Context, _ *dynamo.UpdateItemInput, _ ...func(*dynamo.Options)) (*dynamo.UpdateItemOutput, error) {
				return updatedNew(domain.MaxOTPVerifyAttempts), nil
			},
			deleteItemFn: func(_ context.Context, _ *dynamo.DeleteItemInput, _ ...func(*dynamo.Options)) (*dynamo.DeleteItemOutput, error) {
				return nil, dynamo.ErrConditionalCheckFailed()
			},
		}
		store, _ := newTestChallengeStore(db)

		count, err := store.IncrementAttempts(context.Background(), "abc123hash", domain.PurposeLogin)
		require.NoError(t, err)
		assert.Equal(t, domain.MaxOTPVerifyAttempts, count)
	})

	t.Run("vanished or exhausted row reports not found", func(t *testing.T) {
		db := &stubChallengeDynamo{
			updateItemFn: func(_ context.Context, _ *dynamo.UpdateItemInput, _ ...func(*dynamo.Options)) (*dynamo.UpdateItemOutput, error) {
				return nil, dynamo.ErrConditionalCheckFailed()
			},
		}
		store, _ := newTestChallengeStore(db)

		_, err := store.IncrementAttempts(context.Background(), "abc123hash", domain.PurposeLogin)
		assert.ErrorIs(t, err, domain.ErrNotFound)
	})

	t.Run("malformed response is an error", func(t *testing.T) {
		db := &stubChallengeDynamo{
			updateItemFn: func(_ context.Context, _ *dynamo.UpdateItemInput, _ ...func(*dynamo.Options)) (*dynamo.UpdateItemOutput, error) {
				return &dynamo.UpdateItemOutput{}, nil
			},
		}
		store, _ := newTestChallengeStore(db)

		_, err := store.IncrementAttempts(context.Background(), "abc123hash", domain.PurposeLogin)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "attempts attribute")
	})
}

func TestChallengeStore_MarkVerified(t *testing.T) {
	t.Run("wins the one-way transition", func(t *testing.T) {
		db := &stubChallengeDynamo{
			updateItemFn: func(_ context.Context, params *dynamo.UpdateItemInput, _ ...func(*dynamo.Options)) (*dynamo.UpdateItemOutput, error) {
				assert.Equal(t, "SET verified_at = :v", *params.UpdateExpression)
				require.NotNil(t, params.ConditionExpression)
				assert.Contains(t, *params.ConditionExpression, "attribute_not_exists(verified_at)")
				assert.Contains(t, *params.ConditionExpression, "expires_at > :now")

				v := params.ExpressionAttributeValues[":v"].(*dynamo.AttributeValueMemberS)
				assert.Equal(t, fixedTime().Format(time.RFC3339), v.Value)
				return &dynamo.UpdateItemOutput{}, nil
			},
		}
		store, _ := newTestChallengeStore(db)

		won, err := store.MarkVerified(context.Background(), "abc123hash", domain.PurposeLogin, fixedTime())
		require.NoError(t, err)
		assert.True(t, won)
	})

	t.Run("losing the race reports false without error", func(t *testing.T) {
		db := &stubChallengeDynamo{
			updateItemFn: func(_ context.Context, _ *dynamo.UpdateItemInput, _ ...func(*dynamo.Options)) (*dynamo.UpdateItemOutput, error) {
				return nil, dynamo.ErrConditionalCheckFailed()
			},
		}
		store, _ := newTestChallengeStore(db)

		won, err := store.MarkVerified(context.Background(), "abc123hash", domain.PurposeLogin, fixedTime())
		require.NoError(t, err)
		assert.False(t, won)
	})

	t.Run("propagates write failures", func(t *testing.T) {
		db := &stubChallengeDynamo{
			updateItemFn: func(_ context.Context, _ *dynamo.UpdateItemInput, _ ...func(*dynamo.Options)) (*dynamo.UpdateItemOutput, error) {
				return nil, errors.New("throughput exceeded")
			},
		}
		store, _ := newTestChallengeStore(db)

		_, err := store.MarkVerified(context.Background(), "abc123hash", domain.PurposeLogin, fixedTime())
		require.Error(t, err)
	})
}

func TestChallengeStore_Delete(t *testing.T) {
	t.Run("removes the row by composite key", func(t *testing.T) {
		db := &stubChallengeDynamo{
			deleteItemFn: func(_ context.Context, params *dynamo.DeleteItemInput, _ ...func(*dynamo.Options)) (*dynamo.DeleteItemOutput, error) {
				assert.Equal(t, challengeTable, *params.TableName)
				key := params.Key["phone_hash"].(*dynamo.AttributeValueMemberS)
				assert.Equal(t, "abc123hash", key.Value)
				return &dynamo.DeleteItemOutput{}, nil
			},
		}
		store, _ := newTestChallengeStore(db)

		require.NoError(t, store.Delete(context.Background(), "abc123hash", domain.PurposeLogin))
	})

	t.Run("propagates delete failures", func(t *testing.T) {
		db := &stubChallengeDynamo{
			deleteItemFn: func(_ context.Context, _ *dynamo.DeleteItemInput, _ ...func(*dynamo.Options)) (*dynamo.DeleteItemOutput, error) {
				return nil, errors.New("connection reset")
			},
		}
		store, _ := newTestChallengeStore(db)

		err := store.Delete(context.Background(), "abc123hash", domain.PurposeLogin)
		require.Error(t, err)
	})
}
