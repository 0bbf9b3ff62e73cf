package adapter

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/glowdesk/salon-platform/internal/authsvc/app"
	"github.com/glowdesk/salon-platform/internal/domain"
	"github.com/glowdesk/salon-platform/internal/dynamo"
)

// Compile-time check: RefreshTokenStore satisfies app.RefreshTokenStore.
var _ app.RefreshTokenStore = (*RefreshTokenStore)(nil)

// refreshTokenDynamoDB is a narrow, consumer-defined interface for DynamoDB
// operations required by the refresh token store.
type refreshTokenDynamoDB interface {
	GetItem(ctx context.Context, params *dynamo.GetItemInput, optFns ...func(*dynamo.Options)) (*dynamo.GetItemOutput, error)
	UpdateItem(ctx context.Context, params *dynamo.UpdateItemInput, optFns ...func(*dynamo.Options)) (*dynamo.UpdateItemOutput, error)
}

// refreshTokenItem is the DynamoDB item shape for the refresh_tokens table.
// The partition key is the SHA-256 digest of the opaque secret; the secret
// itself never reaches storage.
type refreshTokenItem struct {
	TokenDigest      string `dynamodbav:"token_digest"`
	TokenID          string `dynamodbav:"token_id"`
	UserID           string `dynamodbav:"user_id"`
	SessionID        string `dynamodbav:"session_id"`
	Surface          string `dynamodbav:"surface"`
	CreatedAt        string `dynamodbav:"created_at"`
	ExpiresAt        string `dynamodbav:"expires_at"`
	RevokedAt        string `dynamodbav:"revoked_at,omitempty"`
	RevokedReason    string `dynamodbav:"revoked_reason,omitempty"`
	ReplacedByDigest string `dynamodbav:"replaced_by_digest,omitempty"`
	CreatedByIP      string `dynamodbav:"created_by_ip,omitempty"`
	TTL              int64  `dynamodbav:"ttl"`
}

// RefreshTokenStore persists refresh token records in DynamoDB. Token
// creation and rotation go through the Transactor; this store handles
// lookups and standalone revocation.
type RefreshTokenStore struct {
	db        refreshTokenDynamoDB
	tableName string
}

// NewRefreshTokenStore creates a RefreshTokenStore backed by the given
// DynamoDB client.
func NewRefreshTokenStore(db refreshTokenDynamoDB, tableName string) *RefreshTokenStore {
	return &RefreshTokenStore{db: db, tableName: tableName}
}

// GetByDigest retrieves a refresh token record by its digest using a
// strongly consistent read. Returns domain.ErrNotFound when no token exists.
func (s *RefreshTokenStore) GetByDigest(ctx context.Context, digest string) (*app.RefreshTokenRecord, error) {
	ctx, span := tracer.Start(ctx, "dynamo.refresh_tokens.get_by_digest")
	defer span.End()
	span.SetAttributes(
		attribute.String("db.system", "dynamodb"),
		attribute.String("db.operation", "GetItem"),
	)

	consistentRead := true

	out, err := s.db.GetItem(ctx, &dynamo.GetItemInput{
		TableName: &s.tableName,
		Key: map[string]dynamo.AttributeValue{
			"token_digest": &dynamo.AttributeValueMemberS{Value: digest},
		},
		ConsistentRead: &consistentRead,
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("refresh token store: get by digest: %w", err)
	}

	if out.Item == nil {
		return nil, fmt.Errorf("refresh token store: get by digest: %w", domain.ErrNotFound)
	}

	var item refreshTokenItem
	if err := dynamo.UnmarshalMap(out.Item, &item); err != nil {
		return nil, fmt.Errorf("refresh token store: unmarshal token: %w", err)
	}

	record := app.RefreshTokenRecord(item)
	return &record, nil
}

// Revoke marks a live token revoked with the given reason. The condition
// requires the token to exist and not be revoked yet; a failed condition
// surfaces as domain.ErrInvalidRefreshToken so idempotent callers can
// swallow it.
func (s *RefreshTokenStore) Revoke(ctx context.Context, digest, reason, revokedAt string) error {
	ctx, span := tracer.Start(ctx, "dynamo.refresh_tokens.revoke")
	defer span.End()
	span.SetAttributes(
		attribute.String("db.system", "dynamodb"),
		attribute.String("db.operation", "UpdateItem"),
	)

	updateExpr := "SET revoked_at = :ra, revoked_reason = :reason"
	condExpr := "attribute_exists(token_digest) AND attribute_not_exists(revoked_at)"

	_, err := s.db.UpdateItem(ctx, &dynamo.UpdateItemInput{
		TableName: &s.tableName,
		Key: map[string]dynamo.AttributeValue{
			"token_digest": &dynamo.AttributeValueMemberS{Value: digest},
		},
		UpdateExpression:    &updateExpr,
		ConditionExpression: &condExpr,
		ExpressionAttributeValues: map[string]dynamo.AttributeValue{
			":ra":     &dynamo.AttributeValueMemberS{Value: revokedAt},
			":reason": &dynamo.AttributeValueMemberS{Value: reason},
		},
	})
	if err != nil {
		if dynamo.IsConditionalCheckFailed(err) {
			return fmt.Errorf("refresh token store: revoke: %w", domain.ErrInvalidRefreshToken)
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("refresh token store: revoke: %w", err)
	}

	return nil
}
