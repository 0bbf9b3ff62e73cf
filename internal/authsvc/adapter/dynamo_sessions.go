package adapter

import (
	"context"
	"fmt"
	"strconv"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/glowdesk/salon-platform/internal/authsvc/app"
	"github.com/glowdesk/salon-platform/internal/domain"
	"github.com/glowdesk/salon-platform/internal/dynamo"
)

// Compile-time check: SessionStore satisfies app.SessionStore.
var _ app.SessionStore = (*SessionStore)(nil)

// sessionDynamoDB is a narrow, consumer-defined interface for DynamoDB
// operations required by the session store. The *dynamodb.Client satisfies
// this interface.
type sessionDynamoDB interface {
	GetItem(ctx context.Context, params *dynamo.GetItemInput, optFns ...func(*dynamo.Options)) (*dynamo.GetItemOutput, error)
	UpdateItem(ctx context.Context, params *dynamo.UpdateItemInput, optFns ...func(*dynamo.Options)) (*dynamo.UpdateItemOutput, error)
}

// sessionItem is the DynamoDB item shape for the sessions table.
type sessionItem struct {
	SessionID     string `dynamodbav:"session_id"`
	UserID        string `dynamodbav:"user_id"`
	Surface       string `dynamodbav:"surface"`
	IsActive      bool   `dynamodbav:"is_active"`
	CreatedAt     string `dynamodbav:"created_at"`
	CreatedByIP   string `dynamodbav:"created_by_ip,omitempty"`
	UserAgent     string `dynamodbav:"user_agent,omitempty"`
	RevokedAt     string `dynamodbav:"revoked_at,omitempty"`
	RevokedReason string `dynamodbav:"revoked_reason,omitempty"`
	LastUsedAt    string `dynamodbav:"last_used_at"`
	TTL           int64  `dynamodbav:"ttl"`
}

// SessionStore persists session records in DynamoDB. Session creation goes
// through the Transactor together with the first refresh token; this store
// handles reads and lifecycle updates.
type SessionStore struct {
	db        sessionDynamoDB
	tableName string
}

// NewSessionStore creates a SessionStore backed by the given DynamoDB client.
func NewSessionStore(db sessionDynamoDB, tableName string) *SessionStore {
	return &SessionStore{db: db, tableName: tableName}
}

// Get retrieves a session record by ID using a strongly consistent read.
// Returns domain.ErrNotFound when no session exists for the given ID.
func (s *SessionStore) Get(ctx context.Context, sessionID string) (*app.SessionRecord, error) {
	ctx, span := tracer.Start(ctx, "dynamo.sessions.get")
	defer span.End()
	span.SetAttributes(
		attribute.String("db.system", "dynamodb"),
		attribute.String("db.operation", "GetItem"),
	)

	consistentRead := true

	out, err := s.db.GetItem(ctx, &dynamo.GetItemInput{
		TableName: &s.tableName,
		Key: map[string]dynamo.AttributeValue{
			"session_id": &dynamo.AttributeValueMemberS{Value: sessionID},
		},
		ConsistentRead: &consistentRead,
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("session store: get: %w", err)
	}

	if out.Item == nil {
		return nil, fmt.Errorf("session store: get: %w", domain.ErrNotFound)
	}

	var item sessionItem
	if err := dynamo.UnmarshalMap(out.Item, &item); err != nil {
		return nil, fmt.Errorf("session store: unmarshal session: %w", err)
	}

	record := app.SessionRecord(item)
	return &record, nil
}

// Revoke deactivates a session, recording the reason and timestamp. The
// condition requires is_active=true, so the first revocation wins and every
// later one gets domain.ErrSessionRevoked. Callers treating revocation as
// idempotent swallow that error.
func (s *SessionStore) Revoke(ctx context.Context, sessionID, reason, revokedAt string) error {
	ctx, span := tracer.Start(ctx, "dynamo.sessions.revoke")
	defer span.End()
	span.SetAttributes(
		attribute.String("db.system", "dynamodb"),
		attribute.String("db.operation", "UpdateItem"),
	)

	updateExpr := "SET is_active = :false, revoked_at = :ra, revoked_reason = :reason"
	condExpr := "is_active = :true"

	_, err := s.db.UpdateItem(ctx, &dynamo.UpdateItemInput{
		TableName: &s.tableName,
		Key: map[string]dynamo.AttributeValue{
			"session_id": &dynamo.AttributeValueMemberS{Value: sessionID},
		},
		UpdateExpression:    &updateExpr,
		ConditionExpression: &condExpr,
		ExpressionAttributeValues: map[string]dynamo.AttributeValue{
			":false":  &dynamo.AttributeValueMemberBOOL{Value: false},
			":true":   &dynamo.AttributeValueMemberBOOL{Value: true},
			":ra":     &dynamo.AttributeValueMemberS{Value: revokedAt},
			":reason": &dynamo.AttributeValueMemberS{Value: reason},
		},
	})
	if err != nil {
		if dynamo.IsConditionalCheckFailed(err) {
			return fmt.Errorf("session store: revoke: %w", domain.ErrSessionRevoked)
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("session store: revoke: %w", err)
	}

	return nil
}

// Touch updates the session's last_used_at timestamp and pushes its ttl
// out to the given unix time, keeping the item alive as long as its newest
// refresh token. The existence condition prevents creating a phantom item
// for a deleted session.
func (s *SessionStore) Touch(ctx context.Context, sessionID, lastUsedAt string, ttl int64) error {
	ctx, span := tracer.Start(ctx, "dynamo.sessions.touch")
	defer span.End()
	span.SetAttributes(
		attribute.String("db.system", "dynamodb"),
		attribute.String("db.operation", "UpdateItem"),
	)

	updateExpr := "SET last_used_at = :lua, #ttl = :ttl"
	condExpr := "attribute_exists(session_id)"

	_, err := s.db.UpdateItem(ctx, &dynamo.UpdateItemInput{
		TableName: &s.tableName,
		Key: map[string]dynamo.AttributeValue{
			"session_id": &dynamo.AttributeValueMemberS{Value: sessionID},
		},
		UpdateExpression:    &updateExpr,
		ConditionExpression: &condExpr,
		ExpressionAttributeNames: map[string]string{
			"#ttl": "ttl",
		},
		ExpressionAttributeValues: map[string]dynamo.AttributeValue{
			":lua": &dynamo.AttributeValueMemberS{Value: lastUsedAt},
			":ttl": &dynamo.AttributeValueMemberN{Value: strconv.FormatInt(ttl, 10)},
		},
	})
	if err != nil {
		if dynamo.IsConditionalCheckFailed(err) {
			return fmt.Errorf("session store: touch: %w", domain.ErrNotFound)
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("session store: touch: %w", err)
	}

	return nil
}
