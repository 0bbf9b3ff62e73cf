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

// Compile-time check: ChallengeStore satisfies app.ChallengeStore.
var _ app.ChallengeStore = (*ChallengeStore)(nil)

// challengeDynamoDB is a narrow, consumer-defined interface for DynamoDB
// operations required by the challenge store. Only the methods this adapter
// calls are declared. The *dynamodb.Client satisfies this interface, and
// test stubs implement it directly.
type challengeDynamoDB interface {
	GetItem(ctx context.Context, params *dynamo.GetItemInput, optFns ...func(*dynamo.Options)) (*dynamo.GetItemOutput, error)
	PutItem(ctx context.Context, params *dynamo.PutItemInput, optFns ...func(*dynamo.Options)) (*dynamo.PutItemOutput, error)
	UpdateItem(ctx context.Context, params *dynamo.UpdateItemInput, optFns ...func(*dynamo.Options)) (*dynamo.UpdateItemOutput, error)
}

// challengeItem is the DynamoDB item shape for the otp_challenges table.
// Struct tags drive attributevalue.MarshalMap / UnmarshalMap serialization.
type challengeItem struct {
	ChallengeID string `dynamodbav:"challenge_id"`
	Phone       string `dynamodbav:"phone"`
	Surface     string `dynamodbav:"surface"`
	OTPMAC      string `dynamodbav:"otp_mac"`
	CreatedAt   string `dynamodbav:"created_at"`
	ExpiresAt   string `dynamodbav:"expires_at"`
	Attempts    int    `dynamodbav:"attempts"`
	MaxAttempts int    `dynamodbav:"max_attempts"`
	ResendCount int    `dynamodbav:"resend_count"`
	Status      string `dynamodbav:"status"`
	LockReason  string `dynamodbav:"lock_reason,omitempty"`
	IP          string `dynamodbav:"ip,omitempty"`
	UserAgent   string `dynamodbav:"user_agent,omitempty"`
	TTL         int64  `dynamodbav:"ttl"`
}

func toChallengeItem(r app.ChallengeRecord) challengeItem {
	return challengeItem(r)
}

func fromChallengeItem(item challengeItem) *app.ChallengeRecord {
	r := app.ChallengeRecord(item)
	return &r
}

// ChallengeStore persists OTP challenge records in DynamoDB. All lifecycle
// transitions are conditional writes keyed on the current status, so every
// transition is exclusive under concurrent requests.
type ChallengeStore struct {
	db        challengeDynamoDB
	tableName string
}

// NewChallengeStore creates a ChallengeStore backed by the given DynamoDB client.
func NewChallengeStore(db challengeDynamoDB, tableName string) *ChallengeStore {
	return &ChallengeStore{db: db, tableName: tableName}
}

// Create writes a new challenge record. Challenge IDs are generated, so a
// key collision indicates a bug rather than a race; the condition turns it
// into domain.ErrAlreadyExists instead of a silent overwrite.
func (s *ChallengeStore) Create(ctx context.Context, record app.ChallengeRecord) error {
	ctx, span := tracer.Start(ctx, "dynamo.challenges.create")
	defer span.End()
	span.SetAttributes(
		attribute.String("db.system", "dynamodb"),
		attribute.String("db.operation", "PutItem"),
	)

	av, err := dynamo.MarshalMap(toChallengeItem(record))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("challenge store: marshal challenge: %w", err)
	}

	condExpr := "attribute_not_exists(challenge_id)"

	_, err = s.db.PutItem(ctx, &dynamo.PutItemInput{
		TableName:           &s.tableName,
		Item:                av,
		ConditionExpression: &condExpr,
	})
	if err != nil {
		if dynamo.IsConditionalCheckFailed(err) {
			return fmt.Errorf("challenge store: create: %w", domain.ErrAlreadyExists)
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("challenge store: create: %w", err)
	}

	return nil
}

// Get retrieves a challenge by ID using a strongly consistent read.
// Returns domain.ErrNotFound when no challenge exists for the given ID.
func (s *ChallengeStore) Get(ctx context.Context, challengeID string) (*app.ChallengeRecord, error) {
	ctx, span := tracer.Start(ctx, "dynamo.challenges.get")
	defer span.End()
	span.SetAttributes(
		attribute.String("db.system", "dynamodb"),
		attribute.String("db.operation", "GetItem"),
	)

	consistentRead := true

	out, err := s.db.GetItem(ctx, &dynamo.GetItemInput{
		TableName: &s.tableName,
		Key: map[string]dynamo.AttributeValue{
			"challenge_id": &dynamo.AttributeValueMemberS{Value: challengeID},
		},
		ConsistentRead: &consistentRead,
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("challenge store: get: %w", err)
	}

	if out.Item == nil {
		return nil, fmt.Errorf("challenge store: get: %w", domain.ErrNotFound)
	}

	var item challengeItem
	if err := dynamo.UnmarshalMap(out.Item, &item); err != nil {
		return nil, fmt.Errorf("challenge store: unmarshal challenge: %w", err)
	}

	return fromChallengeItem(item), nil
}

// Reissue replaces the MAC and expiry of an active challenge and increments
// its resend counter. The condition requires status=active and a resend
// counter below the cap, so a challenge that went terminal or was resent
// concurrently is never reissued. A failed condition surfaces as
// domain.ErrChallengeConsumed.
func (s *ChallengeStore) Reissue(ctx context.Context, challengeID, otpMAC, expiresAt string, ttl int64, maxResends int) error {
	ctx, span := tracer.Start(ctx, "dynamo.challenges.reissue")
	defer span.End()
	span.SetAttributes(
		attribute.String("db.system", "dynamodb"),
		attribute.String("db.operation", "UpdateItem"),
	)

	updateExpr := "SET otp_mac = :mac, expires_at = :ea, #ttl = :ttl, resend_count = resend_count + :one"
	condExpr := "#st = :active AND resend_count < :max"

	_, err := s.db.UpdateItem(ctx, &dynamo.UpdateItemInput{
		TableName: &s.tableName,
		Key: map[string]dynamo.AttributeValue{
			"challenge_id": &dynamo.AttributeValueMemberS{Value: challengeID},
		},
		UpdateExpression:    &updateExpr,
		ConditionExpression: &condExpr,
		ExpressionAttributeNames: map[string]string{
			"#st":  "status",
			"#ttl": "ttl",
		},
		ExpressionAttributeValues: map[string]dynamo.AttributeValue{
			":mac":    &dynamo.AttributeValueMemberS{Value: otpMAC},
			":ea":     &dynamo.AttributeValueMemberS{Value: expiresAt},
			":ttl":    &dynamo.AttributeValueMemberN{Value: strconv.FormatInt(ttl, 10)},
			":one":    &dynamo.AttributeValueMemberN{Value: "1"},
			":active": &dynamo.AttributeValueMemberS{Value: string(domain.ChallengeActive)},
			":max":    &dynamo.AttributeValueMemberN{Value: strconv.Itoa(maxResends)},
		},
	})
	if err != nil {
		if dynamo.IsConditionalCheckFailed(err) {
			return fmt.Errorf("challenge store: reissue: %w", domain.ErrChallengeConsumed)
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("challenge store: reissue: %w", err)
	}

	return nil
}

// RecordAttempt increments the attempt counter and returns the new count.
// The condition requires an active challenge with headroom below
// max_attempts, so the counter can never pass the cap: concurrent wrong
// attempts serialize on the conditional write, and the loser gets
// domain.ErrChallengeConsumed.
func (s *ChallengeStore) RecordAttempt(ctx context.Context, challengeID string) (int, error) {
	ctx, span := tracer.Start(ctx, "dynamo.challenges.record_attempt")
	defer span.End()
	span.SetAttributes(
		attribute.String("db.system", "dynamodb"),
		attribute.String("db.operation", "UpdateItem"),
	)

	updateExpr := "SET attempts = attempts + :one"
	condExpr := "#st = :active AND attempts < max_attempts"

	out, err := s.db.UpdateItem(ctx, &dynamo.UpdateItemInput{
		TableName: &s.tableName,
		Key: map[string]dynamo.AttributeValue{
			"challenge_id": &dynamo.AttributeValueMemberS{Value: challengeID},
		},
		UpdateExpression:    &updateExpr,
		ConditionExpression: &condExpr,
		ExpressionAttributeNames: map[string]string{
			"#st": "status",
		},
		ExpressionAttributeValues: map[string]dynamo.AttributeValue{
			":one":    &dynamo.AttributeValueMemberN{Value: "1"},
			":active": &dynamo.AttributeValueMemberS{Value: string(domain.ChallengeActive)},
		},
		ReturnValues: dynamo.ReturnValueAllNew,
	})
	if err != nil {
		if dynamo.IsConditionalCheckFailed(err) {
			return 0, fmt.Errorf("challenge store: record attempt: %w", domain.ErrChallengeConsumed)
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return 0, fmt.Errorf("challenge store: record attempt: %w", err)
	}

	var item challengeItem
	if err := dynamo.UnmarshalMap(out.Attributes, &item); err != nil {
		return 0, fmt.Errorf("challenge store: unmarshal attempts: %w", err)
	}

	return item.Attempts, nil
}

// Lock transitions an active challenge to the locked terminal state.
// A failed condition means the challenge is already terminal.
func (s *ChallengeStore) Lock(ctx context.Context, challengeID, reason string) error {
	return s.transition(ctx, "dynamo.challenges.lock", challengeID, domain.ChallengeLocked, reason)
}

// Consume transitions an active challenge to the used terminal state.
// Of two racing verifications exactly one wins this write; the other gets
// domain.ErrChallengeConsumed.
func (s *ChallengeStore) Consume(ctx context.Context, challengeID string) error {
	return s.transition(ctx, "dynamo.challenges.consume", challengeID, domain.ChallengeUsed, "")
}

// transition performs the conditional ACTIVE -> terminal status write shared
// by Lock and Consume.
func (s *ChallengeStore) transition(ctx context.Context, spanName, challengeID string, to domain.ChallengeStatus, reason string) error {
	ctx, span := tracer.Start(ctx, spanName)
	defer span.End()
	span.SetAttributes(
		attribute.String("db.system", "dynamodb"),
		attribute.String("db.operation", "UpdateItem"),
	)

	updateExpr := "SET #st = :to"
	condExpr := "#st = :active"
	values := map[string]dynamo.AttributeValue{
		":to":     &dynamo.AttributeValueMemberS{Value: string(to)},
		":active": &dynamo.AttributeValueMemberS{Value: string(domain.ChallengeActive)},
	}
	if reason != "" {
		updateExpr += ", lock_reason = :reason"
		values[":reason"] = &dynamo.AttributeValueMemberS{Value: reason}
	}

	_, err := s.db.UpdateItem(ctx, &dynamo.UpdateItemInput{
		TableName: &s.tableName,
		Key: map[string]dynamo.AttributeValue{
			"challenge_id": &dynamo.AttributeValueMemberS{Value: challengeID},
		},
		UpdateExpression:    &updateExpr,
		ConditionExpression: &condExpr,
		ExpressionAttributeNames: map[string]string{
			"#st": "status",
		},
		ExpressionAttributeValues: values,
	})
	if err != nil {
		if dynamo.IsConditionalCheckFailed(err) {
			return fmt.Errorf("challenge store: transition to %s: %w", to, domain.ErrChallengeConsumed)
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("challenge store: transition to %s: %w", to, err)
	}

	return nil
}
