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

// Compile-time check: Transactor satisfies app.AuthTransactor.
var _ app.AuthTransactor = (*Transactor)(nil)

// txDynamoDB is a narrow, consumer-defined interface for DynamoDB transaction
// operations. The *dynamodb.Client satisfies this interface.
type txDynamoDB interface {
	TransactWriteItems(ctx context.Context, params *dynamo.TransactWriteItemsInput, optFns ...func(*dynamo.Options)) (*dynamo.TransactWriteItemsOutput, error)
}

// TransactorTables names the tables the auth transactions span.
type TransactorTables struct {
	Users         string
	Tenants       string
	Sessions      string
	RefreshTokens string
}

// Transactor orchestrates the multi-table DynamoDB transactions behind the
// auth flows: owner provisioning, session issue, and token rotation. Each
// transaction commits fully or not at all; conditional failures are mapped
// back to domain errors by item position.
type Transactor struct {
	db     txDynamoDB
	tables TransactorTables
}

// NewTransactor creates a Transactor backed by the given DynamoDB client.
func NewTransactor(db txDynamoDB, tables TransactorTables) *Transactor {
	return &Transactor{db: db, tables: tables}
}

// CreateOwnerWithTenant executes the first-login owner provisioning as a
// 3-item transaction:
//
//	[0] user put — creates the owner in the users table
//	[1] phone sentinel put — claims the phone number for this owner
//	[2] tenant put — creates the owner's tenant
//
// Returns domain.ErrAlreadyExists when any item hits its existence
// condition, which is how a provisioning race between two first logins on
// the same phone resolves: the loser's sentinel put fails.
func (t *Transactor) CreateOwnerWithTenant(ctx context.Context, params app.OwnerProvisioningParams) error {
	ctx, span := tracer.Start(ctx, "dynamo.tx.create_owner_with_tenant")
	defer span.End()
	span.SetAttributes(
		attribute.String("db.system", "dynamodb"),
		attribute.String("db.operation", "TransactWriteItems"),
	)

	userAV, err := dynamo.MarshalMap(userItem(params.User))
	if err != nil {
		return fmt.Errorf("transactor: marshal user: %w", err)
	}
	tenantAV, err := dynamo.MarshalMap(tenantItem(params.Tenant))
	if err != nil {
		return fmt.Errorf("transactor: marshal tenant: %w", err)
	}

	notExistsUser := "attribute_not_exists(user_id)"
	notExistsTenant := "attribute_not_exists(tenant_id)"

	// The sentinel lives in the users table under a namespaced key. It
	// carries the phone so the phone-index GSI covers it, and FindByPhone
	// filters it out by prefix.
	sentinel := map[string]dynamo.AttributeValue{
		"user_id": &dynamo.AttributeValueMemberS{Value: phoneSentinelPrefix + params.User.Phone},
		"phone":   &dynamo.AttributeValueMemberS{Value: params.User.Phone},
		"role":    &dynamo.AttributeValueMemberS{Value: "sentinel"},
	}

	_, err = t.db.TransactWriteItems(ctx, &dynamo.TransactWriteItemsInput{
		TransactItems: []dynamo.TransactWriteItem{
			{Put: &dynamo.Put{
				TableName:           &t.tables.Users,
				Item:                userAV,
				ConditionExpression: &notExistsUser,
			}},
			{Put: &dynamo.Put{
				TableName:           &t.tables.Users,
				Item:                sentinel,
				ConditionExpression: &notExistsUser,
			}},
			{Put: &dynamo.Put{
				TableName:           &t.tables.Tenants,
				Item:                tenantAV,
				ConditionExpression: &notExistsTenant,
			}},
		},
	})
	if err != nil {
		txErr := t.classifyTxError(err, "create owner with tenant", nil,
			"user_put", "phone_sentinel", "tenant_put")
		span.RecordError(txErr)
		span.SetStatus(codes.Error, txErr.Error())
		return txErr
	}

	return nil
}

// IssueSession creates a session and its first refresh token in a 2-item
// transaction. Both IDs are freshly generated, so a conditional failure
// indicates an ID collision and surfaces as domain.ErrAlreadyExists.
func (t *Transactor) IssueSession(ctx context.Context, params app.SessionIssueParams) error {
	ctx, span := tracer.Start(ctx, "dynamo.tx.issue_session")
	defer span.End()
	span.SetAttributes(
		attribute.String("db.system", "dynamodb"),
		attribute.String("db.operation", "TransactWriteItems"),
	)

	sessionAV, err := dynamo.MarshalMap(sessionItem(params.Session))
	if err != nil {
		return fmt.Errorf("transactor: marshal session: %w", err)
	}
	tokenAV, err := dynamo.MarshalMap(refreshTokenItem(params.Token))
	if err != nil {
		return fmt.Errorf("transactor: marshal refresh token: %w", err)
	}

	notExistsSession := "attribute_not_exists(session_id)"
	notExistsToken := "attribute_not_exists(token_digest)"

	_, err = t.db.TransactWriteItems(ctx, &dynamo.TransactWriteItemsInput{
		TransactItems: []dynamo.TransactWriteItem{
			{Put: &dynamo.Put{
				TableName:           &t.tables.Sessions,
				Item:                sessionAV,
				ConditionExpression: &notExistsSession,
			}},
			{Put: &dynamo.Put{
				TableName:           &t.tables.RefreshTokens,
				Item:                tokenAV,
				ConditionExpression: &notExistsToken,
			}},
		},
	})
	if err != nil {
		txErr := t.classifyTxError(err, "issue session", nil,
			"session_put", "token_put")
		span.RecordError(txErr)
		span.SetStatus(codes.Error, txErr.Error())
		return txErr
	}

	return nil
}

// RotateRefreshToken revokes the presented token and creates its successor
// in a 2-item transaction:
//
//	[0] old token update — sets revoked_at, reason "rotated", and the
//	    successor link, conditional on the token being live
//	[1] new token put — creates the successor
//
// A conditional failure on item 0 means a concurrent refresh already rotated
// the token; it surfaces as domain.ErrInvalidRefreshToken so the caller can
// distinguish the rotation race from genuine reuse of an old token.
func (t *Transactor) RotateRefreshToken(ctx context.Context, params app.TokenRotationParams) error {
	ctx, span := tracer.Start(ctx, "dynamo.tx.rotate_refresh_token")
	defer span.End()
	span.SetAttributes(
		attribute.String("db.system", "dynamodb"),
		attribute.String("db.operation", "TransactWriteItems"),
	)

	tokenAV, err := dynamo.MarshalMap(refreshTokenItem(params.NewToken))
	if err != nil {
		return fmt.Errorf("transactor: marshal refresh token: %w", err)
	}

	updateExpr := "SET revoked_at = :ra, revoked_reason = :reason, replaced_by_digest = :next"
	liveCond := "attribute_exists(token_digest) AND attribute_not_exists(revoked_at)"
	notExistsToken := "attribute_not_exists(token_digest)"

	_, err = t.db.TransactWriteItems(ctx, &dynamo.TransactWriteItemsInput{
		TransactItems: []dynamo.TransactWriteItem{
			{Update: &dynamo.Update{
				TableName: &t.tables.RefreshTokens,
				Key: map[string]dynamo.AttributeValue{
					"token_digest": &dynamo.AttributeValueMemberS{Value: params.OldDigest},
				},
				UpdateExpression:    &updateExpr,
				ConditionExpression: &liveCond,
				ExpressionAttributeValues: map[string]dynamo.AttributeValue{
					":ra":     &dynamo.AttributeValueMemberS{Value: params.RevokedAt},
					":reason": &dynamo.AttributeValueMemberS{Value: domain.RevokeReasonRotated},
					":next":   &dynamo.AttributeValueMemberS{Value: params.NewToken.TokenDigest},
				},
			}},
			{Put: &dynamo.Put{
				TableName:           &t.tables.RefreshTokens,
				Item:                tokenAV,
				ConditionExpression: &notExistsToken,
			}},
		},
	})
	if err != nil {
		txErr := t.classifyTxError(err, "rotate refresh token",
			map[int]error{0: domain.ErrInvalidRefreshToken},
			"old_token_update", "new_token_put")
		span.RecordError(txErr)
		span.SetStatus(codes.Error, txErr.Error())
		return txErr
	}

	return nil
}

// classifyTxError inspects a TransactWriteItems error and wraps it with
// context. For TransactionCanceledException it checks each cancellation
// reason; a ConditionalCheckFailed maps to the override registered for that
// item index, or domain.ErrAlreadyExists by default.
func (t *Transactor) classifyTxError(err error, op string, overrides map[int]error, itemNames ...string) error {
	reasons, ok := dynamo.IsTransactionCanceledException(err)
	if !ok {
		return fmt.Errorf("transactor: %s: %w", op, err)
	}

	for i, reason := range reasons {
		if reason != "ConditionalCheckFailed" {
			continue
		}
		name := "unknown"
		if i < len(itemNames) {
			name = itemNames[i]
		}
		mapped := domain.ErrAlreadyExists
		if override, ok := overrides[i]; ok {
			mapped = override
		}
		return fmt.Errorf("transactor: %s: item %d (%s) condition failed: %w",
			op, i, name, mapped)
	}

	return fmt.Errorf("transactor: %s: transaction canceled: %w", op, err)
}
