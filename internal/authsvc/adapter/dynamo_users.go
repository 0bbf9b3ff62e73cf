package adapter

import (
	"context"
	"fmt"
	"strings"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/glowdesk/salon-platform/internal/authsvc/app"
	"github.com/glowdesk/salon-platform/internal/domain"
	"github.com/glowdesk/salon-platform/internal/dynamo"
)

// phoneSentinelPrefix namespaces phone-uniqueness sentinel items in the
// users table. A sentinel claims a phone number for exactly one user; it is
// written transactionally alongside the user item.
const phoneSentinelPrefix = "phone#"

// Compile-time check: UserStore satisfies app.UserStore.
var _ app.UserStore = (*UserStore)(nil)

// userDynamoDB is a narrow, consumer-defined interface for DynamoDB
// operations required by the user store.
type userDynamoDB interface {
	GetItem(ctx context.Context, params *dynamo.GetItemInput, optFns ...func(*dynamo.Options)) (*dynamo.GetItemOutput, error)
	Query(ctx context.Context, params *dynamo.QueryInput, optFns ...func(*dynamo.Options)) (*dynamo.QueryOutput, error)
	UpdateItem(ctx context.Context, params *dynamo.UpdateItemInput, optFns ...func(*dynamo.Options)) (*dynamo.UpdateItemOutput, error)
}

// userItem is the DynamoDB item shape for the users table.
type userItem struct {
	UserID    string `dynamodbav:"user_id"`
	Phone     string `dynamodbav:"phone"`
	Role      string `dynamodbav:"role"`
	TenantID  string `dynamodbav:"tenant_id,omitempty"`
	IsActive  bool   `dynamodbav:"is_active"`
	CreatedAt string `dynamodbav:"created_at"`
	UpdatedAt string `dynamodbav:"updated_at"`
}

// UserStore reads and updates user records in DynamoDB. User creation goes
// through the Transactor so the phone sentinel is claimed atomically.
type UserStore struct {
	db        userDynamoDB
	tableName string
	indexName string
}

// NewUserStore creates a UserStore backed by the given DynamoDB client.
// Phone lookups go through the phone-index GSI.
func NewUserStore(db userDynamoDB, tableName string) *UserStore {
	return &UserStore{
		db:        db,
		tableName: tableName,
		indexName: "phone-index",
	}
}

// GetByID retrieves a user record by user ID using a strongly consistent read.
// Returns domain.ErrNotFound when the user does not exist.
func (s *UserStore) GetByID(ctx context.Context, userID string) (*app.UserRecord, error) {
	ctx, span := tracer.Start(ctx, "dynamo.users.get_by_id")
	defer span.End()
	span.SetAttributes(
		attribute.String("db.system", "dynamodb"),
		attribute.String("db.operation", "GetItem"),
	)

	consistentRead := true

	out, err := s.db.GetItem(ctx, &dynamo.GetItemInput{
		TableName: &s.tableName,
		Key: map[string]dynamo.AttributeValue{
			"user_id": &dynamo.AttributeValueMemberS{Value: userID},
		},
		ConsistentRead: &consistentRead,
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("user store: get by id: %w", err)
	}

	if out.Item == nil {
		return nil, fmt.Errorf("user store: get by id: %w", domain.ErrNotFound)
	}

	return unmarshalUser(out.Item)
}

// FindByPhone looks up a user by phone number via the phone-index GSI.
// Sentinel items share the GSI partition, so real user items are filtered by
// key prefix. Returns domain.ErrNotFound when no user holds the phone.
func (s *UserStore) FindByPhone(ctx context.Context, phone string) (*app.UserRecord, error) {
	ctx, span := tracer.Start(ctx, "dynamo.users.find_by_phone")
	defer span.End()
	span.SetAttributes(
		attribute.String("db.system", "dynamodb"),
		attribute.String("db.operation", "Query"),
	)

	keyExpr := "phone = :phone"

	out, err := s.db.Query(ctx, &dynamo.QueryInput{
		TableName:              &s.tableName,
		IndexName:              &s.indexName,
		KeyConditionExpression: &keyExpr,
		ExpressionAttributeValues: map[string]dynamo.AttributeValue{
			":phone": &dynamo.AttributeValueMemberS{Value: phone},
		},
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("user store: find by phone: %w", err)
	}

	for _, item := range out.Items {
		user, err := unmarshalUser(item)
		if err != nil {
			return nil, err
		}
		if strings.HasPrefix(user.UserID, phoneSentinelPrefix) {
			continue
		}
		return user, nil
	}

	return nil, fmt.Errorf("user store: find by phone: %w", domain.ErrNotFound)
}

// SetTenant assigns a tenant to an existing user. The existence condition
// keeps the update from materializing a phantom user.
func (s *UserStore) SetTenant(ctx context.Context, userID, tenantID, updatedAt string) error {
	ctx, span := tracer.Start(ctx, "dynamo.users.set_tenant")
	defer span.End()
	span.SetAttributes(
		attribute.String("db.system", "dynamodb"),
		attribute.String("db.operation", "UpdateItem"),
	)

	updateExpr := "SET tenant_id = :tid, updated_at = :ua"
	condExpr := "attribute_exists(user_id)"

	_, err := s.db.UpdateItem(ctx, &dynamo.UpdateItemInput{
		TableName: &s.tableName,
		Key: map[string]dynamo.AttributeValue{
			"user_id": &dynamo.AttributeValueMemberS{Value: userID},
		},
		UpdateExpression:    &updateExpr,
		ConditionExpression: &condExpr,
		ExpressionAttributeValues: map[string]dynamo.AttributeValue{
			":tid": &dynamo.AttributeValueMemberS{Value: tenantID},
			":ua":  &dynamo.AttributeValueMemberS{Value: updatedAt},
		},
	})
	if err != nil {
		if dynamo.IsConditionalCheckFailed(err) {
			return fmt.Errorf("user store: set tenant: %w", domain.ErrNotFound)
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("user store: set tenant: %w", err)
	}

	return nil
}

func unmarshalUser(item map[string]dynamo.AttributeValue) (*app.UserRecord, error) {
	var ui userItem
	if err := dynamo.UnmarshalMap(item, &ui); err != nil {
		return nil, fmt.Errorf("user store: unmarshal user: %w", err)
	}
	record := app.UserRecord(ui)
	return &record, nil
}
