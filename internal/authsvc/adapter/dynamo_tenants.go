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

// Compile-time check: TenantStore satisfies app.TenantStore.
var _ app.TenantStore = (*TenantStore)(nil)

// tenantDynamoDB is a narrow, consumer-defined interface for DynamoDB
// operations required by the tenant store.
type tenantDynamoDB interface {
	GetItem(ctx context.Context, params *dynamo.GetItemInput, optFns ...func(*dynamo.Options)) (*dynamo.GetItemOutput, error)
	PutItem(ctx context.Context, params *dynamo.PutItemInput, optFns ...func(*dynamo.Options)) (*dynamo.PutItemOutput, error)
}

// tenantItem is the DynamoDB item shape for the tenants table.
type tenantItem struct {
	TenantID    string `dynamodbav:"tenant_id"`
	OwnerUserID string `dynamodbav:"owner_user_id"`
	Name        string `dynamodbav:"name,omitempty"`
	Status      string `dynamodbav:"status"`
	CreatedAt   string `dynamodbav:"created_at"`
}

// TenantStore persists salon tenant records in DynamoDB.
type TenantStore struct {
	db        tenantDynamoDB
	tableName string
}

// NewTenantStore creates a TenantStore backed by the given DynamoDB client.
func NewTenantStore(db tenantDynamoDB, tableName string) *TenantStore {
	return &TenantStore{db: db, tableName: tableName}
}

// Get retrieves a tenant record by ID.
// Returns domain.ErrNotFound when the tenant does not exist.
func (s *TenantStore) Get(ctx context.Context, tenantID string) (*app.TenantRecord, error) {
	ctx, span := tracer.Start(ctx, "dynamo.tenants.get")
	defer span.End()
	span.SetAttributes(
		attribute.String("db.system", "dynamodb"),
		attribute.String("db.operation", "GetItem"),
	)

	out, err := s.db.GetItem(ctx, &dynamo.GetItemInput{
		TableName: &s.tableName,
		Key: map[string]dynamo.AttributeValue{
			"tenant_id": &dynamo.AttributeValueMemberS{Value: tenantID},
		},
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("tenant store: get: %w", err)
	}

	if out.Item == nil {
		return nil, fmt.Errorf("tenant store: get: %w", domain.ErrNotFound)
	}

	var item tenantItem
	if err := dynamo.UnmarshalMap(out.Item, &item); err != nil {
		return nil, fmt.Errorf("tenant store: unmarshal tenant: %w", err)
	}

	record := app.TenantRecord(item)
	return &record, nil
}

// Create writes a tenant record, refusing to overwrite an existing one.
// Returns domain.ErrAlreadyExists when the tenant ID is taken.
func (s *TenantStore) Create(ctx context.Context, record app.TenantRecord) error {
	ctx, span := tracer.Start(ctx, "dynamo.tenants.create")
	defer span.End()
	span.SetAttributes(
		attribute.String("db.system", "dynamodb"),
		attribute.String("db.operation", "PutItem"),
	)

	av, err := dynamo.MarshalMap(tenantItem(record))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("tenant store: marshal tenant: %w", err)
	}

	condExpr := "attribute_not_exists(tenant_id)"

	_, err = s.db.PutItem(ctx, &dynamo.PutItemInput{
		TableName:           &s.tableName,
		Item:                av,
		ConditionExpression: &condExpr,
	})
	if err != nil {
		if dynamo.IsConditionalCheckFailed(err) {
			return fmt.Errorf("tenant store: create: %w", domain.ErrAlreadyExists)
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("tenant store: create: %w", err)
	}

	return nil
}
