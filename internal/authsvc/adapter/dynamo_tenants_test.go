package adapter

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/glowdesk/salon-platform/internal/authsvc/app"
	"github.com/glowdesk/salon-platform/internal/domain"
	"github.com/glowdesk/salon-platform/internal/dynamo"
)

type stubTenantDynamo struct {
	getItemFn func(ctx context.Context, params *dynamo.GetItemInput, optFns ...func(*dynamo.Options)) (*dynamo.GetItemOutput, error)
	putItemFn func(ctx context.Context, params *dynamo.PutItemInput, optFns ...func(*dynamo.Options)) (*dynamo.PutItemOutput, error)
}

func (s *stubTenantDynamo) GetItem(ctx context.Context, params *dynamo.GetItemInput, optFns ...func(*dynamo.Options)) (*dynamo.GetItemOutput, error) {
	return s.getItemFn(ctx, params, optFns...)
}

func (s *stubTenantDynamo) PutItem(ctx context.Context, params *dynamo.PutItemInput, optFns ...func(*dynamo.Options)) (*dynamo.PutItemOutput, error) {
	return s.putItemFn(ctx, params, optFns...)
}

var _ tenantDynamoDB = (*stubTenantDynamo)(nil)

const tenantsTable = "tenants"

func TestTenantStore(t *testing.T) {
	record := app.TenantRecord{
		TenantID:    "tenant-001",
		OwnerUserID: "user-owner-001",
		Status:      "active",
		CreatedAt:   "2026-03-10T09:00:00Z",
	}

	t.Run("get round-trips the item", func(t *testing.T) {
		av, err := dynamo.MarshalMap(tenantItem(record))
		require.NoError(t, err)

		db := &stubTenantDynamo{
			getItemFn: func(_ context.Context, params *dynamo.GetItemInput, _ ...func(*dynamo.Options)) (*dynamo.GetItemOutput, error) {
				assert.Equal(t, tenantsTable, *params.TableName)
				return &dynamo.GetItemOutput{Item: av}, nil
			},
		}
		store := NewTenantStore(db, tenantsTable)

		got, err := store.Get(context.Background(), record.TenantID)
		require.NoError(t, err)
		assert.Equal(t, record, *got)
	})

	t.Run("get missing maps to ErrNotFound", func(t *testing.T) {
		db := &stubTenantDynamo{
			getItemFn: func(context.Context, *dynamo.GetItemInput, ...func(*dynamo.Options)) (*dynamo.GetItemOutput, error) {
				return &dynamo.GetItemOutput{}, nil
			},
		}
		store := NewTenantStore(db, tenantsTable)

		_, err := store.Get(context.Background(), "missing")
		assert.ErrorIs(t, err, domain.ErrNotFound)
	})

	t.Run("create refuses to overwrite", func(t *testing.T) {
		db := &stubTenantDynamo{
			putItemFn: func(_ context.Context, params *dynamo.PutItemInput, _ ...func(*dynamo.Options)) (*dynamo.PutItemOutput, error) {
				assert.Equal(t, "attribute_not_exists(tenant_id)", *params.ConditionExpression)
				return &dynamo.PutItemOutput{}, nil
			},
		}
		store := NewTenantStore(db, tenantsTable)

		require.NoError(t, store.Create(context.Background(), record))
	})

	t.Run("create maps conditional failure to ErrAlreadyExists", func(t *testing.T) {
		db := &stubTenantDynamo{
			putItemFn: func(context.Context, *dynamo.PutItemInput, ...func(*dynamo.Options)) (*dynamo.PutItemOutput, error) {
				return nil, dynamo.ErrConditionalCheckFailed()
			},
		}
		store := NewTenantStore(db, tenantsTable)

		assert.ErrorIs(t, store.Create(context.Background(), record), domain.ErrAlreadyExists)
	})
}
