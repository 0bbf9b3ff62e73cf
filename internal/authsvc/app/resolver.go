package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/glowdesk/salon-platform/internal/domain"
)

// SurfaceResolver is the per-surface user resolution policy that runs after
// a successful OTP verification. AuthorizeInitiate runs before a challenge
// is created, so a phone that can never authenticate is rejected up front.
type SurfaceResolver interface {
	AuthorizeInitiate(ctx context.Context, phone domain.PhoneNumber) error
	Resolve(ctx context.Context, phone domain.PhoneNumber) (*UserRecord, bool, error)
}

// ResolverDeps holds the collaborators shared by the surface resolvers.
type ResolverDeps struct {
	Users         UserStore
	Tenants       TenantStore
	Transactor    AuthTransactor
	Clock         domain.Clock
	AllowedPhones []string
}

// NewSurfaceResolvers builds the strategy table mapping each surface to its
// resolution policy.
func NewSurfaceResolvers(deps ResolverDeps) map[domain.Surface]SurfaceResolver {
	allowed := make(map[string]struct{}, len(deps.AllowedPhones))
	for _, p := range deps.AllowedPhones {
		allowed[p] = struct{}{}
	}

	return map[domain.Surface]SurfaceResolver{
		domain.SurfaceAdmin: &adminResolver{
			users:   deps.Users,
			allowed: allowed,
		},
		domain.SurfaceOwner: &ownerResolver{
			users:      deps.Users,
			tenants:    deps.Tenants,
			transactor: deps.Transactor,
			clock:      deps.Clock,
		},
		domain.SurfaceEmployee: &employeeResolver{
			users: deps.Users,
		},
	}
}

// adminResolver enforces the static phone allow-list and requires a
// pre-existing active user with the admin role. The allow-list is checked
// both at initiation and again at resolution.
type adminResolver struct {
	users   UserStore
	allowed map[string]struct{}
}

func (r *adminResolver) AuthorizeInitiate(_ context.Context, phone domain.PhoneNumber) error {
	if _, ok := r.allowed[phone.String()]; !ok {
		return fmt.Errorf("phone not on admin allow-list: %w", domain.ErrPhoneNotAllowed)
	}
	return nil
}

func (r *adminResolver) Resolve(ctx context.Context, phone domain.PhoneNumber) (*UserRecord, bool, error) {
	if err := r.AuthorizeInitiate(ctx, phone); err != nil {
		return nil, false, err
	}

	user, err := r.users.FindByPhone(ctx, phone.String())
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return nil, false, fmt.Errorf("admin user does not exist: %w", domain.ErrNotFound)
		}
		return nil, false, fmt.Errorf("find admin by phone: %w", err)
	}
	if user.Role != string(domain.RoleAdmin) {
		return nil, false, fmt.Errorf("user is not an admin: %w", domain.ErrForbidden)
	}
	if !user.IsActive {
		return nil, false, fmt.Errorf("admin account is inactive: %w", domain.ErrAccountInactive)
	}
	return user, false, nil
}

// ownerResolver gets or creates the salon owner by phone. First login
// provisions the owner user and their tenant in one transaction.
type ownerResolver struct {
	users      UserStore
	tenants    TenantStore
	transactor AuthTransactor
	clock      domain.Clock
}

func (r *ownerResolver) AuthorizeInitiate(_ context.Context, _ domain.PhoneNumber) error {
	return nil
}

func (r *ownerResolver) Resolve(ctx context.Context, phone domain.PhoneNumber) (*UserRecord, bool, error) {
	user, err := r.users.FindByPhone(ctx, phone.String())
	if err == nil {
		return r.resolveExisting(ctx, user)
	}
	if !errors.Is(err, domain.ErrNotFound) {
		return nil, false, fmt.Errorf("find owner by phone: %w", err)
	}
	return r.provision(ctx, phone)
}

func (r *ownerResolver) resolveExisting(ctx context.Context, user *UserRecord) (*UserRecord, bool, error) {
	if user.Role != string(domain.RoleOwner) {
		return nil, false, fmt.Errorf("phone belongs to a non-owner account: %w", domain.ErrForbidden)
	}
	if !user.IsActive {
		return nil, false, fmt.Errorf("owner account is inactive: %w", domain.ErrAccountInactive)
	}

	// Re-ensure the tenant exists. Normally provisioned at first login,
	// but a partially migrated account may lack it.
	if user.TenantID == "" {
		tenantID := domain.GenerateTenantID().String()
		now := r.clock.Now().UTC().Format(time.RFC3339)
		tenant := TenantRecord{
			TenantID:    tenantID,
			OwnerUserID: user.UserID,
			Status:      "active",
			CreatedAt:   now,
		}
		if createErr := r.tenants.Create(ctx, tenant); createErr != nil && !errors.Is(createErr, domain.ErrAlreadyExists) {
			return nil, false, fmt.Errorf("create tenant for existing owner: %w", createErr)
		}
		if setErr := r.users.SetTenant(ctx, user.UserID, tenantID, now); setErr != nil {
			return nil, false, fmt.Errorf("assign tenant to owner: %w", setErr)
		}
		user.TenantID = tenantID
		return user, false, nil
	}

	if _, getErr := r.tenants.Get(ctx, user.TenantID); getErr != nil {
		if !errors.Is(getErr, domain.ErrNotFound) {
			return nil, false, fmt.Errorf("get owner tenant: %w", getErr)
		}
		now := r.clock.Now().UTC().Format(time.RFC3339)
		tenant := TenantRecord{
			TenantID:    user.TenantID,
			OwnerUserID: user.UserID,
			Status:      "active",
			CreatedAt:   now,
		}
		if createErr := r.tenants.Create(ctx, tenant); createErr != nil && !errors.Is(createErr, domain.ErrAlreadyExists) {
			return nil, false, fmt.Errorf("recreate owner tenant: %w", createErr)
		}
	}

	return user, false, nil
}

func (r *ownerResolver) provision(ctx context.Context, phone domain.PhoneNumber) (*UserRecord, bool, error) {
	now := r.clock.Now().UTC().Format(time.RFC3339)
	userID := domain.GenerateUserID().String()
	tenantID := domain.GenerateTenantID().String()

	user := UserRecord{
		UserID:    userID,
		Phone:     phone.String(),
		Role:      string(domain.RoleOwner),
		TenantID:  tenantID,
		IsActive:  true,
		CreatedAt: now,
		UpdatedAt: now,
	}
	tenant := TenantRecord{
		TenantID:    tenantID,
		OwnerUserID: userID,
		Status:      "active",
		CreatedAt:   now,
	}

	err := r.transactor.CreateOwnerWithTenant(ctx, OwnerProvisioningParams{
		User:   user,
		Tenant: tenant,
	})
	if err == nil {
		return &user, true, nil
	}

	// Two first logins racing on the same phone: the loser picks up the
	// winner's user record.
	if errors.Is(err, domain.ErrAlreadyExists) {
		existing, findErr := r.users.FindByPhone(ctx, phone.String())
		if findErr != nil {
			return nil, false, fmt.Errorf("find owner after provisioning race: %w", findErr)
		}
		return r.resolveExisting(ctx, existing)
	}

	return nil, false, fmt.Errorf("provision owner: %w", err)
}

// employeeResolver requires an existing, active, tenant-assigned employee.
// Employees are never auto-created.
type employeeResolver struct {
	users UserStore
}

func (r *employeeResolver) AuthorizeInitiate(_ context.Context, _ domain.PhoneNumber) error {
	return nil
}

func (r *employeeResolver) Resolve(ctx context.Context, phone domain.PhoneNumber) (*UserRecord, bool, error) {
	user, err := r.users.FindByPhone(ctx, phone.String())
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return nil, false, fmt.Errorf("employee does not exist: %w", domain.ErrNotFound)
		}
		return nil, false, fmt.Errorf("find employee by phone: %w", err)
	}
	if user.Role != string(domain.RoleEmployee) {
		return nil, false, fmt.Errorf("phone belongs to a non-employee account: %w", domain.ErrForbidden)
	}
	if !user.IsActive {
		return nil, false, fmt.Errorf("employee account is inactive: %w", domain.ErrAccountInactive)
	}
	if user.TenantID == "" {
		return nil, false, fmt.Errorf("employee has no tenant assignment: %w", domain.ErrForbidden)
	}
	return user, false, nil
}
