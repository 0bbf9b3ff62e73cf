package domain

import "fmt"

// Surface identifies one of the three independent authentication audiences.
// Challenges, sessions, and refresh tokens are scoped to exactly one surface
// and never authenticate against another surface's endpoints.
type Surface string

const (
	SurfaceAdmin    Surface = "admin"
	SurfaceOwner    Surface = "owner"
	SurfaceEmployee Surface = "employee"
)

// Surfaces lists all valid surfaces in a stable order.
var Surfaces = []Surface{SurfaceAdmin, SurfaceOwner, SurfaceEmployee}

// ParseSurface converts a raw string (e.g. a URL path segment) into a Surface.
func ParseSurface(raw string) (Surface, error) {
	switch Surface(raw) {
	case SurfaceAdmin:
		return SurfaceAdmin, nil
	case SurfaceOwner:
		return SurfaceOwner, nil
	case SurfaceEmployee:
		return SurfaceEmployee, nil
	default:
		return "", fmt.Errorf("surface %q: %w", raw, ErrInvalidSurface)
	}
}

// IsValid reports whether s is one of the three known surfaces.
func (s Surface) IsValid() bool {
	return s == SurfaceAdmin || s == SurfaceOwner || s == SurfaceEmployee
}

func (s Surface) String() string { return string(s) }

// Role represents an application user's role. Each surface authenticates
// exactly one role.
type Role string

const (
	RoleAdmin    Role = "admin"
	RoleOwner    Role = "owner"
	RoleEmployee Role = "employee"
)

// RoleForSurface returns the role a surface authenticates.
func RoleForSurface(s Surface) Role {
	switch s {
	case SurfaceAdmin:
		return RoleAdmin
	case SurfaceOwner:
		return RoleOwner
	default:
		return RoleEmployee
	}
}
