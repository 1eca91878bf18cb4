// Package directory provides identity/org lookup: who reports to whom,
// who leads which department, and who holds which title. Read queries
// never mutate; absence is reported as NOT_FOUND or an empty slice so
// callers can apply their own fallback policy.
package directory

import (
	"context"

	"github.com/openclaims/approvald/model"
)

// Lookup is the read-side contract consumed by the routing resolver.
// List results are ordered by ascending user ID so "first match" is
// deterministic for identical organizational data.
type Lookup interface {
	// GetUser retrieves a user by ID. Returns NOT_FOUND if absent.
	GetUser(ctx context.Context, id string) (model.User, error)

	// GetUserByEmail retrieves a user by email. Returns NOT_FOUND if absent.
	GetUserByEmail(ctx context.Context, email string) (model.User, error)

	// FindActiveUsersByDepartmentAndTitle returns active users in a
	// department holding a title, ordered by ascending ID.
	FindActiveUsersByDepartmentAndTitle(ctx context.Context, department, title string) ([]model.User, error)

	// FindActiveUsersByTitle returns active users holding a title,
	// ordered by ascending ID.
	FindActiveUsersByTitle(ctx context.Context, title string) ([]model.User, error)
}

// UserStore persists directory users. Updates use optimistic locking:
// the version must match the stored version or CONFLICT is returned.
type UserStore interface {
	Lookup

	// CreateUser persists a new user. Returns CONFLICT if the ID is taken.
	CreateUser(ctx context.Context, user model.User) error

	// UpdateUser persists an updated user with a version check.
	UpdateUser(ctx context.Context, user model.User) error
}
