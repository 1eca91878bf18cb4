package directory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/openclaims/approvald/model"
)

// MemoryUserStore is an in-memory UserStore for testing.
type MemoryUserStore struct {
	mu    sync.RWMutex
	users map[string]model.User // key: user ID
}

// NewMemoryUserStore creates a new in-memory user store.
func NewMemoryUserStore() *MemoryUserStore {
	return &MemoryUserStore{users: make(map[string]model.User)}
}

// Seed adds users without version bookkeeping. For testing.
func (s *MemoryUserStore) Seed(users ...model.User) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, u := range users {
		s.users[u.ID] = u
	}
}

// GetUser retrieves a user by ID.
func (s *MemoryUserStore) GetUser(_ context.Context, id string) (model.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	u, exists := s.users[id]
	if !exists {
		return model.User{}, model.NewNotFoundError(fmt.Sprintf("user %q not found", id))
	}
	return u, nil
}

// GetUserByEmail retrieves a user by email.
func (s *MemoryUserStore) GetUserByEmail(_ context.Context, email string) (model.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, u := range s.users {
		if u.Email == email {
			return u, nil
		}
	}
	return model.User{}, model.NewNotFoundError(fmt.Sprintf("user with email %q not found", email))
}

// FindActiveUsersByDepartmentAndTitle returns active users in a department
// holding a title, ordered by ascending ID.
func (s *MemoryUserStore) FindActiveUsersByDepartmentAndTitle(_ context.Context, department, title string) ([]model.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []model.User
	for _, u := range s.users {
		if u.Active && u.Department == department && u.Title == title {
			result = append(result, u)
		}
	}
	sortUsers(result)
	return result, nil
}

// FindActiveUsersByTitle returns active users holding a title, ordered by
// ascending ID.
func (s *MemoryUserStore) FindActiveUsersByTitle(_ context.Context, title string) ([]model.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []model.User
	for _, u := range s.users {
		if u.Active && u.Title == title {
			result = append(result, u)
		}
	}
	sortUsers(result)
	return result, nil
}

// CreateUser persists a new user.
func (s *MemoryUserStore) CreateUser(_ context.Context, u model.User) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.users[u.ID]; exists {
		return model.NewConflictError(fmt.Sprintf("user %q already exists", u.ID))
	}
	s.users[u.ID] = u
	return nil
}

// UpdateUser persists an updated user with optimistic locking.
func (s *MemoryUserStore) UpdateUser(_ context.Context, u model.User) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, exists := s.users[u.ID]
	if !exists {
		return model.NewNotFoundError(fmt.Sprintf("user %q not found", u.ID))
	}
	if existing.Version != u.Version {
		return model.NewConflictError(
			fmt.Sprintf("user %q version conflict (expected %d, got %d)", u.ID, u.Version, existing.Version),
		)
	}

	u.Version++
	u.UpdatedAt = time.Now().UTC()
	s.users[u.ID] = u
	return nil
}

func sortUsers(users []model.User) {
	sort.Slice(users, func(i, j int) bool {
		return users[i].ID < users[j].ID
	})
}
