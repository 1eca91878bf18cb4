package directory

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/openclaims/approvald/internal/retry"
	"github.com/openclaims/approvald/model"
)

// Syncer reconciles externally sourced identity records (typically seen
// at login) into the local directory store. Concurrent logins for the
// same user race on the version check, so writes retry a bounded number
// of times; on exhaustion the stored record is returned unmodified
// rather than failing the login. That is a deliberate degraded-
// consistency choice: the next login re-syncs.
type Syncer struct {
	store   UserStore
	cache   *CachedLookup // optional; invalidated after writes
	policy  retry.Policy
	logger  *zap.Logger
	onRetry func() // optional conflict counter hook
}

// NewSyncer creates a directory syncer. cache, logger and onConflict may
// be nil.
func NewSyncer(store UserStore, cache *CachedLookup, policy retry.Policy, logger *zap.Logger, onConflict func()) *Syncer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Syncer{
		store:   store,
		cache:   cache,
		policy:  policy,
		logger:  logger,
		onRetry: onConflict,
	}
}

// SyncUser upserts an identity record into the local store and returns
// the stored state. The incoming record's version is ignored; the stored
// version drives the optimistic lock.
func (s *Syncer) SyncUser(ctx context.Context, incoming model.User) (model.User, error) {
	err := retry.Do(ctx, s.policy, s.retryOnConflict, func() error {
		existing, err := s.store.GetUser(ctx, incoming.ID)
		if model.IsCode(err, model.ErrNotFound) {
			return s.create(ctx, incoming)
		}
		if err != nil {
			return err
		}
		if !needsSync(existing, incoming) {
			return nil
		}

		merged := existing
		merged.Name = incoming.Name
		merged.Email = incoming.Email
		merged.Department = incoming.Department
		merged.Title = incoming.Title
		merged.ManagerID = incoming.ManagerID
		merged.Active = incoming.Active
		return s.store.UpdateUser(ctx, merged)
	})

	if err != nil {
		if !model.IsCode(err, model.ErrConflict) {
			return model.User{}, err
		}
		// Retries exhausted on version conflicts: another writer won.
		// Return their result instead of failing the login.
		s.logger.Warn("user sync retries exhausted, returning stored record",
			zap.String("user_id", incoming.ID),
		)
	}

	if s.cache != nil {
		_ = s.cache.Invalidate(ctx, incoming.ID)
	}
	return s.store.GetUser(ctx, incoming.ID)
}

func (s *Syncer) create(ctx context.Context, u model.User) error {
	now := time.Now().UTC()
	u.Version = 1
	u.CreatedAt = now
	u.UpdatedAt = now
	return s.store.CreateUser(ctx, u)
}

func (s *Syncer) retryOnConflict(err error) bool {
	if model.IsCode(err, model.ErrConflict) {
		if s.onRetry != nil {
			s.onRetry()
		}
		return true
	}
	return false
}

func needsSync(existing, incoming model.User) bool {
	return existing.Name != incoming.Name ||
		existing.Email != incoming.Email ||
		existing.Department != incoming.Department ||
		existing.Title != incoming.Title ||
		existing.ManagerID != incoming.ManagerID ||
		existing.Active != incoming.Active
}
