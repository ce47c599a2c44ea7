package suspension

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/accountguard/accountguard/internal/db/models"
	"github.com/accountguard/accountguard/internal/db/repositories"
	"github.com/google/uuid"
)

// Store persists suspension profiles and their append-only history.
// ApplyTransition must write the profile and the history entry atomically and
// return repositories.ErrVersionConflict when the stored profile version is not
// expectedVersion (0 when the caller saw no profile).
type Store interface {
	GetProfile(ctx context.Context, userID string) (*models.SuspensionProfile, error)
	ApplyTransition(ctx context.Context, profile *models.SuspensionProfile, expectedVersion int64, entry *models.SuspensionHistoryEntry) error
	ListHistory(ctx context.Context, filter repositories.HistoryFilter) ([]*models.SuspensionHistoryEntry, error)
	CountRestricted(ctx context.Context, tenantID string, now time.Time) (repositories.RestrictedCounts, error)
}

// Directory resolves users and tenant ownership for privilege checks
type Directory interface {
	GetUserByID(ctx context.Context, userID string) (*models.User, error)
	CountOwners(ctx context.Context, tenantID string) (int, error)
}

// MemoryStore is an in-process Store for tests and single-node development
type MemoryStore struct {
	mu       sync.Mutex
	profiles map[string]models.SuspensionProfile
	history  []models.SuspensionHistoryEntry
	clock    func() time.Time
}

// NewMemoryStore creates an empty MemoryStore
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		profiles: make(map[string]models.SuspensionProfile),
		clock:    time.Now,
	}
}

// GetProfile implements Store
func (s *MemoryStore) GetProfile(ctx context.Context, userID string) (*models.SuspensionProfile, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.profiles[userID]
	if !ok {
		return nil, nil
	}
	return &p, nil
}

// ApplyTransition implements Store
func (s *MemoryStore) ApplyTransition(ctx context.Context, profile *models.SuspensionProfile, expectedVersion int64, entry *models.SuspensionHistoryEntry) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	current := s.profiles[profile.UserID]
	if current.Version != expectedVersion {
		return repositories.ErrVersionConflict
	}

	now := entry.CreatedAt
	if now.IsZero() {
		now = s.clock()
	}
	profile.Version = expectedVersion + 1
	profile.UpdatedAt = now
	s.profiles[profile.UserID] = *profile

	if entry.ID == "" {
		entry.ID = uuid.New().String()
	}
	entry.CreatedAt = now
	s.history = append(s.history, *entry)
	return nil
}

// ListHistory implements Store
func (s *MemoryStore) ListHistory(ctx context.Context, filter repositories.HistoryFilter) ([]*models.SuspensionHistoryEntry, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]*models.SuspensionHistoryEntry, 0)
	for i := len(s.history) - 1; i >= 0; i-- {
		e := s.history[i]
		if filter.TenantID != nil && e.TenantID != *filter.TenantID {
			continue
		}
		if filter.UserID != nil && e.UserID != *filter.UserID {
			continue
		}
		if filter.Since != nil && e.CreatedAt.Before(*filter.Since) {
			continue
		}
		out = append(out, &e)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

// CountRestricted implements Store
func (s *MemoryStore) CountRestricted(ctx context.Context, tenantID string, now time.Time) (repositories.RestrictedCounts, error) {
	if err := ctx.Err(); err != nil {
		return repositories.RestrictedCounts{}, err
	}
	if tenantID == "" {
		return repositories.RestrictedCounts{}, repositories.ErrTenantRequired
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	var c repositories.RestrictedCounts
	for _, p := range s.profiles {
		if p.TenantID != tenantID {
			continue
		}
		switch StateOf(&p, now) {
		case StateSuspended:
			c.Suspended++
		case StateBlocked:
			c.Blocked++
		}
	}
	return c, nil
}

// SetClock overrides the timestamp source used for history rows the caller did not stamp
func (s *MemoryStore) SetClock(clock func() time.Time) {
	s.mu.Lock()
	s.clock = clock
	s.mu.Unlock()
}
