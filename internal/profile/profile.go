// Package profile implements the Profile Service (C5): an append-only
// per-client log and the derived "current view" projected from it.
// Reads are read-through cached in the KV/Coordinator, invalidated
// explicitly on every new append.
package profile

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/c360studio/taskcore/internal/task"
)

// Backend is the subset of internal/store.Store the service needs,
// narrowed so the package can be tested against a fake.
type Backend interface {
	AppendProfileEntry(ctx context.Context, e *task.ProfileEntry) error
	ProfileView(ctx context.Context, clientID string) (map[string]map[string]any, error)
	ProfileHistory(ctx context.Context, clientID, entryType string, limit int) ([]*task.ProfileEntry, error)
	ProfileCount(ctx context.Context, clientID, entryType string) (int, error)
}

// Cache is the narrowed KV/Coordinator surface used for view caching.
type Cache interface {
	GetProfileView(ctx context.Context, clientID string) ([]byte, error)
	CacheProfileView(ctx context.Context, clientID string, data []byte, ttl time.Duration) error
	InvalidateProfileView(ctx context.Context, clientID string) error
}

// Service is the Profile Service.
type Service struct {
	store    Backend
	cache    Cache
	cacheTTL time.Duration
}

// New builds a Service. cache may be nil to disable caching (every
// View call then recomputes from store).
func New(store Backend, cache Cache) *Service {
	return &Service{store: store, cache: cache, cacheTTL: 5 * time.Minute}
}

// Append writes one immutable log entry and invalidates the cached view.
func (s *Service) Append(ctx context.Context, clientID string, author task.AuthorKind, authorID, entryType string, payload map[string]any) (*task.ProfileEntry, error) {
	entry := task.NewProfileEntry(clientID, author, authorID, entryType, payload)
	if err := s.store.AppendProfileEntry(ctx, entry); err != nil {
		return nil, err
	}
	if s.cache != nil {
		if err := s.cache.InvalidateProfileView(ctx, clientID); err != nil {
			// Cache invalidation failure degrades to a stale read, not a
			// lost write; the append already succeeded.
			return entry, nil
		}
	}
	return entry, nil
}

// View returns the derived entry_type -> latest payload projection,
// serving from cache when present.
func (s *Service) View(ctx context.Context, clientID string) (map[string]map[string]any, error) {
	if s.cache != nil {
		if cached, err := s.cache.GetProfileView(ctx, clientID); err == nil && cached != nil {
			var view map[string]map[string]any
			if err := json.Unmarshal(cached, &view); err == nil {
				return view, nil
			}
		}
	}

	view, err := s.store.ProfileView(ctx, clientID)
	if err != nil {
		return nil, fmt.Errorf("compute profile view: %w", err)
	}

	if s.cache != nil {
		if data, err := json.Marshal(view); err == nil {
			_ = s.cache.CacheProfileView(ctx, clientID, data, s.cacheTTL)
		}
	}
	return view, nil
}

// History returns chronological entries, optionally filtered by type
// and limited. entryType == "" means all types.
func (s *Service) History(ctx context.Context, clientID, entryType string, limit int) ([]*task.ProfileEntry, error) {
	return s.store.ProfileHistory(ctx, clientID, entryType, limit)
}

// Count returns the row count for a client, optionally filtered by type.
func (s *Service) Count(ctx context.Context, clientID, entryType string) (int, error) {
	return s.store.ProfileCount(ctx, clientID, entryType)
}
