// Package instance resolves tenant instance configurations from the
// shared key-value store. Reads are uncached by contract; a short TTL
// cache is layered on top because config changes are admin-rare and
// lookups sit on the hot path.
package instance

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/embedchat/agent-gateway/internal/domain"
	"github.com/embedchat/agent-gateway/internal/kv"
)

const (
	keyPrefix = "instance:"
	// legacyKeyPrefix predates the instance rename; configs seeded by
	// older tooling are still readable under it.
	legacyKeyPrefix = "agent:"
)

// Key returns the primary storage key for an instance id.
func Key(id string) string { return keyPrefix + id }

// LegacyKey returns the pre-rename storage key for an instance id.
func LegacyKey(id string) string { return legacyKeyPrefix + id }

type cacheEntry struct {
	cfg     *domain.InstanceConfig
	expires time.Time
}

// Store looks up instance configurations. The gateway never writes
// through it on the request path; Save and Delete exist for the admin
// tooling.
type Store struct {
	kv       kv.Store
	logger   *slog.Logger
	cacheTTL time.Duration
	now      func() time.Time

	mu    sync.RWMutex
	cache map[string]cacheEntry
}

// NewStore creates a config store. cacheTTL of zero disables caching.
func NewStore(store kv.Store, logger *slog.Logger, cacheTTL time.Duration) *Store {
	return &Store{
		kv:       store,
		logger:   logger,
		cacheTTL: cacheTTL,
		now:      time.Now,
		cache:    make(map[string]cacheEntry),
	}
}

// Lookup resolves an instance by id. It returns ErrAgentNotFound for
// malformed ids, absent keys, or corrupt stored configs; store
// transport errors surface as plain errors so callers can distinguish
// unavailability from absence.
func (s *Store) Lookup(ctx context.Context, id string) (*domain.InstanceConfig, error) {
	if !domain.ValidInstanceID(id) {
		return nil, domain.ErrAgentNotFound()
	}

	if cfg := s.cached(id); cfg != nil {
		return cfg, nil
	}

	raw, err := s.kv.Get(ctx, Key(id))
	if err == kv.ErrNotFound {
		raw, err = s.kv.Get(ctx, LegacyKey(id))
	}
	if err == kv.ErrNotFound {
		return nil, domain.ErrAgentNotFound()
	}
	if err != nil {
		return nil, fmt.Errorf("instance lookup: %w", err)
	}

	var cfg domain.InstanceConfig
	if err := json.Unmarshal(raw, &cfg); err != nil {
		s.logger.Warn("stored instance config is not valid JSON", slog.String("instance_id", id))
		return nil, domain.ErrAgentNotFound()
	}

	// The key is authoritative for the id.
	cfg.ID = id
	cfg.Normalize()

	s.store(id, &cfg)
	return &cfg, nil
}

// Save validates and writes a config under the instance: key. Legacy
// agent: keys are never written.
func (s *Store) Save(ctx context.Context, cfg *domain.InstanceConfig) error {
	cfg.Normalize()
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid instance config: %w", err)
	}

	raw, err := json.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshal instance config: %w", err)
	}
	if err := s.kv.Set(ctx, Key(cfg.ID), raw, 0); err != nil {
		return fmt.Errorf("save instance config: %w", err)
	}

	s.invalidate(cfg.ID)
	return nil
}

// Delete removes an instance under both key forms.
func (s *Store) Delete(ctx context.Context, id string) error {
	if !domain.ValidInstanceID(id) {
		return fmt.Errorf("malformed instance id")
	}
	if err := s.kv.Delete(ctx, Key(id)); err != nil {
		return fmt.Errorf("delete instance config: %w", err)
	}
	if err := s.kv.Delete(ctx, LegacyKey(id)); err != nil {
		return fmt.Errorf("delete legacy instance config: %w", err)
	}
	s.invalidate(id)
	return nil
}

// List returns the ids of every stored instance, both key forms merged.
func (s *Store) List(ctx context.Context) ([]string, error) {
	seen := make(map[string]struct{})
	for _, prefix := range []string{keyPrefix, legacyKeyPrefix} {
		keys, err := s.kv.Keys(ctx, prefix)
		if err != nil {
			return nil, fmt.Errorf("list instances: %w", err)
		}
		for _, k := range keys {
			seen[strings.TrimPrefix(k, prefix)] = struct{}{}
		}
	}

	ids := make([]string, 0, len(seen))
	for id := range seen {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids, nil
}

func (s *Store) cached(id string) *domain.InstanceConfig {
	if s.cacheTTL <= 0 {
		return nil
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	e, ok := s.cache[id]
	if !ok || s.now().After(e.expires) {
		return nil
	}
	return e.cfg
}

func (s *Store) store(id string, cfg *domain.InstanceConfig) {
	if s.cacheTTL <= 0 {
		return
	}
	s.mu.Lock()
	s.cache[id] = cacheEntry{cfg: cfg, expires: s.now().Add(s.cacheTTL)}
	s.mu.Unlock()
}

func (s *Store) invalidate(id string) {
	s.mu.Lock()
	delete(s.cache, id)
	s.mu.Unlock()
}
