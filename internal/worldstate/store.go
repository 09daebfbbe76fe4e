// Package worldstate is a versioned key/value store of world variables. Every
// write is recorded in the variable's history, persisted as one snapshot and
// announced on the event bus.
package worldstate

import (
	"context"
	"errors"
	"fmt"
	"log"
	"maps"
	"os"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/tatianab/worldcore/internal/events"
	"github.com/tatianab/worldcore/internal/models"
	"github.com/tatianab/worldcore/internal/resilience"
	"github.com/tatianab/worldcore/internal/storage"
)

var (
	ErrEmptyKey = errors.New("worldstate: empty key")
	// ErrNotMergeable is returned by Merge when the current value is not a map.
	ErrNotMergeable = errors.New("worldstate: value is not a map")
)

// Publisher announces events. *events.Bus satisfies it.
type Publisher interface {
	Publish(ctx context.Context, ev events.Event) error
}

// Meta describes a write. Zero fields leave the stored metadata unchanged on
// update and take defaults on create.
type Meta struct {
	Category models.Category
	Region   models.Region
	Tags     []string
	Reason   string
	EntityID string
}

// Metadata is the descriptive part of a variable.
type Metadata struct {
	Key       string
	Category  models.Category
	Region    models.Region
	Tags      []string
	CreatedAt time.Time
	UpdatedAt time.Time
	Versions  int
}

// Filter selects variables in Query. Empty fields match everything.
type Filter struct {
	Category models.Category
	Region   models.Region
	// Tags matches variables carrying any of the tags.
	Tags   []string
	Prefix string
	// At reads historical values instead of current ones.
	At time.Time
}

// Store holds the world state. One mutex serializes every mutation including
// its persistence; events go out after the lock is released.
type Store struct {
	mu    sync.Mutex
	vars  map[string]*models.StateVariable
	dirty bool

	snaps  storage.StateSnapshots
	pub    Publisher
	retry  resilience.RetryConfig
	logger *log.Logger
	now    func() time.Time
}

type Option func(*Store)

func WithLogger(l *log.Logger) Option {
	return func(s *Store) {
		if l != nil {
			s.logger = l
		}
	}
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// WithRetry sets the policy for snapshot writes.
func WithRetry(cfg resilience.RetryConfig) Option {
	return func(s *Store) { s.retry = cfg }
}

// New loads the persisted snapshot. A snapshot that cannot be parsed is
// logged and the store starts empty; any other load error is returned.
func New(ctx context.Context, snaps storage.StateSnapshots, pub Publisher, opts ...Option) (*Store, error) {
	s := &Store{
		vars:   make(map[string]*models.StateVariable),
		snaps:  snaps,
		pub:    pub,
		retry:  resilience.DefaultRetryConfig(),
		logger: log.New(os.Stderr, "[worldstate] ", log.LstdFlags),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}

	snap, err := snaps.LoadState(ctx)
	switch {
	case errors.Is(err, storage.ErrInvalidDocument):
		s.logger.Printf("discarding unreadable state snapshot: %v", err)
	case err != nil:
		return nil, fmt.Errorf("load world state: %w", err)
	default:
		for k, v := range snap {
			if v == nil || k == "" {
				continue
			}
			v.Key = k
			s.vars[k] = v
		}
	}
	return s, nil
}

// Set creates or replaces the value at key.
func (s *Store) Set(ctx context.Context, key string, value any, meta Meta) error {
	return s.write(ctx, key, meta, models.ChangeUpdated, func(any, bool) (any, error) {
		return value, nil
	})
}

// Merge deep-merges patch into the map stored at key. Nested maps are merged
// recursively; other values are replaced. A missing key is created from patch.
func (s *Store) Merge(ctx context.Context, key string, patch map[string]any, meta Meta) error {
	return s.write(ctx, key, meta, models.ChangeMerged, func(old any, exists bool) (any, error) {
		if !exists || old == nil {
			return deepMerge(nil, patch), nil
		}
		base, ok := old.(map[string]any)
		if !ok {
			return nil, fmt.Errorf("merge %s: %w", key, ErrNotMergeable)
		}
		return deepMerge(base, patch), nil
	})
}

// Calculate atomically replaces the value at key with fn(current). fn sees nil
// for a missing key and runs under the store lock, so it must not call back
// into the store. An error from fn leaves the store untouched.
func (s *Store) Calculate(ctx context.Context, key string, fn func(old any) (any, error), meta Meta) error {
	return s.write(ctx, key, meta, models.ChangeCalculated, func(old any, _ bool) (any, error) {
		return fn(old)
	})
}

func (s *Store) write(ctx context.Context, key string, meta Meta, change models.ChangeKind, compute func(old any, exists bool) (any, error)) error {
	if strings.TrimSpace(key) == "" {
		return ErrEmptyKey
	}

	s.mu.Lock()
	v, exists := s.vars[key]
	var old any
	if exists {
		old = v.Value
	}
	value, err := compute(models.CloneValue(old), exists)
	if err != nil {
		s.mu.Unlock()
		return err
	}
	// The store keeps its own copy so later edits by the caller cannot reach
	// the current value or its history.
	value = models.CloneValue(value)

	at := s.stamp(v)
	if !exists {
		v = &models.StateVariable{
			Key:       key,
			Category:  models.CategoryOther,
			Region:    models.RegionGlobal,
			CreatedAt: at,
		}
		s.vars[key] = v
		change = models.ChangeCreated
	}
	applyMeta(v, meta)
	v.Value = value
	v.UpdatedAt = at
	v.History = append(v.History, models.StateChangeRecord{
		ID:        uuid.NewString(),
		Key:       key,
		Timestamp: at,
		OldValue:  old,
		NewValue:  value,
		Change:    change,
		Reason:    meta.Reason,
		EntityID:  meta.EntityID,
	})
	ev := events.StateChanged{
		Change:   change,
		Key:      key,
		OldValue: models.CloneValue(old),
		NewValue: models.CloneValue(value),
		Category: v.Category,
		Region:   v.Region,
		Reason:   meta.Reason,
		EntityID: meta.EntityID,
		At:       at,
	}
	_ = s.persistLocked(ctx)
	s.mu.Unlock()

	return s.publish(ctx, ev)
}

// stamp returns the current time, nudged forward so v's history stays
// strictly increasing.
func (s *Store) stamp(v *models.StateVariable) time.Time {
	at := s.now()
	if v != nil && len(v.History) > 0 {
		if last := v.History[len(v.History)-1].Timestamp; !at.After(last) {
			at = last.Add(time.Nanosecond)
		}
	}
	return at
}

func applyMeta(v *models.StateVariable, meta Meta) {
	if meta.Category != "" {
		v.Category = meta.Category
	}
	if meta.Region != "" {
		v.Region = meta.Region
	}
	if meta.Tags != nil {
		v.Tags = slices.Clone(meta.Tags)
	}
}

// Get returns the current value at key, or def.
func (s *Store) Get(key string, def any) any {
	s.mu.Lock()
	defer s.mu.Unlock()
	if v, ok := s.vars[key]; ok {
		return models.CloneValue(v.Value)
	}
	return def
}

// GetAt returns the value key held at time at, or def if it did not exist yet.
func (s *Store) GetAt(key string, at time.Time, def any) any {
	s.mu.Lock()
	defer s.mu.Unlock()
	if v, ok := s.vars[key]; ok {
		if value, ok := v.ValueAt(at); ok {
			return models.CloneValue(value)
		}
	}
	return def
}

// Delete removes key and reports whether it existed. The deletion event is
// published before the variable is removed so subscribers can still read it.
// If a subscriber writes key while the event is out, the newer value is kept.
func (s *Store) Delete(ctx context.Context, key, reason, entityID string) bool {
	s.mu.Lock()
	v, ok := s.vars[key]
	if !ok {
		s.mu.Unlock()
		return false
	}
	versions := len(v.History)
	ev := events.StateChanged{
		Change:   models.ChangeDeleted,
		Key:      key,
		OldValue: models.CloneValue(v.Value),
		Category: v.Category,
		Region:   v.Region,
		Reason:   reason,
		EntityID: entityID,
		At:       s.stamp(v),
	}
	s.mu.Unlock()

	if err := s.publish(ctx, ev); err != nil {
		s.logger.Printf("delete %s: %v", key, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	cur, still := s.vars[key]
	if !still {
		// A subscriber removed it first.
		return true
	}
	if cur != v || len(cur.History) != versions {
		s.logger.Printf("delete %s: rewritten during deletion, keeping the newer value", key)
		return true
	}
	delete(s.vars, key)
	_ = s.persistLocked(ctx)
	return true
}

// Query returns key/value pairs that satisfy every set field of f.
func (s *Store) Query(f Filter) map[string]any {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make(map[string]any)
	for key, v := range s.vars {
		if f.Category != "" && v.Category != f.Category {
			continue
		}
		if f.Region != "" && v.Region != f.Region {
			continue
		}
		if len(f.Tags) > 0 && !v.HasAnyTag(f.Tags) {
			continue
		}
		if f.Prefix != "" && !strings.HasPrefix(key, f.Prefix) {
			continue
		}
		if f.At.IsZero() {
			out[key] = models.CloneValue(v.Value)
			continue
		}
		if value, ok := v.ValueAt(f.At); ok {
			out[key] = models.CloneValue(value)
		}
	}
	return out
}

// History returns a copy of key's change records, oldest first.
func (s *Store) History(key string) []models.StateChangeRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.vars[key]
	if !ok {
		return nil
	}
	out := make([]models.StateChangeRecord, len(v.History))
	for i, rec := range v.History {
		out[i] = rec.Clone()
	}
	return out
}

// Metadata describes key without its value.
func (s *Store) Metadata(key string) (Metadata, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.vars[key]
	if !ok {
		return Metadata{}, false
	}
	return Metadata{
		Key:       key,
		Category:  v.Category,
		Region:    v.Region,
		Tags:      slices.Clone(v.Tags),
		CreatedAt: v.CreatedAt,
		UpdatedAt: v.UpdatedAt,
		Versions:  len(v.History),
	}, true
}

// Keys lists every key in sorted order.
func (s *Store) Keys() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Sorted(maps.Keys(s.vars))
}

// Snapshot returns a deep copy of every variable.
func (s *Store) Snapshot() models.StateSnapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(models.StateSnapshot, len(s.vars))
	for k, v := range s.vars {
		out[k] = v.Clone()
	}
	return out
}

// Dirty reports whether the last snapshot write failed.
func (s *Store) Dirty() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dirty
}

// Flush writes the snapshot if an earlier write failed.
func (s *Store) Flush(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.dirty {
		return nil
	}
	return s.persistLocked(ctx)
}

// persistLocked writes the whole map. A failure keeps the in-memory change and
// marks the store dirty; the next write or Flush tries again.
func (s *Store) persistLocked(ctx context.Context) error {
	err := resilience.Retry(ctx, s.retry, func() error {
		return s.snaps.SaveState(ctx, s.vars)
	})
	if err != nil {
		s.dirty = true
		s.logger.Printf("persist world state: %v (kept in memory, will retry)", err)
		return fmt.Errorf("persist world state: %w", err)
	}
	s.dirty = false
	return nil
}

func (s *Store) publish(ctx context.Context, ev events.Event) error {
	if s.pub == nil {
		return nil
	}
	if err := s.pub.Publish(ctx, ev); err != nil {
		return fmt.Errorf("announce %s: %w", ev.Kind(), err)
	}
	return nil
}

func deepMerge(base, patch map[string]any) map[string]any {
	out := make(map[string]any, len(base)+len(patch))
	for k, v := range base {
		out[k] = v
	}
	for k, v := range patch {
		if pm, ok := v.(map[string]any); ok {
			bm, _ := out[k].(map[string]any)
			out[k] = deepMerge(bm, pm)
			continue
		}
		out[k] = v
	}
	return out
}
