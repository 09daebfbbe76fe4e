package storage

import (
	"cmp"
	"context"
	"slices"
	"sync"

	"github.com/tatianab/worldcore/internal/models"
)

// Memory is a process-local Backend. Nothing survives a restart.
type Memory struct {
	mu       sync.Mutex
	state    models.StateSnapshot
	rumors   map[string]*models.Rumor
	writeErr error
	writes   int
}

func NewMemory() *Memory {
	return &Memory{rumors: make(map[string]*models.Rumor)}
}

// FailWrites makes every subsequent save and delete return err until it is
// called again with nil.
func (m *Memory) FailWrites(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.writeErr = err
}

// Writes counts successful saves and deletes.
func (m *Memory) Writes() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.writes
}

func (m *Memory) LoadState(ctx context.Context) (models.StateSnapshot, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return cloneSnapshot(m.state), nil
}

func (m *Memory) SaveState(ctx context.Context, snap models.StateSnapshot) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.writeErr != nil {
		return m.writeErr
	}
	m.state = cloneSnapshot(snap)
	m.writes++
	return nil
}

func (m *Memory) GetRumor(ctx context.Context, id string) (*models.Rumor, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.rumors[id]
	if !ok {
		return nil, ErrNotFound
	}
	return r.Clone(), nil
}

func (m *Memory) SaveRumor(ctx context.Context, r *models.Rumor) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.writeErr != nil {
		return m.writeErr
	}
	m.rumors[r.ID] = r.Clone()
	m.writes++
	return nil
}

func (m *Memory) DeleteRumor(ctx context.Context, id string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.writeErr != nil {
		return m.writeErr
	}
	delete(m.rumors, id)
	m.writes++
	return nil
}

func (m *Memory) AllRumors(ctx context.Context) ([]*models.Rumor, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*models.Rumor, 0, len(m.rumors))
	for _, r := range m.rumors {
		out = append(out, r.Clone())
	}
	slices.SortFunc(out, func(a, b *models.Rumor) int { return cmp.Compare(a.ID, b.ID) })
	return out, nil
}

func (m *Memory) Close() error { return nil }

func cloneSnapshot(snap models.StateSnapshot) models.StateSnapshot {
	out := make(models.StateSnapshot, len(snap))
	for k, v := range snap {
		out[k] = v.Clone()
	}
	return out
}

var _ Backend = (*Memory)(nil)
