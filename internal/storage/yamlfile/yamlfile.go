// Package yamlfile stores a world as YAML files in a save directory:
// world_state.yaml for the state map and rumors/<id>.yaml per rumor.
package yamlfile

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"

	"github.com/tatianab/worldcore/internal/models"
	"github.com/tatianab/worldcore/internal/storage"
)

const (
	stateFile = "world_state.yaml"
	rumorDir  = "rumors"
)

// Store is a storage.Backend rooted at one world's directory.
type Store struct {
	dir string
	mu  sync.Mutex
}

// Open prepares dir, creating it if needed.
func Open(dir string) (*Store, error) {
	if strings.TrimSpace(dir) == "" {
		return nil, fmt.Errorf("save directory is required")
	}
	dir = filepath.Clean(dir)
	if err := os.MkdirAll(filepath.Join(dir, rumorDir), 0755); err != nil {
		return nil, fmt.Errorf("create save directory: %w", err)
	}
	return &Store{dir: dir}, nil
}

// Dir returns the world directory.
func (s *Store) Dir() string { return s.dir }

func (s *Store) Close() error { return nil }

func (s *Store) LoadState(ctx context.Context) (models.StateSnapshot, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	data, err := os.ReadFile(filepath.Join(s.dir, stateFile))
	if errors.Is(err, os.ErrNotExist) {
		return models.StateSnapshot{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read state: %w", err)
	}

	snap := models.StateSnapshot{}
	if err := yaml.Unmarshal(data, &snap); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", storage.ErrInvalidDocument, stateFile, err)
	}
	return snap, nil
}

func (s *Store) SaveState(ctx context.Context, snap models.StateSnapshot) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if snap == nil {
		snap = models.StateSnapshot{}
	}
	data, err := yaml.Marshal(snap)
	if err != nil {
		return fmt.Errorf("marshal state: %w", err)
	}
	return s.writeFile(filepath.Join(s.dir, stateFile), data)
}

func (s *Store) GetRumor(ctx context.Context, id string) (*models.Rumor, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	path, err := s.rumorPath(id)
	if err != nil {
		return nil, err
	}
	return readRumor(path)
}

func (s *Store) SaveRumor(ctx context.Context, r *models.Rumor) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	path, err := s.rumorPath(r.ID)
	if err != nil {
		return err
	}
	data, err := yaml.Marshal(r)
	if err != nil {
		return fmt.Errorf("marshal rumor %s: %w", r.ID, err)
	}
	return s.writeFile(path, data)
}

func (s *Store) DeleteRumor(ctx context.Context, id string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	path, err := s.rumorPath(id)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("delete rumor %s: %w", id, err)
	}
	return nil
}

func (s *Store) AllRumors(ctx context.Context) ([]*models.Rumor, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	entries, err := os.ReadDir(filepath.Join(s.dir, rumorDir))
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("list rumors: %w", err)
	}

	var (
		out  []*models.Rumor
		errs []error
	)
	for _, entry := range entries {
		if entry.IsDir() || filepath.Ext(entry.Name()) != ".yaml" {
			continue
		}
		r, err := readRumor(filepath.Join(s.dir, rumorDir, entry.Name()))
		if err != nil {
			errs = append(errs, err)
			continue
		}
		out = append(out, r)
	}
	return out, errors.Join(errs...)
}

func (s *Store) rumorPath(id string) (string, error) {
	if id == "" || strings.ContainsAny(id, `/\`) || id == "." || id == ".." {
		return "", fmt.Errorf("invalid rumor id %q", id)
	}
	return filepath.Join(s.dir, rumorDir, id+".yaml"), nil
}

// writeFile replaces path atomically so a crash never leaves half a document.
func (s *Store) writeFile(path string, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tmp, err := os.CreateTemp(filepath.Dir(path), ".tmp-*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("write %s: %w", filepath.Base(path), err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close %s: %w", filepath.Base(path), err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("replace %s: %w", filepath.Base(path), err)
	}
	return nil
}

func readRumor(path string) (*models.Rumor, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", filepath.Base(path), err)
	}
	var r models.Rumor
	if err := yaml.Unmarshal(data, &r); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", storage.ErrInvalidDocument, filepath.Base(path), err)
	}
	if r.ID == "" || len(r.Variants) == 0 {
		return nil, fmt.Errorf("%w: %s: missing id or variants", storage.ErrInvalidDocument, filepath.Base(path))
	}
	return &r, nil
}

// ListWorlds returns the names of worlds saved under saveDir. A world is any
// subdirectory holding a state document.
func ListWorlds(saveDir string) ([]string, error) {
	entries, err := os.ReadDir(saveDir)
	if errors.Is(err, os.ErrNotExist) {
		return []string{}, nil
	}
	if err != nil {
		return nil, err
	}

	var worlds []string
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		if _, err := os.Stat(filepath.Join(saveDir, entry.Name(), stateFile)); err == nil {
			worlds = append(worlds, entry.Name())
		}
	}
	sort.Strings(worlds)
	return worlds, nil
}

var _ storage.Backend = (*Store)(nil)
