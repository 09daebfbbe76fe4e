// Package storage defines the persistence contracts for world state and
// rumors, and the JSON document format shared by the database backends.
package storage

import (
	"context"
	"errors"

	"github.com/tatianab/worldcore/internal/models"
)

var (
	// ErrNotFound is returned when a document does not exist.
	ErrNotFound = errors.New("storage: not found")
	// ErrInvalidDocument is returned when a stored document fails validation.
	ErrInvalidDocument = errors.New("storage: invalid document")
)

// StateSnapshots persists the whole world state as one document.
type StateSnapshots interface {
	// LoadState returns an empty snapshot and no error when nothing was saved yet.
	LoadState(ctx context.Context) (models.StateSnapshot, error)
	SaveState(ctx context.Context, snap models.StateSnapshot) error
}

// RumorRepository persists one document per rumor.
type RumorRepository interface {
	GetRumor(ctx context.Context, id string) (*models.Rumor, error)
	SaveRumor(ctx context.Context, r *models.Rumor) error
	// DeleteRumor is a no-op for unknown ids.
	DeleteRumor(ctx context.Context, id string) error
	// AllRumors returns every readable rumor. Unreadable documents are skipped
	// and reported through a joined error alongside the rumors that loaded.
	AllRumors(ctx context.Context) ([]*models.Rumor, error)
}

// Backend is a complete persistence implementation.
type Backend interface {
	StateSnapshots
	RumorRepository
	Close() error
}
