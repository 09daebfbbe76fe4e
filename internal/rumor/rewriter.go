package rumor

import (
	"context"

	"github.com/tatianab/worldcore/internal/models"
)

// RewriteRequest is what a Rewriter sees of the rumor being retold.
type RewriteRequest struct {
	Content    string
	Categories []models.RumorCategory
	Severity   models.Severity
	TruthValue float64
	// EntityID is the entity retelling the rumor.
	EntityID string
}

// Rewriter produces a retold version of rumor content. Errors, panics and
// empty output make the engine fall back to the local Mutator.
type Rewriter interface {
	Rewrite(ctx context.Context, req RewriteRequest) (string, error)
}

// RewriterFunc adapts a function to Rewriter.
type RewriterFunc func(ctx context.Context, req RewriteRequest) (string, error)

func (f RewriterFunc) Rewrite(ctx context.Context, req RewriteRequest) (string, error) {
	return f(ctx, req)
}
