package pipeline

import "github.com/buildquote/quotecore/internal/model"

// Latest returns the most recently created pipeline of projectID among
// candidates. Pipelines of other projects are ignored, so the same answer
// comes back for a per-project listing and for a listing of everything.
// Equal creation times are broken by the larger id, independent of order.
func Latest(projectID string, candidates []model.Pipeline) (model.Pipeline, bool) {
	var best model.Pipeline
	found := false
	for _, p := range candidates {
		if !p.BelongsTo(projectID) {
			continue
		}
		if !found || newer(p, best) {
			best = p
			found = true
		}
	}
	return best.Clone(), found
}

func newer(a, b model.Pipeline) bool {
	if !a.CreatedAt.Equal(b.CreatedAt.Time) {
		return a.CreatedAt.After(b.CreatedAt.Time)
	}
	return a.ID > b.ID
}
