// Package journal keeps a local record of dispatch batches and of the last
// observed state of every pipeline, so the CLI can answer without the backend.
package journal

import (
	"context"
	"fmt"
	"time"

	"github.com/rotisserie/eris"

	"github.com/buildquote/quotecore/internal/config"
	"github.com/buildquote/quotecore/internal/dispatch"
	"github.com/buildquote/quotecore/internal/model"
	"github.com/buildquote/quotecore/internal/resilience"
)

// DispatchRecord is one stage of a dispatch batch.
type DispatchRecord struct {
	ID         string         `json:"id"`
	BatchID    string         `json:"batch_id"`
	StageIndex int            `json:"stage_index"`
	Stage      string         `json:"stage"`
	Category   model.Category `json:"category"`
	CampaignID string         `json:"campaign_id,omitempty"`
	Sent       int            `json:"sent"`
	Error      string         `json:"error,omitempty"`
	ElapsedMs  int64          `json:"elapsed_ms"`
	CreatedAt  time.Time      `json:"created_at"`
}

// DispatchFilter narrows ListDispatches.
type DispatchFilter struct {
	BatchID string
	Limit   int
}

// PipelineSnapshot is the last observed state of a pipeline.
type PipelineSnapshot struct {
	Pipeline   model.Pipeline `json:"pipeline"`
	ObservedAt time.Time      `json:"observed_at"`
}

// Store persists the journal.
type Store interface {
	RecordDispatch(ctx context.Context, records []DispatchRecord) error
	ListDispatches(ctx context.Context, filter DispatchFilter) ([]DispatchRecord, error)

	// SavePipeline replaces the stored snapshot of p.ID.
	SavePipeline(ctx context.Context, p model.Pipeline) error
	// GetPipeline returns nil, nil when nothing was recorded for id.
	GetPipeline(ctx context.Context, id string) (*PipelineSnapshot, error)
	// LatestPipeline returns the most recently created recorded pipeline of a
	// project, or nil, nil.
	LatestPipeline(ctx context.Context, projectID string) (*PipelineSnapshot, error)

	// EnqueueDLQ inserts entry or replaces the entry with the same id.
	EnqueueDLQ(ctx context.Context, entry resilience.DLQEntry) error
	// DequeueDLQ returns the entries that are due and have retries left,
	// oldest schedule first. Entries stay queued until RemoveDLQ.
	DequeueDLQ(ctx context.Context, filter resilience.DLQFilter) ([]resilience.DLQEntry, error)
	// ListDLQ returns every queued entry, newest failure first.
	ListDLQ(ctx context.Context, filter resilience.DLQFilter) ([]resilience.DLQEntry, error)
	IncrementDLQRetry(ctx context.Context, id string, nextRetryAt time.Time, lastErr string) error
	RemoveDLQ(ctx context.Context, id string) error

	Migrate(ctx context.Context) error
	Close() error
}

const defaultListLimit = 100

// Open returns the Store selected by cfg.Driver and migrates it.
func Open(ctx context.Context, cfg config.JournalConfig) (Store, error) {
	var (
		st  Store
		err error
	)
	switch cfg.Driver {
	case "sqlite":
		st, err = NewSQLite(cfg.DatabaseURL)
	case "postgres":
		st, err = NewPostgres(ctx, cfg.DatabaseURL)
	case "none", "":
		return Nop{}, nil
	default:
		return nil, eris.Errorf("journal: unknown driver %q", cfg.Driver)
	}
	if err != nil {
		return nil, err
	}
	if err := st.Migrate(ctx); err != nil {
		st.Close() //nolint:errcheck
		return nil, err
	}
	return st, nil
}

// FromOutcome converts a dispatch outcome into one record per stage.
func FromOutcome(o dispatch.Outcome, now time.Time) []DispatchRecord {
	batch := o.BatchID.String()
	out := make([]DispatchRecord, 0, len(o.Results))
	for _, r := range o.Results {
		rec := DispatchRecord{
			ID:         fmt.Sprintf("%s-%d", batch, r.Index),
			BatchID:    batch,
			StageIndex: r.Index,
			Stage:      r.Stage,
			Category:   r.Category,
			Sent:       r.Sent,
			ElapsedMs:  r.Elapsed.Milliseconds(),
			CreatedAt:  now.UTC(),
		}
		if r.Campaign != nil {
			rec.CampaignID = r.Campaign.ID
		}
		if r.Err != nil {
			rec.Error = r.Err.Error()
		}
		out = append(out, rec)
	}
	return out
}

// Nop discards everything. It backs the "none" driver.
type Nop struct{}

func (Nop) RecordDispatch(context.Context, []DispatchRecord) error { return nil }
func (Nop) ListDispatches(context.Context, DispatchFilter) ([]DispatchRecord, error) {
	return nil, nil
}
func (Nop) SavePipeline(context.Context, model.Pipeline) error { return nil }
func (Nop) GetPipeline(context.Context, string) (*PipelineSnapshot, error) {
	return nil, nil
}
func (Nop) LatestPipeline(context.Context, string) (*PipelineSnapshot, error) {
	return nil, nil
}
func (Nop) EnqueueDLQ(context.Context, resilience.DLQEntry) error { return nil }
func (Nop) DequeueDLQ(context.Context, resilience.DLQFilter) ([]resilience.DLQEntry, error) {
	return nil, nil
}
func (Nop) ListDLQ(context.Context, resilience.DLQFilter) ([]resilience.DLQEntry, error) {
	return nil, nil
}
func (Nop) IncrementDLQRetry(context.Context, string, time.Time, string) error { return nil }
func (Nop) RemoveDLQ(context.Context, string) error                            { return nil }
func (Nop) Migrate(context.Context) error                                      { return nil }
func (Nop) Close() error { return nil }
