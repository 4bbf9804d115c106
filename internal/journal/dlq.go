package journal

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"

	"github.com/buildquote/quotecore/internal/dispatch"
	"github.com/buildquote/quotecore/internal/resilience"
)

// ErrDLQEntryNotFound is returned by IncrementDLQRetry for an unknown id.
var ErrDLQEntryNotFound = eris.New("journal: dlq entry not found")

// OutcomeWriter is the part of Store that RecordOutcome needs.
type OutcomeWriter interface {
	RecordDispatch(ctx context.Context, records []DispatchRecord) error
	EnqueueDLQ(ctx context.Context, entry resilience.DLQEntry) error
	IncrementDLQRetry(ctx context.Context, id string, nextRetryAt time.Time, lastErr string) error
	RemoveDLQ(ctx context.Context, id string) error
}

// DeadLetterID is the queue id of one stage of a batch. A resent stage keeps
// the id of the batch it first failed in.
func DeadLetterID(batch uuid.UUID, stageIndex int) string {
	return fmt.Sprintf("%s-%d", batch, stageIndex)
}

func origin(o dispatch.Outcome) uuid.UUID {
	if o.RetryOf != uuid.Nil {
		return o.RetryOf
	}
	return o.BatchID
}

// DeadLetters builds one queue entry per failed stage of o.
func DeadLetters(o dispatch.Outcome, now time.Time, maxRetries int) []resilience.DLQEntry {
	batch := origin(o)
	now = now.UTC()
	attempt := 0
	if o.RetryOf != uuid.Nil {
		attempt = 1
	}
	next := resilience.NextRetryAt(now, attempt, resilience.DefaultRetryConfig())
	var out []resilience.DLQEntry
	for _, r := range o.FailedResults() {
		out = append(out, resilience.DLQEntry{
			ID:           DeadLetterID(batch, r.Index),
			BatchID:      batch.String(),
			StageIndex:   r.Index,
			Stage:        r.Stage,
			Request:      r.Request,
			Error:        r.Err.Error(),
			ErrorType:    resilience.ClassifyError(r.Err),
			MaxRetries:   maxRetries,
			NextRetryAt:  next,
			CreatedAt:    now,
			LastFailedAt: now,
		})
	}
	return out
}

// RecordOutcome journals every stage of o and keeps the dead-letter queue in
// step: failed stages of a new batch are queued, and for a resend the stages
// that went through are removed while the ones that failed again have their
// retry count bumped.
func RecordOutcome(ctx context.Context, w OutcomeWriter, o dispatch.Outcome, now time.Time, maxRetries int) error {
	if err := w.RecordDispatch(ctx, FromOutcome(o, now)); err != nil {
		return err
	}

	batch := origin(o)
	if o.RetryOf != uuid.Nil {
		for _, r := range o.Results {
			if r.OK() {
				if err := w.RemoveDLQ(ctx, DeadLetterID(batch, r.Index)); err != nil {
					return err
				}
			}
		}
	}

	for _, e := range DeadLetters(o, now, maxRetries) {
		if o.RetryOf != uuid.Nil {
			err := w.IncrementDLQRetry(ctx, e.ID, e.NextRetryAt, e.Error)
			if err == nil {
				continue
			}
			if !eris.Is(err, ErrDLQEntryNotFound) {
				return err
			}
			// Resent before it was ever queued.
			e.RetryCount = 1
		}
		if err := w.EnqueueDLQ(ctx, e); err != nil {
			return err
		}
	}
	return nil
}

// RetryResults turns queue entries back into failed stage results that
// dispatch.Dispatcher.Redispatch can send.
func RetryResults(entries []resilience.DLQEntry) []dispatch.StageResult {
	out := make([]dispatch.StageResult, 0, len(entries))
	for _, e := range entries {
		out = append(out, dispatch.StageResult{
			Index:    e.StageIndex,
			Stage:    e.Stage,
			Category: e.Request.Category,
			Request:  e.Request,
			Err:      eris.New(e.Error),
		})
	}
	return out
}
