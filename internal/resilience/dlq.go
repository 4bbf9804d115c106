package resilience

import (
	"time"

	"github.com/buildquote/quotecore/internal/model"
)

// Error types recorded on a DLQEntry.
const (
	ErrorTransient = "transient"
	ErrorPermanent = "permanent"
)

// DLQEntry is a stage RFQ that failed to send and can be sent again later.
// ID is stable for a stage of a batch, so requeueing the same stage updates
// one entry.
type DLQEntry struct {
	ID           string           `json:"id"`
	BatchID      string           `json:"batch_id"`
	StageIndex   int              `json:"stage_index"`
	Stage        string           `json:"stage"`
	Request      model.RfqRequest `json:"request"`
	Error        string           `json:"error"`
	ErrorType    string           `json:"error_type"`
	RetryCount   int              `json:"retry_count"`
	MaxRetries   int              `json:"max_retries"`
	NextRetryAt  time.Time        `json:"next_retry_at"`
	CreatedAt    time.Time        `json:"created_at"`
	LastFailedAt time.Time        `json:"last_failed_at"`
}

// DLQFilter narrows a dead-letter listing.
type DLQFilter struct {
	ErrorType string `json:"error_type,omitempty"` // transient, permanent, or "" for both
	Limit     int    `json:"limit,omitempty"`
}

// CanRetry reports whether the entry has retries left.
func (e *DLQEntry) CanRetry() bool {
	return e.RetryCount < e.MaxRetries
}

// Due reports whether the entry may be retried at now.
func (e *DLQEntry) Due(now time.Time) bool {
	return e.CanRetry() && !now.Before(e.NextRetryAt)
}

// ClassifyError returns ErrorTransient or ErrorPermanent.
func ClassifyError(err error) string {
	if IsTransient(err) {
		return ErrorTransient
	}
	return ErrorPermanent
}

// NextRetryAt schedules the retry after attempt failures using the backoff
// of cfg, without jitter.
func NextRetryAt(now time.Time, attempt int, cfg RetryConfig) time.Time {
	cfg = applyDefaults(cfg)
	cfg.JitterFraction = 0
	return now.Add(backoff(attempt, cfg))
}
