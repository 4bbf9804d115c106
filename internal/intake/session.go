// Package intake drives one operator through the quote request flow: describe
// the project, review and edit stages, confirm quantities, send RFQs.
package intake

import (
	"context"
	"errors"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/buildquote/quotecore/internal/dispatch"
	"github.com/buildquote/quotecore/internal/journal"
	"github.com/buildquote/quotecore/internal/model"
	"github.com/buildquote/quotecore/internal/stage"
	"github.com/buildquote/quotecore/pkg/buildquote"
)

// Phase is the step of the flow a Session is in.
type Phase string

const (
	PhaseDescribe  Phase = "describe"
	PhaseReview    Phase = "review"
	PhaseConfirmed Phase = "confirmed"
	PhaseSent      Phase = "sent"
)

// ErrWrongPhase is returned when an operation does not apply to the current phase.
var ErrWrongPhase = eris.New("intake: operation not allowed in this phase")

// ValidationError reports bad operator input. It is never retried.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return "intake: " + e.Field + ": " + e.Message
}

// IsValidation reports whether err is an input problem the operator can fix,
// as opposed to a failed external call.
func IsValidation(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve) ||
		errors.Is(err, dispatch.ErrNoStagesSelected) ||
		errors.Is(err, dispatch.ErrNoSuppliersSelected) ||
		errors.Is(err, ErrWrongPhase)
}

// Dispatcher sends a batch of RFQs. *dispatch.Dispatcher satisfies it.
type Dispatcher interface {
	Dispatch(ctx context.Context, req dispatch.Request) (dispatch.Outcome, error)
	Redispatch(ctx context.Context, retryOf uuid.UUID, failed []dispatch.StageResult) (dispatch.Outcome, error)
}

// Recorder keeps dispatch outcomes and their dead letters. journal.Store
// satisfies it.
type Recorder = journal.OutcomeWriter

const defaultMaxRetries = 3

// Option configures a Session.
type Option func(*Session)

// WithRecorder journals every dispatch outcome.
func WithRecorder(r Recorder) Option {
	return func(s *Session) {
		s.recorder = r
	}
}

// WithMaxRetries sets how often a failed stage may be resent from the
// dead-letter queue.
func WithMaxRetries(n int) Option {
	return func(s *Session) {
		if n >= 0 {
			s.maxRetries = n
		}
	}
}

type describeInput struct {
	Description string `validate:"required"`
}

type fileInput struct {
	Filename string    `validate:"required"`
	Reader   io.Reader `validate:"required"`
}

// Session is one pass through the flow. Methods serialize on the session;
// a failed step leaves the session where it was so the step can be retried.
type Session struct {
	parser     buildquote.ProjectService
	dispatcher Dispatcher
	recorder   Recorder
	maxRetries int
	validate   *validator.Validate
	now        func() time.Time

	mu          sync.Mutex
	phase       Phase
	description string
	editor      *stage.Editor
	outcome     *dispatch.Outcome
}

// New creates a Session in the describe phase.
func New(parser buildquote.ProjectService, dispatcher Dispatcher, opts ...Option) *Session {
	s := &Session{
		parser:     parser,
		dispatcher: dispatcher,
		maxRetries: defaultMaxRetries,
		validate:   validator.New(),
		now:        time.Now,
		phase:      PhaseDescribe,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Phase returns the current phase.
func (s *Session) Phase() Phase {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.phase
}

// Description returns the text last submitted to ParseText.
func (s *Session) Description() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.description
}

// Editor returns the stage editor, or nil before a successful parse.
func (s *Session) Editor() *stage.Editor {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.editor
}

// Outcome returns the last dispatch outcome, if any.
func (s *Session) Outcome() *dispatch.Outcome {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.outcome == nil {
		return nil
	}
	o := *s.outcome
	return &o
}

// ParseText turns a free-text description into stages and moves to review.
func (s *Session) ParseText(ctx context.Context, description string) error {
	description = strings.TrimSpace(description)
	if err := s.validate.Struct(describeInput{Description: description}); err != nil {
		return &ValidationError{Field: "description", Message: "describe the project first"}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.phase != PhaseDescribe && s.phase != PhaseReview {
		return eris.Wrapf(ErrWrongPhase, "parse in %s", s.phase)
	}

	res, err := s.parser.ParseProject(ctx, description)
	if err != nil {
		return eris.Wrap(err, "intake: parse description")
	}
	s.description = description
	s.loadLocked(res)
	return nil
}

// ParseFile parses an uploaded document and moves to review.
func (s *Session) ParseFile(ctx context.Context, filename string, r io.Reader) error {
	if err := s.validate.Struct(fileInput{Filename: strings.TrimSpace(filename), Reader: r}); err != nil {
		return &ValidationError{Field: "file", Message: "choose a file to upload"}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.phase != PhaseDescribe && s.phase != PhaseReview {
		return eris.Wrapf(ErrWrongPhase, "parse in %s", s.phase)
	}

	res, err := s.parser.ParseProjectFile(ctx, filename, r)
	if err != nil {
		return eris.Wrapf(err, "intake: parse file %s", filename)
	}
	s.loadLocked(res)
	return nil
}

func (s *Session) loadLocked(res *model.ParseResult) {
	if res == nil {
		res = &model.ParseResult{}
	}
	s.editor = stage.NewEditor(*res)
	s.outcome = nil
	s.phase = PhaseReview
	zap.L().Info("intake: project parsed",
		zap.String("project", res.ProjectTitle),
		zap.Int("stages", len(res.Stages)),
	)
}

// ConfirmQuantities sends the edited stages to the estimator once and applies
// the refreshed pricing. Selection survives. On failure the editor is left
// as it was.
func (s *Session) ConfirmQuantities(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.phase != PhaseReview && s.phase != PhaseConfirmed {
		return eris.Wrapf(ErrWrongPhase, "confirm in %s", s.phase)
	}

	est, err := s.parser.EstimatePrices(ctx, s.editor.Result())
	if err != nil {
		return eris.Wrap(err, "intake: estimate prices")
	}
	if est == nil {
		return eris.New("intake: estimator returned no result")
	}
	if err := s.editor.ApplyEstimate(*est); err != nil {
		return eris.Wrap(err, "intake: apply estimate")
	}
	s.phase = PhaseConfirmed
	return nil
}

// Send dispatches the selected stages and lets the backend choose suppliers.
func (s *Session) Send(ctx context.Context) (dispatch.Outcome, error) {
	return s.send(ctx, nil, false)
}

// SendPreview dispatches the selected stages to explicit supplier subsets.
// Every selected stage's category needs at least one supplier.
func (s *Session) SendPreview(ctx context.Context, suppliers map[model.Category][]string) (dispatch.Outcome, error) {
	return s.send(ctx, suppliers, true)
}

// send returns an error only for input problems. A batch in which every
// stage failed is returned as an Outcome with StatusFailed and the session
// stays put so the operator can resend. After a partial batch the session
// moves to sent and ResendFailed picks up the rest.
func (s *Session) send(ctx context.Context, suppliers map[model.Category][]string, require bool) (dispatch.Outcome, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.phase != PhaseReview && s.phase != PhaseConfirmed {
		return dispatch.Outcome{}, eris.Wrapf(ErrWrongPhase, "send in %s", s.phase)
	}

	res := s.editor.Result()
	out, err := s.dispatcher.Dispatch(ctx, dispatch.Request{
		ProjectTitle:     res.ProjectTitle,
		Location:         res.Location,
		Stages:           s.editor.SelectedStages(),
		Suppliers:        suppliers,
		RequireSuppliers: require,
		Deadline:         res.Deadline,
	})
	if err != nil {
		return dispatch.Outcome{}, err
	}

	s.recordLocked(ctx, out)
	s.outcome = &out
	if out.Status != dispatch.StatusFailed {
		s.phase = PhaseSent
	}
	return out, nil
}

// ResendFailed sends the stages of the last outcome that failed, with the
// same requests, and folds the result into the stored outcome. It returns the
// merged outcome. Stages that went through are never sent twice.
func (s *Session) ResendFailed(ctx context.Context) (dispatch.Outcome, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.outcome == nil {
		return dispatch.Outcome{}, eris.Wrapf(ErrWrongPhase, "resend in %s", s.phase)
	}

	retry, err := s.dispatcher.Redispatch(ctx, s.outcome.BatchID, s.outcome.FailedResults())
	if err != nil {
		return dispatch.Outcome{}, err
	}
	s.recordLocked(ctx, retry)

	merged := s.outcome.Merge(retry)
	s.outcome = &merged
	if merged.Status != dispatch.StatusFailed {
		s.phase = PhaseSent
	}
	zap.L().Info("intake: failed stages resent",
		zap.String("batch_id", merged.BatchID.String()),
		zap.Int("resent", len(retry.Results)),
		zap.Int("still_failed", merged.Failed),
	)
	return merged, nil
}

func (s *Session) recordLocked(ctx context.Context, out dispatch.Outcome) {
	if s.recorder == nil {
		return
	}
	if err := journal.RecordOutcome(context.WithoutCancel(ctx), s.recorder, out, s.now(), s.maxRetries); err != nil {
		zap.L().Warn("intake: dispatch not journaled", zap.String("batch_id", out.BatchID.String()), zap.Error(err))
	}
}

// Reset discards the parse, edits and outcome and returns to describe.
func (s *Session) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.phase = PhaseDescribe
	s.description = ""
	s.editor = nil
	s.outcome = nil
}
