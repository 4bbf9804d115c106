// Package dispatch fans out one RFQ per selected stage and folds the
// per-stage results into a single outcome.
package dispatch

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/buildquote/quotecore/internal/model"
)

// Input validation errors. They are returned before anything is sent.
var (
	ErrNoStagesSelected    = eris.New("dispatch: no stages selected")
	ErrNoSuppliersSelected = eris.New("dispatch: no suppliers selected")
	// ErrAllFailed is carried by an Outcome in which no stage was sent.
	ErrAllFailed = eris.New("dispatch: every rfq failed")
)

const defaultRequestTimeout = 30 * time.Second

// Sender creates one campaign per RFQ. buildquote.Client satisfies it.
//
// Implementations must return once ctx is done. The per-request timeout is
// applied through ctx only, so a Sender that ignores cancellation holds up
// the whole batch.
type Sender interface {
	SendRfq(ctx context.Context, req model.RfqRequest) (*model.Campaign, error)
}

// Status summarises an Outcome.
type Status string

const (
	StatusSent    Status = "sent"
	StatusPartial Status = "partial"
	StatusFailed  Status = "failed"
)

// Request describes one dispatch batch.
type Request struct {
	ProjectTitle string
	Location     string
	// Stages are the stages to send, normally StageEditor.SelectedStages.
	Stages []model.Stage
	// Suppliers maps a category to the operator's supplier subset. A missing
	// or empty entry lets the backend choose.
	Suppliers map[model.Category][]string
	// RequireSuppliers rejects the batch when any stage's category has no
	// explicit suppliers. The preview flow sets it.
	RequireSuppliers bool
	Deadline         *string
}

// StageResult is the result of sending one stage.
type StageResult struct {
	Index    int
	Stage    string
	Category model.Category
	Request  model.RfqRequest
	Campaign *model.Campaign
	Sent     int
	Err      error
	Elapsed  time.Duration
}

// OK reports whether the stage was sent.
func (r StageResult) OK() bool { return r.Err == nil }

// Outcome is the aggregate of one batch. Results are in stage order
// regardless of completion order.
type Outcome struct {
	BatchID uuid.UUID
	// RetryOf is the batch whose failed stages this batch resent, if any.
	RetryOf   uuid.UUID
	Results   []StageResult
	SentCount int
	Succeeded int
	Failed    int
	Status    Status
}

// Err is nil unless every stage failed.
func (o Outcome) Err() error {
	if o.Status != StatusFailed {
		return nil
	}
	for _, r := range o.Results {
		if r.Err != nil {
			return eris.Wrapf(ErrAllFailed, "%d of %d stages, first: %v", o.Failed, len(o.Results), r.Err)
		}
	}
	return ErrAllFailed
}

// FailedResults returns the results of the stages that were not sent.
func (o Outcome) FailedResults() []StageResult {
	var out []StageResult
	for _, r := range o.Results {
		if !r.OK() {
			out = append(out, r)
		}
	}
	return out
}

// Merge folds a resend of some of o's stages into o. A stage result of retry
// replaces the result with the same Index; everything else is kept. The
// merged outcome keeps o's BatchID.
func (o Outcome) Merge(retry Outcome) Outcome {
	byIndex := make(map[int]StageResult, len(retry.Results))
	for _, r := range retry.Results {
		byIndex[r.Index] = r
	}
	merged := Outcome{BatchID: o.BatchID, RetryOf: o.RetryOf, Results: make([]StageResult, len(o.Results))}
	for i, r := range o.Results {
		if nr, ok := byIndex[r.Index]; ok {
			r = nr
		}
		merged.Results[i] = r
	}
	merged.tally()
	return merged
}

func (o *Outcome) tally() {
	o.SentCount, o.Succeeded, o.Failed = 0, 0, 0
	for _, r := range o.Results {
		if r.OK() {
			o.Succeeded++
			o.SentCount += r.Sent
			continue
		}
		o.Failed++
	}
	switch {
	case o.Failed == 0:
		o.Status = StatusSent
	case o.Succeeded > 0:
		o.Status = StatusPartial
	default:
		o.Status = StatusFailed
	}
}

// Campaigns returns the campaigns created by the batch, in stage order.
func (o Outcome) Campaigns() []model.Campaign {
	var out []model.Campaign
	for _, r := range o.Results {
		if r.Campaign != nil {
			out = append(out, *r.Campaign)
		}
	}
	return out
}

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithRequestTimeout bounds each stage's send. Expiry counts as a failure.
func WithRequestTimeout(timeout time.Duration) Option {
	return func(d *Dispatcher) {
		if timeout > 0 {
			d.timeout = timeout
		}
	}
}

// WithMaxConcurrent caps in-flight sends. Zero sends every stage at once.
func WithMaxConcurrent(n int) Option {
	return func(d *Dispatcher) {
		d.maxConcurrent = n
	}
}

// Dispatcher sends RFQs concurrently.
type Dispatcher struct {
	sender        Sender
	validate      *validator.Validate
	timeout       time.Duration
	maxConcurrent int
}

// New creates a Dispatcher.
func New(sender Sender, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		sender:   sender,
		validate: validator.New(),
		timeout:  defaultRequestTimeout,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// BuildRequest derives the RFQ for one stage.
func BuildRequest(projectTitle, location string, s model.Stage, supplierIDs []string, deadline *string) model.RfqRequest {
	req := model.RfqRequest{
		Title:          fmt.Sprintf("%s - %s", s.Name, projectTitle),
		Category:       s.Category,
		Location:       location,
		Quantity:       s.Quantity,
		Unit:           s.Unit,
		Specifications: s.Description,
		Deadline:       deadline,
		SupplierIDs:    append([]string{}, supplierIDs...),
	}
	if max := s.PriceEstimateMax; max > 0 && !math.IsInf(max, 0) {
		req.MaxBudget = &max
	}
	return req
}

// Dispatch validates req, sends every stage concurrently and waits for all of
// them. The returned error is only ever an input validation error; send
// failures are reported through the Outcome.
func (d *Dispatcher) Dispatch(ctx context.Context, req Request) (Outcome, error) {
	if len(req.Stages) == 0 {
		return Outcome{}, ErrNoStagesSelected
	}
	if req.RequireSuppliers {
		for _, s := range req.Stages {
			if len(req.Suppliers[s.Category]) == 0 {
				return Outcome{}, eris.Wrapf(ErrNoSuppliersSelected, "category %s", s.Category)
			}
		}
	}

	jobs := make([]job, len(req.Stages))
	for i, st := range req.Stages {
		jobs[i] = job{
			index:    i,
			stage:    st.Name,
			category: st.Category,
			rfq:      BuildRequest(req.ProjectTitle, req.Location, st, req.Suppliers[st.Category], req.Deadline),
		}
	}
	return d.run(ctx, Outcome{BatchID: uuid.New()}, jobs), nil
}

// Redispatch sends the RFQs of failed stage results again, unchanged. The
// results keep their original Index so the outcome can be merged into the
// batch they came from with Outcome.Merge.
func (d *Dispatcher) Redispatch(ctx context.Context, retryOf uuid.UUID, failed []StageResult) (Outcome, error) {
	if len(failed) == 0 {
		return Outcome{}, ErrNoStagesSelected
	}
	jobs := make([]job, len(failed))
	for i, r := range failed {
		jobs[i] = job{index: r.Index, stage: r.Stage, category: r.Category, rfq: r.Request}
	}
	return d.run(ctx, Outcome{BatchID: uuid.New(), RetryOf: retryOf}, jobs), nil
}

// job is one RFQ of a batch.
type job struct {
	index    int
	stage    string
	category model.Category
	rfq      model.RfqRequest
}

func (d *Dispatcher) run(ctx context.Context, out Outcome, jobs []job) Outcome {
	out.Results = make([]StageResult, len(jobs))
	log := zap.L().With(zap.String("batch_id", out.BatchID.String()))
	if out.RetryOf != uuid.Nil {
		log = log.With(zap.String("retry_of", out.RetryOf.String()))
	}
	log.Info("dispatch: sending rfqs", zap.Int("stages", len(jobs)))

	var g errgroup.Group
	if d.maxConcurrent > 0 {
		g.SetLimit(d.maxConcurrent)
	}
	for i, j := range jobs {
		g.Go(func() error {
			// Each goroutine owns its slot.
			out.Results[i] = d.send(ctx, j)
			return nil
		})
	}
	_ = g.Wait()

	out.tally()
	for _, r := range out.Results {
		if r.OK() {
			continue
		}
		log.Warn("dispatch: stage failed",
			zap.String("stage", r.Stage),
			zap.String("category", string(r.Category)),
			zap.Error(r.Err),
		)
	}

	if out.Status == StatusFailed {
		log.Error("dispatch: all stages failed", zap.Int("failed", out.Failed))
	} else {
		log.Info("dispatch: batch finished",
			zap.String("status", string(out.Status)),
			zap.Int("sent", out.SentCount),
			zap.Int("succeeded", out.Succeeded),
			zap.Int("failed", out.Failed),
		)
	}
	return out
}

func (d *Dispatcher) send(ctx context.Context, j job) StageResult {
	rfq := j.rfq
	res := StageResult{Index: j.index, Stage: j.stage, Category: j.category, Request: rfq}
	start := time.Now()

	if err := d.validate.Struct(rfq); err != nil {
		res.Err = eris.Wrap(err, "dispatch: invalid rfq")
		res.Elapsed = time.Since(start)
		return res
	}

	sctx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()

	campaign, err := d.sender.SendRfq(sctx, rfq)
	res.Elapsed = time.Since(start)
	if err != nil {
		if sctx.Err() == context.DeadlineExceeded && ctx.Err() == nil {
			err = eris.Wrapf(err, "dispatch: timed out after %s", d.timeout)
		}
		res.Err = err
		return res
	}
	if campaign == nil {
		res.Err = eris.New("dispatch: empty campaign in response")
		return res
	}
	res.Campaign = campaign
	res.Sent = campaign.TotalSent
	return res
}

// DispatchSingle sends one RFQ to an explicit supplier list. It is used by
// the single-campaign wizard, where at least one supplier is mandatory.
func (d *Dispatcher) DispatchSingle(ctx context.Context, rfq model.RfqRequest) (*model.Campaign, error) {
	if len(rfq.SupplierIDs) == 0 {
		return nil, ErrNoSuppliersSelected
	}
	if err := d.validate.Struct(rfq); err != nil {
		return nil, eris.Wrap(err, "dispatch: invalid rfq")
	}

	sctx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()

	campaign, err := d.sender.SendRfq(sctx, rfq)
	if err != nil {
		return nil, eris.Wrap(err, "dispatch: send single rfq")
	}
	if campaign == nil {
		return nil, eris.New("dispatch: empty campaign in response")
	}
	zap.L().Info("dispatch: single rfq sent",
		zap.String("campaign_id", campaign.ID),
		zap.Int("sent", campaign.TotalSent),
	)
	return campaign, nil
}
