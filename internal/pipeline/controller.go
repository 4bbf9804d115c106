package pipeline

import (
	"context"
	"sync"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/buildquote/quotecore/internal/model"
	"github.com/buildquote/quotecore/internal/notify"
)

var (
	// ErrNoPipeline is returned when a project has no pipeline yet.
	ErrNoPipeline = eris.New("pipeline: no pipeline for project")
	// ErrCannotResume is returned when the pipeline is neither PAUSED nor FAILED.
	ErrCannotResume = eris.New("pipeline: only paused or failed pipelines can be resumed")
	// ErrClosed is returned after Close.
	ErrClosed = eris.New("pipeline: controller closed")
)

const defaultPollInterval = 3 * time.Second

// Client is the subset of the engine API the controller drives.
// buildquote.Client satisfies it.
type Client interface {
	CreatePipeline(ctx context.Context, projectID string) (*model.Pipeline, error)
	GetPipeline(ctx context.Context, id string) (*model.Pipeline, error)
	ListPipelines(ctx context.Context) ([]model.Pipeline, error)
	ListProjectPipelines(ctx context.Context, projectID string) ([]model.Pipeline, error)
	ResumePipeline(ctx context.Context, id string) (string, error)
	CancelPipeline(ctx context.Context, id string) (string, error)
}

// Snapshotter records observed pipeline states. journal.Store satisfies it.
type Snapshotter interface {
	SavePipeline(ctx context.Context, p model.Pipeline) error
}

// State is the last known view of one pipeline.
type State struct {
	Pipeline model.Pipeline
	// LastError is the most recent refresh failure. It is cleared by the
	// next successful refresh; Pipeline keeps the last good value.
	LastError error
	Polling   bool
	UpdatedAt time.Time
}

// Option configures a Controller.
type Option func(*Controller)

// WithPollInterval sets the delay between status fetches.
func WithPollInterval(d time.Duration) Option {
	return func(c *Controller) {
		if d > 0 {
			c.interval = d
		}
	}
}

// WithPollTimeout bounds a single poll loop. Zero means no bound.
func WithPollTimeout(d time.Duration) Option {
	return func(c *Controller) {
		c.pollTimeout = d
	}
}

// WithSnapshotter records every observed pipeline state.
func WithSnapshotter(s Snapshotter) Option {
	return func(c *Controller) {
		c.journal = s
	}
}

// Controller mirrors server-side pipelines into local state. It never runs
// steps itself: it requests transitions and polls until the engine reports a
// terminal or paused status. At most one poll loop runs per pipeline id.
type Controller struct {
	client      Client
	journal     Snapshotter
	interval    time.Duration
	pollTimeout time.Duration

	root   context.Context
	cancel context.CancelFunc

	mu     sync.Mutex
	states map[string]*State
	polls  map[string]*poll
	closed bool

	subs notify.Broadcaster[State]
}

// New creates a Controller. Call Close to stop every poll loop.
func New(client Client, opts ...Option) *Controller {
	root, cancel := context.WithCancel(context.Background())
	c := &Controller{
		client:   client,
		interval: defaultPollInterval,
		root:     root,
		cancel:   cancel,
		states:   make(map[string]*State),
		polls:    make(map[string]*poll),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Subscribe registers fn for every state change. Callbacks run on the
// goroutine that made the change, which may be a poll loop: they must not call
// StartPolling, StopPolling, Resume, Cancel or Close synchronously.
func (c *Controller) Subscribe(fn func(State)) (unsubscribe func()) {
	return c.subs.Subscribe(fn)
}

// State returns the last known state of pipeline id.
func (c *Controller) State(id string) (State, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	st, ok := c.states[id]
	if !ok {
		return State{}, false
	}
	out := *st
	out.Pipeline = st.Pipeline.Clone()
	return out, true
}

// IsPausedForReview reports whether the last known state of id is PAUSED at
// VALIDATE_PARSE.
func (c *Controller) IsPausedForReview(id string) bool {
	st, ok := c.State(id)
	return ok && st.Pipeline.IsPausedForReview()
}

// Create asks the engine for a new pipeline and starts polling it.
func (c *Controller) Create(ctx context.Context, projectID string) (model.Pipeline, error) {
	if err := c.checkOpen(); err != nil {
		return model.Pipeline{}, err
	}
	p, err := c.client.CreatePipeline(ctx, projectID)
	if err != nil {
		return model.Pipeline{}, eris.Wrapf(err, "pipeline: create for project %s", projectID)
	}
	c.observe(ctx, *p, nil, false)
	zap.L().Info("pipeline: created",
		zap.String("pipeline_id", p.ID),
		zap.String("project_id", projectID),
		zap.String("status", string(p.Status)),
	)
	c.pollIfActive(*p)
	return *p, nil
}

// LoadForProject finds the most recently created pipeline of a project. It
// asks the per-project endpoint first and falls back to listing every
// pipeline and filtering locally when that endpoint fails. Both paths select
// the same pipeline. Polling starts if the pipeline is still active.
func (c *Controller) LoadForProject(ctx context.Context, projectID string) (model.Pipeline, error) {
	if err := c.checkOpen(); err != nil {
		return model.Pipeline{}, err
	}
	candidates, err := c.client.ListProjectPipelines(ctx, projectID)
	if err != nil {
		if ctx.Err() != nil {
			return model.Pipeline{}, eris.Wrap(err, "pipeline: list for project")
		}
		zap.L().Warn("pipeline: project lookup failed, listing all pipelines",
			zap.String("project_id", projectID),
			zap.Error(err),
		)
		all, lerr := c.client.ListPipelines(ctx)
		if lerr != nil {
			return model.Pipeline{}, eris.Wrap(lerr, "pipeline: list all")
		}
		candidates = all
	}

	p, ok := Latest(projectID, candidates)
	if !ok {
		return model.Pipeline{}, eris.Wrapf(ErrNoPipeline, "project %s", projectID)
	}
	c.observe(ctx, p, nil, false)
	c.pollIfActive(p)
	return p, nil
}

// Refresh fetches pipeline id once. On failure the last known state is kept
// and the error recorded on it.
func (c *Controller) Refresh(ctx context.Context, id string) (model.Pipeline, error) {
	p, err := c.client.GetPipeline(ctx, id)
	if err != nil {
		err = eris.Wrapf(err, "pipeline: refresh %s", id)
		c.fail(id, err)
		return model.Pipeline{}, err
	}
	c.observe(ctx, *p, nil, false)
	return *p, nil
}

// Resume asks the engine to continue a PAUSED or FAILED pipeline, then
// refreshes and polls it.
func (c *Controller) Resume(ctx context.Context, id string) (model.Pipeline, error) {
	if err := c.checkOpen(); err != nil {
		return model.Pipeline{}, err
	}
	cur, err := c.Refresh(ctx, id)
	if err != nil {
		return model.Pipeline{}, err
	}
	if !cur.CanResume() {
		return cur, eris.Wrapf(ErrCannotResume, "pipeline %s is %s", id, cur.Status)
	}

	msg, err := c.client.ResumePipeline(ctx, id)
	if err != nil {
		err = eris.Wrapf(err, "pipeline: resume %s", id)
		c.fail(id, err)
		return cur, err
	}
	zap.L().Info("pipeline: resumed", zap.String("pipeline_id", id), zap.String("message", msg))

	p, err := c.Refresh(ctx, id)
	if err != nil {
		return cur, err
	}
	// The engine may still report PAUSED right after accepting the resume.
	c.StartPolling(id)
	return p, nil
}

// Cancel stops polling, asks the engine to cancel, and refreshes.
func (c *Controller) Cancel(ctx context.Context, id string) (model.Pipeline, error) {
	if err := c.checkOpen(); err != nil {
		return model.Pipeline{}, err
	}
	c.StopPolling(id)

	msg, err := c.client.CancelPipeline(ctx, id)
	if err != nil {
		err = eris.Wrapf(err, "pipeline: cancel %s", id)
		c.fail(id, err)
		return model.Pipeline{}, err
	}
	zap.L().Info("pipeline: cancelled", zap.String("pipeline_id", id), zap.String("message", msg))
	return c.Refresh(ctx, id)
}

// Close stops every poll loop and waits for them to exit.
func (c *Controller) Close() {
	c.mu.Lock()
	c.closed = true
	polls := c.polls
	c.polls = make(map[string]*poll)
	c.mu.Unlock()

	c.cancel()
	for _, p := range polls {
		<-p.done
	}
}

func (c *Controller) checkOpen() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrClosed
	}
	return nil
}

func (c *Controller) pollIfActive(p model.Pipeline) {
	if !p.Status.StopsPolling() {
		c.StartPolling(p.ID)
	}
}

// observe stores p as the latest state of its pipeline and notifies. A poll
// loop passes itself as from; its result is dropped once another loop owns
// the id, and release hands ownership back in the same critical section.
func (c *Controller) observe(ctx context.Context, p model.Pipeline, from *poll, release bool) {
	c.mu.Lock()
	if from != nil {
		if c.polls[p.ID] != from {
			c.mu.Unlock()
			return
		}
		if release {
			delete(c.polls, p.ID)
		}
	}
	st := c.stateLocked(p.ID)
	st.Pipeline = p.Clone()
	st.LastError = nil
	st.UpdatedAt = time.Now()
	snap := c.snapshotLocked(st)
	c.mu.Unlock()

	if c.journal != nil {
		if err := c.journal.SavePipeline(context.WithoutCancel(ctx), p); err != nil {
			zap.L().Warn("pipeline: snapshot not saved", zap.String("pipeline_id", p.ID), zap.Error(err))
		}
	}
	c.subs.Publish(snap)
}

// fail records err against id without touching the last known pipeline.
func (c *Controller) fail(id string, err error) {
	c.mu.Lock()
	st := c.stateLocked(id)
	st.LastError = err
	st.UpdatedAt = time.Now()
	snap := c.snapshotLocked(st)
	c.mu.Unlock()

	c.subs.Publish(snap)
}

func (c *Controller) stateLocked(id string) *State {
	st, ok := c.states[id]
	if !ok {
		st = &State{Pipeline: model.Pipeline{ID: id}}
		c.states[id] = st
	}
	return st
}

func (c *Controller) snapshotLocked(st *State) State {
	out := *st
	out.Pipeline = st.Pipeline.Clone()
	_, out.Polling = c.polls[st.Pipeline.ID]
	return out
}
