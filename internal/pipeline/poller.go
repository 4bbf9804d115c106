package pipeline

import (
	"context"
	"errors"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
)

// poll is the handle of one running poll loop.
type poll struct {
	cancel context.CancelFunc
	done   chan struct{}
}

// StartPolling begins polling pipeline id every interval. Any loop already
// running for id is stopped first, so repeated calls leave exactly one loop.
// It is a no-op after Close.
func (c *Controller) StartPolling(id string) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	old := c.polls[id]

	ctx, cancel := context.WithCancel(c.root)
	if c.pollTimeout > 0 {
		var cancelTimeout context.CancelFunc
		ctx, cancelTimeout = context.WithTimeout(ctx, c.pollTimeout)
		parent := cancel
		cancel = func() {
			cancelTimeout()
			parent()
		}
	}
	p := &poll{cancel: cancel, done: make(chan struct{})}
	c.polls[id] = p
	c.mu.Unlock()

	if old != nil {
		old.cancel()
		<-old.done
	}

	zap.L().Debug("pipeline: polling started", zap.String("pipeline_id", id), zap.Duration("interval", c.interval))
	go c.run(ctx, id, p)
}

// StopPolling stops the loop for id, if any, and waits for it to exit.
func (c *Controller) StopPolling(id string) {
	c.mu.Lock()
	p := c.polls[id]
	delete(c.polls, id)
	c.mu.Unlock()

	if p != nil {
		p.cancel()
		<-p.done
	}
}

// IsPolling reports whether a loop is active for id.
func (c *Controller) IsPolling(id string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.polls[id]
	return ok
}

// ActivePolls returns the number of running poll loops.
func (c *Controller) ActivePolls() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.polls)
}

func (c *Controller) run(ctx context.Context, id string, p *poll) {
	log := zap.L().With(zap.String("pipeline_id", id))
	reason := "cancelled"
	defer func() {
		c.mu.Lock()
		if c.polls[id] == p {
			delete(c.polls, id)
		}
		c.mu.Unlock()
		p.cancel()
		close(p.done)
		log.Info("pipeline: polling stopped", zap.String("reason", reason))
	}()

	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			if errors.Is(ctx.Err(), context.DeadlineExceeded) {
				reason = "poll timeout"
				c.failFrom(id, p, eris.Wrapf(ctx.Err(), "pipeline: polling %s timed out", id))
			}
			return
		case <-ticker.C:
		}

		got, err := c.client.GetPipeline(ctx, id)
		if err != nil {
			if ctx.Err() != nil {
				continue // handled by the select above
			}
			reason = "fetch failed"
			c.failFrom(id, p, eris.Wrapf(err, "pipeline: poll %s", id))
			return
		}

		stop := got.Status.StopsPolling()
		c.observe(ctx, *got, p, stop)
		if stop {
			reason = "status " + string(got.Status)
			return
		}
	}
}

// failFrom records err only while p still owns id.
func (c *Controller) failFrom(id string, p *poll, err error) {
	c.mu.Lock()
	owned := c.polls[id] == p
	if owned {
		// Drop ownership first so the published state reports Polling=false.
		delete(c.polls, id)
	}
	c.mu.Unlock()
	if owned {
		c.fail(id, err)
	}
}
