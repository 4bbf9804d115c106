// Package stage holds a parsed project as an editable set of work stages and
// derives the selection totals shown to the operator.
package stage

import (
	"math"
	"strconv"
	"strings"
	"sync"

	"github.com/rotisserie/eris"

	"github.com/buildquote/quotecore/internal/model"
	"github.com/buildquote/quotecore/internal/notify"
)

// ErrNoSuchStage is returned for an out-of-range stage index.
var ErrNoSuchStage = eris.New("stage: no such stage")

// Totals are the aggregates over the selected stages.
type Totals struct {
	Min           float64
	Max           float64
	Median        float64
	SupplierCount int
	Selected      int
}

// Snapshot is what subscribers receive after every mutation.
type Snapshot struct {
	Stages []model.Stage
	Totals Totals
	Dirty  bool
}

// Editor owns the stages of one parsed project. Stages are addressed by
// their index in the parse result. All methods are safe for concurrent use.
type Editor struct {
	mu     sync.RWMutex
	result model.ParseResult
	dirty  map[int]bool
	subs   notify.Broadcaster[Snapshot]
}

// NewEditor loads result with every stage selected and collapsed.
func NewEditor(result model.ParseResult) *Editor {
	e := &Editor{}
	e.load(result)
	return e
}

func (e *Editor) load(result model.ParseResult) {
	e.result = result.Clone()
	for i := range e.result.Stages {
		e.result.Stages[i].Selected = true
		e.result.Stages[i].Expanded = false
	}
	e.dirty = make(map[int]bool)
}

// Subscribe registers fn to be called after every change.
func (e *Editor) Subscribe(fn func(Snapshot)) (unsubscribe func()) {
	return e.subs.Subscribe(fn)
}

// mutate runs fn under the write lock and publishes a snapshot if fn reports
// a change.
func (e *Editor) mutate(fn func() (bool, error)) error {
	e.mu.Lock()
	changed, err := fn()
	var snap Snapshot
	if changed {
		snap = e.snapshotLocked()
	}
	e.mu.Unlock()

	if changed {
		e.subs.Publish(snap)
	}
	return err
}

func (e *Editor) stageLocked(i int) (*model.Stage, error) {
	if i < 0 || i >= len(e.result.Stages) {
		return nil, eris.Wrapf(ErrNoSuchStage, "index %d", i)
	}
	return &e.result.Stages[i], nil
}

// Toggle flips the selection of stage i.
func (e *Editor) Toggle(i int) error {
	return e.mutate(func() (bool, error) {
		s, err := e.stageLocked(i)
		if err != nil {
			return false, err
		}
		s.Selected = !s.Selected
		return true, nil
	})
}

// SetExpanded sets the display-only expanded flag of stage i.
func (e *Editor) SetExpanded(i int, expanded bool) error {
	return e.mutate(func() (bool, error) {
		s, err := e.stageLocked(i)
		if err != nil {
			return false, err
		}
		if s.Expanded == expanded {
			return false, nil
		}
		s.Expanded = expanded
		return true, nil
	})
}

// SetQuantity applies operator input to stage i. Input that is not a finite,
// non-negative number is ignored and the previous quantity kept; the return
// value reports whether the edit was accepted. A comma decimal separator is
// accepted. No network call is made: the stage is only marked dirty.
func (e *Editor) SetQuantity(i int, raw string) (bool, error) {
	v, err := strconv.ParseFloat(strings.ReplaceAll(strings.TrimSpace(raw), ",", "."), 64)
	if err != nil {
		return false, e.check(i)
	}
	return e.SetQuantityValue(i, v)
}

// SetQuantityValue is SetQuantity for an already-parsed value.
func (e *Editor) SetQuantityValue(i int, v float64) (bool, error) {
	if math.IsNaN(v) || math.IsInf(v, 0) || v < 0 {
		return false, e.check(i)
	}
	accepted := false
	err := e.mutate(func() (bool, error) {
		s, err := e.stageLocked(i)
		if err != nil {
			return false, err
		}
		accepted = true
		if s.Quantity == v {
			return false, nil
		}
		s.Quantity = v
		e.dirty[i] = true
		return true, nil
	})
	return accepted, err
}

func (e *Editor) check(i int) error {
	e.mu.RLock()
	defer e.mu.RUnlock()
	_, err := e.stageLocked(i)
	return err
}

// SelectAll selects every stage.
func (e *Editor) SelectAll() {
	e.setAll(true)
}

// DeselectAll clears every selection.
func (e *Editor) DeselectAll() {
	e.setAll(false)
}

func (e *Editor) setAll(selected bool) {
	_ = e.mutate(func() (bool, error) {
		changed := false
		for i := range e.result.Stages {
			if e.result.Stages[i].Selected != selected {
				e.result.Stages[i].Selected = selected
				changed = true
			}
		}
		return changed, nil
	})
}

// Stages returns a copy of all stages.
func (e *Editor) Stages() []model.Stage {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.result.Clone().Stages
}

// SelectedStages returns a copy of the selected stages in parse order.
func (e *Editor) SelectedStages() []model.Stage {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return selected(e.result.Clone().Stages)
}

func selected(stages []model.Stage) []model.Stage {
	out := make([]model.Stage, 0, len(stages))
	for _, s := range stages {
		if s.Selected {
			out = append(out, s)
		}
	}
	return out
}

// Totals recomputes the selection aggregates.
func (e *Editor) Totals() Totals {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return computeTotals(e.result)
}

// Result returns a copy of the parse result with the current stage edits.
func (e *Editor) Result() model.ParseResult {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.result.Clone()
}

// Dirty reports whether any quantity changed since load or the last estimate.
func (e *Editor) Dirty() bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return len(e.dirty) > 0
}

// IsDirty reports whether stage i has an unconfirmed quantity edit.
func (e *Editor) IsDirty(i int) bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.dirty[i]
}

// ApplyEstimate replaces stage pricing and project totals with a fresh
// estimate. Selection and expansion survive by stage position, which the
// estimator preserves, and dirty marks are cleared.
func (e *Editor) ApplyEstimate(estimate model.ParseResult) error {
	return e.mutate(func() (bool, error) {
		if len(estimate.Stages) != len(e.result.Stages) {
			return false, eris.Errorf("stage: estimate has %d stages, editor has %d",
				len(estimate.Stages), len(e.result.Stages))
		}
		next := estimate.Clone()
		for i := range next.Stages {
			next.Stages[i].Selected = e.result.Stages[i].Selected
			next.Stages[i].Expanded = e.result.Stages[i].Expanded
		}
		e.result = next
		e.dirty = make(map[int]bool)
		return true, nil
	})
}

func (e *Editor) snapshotLocked() Snapshot {
	return Snapshot{
		Stages: e.result.Clone().Stages,
		Totals: computeTotals(e.result),
		Dirty:  len(e.dirty) > 0,
	}
}
