// Package breakdown edits the material lines of a price breakdown on a
// copy-on-write working set, so an edit can be cancelled without refetching.
package breakdown

import (
	"math"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rotisserie/eris"

	"github.com/buildquote/quotecore/internal/model"
	"github.com/buildquote/quotecore/internal/notify"
)

var (
	// ErrNotEditing is returned by mutations made outside an edit session.
	ErrNotEditing = eris.New("breakdown: not in edit mode")
	// ErrNoSuchMaterial is returned for an out-of-range material index.
	ErrNoSuchMaterial = eris.New("breakdown: no such material")
)

// Confidence levels derived from ConfidencePercent.
const (
	ConfidenceHigh   = "high"
	ConfidenceMedium = "medium"
	ConfidenceLow    = "low"
)

// Editor wraps one PriceBreakdown. The original materials are never written
// to; edits go to a working copy that Save promotes and CancelEdit discards.
type Editor struct {
	mu        sync.RWMutex
	breakdown model.PriceBreakdown
	original  []model.MaterialLine
	working   []model.MaterialLine
	editing   bool
	now       func() time.Time

	saved notify.Broadcaster[[]model.MaterialLine]
}

// NewEditor starts with the breakdown's materials as both original and working set.
func NewEditor(b model.PriceBreakdown) *Editor {
	e := &Editor{breakdown: b, now: time.Now}
	e.original = copyLines(b.Materials)
	e.working = copyLines(b.Materials)
	return e
}

func copyLines(in []model.MaterialLine) []model.MaterialLine {
	return append([]model.MaterialLine{}, in...)
}

// OnSave registers fn to receive the material lines each time Save succeeds.
func (e *Editor) OnSave(fn func([]model.MaterialLine)) (unsubscribe func()) {
	return e.saved.Subscribe(fn)
}

// Editing reports whether an edit session is open.
func (e *Editor) Editing() bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.editing
}

// BeginEdit opens an edit session on a fresh copy of the saved materials.
func (e *Editor) BeginEdit() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.editing {
		return
	}
	e.editing = true
	e.working = copyLines(e.original)
}

// CancelEdit closes the session and restores the saved materials.
func (e *Editor) CancelEdit() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.editing = false
	e.working = copyLines(e.original)
}

// SetQuantity edits the quantity of material i from operator input.
// Unparseable, negative or non-finite input is ignored.
func (e *Editor) SetQuantity(i int, raw string) (bool, error) {
	v, err := parseAmount(raw)
	if err != nil {
		return false, e.guard(i)
	}
	return e.update(i, func(m *model.MaterialLine) {
		m.Quantity = v
	})
}

// SetUnitPrice overrides the unit price range of material i and marks it MANUAL.
func (e *Editor) SetUnitPrice(i int, min, max float64) (bool, error) {
	if !validAmount(min) || !validAmount(max) || min > max {
		return false, e.guard(i)
	}
	return e.update(i, func(m *model.MaterialLine) {
		m.UnitPriceMin = min
		m.UnitPriceMax = max
		m.PriceSource = model.PriceSourceManual
		m.LastUpdated = model.NewTimestamp(e.now())
	})
}

func (e *Editor) update(i int, fn func(*model.MaterialLine)) (bool, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.guardLocked(i); err != nil {
		return false, err
	}
	fn(&e.working[i])
	return true, nil
}

func (e *Editor) guard(i int) error {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.guardLocked(i)
}

func (e *Editor) guardLocked(i int) error {
	if !e.editing {
		return ErrNotEditing
	}
	if i < 0 || i >= len(e.working) {
		return eris.Wrapf(ErrNoSuchMaterial, "index %d", i)
	}
	return nil
}

// HasChanges reports whether the working set differs from the saved one in
// any quantity or unit price.
func (e *Editor) HasChanges() bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	for i, m := range e.working {
		o := e.original[i]
		if m.Quantity != o.Quantity || m.UnitPriceMin != o.UnitPriceMin || m.UnitPriceMax != o.UnitPriceMax {
			return true
		}
	}
	return false
}

// Save promotes the working set, closes the session and notifies OnSave
// subscribers.
func (e *Editor) Save() ([]model.MaterialLine, error) {
	e.mu.Lock()
	if !e.editing {
		e.mu.Unlock()
		return nil, ErrNotEditing
	}
	e.original = copyLines(e.working)
	e.editing = false
	out := copyLines(e.original)
	e.mu.Unlock()

	e.saved.Publish(copyLines(out))
	return out, nil
}

// Materials returns the lines currently shown: the working set while editing,
// the saved set otherwise.
func (e *Editor) Materials() []model.MaterialLine {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return copyLines(e.working)
}

// Original returns the saved lines.
func (e *Editor) Original() []model.MaterialLine {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return copyLines(e.original)
}

// MaterialTotal is quantity times the unit price range.
func MaterialTotal(m model.MaterialLine) model.PriceRange {
	return model.PriceRange{Min: m.Quantity * m.UnitPriceMin, Max: m.Quantity * m.UnitPriceMax}
}

// MaterialsTotal sums MaterialTotal over the shown lines.
func (e *Editor) MaterialsTotal() model.PriceRange {
	e.mu.RLock()
	defer e.mu.RUnlock()
	var total model.PriceRange
	for _, m := range e.working {
		total = total.Add(MaterialTotal(m))
	}
	return total
}

// CalculatedTotal is the materials total plus labor and other costs.
func (e *Editor) CalculatedTotal() model.PriceRange {
	total := e.MaterialsTotal()
	e.mu.RLock()
	defer e.mu.RUnlock()
	return total.
		Add(model.PriceRange{Min: e.breakdown.Labor.TotalMin, Max: e.breakdown.Labor.TotalMax}).
		Add(model.PriceRange{Min: e.breakdown.OtherCosts.TotalMin, Max: e.breakdown.OtherCosts.TotalMax})
}

// ConfidenceLevel buckets the breakdown's confidence percent.
func (e *Editor) ConfidenceLevel() string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return ConfidenceLevelOf(e.breakdown.ConfidencePercent)
}

// ConfidenceLevelOf maps a percentage to high (>= 80), medium (>= 50) or low.
func ConfidenceLevelOf(pct float64) string {
	switch {
	case pct >= 80:
		return ConfidenceHigh
	case pct >= 50:
		return ConfidenceMedium
	default:
		return ConfidenceLow
	}
}

func parseAmount(raw string) (float64, error) {
	v, err := strconv.ParseFloat(strings.ReplaceAll(strings.TrimSpace(raw), ",", "."), 64)
	if err != nil {
		return 0, err
	}
	if !validAmount(v) {
		return 0, eris.Errorf("breakdown: invalid amount %q", raw)
	}
	return v, nil
}

func validAmount(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0) && v >= 0
}
