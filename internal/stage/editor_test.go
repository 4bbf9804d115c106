package stage

import (
	"math"
	"math/rand/v2"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/buildquote/quotecore/internal/model"
)

func sampleResult() model.ParseResult {
	return model.ParseResult{
		ProjectTitle: "Bathroom renovation",
		Location:     "Tallinn",
		Stages: []model.Stage{
			{Name: "Demolition", Category: model.CategoryDemolition, Quantity: 8, Unit: "m2",
				PriceEstimateMin: 400, PriceEstimateMedian: 550, PriceEstimateMax: 700, SupplierCount: 3},
			{Name: "Tiling", Category: model.CategoryTiling, Quantity: 20, Unit: "m2",
				PriceEstimateMin: 1200, PriceEstimateMedian: 1500, PriceEstimateMax: 1900, SupplierCount: 5},
			{Name: "Plumbing", Category: model.CategoryPlumbing, Quantity: 1, Unit: "tk",
				PriceEstimateMin: 800, PriceEstimateMedian: 1000, PriceEstimateMax: 1300, SupplierCount: 2},
		},
	}
}

func TestNewEditorSelectsAndCollapsesAll(t *testing.T) {
	t.Parallel()

	r := sampleResult()
	r.Stages[0].Expanded = true
	e := NewEditor(r)

	for _, s := range e.Stages() {
		assert.True(t, s.Selected)
		assert.False(t, s.Expanded)
	}
	assert.Equal(t, Totals{Min: 2400, Max: 3900, Median: 3050, SupplierCount: 10, Selected: 3}, e.Totals())
}

func TestEditorDoesNotAliasInput(t *testing.T) {
	t.Parallel()

	r := sampleResult()
	e := NewEditor(r)
	r.Stages[0].Quantity = 999

	assert.Equal(t, 8.0, e.Stages()[0].Quantity)

	out := e.Stages()
	out[1].Quantity = 0
	assert.Equal(t, 20.0, e.Stages()[1].Quantity)
}

func TestToggle(t *testing.T) {
	t.Parallel()

	e := NewEditor(sampleResult())
	require.NoError(t, e.Toggle(1))

	sel := e.SelectedStages()
	require.Len(t, sel, 2)
	assert.Equal(t, "Demolition", sel[0].Name)
	assert.Equal(t, "Plumbing", sel[1].Name)
	assert.Equal(t, 1200.0, e.Totals().Min)

	assert.ErrorIs(t, e.Toggle(3), ErrNoSuchStage)
	assert.ErrorIs(t, e.Toggle(-1), ErrNoSuchStage)
}

func TestProjectMinWithoutMaxCanExceedMax(t *testing.T) {
	t.Parallel()

	r := sampleResult()
	r.TotalEstimateMin = 5000
	r.TotalEstimateMax = 0
	got := NewEditor(r).Totals()

	assert.Equal(t, 5000.0, got.Min)
	assert.Equal(t, 3900.0, got.Max)
	assert.Greater(t, got.Min, got.Max)
}

func TestToggleOffOnRestoresTotals(t *testing.T) {
	t.Parallel()

	r := sampleResult()
	r.TotalEstimateMin = 2600
	e := NewEditor(r)
	before := e.Totals()

	for i := range r.Stages {
		require.NoError(t, e.Toggle(i))
		require.NoError(t, e.Toggle(i))
		assert.Equal(t, before, e.Totals(), "stage %d", i)
	}
}

func TestEmptySelectionIsZero(t *testing.T) {
	t.Parallel()

	r := sampleResult()
	r.TotalEstimateMin = 5000
	r.TotalEstimateMax = 8000
	e := NewEditor(r)
	e.DeselectAll()

	assert.Equal(t, Totals{}, e.Totals())
	assert.Empty(t, e.SelectedStages())

	empty := NewEditor(model.ParseResult{})
	assert.Equal(t, Totals{}, empty.Totals())
}

func TestProjectLevelEstimateWinsWhenLarger(t *testing.T) {
	t.Parallel()

	r := sampleResult()
	r.TotalEstimateMin = 3000 // larger than 2400
	r.TotalEstimateMax = 3500 // smaller than 3900
	e := NewEditor(r)

	got := e.Totals()
	assert.Equal(t, 3000.0, got.Min)
	assert.Equal(t, 3900.0, got.Max)
	assert.Equal(t, 3050.0, got.Median)
}

func TestSelectAllDeselectAll(t *testing.T) {
	t.Parallel()

	e := NewEditor(sampleResult())
	e.DeselectAll()
	assert.Zero(t, e.Totals().Selected)
	e.SelectAll()
	assert.Equal(t, 3, e.Totals().Selected)
}

func TestSetQuantity(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		raw      string
		accepted bool
		want     float64
	}{
		{"integer", "25", true, 25},
		{"decimal", "12.5", true, 12.5},
		{"comma decimal", "12,5", true, 12.5},
		{"padded", "  7 ", true, 7},
		{"zero", "0", true, 0},
		{"negative", "-3", false, 20},
		{"letters", "abc", false, 20},
		{"empty", "", false, 20},
		{"nan", "NaN", false, 20},
		{"inf", "+Inf", false, 20},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			e := NewEditor(sampleResult())
			ok, err := e.SetQuantity(1, tt.raw)
			require.NoError(t, err)
			assert.Equal(t, tt.accepted, ok)
			assert.Equal(t, tt.want, e.Stages()[1].Quantity)
			assert.Equal(t, tt.accepted && tt.want != 20, e.IsDirty(1))
		})
	}
}

func TestSetQuantityOutOfRange(t *testing.T) {
	t.Parallel()

	e := NewEditor(sampleResult())
	ok, err := e.SetQuantity(10, "5")
	assert.False(t, ok)
	assert.ErrorIs(t, err, ErrNoSuchStage)

	ok, err = e.SetQuantity(10, "garbage")
	assert.False(t, ok)
	assert.ErrorIs(t, err, ErrNoSuchStage)
}

func TestQuantityEditDoesNotChangeTotals(t *testing.T) {
	t.Parallel()

	e := NewEditor(sampleResult())
	before := e.Totals()
	_, err := e.SetQuantity(0, "100")
	require.NoError(t, err)

	assert.Equal(t, before, e.Totals())
	assert.True(t, e.Dirty())
}

func TestSetExpandedIsDisplayOnly(t *testing.T) {
	t.Parallel()

	e := NewEditor(sampleResult())
	before := e.Totals()
	require.NoError(t, e.SetExpanded(2, true))

	assert.True(t, e.Stages()[2].Expanded)
	assert.Equal(t, before, e.Totals())
	assert.False(t, e.Dirty())
}

func TestApplyEstimatePreservesSelection(t *testing.T) {
	t.Parallel()

	e := NewEditor(sampleResult())
	require.NoError(t, e.Toggle(0))
	require.NoError(t, e.SetExpanded(1, true))
	_, err := e.SetQuantity(1, "40")
	require.NoError(t, err)

	est := e.Result()
	est.Stages[1].PriceEstimateMin = 2400
	est.Stages[1].PriceEstimateMax = 3800
	est.Stages[0].Selected = true // the estimator does not own selection
	require.NoError(t, e.ApplyEstimate(est))

	stages := e.Stages()
	assert.False(t, stages[0].Selected)
	assert.True(t, stages[1].Expanded)
	assert.Equal(t, 40.0, stages[1].Quantity)
	assert.False(t, e.Dirty())
	assert.Equal(t, 3200.0, e.Totals().Min)
}

func TestApplyEstimateRejectsShapeChange(t *testing.T) {
	t.Parallel()

	e := NewEditor(sampleResult())
	est := e.Result()
	est.Stages = est.Stages[:2]

	assert.Error(t, e.ApplyEstimate(est))
	assert.Len(t, e.Stages(), 3)
}

func TestInvertedAndNonFinitePricesDoNotPanic(t *testing.T) {
	t.Parallel()

	r := model.ParseResult{Stages: []model.Stage{
		{Name: "weird", PriceEstimateMin: 900, PriceEstimateMedian: 100, PriceEstimateMax: 50},
		{Name: "nan", PriceEstimateMin: math.NaN(), PriceEstimateMax: math.Inf(1)},
	}}
	e := NewEditor(r)

	var got Totals
	assert.NotPanics(t, func() { got = e.Totals() })
	assert.Equal(t, 900.0, got.Min)
	assert.Equal(t, 50.0, got.Max)
}

func TestMinNotAboveMaxWhenStagesAreOrdered(t *testing.T) {
	t.Parallel()

	rng := rand.New(rand.NewPCG(1, 2))
	for n := 0; n < 200; n++ {
		var r model.ParseResult
		count := rng.IntN(8)
		for i := 0; i < count; i++ {
			lo := rng.Float64() * 1000
			hi := lo + rng.Float64()*1000
			r.Stages = append(r.Stages, model.Stage{PriceEstimateMin: lo, PriceEstimateMedian: (lo + hi) / 2, PriceEstimateMax: hi})
		}
		e := NewEditor(r)
		for i := range r.Stages {
			if rng.IntN(2) == 0 {
				require.NoError(t, e.Toggle(i))
			}
		}
		tot := e.Totals()
		assert.LessOrEqual(t, tot.Min, tot.Max)
	}
}

func TestSubscribersSeeEveryMutation(t *testing.T) {
	t.Parallel()

	e := NewEditor(sampleResult())
	var snaps []Snapshot
	unsub := e.Subscribe(func(s Snapshot) { snaps = append(snaps, s) })

	require.NoError(t, e.Toggle(1))
	_, _ = e.SetQuantity(0, "12")
	_, _ = e.SetQuantity(0, "nope") // ignored, no notification
	e.DeselectAll()
	e.DeselectAll() // already deselected, no notification

	require.Len(t, snaps, 3)
	assert.Equal(t, 2, snaps[0].Totals.Selected)
	assert.True(t, snaps[1].Dirty)
	assert.Zero(t, snaps[2].Totals.Selected)

	unsub()
	e.SelectAll()
	assert.Len(t, snaps, 3)
}

func TestConcurrentEdits(t *testing.T) {
	t.Parallel()

	e := NewEditor(sampleResult())
	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			switch i % 4 {
			case 0:
				_ = e.Toggle(i % 3)
			case 1:
				_, _ = e.SetQuantity(i%3, "5")
			case 2:
				_ = e.Totals()
			default:
				_ = e.SelectedStages()
			}
		}(i)
	}
	wg.Wait()
	assert.Len(t, e.Stages(), 3)
}
