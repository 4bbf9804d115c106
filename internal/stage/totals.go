package stage

import (
	"math"

	"github.com/buildquote/quotecore/internal/model"
)

// computeTotals sums the selected stages. When something is selected and the
// estimator's project-level min or max is larger than the per-stage sum, the
// project-level figure is reported instead: it includes whole-project costs
// such as derived materials that no single stage carries. Median and supplier
// count are plain sums. Non-finite prices count as zero.
func computeTotals(r model.ParseResult) Totals {
	var t Totals
	for _, s := range r.Stages {
		if !s.Selected {
			continue
		}
		t.Selected++
		t.Min += finite(s.PriceEstimateMin)
		t.Max += finite(s.PriceEstimateMax)
		t.Median += finite(s.PriceEstimateMedian)
		t.SupplierCount += s.SupplierCount
	}
	if t.Selected == 0 {
		return Totals{}
	}
	// The two overrides are independent. An estimator that sends a
	// project-level min without a max can leave Min above Max; that is an
	// upstream inconsistency and is reported as received.
	if v := finite(r.TotalEstimateMin); v > t.Min {
		t.Min = v
	}
	if v := finite(r.TotalEstimateMax); v > t.Max {
		t.Max = v
	}
	return t
}

func finite(v float64) float64 {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return 0
	}
	return v
}
