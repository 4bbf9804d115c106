// Package bids ranks the supplier bids of one campaign. Everything here is a
// pure function of its input; nothing touches the network.
package bids

import (
	"cmp"
	"math"
	"slices"

	"github.com/buildquote/quotecore/internal/model"
)

// Ranking is the client-side comparison of a campaign's bids.
type Ranking struct {
	// Sorted is ascending by price. Equal prices keep the earliest submission
	// first, then the smaller id, so any permutation of the input sorts the same.
	Sorted []model.Bid

	// Best is the cheapest bid, nil when there are none.
	Best *model.Bid

	AveragePrice float64
	MinPrice     float64
	MaxPrice     float64

	// PotentialSavings is MaxPrice-MinPrice with at least two bids, else 0.
	PotentialSavings float64
}

// Rank sorts bids and computes the summary figures. The input is not modified.
func Rank(bids []model.Bid) Ranking {
	sorted := slices.Clone(bids)
	slices.SortStableFunc(sorted, compareBids)

	r := Ranking{Sorted: sorted}
	if len(sorted) == 0 {
		return r
	}
	best := sorted[0]
	r.Best = &best

	var sum float64
	for _, b := range sorted {
		sum += finite(b.Price)
	}
	r.AveragePrice = sum / float64(len(sorted))
	r.MinPrice = finite(sorted[0].Price)
	r.MaxPrice = finite(sorted[len(sorted)-1].Price)
	if len(sorted) >= 2 {
		r.PotentialSavings = r.MaxPrice - r.MinPrice
	}
	return r
}

// RankOf returns the 1-based position of bid id, or 0 if it is not present.
func (r Ranking) RankOf(id string) int {
	for i, b := range r.Sorted {
		if b.ID == id {
			return i + 1
		}
	}
	return 0
}

// PotentialSavings is a shortcut for Rank(bids).PotentialSavings.
func PotentialSavings(bids []model.Bid) float64 {
	return Rank(bids).PotentialSavings
}

func compareBids(a, b model.Bid) int {
	if c := cmp.Compare(finite(a.Price), finite(b.Price)); c != 0 {
		return c
	}
	if c := a.SubmittedAt.Compare(b.SubmittedAt.Time); c != 0 {
		return c
	}
	return cmp.Compare(a.ID, b.ID)
}

// finite sorts garbage prices last instead of letting NaN break the ordering.
func finite(v float64) float64 {
	if math.IsNaN(v) {
		return math.Inf(1)
	}
	return v
}
