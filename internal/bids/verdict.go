package bids

import (
	"fmt"

	"github.com/buildquote/quotecore/internal/model"
)

var verdictLabels = map[model.Verdict]string{
	model.VerdictGreatDeal:  "Great deal",
	model.VerdictFair:       "Fair price",
	model.VerdictOverpriced: "Overpriced",
	model.VerdictRedFlag:    "Red flag",
}

// VerdictOf returns the classification the analysis service attached to b.
// Unknown values and bids without a market reference are unclassified.
func VerdictOf(b model.Bid) model.Verdict {
	if !b.Verdict.Known() || b.PercentFromMedian == nil {
		return model.VerdictNone
	}
	return b.Verdict
}

// Label is the display text for a verdict.
func Label(v model.Verdict) string {
	if l, ok := verdictLabels[v]; ok {
		return l
	}
	return "Unclassified"
}

// Deviation formats the bid's distance from the market median, e.g. "-12.5%".
// It returns "" when the bid carries no reference.
func Deviation(b model.Bid) string {
	if b.PercentFromMedian == nil {
		return ""
	}
	return fmt.Sprintf("%+.1f%%", *b.PercentFromMedian)
}
