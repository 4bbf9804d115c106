package bids

import (
	"fmt"
	"math"

	"github.com/buildquote/quotecore/internal/model"
)

// priceTolerance absorbs rounding in the server's figures.
const priceTolerance = 0.01

// Mismatch is one point where the local ranking and the server comparison
// disagree.
type Mismatch struct {
	Field  string
	Local  string
	Server string
}

func (m Mismatch) String() string {
	return fmt.Sprintf("%s: local %s, server %s", m.Field, m.Local, m.Server)
}

// CrossCheck compares r with the server-side comparison of the same campaign.
// The server result is advisory; an empty return means both agree.
func CrossCheck(r Ranking, server model.ComparisonResult) []Mismatch {
	var out []Mismatch
	if len(r.Sorted) != server.TotalBids {
		out = append(out, Mismatch{
			Field:  "totalBids",
			Local:  fmt.Sprint(len(r.Sorted)),
			Server: fmt.Sprint(server.TotalBids),
		})
	}
	if len(r.Sorted) == 0 || server.TotalBids == 0 {
		return out
	}
	if math.Abs(r.MinPrice-server.MinPrice) > priceTolerance {
		out = append(out, priceMismatch("minPrice", r.MinPrice, server.MinPrice))
	}
	if math.Abs(r.MaxPrice-server.MaxPrice) > priceTolerance {
		out = append(out, priceMismatch("maxPrice", r.MaxPrice, server.MaxPrice))
	}
	return out
}

func priceMismatch(field string, local, server float64) Mismatch {
	return Mismatch{
		Field:  field,
		Local:  fmt.Sprintf("%.2f", local),
		Server: fmt.Sprintf("%.2f", server),
	}
}
