package api

import (
	"math"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/buildquote/quotecore/internal/breakdown"
	"github.com/buildquote/quotecore/internal/model"
)

type breakdownView struct {
	model.PriceBreakdown
	MaterialsTotal  model.PriceRange `json:"materialsTotal"`
	CalculatedTotal model.PriceRange `json:"calculatedTotal"`
	ConfidenceLevel string           `json:"confidenceLevel"`
}

// getBreakdown always answers 200: a failed lookup renders the default
// breakdown, as the panel must show something.
func (s *Server) getBreakdown(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	category := model.Category(strings.ToUpper(q.Get("category")))
	if !category.Valid() {
		writeError(w, http.StatusBadRequest, "unknown category")
		return
	}
	quantity, err := strconv.ParseFloat(q.Get("quantity"), 64)
	if err != nil || quantity < 0 || math.IsNaN(quantity) || math.IsInf(quantity, 0) {
		writeError(w, http.StatusBadRequest, "quantity must be a non-negative number")
		return
	}

	b := s.prices.Get(r.Context(), category, quantity, q.Get("unit"))
	ed := breakdown.NewEditor(b)
	writeJSON(w, http.StatusOK, breakdownView{
		PriceBreakdown:  b,
		MaterialsTotal:  ed.MaterialsTotal(),
		CalculatedTotal: ed.CalculatedTotal(),
		ConfidenceLevel: ed.ConfidenceLevel(),
	})
}

func (s *Server) getSupplierPrices(w http.ResponseWriter, r *http.Request) {
	material := chi.URLParam(r, "material")
	if strings.TrimSpace(material) == "" {
		writeError(w, http.StatusBadRequest, "material is required")
		return
	}
	writeJSON(w, http.StatusOK, s.prices.SupplierPrices(r.Context(), material, r.URL.Query().Get("region")))
}
