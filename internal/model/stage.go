package model

import "math"

// Category is a construction trade used to route RFQs to suppliers.
type Category string

const (
	CategoryGeneralConstruction Category = "GENERAL_CONSTRUCTION"
	CategoryElectrical          Category = "ELECTRICAL"
	CategoryPlumbing            Category = "PLUMBING"
	CategoryTiling              Category = "TILING"
	CategoryFinishing           Category = "FINISHING"
	CategoryRoofing             Category = "ROOFING"
	CategoryFacade              Category = "FACADE"
	CategoryLandscaping         Category = "LANDSCAPING"
	CategoryDemolition          Category = "DEMOLITION"
	CategoryFlooring            Category = "FLOORING"
	CategoryHVAC                Category = "HVAC"
	CategoryWindowsDoors        Category = "WINDOWS_DOORS"
	CategoryOther               Category = "OTHER"
)

// Categories lists every known trade in display order.
var Categories = []Category{
	CategoryGeneralConstruction,
	CategoryElectrical,
	CategoryPlumbing,
	CategoryTiling,
	CategoryFinishing,
	CategoryRoofing,
	CategoryFacade,
	CategoryLandscaping,
	CategoryDemolition,
	CategoryFlooring,
	CategoryHVAC,
	CategoryWindowsDoors,
	CategoryOther,
}

// Valid reports whether c is one of the known trades.
func (c Category) Valid() bool {
	for _, known := range Categories {
		if c == known {
			return true
		}
	}
	return false
}

// Stage is one selectable unit of project work. The price fields come from
// the external estimator and are expected (not guaranteed) to satisfy
// min <= median <= max.
type Stage struct {
	Name                string   `json:"name"`
	Category            Category `json:"category"`
	Quantity            float64  `json:"quantity"`
	Unit                string   `json:"unit"`
	Description         string   `json:"description"`
	Dependencies        []string `json:"dependencies,omitempty"`
	PriceEstimateMin    float64  `json:"priceEstimateMin"`
	PriceEstimateMax    float64  `json:"priceEstimateMax"`
	PriceEstimateMedian float64  `json:"priceEstimateMedian"`
	SupplierCount       int      `json:"supplierCount"`
	Selected            bool     `json:"selected"`

	// Expanded is display state only. It never affects totals or dispatch.
	Expanded bool `json:"expanded"`
}

// PriceLevel buckets the median against the max: low below 40%, medium
// below 70%, high otherwise.
func (s Stage) PriceLevel() string {
	max := s.PriceEstimateMax
	if max == 0 {
		max = 1
	}
	ratio := s.PriceEstimateMedian / max
	switch {
	case ratio < 0.4:
		return "low"
	case ratio < 0.7:
		return "medium"
	default:
		return "high"
	}
}

// MedianPosition returns where the median sits inside [min, max] as a
// percentage. A degenerate range yields 0.
func (s Stage) MedianPosition() float64 {
	span := s.PriceEstimateMax - s.PriceEstimateMin
	if span == 0 || math.IsNaN(span) {
		return 0
	}
	return (s.PriceEstimateMedian - s.PriceEstimateMin) / span * 100
}

// DependentMaterial is a whole-project material total derived from several stages.
type DependentMaterial struct {
	MaterialName  string   `json:"materialName"`
	TotalQuantity float64  `json:"totalQuantity"`
	Unit          string   `json:"unit"`
	UnitPriceMin  float64  `json:"unitPriceMin"`
	UnitPriceMax  float64  `json:"unitPriceMax"`
	TotalPriceMin float64  `json:"totalPriceMin"`
	TotalPriceMax float64  `json:"totalPriceMax"`
	SourceStages  []string `json:"sourceStages"`
}

// ParseResult is the external parser's view of a project. The core treats it
// as opaque input apart from the stages and project-level totals.
type ParseResult struct {
	ProjectTitle       string              `json:"projectTitle"`
	Location           string              `json:"location"`
	TotalBudget        *float64            `json:"totalBudget"`
	Deadline           *string             `json:"deadline"`
	Stages             []Stage             `json:"stages"`
	TotalEstimateMin   float64             `json:"totalEstimateMin"`
	TotalEstimateMax   float64             `json:"totalEstimateMax"`
	TotalSupplierCount int                 `json:"totalSupplierCount"`
	DependentMaterials []DependentMaterial `json:"dependentMaterials,omitempty"`
	MaterialsTotalMin  float64             `json:"materialsTotalMin"`
	MaterialsTotalMax  float64             `json:"materialsTotalMax"`
	GrandTotalMin      float64             `json:"grandTotalMin"`
	GrandTotalMax      float64             `json:"grandTotalMax"`
}

// Clone returns a deep copy so callers can mutate stages freely.
func (r ParseResult) Clone() ParseResult {
	out := r
	out.Stages = make([]Stage, len(r.Stages))
	for i, s := range r.Stages {
		s.Dependencies = append([]string(nil), s.Dependencies...)
		out.Stages[i] = s
	}
	out.DependentMaterials = append([]DependentMaterial(nil), r.DependentMaterials...)
	return out
}
