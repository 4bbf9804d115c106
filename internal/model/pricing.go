package model

// PriceSource records whether a material price was looked up or typed in.
type PriceSource string

const (
	PriceSourceAuto   PriceSource = "AUTO"
	PriceSourceManual PriceSource = "MANUAL"
)

// MaterialLine is one material row of a PriceBreakdown.
type MaterialLine struct {
	Name         string      `json:"name"`
	Quantity     float64     `json:"quantity"`
	Unit         string      `json:"unit"`
	UnitPriceMin float64     `json:"unitPriceMin"`
	UnitPriceMax float64     `json:"unitPriceMax"`
	SupplierName string      `json:"supplierName"`
	SupplierURL  string      `json:"supplierUrl"`
	PriceSource  PriceSource `json:"priceSource"`
	LastUpdated  Timestamp   `json:"lastUpdated"`
}

// LaborCost is the labor part of a breakdown.
type LaborCost struct {
	HoursEstimate float64 `json:"hoursEstimate"`
	HourlyRateMin float64 `json:"hourlyRateMin"`
	HourlyRateMax float64 `json:"hourlyRateMax"`
	TotalMin      float64 `json:"totalMin"`
	TotalMax      float64 `json:"totalMax"`
	Source        string  `json:"source"`
}

// OtherCosts covers transport and waste disposal.
type OtherCosts struct {
	TransportMin     float64 `json:"transportMin"`
	TransportMax     float64 `json:"transportMax"`
	WasteDisposalMin float64 `json:"wasteDisposalMin"`
	WasteDisposalMax float64 `json:"wasteDisposalMax"`
	TotalMin         float64 `json:"totalMin"`
	TotalMax         float64 `json:"totalMax"`
}

// PriceBreakdown is the material/labor/other split for one category and quantity.
type PriceBreakdown struct {
	Materials         []MaterialLine `json:"materials"`
	Labor             LaborCost      `json:"labor"`
	OtherCosts        OtherCosts     `json:"otherCosts"`
	ConfidencePercent float64        `json:"confidencePercent"`
	ConfidenceLabel   string         `json:"confidenceLabel"`
	TotalMin          float64        `json:"totalMin"`
	TotalMax          float64        `json:"totalMax"`
}

// Default hourly rates shown when no breakdown could be fetched.
const (
	DefaultHourlyRateMin = 25
	DefaultHourlyRateMax = 45
)

// DefaultPriceBreakdown is rendered whenever the breakdown service fails.
// Every total is zero and the confidence is 0%.
func DefaultPriceBreakdown() PriceBreakdown {
	return PriceBreakdown{
		Materials: []MaterialLine{},
		Labor: LaborCost{
			HourlyRateMin: DefaultHourlyRateMin,
			HourlyRateMax: DefaultHourlyRateMax,
			Source:        "estimates unavailable",
		},
		ConfidenceLabel: "no data",
	}
}

// SupplierPrice is one supplier's current price for a material.
type SupplierPrice struct {
	SupplierName string    `json:"supplierName"`
	Price        float64   `json:"price"`
	URL          string    `json:"url"`
	LastUpdated  Timestamp `json:"lastUpdated"`
}

// PriceRange is a min/max pair.
type PriceRange struct {
	Min float64 `json:"min"`
	Max float64 `json:"max"`
}

// Add returns the element-wise sum.
func (r PriceRange) Add(o PriceRange) PriceRange {
	return PriceRange{Min: r.Min + o.Min, Max: r.Max + o.Max}
}
