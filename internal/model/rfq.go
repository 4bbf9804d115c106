package model

// RfqRequest is the payload for dispatching one stage's RFQ. An empty
// SupplierIDs list lets the backend pick suppliers.
type RfqRequest struct {
	Title          string   `json:"title" validate:"required"`
	Category       Category `json:"category" validate:"required"`
	Location       string   `json:"location"`
	Quantity       float64  `json:"quantity" validate:"gte=0"`
	Unit           string   `json:"unit"`
	Specifications string   `json:"specifications"`
	MaxBudget      *float64 `json:"maxBudget" validate:"omitempty,gte=0"`
	Deadline       *string  `json:"deadline"`
	SupplierIDs    []string `json:"supplierIds" validate:"dive,required"`
}

// CampaignStatus is the state of an RFQ broadcast.
type CampaignStatus string

const (
	CampaignActive    CampaignStatus = "ACTIVE"
	CampaignSending   CampaignStatus = "SENDING"
	CampaignCompleted CampaignStatus = "COMPLETED"
	CampaignCancelled CampaignStatus = "CANCELLED"
)

// Campaign is one RFQ broadcast created for a stage.
type Campaign struct {
	ID             string         `json:"id"`
	Title          string         `json:"title"`
	Category       Category       `json:"category"`
	Location       string         `json:"location"`
	Quantity       float64        `json:"quantity"`
	Unit           string         `json:"unit"`
	Specifications string         `json:"specifications"`
	Deadline       *string        `json:"deadline"`
	MaxBudget      *float64       `json:"maxBudget"`
	Status         CampaignStatus `json:"status"`
	TotalSent      int            `json:"totalSent"`
	TotalResponded int            `json:"totalResponded"`
	CreatedAt      Timestamp      `json:"createdAt"`
	Bids           []Bid          `json:"bids,omitempty"`
}

// Verdict classifies a bid against the market median. The zero value is
// "unclassified".
type Verdict string

const (
	VerdictNone       Verdict = ""
	VerdictGreatDeal  Verdict = "GREAT_DEAL"
	VerdictFair       Verdict = "FAIR"
	VerdictOverpriced Verdict = "OVERPRICED"
	VerdictRedFlag    Verdict = "RED_FLAG"
)

// Known reports whether v is one of the four classified verdicts.
func (v Verdict) Known() bool {
	switch v {
	case VerdictGreatDeal, VerdictFair, VerdictOverpriced, VerdictRedFlag:
		return true
	}
	return false
}

// Bid is a supplier's response to a Campaign. The analysis fields are
// computed by the external analysis service.
type Bid struct {
	ID            string    `json:"id"`
	SupplierName  string    `json:"supplierName"`
	SupplierEmail string    `json:"supplierEmail"`
	Price         float64   `json:"price"`
	Currency      string    `json:"currency"`
	TimelineDays  *int      `json:"timelineDays"`
	DeliveryDate  *string   `json:"deliveryDate"`
	Notes         string    `json:"notes"`
	Status        string    `json:"status"`
	SubmittedAt   Timestamp `json:"submittedAt"`

	PercentFromMedian  *float64 `json:"percentFromMedian,omitempty"`
	Verdict            Verdict  `json:"verdict,omitempty"`
	MarketPricePerUnit *float64 `json:"marketPricePerUnit,omitempty"`
}

// BidRanking is one entry of the server-side comparison.
type BidRanking struct {
	SupplierName string  `json:"supplierName"`
	Rank         int     `json:"rank"`
	Score        float64 `json:"score"`
	Reason       string  `json:"reason"`
}

// RiskFlag is a server-side warning about a supplier.
type RiskFlag struct {
	SupplierName string `json:"supplierName"`
	Flag         string `json:"flag"`
}

// ComparisonResult is the server-side ranking and recommendation.
type ComparisonResult struct {
	CampaignID     string       `json:"campaignId"`
	TotalBids      int          `json:"totalBids"`
	BestValue      string       `json:"bestValue"`
	Recommendation string       `json:"recommendation"`
	MinPrice       float64      `json:"minPrice"`
	MaxPrice       float64      `json:"maxPrice"`
	MedianPrice    float64      `json:"medianPrice"`
	Rankings       []BidRanking `json:"rankings"`
	RiskFlags      []RiskFlag   `json:"riskFlags"`
}
