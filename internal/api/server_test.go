package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/buildquote/quotecore/internal/dispatch"
	"github.com/buildquote/quotecore/internal/intake"
	"github.com/buildquote/quotecore/internal/model"
	"github.com/buildquote/quotecore/internal/pipeline"
	"github.com/buildquote/quotecore/internal/pricecache"
	"github.com/buildquote/quotecore/pkg/buildquote"
)

// fakeBackend answers every backend call from fixed data.
type fakeBackend struct {
	breakdownErr error
	breakdowns   atomic.Int32
	failCategory model.Category
	sendFailures atomic.Int32
	bids         []model.Bid
	comparison   *model.ComparisonResult
	pipelines    []model.Pipeline
}

func (f *fakeBackend) ParseProject(context.Context, string) (*model.ParseResult, error) {
	return &model.ParseResult{
		ProjectTitle: "Kitchen",
		Location:     "Tartu",
		Stages: []model.Stage{
			{Name: "Tiling", Category: model.CategoryTiling, Quantity: 10, Unit: "m2", PriceEstimateMin: 100, PriceEstimateMax: 300, PriceEstimateMedian: 200},
			{Name: "Wiring", Category: model.CategoryElectrical, Quantity: 1, Unit: "pcs", PriceEstimateMin: 50, PriceEstimateMax: 80, PriceEstimateMedian: 60},
		},
	}, nil
}

func (f *fakeBackend) ParseProjectFile(ctx context.Context, _ string, _ io.Reader) (*model.ParseResult, error) {
	return f.ParseProject(ctx, "")
}

func (f *fakeBackend) EstimatePrices(_ context.Context, r model.ParseResult) (*model.ParseResult, error) {
	return &r, nil
}

func (f *fakeBackend) GetPriceBreakdown(context.Context, model.Category, float64, string) (*model.PriceBreakdown, error) {
	f.breakdowns.Add(1)
	if f.breakdownErr != nil {
		return nil, f.breakdownErr
	}
	return &model.PriceBreakdown{
		Materials:         []model.MaterialLine{{Name: "Tile adhesive", Quantity: 2, UnitPriceMin: 10, UnitPriceMax: 15}},
		ConfidencePercent: 85,
	}, nil
}

func (f *fakeBackend) GetSupplierPrices(context.Context, string, string) ([]model.SupplierPrice, error) {
	return []model.SupplierPrice{{SupplierName: "Bauhof", Price: 12.5}}, nil
}

func (f *fakeBackend) SendRfq(_ context.Context, req model.RfqRequest) (*model.Campaign, error) {
	if req.Category == f.failCategory && f.sendFailures.Add(-1) >= 0 {
		return nil, errors.New("HTTP 503: unavailable")
	}
	return &model.Campaign{ID: "c-" + string(req.Category), TotalSent: 2}, nil
}

func (f *fakeBackend) GetCampaign(_ context.Context, id string) (*model.Campaign, error) {
	return &model.Campaign{ID: id}, nil
}

func (f *fakeBackend) GetCampaignBidsWithAnalysis(context.Context, string) ([]model.Bid, error) {
	return f.bids, nil
}

func (f *fakeBackend) CompareBids(context.Context, string) (*model.ComparisonResult, error) {
	if f.comparison == nil {
		return nil, errors.New("analysis unavailable")
	}
	return f.comparison, nil
}

func (f *fakeBackend) CreatePipeline(_ context.Context, projectID string) (*model.Pipeline, error) {
	return &model.Pipeline{ID: "p-new", ProjectID: &projectID, Status: model.PipelineCompleted}, nil
}

func (f *fakeBackend) GetPipeline(_ context.Context, id string) (*model.Pipeline, error) {
	for _, p := range f.pipelines {
		if p.ID == id {
			return &p, nil
		}
	}
	return nil, &buildquote.APIError{StatusCode: http.StatusNotFound, Body: "not found"}
}

func (f *fakeBackend) ListPipelines(context.Context) ([]model.Pipeline, error) {
	return f.pipelines, nil
}

func (f *fakeBackend) ListProjectPipelines(context.Context, string) ([]model.Pipeline, error) {
	return nil, &buildquote.APIError{StatusCode: http.StatusNotFound, Body: "no such endpoint"}
}

func (f *fakeBackend) ResumePipeline(context.Context, string) (string, error) { return "ok", nil }
func (f *fakeBackend) CancelPipeline(context.Context, string) (string, error) { return "ok", nil }

func newTestAPI(t *testing.T, backend *fakeBackend) *httptest.Server {
	t.Helper()
	ctrl := pipeline.New(backend, pipeline.WithPollInterval(10*time.Millisecond))
	t.Cleanup(ctrl.Close)

	d := dispatch.New(backend)
	srv := New(Config{
		Bids:           backend,
		Prices:         pricecache.New(backend),
		Pipelines:      ctrl,
		NewSession:     func() *intake.Session { return intake.New(backend, d) },
		AllowedOrigins: []string{"http://localhost:4200"},
	})
	ts := httptest.NewServer(srv.Routes())
	t.Cleanup(ts.Close)
	return ts
}

func call(t *testing.T, method, url string, body any, out any) int {
	t.Helper()
	var rdr io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		require.NoError(t, err)
		rdr = bytes.NewReader(b)
	}
	req, err := http.NewRequest(method, url, rdr)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	if out != nil && resp.StatusCode != http.StatusNoContent {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(out))
	}
	return resp.StatusCode
}

func TestHealth(t *testing.T) {
	t.Parallel()

	ts := newTestAPI(t, &fakeBackend{})
	var got map[string]string
	assert.Equal(t, http.StatusOK, call(t, http.MethodGet, ts.URL+"/health", nil, &got))
	assert.Equal(t, "ok", got["status"])
}

func TestSessionFlow(t *testing.T) {
	t.Parallel()

	ts := newTestAPI(t, &fakeBackend{})

	var sess sessionView
	require.Equal(t, http.StatusCreated, call(t, http.MethodPost, ts.URL+"/sessions", nil, &sess))
	assert.Equal(t, intake.PhaseDescribe, sess.Phase)
	base := ts.URL + "/sessions/" + sess.ID

	var errBody map[string]string
	assert.Equal(t, http.StatusBadRequest, call(t, http.MethodPost, base+"/parse", map[string]string{"description": "  "}, &errBody))
	assert.Contains(t, errBody["error"], "description")

	assert.Equal(t, http.StatusConflict, call(t, http.MethodPost, base+"/stages/0/toggle", nil, nil))

	require.Equal(t, http.StatusOK, call(t, http.MethodPost, base+"/parse", map[string]string{"description": "new kitchen"}, &sess))
	assert.Equal(t, intake.PhaseReview, sess.Phase)
	require.Len(t, sess.Stages, 2)
	require.NotNil(t, sess.Totals)
	assert.Equal(t, 150.0, sess.Totals.Min)
	assert.Equal(t, 380.0, sess.Totals.Max)

	var qty struct {
		Applied bool        `json:"applied"`
		Session sessionView `json:"session"`
	}
	require.Equal(t, http.StatusOK, call(t, http.MethodPut, base+"/stages/0/quantity", map[string]string{"value": "abc"}, &qty))
	assert.False(t, qty.Applied)
	assert.Equal(t, 10.0, qty.Session.Stages[0].Quantity)

	require.Equal(t, http.StatusOK, call(t, http.MethodPut, base+"/stages/0/quantity", map[string]string{"value": "12,5"}, &qty))
	assert.True(t, qty.Applied)
	assert.Equal(t, 12.5, qty.Session.Stages[0].Quantity)
	assert.True(t, qty.Session.Stages[0].Dirty)

	assert.Equal(t, http.StatusNotFound, call(t, http.MethodPost, base+"/stages/9/toggle", nil, nil))
	require.Equal(t, http.StatusOK, call(t, http.MethodPost, base+"/stages/1/toggle", nil, &sess))
	assert.Equal(t, 1, sess.Totals.Selected)

	require.Equal(t, http.StatusOK, call(t, http.MethodPost, base+"/confirm", nil, &sess))
	assert.Equal(t, intake.PhaseConfirmed, sess.Phase)

	var out outcomeView
	require.Equal(t, http.StatusOK, call(t, http.MethodPost, base+"/send", nil, &out))
	assert.Equal(t, dispatch.StatusSent, out.Status)
	assert.Equal(t, 2, out.SentCount)
	require.Len(t, out.Stages, 1)
	assert.Equal(t, "c-TILING", out.Stages[0].CampaignID)

	require.Equal(t, http.StatusOK, call(t, http.MethodGet, base, nil, &sess))
	assert.Equal(t, intake.PhaseSent, sess.Phase)
	require.NotNil(t, sess.Outcome)

	assert.Equal(t, http.StatusNoContent, call(t, http.MethodDelete, base, nil, nil))
	assert.Equal(t, http.StatusNotFound, call(t, http.MethodGet, base, nil, nil))
}

func TestSendPreviewRequiresSuppliers(t *testing.T) {
	t.Parallel()

	ts := newTestAPI(t, &fakeBackend{})
	var sess sessionView
	require.Equal(t, http.StatusCreated, call(t, http.MethodPost, ts.URL+"/sessions", nil, &sess))
	base := ts.URL + "/sessions/" + sess.ID
	require.Equal(t, http.StatusOK, call(t, http.MethodPost, base+"/parse", map[string]string{"description": "kitchen"}, &sess))

	body := map[string]any{"suppliers": map[string][]string{"TILING": {"s1"}}}
	var errBody map[string]string
	assert.Equal(t, http.StatusBadRequest, call(t, http.MethodPost, base+"/send", body, &errBody))
	assert.Contains(t, errBody["error"], "ELECTRICAL")
}

func TestResendFailedStages(t *testing.T) {
	t.Parallel()

	backend := &fakeBackend{failCategory: model.CategoryElectrical}
	backend.sendFailures.Store(1)
	ts := newTestAPI(t, backend)

	var sess sessionView
	require.Equal(t, http.StatusCreated, call(t, http.MethodPost, ts.URL+"/sessions", nil, &sess))
	base := ts.URL + "/sessions/" + sess.ID

	var errBody map[string]string
	assert.Equal(t, http.StatusBadRequest, call(t, http.MethodPost, base+"/resend", nil, &errBody))

	require.Equal(t, http.StatusOK, call(t, http.MethodPost, base+"/parse", map[string]string{"description": "kitchen"}, &sess))
	var out outcomeView
	require.Equal(t, http.StatusOK, call(t, http.MethodPost, base+"/send", nil, &out))
	assert.Equal(t, dispatch.StatusPartial, out.Status)
	assert.Equal(t, http.StatusBadRequest, call(t, http.MethodPost, base+"/send", nil, nil))

	require.Equal(t, http.StatusOK, call(t, http.MethodPost, base+"/resend", nil, &out))
	assert.Equal(t, dispatch.StatusSent, out.Status)
	assert.Equal(t, 4, out.SentCount)
	require.Len(t, out.Stages, 2)
	assert.Equal(t, "c-ELECTRICAL", out.Stages[1].CampaignID)

	require.Equal(t, http.StatusOK, call(t, http.MethodGet, base, nil, &sess))
	assert.Equal(t, intake.PhaseSent, sess.Phase)
	require.NotNil(t, sess.Outcome)
	assert.Equal(t, dispatch.StatusSent, sess.Outcome.Status)
}

func TestSessionIDs(t *testing.T) {
	t.Parallel()

	ts := newTestAPI(t, &fakeBackend{})
	assert.Equal(t, http.StatusBadRequest, call(t, http.MethodGet, ts.URL+"/sessions/not-a-uuid", nil, nil))
	assert.Equal(t, http.StatusNotFound, call(t, http.MethodGet, ts.URL+"/sessions/6f1c2f8e-3d4b-4a8e-9a57-1e2b3c4d5e6f", nil, nil))
}

func TestBreakdown(t *testing.T) {
	t.Parallel()

	ts := newTestAPI(t, &fakeBackend{})
	var got breakdownView
	require.Equal(t, http.StatusOK, call(t, http.MethodGet, ts.URL+"/breakdown?category=tiling&quantity=12&unit=m2", nil, &got))
	assert.Equal(t, model.PriceRange{Min: 20, Max: 30}, got.MaterialsTotal)
	assert.Equal(t, "high", got.ConfidenceLevel)

	assert.Equal(t, http.StatusBadRequest, call(t, http.MethodGet, ts.URL+"/breakdown?category=SPACE&quantity=1", nil, nil))
	assert.Equal(t, http.StatusBadRequest, call(t, http.MethodGet, ts.URL+"/breakdown?category=TILING&quantity=-1", nil, nil))
}

func TestBreakdownRejectsNonFiniteQuantity(t *testing.T) {
	t.Parallel()

	backend := &fakeBackend{}
	ts := newTestAPI(t, backend)
	for _, q := range []string{"NaN", "nan", "Inf", "-Inf", "%2BInf", "infinity"} {
		assert.Equal(t, http.StatusBadRequest, call(t, http.MethodGet, ts.URL+"/breakdown?category=TILING&quantity="+q, nil, nil), q)
	}
	assert.Zero(t, backend.breakdowns.Load())
}

func TestBreakdownFailureRendersDefault(t *testing.T) {
	t.Parallel()

	ts := newTestAPI(t, &fakeBackend{breakdownErr: errors.New("pricing down")})
	var got breakdownView
	require.Equal(t, http.StatusOK, call(t, http.MethodGet, ts.URL+"/breakdown?category=ROOFING&quantity=3", nil, &got))
	assert.Empty(t, got.Materials)
	assert.Equal(t, float64(model.DefaultHourlyRateMin), got.Labor.HourlyRateMin)
	assert.Equal(t, "low", got.ConfidenceLevel)
	assert.Zero(t, got.CalculatedTotal.Max)
}

func TestSupplierPrices(t *testing.T) {
	t.Parallel()

	ts := newTestAPI(t, &fakeBackend{})
	var got []model.SupplierPrice
	require.Equal(t, http.StatusOK, call(t, http.MethodGet, ts.URL+"/materials/tile%20adhesive/suppliers", nil, &got))
	require.Len(t, got, 1)
	assert.Equal(t, "Bauhof", got[0].SupplierName)
}

func TestRankedBids(t *testing.T) {
	t.Parallel()

	pct := -15.0
	backend := &fakeBackend{
		bids: []model.Bid{
			{ID: "b1", Price: 500},
			{ID: "b2", Price: 300, Verdict: model.VerdictGreatDeal, PercentFromMedian: &pct},
		},
		comparison: &model.ComparisonResult{TotalBids: 2, MinPrice: 300, MaxPrice: 450},
	}
	ts := newTestAPI(t, backend)

	var got rankingView
	require.Equal(t, http.StatusOK, call(t, http.MethodGet, ts.URL+"/campaigns/c1/bids?crosscheck=true", nil, &got))
	assert.Equal(t, "b2", got.BestBidID)
	assert.Equal(t, 200.0, got.PotentialSavings)
	require.Len(t, got.Bids, 2)
	assert.Equal(t, 1, got.Bids[0].Rank)
	assert.Equal(t, "Great deal", got.Bids[0].VerdictLabel)
	assert.Equal(t, "-15.0%", got.Bids[0].Deviation)
	assert.Equal(t, model.VerdictNone, got.Bids[1].Verdict)
	require.Len(t, got.Mismatches, 1)
	assert.True(t, strings.HasPrefix(got.Mismatches[0], "maxPrice"))
}

func TestPipelines(t *testing.T) {
	t.Parallel()

	proj := "proj-1"
	backend := &fakeBackend{pipelines: []model.Pipeline{{
		ID:          "p1",
		ProjectID:   &proj,
		Status:      model.PipelinePaused,
		CurrentStep: 1,
		TotalSteps:  2,
		Steps: []model.PipelineStep{
			{StepType: model.StepParseFiles, Status: model.StepCompleted},
			{StepType: model.StepValidateParse, Status: model.StepRunning},
		},
	}}}
	ts := newTestAPI(t, backend)

	var got pipelineView
	require.Equal(t, http.StatusOK, call(t, http.MethodGet, ts.URL+"/projects/proj-1/pipeline", nil, &got))
	assert.Equal(t, "p1", got.ID)
	assert.True(t, got.PausedForReview)
	assert.Equal(t, "Validate parsed data", got.CurrentLabel)
	assert.False(t, got.Polling)

	assert.Equal(t, http.StatusNotFound, call(t, http.MethodGet, ts.URL+"/projects/other/pipeline", nil, nil))
	assert.Equal(t, http.StatusNotFound, call(t, http.MethodGet, ts.URL+"/pipelines/ghost", nil, nil))

	require.Equal(t, http.StatusCreated, call(t, http.MethodPost, ts.URL+"/pipelines", map[string]string{"projectId": "proj-2"}, &got))
	assert.Equal(t, "p-new", got.ID)
	assert.Equal(t, http.StatusBadRequest, call(t, http.MethodPost, ts.URL+"/pipelines", map[string]string{}, nil))

	// p-new is COMPLETED upstream but unknown to GetPipeline, so resume
	// cannot refresh it.
	assert.Equal(t, http.StatusNotFound, call(t, http.MethodPost, ts.URL+"/pipelines/p-new/resume", nil, nil))
}

func TestCORSPreflight(t *testing.T) {
	t.Parallel()

	ts := newTestAPI(t, &fakeBackend{})
	req, err := http.NewRequest(http.MethodOptions, ts.URL+"/sessions", nil)
	require.NoError(t, err)
	req.Header.Set("Origin", "http://localhost:4200")
	req.Header.Set("Access-Control-Request-Method", http.MethodPost)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()

	assert.Equal(t, "http://localhost:4200", resp.Header.Get("Access-Control-Allow-Origin"))
}
