package buildquote

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/time/rate"

	"github.com/buildquote/quotecore/internal/model"
	"github.com/buildquote/quotecore/internal/resilience"
)

func fastRetry() resilience.RetryConfig {
	return resilience.RetryConfig{MaxAttempts: 3, InitialBackoff: time.Millisecond, MaxBackoff: 2 * time.Millisecond}
}

func newTestServer(t *testing.T, handler http.HandlerFunc, opts ...Option) Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	opts = append([]Option{WithBaseURL(srv.URL), WithToken("test-token"), WithRetry(fastRetry())}, opts...)
	return NewClient(opts...)
}

func TestParseProject(t *testing.T) {
	c := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/projects/parse", r.URL.Path)
		assert.Equal(t, "Bearer test-token", r.Header.Get("Authorization"))
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		assert.NotEmpty(t, r.Header.Get("Idempotency-Key"))

		var req parseRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "renovate bathroom", req.Description)

		json.NewEncoder(w).Encode(model.ParseResult{
			ProjectTitle: "Bathroom",
			Stages:       []model.Stage{{Name: "Tiling", Category: model.CategoryTiling, Quantity: 12}},
		})
	})

	got, err := c.ParseProject(context.Background(), "renovate bathroom")
	require.NoError(t, err)
	assert.Equal(t, "Bathroom", got.ProjectTitle)
	require.Len(t, got.Stages, 1)
	assert.Equal(t, model.CategoryTiling, got.Stages[0].Category)
}

func TestParseProjectFile(t *testing.T) {
	c := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/projects/parse-file", r.URL.Path)
		require.NoError(t, r.ParseMultipartForm(1<<20))
		f, hdr, err := r.FormFile("file")
		require.NoError(t, err)
		defer f.Close()
		body, _ := io.ReadAll(f)
		assert.Equal(t, "plan.pdf", hdr.Filename)
		assert.Equal(t, "PDFDATA", string(body))

		w.Write([]byte(`{"projectTitle":"From file","stages":[]}`))
	})

	got, err := c.ParseProjectFile(context.Background(), "plan.pdf", strings.NewReader("PDFDATA"))
	require.NoError(t, err)
	assert.Equal(t, "From file", got.ProjectTitle)
}

func TestGetPriceBreakdownQuery(t *testing.T) {
	c := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodGet, r.Method)
		assert.Equal(t, "/prices/breakdown", r.URL.Path)
		assert.Equal(t, "TILING", r.URL.Query().Get("category"))
		assert.Equal(t, "12.5", r.URL.Query().Get("quantity"))
		assert.Equal(t, "m2", r.URL.Query().Get("unit"))
		assert.Empty(t, r.Header.Get("Idempotency-Key"))

		w.Write([]byte(`{"materials":[{"name":"Tile adhesive","quantity":3,"unitPriceMin":8,"unitPriceMax":12,"priceSource":"AUTO"}],"confidencePercent":72}`))
	})

	got, err := c.GetPriceBreakdown(context.Background(), model.CategoryTiling, 12.5, "m2")
	require.NoError(t, err)
	require.Len(t, got.Materials, 1)
	assert.Equal(t, model.PriceSourceAuto, got.Materials[0].PriceSource)
	assert.InDelta(t, 72, got.ConfidencePercent, 0.001)
}

func TestGetSupplierPricesEscapesMaterial(t *testing.T) {
	c := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/materials/tile adhesive/suppliers", r.URL.Path)
		assert.Equal(t, "/materials/tile%20adhesive/suppliers", r.URL.EscapedPath())
		assert.Equal(t, "estonia", r.URL.Query().Get("region"))
		w.Write([]byte(`[{"supplierName":"Bauhof","price":9.5,"lastUpdated":"2025-02-01T08:00:00"}]`))
	})

	got, err := c.GetSupplierPrices(context.Background(), "tile adhesive", "estonia")
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "Bauhof", got[0].SupplierName)
	assert.Equal(t, 2025, got[0].LastUpdated.Year())
}

func TestSendRfqIsNotRetried(t *testing.T) {
	var calls atomic.Int32
	c := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		assert.Equal(t, "/rfq/send", r.URL.Path)

		var req map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, []any{}, req["supplierIds"])
		assert.Nil(t, req["deadline"])

		w.WriteHeader(http.StatusServiceUnavailable)
	})

	_, err := c.SendRfq(context.Background(), model.RfqRequest{Title: "Tiling - Bathroom", Category: model.CategoryTiling})
	require.Error(t, err)
	assert.Equal(t, int32(1), calls.Load())
	assert.True(t, resilience.IsTransient(err))
}

func TestSendRfqDecodesCampaign(t *testing.T) {
	c := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"id":"c-1","status":"ACTIVE","totalSent":4,"createdAt":"2025-03-01T10:00:00.5"}`))
	})

	got, err := c.SendRfq(context.Background(), model.RfqRequest{Title: "x", Category: model.CategoryOther})
	require.NoError(t, err)
	assert.Equal(t, "c-1", got.ID)
	assert.Equal(t, 4, got.TotalSent)
	assert.Equal(t, model.CampaignActive, got.Status)
}

func TestGetRetriesTransientStatus(t *testing.T) {
	var calls atomic.Int32
	c := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.Write([]byte(`{"id":"p-1","status":"RUNNING","totalSteps":0,"steps":[]}`))
	})

	got, err := c.GetPipeline(context.Background(), "p-1")
	require.NoError(t, err)
	assert.Equal(t, model.PipelineRunning, got.Status)
	assert.Equal(t, int32(3), calls.Load())
}

func TestGetDoesNotRetryClientErrors(t *testing.T) {
	var calls atomic.Int32
	c := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusNotFound)
		w.Write([]byte(`{"error":"not found"}`))
	})

	_, err := c.GetPipeline(context.Background(), "missing")
	require.Error(t, err)
	assert.Equal(t, int32(1), calls.Load())
	assert.True(t, IsNotFound(err))

	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, 404, apiErr.StatusCode)
	assert.Contains(t, apiErr.Body, "not found")
}

func TestPipelineEndpoints(t *testing.T) {
	c := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.Method == http.MethodPost && r.URL.Path == "/pipelines":
			var req createPipelineRequest
			require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
			assert.Equal(t, "proj-1", req.ProjectID)
			w.Write([]byte(`{"id":"p-1","projectId":"proj-1","status":"CREATED"}`))
		case r.URL.Path == "/pipelines":
			w.Write([]byte(`[{"id":"p-1"},{"id":"p-2"}]`))
		case r.URL.Path == "/pipelines/project/proj-1":
			w.Write([]byte(`[{"id":"p-1","projectId":"proj-1"}]`))
		case r.URL.Path == "/pipelines/p-1/resume":
			assert.Equal(t, http.MethodPost, r.Method)
			w.Write([]byte(`{"message":"Pipeline resumed"}`))
		case r.URL.Path == "/pipelines/p-1/cancel":
			w.Write([]byte(`{"message":"Pipeline cancelled"}`))
		default:
			t.Errorf("unexpected %s %s", r.Method, r.URL.Path)
			w.WriteHeader(http.StatusTeapot)
		}
	})
	ctx := context.Background()

	p, err := c.CreatePipeline(ctx, "proj-1")
	require.NoError(t, err)
	assert.True(t, p.BelongsTo("proj-1"))

	all, err := c.ListPipelines(ctx)
	require.NoError(t, err)
	assert.Len(t, all, 2)

	mine, err := c.ListProjectPipelines(ctx, "proj-1")
	require.NoError(t, err)
	assert.Len(t, mine, 1)

	msg, err := c.ResumePipeline(ctx, "p-1")
	require.NoError(t, err)
	assert.Equal(t, "Pipeline resumed", msg)

	msg, err = c.CancelPipeline(ctx, "p-1")
	require.NoError(t, err)
	assert.Equal(t, "Pipeline cancelled", msg)
}

func TestBidEndpoints(t *testing.T) {
	c := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/rfq/c-1/bids":
			w.Write([]byte(`[{"id":"b-1","price":1200,"verdict":"FAIR","percentFromMedian":4.5}]`))
		case "/analysis/campaign/c-1/compare":
			w.Write([]byte(`{"campaignId":"c-1","totalBids":1,"minPrice":1200,"maxPrice":1200}`))
		case "/campaigns/c-1":
			w.Write([]byte(`{"id":"c-1","totalSent":3,"totalResponded":1}`))
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	})
	ctx := context.Background()

	bids, err := c.GetCampaignBidsWithAnalysis(ctx, "c-1")
	require.NoError(t, err)
	require.Len(t, bids, 1)
	assert.Equal(t, model.VerdictFair, bids[0].Verdict)
	require.NotNil(t, bids[0].PercentFromMedian)

	cmp, err := c.CompareBids(ctx, "c-1")
	require.NoError(t, err)
	assert.Equal(t, 1, cmp.TotalBids)

	camp, err := c.GetCampaign(ctx, "c-1")
	require.NoError(t, err)
	assert.Equal(t, 1, camp.TotalResponded)
}

func TestNoTokenOmitsAuthorization(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Empty(t, r.Header.Get("Authorization"))
		w.Write([]byte(`[]`))
	}))
	t.Cleanup(srv.Close)

	c := NewClient(WithBaseURL(srv.URL))
	_, err := c.ListPipelines(context.Background())
	require.NoError(t, err)
}

func TestLimiterRespectsContext(t *testing.T) {
	c := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`[]`))
	}, WithLimiter(rate.NewLimiter(rate.Every(time.Hour), 1)))

	_, err := c.ListPipelines(context.Background())
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = c.ListPipelines(ctx)
	assert.Error(t, err)
}

func TestDecodeError(t *testing.T) {
	c := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{not json`))
	})

	_, err := c.GetCampaign(context.Background(), "c-1")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "decode response")
}

func TestBreakerFailsFastWhileBackendIsDown(t *testing.T) {
	var calls atomic.Int32
	c := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusServiceUnavailable)
	}, WithBreaker(resilience.NewBreaker(resilience.BreakerConfig{FailureThreshold: 2, Cooldown: time.Hour})))

	_, err := c.GetPipeline(context.Background(), "p-1")
	require.ErrorIs(t, err, resilience.ErrCircuitOpen, "third attempt is rejected locally")
	assert.Equal(t, int32(2), calls.Load())

	_, err = c.SendRfq(context.Background(), model.RfqRequest{Title: "Tiling", Category: model.CategoryTiling})
	require.ErrorIs(t, err, resilience.ErrCircuitOpen)
	assert.Equal(t, int32(2), calls.Load())
}

func TestBreakerIgnoresClientErrors(t *testing.T) {
	var calls atomic.Int32
	c := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusNotFound)
	}, WithBreaker(resilience.NewBreaker(resilience.BreakerConfig{FailureThreshold: 1, Cooldown: time.Hour})))

	for range 3 {
		_, err := c.GetPipeline(context.Background(), "missing")
		require.True(t, IsNotFound(err))
	}
	assert.Equal(t, int32(3), calls.Load())
}
