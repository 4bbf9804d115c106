// Package buildquote is a client for the quoting backend: project parsing,
// price estimation, RFQ campaigns, bid analysis and the pipeline engine.
package buildquote

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/buildquote/quotecore/internal/model"
	"github.com/buildquote/quotecore/internal/resilience"
)

const defaultBaseURL = "http://localhost:8080/api"

// Client defines the quoting backend operations used by the core.
type Client interface {
	ProjectService
	PricingService
	RfqService
	PipelineService
}

// ProjectService parses and prices project descriptions.
type ProjectService interface {
	ParseProject(ctx context.Context, description string) (*model.ParseResult, error)
	ParseProjectFile(ctx context.Context, filename string, r io.Reader) (*model.ParseResult, error)
	EstimatePrices(ctx context.Context, result model.ParseResult) (*model.ParseResult, error)
}

// PricingService looks up price breakdowns and supplier prices.
type PricingService interface {
	GetPriceBreakdown(ctx context.Context, category model.Category, quantity float64, unit string) (*model.PriceBreakdown, error)
	GetSupplierPrices(ctx context.Context, material, region string) ([]model.SupplierPrice, error)
}

// RfqService sends RFQs and reads their bids.
type RfqService interface {
	SendRfq(ctx context.Context, req model.RfqRequest) (*model.Campaign, error)
	GetCampaign(ctx context.Context, id string) (*model.Campaign, error)
	GetCampaignBidsWithAnalysis(ctx context.Context, campaignID string) ([]model.Bid, error)
	CompareBids(ctx context.Context, campaignID string) (*model.ComparisonResult, error)
}

// PipelineService drives the server-side pipeline engine.
type PipelineService interface {
	CreatePipeline(ctx context.Context, projectID string) (*model.Pipeline, error)
	GetPipeline(ctx context.Context, id string) (*model.Pipeline, error)
	ListPipelines(ctx context.Context) ([]model.Pipeline, error)
	ListProjectPipelines(ctx context.Context, projectID string) ([]model.Pipeline, error)
	ResumePipeline(ctx context.Context, id string) (string, error)
	CancelPipeline(ctx context.Context, id string) (string, error)
}

// APIError is returned when the backend responds with a non-2xx status.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("buildquote: HTTP %d: %s", e.StatusCode, e.Body)
}

// IsNotFound reports whether err carries a 404 from the backend.
func IsNotFound(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusNotFound
}

// Option configures the httpClient.
type Option func(*httpClient)

// WithBaseURL overrides the default base URL.
func WithBaseURL(url string) Option {
	return func(c *httpClient) {
		c.baseURL = url
	}
}

// WithHTTPClient sets a custom *http.Client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *httpClient) {
		c.http = hc
	}
}

// WithToken sets the Bearer token sent on every request.
func WithToken(token string) Option {
	return func(c *httpClient) {
		c.token = token
	}
}

// WithLimiter replaces the shared rate limiter. A nil limiter disables throttling.
func WithLimiter(l *rate.Limiter) Option {
	return func(c *httpClient) {
		c.limiter = l
	}
}

// WithRetry sets the retry policy for GET requests.
func WithRetry(cfg resilience.RetryConfig) Option {
	return func(c *httpClient) {
		c.retry = cfg
	}
}

// WithBreaker replaces the circuit breaker in front of every request. A nil
// breaker disables it.
func WithBreaker(b *resilience.Breaker) Option {
	return func(c *httpClient) {
		c.breaker = b
	}
}

// httpClient implements Client using net/http.
type httpClient struct {
	baseURL string
	token   string
	http    *http.Client
	limiter *rate.Limiter
	retry   resilience.RetryConfig
	breaker *resilience.Breaker
}

// NewClient creates a new backend client.
func NewClient(opts ...Option) Client {
	c := &httpClient{
		baseURL: defaultBaseURL,
		http: &http.Client{
			Timeout: 30 * time.Second,
			Transport: &http.Transport{
				MaxIdleConnsPerHost: 20,
				IdleConnTimeout:     90 * time.Second,
			},
		},
		limiter: rate.NewLimiter(10, 10),
		retry:   resilience.DefaultRetryConfig(),
		breaker: resilience.NewBreaker(resilience.DefaultBreakerConfig()),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.retry.OnRetry == nil {
		c.retry.OnRetry = resilience.RetryLogger("buildquote")
	}
	return c
}

func (c *httpClient) wait(ctx context.Context) error {
	if c.limiter == nil {
		return nil
	}
	return eris.Wrap(c.limiter.Wait(ctx), "rate limit")
}

// get issues an idempotent GET, retrying transient failures.
func (c *httpClient) get(ctx context.Context, path string, out any) error {
	return resilience.Do(ctx, c.retry, func(ctx context.Context) error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
		if err != nil {
			return eris.Wrap(err, "create request")
		}
		return c.do(req, out)
	})
}

// post issues a single POST. POSTs create campaigns and pipelines, so they
// are never retried; the idempotency key lets the backend spot duplicates a
// caller sends on its own.
func (c *httpClient) post(ctx context.Context, path string, body any, out any) error {
	var rd io.Reader
	if body != nil {
		buf, err := json.Marshal(body)
		if err != nil {
			return eris.Wrap(err, "marshal request")
		}
		rd = bytes.NewReader(buf)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, rd)
	if err != nil {
		return eris.Wrap(err, "create request")
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Idempotency-Key", uuid.NewString())
	return c.do(req, out)
}

func (c *httpClient) postMultipart(ctx context.Context, path, field, filename string, r io.Reader, out any) error {
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	part, err := mw.CreateFormFile(field, filename)
	if err != nil {
		return eris.Wrap(err, "create form file")
	}
	if _, err := io.Copy(part, r); err != nil {
		return eris.Wrap(err, "copy file")
	}
	if err := mw.Close(); err != nil {
		return eris.Wrap(err, "close multipart")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, &buf)
	if err != nil {
		return eris.Wrap(err, "create request")
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())
	req.Header.Set("Idempotency-Key", uuid.NewString())
	return c.do(req, out)
}

func (c *httpClient) do(req *http.Request, out any) error {
	if err := c.wait(req.Context()); err != nil {
		return err
	}
	if c.breaker == nil {
		return c.exchange(req, out)
	}
	return c.breaker.Execute(req.Context(), func(context.Context) error {
		return c.exchange(req, out)
	})
}

func (c *httpClient) exchange(req *http.Request, out any) error {
	req.Header.Set("Accept", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		return eris.Wrap(err, "execute request")
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return eris.Wrap(err, "read response body")
	}

	zap.L().Debug("buildquote: request",
		zap.String("method", req.Method),
		zap.String("path", req.URL.Path),
		zap.Int("status", resp.StatusCode),
		zap.Duration("elapsed", time.Since(start)),
	)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		apiErr := &APIError{StatusCode: resp.StatusCode, Body: string(data)}
		if resilience.IsTransientHTTPStatus(resp.StatusCode) {
			return resilience.NewTransientError(apiErr, resp.StatusCode)
		}
		return apiErr
	}

	if out == nil || len(bytes.TrimSpace(data)) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return eris.Wrap(err, "decode response")
	}
	return nil
}
