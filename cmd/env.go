package main

import (
	"context"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/buildquote/quotecore/internal/dispatch"
	"github.com/buildquote/quotecore/internal/journal"
	"github.com/buildquote/quotecore/internal/pipeline"
	"github.com/buildquote/quotecore/internal/pricecache"
	"github.com/buildquote/quotecore/internal/resilience"
	"github.com/buildquote/quotecore/pkg/buildquote"
)

// coreEnv holds the clients and components the commands share.
type coreEnv struct {
	Client     buildquote.Client
	Journal    journal.Store
	Dispatcher *dispatch.Dispatcher
	Pipelines  *pipeline.Controller
	Prices     *pricecache.Cache
}

// Close stops polling and releases the journal.
func (e *coreEnv) Close() {
	if e.Pipelines != nil {
		e.Pipelines.Close()
	}
	if e.Journal != nil {
		_ = e.Journal.Close()
	}
}

// initEnv validates the config for mode and wires every component.
// Callers should defer env.Close().
func initEnv(ctx context.Context, mode string) (*coreEnv, error) {
	if err := cfg.Validate(mode); err != nil {
		return nil, err
	}

	st, err := journal.Open(ctx, cfg.Journal)
	if err != nil {
		return nil, err
	}

	client := newClient()

	return &coreEnv{
		Client:  client,
		Journal: st,
		Dispatcher: dispatch.New(client,
			dispatch.WithRequestTimeout(cfg.Dispatch.RequestTimeout()),
			dispatch.WithMaxConcurrent(cfg.Dispatch.MaxConcurrent),
		),
		Pipelines: pipeline.New(client,
			pipeline.WithPollInterval(cfg.Pipeline.PollInterval()),
			pipeline.WithPollTimeout(cfg.Pipeline.PollTimeout()),
			pipeline.WithSnapshotter(st),
		),
		Prices: pricecache.New(client,
			pricecache.WithFetchTimeout(cfg.Cache.FetchTimeout()),
			pricecache.WithDefaults(cfg.Cache.DefaultUnit, cfg.Cache.DefaultRegion),
		),
	}, nil
}

func newClient() buildquote.Client {
	retry := resilience.DefaultRetryConfig()
	if r := cfg.API.Retry; r.MaxAttempts > 0 {
		retry.MaxAttempts = r.MaxAttempts
		retry.InitialBackoff = msDuration(r.InitialBackoffMs)
		retry.MaxBackoff = msDuration(r.MaxBackoffMs)
	}

	opts := []buildquote.Option{
		buildquote.WithBaseURL(cfg.API.BaseURL),
		buildquote.WithLimiter(rate.NewLimiter(rate.Limit(cfg.API.RatePerSec), max(cfg.API.Burst, 1))),
		buildquote.WithRetry(retry),
		buildquote.WithBreaker(resilience.NewBreaker(resilience.BreakerConfig{
			FailureThreshold: cfg.API.Breaker.FailureThreshold,
			Cooldown:         cfg.API.Breaker.Cooldown(),
			OnStateChange: func(from, to resilience.CircuitState) {
				zap.L().Warn("buildquote: circuit state changed",
					zap.String("from", from.String()),
					zap.String("to", to.String()),
				)
			},
		})),
	}
	if cfg.API.Token != "" {
		opts = append(opts, buildquote.WithToken(cfg.API.Token))
	}
	if t := cfg.API.Timeout(); t > 0 {
		opts = append(opts, buildquote.WithHTTPClient(newHTTPClient(t)))
	}
	return buildquote.NewClient(opts...)
}
