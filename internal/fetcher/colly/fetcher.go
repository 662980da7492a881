// Package collyfetcher implements the proxy-rotating page fetcher on gocolly.
package collyfetcher

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"time"

	"github.com/gocolly/colly/v2"
	"go.uber.org/zap"

	"github.com/JakeFAU/fitment-scraper/internal/metrics"
	"github.com/JakeFAU/fitment-scraper/internal/proxy"
	"github.com/JakeFAU/fitment-scraper/internal/scraper"
)

// DefaultHeaders are sent with every request unless overridden.
var DefaultHeaders = map[string]string{
	"Accept":          "text/html,application/xhtml+xml,application/xml;q=0.9,application/json;q=0.8,*/*;q=0.7",
	"Accept-Language": "en-US,en;q=0.9",
	"Cache-Control":   "no-cache",
}

// Config controls collector behavior.
type Config struct {
	// Source tags error log rows, usually the provider name.
	Source    string
	UserAgent string
	Timeout   time.Duration
	Headers   map[string]string
	// Validate rejects a 2xx page as a failed attempt, e.g. an empty body.
	Validate func(scraper.Page) error
}

// Pacer delays requests to a host.
type Pacer interface {
	Wait(ctx context.Context, rawURL string) error
}

// Stopper reports the process-wide stop flag.
type Stopper interface {
	Stopped() bool
}

// Fetcher implements scraper.PageFetcher with one fresh collector per attempt.
type Fetcher struct {
	cfg        Config
	rotation   *proxy.Rotation
	pacer      Pacer
	stopper    Stopper
	errLog     scraper.ErrorLogger
	logger     *zap.Logger
	transports map[string]http.RoundTripper
}

type collectorHooks interface {
	OnRequest(colly.RequestCallback)
	OnResponse(colly.ResponseCallback)
	OnError(colly.ErrorCallback)
}

// attemptResult is filled by the collector callbacks of one attempt.
type attemptResult struct {
	page   scraper.Page
	status int
	err    error
}

// New builds a Fetcher. pacer, stopper and errLog may be nil.
func New(
	cfg Config,
	rotation *proxy.Rotation,
	pacer Pacer,
	stopper Stopper,
	errLog scraper.ErrorLogger,
	logger *zap.Logger,
) *Fetcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.Validate == nil {
		cfg.Validate = requireBody
	}
	if rotation == nil {
		rotation, _ = proxy.NewRotation(nil, "", "", 0) //nolint:errcheck // no endpoints to parse
	}
	transports := make(map[string]http.RoundTripper)
	for _, ep := range rotation.Endpoints() {
		transports[ep.String()] = newHTTPTransport(ep)
	}
	return &Fetcher{
		cfg:        cfg,
		rotation:   rotation,
		pacer:      pacer,
		stopper:    stopper,
		errLog:     errLog,
		logger:     logger.Named("client"),
		transports: transports,
	}
}

// Fetch walks the attempt schedule until one attempt returns a valid 2xx page.
// Exhaustion is logged to the error log and reported as *scraper.APIError.
func (f *Fetcher) Fetch(ctx context.Context, sess scraper.Session, rawURL string) (scraper.Page, error) {
	schedule := f.rotation.Schedule()
	start := time.Now()
	host := hostOf(rawURL)

	var (
		lastErr      error
		lastStatus   int
		lastEndpoint string
	)
	for i, ep := range schedule {
		attempt := i + 1
		if f.stopped() {
			return scraper.Page{}, scraper.ErrStopped
		}
		if err := ctx.Err(); err != nil {
			return scraper.Page{}, fmt.Errorf("fetch %s: %w", rawURL, err)
		}
		if f.pacer != nil {
			if err := f.pacer.Wait(ctx, rawURL); err != nil {
				return scraper.Page{}, fmt.Errorf("fetch %s: %w", rawURL, err)
			}
		}

		res, err := f.attempt(ctx, sess, ep, rawURL)
		if err == nil {
			err = f.cfg.Validate(res.page)
		}
		if err == nil {
			res.page.Attempts = attempt
			res.page.Duration = time.Since(start)
			metrics.ObserveFetchAttempt(host, metrics.OutcomeSuccess)
			metrics.ObserveFetch(host, res.page.Duration)
			return res.page, nil
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return scraper.Page{}, fmt.Errorf("fetch %s: %w", rawURL, ctxErr)
		}

		lastErr, lastStatus, lastEndpoint = err, res.status, ep.String()
		metrics.ObserveFetchAttempt(host, metrics.OutcomeFailure)
		f.logger.Debug("fetch attempt failed",
			zap.String("url", rawURL),
			zap.String("endpoint", lastEndpoint),
			zap.Int("attempt", attempt),
			zap.Int("status", lastStatus),
			zap.Error(err),
		)
	}

	metrics.ObserveFetchAttempt(host, metrics.OutcomeExhausted)
	apiErr := &scraper.APIError{
		URL:      rawURL,
		Endpoint: lastEndpoint,
		Status:   lastStatus,
		Attempts: len(schedule),
		Err:      lastErr,
	}
	f.logger.Warn("fetch exhausted",
		zap.String("url", rawURL),
		zap.String("endpoint", lastEndpoint),
		zap.Int("status", lastStatus),
		zap.Int("attempts", len(schedule)),
	)
	f.recordExhaustion(ctx, apiErr)
	return scraper.Page{}, apiErr
}

func (f *Fetcher) recordExhaustion(ctx context.Context, apiErr *scraper.APIError) {
	if f.errLog == nil {
		return
	}
	details := map[string]any{
		"op":       "fetch",
		"url":      apiErr.URL,
		"endpoint": apiErr.Endpoint,
		"status":   apiErr.Status,
		"attempts": apiErr.Attempts,
	}
	if err := f.errLog.LogError(ctx, f.cfg.Source, details, apiErr.Error()); err != nil {
		f.logger.Error("record fetch failure", zap.Error(err))
	}
}

func (f *Fetcher) attempt(
	ctx context.Context,
	sess scraper.Session,
	ep proxy.Endpoint,
	rawURL string,
) (attemptResult, error) {
	var res attemptResult
	collector := f.buildCollector(sess, ep, &res)
	if err := f.runCollector(ctx, collector, rawURL, &res); err != nil {
		if ctx.Err() != nil {
			// the visit goroutine may still be writing res
			return attemptResult{}, err
		}
		return res, err
	}
	res.page.Endpoint = ep.String()
	return res, nil
}

func (f *Fetcher) buildCollector(sess scraper.Session, ep proxy.Endpoint, res *attemptResult) *colly.Collector {
	collector := colly.NewCollector(colly.Async(false))
	collector.UserAgent = f.cfg.UserAgent
	collector.SetRequestTimeout(f.cfg.Timeout)
	transport, ok := f.transports[ep.String()]
	if !ok {
		transport = newHTTPTransport(ep)
	}
	collector.WithTransport(transport)
	if sess != nil && sess.Jar() != nil {
		collector.SetCookieJar(sess.Jar())
	}
	f.configureCollectorHooks(collector, res)
	return collector
}

func (f *Fetcher) configureCollectorHooks(hooks collectorHooks, res *attemptResult) {
	hooks.OnRequest(func(r *colly.Request) {
		f.copyHeaders(r)
	})

	hooks.OnResponse(func(r *colly.Response) {
		res.status = r.StatusCode
		res.page = scraper.Page{
			URL:        r.Request.URL.String(),
			StatusCode: r.StatusCode,
			Headers:    r.Headers.Clone(),
			Body:       append([]byte(nil), r.Body...),
		}
	})

	hooks.OnError(func(r *colly.Response, err error) {
		if r != nil {
			res.status = r.StatusCode
		}
		res.err = err
	})
}

func (f *Fetcher) runCollector(ctx context.Context, collector *colly.Collector, rawURL string, res *attemptResult) error {
	done := make(chan error, 1)
	go func() {
		done <- collector.Visit(rawURL)
	}()

	select {
	case <-ctx.Done():
		return fmt.Errorf("colly fetch canceled: %w", ctx.Err())
	case err := <-done:
		if err != nil {
			return fmt.Errorf("colly visit failed: %w", err)
		}
		if res.err != nil {
			return fmt.Errorf("colly response failed: %w", res.err)
		}
		if res.status < 200 || res.status > 299 {
			return fmt.Errorf("unexpected status %d", res.status)
		}
		return nil
	}
}

func (f *Fetcher) copyHeaders(r *colly.Request) {
	for key, value := range DefaultHeaders {
		if r.Headers.Get(key) == "" {
			r.Headers.Set(key, value)
		}
	}
	for key, value := range f.cfg.Headers {
		r.Headers.Set(key, value)
	}
}

func (f *Fetcher) stopped() bool {
	return f.stopper != nil && f.stopper.Stopped()
}

func requireBody(page scraper.Page) error {
	if len(page.Body) == 0 {
		return errors.New("empty response body")
	}
	return nil
}

func hostOf(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil || u.Hostname() == "" {
		return "unknown"
	}
	return u.Hostname()
}

func newHTTPTransport(ep proxy.Endpoint) *http.Transport {
	proxyFunc := http.ProxyFromEnvironment
	if !ep.IsDirect() {
		proxyFunc = http.ProxyURL(ep.URL)
	}
	return &http.Transport{
		Proxy: proxyFunc,
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout:   15 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
		MaxIdleConns:          100,
		IdleConnTimeout:       90 * time.Second,
	}
}
