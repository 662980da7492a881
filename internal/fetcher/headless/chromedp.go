// Package headless fetches pages that need script execution through a
// headless Chrome driven by chromedp.
package headless

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/chromedp/cdproto/emulation"
	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/chromedp"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/JakeFAU/fitment-scraper/internal/scraper"
)

// Config controls the behavior of the headless fetcher.
type Config struct {
	MaxParallel       int
	UserAgent         string
	NavigationTimeout time.Duration
	Headers           map[string]string
	// WaitSelector is awaited before the DOM is captured.
	WaitSelector string
}

// Stopper reports the process-wide stop flag.
type Stopper interface {
	Stopped() bool
}

// Fetcher implements scraper.PageFetcher using chromedp.
type Fetcher struct {
	cfg         Config
	stopper     Stopper
	slots       *semaphore.Weighted
	allocator   context.Context
	allocCancel context.CancelFunc
	logger      *zap.Logger
}

// NewChromedp creates a headless fetcher backed by chromedp. stopper may be
// nil.
func NewChromedp(cfg Config, stopper Stopper, logger *zap.Logger) (*Fetcher, error) {
	if cfg.MaxParallel < 0 {
		return nil, fmt.Errorf("max parallel must be >= 0")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.NavigationTimeout <= 0 {
		cfg.NavigationTimeout = 45 * time.Second
	}
	if cfg.WaitSelector == "" {
		cfg.WaitSelector = "body"
	}
	var slots *semaphore.Weighted
	if cfg.MaxParallel > 0 {
		slots = semaphore.NewWeighted(int64(cfg.MaxParallel))
	}

	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("headless", "new"),
		chromedp.Flag("disable-gpu", true),
		chromedp.Flag("hide-scrollbars", true),
		chromedp.Flag("enable-automation", false),
		chromedp.Flag("disable-blink-features", "AutomationControlled"),
	)
	allocCtx, allocCancel := chromedp.NewExecAllocator(context.Background(), opts...)

	return &Fetcher{
		cfg:         cfg,
		stopper:     stopper,
		slots:       slots,
		allocator:   allocCtx,
		allocCancel: allocCancel,
		logger:      logger.Named("headless"),
	}, nil
}

// Close cancels the allocator context.
func (f *Fetcher) Close() {
	f.allocCancel()
}

// Fetch navigates with the session's cookies and returns the rendered DOM.
// Cookies set by the page are copied back into the session jar. Once the stop
// flag is set it returns scraper.ErrStopped without navigating.
func (f *Fetcher) Fetch(ctx context.Context, sess scraper.Session, rawURL string) (scraper.Page, error) {
	if f.stopped() {
		return scraper.Page{}, scraper.ErrStopped
	}
	if err := f.acquire(ctx); err != nil {
		return scraper.Page{}, err
	}
	defer f.release()
	// the flag may have flipped while waiting for a slot
	if f.stopped() {
		return scraper.Page{}, scraper.ErrStopped
	}

	taskCtx, taskCancel := chromedp.NewContext(f.allocator)
	defer taskCancel()

	taskCtx, cancel := context.WithTimeout(taskCtx, f.navTimeout())
	defer cancel()
	stop := context.AfterFunc(ctx, cancel)
	defer stop()

	meta := newResponseMeta()
	chromedp.ListenTarget(taskCtx, meta.captureEvent)

	start := time.Now()
	html, finalURL, err := f.runHeadless(taskCtx, sess, rawURL)
	if err != nil {
		return scraper.Page{}, err
	}

	status, headers, responseURL := meta.snapshotWithFallbacks(rawURL, finalURL)
	if headers == nil {
		headers = http.Header{}
	}
	return scraper.Page{
		URL:        responseURL,
		StatusCode: status,
		Headers:    headers,
		Body:       []byte(html),
		Endpoint:   "headless",
		Attempts:   1,
		Duration:   time.Since(start),
	}, nil
}

func (f *Fetcher) runHeadless(ctx context.Context, sess scraper.Session, rawURL string) (string, string, error) {
	var (
		html     string
		finalURL string
	)
	actions := []chromedp.Action{
		f.networkSetupAction(sess, rawURL),
		chromedp.Navigate(rawURL),
		chromedp.WaitReady(f.cfg.WaitSelector, chromedp.ByQuery),
		chromedp.Sleep(500 * time.Millisecond),
		chromedp.Location(&finalURL),
		chromedp.OuterHTML("html", &html, chromedp.ByQuery),
		f.harvestCookiesAction(sess, rawURL),
	}
	if err := chromedp.Run(ctx, actions...); err != nil {
		return "", "", fmt.Errorf("chromedp run: %w", err)
	}
	return html, finalURL, nil
}

func (f *Fetcher) networkSetupAction(sess scraper.Session, rawURL string) chromedp.Action {
	return chromedp.ActionFunc(func(ctx context.Context) error {
		if err := network.Enable().Do(ctx); err != nil {
			return fmt.Errorf("enable network domain: %w", err)
		}
		if f.cfg.UserAgent != "" {
			if err := emulation.SetUserAgentOverride(f.cfg.UserAgent).Do(ctx); err != nil {
				return fmt.Errorf("set user-agent: %w", err)
			}
		}
		if len(f.cfg.Headers) > 0 {
			if err := network.SetExtraHTTPHeaders(toNetworkHeaders(f.cfg.Headers)).Do(ctx); err != nil {
				return fmt.Errorf("set extra headers: %w", err)
			}
		}
		if params := cookieParams(sess, rawURL); len(params) > 0 {
			if err := network.SetCookies(params).Do(ctx); err != nil {
				return fmt.Errorf("set cookies: %w", err)
			}
		}
		return nil
	})
}

func (f *Fetcher) harvestCookiesAction(sess scraper.Session, rawURL string) chromedp.Action {
	return chromedp.ActionFunc(func(ctx context.Context) error {
		if sess == nil || sess.Jar() == nil {
			return nil
		}
		cookies, err := network.GetCookies().WithURLs([]string{rawURL}).Do(ctx)
		if err != nil {
			f.logger.Debug("read browser cookies", zap.Error(err))
			return nil
		}
		storeCookies(sess, rawURL, cookies)
		return nil
	})
}

func cookieParams(sess scraper.Session, rawURL string) []*network.CookieParam {
	if sess == nil || sess.Jar() == nil {
		return nil
	}
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil
	}
	var params []*network.CookieParam
	for _, c := range sess.Jar().Cookies(u) {
		params = append(params, &network.CookieParam{
			Name:  c.Name,
			Value: c.Value,
			URL:   u.Scheme + "://" + u.Host + "/",
		})
	}
	return params
}

func storeCookies(sess scraper.Session, rawURL string, cookies []*network.Cookie) {
	u, err := url.Parse(rawURL)
	if err != nil || len(cookies) == 0 {
		return
	}
	out := make([]*http.Cookie, 0, len(cookies))
	for _, c := range cookies {
		path := c.Path
		if path == "" {
			path = "/"
		}
		out = append(out, &http.Cookie{Name: c.Name, Value: c.Value, Path: path, Secure: c.Secure, HttpOnly: c.HTTPOnly})
	}
	sess.Jar().SetCookies(u, out)
}

func (f *Fetcher) acquire(ctx context.Context) error {
	if f.slots == nil {
		return nil
	}
	if err := f.slots.Acquire(ctx, 1); err != nil {
		return fmt.Errorf("headless slot wait canceled: %w", err)
	}
	return nil
}

func (f *Fetcher) release() {
	if f.slots == nil {
		return
	}
	f.slots.Release(1)
}

type responseMeta struct {
	mu      sync.RWMutex
	status  int
	headers http.Header
	url     string
}

func newResponseMeta() *responseMeta {
	return &responseMeta{
		headers: http.Header{},
	}
}

func (m *responseMeta) capture(event *network.EventResponseReceived) {
	if event.Type != network.ResourceTypeDocument || event.Response == nil {
		return
	}
	headers := http.Header{}
	for key, value := range event.Response.Headers {
		switch v := value.(type) {
		case string:
			headers.Add(key, v)
		case []any:
			for _, entry := range v {
				headers.Add(key, fmt.Sprint(entry))
			}
		default:
			headers.Add(key, fmt.Sprint(v))
		}
	}
	m.mu.Lock()
	// keep the first document response; redirects and frames arrive later
	if m.status == 0 {
		m.status = int(event.Response.Status)
		m.headers = headers
		m.url = event.Response.URL
	}
	m.mu.Unlock()
}

func (m *responseMeta) snapshot() (int, http.Header, string) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.status, m.headers.Clone(), m.url
}

func (m *responseMeta) captureEvent(ev any) {
	if resp, ok := ev.(*network.EventResponseReceived); ok {
		m.capture(resp)
	}
}

func (m *responseMeta) snapshotWithFallbacks(requestURL, finalURL string) (int, http.Header, string) {
	status, headers, u := m.snapshot()
	switch {
	case finalURL != "":
		u = finalURL
	case u != "":
	default:
		u = requestURL
	}
	if status == 0 {
		status = http.StatusOK
	}
	return status, headers, u
}

func (f *Fetcher) stopped() bool {
	return f.stopper != nil && f.stopper.Stopped()
}

func (f *Fetcher) navTimeout() time.Duration {
	if f.cfg.NavigationTimeout > 0 {
		return f.cfg.NavigationTimeout
	}
	return 45 * time.Second
}

func toNetworkHeaders(h map[string]string) network.Headers {
	headers := network.Headers{}
	for key, value := range h {
		headers[key] = value
	}
	return headers
}
