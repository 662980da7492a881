// Package session keeps one isolated cookie context per worker.
package session

import (
	"fmt"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/fitment-scraper/internal/clock/system"
	"github.com/JakeFAU/fitment-scraper/internal/scraper"
	"github.com/JakeFAU/fitment-scraper/internal/tokencache"
)

// Cookie names seeded from the token cache.
const (
	CookieWAFToken  = "aws-waf-token"
	CookieSessionID = "PHPSESSID"
)

// TokenSource supplies the cached bypass token and session id.
type TokenSource interface {
	Load() (tokencache.Entry, error)
}

// Context is the cookie jar owned by one worker. It is never mutated in place
// on reset; the store swaps in a fresh Context instead.
type Context struct {
	id      string
	jar     http.CookieJar
	created time.Time
}

// ID returns the session id.
func (c *Context) ID() string { return c.id }

// Jar returns the cookie jar.
func (c *Context) Jar() http.CookieJar { return c.jar }

// Created returns when the context was built.
func (c *Context) Created() time.Time { return c.created }

// SetCookie stores a cookie for rawURL's host.
func (c *Context) SetCookie(rawURL, name, value string) error {
	u, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("parse cookie url: %w", err)
	}
	c.jar.SetCookies(u, []*http.Cookie{{Name: name, Value: value, Path: "/"}})
	return nil
}

// Cookie returns the named cookie value visible to rawURL.
func (c *Context) Cookie(rawURL, name string) (string, bool) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", false
	}
	for _, ck := range c.jar.Cookies(u) {
		if ck.Name == name {
			return ck.Value, true
		}
	}
	return "", false
}

// Store maps worker ids to their contexts.
type Store struct {
	mu       sync.Mutex
	contexts map[int]*Context
	tokens   TokenSource
	seedURLs []string
	ids      scraper.IDGenerator
	clock    scraper.Clock
	logger   *zap.Logger
}

// Option configures a Store.
type Option func(*Store)

// WithTokenSource seeds new contexts with the cached cookies for seedURLs.
func WithTokenSource(tokens TokenSource, seedURLs ...string) Option {
	return func(s *Store) {
		s.tokens = tokens
		s.seedURLs = append([]string(nil), seedURLs...)
	}
}

// WithClock overrides the clock.
func WithClock(clock scraper.Clock) Option {
	return func(s *Store) { s.clock = clock }
}

// NewStore builds an empty Store.
func NewStore(ids scraper.IDGenerator, logger *zap.Logger, opts ...Option) *Store {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Store{
		contexts: make(map[int]*Context),
		ids:      ids,
		clock:    system.New(),
		logger:   logger.Named("session"),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Get returns the worker's context, creating it on first use.
func (s *Store) Get(worker int) *Context {
	s.mu.Lock()
	defer s.mu.Unlock()
	if ctx, ok := s.contexts[worker]; ok {
		return ctx
	}
	ctx := s.newContext()
	s.contexts[worker] = ctx
	return ctx
}

// Reset discards the worker's context and returns a fresh one. Other workers
// are untouched.
func (s *Store) Reset(worker int) *Context {
	s.mu.Lock()
	defer s.mu.Unlock()
	ctx := s.newContext()
	s.contexts[worker] = ctx
	s.logger.Debug("session reset", zap.Int("worker", worker), zap.String("session_id", ctx.id))
	return ctx
}

// ResetAll discards every tracked context.
func (s *Store) ResetAll() {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := len(s.contexts)
	s.contexts = make(map[int]*Context)
	s.logger.Info("all sessions reset", zap.Int("sessions", n))
}

// Len returns the number of tracked contexts.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.contexts)
}

// Handle binds a worker to its context.
func (s *Store) Handle(worker int) *Handle {
	return &Handle{store: s, worker: worker}
}

func (s *Store) newContext() *Context {
	jar, _ := cookiejar.New(nil) //nolint:errcheck // nil options never fail
	ctx := &Context{id: s.newID(), jar: jar, created: s.clock.Now()}
	s.seed(ctx)
	return ctx
}

func (s *Store) newID() string {
	if s.ids == nil {
		return fmt.Sprintf("session-%d", time.Now().UnixNano())
	}
	id, err := s.ids.NewID()
	if err != nil {
		return fmt.Sprintf("session-%d", time.Now().UnixNano())
	}
	return id
}

func (s *Store) seed(ctx *Context) {
	if s.tokens == nil || len(s.seedURLs) == 0 {
		return
	}
	entry, err := s.tokens.Load()
	if err != nil {
		s.logger.Warn("load token cache", zap.Error(err))
		return
	}
	for _, raw := range s.seedURLs {
		if entry.AWSWAFToken != "" {
			_ = ctx.SetCookie(raw, CookieWAFToken, entry.AWSWAFToken)
		}
		if entry.PHPSESSID != "" {
			_ = ctx.SetCookie(raw, CookieSessionID, entry.PHPSESSID)
		}
	}
}

// Handle is a worker's view of the store. The worker owns it from spawn time.
type Handle struct {
	store  *Store
	worker int
}

// Worker returns the bound worker id.
func (h *Handle) Worker() int { return h.worker }

// Current returns the worker's live context.
func (h *Handle) Current() *Context { return h.store.Get(h.worker) }

// Reset replaces the worker's context.
func (h *Handle) Reset() *Context { return h.store.Reset(h.worker) }

// ID implements scraper.Session with the live context's id.
func (h *Handle) ID() string { return h.Current().ID() }

// Jar implements scraper.Session with the live context's jar, so a reset is
// picked up by the next request.
func (h *Handle) Jar() http.CookieJar { return h.Current().Jar() }
