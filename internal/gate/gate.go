// Package gate detects human verification walls on fetched pages and clears
// them by solving the challenge and injecting the bypass token into the
// worker's session.
package gate

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"

	"go.uber.org/zap"

	"github.com/JakeFAU/fitment-scraper/internal/metrics"
	"github.com/JakeFAU/fitment-scraper/internal/scraper"
)

// DefaultMaxAttempts bounds fetch+solve rounds per call.
const DefaultMaxAttempts = 20

// TokenCookie is the cookie that carries the bypass token.
const TokenCookie = "aws-waf-token"

// Solver submits a challenge to an external solving service.
type Solver interface {
	Solve(ctx context.Context, ch Challenge) (Voucher, error)
}

// Exchanger trades a voucher for a site token.
type Exchanger interface {
	Exchange(ctx context.Context, ch Challenge, v Voucher) (string, error)
}

// TokenStore persists a freshly obtained token for other workers.
type TokenStore interface {
	SaveToken(token string) error
}

// Gate wraps a PageFetcher and is itself a PageFetcher.
type Gate struct {
	next        scraper.PageFetcher
	solver      Solver
	exchanger   Exchanger
	tokens      TokenStore
	maxAttempts int
	logger      *zap.Logger
}

// New builds a Gate. tokens may be nil.
func New(
	next scraper.PageFetcher,
	solver Solver,
	exchanger Exchanger,
	tokens TokenStore,
	maxAttempts int,
	logger *zap.Logger,
) *Gate {
	if logger == nil {
		logger = zap.NewNop()
	}
	if maxAttempts <= 0 {
		maxAttempts = DefaultMaxAttempts
	}
	return &Gate{
		next:        next,
		solver:      solver,
		exchanger:   exchanger,
		tokens:      tokens,
		maxAttempts: maxAttempts,
		logger:      logger.Named("gate"),
	}
}

// Fetch returns the first page that is not a verification wall. Client
// errors pass through unchanged.
func (g *Gate) Fetch(ctx context.Context, sess scraper.Session, rawURL string) (scraper.Page, error) {
	var lastErr error
	for attempt := 1; attempt <= g.maxAttempts; attempt++ {
		page, err := g.next.Fetch(ctx, sess, rawURL)
		if err != nil {
			return scraper.Page{}, err
		}
		if !IsWall(page) {
			if attempt > 1 {
				metrics.ObserveVerificationWall(metrics.OutcomeSolved)
				g.logger.Info("verification wall cleared", zap.String("url", rawURL), zap.Int("attempts", attempt))
			}
			return page, nil
		}

		metrics.ObserveVerificationWall(metrics.OutcomeBlocked)
		g.logger.Warn("verification wall detected", zap.String("url", rawURL), zap.Int("attempt", attempt))
		if err := g.clear(ctx, sess, rawURL, page); err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return scraper.Page{}, fmt.Errorf("clear verification wall: %w", ctxErr)
			}
			lastErr = err
			g.logger.Warn("verification attempt failed", zap.Int("attempt", attempt), zap.Error(err))
		}
	}
	metrics.ObserveVerificationWall(metrics.OutcomeExhausted)
	return scraper.Page{}, &scraper.HumanVerificationError{URL: rawURL, Attempts: g.maxAttempts, Err: lastErr}
}

func (g *Gate) clear(ctx context.Context, sess scraper.Session, rawURL string, page scraper.Page) error {
	if sess == nil || sess.Jar() == nil {
		return errors.New("no session to receive the token")
	}
	if g.solver == nil || g.exchanger == nil {
		return errors.New("no challenge solver configured")
	}
	if page.URL == "" {
		page.URL = rawURL
	}
	ch, err := ParseChallenge(page)
	if err != nil {
		return err
	}
	voucher, err := g.solver.Solve(ctx, ch)
	if err != nil {
		return fmt.Errorf("solve challenge: %w", err)
	}
	token, err := g.exchanger.Exchange(ctx, ch, voucher)
	if err != nil {
		return fmt.Errorf("exchange voucher: %w", err)
	}
	if token == "" {
		return errors.New("exchange voucher: empty token")
	}
	if err := InjectToken(sess, token, rawURL, page.URL); err != nil {
		return err
	}
	if g.tokens != nil {
		if err := g.tokens.SaveToken(token); err != nil {
			g.logger.Warn("persist token", zap.Error(err))
		}
	}
	return nil
}

// InjectToken sets the bypass cookie for every distinct host in urls.
func InjectToken(sess scraper.Session, token string, urls ...string) error {
	seen := make(map[string]bool)
	for _, raw := range urls {
		u, err := url.Parse(raw)
		if err != nil || u.Host == "" {
			continue
		}
		if seen[u.Host] {
			continue
		}
		seen[u.Host] = true
		root := &url.URL{Scheme: u.Scheme, Host: u.Host, Path: "/"}
		sess.Jar().SetCookies(root, []*http.Cookie{{Name: TokenCookie, Value: token, Path: "/"}})
	}
	if len(seen) == 0 {
		return fmt.Errorf("inject token: no valid url in %v", urls)
	}
	return nil
}
