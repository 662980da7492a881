package supervisor

import (
	"context"
	"errors"
	"strings"

	"github.com/JakeFAU/fitment-scraper/internal/scraper"
)

// Kind is the failure class of a worker error.
type Kind int

// Failure classes.
const (
	KindTransient Kind = iota
	KindParse
	KindDataIntegrity
	KindAntiBot
	KindPersistence
	KindSession
	KindStopped
)

func (k Kind) String() string {
	switch k {
	case KindTransient:
		return "transient"
	case KindParse:
		return "parse"
	case KindDataIntegrity:
		return "data_integrity"
	case KindAntiBot:
		return "anti_bot"
	case KindPersistence:
		return "persistence"
	case KindSession:
		return "session"
	case KindStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// NeedsRestart reports whether the kind goes to the restart path.
func (k Kind) NeedsRestart() bool {
	return k == KindAntiBot || k == KindPersistence || k == KindSession
}

// DefaultFatalKeywords mark an untyped error as session-fatal.
var DefaultFatalKeywords = []string{
	"session expired",
	"session",
	"captcha",
	"aws waf",
	"authentication",
	"login",
	"token",
	"forbidden",
	"connection reset",
	"timeout",
	"network",
	"ssl",
	"certificate",
	"conn closed",
	"not bound to a session",
}

// Classifier maps errors to kinds.
type Classifier struct {
	keywords []string
}

// NewClassifier adds extra keywords to the defaults.
func NewClassifier(extra ...string) *Classifier {
	keywords := append([]string(nil), DefaultFatalKeywords...)
	for _, kw := range extra {
		if kw = strings.ToLower(strings.TrimSpace(kw)); kw != "" {
			keywords = append(keywords, kw)
		}
	}
	return &Classifier{keywords: keywords}
}

// Classify checks the typed errors first and falls back to keyword matching.
func (c *Classifier) Classify(err error) Kind {
	if err == nil {
		return KindTransient
	}
	var (
		splice  *scraper.DataSplicingError
		parse   *scraper.ParsingError
		human   *scraper.HumanVerificationError
		persist *scraper.PersistError
		api     *scraper.APIError
	)
	switch {
	case errors.Is(err, scraper.ErrStopped), errors.Is(err, context.Canceled):
		return KindStopped
	case errors.As(err, &splice):
		return KindDataIntegrity
	case errors.As(err, &human):
		return KindAntiBot
	case errors.As(err, &persist):
		return KindPersistence
	case errors.As(err, &parse):
		return KindParse
	case errors.As(err, &api):
		return KindTransient
	}

	msg := strings.ToLower(err.Error())
	for _, kw := range c.keywords {
		if strings.Contains(msg, kw) {
			return KindSession
		}
	}
	return KindTransient
}
