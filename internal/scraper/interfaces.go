package scraper

import (
	"context"
	"net/http"
	"time"
)

// Session is the cookie and token context owned by a single worker.
type Session interface {
	ID() string
	Jar() http.CookieJar
}

// PageFetcher fetches a URL within a session.
type PageFetcher interface {
	Fetch(ctx context.Context, sess Session, rawURL string) (Page, error)
}

// ErrorLogger is the append-only error audit sink.
type ErrorLogger interface {
	LogError(ctx context.Context, source string, details map[string]any, message string) error
}

// Store persists vehicle identities, their fitment rows and the error log.
type Store interface {
	ErrorLogger
	UpsertVehicleIdentity(ctx context.Context, identity VehicleIdentity) (int64, error)
	InsertFitmentRecords(ctx context.Context, identityID int64, records []FitmentRecord) (int, error)
	BackfillEnrichment(ctx context.Context, identityID int64, field, value string) (bool, error)
	SaveLeaf(ctx context.Context, result LeafResult) (int64, error)
	Exists(ctx context.Context, key Key) (bool, error)
	LastIdentity(ctx context.Context) (VehicleIdentity, bool, error)
	Close()
}

// Provider adapts one upstream site to the taxonomy walker and the workers.
type Provider interface {
	Name() string
	// Levels names the taxonomy levels top-down.
	Levels() []string
	// ListURL returns the listing URL for the children of parent.
	ListURL(parent Key) (string, error)
	// ParseListing extracts the options of the level at depth from page.
	ParseListing(depth int, page Page) ([]Option, error)
	// FetchLeaf resolves the fitment data of one leaf combination.
	FetchLeaf(ctx context.Context, fetcher PageFetcher, sess Session, leaf Leaf) (LeafResult, error)
}

// Clock returns the current time (useful for testing).
type Clock interface {
	Now() time.Time
}

// IDGenerator produces run and session ids.
type IDGenerator interface {
	NewID() (string, error)
}
