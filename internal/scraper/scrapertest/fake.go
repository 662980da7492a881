// Package scrapertest provides in-memory providers and fetchers for tests.
package scrapertest

import (
	"context"
	"net/http"
	"net/url"
	"strings"
	"sync"

	"github.com/JakeFAU/fitment-scraper/internal/scraper"
)

const scheme = "fake://"

// Tree maps a parent key string ("" for the root) to its child labels.
type Tree map[string][]string

// Provider serves a Tree as a taxonomy.
type Provider struct {
	ProviderName string
	LevelNames   []string
	Tree         Tree
	// IDs attaches identifiers to options, keyed by the option's full key.
	IDs map[string]map[string]string
	// LeafFunc overrides the default leaf result.
	LeafFunc func(leaf scraper.Leaf) (scraper.LeafResult, error)

	mu        sync.Mutex
	leafCalls map[string]int
}

// NewProvider returns a five-level provider named "fake".
func NewProvider(tree Tree) *Provider {
	return &Provider{
		ProviderName: "fake",
		LevelNames:   []string{"year", "make", "model", "trim", "drive"},
		Tree:         tree,
	}
}

// Name implements scraper.Provider.
func (p *Provider) Name() string { return p.ProviderName }

// Levels implements scraper.Provider.
func (p *Provider) Levels() []string { return p.LevelNames }

// ListURL implements scraper.Provider.
func (p *Provider) ListURL(parent scraper.Key) (string, error) {
	return scheme + url.PathEscape(parent.String()), nil
}

// ParseListing implements scraper.Provider.
func (p *Provider) ParseListing(_ int, page scraper.Page) ([]scraper.Option, error) {
	key, err := url.PathUnescape(strings.TrimPrefix(page.URL, scheme))
	if err != nil {
		return nil, &scraper.ParsingError{URL: page.URL, Err: err}
	}
	labels := p.Tree[key]
	out := make([]scraper.Option, 0, len(labels))
	for _, label := range labels {
		full := label
		if key != "" {
			full = key + scraper.KeySeparator + label
		}
		out = append(out, scraper.Option{Label: label, IDs: p.IDs[full]})
	}
	return out, nil
}

// FetchLeaf implements scraper.Provider.
func (p *Provider) FetchLeaf(_ context.Context, _ scraper.PageFetcher, _ scraper.Session, leaf scraper.Leaf) (scraper.LeafResult, error) {
	p.mu.Lock()
	if p.leafCalls == nil {
		p.leafCalls = make(map[string]int)
	}
	p.leafCalls[leaf.Key.String()]++
	p.mu.Unlock()

	if p.LeafFunc != nil {
		return p.LeafFunc(leaf)
	}
	return scraper.LeafResult{
		Identity: scraper.VehicleIdentity{Provider: p.ProviderName, Key: leaf.Key.Clone(), ExternalIDs: leaf.IDs},
		Records: []scraper.FitmentRecord{{
			Position: scraper.PositionFront,
			Diameter: scraper.FitmentRange{Min: "17", Max: "20"},
		}},
	}, nil
}

// LeafCalls returns how often FetchLeaf ran for key.
func (p *Provider) LeafCalls(key string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.leafCalls[key]
}

// Fetcher echoes the URL back as the page and records every call.
type Fetcher struct {
	mu    sync.Mutex
	calls []string
	// Errors fails specific URLs.
	Errors map[string]error
}

// Fetch implements scraper.PageFetcher.
func (f *Fetcher) Fetch(_ context.Context, _ scraper.Session, rawURL string) (scraper.Page, error) {
	f.mu.Lock()
	f.calls = append(f.calls, rawURL)
	err := f.Errors[rawURL]
	f.mu.Unlock()
	if err != nil {
		return scraper.Page{}, err
	}
	return scraper.Page{URL: rawURL, StatusCode: http.StatusOK, Body: []byte(rawURL)}, nil
}

// Calls returns the fetched URLs in order.
func (f *Fetcher) Calls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

// URLFor returns the listing URL the fake provider uses for parent.
func URLFor(parent ...string) string {
	return scheme + url.PathEscape(scraper.Key(parent).String())
}
