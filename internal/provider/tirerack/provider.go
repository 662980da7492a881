// Package tirerack crawls tirerack.com original and optional tire sizes.
package tirerack

import (
	"bytes"
	"context"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"net/url"
	"strings"

	"go.uber.org/zap"

	"github.com/JakeFAU/fitment-scraper/internal/provider/listing"
	"github.com/JakeFAU/fitment-scraper/internal/scraper"
)

// Name is the provider and table prefix.
const Name = "tire_rack"

// Levels of the make/year/model/clarifier taxonomy. Tire Rack lists years
// per make.
var Levels = []string{"make", "year", "model", "clarifier"}

// Enrichment is empty: the identity row carries only the key.
var Enrichment []string

// xmlTags names the ValidationServlet element of each level below make.
var xmlTags = []string{"", "year", "model", "clar"}

// Config locates the site.
type Config struct {
	BaseURL string
}

// Provider implements scraper.Provider.
type Provider struct {
	cfg         Config
	leafFetcher scraper.PageFetcher
	logger      *zap.Logger
}

// New builds the provider. leafFetcher, when set, replaces the worker's
// fetcher for the tire size page (a headless browser for script-rendered
// popups).
func New(cfg Config, leafFetcher scraper.PageFetcher, logger *zap.Logger) (*Provider, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("%s base url is required", Name)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	return &Provider{cfg: cfg, leafFetcher: leafFetcher, logger: logger.Named(Name)}, nil
}

// Name implements scraper.Provider.
func (p *Provider) Name() string { return Name }

// Levels implements scraper.Provider.
func (p *Provider) Levels() []string { return Levels }

// ListURL implements scraper.Provider.
func (p *Provider) ListURL(parent scraper.Key) (string, error) {
	switch len(parent) {
	case 0:
		return p.cfg.BaseURL + "/modalPopups/changeSearchLayer.jsp?shoppingFor=tires", nil
	case 1:
		return p.servlet(url.Values{"autoMake": {parent[0]}, "autoYearsNeeded": {"true"}}), nil
	case 2:
		return p.servlet(url.Values{"autoMake": {parent[0]}, "autoYear": {parent[1]}}), nil
	case 3:
		return p.servlet(url.Values{
			"autoMake":        {parent[0]},
			"autoYear":        {parent[1]},
			"autoModel":       {parent[2]},
			"newDesktop":      {"true"},
			"includeClarType": {"true"},
		}), nil
	default:
		return "", fmt.Errorf("key %q has no children", parent.String())
	}
}

func (p *Provider) servlet(q url.Values) string {
	return p.cfg.BaseURL + "/survey/ValidationServlet?" + q.Encode()
}

// ParseListing implements scraper.Provider.
func (p *Provider) ParseListing(depth int, page scraper.Page) ([]scraper.Option, error) {
	switch {
	case depth == 0:
		return listing.SelectOptions(page, "select#vehicle-make")
	case depth > 0 && depth < len(Levels):
		values, err := XMLValues(page.Body, xmlTags[depth])
		if err != nil {
			return nil, &scraper.ParsingError{URL: page.URL, Err: err}
		}
		out := make([]scraper.Option, len(values))
		for i, v := range values {
			out[i] = scraper.Option{Label: v}
		}
		return out, nil
	default:
		return nil, fmt.Errorf("depth %d out of range", depth)
	}
}

// FetchLeaf reads the tire size popup of one clarified vehicle.
func (p *Provider) FetchLeaf(
	ctx context.Context,
	fetcher scraper.PageFetcher,
	sess scraper.Session,
	leaf scraper.Leaf,
) (scraper.LeafResult, error) {
	if len(leaf.Key) != len(Levels) {
		return scraper.LeafResult{}, &scraper.ParsingError{Reason: fmt.Sprintf("leaf %q is not a full key", leaf.Key.String())}
	}
	if p.leafFetcher != nil {
		fetcher = p.leafFetcher
	}
	q := url.Values{
		"autoMake":    {leaf.Key[0]},
		"autoYear":    {leaf.Key[1]},
		"autoModel":   {leaf.Key[2]},
		"autoModClar": {leaf.Key[3]},
	}
	page, err := fetcher.Fetch(ctx, sess, p.cfg.BaseURL+"/register/modalbox_save_tiresize.jsp?"+q.Encode())
	if err != nil {
		return scraper.LeafResult{}, fmt.Errorf("fetch tire sizes for %q: %w", leaf.Key.String(), err)
	}
	sizes, err := ParseTireSizes(page)
	if err != nil {
		return scraper.LeafResult{}, err
	}
	p.logger.Debug("tire sizes",
		zap.String("key", leaf.Key.String()),
		zap.Int("original", len(sizes.Original)),
		zap.Int("optional", len(sizes.Optional)),
	)
	return scraper.LeafResult{
		Identity: scraper.VehicleIdentity{Provider: Name, Key: leaf.Key.Clone(), ExternalIDs: leaf.IDs},
		Records:  sizes.Records(),
	}, nil
}

// XMLValues returns the trimmed, non-empty text of every element named tag.
func XMLValues(body []byte, tag string) ([]string, error) {
	dec := xml.NewDecoder(bytes.NewReader(body))
	dec.Strict = false
	// Latin-1 declarations are read as-is; option values are ASCII.
	dec.CharsetReader = func(_ string, r io.Reader) (io.Reader, error) { return r, nil }
	var (
		out   []string
		depth int
		text  strings.Builder
	)
	for {
		tok, err := dec.Token()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("decode xml: %w", err)
		}
		switch t := tok.(type) {
		case xml.StartElement:
			if t.Name.Local == tag {
				if depth == 0 {
					text.Reset()
				}
				depth++
			}
		case xml.CharData:
			if depth > 0 {
				text.Write(t)
			}
		case xml.EndElement:
			if t.Name.Local == tag && depth > 0 {
				depth--
				if depth == 0 {
					if v := strings.TrimSpace(text.String()); v != "" {
						out = append(out, v)
					}
				}
			}
		}
	}
	return out, nil
}
