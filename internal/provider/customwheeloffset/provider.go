// Package customwheeloffset crawls customwheeloffset.com wheel fitment ranges.
package customwheeloffset

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strings"

	"go.uber.org/zap"

	"github.com/JakeFAU/fitment-scraper/internal/provider/listing"
	"github.com/JakeFAU/fitment-scraper/internal/scraper"
)

// Name is the provider and table prefix.
const Name = "custom_wheel_offset"

// SessionCookie is the PHP session the store page is bound to.
const SessionCookie = "PHPSESSID"

// Levels of the year/make/model/trim/drive taxonomy.
var Levels = []string{"year", "make", "model", "trim", "drive"}

// Enrichment columns backfilled on the identity row.
var Enrichment = []string{"vehicle_type", "dr_chassis_id", "bolt_pattern"}

// Config locates the two sites the provider talks to.
type Config struct {
	BaseURL   string
	DetailURL string
	// AllPreferences walks every suspension/modification/rubbing combination
	// instead of the stock setup only.
	AllPreferences bool
}

// SessionIDSaver persists the PHP session id between runs.
type SessionIDSaver interface {
	SaveSessionID(id string) error
}

// Provider implements scraper.Provider.
type Provider struct {
	cfg    Config
	tokens SessionIDSaver
	logger *zap.Logger
}

// New builds the provider. tokens may be nil.
func New(cfg Config, tokens SessionIDSaver, logger *zap.Logger) (*Provider, error) {
	if _, err := url.Parse(cfg.BaseURL); err != nil || cfg.BaseURL == "" {
		return nil, fmt.Errorf("%s base url %q is invalid", Name, cfg.BaseURL)
	}
	if cfg.DetailURL == "" {
		return nil, fmt.Errorf("%s detail url is required", Name)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	cfg.DetailURL = strings.TrimRight(cfg.DetailURL, "/")
	return &Provider{cfg: cfg, tokens: tokens, logger: logger.Named(Name)}, nil
}

// Name implements scraper.Provider.
func (p *Provider) Name() string { return Name }

// Levels implements scraper.Provider.
func (p *Provider) Levels() []string { return Levels }

// ListURL returns the bp.php form for the level below parent.
func (p *Provider) ListURL(parent scraper.Key) (string, error) {
	if len(parent) >= len(Levels) {
		return "", fmt.Errorf("key %q has no children", parent.String())
	}
	q := url.Values{}
	for i, v := range parent {
		q.Set(Levels[i], v)
	}
	u := p.cfg.BaseURL + "/makemodel/bp.php"
	if len(q) > 0 {
		u += "?" + q.Encode()
	}
	return u, nil
}

// ParseListing reads the <select> named after the level at depth.
func (p *Provider) ParseListing(depth int, page scraper.Page) ([]scraper.Option, error) {
	if depth < 0 || depth >= len(Levels) {
		return nil, fmt.Errorf("depth %d out of range", depth)
	}
	return listing.SelectOptions(page, fmt.Sprintf(`select[name=%q]`, Levels[depth]))
}

// vehicle is the subset of the enthusiast detail document the store needs.
type vehicle struct {
	VehicleType string
	ChassisID   string
}

// FetchLeaf resolves vehicle details, binds a store session to the vehicle
// and reads the fitment ranges for each preference combination.
func (p *Provider) FetchLeaf(
	ctx context.Context,
	fetcher scraper.PageFetcher,
	sess scraper.Session,
	leaf scraper.Leaf,
) (scraper.LeafResult, error) {
	if len(leaf.Key) != len(Levels) {
		return scraper.LeafResult{}, &scraper.ParsingError{Reason: fmt.Sprintf("leaf %q is not a full key", leaf.Key.String())}
	}
	v, err := p.vehicle(ctx, fetcher, sess, leaf.Key)
	if err != nil {
		return scraper.LeafResult{}, err
	}
	if err := p.bindSession(ctx, fetcher, sess, leaf.Key, v); err != nil {
		return scraper.LeafResult{}, err
	}
	prefs, err := p.preferences(ctx, fetcher, sess, v)
	if err != nil {
		return scraper.LeafResult{}, err
	}

	identity := scraper.VehicleIdentity{
		Provider:   Name,
		Key:        leaf.Key.Clone(),
		Enrichment: map[string]string{"vehicle_type": v.VehicleType},
	}
	if v.ChassisID != "" {
		identity.ExternalIDs = map[string]string{"dr_chassis_id": v.ChassisID}
		identity.Enrichment["dr_chassis_id"] = v.ChassisID
	}

	var records []scraper.FitmentRecord
	for _, pref := range prefs {
		page, err := fetcher.Fetch(ctx, sess, p.storeURL(leaf.Key, v, pref))
		if err != nil {
			return scraper.LeafResult{}, fmt.Errorf("fetch fitment for %q: %w", leaf.Key.String(), err)
		}
		fit, err := ParseFitment(page)
		if err != nil {
			return scraper.LeafResult{}, err
		}
		if fit.BoltPattern != "" && identity.Enrichment["bolt_pattern"] == "" {
			identity.Enrichment["bolt_pattern"] = fit.BoltPattern
		}
		records = append(records, fit.Records(pref.attrs())...)
	}
	return scraper.LeafResult{Identity: identity, Records: records}, nil
}

func (p *Provider) vehicle(ctx context.Context, fetcher scraper.PageFetcher, sess scraper.Session, key scraper.Key) (vehicle, error) {
	parts := make([]string, len(key))
	for i, v := range key {
		parts[i] = url.PathEscape(v)
	}
	detailURL := p.cfg.DetailURL + "/" + strings.Join(parts, "/")
	page, err := fetcher.Fetch(ctx, sess, detailURL)
	if err != nil {
		return vehicle{}, fmt.Errorf("fetch vehicle details for %q: %w", key.String(), err)
	}
	var doc map[string]any
	if err := json.Unmarshal(page.Body, &doc); err != nil {
		return vehicle{}, &scraper.ParsingError{URL: detailURL, Reason: "vehicle details are not a JSON object", Err: err}
	}
	v := vehicle{
		VehicleType: firstString(doc["vehicleType"]),
		ChassisID:   listing.Stringify(doc["drchassisid"]),
	}
	if v.VehicleType == "" {
		return vehicle{}, &scraper.ParsingError{URL: detailURL, Reason: "vehicle details lack vehicleType"}
	}
	return v, nil
}

// bindSession sets the vehicle on the store's PHP session. The session
// cookie lands in the jar and is mirrored to the token cache.
func (p *Provider) bindSession(ctx context.Context, fetcher scraper.PageFetcher, sess scraper.Session, key scraper.Key, v vehicle) error {
	params := [][2]string{{"store", "wheels"}, {"type", "set"}, {"vehicle_type", v.VehicleType}}
	for i, level := range Levels {
		params = append(params, [2]string{level, key[i]})
	}
	params = append(params, [2]string{"chassis", v.ChassisID})
	if _, err := fetcher.Fetch(ctx, sess, p.cfg.BaseURL+"/api/ymm-temp.php?"+encode(params)); err != nil {
		return fmt.Errorf("bind store session for %q: %w", key.String(), err)
	}
	if p.tokens == nil || sess == nil || sess.Jar() == nil {
		return nil
	}
	base, err := url.Parse(p.cfg.BaseURL)
	if err != nil {
		return nil
	}
	for _, c := range sess.Jar().Cookies(base) {
		if c.Name == SessionCookie && c.Value != "" {
			if err := p.tokens.SaveSessionID(c.Value); err != nil {
				p.logger.Warn("save session id", zap.Error(err))
			}
			break
		}
	}
	return nil
}

// preference is one suspension/modification/rubbing combination. The zero
// value is the stock setup.
type preference struct {
	Suspension   string
	Modification string
	Rubbing      string
}

func (pref preference) attrs() map[string]string {
	out := make(map[string]string, 3)
	for k, v := range map[string]string{
		"suspension":   pref.Suspension,
		"modification": pref.Modification,
		"rubbing":      pref.Rubbing,
	} {
		if v != "" {
			out[k] = v
		}
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

func (p *Provider) preferences(ctx context.Context, fetcher scraper.PageFetcher, sess scraper.Session, v vehicle) ([]preference, error) {
	if !p.cfg.AllPreferences {
		return []preference{{}}, nil
	}
	lists := make([][]string, 0, 3)
	for _, flag := range []string{"getSuspension", "getTrimming", "getRubbing"} {
		params := [][2]string{{"type", "set"}, {"store", "wheels"}, {"vehicle_type", v.VehicleType}, {flag, "true"}}
		rawURL := p.cfg.BaseURL + "/api/ymm-temp.php?" + encode(params)
		page, err := fetcher.Fetch(ctx, sess, rawURL)
		if err != nil {
			return nil, fmt.Errorf("fetch %s: %w", flag, err)
		}
		var raw []any
		if err := json.Unmarshal(page.Body, &raw); err != nil {
			return nil, &scraper.ParsingError{URL: rawURL, Reason: flag + " is not a JSON array", Err: err}
		}
		values := make([]string, 0, len(raw))
		for _, item := range raw {
			if s := listing.Stringify(item); s != "" {
				values = append(values, s)
			}
		}
		if len(values) == 0 {
			values = []string{""}
		}
		lists = append(lists, values)
	}

	var out []preference
	for _, s := range lists[0] {
		for _, m := range lists[1] {
			for _, r := range lists[2] {
				out = append(out, preference{Suspension: s, Modification: m, Rubbing: r})
			}
		}
	}
	return out, nil
}

func (p *Provider) storeURL(key scraper.Key, v vehicle, pref preference) string {
	params := [][2]string{{"sort", "instock"}, {"saleToggle", "0"}, {"qdToggle", "0"}}
	for i, level := range Levels {
		params = append(params, [2]string{level, key[i]})
	}
	params = append(params,
		[2]string{"DRChassisID", v.ChassisID},
		[2]string{"vehicle_type", v.VehicleType},
		[2]string{"suspension", pref.Suspension},
		[2]string{"modification", pref.Modification},
		[2]string{"rubbing", pref.Rubbing},
	)
	return p.cfg.BaseURL + "/store/wheels?" + encode(params)
}

// encode keeps parameter order and escapes spaces as %20, as the store
// expects. Empty values are dropped.
func encode(params [][2]string) string {
	parts := make([]string, 0, len(params))
	for _, kv := range params {
		if kv[1] == "" {
			continue
		}
		parts = append(parts, kv[0]+"="+strings.ReplaceAll(url.QueryEscape(kv[1]), "+", "%20"))
	}
	return strings.Join(parts, "&")
}

// firstString accepts either "Truck" or ["Truck"].
func firstString(v any) string {
	if list, ok := v.([]any); ok {
		if len(list) == 0 {
			return ""
		}
		return listing.Stringify(list[0])
	}
	return listing.Stringify(v)
}
