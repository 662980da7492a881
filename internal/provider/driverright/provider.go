// Package driverright crawls the DriverRight vehicle data API.
package driverright

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"github.com/JakeFAU/fitment-scraper/internal/provider/listing"
	"github.com/JakeFAU/fitment-scraper/internal/scraper"
)

// Name is the provider and table prefix.
const Name = "driver_right"

// Identifier fields carried from the sub-model listing to the leaf.
const (
	ModelIDField   = "DRModelID"
	ChassisIDField = "DRChassisID"
)

// Levels of the year/make/model/body type/sub-model taxonomy.
var Levels = []string{"year", "make", "model", "body_type", "sub_model"}

// chassisFields maps chassis attributes onto enrichment columns.
var chassisFields = []struct{ column, field string }{
	{"center_bore", "CenterBore_R"},
	{"nut_or_bolt", "NutorBolt"},
	{"tpms", "TPMS"},
	{"rim_width_max_f", "RimWidth_Max_F"},
	{"rim_width_max_r", "RimWidth_Max_R"},
	{"wheelbase_inches", "Wheelbase_Inches"},
	{"oe_tire_description", "OETireDescription"},
}

// Enrichment columns backfilled on the identity row.
var Enrichment = func() []string {
	out := make([]string, len(chassisFields))
	for i, f := range chassisFields {
		out[i] = f.column
	}
	return out
}()

// endpoints lists, per level, the API method and the field naming each option.
var endpoints = []struct{ method, field string }{
	{"aaia/GetAAIAYears", "Year"},
	{"aaia/GetAAIAManufacturers", "Manufacturer"},
	{"aaia/GetAAIAModels", "Model"},
	{"aaia/GetAAIABodyTypes", "BodyType"},
	{"aaia/GetAAIASubModelsWheels", "SubModel"},
}

// parentParams names the query parameter of each key level.
var parentParams = []string{"year", "manufacturer", "model", "bodyType"}

// Config carries the API location and credentials.
type Config struct {
	BaseURL  string
	Username string
	Token    string
	RegionID int
}

// Provider implements scraper.Provider.
type Provider struct {
	cfg    Config
	logger *zap.Logger
}

// New builds the provider.
func New(cfg Config, logger *zap.Logger) (*Provider, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("%s base url is required", Name)
	}
	if cfg.Username == "" || cfg.Token == "" {
		return nil, fmt.Errorf("%s username and token are required", Name)
	}
	if cfg.RegionID <= 0 {
		cfg.RegionID = 1
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	return &Provider{cfg: cfg, logger: logger.Named(Name)}, nil
}

// Name implements scraper.Provider.
func (p *Provider) Name() string { return Name }

// Levels implements scraper.Provider.
func (p *Provider) Levels() []string { return Levels }

// ListURL implements scraper.Provider.
func (p *Provider) ListURL(parent scraper.Key) (string, error) {
	depth := len(parent)
	if depth >= len(Levels) {
		return "", fmt.Errorf("key %q has no children", parent.String())
	}
	q := p.credentials()
	if depth > 0 {
		q.Set("regionID", strconv.Itoa(p.cfg.RegionID))
	}
	for i, v := range parent {
		q.Set(parentParams[i], v)
	}
	return fmt.Sprintf("%s/%s?%s", p.cfg.BaseURL, endpoints[depth].method, q.Encode()), nil
}

// ParseListing implements scraper.Provider. Sub-model options carry the
// model and chassis ids the leaf lookup needs.
func (p *Provider) ParseListing(depth int, page scraper.Page) ([]scraper.Option, error) {
	if depth < 0 || depth >= len(Levels) {
		return nil, fmt.Errorf("depth %d out of range", depth)
	}
	if depth < len(Levels)-1 {
		return listing.JSONField(page, endpoints[depth].field)
	}
	opts, err := listing.JSONField(page, endpoints[depth].field, ModelIDField, ChassisIDField, "DRDModelID", "DRDChassisID")
	if err != nil {
		return nil, err
	}
	for i := range opts {
		ids := opts[i].IDs
		if ids == nil {
			continue
		}
		for alt, canonical := range map[string]string{"DRDModelID": ModelIDField, "DRDChassisID": ChassisIDField} {
			if v, ok := ids[alt]; ok {
				if ids[canonical] == "" {
					ids[canonical] = v
				}
				delete(ids, alt)
			}
		}
	}
	return opts, nil
}

// FetchLeaf reads the DRD vehicle data of the sub-model.
func (p *Provider) FetchLeaf(
	ctx context.Context,
	fetcher scraper.PageFetcher,
	sess scraper.Session,
	leaf scraper.Leaf,
) (scraper.LeafResult, error) {
	if len(leaf.Key) != len(Levels) {
		return scraper.LeafResult{}, &scraper.ParsingError{Reason: fmt.Sprintf("leaf %q is not a full key", leaf.Key.String())}
	}
	modelID, chassisID := leaf.IDs[ModelIDField], leaf.IDs[ChassisIDField]
	if modelID == "" || chassisID == "" {
		return scraper.LeafResult{}, &scraper.ParsingError{Reason: fmt.Sprintf("sub-model %q lacks DRD ids", leaf.Key.String())}
	}

	q := p.credentials()
	q.Set("DRDModelID", modelID)
	q.Set("DRDChassisID", chassisID)
	rawURL := p.cfg.BaseURL + "/vehicle-info/GetVehicleDataFromDRD_NA?" + q.Encode()
	page, err := fetcher.Fetch(ctx, sess, rawURL)
	if err != nil {
		return scraper.LeafResult{}, fmt.Errorf("fetch vehicle data for %q: %w", leaf.Key.String(), err)
	}
	data, err := ParseVehicleData(page)
	if err != nil {
		return scraper.LeafResult{}, err
	}

	p.logger.Debug("vehicle data",
		zap.String("key", leaf.Key.String()),
		zap.Bool("chassis", data.Chassis != nil),
		zap.Int("options", len(data.Options)),
	)

	identity := scraper.VehicleIdentity{
		Provider:    Name,
		Key:         leaf.Key.Clone(),
		ExternalIDs: map[string]string{"drd_model_id": modelID, "drd_chassis_id": chassisID},
	}
	for _, f := range chassisFields {
		if v := listing.Stringify(data.Chassis[f.field]); v != "" {
			if identity.Enrichment == nil {
				identity.Enrichment = make(map[string]string, len(chassisFields))
			}
			identity.Enrichment[f.column] = v
		}
	}
	return scraper.LeafResult{Identity: identity, Records: data.Records()}, nil
}

func (p *Provider) credentials() url.Values {
	q := url.Values{}
	q.Set("username", p.cfg.Username)
	q.Set("securityToken", p.cfg.Token)
	return q
}

// VehicleData is the decoded GetVehicleDataFromDRD_NA document.
type VehicleData struct {
	Chassis map[string]any
	Primary map[string]any
	Options []map[string]any
}

// ParseVehicleData accepts the document with or without its "data" wrapper.
func ParseVehicleData(page scraper.Page) (VehicleData, error) {
	var doc map[string]json.RawMessage
	if err := json.Unmarshal(page.Body, &doc); err != nil {
		return VehicleData{}, &scraper.ParsingError{URL: page.URL, Reason: "vehicle data is not a JSON object", Err: err}
	}
	if inner, ok := doc["data"]; ok {
		doc = nil
		if err := json.Unmarshal(inner, &doc); err != nil {
			return VehicleData{}, &scraper.ParsingError{URL: page.URL, Reason: "vehicle data wrapper is not an object", Err: err}
		}
	}
	if len(doc) == 0 {
		return VehicleData{}, &scraper.ParsingError{URL: page.URL, Reason: "empty vehicle data"}
	}

	var out VehicleData
	for _, key := range []string{"DRDChassisReturn", "DRDChassisReturn_NA"} {
		if raw, ok := doc[key]; ok {
			if err := json.Unmarshal(raw, &out.Chassis); err != nil {
				return VehicleData{}, &scraper.ParsingError{URL: page.URL, Reason: key, Err: err}
			}
			break
		}
	}
	if raw, ok := doc["DRDModelReturn"]; ok {
		var model struct {
			PrimaryOption map[string]any   `json:"PrimaryOption"`
			Options       []map[string]any `json:"Options"`
		}
		if err := json.Unmarshal(raw, &model); err != nil {
			return VehicleData{}, &scraper.ParsingError{URL: page.URL, Reason: "DRDModelReturn", Err: err}
		}
		out.Primary, out.Options = model.PrimaryOption, model.Options
	}
	return out, nil
}

// axleFields maps option attributes per axle onto record attrs.
var axleFields = map[scraper.Position][]struct{ attr, field string }{
	scraper.PositionFront: {
		{"load_index", "LoadIndex"},
		{"speed_index", "SpeedIndex"},
		{"tire_pressure_psi", "TirePressure_PSI"},
		{"laden_pressure_psi", "Model_Laden_TP_F_PSI"},
		{"rim_size", "RimSize"},
		{"run_flat", "RunFlat_F"},
		{"extra_load", "ExtraLoad_F"},
	},
	scraper.PositionRear: {
		{"load_index", "LoadIndex_R"},
		{"speed_index", "SpeedIndex_R"},
		{"tire_pressure_psi", "TirePressure_R_PSI"},
		{"laden_pressure_psi", "Model_Laden_TP_R_PSI"},
		{"rim_size", "RimSize_R"},
		{"run_flat", "RunFlat_R"},
		{"extra_load", "ExtraLoad_R"},
	},
}

var optionFields = []struct{ attr, field string }{
	{"model_name", "ModelName"},
	{"horse_power", "HorsePower"},
	{"oe_description", "OEDescription"},
}

// Records turns the primary option into original records and the other
// options into optional ones, one record per axle with a tire size.
func (d VehicleData) Records() []scraper.FitmentRecord {
	var out []scraper.FitmentRecord
	if d.Primary != nil {
		out = append(out, optionRecords(d.Primary, scraper.CategoryOriginal)...)
	}
	for _, opt := range d.Options {
		out = append(out, optionRecords(opt, scraper.CategoryOptional)...)
	}
	return out
}

func optionRecords(opt map[string]any, category scraper.Category) []scraper.FitmentRecord {
	var out []scraper.FitmentRecord
	for _, axle := range []struct {
		pos       scraper.Position
		size      string
		rimOffset string
	}{
		{scraper.PositionFront, "TireSize", "RimOffset"},
		{scraper.PositionRear, "TireSize_R", "Offset_R"},
	} {
		size := listing.Stringify(opt[axle.size])
		if size == "" {
			continue
		}
		rec := scraper.FitmentRecord{
			Position: axle.pos,
			Category: category,
			TireSize: size,
			Attrs:    make(map[string]string),
		}
		if off := listing.Stringify(opt[axle.rimOffset]); off != "" {
			rec.Offset = scraper.FitmentRange{Min: off, Max: off}
		}
		for _, f := range optionFields {
			if v := listing.Stringify(opt[f.field]); v != "" {
				rec.Attrs[f.attr] = v
			}
		}
		for _, f := range axleFields[axle.pos] {
			if v := listing.Stringify(opt[f.field]); v != "" {
				rec.Attrs[f.attr] = v
			}
		}
		out = append(out, rec)
	}
	return out
}
