// Package provider builds the configured upstream site adapters.
package provider

import (
	"fmt"
	"sort"

	"go.uber.org/zap"

	"github.com/JakeFAU/fitment-scraper/internal/config"
	"github.com/JakeFAU/fitment-scraper/internal/provider/customwheeloffset"
	"github.com/JakeFAU/fitment-scraper/internal/provider/driverright"
	"github.com/JakeFAU/fitment-scraper/internal/provider/tirerack"
	"github.com/JakeFAU/fitment-scraper/internal/scraper"
	"github.com/JakeFAU/fitment-scraper/internal/storage"
)

// Definition is a built provider plus its identity table layout.
type Definition struct {
	Provider   scraper.Provider
	Enrichment []string
}

// Schema returns the storage layout of the provider's tables.
func (d Definition) Schema(errorTable string) storage.Schema {
	return storage.Schema{
		Prefix:     d.Provider.Name(),
		Levels:     d.Provider.Levels(),
		Enrichment: d.Enrichment,
		ErrorTable: errorTable,
	}
}

// Deps are the shared collaborators a provider may need.
type Deps struct {
	// Tokens persists the store session id between runs.
	Tokens customwheeloffset.SessionIDSaver
	// Headless fetches script-rendered leaf pages for providers configured
	// with headless: true. It is expected to be wrapped by gate.Gate already.
	Headless scraper.PageFetcher
	Logger   *zap.Logger
}

type builder func(cfg config.ProviderConfig, deps Deps) (Definition, error)

var builders = map[string]builder{
	config.ProviderCustomWheelOffset: func(cfg config.ProviderConfig, deps Deps) (Definition, error) {
		p, err := customwheeloffset.New(customwheeloffset.Config{
			BaseURL:        cfg.BaseURL,
			DetailURL:      cfg.DetailURL,
			AllPreferences: cfg.AllPreferences,
		}, deps.Tokens, deps.Logger)
		if err != nil {
			return Definition{}, err
		}
		return Definition{Provider: p, Enrichment: customwheeloffset.Enrichment}, nil
	},
	config.ProviderDriverRight: func(cfg config.ProviderConfig, deps Deps) (Definition, error) {
		p, err := driverright.New(driverright.Config{
			BaseURL:  cfg.BaseURL,
			Username: cfg.Username,
			Token:    cfg.Token,
			RegionID: cfg.RegionID,
		}, deps.Logger)
		if err != nil {
			return Definition{}, err
		}
		return Definition{Provider: p, Enrichment: driverright.Enrichment}, nil
	},
	config.ProviderTireRack: func(cfg config.ProviderConfig, deps Deps) (Definition, error) {
		var leaf scraper.PageFetcher
		if cfg.Headless {
			if deps.Headless == nil {
				return Definition{}, fmt.Errorf("%s is configured headless but no headless fetcher is available", tirerack.Name)
			}
			leaf = deps.Headless
		}
		p, err := tirerack.New(tirerack.Config{BaseURL: cfg.BaseURL}, leaf, deps.Logger)
		if err != nil {
			return Definition{}, err
		}
		return Definition{Provider: p, Enrichment: tirerack.Enrichment}, nil
	},
}

// Names lists the providers this build knows, sorted.
func Names() []string {
	out := make([]string, 0, len(builders))
	for name := range builders {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// New builds the named provider from its configuration section.
func New(name string, cfg config.ProviderConfig, deps Deps) (Definition, error) {
	name = config.NormalizeProvider(name)
	build, ok := builders[name]
	if !ok {
		return Definition{}, fmt.Errorf("unknown provider %q (known: %v)", name, Names())
	}
	def, err := build(cfg, deps)
	if err != nil {
		return Definition{}, fmt.Errorf("build provider %s: %w", name, err)
	}
	return def, nil
}
