// Package taxonomy enumerates a provider's year/make/model/... hierarchy in a
// deterministic order.
package taxonomy

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"github.com/JakeFAU/fitment-scraper/internal/scraper"
)

// YearLevel is the level name that sorts newest first by default.
const YearLevel = "year"

// Order is a per-level sort direction.
type Order string

// Sort directions.
const (
	Asc  Order = "asc"
	Desc Order = "desc"
)

// Config tunes ordering and the year window.
type Config struct {
	// LevelOrder overrides the default direction per level name.
	LevelOrder map[string]string
	// StartYear is the newest year walked, EndYear the oldest. Zero disables
	// the bound.
	StartYear int
	EndYear   int
}

// Stopper reports the process-wide stop flag.
type Stopper interface {
	Stopped() bool
}

// Walker lists taxonomy levels through a (gate-wrapped) fetcher.
type Walker struct {
	provider  scraper.Provider
	fetcher   scraper.PageFetcher
	stopper   Stopper
	errLog    scraper.ErrorLogger
	levels    []string
	orders    []Order
	yearDepth int
	startYear int
	endYear   int
	logger    *zap.Logger
}

// New builds a Walker. stopper and errLog may be nil.
func New(
	provider scraper.Provider,
	fetcher scraper.PageFetcher,
	cfg Config,
	stopper Stopper,
	errLog scraper.ErrorLogger,
	logger *zap.Logger,
) *Walker {
	if logger == nil {
		logger = zap.NewNop()
	}
	levels := provider.Levels()
	orders := make([]Order, len(levels))
	yearDepth := -1
	for i, name := range levels {
		orders[i] = Asc
		if name == YearLevel {
			orders[i] = Desc
			yearDepth = i
		}
		if o, ok := cfg.LevelOrder[name]; ok {
			orders[i] = Order(strings.ToLower(o))
		}
	}
	return &Walker{
		provider:  provider,
		fetcher:   fetcher,
		stopper:   stopper,
		errLog:    errLog,
		levels:    levels,
		orders:    orders,
		yearDepth: yearDepth,
		startYear: cfg.StartYear,
		endYear:   cfg.EndYear,
		logger:    logger.Named("taxonomy"),
	}
}

// Levels returns the provider's level names.
func (w *Walker) Levels() []string {
	return w.levels
}

// ListChildren returns the sorted options below parent. An empty listing at
// the deepest level yields no options and no error; anywhere else it is
// reported as scraper.ErrEmptyListing.
func (w *Walker) ListChildren(ctx context.Context, sess scraper.Session, parent scraper.Key) ([]scraper.Option, error) {
	depth := len(parent)
	if depth >= len(w.levels) {
		return nil, fmt.Errorf("list children of %q: key already at leaf depth", parent.String())
	}
	if w.stopped() {
		return nil, scraper.ErrStopped
	}
	rawURL, err := w.provider.ListURL(parent)
	if err != nil {
		return nil, fmt.Errorf("build %s listing url: %w", w.levels[depth], err)
	}
	page, err := w.fetcher.Fetch(ctx, sess, rawURL)
	if err != nil {
		return nil, fmt.Errorf("fetch %s listing for %q: %w", w.levels[depth], parent.String(), err)
	}
	options, err := w.provider.ParseListing(depth, page)
	if err != nil {
		return nil, fmt.Errorf("parse %s listing for %q: %w", w.levels[depth], parent.String(), err)
	}
	options = w.clean(depth, options)
	w.sortOptions(depth, options)

	if len(options) == 0 {
		if depth == len(w.levels)-1 {
			return nil, nil
		}
		err := fmt.Errorf("%s listing for %q: %w", w.levels[depth], parent.String(), scraper.ErrEmptyListing)
		w.report(ctx, parent, rawURL, err)
		return nil, err
	}
	return options, nil
}

// Walk visits every leaf depth-first in sorted order, beginning at start
// (one index per level, applied only along the resume path), and calls emit
// for each leaf.
func (w *Walker) Walk(ctx context.Context, sess scraper.Session, start []int, emit func(scraper.Leaf) error) error {
	return w.walk(ctx, sess, scraper.Key{}, nil, start, true, emit)
}

func (w *Walker) walk(
	ctx context.Context,
	sess scraper.Session,
	parent scraper.Key,
	ids map[string]string,
	start []int,
	onCursor bool,
	emit func(scraper.Leaf) error,
) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("walk %q: %w", parent.String(), err)
	}
	if w.stopped() {
		return scraper.ErrStopped
	}
	depth := len(parent)
	options, err := w.ListChildren(ctx, sess, parent)
	if err != nil {
		if depth > 0 && errors.Is(err, scraper.ErrEmptyListing) {
			w.logger.Warn("skipping branch", zap.String("key", parent.String()), zap.Error(err))
			return nil
		}
		return err
	}

	first := 0
	if onCursor && depth < len(start) {
		first = start[depth]
	}
	leaf := depth == len(w.levels)-1
	for i := first; i < len(options); i++ {
		if w.stopped() {
			return scraper.ErrStopped
		}
		opt := options[i]
		key := parent.Child(opt.Label)
		childIDs := mergeIDs(ids, opt.IDs)
		if leaf {
			if err := emit(scraper.Leaf{Key: key, IDs: childIDs}); err != nil {
				return err
			}
			continue
		}
		if err := w.walk(ctx, sess, key, childIDs, start, onCursor && i == first, emit); err != nil {
			return err
		}
	}
	return nil
}

func (w *Walker) clean(depth int, options []scraper.Option) []scraper.Option {
	seen := make(map[string]bool, len(options))
	out := options[:0]
	for _, opt := range options {
		opt.Label = strings.TrimSpace(opt.Label)
		norm := scraper.Normalize(opt.Label)
		if norm == "" || seen[norm] {
			continue
		}
		if depth == w.yearDepth && !w.inYearWindow(opt.Label) {
			continue
		}
		seen[norm] = true
		out = append(out, opt)
	}
	return out
}

func (w *Walker) inYearWindow(label string) bool {
	year, err := strconv.Atoi(label)
	if err != nil {
		return true
	}
	if w.startYear > 0 && year > w.startYear {
		return false
	}
	if w.endYear > 0 && year < w.endYear {
		return false
	}
	return true
}

func (w *Walker) sortOptions(depth int, options []scraper.Option) {
	desc := w.orders[depth] == Desc
	sort.SliceStable(options, func(i, j int) bool {
		less := compareLabels(options[i].Label, options[j].Label)
		if desc {
			return less > 0
		}
		return less < 0
	})
}

// compareLabels orders numbers numerically and everything else
// case-insensitively.
func compareLabels(a, b string) int {
	ai, aErr := strconv.Atoi(a)
	bi, bErr := strconv.Atoi(b)
	if aErr == nil && bErr == nil {
		switch {
		case ai < bi:
			return -1
		case ai > bi:
			return 1
		default:
			return 0
		}
	}
	return strings.Compare(scraper.Normalize(a), scraper.Normalize(b))
}

func (w *Walker) report(ctx context.Context, parent scraper.Key, rawURL string, err error) {
	if w.errLog == nil {
		return
	}
	details := map[string]any{
		"op":    "list",
		"level": w.levels[len(parent)],
		"key":   parent.String(),
		"url":   rawURL,
	}
	if logErr := w.errLog.LogError(ctx, w.provider.Name(), details, err.Error()); logErr != nil {
		w.logger.Error("record empty listing", zap.Error(logErr))
	}
}

func (w *Walker) stopped() bool {
	return w.stopper != nil && w.stopper.Stopped()
}

func mergeIDs(parent, own map[string]string) map[string]string {
	if len(parent) == 0 && len(own) == 0 {
		return nil
	}
	out := make(map[string]string, len(parent)+len(own))
	for k, v := range parent {
		out[k] = v
	}
	for k, v := range own {
		out[k] = v
	}
	return out
}
