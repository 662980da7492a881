package scraper

import (
	"fmt"
	"net/http"
	"slices"
	"strings"
	"time"
)

// KeySeparator joins level values into a work key.
const KeySeparator = "|"

// Key is an ordered path through a provider taxonomy (year, make, model, ...).
type Key []string

// String renders the key as "year|make|model|trim|drive".
func (k Key) String() string {
	return strings.Join(k, KeySeparator)
}

// Depth returns the number of populated levels.
func (k Key) Depth() int {
	return len(k)
}

// Child returns a copy of k extended with value.
func (k Key) Child(value string) Key {
	out := make(Key, len(k), len(k)+1)
	copy(out, k)
	return append(out, value)
}

// Clone returns an independent copy of k.
func (k Key) Clone() Key {
	if k == nil {
		return nil
	}
	out := make(Key, len(k))
	copy(out, k)
	return out
}

// Equal reports whether both keys hold the same levels byte for byte, the
// rule the stores apply to identity tuples.
func (k Key) Equal(other Key) bool {
	return slices.Equal(k, other)
}

// Normalize trims and lowercases a taxonomy value for comparisons.
func Normalize(value string) string {
	return strings.ToLower(strings.TrimSpace(value))
}

// Option is one entry of a taxonomy listing. IDs carries provider identifiers
// attached to the entry (chassis ids, model ids).
type Option struct {
	Label string
	IDs   map[string]string
}

// Labels returns the option labels in order.
func Labels(options []Option) []string {
	out := make([]string, 0, len(options))
	for _, opt := range options {
		out = append(out, opt.Label)
	}
	return out
}

// Leaf is a fully specified taxonomy path.
type Leaf struct {
	Key Key
	IDs map[string]string
}

// WorkItem is a leaf queued for processing plus its local retry counter.
type WorkItem struct {
	Leaf  Leaf
	Retry int
}

// Key returns the dedup key of the item.
func (w WorkItem) Key() string {
	return w.Leaf.Key.String()
}

// Position tags a fitment record with the axle it applies to.
type Position string

// Supported positions.
const (
	PositionFront Position = "front"
	PositionRear  Position = "rear"
)

// Category distinguishes factory fitments from optional ones.
type Category string

// Supported categories. The empty category is valid for providers without one.
const (
	CategoryNone     Category = ""
	CategoryOriginal Category = "original"
	CategoryOptional Category = "optional"
)

// FitmentRange is a min/max pair kept as the upstream string (units included).
type FitmentRange struct {
	Min string `json:"min"`
	Max string `json:"max"`
}

// IsZero reports whether neither bound is set.
func (r FitmentRange) IsZero() bool {
	return r.Min == "" && r.Max == ""
}

// FitmentRecord belongs to exactly one VehicleIdentity.
type FitmentRecord struct {
	Position Position
	Category Category
	Diameter FitmentRange
	Width    FitmentRange
	Offset   FitmentRange
	TireSize string
	Attrs    map[string]string
}

// VehicleIdentity is one persisted taxonomy node.
type VehicleIdentity struct {
	ID          int64
	Provider    string
	Key         Key
	ExternalIDs map[string]string
	Enrichment  map[string]string
	CreatedAt   time.Time
}

// LeafResult is everything a worker persists for one leaf combination.
type LeafResult struct {
	Identity VehicleIdentity
	Records  []FitmentRecord
}

// Validate rejects results that would persist malformed rows.
func (r LeafResult) Validate(levels int) error {
	if len(r.Identity.Key) != levels {
		return &ParsingError{
			Reason: fmt.Sprintf("identity has %d levels, want %d", len(r.Identity.Key), levels),
		}
	}
	for i, v := range r.Identity.Key {
		if strings.TrimSpace(v) == "" {
			return &ParsingError{Reason: fmt.Sprintf("identity level %d is empty", i)}
		}
	}
	for i, rec := range r.Records {
		if rec.Position != PositionFront && rec.Position != PositionRear {
			return &ParsingError{Reason: fmt.Sprintf("record %d has invalid position %q", i, rec.Position)}
		}
	}
	return nil
}

// Page is the outcome of a successful fetch.
type Page struct {
	URL        string
	StatusCode int
	Headers    http.Header
	Body       []byte
	Endpoint   string
	Attempts   int
	Duration   time.Duration
}
