// Package resume derives the traversal start position from the most recently
// persisted vehicle identity.
package resume

import (
	"context"
	"fmt"

	"github.com/JakeFAU/fitment-scraper/internal/scraper"
)

// Cursor holds one start index per level. Indices apply only along the
// resume path; once the walk leaves it, every level starts at zero.
type Cursor struct {
	Indices []int
	// Done means the last persisted leaf was the final one in traversal order.
	Done bool
}

// IsZero reports whether the cursor starts from the beginning.
func (c Cursor) IsZero() bool {
	return !c.Done && len(c.Indices) == 0
}

// Compute matches every level of last against its freshly fetched listing
// (listings[d] holds the children of last[:d], in walk order). Matching is
// trim and case insensitive. A miss at any level fails with
// *scraper.DataSplicingError.
//
// The matched index is used inclusively for every level except the deepest,
// which starts one past the match. When that runs off the end of a listing
// the position carries to the next sibling of the parent level.
func Compute(levels []string, last scraper.Key, listings [][]string) (Cursor, error) {
	if len(last) == 0 {
		return Cursor{}, nil
	}
	if len(listings) < len(last) {
		return Cursor{}, fmt.Errorf("compute resume cursor: %d listings for %d levels", len(listings), len(last))
	}

	indices := make([]int, len(last))
	for d, value := range last {
		idx := indexOf(listings[d], value)
		if idx < 0 {
			return Cursor{}, &scraper.DataSplicingError{Level: levelName(levels, d), Depth: d, Value: value}
		}
		indices[d] = idx
	}

	deepest := len(last) - 1
	indices[deepest]++
	for d := deepest; d >= 0; d-- {
		if indices[d] < len(listings[d]) {
			break
		}
		indices[d] = 0
		if d == 0 {
			return Cursor{Indices: indices, Done: true}, nil
		}
		indices[d-1]++
	}
	return Cursor{Indices: indices}, nil
}

// Lister lists the sorted children of a taxonomy node.
type Lister interface {
	Levels() []string
	ListChildren(ctx context.Context, sess scraper.Session, parent scraper.Key) ([]scraper.Option, error)
}

// Locate fetches the listing of every level along last and computes the
// cursor. It stops at the first level where last no longer exists.
func Locate(ctx context.Context, lister Lister, sess scraper.Session, last scraper.Key) (Cursor, error) {
	if len(last) == 0 {
		return Cursor{}, nil
	}
	levels := lister.Levels()
	if len(last) > len(levels) {
		return Cursor{}, fmt.Errorf("locate resume cursor: key %q deeper than %d levels", last.String(), len(levels))
	}
	listings := make([][]string, 0, len(last))
	for d := range last {
		options, err := lister.ListChildren(ctx, sess, last[:d])
		if err != nil {
			return Cursor{}, fmt.Errorf("locate resume cursor at %s: %w", levelName(levels, d), err)
		}
		labels := scraper.Labels(options)
		if indexOf(labels, last[d]) < 0 {
			return Cursor{}, &scraper.DataSplicingError{Level: levelName(levels, d), Depth: d, Value: last[d]}
		}
		listings = append(listings, labels)
	}
	return Compute(levels, last, listings)
}

func indexOf(listing []string, value string) int {
	want := scraper.Normalize(value)
	for i, v := range listing {
		if scraper.Normalize(v) == want {
			return i
		}
	}
	return -1
}

func levelName(levels []string, depth int) string {
	if depth < len(levels) {
		return levels[depth]
	}
	return fmt.Sprintf("level%d", depth)
}
