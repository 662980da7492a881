package tirerack

import (
	"bytes"
	"regexp"
	"strconv"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"github.com/JakeFAU/fitment-scraper/internal/scraper"
)

var (
	frontExpr = regexp.MustCompile(`Front:\s*([^|]+?)\s*(?:\||Rear:|$)`)
	rearExpr  = regexp.MustCompile(`Rear:\s*([^|]*?)(?:\||\s*$)`)
)

// SizePair is one selectable size; Rear is empty for square setups.
type SizePair struct {
	Front string
	Rear  string
}

// TireSizes groups the sizes of a vehicle by category.
type TireSizes struct {
	Original []SizePair
	Optional []SizePair
}

// Records emits a front record per pair plus a rear record for staggered
// pairs. Attrs "set" ties the two halves of a pair together.
func (s TireSizes) Records() []scraper.FitmentRecord {
	var out []scraper.FitmentRecord
	for _, group := range []struct {
		category scraper.Category
		pairs    []SizePair
	}{{scraper.CategoryOriginal, s.Original}, {scraper.CategoryOptional, s.Optional}} {
		for i, pair := range group.pairs {
			set := strconv.Itoa(i + 1)
			out = append(out, scraper.FitmentRecord{
				Position: scraper.PositionFront,
				Category: group.category,
				TireSize: pair.Front,
				Attrs:    map[string]string{"set": set},
			})
			if pair.Rear != "" {
				out = append(out, scraper.FitmentRecord{
					Position: scraper.PositionRear,
					Category: group.category,
					TireSize: pair.Rear,
					Attrs:    map[string]string{"set": set},
				})
			}
		}
	}
	return out
}

// ParseTireSizes reads the save-tire-size popup, falling back to the
// oeSizes/optionalSizes lists of the size selector page.
func ParseTireSizes(page scraper.Page) (TireSizes, error) {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(page.Body))
	if err != nil {
		return TireSizes{}, &scraper.ParsingError{URL: page.URL, Err: err}
	}

	var (
		sizes TireSizes
		found bool
	)
	doc.Find("fieldset").Each(func(_ int, fs *goquery.Selection) {
		legend := fs.Find("legend strong").First().Text()
		var target *[]SizePair
		switch {
		case strings.Contains(legend, "Original Equipment Tire Size"):
			target = &sizes.Original
		case strings.Contains(legend, "Optional Size"):
			target = &sizes.Optional
		default:
			return
		}
		found = true
		fs.Find(".inputContainer label").Each(func(_ int, label *goquery.Selection) {
			if pair, ok := parsePair(label.Text()); ok {
				*target = append(*target, pair)
			}
		})
	})
	if found {
		return sizes, nil
	}

	for _, list := range []struct {
		id     string
		target *[]SizePair
	}{{"oeSizes", &sizes.Original}, {"optionalSizes", &sizes.Optional}} {
		ul := doc.Find("ul#" + list.id)
		if ul.Length() == 0 {
			continue
		}
		found = true
		ul.Find("li.optionWrapBtn").Each(func(_ int, li *goquery.Selection) {
			if pair, ok := parsePair(li.Find("span.sizeDetail").First().Text()); ok {
				*list.target = append(*list.target, pair)
			}
		})
	}
	if !found {
		return TireSizes{}, &scraper.ParsingError{URL: page.URL, Reason: "no tire size section"}
	}
	return sizes, nil
}

// parsePair splits "Front: 245/40R19 | Rear: 275/35R19". Unlabelled text is
// a front size.
func parsePair(text string) (SizePair, bool) {
	text = strings.Join(strings.Fields(text), " ")
	if text == "" {
		return SizePair{}, false
	}
	if !strings.Contains(text, "Front:") || !strings.Contains(text, "Rear:") {
		return SizePair{Front: text}, true
	}
	var pair SizePair
	if m := frontExpr.FindStringSubmatch(text); m != nil {
		pair.Front = strings.TrimSpace(m[1])
	}
	if m := rearExpr.FindStringSubmatch(text); m != nil {
		pair.Rear = strings.TrimSpace(m[1])
	}
	if pair.Front == "" {
		return SizePair{}, false
	}
	return pair, true
}
