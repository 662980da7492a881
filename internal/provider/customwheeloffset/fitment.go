package customwheeloffset

import (
	"bytes"
	"regexp"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"github.com/JakeFAU/fitment-scraper/internal/scraper"
)

var (
	rangeExpr    = regexp.MustCompile(`^\s*(.+?)\s+to\s+(.+?)\s*$`)
	boltMMExpr   = regexp.MustCompile(`(?i)(\d+x[\d.]+)\s*mm`)
	boltInchExpr = regexp.MustCompile(`(?i)\((\d+x[\d.]+)["']?\)`)
)

// Axle is the fitment range block for one axle.
type Axle struct {
	Diameter scraper.FitmentRange
	Width    scraper.FitmentRange
	Offset   scraper.FitmentRange
}

// IsZero reports whether the block carried no range at all.
func (a Axle) IsZero() bool {
	return a.Diameter.IsZero() && a.Width.IsZero() && a.Offset.IsZero()
}

// Fitment is what the store page shows for one vehicle setup.
type Fitment struct {
	Front       Axle
	Rear        Axle
	BoltPattern string
}

// Records returns one record per axle that carries a range.
func (f Fitment) Records(attrs map[string]string) []scraper.FitmentRecord {
	var out []scraper.FitmentRecord
	for _, ax := range []struct {
		pos  scraper.Position
		axle Axle
	}{{scraper.PositionFront, f.Front}, {scraper.PositionRear, f.Rear}} {
		if ax.axle.IsZero() {
			continue
		}
		rec := scraper.FitmentRecord{
			Position: ax.pos,
			Diameter: ax.axle.Diameter,
			Width:    ax.axle.Width,
			Offset:   ax.axle.Offset,
		}
		if len(attrs) > 0 {
			rec.Attrs = make(map[string]string, len(attrs))
			for k, v := range attrs {
				rec.Attrs[k] = v
			}
		}
		out = append(out, rec)
	}
	return out
}

// ParseFitment reads the fitment range blocks of a store page. A page with a
// single full-size block applies it to both axles.
func ParseFitment(page scraper.Page) (Fitment, error) {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(page.Body))
	if err != nil {
		return Fitment{}, &scraper.ParsingError{URL: page.URL, Err: err}
	}
	fit := Fitment{BoltPattern: boltPattern(doc)}

	if merged := doc.Find(".store-ymm-fitrange.full-size").First(); merged.Length() > 0 {
		shared := parseAxle(merged)
		fit.Front, fit.Rear = shared, shared
		return fit, nil
	}

	var found bool
	doc.Find(".store-ymm-fitrange").Each(func(_ int, s *goquery.Selection) {
		header := s.Find("nobr").First().Text()
		switch {
		case strings.Contains(header, "Front"):
			fit.Front, found = parseAxle(s), true
		case strings.Contains(header, "Rear"):
			fit.Rear, found = parseAxle(s), true
		}
	})
	if !found {
		return Fitment{}, &scraper.ParsingError{URL: page.URL, Reason: "no fitment range section"}
	}
	return fit, nil
}

func parseAxle(section *goquery.Selection) Axle {
	values := make(map[string]string, 3)
	section.Find(".store-conf-range").Each(func(_ int, s *goquery.Selection) {
		text := strings.TrimSpace(s.Text())
		for _, label := range []string{"Diameter:", "Width:", "Offset:"} {
			if strings.HasPrefix(text, label) {
				if _, seen := values[label]; !seen {
					values[label] = strings.TrimSpace(s.Find("b").First().Text())
				}
			}
		}
	})
	return Axle{
		Diameter: parseRange(values["Diameter:"]),
		Width:    parseRange(values["Width:"]),
		Offset:   parseRange(values["Offset:"]),
	}
}

// parseRange splits `17" to 20"` into its bounds. Bare units are no bound.
func parseRange(text string) scraper.FitmentRange {
	m := rangeExpr.FindStringSubmatch(text)
	if m == nil {
		return scraper.FitmentRange{}
	}
	lo, hi := strings.TrimSpace(m[1]), strings.TrimSpace(m[2])
	if isBareUnit(lo) || isBareUnit(hi) {
		return scraper.FitmentRange{}
	}
	return scraper.FitmentRange{Min: lo, Max: hi}
}

func isBareUnit(s string) bool {
	return s == "" || s == `"` || s == "mm"
}

// boltPattern renders the pattern as `5x120mm (5x4.72")`, from data-bp when
// present and from the label text otherwise.
func boltPattern(doc *goquery.Document) string {
	el := doc.Find(".store-bp").First()
	if el.Length() == 0 {
		return ""
	}
	var inch, mm string
	if raw, ok := el.Attr("data-bp"); ok && strings.TrimSpace(raw) != "" {
		parts := strings.Split(raw, ",")
		if v := strings.TrimSpace(parts[0]); v != "" {
			inch = v + `"`
		}
		if len(parts) > 1 {
			if v := strings.TrimSpace(parts[1]); v != "" {
				mm = v + "mm"
			}
		}
	} else {
		text := el.Text()
		if m := boltMMExpr.FindStringSubmatch(text); m != nil {
			mm = m[1] + "mm"
		}
		if m := boltInchExpr.FindStringSubmatch(text); m != nil {
			inch = m[1] + `"`
		}
	}
	switch {
	case mm != "" && inch != "":
		return mm + " (" + inch + ")"
	case mm != "":
		return mm
	default:
		return inch
	}
}
