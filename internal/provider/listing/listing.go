// Package listing parses the option lists and JSON arrays upstream sites use
// for their taxonomy dropdowns.
package listing

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"github.com/JakeFAU/fitment-scraper/internal/scraper"
)

// placeholders are option values that stand for "choose one".
var placeholders = map[string]struct{}{"": {}, "#": {}, "0": {}}

// SelectOptions returns the non-placeholder option values of the first
// <select> matching selector. A missing select is a ParsingError, an empty
// one is not.
func SelectOptions(page scraper.Page, selector string) ([]scraper.Option, error) {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(page.Body))
	if err != nil {
		return nil, &scraper.ParsingError{URL: page.URL, Err: err}
	}
	sel := doc.Find(selector).First()
	if sel.Length() == 0 {
		return nil, &scraper.ParsingError{URL: page.URL, Reason: fmt.Sprintf("no %s element", selector)}
	}
	var out []scraper.Option
	seen := make(map[string]struct{})
	sel.Find("option").Each(func(_ int, opt *goquery.Selection) {
		value, ok := opt.Attr("value")
		if !ok {
			value = opt.Text()
		}
		value = strings.TrimSpace(value)
		if _, skip := placeholders[value]; skip {
			return
		}
		if _, dup := seen[value]; dup {
			return
		}
		seen[value] = struct{}{}
		out = append(out, scraper.Option{Label: value})
	})
	return out, nil
}

// JSONField decodes a JSON array of objects and returns field of each
// element as an option, carrying the listed id fields along.
func JSONField(page scraper.Page, field string, idFields ...string) ([]scraper.Option, error) {
	var rows []map[string]any
	if err := json.Unmarshal(page.Body, &rows); err != nil {
		return nil, &scraper.ParsingError{URL: page.URL, Reason: "expected a JSON array", Err: err}
	}
	out := make([]scraper.Option, 0, len(rows))
	for _, row := range rows {
		label := Stringify(row[field])
		if label == "" {
			continue
		}
		opt := scraper.Option{Label: label}
		for _, f := range idFields {
			if v := Stringify(row[f]); v != "" {
				if opt.IDs == nil {
					opt.IDs = make(map[string]string, len(idFields))
				}
				opt.IDs[f] = v
			}
		}
		out = append(out, opt)
	}
	return out, nil
}

// Stringify renders a decoded JSON scalar. Numbers lose a trailing ".0".
func Stringify(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return strings.TrimSpace(t)
	case float64:
		if t == float64(int64(t)) {
			return fmt.Sprintf("%d", int64(t))
		}
		return fmt.Sprintf("%g", t)
	case bool:
		if t {
			return "true"
		}
		return "false"
	default:
		b, err := json.Marshal(t)
		if err != nil {
			return ""
		}
		return string(b)
	}
}
