package gate

import (
	"bytes"
	"fmt"
	"net/url"
	"regexp"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"github.com/JakeFAU/fitment-scraper/internal/scraper"
)

// WallTitle is the <title> of the verification interstitial.
const WallTitle = "human verification"

// Challenge holds the parameters embedded in a verification wall.
type Challenge struct {
	PageURL         string
	Key             string
	IV              string
	Context         string
	ChallengeScript string
	CaptchaScript   string
}

// Voucher is what the solving service returns for a Challenge.
type Voucher struct {
	CaptchaVoucher string `json:"captcha_voucher"`
	ExistingToken  string `json:"existing_token"`
}

var (
	gokuKey     = regexp.MustCompile(`"key"\s*:\s*"([^"]+)"`)
	gokuIV      = regexp.MustCompile(`"iv"\s*:\s*"([^"]+)"`)
	gokuContext = regexp.MustCompile(`"context"\s*:\s*"([^"]+)"`)
)

// IsWall reports whether the page title matches the verification wall.
func IsWall(page scraper.Page) bool {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(page.Body))
	if err != nil {
		return false
	}
	title := strings.TrimSpace(doc.Find("title").First().Text())
	return strings.EqualFold(title, WallTitle)
}

// ParseChallenge extracts window.gokuProps and the WAF script URLs.
func ParseChallenge(page scraper.Page) (Challenge, error) {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(page.Body))
	if err != nil {
		return Challenge{}, fmt.Errorf("parse verification page: %w", err)
	}
	ch := Challenge{PageURL: page.URL}
	doc.Find("script").Each(func(_ int, s *goquery.Selection) {
		if src, ok := s.Attr("src"); ok {
			src = strings.Trim(strings.TrimSpace(src), "`")
			switch {
			case strings.Contains(src, "challenge.js") && ch.ChallengeScript == "":
				ch.ChallengeScript = resolve(page.URL, src)
			case strings.Contains(src, "captcha.js") && ch.CaptchaScript == "":
				ch.CaptchaScript = resolve(page.URL, src)
			}
			return
		}
		body := s.Text()
		if ch.Key != "" || !strings.Contains(body, "window.gokuProps") {
			return
		}
		ch.Key = firstGroup(gokuKey, body)
		ch.IV = firstGroup(gokuIV, body)
		ch.Context = firstGroup(gokuContext, body)
	})

	var missing []string
	if ch.Key == "" || ch.IV == "" || ch.Context == "" {
		missing = append(missing, "gokuProps")
	}
	if ch.ChallengeScript == "" {
		missing = append(missing, "challenge.js")
	}
	if len(missing) > 0 {
		return ch, &scraper.ParsingError{
			URL:    page.URL,
			Reason: "verification wall missing " + strings.Join(missing, ", "),
		}
	}
	return ch, nil
}

// VoucherURL is the token exchange endpoint next to the challenge script.
func (c Challenge) VoucherURL() string {
	return strings.Replace(c.ChallengeScript, "challenge.js", "voucher", 1)
}

func firstGroup(re *regexp.Regexp, s string) string {
	m := re.FindStringSubmatch(s)
	if len(m) < 2 {
		return ""
	}
	return m[1]
}

func resolve(base, ref string) string {
	b, err := url.Parse(base)
	if err != nil {
		return ref
	}
	r, err := url.Parse(ref)
	if err != nil {
		return ref
	}
	return b.ResolveReference(r).String()
}
