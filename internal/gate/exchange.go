package gate

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/gocolly/colly/v2"
)

// VoucherExchanger posts the solver voucher to the WAF voucher endpoint.
type VoucherExchanger struct {
	UserAgent string
	Timeout   time.Duration
	Transport http.RoundTripper
}

// Exchange returns the token issued for the voucher.
func (e *VoucherExchanger) Exchange(ctx context.Context, ch Challenge, v Voucher) (string, error) {
	body, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("marshal voucher: %w", err)
	}

	c := colly.NewCollector(colly.AllowURLRevisit())
	c.UserAgent = e.UserAgent
	timeout := e.Timeout
	if timeout <= 0 {
		timeout = 20 * time.Second
	}
	c.SetRequestTimeout(timeout)
	if e.Transport != nil {
		c.WithTransport(e.Transport)
	}

	var (
		respBody []byte
		respErr  error
	)
	origin := originOf(ch.PageURL)
	c.OnRequest(func(r *colly.Request) {
		r.Headers.Set("Accept", "*/*")
		r.Headers.Set("Content-Type", "text/plain;charset=UTF-8")
		if origin != "" {
			r.Headers.Set("Origin", origin)
			r.Headers.Set("Referer", origin+"/")
		}
	})
	c.OnResponse(func(r *colly.Response) {
		respBody = append([]byte(nil), r.Body...)
	})
	c.OnError(func(_ *colly.Response, err error) {
		respErr = err
	})

	done := make(chan error, 1)
	go func() {
		done <- c.PostRaw(ch.VoucherURL(), body)
	}()
	select {
	case <-ctx.Done():
		return "", fmt.Errorf("voucher exchange canceled: %w", ctx.Err())
	case err := <-done:
		if err != nil {
			return "", fmt.Errorf("voucher exchange: %w", err)
		}
		if respErr != nil {
			return "", fmt.Errorf("voucher exchange: %w", respErr)
		}
	}

	var out struct {
		Token string `json:"token"`
	}
	if err := json.Unmarshal(respBody, &out); err != nil {
		return "", fmt.Errorf("decode voucher response: %w", err)
	}
	return out.Token, nil
}

func originOf(raw string) string {
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return ""
	}
	return u.Scheme + "://" + u.Host
}
