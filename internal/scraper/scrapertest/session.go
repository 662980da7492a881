package scrapertest

import (
	"net/http"
	"net/http/cookiejar"
)

// Session is a fixed session backed by a real cookie jar.
type Session struct {
	SessionID string
	CookieJar http.CookieJar
}

// NewSession returns a Session with an empty jar.
func NewSession(id string) *Session {
	jar, _ := cookiejar.New(nil) //nolint:errcheck // nil options never fail
	return &Session{SessionID: id, CookieJar: jar}
}

// ID implements scraper.Session.
func (s *Session) ID() string { return s.SessionID }

// Jar implements scraper.Session.
func (s *Session) Jar() http.CookieJar { return s.CookieJar }
