// Package proxy builds the attempt schedule for the rotating proxy pool.
package proxy

import (
	"fmt"
	"net/url"
	"strings"
)

// DefaultRetriesPerEndpoint is how many consecutive attempts an endpoint gets
// before the rotation advances.
const DefaultRetriesPerEndpoint = 3

// Endpoint is one proxy address. A nil *url.URL means a direct connection.
type Endpoint struct {
	URL *url.URL
}

// Direct is the endpoint used when no proxies are configured.
var Direct = Endpoint{}

// String renders the endpoint without credentials.
func (e Endpoint) String() string {
	if e.URL == nil {
		return "direct"
	}
	return e.URL.Host
}

// IsDirect reports whether requests bypass the proxy pool.
func (e Endpoint) IsDirect() bool {
	return e.URL == nil
}

// ParseEndpoint accepts "host:port" or a full "http://host:port" URL and
// attaches credentials when user is set.
func ParseEndpoint(raw, user, password string) (Endpoint, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return Endpoint{}, fmt.Errorf("parse proxy endpoint: empty address")
	}
	if !strings.Contains(raw, "://") {
		raw = "http://" + raw
	}
	u, err := url.Parse(raw)
	if err != nil {
		return Endpoint{}, fmt.Errorf("parse proxy endpoint %q: %w", raw, err)
	}
	if u.Host == "" {
		return Endpoint{}, fmt.Errorf("parse proxy endpoint %q: missing host", raw)
	}
	if user != "" {
		u.User = url.UserPassword(user, password)
	}
	return Endpoint{URL: u}, nil
}

// Rotation is the ordered proxy pool.
type Rotation struct {
	endpoints []Endpoint
	retries   int
}

// NewRotation parses the configured endpoints.
func NewRotation(addresses []string, user, password string, retriesPerEndpoint int) (*Rotation, error) {
	if retriesPerEndpoint <= 0 {
		retriesPerEndpoint = DefaultRetriesPerEndpoint
	}
	endpoints := make([]Endpoint, 0, len(addresses))
	for _, addr := range addresses {
		ep, err := ParseEndpoint(addr, user, password)
		if err != nil {
			return nil, err
		}
		endpoints = append(endpoints, ep)
	}
	return &Rotation{endpoints: endpoints, retries: retriesPerEndpoint}, nil
}

// Attempts is the total number of attempts a single fetch may make.
func (r *Rotation) Attempts() int {
	n := len(r.endpoints)
	if n == 0 {
		n = 1
	}
	return n * r.retries
}

// Endpoints returns the configured endpoints, or Direct when the pool is empty.
func (r *Rotation) Endpoints() []Endpoint {
	if len(r.endpoints) == 0 {
		return []Endpoint{Direct}
	}
	out := make([]Endpoint, len(r.endpoints))
	copy(out, r.endpoints)
	return out
}

// Schedule lists the endpoint for every attempt. Each endpoint repeats
// retriesPerEndpoint times in a row before the next one is used.
func (r *Rotation) Schedule() []Endpoint {
	endpoints := r.Endpoints()
	out := make([]Endpoint, 0, len(endpoints)*r.retries)
	for _, ep := range endpoints {
		for i := 0; i < r.retries; i++ {
			out = append(out, ep)
		}
	}
	return out
}
