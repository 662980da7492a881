package collyfetcher

import (
	"context"
	"errors"
	"net/http"
	"net/http/cookiejar"
	"net/http/httptest"
	"net/url"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gocolly/colly/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/fitment-scraper/internal/proxy"
	"github.com/JakeFAU/fitment-scraper/internal/scraper"
)

const upstreamURL = "http://upstream.test/makemodel/bp.php?year=2025"

type mockErrorLogger struct {
	mock.Mock
}

func (m *mockErrorLogger) LogError(ctx context.Context, source string, details map[string]any, message string) error {
	args := m.Called(ctx, source, details, message)
	return args.Error(0)
}

type testSession struct {
	jar http.CookieJar
}

func (s testSession) ID() string          { return "test" }
func (s testSession) Jar() http.CookieJar { return s.jar }

type stopFlag struct{ stopped atomic.Bool }

func (s *stopFlag) Stopped() bool { return s.stopped.Load() }

// newProxies starts n fake forward proxies sharing one handler.
func newProxies(t *testing.T, n int, handler http.HandlerFunc) []string {
	t.Helper()
	addrs := make([]string, 0, n)
	for i := 0; i < n; i++ {
		srv := httptest.NewServer(handler)
		t.Cleanup(srv.Close)
		addrs = append(addrs, srv.Listener.Addr().String())
	}
	return addrs
}

func newRotation(t *testing.T, addrs []string, retries int) *proxy.Rotation {
	t.Helper()
	rot, err := proxy.NewRotation(addrs, "", "", retries)
	require.NoError(t, err)
	return rot
}

func TestFetchSucceedsOnLastAttempt(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32
	addrs := newProxies(t, 3, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "upstream.test", r.URL.Host)
		if calls.Add(1) <= 8 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		_, _ = w.Write([]byte("<select name='make'></select>"))
	})

	errLog := &mockErrorLogger{}
	f := New(Config{Source: "custom_wheel_offset", Timeout: time.Second}, newRotation(t, addrs, 3), nil, nil, errLog, nil)

	page, err := f.Fetch(context.Background(), nil, upstreamURL)
	require.NoError(t, err)
	require.Equal(t, 9, page.Attempts)
	require.Equal(t, addrs[2], page.Endpoint)
	require.Equal(t, http.StatusOK, page.StatusCode)
	require.Contains(t, string(page.Body), "select")
	require.EqualValues(t, 9, calls.Load())
	errLog.AssertNotCalled(t, "LogError", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
}

func TestFetchRotatesAfterTimeouts(t *testing.T) {
	t.Parallel()

	slow := newProxies(t, 1, func(w http.ResponseWriter, _ *http.Request) {
		time.Sleep(200 * time.Millisecond)
		_, _ = w.Write([]byte("late"))
	})
	fast := newProxies(t, 1, func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("ok"))
	})

	f := New(Config{Timeout: 50 * time.Millisecond}, newRotation(t, append(slow, fast...), 3), nil, nil, nil, nil)
	page, err := f.Fetch(context.Background(), nil, upstreamURL)
	require.NoError(t, err)
	require.Equal(t, 4, page.Attempts)
	require.Equal(t, fast[0], page.Endpoint)
}

func TestFetchExhaustionLogsAndReturnsAPIError(t *testing.T) {
	t.Parallel()

	addrs := newProxies(t, 3, func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusForbidden)
	})

	errLog := &mockErrorLogger{}
	errLog.On("LogError", mock.Anything, "tire_rack", mock.MatchedBy(func(d map[string]any) bool {
		return d["op"] == "fetch" && d["attempts"] == 9 && d["status"] == http.StatusForbidden &&
			d["endpoint"] == addrs[2] && d["url"] == upstreamURL
	}), mock.Anything).Return(nil).Once()

	f := New(Config{Source: "tire_rack", Timeout: time.Second}, newRotation(t, addrs, 3), nil, nil, errLog, nil)
	_, err := f.Fetch(context.Background(), nil, upstreamURL)

	var apiErr *scraper.APIError
	require.ErrorAs(t, err, &apiErr)
	require.Equal(t, 9, apiErr.Attempts)
	require.Equal(t, http.StatusForbidden, apiErr.Status)
	errLog.AssertExpectations(t)
}

func TestFetchTreatsEmptyBodyAsFailure(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32
	addrs := newProxies(t, 1, func(w http.ResponseWriter, _ *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusOK)
			return
		}
		_, _ = w.Write([]byte("{}"))
	})

	f := New(Config{}, newRotation(t, addrs, 3), nil, nil, nil, nil)
	page, err := f.Fetch(context.Background(), nil, upstreamURL)
	require.NoError(t, err)
	require.Equal(t, 2, page.Attempts)
}

func TestFetchHonorsStopFlag(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32
	addrs := newProxies(t, 1, func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		_, _ = w.Write([]byte("ok"))
	})
	stop := &stopFlag{}
	stop.stopped.Store(true)

	f := New(Config{}, newRotation(t, addrs, 3), nil, stop, nil, nil)
	_, err := f.Fetch(context.Background(), nil, upstreamURL)
	require.ErrorIs(t, err, scraper.ErrStopped)
	require.Zero(t, calls.Load())
}

type failingPacer struct{}

func (failingPacer) Wait(context.Context, string) error { return context.Canceled }

func TestFetchPacerError(t *testing.T) {
	t.Parallel()

	f := New(Config{}, nil, failingPacer{}, nil, nil, nil)
	_, err := f.Fetch(context.Background(), nil, upstreamURL)
	require.ErrorIs(t, err, context.Canceled)
}

func TestFetchUsesSessionJarAndHeaders(t *testing.T) {
	t.Parallel()

	addrs := newProxies(t, 1, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "fitment-test", r.Header.Get("User-Agent"))
		assert.Equal(t, "yes", r.Header.Get("X-Requested-With"))
		assert.NotEmpty(t, r.Header.Get("Accept-Language"))
		if c, err := r.Cookie("aws-waf-token"); assert.NoError(t, err) {
			assert.Equal(t, "tok", c.Value)
		}
		http.SetCookie(w, &http.Cookie{Name: "PHPSESSID", Value: "sess-1", Path: "/"})
		_, _ = w.Write([]byte("ok"))
	})

	jar, err := cookiejar.New(nil)
	require.NoError(t, err)
	u, _ := url.Parse(upstreamURL)
	jar.SetCookies(u, []*http.Cookie{{Name: "aws-waf-token", Value: "tok", Path: "/"}})

	f := New(Config{UserAgent: "fitment-test", Headers: map[string]string{"X-Requested-With": "yes"}},
		newRotation(t, addrs, 1), nil, nil, nil, nil)
	_, err = f.Fetch(context.Background(), testSession{jar: jar}, upstreamURL)
	require.NoError(t, err)

	var names []string
	for _, c := range jar.Cookies(u) {
		names = append(names, c.Name)
	}
	require.Contains(t, names, "PHPSESSID")
}

func TestConfigureCollectorHooks(t *testing.T) {
	t.Parallel()

	f := New(Config{Headers: map[string]string{"X-Trace": "yes"}}, nil, nil, nil, nil, nil)
	var res attemptResult
	hooks := &stubHooks{}
	f.configureCollectorHooks(hooks, &res)
	require.NotNil(t, hooks.onRequest)
	require.NotNil(t, hooks.onResponse)
	require.NotNil(t, hooks.onError)

	collyReq := &colly.Request{Headers: &http.Header{}}
	hooks.onRequest(collyReq)
	require.Equal(t, "yes", collyReq.Headers.Get("X-Trace"))
	require.Equal(t, DefaultHeaders["Accept"], collyReq.Headers.Get("Accept"))

	u, _ := url.Parse("https://example.com")
	hooks.onResponse(&colly.Response{
		StatusCode: http.StatusCreated,
		Body:       []byte("body"),
		Headers:    &http.Header{"X-Resp": {"ok"}},
		Request:    &colly.Request{URL: u},
	})
	require.Equal(t, http.StatusCreated, res.page.StatusCode)
	require.Equal(t, "ok", res.page.Headers.Get("X-Resp"))

	hooks.onError(&colly.Response{StatusCode: http.StatusBadGateway}, errors.New("boom"))
	require.Equal(t, http.StatusBadGateway, res.status)
	require.EqualError(t, res.err, "boom")
}

type stubHooks struct {
	onRequest  colly.RequestCallback
	onResponse colly.ResponseCallback
	onError    colly.ErrorCallback
}

func (s *stubHooks) OnRequest(cb colly.RequestCallback) {
	s.onRequest = cb
}

func (s *stubHooks) OnResponse(cb colly.ResponseCallback) {
	s.onResponse = cb
}

func (s *stubHooks) OnError(cb colly.ErrorCallback) {
	s.onError = cb
}
