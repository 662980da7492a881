package tirerack

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	collyfetcher "github.com/JakeFAU/fitment-scraper/internal/fetcher/colly"
	"github.com/JakeFAU/fitment-scraper/internal/gate"
	"github.com/JakeFAU/fitment-scraper/internal/proxy"
	"github.com/JakeFAU/fitment-scraper/internal/scraper"
	"github.com/JakeFAU/fitment-scraper/internal/scraper/scrapertest"
	"github.com/JakeFAU/fitment-scraper/internal/taxonomy"
)

const sizePopup = `<div id="saveTireSize">
<fieldset><legend><strong>Original Equipment Tire Size</strong></legend>
  <div class="inputContainer"><input type="radio"><label>Front: 245/40R19 | Rear: 275/35R19</label></div>
</fieldset>
<fieldset><legend><strong>Optional Size</strong></legend>
  <div class="inputContainer"><label> 245/35R20 </label></div>
  <div class="inputContainer"><label>255/35R19</label></div>
</fieldset>
</div>`

func newSite(t *testing.T) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/modalPopups/changeSearchLayer.jsp", func(w http.ResponseWriter, _ *http.Request) {
		_, _ = fmt.Fprint(w, `<select id="vehicle-make"><option value="#">Make</option><option value="BMW">BMW</option></select>`)
	})
	mux.HandleFunc("/survey/ValidationServlet", func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		w.Header().Set("Content-Type", "text/xml")
		switch {
		case q.Get("autoYearsNeeded") == "true":
			_, _ = fmt.Fprint(w, `<?xml version="1.0" encoding="ISO-8859-1"?><years><year>2024</year><year>2025</year></years>`)
		case q.Get("autoModel") != "":
			assert.Equal(t, "true", q.Get("includeClarType"))
			_, _ = fmt.Fprint(w, `<clars><clar>M340i xDrive</clar><clar> </clar></clars>`)
		default:
			_, _ = fmt.Fprint(w, `<models><model>3 Series</model></models>`)
		}
	})
	mux.HandleFunc("/register/modalbox_save_tiresize.jsp", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "M340i xDrive", r.URL.Query().Get("autoModClar"))
		_, _ = fmt.Fprint(w, sizePopup)
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func newFetcher(t *testing.T) *collyfetcher.Fetcher {
	t.Helper()
	rot, err := proxy.NewRotation(nil, "", "", 1)
	require.NoError(t, err)
	return collyfetcher.New(collyfetcher.Config{Source: Name, Timeout: 2 * time.Second}, rot, nil, nil, nil, nil)
}

func TestWalkAndFetchLeaf(t *testing.T) {
	t.Parallel()

	srv := newSite(t)
	p, err := New(Config{BaseURL: srv.URL}, nil, nil)
	require.NoError(t, err)
	f := newFetcher(t)
	sess := scrapertest.NewSession("w1")

	w := taxonomy.New(p, f, taxonomy.Config{}, nil, nil, nil)
	var leaves []scraper.Leaf
	require.NoError(t, w.Walk(context.Background(), sess, nil, func(l scraper.Leaf) error {
		leaves = append(leaves, l)
		return nil
	}))
	require.Equal(t, []scraper.Leaf{
		{Key: scraper.Key{"BMW", "2025", "3 Series", "M340i xDrive"}},
		{Key: scraper.Key{"BMW", "2024", "3 Series", "M340i xDrive"}},
	}, leaves)

	res, err := p.FetchLeaf(context.Background(), f, sess, leaves[0])
	require.NoError(t, err)
	require.NoError(t, res.Validate(len(Levels)))
	require.Equal(t, []scraper.FitmentRecord{
		{Position: scraper.PositionFront, Category: scraper.CategoryOriginal, TireSize: "245/40R19", Attrs: map[string]string{"set": "1"}},
		{Position: scraper.PositionRear, Category: scraper.CategoryOriginal, TireSize: "275/35R19", Attrs: map[string]string{"set": "1"}},
		{Position: scraper.PositionFront, Category: scraper.CategoryOptional, TireSize: "245/35R20", Attrs: map[string]string{"set": "1"}},
		{Position: scraper.PositionFront, Category: scraper.CategoryOptional, TireSize: "255/35R19", Attrs: map[string]string{"set": "2"}},
	}, res.Records)
}

func TestFetchLeafPrefersLeafFetcher(t *testing.T) {
	t.Parallel()

	leafFetcher := &scrapertest.Fetcher{}
	p, err := New(Config{BaseURL: "https://tr.test/"}, leafFetcher, nil)
	require.NoError(t, err)
	workerFetcher := &scrapertest.Fetcher{}

	_, err = p.FetchLeaf(context.Background(), workerFetcher, nil, scraper.Leaf{Key: scraper.Key{"BMW", "2025", "3 Series", "Base"}})
	var parseErr *scraper.ParsingError
	require.ErrorAs(t, err, &parseErr)
	require.Empty(t, workerFetcher.Calls())
	require.Equal(t, []string{
		"https://tr.test/register/modalbox_save_tiresize.jsp?autoMake=BMW&autoModClar=Base&autoModel=3+Series&autoYear=2025",
	}, leafFetcher.Calls())
}

const verificationWall = `<html><head><title>Human Verification</title>
<script>window.gokuProps = {"key":"site-key","iv":"iv-1","context":"ctx-1"};</script>
<script src="https://waf.tr.test/abc/challenge.js"></script>
<script src="https://waf.tr.test/abc/captcha.js"></script>
</head><body></body></html>`

// walledFetcher serves the verification wall until the session carries token.
type walledFetcher struct {
	token string
	calls atomic.Int32
}

func (f *walledFetcher) Fetch(_ context.Context, sess scraper.Session, rawURL string) (scraper.Page, error) {
	f.calls.Add(1)
	u, err := url.Parse(rawURL)
	if err != nil {
		return scraper.Page{}, err
	}
	for _, c := range sess.Jar().Cookies(u) {
		if c.Name == gate.TokenCookie && c.Value == f.token {
			return scraper.Page{URL: rawURL, StatusCode: http.StatusOK, Body: []byte(sizePopup)}, nil
		}
	}
	return scraper.Page{URL: rawURL, StatusCode: http.StatusOK, Body: []byte(verificationWall)}, nil
}

type countingSolver struct{ calls atomic.Int32 }

func (s *countingSolver) Solve(context.Context, gate.Challenge) (gate.Voucher, error) {
	s.calls.Add(1)
	return gate.Voucher{CaptchaVoucher: "v-1"}, nil
}

type fixedExchanger string

func (e fixedExchanger) Exchange(context.Context, gate.Challenge, gate.Voucher) (string, error) {
	return string(e), nil
}

func TestFetchLeafClearsWallOnLeafFetcher(t *testing.T) {
	t.Parallel()

	leafFetcher := &walledFetcher{token: "fresh-token"}
	solver := &countingSolver{}
	gated := gate.New(leafFetcher, solver, fixedExchanger("fresh-token"), nil, 3, nil)
	p, err := New(Config{BaseURL: "https://tr.test"}, gated, nil)
	require.NoError(t, err)
	workerFetcher := &scrapertest.Fetcher{}

	res, err := p.FetchLeaf(context.Background(), workerFetcher, scrapertest.NewSession("w1"),
		scraper.Leaf{Key: scraper.Key{"BMW", "2025", "3 Series", "M340i xDrive"}})
	require.NoError(t, err)
	require.Len(t, res.Records, 4)
	require.EqualValues(t, 1, solver.calls.Load())
	require.EqualValues(t, 2, leafFetcher.calls.Load())
	require.Empty(t, workerFetcher.Calls())
}

func TestFetchLeafWallExhaustionIsVerificationError(t *testing.T) {
	t.Parallel()

	leafFetcher := &walledFetcher{token: "never-issued"}
	gated := gate.New(leafFetcher, &countingSolver{}, fixedExchanger("rejected"), nil, 2, nil)
	p, err := New(Config{BaseURL: "https://tr.test"}, gated, nil)
	require.NoError(t, err)

	_, err = p.FetchLeaf(context.Background(), &scrapertest.Fetcher{}, scrapertest.NewSession("w1"),
		scraper.Leaf{Key: scraper.Key{"BMW", "2025", "3 Series", "Base"}})
	var human *scraper.HumanVerificationError
	require.ErrorAs(t, err, &human)
	var parseErr *scraper.ParsingError
	require.False(t, errors.As(err, &parseErr), "a wall must not be reported as a parse failure")
}

func TestParseTireSizesFromSizeLists(t *testing.T) {
	t.Parallel()

	page := scraper.Page{Body: []byte(`
<ul id="oeSizes">
  <li class="optionWrapBtn"><span class="sizeWidth">225</span><span class="sizeDetail">225/45R18</span></li>
  <input type="hidden" value="x">
</ul>
<ul id="optionalSizes">
  <li class="optionWrapBtn"><span class="sizeDetail"></span></li>
</ul>`)}
	sizes, err := ParseTireSizes(page)
	require.NoError(t, err)
	require.Equal(t, []SizePair{{Front: "225/45R18"}}, sizes.Original)
	require.Empty(t, sizes.Optional)

	_, err = ParseTireSizes(scraper.Page{Body: []byte(`<p>Sorry</p>`)})
	var parseErr *scraper.ParsingError
	require.ErrorAs(t, err, &parseErr)
}

func TestParsePair(t *testing.T) {
	t.Parallel()

	pair, ok := parsePair("Front:  245/40R19   |  Rear: 275/35R19")
	require.True(t, ok)
	require.Equal(t, SizePair{Front: "245/40R19", Rear: "275/35R19"}, pair)

	pair, ok = parsePair("Front: 245/40R19 Rear: 275/35R19")
	require.True(t, ok)
	require.Equal(t, SizePair{Front: "245/40R19", Rear: "275/35R19"}, pair)

	_, ok = parsePair("   ")
	require.False(t, ok)
}

func TestXMLValues(t *testing.T) {
	t.Parallel()

	values, err := XMLValues([]byte(`<years><year>2026</year><year> 2025 </year><year/></years>`), "year")
	require.NoError(t, err)
	require.Equal(t, []string{"2026", "2025"}, values)

	_, err = XMLValues([]byte(`<years><year>2026</years`), "year")
	require.Error(t, err)
}

func TestListURLBounds(t *testing.T) {
	t.Parallel()

	p, err := New(Config{BaseURL: "https://tr.test"}, nil, nil)
	require.NoError(t, err)
	u, err := p.ListURL(scraper.Key{"BMW"})
	require.NoError(t, err)
	require.Equal(t, "https://tr.test/survey/ValidationServlet?autoMake=BMW&autoYearsNeeded=true", u)
	_, err = p.ListURL(scraper.Key{"BMW", "2025", "3 Series", "Base"})
	require.Error(t, err)
	_, err = New(Config{}, nil, nil)
	require.Error(t, err)
}
