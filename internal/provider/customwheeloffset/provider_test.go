package customwheeloffset

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	collyfetcher "github.com/JakeFAU/fitment-scraper/internal/fetcher/colly"
	"github.com/JakeFAU/fitment-scraper/internal/proxy"
	"github.com/JakeFAU/fitment-scraper/internal/scraper"
	"github.com/JakeFAU/fitment-scraper/internal/scraper/scrapertest"
)

const storePage = `<html><head><title>Wheels</title></head><body>
<div class="store-bp" data-bp="6x5.5,6x139.7">6x139.7mm (6x5.5")</div>
<div class="store-ymm-fitrange"><nobr>Front Fitment</nobr>
  <span class="store-conf-range">Diameter: <b>17" to 22"</b></span>
  <span class="store-conf-range">Width: <b>7.5" to 10"</b></span>
  <span class="store-conf-range">Offset: <b>+0mm to +35mm</b></span>
</div>
<div class="store-ymm-fitrange"><nobr>Rear Fitment</nobr>
  <span class="store-conf-range">Diameter: <b>18" to 22"</b></span>
  <span class="store-conf-range">Width: <b>8" to 10.5"</b></span>
  <span class="store-conf-range">Offset: <b>mm to mm</b></span>
</div>
</body></html>`

type savedIDs struct {
	mu  sync.Mutex
	ids []string
}

func (s *savedIDs) SaveSessionID(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ids = append(s.ids, id)
	return nil
}

type site struct {
	srv         *httptest.Server
	mu          sync.Mutex
	storeQuery  []string
	vehicleType any
}

func newSite(t *testing.T) *site {
	t.Helper()
	s := &site{vehicleType: []string{"Truck"}}
	mux := http.NewServeMux()
	mux.HandleFunc("/makemodel/bp.php", func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.URL.Query().Get("make") != "":
			_, _ = fmt.Fprint(w, `<select name="model"><option value="">Model</option><option value="F-150">F-150</option></select>`)
		case r.URL.Query().Get("year") != "":
			_, _ = fmt.Fprint(w, `<select name="make"><option value="">Make</option><option value="Ford">Ford</option><option value="Acura">Acura</option></select>`)
		default:
			_, _ = fmt.Fprint(w, `<select name="year"><option value="">Year</option><option value="2025">2025</option><option value="2026">2026</option></select>`)
		}
	})
	mux.HandleFunc("/fitment/vehicle/co/", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/fitment/vehicle/co/2025/Ford/F-150/Big Bend/4WD", r.URL.Path)
		s.mu.Lock()
		vt := s.vehicleType
		s.mu.Unlock()
		_ = json.NewEncoder(w).Encode(map[string]any{"vehicleType": vt, "drchassisid": 90666, "stockOffset": "44"})
	})
	mux.HandleFunc("/api/ymm-temp.php", func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		switch {
		case q.Get("getSuspension") == "true":
			_, _ = fmt.Fprint(w, `["Stock","Leveling Kit"]`)
		case q.Get("getTrimming") == "true":
			_, _ = fmt.Fprint(w, `["No Modification"]`)
		case q.Get("getRubbing") == "true":
			_, _ = fmt.Fprint(w, `[]`)
		default:
			assert.Equal(t, "Big Bend", q.Get("trim"))
			assert.Equal(t, "90666", q.Get("chassis"))
			http.SetCookie(w, &http.Cookie{Name: SessionCookie, Value: "sess-42", Path: "/"})
			_, _ = fmt.Fprint(w, "ok")
		}
	})
	mux.HandleFunc("/store/wheels", func(w http.ResponseWriter, r *http.Request) {
		c, err := r.Cookie(SessionCookie)
		if assert.NoError(t, err) {
			assert.Equal(t, "sess-42", c.Value)
		}
		s.mu.Lock()
		s.storeQuery = append(s.storeQuery, r.URL.RawQuery)
		s.mu.Unlock()
		_, _ = fmt.Fprint(w, storePage)
	})
	s.srv = httptest.NewServer(mux)
	t.Cleanup(s.srv.Close)
	return s
}

func (s *site) queries() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.storeQuery...)
}

func newFetcher(t *testing.T) *collyfetcher.Fetcher {
	t.Helper()
	rot, err := proxy.NewRotation(nil, "", "", 1)
	require.NoError(t, err)
	return collyfetcher.New(collyfetcher.Config{Source: Name, Timeout: 2 * time.Second}, rot, nil, nil, nil, nil)
}

func newProvider(t *testing.T, s *site, all bool, tokens SessionIDSaver) *Provider {
	t.Helper()
	p, err := New(Config{
		BaseURL:        s.srv.URL + "/",
		DetailURL:      s.srv.URL + "/fitment/vehicle/co",
		AllPreferences: all,
	}, tokens, nil)
	require.NoError(t, err)
	return p
}

var leafKey = scraper.Key{"2025", "Ford", "F-150", "Big Bend", "4WD"}

func TestNewRequiresURLs(t *testing.T) {
	t.Parallel()

	_, err := New(Config{DetailURL: "https://x.test"}, nil, nil)
	require.Error(t, err)
	_, err = New(Config{BaseURL: "https://x.test"}, nil, nil)
	require.Error(t, err)
}

func TestListingThroughFetcher(t *testing.T) {
	t.Parallel()

	s := newSite(t)
	p := newProvider(t, s, false, nil)
	f := newFetcher(t)
	sess := scrapertest.NewSession("w1")

	rawURL, err := p.ListURL(scraper.Key{})
	require.NoError(t, err)
	require.Equal(t, s.srv.URL+"/makemodel/bp.php", rawURL)
	page, err := f.Fetch(context.Background(), sess, rawURL)
	require.NoError(t, err)
	opts, err := p.ParseListing(0, page)
	require.NoError(t, err)
	require.Equal(t, []string{"2025", "2026"}, scraper.Labels(opts))

	rawURL, err = p.ListURL(scraper.Key{"2025", "Ford"})
	require.NoError(t, err)
	require.Equal(t, s.srv.URL+"/makemodel/bp.php?make=Ford&year=2025", rawURL)
	page, err = f.Fetch(context.Background(), sess, rawURL)
	require.NoError(t, err)
	opts, err = p.ParseListing(2, page)
	require.NoError(t, err)
	require.Equal(t, []string{"F-150"}, scraper.Labels(opts))

	_, err = p.ListURL(leafKey)
	require.Error(t, err)
}

func TestFetchLeafStockSetup(t *testing.T) {
	t.Parallel()

	s := newSite(t)
	tokens := &savedIDs{}
	p := newProvider(t, s, false, tokens)

	res, err := p.FetchLeaf(context.Background(), newFetcher(t), scrapertest.NewSession("w1"), scraper.Leaf{Key: leafKey})
	require.NoError(t, err)
	require.NoError(t, res.Validate(len(Levels)))

	require.Equal(t, leafKey, res.Identity.Key)
	require.Equal(t, map[string]string{"dr_chassis_id": "90666"}, res.Identity.ExternalIDs)
	require.Equal(t, map[string]string{
		"vehicle_type":  "Truck",
		"dr_chassis_id": "90666",
		"bolt_pattern":  `6x139.7mm (6x5.5")`,
	}, res.Identity.Enrichment)

	require.Len(t, res.Records, 2)
	front, rear := res.Records[0], res.Records[1]
	require.Equal(t, scraper.PositionFront, front.Position)
	require.Equal(t, scraper.FitmentRange{Min: `17"`, Max: `22"`}, front.Diameter)
	require.Equal(t, scraper.FitmentRange{Min: "+0mm", Max: "+35mm"}, front.Offset)
	require.Nil(t, front.Attrs)
	require.Equal(t, scraper.PositionRear, rear.Position)
	require.Equal(t, scraper.FitmentRange{Min: `8"`, Max: `10.5"`}, rear.Width)
	require.True(t, rear.Offset.IsZero())

	tokens.mu.Lock()
	require.Equal(t, []string{"sess-42"}, tokens.ids)
	tokens.mu.Unlock()
	queries := s.queries()
	require.Len(t, queries, 1)
	require.True(t, strings.HasPrefix(queries[0], "sort=instock&saleToggle=0&qdToggle=0&year=2025&make=Ford"))
	require.Contains(t, queries[0], "trim=Big%20Bend")
	require.Contains(t, queries[0], "DRChassisID=90666&vehicle_type=Truck")
	require.NotContains(t, queries[0], "suspension")
}

func TestFetchLeafAllPreferences(t *testing.T) {
	t.Parallel()

	s := newSite(t)
	p := newProvider(t, s, true, nil)

	res, err := p.FetchLeaf(context.Background(), newFetcher(t), scrapertest.NewSession("w1"), scraper.Leaf{Key: leafKey})
	require.NoError(t, err)
	queries := s.queries()
	require.Len(t, queries, 2)
	require.Contains(t, queries[1], "suspension=Leveling%20Kit&modification=No%20Modification")
	require.NotContains(t, queries[1], "rubbing")

	require.Len(t, res.Records, 4)
	require.Equal(t, map[string]string{"suspension": "Stock", "modification": "No Modification"}, res.Records[0].Attrs)
	require.Equal(t, map[string]string{"suspension": "Leveling Kit", "modification": "No Modification"}, res.Records[3].Attrs)
}

func TestFetchLeafWithoutVehicleType(t *testing.T) {
	t.Parallel()

	s := newSite(t)
	s.vehicleType = []string{}
	p := newProvider(t, s, false, nil)

	_, err := p.FetchLeaf(context.Background(), newFetcher(t), scrapertest.NewSession("w1"), scraper.Leaf{Key: leafKey})
	var parseErr *scraper.ParsingError
	require.ErrorAs(t, err, &parseErr)
	require.Empty(t, s.queries())
}

func TestFetchLeafRejectsPartialKey(t *testing.T) {
	t.Parallel()

	p, err := New(Config{BaseURL: "https://x.test", DetailURL: "https://y.test"}, nil, nil)
	require.NoError(t, err)
	_, err = p.FetchLeaf(context.Background(), &scrapertest.Fetcher{}, nil, scraper.Leaf{Key: scraper.Key{"2025"}})
	var parseErr *scraper.ParsingError
	require.ErrorAs(t, err, &parseErr)
}

func TestParseFitmentMergedSection(t *testing.T) {
	t.Parallel()

	page := scraper.Page{Body: []byte(`
<div class="store-bp">5x120mm (5x4.72")</div>
<div class="store-ymm-fitrange full-size"><nobr>Fitment</nobr>
  <span class="store-conf-range">Diameter: <b>18" to 21"</b></span>
  <span class="store-conf-range">Width: <b>8" to 9.5"</b></span>
  <span class="store-conf-range">Offset: <b>+20mm to +45mm</b></span>
</div>`)}
	fit, err := ParseFitment(page)
	require.NoError(t, err)
	require.Equal(t, fit.Front, fit.Rear)
	require.Equal(t, scraper.FitmentRange{Min: `18"`, Max: `21"`}, fit.Front.Diameter)
	require.Equal(t, `5x120mm (5x4.72")`, fit.BoltPattern)
	require.Len(t, fit.Records(nil), 2)
}

func TestParseFitmentWithoutSections(t *testing.T) {
	t.Parallel()

	_, err := ParseFitment(scraper.Page{URL: "https://x.test/store/wheels", Body: []byte(`<p>No results</p>`)})
	var parseErr *scraper.ParsingError
	require.ErrorAs(t, err, &parseErr)
}

func TestParseRange(t *testing.T) {
	t.Parallel()

	require.Equal(t, scraper.FitmentRange{Min: "7.5\"", Max: "9\""}, parseRange(`7.5" to 9"`))
	require.True(t, parseRange(`" to "`).IsZero())
	require.True(t, parseRange("N/A").IsZero())
}
