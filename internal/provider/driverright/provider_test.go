package driverright

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	collyfetcher "github.com/JakeFAU/fitment-scraper/internal/fetcher/colly"
	"github.com/JakeFAU/fitment-scraper/internal/proxy"
	"github.com/JakeFAU/fitment-scraper/internal/scraper"
	"github.com/JakeFAU/fitment-scraper/internal/scraper/scrapertest"
	"github.com/JakeFAU/fitment-scraper/internal/taxonomy"
)

const vehicleData = `{"data": {
  "DRDChassisReturn_NA": {"CenterBore_R": 87.1, "NutorBolt": "Nut", "TPMS": "Direct", "Wheelbase_Inches": ""},
  "DRDModelReturn": {
    "PrimaryOption": {"ModelName": "F-150 XLT", "TireSize": "275/65R18", "RimOffset": "44", "LoadIndex": "116", "SpeedIndex": "T"},
    "Options": [
      {"ModelName": "F-150 XLT", "TireSize": "275/55R20", "TireSize_R": "285/55R20", "RimOffset": "44", "Offset_R": "40", "RimSize_R": "9Jx20"}
    ]
  }
}}`

func newAPI(t *testing.T) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	auth := func(r *http.Request) {
		assert.Equal(t, "user", r.URL.Query().Get("username"))
		assert.Equal(t, "secret", r.URL.Query().Get("securityToken"))
	}
	mux.HandleFunc("/api/aaia/GetAAIAYears", func(w http.ResponseWriter, r *http.Request) {
		auth(r)
		_, _ = fmt.Fprint(w, `[{"Year": 2024}, {"Year": 2025}]`)
	})
	mux.HandleFunc("/api/aaia/GetAAIAManufacturers", func(w http.ResponseWriter, r *http.Request) {
		auth(r)
		assert.Equal(t, "1", r.URL.Query().Get("regionID"))
		if r.URL.Query().Get("year") == "2025" {
			_, _ = fmt.Fprint(w, `[{"Manufacturer": "Ford"}]`)
			return
		}
		_, _ = fmt.Fprint(w, `[]`)
	})
	mux.HandleFunc("/api/aaia/GetAAIAModels", func(w http.ResponseWriter, r *http.Request) {
		auth(r)
		_, _ = fmt.Fprint(w, `[{"Model": "F-150"}]`)
	})
	mux.HandleFunc("/api/aaia/GetAAIABodyTypes", func(w http.ResponseWriter, r *http.Request) {
		auth(r)
		assert.Equal(t, "F-150", r.URL.Query().Get("model"))
		_, _ = fmt.Fprint(w, `[{"BodyType": "Pickup"}]`)
	})
	mux.HandleFunc("/api/aaia/GetAAIASubModelsWheels", func(w http.ResponseWriter, r *http.Request) {
		auth(r)
		assert.Equal(t, "Pickup", r.URL.Query().Get("bodyType"))
		_, _ = fmt.Fprint(w, `[{"SubModel": "XLT", "DRModelID": 555, "DRChassisID": 77}, {"SubModel": "Lariat", "DRDModelID": "556", "DRDChassisID": "78"}]`)
	})
	mux.HandleFunc("/api/vehicle-info/GetVehicleDataFromDRD_NA", func(w http.ResponseWriter, r *http.Request) {
		auth(r)
		assert.Equal(t, "555", r.URL.Query().Get("DRDModelID"))
		assert.Equal(t, "77", r.URL.Query().Get("DRDChassisID"))
		_, _ = fmt.Fprint(w, vehicleData)
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

func newProvider(t *testing.T, baseURL string) *Provider {
	t.Helper()
	p, err := New(Config{BaseURL: baseURL + "/api/", Username: "user", Token: "secret"}, nil)
	require.NoError(t, err)
	return p
}

func TestNewRequiresCredentials(t *testing.T) {
	t.Parallel()

	_, err := New(Config{BaseURL: "https://x.test"}, nil)
	require.Error(t, err)
	_, err = New(Config{Username: "u", Token: "t"}, nil)
	require.Error(t, err)
}

func TestListURL(t *testing.T) {
	t.Parallel()

	p := newProvider(t, "https://api.test")
	u, err := p.ListURL(scraper.Key{})
	require.NoError(t, err)
	require.Equal(t, "https://api.test/api/aaia/GetAAIAYears?securityToken=secret&username=user", u)

	u, err = p.ListURL(scraper.Key{"2025", "Ford", "F-150", "Pickup"})
	require.NoError(t, err)
	require.Equal(t, "https://api.test/api/aaia/GetAAIASubModelsWheels?bodyType=Pickup&manufacturer=Ford&model=F-150&regionID=1&securityToken=secret&username=user", u)
}

func TestWalkAndFetchLeaf(t *testing.T) {
	t.Parallel()

	srv := newAPI(t)
	p := newProvider(t, srv.URL)
	f := newFetcher(t)
	sess := scrapertest.NewSession("w1")
	w := taxonomy.New(p, f, taxonomy.Config{}, nil, nil, nil)

	var leaves []scraper.Leaf
	require.NoError(t, w.Walk(context.Background(), sess, nil, func(l scraper.Leaf) error {
		leaves = append(leaves, l)
		return nil
	}))
	require.Len(t, leaves, 2)
	require.Equal(t, scraper.Key{"2025", "Ford", "F-150", "Pickup", "Lariat"}, leaves[0].Key)
	require.Equal(t, map[string]string{ModelIDField: "556", ChassisIDField: "78"}, leaves[0].IDs)
	require.Equal(t, scraper.Key{"2025", "Ford", "F-150", "Pickup", "XLT"}, leaves[1].Key)

	res, err := p.FetchLeaf(context.Background(), f, sess, leaves[1])
	require.NoError(t, err)
	require.NoError(t, res.Validate(len(Levels)))
	require.Equal(t, map[string]string{"drd_model_id": "555", "drd_chassis_id": "77"}, res.Identity.ExternalIDs)
	require.Equal(t, map[string]string{"center_bore": "87.1", "nut_or_bolt": "Nut", "tpms": "Direct"}, res.Identity.Enrichment)

	require.Len(t, res.Records, 3)
	primary := res.Records[0]
	require.Equal(t, scraper.PositionFront, primary.Position)
	require.Equal(t, scraper.CategoryOriginal, primary.Category)
	require.Equal(t, "275/65R18", primary.TireSize)
	require.Equal(t, scraper.FitmentRange{Min: "44", Max: "44"}, primary.Offset)
	require.Equal(t, "116", primary.Attrs["load_index"])
	require.Equal(t, "F-150 XLT", primary.Attrs["model_name"])

	rear := res.Records[2]
	require.Equal(t, scraper.PositionRear, rear.Position)
	require.Equal(t, scraper.CategoryOptional, rear.Category)
	require.Equal(t, "285/55R20", rear.TireSize)
	require.Equal(t, "9Jx20", rear.Attrs["rim_size"])
	require.Equal(t, scraper.FitmentRange{Min: "40", Max: "40"}, rear.Offset)
}

func TestFetchLeafRequiresIDs(t *testing.T) {
	t.Parallel()

	p := newProvider(t, "https://api.test")
	fetcher := &scrapertest.Fetcher{}
	_, err := p.FetchLeaf(context.Background(), fetcher, nil, scraper.Leaf{Key: scraper.Key{"2025", "Ford", "F-150", "Pickup", "XLT"}})
	var parseErr *scraper.ParsingError
	require.ErrorAs(t, err, &parseErr)
	require.Empty(t, fetcher.Calls())
}

func TestParseVehicleData(t *testing.T) {
	t.Parallel()

	data, err := ParseVehicleData(scraper.Page{Body: []byte(`{"DRDChassisReturn": {"TPMS": "Indirect"}}`)})
	require.NoError(t, err)
	require.Equal(t, "Indirect", data.Chassis["TPMS"])
	require.Empty(t, data.Records())

	_, err = ParseVehicleData(scraper.Page{Body: []byte(`{"data": {}}`)})
	var parseErr *scraper.ParsingError
	require.ErrorAs(t, err, &parseErr)

	_, err = ParseVehicleData(scraper.Page{Body: []byte(`[]`)})
	require.ErrorAs(t, err, &parseErr)
}
