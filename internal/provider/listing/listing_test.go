package listing

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/fitment-scraper/internal/scraper"
)

func TestSelectOptions(t *testing.T) {
	t.Parallel()

	page := scraper.Page{URL: "https://example.test/bp.php", Body: []byte(`
<form>
  <select name="year"><option value="">Year</option><option value="2026">2026</option></select>
  <select name="make">
    <option value="">Select Make</option>
    <option value="Acura">Acura</option>
    <option value=" Alfa Romeo ">Alfa Romeo</option>
    <option value="Acura">Acura</option>
    <option>BMW</option>
  </select>
</form>`)}

	opts, err := SelectOptions(page, `select[name="make"]`)
	require.NoError(t, err)
	require.Equal(t, []string{"Acura", "Alfa Romeo", "BMW"}, scraper.Labels(opts))

	opts, err = SelectOptions(page, `select[name="year"]`)
	require.NoError(t, err)
	require.Equal(t, []string{"2026"}, scraper.Labels(opts))

	_, err = SelectOptions(page, `select[name="trim"]`)
	var parseErr *scraper.ParsingError
	require.ErrorAs(t, err, &parseErr)
}

func TestJSONField(t *testing.T) {
	t.Parallel()

	page := scraper.Page{Body: []byte(`[
		{"SubModel": "XLT", "DRModelID": 1234, "DRChassisID": "77"},
		{"SubModel": "", "DRModelID": 1},
		{"SubModel": "Lariat", "DRModelID": 1235.0}
	]`)}
	opts, err := JSONField(page, "SubModel", "DRModelID", "DRChassisID")
	require.NoError(t, err)
	require.Len(t, opts, 2)
	require.Equal(t, map[string]string{"DRModelID": "1234", "DRChassisID": "77"}, opts[0].IDs)
	require.Equal(t, map[string]string{"DRModelID": "1235"}, opts[1].IDs)

	_, err = JSONField(scraper.Page{Body: []byte(`{"error": "denied"}`)}, "Year")
	var parseErr *scraper.ParsingError
	require.ErrorAs(t, err, &parseErr)
}

func TestStringify(t *testing.T) {
	t.Parallel()

	require.Equal(t, "2025", Stringify(float64(2025)))
	require.Equal(t, "64.1", Stringify(64.1))
	require.Equal(t, "x", Stringify(" x "))
	require.Empty(t, Stringify(nil))
	require.Equal(t, "true", Stringify(true))
}
