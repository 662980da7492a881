package provider

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/fitment-scraper/internal/config"
	"github.com/JakeFAU/fitment-scraper/internal/scraper/scrapertest"
)

func TestNames(t *testing.T) {
	t.Parallel()

	require.Equal(t, []string{"custom_wheel_offset", "driver_right", "tire_rack"}, Names())
}

func TestNewBuildsEachProvider(t *testing.T) {
	t.Parallel()

	def, err := New(" Custom_Wheel_Offset ", config.ProviderConfig{
		BaseURL:   "https://www.customwheeloffset.com",
		DetailURL: "https://www.enthusiastenterprises.us/fitment/vehicle/co",
	}, Deps{})
	require.NoError(t, err)
	require.Equal(t, "custom_wheel_offset", def.Provider.Name())

	schema := def.Schema("")
	require.NoError(t, schema.Validate())
	require.Equal(t, "custom_wheel_offset_ymm", schema.IdentityTable())
	require.Equal(t, []string{"year", "make", "model", "trim", "drive"}, schema.Levels)
	require.Equal(t, []string{"vehicle_type", "dr_chassis_id", "bolt_pattern"}, schema.Enrichment)

	def, err = New("driver_right", config.ProviderConfig{BaseURL: "https://api.test", Username: "u", Token: "t"}, Deps{})
	require.NoError(t, err)
	require.NoError(t, def.Schema("scrape_error_log").Validate())

	def, err = New("tire_rack", config.ProviderConfig{BaseURL: "https://www.tirerack.com"}, Deps{})
	require.NoError(t, err)
	require.Equal(t, []string{"make", "year", "model", "clarifier"}, def.Provider.Levels())
	require.NoError(t, def.Schema("").Validate())
}

func TestNewErrors(t *testing.T) {
	t.Parallel()

	_, err := New("ebay", config.ProviderConfig{}, Deps{})
	require.ErrorContains(t, err, "unknown provider")

	_, err = New("driver_right", config.ProviderConfig{BaseURL: "https://api.test"}, Deps{})
	require.ErrorContains(t, err, "username and token")

	_, err = New("tire_rack", config.ProviderConfig{BaseURL: "https://www.tirerack.com", Headless: true}, Deps{})
	require.ErrorContains(t, err, "headless")

	_, err = New("tire_rack", config.ProviderConfig{BaseURL: "https://www.tirerack.com", Headless: true},
		Deps{Headless: &scrapertest.Fetcher{}})
	require.NoError(t, err)
}
