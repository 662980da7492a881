package scraper

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestKeyStringAndChild(t *testing.T) {
	t.Parallel()

	parent := Key{"2025", "Ford"}
	child := parent.Child("Bronco")
	require.Equal(t, "2025|Ford|Bronco", child.String())
	require.Equal(t, 2, parent.Depth(), "Child must not mutate the parent")

	sibling := parent.Child("Ranger")
	require.Equal(t, "2025|Ford|Bronco", child.String(), "siblings must not share backing arrays")
	require.Equal(t, "2025|Ford|Ranger", sibling.String())
}

func TestKeyEqualIsExact(t *testing.T) {
	t.Parallel()

	require.True(t, Key{"2025", "Ford"}.Equal(Key{"2025", "Ford"}))
	require.False(t, Key{"2025", "FORD"}.Equal(Key{"2025", "Ford"}))
	require.False(t, Key{" 2025", "Ford"}.Equal(Key{"2025", "Ford"}))
	require.False(t, Key{"2025"}.Equal(Key{"2025", "ford"}))
	require.False(t, Key{"2025", "gmc"}.Equal(Key{"2025", "ford"}))
}

func TestLeafResultValidate(t *testing.T) {
	t.Parallel()

	good := LeafResult{
		Identity: VehicleIdentity{Key: Key{"2025", "Ford", "Bronco", "Base", "4WD"}},
		Records:  []FitmentRecord{{Position: PositionFront}, {Position: PositionRear}},
	}
	require.NoError(t, good.Validate(5))

	var perr *ParsingError
	short := LeafResult{Identity: VehicleIdentity{Key: Key{"2025"}}}
	require.ErrorAs(t, short.Validate(5), &perr)

	blank := LeafResult{Identity: VehicleIdentity{Key: Key{"2025", " "}}}
	require.ErrorAs(t, blank.Validate(2), &perr)

	badPos := good
	badPos.Records = []FitmentRecord{{Position: "middle"}}
	require.ErrorAs(t, badPos.Validate(5), &perr)
}

func TestErrorsUnwrap(t *testing.T) {
	t.Parallel()

	root := errors.New("i/o timeout")
	wrapped := fmt.Errorf("worker: %w", &APIError{URL: "https://x", Attempts: 18, Err: root})

	var apiErr *APIError
	require.ErrorAs(t, wrapped, &apiErr)
	require.Equal(t, 18, apiErr.Attempts)
	require.ErrorIs(t, wrapped, root)

	restart := &NeedsRestartError{Cause: &HumanVerificationError{URL: "https://x", Attempts: 20}}
	var hv *HumanVerificationError
	require.ErrorAs(t, restart, &hv)
	require.Contains(t, restart.Error(), "human verification")
}

func TestAPIErrorWithoutCause(t *testing.T) {
	t.Parallel()

	bare := &APIError{URL: "https://x/models", Endpoint: "dns1:8000", Attempts: 18}
	require.Equal(t, "fetch https://x/models failed after 18 attempts (endpoint dns1:8000, status 0)", bare.Error())
	require.NotContains(t, bare.Error(), "<nil>")

	caused := &APIError{URL: "https://x/models", Endpoint: "dns1:8000", Status: 503, Attempts: 18, Err: errors.New("bad gateway")}
	require.Equal(t, "fetch https://x/models failed after 18 attempts (endpoint dns1:8000, status 503): bad gateway", caused.Error())
}
