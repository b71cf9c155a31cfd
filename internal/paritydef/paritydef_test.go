package paritydef

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func writeSpec(t *testing.T, spec Spec) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "spec.json")
	data, err := json.Marshal(spec)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(path, data, 0o600))
	return path
}

func validSpec() Spec {
	return Spec{
		Sessions: map[string]Session{
			"S1": {RangeStartTime: "08:30", SlotEndTimes: []string{"09:30"}},
		},
		Instruments: map[string]Instrument{
			"ES":  {TickSize: 0.25, BaseTarget: 20},
			"MES": {TickSize: 0.25, BaseTarget: 20, IsMicro: true, BaseInstrument: "ES"},
		},
		MarketCloseTime: "16:00",
		RoundingMethod:  RoundNearest,
	}
}

func TestLoad_Valid(t *testing.T) {
	path := writeSpec(t, validSpec())
	spec, err := Load(path)
	require.NoError(t, err)
	require.True(t, spec.AllowsSlotTime("S1", "09:30"))
	require.False(t, spec.AllowsSlotTime("S1", "09:31"))
	require.Equal(t, "ES", spec.CanonicalOf("MES"))
	require.Equal(t, "ES", spec.CanonicalOf("ES"))
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load("/nonexistent/spec.json")
	require.Error(t, err)
}

func TestValidate_EmptySlotEndTimes(t *testing.T) {
	spec := validSpec()
	spec.Sessions["S1"] = Session{RangeStartTime: "08:30", SlotEndTimes: nil}
	require.Error(t, spec.Validate())
}

func TestValidate_MicroMissingBase(t *testing.T) {
	spec := validSpec()
	spec.Instruments["MNQ"] = Instrument{TickSize: 0.25, IsMicro: true, BaseInstrument: "NQ"}
	require.Error(t, spec.Validate())
}

func TestValidate_BadRoundingMethod(t *testing.T) {
	spec := validSpec()
	spec.RoundingMethod = "weird"
	require.Error(t, spec.Validate())
}

func TestRoundTick_Nearest(t *testing.T) {
	spec := validSpec()
	got, err := spec.RoundTick("ES", 4000.1)
	require.NoError(t, err)
	require.InDelta(t, 4000.0, got, 1e-9)
}

func TestRoundTick_UnknownInstrument(t *testing.T) {
	spec := validSpec()
	_, err := spec.RoundTick("ZZ", 1.0)
	require.Error(t, err)
}
