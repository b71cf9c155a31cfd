package timetable

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func writeTimetable(t *testing.T, c Contract) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "timetable.json")
	data, err := json.Marshal(c)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(path, data, 0o600))
	return path
}

func TestLoad_Valid(t *testing.T) {
	path := writeTimetable(t, Contract{
		TradingDate: "2024-06-10",
		Timezone:    RequiredTimezone,
		Streams: []Directive{
			{StreamID: "ES1", Instrument: "ES", Session: "S1", SlotTime: "09:30", Enabled: true},
			{StreamID: "ES2", Instrument: "ES", Session: "S2", SlotTime: "10:30", Enabled: false},
		},
	})

	c, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, "2024-06-10", c.TradingDate)
	require.NotEmpty(t, c.Hash())
	require.Len(t, c.Enabled(), 1)
	require.Equal(t, "ES1", c.Enabled()[0].StreamID)
}

func TestLoad_WrongTimezone(t *testing.T) {
	path := writeTimetable(t, Contract{
		TradingDate: "2024-06-10",
		Timezone:    "America/New_York",
	})
	_, err := Load(path)
	require.Error(t, err)
}

func TestLoad_MissingTradingDate(t *testing.T) {
	path := writeTimetable(t, Contract{Timezone: RequiredTimezone})
	_, err := Load(path)
	require.Error(t, err)
}

func TestHash_StableAcrossReloads(t *testing.T) {
	c := Contract{TradingDate: "2024-06-10", Timezone: RequiredTimezone}
	path := writeTimetable(t, c)

	first, err := Load(path)
	require.NoError(t, err)
	second, err := Load(path)
	require.NoError(t, err)

	require.Equal(t, first.Hash(), second.Hash())
}

func TestDiffDirectives(t *testing.T) {
	old := []Directive{
		{StreamID: "ES1", Instrument: "ES", SlotTime: "09:30", Enabled: true},
	}
	newDirs := []Directive{
		{StreamID: "ES1", Instrument: "ES", SlotTime: "09:45", Enabled: true}, // updated
		{StreamID: "ES2", Instrument: "ES", SlotTime: "10:30", Enabled: true}, // new
		{StreamID: "NQ1", Instrument: "NQ", SlotTime: "09:30", Enabled: true}, // skipped
	}

	diff := DiffDirectives(old, newDirs, "ES")
	require.Len(t, diff.New, 1)
	require.Equal(t, "ES2", diff.New[0].StreamID)
	require.Len(t, diff.Updated, 1)
	require.Equal(t, "ES1", diff.Updated[0].StreamID)
	require.Len(t, diff.Skipped, 1)
	require.Equal(t, "NQ1", diff.Skipped[0].StreamID)
}

func TestIsReplay(t *testing.T) {
	c := Contract{MetadataRaw: &Metadata{Replay: true}}
	require.True(t, c.IsReplay())

	c2 := Contract{}
	require.False(t, c2.IsReplay())
}
