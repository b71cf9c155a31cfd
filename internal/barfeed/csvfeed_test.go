package barfeed

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPathFor_BuildsConventionalPath(t *testing.T) {
	p, err := PathFor("/root/project", "ES1", "2026-07-29")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join("/root/project", "data", "raw", "es1", "1m", "2026", "07", "ES1_1m_2026-07-29.csv"), p)
}

func TestPathFor_RejectsMalformedDate(t *testing.T) {
	_, err := PathFor("/root", "ES1", "07-29-2026")
	assert.Error(t, err)
}

func TestLoadBars_ParsesHeaderAndRows(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "bars.csv")
	content := "timestamp_utc,open,high,low,close,volume\n" +
		"2026-07-29T13:30:00Z,100.0,101.5,99.5,101.0,500\n" +
		"2026-07-29T13:31:00Z,101.0,102.0,100.5,101.5,400\n"
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))

	bars, err := LoadBars(path)
	require.NoError(t, err)
	require.Len(t, bars, 2)
	assert.Equal(t, 100.0, bars[0].Open)
	assert.Equal(t, 500.0, bars[0].Volume)
	assert.Equal(t, 101.5, bars[1].Close)
}

func TestLoadBars_MissingColumnErrors(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "bars.csv")
	require.NoError(t, os.WriteFile(path, []byte("timestamp_utc,open,high,low\n2026-07-29T13:30:00Z,1,2,0\n"), 0o600))

	_, err := LoadBars(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "close")
}

func TestLoadBars_InvalidOHLCRejected(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "bars.csv")
	content := "timestamp_utc,open,high,low,close\n2026-07-29T13:30:00Z,100,99,101,100\n"
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))

	_, err := LoadBars(path)
	assert.Error(t, err)
}
