package policy

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func writePolicy(t *testing.T, p Policy) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "policy.json")
	data, err := json.Marshal(p)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(path, data, 0o600))
	return path
}

func TestLoad_Valid(t *testing.T) {
	path := writePolicy(t, Policy{
		CanonicalMarkets: map[string]CanonicalMarket{
			"ES": {ExecutionInstruments: map[string]Entry{
				"MES": {Enabled: true, BaseSize: 1, MaxSize: 5},
			}},
		},
	})

	p, err := Load(path)
	require.NoError(t, err)
	require.True(t, p.IsEnabled("ES", "MES"))
	require.False(t, p.IsEnabled("ES", "ES"))

	qty, err := p.Quantity("ES", "MES")
	require.NoError(t, err)
	require.Equal(t, 1, qty)
	require.NotEmpty(t, p.Hash())
}

func TestValidate_BaseSizeNonPositive(t *testing.T) {
	p := Policy{CanonicalMarkets: map[string]CanonicalMarket{
		"ES": {ExecutionInstruments: map[string]Entry{
			"MES": {Enabled: true, BaseSize: 0, MaxSize: 5},
		}},
	}}
	require.Error(t, p.Validate())
}

func TestValidate_BaseSizeExceedsMax(t *testing.T) {
	p := Policy{CanonicalMarkets: map[string]CanonicalMarket{
		"ES": {ExecutionInstruments: map[string]Entry{
			"MES": {Enabled: true, BaseSize: 10, MaxSize: 5},
		}},
	}}
	require.Error(t, p.Validate())
}

func TestValidate_DisabledEntrySkipsChecks(t *testing.T) {
	p := Policy{CanonicalMarkets: map[string]CanonicalMarket{
		"ES": {ExecutionInstruments: map[string]Entry{
			"MES": {Enabled: false, BaseSize: 0, MaxSize: 0},
		}},
	}}
	require.NoError(t, p.Validate())
}

func TestQuantity_NotEnabled(t *testing.T) {
	p := Policy{CanonicalMarkets: map[string]CanonicalMarket{
		"ES": {ExecutionInstruments: map[string]Entry{
			"MES": {Enabled: false, BaseSize: 1, MaxSize: 5},
		}},
	}}
	_, err := p.Quantity("ES", "MES")
	require.Error(t, err)
}
