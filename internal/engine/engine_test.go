package engine

import (
	"encoding/json"
	"io"
	"log"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/qtsw2/breakout-engine/internal/broker"
	"github.com/qtsw2/breakout-engine/internal/models"
	"github.com/qtsw2/breakout-engine/internal/risk"
)

const tradingDate = "2026-07-29" // a Wednesday, clear of any DST transition

func writeFixture(t *testing.T, dir, name string, v interface{}) string {
	t.Helper()
	path := filepath.Join(dir, name)
	data, err := json.Marshal(v)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(path, data, 0o600))
	return path
}

type fixturePaths struct {
	paritySpec string
	timetable  string
	policy     string
}

func writeFixtures(t *testing.T, root string, slotTime string, enabled bool) fixturePaths {
	t.Helper()

	parity := map[string]interface{}{
		"sessions": map[string]interface{}{
			"RTH": map[string]interface{}{
				"range_start_time": "08:00",
				"slot_end_times":   []string{slotTime},
			},
		},
		"instruments": map[string]interface{}{
			"ES1": map[string]interface{}{
				"tick_size":       0.25,
				"base_target":     10.0,
				"is_micro":        false,
				"base_instrument": "",
			},
		},
		"market_close_time": "15:00",
		"rounding_method":   "nearest",
	}

	tt := map[string]interface{}{
		"trading_date": tradingDate,
		"timezone":     "America/Chicago",
		"streams": []map[string]interface{}{
			{
				"stream":     "ES1-RTH-" + slotTime,
				"instrument": "ES1",
				"session":    "RTH",
				"slot_time":  slotTime,
				"enabled":    enabled,
			},
		},
	}

	pol := map[string]interface{}{
		"canonical_markets": map[string]interface{}{
			"ES1": map[string]interface{}{
				"execution_instruments": map[string]interface{}{
					"ES1": map[string]interface{}{
						"enabled":   true,
						"base_size": 1,
						"max_size":  2,
					},
				},
			},
		},
	}

	return fixturePaths{
		paritySpec: writeFixture(t, root, "parity.json", parity),
		timetable:  writeFixture(t, root, "timetable.json", tt),
		policy:     writeFixture(t, root, "policy.json", pol),
	}
}

func newTestEngine(t *testing.T, fp fixturePaths) *Engine {
	t.Helper()
	root := t.TempDir()
	logger := log.New(io.Discard, "", 0)
	adapter := broker.NewSimAdapter(0)
	return New(Options{
		ProjectRoot:         root,
		ParitySpecPath:      fp.paritySpec,
		TimetablePath:       fp.timetable,
		ExecutionPolicyPath: fp.policy,
		JournalDir:          filepath.Join(root, "journal"),
		ExecutionInstrument: "ES1",
		Mode:                risk.ModeDryRun,
		RunID:               "test-run",
	}, logger, adapter, nil)
}

// beforeRangeStart returns the UTC instant of 07:00 Chicago (CDT, UTC-5) on
// tradingDate — before range-start so streams begin in PRE_HYDRATION.
func beforeRangeStart() time.Time {
	return time.Date(2026, 7, 29, 12, 0, 0, 0, time.UTC)
}

func TestEngine_StartArmsEnabledStreamsAndLocksTradingDate(t *testing.T) {
	root := t.TempDir()
	fp := writeFixtures(t, root, "08:30", true)
	eng := newTestEngine(t, fp)

	require.NoError(t, eng.Start(beforeRangeStart()))
	defer eng.Stop(beforeRangeStart())

	require.Equal(t, tradingDate, eng.TradingDate())
	require.Equal(t, "ES1", eng.CanonicalMarket())
	require.True(t, eng.LockHeld())
	require.Equal(t, "test-run", eng.RunID())

	streams := eng.StreamSummaries()
	require.Len(t, streams, 1)
	require.Equal(t, "ES1-RTH-08:30", streams[0].StreamID)
}

func TestEngine_StartRejectsLiveMode(t *testing.T) {
	root := t.TempDir()
	fp := writeFixtures(t, root, "08:30", true)
	logger := log.New(io.Discard, "", 0)
	adapter := broker.NewSimAdapter(0)
	eng := New(Options{
		ProjectRoot:         root,
		ParitySpecPath:      fp.paritySpec,
		TimetablePath:       fp.timetable,
		ExecutionPolicyPath: fp.policy,
		JournalDir:          filepath.Join(root, "journal"),
		ExecutionInstrument: "ES1",
		Mode:                risk.ModeLive,
	}, logger, adapter, nil)

	err := eng.Start(beforeRangeStart())
	require.Error(t, err)
}

func TestEngine_DisabledDirectiveIsNotArmed(t *testing.T) {
	root := t.TempDir()
	fp := writeFixtures(t, root, "08:30", false)
	eng := newTestEngine(t, fp)

	require.NoError(t, eng.Start(beforeRangeStart()))
	defer eng.Stop(beforeRangeStart())

	require.Empty(t, eng.StreamSummaries())
}

func TestEngine_AreStreamsReadyForInstrument_BecomesTrueAfterPreHydration(t *testing.T) {
	root := t.TempDir()
	fp := writeFixtures(t, root, "08:30", true)
	eng := newTestEngine(t, fp)

	now := beforeRangeStart()
	require.NoError(t, eng.Start(now))
	defer eng.Stop(now)

	require.False(t, eng.AreStreamsReadyForInstrument("ES1"))

	bar := models.Bar{OpenUTC: now.Add(-2 * time.Minute), Open: 100, High: 101, Low: 99, Close: 100.5, Source: models.SourceCSV}
	eng.LoadPreHydrationBars("ES1", []models.Bar{bar}, now)
	eng.Tick(now)

	require.True(t, eng.AreStreamsReadyForInstrument("ES1"))
}

func TestEngine_AreStreamsReadyForInstrument_FalseForUnknownInstrument(t *testing.T) {
	root := t.TempDir()
	fp := writeFixtures(t, root, "08:30", true)
	eng := newTestEngine(t, fp)

	now := beforeRangeStart()
	require.NoError(t, eng.Start(now))
	defer eng.Stop(now)

	require.False(t, eng.AreStreamsReadyForInstrument("NQ1"))
}

func TestEngine_GetBarsRequestTimeRange(t *testing.T) {
	root := t.TempDir()
	fp := writeFixtures(t, root, "08:30", true)
	eng := newTestEngine(t, fp)

	now := beforeRangeStart()
	require.NoError(t, eng.Start(now))
	defer eng.Stop(now)

	start, end, ok := eng.GetBarsRequestTimeRange("ES1")
	require.True(t, ok)
	// 08:00 Chicago (CDT, UTC-5) range-start == 13:00Z; 15:00 Chicago market close == 20:00Z.
	require.Equal(t, 13, start.UTC().Hour())
	require.Equal(t, 20, end.UTC().Hour())

	_, _, ok = eng.GetBarsRequestTimeRange("NQ1")
	require.False(t, ok)
}

func TestEngine_GetOrderQuantity(t *testing.T) {
	root := t.TempDir()
	fp := writeFixtures(t, root, "08:30", true)
	eng := newTestEngine(t, fp)

	now := beforeRangeStart()
	require.NoError(t, eng.Start(now))
	defer eng.Stop(now)

	qty, err := eng.GetOrderQuantity("ES1", "ES1")
	require.NoError(t, err)
	require.Equal(t, 1, qty)

	_, err = eng.GetOrderQuantity("ES1", "MES1")
	require.Error(t, err)
}

func TestEngine_SetAccountInfo(t *testing.T) {
	root := t.TempDir()
	fp := writeFixtures(t, root, "08:30", true)
	eng := newTestEngine(t, fp)

	now := beforeRangeStart()
	require.NoError(t, eng.Start(now))
	defer eng.Stop(now)

	eng.SetAccountInfo("ACC-1", "paper")
	eng.mu.Lock()
	account, environment := eng.account, eng.environment
	eng.mu.Unlock()
	require.Equal(t, "ACC-1", account)
	require.Equal(t, "paper", environment)
}

func TestEngine_OnConnectionStatusUpdate_DisconnectBlocksExecution(t *testing.T) {
	root := t.TempDir()
	fp := writeFixtures(t, root, "08:30", true)
	eng := newTestEngine(t, fp)

	now := beforeRangeStart()
	require.NoError(t, eng.Start(now))
	defer eng.Stop(now)

	require.True(t, eng.IsExecutionAllowed())
	eng.OnConnectionStatusUpdate(false, now)
	require.False(t, eng.IsExecutionAllowed())
	require.Equal(t, models.RecoveryDisconnected, eng.RecoveryState())
}

func TestEngine_SetKillSwitch(t *testing.T) {
	root := t.TempDir()
	fp := writeFixtures(t, root, "08:30", true)
	eng := newTestEngine(t, fp)
	require.False(t, eng.KillSwitchEnabled())
	eng.SetKillSwitch(true)
	require.True(t, eng.KillSwitchEnabled())
}

func TestEngine_PollTimetableAndApply_ReactsToNewDirective(t *testing.T) {
	root := t.TempDir()
	fp := writeFixtures(t, root, "08:30", true)
	eng := newTestEngine(t, fp)

	now := beforeRangeStart()
	require.NoError(t, eng.Start(now))
	defer eng.Stop(now)
	require.Len(t, eng.StreamSummaries(), 1)

	// Rewrite the timetable with a second enabled stream for the same
	// trading date and poll again.
	tt := map[string]interface{}{
		"trading_date": tradingDate,
		"timezone":     "America/Chicago",
		"streams": []map[string]interface{}{
			{"stream": "ES1-RTH-08:30", "instrument": "ES1", "session": "RTH", "slot_time": "08:30", "enabled": true},
			{"stream": "ES1-RTH-09:00", "instrument": "ES1", "session": "RTH", "slot_time": "08:30", "enabled": true},
		},
	}
	data, err := json.Marshal(tt)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(fp.timetable, data, 0o600))

	contract, err := eng.PollTimetable()
	require.NoError(t, err)
	eng.ApplyTimetable(contract, now)

	require.Len(t, eng.StreamSummaries(), 2)
}
