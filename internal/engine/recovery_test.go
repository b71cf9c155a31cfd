package engine

import (
	"context"
	"io"
	"log"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/qtsw2/breakout-engine/internal/broker"
	"github.com/qtsw2/breakout-engine/internal/models"
	"github.com/qtsw2/breakout-engine/internal/risk"
)

func newTestEngineWithAdapter(t *testing.T, fp fixturePaths) (*Engine, *broker.SimAdapter) {
	t.Helper()
	root := t.TempDir()
	logger := log.New(io.Discard, "", 0)
	adapter := broker.NewSimAdapter(0)
	eng := New(Options{
		ProjectRoot:         root,
		ParitySpecPath:      fp.paritySpec,
		TimetablePath:       fp.timetable,
		ExecutionPolicyPath: fp.policy,
		JournalDir:          filepath.Join(root, "journal"),
		ExecutionInstrument: "ES1",
		Mode:                risk.ModeDryRun,
		RunID:               "test-run",
	}, logger, adapter, nil)
	return eng, adapter
}

// driveStreamToFilledEntry starts eng and feeds it a two-bar pre-hydration
// window whose freeze-close already breaks the range long, so the single
// stream fills an entry immediately at lock (§4.7's immediate-at-lock rule)
// and reaches CommitEntryFilled with a live intent the sim adapter now
// holds a matching position for.
func driveStreamToFilledEntry(t *testing.T, eng *Engine) {
	t.Helper()

	rangeStart := time.Date(2026, 7, 29, 13, 0, 0, 0, time.UTC)  // 08:00 Chicago (CDT)
	slotTime := time.Date(2026, 7, 29, 13, 5, 0, 0, time.UTC)    // 08:05 Chicago
	startNow := rangeStart.Add(-time.Hour)

	require.NoError(t, eng.Start(startNow))

	bars := []models.Bar{
		{OpenUTC: rangeStart, Open: 100, High: 105, Low: 95, Close: 100, Source: models.SourceCSV},
		{OpenUTC: slotTime.Add(-time.Minute), Open: 102, High: 112, Low: 101, Close: 110, Source: models.SourceCSV},
	}
	after := slotTime.Add(5 * time.Minute)
	eng.LoadPreHydrationBars("ES1", bars, after)

	eng.Tick(after) // PRE_HYDRATION -> ARMED
	eng.Tick(after) // ARMED -> RANGE_BUILDING
	eng.Tick(after) // RANGE_BUILDING -> RANGE_LOCKED, immediate-at-lock entry fills

	streams := eng.StreamSummaries()
	require.Len(t, streams, 1)
	require.True(t, streams[0].Committed)
	require.Equal(t, string(models.CommitEntryFilled), streams[0].CommitReason)
}

func TestEngine_RunRecovery_HappyPathReconcilesAndCompletes(t *testing.T) {
	root := t.TempDir()
	fp := writeFixtures(t, root, "08:05", true)
	eng, _ := newTestEngineWithAdapter(t, fp)

	driveStreamToFilledEntry(t, eng)
	now := time.Date(2026, 7, 29, 13, 20, 0, 0, time.UTC)
	defer eng.Stop(now)

	// Tick sets RECOVERY_RUNNING before launching runRecovery as a
	// goroutine; set it here directly since the test invokes runRecovery
	// synchronously instead.
	eng.mu.Lock()
	eng.recoveryState = models.RecoveryRunning
	eng.mu.Unlock()

	eng.runRecovery(now)

	require.Equal(t, models.RecoveryConnectedOK, eng.RecoveryState())
}

func TestEngine_RunRecovery_UnmatchedPositionAbortsFailClosed(t *testing.T) {
	root := t.TempDir()
	fp := writeFixtures(t, root, "08:05", true)
	eng, adapter := newTestEngineWithAdapter(t, fp)

	driveStreamToFilledEntry(t, eng)
	now := time.Date(2026, 7, 29, 13, 20, 0, 0, time.UTC)
	defer eng.Stop(now)

	// Seed a second, unexplained position the sim adapter reports that no
	// stream's intent can account for.
	_, err := adapter.SubmitEntryOrder(context.Background(), "rogue-intent", "ES1", models.DirectionShort, 90, 3, now)
	require.NoError(t, err)

	eng.mu.Lock()
	eng.recoveryState = models.RecoveryRunning
	eng.mu.Unlock()

	eng.runRecovery(now)

	require.Equal(t, models.RecoveryRunning, eng.RecoveryState())
}

func TestEngine_RunRecovery_NoOpenPositionsStillCompletes(t *testing.T) {
	root := t.TempDir()
	fp := writeFixtures(t, root, "08:30", true)
	eng, _ := newTestEngineWithAdapter(t, fp)

	now := time.Date(2026, 7, 29, 12, 0, 0, 0, time.UTC)
	require.NoError(t, eng.Start(now))
	defer eng.Stop(now)

	eng.mu.Lock()
	eng.recoveryState = models.RecoveryRunning
	eng.mu.Unlock()

	eng.runRecovery(now)

	require.Equal(t, models.RecoveryConnectedOK, eng.RecoveryState())
}

func TestEngine_BrokerSyncSatisfiedLocked(t *testing.T) {
	reconnect := time.Date(2026, 7, 29, 13, 0, 0, 0, time.UTC)

	cases := []struct {
		name string
		e    *Engine
		now  time.Time
		want bool
	}{
		{
			name: "no updates observed since reconnect",
			e:    &Engine{reconnectedAt: reconnect},
			now:  reconnect.Add(time.Minute),
			want: false,
		},
		{
			name: "bar update after reconnect satisfies immediately",
			e:    &Engine{reconnectedAt: reconnect, lastBarUpdate: reconnect.Add(time.Second)},
			now:  reconnect.Add(2 * time.Second),
			want: true,
		},
		{
			name: "order update observed but quiet window hasn't elapsed",
			e:    &Engine{reconnectedAt: reconnect, lastOrderUpdate: reconnect.Add(time.Second)},
			now:  reconnect.Add(2 * time.Second),
			want: false,
		},
		{
			name: "order update observed and quiet window elapsed",
			e:    &Engine{reconnectedAt: reconnect, lastOrderUpdate: reconnect.Add(time.Second)},
			now:  reconnect.Add(time.Second).Add(brokerSyncQuietWindow),
			want: true,
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			require.Equal(t, tc.want, tc.e.brokerSyncSatisfiedLocked(tc.now))
		})
	}
}
