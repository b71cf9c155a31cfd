// Package main provides the entry point for the breakout-trading robot.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"
	_ "time/tzdata"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/qtsw2/breakout-engine/internal/barfeed"
	"github.com/qtsw2/breakout-engine/internal/broker"
	"github.com/qtsw2/breakout-engine/internal/config"
	"github.com/qtsw2/breakout-engine/internal/dashboard"
	"github.com/qtsw2/breakout-engine/internal/engine"
	"github.com/qtsw2/breakout-engine/internal/notify"
	"github.com/qtsw2/breakout-engine/internal/timetable"
)

func main() {
	os.Exit(run())
}

func run() int {
	var configPath string
	flag.StringVar(&configPath, "config", "config.yaml", "Path to configuration file")
	flag.Parse()

	cfg, err := config.Load(configPath, config.Overrides{})
	if err != nil {
		log.Printf("Failed to load config: %v", err)
		return 1
	}

	logger := log.New(os.Stdout, "[ROBOT] ", log.LstdFlags|log.Lshortfile)
	logger.Printf("Starting breakout engine in %s mode", cfg.Mode)

	alerts := buildAlertSink(cfg, logger)
	adapter, sim := buildAdapter(cfg, logger)

	eng := engine.New(engine.Options{
		ProjectRoot:         cfg.ProjectRoot,
		ParitySpecPath:      cfg.ParitySpecPath,
		TimetablePath:       cfg.TimetablePath,
		ExecutionPolicyPath: cfg.ExecutionPolicyPath,
		JournalDir:          cfg.JournalDir,
		ExecutionInstrument: cfg.ExecutionInstrument,
		Mode:                cfg.Mode,
		PollInterval:        cfg.PollInterval,
		RunID:               uuid.NewString(),
	}, logger, adapter, alerts)
	eng.SetAccountInfo(cfg.Account, cfg.Environment)
	sim.SetProtectiveOrderFailureNotifier(eng)

	var dashServer *dashboard.Server
	var dashLogger *logrus.Logger
	if cfg.Dashboard.Enabled {
		dashLogger = logrus.New()
		dashLogger.SetOutput(os.Stdout)
		dashLogger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
		dashServer = dashboard.NewServer(dashboard.Config{
			Port:      cfg.Dashboard.Port,
			AuthToken: cfg.Dashboard.AuthToken,
		}, engineStatusAdapter{eng}, dashLogger)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	stop := make(chan struct{})
	go func() {
		<-sigChan
		logger.Println("Shutdown signal received, stopping engine...")
		close(stop)
		cancel()
	}()

	if dashServer != nil {
		go func() {
			if err := dashServer.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Printf("Dashboard server error: %v", err)
			}
		}()
		defer func() {
			shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer shutdownCancel()
			if err := dashServer.Shutdown(shutdownCtx); err != nil {
				logger.Printf("Error shutting down dashboard: %v", err)
			}
		}()
	}

	if err := runEngine(ctx, stop, eng, adapter, cfg, logger); err != nil {
		logger.Printf("Engine error: %v", err)
		return 1
	}

	logger.Println("Engine stopped successfully")
	return 0
}

// runEngine starts the engine, replays any dry-run pre-hydration CSV bars
// available for today, then drives the timetable-poll/tick loop until
// ctx is cancelled or stop is closed.
func runEngine(ctx context.Context, stop chan struct{}, eng *engine.Engine, adapter broker.Adapter, cfg *config.Config, logger *log.Logger) error {
	now := time.Now().UTC()
	if err := eng.Start(now); err != nil {
		return fmt.Errorf("starting engine: %w", err)
	}
	defer func() {
		if err := eng.Stop(time.Now().UTC()); err != nil {
			logger.Printf("error stopping engine: %v", err)
		}
	}()

	loadPreHydrationBars(eng, cfg, logger)

	pollInterval := cfg.PollInterval
	if pollInterval <= 0 {
		pollInterval = 30 * time.Second
	}
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-stop:
			return nil
		case <-ticker.C:
			pollAndTick(ctx, eng, adapter, logger)
		}
	}
}

// pollAndTick joins the timetable poll with a broker connectivity probe:
// both are I/O performed outside the engine mutex, run concurrently via
// errgroup, then applied to the engine under its own locking.
func pollAndTick(ctx context.Context, eng *engine.Engine, adapter broker.Adapter, logger *log.Logger) {
	now := time.Now().UTC()

	var tt *timetable.Contract
	var snapshotErr error

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		tt, err = eng.PollTimetable()
		return err
	})
	g.Go(func() error {
		probeCtx, cancel := context.WithTimeout(gctx, 10*time.Second)
		defer cancel()
		_, snapshotErr = adapter.GetAccountSnapshot(probeCtx)
		return nil // connectivity failure is reported via OnConnectionStatusUpdate, not propagated as a fatal error
	})

	if err := g.Wait(); err != nil {
		logger.Printf("timetable poll failed: %v", err)
	} else {
		eng.ApplyTimetable(tt, now)
	}

	eng.OnConnectionStatusUpdate(snapshotErr == nil, now)
	eng.Tick(now)
}

// loadPreHydrationBars replays today's CSV bar file for the execution
// instrument, if present, satisfying pre-hydration for streams armed after
// the session has already started.
func loadPreHydrationBars(eng *engine.Engine, cfg *config.Config, logger *log.Logger) {
	tradingDate := eng.TradingDate()
	if tradingDate == "" {
		return
	}
	path, err := barfeed.PathFor(cfg.ProjectRoot, cfg.ExecutionInstrument, tradingDate)
	if err != nil {
		logger.Printf("pre-hydration path resolution failed: %v", err)
		return
	}
	if _, err := os.Stat(path); err != nil {
		return
	}
	bars, err := barfeed.LoadBars(path)
	if err != nil {
		logger.Printf("pre-hydration CSV load failed for %s: %v", path, err)
		return
	}
	eng.LoadPreHydrationBars(cfg.ExecutionInstrument, bars, time.Now().UTC())
	logger.Printf("loaded %d pre-hydration bars from %s", len(bars), path)
}

// buildAdapter composes the sim/retry/circuit-breaker adapter chain and
// also returns the concrete SimAdapter so the caller can install the
// engine as its protective-order-failure notifier — a capability only the
// concrete adapter exposes, not the broker.Adapter interface.
func buildAdapter(cfg *config.Config, logger *log.Logger) (broker.Adapter, *broker.SimAdapter) {
	sim := broker.NewSimAdapter(0)
	retrying := broker.NewRetryAdapter(sim, logger)
	return broker.NewCircuitBreakerAdapter(retrying), sim
}

func buildAlertSink(cfg *config.Config, logger *log.Logger) notify.Sink {
	if !cfg.Pushover.Enabled {
		return notify.NoopSink{}
	}
	if cfg.Pushover.UserKey == "" || cfg.Pushover.AppToken == "" {
		logger.Println("pushover enabled but credentials are missing; falling back to no-op alerts")
		return notify.NoopSink{}
	}
	return notify.NewPushoverSink(cfg.Pushover.UserKey, cfg.Pushover.AppToken)
}

// engineStatusAdapter bridges *engine.Engine to dashboard.StatusProvider so
// neither package imports the other.
type engineStatusAdapter struct {
	eng *engine.Engine
}

func (a engineStatusAdapter) Status() dashboard.Status {
	streams := a.eng.StreamSummaries()
	out := make([]dashboard.StreamStatus, 0, len(streams))
	for _, s := range streams {
		out = append(out, dashboard.StreamStatus{
			StreamID:     s.StreamID,
			Phase:        s.Phase,
			Committed:    s.Committed,
			CommitReason: s.CommitReason,
		})
	}
	return dashboard.Status{
		RunID:           a.eng.RunID(),
		CanonicalMarket: a.eng.CanonicalMarket(),
		TradingDate:     a.eng.TradingDate(),
		RecoveryState:   string(a.eng.RecoveryState()),
		Mode:            string(a.eng.Mode()),
		LockHeld:        a.eng.LockHeld(),
		Streams:         out,
	}
}

func (a engineStatusAdapter) StreamStatus(streamID string) (dashboard.StreamStatus, bool) {
	s, ok := a.eng.StreamSummary(streamID)
	if !ok {
		return dashboard.StreamStatus{}, false
	}
	return dashboard.StreamStatus{
		StreamID:     s.StreamID,
		Phase:        s.Phase,
		Committed:    s.Committed,
		CommitReason: s.CommitReason,
	}, true
}
