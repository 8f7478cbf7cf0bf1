package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/mattn/go-isatty"
	"go.opentelemetry.io/otel/metric"

	"github.com/basket/minder/internal/backend"
	"github.com/basket/minder/internal/bus"
	"github.com/basket/minder/internal/config"
	"github.com/basket/minder/internal/governor"
	otelPkg "github.com/basket/minder/internal/otel"
	"github.com/basket/minder/internal/persistence"
	"github.com/basket/minder/internal/syncer"
	"github.com/basket/minder/internal/telemetry"
)

// Version is set via ldflags at build time: -ldflags "-X main.Version=..."
var Version = "v0.3-dev"

func printUsage() {
	fmt.Fprintf(os.Stderr, `Usage of %s:

DAEMON MODE:
  %s -daemon                  Run with auto-push and the storage governor

SUBCOMMANDS:
  %s push                     Push pending local changes to the backend
  %s pull                     Fetch the remote snapshot and merge it in
  %s resolve <strategy>       Settle a sync conflict
                              Strategies: use_local, use_cloud, merge
  %s evict                    Run one storage governor pass now
  %s status                   Show store, tier, and sync status
  %s import <file>            Bulk import a snapshot file without
                              queueing the records for push

FLAGS:
`, os.Args[0], os.Args[0], os.Args[0], os.Args[0], os.Args[0], os.Args[0], os.Args[0], os.Args[0])
	flag.PrintDefaults()
	fmt.Fprintf(os.Stderr, `
ENVIRONMENT VARIABLES:
  MINDER_HOME             Data directory (default: ~/.minder)
  MINDER_DB               Database path override
  MINDER_BACKEND          Sync backend: file, relay, couch, gist
  MINDER_RELAY_URL        Relay backend URL
  MINDER_COUCH_URL        CouchDB backend URL
  MINDER_GIST_TOKEN       GitHub token for the gist backend

EXAMPLES:
  Push local changes:     %s push
  Pull remote changes:    %s pull
  Keep local on conflict: %s resolve use_local
  Free up disk:           %s evict
`, os.Args[0], os.Args[0], os.Args[0], os.Args[0])
}

func main() {
	daemon := flag.Bool("daemon", false, "run in daemon mode (auto-push and governor schedule)")
	flag.Usage = printUsage
	flag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if args := flag.Args(); len(args) > 0 {
		switch strings.ToLower(strings.TrimSpace(args[0])) {
		case "help", "-h", "--help":
			printUsage()
			os.Exit(0)
		case "push":
			os.Exit(runPushCommand(ctx, args[1:]))
		case "pull":
			os.Exit(runPullCommand(ctx, args[1:]))
		case "resolve":
			os.Exit(runResolveCommand(ctx, args[1:]))
		case "evict":
			os.Exit(runEvictCommand(ctx, args[1:]))
		case "status":
			os.Exit(runStatusCommand(ctx, args[1:]))
		case "import":
			os.Exit(runImportCommand(ctx, args[1:]))
		default:
			fmt.Fprintf(os.Stderr, "unknown command %q\n", args[0])
			printUsage()
			os.Exit(2)
		}
	}

	if !*daemon {
		printUsage()
		os.Exit(2)
	}
	os.Exit(runDaemon(ctx))
}

// app bundles everything a command needs. Close tears it down in
// reverse order.
type app struct {
	cfg     config.Config
	logger  *slog.Logger
	bus     *bus.Bus
	store   *persistence.Store
	backend backend.Backend
	engine  *syncer.Engine

	closers []func()
}

func (a *app) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
}

// openApp loads config and wires the store, backend, and sync engine.
// Interactive invocations keep stdout clean by logging to file only.
func openApp(quiet bool) (*app, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}

	logger, closer, err := telemetry.NewLogger(cfg.HomeDir, cfg.LogLevel, quiet)
	if err != nil {
		return nil, fmt.Errorf("init logger: %w", err)
	}
	slog.SetDefault(logger)

	a := &app{cfg: cfg, logger: logger, bus: bus.New()}
	a.closers = append(a.closers, func() { _ = closer.Close() })

	store, err := persistence.Open(cfg.DBPath, a.bus)
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("open store: %w", err)
	}
	a.store = store
	a.closers = append(a.closers, func() { _ = store.Close() })

	be, err := newBackend(cfg)
	if err != nil {
		a.Close()
		return nil, err
	}
	a.backend = be

	engine, err := syncer.New(store, be, a.bus, logger, syncer.Options{
		DeviceID:    cfg.DeviceID,
		DeviceName:  cfg.DeviceName,
		LockTimeout: cfg.Sync.LockTimeout(),
	})
	if err != nil {
		a.Close()
		return nil, err
	}
	a.engine = engine
	return a, nil
}

func newBackend(cfg config.Config) (backend.Backend, error) {
	switch cfg.Sync.Backend {
	case "file", "":
		return backend.NewFileBackend(cfg.Sync.FileDir)
	case "relay":
		return backend.NewRelayBackend(cfg.Sync.RelayURL, cfg.Sync.Timeout())
	case "couch":
		return backend.NewCouchBackend(cfg.Sync.CouchURL, cfg.Sync.CouchDatabase)
	case "gist":
		return backend.NewGistBackend(cfg.Sync.GistID, cfg.Sync.GistToken, cfg.Sync.Timeout())
	default:
		return nil, fmt.Errorf("unknown sync backend %q (file, relay, couch, gist)", cfg.Sync.Backend)
	}
}

func (a *app) governor() *governor.Governor {
	return governor.New(a.store, a.bus, a.logger, governor.Config{
		Policy:        persistence.TierPolicyFromDays(a.cfg.Storage.HotDays, a.cfg.Storage.WarmDays),
		WarningBytes:  a.cfg.Storage.WarningBytes,
		CriticalBytes: a.cfg.Storage.CriticalBytes,
		WarmBatchSize: a.cfg.Storage.WarmBatchSize,
	})
}

func runDaemon(ctx context.Context) int {
	quiet := !isatty.IsTerminal(os.Stdout.Fd())
	a, err := openApp(quiet)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	defer a.Close()
	a.logger.Info("minder daemon starting", "version", Version,
		"device_id", a.cfg.DeviceID, "backend", a.backend.Name(), "config", a.cfg.Fingerprint())

	otelProvider, err := otelPkg.Init(ctx, otelPkg.Config{
		Enabled:     a.cfg.OTel.Enabled,
		Exporter:    a.cfg.OTel.Exporter,
		Endpoint:    a.cfg.OTel.Endpoint,
		ServiceName: a.cfg.OTel.ServiceName,
		SampleRate:  a.cfg.OTel.SampleRate,
	})
	if err != nil {
		a.logger.Error("otel init", "error", err)
		return 1
	}
	defer otelProvider.Shutdown(context.Background())
	metrics, err := otelPkg.NewMetrics(otelProvider.Meter)
	if err != nil {
		a.logger.Error("otel metrics", "error", err)
		return 1
	}
	a.engine.Instrument(otelProvider.Tracer, metrics)
	go observeSync(ctx, a.bus, metrics)

	sched, err := governor.NewScheduler(a.governor(), a.logger, a.cfg.Storage.Schedule)
	if err != nil {
		a.logger.Error("governor schedule", "error", err)
		return 1
	}
	sched.Start(ctx)
	defer sched.Stop()

	if a.cfg.Sync.AutoPush {
		auto := syncer.NewAutoSync(a.engine, a.bus, a.logger, a.cfg.Sync.Settle(), a.cfg.Sync.MinInterval())
		auto.Start()
		defer auto.Stop()
	}

	watcher := config.NewWatcher(a.cfg.HomeDir, a.logger)
	if err := watcher.Start(ctx); err != nil {
		a.logger.Warn("config watcher unavailable", "error", err)
	} else {
		go func() {
			for range watcher.Events() {
				a.logger.Info("config.yaml changed; restart to apply")
			}
		}()
	}

	// Startup never pulls on its own: adopting remote data is always an
	// explicit decision.
	a.logger.Info("minder daemon ready")
	<-ctx.Done()
	a.logger.Info("minder daemon shutting down")
	return 0
}

// observeSync mirrors bus traffic into metrics instruments.
func observeSync(ctx context.Context, b *bus.Bus, m *otelPkg.Metrics) {
	storeSub := b.Subscribe("store.")
	syncSub := b.Subscribe("sync.")
	govSub := b.Subscribe("governor.")
	defer b.Unsubscribe(storeSub)
	defer b.Unsubscribe(syncSub)
	defer b.Unsubscribe(govSub)
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-storeSub.Ch():
			payload, ok := ev.Payload.(bus.StoreUpdatedEvent)
			if !ok {
				continue
			}
			switch payload.Reason {
			case "save", "delete":
				m.SavesTotal.Add(ctx, 1,
					metric.WithAttributes(otelPkg.AttrRecordKind.String(payload.Kind)))
				// Local edits enqueue; the engine subtracts on push.
				m.OutboxDepth.Add(ctx, 1)
			}
		case ev := <-syncSub.Ch():
			if _, ok := ev.Payload.(bus.SyncResultEvent); ok {
				m.SyncOutcomes.Add(ctx, 1)
				if ev.Topic == bus.TopicSyncConflict {
					m.SyncConflicts.Add(ctx, 1)
				}
			}
		case ev := <-govSub.Ch():
			payload, ok := ev.Payload.(bus.EvictionEvent)
			if !ok {
				continue
			}
			switch ev.Topic {
			case bus.TopicGovernorRetiered:
				m.MeetingsTiered.Add(ctx, int64(payload.Evicted))
			case bus.TopicGovernorEvicted:
				m.BlobsEvicted.Add(ctx, int64(payload.Evicted))
				m.BytesFreed.Add(ctx, payload.FreedBytes)
			}
		}
	}
}

func commandContext(ctx context.Context, timeout time.Duration) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, timeout)
}
