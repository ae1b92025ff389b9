package commands

import (
	"context"
	"errors"
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/openfroyo/ispflow/pkg/api"
	"github.com/openfroyo/ispflow/pkg/collaborators"
	"github.com/openfroyo/ispflow/pkg/collaborators/sim"
	"github.com/openfroyo/ispflow/pkg/config"
	"github.com/openfroyo/ispflow/pkg/engine"
	"github.com/openfroyo/ispflow/pkg/lifecycle"
	"github.com/openfroyo/ispflow/pkg/locks"
	"github.com/openfroyo/ispflow/pkg/metrics"
	"github.com/openfroyo/ispflow/pkg/reconcile"
	"github.com/openfroyo/ispflow/pkg/stores"
	"github.com/openfroyo/ispflow/pkg/telemetry"
	"github.com/openfroyo/ispflow/pkg/workflows"
)

// service is the fully wired process: store, engine, lifecycle, reconciler, metrics and API.
type service struct {
	cfg     *config.Config
	tel     *telemetry.Telemetry
	log     zerolog.Logger
	store   *stores.SQLiteStore
	archive *stores.BoltArchive
	redis   *redis.Client
	emitter *metrics.Emitter
	machine *lifecycle.Machine
	engine  *engine.Engine
	ctrl    *reconcile.Controller
	server  *api.Server
}

// newService opens the stores and wires every component. Close must be called on success.
func newService(ctx context.Context, cfg *config.Config, set collaborators.Set) (_ *service, err error) {
	s := &service{cfg: cfg}
	defer func() {
		if err != nil {
			_ = s.Close(context.Background())
		}
	}()

	s.tel, err = telemetry.NewTelemetry(&cfg.Telemetry)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize telemetry: %w", err)
	}
	s.log = s.tel.Component("service")

	s.store, err = stores.Open(ctx, cfg.Store.Config)
	if err != nil {
		return nil, fmt.Errorf("failed to open store: %w", err)
	}

	if cfg.Store.ArchivePath != "" {
		s.archive, err = stores.OpenBoltArchive(cfg.Store.ArchivePath)
		if err != nil {
			return nil, fmt.Errorf("failed to open archive: %w", err)
		}
	}

	locker, err := s.newLocker()
	if err != nil {
		return nil, err
	}

	s.emitter, err = metrics.New(s.store, cfg.Metrics, metrics.WithTelemetry(s.tel))
	if err != nil {
		return nil, fmt.Errorf("failed to create metrics emitter: %w", err)
	}

	s.machine = lifecycle.NewMachine(s.store,
		lifecycle.WithObserver(s.emitter),
		lifecycle.WithTelemetry(s.tel),
	)

	set = collaborators.Instrument(set, s.tel)
	reg := engine.NewRegistry()
	if err := workflows.Register(reg, set, s.machine, cfg.Workflows, workflows.WithTelemetry(s.tel)); err != nil {
		return nil, fmt.Errorf("failed to register workflows: %w", err)
	}

	s.engine = engine.New(reg, s.store, cfg.Engine,
		engine.WithObserver(s.emitter),
		engine.WithTelemetry(s.tel),
		engine.WithLocker(locker),
	)

	ctrlOpts := []reconcile.Option{
		reconcile.WithReleaser(lifecycle.KindIPv6Prefix, workflows.NewPrefixReleaser(set)),
		reconcile.WithSweepObserver(s.emitter),
		reconcile.WithExecutionChecker(s.engine),
		reconcile.WithTelemetry(s.tel),
	}
	if s.archive != nil {
		ctrlOpts = append(ctrlOpts, reconcile.WithArchive(s.archive))
	}
	s.ctrl = reconcile.New(s.machine, s.store, s.store, cfg.Reconcile, ctrlOpts...)

	s.server = api.NewServer(s.engine, cfg.HTTP,
		api.WithResources(s.machine),
		api.WithFindings(s.ctrl),
		api.WithSnapshot(s.emitter),
		api.WithGatherer(s.gatherer()),
		api.WithHealthCheck(s.store.HealthCheck),
		api.WithTelemetry(s.tel),
	)
	return s, nil
}

func (s *service) newLocker() (locks.Locker, error) {
	switch s.cfg.Locking.Backend {
	case config.LockBackendRedis:
		locker, client, err := locks.NewRedisLockerFromURL(s.cfg.Locking.RedisURL,
			locks.WithKeyPrefix(s.cfg.Locking.KeyPrefix),
			locks.WithTTL(s.cfg.Locking.TTL),
			locks.WithLogger(s.tel.Component("locks")),
		)
		if err != nil {
			return nil, fmt.Errorf("failed to create redis locker: %w", err)
		}
		s.redis = client
		return locker, nil
	default:
		return locks.NewMemoryLocker(), nil
	}
}

// gatherer merges the snapshot gauges with the operational metrics.
func (s *service) gatherer() prometheus.Gatherer {
	gs := prometheus.Gatherers{s.emitter.Registry()}
	if reg := s.tel.Metrics.Registry(); reg != nil {
		gs = append(gs, reg)
	}
	return gs
}

// resumeActive re-drives runs left PENDING or RUNNING by a previous process.
func (s *service) resumeActive(ctx context.Context) (int, error) {
	resumed := 0
	for _, phase := range []engine.RunPhase{engine.PhasePending, engine.PhaseRunning, engine.PhaseCompensating} {
		runs, err := s.store.ListRuns(ctx, stores.RunFilter{Phase: phase})
		if err != nil {
			return resumed, fmt.Errorf("failed to list %s runs: %w", phase, err)
		}
		for _, run := range runs {
			if _, err := s.engine.Resume(ctx, run.ID); err != nil {
				s.log.Warn().Err(err).Str("run_id", run.ID).Msg("Failed to resume run")
				continue
			}
			resumed++
		}
	}
	return resumed, nil
}

// Run serves the API and runs the background loops until ctx ends. A non-nil watcher
// feeds reloaded reconciliation thresholds to the controller.
func (s *service) Run(ctx context.Context, watcher *config.Watcher) error {
	if watcher != nil {
		watcher.OnReload(func(cfg *config.Config) error {
			return s.ctrl.UpdateThresholds(cfg.Reconcile.Thresholds)
		})
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return s.ctrl.Run(gctx) })
	g.Go(func() error { return s.emitter.Run(gctx) })
	g.Go(func() error { return s.server.Serve(gctx) })
	g.Go(func() error { return s.tel.Metrics.ServeMetrics(gctx) })
	if watcher != nil {
		g.Go(func() error { return watcher.Run(gctx) })
	}

	err := g.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// Close stops the engine and releases every resource. It is safe on a partially built service.
func (s *service) Close(ctx context.Context) error {
	var errs []error
	if s.engine != nil {
		errs = append(errs, s.engine.Close(ctx))
	}
	if s.archive != nil {
		errs = append(errs, s.archive.Close())
	}
	if s.redis != nil {
		errs = append(errs, s.redis.Close())
	}
	if s.store != nil {
		errs = append(errs, s.store.Close())
	}
	if s.tel != nil {
		errs = append(errs, s.tel.Shutdown(ctx))
	}
	return errors.Join(errs...)
}

// newSimulator builds the in-memory collaborators with the configured latencies.
func newSimulator(cfg *config.Config) *sim.Simulator {
	simulator := sim.New()
	for op, d := range cfg.Collaborators.Latency {
		simulator.SetLatency(op, d)
	}
	return simulator
}
