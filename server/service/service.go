// Package service assembles the rule engine, the outbox and its brokers from
// a configuration. The daemon runs the assembled services; the admin tool
// reuses them for one-shot operations.
package service

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"slices"
	"time"

	"github.com/migadu/ruled/config"
	"github.com/migadu/ruled/consts"
	"github.com/migadu/ruled/db"
	"github.com/migadu/ruled/db/sqlitedb"
	"github.com/migadu/ruled/logger"
	"github.com/migadu/ruled/pkg/health"
	"github.com/migadu/ruled/pkg/metrics"
	"github.com/migadu/ruled/server/actions"
	"github.com/migadu/ruled/server/brokers"
	"github.com/migadu/ruled/server/compose"
	"github.com/migadu/ruled/server/counters"
	"github.com/migadu/ruled/server/engine"
	"github.com/migadu/ruled/server/ingest"
	"github.com/migadu/ruled/server/notify"
	"github.com/migadu/ruled/server/opsapi"
	"github.com/migadu/ruled/server/outbox"
	"github.com/migadu/ruled/server/quota"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"
)

type Services struct {
	Config config.Config

	Store    db.Store
	Postgres *db.Database // nil with the sqlite driver

	Notifier   notify.Notifier
	Counters   *counters.Counter
	Publisher  *outbox.Publisher
	Engine     *engine.Engine
	Pool       *ingest.Pool
	Router     *brokers.Router
	Dispatcher *outbox.Dispatcher
	Janitor    *outbox.Janitor
	Composer   *compose.Composer
	Health     *health.Monitor
	Collector  *metrics.Collector
}

const (
	// A due event older than this means dispatch has stalled.
	outboxStallThreshold = 15 * time.Minute
	collectorInterval    = 30 * time.Second
)

// OpenStore connects the configured storage backend.
func OpenStore(ctx context.Context, cfg config.DatabaseConfig) (db.Store, *db.Database, error) {
	switch cfg.Driver {
	case "sqlite":
		store, err := sqlitedb.Open(ctx, cfg.SQLitePath)
		if err != nil {
			return nil, nil, fmt.Errorf("open sqlite store %s: %w", cfg.SQLitePath, err)
		}
		return store, nil, nil
	case "postgres", "":
		database, err := db.NewDatabaseFromConfig(ctx, &cfg)
		if err != nil {
			return nil, nil, fmt.Errorf("connect postgres: %w", err)
		}
		return database, database, nil
	default:
		return nil, nil, fmt.Errorf("unsupported database driver %q", cfg.Driver)
	}
}

// Build opens the store and wires every component. Nothing is started.
func Build(ctx context.Context, cfg config.Config) (*Services, error) {
	store, pg, err := OpenStore(ctx, cfg.Database)
	if err != nil {
		return nil, err
	}
	s, err := BuildWithStore(ctx, cfg, store, pg)
	if err != nil {
		store.Close()
		return nil, err
	}
	return s, nil
}

// BuildWithStore wires the components on an already open store.
func BuildWithStore(ctx context.Context, cfg config.Config, store db.Store, pg *db.Database) (*Services, error) {
	s := &Services{Config: cfg, Store: store, Postgres: pg}

	registered, err := s.buildBrokers(ctx)
	if err != nil {
		return nil, err
	}
	s.Router, err = brokers.NewRouter(registered, s.routes())
	if err != nil {
		return nil, fmt.Errorf("outbox routes: %w", err)
	}

	switch cfg.Engine.Notifier {
	case "broker":
		s.Notifier = notify.NewBrokerNotifier(s.Router, 5*time.Second)
	default:
		s.Notifier = notify.LogNotifier{}
	}

	dispatchOpts, err := outbox.OptionsFromConfig(cfg.Outbox)
	if err != nil {
		return nil, err
	}
	s.Dispatcher = outbox.NewDispatcher(store, s.Router, dispatchOpts)
	s.Publisher = outbox.NewPublisher()
	s.Publisher.OnCommit(s.Dispatcher.Notify)

	janitorInterval, err := cfg.Outbox.GetJanitorInterval()
	if err != nil {
		return nil, fmt.Errorf("outbox.janitor_interval: %w", err)
	}
	retention, err := cfg.Outbox.GetRetention()
	if err != nil {
		return nil, fmt.Errorf("outbox.retention: %w", err)
	}
	s.Janitor = outbox.NewJanitor(store, janitorInterval, dispatchOpts.ProcessingTimeout, retention)

	stepBackoff, err := cfg.Engine.GetStepRetryBackoff()
	if err != nil {
		return nil, fmt.Errorf("engine.step_retry_backoff: %w", err)
	}
	s.Counters = counters.New(store)
	guard := quota.NewGuard(s.Notifier, cfg.Engine.QuotaWarningRatio)
	executor := actions.New(guard, s.Counters, s.Publisher, cfg.Engine.HardDelete())
	s.Engine = engine.New(store, executor, engine.Options{
		MaxStepAttempts:  cfg.Engine.MaxStepAttempts,
		StepRetryBackoff: stepBackoff,
	})
	s.Pool = ingest.New(s.Engine, cfg.Engine.Workers, cfg.Engine.QueueSize)

	s.Health = health.NewMonitor()
	s.Health.Register(health.StoreCheck(store))
	s.Health.Register(health.OutboxCheck(s.Dispatcher, outboxStallThreshold))
	for _, name := range s.Router.Names() {
		s.Health.Register(health.BreakerCheck(name, s.Dispatcher.Breaker(name)))
	}
	s.Collector = metrics.NewCollector(s.Dispatcher, collectorInterval)
	return s, nil
}

func (s *Services) buildBrokers(ctx context.Context) ([]brokers.Broker, error) {
	cfg := s.Config
	var registered []brokers.Broker
	if cfg.Brokers.Log.Enabled {
		registered = append(registered, brokers.NewLogBroker())
	}
	if cfg.Brokers.PGNotify.Enabled {
		if s.Postgres == nil {
			return nil, fmt.Errorf("brokers.pgnotify requires the postgres driver")
		}
		registered = append(registered, brokers.NewPGNotifyBroker(s.Postgres.WritePool, cfg.Brokers.PGNotify.Channel))
	}
	if cfg.Brokers.S3.Enabled {
		b, err := brokers.NewS3ArchiveBroker(cfg.Brokers.S3)
		if err != nil {
			return nil, err
		}
		registered = append(registered, b)
	}
	if cfg.Compose.Enabled {
		c, err := compose.NewFromConfig(ctx, s.Store, cfg.Compose)
		if err != nil {
			return nil, err
		}
		s.Composer = c
		registered = append(registered, c)
	}
	return registered, nil
}

// routes returns the configured routes, sending compose requests to the
// composer unless the configuration routes them explicitly.
func (s *Services) routes() map[string][]string {
	routes := make(map[string][]string, len(s.Config.Outbox.Routes)+2)
	for k, v := range s.Config.Outbox.Routes {
		routes[k] = slices.Clone(v)
	}
	if s.Composer != nil {
		for _, eventType := range []string{consts.EventComposeAutoReplyRequested, consts.EventMessageForwardRequested} {
			if _, ok := routes[eventType]; !ok {
				routes[eventType] = []string{compose.BrokerName}
			}
		}
	}
	return routes
}

// Run starts the workers and HTTP listeners and blocks until ctx ends or one
// of the listeners fails.
func (s *Services) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)

	if err := s.Pool.Start(gctx); err != nil {
		return err
	}
	if err := s.Dispatcher.Start(gctx); err != nil {
		return err
	}
	s.Janitor.Start(gctx)
	s.Health.Start(gctx)
	if s.Postgres != nil {
		s.Postgres.StartPoolMetrics(gctx)
	}
	g.Go(func() error {
		s.Collector.Start(gctx)
		return nil
	})

	if s.Config.OpsAPI.Start {
		api, err := opsapi.New(opsapi.Deps{
			Store:    s.Store,
			Ingestor: s.Pool,
			Engine:   s.Engine,
			Counters: s.Counters,
			Waker:    s.Dispatcher,
			Health:   s.Health,
		}, opsapi.Options{
			Addr:         s.Config.OpsAPI.Addr,
			APIKey:       s.Config.OpsAPI.APIKey,
			AllowedHosts: s.Config.OpsAPI.AllowedHosts,
			MetricsPath:  s.Config.Metrics.Path,
		})
		if err != nil {
			return err
		}
		g.Go(func() error { return api.Start(gctx) })
	}
	if s.Config.Metrics.Enabled {
		g.Go(func() error { return serveMetrics(gctx, s.Config.Metrics) })
	}
	g.Go(func() error {
		<-gctx.Done()
		return nil
	})

	err := g.Wait()
	s.stopWorkers()
	return err
}

func (s *Services) stopWorkers() {
	s.Pool.Stop()
	s.Dispatcher.Stop()
	s.Janitor.Stop()
	s.Health.Stop()
	if bn, ok := s.Notifier.(*notify.BrokerNotifier); ok {
		bn.Wait()
	}
}

func (s *Services) Close() {
	s.Store.Close()
}

func serveMetrics(ctx context.Context, cfg config.MetricsConfig) error {
	mux := http.NewServeMux()
	mux.Handle(cfg.Path, promhttp.Handler())
	server := &http.Server{Addr: cfg.Addr, Handler: mux, ReadHeaderTimeout: 10 * time.Second}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Warn("Metrics: error shutting down", "error", err)
		}
	}()

	logger.Info("Metrics: listening", "addr", cfg.Addr, "path", cfg.Path)
	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("metrics server failed: %w", err)
	}
	return nil
}
