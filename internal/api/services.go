package api

import (
	"context"
	"fmt"
	"sync"

	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/rs/zerolog"

	"github.com/slipstream/indexhub/internal/commands"
	"github.com/slipstream/indexhub/internal/config"
	"github.com/slipstream/indexhub/internal/crypto"
	"github.com/slipstream/indexhub/internal/database"
	"github.com/slipstream/indexhub/internal/health"
	"github.com/slipstream/indexhub/internal/indexer"
	"github.com/slipstream/indexhub/internal/indexer/cardigann"
	"github.com/slipstream/indexhub/internal/indexer/ratelimit"
	"github.com/slipstream/indexhub/internal/indexer/search"
	"github.com/slipstream/indexhub/internal/indexer/status"
	"github.com/slipstream/indexhub/internal/indexer/types"
	"github.com/slipstream/indexhub/internal/metrics"
	"github.com/slipstream/indexhub/internal/scheduler"
	"github.com/slipstream/indexhub/internal/startup"
	"github.com/slipstream/indexhub/internal/websocket"
)

// Events broadcast from the wiring layer.
const (
	EventCommandUpdated = "command:updated"
	EventIndexerStatus  = "indexer:status"
)

// Services holds every long-lived component of the aggregator.
type Services struct {
	Config   *config.Config
	DB       *database.DB
	Clock    clockwork.Clock
	Registry *prometheus.Registry
	Metrics  *metrics.Metrics
	Hub      *websocket.Hub

	Definitions *cardigann.Manager
	Indexers    *indexer.Service
	Instances   *indexer.Registry
	Runner      *indexer.Runner
	Limiter     *ratelimit.Limiter
	Tracker     *status.Tracker
	Search      *search.Service
	Health      *health.Service
	Queue       *commands.Queue
	Scheduler   *scheduler.Scheduler

	logger zerolog.Logger
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewServices builds and wires the components. The database must already be
// migrated. Nothing runs until Start.
func NewServices(cfg *config.Config, db *database.DB, logger zerolog.Logger) (*Services, error) {
	clock := clockwork.NewRealClock()
	conn := db.Conn()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	s := &Services{
		Config:   cfg,
		DB:       db,
		Clock:    clock,
		Registry: reg,
		Metrics:  metrics.New(reg),
		Hub:      websocket.NewHub(cfg.Server.AllowedOrigins, logger),
		logger:   logger.With().Str("component", "services").Logger(),
	}

	var secrets *crypto.SecretStore
	if cfg.Secrets.Key != "" {
		var err error
		secrets, err = crypto.NewSecretStore(cfg.Secrets.Key, []byte(cfg.Secrets.Salt))
		if err != nil {
			return nil, fmt.Errorf("failed to create secret store: %w", err)
		}
	} else {
		s.logger.Warn().Msg("No secrets key configured, indexer settings are stored unencrypted")
	}

	backoff := status.BackoffConfig{
		InitialBackoff:      cfg.Status.InitialBackoff,
		MaxBackoff:          cfg.Status.MaxBackoff,
		Multiplier:          cfg.Status.Multiplier,
		MaxEscalation:       cfg.Status.MaxEscalation,
		RequestLimitBackoff: cfg.Status.RequestLimitBackoff,
	}
	s.Tracker = status.NewTracker(status.NewSQLiteStore(conn), backoff, clock, logger)

	mgrCfg := cardigann.DefaultManagerConfig()
	mgrCfg.Cache.DefinitionsDir = cfg.Definitions.Dir
	mgrCfg.Cache.CustomDir = cfg.Definitions.CustomDir
	mgrCfg.Watch = cfg.Definitions.Watch
	mgrCfg.AutoUpdate = cfg.Definitions.AutoUpdate
	if cfg.Definitions.RemoteURL != "" {
		mgrCfg.Repository.BaseURL = cfg.Definitions.RemoteURL
	}
	manager, err := cardigann.NewManager(mgrCfg, s.Tracker, clock, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to create definition manager: %w", err)
	}
	s.Definitions = manager

	client, err := indexer.NewClient(indexer.DefaultClientConfig(), logger)
	if err != nil {
		return nil, fmt.Errorf("failed to create http client: %w", err)
	}

	limits := ratelimit.DefaultConfig()
	s.Limiter = ratelimit.NewLimiter(limits, ratelimit.NewSQLiteQueryLog(conn), clock, logger)
	s.Runner = indexer.NewRunner(client, s.Limiter, limits.RequestInterval, logger)

	s.Indexers = indexer.NewService(conn, manager, secrets, clock, logger)
	s.Instances = indexer.NewRegistry(client, clock, logger)
	s.Instances.RegisterBuiltins(manager, logger)
	s.Indexers.OnChange(s.handleIndexerChange)

	s.Search = search.NewService(search.Config{
		MaxConcurrency: cfg.Search.MaxConcurrency,
		IndexerTimeout: cfg.Search.IndexerTimeout,
		OverallTimeout: cfg.Search.OverallTimeout,
	}, search.Dependencies{
		Indexers:    s.Indexers,
		Instances:   s.Instances,
		Executor:    s.Runner,
		Tracker:     s.Tracker,
		Limiter:     s.Limiter,
		Metrics:     s.Metrics,
		Broadcaster: s.Hub,
		Clock:       clock,
	}, logger)

	s.Health = health.NewService(health.Policy{
		WarningMinBlocked:   cfg.Health.WarningMinBlocked,
		ErrorBlockedRatio:   cfg.Health.ErrorBlockedRatio,
		RecentFailureWindow: cfg.Health.RecentFailureWindow,
	}, s.Indexers, s.Tracker, clock, logger)
	s.Health.SetBroadcaster(s.Hub)
	s.Health.SetMetrics(s.Metrics)
	s.Tracker.OnChange(s.handleStatusChange)

	s.Queue = commands.NewQueue(commands.Config{
		Workers:   cfg.Commands.Workers,
		Retention: cfg.Commands.Retention,
	}, commands.NewSQLiteStore(conn), clock, s.Metrics, logger)
	for _, def := range []commands.Definition{
		commands.SearchCommand(s.Search),
		commands.CheckHealthCommand(s.Health),
		commands.MessagingCleanupCommand(s.Queue),
		commands.HousekeepingCommand(s.Indexers, s.Tracker, s.Limiter),
		commands.DefinitionUpdateCommand(manager),
	} {
		if err := s.Queue.Register(def); err != nil {
			return nil, fmt.Errorf("failed to register command %s: %w", def.Name, err)
		}
	}
	s.Queue.OnChange(s.handleCommandChange)

	s.Scheduler, err = scheduler.New(scheduler.Config{Tick: cfg.Scheduler.Tick},
		scheduler.DefaultTasks(), scheduler.NewSQLiteStore(conn), s.Queue, clock, logger)
	if err != nil {
		return nil, err
	}
	return s, nil
}

// Start loads persisted state and starts the hub, the queue and the
// scheduler. Definitions are initialized in the background since the remote
// repository may be unreachable.
func (s *Services) Start(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel

	if err := s.Tracker.Load(runCtx); err != nil {
		cancel()
		return fmt.Errorf("failed to load indexer status: %w", err)
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.Hub.Run(runCtx)
	}()

	if err := s.Health.Check(runCtx); err != nil {
		s.logger.Warn().Err(err).Msg("Initial health check failed")
	}
	if err := s.Queue.Start(runCtx); err != nil {
		cancel()
		return fmt.Errorf("failed to start command queue: %w", err)
	}
	if err := s.Scheduler.Start(runCtx); err != nil {
		cancel()
		return fmt.Errorf("failed to start scheduler: %w", err)
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if err := s.Definitions.Initialize(runCtx); err != nil {
			s.logger.Warn().Err(err).Msg("Failed to initialize definitions")
		}
		// the network may still be coming up at boot
		if s.Definitions.NeedsUpdate() {
			_ = startup.WithRetry(runCtx, "definitions update", startup.DefaultRetryConfig(), s.logger,
				func(ctx context.Context) error { return s.Definitions.UpdateDefinitions(ctx, true) })
		}
	}()

	s.logger.Info().Msg("Services started")
	return nil
}

// Stop shuts the components down. Running commands end as aborted.
func (s *Services) Stop() {
	if err := s.Scheduler.Stop(); err != nil {
		s.logger.Warn().Err(err).Msg("Failed to stop scheduler")
	}
	s.Queue.Stop()
	if err := s.Definitions.Close(); err != nil {
		s.logger.Warn().Err(err).Msg("Failed to stop definition watcher")
	}
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
	s.logger.Info().Msg("Services stopped")
}

func (s *Services) handleIndexerChange(c indexer.Change) {
	s.Instances.HandleChange(c)
	if c.Kind != indexer.ChangeDeleted {
		return
	}
	s.Limiter.Reset(c.Indexer.ID)
	if err := s.Tracker.Delete(context.Background(), c.Indexer.ID); err != nil {
		s.logger.Warn().Err(err).Int64("indexerId", c.Indexer.ID).Msg("Failed to delete indexer status")
	}
}

func (s *Services) handleStatusChange(st *types.IndexerStatus) {
	s.Health.HandleStatusChange(st)
	_ = s.Hub.Broadcast(EventIndexerStatus, st)
}

func (s *Services) handleCommandChange(cmd *commands.Command) {
	_ = s.Hub.Broadcast(EventCommandUpdated, cmd)
}
