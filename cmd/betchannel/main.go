package main

import (
	"context"
	"database/sql"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"BetChannel/internal/archive"
	"BetChannel/internal/cache"
	"BetChannel/internal/config"
	"BetChannel/internal/core"
	"BetChannel/internal/ingestion"
	"BetChannel/internal/ledger"
	"BetChannel/internal/observability"
	"BetChannel/internal/persistence"
	"BetChannel/internal/projection"
	"BetChannel/internal/query"
	"BetChannel/internal/relay"
	"BetChannel/internal/server"
	"BetChannel/internal/settlement"
	"BetChannel/internal/signer"

	_ "github.com/lib/pq"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
)

func main() {
	configPath := flag.String("config", os.Getenv("BETCH_CONFIG"), "path to TOML config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	level := observability.ParseLogLevel(cfg.LogLevel)
	logger := observability.NewLoggerWithLevel("main", level)
	component := func(name string) zerolog.Logger {
		return observability.NewLoggerWithLevel(name, level)
	}

	if err := run(cfg, logger, component); err != nil {
		logger.Fatal().Err(err).Msg("betchannel exited")
	}
}

func run(cfg *config.Config, logger zerolog.Logger, component func(string) zerolog.Logger) error {
	logger.Info().Msg("betchannel starting")

	sigCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// serveCtx drives everything that can start a transition. Workers run on
	// workerCtx so they can drain after serving stops.
	serveCtx, cancelServe := context.WithCancel(sigCtx)
	defer cancelServe()
	workerCtx, cancelWorkers := context.WithCancel(context.Background())
	defer cancelWorkers()

	metrics := observability.NewMetrics(prometheus.DefaultRegisterer)
	healthChecker := observability.NewHealthChecker()

	// --- Postgres ---
	db, err := sql.Open("postgres", cfg.Postgres.DSN)
	if err != nil {
		return fmt.Errorf("postgres open: %w", err)
	}
	defer db.Close()

	db.SetMaxOpenConns(cfg.Postgres.MaxOpenConns)
	db.SetMaxIdleConns(cfg.Postgres.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.Postgres.ConnMaxLifetime.Duration)

	if err := db.PingContext(serveCtx); err != nil {
		return fmt.Errorf("postgres ping: %w", err)
	}
	healthChecker.Register("postgres", db.PingContext)
	logger.Info().Msg("postgres connected")

	if cfg.Postgres.RunMigrations {
		migrator := persistence.NewMigrator(db, cfg.Postgres.MigrationsDir, component("migrator"))
		if err := migrator.Up(serveCtx); err != nil {
			return fmt.Errorf("run migrations: %w", err)
		}
	}

	// --- NATS ---
	nc, js, err := ingestion.ConnectNATS(cfg.NATS.URL, component("nats"))
	if err != nil {
		return err
	}
	defer nc.Close()
	healthChecker.Register("nats", func(context.Context) error {
		if !nc.IsConnected() {
			return errors.New("nats disconnected")
		}
		return nil
	})

	if err := ingestion.EnsureStreams(serveCtx, js, component("nats")); err != nil {
		return fmt.Errorf("ensure NATS streams: %w", err)
	}
	if err := ingestion.EnsureOutboundStream(serveCtx, js, component("nats")); err != nil {
		return err
	}

	// --- Optional Redis: pool cache + settlement guard ---
	var (
		poolCache *cache.PoolCache
		guard     settlement.Guard
	)
	if cfg.Redis.Enabled {
		rc, err := cache.New(serveCtx, cache.ClientConfig{
			URL:        cfg.Redis.URL,
			Addr:       cfg.Redis.Addr,
			Password:   cfg.Redis.Password,
			DB:         cfg.Redis.DB,
			PoolSize:   cfg.Redis.PoolSize,
			MaxRetries: cfg.Redis.MaxRetries,
			TLSEnabled: cfg.Redis.TLSEnabled,
			KeyPrefix:  cfg.Redis.KeyPrefix,
		})
		if err != nil {
			return err
		}
		defer rc.Close()
		healthChecker.Register("redis", rc.Ping)
		poolCache = cache.NewPoolCache(rc, cfg.Redis.PoolTTL.Duration)
		guard = cache.NewSettleGuard(rc, cfg.Settlement.GuardTTL.Duration)
		logger.Info().Msg("redis connected")
	}

	// --- Optional S3 batch archive ---
	var batchArchive *archive.BatchArchiver
	if cfg.S3.Enabled {
		s3c, err := archive.New(serveCtx, archive.ClientConfig{
			Endpoint:       cfg.S3.Endpoint,
			Region:         cfg.S3.Region,
			Bucket:         cfg.S3.Bucket,
			AccessKey:      cfg.S3.AccessKey,
			SecretKey:      cfg.S3.SecretKey,
			UseSSL:         cfg.S3.UseSSL,
			ForcePathStyle: cfg.S3.ForcePathStyle,
		})
		if err != nil {
			return err
		}
		healthChecker.Register("s3", s3c.Health)
		batchArchive = archive.NewBatchArchiverFromClient(s3c)
	}

	// --- Output queues ---
	// Persist blocks (backpressure); projection and publish drop when full.
	persistChan := make(chan core.Output, cfg.Pipeline.PersistChanSize)
	publishChan := make(chan core.Output, cfg.Pipeline.PublishChanSize)
	var projectionChan chan core.Output
	if poolCache != nil {
		projectionChan = make(chan core.Output, cfg.Pipeline.ProjectionChanSize)
	}

	// --- Channel manager ---
	dedup := core.NewBetDeduplicator(cfg.Pipeline.DedupLRUCapacity, persistence.NewPostgresBetDedup(db), metrics, component("dedup"))
	markets := relay.NewMarketClient(nc, cfg.NATS.RequestTimeout.Duration)
	outputs := core.Outputs{Persist: persistChan, Publish: publishChan}
	if projectionChan != nil {
		outputs.Projection = projectionChan
	}
	mgr := core.NewChannelManager(ledger.NewStore(), markets, dedup, metrics, component("core"),
		core.WithOutputs(outputs))

	// --- Recovery ---
	if err := recoverChannels(serveCtx, db, mgr, metrics, logger); err != nil {
		return err
	}

	// --- Settlement ---
	signers, err := signer.NewKeySigners(cfg.Settlement.SignerKeys)
	if err != nil {
		return fmt.Errorf("signers: %w", err)
	}
	allowed := make([]string, 0, len(signers))
	for _, s := range signers {
		allowed = append(allowed, s.ID())
	}
	builder := settlement.NewBatchBuilder(signers, signer.NewAddressVerifier(allowed), settlement.BuilderConfig{
		Quorum:         cfg.Settlement.Quorum,
		SigningTimeout: cfg.Settlement.SigningTimeout.Duration,
	}, metrics, component("batch"))
	submitter := settlement.NewSubmitter(relay.NewChainClient(nc, cfg.Settlement.AttemptTimeout.Duration), settlement.SubmitterConfig{
		MaxAttempts:    cfg.Settlement.MaxAttempts,
		AttemptTimeout: cfg.Settlement.AttemptTimeout.Duration,
		InitialBackoff: cfg.Settlement.InitialBackoff.Duration,
		MaxBackoff:     cfg.Settlement.MaxBackoff.Duration,
	}, metrics, component("submitter"))

	var archiver settlement.Archiver
	if batchArchive != nil {
		archiver = batchArchive
	}
	settler := settlement.NewSettler(mgr, builder, submitter, guard, archiver, metrics, component("settler"))

	// --- Workers ---
	var workers sync.WaitGroup
	errChan := make(chan error, 16)
	spawn := func(wg *sync.WaitGroup, name string, fn func() error) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := fn(); err != nil && !errors.Is(err, context.Canceled) {
				errChan <- fmt.Errorf("%s: %w", name, err)
			}
		}()
	}

	persistWorker := persistence.NewPersistenceWorker(db, persistChan, cfg.Pipeline.PersistBatchSize,
		cfg.Pipeline.PersistFlushTimeout.Duration, metrics, component("persistence"))
	spawn(&workers, "persistence worker", func() error { return persistWorker.Run(workerCtx) })

	publisher := ingestion.NewOutboundPublisher(js, publishChan, component("publisher"))
	spawn(&workers, "outbound publisher", func() error { return publisher.Run(workerCtx) })

	var (
		poolWorker *projection.PoolProjectionWorker
		rebuilder  server.PoolRebuilder
		poolReader query.PoolReader
	)
	if poolCache != nil {
		poolWorker = projection.NewPoolProjectionWorker(mgr, poolCache, projectionChan,
			cfg.Pipeline.ProjectionInterval.Duration, metrics, component("projection"))
		if err := poolWorker.Rebuild(serveCtx); err != nil {
			logger.Warn().Err(err).Msg("initial pool rebuild incomplete")
		}
		spawn(&workers, "projection worker", func() error { return poolWorker.Run(workerCtx) })
		rebuilder = poolWorker
		poolReader = poolCache
	}

	// --- Serving ---
	var serving sync.WaitGroup

	rawChan := make(chan ingestion.RawEvent, cfg.Pipeline.RawChanSize)
	subscriber := ingestion.NewNATSSubscriber(js, rawChan, component("subscriber"))
	if err := subscriber.Subscribe(serveCtx, ingestion.DefaultSubjects()); err != nil {
		return fmt.Errorf("nats subscribe: %w", err)
	}
	dispatcher := ingestion.NewDispatcher(mgr, metrics, component("dispatcher"))
	spawn(&serving, "dispatcher", func() error { return dispatcher.Run(serveCtx, rawChan) })

	spawn(&serving, "settlement sweeper", func() error {
		return settler.RunSweeper(serveCtx, cfg.Settlement.SweepInterval.Duration)
	})

	deps := &server.ServerDeps{
		Commands:      mgr,
		Settler:       settler,
		QueryService:  query.NewQueryService(mgr, poolReader, component("query")),
		Pools:         rebuilder,
		HealthChecker: healthChecker,
		Metrics:       metrics,
		Logger:        component("server"),
	}
	if batchArchive != nil {
		deps.Archive = batchArchive
	}
	api, err := server.NewGRPCServer(cfg.Server.GRPCAddr, cfg.Server.HTTPAddr, deps)
	if err != nil {
		return err
	}
	spawn(&serving, "grpc server", api.StartGRPC)
	spawn(&serving, "http gateway", api.StartHTTPGateway)

	metricsServer := &http.Server{
		Addr:              cfg.Server.MetricsAddr,
		Handler:           promhttp.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	spawn(&serving, "metrics server", func() error {
		if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	healthChecker.SetReady(true)
	api.SetServing(true)
	logger.Info().
		Str("grpc", cfg.Server.GRPCAddr).
		Str("http", cfg.Server.HTTPAddr).
		Str("metrics", cfg.Server.MetricsAddr).
		Int("signers", len(signers)).
		Bool("redis", poolCache != nil).
		Bool("s3", batchArchive != nil).
		Msg("betchannel ready")

	var runErr error
	select {
	case <-sigCtx.Done():
		logger.Info().Msg("received shutdown signal")
	case runErr = <-errChan:
		logger.Error().Err(runErr).Msg("component failed, shutting down")
	}

	// --- Graceful shutdown ---
	// Stop every producer of transitions, then close the output queues so
	// workers flush what is buffered and exit.
	healthChecker.SetReady(false)
	subscriber.Stop()
	cancelServe()

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancelShutdown()
	if err := api.Shutdown(shutdownCtx); err != nil {
		logger.Warn().Err(err).Msg("api shutdown")
	}
	if err := metricsServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn().Err(err).Msg("metrics shutdown")
	}
	serving.Wait()

	close(persistChan)
	close(publishChan)
	if projectionChan != nil {
		close(projectionChan)
	}

	drained := make(chan struct{})
	go func() {
		workers.Wait()
		close(drained)
	}()
	select {
	case <-drained:
		logger.Info().Msg("workers drained")
	case <-shutdownCtx.Done():
		logger.Warn().Msg("workers did not drain before deadline")
		cancelWorkers()
	}

	logger.Info().Msg("betchannel shutdown complete")
	return runErr
}

// recoverChannels loads every persisted channel, verifies the head of its
// hash chain and installs it in the manager.
func recoverChannels(ctx context.Context, db *sql.DB, mgr *core.ChannelManager, metrics *observability.Metrics, logger zerolog.Logger) error {
	start := time.Now()
	recovered, err := persistence.NewChannelLoader(db).LoadAll(ctx)
	if err != nil {
		return fmt.Errorf("load channels: %w", err)
	}

	channels := make([]*ledger.Channel, 0, len(recovered))
	for _, rc := range recovered {
		if err := core.VerifyStateHash(rc.Channel, rc.PrevHash); err != nil {
			return fmt.Errorf("recover channel %s: %w", rc.Channel.ID, err)
		}
		channels = append(channels, rc.Channel)
	}
	if err := mgr.Restore(channels); err != nil {
		return err
	}

	metrics.RecoveredChannels.Set(float64(len(channels)))
	logger.Info().
		Int("channels", len(channels)).
		Dur("took", time.Since(start)).
		Msg("recovery complete")
	return nil
}
