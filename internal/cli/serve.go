package cli

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	alarmapp "iiot-gateway/internal/alarms/application"
	alarmrepo "iiot-gateway/internal/alarms/infrastructure/postgres"
	alarmhttp "iiot-gateway/internal/alarms/interfaces/http"
	alarmnotify "iiot-gateway/internal/alarms/notify"
	"iiot-gateway/internal/alarms/rules"
	bufferapp "iiot-gateway/internal/buffering/application"
	"iiot-gateway/internal/buffering/forwarder"
	badgerstore "iiot-gateway/internal/buffering/infrastructure/badger"
	influxsink "iiot-gateway/internal/buffering/infrastructure/influxdb"
	memorystore "iiot-gateway/internal/buffering/infrastructure/memory"
	natssink "iiot-gateway/internal/buffering/infrastructure/nats"
	bufferrepo "iiot-gateway/internal/buffering/infrastructure/postgres"
	redisstore "iiot-gateway/internal/buffering/infrastructure/redis"
	bufferhttp "iiot-gateway/internal/buffering/interfaces/http"
	"iiot-gateway/internal/cache"
	rediscache "iiot-gateway/internal/cache/redis"
	"iiot-gateway/internal/config"
	"iiot-gateway/internal/observability/logging"
	"iiot-gateway/internal/observability/metrics"
	"iiot-gateway/internal/redisconn"
	telemetryapp "iiot-gateway/internal/telemetry/application"
	telemetryhttp "iiot-gateway/internal/telemetry/interfaces/http"
)

// Destination names used as queue keys.
const (
	destinationInfluxDB = "influxdb"
	destinationNATS     = "nats"
)

func newServeCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API, the forwarder and the metrics endpoint",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(opts.configPath)
			if err != nil {
				return err
			}
			logger, err := logging.New(cfg.Log)
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return serve(ctx, cfg, logger)
		},
	}
}

// closers runs cleanup functions in reverse order.
type closers []func()

func (c *closers) add(fn func()) { *c = append(*c, fn) }

func (c closers) run() {
	for i := len(c) - 1; i >= 0; i-- {
		c[i]()
	}
}

func serve(ctx context.Context, cfg *config.Config, logger *logrus.Logger) error {
	var cleanup closers
	defer func() { cleanup.run() }()

	var db *sql.DB
	if cfg.Postgres.DSN != "" {
		var err error
		db, err = openDB(ctx, cfg.Postgres)
		if err != nil {
			return err
		}
		cleanup.add(func() { _ = db.Close() })
	} else {
		logger.Warn("postgres.dsn not set, alarm API and dead-letter store disabled")
	}
	metrics.Init(db, logger)

	store, err := openQueueStore(ctx, cfg, logger, &cleanup)
	if err != nil {
		return err
	}
	managerOpts := []bufferapp.Option{
		bufferapp.WithLogger(logger),
		bufferapp.WithMaxRetries(cfg.Buffer.MaxRetries),
		bufferapp.WithTimeout(cfg.StoreTimeout),
	}
	var bufferOpts []bufferhttp.HandlerOption
	if db != nil {
		deadLetters := bufferrepo.NewDeadLetterStore(db)
		managerOpts = append(managerOpts, bufferapp.WithDeadLetterStore(deadLetters))
		bufferOpts = append(bufferOpts, bufferhttp.WithDeadLetters(deadLetters))
	}
	manager, err := bufferapp.NewManager(store, managerOpts...)
	if err != nil {
		return err
	}

	sinks, err := openSinks(cfg.Sinks, &cleanup)
	if err != nil {
		return err
	}
	fwd, err := forwarder.New(manager, sinks,
		forwarder.WithInterval(cfg.Forwarder.Interval),
		forwarder.WithBatchSize(cfg.Forwarder.BatchSize),
		forwarder.WithLogger(logger),
	)
	if err != nil {
		return err
	}
	if len(sinks) == 0 {
		logger.Warn("no sinks enabled, ingested telemetry is not forwarded")
	}
	if cfg.Forwarder.Enabled && len(sinks) > 0 {
		go fwd.Run(ctx)
		logger.WithField("destinations", fwd.Destinations()).Info("forwarder started")
	}

	ruleSet, err := rules.LoadFile(cfg.Alarms.RulesFile)
	if err != nil {
		return err
	}
	engine := rules.NewEngine(logger)
	engine.Load(ruleSet)

	broker := alarmhttp.NewSSEBroker(logger)
	var alarmService *alarmapp.Service
	if db != nil {
		alarmService, err = buildAlarmService(ctx, cfg, db, engine, broker, logger, &cleanup)
		if err != nil {
			return err
		}
	}

	ingestOpts := []telemetryapp.Option{telemetryapp.WithLogger(logger)}
	var alarmAPI alarmhttp.Service
	if alarmService != nil {
		alarmAPI = alarmService
		ingestOpts = append(ingestOpts, telemetryapp.WithRules(engine, alarmService))
	}
	ingestor, err := telemetryapp.NewIngestor(fwd, ingestOpts...)
	if err != nil {
		return err
	}
	ingestHandler, err := telemetryhttp.NewIngestHandler(ingestor, logger)
	if err != nil {
		return err
	}

	handler := newRouter(routes{
		alarms:    alarmhttp.NewHandler(alarmAPI, logger),
		stream:    alarmhttp.NewStreamHandler(broker, 0),
		buffering: bufferhttp.NewHandler(manager, logger, bufferOpts...),
		telemetry: ingestHandler,
	}, logger)

	server := &http.Server{Addr: cfg.HTTP.Addr, Handler: handler}
	errCh := make(chan error, 1)
	go func() {
		logger.WithField("addr", cfg.HTTP.Addr).Info("http listening")
		errCh <- server.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}
	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.HTTP.ShutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("http shutdown: %w", err)
	}
	return nil
}

func openQueueStore(ctx context.Context, cfg *config.Config, logger logrus.FieldLogger, cleanup *closers) (bufferapp.QueueStore, error) {
	switch cfg.Buffer.Store {
	case config.StoreRedis:
		client, err := redisconn.Open(ctx, cfg.Redis, cfg.Redis.BufferDB)
		if err != nil {
			return nil, err
		}
		cleanup.add(func() { _ = client.Close() })
		return redisstore.NewQueueStore(client, redisstore.WithKeyPrefix(cfg.Buffer.KeyPrefix))
	case config.StoreBadger:
		db, err := badgerstore.Open(cfg.Buffer.BadgerDir, logger)
		if err != nil {
			return nil, err
		}
		cleanup.add(func() { _ = db.Close() })
		store, err := badgerstore.NewQueueStore(db)
		if err != nil {
			return nil, err
		}
		cleanup.add(func() { _ = store.Close() })
		return store, nil
	case config.StoreMemory:
		logger.Warn("buffer store is in memory, queued entries are lost on restart")
		return memorystore.NewQueueStore(), nil
	default:
		return nil, fmt.Errorf("unknown buffer store %q", cfg.Buffer.Store)
	}
}

func openSinks(cfg config.SinksConfig, cleanup *closers) (map[string]forwarder.Sink, error) {
	sinks := make(map[string]forwarder.Sink)
	if cfg.InfluxDB.Enabled {
		sink, err := influxsink.Dial(cfg.InfluxDB.URL, cfg.InfluxDB.Token, cfg.InfluxDB.Org, cfg.InfluxDB.Bucket,
			influxsink.WithMeasurement(cfg.InfluxDB.Measurement))
		if err != nil {
			return nil, err
		}
		cleanup.add(func() { _ = sink.Close() })
		sinks[destinationInfluxDB] = sink
	}
	if cfg.NATS.Enabled {
		sink, err := natssink.Dial(cfg.NATS.URL, cfg.NATS.Subject, "iiot-gateway")
		if err != nil {
			return nil, err
		}
		cleanup.add(func() { _ = sink.Close() })
		sinks[destinationNATS] = sink
	}
	return sinks, nil
}

func buildAlarmService(ctx context.Context, cfg *config.Config, db *sql.DB, engine *rules.Engine,
	broker *alarmhttp.SSEBroker, logger logrus.FieldLogger, cleanup *closers) (*alarmapp.Service, error) {
	repo := alarmrepo.NewAlarmRepository(db)

	var queryCache cache.Cache = cache.Noop{}
	if cfg.Cache.Enabled {
		client, err := redisconn.Open(ctx, cfg.Redis, cfg.Redis.CacheDB)
		if err != nil {
			return nil, err
		}
		cleanup.add(func() { _ = client.Close() })
		redisCache, err := rediscache.New(client)
		if err != nil {
			return nil, err
		}
		queryCache = redisCache
	}

	notifiers := []alarmapp.AlarmNotifier{broker}
	if cfg.Notify.WebhookURL != "" {
		channel, err := alarmnotify.NewWebhookChannel(cfg.Notify.WebhookURL, alarmnotify.WithWebhookTimeout(cfg.Notify.Timeout))
		if err != nil {
			return nil, err
		}
		template, err := alarmnotify.NewTemplate(cfg.Notify.Template)
		if err != nil {
			return nil, fmt.Errorf("alarm notify template: %w", err)
		}
		webhook, err := alarmnotify.NewNotifier(repo, channel, template,
			alarmnotify.WithRuleReader(engine),
			alarmnotify.WithEscalation(cfg.Notify.Escalation),
			alarmnotify.WithCooldown(cfg.Notify.Cooldown),
			alarmnotify.WithDedupeWindow(cfg.Notify.DedupeWindow),
			alarmnotify.WithRequestTimeout(cfg.Notify.Timeout),
			alarmnotify.WithLogger(logger),
		)
		if err != nil {
			return nil, err
		}
		cleanup.add(webhook.Close)
		notifiers = append(notifiers, webhook)
	}

	return alarmapp.NewService(repo,
		alarmapp.WithCache(queryCache),
		alarmapp.WithCacheTTL(cfg.Cache.TTL),
		alarmapp.WithNotifier(alarmnotify.NewMultiNotifier(notifiers...)),
		alarmapp.WithLogger(logger),
		alarmapp.WithTimeout(cfg.StoreTimeout),
		alarmapp.WithHistoryCeiling(cfg.Alarms.HistoryCeiling),
	)
}
