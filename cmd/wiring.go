package cmd

import (
	"context"
	"time"

	"example.com/backstage/services/agreements/config"
	"example.com/backstage/services/agreements/internal/cache"
	"example.com/backstage/services/agreements/internal/database"
	"example.com/backstage/services/agreements/internal/messaging"
	"example.com/backstage/services/agreements/internal/metrics"
	"example.com/backstage/services/agreements/internal/normalizer"
	"example.com/backstage/services/agreements/internal/paymenthub"
	"example.com/backstage/services/agreements/internal/ratecalc"
	"example.com/backstage/services/agreements/internal/repositories"
	"example.com/backstage/services/agreements/internal/search"
	"example.com/backstage/services/agreements/internal/sequencer"
	"example.com/backstage/services/agreements/internal/services"
	"example.com/backstage/services/agreements/internal/tracing"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"gorm.io/gorm"
)

const healthCheckTimeout = 5 * time.Second

// application holds the connections and the service shared by the worker and api commands
type application struct {
	cfg        config.Config
	db         *gorm.DB
	readOnlyDB *gorm.DB
	redis      *cache.RedisCache
	tracer     tracing.Tracer
	metrics    *metrics.Metrics
	bus        *messaging.ServiceBus
	publisher  *messaging.Publisher
	service    *services.AgreementService
}

// newApplication connects every dependency. Service Bus is optional unless requireBus is set,
// without it status notifications are not published.
func newApplication(requireBus bool) (*application, error) {
	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		return nil, err
	}
	configureLogging(cfg.Environment, cfg.Logging.Format)

	app := &application{cfg: cfg, metrics: metrics.NewMetrics()}

	app.db, err = database.Connect(cfg.DB)
	if err != nil {
		return nil, err
	}
	app.readOnlyDB = app.db
	if cfg.DB.ReadOnlyDSN != "" {
		readCfg := cfg.DB
		readCfg.DSN = cfg.DB.ReadOnlyDSN
		if app.readOnlyDB, err = database.Connect(readCfg); err != nil {
			app.close()
			return nil, errors.Wrap(err, "failed to connect to read-only database")
		}
		if err := database.RegisterMetricsHooks(app.readOnlyDB, app.metrics); err != nil {
			app.close()
			return nil, err
		}
	}
	if err := database.RegisterMetricsHooks(app.db, app.metrics); err != nil {
		app.close()
		return nil, err
	}

	app.redis, err = cache.NewRedisCache(cfg.Redis)
	if err != nil {
		log.Warn().Err(err).Msg("Failed to initialize Redis cache, continuing with in-process token cache")
		app.redis = nil
	}

	app.tracer, err = tracing.NewTracer(cfg.Tracing)
	if err != nil {
		log.Warn().Err(err).Msg("Failed to initialize tracer, continuing without tracing")
		app.tracer = tracing.Noop()
	}

	elasticClient, err := search.NewElasticClient(cfg.Elastic)
	if err != nil {
		log.Warn().Err(err).Msg("Failed to initialize Elasticsearch client, continuing without search functionality")
	}

	tokens := paymenthub.NewTokenSource(cfg.PaymentHub, cache.NewTokenCache(app.redis))

	deps := services.Dependencies{
		Store:          repositories.NewAgreementRepository(app.db, app.readOnlyDB),
		Sequencer:      sequencer.New(app.db),
		Dispatcher:     paymenthub.NewDispatcher(cfg.PaymentHub, tokens),
		Normalizer:     normalizer.New(),
		Tracer:         app.tracer,
		Metrics:        app.metrics,
		Notification:   cfg.Notification,
		PaymentHub:     paymenthub.Options{SourceSystem: cfg.PaymentHub.SourceSystem, SchemeCodes: cfg.PaymentHub.SchemeCodes},
		ReconcileBatch: cfg.Jobs.ReconcileBatch,
	}
	if cfg.RateCalculator.Enabled {
		deps.Calculator = ratecalc.NewClient(cfg.RateCalculator)
	}
	if elasticClient.Enabled() {
		deps.Indexer = elasticClient
	}

	if cfg.Azure.ConnectionString == "" && !requireBus {
		log.Warn().Msg("Azure Service Bus is not configured, status notifications will not be published")
	} else {
		app.bus, err = messaging.NewServiceBus(cfg.Azure, app.tracer)
		if err != nil {
			app.close()
			return nil, err
		}
		if cfg.Azure.NotificationTopic != "" {
			app.publisher, err = app.bus.NewPublisher(cfg.Azure.NotificationTopic)
			if err != nil {
				app.close()
				return nil, err
			}
			deps.Publisher = app.publisher
		}
	}

	app.service = services.NewAgreementService(deps)
	app.checkHealth(context.Background())

	return app, nil
}

// checkHealth records the reachability of the database and Redis for /health
func (a *application) checkHealth(ctx context.Context) {
	ctx, cancel := context.WithTimeout(ctx, healthCheckTimeout)
	defer cancel()

	dbHealthy := false
	if sqlDB, err := a.db.DB(); err == nil {
		dbHealthy = sqlDB.PingContext(ctx) == nil
	}
	a.metrics.SetHealth("database", dbHealthy)

	if a.redis.Enabled() {
		a.metrics.SetHealth("redis", a.redis.Ping(ctx) == nil)
	}
}

func (a *application) close() {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if a.publisher != nil {
		if err := a.publisher.Close(ctx); err != nil {
			log.Error().Err(err).Msg("Error closing notification publisher")
		}
	}
	if a.bus != nil {
		if err := a.bus.Close(ctx); err != nil {
			log.Error().Err(err).Msg("Error closing Service Bus client")
		}
	}
	if a.redis.Enabled() {
		if err := a.redis.Close(); err != nil {
			log.Error().Err(err).Msg("Error closing Redis client")
		}
	}
	if a.tracer != nil {
		a.tracer.Close()
	}
	if a.readOnlyDB != nil && a.readOnlyDB != a.db {
		if err := database.Close(a.readOnlyDB); err != nil {
			log.Error().Err(err).Msg("Error closing read-only database")
		}
	}
	if a.db != nil {
		if err := database.Close(a.db); err != nil {
			log.Error().Err(err).Msg("Error closing database")
		}
	}
}
