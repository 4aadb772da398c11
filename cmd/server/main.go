package main

import (
	"context"
	"database/sql"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"

	"github.com/liamcoop/automations/executors"
	"github.com/liamcoop/automations/internal/config"
	"github.com/liamcoop/automations/internal/logger"
	"github.com/liamcoop/automations/internal/metrics"
	"github.com/liamcoop/automations/migrations"
	"github.com/liamcoop/automations/multitenantengine"
	"github.com/liamcoop/automations/rules"
	_ "github.com/lib/pq"
	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

func main() {
	configPath := flag.String("config", "", "path to YAML config file")
	migrate := flag.Bool("migrate", true, "apply pending migrations on startup")
	flag.Parse()

	ctx := context.Background()
	logger.Setup(ctx, logger.OptionsFromEnv())
	log := logger.Logger

	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.Fatal("failed to load config", "error", err)
	}

	if *migrate {
		if err := migrations.Up(cfg.Database.URL); err != nil {
			logger.Fatal("failed to apply migrations", "error", err)
		}
	}

	db, err := openDB(ctx, cfg.Database)
	if err != nil {
		logger.Fatal("failed to connect to database", "error", err)
	}
	defer db.Close()

	collector := metrics.NewCollector(log)
	registerLogCounters(collector)

	policy := rules.DefaultFieldPolicy()
	if len(cfg.Engine.FieldPolicy) > 0 {
		policy = rules.FieldPolicy(cfg.Engine.FieldPolicy)
	}
	store := rules.NewPostgresStore(db, policy)

	engine, err := multitenantengine.New(multitenantengine.Options{
		Gateway:               store,
		Cache:                 newRulesCache(cfg, log),
		Email:                 newEmailSender(cfg.Email, log),
		SMS:                   newSMSSender(cfg.SMS, log),
		Webhook:               executors.NewWebhookClient(cfg.Webhook.Timeout, executors.NewSigner(cfg.Webhook.SigningSecret), log),
		Logger:                log,
		Recorder:              collector,
		ActionTimeout:         cfg.Engine.ActionTimeout,
		LoadTimeout:           cfg.Engine.LoadTimeout,
		SchedulerPollInterval: cfg.Engine.SchedulerPollInterval,
		ExtraTriggerTypes:     cfg.Engine.ExtraTriggerTypes,
	})
	if err != nil {
		logger.Fatal("failed to create engine", "error", err)
	}
	if err := engine.Start(ctx); err != nil {
		logger.Fatal("failed to start engine", "error", err)
	}

	var serverMetrics *metrics.Collector
	if cfg.Metrics.Enabled {
		serverMetrics = collector
	}
	server := NewServer(ServerDeps{
		Rules:          store,
		Executions:     store,
		Tenants:        &sqlTenantStore{db: db},
		Engine:         engine,
		DB:             db,
		Metrics:        serverMetrics,
		MetricsPath:    cfg.Metrics.Path,
		Limiter:        newTenantLimiter(cfg.RateLimit.TriggersPerSecond, cfg.RateLimit.Burst),
		Logger:         log,
		HandlerTimeout: cfg.Server.HandlerTimeout,
	})

	httpServer := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      otelhttp.NewHandler(server, "automations"),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	// Graceful shutdown handling
	go func() {
		log.Info("server starting", "port", cfg.Server.Port, "trigger_types", engine.TriggerTypes())
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("server failed", "error", err)
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	<-sigChan

	log.Info("shutting down server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Error("server shutdown error", "error", err)
	}
	if err := engine.Stop(shutdownCtx); err != nil {
		log.Error("engine shutdown error", "error", err)
	}
	log.Info("server stopped")
	if err := logger.Shutdown(shutdownCtx); err != nil {
		fmt.Fprintf(os.Stderr, "logger shutdown: %v\n", err)
	}
}

func openDB(ctx context.Context, cfg config.DatabaseConfig) (*sql.DB, error) {
	db, err := sql.Open("postgres", cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	return db, nil
}

func newRulesCache(cfg *config.Config, log *slog.Logger) rules.RulesCache {
	cacheConfig := rules.CacheConfig{TTL: cfg.Engine.RulesCacheTTL}
	if cfg.Redis.Addr == "" {
		return rules.NewInMemoryRulesCache(cacheConfig)
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	log.Info("using redis rules cache", "addr", cfg.Redis.Addr)
	return rules.NewRedisRulesCache(client, cacheConfig, log)
}

func newEmailSender(cfg config.EmailConfig, log *slog.Logger) multitenantengine.EmailSender {
	if cfg.Host == "" {
		log.Warn("smtp host not configured, emails will only be logged")
		return executors.NewLogEmailSender(log)
	}
	return executors.NewSMTPSender(executors.SMTPConfig{
		Host:     cfg.Host,
		Port:     cfg.Port,
		Username: cfg.Username,
		Password: cfg.Password,
		From:     cfg.From,
	})
}

func newSMSSender(cfg config.SMSConfig, log *slog.Logger) multitenantengine.SMSSender {
	if cfg.Endpoint == "" {
		log.Warn("sms endpoint not configured, messages will only be logged")
		return executors.NewLogSMSSender(log)
	}
	return executors.NewHTTPSMSGateway(cfg.Endpoint, cfg.APIKey, cfg.Timeout)
}

func registerLogCounters(c *metrics.Collector) {
	counters := []struct {
		name, help string
		v          *atomic.Int64
	}{
		{"automation_log_errors_total", "Error log records, before sampling", &logger.TotalErrors},
		{"automation_log_warnings_total", "Warning log records, before sampling", &logger.TotalWarnings},
		{"automation_http_5xx_total", "HTTP responses with a 5xx status", &logger.Total5xxErrors},
		{"automation_http_4xx_total", "HTTP responses with a 4xx status", &logger.Total4xxErrors},
		{"automation_http_429_total", "HTTP responses rejected by the rate limiter", &logger.Total429Errors},
		{"automation_http_slow_requests_total", "HTTP requests slower than the slow threshold", &logger.SlowRequests},
	}
	for _, ctr := range counters {
		v := ctr.v
		c.RegisterCounterFunc(ctr.name, ctr.help, func() float64 { return float64(v.Load()) })
	}
}
