package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"quoteflow/cache"
	appconfig "quoteflow/config"
	"quoteflow/connection"
	"quoteflow/internal/errclass"
	"quoteflow/internal/stream"
	"quoteflow/logger"
	"quoteflow/models"
	"quoteflow/orchestrator"
	"quoteflow/pipeline"
)

// passthroughTransformer forwards raw payloads unchanged. Deployments
// with a rule engine replace it through the pipeline callbacks.
type passthroughTransformer struct{}

func (passthroughTransformer) Transform(_ context.Context, req models.TransformRequest) (*models.TransformResult, error) {
	records := make([]interface{}, len(req.RawData))
	for i, r := range req.RawData {
		records[i] = r
	}
	return &models.TransformResult{
		TransformedData:  records,
		RuleType:         req.RuleType,
		RecordsProcessed: len(records),
	}, nil
}

// identityResolver accepts symbols as-is.
type identityResolver struct{}

func (identityResolver) EnsureSymbolConsistency(_ context.Context, symbols []string, _ string) ([]string, error) {
	return symbols, nil
}

// allowAllOracle is the default rate-limit oracle when no external quota
// service is wired: every request is allowed.
type allowAllOracle struct{}

func (allowAllOracle) CheckRateLimit(_ context.Context, _, _ string) (*models.RateLimitDecision, error) {
	return &models.RateLimitDecision{Allowed: true}, nil
}

// loggingRecovery records lost connections; replay is operated
// externally.
type loggingRecovery struct {
	log *logger.Log
}

func (r *loggingRecovery) SubmitRecovery(clientID, provider, capability string) {
	r.log.WithComponent("recovery").WithFields(logger.Fields{
		"client_id":  clientID,
		"provider":   provider,
		"capability": capability,
	}).Warn("recovery job submitted")
}

func main() {
	log := logger.GetLogger()

	// Load environment variables from .env if present
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		log.WithError(err).Warn("Error loading .env file")
	}

	configPath := flag.String("config", appconfig.DefaultConfigPath, "Path to configuration file")
	flag.Parse()

	cfg, err := appconfig.LoadConfig(*configPath)
	if err != nil {
		log.WithError(err).Error("Failed to load configuration")
		os.Exit(1)
	}

	if err := log.Configure(cfg.Logging.Level, cfg.Logging.Format, cfg.Logging.Output, cfg.Logging.MaxAge); err != nil {
		log.WithError(err).Error("Failed to configure logger")
		os.Exit(1)
	}

	log.WithFields(logger.Fields{
		"service": cfg.Quoteflow.Name,
		"version": cfg.Quoteflow.Version,
	}).Info("starting quoteflow")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if strings.ToLower(cfg.Logging.Level) == "report" {
		logger.StartReport(ctx, log, 30*time.Second)
	}
	if region := os.Getenv("AWS_REGION"); region != "" {
		logger.InitCloudWatch(region, cfg.Quoteflow.Name, cfg.Logging.DashboardName)
	}

	var warm cache.WarmStore
	if cfg.Cache.Redis.Addr != "" {
		warm = cache.NewRedisWarmStore(cfg.Cache.Redis)
	} else {
		log.WithComponent("main").Warn("no warm-tier address configured, using in-process store")
		warm = cache.NewMemoryWarmStore()
	}

	store, err := cache.NewStore(cfg.Cache, warm)
	if err != nil {
		log.WithError(err).Error("failed to build tiered cache")
		os.Exit(1)
	}
	defer store.Close()

	orch, err := orchestrator.New(cfg, store)
	if err != nil {
		log.WithError(err).Error("failed to build orchestrator")
		os.Exit(1)
	}

	hub := stream.NewHub(cfg.Channels.BroadcastBuffer)

	manager, err := connection.NewManager(cfg, hub, allowAllOracle{}, &loggingRecovery{log: log})
	if err != nil {
		log.WithError(err).Error("failed to build connection manager")
		os.Exit(1)
	}

	pipe, err := pipeline.NewPipeline(cfg, pipeline.Callbacks{
		Transformer:    passthroughTransformer{},
		SymbolResolver: identityResolver{},
		CacheData: func(ctx context.Context, records []interface{}, symbols []string) error {
			values := make(map[string]interface{}, len(symbols))
			for i, symbol := range symbols {
				if i < len(records) {
					values["quote:"+symbol] = records[i]
				}
			}
			return orch.MSet(ctx, values, cfg.Cache.HotTTL)
		},
		BroadcastData: func(_ context.Context, records []interface{}, symbols []string) error {
			for _, symbol := range symbols {
				topic := hub.Topic("quotes:" + symbol)
				if topic == nil {
					continue
				}
				for _, record := range records {
					if _, err := topic.Publish(stream.Message{Payload: record}); err != nil {
						return err
					}
				}
			}
			return nil
		},
	})
	if err != nil {
		log.WithError(err).Error("failed to build pipeline")
		os.Exit(1)
	}

	if err := manager.Start(ctx); err != nil {
		log.WithError(err).Error("failed to start connection manager")
		os.Exit(1)
	}

	// Optional local provider stream, mostly for smoke testing.
	if url := os.Getenv("QUOTEFLOW_STREAM_URL"); url != "" {
		handler := func(record models.QuoteRecord) {
			if err := pipe.Process(ctx, []models.QuoteRecord{record}); err != nil {
				classified := errclass.ClassifyAndLog(log, "pipeline", err)
				log.WithComponent("pipeline").WithFields(logger.Fields{
					"category":        string(classified.Category),
					"recovery_action": string(classified.RecoveryAction),
					"retryable":       classified.Retryable,
				}).Warn(classified.UserMessage)
			}
		}
		if _, err := manager.Dial(ctx, "local", "env", "stream-quote", url, handler); err != nil {
			log.WithError(err).Warn("provider stream dial failed")
		}
	}

	log.Info("all components started successfully")

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	sig := <-sigChan
	log.WithFields(logger.Fields{"signal": sig.String()}).Info("shutdown signal received")

	log.Info("starting graceful shutdown")
	cancel()

	done := make(chan struct{})
	go func() {
		manager.Shutdown()
		orch.Wait()
		close(done)
	}()

	select {
	case <-done:
		log.Info("graceful shutdown completed")
	case <-time.After(30 * time.Second):
		log.Warn("graceful shutdown timeout exceeded")
	}

	log.Info("quoteflow stopped")
}
