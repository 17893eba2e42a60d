// Command contentflow runs the content generation pipeline: a phase-based
// workflow whose model calls go through the resilient provider router.
//
// Usage:
//
//	contentflow run --topic "subject" [--config contentflow.yaml]
//	contentflow models [--config contentflow.yaml]
//	contentflow version
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/BaSui01/contentflow/config"
	"github.com/BaSui01/contentflow/internal/metrics"
	"github.com/BaSui01/contentflow/internal/telemetry"
	"github.com/BaSui01/contentflow/llm"
	"github.com/BaSui01/contentflow/llm/circuitbreaker"
	"github.com/BaSui01/contentflow/llm/observability"
	"github.com/BaSui01/contentflow/llm/providers"
	"github.com/BaSui01/contentflow/store"
	"github.com/BaSui01/contentflow/workflow"
)

var (
	Version   = "dev"
	BuildTime = "unknown"
)

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "run":
		runWorkflow(os.Args[2:])
	case "models":
		listModels(os.Args[2:])
	case "version":
		fmt.Printf("contentflow %s (built %s)\n", Version, BuildTime)
	case "help", "-h", "--help":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n", os.Args[1])
		printUsage()
		os.Exit(1)
	}
}

func runWorkflow(args []string) {
	fs := flag.NewFlagSet("run", flag.ExitOnError)
	configPath := fs.String("config", "", "path to config file")
	topic := fs.String("topic", "", "content topic")
	taskType := fs.String("task-type", "content_generation", "task type for routing preferences")
	budget := fs.Float64("budget", 0, "max USD cost per 1K tokens, 0 = unbounded")
	fs.Parse(args)

	if *topic == "" {
		fmt.Fprintln(os.Stderr, "run requires --topic")
		os.Exit(1)
	}

	cfg := loadConfig(*configPath)
	logger := initLogger(cfg.Log)
	defer logger.Sync()

	ctx := context.Background()
	shutdown, err := telemetry.Setup(ctx, cfg.Telemetry, logger)
	if err != nil {
		logger.Warn("telemetry setup failed", zap.Error(err))
		shutdown = func(context.Context) error { return nil }
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdown(shutdownCtx); err != nil {
			logger.Warn("telemetry shutdown failed", zap.Error(err))
		}
	}()

	st := openStore(ctx, cfg, logger)
	router := buildRouter(cfg, st, logger)
	engine := workflow.NewEngine(workflow.EngineOptions{
		MaxBackoff: cfg.Workflow.MaxBackoff,
		History:    st,
		Logger:     logger,
	})

	if cfg.Telemetry.MetricsPort > 0 {
		go func() {
			addr := fmt.Sprintf(":%d", cfg.Telemetry.MetricsPort)
			if err := metrics.Serve(addr, logger); err != nil {
				logger.Warn("metrics endpoint stopped", zap.Error(err))
			}
		}()
	}

	wf := workflow.NewContext("content_generation", *topic)
	phases := contentPhases(router, *taskType, *topic, *budget, cfg.Workflow.DefaultPhaseTimeout, wf.RequestID)

	engine.Execute(ctx, phases, wf)

	fmt.Printf("workflow %s finished: %s\n", wf.RequestID, wf.Status)
	for _, name := range wf.PhasesExecuted {
		res := wf.Results[name]
		fmt.Printf("  %-10s %-9s %6.0fms retries=%d\n", name, res.Status, res.DurationMS, res.RetryCount)
	}
	if wf.Status == workflow.StatusCompleted {
		fmt.Println("---")
		fmt.Println(wf.AccumulatedOutput)
	} else {
		os.Exit(1)
	}
}

// contentPhases builds the outline, draft, and polish pipeline. Each phase
// feeds its output to the next through the workflow context.
func contentPhases(router *llm.Router, taskType, topic string, budget float64, timeout time.Duration, executionID string) []workflow.Phase {
	query := func(step, prompt string) (*llm.ModelResponse, error) {
		return router.Query(context.Background(), llm.QueryRequest{
			Prompt:      prompt,
			TaskType:    taskType,
			TaskStep:    step,
			ExecutionID: executionID,
			BudgetUSD:   budget,
		})
	}

	return []workflow.Phase{
		{
			Name:       "outline",
			Timeout:    timeout,
			MaxRetries: 2,
			Required:   true,
			Handler: func(ctx context.Context, wf *workflow.Context) (any, error) {
				resp, err := query("outline", "Write a structured outline for an article about: "+topic)
				if err != nil {
					return nil, err
				}
				return resp.Text, nil
			},
		},
		{
			Name:       "draft",
			Timeout:    timeout,
			MaxRetries: 2,
			Required:   true,
			Handler: func(ctx context.Context, wf *workflow.Context) (any, error) {
				outline, _ := wf.Results["outline"].Output.(string)
				resp, err := query("draft", "Write a full draft following this outline:\n"+outline)
				if err != nil {
					return nil, err
				}
				return resp.Text, nil
			},
		},
		{
			Name:        "polish",
			Timeout:     timeout,
			MaxRetries:  1,
			SkipOnError: true,
			Handler: func(ctx context.Context, wf *workflow.Context) (any, error) {
				draft, _ := wf.Results["draft"].Output.(string)
				resp, err := query("polish", "Polish this draft for clarity and flow:\n"+draft)
				if err != nil {
					return nil, err
				}
				return resp.Text, nil
			},
		},
	}
}

func listModels(args []string) {
	fs := flag.NewFlagSet("models", flag.ExitOnError)
	configPath := fs.String("config", "", "path to config file")
	fs.Parse(args)

	cfg := loadConfig(*configPath)
	logger := zap.NewNop()
	ctx := context.Background()

	st := openStore(ctx, cfg, logger)
	configs, err := st.FetchEnabledModelConfigs(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "fetch models: %v\n", err)
		os.Exit(1)
	}

	fmt.Printf("%-24s %-10s %8s %8s %8s\n", "MODEL", "PROVIDER", "QUALITY", "COST/1K", "PRIO")
	for _, c := range configs {
		fmt.Printf("%-24s %-10s %8.2f %8.4f %8d\n",
			c.ModelName, c.Provider, c.QualityScore, c.CostPer1KTokens, c.Priority)
	}
}

func loadConfig(path string) *config.Config {
	loader := config.NewLoader()
	if path != "" {
		loader = loader.WithConfigPath(path)
	}
	cfg, err := loader.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}
	return cfg
}

func openStore(ctx context.Context, cfg *config.Config, logger *zap.Logger) *store.Store {
	st, err := store.Open(cfg.Database.Path, logger)
	if err != nil {
		logger.Fatal("open store failed", zap.Error(err))
	}
	if cfg.Database.Seed {
		if err := st.SeedDefaultModels(ctx); err != nil {
			logger.Fatal("seed models failed", zap.Error(err))
		}
	}
	return st
}

func buildRouter(cfg *config.Config, st *store.Store, logger *zap.Logger) *llm.Router {
	providerOpts := make(map[string]providers.Options, len(cfg.Providers))
	for tag, pc := range cfg.Providers {
		providerOpts[tag] = providers.Options{
			BaseURL:           pc.BaseURL,
			APIKey:            pc.APIKey,
			HTTPTimeout:       pc.Timeout,
			RequestsPerSecond: pc.RequestsPerSecond,
			Logger:            logger,
		}
	}

	collector := metrics.NewCollector("contentflow", logger)
	sink := llm.MultiSink{st, collector}

	breakerCfg := circuitbreaker.DefaultConfig()
	breakerCfg.OnStateChange = func(model string, from, to circuitbreaker.Status) {
		collector.SetBreakerState(model, int(to))
	}

	router := llm.NewRouter(st, providers.DefaultRegistry(providerOpts), sink, llm.RouterOptions{
		CacheTTL:           cfg.Router.ConfigCacheTTL,
		QualityThreshold:   cfg.Router.QualityThreshold,
		MaxRetriesPerModel: cfg.Router.MaxRetriesPerModel,
		BreakerConfig:      breakerCfg,
		Logger:             logger,
	})

	if cfg.Redis.Enabled && cfg.Router.ResponseCacheTTL > 0 {
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
			PoolSize: cfg.Redis.PoolSize,
		})
		router.WithResponseCache(llm.NewResponseCache(client, cfg.Router.ResponseCacheTTL, logger))
	}

	if obs, err := observability.NewMetrics(); err == nil {
		router.WithObservability(obs)
	} else {
		logger.Warn("observability init failed", zap.Error(err))
	}
	return router
}

func initLogger(cfg config.LogConfig) *zap.Logger {
	var level zapcore.Level
	switch cfg.Level {
	case "debug":
		level = zapcore.DebugLevel
	case "warn":
		level = zapcore.WarnLevel
	case "error":
		level = zapcore.ErrorLevel
	default:
		level = zapcore.InfoLevel
	}

	zapCfg := zap.NewProductionConfig()
	if cfg.Format == "console" {
		zapCfg = zap.NewDevelopmentConfig()
		zapCfg.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	}
	zapCfg.Level = zap.NewAtomicLevelAt(level)
	if len(cfg.OutputPaths) > 0 {
		zapCfg.OutputPaths = cfg.OutputPaths
	}

	logger, err := zapCfg.Build()
	if err != nil {
		fmt.Fprintf(os.Stderr, "init logger: %v\n", err)
		os.Exit(1)
	}
	return logger
}

func printUsage() {
	fmt.Println(`contentflow - resilient content generation pipeline

Usage:
  contentflow <command> [options]

Commands:
  run       Execute the content workflow for a topic
  models    List enabled model configurations
  version   Show version information
  help      Show this help message

Options for 'run':
  --topic <text>      Content topic (required)
  --task-type <type>  Routing task type (default content_generation)
  --budget <usd>      Max USD cost per 1K tokens, 0 = unbounded
  --config <path>     Path to configuration file (YAML)

Examples:
  contentflow run --topic "edge computing trends"
  contentflow run --topic "release notes" --budget 0.001
  contentflow models`)
}
