package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"

	"github.com/rendis/openrooms/internal/agents"
	"github.com/rendis/openrooms/internal/api"
	"github.com/rendis/openrooms/internal/dispatch"
	"github.com/rendis/openrooms/internal/engine"
	"github.com/rendis/openrooms/internal/executors"
	"github.com/rendis/openrooms/internal/expressions"
	"github.com/rendis/openrooms/internal/logging"
	"github.com/rendis/openrooms/internal/metrics"
	"github.com/rendis/openrooms/internal/scheduler"
	"github.com/rendis/openrooms/internal/state"
	"github.com/rendis/openrooms/internal/store"
	"github.com/rendis/openrooms/internal/streaming"
	"github.com/rendis/openrooms/internal/tools"
	"github.com/rendis/openrooms/internal/validation"
)

const usage = `usage: openrooms [command]

commands:
  serve            run the HTTP server (default)
  validate <file>  validate a workflow definition (.json, .yaml)
  version          print the version
`

func main() {
	cmd := "serve"
	if len(os.Args) > 1 {
		cmd = os.Args[1]
	}

	var err error
	switch cmd {
	case "serve":
		err = runServe()
	case "validate":
		if len(os.Args) < 3 {
			fmt.Fprint(os.Stderr, usage)
			os.Exit(2)
		}
		err = runValidate(os.Stdout, os.Args[2])
	case "version", "-v", "--version":
		printVersion()
	case "help", "-h", "--help":
		fmt.Print(usage)
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n\n%s", cmd, usage)
		os.Exit(2)
	}

	if err != nil {
		fmt.Fprintf(os.Stderr, "openrooms: %v\n", err)
		os.Exit(1)
	}
}

// toolchain is the part of the wiring shared by serve and validate.
type toolchain struct {
	expr      *expressions.ExprEngine
	cel       *expressions.CELEngine
	jq        *expressions.GoJQEngine
	tools     *tools.Registry
	validator *validation.WorkflowValidator
}

func newToolchain(cfg Config, logger *slog.Logger) (*toolchain, error) {
	cel, err := expressions.NewCELEngine()
	if err != nil {
		return nil, fmt.Errorf("cel engine: %w", err)
	}
	schemas, err := validation.NewJSONSchemaValidator()
	if err != nil {
		return nil, fmt.Errorf("schema validator: %w", err)
	}

	reg := tools.NewRegistry(schemas, tools.Config{Timeout: cfg.ToolTimeout.Std()}, logger)
	for _, t := range []tools.Tool{
		tools.NewCalculator(),
		tools.NewHTTPRequest(tools.HTTPConfig{}),
	} {
		if err := reg.Register(t); err != nil {
			return nil, err
		}
	}

	tc := &toolchain{
		expr:  expressions.NewExprEngine(),
		cel:   cel,
		jq:    expressions.NewGoJQEngine(),
		tools: reg,
	}
	tc.validator, err = validation.NewWorkflowValidator(validation.Options{
		Tools:      reg,
		Conditions: tc.expr,
		Decisions:  tc.cel,
	})
	if err != nil {
		return nil, fmt.Errorf("workflow validator: %w", err)
	}
	return tc, nil
}

func runValidate(w io.Writer, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	wf, err := store.DecodeWorkflow(filepath.Base(path), data)
	if err != nil {
		return err
	}

	tc, err := newToolchain(defaultConfig(), slog.New(slog.NewTextHandler(io.Discard, nil)))
	if err != nil {
		return err
	}
	result := tc.validator.Validate(wf)

	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(result); err != nil {
		return err
	}
	return result.ToError()
}

func runServe() error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	logger := logging.NewLogger(os.Stderr, logging.ParseLevel(cfg.LogLevel))
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := os.MkdirAll(filepath.Dir(cfg.DBPath), 0o755); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}
	db, err := store.NewLibSQLStore("file:" + cfg.DBPath)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer db.Close()
	if err := db.Migrate(ctx); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}

	rdb := state.NewClient(state.ClientConfig{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	defer closeRedis(rdb, logger)
	states := state.NewRedisStore(rdb, cfg.StateTTL.Std(), logger)
	if err := states.Ping(ctx); err != nil {
		return fmt.Errorf("redis %s: %w", cfg.RedisAddr, err)
	}

	tc, err := newToolchain(cfg, logger)
	if err != nil {
		return err
	}

	router := agents.NewRouter(agents.EchoClient{})
	if cfg.OpenAIAPIKey != "" {
		err := router.Register("openai", agents.NewOpenAIClient(agents.OpenAIConfig{
			BaseURL:      cfg.OpenAIBaseURL,
			APIKey:       cfg.OpenAIAPIKey,
			DefaultModel: cfg.OpenAIModel,
		}))
		if err != nil {
			return err
		}
	}

	execs, err := executors.NewDefaultRegistry(executors.Deps{
		Tools:  tc.tools,
		Agents: router,
		CEL:    tc.cel,
		JQ:     tc.jq,
	})
	if err != nil {
		return err
	}

	hub := streaming.NewMemoryHub()
	relay := streaming.NewRelay(db, hub, logger)
	m := metrics.New(prometheus.DefaultRegisterer)

	eng, err := engine.New(engine.Config{
		MaxExecutionTime:  cfg.MaxExecutionTime.Std(),
		LockTimeout:       cfg.LockTimeout.Std(),
		LockRenewInterval: cfg.LockRenewInterval.Std(),
	}, engine.Deps{
		Rooms:     db,
		Workflows: db,
		States:    states,
		Log:       relay,
		Executors: execs,
		Guards:    tc.expr,
		Metrics:   m,
		Logger:    logger,
	})
	if err != nil {
		return err
	}

	pool := engine.NewWorkerPool(cfg.PoolSize, logger)
	dispatcher := dispatch.New(eng, pool, dispatch.Config{
		Rate:        cfg.DispatchRate,
		Burst:       cfg.DispatchBurst,
		MaxAttempts: cfg.DispatchMaxAttempts,
	}, m, logger)
	eng.SetRunQueue(dispatcher)
	dispatcher.Start(ctx)

	if cfg.WorkflowsDir != "" {
		n, err := store.LoadWorkflowDir(ctx, cfg.WorkflowsDir, db, tc.validator.ValidateWorkflow)
		if err != nil {
			return fmt.Errorf("load workflows: %w", err)
		}
		logger.Info("workflows loaded", slog.String("dir", cfg.WorkflowsDir), slog.Int("count", n))
	}

	sched := scheduler.New(db, eng, dispatcher, logger)
	if err := sched.RecoverMissed(ctx); err != nil {
		logger.Warn("missed schedule recovery failed", logging.Error(err))
	}
	if err := sched.Start(ctx); err != nil {
		return fmt.Errorf("start scheduler: %w", err)
	}

	srv := api.NewServer(cfg.ListenAddr, api.Deps{
		Engine:    eng,
		Rooms:     db,
		Workflows: db,
		Schedules: db,
		Logs:      relay,
		States:    states,
		Queue:     dispatcher,
		Hub:       hub,
		Validator: tc.validator,
		Metrics:   m,
		Gatherer:  prometheus.DefaultGatherer,
		Health: map[string]api.HealthCheck{
			"store": db.Ping,
			"redis": states.Ping,
		},
	}, logger)

	logger.Info("openrooms starting",
		slog.String("version", version),
		slog.String("addr", cfg.ListenAddr),
		slog.Int("pool_size", pool.Size()),
	)
	serveErr := srv.Run(ctx)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := sched.Stop(); err != nil {
		logger.Warn("scheduler stop", logging.Error(err))
	}
	if err := dispatcher.Stop(shutdownCtx); err != nil {
		logger.Warn("dispatcher stop", logging.Error(err))
	}
	pool.Shutdown()
	logger.Info("openrooms stopped", slog.Any("pool", pool.Stats()))

	if serveErr != nil && !errors.Is(serveErr, context.Canceled) {
		return serveErr
	}
	return nil
}

func closeRedis(rdb *redis.Client, logger *slog.Logger) {
	if err := rdb.Close(); err != nil {
		logger.Warn("redis close", logging.Error(err))
	}
}
