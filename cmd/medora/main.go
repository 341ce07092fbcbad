package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/medora-ai/medora/config"
	"github.com/medora-ai/medora/errors"
	"github.com/medora-ai/medora/server"
	"github.com/medora-ai/medora/server/dispatch"
	"github.com/medora-ai/medora/server/handlers"
	"github.com/medora-ai/medora/server/metrics"
	"github.com/medora-ai/medora/server/upstream"
	"go.uber.org/zap"
)

const Version = "v0.1.0"

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, os.Args[1:], os.Stdout); err != nil {
		fmt.Fprintf(os.Stderr, "medora: %v\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, args []string, stdout io.Writer) error {
	flags := flag.NewFlagSet("medora", flag.ContinueOnError)
	configFile := flags.String("config", "", "Path to YAML configuration file (optional)")
	envFile := flags.String("env-file", ".env", "Path to a dotenv file loaded before reading the environment")
	validate := flags.Bool("validate", false, "Validate configuration and exit")
	version := flags.Bool("version", false, "Print version and exit")
	if err := flags.Parse(args); err != nil {
		return err
	}

	if *version {
		fmt.Fprintf(stdout, "medora %s\n", Version)
		return nil
	}

	// A missing .env file is normal outside development.
	if err := godotenv.Load(*envFile); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("load %s: %w", *envFile, err)
	}

	cfg, err := config.Resolve(*configFile)
	if err != nil {
		return err
	}

	if *validate {
		fmt.Fprintln(stdout, "Configuration is valid")
		for _, w := range cfg.Warnings() {
			fmt.Fprintf(stdout, "warning: %s\n", w)
		}
		return nil
	}

	logger, err := cfg.Logging.NewLogger()
	if err != nil {
		return fmt.Errorf("create logger: %w", err)
	}
	defer func() { _ = logger.Sync() }()
	errors.SetLogger(logger)

	for _, w := range cfg.Warnings() {
		logger.Warn(w)
	}

	srv, err := build(cfg, logger)
	if err != nil {
		return err
	}

	logger.Info("Starting medora",
		zap.String("version", Version),
		zap.Int("port", cfg.Server.Port),
		zap.String("mode", cfg.Webhook.Mode),
		zap.String("upstream", cfg.Upstream.BaseURL),
		zap.String("model", cfg.Upstream.Model),
	)
	return srv.Start(ctx)
}

// build assembles the service graph for cfg.
func build(cfg *config.Config, logger *zap.Logger) (*server.Server, error) {
	m := metrics.NewMetrics()
	client := upstream.NewClient(cfg.Upstream, logger, m)

	var submitter handlers.Submitter
	var dispatcher *dispatch.Dispatcher
	if cfg.Webhook.Mode == config.ModeDeferred {
		dispatcher = dispatch.New(cfg.Dispatch, client, dispatch.NewLogSink(logger, m), logger, m)
		submitter = dispatcher
	}

	webhook, err := handlers.NewWebhookHandler(cfg.Webhook, client, submitter, logger)
	if err != nil {
		return nil, err
	}

	router := server.NewRouter(cfg, webhook, m, logger)
	srv := server.NewServer(cfg.Server, router, logger)
	if dispatcher != nil {
		srv.OnShutdown(dispatcher.Shutdown)
	}
	return srv, nil
}
