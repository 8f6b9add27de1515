// Rulesmithd is the detection-rule workflow daemon.
//
// It drives threat-intelligence documents through the content filter,
// ranking gate, platform detection, observable extraction, rule
// generation, similarity matching, and queue promotion, and exposes the
// HTTP API for triggering executions and reviewing queued rules.
//
// Configuration is loaded from an optional YAML file and RULESMITH_*
// environment variables.
//
// Usage:
//
//	# Start with defaults
//	rulesmithd
//
//	# Start with a config file
//	rulesmithd -config /etc/rulesmith/config.yaml
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	nethttp "net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/rulesmith/rulesmith/internal/config"
	"github.com/rulesmith/rulesmith/internal/docstore"
	"github.com/rulesmith/rulesmith/internal/embeddings"
	"github.com/rulesmith/rulesmith/internal/engine"
	"github.com/rulesmith/rulesmith/internal/extract"
	"github.com/rulesmith/rulesmith/internal/filter"
	"github.com/rulesmith/rulesmith/internal/gateway"
	"github.com/rulesmith/rulesmith/internal/http"
	"github.com/rulesmith/rulesmith/internal/logging"
	"github.com/rulesmith/rulesmith/internal/metrics"
	"github.com/rulesmith/rulesmith/internal/platform"
	"github.com/rulesmith/rulesmith/internal/queue"
	"github.com/rulesmith/rulesmith/internal/ranking"
	"github.com/rulesmith/rulesmith/internal/rule"
	"github.com/rulesmith/rulesmith/internal/similarity"
	"github.com/rulesmith/rulesmith/internal/store"
	"github.com/rulesmith/rulesmith/internal/vectorstore"
)

// Version information (set via ldflags during build)
var (
	version   = "dev"
	gitCommit = "unknown"
	buildDate = "unknown"
)

func main() {
	configPath := flag.String("config", "", "path to config file")
	flag.Parse()

	if args := flag.Args(); len(args) > 0 {
		switch args[0] {
		case "version":
			printVersion()
			os.Exit(0)
		default:
			fmt.Fprintf(os.Stderr, "Unknown command: %s\n", args[0])
			fmt.Fprintf(os.Stderr, "\nUsage:\n")
			fmt.Fprintf(os.Stderr, "  rulesmithd [-config path]   Start the daemon\n")
			fmt.Fprintf(os.Stderr, "  rulesmithd version          Show version information\n")
			os.Exit(1)
		}
	}

	if err := run(*configPath); err != nil {
		log.Fatalf("rulesmithd: %v", err)
	}
}

func run(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	logger, err := logging.NewLogger(&logging.Config{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
		Fields: map[string]string{"service": "rulesmithd"},
	})
	if err != nil {
		return fmt.Errorf("creating logger: %w", err)
	}
	defer logger.Sync()

	ctx := context.Background()
	logger.Info(ctx, "starting rulesmithd",
		zap.String("version", version),
		zap.String("config_version", cfg.Workflow.Version()))

	st, err := store.Open(cfg.Store.Path)
	if err != nil {
		return fmt.Errorf("opening store: %w", err)
	}
	defer st.Close()

	docs, err := docstore.NewSQLiteStore(st.DB())
	if err != nil {
		return fmt.Errorf("opening document store: %w", err)
	}

	gw, err := gateway.New(cfg.Gateway)
	if err != nil {
		return fmt.Errorf("creating model gateway: %w", err)
	}

	contentFilter, err := filter.New(cfg.Workflow.Filter, logger.Named("filter"))
	if err != nil {
		return fmt.Errorf("creating content filter: %w", err)
	}

	supervisor, err := extract.NewSupervisor(gw, cfg.Workflow.Extraction, logger.Named("extract"))
	if err != nil {
		return fmt.Errorf("creating extraction supervisor: %w", err)
	}

	provider, err := embeddings.New(cfg.Embeddings)
	if err != nil {
		return fmt.Errorf("creating embedding provider: %w", err)
	}
	defer provider.Close()

	vcfg := cfg.VectorStore
	if vcfg.VectorSize == 0 {
		vcfg.VectorSize = provider.Dimension()
	}
	index, err := vectorstore.New(vcfg, logger.Named("vectorstore"))
	if err != nil {
		return fmt.Errorf("creating vector index: %w", err)
	}
	defer index.Close()

	matcher, err := similarity.NewMatcher(provider, index, cfg.Workflow.Similarity, logger.Named("similarity"))
	if err != nil {
		return fmt.Errorf("creating similarity matcher: %w", err)
	}

	met := metrics.New(prometheus.DefaultRegisterer)
	reviews := queue.NewService(st.Queue(), matcher, logger.Named("queue"))

	eng, err := engine.New(cfg.Workflow, engine.Deps{
		Store:     st,
		Documents: docs,
		Filter:    contentFilter,
		Ranker:    ranking.New(gw),
		Detector:  platform.New(gw, cfg.Workflow.Platform.ModelFallback),
		Extractor: supervisor,
		Generator: rule.NewGenerator(gw, cfg.Workflow.Generation, logger.Named("rule")),
		Matcher:   matcher,
		Promoter:  reviews,
		Metrics:   met,
	}, logger.Named("engine"))
	if err != nil {
		return fmt.Errorf("creating engine: %w", err)
	}
	eng.Start()

	srv, err := http.NewServer(cfg.Server, eng, reviews, st.Queue(), met, logger.Named("http"))
	if err != nil {
		return fmt.Errorf("creating http server: %w", err)
	}

	errCh := make(chan error, 1)
	go func() {
		if err := srv.Start(); err != nil && !errors.Is(err, nethttp.ErrServerClosed) {
			errCh <- err
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		logger.Info(ctx, "received signal, shutting down", zap.String("signal", sig.String()))
	case err := <-errCh:
		return fmt.Errorf("http server: %w", err)
	}

	shutdownCtx, cancel := context.WithTimeout(ctx, cfg.Server.ShutdownTimeout.Duration())
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error(ctx, "http shutdown", zap.Error(err))
	}
	if err := eng.Stop(shutdownCtx); err != nil {
		logger.Error(ctx, "engine shutdown", zap.Error(err))
	}
	logger.Info(ctx, "rulesmithd stopped")
	return nil
}

func printVersion() {
	fmt.Printf("rulesmithd %s\n", version)
	fmt.Printf("  commit: %s\n", gitCommit)
	fmt.Printf("  built:  %s\n", buildDate)
}
