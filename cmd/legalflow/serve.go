package main

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/legalflow/legalflow/pkg/config"
	"github.com/legalflow/legalflow/pkg/coordinator"
	"github.com/legalflow/legalflow/pkg/dispatch"
	"github.com/legalflow/legalflow/pkg/export"
	"github.com/legalflow/legalflow/pkg/lifecycle"
	"github.com/legalflow/legalflow/pkg/objstore"
	"github.com/legalflow/legalflow/pkg/pipeline"
	"github.com/legalflow/legalflow/pkg/progress"
	"github.com/legalflow/legalflow/pkg/providers/docparse"
	"github.com/legalflow/legalflow/pkg/providers/gemini"
	"github.com/legalflow/legalflow/pkg/providers/ocr"
	"github.com/legalflow/legalflow/pkg/providers/rulebased"
	"github.com/legalflow/legalflow/pkg/registry"
	"github.com/legalflow/legalflow/pkg/resilience"
	"github.com/legalflow/legalflow/pkg/server"
	"github.com/legalflow/legalflow/pkg/store"
	"github.com/legalflow/legalflow/pkg/telemetry"
	"github.com/legalflow/legalflow/pkg/watch"

	"github.com/legalflow/legalflow/internal/model"
)

var (
	servePort int
	serveHost string
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the extraction API server",
	Long: `Start the HTTP server with the extraction pipeline workers.

The server provides:
  - Client, case, and document upload endpoints
  - Run creation, start, cancel, and retry
  - Real-time run progress over SSE
  - Chronology export to CSV, XLSX, and JSON

Examples:
  legalflow serve                  # Start on the configured port (8080)
  legalflow serve --port 3000      # Start on a custom port`,
	RunE: runServe,
}

func init() {
	cfg := config.Global().Get()

	serveCmd.Flags().IntVarP(&servePort, "port", "p", cfg.Server.Port, "Port to listen on")
	serveCmd.Flags().StringVar(&serveHost, "host", cfg.Server.Host, "Host to bind to")

	rootCmd.AddCommand(serveCmd)
}

// stack holds every wired service the serve command runs.
type stack struct {
	store       store.Store
	objects     objstore.Store
	queue       dispatch.Queue
	registry    *registry.Registry
	progress    *progress.Publisher
	coordinator *coordinator.Coordinator
	pool        *coordinator.Pool
	exporter    *export.Exporter
	shutdown    *lifecycle.ShutdownManager
	logger      *slog.Logger
}

// buildStore selects postgres or the in-memory store.
func buildStore(cfg *config.Config, logger *slog.Logger) (store.Store, error) {
	if cfg.Database.DSN == "" {
		logger.Warn("no database DSN configured, using in-memory store")
		return store.NewMemoryStore(), nil
	}
	return store.NewGormStore(cfg.Database.DSN)
}

// buildObjects selects minio or the in-memory object store.
func buildObjects(ctx context.Context, cfg *config.Config, logger *slog.Logger) (objstore.Store, error) {
	if cfg.Storage.Endpoint == "" {
		logger.Warn("no object storage endpoint configured, using in-memory store")
		return objstore.NewMemoryStore(), nil
	}
	return objstore.NewMinioStore(ctx, objstore.MinioConfig{
		Endpoint:  cfg.Storage.Endpoint,
		AccessKey: cfg.Storage.AccessKey,
		SecretKey: cfg.Storage.SecretKey,
		Bucket:    cfg.Storage.Bucket,
		UseSSL:    cfg.Storage.UseSSL,
	})
}

// buildQueue selects redis or the in-memory queue.
func buildQueue(cfg *config.Config, logger *slog.Logger) (dispatch.Queue, error) {
	if cfg.Redis.Addr == "" {
		logger.Warn("no redis address configured, using in-memory queue")
		return dispatch.NewMemoryQueue(cfg.Pipeline.ClaimTimeout), nil
	}
	rc := dispatch.DefaultRedisConfig(cfg.Redis.Addr)
	rc.Password = cfg.Redis.Password
	rc.Database = cfg.Redis.DB
	rc.ClaimTimeout = cfg.Pipeline.ClaimTimeout
	return dispatch.NewRedisQueue(rc)
}

// buildRegistry assembles the provider registry from configuration. The
// rule-based provider is always available; Gemini joins when an API key is
// configured.
func buildRegistry(ctx context.Context, cfg *config.Config, chain *ocr.Chain, logger *slog.Logger) (*registry.Registry, error) {
	reg := registry.NewRegistry()

	parser := buildParser(cfg)
	hasOCR := chain != nil && chain.Available()

	if err := reg.Register(&registry.Provider{
		Name:      "rulebased",
		Parser:    parser,
		Extractor: rulebased.New(),
		Capabilities: registry.Capabilities{
			OCR:            hasOCR,
			PromptVersions: []string{"rules-v1"},
		},
	}); err != nil {
		return nil, err
	}

	if cfg.Providers.Gemini.APIKey != "" {
		extractor, err := gemini.New(ctx, cfg.Providers.Gemini.APIKey, cfg.Providers.Gemini.Model)
		if err != nil {
			return nil, fmt.Errorf("failed to initialize gemini: %w", err)
		}
		if err := reg.Register(&registry.Provider{
			Name:      "gemini",
			Parser:    parser,
			Extractor: extractor,
			Capabilities: registry.Capabilities{
				OCR:            hasOCR,
				Vision:         true,
				PromptVersions: []string{"v1", "v2"},
			},
		}); err != nil {
			return nil, err
		}
	} else {
		logger.Warn("no gemini api key configured, provider disabled")
	}

	return reg, nil
}

// buildParser routes PDF/DOCX to the parsing service when configured, with
// the native parser handling text and email either way.
func buildParser(cfg *config.Config) *docparse.MultiParser {
	if cfg.Providers.ParserService.BaseURL != "" {
		return docparse.NewMultiParser(
			docparse.NewServiceParser(docparse.ServiceConfig{
				BaseURL: cfg.Providers.ParserService.BaseURL,
				Token:   cfg.Providers.ParserService.Token,
			}),
			docparse.NewNativeParser(),
		)
	}
	return docparse.NewMultiParser(docparse.NewNativeParser())
}

// buildOCRChain wires the primary and fallback OCR engines, or returns nil
// when none are configured.
func buildOCRChain(cfg *config.Config) *ocr.Chain {
	var primary, fallback ocr.Engine
	if cfg.Providers.OCR.PrimaryURL != "" {
		primary = ocr.NewHTTPEngine("primary", ocr.HTTPConfig{BaseURL: cfg.Providers.OCR.PrimaryURL})
	}
	if cfg.Providers.OCR.FallbackURL != "" {
		fallback = ocr.NewHTTPEngine("fallback", ocr.HTTPConfig{BaseURL: cfg.Providers.OCR.FallbackURL})
	}
	if primary == nil && fallback == nil {
		return nil
	}
	if primary == nil {
		primary, fallback = fallback, nil
	}
	return &ocr.Chain{Primary: primary, Fallback: fallback}
}

// buildStack wires every service from configuration.
func buildStack(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*stack, error) {
	st, err := buildStore(cfg, logger)
	if err != nil {
		return nil, fmt.Errorf("store: %w", err)
	}
	objects, err := buildObjects(ctx, cfg, logger)
	if err != nil {
		return nil, fmt.Errorf("object storage: %w", err)
	}
	queue, err := buildQueue(cfg, logger)
	if err != nil {
		return nil, fmt.Errorf("queue: %w", err)
	}

	chain := buildOCRChain(cfg)
	reg, err := buildRegistry(ctx, cfg, chain, logger)
	if err != nil {
		return nil, fmt.Errorf("registry: %w", err)
	}

	retrier := resilience.NewRetrier().
		WithMaxAttempts(cfg.Pipeline.RetryMax).
		WithBaseDelay(cfg.Pipeline.RetryBaseDelay)
	executor := pipeline.NewExecutor(reg, chain, retrier, logger)

	pub := progress.NewPublisher()
	coord := coordinator.New(st, queue, pub, reg, logger)
	pool := coordinator.NewPool(queue, st, objects, executor, coord, coordinator.PoolConfig{
		Workers:          cfg.Pipeline.Workers,
		MaxJobsPerWorker: cfg.Pipeline.MaxJobsPerWorker,
	}, logger)

	shutdown := lifecycle.NewShutdownManager(lifecycle.ShutdownConfig{
		DrainTimeout: 30 * time.Second,
		Logger:       logger,
	})
	shutdown.RegisterCloser(queue)

	return &stack{
		store:       st,
		objects:     objects,
		queue:       queue,
		registry:    reg,
		progress:    pub,
		coordinator: coord,
		pool:        pool,
		exporter:    export.New(st, objects),
		shutdown:    shutdown,
		logger:      logger,
	}, nil
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg := config.Global().Get()
	logger := slog.Default()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if cfg.Telemetry.Enabled {
		tcfg := telemetry.DefaultOTLPConfig("legalflow")
		tcfg.ServiceVersion = version
		if cfg.Telemetry.Endpoint != "" {
			tcfg.Endpoint = cfg.Telemetry.Endpoint
		}
		stop, err := telemetry.InitOTLP(tcfg)
		if err != nil {
			logger.Warn("telemetry disabled", "error", err)
		} else {
			defer stop(context.Background())
		}
	}

	s, err := buildStack(ctx, cfg, logger)
	if err != nil {
		return err
	}

	api := server.New(server.Config{
		Store:          s.store,
		Objects:        s.objects,
		Coordinator:    s.coordinator,
		Exporter:       s.exporter,
		Progress:       s.progress,
		Registry:       s.registry,
		Logger:         logger,
		MaxUploadBytes: parseSize(cfg.Server.MaxUploadSize),
		Health:         s.shutdown.HealthHandler(),
	})

	addr := fmt.Sprintf("%s:%d", serveHost, servePort)
	httpServer := &http.Server{
		Addr:         addr,
		Handler:      api,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 0, // Disabled for SSE
		IdleTimeout:  120 * time.Second,
	}

	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		s.logger.Info("worker pool started", "workers", cfg.Pipeline.Workers)
		return s.pool.Run(gctx)
	})

	g.Go(func() error {
		if err := httpServer.Serve(listener); err != http.ErrServerClosed {
			return err
		}
		return nil
	})

	if cfg.Watch.Enabled {
		inbox, err := buildInbox(cfg, s, logger)
		if err != nil {
			return fmt.Errorf("inbox: %w", err)
		}
		g.Go(func() error {
			err := inbox.Run(gctx)
			if err == context.Canceled {
				return nil
			}
			return err
		})
	}

	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, stop := context.WithTimeout(context.Background(), 10*time.Second)
		defer stop()
		httpServer.Shutdown(shutdownCtx)
		return s.shutdown.Shutdown(shutdownCtx)
	})

	s.shutdown.HandleSignals(ctx)
	go func() {
		s.shutdown.Wait()
		cancel()
	}()

	logger.Info("legalflow server listening", "addr", addr)
	if err := g.Wait(); err != nil && err != context.Canceled {
		return err
	}
	return nil
}

// buildInbox wires the directory watcher: each settled file becomes a
// single-document run under the configured case, started immediately.
func buildInbox(cfg *config.Config, s *stack, logger *slog.Logger) (*watch.Inbox, error) {
	if cfg.Watch.CaseID == "" {
		return nil, fmt.Errorf("watch.case_id is required when the inbox is enabled")
	}

	inbox, err := watch.NewInbox(cfg.Watch.Dir, logger)
	if err != nil {
		return nil, err
	}

	inbox.OnDocument = func(ctx context.Context, path string) error {
		kase, err := s.store.GetCase(ctx, cfg.Watch.CaseID)
		if err != nil {
			return fmt.Errorf("inbox case: %w", err)
		}

		data, err := os.ReadFile(path)
		if err != nil {
			return err
		}
		filename := filepath.Base(path)
		sum := sha256.Sum256(data)
		key := objstore.UploadKey(kase.ClientID, kase.ID, hex.EncodeToString(sum[:8]), filename)

		if err := s.objects.Put(ctx, key, bytes.NewReader(data), int64(len(data)), ""); err != nil {
			return err
		}

		run, err := s.coordinator.CreateRun(ctx, coordinator.CreateRunParams{
			CaseID: kase.ID,
			Config: model.RunConfig{Provider: cfg.Providers.Default},
			Documents: []coordinator.DocumentUpload{{
				Filename:   filename,
				StorageKey: key,
				SHA256:     hex.EncodeToString(sum[:]),
				SizeBytes:  int64(len(data)),
			}},
		})
		if err != nil {
			return err
		}
		if _, err := s.coordinator.StartRun(ctx, run.ID); err != nil {
			return err
		}
		logger.Info("inbox run started", "run", run.ID, "file", filename)
		return nil
	}

	return inbox, nil
}

// parseSize converts "200MB" style strings to bytes, defaulting to 200MB.
func parseSize(s string) int64 {
	var n int64
	var unit string
	if _, err := fmt.Sscanf(s, "%d%s", &n, &unit); err != nil {
		return 200 << 20
	}
	switch unit {
	case "KB", "kb":
		return n << 10
	case "MB", "mb":
		return n << 20
	case "GB", "gb":
		return n << 30
	}
	return n
}
