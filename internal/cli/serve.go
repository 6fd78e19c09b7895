package cli

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/lazypower/strata/internal/config"
	"github.com/lazypower/strata/internal/engine"
	"github.com/lazypower/strata/internal/llm"
	"github.com/lazypower/strata/internal/lock"
	"github.com/lazypower/strata/internal/manifest"
	"github.com/lazypower/strata/internal/server"
	"github.com/lazypower/strata/internal/store"
)

var serveAddr string

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the HTTP API server",
	RunE:  runServe,
}

func init() {
	serveCmd.Flags().StringVar(&serveAddr, "addr", "", "listen address (default from config)")
}

func newLogger(cfg config.LogConfig) (*logrus.Logger, error) {
	logger := logrus.New()
	logger.SetOutput(os.Stderr)
	level, err := logrus.ParseLevel(cfg.Level)
	if err != nil {
		return nil, fmt.Errorf("log.level: %w", err)
	}
	logger.SetLevel(level)
	switch cfg.Format {
	case "json":
		logger.SetFormatter(&logrus.JSONFormatter{})
	case "text", "":
		logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	default:
		return nil, fmt.Errorf("log.format: unknown format %q", cfg.Format)
	}
	return logger, nil
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	logger, err := newLogger(cfg.Log)
	if err != nil {
		return err
	}

	dataDir, err := cfg.ResolveDataDir()
	if err != nil {
		return fmt.Errorf("resolve data dir: %w", err)
	}
	db, err := store.Open(store.PathIn(dataDir))
	if err != nil {
		return fmt.Errorf("open index: %w", err)
	}
	defer db.Close()

	compressor, err := llm.NewCompressor(cfg.LLM)
	if err != nil {
		return err
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	eng, err := engine.New(engine.Options{
		Store:       manifest.NewFileStore(dataDir),
		Locks:       lock.NewLocal(logger.WithField("component", "locks")),
		Compressor:  compressor,
		Index:       db,
		Compression: cfg.Compression,
		Logger:      logger,
		Registerer:  reg,
	})
	if err != nil {
		return err
	}

	addr := cfg.ListenAddr()
	if serveAddr != "" {
		addr = serveAddr
	}
	httpServer := &http.Server{
		Addr: addr,
		Handler: server.New(server.Options{
			Engine:  eng,
			DB:      db,
			Logger:  logger,
			Metrics: reg,
			Version: VersionString(),
		}),
		ReadHeaderTimeout: 10 * time.Second,
	}

	ctx := cmd.Context()
	go sweepLocks(ctx, eng, cfg.Compression.LockStaleAfter.Duration)

	errc := make(chan error, 1)
	go func() {
		logger.WithField("action", "serve").
			WithField("addr", addr).
			WithField("data_dir", dataDir).
			WithField("llm", cfg.LLM.Provider).
			Info("strata serving")
		errc <- httpServer.ListenAndServe()
	}()

	select {
	case err := <-errc:
		if !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	logger.WithField("action", "serve").Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return httpServer.Shutdown(shutdownCtx)
}

// sweepLocks reclaims expired locks every half staleness period, so a
// crashed holder does not keep showing up in lock status.
func sweepLocks(ctx context.Context, eng *engine.Engine, staleAfter time.Duration) {
	if staleAfter <= 0 {
		staleAfter = lock.DefaultStaleAfter
	}
	t := time.NewTicker(staleAfter / 2)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			eng.CleanupLocks(ctx)
		}
	}
}
