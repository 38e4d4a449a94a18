package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/triage-ai/palisade/moderation/internal/api"
	"github.com/triage-ai/palisade/moderation/internal/app"
	"github.com/triage-ai/palisade/moderation/internal/chread"
	"github.com/triage-ai/palisade/moderation/internal/config"
	"github.com/triage-ai/palisade/moderation/internal/logging"
	"github.com/triage-ai/palisade/moderation/internal/metrics"
	"github.com/triage-ai/palisade/moderation/internal/server"
	"github.com/triage-ai/palisade/moderation/internal/storage"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

const shutdownTimeout = 10 * time.Second

func main() {
	v := config.New()
	var cfgFile string

	cmd := &cobra.Command{
		Use:           "moderation-server",
		Short:         "Serve text moderation over HTTP and gRPC",
		Version:       app.Version,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			if cfgFile == "" {
				cfgFile = os.Getenv("MODERATION_CONFIG")
			}
			cfg, err := config.Load(v, cfgFile)
			if err != nil {
				return err
			}
			return run(cmd.Context(), cfg)
		},
	}
	cmd.Flags().StringVar(&cfgFile, "config", "", "YAML config file (env MODERATION_CONFIG)")
	cmd.Flags().Int("http-port", 8000, "HTTP listen port")
	cmd.Flags().String("grpc-port", "50054", "gRPC listen port (empty or 0 disables)")
	cmd.Flags().String("model-path", "models", "model artifact file, directory, s3:// or grpc:// location")
	cmd.Flags().String("log-level", "info", "debug, info, warn or error")
	_ = v.BindPFlag("http_port", cmd.Flags().Lookup("http-port"))
	_ = v.BindPFlag("grpc_port", cmd.Flags().Lookup("grpc-port"))
	_ = v.BindPFlag("model_path", cmd.Flags().Lookup("model-path"))
	_ = v.BindPFlag("log_level", cmd.Flags().Lookup("log-level"))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	if err := cmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.Config) error {
	logger, err := logging.New(cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		return err
	}
	defer logger.Sync() //nolint:errcheck // best-effort flush

	logger.Info("starting moderation server",
		zap.String("version", app.Version),
		zap.Int("http_port", cfg.HTTPPort),
		zap.String("grpc_port", cfg.GRPCPort),
		zap.String("model", cfg.ModelLocation()),
		zap.String("auth_mode", cfg.EffectiveAuthMode()),
	)

	prom := metrics.NewPrometheus()

	// Decision events: ClickHouse, or LogWriter when no DSN is set
	var writer storage.EventWriter
	if cfg.ClickHouseDSN != "" {
		chWriter, err := storage.NewClickHouseWriter(ctx, cfg.ClickHouseDSN, logger)
		if err != nil {
			logger.Warn("clickhouse connection failed, falling back to log writer", zap.Error(err))
			writer = storage.NewLogWriter(logger)
		} else {
			writer = chWriter
			logger.Info("clickhouse writer connected")
		}
	} else {
		writer = storage.NewLogWriter(logger)
		logger.Info("no CLICKHOUSE_DSN set, using log writer")
	}
	defer writer.Close()

	core, err := app.New(ctx, cfg, logger, app.Options{Sink: prom, Events: writer})
	if err != nil {
		return err
	}
	defer core.Close()

	authenticator, closeAuth, err := app.Authenticator(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer closeAuth()

	limiter, err := api.NewRateLimiter(cfg.RateLimit)
	if err != nil {
		return fmt.Errorf("rate_limit: %w", err)
	}

	deps := &api.Dependencies{
		Moderator: core.Moderator,
		Auth:      authenticator,
		Limiter:   limiter,
		Metrics:   prom.Handler(),
		Logger:    logger,
		Version:   app.Version,
		StartedAt: time.Now(),
	}

	// ClickHouse reader (for the analytics endpoint)
	if cfg.ClickHouseDSN != "" {
		reader, err := chread.NewReader(ctx, cfg.ClickHouseDSN, logger)
		if err != nil {
			logger.Warn("clickhouse reader connection failed", zap.Error(err))
		} else {
			defer func() { _ = reader.Close() }()
			deps.Reader = reader
			logger.Info("clickhouse reader connected")
		}
	}

	httpServer := &http.Server{
		Addr:         ":" + strconv.Itoa(cfg.HTTPPort),
		Handler:      api.NewRouter(deps),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		logger.Info("http server listening", zap.String("addr", httpServer.Addr))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})

	if cfg.GRPCEnabled() {
		grpcServer, healthServer := server.NewGRPCServer(server.NewModerationServer(core.Moderator, authenticator, logger))
		lis, err := net.Listen("tcp", ":"+cfg.GRPCPort)
		if err != nil {
			return fmt.Errorf("grpc listen on %s: %w", cfg.GRPCPort, err)
		}
		g.Go(func() error {
			logger.Info("grpc server listening", zap.String("addr", lis.Addr().String()))
			return grpcServer.Serve(lis)
		})
		g.Go(func() error {
			<-gctx.Done()
			healthServer.SetServingStatus(server.ServiceName, healthpb.HealthCheckResponse_NOT_SERVING)
			grpcServer.GracefulStop()
			return nil
		})
	}

	// Graceful HTTP shutdown
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			logger.Error("http server shutdown error", zap.Error(err))
		}
		return nil
	})

	// SIGHUP reloads the model without dropping requests.
	g.Go(func() error {
		hup := make(chan os.Signal, 1)
		signal.Notify(hup, syscall.SIGHUP)
		defer signal.Stop(hup)
		for {
			select {
			case <-gctx.Done():
				return nil
			case <-hup:
				logger.Info("received SIGHUP, reloading model")
				if err := core.ReloadModel(gctx); err != nil {
					logger.Error("model reload failed, keeping current model", zap.Error(err))
				}
			}
		}
	})

	err = g.Wait()
	logger.Info("moderation server stopped")
	return err
}
