package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/tomnoakes9/iRacing-Telemetry/internal/cache"
	"github.com/tomnoakes9/iRacing-Telemetry/internal/config"
	"github.com/tomnoakes9/iRacing-Telemetry/internal/logger"
	"github.com/tomnoakes9/iRacing-Telemetry/internal/metrics"
	"github.com/tomnoakes9/iRacing-Telemetry/internal/model"
	"github.com/tomnoakes9/iRacing-Telemetry/internal/registry"
	"github.com/tomnoakes9/iRacing-Telemetry/internal/service"
	"github.com/tomnoakes9/iRacing-Telemetry/internal/transport/rest"
	"github.com/tomnoakes9/iRacing-Telemetry/internal/transport/ws"
)

func main() {
	if err := rootCmd(config.Load()).Execute(); err != nil {
		logger.Logger.WithError(err).Fatal("Relay stopped")
	}
}

func rootCmd(cfg *config.Config) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "relay",
		Short: "Real-time telemetry relay between a coach and a student",
		Long: `relay pairs a sharer (coach) and a viewer (student) with a short code
and forwards telemetry from one to the other over WebSocket.
Nothing is persisted; sessions live in memory only.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PreRunE: func(cmd *cobra.Command, args []string) error {
			cfg.Normalize()
			if err := cfg.Validate(); err != nil {
				return fmt.Errorf("invalid configuration: %w", err)
			}
			return nil
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cfg)
		},
	}

	flags := cmd.Flags()
	flags.StringVar(&cfg.Port, "port", cfg.Port, "listen port")
	flags.StringVar((*string)(&cfg.Pairing.CodeMode), "code-mode", string(cfg.Pairing.CodeMode), "generated or declared")
	flags.StringVar((*string)(&cfg.Pairing.Flow), "flow", string(cfg.Pairing.Flow), "eager or two_step")
	flags.StringVar((*string)(&cfg.Pairing.Reconnect), "reconnect", string(cfg.Pairing.Reconnect), "immediate or grace")
	flags.StringVar((*string)(&cfg.Pairing.SharerCode), "sharer-code", string(cfg.Pairing.SharerCode), "keep or rotate a sharer's generated code on re-registration")
	flags.DurationVar(&cfg.Pairing.GracePeriod, "grace-period", cfg.Pairing.GracePeriod, "how long a disconnected session is kept")
	flags.DurationVar(&cfg.Pairing.ReapInterval, "reap-interval", cfg.Pairing.ReapInterval, "how often stale sessions are swept")
	flags.StringVar(&cfg.RedisAddr, "redis-addr", cfg.RedisAddr, "Redis address for stats export (disabled when empty)")
	flags.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "log level")

	return cmd
}

func run(cfg *config.Config) error {
	logger.Init(cfg.LogLevel, cfg.LogFormat)
	log := logger.Logger

	instanceID := uuid.New().String()
	log.WithFields(logrus.Fields{
		"instance":    instanceID,
		"code_mode":   cfg.Pairing.CodeMode,
		"flow":        cfg.Pairing.Flow,
		"reconnect":   cfg.Pairing.Reconnect,
		"grace":       cfg.Pairing.GracePeriod,
		"sharer_code": cfg.Pairing.SharerCode,
	}).Info("Starting relay")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Registries and services
	sessions := registry.NewSessionRegistry()
	codes := registry.NewCodeRegistry(cfg.Pairing.CodeMaxAttempts)
	pairingSvc := service.NewPairingService(sessions, codes, cfg.Pairing)
	relaySvc := service.NewRelayService(pairingSvc)
	reaper := service.NewReaper(pairingSvc, cfg.Pairing.ReapInterval)

	wsHub := ws.NewHub()
	wsHandler := ws.NewHandler(wsHub, pairingSvc, relaySvc, cfg.MaxMessageSize, cfg.AllowedOrigins)

	// Metrics
	promRegistry := prometheus.NewRegistry()
	promRegistry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	relayMetrics := metrics.New(promRegistry)
	relayMetrics.ObserveStats(func() model.RelayStats { return service.CollectStats(pairingSvc, wsHub) })
	pairingSvc.SetMetrics(relayMetrics)
	relaySvc.SetMetrics(relayMetrics)
	wsHandler.SetMetrics(relayMetrics)

	go reaper.Run(ctx)
	log.WithField("interval", cfg.Pairing.ReapInterval).Info("Reaper started")

	// Optional Redis stats export
	if cfg.RedisAddr != "" {
		rdb := redis.NewClient(&redis.Options{
			Addr: cfg.RedisAddr,
		})
		defer rdb.Close()

		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		err := rdb.Ping(pingCtx).Err()
		cancel()
		if err != nil {
			log.WithError(err).Warn("Redis unreachable, stats export will retry each interval")
		} else {
			log.WithField("addr", cfg.RedisAddr).Info("Connected to Redis")
		}

		publisher := service.NewStatsPublisher(cache.NewStatsCache(rdb), pairingSvc, wsHub, instanceID, cfg.StatsInterval)
		go publisher.Run(ctx)
	}

	router := rest.NewRouter(&rest.Container{
		PairingService: pairingSvc,
		WSHub:          wsHub,
		WSHandler:      wsHandler,
		Metrics:        promhttp.HandlerFor(promRegistry, promhttp.HandlerOpts{}),
		InstanceID:     instanceID,
		StartedAt:      time.Now(),
		AllowedOrigins: cfg.AllowedOrigins,
	})

	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Infof("Server starting on :%s", cfg.Port)
		log.Info("Endpoints:")
		log.Info("  WS  /ws")
		log.Info("  GET /health")
		log.Info("  GET /status")
		log.Info("  GET /metrics")

		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("listen: %w", err)
		}
	case <-ctx.Done():
	}
	log.Info("Shutting down server...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()
	wsHub.CloseAll()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server forced to shutdown: %w", err)
	}

	log.Info("Server exited")
	return nil
}
