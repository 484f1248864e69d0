package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/chrismatthieu/realsense-restapi/internal/core/domain"
	"github.com/chrismatthieu/realsense-restapi/internal/core/ports"
	"github.com/chrismatthieu/realsense-restapi/internal/core/services"
	httphandlers "github.com/chrismatthieu/realsense-restapi/internal/handlers/http"
	"github.com/chrismatthieu/realsense-restapi/internal/infrastructure/device"
	"github.com/chrismatthieu/realsense-restapi/internal/infrastructure/middleware"
	"github.com/chrismatthieu/realsense-restapi/internal/infrastructure/monitoring"
	"github.com/chrismatthieu/realsense-restapi/internal/infrastructure/rtc"
	wssignal "github.com/chrismatthieu/realsense-restapi/internal/infrastructure/signal"
	"github.com/chrismatthieu/realsense-restapi/pkg/config"
	"github.com/chrismatthieu/realsense-restapi/pkg/logger"
	"github.com/chrismatthieu/realsense-restapi/pkg/retry"
	"github.com/chrismatthieu/realsense-restapi/pkg/tracing"

	"github.com/gin-gonic/gin"
	"github.com/pion/webrtc/v3"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
)

var configPath string

var rootCmd = &cobra.Command{
	Use:   "realsense-server",
	Short: "RealSense WebRTC streaming server",
	Long:  `REST + WebSocket signaling server streaming RealSense depth-camera video over WebRTC.`,
	RunE:  runServer,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "configs/config.yaml", "path to config file")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func runServer(cmd *cobra.Command, args []string) error {
	startTime := time.Now()

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	zapLogger := logger.New(cfg.Logging.Level, cfg.Logging.Format)
	defer zapLogger.Sync()
	log := zapLogger.Sugar()

	tp, err := tracing.Init(tracing.Config{
		Enabled:     cfg.Tracing.Enabled,
		ServiceName: "realsense-restapi",
		JaegerURL:   cfg.Tracing.JaegerURL,
		Environment: cfg.Tracing.Environment,
		SampleRate:  cfg.Tracing.SampleRate,
	})
	if err != nil {
		return fmt.Errorf("failed to init tracing: %w", err)
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := tp.Shutdown(ctx); err != nil {
			log.Warnw("tracing shutdown failed", "error", err)
		}
	}()

	// Device layer. The simulated controller stands in for librealsense.
	specs := make([]device.DeviceSpec, 0, len(cfg.Devices))
	for _, d := range cfg.Devices {
		specs = append(specs, device.DeviceSpec{ID: domain.DeviceID(d.ID), Name: d.Name})
	}
	if len(specs) == 0 {
		specs = []device.DeviceSpec{{ID: "dev-0"}}
	}
	controller := device.NewSimulatedController(specs, log)

	// Startup probe: device enumeration can be flaky right after boot.
	probeCtx, probeCancel := context.WithTimeout(context.Background(), 10*time.Second)
	devices, err := retry.DoWithResult(probeCtx, retry.DefaultConfig(), func() ([]*domain.Device, error) {
		return controller.ListDevices(probeCtx)
	})
	probeCancel()
	if err != nil {
		return fmt.Errorf("device discovery failed: %w", err)
	}
	log.Infow("devices discovered", "count", len(devices))

	var metrics ports.MetricsSink = ports.NopMetricsSink{}
	if cfg.Monitoring.PrometheusEnabled {
		metrics = monitoring.NewPrometheusCollector()
	}

	refs := services.NewStreamReferenceCounter(controller, metrics, log)

	var iceServers []webrtc.ICEServer
	for _, s := range cfg.WebRTC.ICEServers {
		iceServers = append(iceServers, webrtc.ICEServer{
			URLs:       s.URLs,
			Username:   s.Username,
			Credential: s.Credential,
		})
	}
	if len(iceServers) == 0 {
		iceServers = []webrtc.ICEServer{{URLs: []string{"stun:stun.l.google.com:19302"}}}
	}

	rtcConfig := rtc.Config{ICEServers: iceServers}
	rtcConfig.PortRange.Min = cfg.WebRTC.PortRange.Min
	rtcConfig.PortRange.Max = cfg.WebRTC.PortRange.Max
	transport := rtc.NewFactory(rtcConfig, controller, log)

	registry := services.NewSessionRegistry(services.RegistryConfig{
		MaxSessions:        cfg.Session.MaxSessions,
		IdleTimeout:        cfg.Session.IdleTimeout,
		MaxAge:             cfg.Session.MaxAge,
		NegotiationTimeout: cfg.Session.NegotiationTimeout,
		DeviceTimeout:      cfg.Session.DeviceTimeout,
	}, controller, refs, transport, metrics, log)

	wsServer := wssignal.NewWebSocketServer(registry, wssignal.Config{
		PingInterval:      cfg.Signal.PingInterval,
		PongTimeout:       cfg.Signal.PongTimeout,
		MessagesPerSecond: cfg.Signal.MessagesPerSecond,
		Burst:             cfg.Signal.Burst,
	}, log)

	health := monitoring.NewHealthChecker()
	health.AddCheck("devices", 2*time.Second, func(ctx context.Context) error {
		_, err := controller.ListDevices(ctx)
		return err
	})

	if cfg.Logging.Level != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(middleware.RecoveryMiddleware(log))
	router.Use(middleware.ErrorHandlerMiddleware(log))
	router.Use(middleware.TracingMiddleware())
	router.Use(middleware.NewHTTPRateLimitMiddleware(cfg))

	httphandlers.NewDeviceHandler(controller, refs).SetupRoutes(router)
	httphandlers.NewWebRTCHandler(registry, refs).SetupRoutes(router)
	router.GET("/ws", gin.WrapF(wsServer.HandleWebSocket))

	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":    "healthy",
			"timestamp": time.Now(),
			"uptime":    time.Since(startTime).String(),
		})
	})

	router.GET("/ready", func(c *gin.Context) {
		status := health.CheckAll(c.Request.Context())
		code := http.StatusOK
		if status.Status != "healthy" {
			code = http.StatusServiceUnavailable
		}
		c.JSON(code, status)
	})

	if cfg.Monitoring.PrometheusEnabled {
		router.GET("/metrics", gin.WrapH(promhttp.Handler()))
		log.Info("Prometheus metrics enabled")
	}

	// Expiry sweeper.
	sweepCtx, stopSweep := context.WithCancel(context.Background())
	defer stopSweep()
	go func() {
		ticker := time.NewTicker(cfg.Session.SweepInterval)
		defer ticker.Stop()
		for {
			select {
			case <-sweepCtx.Done():
				return
			case <-ticker.C:
				if closed := registry.SweepExpired(sweepCtx); len(closed) > 0 {
					log.Infow("expired sessions swept", "count", len(closed))
				}
			}
		}
	}()

	srv := &http.Server{
		Addr:         cfg.Server.Address,
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	serverErr := make(chan error, 1)
	go func() {
		log.Infof("Starting RealSense streaming server on %s", cfg.Server.Address)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			serverErr <- err
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-serverErr:
		return fmt.Errorf("server failed: %w", err)
	case sig := <-sigChan:
		log.Infow("Received shutdown signal", "signal", sig)
	}

	log.Info("Shutting down RealSense streaming server...")
	stopSweep()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer shutdownCancel()

	if closed, err := registry.CloseAllSessions(shutdownCtx); err == nil && closed > 0 {
		log.Infow("closed sessions on shutdown", "count", closed)
	}

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Errorw("Error during server shutdown", "error", err)
		if closeErr := srv.Close(); closeErr != nil {
			log.Errorw("Error force closing server", "error", closeErr)
		}
	} else {
		log.Info("Server shutdown gracefully")
	}
	return nil
}
