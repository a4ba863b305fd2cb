// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"crypto/tls"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/absmach/mqttgw/config"
	"github.com/absmach/mqttgw/gateway"
	mqtttls "github.com/absmach/mqttgw/pkg/tls"
	"github.com/absmach/mqttgw/ratelimit"
	"github.com/absmach/mqttgw/server/health"
	"github.com/absmach/mqttgw/server/otel"
	"github.com/absmach/mqttgw/server/tcp"
	"github.com/absmach/mqttgw/server/websocket"
	"github.com/absmach/mqttgw/upstream"
	"github.com/google/uuid"
	oteltrace "go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"
)

const version = "0.1.0"

func main() {
	configFile := flag.String("config", "", "Path to configuration file")
	flag.Parse()

	cfg, err := config.Load(*configFile)
	if err != nil {
		slog.Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}

	logger := newLogger(cfg.Log)
	slog.SetDefault(logger)

	if err := run(cfg, logger); err != nil {
		slog.Error("MQTT gateway stopped with error", "error", err)
		os.Exit(1)
	}
	slog.Info("MQTT gateway stopped")
}

func newLogger(cfg config.LogConfig) *slog.Logger {
	logLevel := slog.LevelInfo
	switch cfg.Level {
	case "debug":
		logLevel = slog.LevelDebug
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	}

	var handler slog.Handler
	if cfg.Format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: logLevel})
	} else {
		handler = slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: logLevel})
	}
	return slog.New(handler)
}

func run(cfg *config.Config, logger *slog.Logger) error {
	instanceID := uuid.NewString()
	slog.Info("Starting MQTT gateway", "version", version, "instance", instanceID)
	slog.Info("Configuration loaded",
		slog.String("discovery", cfg.Discovery.Type),
		slog.Bool("dual_mode", cfg.DualMode()),
		slog.Bool("tcp", cfg.Server.TCPEnabled),
		slog.Bool("tls", cfg.Server.TLSEnabled),
		slog.Bool("websocket", cfg.Server.WSEnabled))

	// TLS material is read once at startup; a broken chain is fatal.
	var tlsConfig *tls.Config
	if cfg.Server.TLSEnabled {
		tc, err := mqtttls.Load(mqtttls.Config{
			CertFile:     cfg.Server.TLSCertFile,
			KeyFile:      cfg.Server.TLSKeyFile,
			ClientCAFile: cfg.Server.TLSCAFile,
		})
		if err != nil {
			return err
		}
		tlsConfig = tc
		slog.Info("TLS material loaded",
			slog.String("certificate", mqtttls.Describe(tc)),
			slog.String("status", mqtttls.SecurityStatus(tc)))
	}

	var otelShutdown func(context.Context) error
	var metrics *otel.Metrics
	var tracer trace.Tracer

	if cfg.Server.MetricsEnabled {
		shutdown, err := otel.InitProvider(cfg.Server, instanceID)
		if err != nil {
			return err
		}
		otelShutdown = shutdown
		slog.Info("OpenTelemetry initialized", "endpoint", cfg.Server.MetricsAddr)

		if cfg.Server.OtelMetricsEnabled {
			m, err := otel.NewMetrics()
			if err != nil {
				return err
			}
			metrics = m
			slog.Info("OTel metrics enabled")
		}

		if cfg.Server.OtelTracesEnabled {
			tracer = oteltrace.Tracer("mqtt-gateway")
			slog.Info("Distributed tracing enabled", "sample_rate", cfg.Server.OtelTraceSampleRate)
		} else {
			slog.Info("Distributed tracing disabled (zero overhead)")
		}
	} else {
		slog.Info("OpenTelemetry disabled")
	}

	bs, err := newBalancers(cfg, logger)
	if err != nil {
		return err
	}
	defer func() {
		if err := bs.stop(); err != nil {
			slog.Error("Failed to stop balancers", "error", err)
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	bs.start(ctx, logger)

	limiter := ratelimit.NewManager(cfg.RateLimit)
	defer limiter.Stop()
	if cfg.RateLimit.Enabled {
		slog.Info("Rate limiting enabled",
			slog.Float64("connection_rate", cfg.RateLimit.ConnectionRate),
			slog.Float64("publish_rate", cfg.RateLimit.PublishRate),
			slog.Float64("subscribe_rate", cfg.RateLimit.SubscribeRate))
	} else {
		slog.Info("Rate limiting disabled")
	}

	dialer := upstream.NewDialer(upstream.BreakerConfig{
		FailureThreshold: uint32(cfg.Upstream.CircuitBreaker.FailureThreshold),
		ResetTimeout:     cfg.Upstream.CircuitBreaker.ResetTimeout,
	}, nil, logger)

	primary, secondary := bs.selectors()
	gw := gateway.New(gateway.Config{
		KeepAlive:      cfg.Upstream.KeepAlive,
		ConnectTimeout: cfg.Upstream.ConnectTimeout,
		AckTimeout:     cfg.Upstream.AckTimeout,
		WriteTimeout:   cfg.Server.WriteTimeout,
		SessionPresent: cfg.Upstream.SessionPresent,
		Attempts:       cfg.Balancer.Attempts,
		MaxInflight:    cfg.Server.MaxInflight,
	}, primary, secondary, dialer, limiter, logger, metrics, tracer)

	g, ctx := errgroup.WithContext(ctx)

	if cfg.Server.TCPEnabled {
		server := tcp.New(tcp.Config{
			Address:         cfg.Server.TCPAddr,
			Limiter:         limiter,
			Logger:          logger.With(slog.String("listener", "tcp")),
			ShutdownTimeout: cfg.Server.ShutdownTimeout,
			MaxConnections:  cfg.Server.MaxConnections,
		}, gw)
		g.Go(func() error {
			slog.Info("Starting TCP server", "address", cfg.Server.TCPAddr)
			return server.Listen(ctx)
		})
	}

	if cfg.Server.TLSEnabled {
		server := tcp.New(tcp.Config{
			Address:         cfg.Server.TLSAddr,
			TLSConfig:       tlsConfig,
			Limiter:         limiter,
			Logger:          logger.With(slog.String("listener", "tls")),
			ShutdownTimeout: cfg.Server.ShutdownTimeout,
			MaxConnections:  cfg.Server.MaxConnections,
		}, gw)
		g.Go(func() error {
			slog.Info("Starting TLS server", "address", cfg.Server.TLSAddr)
			return server.Listen(ctx)
		})
	}

	if cfg.Server.WSEnabled {
		server := websocket.New(websocket.Config{
			Address:         cfg.Server.WSAddr,
			Path:            cfg.Server.WSPath,
			ShutdownTimeout: cfg.Server.ShutdownTimeout,
			MaxConnections:  cfg.Server.MaxConnections,
			Limiter:         limiter,
		}, gw, logger.With(slog.String("listener", "websocket")))
		g.Go(func() error {
			slog.Info("Starting WebSocket server", "address", cfg.Server.WSAddr, "path", cfg.Server.WSPath)
			return server.Listen(ctx)
		})
	}

	if cfg.Server.HealthEnabled {
		probes := map[string]health.Balancer{"primary": bs.primary}
		if bs.secondary != nil {
			probes["secondary"] = bs.secondary
		}
		server, err := health.New(health.Config{
			Address:         cfg.Server.HealthAddr,
			ShutdownTimeout: cfg.Server.ShutdownTimeout,
		}, probes, gw, logger)
		if err != nil {
			return err
		}
		g.Go(func() error {
			return server.Listen(ctx)
		})
	}

	slog.Info("MQTT gateway started successfully")
	err = g.Wait()

	if otelShutdown != nil {
		otelShutdownCtx, otelCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer otelCancel()
		if err := otelShutdown(otelShutdownCtx); err != nil {
			slog.Error("Failed to shutdown OpenTelemetry", "error", err)
		} else {
			slog.Info("OpenTelemetry shutdown complete")
		}
	}

	return err
}
