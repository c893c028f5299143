package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/ignite/deliverytrack/internal/app"
	"github.com/ignite/deliverytrack/internal/config"
	"github.com/ignite/deliverytrack/internal/metrics"
	"github.com/ignite/deliverytrack/internal/pkg/logger"
	"github.com/ignite/deliverytrack/internal/pkg/telemetry"
	"github.com/ignite/deliverytrack/internal/tracking"
)

func main() {
	configPath := flag.String("config", os.Getenv("CONFIG_PATH"), "YAML config file (optional)")
	flag.Parse()

	cfg, err := config.LoadFromEnv(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}
	logger.Init("deliverytrack-tracking", logger.ParseLevel(cfg.LogLevel))
	if cfg.Tracking.BaseURL == "" || cfg.Tracking.SigningKey == "" {
		logger.Error("[Tracking] tracking.base_url and tracking.signing_key are required")
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := telemetry.Setup(ctx, cfg.Telemetry.ServiceName, cfg.Telemetry.OTLPEndpoint, cfg.Telemetry.SampleRatio)
	if err != nil {
		logger.Warn("[Tracking] tracing disabled", "error", err)
	}
	defer telemetry.Close(shutdownTracing)

	// With a queue configured the endpoint never touches the database and
	// the worker drains the queue; otherwise events are applied directly.
	var sink tracking.Sink
	if url := cfg.SQS.TrackingQueueURL; url != "" {
		client, err := tracking.NewSQSClient(ctx, cfg.SQS.Region)
		if err != nil {
			logger.Error("[Tracking] failed to build SQS client", "error", err)
			os.Exit(1)
		}
		pub := tracking.NewPublisher(client, url)
		defer pub.Flush()
		sink = pub
		logger.Info("[Tracking] publishing events to SQS", "queue", url)
	} else {
		if err := cfg.Validate(); err != nil {
			logger.Error("[Tracking] invalid configuration", "error", err)
			os.Exit(1)
		}
		rt, err := app.Open(ctx, cfg, metrics.New())
		if err != nil {
			logger.Error("[Tracking] failed to open storage", "error", err)
			os.Exit(1)
		}
		defer rt.Close()
		sink = rt.Flow(rt.Publisher(nil), nil)
		logger.Info("[Tracking] applying events directly", "driver", cfg.Storage.Driver)
	}

	links := tracking.NewURLBuilder(cfg.Tracking.BaseURL, cfg.Tracking.SigningKey)
	handler := tracking.NewHandler(links, sink, tracking.WithRedirectStatus(cfg.Tracking.ClickRedirectStatus))

	srv := &http.Server{
		Addr:         cfg.Server.Host + ":" + strconv.Itoa(cfg.Tracking.Port),
		Handler:      handler.Routes(),
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	go func() {
		logger.Info("[Tracking] listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("[Tracking] listener failed", "error", err)
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("[Tracking] shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("[Tracking] graceful shutdown failed", "error", err)
	}
}
