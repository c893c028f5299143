package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ignite/deliverytrack/internal/api"
	"github.com/ignite/deliverytrack/internal/app"
	"github.com/ignite/deliverytrack/internal/config"
	"github.com/ignite/deliverytrack/internal/export"
	"github.com/ignite/deliverytrack/internal/metrics"
	"github.com/ignite/deliverytrack/internal/pkg/logger"
	"github.com/ignite/deliverytrack/internal/pkg/telemetry"
	"github.com/ignite/deliverytrack/internal/realtime"
	"github.com/ignite/deliverytrack/internal/service/sending"
	"github.com/ignite/deliverytrack/internal/tracking"
	"github.com/ignite/deliverytrack/internal/transport"
	"github.com/ignite/deliverytrack/internal/webhook"
	"github.com/ignite/deliverytrack/internal/worker"
)

// checkPortAvailable verifies that the target port is not already in use.
// This prevents confusion from stale processes occupying the port.
func checkPortAvailable(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("address %s is already in use: %w", addr, err)
	}
	ln.Close()
	return nil
}

func main() {
	configPath := flag.String("config", os.Getenv("CONFIG_PATH"), "YAML config file (optional)")
	flag.Parse()

	cfg, err := config.LoadFromEnv(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}
	logger.Init("deliverytrack-server", logger.ParseLevel(cfg.LogLevel))
	if err := cfg.Validate(); err != nil {
		logger.Error("[Server] invalid configuration", "error", err)
		os.Exit(1)
	}
	if err := checkPortAvailable(cfg.Server.Addr()); err != nil {
		logger.Error("[Server] pre-flight check failed", "error", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := telemetry.Setup(ctx, cfg.Telemetry.ServiceName, cfg.Telemetry.OTLPEndpoint, cfg.Telemetry.SampleRatio)
	if err != nil {
		logger.Warn("[Server] tracing disabled", "error", err)
	}
	defer telemetry.Close(shutdownTracing)

	m := metrics.New()
	rt, err := app.Open(ctx, cfg, m)
	if err != nil {
		logger.Error("[Server] failed to open storage", "error", err)
		os.Exit(1)
	}
	defer rt.Close()

	broadcaster := realtime.New(realtime.Options{
		Buffer:       cfg.Realtime.SubscriberBuffer,
		RecentEvents: cfg.Realtime.RecentEvents,
		Debounce:     cfg.Realtime.Debounce(),
		Overflow:     realtime.ParseOverflowPolicy(cfg.Realtime.OverflowPolicy),
		Metrics:      m,
	})
	defer broadcaster.Close()

	if rt.DB != nil {
		relay := realtime.NewPGRelay(cfg.Storage.DatabaseURL, cfg.Realtime.NotifyChannel, broadcaster)
		go func() {
			if err := relay.Run(ctx); err != nil && ctx.Err() == nil {
				logger.Error("[Server] realtime relay stopped", "error", err)
			}
		}()
	}

	sender, err := transport.New(ctx, cfg.Transport, m)
	if err != nil {
		logger.Error("[Server] failed to build transport", "error", err)
		os.Exit(1)
	}
	links := tracking.NewURLBuilder(cfg.Tracking.BaseURL, cfg.Tracking.SigningKey)
	send := sending.NewService(rt.Policy, rt.Deliveries, sender,
		sending.WithTracking(tracking.NewRewriter(links), links),
		sending.WithDefaultFrom(cfg.Transport.FromEmail, cfg.Transport.FromName),
	)
	flow := rt.Flow(rt.Publisher(broadcaster), send)

	sp := cfg.Transport.SparkPost
	if sp.WebhookUser == "" {
		logger.Warn("[Server] SparkPost webhook accepts unauthenticated requests")
	}
	deps := api.Deps{
		Flow:             flow,
		Broadcaster:      broadcaster,
		Metrics:          m,
		SESWebhook:       webhook.NewSESAdapter(flow, cfg.Transport.SES.SNSTopicARNs...),
		SparkPostWebhook: webhook.NewSparkPostAdapter(flow, sp.WebhookUser, sp.WebhookPass),
	}
	if cfg.Export.S3Bucket != "" {
		client, err := export.NewS3Client(ctx, cfg.Export)
		if err != nil {
			logger.Warn("[Server] S3 export disabled", "error", err)
		} else {
			deps.S3Export = &api.S3Export{Client: client, Bucket: cfg.Export.S3Bucket, Prefix: cfg.Export.S3Prefix}
		}
	}

	// A bolt file is locked by one process, so single-node mode serves the
	// tracking links and runs the background jobs here.
	if rt.Bolt != nil {
		deps.Tracking = tracking.NewHandler(links, flow, tracking.WithRedirectStatus(cfg.Tracking.ClickRedirectStatus))
		cleanup := worker.NewCleanupWorker(rt.Policy, rt.Deliveries, rt.Locker("cleanup", time.Hour),
			cfg.Retention.Interval(), cfg.Retention.Horizon())
		go cleanup.Start(ctx)
		retry := worker.NewSuppressionRetryWorker(rt.Retry, rt.Policy, m,
			cfg.Policy.RetryPollInterval(), cfg.Policy.RetryMaxAttempts)
		go retry.Start(ctx)
		logger.Info("[Server] single-node mode: tracking endpoints and workers running in-process")
	}

	server := api.NewServer(cfg.Server, deps)
	errCh := make(chan error, 1)
	go func() {
		if err := server.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		logger.Info("[Server] shutting down")
	case err := <-errCh:
		logger.Error("[Server] listener failed", "error", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	// SSE streams end when the broadcaster closes their subscriptions.
	broadcaster.Close()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("[Server] graceful shutdown failed", "error", err)
	}
	logger.Info("[Server] stopped")
}
