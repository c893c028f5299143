package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"sync"
	"syscall"
	"time"

	"github.com/ignite/deliverytrack/internal/app"
	"github.com/ignite/deliverytrack/internal/config"
	"github.com/ignite/deliverytrack/internal/metrics"
	"github.com/ignite/deliverytrack/internal/pkg/logger"
	"github.com/ignite/deliverytrack/internal/pkg/telemetry"
	"github.com/ignite/deliverytrack/internal/tracking"
	"github.com/ignite/deliverytrack/internal/webhook"
	"github.com/ignite/deliverytrack/internal/worker"
)

func main() {
	configPath := flag.String("config", os.Getenv("CONFIG_PATH"), "YAML config file (optional)")
	metricsPort := flag.Int("metrics-port", 9091, "port for /metrics, 0 to disable")
	flag.Parse()

	cfg, err := config.LoadFromEnv(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}
	logger.Init("deliverytrack-worker", logger.ParseLevel(cfg.LogLevel))
	if err := cfg.Validate(); err != nil {
		logger.Error("[Worker] invalid configuration", "error", err)
		os.Exit(1)
	}
	logger.Info("[Worker] starting")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := telemetry.Setup(ctx, cfg.Telemetry.ServiceName, cfg.Telemetry.OTLPEndpoint, cfg.Telemetry.SampleRatio)
	if err != nil {
		logger.Warn("[Worker] tracing disabled", "error", err)
	}
	defer telemetry.Close(shutdownTracing)

	m := metrics.New()
	rt, err := app.Open(ctx, cfg, m)
	if err != nil {
		logger.Error("[Worker] failed to open storage", "error", err)
		os.Exit(1)
	}
	defer rt.Close()

	flow := rt.Flow(rt.Publisher(nil), nil)
	var wg sync.WaitGroup
	run := func(name string, fn func(context.Context)) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			fn(ctx)
			logger.Info("[Worker] stopped " + name)
		}()
	}

	// Cleanup sweeps: expired temporary suppressions and delivery retention.
	cleanup := worker.NewCleanupWorker(rt.Policy, rt.Deliveries, rt.Locker("cleanup", time.Hour),
		cfg.Retention.Interval(), cfg.Retention.Horizon())
	run("cleanup", cleanup.Start)

	// Suppression retry drainer for writes that failed on the bounce path.
	if rt.Retry != nil {
		retry := worker.NewSuppressionRetryWorker(rt.Retry, rt.Policy, m,
			cfg.Policy.RetryPollInterval(), cfg.Policy.RetryMaxAttempts)
		run("suppression retry", retry.Start)
	}

	// Tracking events queued by the public tracking endpoint.
	if url := cfg.SQS.TrackingQueueURL; url != "" {
		client, err := tracking.NewSQSClient(ctx, cfg.SQS.Region)
		if err != nil {
			logger.Error("[Worker] failed to build SQS client", "error", err)
			os.Exit(1)
		}
		consumer := tracking.NewConsumer(client, url, flow)
		run("tracking consumer", func(ctx context.Context) {
			if err := consumer.Run(ctx); err != nil && ctx.Err() == nil {
				logger.Error("[Worker] tracking consumer failed", "error", err)
			}
		})
	}

	// Normalized provider events from Kafka.
	if kc := cfg.Kafka; kc.Enabled() {
		consumer := &webhook.KafkaConsumer{
			ReaderFactory: func() webhook.MessageReader {
				return webhook.NewKafkaReader(kc.Brokers, kc.Topic, kc.GroupID)
			},
			Processor: flow,
		}
		if kc.DLQTopic != "" {
			dlq := webhook.NewKafkaWriter(kc.Brokers, kc.DLQTopic)
			defer dlq.Close()
			consumer.DLQ = dlq
		}
		run("kafka consumer", func(ctx context.Context) {
			for ctx.Err() == nil {
				err := consumer.Run(ctx)
				if err == nil {
					return
				}
				logger.Error("[Worker] kafka consumer failed, restarting", "error", err)
				select {
				case <-ctx.Done():
				case <-time.After(5 * time.Second):
				}
			}
		})
	}

	var metricsSrv *http.Server
	if *metricsPort > 0 {
		metricsSrv = &http.Server{
			Addr:              ":" + strconv.Itoa(*metricsPort),
			Handler:           m.Handler(),
			ReadHeaderTimeout: 5 * time.Second,
		}
		go func() {
			if err := metricsSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				logger.Error("[Worker] metrics listener failed", "error", err)
			}
		}()
	}

	logger.Info("[Worker] running")
	<-ctx.Done()
	logger.Info("[Worker] shutting down")

	if metricsSrv != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		_ = metricsSrv.Shutdown(shutdownCtx)
		cancel()
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(15 * time.Second):
		logger.Warn("[Worker] timed out waiting for jobs to stop")
	}
	logger.Info("[Worker] stopped")
}
