// Command example runs a small HTTP app instrumented with the tinyship SDK
// against a collector. Concurrent producers add background records.
//
// SIGHUP simulates suspension: everything buffered is persisted without a
// send. SIGINT and SIGTERM end the session and shut down.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/nicktill/tinyship/pkg/config"
	"github.com/nicktill/tinyship/pkg/logging"
	"github.com/nicktill/tinyship/pkg/sdk"
	"github.com/nicktill/tinyship/pkg/sdk/httpx"
	sdkruntime "github.com/nicktill/tinyship/pkg/sdk/runtime"
	"github.com/nicktill/tinyship/pkg/sdk/telemetry"
)

const shutdownTimeout = 10 * time.Second

type options struct {
	Addr            string
	Producers       int
	ProduceEvery    time.Duration
	TrafficEvery    time.Duration
	SnapshotEvery   time.Duration
	SimulateOffline time.Duration
	SDK             config.Config
}

func main() {
	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func parseOptions(args []string) (options, error) {
	flagSet := pflag.NewFlagSet("example", pflag.ContinueOnError)
	flagSet.String("addr", ":3000", "listen address of the demo app")
	flagSet.String("collector", "http://localhost:"+config.DefaultCollectorPort, "collector base URL")
	flagSet.String("app-id", "demo1", "application id sent with every request")
	flagSet.String("cache-dir", config.DefaultCacheDir, "directory for persisted telemetry")
	flagSet.String("log-level", "info", "log level")
	flagSet.Int("producers", 4, "number of background record producers")
	flagSet.Duration("produce-every", 200*time.Millisecond, "interval between records per producer")
	flagSet.Duration("traffic-every", time.Second, "interval between simulated HTTP requests")
	flagSet.Duration("snapshot-every", 10*time.Second, "interval between session snapshots")
	flagSet.Duration("simulate-offline", 0, "report the network unreachable for this long after start")
	if err := flagSet.Parse(args); err != nil {
		return options{}, err
	}

	v := viper.New()
	for key, flag := range map[string]string{
		"base_url":  "collector",
		"app_id":    "app-id",
		"cache_dir": "cache-dir",
		"log_level": "log-level",
	} {
		if err := v.BindPFlag(key, flagSet.Lookup(flag)); err != nil {
			return options{}, err
		}
	}
	cfg, err := config.Load(v)
	if err != nil {
		return options{}, err
	}
	// Load's own default for app_id is empty and takes precedence over an
	// unchanged flag.
	if cfg.AppID == "" {
		cfg.AppID, _ = flagSet.GetString("app-id")
	}
	if cfg.DeviceID == "" {
		cfg.DeviceID, _ = os.Hostname()
	}

	opts := options{SDK: cfg}
	opts.Addr, _ = flagSet.GetString("addr")
	opts.Producers, _ = flagSet.GetInt("producers")
	opts.ProduceEvery, _ = flagSet.GetDuration("produce-every")
	opts.TrafficEvery, _ = flagSet.GetDuration("traffic-every")
	opts.SnapshotEvery, _ = flagSet.GetDuration("snapshot-every")
	opts.SimulateOffline, _ = flagSet.GetDuration("simulate-offline")
	return opts, nil
}

func run(args []string) error {
	opts, err := parseOptions(args)
	if errors.Is(err, pflag.ErrHelp) {
		return nil
	}
	if err != nil {
		return err
	}

	logger, err := logging.New(opts.SDK.LogLevel, opts.SDK.LogFormat, nil)
	if err != nil {
		return err
	}

	reg := prometheus.NewRegistry()
	client, err := sdk.New(sdk.Options{
		Config: opts.SDK,
		Resource: telemetry.Resource{
			AppVersion: "1.0.0",
			OSName:     "linux",
			SDKVersion: telemetry.EnvelopeVersion,
		},
		Logger:     logger,
		Registerer: reg,
	})
	if err != nil {
		return fmt.Errorf("failed to create client: %w", err)
	}
	if err := client.Start(); err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	fetchConfig(ctx, client, logger)

	if opts.SimulateOffline > 0 {
		client.SetConnectivity(false)
		logger.WithField("for", opts.SimulateOffline).Info("Network reported unreachable")
		time.AfterFunc(opts.SimulateOffline, func() {
			client.SetConnectivity(true)
			logger.Info("Network reported reachable")
		})
	}

	mux := http.NewServeMux()
	setupHandlers(mux, logger)
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))

	server := &http.Server{
		Addr:    opts.Addr,
		Handler: httpx.Middleware(client)(mux),
	}
	go func() {
		logger.WithField("addr", opts.Addr).Info("Example app listening")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.WithError(err).Error("Server failed")
			cancel()
		}
	}()

	sess := newSession()
	go sess.runSnapshots(ctx, client, opts.SnapshotEvery, logger)
	go sdkruntime.NewCollector(client, 15*time.Second, nil, logger).Start(ctx)
	go runTrafficSimulator(ctx, "http://localhost"+opts.Addr, opts.TrafficEvery, logger)

	producersDone := make(chan error, 1)
	go func() {
		producersDone <- runProducers(ctx, client, opts.Producers, opts.ProduceEvery, logger)
	}()

	signals := make(chan os.Signal, 1)
	signal.Notify(signals, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)

wait:
	for {
		select {
		case sig := <-signals:
			if sig == syscall.SIGHUP {
				client.Flush(true)
				logger.WithField("pending_calls", client.PendingCalls()).Info("Suspended: telemetry persisted")
				continue
			}
			logger.WithField("signal", sig).Info("Shutting down")
			break wait
		case <-ctx.Done():
			break wait
		case err := <-producersDone:
			if err != nil {
				logger.WithError(err).Error("Producer failed")
			}
			break wait
		}
	}

	cancel()
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.WithError(err).Warn("Server shutdown incomplete")
	}

	if err := sess.end(client, false); err != nil {
		logger.WithError(err).Warn("Failed to end session")
	}
	if err := client.Stop(); err != nil {
		return fmt.Errorf("failed to stop client: %w", err)
	}
	logger.WithField("pending_calls", client.PendingCalls()).Info("Example app exited")
	return nil
}

func fetchConfig(ctx context.Context, client *sdk.Client, logger logrus.FieldLogger) {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	body, err := client.FetchConfig(ctx)
	if err != nil {
		logger.WithError(err).Warn("Remote config unavailable")
		return
	}
	logger.WithField("bytes", len(body)).Info("Remote config fetched")
}
