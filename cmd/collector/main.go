// Command collector runs a fake telemetry backend for exercising the SDK:
// it accepts envelopes, serves remote config and fails on request.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/nicktill/tinyship/pkg/config"
	"github.com/nicktill/tinyship/pkg/ingest"
	"github.com/nicktill/tinyship/pkg/logging"
)

const shutdownTimeout = 30 * time.Second

type options struct {
	Addr       string
	ConfigFile string
	LogLevel   string
	LogFormat  string
}

func main() {
	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func parseOptions(args []string) (options, error) {
	flagSet := pflag.NewFlagSet("collector", pflag.ContinueOnError)
	flagSet.String("addr", ":"+config.DefaultCollectorPort, "listen address")
	flagSet.String("config-file", "", "JSON file served on /v2/config")
	flagSet.String("log-level", "info", "log level (debug, info, warn, error)")
	flagSet.String("log-format", "text", "log format (text or json)")
	if err := flagSet.Parse(args); err != nil {
		return options{}, err
	}

	v := viper.New()
	v.SetEnvPrefix(config.EnvPrefix + "_COLLECTOR")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()
	if err := v.BindPFlags(flagSet); err != nil {
		return options{}, err
	}

	return options{
		Addr:       v.GetString("addr"),
		ConfigFile: v.GetString("config-file"),
		LogLevel:   v.GetString("log-level"),
		LogFormat:  v.GetString("log-format"),
	}, nil
}

func run(args []string) error {
	opts, err := parseOptions(args)
	if errors.Is(err, pflag.ErrHelp) {
		return nil
	}
	if err != nil {
		return err
	}

	logger, err := logging.New(opts.LogLevel, opts.LogFormat, nil)
	if err != nil {
		return err
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	m := ingest.NewMetrics(reg)
	feed := ingest.NewFeed(logger, m)
	handler := ingest.NewHandler(feed, logger, m)
	if opts.ConfigFile != "" {
		body, err := os.ReadFile(opts.ConfigFile)
		if err != nil {
			return fmt.Errorf("failed to read config file: %w", err)
		}
		handler.SetConfig(body)
	}

	server := &http.Server{
		Addr:         opts.Addr,
		Handler:      newRouter(handler, reg, logger),
		ReadTimeout:  config.CollectorReadTimeout,
		WriteTimeout: config.CollectorWriteTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.WithField("addr", opts.Addr).Info("Collector listening")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-quit:
		logger.WithField("signal", sig).Info("Shutting down")
	case err := <-errCh:
		return fmt.Errorf("server failed: %w", err)
	}

	// Hijacked feed connections are not tracked by Shutdown.
	feed.Close()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.WithError(err).Warn("Server shutdown incomplete")
	}

	stats := handler.Stats()
	logger.WithFields(logrus.Fields{
		"envelopes": stats.Envelopes,
		"records":   stats.Records,
	}).Info("Collector stopped")
	return nil
}

func newRouter(handler *ingest.Handler, gatherer prometheus.Gatherer, logger logrus.FieldLogger) *mux.Router {
	router := mux.NewRouter()
	router.Use(corsMiddleware)
	router.Use(requestLogger(logger))

	handler.Routes(router)
	router.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})).Methods(http.MethodGet)
	return router
}

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Content-Encoding")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func requestLogger(logger logrus.FieldLogger) mux.MiddlewareFunc {
	log := logging.Component(logger, "http")
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			next.ServeHTTP(w, r)
			log.WithFields(logrus.Fields{
				"method":   r.Method,
				"path":     r.URL.Path,
				"duration": time.Since(start).Round(time.Microsecond),
			}).Debug("Request served")
		})
	}
}
