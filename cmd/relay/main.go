package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"

	"e2ee/internal/metrics"
	"e2ee/internal/platform/privacylog"
	"e2ee/internal/platform/ratelimiter"
	"e2ee/internal/relay"
)

type options struct {
	addr      string
	rps       float64
	burst     int
	maxQueue  int
	logLevel  string
	logFormat string
}

func main() {
	var opts options
	cmd := &cobra.Command{
		Use:          "relay",
		Short:        "In-memory relay for pre-key bundles and encrypted envelopes",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return serve(cmd.Context(), opts)
		},
	}
	f := cmd.Flags()
	f.StringVar(&opts.addr, "addr", ":8080", "listen address")
	f.Float64Var(&opts.rps, "rate", 20, "requests per second per client (0 disables)")
	f.IntVar(&opts.burst, "burst", 40, "request burst per client")
	f.IntVar(&opts.maxQueue, "max-queue", 10_000, "queued envelopes per device (0 = unbounded)")
	f.StringVar(&opts.logLevel, "log-level", "info", "debug, info, warn or error")
	f.StringVar(&opts.logFormat, "log-format", "json", "json or text")

	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func serve(ctx context.Context, opts options) error {
	var level slog.Level
	if err := level.UnmarshalText([]byte(opts.logLevel)); err != nil {
		level = slog.LevelInfo
	}
	log := privacylog.New(os.Stderr, level, opts.logFormat)

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	var limiter *ratelimiter.MapLimiter
	if opts.rps > 0 {
		limiter = ratelimiter.New(opts.rps, opts.burst, 10*time.Minute)
	}

	server := &http.Server{
		Addr: opts.addr,
		Handler: relay.NewRouter(relay.NewMemory(opts.maxQueue), relay.ServerOptions{
			Logger:   log,
			Metrics:  metrics.New(reg),
			Gatherer: reg,
			Limiter:  limiter,
		}),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGTERM, syscall.SIGINT)
	defer stop()
	go func() {
		<-ctx.Done()
		log.Info("shutting down relay")
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 30*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			log.Error("relay shutdown", "err", err)
		}
	}()

	log.Info("relay listening", "addr", opts.addr)
	if err := server.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
		log.Error("relay stopped", "err", err)
		return err
	}
	log.Info("relay stopped")
	return nil
}
