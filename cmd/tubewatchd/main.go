// tubewatchd samples beanstalkd statistics and serves them over HTTP.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	_ "go.uber.org/automaxprocs"
	"golang.org/x/sync/errgroup"

	"github.com/xtxerr/tubewatch/internal/broker"
	"github.com/xtxerr/tubewatch/internal/export"
	"github.com/xtxerr/tubewatch/internal/history"
	"github.com/xtxerr/tubewatch/internal/loader"
	"github.com/xtxerr/tubewatch/internal/logging"
	"github.com/xtxerr/tubewatch/internal/metrics"
	"github.com/xtxerr/tubewatch/internal/sampler"
	"github.com/xtxerr/tubewatch/internal/server"
)

// Version is set at build time via ldflags
var Version = "dev"

var log = logging.Component("main")

func main() {
	// CLI flags
	cfgPath := flag.String("config", "tubewatch.yaml", "config file path (optional)")
	listen := flag.String("listen", "", "listen address (overrides config)")
	logLevel := flag.String("log-level", "", "log level: debug, info, warn, error")
	logJSON := flag.Bool("log-json", false, "log as JSON")
	flag.Parse()

	cfg, err := loadConfig(*cfgPath, *listen, *logLevel, *logJSON)
	if err != nil {
		fmt.Fprintf(os.Stderr, "tubewatchd: %v\n", err)
		os.Exit(2)
	}

	if err := run(cfg); err != nil {
		log.Error("exiting", "error", err)
		os.Exit(1)
	}
}

// loadConfig applies defaults, the YAML file, the environment and flags,
// then validates and initializes logging.
func loadConfig(path, listen, logLevel string, logJSON bool) (*loader.Config, error) {
	cfg, err := loader.Load(path, true)
	if err != nil {
		return nil, err
	}
	if err := loader.ApplyEnv(cfg, os.Getenv); err != nil {
		return nil, err
	}

	// CLI overrides
	if listen != "" {
		cfg.HTTP.Listen = listen
	}
	if logLevel != "" {
		cfg.Log.Level = logLevel
	}
	if logJSON {
		cfg.Log.Format = "json"
	}

	if err := loader.Validate(cfg); err != nil {
		return nil, err
	}

	level, err := logging.ParseLevel(cfg.Log.Level)
	if err != nil {
		return nil, err
	}
	logging.Init(level, cfg.Log.JSON())
	return cfg, nil
}

func run(cfg *loader.Config) error {
	summary := loader.Summarize(cfg)
	log.Info("tubewatchd starting",
		"version", Version,
		"broker", summary.Broker,
		"interval", cfg.Stats.Interval.Duration(),
		"capacity", summary.Capacity,
		"listen", summary.Listen)

	// =========================================================================
	// Metrics
	// =========================================================================

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	m := metrics.New(reg)

	// =========================================================================
	// History, sampler, admin
	// =========================================================================

	hist := history.New(summary.Capacity)
	metrics.RegisterHistory(reg, hist)

	dialer := broker.NewDialer(cfg.Broker.Host, cfg.Broker.Port,
		cfg.Broker.DialTimeout.Duration(), cfg.Broker.OpTimeout.Duration())

	smp := sampler.New(dialer, hist, cfg.Stats.Interval.Duration(), sampler.WithObserver(m))
	admin := broker.NewAdmin(dialer, cfg.Broker.ActionTimeout.Duration())

	exportOpts := export.DefaultOptions()
	exportOpts.Compression = export.ParseCompressionType(cfg.Export.Compression)
	exporter := export.NewExporter(hist, exportOpts)

	srv := server.New(hist, admin,
		server.WithStatus(smp),
		server.WithExporter(exporter),
		server.WithMetrics(m, reg),
		server.WithSummary(summary),
		server.WithMaxStreamDuration(cfg.HTTP.MaxStreamDuration.Duration()),
	)

	// =========================================================================
	// Run until signalled
	// =========================================================================

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return smp.Run(ctx)
	})
	g.Go(func() error {
		return srv.ListenAndServe(ctx, cfg.HTTP.Listen, cfg.HTTP.ShutdownTimeout.Duration())
	})

	err := g.Wait()
	log.Info("tubewatchd stopped")
	return err
}
