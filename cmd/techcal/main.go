package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/robfig/cron/v3"

	"techcal/internal/config"
	appLog "techcal/internal/log"
	"techcal/internal/web"
)

// flagConfig holds CLI flag values; non-empty values override the config file.
type flagConfig struct {
	configPath string
	envFile    string
	listen     string
	output     string
	jsonOutput string
	once       bool
	fast       bool
	json       bool
	verbose    bool
	logJSON    bool
}

func main() {
	flags := parseFlags()

	level := appLog.LevelInfo
	if flags.verbose {
		level = appLog.LevelDebug
	}
	appLog.Init(appLog.Options{Level: level, JSON: flags.logJSON})
	appLog.Info("techcal starting", "version", version)

	conf, err := config.Load(flags.configPath)
	if err != nil {
		appLog.Error("failed to load config", err, "config_path", flags.configPath)
		os.Exit(1)
	}
	if err := conf.LoadEnv(flags.envFile); err != nil {
		appLog.Error("failed to load environment", err, "env_file", flags.envFile)
		os.Exit(1)
	}
	applyFlags(conf, flags)

	appLog.Info("effective config",
		"country", conf.Country,
		"feeds", len(conf.Feeds),
		"manual_events", len(conf.ManualEvents),
		"workers", conf.Workers,
		"fast", conf.Fast,
		"geocoder", geocoderName(conf),
		"render_js", conf.Render.Enabled,
		"once", flags.once,
		"refresh", conf.RefreshCron,
	)
	if len(conf.Feeds) == 0 && len(conf.ManualEvents) == 0 {
		appLog.Warn("no feeds configured", "config_path", flags.configPath)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		appLog.Info("signal received, shutting down", "signal", sig.String())
		cancel()
	}()

	a, err := newApp(conf, flags.json || !flags.once)
	if err != nil {
		appLog.Error("failed to initialize", err)
		os.Exit(1)
	}
	defer a.Close()

	if flags.once {
		if _, err := a.Run(ctx); err != nil {
			appLog.Error("run finished with errors", err)
			a.Close()
			os.Exit(1)
		}
		appLog.Info("techcal exiting")
		return
	}

	runDaemon(ctx, conf, a)

	// Let in-flight shutdown hooks finish logging.
	time.Sleep(100 * time.Millisecond)
	appLog.Info("techcal exiting")
}

// runDaemon runs once immediately, then on the cron schedule, and serves the
// status API until ctx is canceled.
func runDaemon(ctx context.Context, conf *config.Config, a *app) {
	srv := web.NewServer(conf, func(ctx context.Context) error {
		_, err := a.Run(ctx)
		return err
	})
	a.server = srv

	go func() {
		if err := srv.ListenAndServe(ctx); err != nil {
			appLog.Error("HTTP server failed", err, "listen", conf.Listen)
		}
	}()

	c := cron.New(cron.WithChain(cron.SkipIfStillRunning(cron.DefaultLogger)))
	if _, err := c.AddFunc(conf.RefreshCron, func() {
		if _, err := a.Run(ctx); err != nil {
			appLog.Error("scheduled run finished with errors", err)
		}
	}); err != nil {
		appLog.Error("invalid refresh schedule", err, "refresh", conf.RefreshCron)
		return
	}

	if _, err := a.Run(ctx); err != nil {
		appLog.Error("initial run finished with errors", err)
	}

	c.Start()
	appLog.Info("scheduler started", "refresh", conf.RefreshCron)
	<-ctx.Done()
	<-c.Stop().Done()
}

func parseFlags() flagConfig {
	var cfg flagConfig

	flag.StringVar(&cfg.configPath, "config", "config/techcal.yaml", "Path to config file")
	flag.StringVar(&cfg.envFile, "env", ".env", "Optional .env file with secrets")
	flag.StringVar(&cfg.listen, "listen", "", "HTTP listen address in daemon mode (overrides config if set)")
	flag.StringVar(&cfg.output, "output", "", "ICS output path (overrides config if set)")
	flag.StringVar(&cfg.jsonOutput, "json-output", "", "JSON output path (overrides config if set)")
	flag.BoolVar(&cfg.once, "once", true, "Run one aggregation and exit; -once=false runs the scheduler and status server")
	flag.BoolVar(&cfg.fast, "fast", false, "Skip healing geocodes and detail-page enrichment")
	flag.BoolVar(&cfg.json, "json", false, "Also write the JSON document")
	flag.BoolVar(&cfg.verbose, "verbose", false, "Debug logging")
	flag.BoolVar(&cfg.logJSON, "log-json", false, "Log as JSON lines instead of console text")

	flag.Parse()

	return cfg
}

func applyFlags(conf *config.Config, f flagConfig) {
	if f.listen != "" {
		conf.Listen = f.listen
	}
	if f.output != "" {
		conf.Output.ICS = f.output
	}
	if f.jsonOutput != "" {
		conf.Output.JSON = f.jsonOutput
	}
	if f.fast {
		conf.Fast = true
	}
}

func geocoderName(conf *config.Config) string {
	if conf.GoogleMapsAPIKey != "" {
		return "google"
	}
	return "nominatim"
}
