package main

import (
	"context"
	"errors"
	"flag"
	"os"
	"os/signal"
	"syscall"

	"github.com/robfig/cron/v3"

	"icalfeed/internal/config"
	"icalfeed/internal/feed"
	appLog "icalfeed/internal/log"
	"icalfeed/internal/web"
)

type flagConfig struct {
	configPath string
	listen     string
	cacheDir   string
	once       bool
}

func main() {
	flags := parseFlags()

	conf, err := config.Load(flags.configPath)
	if err != nil {
		appLog.Error("failed to load config", err, "config_path", flags.configPath)
		os.Exit(1)
	}
	if flags.listen != "" {
		conf.Listen = flags.listen
	}

	appLog.Init(appLog.Config{
		Level:    conf.Logger.Level,
		Encoding: conf.Logger.Encoding,
	})
	defer appLog.Sync()

	appLog.Info("icalfeed starting",
		"listen", conf.Listen,
		"timezone", conf.Timezone,
		"days", conf.Days,
		"max_events", conf.MaxEvents,
		"refresh", conf.RefreshCron,
		"feed_count", len(conf.Feeds),
		"once", flags.once,
	)

	registry, err := feed.NewRegistry(conf, flags.cacheDir)
	if err != nil {
		appLog.Error("failed to build feed registry", err)
		os.Exit(1)
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

	// Initial refresh so the API does not start empty.
	if err := registry.RefreshAll(ctx); err != nil {
		appLog.Error("initial refresh reported errors", err)
		if flags.once {
			os.Exit(1)
		}
	}

	if flags.once {
		return
	}

	sched := cron.New()
	if _, err := sched.AddFunc(conf.RefreshCron, func() {
		if err := registry.RefreshAll(ctx); err != nil {
			appLog.Error("scheduled refresh reported errors", err)
		}
	}); err != nil {
		appLog.Error("invalid refresh schedule", err, "refresh", conf.RefreshCron)
		os.Exit(1)
	}
	sched.Start()
	defer sched.Stop()

	if err := web.StartServer(ctx, conf, registry); err != nil && !errors.Is(err, context.Canceled) {
		appLog.Error("HTTP server failed", err)
		os.Exit(1)
	}

	appLog.Info("icalfeed exiting")
}

func parseFlags() flagConfig {
	var cfg flagConfig

	flag.StringVar(&cfg.configPath, "config", "/etc/icalfeed/config.yaml", "Path to config file")
	flag.StringVar(&cfg.listen, "listen", "", "HTTP listen address (overrides config if set)")
	flag.StringVar(&cfg.cacheDir, "cache-dir", "/var/lib/icalfeed/feed-cache", "Directory for the feed HTTP cache")
	flag.BoolVar(&cfg.once, "once", false, "Run one refresh cycle and exit")

	flag.Parse()

	return cfg
}
