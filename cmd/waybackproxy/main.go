package main

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	waybackproxy "github.com/dylandreimerink/waybackproxy"
	"github.com/dylandreimerink/waybackproxy/cache"
	"github.com/sirupsen/logrus"
	"github.com/spf13/pflag"
)

var logger = logrus.New()

func main() {
	flags := pflag.NewFlagSet("waybackproxy", pflag.ContinueOnError)

	configPath := flags.String("config", "", "Path to the YAML config file")
	flags.String("host", "0.0.0.0", "Address to listen on")
	flags.Int("port", 8888, "Port to listen on")
	flags.String("date", "20010101", "Target date to browse, formatted as YYYYMMDD")
	flags.Int("date-tolerance-days", 365, "Warn when a served snapshot is further than this many days from the target date")
	flags.String("redis", "redis://localhost:6379/0", "Redis connection URL")
	flags.Int("hot-ttl-days", 7, "Hot tier expiry in days, 0 disables the hot tier")
	flags.Bool("allowlist", false, "Only serve sites matching the allowlist patterns")
	flags.Bool("header-bar", false, "Inject the overlay bar into served pages")
	flags.String("header-bar-position", "top", "Overlay bar position, 'top' or 'bottom'")
	flags.String("header-bar-text", "Wayback Cache Proxy", "Overlay bar branding text")
	flags.String("speed", "unlimited", "Simulated connection speed: 14.4k, 28.8k, 56k, isdn, dsl or unlimited")
	flags.Bool("speed-selector", false, "Let visitors pick their speed via the overlay bar")
	flags.Bool("admin", false, "Enable the admin interface under /_admin/")
	flags.String("admin-password", "", "HTTP Basic Auth password for the admin interface")
	flags.String("error-pages", "", "Directory with error page template overrides")
	flags.Bool("no-landing-page", false, "Disable the landing page on direct requests")
	flags.Int("crawl-concurrency", 4, "Number of parallel crawler fetches")
	flags.Int("crawl-max-urls", 10000, "Maximum URLs visited per crawl, 0 for unlimited")
	verbose := flags.BoolP("verbose", "v", false, "Enable debug logging")

	if err := flags.Parse(os.Args[1:]); err != nil {
		if err == pflag.ErrHelp {
			os.Exit(0)
		}

		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	if *verbose {
		logger.SetLevel(logrus.DebugLevel)
	}

	conf, err := waybackproxy.LoadConfig(*configPath, flags)
	if err != nil {
		logger.WithError(err).Error("Invalid configuration")
		os.Exit(1)
	}

	if err := run(conf, *configPath, flags); err != nil {
		logger.WithError(err).Error("Proxy exited with error")
		os.Exit(1)
	}
}

func run(conf *waybackproxy.Config, configPath string, flags *pflag.FlagSet) error {
	ref := waybackproxy.NewConfigRef(conf)

	store, err := cache.NewStore(conf.Cache.RedisURL, conf.HotTTL(), logger)
	if err != nil {
		return err
	}
	defer store.Close()

	pingCtx, cancelPing := context.WithTimeout(context.Background(), 5*time.Second)
	if err := store.Ping(pingCtx); err != nil {
		logger.WithError(err).Warning("Redis is unreachable, serving uncached until it comes back")
	}
	cancelPing()

	client := &waybackproxy.WaybackClient{
		ToleranceDays: conf.Proxy.DateToleranceDays,
		Logger:        logger,
	}

	metrics := waybackproxy.NewMetrics()

	crawler := &waybackproxy.Crawler{
		Store:   store,
		Client:  client,
		Ref:     ref,
		Logger:  logger,
		Metrics: metrics,
	}

	server := &waybackproxy.Server{
		Ref:     ref,
		Store:   store,
		Client:  client,
		Admin:   waybackproxy.NewAdminHandler(store, crawler, ref, metrics, logger),
		Landing: waybackproxy.NewLandingPage(conf.Proxy.ErrorPagesDir, store, logger),
		Errors:  waybackproxy.NewErrorPages(conf.Proxy.ErrorPagesDir, logger),
		Metrics: metrics,
		Logger:  logger,
	}

	reloadCtx, cancelReload := context.WithCancel(context.Background())
	defer cancelReload()

	reloadListener := &waybackproxy.ReloadListener{
		Store:      store,
		Ref:        ref,
		ConfigPath: configPath,
		Flags:      flags,
		Logger:     logger,
	}

	go func() {
		if err := reloadListener.Run(reloadCtx); err != nil && reloadCtx.Err() == nil {
			logger.WithError(err).Warning("Config reload listener stopped")
		}
	}()

	address := net.JoinHostPort(conf.Proxy.Host, fmt.Sprintf("%d", conf.Proxy.Port))
	listener, err := net.Listen("tcp", address)
	if err != nil {
		return fmt.Errorf("unable to listen on %s: %w", address, err)
	}

	logger.WithFields(logrus.Fields{
		"address":     address,
		"target_date": conf.Proxy.TargetDate,
		"mode":        conf.Access.Mode,
		"speed":       conf.Throttle.Speed,
		"admin":       conf.Admin.Enabled,
	}).Info("Wayback Cache Proxy listening")

	errs := make(chan error, 1)
	go func() {
		errs <- server.Serve(listener)
	}()

	signals := make(chan os.Signal, 1)
	signal.Notify(signals, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errs:
		return err

	case sig := <-signals:
		logger.WithField("signal", sig.String()).Info("Shutting down")
	}

	cancelReload()
	crawler.Stop(context.Background())

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelShutdown()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.WithError(err).Warning("Shutdown grace period expired, closing remaining connections")
	}

	crawler.Wait()

	return nil
}
