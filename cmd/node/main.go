package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"net/url"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/baxromumarov/sensor-2pc/pkg/cluster"
	"github.com/baxromumarov/sensor-2pc/pkg/config"
	"github.com/baxromumarov/sensor-2pc/pkg/daemon"
	"github.com/baxromumarov/sensor-2pc/pkg/decisionlog"
	"github.com/baxromumarov/sensor-2pc/pkg/logger"
	"github.com/baxromumarov/sensor-2pc/pkg/metrics"
	"github.com/baxromumarov/sensor-2pc/pkg/protocol"
	"github.com/baxromumarov/sensor-2pc/pkg/resource"
	"github.com/baxromumarov/sensor-2pc/pkg/transport"
)

func main() {
	configPath := flag.String("config", "", "Path to the site's YAML configuration")
	site := flag.String("site", "", "Alias of this site (overrides config)")
	listen := flag.String("listen", "", "Address to bind (defaults to the site's registry address)")
	sites := flag.String("sites", "", "Comma-separated alias=address pairs added to the registry")
	dsn := flag.String("dsn", "", "Postgres DSN. Falls back to config, then POSTGRES_DSN env var.")
	logPath := flag.String("log", "", "Decision log path (overrides config)")
	logLevel := flag.String("log-level", "", "Logger level (overrides config)")
	flag.Parse()

	cfg := config.Default()
	if *configPath != "" {
		loaded, err := config.Load(*configPath)
		if err != nil {
			log.Fatalf("Failed to load config: %v", err)
		}
		cfg = loaded
	}

	if *site != "" {
		cfg.Site = *site
	}
	if *listen != "" {
		cfg.Listen = *listen
	}
	if *dsn != "" {
		cfg.Postgres.DSN = *dsn
	}
	if *logPath != "" {
		cfg.Log.Path = *logPath
	}
	if *logLevel != "" {
		cfg.Logger.Level = *logLevel
	}
	if err := addSites(&cfg, *sites); err != nil {
		log.Fatal(err)
	}
	if err := cfg.Finalize(); err != nil {
		log.Fatalf("Invalid configuration: %v", err)
	}

	lg, err := logger.New(cfg.Logger, cfg.Site)
	if err != nil {
		log.Fatalf("Failed to build logger: %v", err)
	}
	defer lg.Sync()

	if err := run(cfg, lg); err != nil {
		lg.Fatal("Site failed", zap.Error(err))
	}
}

func run(cfg config.Config, lg *zap.Logger) error {
	self := protocol.SiteID(cfg.Site)
	lg.Info("Starting site",
		zap.String("listen", cfg.Listen),
		zap.String("dsn", maskDSN(cfg.Postgres.DSN)),
		zap.String("log", cfg.Log.Path))

	var m *metrics.Metrics
	if cfg.Metrics.Enabled {
		m = metrics.New()
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	rm, err := resource.OpenPostgres(ctx, cfg.Postgres.DSN, cfg.Postgres.MaxConns, lg)
	if err != nil {
		return err
	}
	defer rm.Close()

	opts := cfg.LogOptions()
	opts.Logger = lg
	opts.Metrics = m
	dlog, err := decisionlog.Open(cfg.Log.Path, opts)
	if err != nil {
		return err
	}
	defer dlog.Close()

	registry := cluster.NewRegistry(self)
	for _, id := range cfg.SiteIDs() {
		registry.Add(id, cfg.Sites[string(id)].Address)
	}

	client := transport.NewHTTPClient(cfg.Protocol.MessageTimeout)

	d, err := daemon.New(daemon.Options{
		Site:              self,
		Log:               dlog,
		RM:                rm,
		Sender:            transport.NewHTTPTransport(client, registry, lg),
		Logger:            lg,
		Metrics:           m,
		Config:            cfg.Machine(),
		Alive:             registry.Alive,
		FinishedCacheSize: cfg.FinishedCacheSize,
	})
	if err != nil {
		return err
	}

	server := transport.NewHTTPServer(self, cfg.Listen, lg)
	d.Serve(server)

	if err := d.Start(ctx); err != nil {
		return fmt.Errorf("recovery failed: %w", err)
	}

	heartbeat := cluster.NewHeartbeatManager(registry, cfg.HeartbeatInterval, lg)
	heartbeat.Start()

	errCh := make(chan error, 1)
	go func() {
		errCh <- server.Start()
	}()

	lg.Info("Site ready", zap.Int("sites", registry.Size()))

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		lg.Info("Shutting down site", zap.String("signal", sig.String()))
	case err = <-errCh:
		if err != nil {
			lg.Error("HTTP server stopped", zap.Error(err))
		}
	}

	heartbeat.Stop()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if stopErr := server.Stop(shutdownCtx); stopErr != nil {
		lg.Warn("HTTP shutdown", zap.Error(stopErr))
	}

	d.Stop()
	return err
}

// addSites merges "alias=address,..." into the registry section.
func addSites(cfg *config.Config, list string) error {
	if list == "" {
		return nil
	}
	if cfg.Sites == nil {
		cfg.Sites = map[string]config.SiteConfig{}
	}
	for _, pair := range strings.Split(list, ",") {
		pair = strings.TrimSpace(pair)
		if pair == "" {
			continue
		}
		alias, addr, ok := strings.Cut(pair, "=")
		if !ok || alias == "" || addr == "" {
			return errors.New("--sites expects alias=address pairs")
		}
		cfg.Sites[alias] = config.SiteConfig{Address: addr}
	}
	return nil
}

func maskDSN(dsn string) string {
	if dsn == "" {
		return ""
	}

	if u, err := url.Parse(dsn); err == nil {
		if u.User != nil {
			username := u.User.Username()
			u.User = url.UserPassword(username, "****")
		}
		return u.String()
	}

	if at := strings.Index(dsn, "@"); at > 0 {
		return "****@" + dsn[at+1:]
	}

	return dsn
}
