package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/baxromumarov/sensor-2pc/pkg/logger"
	"github.com/baxromumarov/sensor-2pc/pkg/protocol"
	"github.com/baxromumarov/sensor-2pc/pkg/transport"
	"github.com/baxromumarov/sensor-2pc/pkg/workload"
)

func main() {
	file := flag.String("file", "", "Benchmark file of INSERT statements")
	addr := flag.String("addr", "localhost:8081", "Coordinator site address")
	sites := flag.String("sites", "", "Comma-separated aliases of the sites readings are spread over")
	window := flag.Duration("window", time.Minute, "Time window grouped into one transaction per sensor")
	rps := flag.Float64("rps", 50, "Transactions submitted per second (0 = unlimited)")
	concurrency := flag.Int("concurrency", 8, "Transactions in flight at once")
	timeout := flag.Duration("timeout", 30*time.Second, "Per-transaction timeout")
	logLevel := flag.String("log-level", "info", "Logger level")
	flag.Parse()

	if *file == "" {
		log.Fatal("--file is required")
	}

	var aliases []protocol.SiteID
	for _, s := range strings.Split(*sites, ",") {
		if s = strings.TrimSpace(s); s != "" {
			aliases = append(aliases, protocol.SiteID(s))
		}
	}
	if len(aliases) == 0 {
		log.Fatal("--sites is required")
	}

	lg, err := logger.New(logger.Config{Level: *logLevel, Format: "console"}, "")
	if err != nil {
		log.Fatalf("Failed to build logger: %v", err)
	}
	defer lg.Sync()

	f, err := os.Open(*file)
	if err != nil {
		lg.Fatal("Failed to open benchmark file", zap.Error(err))
	}
	readings, err := workload.Parse(f)
	f.Close()
	if err != nil {
		lg.Fatal("Failed to parse benchmark file", zap.Error(err))
	}

	batches := workload.Batch(readings, *window)
	lg.Info("Workload loaded",
		zap.Int("readings", len(readings)),
		zap.Int("transactions", len(batches)),
		zap.Duration("window", *window))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	client := transport.NewHTTPClient(*timeout)
	submitter := workload.NewSubmitter(client, *addr, aliases, *rps, *concurrency, lg)

	stats, err := submitter.Run(ctx, batches)
	if err != nil {
		lg.Warn("Workload interrupted", zap.Error(err))
	}

	if stats.Elapsed > 0 {
		lg.Info("Throughput",
			zap.Float64("tps", float64(stats.Submitted)/stats.Elapsed.Seconds()))
	}
}
