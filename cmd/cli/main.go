package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"os"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/baxromumarov/sensor-2pc/pkg/decisionlog"
	"github.com/baxromumarov/sensor-2pc/pkg/protocol"
	"github.com/baxromumarov/sensor-2pc/pkg/recovery"
	"github.com/baxromumarov/sensor-2pc/pkg/resource"
	"github.com/baxromumarov/sensor-2pc/pkg/transport"
)

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	command := os.Args[1]

	switch command {
	case "submit":
		submit()
	case "health":
		healthCheck()
	case "status":
		clusterStatus()
	case "transactions":
		transactions()
	case "inspect-log":
		inspectLog()
	case "cleanup-prepared":
		cleanupPrepared()
	default:
		fmt.Printf("Unknown command: %s\n", command)
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Println("2PC CLI Tool")
	fmt.Println("")
	fmt.Println("Usage:")
	fmt.Println("  cli submit --addr=<coordinator> --ops='[{\"site\":\"site1\",\"statement\":\"...\"}]' [--participants=site1,site2]")
	fmt.Println("      Run a distributed transaction coordinated by the given site")
	fmt.Println("")
	fmt.Println("  cli health --addr=<address>")
	fmt.Println("      Check health of a specific site")
	fmt.Println("")
	fmt.Println("  cli status --sites=<addr1,addr2,...>")
	fmt.Println("      Check health of every site")
	fmt.Println("")
	fmt.Println("  cli transactions --addr=<address>")
	fmt.Println("      List the in-flight transactions of a site")
	fmt.Println("")
	fmt.Println("  cli inspect-log --site=<alias> --log=<path>")
	fmt.Println("      Print what recovery would do with a decision log")
	fmt.Println("")
	fmt.Println("  cli cleanup-prepared --site=<alias> --log=<path> [--dsn=<dsn>] [--all]")
	fmt.Println("      Roll back engine-prepared transactions the log never voted for")
}

func submit() {
	fs := flag.NewFlagSet("submit", flag.ExitOnError)
	addr := fs.String("addr", "", "Coordinator site address")
	ops := fs.String("ops", "[]", "Operations as a JSON array of {site, statement}")
	participants := fs.String("participants", "", "Comma-separated extra participant aliases")
	timeout := fs.Duration("timeout", 30*time.Second, "How long to wait for the outcome")
	fs.Parse(os.Args[2:])

	if *addr == "" {
		log.Fatal("--addr is required")
	}

	req := &protocol.TransactionRequest{}
	if err := json.Unmarshal([]byte(*ops), &req.Operations); err != nil {
		log.Fatalf("Invalid --ops: %v", err)
	}
	for _, p := range splitList(*participants) {
		req.Participants = append(req.Participants, protocol.SiteID(p))
	}

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	fmt.Printf("Sending transaction to %s...\n", *addr)

	client := transport.NewHTTPClient(*timeout)
	resp, err := client.StartTransaction(ctx, *addr, req)
	if err != nil {
		log.Fatalf("Transaction failed: %v", err)
	}

	if resp.Success {
		fmt.Printf("✓ Transaction %s committed\n", resp.TransactionID)
		return
	}
	fmt.Printf("✗ Transaction %s %s\n", resp.TransactionID, strings.ToLower(string(resp.Outcome)))
	if resp.Error != "" {
		fmt.Printf("  Error: %s\n", resp.Error)
	}
	os.Exit(1)
}

func healthCheck() {
	fs := flag.NewFlagSet("health", flag.ExitOnError)
	addr := fs.String("addr", "", "Site address to check")
	fs.Parse(os.Args[2:])

	if *addr == "" {
		log.Fatal("--addr is required")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	client := transport.NewHTTPClient(5 * time.Second)
	health, err := client.HealthCheck(ctx, *addr)
	if err != nil {
		fmt.Printf("✗ Site %s is DOWN: %v\n", *addr, err)
		os.Exit(1)
	}

	fmt.Printf("✓ Site %s is UP\n", *addr)
	fmt.Printf("  Alias: %s\n", health.Site)
	fmt.Printf("  Status: %s\n", health.Status)
}

func clusterStatus() {
	fs := flag.NewFlagSet("status", flag.ExitOnError)
	sites := fs.String("sites", "", "Comma-separated list of site addresses")
	fs.Parse(os.Args[2:])

	addrs := splitList(*sites)
	if len(addrs) == 0 {
		log.Fatal("--sites is required")
	}

	client := transport.NewHTTPClient(5 * time.Second)

	fmt.Println("Cluster Status:")
	fmt.Println("---------------")

	for _, addr := range addrs {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		health, err := client.HealthCheck(ctx, addr)
		cancel()
		if err != nil {
			fmt.Printf("  ✗ %s: DOWN\n", addr)
			continue
		}
		fmt.Printf("  ✓ %s: %s (%s)\n", addr, health.Status, health.Site)
	}
}

func transactions() {
	fs := flag.NewFlagSet("transactions", flag.ExitOnError)
	addr := fs.String("addr", "", "Site address")
	fs.Parse(os.Args[2:])

	if *addr == "" {
		log.Fatal("--addr is required")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	client := transport.NewHTTPClient(5 * time.Second)
	list, err := client.ListTransactions(ctx, *addr)
	if err != nil {
		log.Fatalf("Failed to list transactions: %v", err)
	}

	fmt.Printf("In-flight transactions at %s: %d\n", list.Site, len(list.Transactions))
	for _, tx := range list.Transactions {
		fmt.Printf("  - %s [%s] %s (coordinator %s)\n", tx.TransactionID, tx.Role, tx.State, tx.Coordinator)
		if len(tx.Pending) > 0 {
			fmt.Printf("      waiting on: %v\n", tx.Pending)
		}
		fmt.Printf("      age: %s\n", time.Since(tx.Created).Round(time.Millisecond))
	}
}

func inspectLog() {
	fs := flag.NewFlagSet("inspect-log", flag.ExitOnError)
	site := fs.String("site", "", "Alias of the site that owns the log")
	path := fs.String("log", "", "Decision log path")
	fs.Parse(os.Args[2:])

	plan := loadPlan(*site, *path)

	fmt.Printf("Next transaction counter: %d\n", plan.NextCounter)
	fmt.Printf("Finished: %d\n", len(plan.Finished))
	fmt.Printf("Coordinators to resume: %d\n", len(plan.Coordinators))
	for _, c := range plan.Coordinators {
		fmt.Printf("  - %s decision=%s logged=%v acked=%v of %v\n", c.TxnID, c.Decision, c.Logged, c.Acked, c.Participants)
	}
	fmt.Printf("Participants to resume: %d\n", len(plan.Participants))
	for _, p := range plan.Participants {
		fmt.Printf("  - %s %s (coordinator %s)\n", p.TxnID, p.Resume, p.Coordinator)
	}
}

func cleanupPrepared() {
	fs := flag.NewFlagSet("cleanup-prepared", flag.ExitOnError)
	site := fs.String("site", "", "Alias of the site that owns the log")
	path := fs.String("log", "", "Decision log path")
	dsn := fs.String("dsn", "", "Postgres DSN (fallback to POSTGRES_DSN env var if empty)")
	all := fs.Bool("all", false, "Roll back every prepared transaction, ignoring the log. Only safe when no coordinator will ever commit them.")
	fs.Parse(os.Args[2:])

	effectiveDSN := *dsn
	if effectiveDSN == "" {
		effectiveDSN = os.Getenv("POSTGRES_DSN")
	}
	if effectiveDSN == "" {
		log.Fatal("Postgres DSN is required. Set --dsn or POSTGRES_DSN")
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	rm, err := resource.OpenPostgres(ctx, effectiveDSN, 1, zap.NewNop())
	if err != nil {
		log.Fatalf("Failed to open database: %v", err)
	}
	defer rm.Close()

	prepared, err := rm.Prepared(ctx)
	if err != nil {
		log.Fatalf("Failed to list prepared transactions: %v", err)
	}

	targets := prepared
	if !*all {
		plan := loadPlan(*site, *path)
		targets = plan.Orphans(prepared)
	}

	fmt.Printf("Prepared: %d, rolling back: %d\n", len(prepared), len(targets))
	for _, txn := range targets {
		if err := rm.Rollback(ctx, txn); err != nil {
			log.Fatalf("Failed to roll back %s: %v", txn, err)
		}
		fmt.Printf("  ✓ rolled back %s\n", txn)
	}
}

func loadPlan(site, path string) recovery.Plan {
	if site == "" || path == "" {
		log.Fatal("--site and --log are required")
	}

	records, err := decisionlog.ReadFile(path)
	if err != nil {
		log.Fatalf("Failed to read decision log: %v", err)
	}
	return recovery.Analyze(protocol.SiteID(site), records)
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
