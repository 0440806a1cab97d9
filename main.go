package main

import (
	"fmt"
)

func main() {
	fmt.Println("sensor-2pc - Two-Phase Commit for the sensor benchmark")
	fmt.Println("")
	fmt.Println("Usage:")
	fmt.Println("  Start a site:    go run ./cmd/node --config=configs/site1.yaml")
	fmt.Println("  Run workload:    go run ./cmd/workload --file=observations.sql --addr=localhost:8081 --sites=site1,site2,site3")
	fmt.Println("  CLI tool:        go run ./cmd/cli <command>")
	fmt.Println("")
	fmt.Println("CLI Commands:")
	fmt.Println("  submit --addr=<addr> --ops='[...]'        - Run a 2PC transaction")
	fmt.Println("  health --addr=<addr>                      - Check site health")
	fmt.Println("  status --sites=<addr1,addr2,...>          - Show cluster status")
	fmt.Println("  transactions --addr=<addr>                - List in-flight transactions")
	fmt.Println("  inspect-log --site=<alias> --log=<path>   - Show the recovery plan of a log")
	fmt.Println("  cleanup-prepared --site=<alias> --log=<path> - Roll back orphaned prepared transactions")
}
