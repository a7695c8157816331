package app

import (
	"fmt"
	"os"
)

var (
	version   = "0.0.0-dev"
	commit    = "unknown"
	buildDate = "unknown"
)

func Main(args []string) int {
	if len(args) < 2 {
		printHelp()
		return 2
	}

	switch args[1] {
	case "run":
		return run(args[2:])
	case "config":
		return configCmd(args[2:])
	case "audit":
		return auditCmd(args[2:])
	case "version":
		return versionCmd(args[2:])
	case "help", "-h", "--help":
		printHelp()
		return 0
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n", args[1])
		printHelp()
		return 2
	}
}

func printHelp() {
	fmt.Fprintln(os.Stdout, "quegate")
	fmt.Fprintln(os.Stdout, "")
	fmt.Fprintln(os.Stdout, "Usage:")
	fmt.Fprintln(os.Stdout, "  quegate run [--listen :7070] [--prefix /queuing] [--redis-addr localhost:6379] [--audit-dsn ./.data/audit.db] [--metrics-listen :9090] [--scripts-dir ./lua --watch-scripts] [--dotenv ./.env]")
	fmt.Fprintln(os.Stdout, "  quegate config validate [run flags] [--format json|text]")
	fmt.Fprintln(os.Stdout, "  quegate config show [run flags]")
	fmt.Fprintln(os.Stdout, "  quegate audit list [--audit-dsn ./.data/audit.db] [--queue name] [--limit 100] [--format json|text]")
	fmt.Fprintln(os.Stdout, "  quegate version [--long] [--json]")
	fmt.Fprintln(os.Stdout, "")
	fmt.Fprintln(os.Stdout, "Every run flag can also be set as QUEGATE_<FLAG_NAME> (for example QUEGATE_REDIS_ADDR).")
}
