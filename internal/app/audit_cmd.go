package app

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/nuetzliches/quegate/internal/audit"
	"github.com/nuetzliches/quegate/internal/config"
)

const auditListTimeout = 30 * time.Second

func auditCmd(args []string) int {
	return runAuditCmd(args, os.Stdout, os.Stderr)
}

func runAuditCmd(args []string, stdout, stderr io.Writer) int {
	if len(args) < 1 {
		fmt.Fprintln(stderr, "missing subcommand: list")
		return 2
	}

	switch args[0] {
	case "list":
		return auditList(args[1:], stdout, stderr)
	default:
		fmt.Fprintf(stderr, "unknown audit subcommand: %s\n", args[0])
		return 2
	}
}

// auditList prints journal entries, newest first.
func auditList(args []string, stdout, stderr io.Writer) int {
	var (
		queue  string
		limit  int
		format string
	)
	cfg, err := config.Load("audit list", args, stderr, func(fs *flag.FlagSet) {
		fs.StringVar(&queue, "queue", "", "only entries for this queue")
		fs.IntVar(&limit, "limit", 0, "maximum number of entries (0 = 100)")
		fs.StringVar(&format, "format", "text", "output format: json|text")
	})
	if err != nil {
		fmt.Fprintln(stderr, err.Error())
		return 2
	}
	if limit < 0 {
		fmt.Fprintln(stderr, "limit must not be negative")
		return 2
	}
	if format != "json" && format != "text" {
		fmt.Fprintf(stderr, "unknown format: %s\n", format)
		return 2
	}
	if cfg, err = resolveSecrets(cfg); err != nil {
		fmt.Fprintln(stderr, err.Error())
		return 1
	}
	if cfg.AuditDSN == "" {
		fmt.Fprintln(stderr, "audit journal is disabled: set --audit-dsn or QUEGATE_AUDIT_DSN")
		return 2
	}

	j, err := audit.Open(cfg.AuditDSN)
	if err != nil {
		fmt.Fprintf(stderr, "open audit journal: %v\n", err)
		return 1
	}
	defer func() { _ = j.Close() }()

	ctx, cancel := context.WithTimeout(context.Background(), auditListTimeout)
	defer cancel()
	entries, err := j.List(ctx, audit.Filter{Queue: queue, Limit: limit})
	if err != nil {
		fmt.Fprintf(stderr, "list audit entries: %v\n", err)
		return 1
	}

	if format == "json" {
		if entries == nil {
			entries = []audit.Entry{}
		}
		b, err := json.Marshal(entries)
		if err != nil {
			fmt.Fprintln(stderr, err.Error())
			return 1
		}
		fmt.Fprintln(stdout, string(b))
		return 0
	}
	for _, e := range entries {
		fmt.Fprintf(stdout, "%s %s queue=%q actor=%q status=%d count=%d request_id=%s\n",
			e.At.Format(time.RFC3339Nano), e.Operation, e.Queue, e.Actor, e.Status, e.Count, e.RequestID)
	}
	return 0
}
