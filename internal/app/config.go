package app

import (
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/nuetzliches/quegate/internal/config"
	"github.com/nuetzliches/quegate/internal/secrets"
)

type validationResult struct {
	OK     bool     `json:"ok"`
	Errors []string `json:"errors"`
}

func configCmd(args []string) int {
	return runConfigCmd(args, os.Stdout, os.Stderr)
}

func runConfigCmd(args []string, stdout, stderr io.Writer) int {
	if len(args) < 1 {
		fmt.Fprintln(stderr, "missing subcommand: validate | show")
		return 2
	}

	switch args[0] {
	case "validate":
		return configValidate(args[1:], stdout, stderr)
	case "show":
		return configShow(args[1:], stdout, stderr)
	default:
		fmt.Fprintf(stderr, "unknown config subcommand: %s\n", args[0])
		return 2
	}
}

func configValidate(args []string, stdout, stderr io.Writer) int {
	var format string
	cfg, err := config.Load("config validate", args, stderr, func(fs *flag.FlagSet) {
		fs.StringVar(&format, "format", "json", "output format: json|text")
	})
	if err != nil {
		return writeValidation(stdout, stderr, format, validationResult{Errors: []string{err.Error()}})
	}

	res := validationResult{OK: true, Errors: []string{}}
	if err := cfg.Validate(); err != nil {
		res.OK = false
		res.Errors = strings.Split(err.Error(), "\n")
	}
	return writeValidation(stdout, stderr, format, res)
}

func writeValidation(stdout, stderr io.Writer, format string, res validationResult) int {
	out := stdout
	code := 0
	if !res.OK {
		out = stderr
		code = 1
	}

	if format == "text" {
		if res.OK {
			fmt.Fprintln(out, "config ok")
			return code
		}
		fmt.Fprintln(out, "config invalid:")
		for _, e := range res.Errors {
			fmt.Fprintf(out, "  - %s\n", e)
		}
		return code
	}

	b, err := json.Marshal(res)
	if err != nil {
		fmt.Fprintln(stderr, err.Error())
		return 1
	}
	fmt.Fprintln(out, string(b))
	return code
}

// configShow prints the effective configuration with secrets redacted.
func configShow(args []string, stdout, stderr io.Writer) int {
	cfg, err := config.Load("config show", args, stderr)
	if err != nil {
		fmt.Fprintln(stderr, err.Error())
		return 2
	}
	if cfg.RedisPassword != "" && !secrets.IsRef(cfg.RedisPassword) {
		cfg.RedisPassword = "<redacted>"
	}
	cfg.AuditDSN = redactDSN(cfg.AuditDSN)

	enc := json.NewEncoder(stdout)
	enc.SetIndent("", "  ")
	enc.SetEscapeHTML(false)
	if err := enc.Encode(cfg); err != nil {
		fmt.Fprintln(stderr, err.Error())
		return 1
	}
	return 0
}

// redactDSN hides the password part of a postgres URL.
func redactDSN(dsn string) string {
	scheme, rest, ok := strings.Cut(dsn, "://")
	if !ok {
		return dsn
	}
	creds, host, ok := strings.Cut(rest, "@")
	if !ok {
		return dsn
	}
	user, _, hasPass := strings.Cut(creds, ":")
	if !hasPass {
		return dsn
	}
	return scheme + "://" + user + ":<redacted>@" + host
}
