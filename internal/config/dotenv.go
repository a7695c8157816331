package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
)

// LoadDotenv sets the KEY=VALUE pairs found in path as environment
// variables. Variables that already hold a non-empty value are left alone.
// It returns the keys it set.
func LoadDotenv(path string) ([]string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var applied []string
	for i, raw := range strings.Split(string(data), "\n") {
		lineNo := i + 1
		line := strings.TrimSpace(raw)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		line = strings.TrimSpace(strings.TrimPrefix(line, "export "))

		key, val, ok := strings.Cut(line, "=")
		if !ok {
			return applied, fmt.Errorf(".env line %d: missing '='", lineNo)
		}
		key = strings.TrimSpace(key)
		if key == "" {
			return applied, fmt.Errorf(".env line %d: empty key", lineNo)
		}
		val, err = unquoteDotenv(strings.TrimSpace(val))
		if err != nil {
			return applied, fmt.Errorf(".env line %d: %w", lineNo, err)
		}

		if cur, ok := os.LookupEnv(key); ok && cur != "" {
			continue
		}
		if err := os.Setenv(key, val); err != nil {
			return applied, fmt.Errorf(".env line %d: %w", lineNo, err)
		}
		applied = append(applied, key)
	}
	return applied, nil
}

func unquoteDotenv(val string) (string, error) {
	if len(val) < 2 {
		return val, nil
	}
	switch {
	case val[0] == '"' && val[len(val)-1] == '"':
		return strconv.Unquote(val)
	case val[0] == '\'' && val[len(val)-1] == '\'':
		return val[1 : len(val)-1], nil
	}
	return val, nil
}
