package secrets

import (
	"errors"
	"fmt"
	"os"
	"strings"
)

var ErrSecretRef = errors.New("invalid secret reference")

type scheme string

const (
	schemeEnv  scheme = "env:"
	schemeFile scheme = "file:"
	schemeRaw  scheme = "raw:"
)

func splitRef(ref string) (scheme, string, bool) {
	for _, s := range []scheme{schemeEnv, schemeFile, schemeRaw} {
		if rest, ok := strings.CutPrefix(ref, string(s)); ok {
			return s, rest, true
		}
	}
	return "", "", false
}

// IsRef reports whether value uses one of the env:, file: or raw: forms.
func IsRef(value string) bool {
	_, _, ok := splitRef(strings.TrimSpace(value))
	return ok
}

// ValidateRef checks the reference format without loading its value.
// Values that are not references are always valid.
func ValidateRef(value string) error {
	s, rest, ok := splitRef(strings.TrimSpace(value))
	if !ok {
		return nil
	}
	switch s {
	case schemeEnv:
		if strings.TrimSpace(rest) == "" {
			return fmt.Errorf("%w: env var name is empty", ErrSecretRef)
		}
	case schemeFile:
		if strings.TrimSpace(rest) == "" {
			return fmt.Errorf("%w: file path is empty", ErrSecretRef)
		}
	case schemeRaw:
		if rest == "" {
			return fmt.Errorf("%w: raw value is empty", ErrSecretRef)
		}
	}
	return nil
}

// Resolve returns the secret a value points to.
//
// Supported forms:
// - env:NAME
// - file:/path/to/secret (surrounding whitespace is trimmed)
// - raw:literal-value
//
// Any other value is returned unchanged, so plain passwords and DSNs keep
// working.
func Resolve(value string) (string, error) {
	if err := ValidateRef(value); err != nil {
		return "", err
	}
	s, rest, ok := splitRef(strings.TrimSpace(value))
	if !ok {
		return value, nil
	}

	switch s {
	case schemeEnv:
		name := strings.TrimSpace(rest)
		val := os.Getenv(name)
		if val == "" {
			return "", fmt.Errorf("%w: env var %q is empty or missing", ErrSecretRef, name)
		}
		return val, nil
	case schemeFile:
		path := strings.TrimSpace(rest)
		b, err := os.ReadFile(path)
		if err != nil {
			return "", err
		}
		val := strings.TrimSpace(string(b))
		if val == "" {
			return "", fmt.Errorf("%w: file %q is empty", ErrSecretRef, path)
		}
		return val, nil
	default:
		return rest, nil
	}
}
