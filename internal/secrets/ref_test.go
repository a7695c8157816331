package secrets

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
)

func TestResolve(t *testing.T) {
	t.Setenv("QUEGATE_TEST_SECRET", "top-secret")
	path := filepath.Join(t.TempDir(), "secret.txt")
	if err := os.WriteFile(path, []byte("  file-secret \n"), 0o600); err != nil {
		t.Fatalf("write file: %v", err)
	}

	cases := []struct {
		in   string
		want string
	}{
		{in: "env:QUEGATE_TEST_SECRET", want: "top-secret"},
		{in: "file:" + path, want: "file-secret"},
		{in: "raw:raw-secret", want: "raw-secret"},
		{in: "plain password", want: "plain password"},
		{in: "postgres://u:p@db/audit", want: "postgres://u:p@db/audit"},
		{in: "", want: ""},
	}
	for _, tc := range cases {
		got, err := Resolve(tc.in)
		if err != nil {
			t.Fatalf("Resolve(%q): %v", tc.in, err)
		}
		if got != tc.want {
			t.Fatalf("Resolve(%q)=%q, want %q", tc.in, got, tc.want)
		}
	}
}

func TestResolve_Errors(t *testing.T) {
	t.Setenv("QUEGATE_EMPTY_SECRET", "")
	empty := filepath.Join(t.TempDir(), "empty.txt")
	if err := os.WriteFile(empty, []byte("\n"), 0o600); err != nil {
		t.Fatalf("write file: %v", err)
	}

	for _, in := range []string{"env:", "env:QUEGATE_EMPTY_SECRET", "file: ", "file:" + empty, "raw:"} {
		_, err := Resolve(in)
		if !errors.Is(err, ErrSecretRef) {
			t.Fatalf("Resolve(%q): expected ErrSecretRef, got %v", in, err)
		}
	}
	if _, err := Resolve("file:" + filepath.Join(t.TempDir(), "missing")); err == nil {
		t.Fatalf("expected error for missing file")
	}
}

func TestIsRef(t *testing.T) {
	if !IsRef(" env:X") || !IsRef("file:/x") || !IsRef("raw:y") {
		t.Fatalf("expected references to be detected")
	}
	if IsRef("vault:secret/x") || IsRef("hunter2") {
		t.Fatalf("expected plain values not to be references")
	}
}
