package app

import (
	"bytes"
	"runtime"
	"strings"
	"testing"
)

func TestVersionCmd(t *testing.T) {
	restore := setVersionMetadataForTest("v1.2.3", "abc123", "2026-02-09T12:00:00Z")
	defer restore()

	cases := []struct {
		name     string
		args     []string
		code     int
		contains []string
		stderr   string
	}{
		{name: "default", code: 0, contains: []string{"v1.2.3"}},
		{
			name:     "long",
			args:     []string{"--long"},
			contains: []string{"quegate v1.2.3 (commit=abc123, build_date=2026-02-09T12:00:00Z, go=" + runtime.Version() + ")"},
		},
		{
			name: "json",
			args: []string{"--json"},
			contains: []string{
				`"name":"quegate"`,
				`"version":"v1.2.3"`,
				`"commit":"abc123"`,
				`"build_date":"2026-02-09T12:00:00Z"`,
			},
		},
		{name: "positional", args: []string{"positional"}, code: 2, stderr: "unexpected positional arguments"},
		{name: "unknown flag", args: []string{"--short"}, code: 2, stderr: "flag provided but not defined"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			stdout := &bytes.Buffer{}
			stderr := &bytes.Buffer{}
			code := runVersionCmd(tc.args, stdout, stderr)
			if code != tc.code {
				t.Fatalf("expected exit code %d, got %d", tc.code, code)
			}
			for _, want := range tc.contains {
				if !strings.Contains(stdout.String(), want) {
					t.Fatalf("expected %q in stdout, got %q", want, stdout.String())
				}
			}
			if tc.stderr == "" && strings.TrimSpace(stderr.String()) != "" {
				t.Fatalf("expected empty stderr, got %q", stderr.String())
			}
			if tc.stderr != "" && !strings.Contains(stderr.String(), tc.stderr) {
				t.Fatalf("expected %q in stderr, got %q", tc.stderr, stderr.String())
			}
		})
	}
}

func setVersionMetadataForTest(v, c, d string) func() {
	origVersion, origCommit, origBuildDate := version, commit, buildDate
	version, commit, buildDate = v, c, d
	return func() {
		version, commit, buildDate = origVersion, origCommit, origBuildDate
	}
}
