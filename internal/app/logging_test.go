package app

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
)

func TestParseLogLevel(t *testing.T) {
	cases := map[string]slog.Level{
		"":        slog.LevelInfo,
		"debug":   slog.LevelDebug,
		"WARNING": slog.LevelWarn,
		" error ": slog.LevelError,
	}
	for in, want := range cases {
		got, err := parseLogLevel(in)
		if err != nil || got != want {
			t.Fatalf("parseLogLevel(%q)=%v,%v want %v", in, got, err, want)
		}
	}
	if _, err := parseLogLevel("loud"); err == nil {
		t.Fatalf("expected error for invalid level")
	}
}

func TestOpenLogSink(t *testing.T) {
	if _, _, err := openLogSink("file", ""); err == nil {
		t.Fatalf("expected error for file without path")
	}
	if _, _, err := openLogSink("syslog", ""); err == nil {
		t.Fatalf("expected error for unknown output")
	}
	w, closer, err := openLogSink("file", filepath.Join(t.TempDir(), "quegate.log"))
	if err != nil {
		t.Fatalf("open file sink: %v", err)
	}
	defer closer.Close()
	if w == nil {
		t.Fatalf("expected writer")
	}
}

func TestWithAccessLog(t *testing.T) {
	buf := &bytes.Buffer{}
	logger := slog.New(slog.NewJSONHandler(buf, nil))
	h := withAccessLog(logger, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Request-ID", "req-1")
		w.WriteHeader(http.StatusConflict)
		_, _ = w.Write([]byte("locked"))
	}))

	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodDelete, "/queuing/queues/q/1", nil))

	var line map[string]any
	if err := json.Unmarshal(buf.Bytes(), &line); err != nil {
		t.Fatalf("decode log line: %v (%q)", err, buf.String())
	}
	if line["msg"] != "http_request" || line["status"] != float64(http.StatusConflict) || line["bytes"] != float64(6) {
		t.Fatalf("unexpected access log %v", line)
	}
	if line["request_id"] != "req-1" || line["path"] != "/queuing/queues/q/1" {
		t.Fatalf("unexpected access log %v", line)
	}
}
