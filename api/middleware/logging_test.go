package middleware

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/angelmondragon/shopbilling/pkg/logger"
)

func completionLine(t *testing.T, buf *bytes.Buffer) map[string]any {
	t.Helper()
	for _, line := range strings.Split(strings.TrimSpace(buf.String()), "\n") {
		var entry map[string]any
		if err := json.Unmarshal([]byte(line), &entry); err != nil {
			t.Fatalf("decode log line %q: %v", line, err)
		}
		if entry["message"] == "request.complete" {
			return entry
		}
	}
	t.Fatalf("no request.complete entry in %q", buf.String())
	return nil
}

func TestLoggingRecordsWrittenStatus(t *testing.T) {
	t.Setenv("SHOPBILLING_LOG_FORMAT", "json")
	var buf bytes.Buffer
	logg := logger.New(logger.Options{ServiceName: "test", Output: &buf})

	h := Logging(logg)(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
		w.WriteHeader(http.StatusOK)
	}))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/webhooks/billing", nil))

	entry := completionLine(t, &buf)
	if got := entry["status"]; got != float64(http.StatusServiceUnavailable) {
		t.Fatalf("expected logged status 503, got %v", got)
	}
	if entry["path"] != "/webhooks/billing" {
		t.Fatalf("expected path field, got %v", entry["path"])
	}
}

func TestLoggingDefaultsToOKOnBodyWrite(t *testing.T) {
	t.Setenv("SHOPBILLING_LOG_FORMAT", "json")
	var buf bytes.Buffer
	logg := logger.New(logger.Options{ServiceName: "test", Output: &buf})

	h := Logging(logg)(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{"ok":true}`))
	}))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health/live", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if got := completionLine(t, &buf)["status"]; got != float64(http.StatusOK) {
		t.Fatalf("expected logged status 200, got %v", got)
	}
}

func TestLoggingWithoutLogger(t *testing.T) {
	h := Logging(nil)(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	if rec.Code != http.StatusNoContent {
		t.Fatalf("expected 204, got %d", rec.Code)
	}
}
