package instance

import (
	"os"
	"testing"
)

func TestGetIDPrefersInstanceID(t *testing.T) {
	t.Setenv("SHOPBILLING_INSTANCE_ID", "api-2")
	t.Setenv("WORKER_ID", "worker-7")
	if got := GetID(); got != "api-2" {
		t.Fatalf("expected api-2, got %q", got)
	}
}

func TestGetIDFallsBackToWorkerID(t *testing.T) {
	t.Setenv("SHOPBILLING_INSTANCE_ID", " ")
	t.Setenv("WORKER_ID", "worker-7")
	if got := GetID(); got != "worker-7" {
		t.Fatalf("expected worker-7, got %q", got)
	}
}

func TestGetIDUsesHostname(t *testing.T) {
	t.Setenv("SHOPBILLING_INSTANCE_ID", "")
	t.Setenv("WORKER_ID", "")
	want, err := os.Hostname()
	if err != nil || want == "" {
		want = fallbackID
	}
	if got := GetID(); got != want {
		t.Fatalf("expected %q, got %q", want, got)
	}
}
