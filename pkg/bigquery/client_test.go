package bigquery

import (
	"context"
	"errors"
	"testing"

	"github.com/angelmondragon/shopbilling/pkg/config"
)

func TestConfiguredTables(t *testing.T) {
	cfg := config.BigQueryConfig{
		Dataset:      "shopbilling",
		MetricsTable: " metrics_snapshots ",
		ChangesTable: "subscription_changes",
	}

	tables := configuredTables(cfg)

	if len(tables) != 2 {
		t.Fatalf("expected 2 tables, got %d", len(tables))
	}
	if tables[0] != "metrics_snapshots" || tables[1] != "subscription_changes" {
		t.Fatalf("unexpected tables %v", tables)
	}

	if got := configuredTables(config.BigQueryConfig{MetricsTable: "  "}); len(got) != 0 {
		t.Fatalf("expected blank table to be skipped, got %v", got)
	}

	same := configuredTables(config.BigQueryConfig{MetricsTable: "billing", ChangesTable: " billing"})
	if len(same) != 1 || same[0] != "billing" {
		t.Fatalf("expected shared table to be listed once, got %v", same)
	}
}

func TestNilClientRejectsInserts(t *testing.T) {
	var c *Client
	if err := c.InsertRows(context.Background(), "metrics_snapshots", []any{struct{}{}}); !errors.Is(err, errClientNotInitialized) {
		t.Fatalf("expected errClientNotInitialized, got %v", err)
	}
	if err := c.Ping(context.Background()); !errors.Is(err, errClientNotInitialized) {
		t.Fatalf("expected errClientNotInitialized from ping, got %v", err)
	}
	if err := c.Close(); err != nil {
		t.Fatalf("close on nil client: %v", err)
	}
}

func TestClientOptionsPrioritizesJSON(t *testing.T) {
	gcp := config.GCPConfig{
		CredentialsJSON:        `{"dummy": "value"}`,
		ApplicationCredentials: "/tmp/creds",
	}

	opts := clientOptions(gcp)
	if len(opts) != 1 {
		t.Fatalf("expected 1 option, got %d", len(opts))
	}
}

func TestClientOptionsWithFile(t *testing.T) {
	gcp := config.GCPConfig{
		ApplicationCredentials: "/tmp/creds",
	}

	opts := clientOptions(gcp)
	if len(opts) != 1 {
		t.Fatalf("expected 1 option when using credentials file, got %d", len(opts))
	}
}

func TestClientOptionsEmpty(t *testing.T) {
	gcp := config.GCPConfig{}

	opts := clientOptions(gcp)
	if len(opts) != 0 {
		t.Fatalf("expected 0 options when no credentials provided, got %d", len(opts))
	}
}
