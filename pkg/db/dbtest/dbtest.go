// Package dbtest opens isolated in-memory SQLite databases carrying the billing
// schema so repository tests can exercise real SQL.
package dbtest

import (
	"fmt"
	"strings"
	"sync/atomic"
	"testing"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/angelmondragon/shopbilling/pkg/db"
	"github.com/angelmondragon/shopbilling/pkg/db/models"
)

var counter atomic.Int64

var schema = []string{
	`CREATE TABLE tenants (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		provider_customer_id TEXT,
		user_count INTEGER NOT NULL DEFAULT 0,
		shop_count INTEGER NOT NULL DEFAULT 0,
		feature_overrides TEXT,
		created_at DATETIME,
		updated_at DATETIME
	)`,
	`CREATE TABLE subscriptions (
		tenant_id TEXT PRIMARY KEY,
		plan_id TEXT NOT NULL,
		status TEXT NOT NULL,
		current_period_start DATETIME,
		current_period_end DATETIME,
		trial_end DATETIME,
		cancel_at_period_end BOOLEAN NOT NULL DEFAULT 0,
		provider_subscription_id TEXT NOT NULL,
		provider_customer_id TEXT NOT NULL,
		version INTEGER NOT NULL,
		last_event_id TEXT NOT NULL,
		last_event_at DATETIME,
		past_due_since DATETIME,
		canceled_at DATETIME,
		created_at DATETIME,
		updated_at DATETIME
	)`,
	`CREATE UNIQUE INDEX ux_subscriptions_provider_subscription_id ON subscriptions (provider_subscription_id)`,
	`CREATE TABLE billing_events (
		seq INTEGER PRIMARY KEY AUTOINCREMENT,
		event_id TEXT NOT NULL,
		tenant_id TEXT NOT NULL,
		type TEXT NOT NULL,
		provider_type TEXT NOT NULL,
		occurred_at DATETIME NOT NULL,
		payload BLOB NOT NULL,
		raw_payload BLOB,
		ingested_at DATETIME NOT NULL
	)`,
	`CREATE UNIQUE INDEX ux_billing_events_event_id ON billing_events (event_id)`,
	`CREATE TABLE reconciliation_results (
		id TEXT PRIMARY KEY,
		event_id TEXT NOT NULL,
		tenant_id TEXT NOT NULL,
		outcome TEXT NOT NULL,
		reason TEXT NOT NULL DEFAULT '',
		version INTEGER NOT NULL DEFAULT 0,
		processed_at DATETIME NOT NULL
	)`,
	`CREATE UNIQUE INDEX ux_reconciliation_results_event_id ON reconciliation_results (event_id)`,
	`CREATE TABLE subscription_transitions (
		id TEXT PRIMARY KEY,
		tenant_id TEXT NOT NULL,
		provider_subscription_id TEXT NOT NULL,
		from_status TEXT NOT NULL DEFAULT '',
		to_status TEXT NOT NULL,
		event_id TEXT NOT NULL,
		version INTEGER NOT NULL,
		occurred_at DATETIME NOT NULL,
		created_at DATETIME
	)`,
	`CREATE TABLE reconciliation_issues (
		id TEXT PRIMARY KEY,
		tenant_id TEXT,
		event_id TEXT NOT NULL DEFAULT '',
		reason TEXT NOT NULL,
		detail TEXT NOT NULL DEFAULT '',
		payload BLOB,
		created_at DATETIME,
		resolved_at DATETIME
	)`,
	`CREATE TABLE billing_commands (
		idempotency_key TEXT PRIMARY KEY,
		tenant_id TEXT NOT NULL,
		command TEXT NOT NULL,
		status TEXT NOT NULL,
		result BLOB,
		attempts INTEGER NOT NULL DEFAULT 0,
		last_error TEXT,
		created_at DATETIME,
		updated_at DATETIME
	)`,
	`CREATE TABLE metrics_snapshots (
		id TEXT PRIMARY KEY,
		window_label TEXT NOT NULL,
		version INTEGER NOT NULL,
		window_start DATETIME NOT NULL,
		window_end DATETIME NOT NULL,
		high_water_mark INTEGER NOT NULL,
		mrr TEXT NOT NULL,
		arr TEXT NOT NULL,
		churn_rate TEXT NOT NULL,
		retention_rate TEXT NOT NULL,
		figures BLOB NOT NULL,
		catalog_version TEXT NOT NULL,
		computed_at DATETIME NOT NULL,
		exported_at DATETIME
	)`,
	`CREATE UNIQUE INDEX ux_metrics_snapshots_window_version ON metrics_snapshots (window_label, version)`,
	`CREATE TABLE outbox_events (
		id TEXT PRIMARY KEY,
		event_type TEXT NOT NULL,
		aggregate_type TEXT NOT NULL,
		aggregate_id TEXT NOT NULL,
		payload BLOB NOT NULL,
		created_at DATETIME,
		published_at DATETIME,
		attempt_count INTEGER NOT NULL DEFAULT 0,
		last_error TEXT
	)`,
	`CREATE TABLE outbox_dlq (
		id TEXT PRIMARY KEY,
		event_id TEXT NOT NULL,
		event_type TEXT NOT NULL,
		aggregate_type TEXT NOT NULL,
		aggregate_id TEXT NOT NULL,
		payload_json BLOB NOT NULL,
		error_reason TEXT NOT NULL,
		error_message TEXT,
		attempt_count INTEGER NOT NULL DEFAULT 0,
		failed_at DATETIME,
		created_at DATETIME
	)`,
}

// Open returns a client bound to a fresh database. The pool is pinned to one
// connection so every statement sees the same in-memory database.
func Open(t testing.TB) *db.Client {
	t.Helper()

	name := strings.NewReplacer("/", "_", " ", "_").Replace(t.Name())
	dsn := fmt.Sprintf("file:%s_%d?mode=memory&cache=shared&_busy_timeout=5000", name, counter.Add(1))

	conn, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger:                 gormlogger.Default.LogMode(gormlogger.Silent),
		SkipDefaultTransaction: true,
	})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	sqlDB, err := conn.DB()
	if err != nil {
		t.Fatalf("sql handle: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })

	for _, stmt := range schema {
		if err := conn.Exec(stmt).Error; err != nil {
			t.Fatalf("apply schema: %v", err)
		}
	}
	return db.FromConn(conn)
}

// SeedTenants inserts directory rows, which production code only reads.
func SeedTenants(t testing.TB, client *db.Client, tenants ...models.Tenant) {
	t.Helper()
	for i := range tenants {
		if tenants[i].Name == "" {
			tenants[i].Name = tenants[i].ID
		}
		if err := client.DB().Create(&tenants[i]).Error; err != nil {
			t.Fatalf("seed tenant %s: %v", tenants[i].ID, err)
		}
	}
}
