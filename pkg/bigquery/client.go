package bigquery

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"strings"
	"time"

	"cloud.google.com/go/bigquery"
	"github.com/angelmondragon/shopbilling/pkg/config"
	"github.com/angelmondragon/shopbilling/pkg/logger"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"
)

const metadataCheckTimeout = 10 * time.Second

var (
	errProjectIDRequired    = errors.New("gcp project id is required")
	errDatasetRequired      = errors.New("bigquery dataset is required")
	errNoTables             = errors.New("no bigquery billing tables configured")
	errClientNotInitialized = errors.New("bigquery client not initialized")
)

// ErrUnknownTable is returned when rows target a table the client was not
// configured with. Only the metrics and change tables are writable.
var ErrUnknownTable = errors.New("bigquery table not configured")

// Client writes snapshot and change rows into the billing dataset.
type Client struct {
	client  *bigquery.Client
	dataset *bigquery.Dataset
	tables  map[string]*bigquery.Table
}

// Pinger is satisfied by Client; the worker uses it for readiness checks.
type Pinger interface {
	Ping(context.Context) error
}

// NewClient connects to the billing dataset and fails fast when the dataset
// or one of the configured tables is missing.
func NewClient(ctx context.Context, gcp config.GCPConfig, cfg config.BigQueryConfig, logg *logger.Logger) (*Client, error) {
	projectID := strings.TrimSpace(gcp.ProjectID)
	if projectID == "" {
		return nil, errProjectIDRequired
	}
	datasetID := strings.TrimSpace(cfg.Dataset)
	if datasetID == "" {
		return nil, errDatasetRequired
	}
	names := configuredTables(cfg)
	if len(names) == 0 {
		return nil, errNoTables
	}

	bq, err := bigquery.NewClient(ctx, projectID, clientOptions(gcp)...)
	if err != nil {
		return nil, fmt.Errorf("creating bigquery client: %w", err)
	}

	dataset := bq.Dataset(datasetID)
	c := &Client{
		client:  bq,
		dataset: dataset,
		tables:  make(map[string]*bigquery.Table, len(names)),
	}
	for _, name := range names {
		c.tables[name] = dataset.Table(name)
	}

	if err := c.Ping(ctx); err != nil {
		_ = bq.Close()
		return nil, err
	}

	if logg != nil {
		ctx = logg.WithFields(ctx, map[string]any{
			"dataset": datasetID,
			"tables":  strings.Join(names, ","),
		})
		logg.Info(ctx, "bigquery client initialized")
	}
	return c, nil
}

func clientOptions(gcp config.GCPConfig) []option.ClientOption {
	switch {
	case strings.TrimSpace(gcp.CredentialsJSON) != "":
		return []option.ClientOption{option.WithCredentialsJSON([]byte(gcp.CredentialsJSON))}
	case strings.TrimSpace(gcp.ApplicationCredentials) != "":
		return []option.ClientOption{option.WithCredentialsFile(gcp.ApplicationCredentials)}
	}
	return nil
}

// configuredTables returns the trimmed, de-duplicated table names in a stable
// order.
func configuredTables(cfg config.BigQueryConfig) []string {
	seen := map[string]struct{}{}
	var out []string
	for _, name := range []string{cfg.MetricsTable, cfg.ChangesTable} {
		name = strings.TrimSpace(name)
		if name == "" {
			continue
		}
		if _, ok := seen[name]; ok {
			continue
		}
		seen[name] = struct{}{}
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// Ping checks that the dataset and every configured table are reachable.
func (c *Client) Ping(ctx context.Context) error {
	if c == nil || c.dataset == nil {
		return errClientNotInitialized
	}

	ctx, cancel := context.WithTimeout(ctx, metadataCheckTimeout)
	defer cancel()

	if _, err := c.dataset.Metadata(ctx); err != nil {
		if isNotFound(err) {
			return fmt.Errorf("dataset %q does not exist", c.dataset.DatasetID)
		}
		return fmt.Errorf("checking dataset %q: %w", c.dataset.DatasetID, err)
	}
	for name, table := range c.tables {
		if _, err := table.Metadata(ctx); err != nil {
			if isNotFound(err) {
				return fmt.Errorf("table %q does not exist", name)
			}
			return fmt.Errorf("checking table %q: %w", name, err)
		}
	}
	return nil
}

// InsertRows streams rows into one of the configured tables. Rows that carry
// an InsertID (bigquery.StructSaver) are deduplicated by BigQuery on retry.
func (c *Client) InsertRows(ctx context.Context, table string, rows []any) error {
	if c == nil || c.client == nil {
		return errClientNotInitialized
	}
	if len(rows) == 0 {
		return nil
	}
	t, ok := c.tables[strings.TrimSpace(table)]
	if !ok {
		return fmt.Errorf("%w: %q", ErrUnknownTable, table)
	}
	return t.Inserter().Put(ctx, rows)
}

func (c *Client) Close() error {
	if c == nil || c.client == nil {
		return nil
	}
	return c.client.Close()
}

func isNotFound(err error) bool {
	var apiErr *googleapi.Error
	return errors.As(err, &apiErr) && apiErr.Code == http.StatusNotFound
}
