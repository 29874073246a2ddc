package db

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"
)

// Supported drivers
const (
	DriverSQLite   = "sqlite3"
	DriverPostgres = "postgres"
)

// DB wraps the connection pool. Queries are written with `?` placeholders
// and passed through Rebind so the same SQL runs on sqlite and postgres.
type DB struct {
	*sqlx.DB
	Driver string
}

// Open opens a database for the given driver and DSN
func Open(driver, dsn string) (*DB, error) {
	switch driver {
	case DriverSQLite:
		return openSQLite(dsn)
	case DriverPostgres:
		db, err := sqlx.Open(DriverPostgres, dsn)
		if err != nil {
			return nil, fmt.Errorf("failed to open database: %w", err)
		}
		if err := db.Ping(); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to connect to database: %w", err)
		}
		return &DB{DB: db, Driver: driver}, nil
	default:
		return nil, fmt.Errorf("unsupported database driver %q", driver)
	}
}

func openSQLite(path string) (*DB, error) {
	if path != ":memory:" && !strings.HasPrefix(path, "file:") {
		// Ensure directory exists
		dir := filepath.Dir(path)
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
		path += "?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=on"
	}

	db, err := sqlx.Open(DriverSQLite, path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// A single writer avoids SQLITE_BUSY between dispatch loops; row-level
	// atomicity comes from conditional updates, not from this limit.
	db.SetMaxOpenConns(1)

	// Enable foreign keys
	if _, err := db.Exec("PRAGMA foreign_keys = ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable foreign keys: %w", err)
	}

	return &DB{DB: db, Driver: DriverSQLite}, nil
}

// Migrate creates the schema if it does not exist
func (db *DB) Migrate() error {
	migrations := []string{
		migrationInstances,
		migrationCampaigns,
		migrationLeads,
		migrationCampaignInstances,
		migrationMessageLogs,
		migrationMessageStatusHistory,
		migrationCampaignStats,
	}

	for _, m := range migrations {
		for _, stmt := range splitStatements(m) {
			if _, err := db.Exec(stmt); err != nil {
				return fmt.Errorf("migration failed: %w", err)
			}
		}
	}

	return nil
}

func splitStatements(m string) []string {
	var out []string
	for _, s := range strings.Split(m, ";") {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}

const migrationInstances = `
CREATE TABLE IF NOT EXISTS instances (
    id TEXT PRIMARY KEY,
    name TEXT UNIQUE NOT NULL,
    created_at TIMESTAMP NOT NULL,
    updated_at TIMESTAMP NOT NULL
);
`

const migrationCampaigns = `
CREATE TABLE IF NOT EXISTS campaigns (
    id TEXT PRIMARY KEY,
    user_id TEXT NOT NULL DEFAULT '',
    name TEXT NOT NULL,
    message TEXT NOT NULL DEFAULT '',
    media_url TEXT NOT NULL DEFAULT '',
    media_type TEXT NOT NULL DEFAULT '',
    min_delay INTEGER NOT NULL DEFAULT 5,
    max_delay INTEGER NOT NULL DEFAULT 15,
    use_rotation BOOLEAN NOT NULL DEFAULT FALSE,
    rotation_strategy TEXT NOT NULL DEFAULT 'RANDOM',
    max_messages_per_instance INTEGER,
    instance_id TEXT REFERENCES instances(id),
    status TEXT NOT NULL DEFAULT 'draft',
    progress INTEGER NOT NULL DEFAULT 0,
    run_id TEXT NOT NULL DEFAULT '',
    started_at TIMESTAMP,
    completed_at TIMESTAMP,
    created_at TIMESTAMP NOT NULL,
    updated_at TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_campaigns_status ON campaigns(status);
`

const migrationLeads = `
CREATE TABLE IF NOT EXISTS leads (
    id TEXT PRIMARY KEY,
    campaign_id TEXT NOT NULL REFERENCES campaigns(id) ON DELETE CASCADE,
    phone TEXT NOT NULL,
    name TEXT NOT NULL DEFAULT '',
    position INTEGER NOT NULL,
    status TEXT NOT NULL DEFAULT 'PENDING',
    message_id TEXT,
    media_message_id TEXT,
    failure_reason TEXT,
    processing_at TIMESTAMP,
    sent_at TIMESTAMP,
    delivered_at TIMESTAMP,
    read_at TIMESTAMP,
    failed_at TIMESTAMP,
    created_at TIMESTAMP NOT NULL,
    updated_at TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_leads_campaign_status ON leads(campaign_id, status, position);
CREATE INDEX IF NOT EXISTS idx_leads_message_id ON leads(message_id);
`

const migrationCampaignInstances = `
CREATE TABLE IF NOT EXISTS campaign_instances (
    id TEXT PRIMARY KEY,
    campaign_id TEXT NOT NULL REFERENCES campaigns(id) ON DELETE CASCADE,
    instance_id TEXT NOT NULL REFERENCES instances(id) ON DELETE CASCADE,
    priority INTEGER NOT NULL DEFAULT 0,
    messages_sent INTEGER NOT NULL DEFAULT 0,
    max_messages INTEGER,
    last_used_at TIMESTAMP,
    is_active BOOLEAN NOT NULL DEFAULT TRUE,
    created_at TIMESTAMP NOT NULL,
    UNIQUE(campaign_id, instance_id)
);
CREATE INDEX IF NOT EXISTS idx_campaign_instances_campaign ON campaign_instances(campaign_id);
`

const migrationMessageLogs = `
CREATE TABLE IF NOT EXISTS message_logs (
    id TEXT PRIMARY KEY,
    message_id TEXT UNIQUE NOT NULL,
    campaign_id TEXT NOT NULL REFERENCES campaigns(id) ON DELETE CASCADE,
    lead_id TEXT NOT NULL REFERENCES leads(id) ON DELETE CASCADE,
    instance_id TEXT NOT NULL,
    phone TEXT NOT NULL,
    message_type TEXT NOT NULL,
    content TEXT NOT NULL DEFAULT '',
    status TEXT NOT NULL,
    sent_at TIMESTAMP,
    delivered_at TIMESTAMP,
    read_at TIMESTAMP,
    failed_at TIMESTAMP,
    created_at TIMESTAMP NOT NULL,
    updated_at TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_message_logs_lead ON message_logs(lead_id);
`

const migrationMessageStatusHistory = `
CREATE TABLE IF NOT EXISTS message_status_history (
    id TEXT PRIMARY KEY,
    message_id TEXT NOT NULL REFERENCES message_logs(message_id) ON DELETE CASCADE,
    status TEXT NOT NULL,
    raw_status TEXT NOT NULL DEFAULT '',
    recorded_at TIMESTAMP NOT NULL,
    seq INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_message_status_history_message ON message_status_history(message_id, seq);
`

const migrationCampaignStats = `
CREATE TABLE IF NOT EXISTS campaign_stats (
    campaign_id TEXT PRIMARY KEY REFERENCES campaigns(id) ON DELETE CASCADE,
    total_leads INTEGER NOT NULL DEFAULT 0,
    pending_count INTEGER NOT NULL DEFAULT 0,
    processing_count INTEGER NOT NULL DEFAULT 0,
    sent_count INTEGER NOT NULL DEFAULT 0,
    delivered_count INTEGER NOT NULL DEFAULT 0,
    read_count INTEGER NOT NULL DEFAULT 0,
    failed_count INTEGER NOT NULL DEFAULT 0,
    updated_at TIMESTAMP NOT NULL
);
`
