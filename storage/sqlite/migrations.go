package sqlite

import (
	"context"
	"database/sql"
)

// Migrate creates all tables and indexes. It is idempotent.
func Migrate(ctx context.Context, db *sql.DB) error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS test_plans (
			id TEXT PRIMARY KEY,
			owner_id TEXT NOT NULL,
			doc_link TEXT NOT NULL,
			app_url TEXT NOT NULL,
			model_used TEXT NOT NULL DEFAULT '',
			plan_json TEXT NOT NULL,
			created_at INTEGER NOT NULL,
			updated_at INTEGER NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_test_plans_owner ON test_plans(owner_id, created_at)`,

		// No foreign key to test_plans: deleting a plan keeps its reports.
		`CREATE TABLE IF NOT EXISTS test_reports (
			id TEXT PRIMARY KEY,
			test_plan_id TEXT NOT NULL,
			owner_id TEXT NOT NULL,
			status TEXT NOT NULL,
			start_time INTEGER,
			end_time INTEGER,
			results_json TEXT,
			created_at INTEGER NOT NULL,
			version INTEGER NOT NULL DEFAULT 1
		)`,
		`CREATE INDEX IF NOT EXISTS idx_test_reports_owner ON test_reports(owner_id, created_at)`,
		`CREATE INDEX IF NOT EXISTS idx_test_reports_plan ON test_reports(test_plan_id)`,

		`CREATE TABLE IF NOT EXISTS users (
			id TEXT PRIMARY KEY,
			subscription_state TEXT NOT NULL DEFAULT '',
			quota_count INTEGER NOT NULL DEFAULT 0,
			window_start INTEGER NOT NULL DEFAULT 0,
			last_request INTEGER NOT NULL DEFAULT 0,
			version INTEGER NOT NULL DEFAULT 1
		)`,
	}

	for _, m := range migrations {
		if _, err := db.ExecContext(ctx, m); err != nil {
			return err
		}
	}
	return nil
}
