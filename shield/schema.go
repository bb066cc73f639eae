package shield

import (
	"context"
	"database/sql"

	"github.com/hazyhaar/sitefinder/dbopen"
)

// Schema holds the rate_limits table read by RateLimiter. Idempotent.
const Schema = `
CREATE TABLE IF NOT EXISTS rate_limits (
    endpoint       TEXT PRIMARY KEY,
    max_requests   INTEGER NOT NULL DEFAULT 60,
    window_seconds INTEGER NOT NULL DEFAULT 60,
    enabled        INTEGER NOT NULL DEFAULT 1
);
`

// Init creates the shield tables if they don't exist.
func Init(db *sql.DB) error {
	_, err := db.Exec(Schema)
	return err
}

// Rule is one rate_limits row. Endpoint is "METHOD /path".
type Rule struct {
	Endpoint      string
	MaxRequests   int
	WindowSeconds int
	Enabled       bool
}

// SeedRules inserts rules that are not in the table yet, enabled. Rows
// edited by an operator are left alone.
func SeedRules(ctx context.Context, db *sql.DB, rules []Rule) error {
	return dbopen.RunTx(ctx, db, func(tx *sql.Tx) error {
		for _, r := range rules {
			if _, err := tx.ExecContext(ctx,
				`INSERT OR IGNORE INTO rate_limits (endpoint, max_requests, window_seconds, enabled) VALUES (?, ?, ?, 1)`,
				r.Endpoint, r.MaxRequests, r.WindowSeconds); err != nil {
				return err
			}
		}
		return nil
	})
}
