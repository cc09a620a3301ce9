// Package credit meters paid OCR usage against a local sqlite ledger.
//
// Authorization is a pure balance check performed before any network
// cost is incurred; settlement deducts only the units actually
// completed, so partial chunk failure charges the user only for pages
// genuinely produced. An unlimited-admin sentinel balance bypasses both
// check and deduction but still accrues usage history.
package credit

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/paperlane/paperlane/dbopen"
)

// AdminBalance is the sentinel ledger balance meaning "unlimited".
const AdminBalance = -1

// ErrInsufficient is returned when the balance cannot cover a request.
var ErrInsufficient = errors.New("insufficient credit")

// Config configures a Gate.
type Config struct {
	// Path of the sqlite ledger database.
	Path string

	// UnitPrice is the cost per billable unit (one page).
	// Default: 55.
	UnitPrice int64

	// InitialBalance seeds the ledger the first time the database is
	// created. Use AdminBalance for an unlimited account.
	InitialBalance int64

	Logger *slog.Logger
}

func (c *Config) defaults() {
	if c.UnitPrice <= 0 {
		c.UnitPrice = 55
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

// Authorization is the result of a pre-flight balance check.
type Authorization struct {
	OK           bool
	RequiredCost int64
	Reason       string
}

// Settlement reports a completed deduction.
type Settlement struct {
	Deducted  int64
	Remaining int64
}

// Gate is the credit ledger front. Safe for concurrent use; sqlite
// serializes writers.
type Gate struct {
	db     *sql.DB
	cfg    Config
	logger *slog.Logger
}

const schema = `
CREATE TABLE IF NOT EXISTS ledger (
	id INTEGER PRIMARY KEY CHECK (id = 1),
	balance INTEGER NOT NULL,
	unit_price INTEGER NOT NULL,
	updated_at INTEGER NOT NULL
);
CREATE TABLE IF NOT EXISTS usage_history (
	usage_id TEXT PRIMARY KEY,
	filename TEXT NOT NULL,
	units INTEGER NOT NULL,
	cost INTEGER NOT NULL,
	created_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_usage_created ON usage_history(created_at);
`

// Open opens (creating if needed) the ledger database.
func Open(ctx context.Context, cfg Config) (*Gate, error) {
	cfg.defaults()
	if cfg.Path == "" {
		return nil, errors.New("credit: ledger path required")
	}

	db, err := dbopen.Open(cfg.Path, dbopen.WithMkdirAll(), dbopen.WithSchema(schema))
	if err != nil {
		return nil, fmt.Errorf("open ledger: %w", err)
	}
	_, err = dbopen.Exec(ctx, db, `
		INSERT INTO ledger (id, balance, unit_price, updated_at)
		VALUES (1, ?, ?, ?)
		ON CONFLICT (id) DO NOTHING`,
		cfg.InitialBalance, cfg.UnitPrice, time.Now().Unix())
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("seed ledger: %w", err)
	}

	return &Gate{db: db, cfg: cfg, logger: cfg.Logger}, nil
}

// Close releases the underlying database.
func (g *Gate) Close() error { return g.db.Close() }

// Balance returns the current ledger balance. AdminBalance means
// unlimited.
func (g *Gate) Balance(ctx context.Context) (int64, error) {
	var balance int64
	err := g.db.QueryRowContext(ctx, `SELECT balance FROM ledger WHERE id = 1`).Scan(&balance)
	if err != nil {
		return 0, fmt.Errorf("read balance: %w", err)
	}
	return balance, nil
}

// UnitPrice returns the configured per-unit price.
func (g *Gate) UnitPrice() int64 { return g.cfg.UnitPrice }

// Authorize checks whether the balance covers unitCount units. It
// never mutates the ledger. Admin accounts always authorize at zero
// cost.
func (g *Gate) Authorize(ctx context.Context, unitCount int) (Authorization, error) {
	balance, err := g.Balance(ctx)
	if err != nil {
		return Authorization{}, err
	}
	if balance == AdminBalance {
		return Authorization{OK: true}, nil
	}
	cost := int64(unitCount) * g.cfg.UnitPrice
	if balance < cost {
		return Authorization{
			OK:           false,
			RequiredCost: cost,
			Reason:       fmt.Sprintf("need %d, balance %d", cost, balance),
		}, nil
	}
	return Authorization{OK: true, RequiredCost: cost}, nil
}

// Settle deducts exactly unitsCompleted × unit price after work has
// finished, recording a usage row labelled with the source filename.
// Admin accounts skip the deduction but still accrue the usage record.
// Settling more than the balance covers returns ErrInsufficient; by
// construction this cannot happen when Authorize preceded the work.
func (g *Gate) Settle(ctx context.Context, unitsCompleted int, label string) (Settlement, error) {
	if unitsCompleted <= 0 {
		bal, err := g.Balance(ctx)
		return Settlement{Remaining: bal}, err
	}

	var deducted, remaining int64
	err := dbopen.RunTx(ctx, g.db, func(tx *sql.Tx) error {
		var balance int64
		if err := tx.QueryRowContext(ctx, `SELECT balance FROM ledger WHERE id = 1`).Scan(&balance); err != nil {
			return fmt.Errorf("settle read: %w", err)
		}

		cost := int64(unitsCompleted) * g.cfg.UnitPrice
		remaining = balance
		deducted = cost
		if balance == AdminBalance {
			deducted = 0
		} else {
			if balance < cost {
				return fmt.Errorf("settle %d units: %w", unitsCompleted, ErrInsufficient)
			}
			remaining = balance - cost
			_, err := tx.ExecContext(ctx, `
				UPDATE ledger SET balance = ?, updated_at = ? WHERE id = 1`,
				remaining, time.Now().Unix())
			if err != nil {
				return fmt.Errorf("settle update: %w", err)
			}
		}

		_, err := tx.ExecContext(ctx, `
			INSERT INTO usage_history (usage_id, filename, units, cost, created_at)
			VALUES (?, ?, ?, ?, ?)`,
			"use_"+uuid.NewString(), label, unitsCompleted, deducted, time.Now().Unix())
		if err != nil {
			return fmt.Errorf("settle usage: %w", err)
		}
		return nil
	})
	if err != nil {
		return Settlement{}, err
	}

	g.logger.Debug("credit settled", "file", label, "units", unitsCompleted, "deducted", deducted, "remaining", remaining)
	return Settlement{Deducted: deducted, Remaining: remaining}, nil
}

// AddCredits tops up the balance. No-op for admin accounts.
func (g *Gate) AddCredits(ctx context.Context, amount int64) error {
	if amount <= 0 {
		return errors.New("credit: amount must be positive")
	}
	_, err := dbopen.Exec(ctx, g.db, `
		UPDATE ledger SET balance = balance + ?, updated_at = ?
		WHERE id = 1 AND balance != ?`,
		amount, time.Now().Unix(), AdminBalance)
	if err != nil {
		return fmt.Errorf("add credits: %w", err)
	}
	return nil
}

// UsageRecord is one settled conversion.
type UsageRecord struct {
	ID        string
	Filename  string
	Units     int
	Cost      int64
	CreatedAt time.Time
}

// UsageHistory returns the most recent usage records, newest first.
func (g *Gate) UsageHistory(ctx context.Context, limit int) ([]UsageRecord, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := g.db.QueryContext(ctx, `
		SELECT usage_id, filename, units, cost, created_at
		FROM usage_history ORDER BY created_at DESC, usage_id LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("usage history: %w", err)
	}
	defer rows.Close()

	var out []UsageRecord
	for rows.Next() {
		var r UsageRecord
		var ts int64
		if err := rows.Scan(&r.ID, &r.Filename, &r.Units, &r.Cost, &ts); err != nil {
			return nil, fmt.Errorf("usage scan: %w", err)
		}
		r.CreatedAt = time.Unix(ts, 0)
		out = append(out, r)
	}
	return out, rows.Err()
}
