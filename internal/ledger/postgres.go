package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

type postgresLedger struct {
	pool   *pgxpool.Pool
	window time.Duration
}

// NewPostgres returns a Ledger backed by the reminder_ledger table, so
// dedupe survives restarts. The schema is created by db.Migrate.
func NewPostgres(pool *pgxpool.Pool, window time.Duration) Ledger {
	return &postgresLedger{pool: pool, window: window}
}

// Claim upserts the stamp only when the stored one is at least one window
// old, making check-and-stamp a single statement.
func (l *postgresLedger) Claim(ctx context.Context, taskID int, now time.Time) (Claim, error) {
	now = now.UTC()
	var stamped time.Time
	err := l.pool.QueryRow(ctx, `
		INSERT INTO reminder_ledger (task_id, last_reminded_at)
		VALUES ($1, $2)
		ON CONFLICT (task_id) DO UPDATE
			SET last_reminded_at = EXCLUDED.last_reminded_at
			WHERE reminder_ledger.last_reminded_at <= $3
		RETURNING last_reminded_at`,
		taskID, now, now.Add(-l.window),
	).Scan(&stamped)
	if err == nil {
		return Claim{Claimed: true}, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return Claim{}, fmt.Errorf("claim task %d: %w", taskID, err)
	}

	var last time.Time
	if err := l.pool.QueryRow(ctx,
		`SELECT last_reminded_at FROM reminder_ledger WHERE task_id = $1`, taskID,
	).Scan(&last); err != nil {
		return Claim{}, fmt.Errorf("read ledger record for task %d: %w", taskID, err)
	}
	return Claim{Last: last.UTC()}, nil
}

func (l *postgresLedger) Sweep(ctx context.Context, now time.Time) (int, error) {
	tag, err := l.pool.Exec(ctx,
		`DELETE FROM reminder_ledger WHERE last_reminded_at <= $1`, now.UTC().Add(-l.window))
	if err != nil {
		return 0, fmt.Errorf("sweep ledger: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

func (l *postgresLedger) Size(ctx context.Context) (int, error) {
	var n int
	if err := l.pool.QueryRow(ctx, `SELECT COUNT(*) FROM reminder_ledger`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count ledger records: %w", err)
	}
	return n, nil
}
