package persistence

import (
	"context"
	"database/sql"
	"errors"
	"time"
)

// PostgresBetDedup resolves bet request ids against persisted history.
type PostgresBetDedup struct {
	db      *sql.DB
	timeout time.Duration
}

func NewPostgresBetDedup(db *sql.DB) *PostgresBetDedup {
	return &PostgresBetDedup{
		db:      db,
		timeout: 500 * time.Millisecond,
	}
}

// LookupBet returns the version a request id was applied at, if any.
func (d *PostgresBetDedup) LookupBet(ctx context.Context, channelID, requestID string) (uint64, bool, error) {
	ctx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()

	query := `
        SELECT version
        FROM channel_history
        WHERE channel_id = $1 AND request_id = $2
        LIMIT 1
    `

	var version int64
	err := d.db.QueryRowContext(ctx, query, channelID, requestID).Scan(&version)

	if errors.Is(err, sql.ErrNoRows) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}
	return uint64(version), true, nil
}
