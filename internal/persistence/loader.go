package persistence

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"BetChannel/internal/ledger"
)

// RecoveredChannel is a channel rebuilt from Postgres together with the
// previous link of its hash chain, so the caller can re-verify the head.
type RecoveredChannel struct {
	Channel  *ledger.Channel
	PrevHash [32]byte
}

// ChannelLoader rebuilds in-memory channels on startup.
type ChannelLoader struct {
	db *sql.DB
}

func NewChannelLoader(db *sql.DB) *ChannelLoader {
	return &ChannelLoader{db: db}
}

// LoadAll loads every channel with its bet history. Terminal channels are
// included so that repeated settle calls and queries keep working across
// restarts.
func (l *ChannelLoader) LoadAll(ctx context.Context) ([]RecoveredChannel, error) {
	rows, err := l.db.QueryContext(ctx, `
		SELECT channel_id, market_id, version, status, allocations, winning_outcome,
		       state_hash, settlement, abort_reason, created_at, updated_at
		FROM channels
		ORDER BY created_at ASC, channel_id ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("query channels: %w", err)
	}
	defer rows.Close()

	var (
		out   []RecoveredChannel
		index = make(map[string]int)
	)
	for rows.Next() {
		var (
			ch          ledger.Channel
			version     int64
			status      string
			allocs      []byte
			outcome     int
			stateHash   []byte
			settlement  []byte
			abortReason sql.NullString
		)
		if err := rows.Scan(
			&ch.ID, &ch.MarketID, &version, &status, &allocs, &outcome,
			&stateHash, &settlement, &abortReason, &ch.CreatedAt, &ch.UpdatedAt,
		); err != nil {
			return nil, fmt.Errorf("scan channel: %w", err)
		}

		ch.Version = uint64(version)
		if ch.Status, err = ledger.ParseStatus(status); err != nil {
			return nil, fmt.Errorf("channel %s: %w", ch.ID, err)
		}
		if err := json.Unmarshal(allocs, &ch.Allocations); err != nil {
			return nil, fmt.Errorf("channel %s allocations: %w", ch.ID, err)
		}
		ch.WinningOutcome = ledger.Outcome(outcome)
		if len(stateHash) != len(ch.StateHash) {
			return nil, fmt.Errorf("channel %s: state hash has %d bytes", ch.ID, len(stateHash))
		}
		copy(ch.StateHash[:], stateHash)
		if ch.Settlement, err = decodeSettlement(settlement); err != nil {
			return nil, fmt.Errorf("channel %s settlement: %w", ch.ID, err)
		}
		ch.AbortReason = abortReason.String
		ch.CreatedAt = ch.CreatedAt.UTC()
		ch.UpdatedAt = ch.UpdatedAt.UTC()

		index[ch.ID] = len(out)
		out = append(out, RecoveredChannel{Channel: &ch})
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	if err := l.loadHistory(ctx, out, index); err != nil {
		return nil, err
	}
	if err := l.loadPrevHashes(ctx, out, index); err != nil {
		return nil, err
	}
	return out, nil
}

func (l *ChannelLoader) loadHistory(ctx context.Context, out []RecoveredChannel, index map[string]int) error {
	rows, err := l.db.QueryContext(ctx, `
		SELECT channel_id, version, user_address, outcome, amount, request_id, applied_at
		FROM channel_history
		ORDER BY channel_id ASC, version ASC
	`)
	if err != nil {
		return fmt.Errorf("query history: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			channelID string
			version   int64
			outcome   int
			requestID sql.NullString
			h         ledger.HistoryEntry
		)
		if err := rows.Scan(&channelID, &version, &h.User, &outcome, &h.Amount, &requestID, &h.AppliedAt); err != nil {
			return fmt.Errorf("scan history: %w", err)
		}
		i, ok := index[channelID]
		if !ok {
			return fmt.Errorf("history for unknown channel %s", channelID)
		}
		h.Version = uint64(version)
		h.Outcome = ledger.Outcome(outcome)
		h.RequestID = requestID.String
		h.AppliedAt = h.AppliedAt.UTC()
		out[i].Channel.History = append(out[i].Channel.History, h)
	}
	return rows.Err()
}

// loadPrevHashes reads the prev_hash of each channel's head event.
func (l *ChannelLoader) loadPrevHashes(ctx context.Context, out []RecoveredChannel, index map[string]int) error {
	rows, err := l.db.QueryContext(ctx, `
		SELECT DISTINCT ON (channel_id) channel_id, version, prev_hash
		FROM channel_events
		ORDER BY channel_id, version DESC
	`)
	if err != nil {
		return fmt.Errorf("query chain heads: %w", err)
	}
	defer rows.Close()

	found := 0
	for rows.Next() {
		var (
			channelID string
			version   int64
			prev      []byte
		)
		if err := rows.Scan(&channelID, &version, &prev); err != nil {
			return fmt.Errorf("scan chain head: %w", err)
		}
		i, ok := index[channelID]
		if !ok {
			continue
		}
		ch := out[i].Channel
		if uint64(version) != ch.Version {
			return fmt.Errorf("channel %s: chain head at v%d, header at v%d", channelID, version, ch.Version)
		}
		copy(out[i].PrevHash[:], prev)
		found++
	}
	if err := rows.Err(); err != nil {
		return err
	}
	if found != len(out) {
		return fmt.Errorf("%d channels have no chain head", len(out)-found)
	}
	return nil
}
