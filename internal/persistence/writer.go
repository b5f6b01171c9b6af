package persistence

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"BetChannel/internal/core"
	"BetChannel/internal/ledger"

	"github.com/google/uuid"
)

// execer is satisfied by *sql.DB and *sql.Tx.
type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// ChannelRow is the latest known header of a channel.
type ChannelRow struct {
	ChannelID      string
	MarketID       string
	Version        int64
	Status         string
	Allocations    []byte // JSON
	WinningOutcome int
	StateHash      []byte
	Settlement     []byte // JSON, nil until settled
	AbortReason    sql.NullString
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// HistoryRow is one accepted bet.
type HistoryRow struct {
	ChannelID string
	Version   int64
	User      string
	Outcome   int
	Amount    int64
	RequestID sql.NullString
	AppliedAt time.Time
}

// EventRow is one entry of the per-channel hash chain.
type EventRow struct {
	EventID   uuid.UUID
	ChannelID string
	Version   int64
	EventType string
	Payload   []byte // JSON
	StateHash []byte
	PrevHash  []byte
	CreatedAt time.Time
}

// Transition is everything written for one accepted channel transition.
type Transition struct {
	Channel ChannelRow
	History *HistoryRow
	Event   EventRow
}

// TransitionFromOutput flattens a manager output into table rows.
func TransitionFromOutput(out core.Output) (Transition, error) {
	ch := out.Channel
	env := out.Envelope
	if ch == nil {
		return Transition{}, fmt.Errorf("output for %s v%d has no channel header", env.ChannelID, env.Version)
	}

	allocs, err := json.Marshal(ch.Allocations)
	if err != nil {
		return Transition{}, fmt.Errorf("marshal allocations: %w", err)
	}
	payload, err := json.Marshal(env.Payload)
	if err != nil {
		return Transition{}, fmt.Errorf("marshal %s payload: %w", env.EventType, err)
	}

	row := ChannelRow{
		ChannelID:      ch.ID,
		MarketID:       ch.MarketID,
		Version:        int64(ch.Version),
		Status:         ch.Status.String(),
		Allocations:    allocs,
		WinningOutcome: int(ch.WinningOutcome),
		StateHash:      ch.StateHash[:],
		CreatedAt:      ch.CreatedAt,
		UpdatedAt:      ch.UpdatedAt,
	}
	if ch.Settlement != nil {
		if row.Settlement, err = json.Marshal(ch.Settlement); err != nil {
			return Transition{}, fmt.Errorf("marshal settlement: %w", err)
		}
	}
	if ch.AbortReason != "" {
		row.AbortReason = sql.NullString{String: ch.AbortReason, Valid: true}
	}

	t := Transition{
		Channel: row,
		Event: EventRow{
			EventID:   env.EventID,
			ChannelID: env.ChannelID,
			Version:   int64(env.Version),
			EventType: env.EventType.String(),
			Payload:   payload,
			StateHash: env.StateHash[:],
			PrevHash:  env.PrevHash[:],
			CreatedAt: env.Timestamp,
		},
	}

	if e := out.Entry; e != nil {
		t.History = &HistoryRow{
			ChannelID: ch.ID,
			Version:   int64(e.Version),
			User:      e.User,
			Outcome:   int(e.Outcome),
			Amount:    e.Amount,
			RequestID: sql.NullString{String: e.RequestID, Valid: e.RequestID != ""},
			AppliedAt: e.AppliedAt,
		}
	}
	return t, nil
}

// ChannelWriter writes transitions to Postgres using multi-row INSERTs.
// Every statement is idempotent so a retried batch is harmless.
type ChannelWriter struct {
	db *sql.DB
}

func NewChannelWriter(db *sql.DB) *ChannelWriter {
	return &ChannelWriter{db: db}
}

// WriteBatch writes a batch of transitions in one transaction.
func (w *ChannelWriter) WriteBatch(ctx context.Context, batch []Transition) error {
	if len(batch) == 0 {
		return nil
	}

	tx, err := w.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	channels := make([]ChannelRow, 0, len(batch))
	history := make([]HistoryRow, 0, len(batch))
	events := make([]EventRow, 0, len(batch))
	for _, t := range batch {
		channels = append(channels, t.Channel)
		if t.History != nil {
			history = append(history, *t.History)
		}
		events = append(events, t.Event)
	}

	if err := w.UpsertChannels(ctx, tx, channels); err != nil {
		return fmt.Errorf("upsert channels: %w", err)
	}
	if err := w.InsertHistory(ctx, tx, history); err != nil {
		return fmt.Errorf("insert history: %w", err)
	}
	if err := w.InsertEvents(ctx, tx, events); err != nil {
		return fmt.Errorf("insert events: %w", err)
	}

	return tx.Commit()
}

// UpsertChannels writes channel headers. A row only moves forward: an older
// version arriving after a newer one is ignored.
func (w *ChannelWriter) UpsertChannels(ctx context.Context, ex execer, rows []ChannelRow) error {
	rows = UpsertOrder(rows)
	if len(rows) == 0 {
		return nil
	}

	query := `INSERT INTO channels
		(channel_id, market_id, version, status, allocations, winning_outcome,
		 state_hash, settlement, abort_reason, created_at, updated_at)
		VALUES `

	values := make([]string, 0, len(rows))
	args := make([]any, 0, len(rows)*11)

	for i, r := range rows {
		base := i * 11
		values = append(values, fmt.Sprintf(
			"($%d, $%d, $%d, $%d, $%d, $%d, $%d, $%d, $%d, $%d, $%d)",
			base+1, base+2, base+3, base+4, base+5, base+6,
			base+7, base+8, base+9, base+10, base+11,
		))
		args = append(args,
			r.ChannelID, r.MarketID, r.Version, r.Status, r.Allocations, r.WinningOutcome,
			r.StateHash, nullJSON(r.Settlement), r.AbortReason, r.CreatedAt, r.UpdatedAt,
		)
	}

	query += strings.Join(values, ", ")
	query += ` ON CONFLICT (channel_id) DO UPDATE SET
			version         = EXCLUDED.version,
			status          = EXCLUDED.status,
			allocations     = EXCLUDED.allocations,
			winning_outcome = EXCLUDED.winning_outcome,
			state_hash      = EXCLUDED.state_hash,
			settlement      = EXCLUDED.settlement,
			abort_reason    = EXCLUDED.abort_reason,
			updated_at      = EXCLUDED.updated_at
		WHERE channels.version < EXCLUDED.version`

	_, err := ex.ExecContext(ctx, query, args...)
	return err
}

// InsertHistory appends accepted bets.
func (w *ChannelWriter) InsertHistory(ctx context.Context, ex execer, rows []HistoryRow) error {
	if len(rows) == 0 {
		return nil
	}

	query := `INSERT INTO channel_history
		(channel_id, version, user_address, outcome, amount, request_id, applied_at)
		VALUES `

	values := make([]string, 0, len(rows))
	args := make([]any, 0, len(rows)*7)

	for i, r := range rows {
		base := i * 7
		values = append(values, fmt.Sprintf(
			"($%d, $%d, $%d, $%d, $%d, $%d, $%d)",
			base+1, base+2, base+3, base+4, base+5, base+6, base+7,
		))
		args = append(args, r.ChannelID, r.Version, r.User, r.Outcome, r.Amount, r.RequestID, r.AppliedAt)
	}

	query += strings.Join(values, ", ")
	query += " ON CONFLICT DO NOTHING"

	_, err := ex.ExecContext(ctx, query, args...)
	return err
}

// InsertEvents appends hash-chain entries.
func (w *ChannelWriter) InsertEvents(ctx context.Context, ex execer, rows []EventRow) error {
	if len(rows) == 0 {
		return nil
	}

	query := `INSERT INTO channel_events
		(event_id, channel_id, version, event_type, payload, state_hash, prev_hash, created_at)
		VALUES `

	values := make([]string, 0, len(rows))
	args := make([]any, 0, len(rows)*8)

	for i, r := range rows {
		base := i * 8
		values = append(values, fmt.Sprintf(
			"($%d, $%d, $%d, $%d, $%d, $%d, $%d, $%d)",
			base+1, base+2, base+3, base+4, base+5, base+6, base+7, base+8,
		))
		args = append(args,
			r.EventID, r.ChannelID, r.Version, r.EventType,
			r.Payload, r.StateHash, r.PrevHash, r.CreatedAt,
		)
	}

	query += strings.Join(values, ", ")
	query += " ON CONFLICT DO NOTHING"

	_, err := ex.ExecContext(ctx, query, args...)
	return err
}

// UpsertOrder keeps the highest version of each channel, since Postgres
// rejects an upsert that touches the same key twice. Settled and aborted rows
// go first so a market's closing channel leaves idx_channels_active_market
// before its successor's open row is inserted in the same statement.
// Otherwise rows keep the position where their channel first appeared.
func UpsertOrder(rows []ChannelRow) []ChannelRow {
	idx := make(map[string]int, len(rows))
	out := make([]ChannelRow, 0, len(rows))
	for _, r := range rows {
		i, seen := idx[r.ChannelID]
		if !seen {
			idx[r.ChannelID] = len(out)
			out = append(out, r)
			continue
		}
		if r.Version > out[i].Version {
			out[i] = r
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		return terminalRow(out[i]) && !terminalRow(out[j])
	})
	return out
}

func terminalRow(r ChannelRow) bool {
	st, err := ledger.ParseStatus(r.Status)
	return err == nil && st.Terminal()
}

func nullJSON(b []byte) any {
	if b == nil {
		return nil
	}
	return b
}

// decodeSettlement is the inverse of the settlement column encoding.
func decodeSettlement(b []byte) (*ledger.SettlementResult, error) {
	if len(b) == 0 {
		return nil, nil
	}
	var s ledger.SettlementResult
	if err := json.Unmarshal(b, &s); err != nil {
		return nil, err
	}
	return &s, nil
}
