package server

import (
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"BetChannel/internal/core"
	"BetChannel/internal/ledger"
	"BetChannel/internal/settlement"

	"github.com/grpc-ecosystem/grpc-gateway/v2/runtime"
	"google.golang.org/grpc/codes"
)

// maxBodyBytes bounds request bodies.
const maxBodyBytes = 1 << 20

// errBadRequest marks malformed HTTP input.
var errBadRequest = errors.New("bad request")

type apiFunc func(r *http.Request, params map[string]string) (interface{}, error)

type apiHandlers struct {
	deps *ServerDeps
}

type route struct {
	method   string
	pattern  string
	endpoint string
	status   int
	fn       apiFunc
}

func (a *apiHandlers) register(mux *runtime.ServeMux) error {
	routes := []route{
		{"POST", "/v1/channels", "open_channel", http.StatusCreated, a.openChannel},
		{"GET", "/v1/channels", "list_channels", http.StatusOK, a.listChannels},
		{"GET", "/v1/channels/{channel_id}", "get_channel", http.StatusOK, a.getChannel},
		{"GET", "/v1/markets/{market_id}/channel", "active_channel", http.StatusOK, a.activeChannel},
		{"POST", "/v1/channels/{channel_id}/bets", "apply_bet", http.StatusOK, a.applyBet},
		{"POST", "/v1/channels/{channel_id}/deposits", "deposit", http.StatusOK, a.deposit},
		{"POST", "/v1/channels/{channel_id}/finalize", "begin_finalize", http.StatusOK, a.beginFinalize},
		{"POST", "/v1/channels/{channel_id}/settle", "finalize_and_settle", http.StatusOK, a.settle},
		{"GET", "/v1/channels/{channel_id}/pool", "get_pool", http.StatusOK, a.getPool},
		{"GET", "/v1/channels/{channel_id}/positions", "preview_positions", http.StatusOK, a.previewPositions},
		{"GET", "/v1/channels/{channel_id}/history", "get_history", http.StatusOK, a.getHistory},
		{"GET", "/v1/channels/{channel_id}/batch", "pending_batch", http.StatusOK, a.pendingBatch},
		{"GET", "/v1/channels/{channel_id}/batches/{batch_id}", "archived_batch", http.StatusOK, a.archivedBatch},
		{"GET", "/v1/admin/channels/{channel_id}/integrity", "verify_integrity", http.StatusOK, a.verifyIntegrity},
		{"POST", "/v1/admin/projections/rebuild", "rebuild_projections", http.StatusOK, a.rebuildProjections},
	}

	for _, rt := range routes {
		if err := mux.HandlePath(rt.method, rt.pattern, a.wrap(rt)); err != nil {
			return fmt.Errorf("register %s %s: %w", rt.method, rt.pattern, err)
		}
	}
	return nil
}

func (a *apiHandlers) wrap(rt route) runtime.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request, params map[string]string) {
		start := time.Now()
		m := a.deps.Metrics
		m.QueryRequests.WithLabelValues(rt.endpoint).Inc()
		defer func() {
			m.QueryDuration.WithLabelValues(rt.endpoint).Observe(time.Since(start).Seconds())
		}()

		resp, err := rt.fn(r, params)
		if err != nil {
			code := codeFor(err)
			if errors.Is(err, errBadRequest) {
				code = codes.InvalidArgument
			}
			m.QueryErrors.WithLabelValues(rt.endpoint, code.String()).Inc()
			if code == codes.Internal {
				a.deps.Logger.Error().Err(err).Str("endpoint", rt.endpoint).Msg("request failed")
			}
			writeJSON(w, runtime.HTTPStatusFromCode(code), errorBody{Error: err.Error(), Code: code.String()})
			return
		}
		writeJSON(w, rt.status, resp)
	}
}

type errorBody struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func decodeBody(r *http.Request, v interface{}) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("%w: decode body: %v", errBadRequest, err)
	}
	return nil
}

// ============================================================================
// Commands
// ============================================================================

type openChannelRequest struct {
	MarketID     string               `json:"market_id"`
	Participants []ledger.Participant `json:"participants"`
}

func (a *apiHandlers) openChannel(r *http.Request, _ map[string]string) (interface{}, error) {
	var req openChannelRequest
	if err := decodeBody(r, &req); err != nil {
		return nil, err
	}
	ch, err := a.deps.Commands.OpenChannel(r.Context(), req.MarketID, req.Participants)
	if err != nil {
		return nil, err
	}
	return a.deps.QueryService.GetChannel(r.Context(), ch.ID)
}

type applyBetRequest struct {
	MarketID        string  `json:"market_id"`
	User            string  `json:"user"`
	Outcome         *int    `json:"outcome"`
	Amount          int64   `json:"amount"`
	RequestID       string  `json:"request_id"`
	ExpectedVersion *uint64 `json:"expected_version"`
}

type versionResponse struct {
	ChannelID string `json:"channel_id"`
	Version   uint64 `json:"version"`
}

func (a *apiHandlers) applyBet(r *http.Request, p map[string]string) (interface{}, error) {
	var req applyBetRequest
	if err := decodeBody(r, &req); err != nil {
		return nil, err
	}
	if req.Outcome == nil {
		return nil, fmt.Errorf("%w: outcome is required", errBadRequest)
	}
	channelID := p["channel_id"]
	marketID := req.MarketID
	if marketID == "" {
		v, err := a.deps.QueryService.GetChannel(r.Context(), channelID)
		if err != nil {
			return nil, err
		}
		marketID = v.MarketID
	}

	version, err := a.deps.Commands.ApplyBet(r.Context(), channelID, ledger.Bet{
		MarketID:        marketID,
		User:            req.User,
		Outcome:         ledger.Outcome(*req.Outcome),
		Amount:          req.Amount,
		RequestID:       req.RequestID,
		ExpectedVersion: req.ExpectedVersion,
	})
	if err != nil {
		return nil, err
	}
	return versionResponse{ChannelID: channelID, Version: version}, nil
}

type depositRequest struct {
	Participant string `json:"participant"`
	Amount      int64  `json:"amount"`
}

func (a *apiHandlers) deposit(r *http.Request, p map[string]string) (interface{}, error) {
	var req depositRequest
	if err := decodeBody(r, &req); err != nil {
		return nil, err
	}
	version, err := a.deps.Commands.Deposit(r.Context(), p["channel_id"], req.Participant, req.Amount)
	if err != nil {
		return nil, err
	}
	return versionResponse{ChannelID: p["channel_id"], Version: version}, nil
}

func (a *apiHandlers) beginFinalize(r *http.Request, p map[string]string) (interface{}, error) {
	ch, err := a.deps.Commands.BeginFinalize(r.Context(), p["channel_id"])
	if err != nil {
		return nil, err
	}
	return a.deps.QueryService.GetChannel(r.Context(), ch.ID)
}

type receiptResponse struct {
	ChannelID   string `json:"channel_id"`
	BatchID     string `json:"batch_id"`
	Status      string `json:"status"`
	TxRef       string `json:"tx_ref,omitempty"`
	ArchiveAt   string `json:"archive_at,omitempty"`
	StateDigest string `json:"state_digest,omitempty"`
	Version     uint64 `json:"channel_version,omitempty"`
}

func (a *apiHandlers) settle(r *http.Request, p map[string]string) (interface{}, error) {
	rcpt, err := a.deps.Settler.FinalizeAndSettle(r.Context(), p["channel_id"])
	if err != nil {
		return nil, err
	}
	resp := receiptResponse{
		ChannelID: rcpt.ChannelID,
		BatchID:   rcpt.BatchID,
		Status:    rcpt.Status.String(),
		TxRef:     rcpt.TxRef,
		ArchiveAt: rcpt.ArchiveAt,
	}
	if rcpt.Batch != nil {
		resp.StateDigest = hex.EncodeToString(rcpt.Batch.StateDigest[:])
		resp.Version = rcpt.Batch.ChannelVersion
	}
	return resp, nil
}

// ============================================================================
// Queries
// ============================================================================

func (a *apiHandlers) getChannel(r *http.Request, p map[string]string) (interface{}, error) {
	return a.deps.QueryService.GetChannel(r.Context(), p["channel_id"])
}

func (a *apiHandlers) activeChannel(r *http.Request, p map[string]string) (interface{}, error) {
	return a.deps.QueryService.GetActiveChannel(r.Context(), p["market_id"])
}

func (a *apiHandlers) listChannels(r *http.Request, _ map[string]string) (interface{}, error) {
	q := r.URL.Query()
	filter := core.ListFilter{MarketID: q.Get("market_id")}
	if s := q.Get("status"); s != "" {
		st, err := ledger.ParseStatus(s)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", errBadRequest, err)
		}
		filter.Status = &st
	}
	return a.deps.QueryService.ListChannels(r.Context(), filter), nil
}

func (a *apiHandlers) getPool(r *http.Request, p map[string]string) (interface{}, error) {
	minVersion, err := uintParam(r, "min_version", 0)
	if err != nil {
		return nil, err
	}
	return a.deps.QueryService.GetPool(r.Context(), p["channel_id"], minVersion)
}

func (a *apiHandlers) previewPositions(r *http.Request, p map[string]string) (interface{}, error) {
	winning := ledger.OutcomeNone
	if s := r.URL.Query().Get("winning_outcome"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil {
			return nil, fmt.Errorf("%w: winning_outcome: %v", errBadRequest, err)
		}
		winning = ledger.Outcome(n)
	}
	return a.deps.QueryService.PreviewPositions(r.Context(), p["channel_id"], winning)
}

func (a *apiHandlers) getHistory(r *http.Request, p map[string]string) (interface{}, error) {
	after, err := uintParam(r, "after", 0)
	if err != nil {
		return nil, err
	}
	limit, err := uintParam(r, "limit", 100)
	if err != nil {
		return nil, err
	}
	return a.deps.QueryService.GetHistory(r.Context(), p["channel_id"], after, int(limit))
}

func (a *apiHandlers) pendingBatch(r *http.Request, p map[string]string) (interface{}, error) {
	b, ok := a.deps.Settler.PendingBatch(p["channel_id"])
	if !ok {
		return nil, fmt.Errorf("no pending batch for channel %s: %w", p["channel_id"], ledger.ErrChannelNotFound)
	}
	return batchView(b), nil
}

func (a *apiHandlers) archivedBatch(r *http.Request, p map[string]string) (interface{}, error) {
	if a.deps.Archive == nil {
		return nil, fmt.Errorf("batch archive not configured: %w", ledger.ErrChannelNotFound)
	}
	return a.deps.Archive.FetchBatch(r.Context(), p["channel_id"], p["batch_id"])
}

// ============================================================================
// Admin
// ============================================================================

func (a *apiHandlers) verifyIntegrity(r *http.Request, p map[string]string) (interface{}, error) {
	return a.deps.QueryService.VerifyIntegrity(r.Context(), p["channel_id"])
}

func (a *apiHandlers) rebuildProjections(r *http.Request, _ map[string]string) (interface{}, error) {
	if a.deps.Pools == nil {
		return map[string]string{"status": "skipped"}, nil
	}
	if err := a.deps.Pools.Rebuild(r.Context()); err != nil {
		return nil, err
	}
	return map[string]string{"status": "rebuilt"}, nil
}

// --- helpers ---

type pendingBatchResponse struct {
	ID             string           `json:"id"`
	ChannelID      string           `json:"channel_id"`
	ChannelVersion uint64           `json:"channel_version"`
	StateDigest    string           `json:"state_digest"`
	Signers        []string         `json:"signers"`
	Payouts        map[string]int64 `json:"payouts"`
	WinningOutcome int              `json:"winning_outcome"`
	Void           bool             `json:"void"`
	Dust           int64            `json:"dust"`
	CreatedAt      time.Time        `json:"created_at"`
}

func batchView(b *settlement.Batch) pendingBatchResponse {
	v := pendingBatchResponse{
		ID:             b.ID,
		ChannelID:      b.ChannelID,
		ChannelVersion: b.ChannelVersion,
		StateDigest:    hex.EncodeToString(b.StateDigest[:]),
		Payouts:        make(map[string]int64, len(b.Positions)),
		WinningOutcome: int(b.WinningOutcome),
		Void:           b.Void,
		Dust:           b.Dust,
		CreatedAt:      b.CreatedAt,
	}
	for _, s := range b.Signatures {
		v.Signers = append(v.Signers, s.Signer)
	}
	for _, pos := range b.Positions {
		v.Payouts[pos.User] = pos.Payout
	}
	return v
}

func uintParam(r *http.Request, name string, def uint64) (uint64, error) {
	s := r.URL.Query().Get(name)
	if s == "" {
		return def, nil
	}
	n, err := strconv.ParseUint(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: %s: %v", errBadRequest, name, err)
	}
	return n, nil
}
