package handler

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/ethereum/go-ethereum/common"

	"github.com/quantfield/signalledger/internal/domain"
)

// PoolService defines the methods the pool handler requires from the
// service layer.
type PoolService interface {
	CreatePool(ctx context.Context, caller common.Address, signal common.Hash, asset common.Address, openTs, closeTs int64) (domain.Pool, error)
	Contribute(ctx context.Context, caller common.Address, signal common.Hash, amount uint64) (domain.Pool, domain.Contribution, error)
	VerifyAndClose(ctx context.Context, caller common.Address, signal common.Hash, outcome domain.Outcome) (domain.Pool, error)
	GetPool(ctx context.Context, signal common.Hash) (domain.Pool, error)
	ListPools(ctx context.Context, opts domain.ListOpts) ([]domain.Pool, error)
	CountPools(ctx context.Context) (int64, error)
	GetContribution(ctx context.Context, signal common.Hash, user common.Address) (domain.Contribution, error)
	ListContributions(ctx context.Context, signal common.Hash, opts domain.ListOpts) ([]domain.Contribution, error)
	Vault(ctx context.Context, signal common.Hash) (domain.CustodyAccount, error)
}

// PoolHandler serves pool and contribution HTTP endpoints.
type PoolHandler struct {
	pools  PoolService
	logger *slog.Logger
}

// NewPoolHandler creates a PoolHandler.
func NewPoolHandler(pools PoolService, logger *slog.Logger) *PoolHandler {
	return &PoolHandler{
		pools:  pools,
		logger: logger,
	}
}

// createPoolRequest carries the pool parameters. Timestamps are unix
// seconds.
type createPoolRequest struct {
	SignalID string `json:"signal_id"`
	Asset    string `json:"asset"`
	OpenTs   int64  `json:"open_ts"`
	CloseTs  int64  `json:"close_ts"`
}

// CreatePool registers a pool for a signal.
// POST /api/pools
func (h *PoolHandler) CreatePool(w http.ResponseWriter, r *http.Request) {
	addr, ok := caller(w, r)
	if !ok {
		return
	}

	var req createPoolRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	signal, ok := parseSignal(req.SignalID)
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid signal_id")
		return
	}
	asset, ok := parseAddress(req.Asset)
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid asset address")
		return
	}

	pool, err := h.pools.CreatePool(r.Context(), addr, signal, asset, req.OpenTs, req.CloseTs)
	if err != nil {
		h.logger.ErrorContext(r.Context(), "handler: create pool failed",
			slog.String("signal_id", req.SignalID),
			slog.String("error", err.Error()),
		)
		writeDomainError(w, err, "failed to create pool")
		return
	}
	writeJSON(w, http.StatusCreated, pool)
}

// listPoolsResponse wraps the list endpoint output with metadata.
type listPoolsResponse struct {
	Pools  []domain.Pool `json:"pools"`
	Total  int64         `json:"total"`
	Limit  int           `json:"limit"`
	Offset int           `json:"offset"`
}

// ListPools returns pools with pagination.
// GET /api/pools?limit=50&offset=0
func (h *PoolHandler) ListPools(w http.ResponseWriter, r *http.Request) {
	opts := parseListOpts(r)

	pools, err := h.pools.ListPools(r.Context(), opts)
	if err != nil {
		writeDomainError(w, err, "failed to list pools")
		return
	}
	total, err := h.pools.CountPools(r.Context())
	if err != nil {
		writeDomainError(w, err, "failed to count pools")
		return
	}

	writeJSON(w, http.StatusOK, listPoolsResponse{
		Pools:  pools,
		Total:  total,
		Limit:  opts.Limit,
		Offset: opts.Offset,
	})
}

// GetPool returns a single pool by signal id.
// GET /api/pools/{signal}
func (h *PoolHandler) GetPool(w http.ResponseWriter, r *http.Request) {
	signal, ok := parseSignal(pathParam(r, "signal"))
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid signal id")
		return
	}

	pool, err := h.pools.GetPool(r.Context(), signal)
	if err != nil {
		writeDomainError(w, err, "failed to get pool")
		return
	}
	writeJSON(w, http.StatusOK, pool)
}

// contributeRequest carries a deposit. The amount is a decimal string so
// full uint64 precision survives the JSON boundary.
type contributeRequest struct {
	Amount string `json:"amount"`
}

// contributeResponse returns the updated pool and the caller's cumulative
// contribution.
type contributeResponse struct {
	Pool         domain.Pool         `json:"pool"`
	Contribution domain.Contribution `json:"contribution"`
}

// Contribute escrows tokens from the caller's funding account.
// POST /api/pools/{signal}/contributions
func (h *PoolHandler) Contribute(w http.ResponseWriter, r *http.Request) {
	addr, ok := caller(w, r)
	if !ok {
		return
	}
	signal, ok := parseSignal(pathParam(r, "signal"))
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid signal id")
		return
	}

	var req contributeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	amount, err := strconv.ParseUint(req.Amount, 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid amount")
		return
	}

	pool, contrib, err := h.pools.Contribute(r.Context(), addr, signal, amount)
	if err != nil {
		h.logger.ErrorContext(r.Context(), "handler: contribute failed",
			slog.String("signal_id", signal.Hex()),
			slog.String("user", addr.Hex()),
			slog.String("error", err.Error()),
		)
		writeDomainError(w, err, "failed to contribute")
		return
	}
	writeJSON(w, http.StatusOK, contributeResponse{
		Pool:         pool,
		Contribution: contrib,
	})
}

// listContributionsResponse wraps a pool's escrow records.
type listContributionsResponse struct {
	Contributions []domain.Contribution `json:"contributions"`
	Limit         int                   `json:"limit"`
	Offset        int                   `json:"offset"`
}

// ListContributions returns a pool's escrow records. With a ?user= filter
// it returns the single record for that contributor.
// GET /api/pools/{signal}/contributions
func (h *PoolHandler) ListContributions(w http.ResponseWriter, r *http.Request) {
	signal, ok := parseSignal(pathParam(r, "signal"))
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid signal id")
		return
	}

	if userHex := r.URL.Query().Get("user"); userHex != "" {
		user, ok := parseAddress(userHex)
		if !ok {
			writeError(w, http.StatusBadRequest, "invalid user address")
			return
		}
		contrib, err := h.pools.GetContribution(r.Context(), signal, user)
		if err != nil {
			writeDomainError(w, err, "failed to get contribution")
			return
		}
		writeJSON(w, http.StatusOK, contrib)
		return
	}

	opts := parseListOpts(r)
	contribs, err := h.pools.ListContributions(r.Context(), signal, opts)
	if err != nil {
		writeDomainError(w, err, "failed to list contributions")
		return
	}
	writeJSON(w, http.StatusOK, listContributionsResponse{
		Contributions: contribs,
		Limit:         opts.Limit,
		Offset:        opts.Offset,
	})
}

// closePoolRequest carries the authority-asserted outcome.
type closePoolRequest struct {
	Outcome string `json:"outcome"`
}

// Close settles a pool after its window has elapsed.
// POST /api/pools/{signal}/close
func (h *PoolHandler) Close(w http.ResponseWriter, r *http.Request) {
	addr, ok := caller(w, r)
	if !ok {
		return
	}
	signal, ok := parseSignal(pathParam(r, "signal"))
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid signal id")
		return
	}

	var req closePoolRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	pool, err := h.pools.VerifyAndClose(r.Context(), addr, signal, domain.Outcome(req.Outcome))
	if err != nil {
		h.logger.ErrorContext(r.Context(), "handler: close pool failed",
			slog.String("signal_id", signal.Hex()),
			slog.String("error", err.Error()),
		)
		writeDomainError(w, err, "failed to close pool")
		return
	}
	writeJSON(w, http.StatusOK, pool)
}

// Vault returns the pool's escrow custody account.
// GET /api/pools/{signal}/vault
func (h *PoolHandler) Vault(w http.ResponseWriter, r *http.Request) {
	signal, ok := parseSignal(pathParam(r, "signal"))
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid signal id")
		return
	}

	acct, err := h.pools.Vault(r.Context(), signal)
	if err != nil {
		writeDomainError(w, err, "failed to get vault")
		return
	}
	writeJSON(w, http.StatusOK, acct)
}
