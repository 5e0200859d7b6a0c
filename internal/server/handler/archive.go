package handler

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/ethereum/go-ethereum/common"

	"github.com/quantfield/signalledger/internal/domain"
	"github.com/quantfield/signalledger/internal/service"
)

// ArchiveService defines the methods the archive handler requires from the
// service layer.
type ArchiveService interface {
	Initialize(ctx context.Context, authority common.Address) (domain.Archive, error)
	Get(ctx context.Context) (domain.Archive, error)
	SetAuthority(ctx context.Context, caller, newAuthority common.Address) (domain.Archive, error)
	LogPrediction(ctx context.Context, caller common.Address, p service.LogPredictionParams) (domain.PredictionRecord, error)
	UpdateStats(ctx context.Context, caller common.Address, predictionID, totalPoolTokens, followers uint64) (domain.PredictionRecord, error)
	Resolve(ctx context.Context, caller common.Address, predictionID uint64, outcome domain.Outcome, payoutBps uint16) (domain.PredictionRecord, error)
	GetPrediction(ctx context.Context, predictionID uint64) (domain.PredictionRecord, error)
	ListPredictions(ctx context.Context, opts domain.ListOpts) ([]domain.PredictionRecord, error)
	CountPredictions(ctx context.Context) (int64, error)
}

// ArchiveHandler serves archive and prediction HTTP endpoints.
type ArchiveHandler struct {
	archive ArchiveService
	logger  *slog.Logger
}

// NewArchiveHandler creates an ArchiveHandler.
func NewArchiveHandler(archive ArchiveService, logger *slog.Logger) *ArchiveHandler {
	return &ArchiveHandler{
		archive: archive,
		logger:  logger,
	}
}

// Initialize creates the archive with the caller as initial authority.
// POST /api/archive
func (h *ArchiveHandler) Initialize(w http.ResponseWriter, r *http.Request) {
	addr, ok := caller(w, r)
	if !ok {
		return
	}

	archive, err := h.archive.Initialize(r.Context(), addr)
	if err != nil {
		h.logger.ErrorContext(r.Context(), "handler: initialize archive failed",
			slog.String("error", err.Error()),
		)
		writeDomainError(w, err, "failed to initialize archive")
		return
	}
	writeJSON(w, http.StatusCreated, archive)
}

// Get returns the archive header.
// GET /api/archive
func (h *ArchiveHandler) Get(w http.ResponseWriter, r *http.Request) {
	archive, err := h.archive.Get(r.Context())
	if err != nil {
		writeDomainError(w, err, "failed to get archive")
		return
	}
	writeJSON(w, http.StatusOK, archive)
}

// SetAuthority rotates the archive authority.
// PUT /api/archive/authority
func (h *ArchiveHandler) SetAuthority(w http.ResponseWriter, r *http.Request) {
	addr, ok := caller(w, r)
	if !ok {
		return
	}

	var req setAuthorityRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	newAuthority, ok := parseAddress(req.NewAuthority)
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid new_authority address")
		return
	}

	archive, err := h.archive.SetAuthority(r.Context(), addr, newAuthority)
	if err != nil {
		h.logger.ErrorContext(r.Context(), "handler: set archive authority failed",
			slog.String("error", err.Error()),
		)
		writeDomainError(w, err, "failed to set authority")
		return
	}
	writeJSON(w, http.StatusOK, archive)
}

// logPredictionRequest carries a new prediction record. The uint64
// counters are decimal strings so full precision survives the JSON
// boundary.
type logPredictionRequest struct {
	PredictionID    string `json:"prediction_id"`
	ModelVersion    string `json:"ai_model_version"`
	Signal          string `json:"signal"`
	Confidence      uint16 `json:"confidence"`
	VolatilityTier  string `json:"volatility_tier"`
	TotalPoolTokens string `json:"total_pool_tokens"`
	Followers       string `json:"followers"`
	ContentHash     string `json:"content_hash"`
}

// LogPrediction appends a record to the archive.
// POST /api/predictions
func (h *ArchiveHandler) LogPrediction(w http.ResponseWriter, r *http.Request) {
	addr, ok := caller(w, r)
	if !ok {
		return
	}

	var req logPredictionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	id, err := strconv.ParseUint(req.PredictionID, 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid prediction_id")
		return
	}
	tokens, err := parseOptionalU64(req.TotalPoolTokens)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid total_pool_tokens")
		return
	}
	followers, err := parseOptionalU64(req.Followers)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid followers")
		return
	}

	rec, err := h.archive.LogPrediction(r.Context(), addr, service.LogPredictionParams{
		PredictionID:    id,
		ModelVersion:    req.ModelVersion,
		Signal:          req.Signal,
		Confidence:      req.Confidence,
		VolatilityTier:  req.VolatilityTier,
		TotalPoolTokens: tokens,
		Followers:       followers,
		ContentHash:     req.ContentHash,
	})
	if err != nil {
		h.logger.ErrorContext(r.Context(), "handler: log prediction failed",
			slog.String("prediction_id", req.PredictionID),
			slog.String("error", err.Error()),
		)
		writeDomainError(w, err, "failed to log prediction")
		return
	}
	writeJSON(w, http.StatusCreated, rec)
}

// listPredictionsResponse wraps the list endpoint output with metadata.
type listPredictionsResponse struct {
	Predictions []domain.PredictionRecord `json:"predictions"`
	Total       int64                     `json:"total"`
	Limit       int                       `json:"limit"`
	Offset      int                       `json:"offset"`
}

// ListPredictions returns records with pagination.
// GET /api/predictions?limit=50&offset=0
func (h *ArchiveHandler) ListPredictions(w http.ResponseWriter, r *http.Request) {
	opts := parseListOpts(r)

	recs, err := h.archive.ListPredictions(r.Context(), opts)
	if err != nil {
		writeDomainError(w, err, "failed to list predictions")
		return
	}
	total, err := h.archive.CountPredictions(r.Context())
	if err != nil {
		writeDomainError(w, err, "failed to count predictions")
		return
	}

	writeJSON(w, http.StatusOK, listPredictionsResponse{
		Predictions: recs,
		Total:       total,
		Limit:       opts.Limit,
		Offset:      opts.Offset,
	})
}

// GetPrediction returns a single record by id.
// GET /api/predictions/{id}
func (h *ArchiveHandler) GetPrediction(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseUint(pathParam(r, "id"), 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid prediction id")
		return
	}

	rec, err := h.archive.GetPrediction(r.Context(), id)
	if err != nil {
		writeDomainError(w, err, "failed to get prediction")
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

// updateStatsRequest overwrites the two mutable counters.
type updateStatsRequest struct {
	TotalPoolTokens string `json:"total_pool_tokens"`
	Followers       string `json:"followers"`
}

// UpdateStats overwrites a record's pool-token and follower counters.
// PUT /api/predictions/{id}/stats
func (h *ArchiveHandler) UpdateStats(w http.ResponseWriter, r *http.Request) {
	addr, ok := caller(w, r)
	if !ok {
		return
	}
	id, err := strconv.ParseUint(pathParam(r, "id"), 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid prediction id")
		return
	}

	var req updateStatsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	tokens, err := parseOptionalU64(req.TotalPoolTokens)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid total_pool_tokens")
		return
	}
	followers, err := parseOptionalU64(req.Followers)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid followers")
		return
	}

	rec, err := h.archive.UpdateStats(r.Context(), addr, id, tokens, followers)
	if err != nil {
		h.logger.ErrorContext(r.Context(), "handler: update prediction stats failed",
			slog.Uint64("prediction_id", id),
			slog.String("error", err.Error()),
		)
		writeDomainError(w, err, "failed to update stats")
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

// resolveRequest carries the terminal outcome and payout ratio.
type resolveRequest struct {
	Outcome        string `json:"outcome"`
	PayoutRatioBps uint16 `json:"payout_ratio_bps"`
}

// Resolve applies the one-shot pending-to-terminal transition.
// POST /api/predictions/{id}/resolve
func (h *ArchiveHandler) Resolve(w http.ResponseWriter, r *http.Request) {
	addr, ok := caller(w, r)
	if !ok {
		return
	}
	id, err := strconv.ParseUint(pathParam(r, "id"), 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid prediction id")
		return
	}

	var req resolveRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	rec, err := h.archive.Resolve(r.Context(), addr, id, domain.Outcome(req.Outcome), req.PayoutRatioBps)
	if err != nil {
		h.logger.ErrorContext(r.Context(), "handler: resolve prediction failed",
			slog.Uint64("prediction_id", id),
			slog.String("error", err.Error()),
		)
		writeDomainError(w, err, "failed to resolve prediction")
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

// parseOptionalU64 parses a decimal string counter, treating empty as zero.
func parseOptionalU64(s string) (uint64, error) {
	if s == "" {
		return 0, nil
	}
	return strconv.ParseUint(s, 10, 64)
}
