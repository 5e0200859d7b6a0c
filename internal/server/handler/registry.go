package handler

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/ethereum/go-ethereum/common"

	"github.com/quantfield/signalledger/internal/domain"
)

// RegistryService defines the methods the registry handler requires from
// the service layer. It is declared locally so the handler package does not
// depend on the concrete service implementation.
type RegistryService interface {
	Initialize(ctx context.Context, authority common.Address) (domain.Registry, error)
	Get(ctx context.Context) (domain.Registry, error)
	SetAuthority(ctx context.Context, caller, newAuthority common.Address) (domain.Registry, error)
	SetConfig(ctx context.Context, caller common.Address, feeBps uint16, oracle common.Address) (domain.Registry, error)
}

// RegistryHandler serves registry HTTP endpoints.
type RegistryHandler struct {
	registry RegistryService
	logger   *slog.Logger
}

// NewRegistryHandler creates a RegistryHandler.
func NewRegistryHandler(registry RegistryService, logger *slog.Logger) *RegistryHandler {
	return &RegistryHandler{
		registry: registry,
		logger:   logger,
	}
}

// Initialize creates the registry with the caller as initial authority.
// POST /api/registry
func (h *RegistryHandler) Initialize(w http.ResponseWriter, r *http.Request) {
	addr, ok := caller(w, r)
	if !ok {
		return
	}

	reg, err := h.registry.Initialize(r.Context(), addr)
	if err != nil {
		h.logger.ErrorContext(r.Context(), "handler: initialize registry failed",
			slog.String("error", err.Error()),
		)
		writeDomainError(w, err, "failed to initialize registry")
		return
	}
	writeJSON(w, http.StatusCreated, reg)
}

// Get returns the registry.
// GET /api/registry
func (h *RegistryHandler) Get(w http.ResponseWriter, r *http.Request) {
	reg, err := h.registry.Get(r.Context())
	if err != nil {
		writeDomainError(w, err, "failed to get registry")
		return
	}
	writeJSON(w, http.StatusOK, reg)
}

type setAuthorityRequest struct {
	NewAuthority string `json:"new_authority"`
}

// SetAuthority rotates the registry authority.
// PUT /api/registry/authority
func (h *RegistryHandler) SetAuthority(w http.ResponseWriter, r *http.Request) {
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

	reg, err := h.registry.SetAuthority(r.Context(), addr, newAuthority)
	if err != nil {
		h.logger.ErrorContext(r.Context(), "handler: set registry authority failed",
			slog.String("error", err.Error()),
		)
		writeDomainError(w, err, "failed to set authority")
		return
	}
	writeJSON(w, http.StatusOK, reg)
}

type setConfigRequest struct {
	FeeBps uint16 `json:"fee_bps"`
	Oracle string `json:"oracle"`
}

// SetConfig updates the protocol fee and oracle reference.
// PUT /api/registry/config
func (h *RegistryHandler) SetConfig(w http.ResponseWriter, r *http.Request) {
	addr, ok := caller(w, r)
	if !ok {
		return
	}

	var req setConfigRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	oracle, ok := parseAddress(req.Oracle)
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid oracle address")
		return
	}

	reg, err := h.registry.SetConfig(r.Context(), addr, req.FeeBps, oracle)
	if err != nil {
		h.logger.ErrorContext(r.Context(), "handler: set registry config failed",
			slog.String("error", err.Error()),
		)
		writeDomainError(w, err, "failed to set config")
		return
	}
	writeJSON(w, http.StatusOK, reg)
}
