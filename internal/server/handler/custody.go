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

// CustodyService defines the methods the custody handler requires from the
// service layer.
type CustodyService interface {
	OpenFundingAccount(ctx context.Context, caller common.Address, asset common.Address) (domain.CustodyAccount, error)
	Account(ctx context.Context, id string) (domain.CustodyAccount, error)
	Credit(ctx context.Context, caller, user common.Address, asset common.Address, amount uint64) (domain.CustodyAccount, error)
	Transfer(ctx context.Context, caller, to common.Address, asset common.Address, amount uint64) (domain.CustodyAccount, error)
}

// CustodyHandler serves custody-bank HTTP endpoints.
type CustodyHandler struct {
	custody CustodyService
	logger  *slog.Logger
}

// NewCustodyHandler creates a CustodyHandler.
func NewCustodyHandler(custody CustodyService, logger *slog.Logger) *CustodyHandler {
	return &CustodyHandler{
		custody: custody,
		logger:  logger,
	}
}

type openAccountRequest struct {
	Asset string `json:"asset"`
}

// OpenAccount provisions the caller's funding account for an asset.
// POST /api/custody/accounts
func (h *CustodyHandler) OpenAccount(w http.ResponseWriter, r *http.Request) {
	addr, ok := caller(w, r)
	if !ok {
		return
	}

	var req openAccountRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	asset, ok := parseAddress(req.Asset)
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid asset address")
		return
	}

	acct, err := h.custody.OpenFundingAccount(r.Context(), addr, asset)
	if err != nil {
		h.logger.ErrorContext(r.Context(), "handler: open funding account failed",
			slog.String("user", addr.Hex()),
			slog.String("error", err.Error()),
		)
		writeDomainError(w, err, "failed to open account")
		return
	}
	writeJSON(w, http.StatusCreated, acct)
}

// GetAccount returns a custody account by id.
// GET /api/custody/accounts/{id}
func (h *CustodyHandler) GetAccount(w http.ResponseWriter, r *http.Request) {
	id := pathParam(r, "id")
	if id == "" {
		writeError(w, http.StatusBadRequest, "missing account id")
		return
	}

	acct, err := h.custody.Account(r.Context(), id)
	if err != nil {
		writeDomainError(w, err, "failed to get account")
		return
	}
	writeJSON(w, http.StatusOK, acct)
}

// creditRequest credits a user's funding account. The amount is a decimal
// string so full uint64 precision survives the JSON boundary.
type creditRequest struct {
	User   string `json:"user"`
	Asset  string `json:"asset"`
	Amount string `json:"amount"`
}

// Credit adds funds to a user's funding account. Authority only.
// POST /api/custody/credit
func (h *CustodyHandler) Credit(w http.ResponseWriter, r *http.Request) {
	addr, ok := caller(w, r)
	if !ok {
		return
	}

	var req creditRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	user, ok := parseAddress(req.User)
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid user address")
		return
	}
	asset, ok := parseAddress(req.Asset)
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid asset address")
		return
	}
	amount, err := strconv.ParseUint(req.Amount, 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid amount")
		return
	}

	acct, err := h.custody.Credit(r.Context(), addr, user, asset, amount)
	if err != nil {
		h.logger.ErrorContext(r.Context(), "handler: credit failed",
			slog.String("user", req.User),
			slog.String("error", err.Error()),
		)
		writeDomainError(w, err, "failed to credit account")
		return
	}
	writeJSON(w, http.StatusOK, acct)
}

// transferRequest moves funds from the caller's funding account to
// another user's. The amount is a decimal string.
type transferRequest struct {
	To     string `json:"to"`
	Asset  string `json:"asset"`
	Amount string `json:"amount"`
}

// Transfer moves funds between funding accounts for the same asset.
// POST /api/custody/transfer
func (h *CustodyHandler) Transfer(w http.ResponseWriter, r *http.Request) {
	addr, ok := caller(w, r)
	if !ok {
		return
	}

	var req transferRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	to, ok := parseAddress(req.To)
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid to address")
		return
	}
	asset, ok := parseAddress(req.Asset)
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid asset address")
		return
	}
	amount, err := strconv.ParseUint(req.Amount, 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid amount")
		return
	}

	acct, err := h.custody.Transfer(r.Context(), addr, to, asset, amount)
	if err != nil {
		h.logger.ErrorContext(r.Context(), "handler: transfer failed",
			slog.String("from", addr.Hex()),
			slog.String("to", req.To),
			slog.String("error", err.Error()),
		)
		writeDomainError(w, err, "failed to transfer")
		return
	}
	writeJSON(w, http.StatusOK, acct)
}
