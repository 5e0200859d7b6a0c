package handler

import (
	"encoding/json"
	"errors"
	"net/http"
	"regexp"
	"strconv"

	"github.com/ethereum/go-ethereum/common"

	"github.com/quantfield/signalledger/internal/domain"
	"github.com/quantfield/signalledger/internal/server/middleware"
)

// writeJSON marshals v as JSON and writes it to the response with the given
// HTTP status code. If marshaling fails, it falls back to a plain-text 500.
func writeJSON(w http.ResponseWriter, status int, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		http.Error(w, `{"error":"internal server error"}`, http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	w.Write(data)
}

// writeError sends a JSON-formatted error response.
func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// writeDomainError maps a service error to an HTTP status via the sentinel
// taxonomy. Unknown errors become an opaque 500 with the fallback message.
func writeDomainError(w http.ResponseWriter, err error, fallback string) {
	switch {
	case errors.Is(err, domain.ErrNotFound):
		writeError(w, http.StatusNotFound, "not found")
	case errors.Is(err, domain.ErrAlreadyExists):
		writeError(w, http.StatusConflict, "already exists")
	case errors.Is(err, domain.ErrUnauthorized):
		writeError(w, http.StatusForbidden, "caller is not the authority")
	case errors.Is(err, domain.ErrRateLimited):
		writeError(w, http.StatusTooManyRequests, "rate limit exceeded")
	case errors.Is(err, domain.ErrPoolClosed):
		writeError(w, http.StatusConflict, "pool is closed")
	case errors.Is(err, domain.ErrPoolStillActive):
		writeError(w, http.StatusConflict, "pool window has not elapsed")
	case errors.Is(err, domain.ErrAlreadyResolved):
		writeError(w, http.StatusConflict, "prediction already resolved")
	case errors.Is(err, domain.ErrOverflow):
		writeError(w, http.StatusConflict, "accumulator overflow")
	case errors.Is(err, domain.ErrInsufficientFunds):
		writeError(w, http.StatusConflict, "insufficient funds")
	case errors.Is(err, domain.ErrAssetMismatch):
		writeError(w, http.StatusConflict, "asset mismatch")
	case errors.Is(err, domain.ErrVaultOwnerMismatch):
		writeError(w, http.StatusConflict, "vault owner mismatch")
	case errors.Is(err, domain.ErrRegistryMismatch):
		writeError(w, http.StatusConflict, "registry mismatch")
	case errors.Is(err, domain.ErrNoAuthorityChange):
		writeError(w, http.StatusBadRequest, "new authority equals current authority")
	case errors.Is(err, domain.ErrInvalidAmount):
		writeError(w, http.StatusBadRequest, "amount must be positive")
	case errors.Is(err, domain.ErrInvalidFeeBps):
		writeError(w, http.StatusBadRequest, "fee exceeds 10000 bps")
	case errors.Is(err, domain.ErrInvalidPayoutBps):
		writeError(w, http.StatusBadRequest, "payout ratio exceeds 10000 bps")
	case errors.Is(err, domain.ErrInvalidConfidence):
		writeError(w, http.StatusBadRequest, "confidence exceeds 100")
	case errors.Is(err, domain.ErrInvalidOutcome):
		writeError(w, http.StatusBadRequest, "outcome must be win, loss, or neutral")
	case errors.Is(err, domain.ErrInvalidWindow):
		writeError(w, http.StatusBadRequest, "open timestamp must precede close timestamp")
	case errors.Is(err, domain.ErrCloseInPast):
		writeError(w, http.StatusBadRequest, "close timestamp must be in the future")
	case errors.Is(err, domain.ErrFieldTooLong):
		writeError(w, http.StatusBadRequest, "field exceeds maximum length")
	default:
		writeError(w, http.StatusInternalServerError, fallback)
	}
}

// parseListOpts extracts standard pagination parameters from the query
// string. Defaults: limit=50 (max 500), offset=0.
func parseListOpts(r *http.Request) domain.ListOpts {
	q := r.URL.Query()

	limit := 50
	if v := q.Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			limit = n
		}
	}
	if limit > 500 {
		limit = 500
	}

	offset := 0
	if v := q.Get("offset"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 {
			offset = n
		}
	}

	return domain.ListOpts{
		Limit:  limit,
		Offset: offset,
	}
}

// pathParam extracts a named path parameter from the request using Go 1.22+
// built-in routing (http.Request.PathValue).
func pathParam(r *http.Request, name string) string {
	return r.PathValue(name)
}

var (
	hashPattern = regexp.MustCompile(`^(0x)?[0-9a-fA-F]{64}$`)
	addrPattern = regexp.MustCompile(`^(0x)?[0-9a-fA-F]{40}$`)
)

// parseSignal parses a 32-byte signal id from its hex form.
func parseSignal(s string) (common.Hash, bool) {
	if !hashPattern.MatchString(s) {
		return common.Hash{}, false
	}
	return common.HexToHash(s), true
}

// parseAddress parses a 20-byte address from its hex form.
func parseAddress(s string) (common.Address, bool) {
	if !addrPattern.MatchString(s) {
		return common.Address{}, false
	}
	return common.HexToAddress(s), true
}

// caller returns the authenticated request identity, or writes a 401 and
// reports false when the request carries none.
func caller(w http.ResponseWriter, r *http.Request) (common.Address, bool) {
	addr, ok := middleware.CallerFrom(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "request is not authenticated")
		return common.Address{}, false
	}
	return addr, true
}
