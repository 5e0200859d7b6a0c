package middleware

import (
	"bytes"
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/quantfield/signalledger/internal/crypto"
)

const testKeyHex = "4c0883a69102937d6231471b5dbb6204fe5129617082792ae468d01a3f362318"

func newSignedRequest(t *testing.T, id *crypto.Identity, method, path string, body []byte, ts int64) *http.Request {
	t.Helper()
	sig, err := id.SignRequest(ts, method, path, body)
	if err != nil {
		t.Fatalf("sign request: %v", err)
	}
	req := httptest.NewRequest(method, path, bytes.NewReader(body))
	req.Header.Set(HeaderAddress, id.Address().Hex())
	req.Header.Set(HeaderTimestamp, strconv.FormatInt(ts, 10))
	req.Header.Set(HeaderSignature, sig)
	return req
}

// sink records whether the next handler ran and with which caller.
type sink struct {
	called bool
	caller common.Address
	hasID  bool
	body   []byte
}

func (s *sink) ServeHTTP(_ http.ResponseWriter, r *http.Request) {
	s.called = true
	s.caller, s.hasID = CallerFrom(r.Context())
	s.body, _ = io.ReadAll(r.Body)
}

func TestSignatureAuthAcceptsValidSignature(t *testing.T) {
	id, err := crypto.NewIdentity(testKeyHex)
	if err != nil {
		t.Fatalf("new identity: %v", err)
	}

	body := []byte(`{"amount":"50"}`)
	req := newSignedRequest(t, id, http.MethodPost, "/api/pools/abc/contributions", body, time.Now().Unix())

	next := &sink{}
	rec := httptest.NewRecorder()
	SignatureAuth(false)(next).ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200 (body: %s)", rec.Code, rec.Body.String())
	}
	if !next.called {
		t.Fatal("next handler not invoked")
	}
	if !next.hasID || next.caller != id.Address() {
		t.Errorf("caller = %s (present=%v), want %s", next.caller.Hex(), next.hasID, id.Address().Hex())
	}
	// The body must survive the digest buffering.
	if !bytes.Equal(next.body, body) {
		t.Errorf("handler body = %q, want %q", next.body, body)
	}
}

func TestSignatureAuthRejections(t *testing.T) {
	id, err := crypto.NewIdentity(testKeyHex)
	if err != nil {
		t.Fatalf("new identity: %v", err)
	}
	other, err := crypto.NewIdentity("2c0883a69102937d6231471b5dbb6204fe5129617082792ae468d01a3f362318")
	if err != nil {
		t.Fatalf("new identity: %v", err)
	}

	now := time.Now().Unix()

	tests := []struct {
		name   string
		mutate func(*http.Request)
	}{
		{
			name:   "missing address header",
			mutate: func(r *http.Request) { r.Header.Del(HeaderAddress) },
		},
		{
			name:   "missing signature header",
			mutate: func(r *http.Request) { r.Header.Del(HeaderSignature) },
		},
		{
			name:   "garbage timestamp",
			mutate: func(r *http.Request) { r.Header.Set(HeaderTimestamp, "yesterday") },
		},
		{
			name: "stale timestamp",
			mutate: func(r *http.Request) {
				r.Header.Set(HeaderTimestamp, strconv.FormatInt(now-600, 10))
			},
		},
		{
			name: "claimed address differs from signer",
			mutate: func(r *http.Request) {
				r.Header.Set(HeaderAddress, other.Address().Hex())
			},
		},
		{
			name: "tampered body",
			mutate: func(r *http.Request) {
				r.Body = io.NopCloser(bytes.NewReader([]byte(`{"amount":"9999"}`)))
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := newSignedRequest(t, id, http.MethodPost, "/api/pools", []byte(`{"amount":"50"}`), now)
			tt.mutate(req)

			next := &sink{}
			rec := httptest.NewRecorder()
			SignatureAuth(false)(next).ServeHTTP(rec, req)

			if rec.Code != http.StatusUnauthorized {
				t.Errorf("status = %d, want 401", rec.Code)
			}
			if next.called {
				t.Error("next handler invoked on rejected request")
			}
		})
	}
}

func TestSignatureAuthGETPassesWithoutIdentity(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/api/pools", nil)

	next := &sink{}
	rec := httptest.NewRecorder()
	SignatureAuth(false)(next).ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if !next.called {
		t.Fatal("next handler not invoked")
	}
	if next.hasID {
		t.Error("unauthenticated GET carried a caller identity")
	}
}

func TestSignatureAuthSignedGETCarriesCaller(t *testing.T) {
	id, err := crypto.NewIdentity(testKeyHex)
	if err != nil {
		t.Fatalf("new identity: %v", err)
	}
	req := newSignedRequest(t, id, http.MethodGet, "/api/registry", nil, time.Now().Unix())

	next := &sink{}
	rec := httptest.NewRecorder()
	SignatureAuth(false)(next).ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200 (body: %s)", rec.Code, rec.Body.String())
	}
	if !next.hasID || next.caller != id.Address() {
		t.Errorf("caller = %s (present=%v), want %s", next.caller.Hex(), next.hasID, id.Address().Hex())
	}
}

func TestSignatureAuthDisabledTrustsHeader(t *testing.T) {
	req := httptest.NewRequest(http.MethodPost, "/api/pools", bytes.NewReader(nil))
	req.Header.Set(HeaderAddress, "0x00000000000000000000000000000000000000a1")

	next := &sink{}
	rec := httptest.NewRecorder()
	SignatureAuth(true)(next).ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	want := common.HexToAddress("0x00000000000000000000000000000000000000a1")
	if !next.hasID || next.caller != want {
		t.Errorf("caller = %s (present=%v), want trusted header address", next.caller.Hex(), next.hasID)
	}
}
