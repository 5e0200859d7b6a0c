// Package crypto provides key management and secp256k1 request
// authentication for the ledger API.
package crypto

import (
	"crypto/ecdsa"
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"
)

// authScheme versions the canonical request encoding. Bump it if the digest
// layout ever changes so old signatures cannot be replayed against the new
// layout.
const authScheme = "ledgerauth:v1"

// RequestDigest computes the 32-byte digest a caller signs to authenticate
// an API request:
//
//	keccak256(scheme || "\n" || timestamp || "\n" || method || "\n" || path || "\n" || keccak256(body))
//
// The timestamp is the caller's Unix time in seconds and is checked for
// freshness by the verifying middleware.
func RequestDigest(timestamp int64, method, path string, body []byte) []byte {
	bodyHash := ethcrypto.Keccak256(body)

	var b strings.Builder
	b.WriteString(authScheme)
	b.WriteByte('\n')
	b.WriteString(strconv.FormatInt(timestamp, 10))
	b.WriteByte('\n')
	b.WriteString(method)
	b.WriteByte('\n')
	b.WriteString(path)
	b.WriteByte('\n')
	b.Write(bodyHash)

	return ethcrypto.Keccak256([]byte(b.String()))
}

// RecoverSigner recovers the address that produced the given hex-encoded
// 65-byte signature over the request digest.
func RecoverSigner(digest []byte, sigHex string) (common.Address, error) {
	sig, err := hex.DecodeString(strings.TrimPrefix(sigHex, "0x"))
	if err != nil {
		return common.Address{}, fmt.Errorf("crypto: invalid signature hex: %w", err)
	}
	if len(sig) != 65 {
		return common.Address{}, fmt.Errorf("crypto: expected 65-byte signature, got %d bytes", len(sig))
	}

	// Accept both v in {0,1} and the Ethereum convention v in {27,28}.
	if sig[64] >= 27 {
		sig = append([]byte(nil), sig...)
		sig[64] -= 27
	}

	pub, err := ethcrypto.SigToPub(digest, sig)
	if err != nil {
		return common.Address{}, fmt.Errorf("crypto: recovering signer: %w", err)
	}
	return ethcrypto.PubkeyToAddress(*pub), nil
}

// Identity signs API requests with a secp256k1 private key. The recovered
// address is the caller identity the services gate on.
type Identity struct {
	privateKey *ecdsa.PrivateKey
	address    common.Address
}

// NewIdentity creates an Identity from a hex-encoded secp256k1 private key
// (with or without 0x prefix).
func NewIdentity(privateKeyHex string) (*Identity, error) {
	keyHex := strings.TrimPrefix(privateKeyHex, "0x")
	pk, err := ethcrypto.HexToECDSA(keyHex)
	if err != nil {
		return nil, fmt.Errorf("crypto: invalid private key: %w", err)
	}
	return &Identity{
		privateKey: pk,
		address:    ethcrypto.PubkeyToAddress(pk.PublicKey),
	}, nil
}

// Address returns the address derived from the identity's private key.
func (id *Identity) Address() common.Address {
	return id.address
}

// SignRequest signs the canonical digest of an API request and returns the
// hex-encoded 65-byte signature (r || s || v).
func (id *Identity) SignRequest(timestamp int64, method, path string, body []byte) (string, error) {
	digest := RequestDigest(timestamp, method, path, body)

	sig, err := ethcrypto.Sign(digest, id.privateKey)
	if err != nil {
		return "", fmt.Errorf("crypto: signing request: %w", err)
	}
	return "0x" + hex.EncodeToString(sig), nil
}
