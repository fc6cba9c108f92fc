// Package x402 implements the payment-intent protocol used by the facilitator:
// the PaymentIntent record, its domain-separated typed-data hashing, the signed
// wire envelope carried over HTTP headers, and the protocol error taxonomy.
package x402

import (
	"math/big"

	"github.com/ethereum/go-ethereum/common"
)

// ProtocolVersion is the wire envelope version this package speaks.
const ProtocolVersion = 1

// SchemeExact is the only payment scheme currently supported: the intent
// authorizes exactly the amount the requirements demand, no more, no less.
const SchemeExact = "exact"

// PaymentIntent is a payer's off-chain authorization of a single payment.
// It is immutable once signed and uniquely identified by (Payer, Nonce) for
// replay purposes; RequestID additionally scopes it to one PaymentRequest.
type PaymentIntent struct {
	// Payer is the address whose signature authorizes the payment.
	Payer common.Address

	// RequestID is the id of the PaymentRequest this intent settles.
	RequestID string

	// Amount is the payment amount in atomic units.
	Amount *big.Int

	// ValidUntil is the unix timestamp after which the intent is void.
	ValidUntil int64

	// Nonce is the payer's sequence number issued by the nonce allocator.
	Nonce uint64
}

// PaymentRequirements defines the terms a resource server will accept.
type PaymentRequirements struct {
	// Scheme is the payment scheme identifier (currently always "exact").
	Scheme string `json:"scheme"`

	// Network identifies the deployment the payment must settle on.
	Network string `json:"network"`

	// MaxAmountRequired is the exact amount demanded, in atomic units.
	MaxAmountRequired string `json:"maxAmountRequired"`

	// PayTo is the recipient address for the payment.
	PayTo string `json:"payTo"`
}

// Authorization carries the intent fields as strings inside the wire envelope.
type Authorization struct {
	Payer      string `json:"payer"`
	RequestID  string `json:"requestId"`
	Amount     string `json:"amount"`
	ValidUntil string `json:"validUntil"`
	Nonce      string `json:"nonce"`
}

// ExactPayload is the scheme-specific body of the wire envelope: a signature
// plus the authorization it covers.
type ExactPayload struct {
	Signature     string        `json:"signature"`
	Authorization Authorization `json:"authorization"`
}

// PaymentPayload is the wire envelope a payer client sends to the facilitator,
// base64-encoded when carried as a header value.
type PaymentPayload struct {
	Version int          `json:"version"`
	Scheme  string       `json:"scheme"`
	Network string       `json:"network"`
	Payload ExactPayload `json:"payload"`
}

// VerifyResponse is the body returned by POST /verify.
type VerifyResponse struct {
	Valid         bool   `json:"valid"`
	InvalidReason string `json:"invalidReason,omitempty"`
	Payer         string `json:"payer,omitempty"`
}

// SettleResponse is the body returned by POST /settle.
type SettleResponse struct {
	Success         bool   `json:"success"`
	TransactionHash string `json:"transactionHash,omitempty"`
	AccessProofID   string `json:"accessProofId,omitempty"`
	Error           string `json:"error,omitempty"`
}

// SupportedKind describes one scheme/network pair the facilitator settles.
type SupportedKind struct {
	Version int    `json:"version"`
	Scheme  string `json:"scheme"`
	Network string `json:"network"`
}

// SupportedResponse is the body returned by GET /supported.
type SupportedResponse struct {
	Kinds []SupportedKind `json:"kinds"`
}
