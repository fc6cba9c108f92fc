package x402

import (
	"fmt"
	"math/big"
	"strconv"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// DefaultValidity is the validity window applied when the caller does not
// supply a validUntil of its own.
const DefaultValidity = 5 * time.Minute

// NewIntent builds a PaymentIntent for the given request terms. validUntil of
// zero selects the default validity window from now.
func NewIntent(payer common.Address, requestID string, amount *big.Int, validUntil int64, nonce uint64) *PaymentIntent {
	if validUntil == 0 {
		validUntil = time.Now().Add(DefaultValidity).Unix()
	}
	return &PaymentIntent{
		Payer:      payer,
		RequestID:  requestID,
		Amount:     new(big.Int).Set(amount),
		ValidUntil: validUntil,
		Nonce:      nonce,
	}
}

// Expired reports whether the intent's validity window has passed at t.
func (i *PaymentIntent) Expired(t time.Time) bool {
	return t.Unix() > i.ValidUntil
}

// Authorization converts the intent to its string-field wire form.
func (i *PaymentIntent) Authorization() Authorization {
	return Authorization{
		Payer:      i.Payer.Hex(),
		RequestID:  i.RequestID,
		Amount:     i.Amount.String(),
		ValidUntil: strconv.FormatInt(i.ValidUntil, 10),
		Nonce:      strconv.FormatUint(i.Nonce, 10),
	}
}

// ParseAuthorization converts the wire form back to a PaymentIntent. Field
// parse failures are reported as BadPaymentHeader since they can only come
// from a malformed envelope.
func ParseAuthorization(auth Authorization) (*PaymentIntent, error) {
	if !common.IsHexAddress(auth.Payer) {
		return nil, Errorf(CodeBadPaymentHeader, "invalid payer address %q", auth.Payer)
	}
	if auth.RequestID == "" {
		return nil, Errorf(CodeBadPaymentHeader, "missing requestId")
	}

	amount, ok := new(big.Int).SetString(auth.Amount, 10)
	if !ok || amount.Sign() < 0 {
		return nil, Errorf(CodeBadPaymentHeader, "invalid amount %q", auth.Amount)
	}

	validUntil, err := strconv.ParseInt(auth.ValidUntil, 10, 64)
	if err != nil {
		return nil, Errorf(CodeBadPaymentHeader, "invalid validUntil %q", auth.ValidUntil)
	}

	nonce, err := strconv.ParseUint(auth.Nonce, 10, 64)
	if err != nil {
		return nil, Errorf(CodeBadPaymentHeader, "invalid nonce %q", auth.Nonce)
	}

	return &PaymentIntent{
		Payer:      common.HexToAddress(auth.Payer),
		RequestID:  auth.RequestID,
		Amount:     amount,
		ValidUntil: validUntil,
		Nonce:      nonce,
	}, nil
}

// MatchRequirements checks the intent against the server's terms: exact
// amount and recipient-independent fields only; payTo is checked against the
// stored PaymentRequest by the verifier, not here.
func (i *PaymentIntent) MatchRequirements(reqs PaymentRequirements) error {
	if reqs.Scheme != SchemeExact {
		return Errorf(CodeTermsMismatch, "unsupported scheme %q", reqs.Scheme)
	}
	required, ok := new(big.Int).SetString(reqs.MaxAmountRequired, 10)
	if !ok {
		return Errorf(CodeTermsMismatch, "invalid required amount %q", reqs.MaxAmountRequired)
	}
	if i.Amount.Cmp(required) != 0 {
		return Errorf(CodeTermsMismatch, "amount %s does not match required %s", i.Amount, required)
	}
	return nil
}

func (i *PaymentIntent) String() string {
	return fmt.Sprintf("intent{payer=%s request=%s amount=%s nonce=%d}", i.Payer.Hex(), i.RequestID, i.Amount, i.Nonce)
}
