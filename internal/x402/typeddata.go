package x402

import (
	"crypto/ecdsa"
	"encoding/hex"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/math"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/signer/core/apitypes"
)

// Domain binds a signature to one protocol deployment. A signature produced
// under one domain never verifies under another, which is what prevents
// cross-network and cross-deployment replay.
type Domain struct {
	// Name is the protocol name, e.g. "PayGate".
	Name string

	// Version is the protocol version string, e.g. "1".
	Version string

	// ChainID identifies the ledger network.
	ChainID int64

	// VerifyingContract is the settlement contract address on that network.
	VerifyingContract common.Address
}

const intentPrimaryType = "PaymentIntent"

// RequestHash maps a request id string to the bytes32 value used in the
// struct hash. Ids are opaque strings on the wire; hashing makes them a fixed
// width field without constraining the id format.
func RequestHash(requestID string) common.Hash {
	return crypto.Keccak256Hash([]byte(requestID))
}

func (d Domain) typedData(intent *PaymentIntent) apitypes.TypedData {
	return apitypes.TypedData{
		Types: apitypes.Types{
			"EIP712Domain": []apitypes.Type{
				{Name: "name", Type: "string"},
				{Name: "version", Type: "string"},
				{Name: "chainId", Type: "uint256"},
				{Name: "verifyingContract", Type: "address"},
			},
			intentPrimaryType: []apitypes.Type{
				{Name: "payer", Type: "address"},
				{Name: "requestId", Type: "bytes32"},
				{Name: "amount", Type: "uint256"},
				{Name: "validUntil", Type: "uint256"},
				{Name: "nonce", Type: "uint256"},
			},
		},
		PrimaryType: intentPrimaryType,
		Domain: apitypes.TypedDataDomain{
			Name:              d.Name,
			Version:           d.Version,
			ChainId:           (*math.HexOrDecimal256)(big.NewInt(d.ChainID)),
			VerifyingContract: d.VerifyingContract.Hex(),
		},
		Message: apitypes.TypedDataMessage{
			"payer":      intent.Payer.Hex(),
			"requestId":  RequestHash(intent.RequestID).Hex(),
			"amount":     (*math.HexOrDecimal256)(intent.Amount),
			"validUntil": (*math.HexOrDecimal256)(big.NewInt(intent.ValidUntil)),
			"nonce":      (*math.HexOrDecimal256)(new(big.Int).SetUint64(intent.Nonce)),
		},
	}
}

// Digest computes the domain-separated signing digest for the intent.
func (d Domain) Digest(intent *PaymentIntent) ([]byte, error) {
	typedData := d.typedData(intent)

	domainSeparator, err := typedData.HashStruct("EIP712Domain", typedData.Domain.Map())
	if err != nil {
		return nil, fmt.Errorf("failed to hash domain: %w", err)
	}

	messageHash, err := typedData.HashStruct(intentPrimaryType, typedData.Message)
	if err != nil {
		return nil, fmt.Errorf("failed to hash message: %w", err)
	}

	rawData := append([]byte{0x19, 0x01}, append(domainSeparator, messageHash...)...)
	return crypto.Keccak256(rawData), nil
}

// Sign produces the hex-encoded signature over the intent's digest. This is
// the payer-client side of the codec; the facilitator only ever recovers.
func (d Domain) Sign(privateKey *ecdsa.PrivateKey, intent *PaymentIntent) (string, error) {
	digest, err := d.Digest(intent)
	if err != nil {
		return "", err
	}

	signature, err := crypto.Sign(digest, privateKey)
	if err != nil {
		return "", fmt.Errorf("failed to sign intent: %w", err)
	}
	signature[64] += 27

	return "0x" + hex.EncodeToString(signature), nil
}

// Recover returns the address that signed the intent. Recovery failure or a
// malformed signature is reported as InvalidSignature.
func (d Domain) Recover(intent *PaymentIntent, signature string) (common.Address, error) {
	sig, err := hex.DecodeString(strings.TrimPrefix(signature, "0x"))
	if err != nil {
		return common.Address{}, Errorf(CodeInvalidSignature, "signature is not hex: %v", err)
	}
	if len(sig) != 65 {
		return common.Address{}, Errorf(CodeInvalidSignature, "signature length %d, want 65", len(sig))
	}
	if sig[64] >= 27 {
		sig = append([]byte(nil), sig...)
		sig[64] -= 27
	}

	digest, err := d.Digest(intent)
	if err != nil {
		return common.Address{}, err
	}

	pubKey, err := crypto.SigToPub(digest, sig)
	if err != nil {
		return common.Address{}, Errorf(CodeInvalidSignature, "recover public key: %v", err)
	}

	return crypto.PubkeyToAddress(*pubKey), nil
}

// SignPayment signs an intent and wraps it into the wire envelope in one step.
func (d Domain) SignPayment(privateKey *ecdsa.PrivateKey, network string, intent *PaymentIntent) (PaymentPayload, error) {
	signature, err := d.Sign(privateKey, intent)
	if err != nil {
		return PaymentPayload{}, err
	}

	return PaymentPayload{
		Version: ProtocolVersion,
		Scheme:  SchemeExact,
		Network: network,
		Payload: ExactPayload{
			Signature:     signature,
			Authorization: intent.Authorization(),
		},
	}, nil
}
