package services

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"paygate_app_echo/internal/x402"
)

// Ledger submission failures the settlement engine reacts to specifically.
var (
	// ErrAlreadyUsedNonce means the (payer, nonce) pair was already consumed
	// on the ledger. Settle treats this as an idempotent no-op.
	ErrAlreadyUsedNonce = errors.New("ledger: nonce already used")

	// ErrNonceMismatch means the ledger rejected the nonce as out of step
	// with its authoritative count. The allocator's cached state is stale
	// and must be reset before the next acquire.
	ErrNonceMismatch = errors.New("ledger: nonce does not match on-ledger count")
)

// SubmitResult is what the ledger reports for an accepted intent.
type SubmitResult struct {
	TxRef         string `json:"txRef"`
	AccessProofID string `json:"accessProofId"`
}

// LedgerClient is the collaborator that executes settlements on-ledger. The
// core trusts its results and treats "transaction is mined" as an opaque,
// awaitable fact.
type LedgerClient interface {
	// GetNonceCount returns the payer's authoritative on-ledger nonce count.
	GetNonceCount(ctx context.Context, payer common.Address) (uint64, error)

	// SubmitSignedIntent executes the settlement for a verified intent.
	// May fail with ErrAlreadyUsedNonce or ErrNonceMismatch.
	SubmitSignedIntent(ctx context.Context, intent *x402.PaymentIntent, signature string) (*SubmitResult, error)
}

// HTTPLedgerClient talks to the ledger gateway over HTTP.
type HTTPLedgerClient struct {
	baseURL string
	apiKey  string
	client  *http.Client
}

func NewHTTPLedgerClient(baseURL, apiKey string) *HTTPLedgerClient {
	return &HTTPLedgerClient{
		baseURL: baseURL,
		apiKey:  apiKey,
		client: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

type ledgerErrorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (c *HTTPLedgerClient) doJSON(ctx context.Context, method, endpoint string, payload, dest interface{}) error {
	var bodyReader io.Reader
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("failed to marshal payload: %w", err)
		}
		bodyReader = bytes.NewBuffer(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+endpoint, bodyReader)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("X-Api-Key", c.apiKey)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		body, _ := io.ReadAll(resp.Body)
		var ledgerErr ledgerErrorBody
		if json.Unmarshal(body, &ledgerErr) == nil {
			switch ledgerErr.Code {
			case "nonce_used":
				return ErrAlreadyUsedNonce
			case "nonce_mismatch":
				return ErrNonceMismatch
			}
		}
		return fmt.Errorf("ledger request failed with status %d: %s", resp.StatusCode, string(body))
	}

	if dest != nil {
		if err := json.NewDecoder(resp.Body).Decode(dest); err != nil {
			return fmt.Errorf("failed to decode response: %w", err)
		}
	}
	return nil
}

func (c *HTTPLedgerClient) GetNonceCount(ctx context.Context, payer common.Address) (uint64, error) {
	var out struct {
		Count uint64 `json:"count"`
	}
	if err := c.doJSON(ctx, http.MethodGet, "/v1/nonce/"+payer.Hex(), nil, &out); err != nil {
		return 0, err
	}
	return out.Count, nil
}

func (c *HTTPLedgerClient) SubmitSignedIntent(ctx context.Context, intent *x402.PaymentIntent, signature string) (*SubmitResult, error) {
	body := map[string]interface{}{
		"authorization": intent.Authorization(),
		"signature":     signature,
	}
	var out SubmitResult
	if err := c.doJSON(ctx, http.MethodPost, "/v1/intents", body, &out); err != nil {
		return nil, err
	}
	return &out, nil
}
