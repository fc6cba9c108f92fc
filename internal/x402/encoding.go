package x402

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
)

// EncodePayment converts a PaymentPayload to a base64-encoded JSON string
// suitable for carrying in an HTTP header value.
func EncodePayment(payload PaymentPayload) (string, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("failed to marshal payment payload: %w", err)
	}
	return base64.StdEncoding.EncodeToString(data), nil
}

// DecodePayment converts a base64-encoded JSON string back to a PaymentPayload.
// Malformed base64 or JSON is rejected as BadPaymentHeader.
func DecodePayment(encoded string) (PaymentPayload, error) {
	var payload PaymentPayload

	data, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return payload, Errorf(CodeBadPaymentHeader, "decode base64: %v", err)
	}

	if err := json.Unmarshal(data, &payload); err != nil {
		return payload, Errorf(CodeBadPaymentHeader, "unmarshal payload: %v", err)
	}

	return payload, nil
}

// EncodeSettleResponse converts a SettleResponse to base64-encoded JSON for
// response-header transport.
func EncodeSettleResponse(resp SettleResponse) (string, error) {
	data, err := json.Marshal(resp)
	if err != nil {
		return "", fmt.Errorf("failed to marshal settle response: %w", err)
	}
	return base64.StdEncoding.EncodeToString(data), nil
}

// DecodeSettleResponse converts a base64-encoded JSON string back to a
// SettleResponse.
func DecodeSettleResponse(encoded string) (SettleResponse, error) {
	var resp SettleResponse

	data, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return resp, fmt.Errorf("failed to decode base64: %w", err)
	}

	if err := json.Unmarshal(data, &resp); err != nil {
		return resp, fmt.Errorf("failed to unmarshal settle response: %w", err)
	}

	return resp, nil
}
