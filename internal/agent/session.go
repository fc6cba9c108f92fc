// Package agent implements the payment-gated execution session: a short-lived
// server-held state machine that pauses a tool-using conversation at the point
// a priced tool call is selected, until a matching settlement is presented.
package agent

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Message is one turn of the conversation.
type Message struct {
	Role       string `json:"role"` // "user", "assistant", "tool"
	Content    string `json:"content"`
	ToolCallID string `json:"tool_call_id,omitempty"`
	Name       string `json:"name,omitempty"`
}

// PendingToolCall is the tool invocation the session is blocked on. While it
// is set, the session accepts no new user turns except an explicit cancel.
type PendingToolCall struct {
	ID               string          `json:"id"`
	ToolName         string          `json:"tool_name"`
	Args             json.RawMessage `json:"args"`
	RawModelTurn     json.RawMessage `json:"raw_model_turn"`
	PaymentRequestID uuid.UUID       `json:"payment_request_id"`
}

// Session is the per-conversation state. States: Idle when PendingToolCall is
// nil, payment-gated otherwise.
//
// mu serializes state transitions: the gate holds it for the full duration of
// a turn, including the external reasoner and tool calls, so a slow call
// cannot let a second racing transition through.
type Session struct {
	mu sync.Mutex

	ID              string           `json:"id"`
	Messages        []Message        `json:"messages"`
	UserAddress     string           `json:"user_address,omitempty"`
	PendingToolCall *PendingToolCall `json:"pending_tool_call,omitempty"`
	CreatedAt       time.Time        `json:"created_at"`
	LastTouched     time.Time        `json:"last_touched"`
}

// NewSession creates an idle session.
func NewSession(userAddress string) *Session {
	now := time.Now()
	return &Session{
		ID:          uuid.NewString(),
		UserAddress: userAddress,
		CreatedAt:   now,
		LastTouched: now,
	}
}

// Append adds a turn and refreshes the idle clock.
func (s *Session) Append(msg Message) {
	s.Messages = append(s.Messages, msg)
	s.LastTouched = time.Now()
}
