package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"

	"paygate_app_echo/internal/models"
)

// Gate-level failures surfaced to the HTTP layer.
var (
	ErrSessionNotFound  = errors.New("agent: session not found")
	ErrSessionBusy      = errors.New("agent: session is processing another turn")
	ErrPaymentPending   = errors.New("agent: payment pending, send cancel or execute")
	ErrNoPendingPayment = errors.New("agent: session has no pending tool call")
	ErrPaymentReference = errors.New("agent: an access proof id or tx hash is required")
)

// PaymentBackend is the slice of the settlement engine the gate needs:
// creating payment requests for selected tools and looking up access proofs.
type PaymentBackend interface {
	CreateRequest(ctx context.Context, payTo, amount, creator string, validity time.Duration, paywallID *uuid.UUID) (*models.PaymentRequest, error)
	GetProof(ctx context.Context, id uuid.UUID) (*models.AccessProof, error)
	Network() string
}

// Gate drives the session state machine:
// Idle -> ToolSelected -> PaymentRequired -> Settling -> Executing -> Idle.
type Gate struct {
	store    SessionStore
	reasoner Reasoner
	tools    *Catalog
	payments PaymentBackend

	payTo           string
	requestValidity time.Duration
	callTimeout     time.Duration
	maxIdle         time.Duration
}

func NewGate(store SessionStore, reasoner Reasoner, tools *Catalog, payments PaymentBackend, payTo string) *Gate {
	return &Gate{
		store:           store,
		reasoner:        reasoner,
		tools:           tools,
		payments:        payments,
		payTo:           payTo,
		requestValidity: 15 * time.Minute,
		callTimeout:     60 * time.Second,
		maxIdle:         time.Hour,
	}
}

// PaymentTerms is what the caller must settle before execution proceeds.
type PaymentTerms struct {
	RequestID  string `json:"requestId"`
	PayTo      string `json:"payTo"`
	Amount     string `json:"amount"`
	Network    string `json:"network"`
	ValidUntil int64  `json:"validUntil"`
	ToolName   string `json:"toolName"`
}

// ChatResult is the outcome of one user turn.
type ChatResult struct {
	SessionID string        `json:"sessionId"`
	Status    string        `json:"status"` // "complete" or "payment_required"
	Response  string        `json:"response,omitempty"`
	Payment   *PaymentTerms `json:"payment,omitempty"`
}

// ExecuteResult is the outcome of resuming a gated tool call.
type ExecuteResult struct {
	SessionID string          `json:"sessionId"`
	Status    string          `json:"status"` // "complete" or "error"
	Response  string          `json:"response,omitempty"`
	RawData   json.RawMessage `json:"rawData,omitempty"`
}

// Chat dispatches a user turn. If the reasoning step selects a priced tool,
// the session blocks with payment_required until Execute or Cancel.
//
// When the reasoning step proposes several tool calls at once, only the first
// is honored; the rest are dropped. This is a deliberate simplification, not
// an ordering guarantee.
func (g *Gate) Chat(ctx context.Context, sessionID, userAddress, message string) (*ChatResult, error) {
	var session *Session
	if sessionID != "" {
		existing, ok := g.store.Get(sessionID)
		if !ok {
			return nil, ErrSessionNotFound
		}
		session = existing
	} else {
		session = NewSession(userAddress)
	}

	// One transition at a time per session. A turn arriving while another is
	// still inside the reasoner is rejected, not queued.
	if !session.mu.TryLock() {
		return nil, ErrSessionBusy
	}
	defer session.mu.Unlock()

	if session.PendingToolCall != nil {
		return nil, ErrPaymentPending
	}

	session.Append(Message{Role: "user", Content: message})

	callCtx, cancel := context.WithTimeout(ctx, g.callTimeout)
	defer cancel()

	turn, err := g.reasoner.Respond(callCtx, session.Messages, g.tools.Specs())
	if err != nil {
		g.store.Put(session)
		return nil, fmt.Errorf("reasoning step failed: %w", err)
	}

	if len(turn.ToolCalls) == 0 {
		session.Append(Message{Role: "assistant", Content: turn.Text})
		g.store.Put(session)
		return &ChatResult{SessionID: session.ID, Status: "complete", Response: turn.Text}, nil
	}

	call := turn.ToolCalls[0]
	tool, ok := g.tools.Get(call.Name)
	if !ok {
		g.store.Put(session)
		return nil, fmt.Errorf("reasoning step selected unknown tool %q", call.Name)
	}

	request, err := g.payments.CreateRequest(ctx, g.payTo, tool.Spec.Price, "agent-gate", g.requestValidity, nil)
	if err != nil {
		g.store.Put(session)
		return nil, fmt.Errorf("create payment request: %w", err)
	}

	session.PendingToolCall = &PendingToolCall{
		ID:               call.ID,
		ToolName:         call.Name,
		Args:             call.Args,
		RawModelTurn:     turn.Raw,
		PaymentRequestID: request.ID,
	}
	session.LastTouched = time.Now()
	g.store.Put(session)

	return &ChatResult{
		SessionID: session.ID,
		Status:    "payment_required",
		Payment: &PaymentTerms{
			RequestID:  request.ID.String(),
			PayTo:      request.PayTo,
			Amount:     request.Amount,
			Network:    g.payments.Network(),
			ValidUntil: request.ValidUntil.Unix(),
			ToolName:   call.Name,
		},
	}, nil
}

// Execute resumes a payment-gated session. The caller must present an access
// proof id or a transaction reference; the proof check itself is best-effort:
// a lookup failure is logged but does not block execution, since settlement
// already happened upstream. Fail-open here is a recorded policy decision.
func (g *Gate) Execute(ctx context.Context, sessionID, accessProofID, txHash string) (*ExecuteResult, error) {
	session, ok := g.store.Get(sessionID)
	if !ok {
		return nil, ErrSessionNotFound
	}
	if !session.mu.TryLock() {
		return nil, ErrSessionBusy
	}
	defer session.mu.Unlock()

	pending := session.PendingToolCall
	if pending == nil {
		return nil, ErrNoPendingPayment
	}
	if accessProofID == "" && txHash == "" {
		return nil, ErrPaymentReference
	}

	if accessProofID != "" {
		g.checkProof(ctx, accessProofID, pending)
	}

	callCtx, cancel := context.WithTimeout(ctx, g.callTimeout)
	defer cancel()

	raw, err := g.tools.Execute(callCtx, pending.ToolName, pending.Args)

	// The pending call is consumed either way; the session returns to Idle
	// with its history intact.
	session.PendingToolCall = nil

	if err != nil {
		session.Append(Message{
			Role:       "tool",
			Name:       pending.ToolName,
			ToolCallID: pending.ID,
			Content:    fmt.Sprintf("tool execution failed: %v", err),
		})
		g.store.Put(session)
		return &ExecuteResult{SessionID: session.ID, Status: "error", Response: err.Error()}, nil
	}

	session.Append(Message{
		Role:       "tool",
		Name:       pending.ToolName,
		ToolCallID: pending.ID,
		Content:    string(raw),
	})

	finalTurn, err := g.reasoner.Respond(callCtx, session.Messages, nil)
	if err != nil {
		// Keep the tool result even when the summarizing turn fails.
		g.store.Put(session)
		return &ExecuteResult{SessionID: session.ID, Status: "complete", RawData: raw}, nil
	}

	session.Append(Message{Role: "assistant", Content: finalTurn.Text})
	g.store.Put(session)

	return &ExecuteResult{
		SessionID: session.ID,
		Status:    "complete",
		Response:  finalTurn.Text,
		RawData:   raw,
	}, nil
}

// checkProof verifies the presented access proof exists, is not revoked, and
// belongs to the session's payment request. Failures are logged only.
func (g *Gate) checkProof(ctx context.Context, accessProofID string, pending *PendingToolCall) {
	proofID, err := uuid.Parse(accessProofID)
	if err != nil {
		log.Printf("Warning: malformed access proof id %q: %v", accessProofID, err)
		return
	}
	proof, err := g.payments.GetProof(ctx, proofID)
	if err != nil {
		log.Printf("Warning: access proof %s lookup failed: %v", proofID, err)
		return
	}
	if proof.Revoked {
		log.Printf("Warning: access proof %s is revoked", proofID)
		return
	}
	if proof.RequestID != pending.PaymentRequestID {
		log.Printf("Warning: access proof %s settles request %s, session expected %s",
			proofID, proof.RequestID, pending.PaymentRequestID)
	}
}

// Cancel clears a pending tool call without executing anything.
func (g *Gate) Cancel(sessionID string) error {
	session, ok := g.store.Get(sessionID)
	if !ok {
		return ErrSessionNotFound
	}
	if !session.mu.TryLock() {
		return ErrSessionBusy
	}
	defer session.mu.Unlock()

	if session.PendingToolCall == nil {
		return ErrNoPendingPayment
	}
	session.PendingToolCall = nil
	session.LastTouched = time.Now()
	g.store.Put(session)
	return nil
}

// Session returns a live session by id.
func (g *Gate) Session(sessionID string) (*Session, error) {
	session, ok := g.store.Get(sessionID)
	if !ok {
		return nil, ErrSessionNotFound
	}
	return session, nil
}

// DeleteSession removes a session outright.
func (g *Gate) DeleteSession(sessionID string) {
	g.store.Delete(sessionID)
}

// StartSweeper evicts idle sessions on a fixed interval until ctx is done.
// Evicted sessions cannot be resumed; callers must re-create them.
func (g *Gate) StartSweeper(ctx context.Context, interval time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				if evicted := g.store.SweepExpired(g.maxIdle); evicted > 0 {
					log.Printf("Evicted %d idle agent sessions", evicted)
				}
			case <-ctx.Done():
				return
			}
		}
	}()
}
