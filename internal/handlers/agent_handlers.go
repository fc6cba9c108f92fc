package handlers

import (
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"

	"paygate_app_echo/internal/agent"
)

type AgentHandler struct {
	gate *agent.Gate
}

func NewAgentHandler(gate *agent.Gate) *AgentHandler {
	return &AgentHandler{gate: gate}
}

type chatBody struct {
	Message     string `json:"message"`
	SessionID   string `json:"sessionId,omitempty"`
	UserAddress string `json:"userAddress,omitempty"`
	Cancel      bool   `json:"cancel,omitempty"`
}

// Chat handles POST /agent/chat. A cancel:true body clears a pending payment
// gate instead of dispatching a turn.
func (h *AgentHandler) Chat(c echo.Context) error {
	var body chatBody
	if err := c.Bind(&body); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}

	if body.Cancel {
		if err := h.gate.Cancel(body.SessionID); err != nil {
			return agentError(err)
		}
		return c.JSON(http.StatusOK, map[string]interface{}{
			"sessionId": body.SessionID,
			"status":    "cancelled",
		})
	}

	if body.Message == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "message is required")
	}

	result, err := h.gate.Chat(c.Request().Context(), body.SessionID, body.UserAddress, body.Message)
	if err != nil {
		return agentError(err)
	}
	return c.JSON(http.StatusOK, result)
}

type executeBody struct {
	SessionID     string `json:"sessionId"`
	AccessProofID string `json:"accessProofId,omitempty"`
	TxHash        string `json:"txHash,omitempty"`
}

// Execute handles POST /agent/execute: resumes a payment-gated tool call.
func (h *AgentHandler) Execute(c echo.Context) error {
	var body executeBody
	if err := c.Bind(&body); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}

	result, err := h.gate.Execute(c.Request().Context(), body.SessionID, body.AccessProofID, body.TxHash)
	if err != nil {
		return agentError(err)
	}
	return c.JSON(http.StatusOK, result)
}

// GetSession handles GET /agent/session/:id.
func (h *AgentHandler) GetSession(c echo.Context) error {
	session, err := h.gate.Session(c.Param("id"))
	if err != nil {
		return agentError(err)
	}
	return c.JSON(http.StatusOK, map[string]interface{}{
		"sessionId":         session.ID,
		"messageCount":      len(session.Messages),
		"hasPendingPayment": session.PendingToolCall != nil,
	})
}

// DeleteSession handles DELETE /agent/session/:id.
func (h *AgentHandler) DeleteSession(c echo.Context) error {
	h.gate.DeleteSession(c.Param("id"))
	return c.NoContent(http.StatusNoContent)
}

// agentError maps gate failures to HTTP statuses.
func agentError(err error) error {
	switch {
	case errors.Is(err, agent.ErrSessionNotFound):
		return echo.NewHTTPError(http.StatusNotFound, err.Error())
	case errors.Is(err, agent.ErrSessionBusy), errors.Is(err, agent.ErrPaymentPending), errors.Is(err, agent.ErrNoPendingPayment):
		return echo.NewHTTPError(http.StatusConflict, err.Error())
	case errors.Is(err, agent.ErrPaymentReference):
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	default:
		return err
	}
}
