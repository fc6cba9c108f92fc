package handlers

import (
	"errors"
	"net/http"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"gorm.io/gorm"

	"paygate_app_echo/internal/middleware"
	"paygate_app_echo/internal/services"
	"paygate_app_echo/internal/x402"
)

type FacilitatorHandler struct {
	svc *services.SettlementService
}

func NewFacilitatorHandler(svc *services.SettlementService) *FacilitatorHandler {
	return &FacilitatorHandler{svc: svc}
}

// facilitatorRequest is the shared body of POST /verify and POST /settle.
type facilitatorRequest struct {
	// Payload is the base64-encoded wire envelope.
	Payload      string                   `json:"payload"`
	Requirements x402.PaymentRequirements `json:"requirements"`
}

// VerifyPayment handles POST /verify. Verification performs no mutation and
// may be called repeatedly.
func (h *FacilitatorHandler) VerifyPayment(c echo.Context) error {
	var req facilitatorRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}

	intent, err := h.svc.Verify(c.Request().Context(), req.Payload, req.Requirements)
	if err != nil {
		if code := x402.CodeOf(err); code != "" {
			return c.JSON(middleware.StatusForCode(code), x402.VerifyResponse{
				Valid:         false,
				InvalidReason: string(code),
			})
		}
		return err
	}

	return c.JSON(http.StatusOK, x402.VerifyResponse{
		Valid: true,
		Payer: intent.Payer.Hex(),
	})
}

// SettlePayment handles POST /settle: the single mutating step of the
// protocol.
func (h *FacilitatorHandler) SettlePayment(c echo.Context) error {
	var req facilitatorRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}

	outcome, err := h.svc.Settle(c.Request().Context(), req.Payload, req.Requirements)
	if err != nil {
		if code := x402.CodeOf(err); code != "" {
			return c.JSON(middleware.StatusForCode(code), x402.SettleResponse{
				Success: false,
				Error:   string(code),
			})
		}
		return err
	}

	resp := x402.SettleResponse{
		Success:         true,
		TransactionHash: outcome.TxRef,
		AccessProofID:   outcome.AccessProofID.String(),
	}

	// Mirror the settlement into a response header for clients that relay it.
	if encoded, encErr := x402.EncodeSettleResponse(resp); encErr == nil {
		c.Response().Header().Set("X-Payment-Response", encoded)
	}

	return c.JSON(http.StatusOK, resp)
}

// Supported handles GET /supported.
func (h *FacilitatorHandler) Supported(c echo.Context) error {
	return c.JSON(http.StatusOK, x402.SupportedResponse{
		Kinds: []x402.SupportedKind{
			{Version: x402.ProtocolVersion, Scheme: x402.SchemeExact, Network: h.svc.Network()},
		},
	})
}

// GetProof handles GET /proof/:id.
func (h *FacilitatorHandler) GetProof(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid proof id")
	}

	proof, err := h.svc.GetProof(c.Request().Context(), id)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return echo.NewHTTPError(http.StatusNotFound, "access proof not found")
		}
		return err
	}
	return c.JSON(http.StatusOK, proof)
}

// RevokeProof handles POST /proof/:id/revoke. Idempotent when already revoked.
func (h *FacilitatorHandler) RevokeProof(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid proof id")
	}

	proof, err := h.svc.RevokeProof(c.Request().Context(), id)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return echo.NewHTTPError(http.StatusNotFound, "access proof not found")
		}
		return err
	}
	return c.JSON(http.StatusOK, proof)
}
