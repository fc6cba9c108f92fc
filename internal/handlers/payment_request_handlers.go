package handlers

import (
	"math/big"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"gorm.io/gorm"

	"paygate_app_echo/internal/models"
	"paygate_app_echo/internal/services"
	"paygate_app_echo/internal/x402"
)

type PaymentRequestHandler struct {
	db  *gorm.DB
	svc *services.SettlementService
}

func NewPaymentRequestHandler(db *gorm.DB, svc *services.SettlementService) *PaymentRequestHandler {
	return &PaymentRequestHandler{db: db, svc: svc}
}

type createRequestBody struct {
	PayTo           string  `json:"payTo"`
	Amount          string  `json:"amount"`
	Creator         string  `json:"creator"`
	PaywallID       *string `json:"paywallId,omitempty"`
	ValiditySeconds int64   `json:"validitySeconds"`
}

// CreateRequest handles POST /request: a resource server records payment
// terms before asking a client to pay.
func (h *PaymentRequestHandler) CreateRequest(c echo.Context) error {
	var body createRequestBody
	if err := c.Bind(&body); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}

	if body.PayTo == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "payTo is required")
	}
	if _, ok := new(big.Int).SetString(body.Amount, 10); !ok {
		return echo.NewHTTPError(http.StatusBadRequest, "amount must be a decimal string")
	}

	validity := time.Duration(body.ValiditySeconds) * time.Second
	if validity <= 0 {
		validity = 15 * time.Minute
	}

	var paywallID *uuid.UUID
	if body.PaywallID != nil {
		id, err := uuid.Parse(*body.PaywallID)
		if err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, "invalid paywallId")
		}
		paywallID = &id
	}

	request, err := h.svc.CreateRequest(c.Request().Context(), body.PayTo, body.Amount, body.Creator, validity, paywallID)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusCreated, request)
}

// GetRequest handles GET /request/:id.
func (h *PaymentRequestHandler) GetRequest(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request id")
	}

	request, err := h.svc.GetRequest(c.Request().Context(), id)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, request)
}

// ListRequests handles GET /requests with creator/settled filters and
// pagination.
func (h *PaymentRequestHandler) ListRequests(c echo.Context) error {
	query := h.db.Model(&models.PaymentRequest{})

	if creator := c.QueryParam("creator"); creator != "" {
		query = query.Where("creator = ?", creator)
	}
	if settledStr := c.QueryParam("settled"); settledStr != "" {
		query = query.Where("settled = ?", settledStr == "true")
	}

	page := 1
	if pageStr := c.QueryParam("page"); pageStr != "" {
		if p, err := strconv.Atoi(pageStr); err == nil && p > 0 {
			page = p
		}
	}
	pageSize := 20

	var totalCount int64
	if err := query.Count(&totalCount).Error; err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, "failed to count payment requests")
	}

	var requests []models.PaymentRequest
	if err := query.Order("created_at desc").Offset((page - 1) * pageSize).Limit(pageSize).Find(&requests).Error; err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, "failed to list payment requests")
	}

	return c.JSON(http.StatusOK, map[string]interface{}{
		"requests":   requests,
		"page":       page,
		"totalCount": totalCount,
	})
}

// CancelRequest handles POST /request/:id/cancel.
func (h *PaymentRequestHandler) CancelRequest(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request id")
	}

	request, err := h.svc.CancelRequest(c.Request().Context(), id)
	if err != nil {
		if code := x402.CodeOf(err); code == x402.CodeAlreadySettled {
			return echo.NewHTTPError(http.StatusConflict, "request already settled")
		}
		return err
	}
	return c.JSON(http.StatusOK, request)
}
