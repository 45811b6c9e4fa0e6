package trade

import (
	"context"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"

	"github.com/mbd888/p2pdesk/internal/apperr"
	"github.com/mbd888/p2pdesk/internal/audit"
	"github.com/mbd888/p2pdesk/internal/money"
	"github.com/mbd888/p2pdesk/internal/validation"
)

// Handler provides HTTP endpoints for offers and trades.
type Handler struct {
	service *Service
}

// NewHandler creates a new trade handler.
func NewHandler(s *Service) *Handler {
	return &Handler{service: s}
}

// RegisterRoutes sets up offer and trade routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/offers", h.ListOffers)
	r.GET("/offers/:id", h.GetOffer)
	r.POST("/offers", h.CreateOffer)
	r.POST("/offers/:id/cancel", h.CancelOffer)

	r.POST("/trades", h.CreateTrade)
	r.GET("/trades", h.ListTrades)
	r.GET("/trades/:id", h.GetTrade)
	r.POST("/trades/:id/paid", h.MarkAsPaid)
	r.POST("/trades/:id/release", h.Release)
	r.POST("/trades/:id/cancel", h.Cancel)
	r.POST("/trades/:id/dispute", h.OpenDispute)
}

// RegisterAdminRoutes sets up admin-only trade routes.
func (h *Handler) RegisterAdminRoutes(r *gin.RouterGroup) {
	r.GET("/trades/:id", h.AdminGetTrade)
}

func userCtx(c *gin.Context) (context.Context, string) {
	id := c.GetString("userID")
	return audit.WithActor(c.Request.Context(), audit.ActorUser, id), id
}

func badRequest(c *gin.Context, errs validation.ValidationErrors) {
	c.JSON(http.StatusBadRequest, gin.H{"error": "validation_error", "message": errs.Error(), "details": errs})
}

func invalidBody(c *gin.Context) {
	c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "Invalid request body"})
}

// CreateOfferRequest is the body of POST /v1/offers.
type CreateOfferRequest struct {
	Currency       string   `json:"currency" binding:"required"`
	FiatCurrency   string   `json:"fiatCurrency" binding:"required"`
	Price          string   `json:"price" binding:"required"`
	Amount         string   `json:"amount" binding:"required"`
	MinAmount      string   `json:"minAmount" binding:"required"`
	MaxAmount      string   `json:"maxAmount" binding:"required"`
	PaymentMethods []string `json:"paymentMethods" binding:"required"`
	Terms          string   `json:"terms"`
}

// CreateOffer handles POST /v1/offers
func (h *Handler) CreateOffer(c *gin.Context) {
	var req CreateOfferRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		invalidBody(c)
		return
	}
	if errs := validation.Validate(
		validation.ValidCurrency("currency", req.Currency),
		validation.ValidCurrency("fiatCurrency", req.FiatCurrency),
		validation.ValidAmount("price", req.FiatCurrency, req.Price),
		validation.ValidAmount("amount", req.Currency, req.Amount),
		validation.ValidAmount("minAmount", req.Currency, req.MinAmount),
		validation.ValidAmount("maxAmount", req.Currency, req.MaxAmount),
		validation.MaxLength("terms", req.Terms, validation.MaxReasonLength),
	); len(errs) > 0 {
		badRequest(c, errs)
		return
	}

	price, _ := money.ParsePositive(req.FiatCurrency, req.Price)
	amount, _ := money.ParsePositive(req.Currency, req.Amount)
	minAmt, _ := money.ParsePositive(req.Currency, req.MinAmount)
	maxAmt, _ := money.ParsePositive(req.Currency, req.MaxAmount)

	ctx, userID := userCtx(c)
	offer, err := h.service.CreateOffer(ctx, userID, OfferParams{
		Currency:       req.Currency,
		FiatCurrency:   req.FiatCurrency,
		Price:          price,
		Amount:         amount,
		MinAmount:      minAmt,
		MaxAmount:      maxAmt,
		PaymentMethods: req.PaymentMethods,
		Terms:          validation.SanitizeString(req.Terms, validation.MaxReasonLength),
	})
	if err != nil {
		apperr.JSON(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"offer": offer})
}

// ListOffers handles GET /v1/offers
func (h *Handler) ListOffers(c *gin.Context) {
	f := OfferFilter{
		SellerID:     c.Query("seller"),
		Currency:     money.Code(c.Query("currency")),
		FiatCurrency: money.Code(c.Query("fiat")),
		Status:       OfferStatus(c.DefaultQuery("status", string(OfferActive))),
	}
	offers, err := h.service.ListOffers(c.Request.Context(), f, queryLimit(c))
	if err != nil {
		apperr.JSON(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"offers": offers, "count": len(offers)})
}

// GetOffer handles GET /v1/offers/:id
func (h *Handler) GetOffer(c *gin.Context) {
	offer, err := h.service.GetOffer(c.Request.Context(), c.Param("id"))
	if err != nil {
		apperr.JSON(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"offer": offer})
}

// CancelOffer handles POST /v1/offers/:id/cancel
func (h *Handler) CancelOffer(c *gin.Context) {
	ctx, userID := userCtx(c)
	offer, err := h.service.CancelOffer(ctx, c.Param("id"), userID)
	if err != nil {
		apperr.JSON(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"offer": offer})
}

// CreateTradeRequest is the body of POST /v1/trades.
type CreateTradeRequest struct {
	OfferID       string `json:"offerId" binding:"required"`
	Amount        string `json:"amount" binding:"required"`
	PaymentMethod string `json:"paymentMethod" binding:"required"`
}

// CreateTrade handles POST /v1/trades
func (h *Handler) CreateTrade(c *gin.Context) {
	var req CreateTradeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		invalidBody(c)
		return
	}
	amount, err := decimal.NewFromString(req.Amount)
	if err != nil {
		badRequest(c, validation.ValidationErrors{{Field: "amount", Message: "must be a decimal number"}})
		return
	}

	ctx, userID := userCtx(c)
	t, err := h.service.CreateTrade(ctx, userID, TradeRequest{
		OfferID:       req.OfferID,
		Amount:        amount,
		PaymentMethod: req.PaymentMethod,
	})
	if err != nil {
		apperr.JSON(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"trade": t})
}

// ListTrades handles GET /v1/trades
func (h *Handler) ListTrades(c *gin.Context) {
	trades, err := h.service.ListByUser(c.Request.Context(), c.GetString("userID"), Status(c.Query("status")), queryLimit(c))
	if err != nil {
		apperr.JSON(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"trades": trades, "count": len(trades)})
}

// GetTrade handles GET /v1/trades/:id
func (h *Handler) GetTrade(c *gin.Context) {
	t, err := h.service.Get(c.Request.Context(), c.Param("id"), c.GetString("userID"))
	if err != nil {
		apperr.JSON(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"trade": t})
}

// AdminGetTrade handles GET /v1/admin/trades/:id
func (h *Handler) AdminGetTrade(c *gin.Context) {
	t, err := h.service.GetTrade(c.Request.Context(), c.Param("id"))
	if err != nil {
		apperr.JSON(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"trade": t})
}

// MarkAsPaid handles POST /v1/trades/:id/paid
func (h *Handler) MarkAsPaid(c *gin.Context) {
	ctx, userID := userCtx(c)
	t, err := h.service.MarkAsPaid(ctx, c.Param("id"), userID)
	if err != nil {
		apperr.JSON(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"trade": t})
}

// ReleaseRequest carries the seller's release authorization.
type ReleaseRequest struct {
	AuthProof string `json:"authProof"`
}

// Release handles POST /v1/trades/:id/release
func (h *Handler) Release(c *gin.Context) {
	var req ReleaseRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			invalidBody(c)
			return
		}
	}
	ctx, userID := userCtx(c)
	t, err := h.service.ReleaseCrypto(ctx, c.Param("id"), userID, req.AuthProof)
	if err != nil {
		apperr.JSON(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"trade": t})
}

// ReasonRequest is the body of cancel and dispute requests.
type ReasonRequest struct {
	Reason string `json:"reason"`
}

func bindReason(c *gin.Context, required bool) (string, bool) {
	var req ReasonRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			invalidBody(c)
			return "", false
		}
	}
	validators := []func() *validation.ValidationError{
		validation.MaxLength("reason", req.Reason, validation.MaxReasonLength),
	}
	if required {
		validators = append(validators, validation.Required("reason", req.Reason))
	}
	if errs := validation.Validate(validators...); len(errs) > 0 {
		badRequest(c, errs)
		return "", false
	}
	return validation.SanitizeString(req.Reason, validation.MaxReasonLength), true
}

// Cancel handles POST /v1/trades/:id/cancel
func (h *Handler) Cancel(c *gin.Context) {
	reason, ok := bindReason(c, false)
	if !ok {
		return
	}
	ctx, userID := userCtx(c)
	t, err := h.service.CancelTrade(ctx, c.Param("id"), userID, reason)
	if err != nil {
		apperr.JSON(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"trade": t})
}

// OpenDispute handles POST /v1/trades/:id/dispute
func (h *Handler) OpenDispute(c *gin.Context) {
	reason, ok := bindReason(c, true)
	if !ok {
		return
	}
	ctx, userID := userCtx(c)
	t, disputeID, err := h.service.OpenDispute(ctx, c.Param("id"), userID, reason)
	if err != nil {
		apperr.JSON(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"trade": t, "disputeId": disputeID})
}

func queryLimit(c *gin.Context) int {
	n, _ := strconv.Atoi(c.Query("limit"))
	return n
}
