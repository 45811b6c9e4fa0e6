package ledger

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"

	"github.com/mbd888/p2pdesk/internal/apperr"
	"github.com/mbd888/p2pdesk/internal/audit"
	"github.com/mbd888/p2pdesk/internal/money"
	"github.com/mbd888/p2pdesk/internal/validation"
)

// Withdrawer books admin withdrawals. The ledger itself is the default;
// the fee distributor wraps it to withhold a withdrawal fee.
type Withdrawer interface {
	Withdraw(ctx context.Context, userID, currency string, amount decimal.Decimal, reference string) (*Balance, error)
}

// Handler provides HTTP endpoints for ledger operations
type Handler struct {
	ledger     *Ledger
	withdrawer Withdrawer
	logger     *slog.Logger
}

// NewHandler creates a new ledger handler
func NewHandler(ledger *Ledger, logger *slog.Logger) *Handler {
	return &Handler{ledger: ledger, withdrawer: ledger, logger: logger}
}

// WithWithdrawer routes admin withdrawals through w.
func (h *Handler) WithWithdrawer(w Withdrawer) *Handler {
	h.withdrawer = w
	return h
}

// RegisterRoutes sets up caller-scoped balance routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/balances", h.ListBalances)
	r.GET("/balances/:currency", h.GetBalance)
}

// RegisterAdminRoutes sets up admin-only ledger routes.
func (h *Handler) RegisterAdminRoutes(r *gin.RouterGroup) {
	r.POST("/ledger/deposits", h.Deposit)
	r.POST("/ledger/withdrawals", h.Withdraw)
	r.GET("/ledger/frozen", h.ListFrozen)
	r.POST("/ledger/unfreeze", h.Unfreeze)
	r.GET("/ledger/totals/:currency", h.Totals)
}

// ListBalances handles GET /v1/balances
func (h *Handler) ListBalances(c *gin.Context) {
	balances, err := h.ledger.ListBalances(c.Request.Context(), c.GetString("userID"))
	if err != nil {
		apperr.JSON(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"balances": balances, "count": len(balances)})
}

// GetBalance handles GET /v1/balances/:currency
func (h *Handler) GetBalance(c *gin.Context) {
	bal, err := h.ledger.GetBalance(c.Request.Context(), c.GetString("userID"), c.Param("currency"))
	if err != nil {
		apperr.JSON(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"balance": bal})
}

// MovementRequest is the body for admin deposits and withdrawals.
type MovementRequest struct {
	UserID    string `json:"userId" binding:"required"`
	Currency  string `json:"currency" binding:"required"`
	Amount    string `json:"amount" binding:"required"`
	Reference string `json:"reference"`
}

// Deposit handles POST /v1/admin/ledger/deposits
func (h *Handler) Deposit(c *gin.Context) {
	h.movement(c, h.ledger.Deposit)
}

// Withdraw handles POST /v1/admin/ledger/withdrawals
func (h *Handler) Withdraw(c *gin.Context) {
	h.movement(c, h.withdrawer.Withdraw)
}

func (h *Handler) movement(c *gin.Context, apply func(ctx context.Context, user, currency string, amount decimal.Decimal, ref string) (*Balance, error)) {
	var req MovementRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "Invalid request body"})
		return
	}
	if errs := validation.Validate(
		validation.ValidUserID("userId", req.UserID),
		validation.ValidCurrency("currency", req.Currency),
		validation.ValidAmount("amount", req.Currency, req.Amount),
	); len(errs) > 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "validation_error", "message": errs.Error(), "details": errs})
		return
	}
	amount, _ := money.ParsePositive(req.Currency, req.Amount)

	ctx := audit.WithActor(c.Request.Context(), audit.ActorAdmin, c.GetString("adminID"))
	bal, err := apply(ctx, req.UserID, req.Currency, amount, req.Reference)
	if err != nil {
		apperr.JSON(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"balance": bal})
}

// ListFrozen handles GET /v1/admin/ledger/frozen
func (h *Handler) ListFrozen(c *gin.Context) {
	frozen := h.ledger.Frozen()
	c.JSON(http.StatusOK, gin.H{"frozen": frozen, "count": len(frozen)})
}

// UnfreezeRequest identifies the record to unfreeze.
type UnfreezeRequest struct {
	UserID   string `json:"userId" binding:"required"`
	Currency string `json:"currency" binding:"required"`
}

// Unfreeze handles POST /v1/admin/ledger/unfreeze
func (h *Handler) Unfreeze(c *gin.Context) {
	var req UnfreezeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "Invalid request body"})
		return
	}
	ctx := audit.WithActor(c.Request.Context(), audit.ActorAdmin, c.GetString("adminID"))
	if err := h.ledger.Unfreeze(ctx, req.UserID, req.Currency); err != nil {
		apperr.JSON(c, err)
		return
	}
	h.logger.Info("balance record unfrozen by admin", "user", req.UserID, "currency", req.Currency)
	c.JSON(http.StatusOK, gin.H{"status": "unfrozen"})
}

// Totals handles GET /v1/admin/ledger/totals/:currency
func (h *Handler) Totals(c *gin.Context) {
	currency := money.Code(c.Param("currency"))
	total, err := h.ledger.SumTotals(c.Request.Context(), currency)
	if err != nil {
		apperr.JSON(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"currency": currency, "total": total})
}
