package handler

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/taskmgr818/stargraph-broker/internal/auth"
	appctx "github.com/taskmgr818/stargraph-broker/internal/context"
	"github.com/taskmgr818/stargraph-broker/internal/ledger"
)

// UserHandler handles user-related endpoints.
type UserHandler struct {
	userSvc auth.UserService
	ledger  ledger.Ledger
}

// NewUserHandler creates a new UserHandler.
func NewUserHandler(userSvc auth.UserService, l ledger.Ledger) *UserHandler {
	return &UserHandler{
		userSvc: userSvc,
		ledger:  l,
	}
}

// RegisterRoutes registers user routes on the api group.
func (h *UserHandler) RegisterRoutes(api *gin.RouterGroup) {
	api.GET("/me", h.Me)
	api.POST("/me/reset-key", h.ResetAPIKey)
	api.GET("/me/balance", h.MyBalance)
	api.GET("/me/transactions", h.MyTransactions)
}

// UserProfile is a user together with their balance.
type UserProfile struct {
	User    *auth.User      `json:"user"`
	Balance BalanceResponse `json:"balance"`
}

// ─────────────────────────────────────────────
// GET /api/v1/me
// ─────────────────────────────────────────────

// Me returns the authenticated user's profile with balance.
func (h *UserHandler) Me(c *gin.Context) {
	user := appctx.MustGetUser(c)

	acc, err := h.ledger.GetAccount(c.Request.Context(), user.ID)
	if err != nil {
		writeError(c, err)
		return
	}

	c.JSON(http.StatusOK, UserProfile{
		User:    user,
		Balance: BalanceResponse{Available: acc.Available, Frozen: acc.Frozen},
	})
}

// ─────────────────────────────────────────────
// POST /api/v1/me/reset-key
// ─────────────────────────────────────────────

type ResetKeyResponse struct {
	APIKey string `json:"api_key"`
}

// ResetAPIKey regenerates the user's API key.
func (h *UserHandler) ResetAPIKey(c *gin.Context) {
	user := appctx.MustGetUser(c)

	updatedUser, err := h.userSvc.ResetAPIKey(c.Request.Context(), user.ID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to reset api key"})
		return
	}

	c.JSON(http.StatusOK, ResetKeyResponse{
		APIKey: updatedUser.APIKey,
	})
}

// ─────────────────────────────────────────────
// GET /api/v1/me/balance
// ─────────────────────────────────────────────

type BalanceResponse struct {
	Available int64 `json:"available"`
	Frozen    int64 `json:"frozen"`
}

// MyBalance returns the user's available and frozen units.
func (h *UserHandler) MyBalance(c *gin.Context) {
	acc, err := h.ledger.GetAccount(c.Request.Context(), appctx.GetOwnerID(c))
	if err != nil {
		writeError(c, err)
		return
	}

	c.JSON(http.StatusOK, BalanceResponse{
		Available: acc.Available,
		Frozen:    acc.Frozen,
	})
}

// ─────────────────────────────────────────────
// GET /api/v1/me/transactions?limit=
// ─────────────────────────────────────────────

// MyTransactions lists the user's latest ledger entries.
func (h *UserHandler) MyTransactions(c *gin.Context) {
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))
	if limit < 1 || limit > 200 {
		limit = 50
	}

	txs, err := h.ledger.Transactions(c.Request.Context(), appctx.GetOwnerID(c), limit)
	if err != nil {
		writeError(c, err)
		return
	}
	if txs == nil {
		txs = []ledger.Transaction{}
	}
	c.JSON(http.StatusOK, gin.H{"transactions": txs})
}
