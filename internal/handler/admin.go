package handler

import (
	"context"
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/taskmgr818/stargraph-broker/internal/auth"
	"github.com/taskmgr818/stargraph-broker/internal/compensation"
	"github.com/taskmgr818/stargraph-broker/internal/ledger"
)

// Compensations is the operator view of deferred refunds.
type Compensations interface {
	Pending(ctx context.Context) ([]*compensation.Record, error)
	ResetRetries(ctx context.Context, id string) (bool, error)
	Sweep(ctx context.Context) (*compensation.SweepReport, error)
}

// Permits is the operator view of the admission semaphore.
type Permits interface {
	Available(ctx context.Context) (int64, error)
	Capacity(ctx context.Context) (int64, error)
	Reset(ctx context.Context, capacity int) error
}

// AdminHandler handles admin-only endpoints.
type AdminHandler struct {
	userSvc       auth.UserService
	ledger        ledger.Ledger
	compensations Compensations
	permits       Permits
	maxRetries    int
}

// NewAdminHandler creates a new AdminHandler.
func NewAdminHandler(userSvc auth.UserService, l ledger.Ledger, comp Compensations, permits Permits, maxRetries int) *AdminHandler {
	return &AdminHandler{
		userSvc:       userSvc,
		ledger:        l,
		compensations: comp,
		permits:       permits,
		maxRetries:    maxRetries,
	}
}

// RegisterRoutes registers admin routes on the admin group.
func (h *AdminHandler) RegisterRoutes(admin *gin.RouterGroup) {
	admin.GET("/users/:id", h.GetUser)
	admin.PUT("/users/:id/status", h.SetUserStatus)
	admin.POST("/users/:id/credits", h.AddCredits)

	admin.GET("/compensations", h.ListCompensations)
	admin.POST("/compensations/sweep", h.SweepCompensations)
	admin.POST("/compensations/:id/reset", h.ResetCompensation)

	admin.GET("/permits", h.GetPermits)
	admin.PUT("/permits", h.ResetPermits)
}

// userParam parses and loads the :id user, writing the error response itself.
func (h *AdminHandler) userParam(c *gin.Context) (*auth.User, bool) {
	userID, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil || userID <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid user id"})
		return nil, false
	}

	user, err := h.userSvc.GetByID(c.Request.Context(), userID)
	if err != nil {
		if errors.Is(err, auth.ErrUserNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "user not found"})
		} else {
			writeError(c, err)
		}
		return nil, false
	}
	return user, true
}

// ─────────────────────────────────────────────
// GET /api/v1/admin/users/:id
// ─────────────────────────────────────────────

// GetUser retrieves a user's information by ID (admin-only).
// Returns the same format as /api/v1/me.
func (h *AdminHandler) GetUser(c *gin.Context) {
	user, ok := h.userParam(c)
	if !ok {
		return
	}

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
// PUT /api/v1/admin/users/:id/status
// ─────────────────────────────────────────────

type SetUserStatusRequest struct {
	Status string `json:"status" binding:"required,oneof=active banned suspended"`
}

// SetUserStatus updates a user's account status (admin-only).
func (h *AdminHandler) SetUserStatus(c *gin.Context) {
	user, ok := h.userParam(c)
	if !ok {
		return
	}

	var req SetUserStatusRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	if err := h.userSvc.SetStatus(c.Request.Context(), user.ID, req.Status); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to update status"})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"success": true,
		"message": "status updated to " + req.Status,
	})
}

// ─────────────────────────────────────────────
// POST /api/v1/admin/users/:id/credits
// ─────────────────────────────────────────────

type AddCreditsRequest struct {
	Amount int64  `json:"amount" binding:"required,min=1"`
	Remark string `json:"remark"` // optional
}

type AddCreditsResponse struct {
	Success bool            `json:"success"`
	Balance BalanceResponse `json:"balance"`
}

// AddCredits adds units to a user's available balance (admin-only).
func (h *AdminHandler) AddCredits(c *gin.Context) {
	user, ok := h.userParam(c)
	if !ok {
		return
	}

	var req AddCreditsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	remark := req.Remark
	if remark == "" {
		remark = "admin deposit"
	}
	acc, err := h.ledger.Deposit(c.Request.Context(), user.ID, req.Amount, remark)
	if err != nil {
		writeError(c, err)
		return
	}

	c.JSON(http.StatusOK, AddCreditsResponse{
		Success: true,
		Balance: BalanceResponse{Available: acc.Available, Frozen: acc.Frozen},
	})
}

// ─────────────────────────────────────────────
// Compensations
// ─────────────────────────────────────────────

type CompensationView struct {
	*compensation.Record
	Stalled bool `json:"stalled"`
}

// ListCompensations lists pending refund records, oldest first.
func (h *AdminHandler) ListCompensations(c *gin.Context) {
	records, err := h.compensations.Pending(c.Request.Context())
	if err != nil {
		writeError(c, err)
		return
	}

	views := make([]CompensationView, 0, len(records))
	for _, r := range records {
		views = append(views, CompensationView{Record: r, Stalled: r.Stalled(h.maxRetries)})
	}
	c.JSON(http.StatusOK, gin.H{"compensations": views})
}

// ResetCompensation returns a stalled record to the sweep.
func (h *AdminHandler) ResetCompensation(c *gin.Context) {
	found, err := h.compensations.ResetRetries(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	if !found {
		c.JSON(http.StatusNotFound, gin.H{"error": "compensation record not found"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true})
}

// SweepCompensations runs one sweep now.
func (h *AdminHandler) SweepCompensations(c *gin.Context) {
	report, err := h.compensations.Sweep(c.Request.Context())
	resp := gin.H{"report": report}
	if err != nil {
		resp["error"] = err.Error()
	}
	c.JSON(http.StatusOK, resp)
}

// ─────────────────────────────────────────────
// Permits
// ─────────────────────────────────────────────

type PermitsResponse struct {
	Available int64 `json:"available"`
	Capacity  int64 `json:"capacity"`
}

// GetPermits shows the admission semaphore.
func (h *AdminHandler) GetPermits(c *gin.Context) {
	ctx := c.Request.Context()
	available, err := h.permits.Available(ctx)
	if err != nil {
		writeError(c, err)
		return
	}
	capacity, err := h.permits.Capacity(ctx)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, PermitsResponse{Available: available, Capacity: capacity})
}

type ResetPermitsRequest struct {
	Capacity int `json:"capacity" binding:"required,min=1"`
}

// ResetPermits forces every permit back. Only safe with no job in flight.
func (h *AdminHandler) ResetPermits(c *gin.Context) {
	var req ResetPermitsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := h.permits.Reset(c.Request.Context(), req.Capacity); err != nil {
		writeError(c, err)
		return
	}
	h.GetPermits(c)
}
