package handler

import (
	"context"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	log "github.com/sirupsen/logrus"

	appctx "github.com/taskmgr818/stargraph-broker/internal/context"
	"github.com/taskmgr818/stargraph-broker/internal/model"
	"github.com/taskmgr818/stargraph-broker/internal/ws"
)

// JobAPI is the caller-facing job lifecycle.
type JobAPI interface {
	Submit(ctx context.Context, ownerID int64, req *model.SubmitRequest) (*model.SubmitResponse, error)
	Cancel(ctx context.Context, ownerID int64, jobID string) (*model.CancelResponse, error)
	Boost(ctx context.Context, ownerID int64, jobID string) error
	Rank(ctx context.Context, jobID string) (*model.RankResponse, error)
}

// ResultStore pages an owner's generated artifacts.
type ResultStore interface {
	ListResults(ctx context.Context, ownerID int64, page, size int) ([]model.UserResult, int64, error)
	SetCollected(ctx context.Context, ownerID int64, resultID uint, collected bool) (bool, error)
}

// WorkerStatus reports whether the worker callback channel is up.
type WorkerStatus interface {
	Connected() bool
}

// Handler holds HTTP/WS endpoint handlers.
type Handler struct {
	jobs           JobAPI
	hub            *ws.Hub
	results        ResultStore
	worker         WorkerStatus
	progressPerSec int
	upgrader       websocket.Upgrader
}

// NewHandler creates the handler set.
func NewHandler(jobs JobAPI, hub *ws.Hub, results ResultStore, worker WorkerStatus, progressPerSec int) *Handler {
	return &Handler{
		jobs:           jobs,
		hub:            hub,
		results:        results,
		worker:         worker,
		progressPerSec: progressPerSec,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
	}
}

// RegisterRoutes registers all routes on the Gin engine.
// apiKeyMiddleware protects every owner-scoped endpoint, including /ws.
func (h *Handler) RegisterRoutes(r *gin.Engine, apiKeyMiddleware ...gin.HandlerFunc) {
	// ── Public endpoints (no auth) ──
	r.GET("/api/v1/health", h.Health)

	// ── Owner notification WebSocket ──
	wsGroup := r.Group("/ws")
	for _, mw := range apiKeyMiddleware {
		wsGroup.Use(mw)
	}
	wsGroup.GET("", h.WebSocket)

	// ── Protected business endpoints ──
	api := r.Group("/api/v1")
	for _, mw := range apiKeyMiddleware {
		api.Use(mw)
	}
	{
		api.POST("/jobs", h.SubmitJob)
		api.POST("/jobs/cancel", h.CancelJob)
		api.POST("/jobs/boost", h.BoostJob)
		api.GET("/jobs/:id/rank", h.JobRank)
		api.GET("/results", h.ListResults)
		api.PUT("/results/:id/collected", h.SetCollected)
	}
}

// ─────────────────────────────────────────────
// POST /api/v1/jobs
// ─────────────────────────────────────────────

// SubmitJob freezes the job's units and queues it.
//
//	@Param    body  body  model.SubmitRequest  true  "Job"
//	@Success  202   {object}  model.SubmitResponse
//	@Failure  400
//	@Failure  402   "Insufficient balance"
//	@Router   /api/v1/jobs [post]
func (h *Handler) SubmitJob(c *gin.Context) {
	var req model.SubmitRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	// OwnerID comes from the API key middleware, not the request body.
	resp, err := h.jobs.Submit(c.Request.Context(), appctx.GetOwnerID(c), &req)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, resp)
}

// ─────────────────────────────────────────────
// POST /api/v1/jobs/cancel
// ─────────────────────────────────────────────

// CancelJob removes a queued job or interrupts a running one.
func (h *Handler) CancelJob(c *gin.Context) {
	var ref model.JobRef
	if err := c.ShouldBindJSON(&ref); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	resp, err := h.jobs.Cancel(c.Request.Context(), appctx.GetOwnerID(c), ref.JobID)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, resp)
}

// ─────────────────────────────────────────────
// POST /api/v1/jobs/boost
// ─────────────────────────────────────────────

// BoostJob pays the boost fee to move a queued job ahead.
func (h *Handler) BoostJob(c *gin.Context) {
	var ref model.JobRef
	if err := c.ShouldBindJSON(&ref); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	ctx := c.Request.Context()
	if err := h.jobs.Boost(ctx, appctx.GetOwnerID(c), ref.JobID); err != nil {
		writeError(c, err)
		return
	}

	rank, err := h.jobs.Rank(ctx, ref.JobID)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, rank)
}

// ─────────────────────────────────────────────
// GET /api/v1/jobs/:id/rank
// ─────────────────────────────────────────────

// JobRank reports a job's rank; found=false once it is terminal.
func (h *Handler) JobRank(c *gin.Context) {
	rank, err := h.jobs.Rank(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, rank)
}

// ─────────────────────────────────────────────
// GET /api/v1/results?page=&size=
// ─────────────────────────────────────────────

type ResultsResponse struct {
	Results []model.UserResult `json:"results"`
	Total   int64              `json:"total"`
	Page    int                `json:"page"`
	Size    int                `json:"size"`
}

// ListResults pages the owner's generated images, newest first.
func (h *Handler) ListResults(c *gin.Context) {
	page, _ := strconv.Atoi(c.DefaultQuery("page", "1"))
	size, _ := strconv.Atoi(c.DefaultQuery("size", "20"))

	results, total, err := h.results.ListResults(c.Request.Context(), appctx.GetOwnerID(c), page, size)
	if err != nil {
		writeError(c, err)
		return
	}
	if results == nil {
		results = []model.UserResult{}
	}
	c.JSON(http.StatusOK, ResultsResponse{Results: results, Total: total, Page: page, Size: size})
}

// ─────────────────────────────────────────────
// PUT /api/v1/results/:id/collected
// ─────────────────────────────────────────────

type SetCollectedRequest struct {
	Collected bool `json:"collected"`
}

// SetCollected marks one of the owner's images as collected or not.
func (h *Handler) SetCollected(c *gin.Context) {
	id, err := strconv.ParseUint(c.Param("id"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid result id"})
		return
	}
	var req SetCollectedRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	ok, err := h.results.SetCollected(c.Request.Context(), appctx.GetOwnerID(c), uint(id), req.Collected)
	if err != nil {
		writeError(c, err)
		return
	}
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "result not found"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true})
}

// ─────────────────────────────────────────────
// GET /ws  (Owner notifications)
// ─────────────────────────────────────────────

// WebSocket upgrades the connection and registers it for the owner's
// progress and result notices.
func (h *Handler) WebSocket(c *gin.Context) {
	ownerID := appctx.GetOwnerID(c)

	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.WithField("owner_id", ownerID).WithError(err).Warn("[handler] websocket upgrade")
		return
	}

	ws.NewClient(ownerID, conn, h.hub, h.progressPerSec).Run()
}

// ─────────────────────────────────────────────
// GET /api/v1/health
// ─────────────────────────────────────────────

// Health returns basic server health info.
func (h *Handler) Health(c *gin.Context) {
	connected := h.worker != nil && h.worker.Connected()
	c.JSON(http.StatusOK, gin.H{
		"status":            "ok",
		"worker_connected":  connected,
		"owner_connections": h.hub.ClientCount(),
	})
}
