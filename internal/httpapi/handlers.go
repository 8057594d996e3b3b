package httpapi

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"autopost/internal/item"
	logx "autopost/pkg/logx"
)

type handler struct {
	deps Deps
	log  logx.Logger
}

type createItemRequest struct {
	Title        string    `json:"title"`
	Body         string    `json:"body" binding:"required"`
	ImageRef     string    `json:"image_ref"`
	ScheduledFor time.Time `json:"scheduled_for" binding:"required"`
}

type rescheduleRequest struct {
	ScheduledFor time.Time `json:"scheduled_for" binding:"required"`
}

func owner(c *gin.Context) string { return c.GetString(ownerKey) }

func (h *handler) createItem(c *gin.Context) {
	var req createItemRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		abort(c, http.StatusBadRequest, "invalid_input", err.Error())
		return
	}
	it, err := h.deps.Items.Create(c.Request.Context(), item.Input{
		OwnerID:      owner(c),
		Title:        req.Title,
		Body:         req.Body,
		ImageRef:     req.ImageRef,
		ScheduledFor: req.ScheduledFor,
	})
	if err != nil {
		writeError(c, h.log, err)
		return
	}
	c.JSON(http.StatusCreated, it)
}

func (h *handler) listItems(c *gin.Context) {
	items, err := h.deps.Items.List(c.Request.Context(), owner(c))
	if err != nil {
		writeError(c, h.log, err)
		return
	}
	if items == nil {
		items = []item.ScheduledItem{}
	}
	c.JSON(http.StatusOK, gin.H{"items": items})
}

func (h *handler) rescheduleItem(c *gin.Context) {
	var req rescheduleRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		abort(c, http.StatusBadRequest, "invalid_input", err.Error())
		return
	}
	it, err := h.deps.Items.Reschedule(c.Request.Context(), owner(c), c.Param("id"), req.ScheduledFor)
	if err != nil {
		writeError(c, h.log, err)
		return
	}
	c.JSON(http.StatusOK, it)
}

func (h *handler) cancelItem(c *gin.Context) {
	d, err := h.deps.Items.Cancel(c.Request.Context(), owner(c), c.Param("id"))
	if err != nil {
		writeError(c, h.log, err)
		return
	}
	c.JSON(http.StatusOK, d)
}

// sweep runs the fallback poller once; safe to call at any frequency.
func (h *handler) sweep(c *gin.Context) {
	if h.deps.Sweeper == nil {
		abort(c, http.StatusNotFound, "not_found", "sweeper not configured")
		return
	}
	rep, err := h.deps.Sweeper.Sweep(c.Request.Context())
	if err != nil {
		writeError(c, h.log, err)
		return
	}
	c.JSON(http.StatusOK, rep)
}

func (h *handler) dispatcher(c *gin.Context) {
	if h.deps.Dispatcher == nil {
		abort(c, http.StatusNotFound, "not_found", "dispatcher not configured")
		return
	}
	snap, err := h.deps.Dispatcher.Snapshot(c.Request.Context())
	if err != nil {
		writeError(c, h.log, err)
		return
	}
	c.JSON(http.StatusOK, snap)
}
