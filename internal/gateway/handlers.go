package gateway

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/agentdeck/agentdeck/internal/common/logger"
	"github.com/agentdeck/agentdeck/internal/gateway/websocket"
	"github.com/agentdeck/agentdeck/internal/store"
)

const defaultRecentLimit = 20

// Handlers binds the REST routes to the gateway service.
type Handlers struct {
	service *Service
	logger  *logger.Logger
}

// NewHandlers creates the REST handlers.
func NewHandlers(svc *Service, log *logger.Logger) *Handlers {
	return &Handlers{
		service: svc,
		logger:  log.WithFields(zap.String("component", "gateway-handlers")),
	}
}

// RegisterRoutes mounts the REST API and the WebSocket endpoint.
func RegisterRoutes(router *gin.Engine, svc *Service, wsHandler *websocket.Handler, log *logger.Logger) {
	h := NewHandlers(svc, log)

	api := router.Group("/api")
	api.GET("/health", h.getHealth)
	api.GET("/projects", h.listProjects)
	api.GET("/projects/:projectID/sessions", h.listSessions)
	api.GET("/projects/:projectID/sessions/:sessionID", h.getSession)
	api.GET("/projects/:projectID/sessions/:sessionID/items", h.listItems)
	api.PATCH("/projects/:projectID/sessions/:sessionID", h.updateSession)
	api.DELETE("/projects/:projectID/sessions/:sessionID", h.deleteSession)
	api.GET("/sessions/recent", h.listRecentSessions)

	router.GET("/ws", wsHandler.HandleConnection)
}

func (h *Handlers) getHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok", "service": "agentdeck"})
}

func (h *Handlers) listProjects(c *gin.Context) {
	projects, err := h.service.ListProjects(c.Request.Context())
	if err != nil {
		h.logger.Error("failed to list projects", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to list projects"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"projects": projects})
}

func (h *Handlers) listSessions(c *gin.Context) {
	opts := store.ListSessionsOptions{
		IncludeSubagents: queryFlag(c, "all"),
		IncludeArchived:  queryFlag(c, "archived"),
		Query:            c.Query("q"),
	}
	sessions, err := h.service.ListSessions(c.Request.Context(), c.Param("projectID"), opts)
	if err != nil {
		h.logger.Error("failed to list sessions", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to list sessions"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"sessions": sessions})
}

func (h *Handlers) listRecentSessions(c *gin.Context) {
	limit := defaultRecentLimit
	if raw := c.Query("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "limit must be a positive integer"})
			return
		}
		limit = parsed
	}

	sessions, err := h.service.RecentSessions(c.Request.Context(), limit)
	if err != nil {
		h.logger.Error("failed to list recent sessions", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to list recent sessions"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"sessions": sessions})
}

func (h *Handlers) getSession(c *gin.Context) {
	sess, err := h.service.GetSession(c.Request.Context(), c.Param("projectID"), c.Param("sessionID"))
	if err != nil {
		h.respondSessionError(c, err, "failed to get session")
		return
	}
	c.JSON(http.StatusOK, sess)
}

func (h *Handlers) listItems(c *gin.Context) {
	var afterLine int64
	if raw := c.Query("after_line"); raw != "" {
		parsed, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || parsed < 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "after_line must be a non-negative integer"})
			return
		}
		afterLine = parsed
	}

	items, err := h.service.ListItems(c.Request.Context(),
		c.Param("projectID"), c.Param("sessionID"), afterLine, queryFlag(c, "debug"))
	if err != nil {
		h.respondSessionError(c, err, "failed to list items")
		return
	}
	c.JSON(http.StatusOK, gin.H{"items": items})
}

func (h *Handlers) updateSession(c *gin.Context) {
	var patch SessionPatch
	if err := c.ShouldBindJSON(&patch); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid payload"})
		return
	}
	if patch.Title == nil && patch.Archived == nil && patch.Pinned == nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "empty patch"})
		return
	}

	sess, err := h.service.UpdateSession(c.Request.Context(),
		c.Param("projectID"), c.Param("sessionID"), patch)
	if err != nil {
		h.respondSessionError(c, err, "failed to update session")
		return
	}
	c.JSON(http.StatusOK, sess)
}

func (h *Handlers) deleteSession(c *gin.Context) {
	err := h.service.DeleteSession(c.Request.Context(), c.Param("projectID"), c.Param("sessionID"))
	if err != nil {
		h.respondSessionError(c, err, "failed to delete session")
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *Handlers) respondSessionError(c *gin.Context, err error, msg string) {
	if errors.Is(err, store.ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "session not found"})
		return
	}
	h.logger.Error(msg, zap.Error(err))
	c.JSON(http.StatusInternalServerError, gin.H{"error": msg})
}

// queryFlag reads a boolean query parameter; bare presence ("?all") and any
// value strconv accepts as true count as set.
func queryFlag(c *gin.Context, name string) bool {
	raw, ok := c.GetQuery(name)
	if !ok {
		return false
	}
	if raw == "" {
		return true
	}
	value, err := strconv.ParseBool(raw)
	return err == nil && value
}
