// Package restapi implements the coordinator's REST surface: session
// creation, join, lookup, close, and kick.
package restapi

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/n64arcade/multiplayer-coordinator/internal/v1/apierr"
	"github.com/n64arcade/multiplayer-coordinator/internal/v1/invite"
	"github.com/n64arcade/multiplayer-coordinator/internal/v1/ratelimit"
	"github.com/n64arcade/multiplayer-coordinator/internal/v1/session"
)

// handlerDeadline is the deadline set on each REST request's context.
// The handlers do not consult that context, so a request that runs past
// it is neither interrupted nor answered with a timeout status.
const handlerDeadline = 12 * time.Second

// Handler serves the /api/multiplayer REST surface on top of a session.Registry.
type Handler struct {
	registry *session.Registry
}

// NewHandler builds a Handler.
func NewHandler(registry *session.Registry) *Handler {
	return &Handler{registry: registry}
}

// Register mounts every route under group, applying rl's per-endpoint
// rate limits the way the rest of the coordinator's REST surface does.
func (h *Handler) Register(group *gin.RouterGroup, rl *ratelimit.RateLimiter) {
	group.Use(deadlineMiddleware(handlerDeadline))

	sessions := group.Group("/sessions")
	sessions.Use(rl.MiddlewareForEndpoint("sessions"))
	{
		sessions.POST("", h.create)
		sessions.GET("/:code", h.lookup)
		sessions.POST("/:code/join", h.join)
		sessions.POST("/:code/close", h.close)
		sessions.POST("/:code/kick", h.kick)
	}
}

func deadlineMiddleware(d time.Duration) gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx, cancel := context.WithTimeout(c.Request.Context(), d)
		defer cancel()
		c.Request = c.Request.WithContext(ctx)
		c.Next()
	}
}

type createRequest struct {
	HostName     string `json:"hostName" binding:"required"`
	AvatarURL    string `json:"avatarUrl"`
	RomID        string `json:"romId"`
	RomTitle     string `json:"romTitle"`
	VoiceEnabled bool   `json:"voiceEnabled"`
}

type createResponse struct {
	Code     string          `json:"code"`
	ClientID string          `json:"clientId"`
	Session  session.Session `json:"session"`
}

func (h *Handler) create(c *gin.Context) {
	var req createRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, apierr.ErrValidation)
		return
	}

	res, err := h.registry.Create(req.HostName, req.AvatarURL, req.RomID, req.RomTitle, req.VoiceEnabled)
	if err != nil {
		writeError(c, err)
		return
	}

	c.JSON(http.StatusCreated, createResponse{Code: res.Code, ClientID: res.ClientID, Session: res.Session})
}

type joinRequest struct {
	Name      string `json:"name" binding:"required"`
	AvatarURL string `json:"avatarUrl"`
}

type joinResponse struct {
	Code     string          `json:"code"`
	ClientID string          `json:"clientId"`
	Slot     int             `json:"slot"`
	Session  session.Session `json:"session"`
}

func (h *Handler) join(c *gin.Context) {
	var req joinRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, apierr.ErrValidation)
		return
	}

	code := invite.Canonicalize(c.Param("code"))
	res, err := h.registry.Join(code, req.Name, req.AvatarURL)
	if err != nil {
		writeError(c, err)
		return
	}

	c.JSON(http.StatusOK, joinResponse{Code: code, ClientID: res.ClientID, Slot: res.Slot, Session: res.Session})
}

type lookupResponse struct {
	Session session.Session `json:"session"`
}

func (h *Handler) lookup(c *gin.Context) {
	code := invite.Canonicalize(c.Param("code"))
	s, err := h.registry.Lookup(code)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, lookupResponse{Session: s})
}

type actorRequest struct {
	ClientID string `json:"clientId" binding:"required"`
}

func (h *Handler) close(c *gin.Context) {
	var req actorRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, apierr.ErrValidation)
		return
	}

	code := invite.Canonicalize(c.Param("code"))
	if err := h.registry.Close(code, req.ClientID); err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"closed": true})
}

type kickRequest struct {
	ClientID       string `json:"clientId" binding:"required"`
	TargetClientID string `json:"targetClientId" binding:"required"`
}

func (h *Handler) kick(c *gin.Context) {
	var req kickRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, apierr.ErrValidation)
		return
	}

	code := invite.Canonicalize(c.Param("code"))
	if err := h.registry.Kick(code, req.ClientID, req.TargetClientID); err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"kicked": true})
}

func writeError(c *gin.Context, err error) {
	c.JSON(apierr.HTTPStatus(err), gin.H{"error": apierr.Message(err)})
}
