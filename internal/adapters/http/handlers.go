package http

import (
	"net/http"
	"time"

	"github.com/dkeye/roomsignal/internal/app/orch"
	"github.com/dkeye/roomsignal/internal/domain"
	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"
)

// TokenIssuer mints room tokens. Only wired in debug mode.
type TokenIssuer interface {
	Issue(roomID domain.RoomID, user domain.User, ttl time.Duration) (string, error)
}

type handlers struct {
	orch   *orch.Orchestrator
	issuer TokenIssuer
}

func (h *handlers) health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":   "ok",
		"sessions": h.orch.Registry.Count(),
		"rooms":    len(h.orch.Rooms.List()),
	})
}

func (h *handlers) listRooms(c *gin.Context) {
	c.JSON(http.StatusOK, h.orch.Rooms.List())
}

func (h *handlers) getRoom(c *gin.Context) {
	room, ok := h.orch.Rooms.GetRoom(domain.RoomID(c.Param("id")))
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "room not found"})
		return
	}
	c.JSON(http.StatusOK, room.Snapshot())
}

func (h *handlers) kickMember(c *gin.Context) {
	if !h.orch.KickUser(domain.RoomID(c.Param("id")), domain.UserID(c.Param("user"))) {
		c.JSON(http.StatusNotFound, gin.H{"error": "member not found"})
		return
	}
	c.Status(http.StatusNoContent)
}

type TokenRequest struct {
	UserID string `json:"userId"`
	Name   string `json:"name"`
}

type TokenResponse struct {
	Token string `json:"token"`
}

func (h *handlers) issueToken(c *gin.Context) {
	var req TokenRequest
	if err := c.ShouldBindJSON(&req); err != nil || req.UserID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "missing or invalid userId"})
		return
	}
	user, err := domain.NewUser(req.UserID, req.Name)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	token, err := h.issuer.Issue(domain.RoomID(c.Param("id")), *user, time.Hour)
	if err != nil {
		log.Error().Err(err).Str("module", "adapters.http").Msg("issue token")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "cannot issue token"})
		return
	}
	c.JSON(http.StatusOK, TokenResponse{Token: token})
}
