package main

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"

	"github.com/devforge/collab-api/database"
	"github.com/devforge/collab-api/relay"
)

type server struct {
	store *database.Store
	relay *relay.Relay
}

type AuthRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

func (s *server) handleAuth(c *gin.Context) {
	var r AuthRequest
	if err := c.BindJSON(&r); err != nil {
		log.Error().Err(err).Msg("could not parse request")
		c.AbortWithStatus(http.StatusBadRequest)
		return
	}

	user, err := s.store.Authenticate(c.Request.Context(), r.Username, r.Password)
	if errors.Is(err, database.ErrNotFound) {
		c.AbortWithStatus(http.StatusUnauthorized)
		return
	}
	if err != nil {
		log.Error().Err(err).Msg("failed to authenticate user")
		c.AbortWithStatus(http.StatusInternalServerError)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"user_id": user.ID,
	})
}

// handleGetFile serves authoritative file content plus its current
// collaboration version; reconnecting agents use it to resync instead of
// replaying a stale operation queue.
func (s *server) handleGetFile(c *gin.Context) {
	fileID := c.Param("id")
	if fileID == "" {
		c.AbortWithStatus(http.StatusNotFound)
		return
	}

	content, err := s.store.FileContent(c.Request.Context(), fileID)
	if errors.Is(err, database.ErrNotFound) {
		c.AbortWithStatus(http.StatusNotFound)
		return
	}
	if err != nil {
		log.Error().Err(err).Msg("error getting file")
		c.AbortWithStatus(http.StatusInternalServerError)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"content": content,
		"version": s.relay.Ledger().CurrentVersion(fileID),
	})
}
