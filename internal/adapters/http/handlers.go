package http

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/dkeye/Huddle/internal/app/orch"
	"github.com/dkeye/Huddle/internal/core"
	"github.com/dkeye/Huddle/internal/domain"
	"github.com/gin-contrib/sessions"
	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"
)

const maxPage = 200

type handlers struct {
	orch *orch.Orchestrator
}

type credentials struct {
	Username string `json:"username"`
	Password string `json:"password"`
	Avatar   string `json:"avatar"`
}

func (h *handlers) health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok", "connections": h.orch.Registry.Len()})
}

func (h *handlers) signup(c *gin.Context) {
	var req credentials
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request"})
		return
	}
	prof, err := h.orch.Register(c.Request.Context(), req.Username, req.Password, req.Avatar)
	switch {
	case errors.Is(err, core.ErrConflict):
		c.JSON(http.StatusConflict, gin.H{"error": "username already exists"})
		return
	case errors.Is(err, core.ErrValidation):
		c.JSON(http.StatusBadRequest, gin.H{"error": orch.SignupMessage(err)})
		return
	case err != nil:
		log.Error().Err(err).Str("module", "adapters.http").Msg("signup")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "server error"})
		return
	}
	c.JSON(http.StatusCreated, prof)
}

func (h *handlers) login(c *gin.Context) {
	var req credentials
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request"})
		return
	}
	prof, err := h.orch.Authenticate(c.Request.Context(), req.Username, req.Password)
	if errors.Is(err, core.ErrAuthorizationDenied) {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid username or password"})
		return
	}
	if err != nil {
		log.Error().Err(err).Str("module", "adapters.http").Msg("login")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "server error"})
		return
	}
	sess := sessions.Default(c)
	sess.Set(sessionUserKey, prof.Username)
	if err := sess.Save(); err != nil {
		log.Error().Err(err).Str("module", "adapters.http").Msg("save session")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "server error"})
		return
	}
	c.JSON(http.StatusOK, prof)
}

func (h *handlers) logout(c *gin.Context) {
	sess := sessions.Default(c)
	sess.Clear()
	sess.Options(sessions.Options{Path: "/", MaxAge: -1, HttpOnly: true, SameSite: http.SameSiteStrictMode})
	if err := sess.Save(); err != nil {
		log.Error().Err(err).Str("module", "adapters.http").Msg("clear session")
	}
	c.Status(http.StatusNoContent)
}

func (h *handlers) channels(c *gin.Context) {
	list, err := h.orch.Presence.ChannelList(c.Request.Context())
	if err != nil {
		log.Error().Err(err).Str("module", "adapters.http").Msg("channel list")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "server error"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"channels": list})
}

func (h *handlers) messages(c *gin.Context) {
	username := c.GetString("session_user")
	if username == "" {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "login required"})
		return
	}
	id := domain.ChannelID(c.Param("id"))
	ctx := c.Request.Context()

	ok, err := h.orch.Authority.CanRead(ctx, id, username)
	switch {
	case errors.Is(err, core.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "channel not found"})
		return
	case err != nil:
		log.Error().Err(err).Str("module", "adapters.http").Str("channel", string(id)).Msg("can read")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "server error"})
		return
	case !ok:
		c.JSON(http.StatusForbidden, gin.H{"error": "forbidden"})
		return
	}

	var before time.Time
	if s := c.Query("before"); s != "" {
		before, err = time.Parse(time.RFC3339Nano, s)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid before timestamp"})
			return
		}
	}
	limit := h.orch.HistoryPage()
	if s := c.Query("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n <= 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid limit"})
			return
		}
		limit = min(n, maxPage)
	}

	msgs, err := h.orch.Store.ListMessages(ctx, id, before, limit)
	if err != nil {
		log.Error().Err(err).Str("module", "adapters.http").Str("channel", string(id)).Msg("list messages")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "server error"})
		return
	}
	if msgs == nil {
		msgs = []domain.Message{}
	}
	c.JSON(http.StatusOK, gin.H{"channelId": id, "messages": msgs, "hasMore": len(msgs) == limit})
}
