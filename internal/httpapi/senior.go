package httpapi

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"tripot/internal/civiltime"
	"tripot/internal/fault"
	"tripot/internal/registry"
	"tripot/internal/session"
	"tripot/internal/storage"
	"tripot/internal/transport"
	"tripot/internal/transport/websocket"
	logx "tripot/pkg/logx"
)

func (s *Server) handleHealth(c *gin.Context) {
	st := s.deps.Scheduler.Status()
	c.JSON(http.StatusOK, gin.H{
		"status":      "ok",
		"connections": s.deps.Registry.Len(),
		"scheduler": gin.H{
			"running":  st.Running,
			"triggers": st.Triggers,
		},
	})
}

// handleSeniorWS upgrades to a websocket and runs the session until it
// closes. Unknown users are created on first connect.
func (s *Server) handleSeniorWS(c *gin.Context) {
	user := strings.TrimSpace(c.Param("user_id"))
	if err := s.ensureUser(c.Request.Context(), user); err != nil {
		s.fail(c, err)
		return
	}
	conn, err := websocket.Upgrade(c.Writer, c.Request, s.cfg.WebSocket)
	if err != nil {
		// The upgrader has already answered the client.
		s.log.Warn("websocket upgrade failed", logx.String("user", user), logx.Err(err))
		return
	}

	s.sessions.Add(1)
	defer s.sessions.Done()
	sess := session.New(user, conn, s.sessionConfig(), s.sessionDeps())
	_ = sess.Run(s.base)
}

// handleTriggerCall pushes a scheduled_call to a connected user right now.
func (s *Server) handleTriggerCall(c *gin.Context) {
	user := c.Param("user_id")
	now := s.deps.Clock.Now()
	ev := transport.TriggerEvent{UserID: user, At: civiltime.Of(now), FireTime: now}

	out, err := s.deps.Registry.Deliver(c.Request.Context(), user, ev)
	if err != nil {
		s.fail(c, fault.E(fault.KindCollaborator, "httpapi.TriggerCall", err))
		return
	}
	if out == registry.Offline {
		c.JSON(http.StatusOK, gin.H{"status": "info", "message": fmt.Sprintf("%s 사용자가 현재 접속하지 않았습니다", user)})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "success", "message": fmt.Sprintf("%s에게 정시 대화 알림을 전송했습니다", user)})
}

type putUserRequest struct {
	DisplayName string `json:"display_name"`
}

func (s *Server) handlePutUser(c *gin.Context) {
	const op = "httpapi.PutUser"
	id := strings.TrimSpace(c.Param("user_id"))
	var req putUserRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.badRequest(c, err.Error())
		return
	}
	var u storage.User
	err := s.deps.Store.Update(c.Request.Context(), func(tx storage.Tx) error {
		prev, err := tx.GetUser(c.Request.Context(), id)
		switch {
		case errors.Is(err, storage.ErrNotFound):
			prev = storage.User{ID: id, CreatedAt: s.deps.Clock.Now()}
		case err != nil:
			return err
		}
		prev.DisplayName = strings.TrimSpace(req.DisplayName)
		u = prev
		return tx.PutUser(c.Request.Context(), u)
	})
	if err != nil {
		s.fail(c, fault.E(fault.KindPersistence, op, err))
		return
	}
	c.JSON(http.StatusOK, u)
}

func (s *Server) handleGetUser(c *gin.Context) {
	const op = "httpapi.GetUser"
	id := c.Param("user_id")
	var u storage.User
	err := s.deps.Store.View(c.Request.Context(), func(tx storage.Tx) error {
		var err error
		u, err = tx.GetUser(c.Request.Context(), id)
		return err
	})
	switch {
	case errors.Is(err, storage.ErrNotFound):
		s.fail(c, fault.NotFound(op, "user %q not found", id))
		return
	case err != nil:
		s.fail(c, fault.E(fault.KindPersistence, op, err))
		return
	}
	c.JSON(http.StatusOK, u)
}

func (s *Server) ensureUser(ctx context.Context, id string) error {
	const op = "httpapi.ensureUser"
	if id == "" {
		return fault.Validation(op, "user_id is required")
	}
	err := s.deps.Store.Update(ctx, func(tx storage.Tx) error {
		_, err := tx.GetUser(ctx, id)
		if errors.Is(err, storage.ErrNotFound) {
			return tx.PutUser(ctx, storage.User{ID: id, CreatedAt: s.deps.Clock.Now()})
		}
		return err
	})
	return fault.E(fault.KindPersistence, op, err)
}
