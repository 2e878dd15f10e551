package main

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/teamdocs/coedit-api/session"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// handleSocket joins an authenticated participant to the document's live
// session and runs the connection's pumps until it drops.
func handleSocket(c *gin.Context) {
	docID := c.Param("id")
	if docID == "" {
		c.AbortWithStatus(http.StatusNotFound)
		return
	}

	// The session layer assumes an already-authenticated identity.
	userID := c.Query("user_id")
	if userID == "" {
		userID = c.GetHeader("X-User-ID")
	}
	if userID == "" {
		c.AbortWithStatus(http.StatusUnauthorized)
		return
	}

	ctx, cancel := context.WithTimeout(c.Request.Context(), time.Second*5)
	defer cancel()

	if exists, err := store.DocumentExists(ctx, docID); err != nil || !exists {
		c.AbortWithStatus(http.StatusNotFound)
		return
	}

	allowed, err := store.CanEdit(ctx, userID, docID)
	if err != nil {
		log.Error().Err(err).Str("document", docID).Msg("authorization check failed")
		c.AbortWithStatus(http.StatusInternalServerError)
		return
	}
	if !allowed {
		c.AbortWithStatus(http.StatusForbidden)
		return
	}

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Error().Err(err).Msg("error upgrading connection")
		return
	}

	ctrl, err := registry.GetOrCreate(ctx, docID)
	if err != nil {
		log.Error().Err(err).Str("document", docID).Msg("error creating session")
		closeWithReason(conn, websocket.CloseInternalServerErr, "session unavailable")
		return
	}

	cl := newClient(conn, userID, ctrl)
	snap, err := ctrl.Join(ctx, userID, session.PermEdit, cl)
	if err != nil {
		log.Warn().Err(err).Str("document", docID).Str("participant", userID).Msg("join rejected")
		closeWithReason(conn, websocket.ClosePolicyViolation, session.ErrorCode(err))
		return
	}

	cl.Send(session.ServerMessage{
		Type:         session.MsgSessionState,
		SessionID:    snap.SessionID,
		DocumentID:   snap.DocumentID,
		Content:      &snap.Content,
		Version:      snap.Version,
		Participants: snap.Participants,
	})

	go cl.writePump()
	cl.readPump()
}

func closeWithReason(conn *websocket.Conn, code int, reason string) {
	conn.SetWriteDeadline(time.Now().Add(writeWait))
	conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason))
	conn.Close()
}
