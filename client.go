package main

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/teamdocs/coedit-api/ot"
	"github.com/teamdocs/coedit-api/session"
)

const (
	writeWait = 10 * time.Second
	pongWait  = 60 * time.Second
	// Pings must outpace the roster heartbeat timeout so a quiet but
	// connected client stays online through its pongs alone.
	pingPeriod = 25 * time.Second
	sendBuffer = 64
	maxMsgSize = 1 << 20
)

// client is one participant's websocket, bridging the connection to the
// session controller. It implements session.Sink for the outbound side.
type client struct {
	userID string
	conn   *websocket.Conn
	ctrl   *session.Controller

	send      chan session.ServerMessage
	closed    chan struct{}
	closeOnce sync.Once
}

func newClient(conn *websocket.Conn, userID string, ctrl *session.Controller) *client {
	return &client{
		userID: userID,
		conn:   conn,
		ctrl:   ctrl,
		send:   make(chan session.ServerMessage, sendBuffer),
		closed: make(chan struct{}),
	}
}

// Send queues an outbound message without blocking. A full buffer means the
// consumer is too slow and the session will drop this sink.
func (cl *client) Send(msg session.ServerMessage) bool {
	select {
	case <-cl.closed:
		return false
	default:
	}
	select {
	case cl.send <- msg:
		return true
	default:
		return false
	}
}

func (cl *client) Close() {
	cl.closeOnce.Do(func() { close(cl.closed) })
}

// readPump owns the inbound side. A single malformed frame is logged and
// dropped; the connection and the rest of the session stay up.
func (cl *client) readPump() {
	defer func() {
		// Abrupt closure is a disconnect, not a leave: the roster entry
		// survives the reconnect grace. Passing the sink keeps a stale
		// connection's teardown from touching a reconnected stream.
		cl.ctrl.Disconnect(cl.userID, cl)
		cl.Close()
		cl.conn.Close()
	}()

	cl.conn.SetReadLimit(maxMsgSize)
	cl.conn.SetReadDeadline(time.Now().Add(pongWait))
	cl.conn.SetPongHandler(func(string) error {
		cl.conn.SetReadDeadline(time.Now().Add(pongWait))
		cl.ctrl.Presence().Heartbeat(cl.userID)
		return nil
	})

	for {
		_, raw, err := cl.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Error().Err(err).Str("participant", cl.userID).Msg("failed to read message from client")
			}
			return
		}

		kind, envelope, err := decodeInbound(raw)
		if err != nil {
			log.Warn().Err(err).Str("participant", cl.userID).Msg("dropping malformed message")
			continue
		}

		if leave := cl.dispatch(kind, envelope); leave {
			cl.ctrl.Leave(cl.userID)
			return
		}
	}
}

// dispatch handles one inbound frame, reporting whether the client asked to
// leave.
func (cl *client) dispatch(kind string, envelope map[string]interface{}) bool {
	switch kind {
	case msgOperation:
		var p operationPayload
		if err := decodePayload(envelope, &p); err != nil {
			log.Warn().Err(err).Str("participant", cl.userID).Msg("dropping malformed operation")
			return false
		}
		cl.submitOperation(p.Op)

	case msgCursorUpdate:
		var p cursorPayload
		if err := decodePayload(envelope, &p); err != nil {
			log.Warn().Err(err).Str("participant", cl.userID).Msg("dropping malformed cursor update")
			return false
		}
		cl.ctrl.Presence().SetCursor(cl.userID, p.Position)

	case msgTypingStart:
		cl.ctrl.Presence().SetTyping(cl.userID, true)

	case msgTypingStop:
		cl.ctrl.Presence().SetTyping(cl.userID, false)

	case msgHeartbeat:
		cl.ctrl.Presence().Heartbeat(cl.userID)
		cl.Send(session.ServerMessage{Type: session.MsgHeartbeat})

	case msgLeave:
		return true

	default:
		log.Warn().Str("participant", cl.userID).Str("type", kind).Msg("dropping message of unknown type")
	}
	return false
}

// submitOperation pushes the edit into the session and relays the terminal
// acknowledgment: transformed echo on success, a typed reject otherwise.
func (cl *client) submitOperation(op ot.Operation) {
	if op.ID == "" {
		op.ID = uuid.NewString()
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	applied, err := cl.ctrl.Submit(ctx, cl.userID, op)
	if err != nil {
		log.Warn().Err(err).Str("participant", cl.userID).Str("op", op.ID).Msg("operation rejected")
		cl.Send(session.ServerMessage{
			Type:   session.MsgError,
			Code:   session.ErrorCode(err),
			Reason: err.Error(),
		})
		return
	}

	cl.Send(session.ServerMessage{
		Type:    session.MsgAck,
		Version: applied.Seq,
		Op:      &applied,
	})
}

// writePump owns the outbound side: queued messages plus liveness pings.
func (cl *client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		cl.conn.Close()
	}()

	for {
		select {
		case msg := <-cl.send:
			cl.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := cl.conn.WriteJSON(msg); err != nil {
				return
			}

		case <-cl.closed:
			cl.conn.SetWriteDeadline(time.Now().Add(writeWait))
			cl.conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return

		case <-ticker.C:
			cl.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := cl.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
