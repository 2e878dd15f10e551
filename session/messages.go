package session

import (
	"time"

	"github.com/teamdocs/coedit-api/ot"
)

// Message kinds sent to clients. Inbound kinds are decoded by the gateway.
const (
	MsgSessionState = "session_state"
	MsgOperation    = "operation"
	MsgAck          = "ack"
	MsgCursorUpdate = "cursor_update"
	MsgTypingStart  = "typing_start"
	MsgTypingStop   = "typing_stop"
	MsgUserJoined   = "user_joined"
	MsgUserLeft     = "user_left"
	MsgHeartbeat    = "heartbeat"
	MsgError        = "error"
)

// ParticipantView is the roster entry shared with clients. Cursor is nil
// until the participant reports one.
type ParticipantView struct {
	ID       string    `json:"id"`
	Cursor   *int      `json:"cursor,omitempty"`
	Typing   bool      `json:"typing"`
	Online   bool      `json:"online"`
	LastSeen time.Time `json:"last_seen"`
}

// ServerMessage is the single outbound envelope. Only the fields relevant to
// Type are populated.
type ServerMessage struct {
	Type          string            `json:"type"`
	SessionID     string            `json:"session_id,omitempty"`
	DocumentID    string            `json:"document_id,omitempty"`
	Content       *string           `json:"content,omitempty"`
	Version       int64             `json:"version,omitempty"`
	Op            *ot.Operation     `json:"op,omitempty"`
	ParticipantID string            `json:"participant_id,omitempty"`
	Position      *int              `json:"position,omitempty"`
	Participants  []ParticipantView `json:"participants,omitempty"`
	Code          string            `json:"code,omitempty"`
	Reason        string            `json:"reason,omitempty"`
}

// Sink is one participant's outbound message stream. Send must not block:
// it reports false when the consumer cannot keep up, after which the sink is
// dropped from the session. Implemented by the gateway's connection writer.
type Sink interface {
	Send(msg ServerMessage) bool
	Close()
}

// Snapshot is the state handed to a participant on join.
type Snapshot struct {
	SessionID    string
	DocumentID   string
	Content      string
	Version      int64
	Participants []ParticipantView
}

// Permission levels per participant.
type Permission string

const (
	PermView  Permission = "view"
	PermEdit  Permission = "edit"
	PermAdmin Permission = "admin"
)

// CanEdit reports whether the permission allows document mutation.
func (p Permission) CanEdit() bool {
	return p == PermEdit || p == PermAdmin
}
