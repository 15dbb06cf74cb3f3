// Package realtime implements the collaboration hub: rooms keyed by
// resource, presence tracking, and ordered event broadcast to websocket
// clients.
package realtime

import (
	"encoding/json"
	"strings"
	"time"
)

// Event types understood by rooms. Clients may only send the subset that
// carries user intent; presence events are produced by the hub itself.
const (
	EventPresenceJoin    = "presence.join"
	EventPresenceLeave   = "presence.leave"
	EventPresenceState   = "presence.state"
	EventTypingStart     = "typing.start"
	EventTypingStop      = "typing.stop"
	EventCursorMove      = "cursor.move"
	EventDocChange       = "doc.change"
	EventCommentNew      = "comment.new"
	EventCommentResolved = "comment.resolved"
)

// RoomKey identifies a collaboration room by the resource it wraps,
// e.g. {Kind: "report", ID: "rep_abc"}.
type RoomKey struct {
	Kind string
	ID   string
}

func (k RoomKey) String() string {
	return k.Kind + ":" + k.ID
}

// ParseRoomKey parses a "kind:id" string back into a RoomKey.
func ParseRoomKey(s string) (RoomKey, bool) {
	kind, id, ok := strings.Cut(s, ":")
	if !ok || kind == "" || id == "" {
		return RoomKey{}, false
	}
	return RoomKey{Kind: kind, ID: id}, true
}

// Participant is a connected member of a room. ConnID distinguishes
// multiple tabs of the same user.
type Participant struct {
	UserID   string    `json:"userId"`
	UserName string    `json:"userName"`
	ConnID   string    `json:"connId"`
	JoinedAt time.Time `json:"joinedAt"`
}

// Event is the wire envelope for everything a room broadcasts. Seq is
// strictly increasing per room so every participant observes the same
// total order; transient events carry Seq 0 and sit outside the order.
type Event struct {
	Type    string          `json:"type"`
	Room    string          `json:"room"`
	Seq     uint64          `json:"seq"`
	Actor   string          `json:"actor,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
	At      time.Time       `json:"at"`
}

// ClientEvent is what a connected client is allowed to submit.
type ClientEvent struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Transient reports whether an event is an ephemeral signal. Transient
// events are not echoed to their sender and are never sequenced.
func Transient(typ string) bool {
	switch typ {
	case EventCursorMove, EventTypingStart, EventTypingStop:
		return true
	default:
		return false
	}
}

// ClientSendable reports whether clients may produce this event type
// themselves. Presence events are hub-owned.
func ClientSendable(typ string) bool {
	switch typ {
	case EventTypingStart, EventTypingStop, EventCursorMove, EventDocChange, EventCommentNew, EventCommentResolved:
		return true
	default:
		return false
	}
}

// SessionSummary describes a finished collaboration session, reported
// when the last participant leaves a room.
type SessionSummary struct {
	Key         RoomKey
	SessionID   string
	ChangeCount int
	LastDoc     json.RawMessage
	Actors      []string
	StartedAt   time.Time
	EndedAt     time.Time
}
