// Package server defines the JSON wire protocol exchanged with chat clients:
// the closed set of inbound events and the outbound frames the relay emits.
package server

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// Frame type discriminators.
const (
	TypeJoin   = "join"
	TypeChat   = "chat"
	TypeJoined = "joined"
	TypeError  = "error"
)

// Notice codes sent to the originating session only.
const (
	CodeMalformedFrame = "malformed_frame"
	CodeInvalidRoomID  = "invalid_room_id"
	CodeNotInRoom      = "not_in_room"
	CodeRateLimited    = "rate_limited"
)

var (
	// ErrMalformedFrame is returned when an inbound payload is not a recognized event.
	ErrMalformedFrame = errors.New("malformed frame")
	// ErrInvalidRoomID is returned when a join names a blank room.
	ErrInvalidRoomID = errors.New("invalid room id")
	// ErrNotInRoom is returned when a session chats before joining a room.
	ErrNotInRoom = errors.New("not in a room")
	// ErrTransportClosed is returned when sending to a session whose transport is gone.
	ErrTransportClosed = errors.New("transport closed")
	// ErrSlowConsumer is returned when a session's outbound queue is full.
	ErrSlowConsumer = errors.New("send queue full")
)

// Event is an inbound client event. The set of implementations is closed:
// JoinEvent and ChatEvent.
type Event interface {
	eventType() string
}

// JoinEvent asks to move the session into the named room.
type JoinEvent struct {
	RoomID string
}

func (JoinEvent) eventType() string { return TypeJoin }

// ChatEvent carries a message for the session's current room.
type ChatEvent struct {
	Message string
}

func (ChatEvent) eventType() string { return TypeChat }

type inboundFrame struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

type joinPayload struct {
	RoomID *string `json:"roomId"`
}

type chatPayload struct {
	Message *string `json:"message"`
}

// DecodeEvent parses a raw inbound frame. Any frame that does not carry a known
// type and its required payload field yields an error wrapping ErrMalformedFrame.
func DecodeEvent(raw []byte) (Event, error) {
	var frame inboundFrame
	if err := json.Unmarshal(raw, &frame); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedFrame, err)
	}

	payload := bytes.TrimSpace(frame.Payload)
	if len(payload) == 0 || payload[0] != '{' {
		return nil, fmt.Errorf("%w: payload must be an object", ErrMalformedFrame)
	}

	switch frame.Type {
	case TypeJoin:
		var p joinPayload
		if err := json.Unmarshal(payload, &p); err != nil {
			return nil, fmt.Errorf("%w: join payload: %v", ErrMalformedFrame, err)
		}
		if p.RoomID == nil {
			return nil, fmt.Errorf("%w: join payload missing roomId", ErrMalformedFrame)
		}
		return JoinEvent{RoomID: *p.RoomID}, nil
	case TypeChat:
		var p chatPayload
		if err := json.Unmarshal(payload, &p); err != nil {
			return nil, fmt.Errorf("%w: chat payload: %v", ErrMalformedFrame, err)
		}
		if p.Message == nil {
			return nil, fmt.Errorf("%w: chat payload missing message", ErrMalformedFrame)
		}
		return ChatEvent{Message: *p.Message}, nil
	default:
		return nil, fmt.Errorf("%w: unknown type %q", ErrMalformedFrame, frame.Type)
	}
}

// OutboundMessage is a frame the relay sends to a session.
type OutboundMessage interface {
	encode() ([]byte, error)
}

// Received is a chat message delivered to a room member. FromSelf is only set
// when a message is echoed to its originator, which broadcasts never do.
type Received struct {
	Text     string
	From     string
	FromSelf bool
}

// Joined acknowledges a successful join to the joining session.
type Joined struct {
	RoomID  string
	Members int
}

// Notice reports a rejected event to the session that sent it.
type Notice struct {
	Code    string
	Message string
}

type outboundFrame struct {
	Type    string `json:"type"`
	Payload any    `json:"payload"`
}

type receivedPayload struct {
	Message  string `json:"message"`
	From     string `json:"from,omitempty"`
	FromSelf bool   `json:"fromSelf,omitempty"`
}

type joinedPayload struct {
	RoomID  string `json:"roomId"`
	Members int    `json:"members"`
}

type noticePayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (m Received) encode() ([]byte, error) {
	return json.Marshal(outboundFrame{
		Type:    TypeChat,
		Payload: receivedPayload{Message: m.Text, From: m.From, FromSelf: m.FromSelf},
	})
}

func (m Joined) encode() ([]byte, error) {
	return json.Marshal(outboundFrame{
		Type:    TypeJoined,
		Payload: joinedPayload{RoomID: m.RoomID, Members: m.Members},
	})
}

func (m Notice) encode() ([]byte, error) {
	return json.Marshal(outboundFrame{
		Type:    TypeError,
		Payload: noticePayload{Code: m.Code, Message: m.Message},
	})
}

// EncodeMessage serializes an outbound message into its wire frame.
func EncodeMessage(msg OutboundMessage) ([]byte, error) {
	if msg == nil {
		return nil, errors.New("nil outbound message")
	}
	return msg.encode()
}

// validRoomID reports whether id names a room. Ids are case-sensitive and
// stored untrimmed; only blank ids are refused.
func validRoomID(id string) bool {
	return strings.TrimSpace(id) != ""
}

// isExpectedCloseError checks if an error is expected during connection closure.
func isExpectedCloseError(err error) bool {
	if err == nil {
		return true
	}
	errStr := err.Error()
	return strings.Contains(errStr, "use of closed network connection") ||
		strings.Contains(errStr, "websocket: close sent") ||
		strings.Contains(errStr, "broken pipe")
}
