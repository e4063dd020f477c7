package server

import (
	"errors"

	"github.com/sirupsen/logrus"
)

// Router interprets inbound events against a session's state and drives the
// Registry. Frames from one session must be handled sequentially; frames from
// different sessions may be handled concurrently.
type Router struct {
	registry *Registry
	log      logrus.FieldLogger
	metrics  *Metrics
}

// NewRouter creates a Router over registry.
func NewRouter(registry *Registry, log logrus.FieldLogger) *Router {
	if log == nil {
		log = discardLogger()
	}
	return &Router{
		registry: registry,
		log:      log,
		metrics:  registry.metrics,
	}
}

// HandleFrame decodes raw and dispatches it. Malformed frames are reported to
// the sender and otherwise ignored.
func (rt *Router) HandleFrame(s *Session, raw []byte) error {
	ev, err := DecodeEvent(raw)
	if err != nil {
		s.log.WithError(err).Warn("invalid frame")
		rt.reject(s, CodeMalformedFrame, "frame is not a recognized event")
		return err
	}
	return rt.HandleEvent(s, ev)
}

// HandleEvent applies ev to s. Events for a disconnected session are dropped.
func (rt *Router) HandleEvent(s *Session, ev Event) error {
	if s.State() == StateDisconnected {
		return ErrTransportClosed
	}

	switch e := ev.(type) {
	case JoinEvent:
		return rt.handleJoin(s, e)
	case ChatEvent:
		return rt.handleChat(s, e)
	default:
		rt.reject(s, CodeMalformedFrame, "unsupported event")
		return ErrMalformedFrame
	}
}

func (rt *Router) handleJoin(s *Session, e JoinEvent) error {
	members, err := rt.registry.Join(s, e.RoomID)
	if err != nil {
		if errors.Is(err, ErrInvalidRoomID) {
			rt.reject(s, CodeInvalidRoomID, "room id must not be blank")
		}
		return err
	}

	if err := s.Send(Joined{RoomID: e.RoomID, Members: members}); err != nil {
		s.log.WithError(err).Debug("failed to acknowledge join")
	}
	return nil
}

func (rt *Router) handleChat(s *Session, e ChatEvent) error {
	roomID, ok := s.Room()
	if !ok {
		rt.reject(s, CodeNotInRoom, "join a room before sending messages")
		return ErrNotInRoom
	}

	rt.registry.Broadcast(roomID, Received{Text: e.Message, From: s.ID()}, s)
	return nil
}

// Disconnect is the session's close notification: it leaves the current room,
// detaches the session and moves it to its terminal state. Repeated calls are
// no-ops.
func (rt *Router) Disconnect(s *Session) {
	if !s.markDisconnected() {
		return
	}
	rt.registry.Detach(s)
}

// reject sends an error notice to s alone.
func (rt *Router) reject(s *Session, code, message string) {
	rt.metrics.rejected(code)
	if err := s.Send(Notice{Code: code, Message: message}); err != nil {
		s.log.WithError(err).WithField("code", code).Debug("failed to send notice")
	}
}
