// Package server coordinates session attachment, room membership, and
// room-scoped broadcast for the relay via the Registry type.
package server

import (
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"
)

// room is a named set of member sessions. Its lock guards members only;
// the room's presence in the registry is guarded by Registry.mu.
type room struct {
	id      string
	mu      sync.RWMutex
	members map[*Session]struct{}
}

// Registry owns every room and the set of attached sessions.
//
// Lock order is Registry.mu, then room.mu, then Session.mu. Creating or
// deleting a room requires Registry.mu for writing together with the room
// lock, so a join can never observe a room that a concurrent leave is
// removing.
type Registry struct {
	mu       sync.RWMutex
	rooms    map[string]*room
	sessions map[*Session]struct{}

	log     logrus.FieldLogger
	metrics *Metrics
}

// NewRegistry creates an empty Registry. A nil logger discards output and a
// nil metrics set gets a private one.
func NewRegistry(log logrus.FieldLogger, metrics *Metrics) *Registry {
	if log == nil {
		log = discardLogger()
	}
	if metrics == nil {
		metrics = NewMetrics()
	}
	return &Registry{
		rooms:    make(map[string]*room),
		sessions: make(map[*Session]struct{}),
		log:      log,
		metrics:  metrics,
	}
}

// Attach records a newly connected session.
func (r *Registry) Attach(s *Session) {
	if s == nil {
		r.log.Warn("received nil session attach; skipping")
		return
	}

	r.mu.Lock()
	r.sessions[s] = struct{}{}
	count := len(r.sessions)
	r.mu.Unlock()

	r.metrics.Sessions.Set(float64(count))
	s.log.WithField("sessions", count).Info("session attached")
}

// Detach removes s from its room and forgets it.
func (r *Registry) Detach(s *Session) {
	r.mu.Lock()
	r.leaveLocked(s)
	_, ok := r.sessions[s]
	delete(r.sessions, s)
	count := len(r.sessions)
	rooms := len(r.rooms)
	r.mu.Unlock()

	r.metrics.Rooms.Set(float64(rooms))
	if ok {
		r.metrics.Sessions.Set(float64(count))
		s.log.WithField("sessions", count).Info("session detached")
	}
}

// Join moves s into roomID, leaving any previous room first, and returns the
// resulting member count. Joining the room s is already in is a no-op.
func (r *Registry) Join(s *Session, roomID string) (int, error) {
	if !validRoomID(roomID) {
		return 0, fmt.Errorf("join %q: %w", roomID, ErrInvalidRoomID)
	}

	r.mu.Lock()
	if s.State() == StateDisconnected {
		r.mu.Unlock()
		return 0, fmt.Errorf("join %q: %w", roomID, ErrTransportClosed)
	}
	if current, ok := s.Room(); ok && current != roomID {
		r.leaveLocked(s)
	}

	rm, ok := r.rooms[roomID]
	if !ok {
		rm = &room{id: roomID, members: make(map[*Session]struct{})}
		r.rooms[roomID] = rm
	}

	rm.mu.Lock()
	rm.members[s] = struct{}{}
	s.setRoom(roomID)
	size := len(rm.members)
	rm.mu.Unlock()

	rooms := len(r.rooms)
	r.mu.Unlock()

	r.metrics.Rooms.Set(float64(rooms))
	s.log.WithFields(logrus.Fields{"room": roomID, "members": size}).Info("session joined room")
	return size, nil
}

// Leave removes s from its current room. It is a no-op when s is in no room.
func (r *Registry) Leave(s *Session) {
	r.mu.Lock()
	left, ok := r.leaveLocked(s)
	rooms := len(r.rooms)
	r.mu.Unlock()

	if ok {
		r.metrics.Rooms.Set(float64(rooms))
		s.log.WithField("room", left).Info("session left room")
	}
}

// leaveLocked requires r.mu held for writing. An emptied room is deleted
// before the lock is released.
func (r *Registry) leaveLocked(s *Session) (string, bool) {
	roomID, ok := s.Room()
	if !ok {
		return "", false
	}

	rm, exists := r.rooms[roomID]
	if !exists {
		s.setRoom("")
		return roomID, false
	}

	rm.mu.Lock()
	delete(rm.members, s)
	s.setRoom("")
	empty := len(rm.members) == 0
	rm.mu.Unlock()

	if empty {
		delete(r.rooms, roomID)
	}
	return roomID, true
}

// Broadcast queues msg to every member of roomID except exclude and returns
// the number of successful deliveries. Members whose delivery fails are
// dropped from the room and closed once the fan-out is complete.
func (r *Registry) Broadcast(roomID string, msg OutboundMessage, exclude *Session) int {
	data, err := EncodeMessage(msg)
	if err != nil {
		r.log.WithError(err).WithField("room", roomID).Error("failed to encode broadcast")
		return 0
	}

	r.mu.RLock()
	rm, ok := r.rooms[roomID]
	if !ok {
		r.mu.RUnlock()
		return 0
	}
	rm.mu.RLock()
	r.mu.RUnlock()

	delivered, failed := r.broadcastToMembers(rm, data, exclude)
	rm.mu.RUnlock()

	r.metrics.Broadcasts.Inc()
	r.metrics.Deliveries.Add(float64(delivered))
	r.log.WithFields(logrus.Fields{
		"room":      roomID,
		"delivered": delivered,
		"failed":    len(failed),
	}).Debug("broadcast complete")

	r.removeFailedSessions(failed)
	return delivered
}

// broadcastToMembers requires rm.mu held for reading. Sends never block, so the
// member set stays fixed for the whole fan-out.
func (r *Registry) broadcastToMembers(rm *room, data []byte, exclude *Session) (int, []*Session) {
	delivered := 0
	var failed []*Session

	for member := range rm.members {
		if member == exclude {
			continue
		}
		if err := member.enqueue(data); err != nil {
			r.metrics.deliveryFailed(err)
			member.log.WithError(err).WithField("room", rm.id).Warn("delivery failed")
			failed = append(failed, member)
			continue
		}
		delivered++
	}
	return delivered, failed
}

// removeFailedSessions treats every failed delivery as an implicit leave.
func (r *Registry) removeFailedSessions(failed []*Session) {
	for _, s := range failed {
		r.Leave(s)
		s.Close()
	}
}

// RoomSize returns the member count of roomID, or 0 for unknown rooms.
func (r *Registry) RoomSize(roomID string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	rm, ok := r.rooms[roomID]
	if !ok {
		return 0
	}
	rm.mu.RLock()
	defer rm.mu.RUnlock()
	return len(rm.members)
}

// HasRoom reports whether roomID currently exists.
func (r *Registry) HasRoom(roomID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.rooms[roomID]
	return ok
}

// RoomCount returns the number of non-empty rooms.
func (r *Registry) RoomCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.rooms)
}

// SessionCount returns the number of attached sessions.
func (r *Registry) SessionCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// getSessionSnapshot returns a thread-safe snapshot of all attached sessions
func (r *Registry) getSessionSnapshot() []*Session {
	r.mu.RLock()
	defer r.mu.RUnlock()

	sessions := make([]*Session, 0, len(r.sessions))
	for s := range r.sessions {
		sessions = append(sessions, s)
	}
	return sessions
}

// CloseAll terminates every attached session and returns how many there were.
// Each session detaches itself as its read pump exits.
func (r *Registry) CloseAll() int {
	sessions := r.getSessionSnapshot()
	r.log.WithField("sessions", len(sessions)).Info("closing all sessions")

	for _, s := range sessions {
		s.terminate()
	}
	return len(sessions)
}
