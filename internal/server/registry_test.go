package server

import (
	"fmt"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/sirupsen/logrus"
	logtest "github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"
)

func newTestRegistry() *Registry {
	return NewRegistry(nil, nil)
}

func TestRegistryJoinCreatesRoomLazily(t *testing.T) {
	reg := newTestRegistry()
	s := newTestSession(t)

	assert.False(t, reg.HasRoom("lobby"))
	assert.Equal(t, 0, reg.RoomSize("lobby"))

	size, err := reg.Join(s, "lobby")
	require.NoError(t, err)
	assert.Equal(t, 1, size)
	assert.True(t, reg.HasRoom("lobby"))
	assert.Equal(t, 1, reg.RoomCount())

	room, ok := s.Room()
	assert.True(t, ok)
	assert.Equal(t, "lobby", room)
	assert.Equal(t, StateJoined, s.State())
}

func TestRegistryJoinIsIdempotent(t *testing.T) {
	reg := newTestRegistry()
	s := newTestSession(t)

	_, err := reg.Join(s, "lobby")
	require.NoError(t, err)
	size, err := reg.Join(s, "lobby")
	require.NoError(t, err)

	assert.Equal(t, 1, size)
	assert.Equal(t, 1, reg.RoomSize("lobby"))
}

func TestRegistryRoomIDsAreCaseSensitive(t *testing.T) {
	reg := newTestRegistry()
	a, b := newTestSession(t), newTestSession(t)

	_, err := reg.Join(a, "Lobby")
	require.NoError(t, err)
	_, err = reg.Join(b, "lobby")
	require.NoError(t, err)

	assert.Equal(t, 1, reg.RoomSize("Lobby"))
	assert.Equal(t, 1, reg.RoomSize("lobby"))
	assert.Equal(t, 2, reg.RoomCount())
}

func TestRegistryJoinRejectsBlankRoomID(t *testing.T) {
	for _, id := range []string{"", " ", "\t", "  \n "} {
		t.Run(fmt.Sprintf("%q", id), func(t *testing.T) {
			reg := newTestRegistry()
			s := newTestSession(t)

			_, err := reg.Join(s, id)
			assert.ErrorIs(t, err, ErrInvalidRoomID)
			assert.False(t, reg.HasRoom(id))
			assert.Equal(t, 0, reg.RoomCount())
			assert.Equal(t, StateUnjoined, s.State())
		})
	}
}

func TestRegistryInvalidJoinKeepsCurrentRoom(t *testing.T) {
	reg := newTestRegistry()
	s := newTestSession(t)

	_, err := reg.Join(s, "lobby")
	require.NoError(t, err)

	_, err = reg.Join(s, "")
	assert.ErrorIs(t, err, ErrInvalidRoomID)

	room, ok := s.Room()
	assert.True(t, ok)
	assert.Equal(t, "lobby", room)
	assert.Equal(t, 1, reg.RoomSize("lobby"))
}

func TestRegistryJoinOtherRoomMovesSession(t *testing.T) {
	reg := newTestRegistry()
	s, stayA, stayB := newTestSession(t), newTestSession(t), newTestSession(t)

	for _, join := range []struct {
		s    *Session
		room string
	}{{s, "a"}, {stayA, "a"}, {stayB, "b"}} {
		_, err := reg.Join(join.s, join.room)
		require.NoError(t, err)
	}
	require.Equal(t, 2, reg.RoomSize("a"))
	require.Equal(t, 1, reg.RoomSize("b"))

	size, err := reg.Join(s, "b")
	require.NoError(t, err)

	assert.Equal(t, 2, size)
	assert.Equal(t, 1, reg.RoomSize("a"))
	assert.Equal(t, 2, reg.RoomSize("b"))
}

func TestRegistryMovingLastMemberDeletesOldRoom(t *testing.T) {
	reg := newTestRegistry()
	s := newTestSession(t)

	_, err := reg.Join(s, "a")
	require.NoError(t, err)
	_, err = reg.Join(s, "b")
	require.NoError(t, err)

	assert.False(t, reg.HasRoom("a"))
	assert.True(t, reg.HasRoom("b"))
}

func TestRegistryLeave(t *testing.T) {
	reg := newTestRegistry()
	a, b := newTestSession(t), newTestSession(t)

	reg.Leave(a)
	assert.Equal(t, 0, reg.RoomCount(), "leave without a room is a no-op")

	_, err := reg.Join(a, "lobby")
	require.NoError(t, err)
	_, err = reg.Join(b, "lobby")
	require.NoError(t, err)

	reg.Leave(a)
	assert.Equal(t, 1, reg.RoomSize("lobby"))
	assert.Equal(t, StateUnjoined, a.State())

	reg.Leave(a)
	assert.Equal(t, 1, reg.RoomSize("lobby"))

	reg.Leave(b)
	assert.Equal(t, 0, reg.RoomSize("lobby"))
	assert.False(t, reg.HasRoom("lobby"))
}

func TestRegistryRejoinAfterEmptyStartsFresh(t *testing.T) {
	reg := newTestRegistry()
	a, b := newTestSession(t), newTestSession(t)

	_, err := reg.Join(a, "lobby")
	require.NoError(t, err)
	reg.Leave(a)
	require.False(t, reg.HasRoom("lobby"))

	size, err := reg.Join(b, "lobby")
	require.NoError(t, err)
	assert.Equal(t, 1, size)

	delivered := reg.Broadcast("lobby", Received{Text: "hi"}, b)
	assert.Equal(t, 0, delivered, "no stale members carried over")
	expectNoFrame(t, a)
}

func TestRegistryBroadcastSuppressesEcho(t *testing.T) {
	reg := newTestRegistry()
	alice, bob, carol := newTestSession(t), newTestSession(t), newTestSession(t)
	outsider := newTestSession(t)

	for _, s := range []*Session{alice, bob, carol} {
		_, err := reg.Join(s, "lobby")
		require.NoError(t, err)
	}
	_, err := reg.Join(outsider, "elsewhere")
	require.NoError(t, err)

	delivered := reg.Broadcast("lobby", Received{Text: "hello", From: alice.ID()}, alice)
	assert.Equal(t, 2, delivered)

	for _, s := range []*Session{bob, carol} {
		frame := nextFrame(t, s)
		assert.Equal(t, "chat", frame["type"])
		payload := frame["payload"].(map[string]any)
		assert.Equal(t, "hello", payload["message"])
		assert.Equal(t, alice.ID(), payload["from"])
	}
	expectNoFrame(t, alice)
	expectNoFrame(t, outsider)
}

func TestRegistryBroadcastEdgeCases(t *testing.T) {
	reg := newTestRegistry()
	only := newTestSession(t)

	assert.Equal(t, 0, reg.Broadcast("missing", Received{Text: "x"}, nil))

	_, err := reg.Join(only, "solo")
	require.NoError(t, err)
	assert.Equal(t, 0, reg.Broadcast("solo", Received{Text: "x"}, only))
	expectNoFrame(t, only)

	assert.Equal(t, 1, reg.Broadcast("solo", Received{Text: "x"}, nil))
}

func TestRegistryBroadcastToleratesFailedMembers(t *testing.T) {
	logger, hook := logtest.NewNullLogger()
	metrics := NewMetrics()
	reg := NewRegistry(logger, metrics)

	sender := NewSession(nil, "sender", nil, logger)
	healthy := NewSession(nil, "healthy", nil, logger)
	closed := NewSession(nil, "closed", nil, logger)

	slowCfg := NewConfig()
	slowCfg.SendBufferSize = 1
	slow := NewSession(nil, "slow", slowCfg, logger)
	require.NoError(t, slow.Send(Received{Text: "backlog"}))

	for _, s := range []*Session{sender, healthy, closed, slow} {
		_, err := reg.Join(s, "lobby")
		require.NoError(t, err)
	}
	closed.Close()

	delivered := reg.Broadcast("lobby", Received{Text: "hi"}, sender)
	assert.Equal(t, 1, delivered)
	assert.Equal(t, "hi", nextFrame(t, healthy)["payload"].(map[string]any)["message"])

	assert.Equal(t, 2, reg.RoomSize("lobby"), "failed members are removed")
	_, inRoom := closed.Room()
	assert.False(t, inRoom)
	_, inRoom = slow.Room()
	assert.False(t, inRoom)
	assert.ErrorIs(t, slow.Send(Received{Text: "x"}), ErrTransportClosed, "slow consumer is closed")

	assert.Equal(t, float64(1), testutil.ToFloat64(metrics.DeliveryErrors.WithLabelValues("transport_closed")))
	assert.Equal(t, float64(1), testutil.ToFloat64(metrics.DeliveryErrors.WithLabelValues("slow_consumer")))

	warnings := 0
	for _, entry := range hook.AllEntries() {
		if entry.Level == logrus.WarnLevel && entry.Message == "delivery failed" {
			warnings++
		}
	}
	assert.Equal(t, 2, warnings)
}

func TestRegistryAttachDetach(t *testing.T) {
	metrics := NewMetrics()
	reg := NewRegistry(nil, metrics)
	a, b := newTestSession(t), newTestSession(t)

	reg.Attach(a)
	reg.Attach(b)
	reg.Attach(nil)
	assert.Equal(t, 2, reg.SessionCount())
	assert.Equal(t, float64(2), testutil.ToFloat64(metrics.Sessions))

	_, err := reg.Join(a, "lobby")
	require.NoError(t, err)
	assert.Equal(t, float64(1), testutil.ToFloat64(metrics.Rooms))

	reg.Detach(a)
	reg.Detach(a)
	assert.Equal(t, 1, reg.SessionCount())
	assert.False(t, reg.HasRoom("lobby"))
	assert.Equal(t, float64(1), testutil.ToFloat64(metrics.Sessions))
	assert.Equal(t, float64(0), testutil.ToFloat64(metrics.Rooms))
}

func TestRegistryLobbyScenario(t *testing.T) {
	reg := newTestRegistry()
	router := NewRouter(reg, nil)
	s1, s2 := newTestSession(t), newTestSession(t)
	reg.Attach(s1)
	reg.Attach(s2)

	require.NoError(t, router.HandleEvent(s1, JoinEvent{RoomID: "lobby"}))
	assert.Equal(t, 1, reg.RoomSize("lobby"))
	require.NoError(t, router.HandleEvent(s2, JoinEvent{RoomID: "lobby"}))
	assert.Equal(t, 2, reg.RoomSize("lobby"))
	drainFrames(s1)
	drainFrames(s2)

	require.NoError(t, router.HandleEvent(s1, ChatEvent{Message: "hi"}))
	frame := nextFrame(t, s2)
	assert.Equal(t, "hi", frame["payload"].(map[string]any)["message"])
	expectNoFrame(t, s1)

	router.Disconnect(s2)
	assert.Equal(t, 1, reg.RoomSize("lobby"))
	router.Disconnect(s1)
	assert.Equal(t, 0, reg.RoomSize("lobby"))
	assert.False(t, reg.HasRoom("lobby"))
	assert.Equal(t, 0, reg.SessionCount())
}

func TestRegistryConcurrentMembership(t *testing.T) {
	reg := newTestRegistry()
	rooms := []string{"a", "b", "c"}

	const workers = 24
	sessions := make([]*Session, workers)
	for i := range sessions {
		sessions[i] = newTestSession(t)
		reg.Attach(sessions[i])
	}

	var g errgroup.Group
	for i, s := range sessions {
		i, s := i, s
		g.Go(func() error {
			for j := 0; j < 50; j++ {
				if _, err := reg.Join(s, rooms[(i+j)%len(rooms)]); err != nil {
					return err
				}
				reg.Broadcast(rooms[j%len(rooms)], Received{Text: "x"}, s)
				drainFrames(s)
				if j%7 == 0 {
					reg.Leave(s)
				}
			}
			return nil
		})
	}
	require.NoError(t, g.Wait())

	// Every session ends in the room it joined last, or none.
	want := map[string]int{}
	for _, s := range sessions {
		if room, ok := s.Room(); ok {
			want[room]++
		}
	}
	total := 0
	for _, room := range rooms {
		assert.Equal(t, want[room], reg.RoomSize(room), "room %s", room)
		assert.Equal(t, want[room] > 0, reg.HasRoom(room), "room %s", room)
		total += want[room]
	}
	assert.Equal(t, len(want), reg.RoomCount())

	for _, s := range sessions {
		reg.Detach(s)
	}
	assert.Equal(t, 0, reg.RoomCount())
	assert.Equal(t, 0, reg.SessionCount())
	assert.LessOrEqual(t, total, workers)
}

func TestRegistryConcurrentJoinAndLastLeave(t *testing.T) {
	// A leave that empties a room racing a join must never lose the joiner.
	for i := 0; i < 200; i++ {
		reg := newTestRegistry()
		leaver, joiner := newTestSession(t), newTestSession(t)
		_, err := reg.Join(leaver, "lobby")
		require.NoError(t, err)

		var g errgroup.Group
		g.Go(func() error {
			reg.Leave(leaver)
			return nil
		})
		g.Go(func() error {
			_, err := reg.Join(joiner, "lobby")
			return err
		})
		require.NoError(t, g.Wait())

		require.Equal(t, 1, reg.RoomSize("lobby"))
		require.Equal(t, 1, reg.Broadcast("lobby", Received{Text: "x"}, nil))
	}
}
