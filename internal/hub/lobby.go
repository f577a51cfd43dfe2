// Package hub tracks which rooms have live connections and drives each
// connection through its receive, send and persist goroutines.
package hub

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/rs/zerolog"

	"github.com/Tyrowin/roomhub/internal/metrics"
	"github.com/Tyrowin/roomhub/internal/wire"
)

// DefaultBusCapacity is the per-subscriber queue size of a room bus.
const DefaultBusCapacity = 10

// ErrRoomNotActive is returned when publishing to a room nobody is attached to.
var ErrRoomNotActive = errors.New("hub: room has no live connections")

// RoomState is the live state of one room: its broadcast bus and the members
// currently attached to it, with the number of connections each one holds.
type RoomState struct {
	Name    string
	members map[int64]int
	bus     *Bus
}

// Lobby maps room ids to their live RoomState. An entry exists only while at
// least one member is attached. All mutations hold mu; no bus or socket I/O
// happens under it.
type Lobby struct {
	mu          sync.Mutex
	rooms       map[int64]*RoomState
	busCapacity int
	logger      zerolog.Logger
}

// NewLobby creates an empty Lobby whose rooms get buses of busCapacity.
func NewLobby(busCapacity int, logger zerolog.Logger) *Lobby {
	if busCapacity <= 0 {
		busCapacity = DefaultBusCapacity
	}
	return &Lobby{
		rooms:       make(map[int64]*RoomState),
		busCapacity: busCapacity,
		logger:      logger.With().Str("component", "lobby").Logger(),
	}
}

// Attach adds one connection for memberID to the room, creating the room
// state on first join, and returns the room's bus. A member may hold several
// connections; it stays listed until the last of them detaches.
func (l *Lobby) Attach(roomID int64, roomName string, memberID int64) *Bus {
	l.mu.Lock()
	room, ok := l.rooms[roomID]
	if !ok {
		room = &RoomState{
			Name:    roomName,
			members: make(map[int64]int),
			bus:     NewBus(l.busCapacity),
		}
		l.rooms[roomID] = room
		metrics.ActiveRooms.Set(float64(len(l.rooms)))
	}
	room.members[memberID]++
	connections := room.members[memberID]
	bus := room.bus
	l.mu.Unlock()

	if !ok {
		l.logger.Info().Int64("room_id", roomID).Str("room", roomName).Msg("room opened")
	}
	l.logger.Debug().Int64("room_id", roomID).Int64("member_id", memberID).Int("connections", connections).Msg("member attached")
	return bus
}

// Detach removes one connection of memberID from the room. When the room has
// no connections left its state is removed and its bus closed; Detach then
// reports true. Unknown rooms or members are ignored.
func (l *Lobby) Detach(roomID, memberID int64) bool {
	return l.detach(roomID, memberID, nil)
}

// detach is Detach restricted to the room state that owns bus. A connection
// whose room was closed and recreated must not release a slot it never held
// in the new state. A nil bus matches any state.
func (l *Lobby) detach(roomID, memberID int64, bus *Bus) bool {
	l.mu.Lock()
	room, ok := l.rooms[roomID]
	if !ok || (bus != nil && room.bus != bus) {
		l.mu.Unlock()
		return false
	}
	count, ok := room.members[memberID]
	if !ok {
		l.mu.Unlock()
		return false
	}
	if count > 1 {
		room.members[memberID] = count - 1
	} else {
		delete(room.members, memberID)
	}
	memberCount := len(room.members)
	if memberCount > 0 {
		l.mu.Unlock()
		l.logger.Debug().Int64("room_id", roomID).Int64("member_id", memberID).Int("members", memberCount).Msg("member detached")
		return false
	}
	delete(l.rooms, roomID)
	metrics.ActiveRooms.Set(float64(len(l.rooms)))
	l.mu.Unlock()

	// Closing after unlock; remaining subscribers observe closure.
	room.bus.Close()
	l.logger.Info().Int64("room_id", roomID).Str("room", room.Name).Msg("room closed")
	return true
}

// Publish sends msg to every connection attached to the room.
func (l *Lobby) Publish(roomID int64, msg wire.Message) error {
	bus := l.bus(roomID)
	if bus == nil {
		return ErrRoomNotActive
	}
	if _, err := bus.Publish(msg.Encode()); err != nil {
		return fmt.Errorf("publish to room %d: %w", roomID, err)
	}
	metrics.MessagesPublished.WithLabelValues(msg.Kind.String()).Inc()
	return nil
}

// Kick tells the connection of memberID in the room to forward text and close
// itself. Other connections ignore the message.
func (l *Lobby) Kick(roomID, memberID int64, text string) error {
	return l.Publish(roomID, wire.Kick(memberID, text))
}

// Members returns the ids of members attached to the room, sorted.
func (l *Lobby) Members(roomID int64) []int64 {
	l.mu.Lock()
	defer l.mu.Unlock()

	room, ok := l.rooms[roomID]
	if !ok {
		return nil
	}
	ids := make([]int64, 0, len(room.members))
	for id := range room.members {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// Active reports whether the room currently has a live entry.
func (l *Lobby) Active(roomID int64) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	_, ok := l.rooms[roomID]
	return ok
}

// Subscribers returns the number of open queues on the room's bus. Each
// attached connection holds two.
func (l *Lobby) Subscribers(roomID int64) int {
	bus := l.bus(roomID)
	if bus == nil {
		return 0
	}
	return bus.Subscribers()
}

// Rooms returns the number of rooms with live connections.
func (l *Lobby) Rooms() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.rooms)
}

// CloseAll removes every room and closes its bus. Used on shutdown: every
// attached connection sees its bus close and tears itself down.
func (l *Lobby) CloseAll() {
	l.mu.Lock()
	rooms := l.rooms
	l.rooms = make(map[int64]*RoomState)
	metrics.ActiveRooms.Set(0)
	l.mu.Unlock()

	for _, room := range rooms {
		room.bus.Close()
	}
	l.logger.Info().Int("rooms", len(rooms)).Msg("closed all rooms")
}

func (l *Lobby) bus(roomID int64) *Bus {
	l.mu.Lock()
	defer l.mu.Unlock()
	if room, ok := l.rooms[roomID]; ok {
		return room.bus
	}
	return nil
}
