// Package realtime implements room-scoped presence tracking and event
// fan-out for live board connections.
package realtime

import (
	"sync"

	"github.com/sirupsen/logrus"
)

// Event names delivered to room subscribers.
const (
	EventTaskCreated   = "task_created"
	EventTaskUpdated   = "task_updated"
	EventTaskDeleted   = "task_deleted"
	EventTaskMoved     = "task_moved"
	EventActivityLog   = "activity_log"
	EventUpdateMembers = "update_members"
	EventNewMessage    = "new_message"
)

// sessionBuffer bounds the per-connection event queue. A consumer that
// falls this far behind loses events rather than blocking publishers;
// delivery is at-most-once by contract.
const sessionBuffer = 32

type Event struct {
	Room    string `json:"room"`
	Type    string `json:"type"`
	Payload any    `json:"payload"`
}

// Member is one live connection as seen by the rest of the room.
type Member struct {
	ID       string `json:"id"`
	Username string `json:"username"`
}

type roomSession struct {
	connID   string
	username string
	room     string
	events   chan Event
}

// Hub owns the in-memory room registry. It is the only component allowed
// to mutate room sessions; everything else goes through Join, Leave,
// Disconnect, and Publish. Presence is intentionally non-durable: the
// registry starts empty on every process start.
type Hub struct {
	log logrus.FieldLogger

	mu    sync.Mutex
	rooms map[string]map[string]*roomSession
	conns map[string]*roomSession

	// relay, when set, forwards locally published events to the
	// cross-instance bridge. Guarded by mu only at set time; Publish
	// reads it without the lock held during delivery.
	relay func(Event)
}

func NewHub(log logrus.FieldLogger) *Hub {
	return &Hub{
		log:   log,
		rooms: make(map[string]map[string]*roomSession),
		conns: make(map[string]*roomSession),
	}
}

// Join subscribes a connection to a room and returns its event channel.
// A connection holds membership in exactly one room: joining a new room
// implicitly leaves the previous one. Rejoining the same room with the
// same connection is idempotent but still triggers a presence broadcast.
func (h *Hub) Join(connID, username, roomID string) <-chan Event {
	h.mu.Lock()

	// The leave-then-join swap happens under one lock so the registry
	// never holds a session that is in rooms but not in conns.
	var left bool
	var previous string
	var previousMembers []Member
	if existing, ok := h.conns[connID]; ok {
		if existing.room == roomID {
			members := h.membersLocked(roomID)
			h.mu.Unlock()
			h.Publish(roomID, EventUpdateMembers, members)
			return existing.events
		}
		h.removeLocked(existing)
		left = true
		previous = existing.room
		previousMembers = h.membersLocked(previous)
	}

	sess := &roomSession{
		connID:   connID,
		username: username,
		room:     roomID,
		events:   make(chan Event, sessionBuffer),
	}
	if h.rooms[roomID] == nil {
		h.rooms[roomID] = make(map[string]*roomSession)
	}
	h.rooms[roomID][connID] = sess
	h.conns[connID] = sess
	members := h.membersLocked(roomID)
	h.mu.Unlock()

	if left {
		h.Publish(previous, EventUpdateMembers, previousMembers)
	}
	h.log.WithFields(logrus.Fields{"conn": connID, "user": username, "room": roomID}).Info("joined room")
	h.Publish(roomID, EventUpdateMembers, members)
	return sess.events
}

// Leave removes a connection from a room. A no-op if the connection is
// not in that room.
func (h *Hub) Leave(connID, roomID string) {
	h.mu.Lock()
	sess, ok := h.conns[connID]
	if !ok || sess.room != roomID {
		h.mu.Unlock()
		return
	}
	h.removeLocked(sess)
	members := h.membersLocked(roomID)
	h.mu.Unlock()

	h.log.WithFields(logrus.Fields{"conn": connID, "user": sess.username, "room": roomID}).Info("left room")
	h.Publish(roomID, EventUpdateMembers, members)
}

// Disconnect cleans up whatever room the connection was in.
func (h *Hub) Disconnect(connID string) {
	h.mu.Lock()
	sess, ok := h.conns[connID]
	if !ok {
		h.mu.Unlock()
		return
	}
	room := sess.room
	h.removeLocked(sess)
	members := h.membersLocked(room)
	h.mu.Unlock()

	h.log.WithFields(logrus.Fields{"conn": connID, "user": sess.username, "room": room}).Info("disconnected")
	h.Publish(room, EventUpdateMembers, members)
}

// Members returns the live member list of a room.
func (h *Hub) Members(roomID string) []Member {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.membersLocked(roomID)
}

// Publish delivers an event to every connection currently subscribed to
// the room, then hands it to the cross-instance relay if one is wired.
// Delivery is fire-and-forget: a full subscriber queue drops the event.
func (h *Hub) Publish(roomID, eventType string, payload any) {
	event := Event{Room: roomID, Type: eventType, Payload: payload}
	h.deliver(event)
	if relay := h.relayFn(); relay != nil {
		relay(event)
	}
}

// deliver fans an event out to local subscribers only. The bridge uses
// it for remote events so they are not relayed back out. Sends are
// non-blocking and happen under the registry lock, so a session channel
// is never closed concurrently with a send.
func (h *Hub) deliver(event Event) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, sess := range h.rooms[event.Room] {
		select {
		case sess.events <- event:
		default:
			h.log.WithFields(logrus.Fields{"conn": sess.connID, "room": event.Room, "event": event.Type}).Warn("dropping event for slow consumer")
		}
	}
}

// SetRelay wires the cross-instance bridge. Must be called before the
// hub starts serving connections.
func (h *Hub) SetRelay(fn func(Event)) {
	h.mu.Lock()
	h.relay = fn
	h.mu.Unlock()
}

func (h *Hub) relayFn() func(Event) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.relay
}

func (h *Hub) membersLocked(roomID string) []Member {
	members := make([]Member, 0, len(h.rooms[roomID]))
	for _, sess := range h.rooms[roomID] {
		members = append(members, Member{ID: sess.connID, Username: sess.username})
	}
	return members
}

func (h *Hub) removeLocked(sess *roomSession) {
	if room, ok := h.rooms[sess.room]; ok {
		delete(room, sess.connID)
		if len(room) == 0 {
			delete(h.rooms, sess.room)
		}
	}
	delete(h.conns, sess.connID)
	close(sess.events)
}
