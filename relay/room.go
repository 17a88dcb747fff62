package relay

import (
	"sync"
	"time"

	"github.com/devforge/collab-api/wire"
)

// Room holds the live presence of one project's collaborators. Entries are
// keyed by user id, never by connection id, so a reconnecting user replaces
// their own entry instead of duplicating it.
type Room struct {
	projectID string

	mu    sync.RWMutex
	users map[string]*wire.Presence
	conns map[string]*conn
}

func newRoom(projectID string) *Room {
	return &Room{
		projectID: projectID,
		users:     make(map[string]*wire.Presence),
		conns:     make(map[string]*conn),
	}
}

// Presences returns a snapshot of the room's presence list.
func (r *Room) Presences() []wire.Presence {
	r.mu.RLock()
	defer r.mu.RUnlock()
	users := make([]wire.Presence, 0, len(r.users))
	for _, p := range r.users {
		users = append(users, *p)
	}
	return users
}

func (r *Room) size() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.users)
}

// presence returns a copy of one user's entry.
func (r *Room) presence(userID string) (wire.Presence, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.users[userID]
	if !ok {
		return wire.Presence{}, false
	}
	return *p, true
}

// touch bumps the user's last activity clock.
func (r *Room) touch(userID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if p, ok := r.users[userID]; ok {
		p.LastActivity = time.Now().UnixMilli()
	}
}

// setCurrentFile records which file the user is focused on; empty clears it.
func (r *Room) setCurrentFile(userID, fileID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if p, ok := r.users[userID]; ok {
		p.CurrentFile = fileID
		p.LastActivity = time.Now().UnixMilli()
	}
}

// broadcast sends the envelope to every connection in the room except the
// user named by exclude (empty string excludes nobody). The socket writes
// happen outside the room lock.
func (r *Room) broadcast(env wire.Envelope, exclude string) {
	r.mu.RLock()
	targets := make([]*conn, 0, len(r.conns))
	for userID, c := range r.conns {
		if userID == exclude {
			continue
		}
		targets = append(targets, c)
	}
	r.mu.RUnlock()

	for _, c := range targets {
		c.send(env)
	}
}

// RoomManager owns every live room. It is created by the relay server and
// injected into connection handling; nothing else mutates rooms.
type RoomManager struct {
	mu    sync.Mutex
	rooms map[string]*Room
}

func NewRoomManager() *RoomManager {
	return &RoomManager{rooms: make(map[string]*Room)}
}

// Join upserts the user's presence in the project's room, creating the room
// lazily, and returns it. The presence insert happens while the manager lock
// is still held: dropping it first would let a concurrent Leave of the last
// member discard the room between lookup and insert, stranding the joiner in
// a room the manager no longer knows.
func (m *RoomManager) Join(projectID string, p wire.Presence, c *conn) *Room {
	m.mu.Lock()
	defer m.mu.Unlock()
	room, ok := m.rooms[projectID]
	if !ok {
		room = newRoom(projectID)
		m.rooms[projectID] = room
	}

	room.mu.Lock()
	room.users[p.UserID] = &p
	if c != nil {
		room.conns[p.UserID] = c
	}
	room.mu.Unlock()
	return room
}

// Leave removes the user's presence, but only if c is still the connection
// serving that user; the close of a connection superseded by a reconnect must
// not evict the fresh entry. Empty rooms are discarded. Reports whether an
// entry was removed.
func (m *RoomManager) Leave(projectID, userID string, c *conn) bool {
	m.mu.Lock()
	room, ok := m.rooms[projectID]
	m.mu.Unlock()
	if !ok {
		return false
	}

	room.mu.Lock()
	if cur, ok := room.conns[userID]; ok && cur != c {
		room.mu.Unlock()
		return false
	}
	_, had := room.users[userID]
	delete(room.users, userID)
	delete(room.conns, userID)
	empty := len(room.users) == 0
	room.mu.Unlock()

	if empty {
		m.mu.Lock()
		if r, ok := m.rooms[projectID]; ok && r.size() == 0 {
			delete(m.rooms, projectID)
		}
		m.mu.Unlock()
	}
	return had
}

// Room returns the live room for a project, if any.
func (m *RoomManager) Room(projectID string) (*Room, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	room, ok := m.rooms[projectID]
	return room, ok
}
