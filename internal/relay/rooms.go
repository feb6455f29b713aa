package relay

import "sync"

// RoomDirectory maps room names to the set of subscribed connection ids. A
// reverse index keeps purge-on-disconnect O(rooms joined by the connection).
// Empty rooms are garbage-collected eagerly on leave/purge; rooms are never
// persisted.
type RoomDirectory struct {
	mu     sync.RWMutex
	rooms  map[string]map[string]struct{} // room name -> connection ids
	byConn map[string]map[string]struct{} // connection id -> room names
}

func NewRoomDirectory() *RoomDirectory {
	return &RoomDirectory{
		rooms:  make(map[string]map[string]struct{}),
		byConn: make(map[string]map[string]struct{}),
	}
}

// Join subscribes a connection to a room. Joining a room the connection is
// already a member of is a no-op; it reports whether membership changed.
func (d *RoomDirectory) Join(room, connectionID string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	if _, ok := d.rooms[room][connectionID]; ok {
		return false
	}
	if d.rooms[room] == nil {
		d.rooms[room] = make(map[string]struct{})
	}
	d.rooms[room][connectionID] = struct{}{}

	if d.byConn[connectionID] == nil {
		d.byConn[connectionID] = make(map[string]struct{})
	}
	d.byConn[connectionID][room] = struct{}{}
	return true
}

// Leave unsubscribes a connection from a room. Leaving a room the connection
// is not a member of is a no-op.
func (d *RoomDirectory) Leave(room, connectionID string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.leaveLocked(room, connectionID)
}

func (d *RoomDirectory) leaveLocked(room, connectionID string) bool {
	members, ok := d.rooms[room]
	if !ok {
		return false
	}
	if _, ok := members[connectionID]; !ok {
		return false
	}

	delete(members, connectionID)
	if len(members) == 0 {
		delete(d.rooms, room)
	}
	if joined := d.byConn[connectionID]; joined != nil {
		delete(joined, room)
		if len(joined) == 0 {
			delete(d.byConn, connectionID)
		}
	}
	return true
}

// MembersOf returns a snapshot of the room's member connection ids. The
// snapshot may be stale by the time a broadcast pushes to it; delivery to a
// connection that has since closed fails silently at the push site.
func (d *RoomDirectory) MembersOf(room string) []string {
	d.mu.RLock()
	defer d.mu.RUnlock()

	members := make([]string, 0, len(d.rooms[room]))
	for id := range d.rooms[room] {
		members = append(members, id)
	}
	return members
}

// RoomsOf returns a snapshot of the rooms the connection belongs to.
func (d *RoomDirectory) RoomsOf(connectionID string) []string {
	d.mu.RLock()
	defer d.mu.RUnlock()

	rooms := make([]string, 0, len(d.byConn[connectionID]))
	for room := range d.byConn[connectionID] {
		rooms = append(rooms, room)
	}
	return rooms
}

// PurgeConnection removes the connection from every room it belongs to.
// Called exactly once by the lifecycle handler on teardown. Returns the rooms
// the connection was removed from.
func (d *RoomDirectory) PurgeConnection(connectionID string) []string {
	d.mu.Lock()
	defer d.mu.Unlock()

	joined := d.byConn[connectionID]
	rooms := make([]string, 0, len(joined))
	for room := range joined {
		rooms = append(rooms, room)
	}
	for _, room := range rooms {
		d.leaveLocked(room, connectionID)
	}
	return rooms
}

// Rooms returns the number of rooms with at least one member.
func (d *RoomDirectory) Rooms() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.rooms)
}
