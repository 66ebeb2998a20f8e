// Package rooms maps conversation rooms to the connections subscribed to them.
package rooms

import (
	"sort"
	"sync"
)

// Router holds room membership for live connections. Rooms are created on
// first join and dropped when their last member leaves.
type Router struct {
	// roomID -> set of connIDs
	rooms map[string]map[string]struct{}
	// connID -> set of roomIDs
	joined map[string]map[string]struct{}

	mu sync.RWMutex
}

func New() *Router {
	return &Router{
		rooms:  make(map[string]map[string]struct{}),
		joined: make(map[string]map[string]struct{}),
	}
}

// Join subscribes connID to roomID. It reports false if the connection was
// already a member.
func (r *Router) Join(connID, roomID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	members, ok := r.rooms[roomID]
	if !ok {
		members = make(map[string]struct{})
		r.rooms[roomID] = members
	}
	if _, ok := members[connID]; ok {
		return false
	}
	members[connID] = struct{}{}

	rooms, ok := r.joined[connID]
	if !ok {
		rooms = make(map[string]struct{})
		r.joined[connID] = rooms
	}
	rooms[roomID] = struct{}{}
	return true
}

// Leave removes connID from roomID. It reports whether the connection was a member.
func (r *Router) Leave(connID, roomID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.leave(connID, roomID)
}

func (r *Router) leave(connID, roomID string) bool {
	members, ok := r.rooms[roomID]
	if !ok {
		return false
	}
	if _, ok := members[connID]; !ok {
		return false
	}
	delete(members, connID)
	if len(members) == 0 {
		delete(r.rooms, roomID)
	}

	if rooms, ok := r.joined[connID]; ok {
		delete(rooms, roomID)
		if len(rooms) == 0 {
			delete(r.joined, connID)
		}
	}
	return true
}

// LeaveAll removes connID from every room and returns the rooms it left.
func (r *Router) LeaveAll(connID string) []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	rooms := make([]string, 0, len(r.joined[connID]))
	for roomID := range r.joined[connID] {
		rooms = append(rooms, roomID)
	}
	for _, roomID := range rooms {
		r.leave(connID, roomID)
	}
	sort.Strings(rooms)
	return rooms
}

// MembersOf returns a snapshot of the connections subscribed to roomID.
func (r *Router) MembersOf(roomID string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	members := make([]string, 0, len(r.rooms[roomID]))
	for connID := range r.rooms[roomID] {
		members = append(members, connID)
	}
	sort.Strings(members)
	return members
}

// RoomsOf returns the rooms connID has joined.
func (r *Router) RoomsOf(connID string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	rooms := make([]string, 0, len(r.joined[connID]))
	for roomID := range r.joined[connID] {
		rooms = append(rooms, roomID)
	}
	sort.Strings(rooms)
	return rooms
}

// IsMember reports whether connID has joined roomID.
func (r *Router) IsMember(connID, roomID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.rooms[roomID][connID]
	return ok
}

// RoomCount returns the number of non-empty rooms.
func (r *Router) RoomCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.rooms)
}
