package memory

import (
	"sort"
	"sync"
	"time"
)

type room struct {
	mx      sync.Mutex
	members map[string]struct{}
	created time.Time
	// dead is set under mx right before the room is unlinked from the table.
	// Anyone holding a stale pointer must look it up again.
	dead bool
}

// Departure describes a room a connection was removed from.
type Departure struct {
	RoomID    string
	Remaining []string
}

// MemStore is the in-memory room table.
//
// Lock order is room.mx -> MemStore.mx -> MemStore.idxMx, never the reverse.
type MemStore struct {
	mx    *sync.RWMutex
	db    map[string]*room
	idxMx *sync.Mutex
	idx   map[string]map[string]struct{} // connID -> set of roomIDs
	now   func() time.Time
}

func NewMemStore() *MemStore {
	return &MemStore{
		mx:    &sync.RWMutex{},
		db:    make(map[string]*room),
		idxMx: &sync.Mutex{},
		idx:   make(map[string]map[string]struct{}),
		now:   time.Now,
	}
}

// CreateRoom inserts an empty room if it does not exist yet.
// Existing rooms are left untouched.
func (ms *MemStore) CreateRoom(roomID string) bool {
	ms.mx.Lock()
	defer ms.mx.Unlock()

	if _, ok := ms.db[roomID]; ok {
		return false
	}
	ms.db[roomID] = newRoom(ms.now())
	return true
}

// Exists reports whether the room is present in the table.
func (ms *MemStore) Exists(roomID string) bool {
	ms.mx.RLock()
	defer ms.mx.RUnlock()

	_, ok := ms.db[roomID]
	return ok
}

// Join adds connID to the room, creating the room if needed, and returns the
// other members.
func (ms *MemStore) Join(roomID, connID string) []string {
	for {
		r := ms.getOrCreate(roomID)

		r.mx.Lock()
		if r.dead {
			r.mx.Unlock()
			continue
		}
		r.members[connID] = struct{}{}
		ms.index(connID, roomID)
		others := snapshot(r.members, connID)
		r.mx.Unlock()

		return others
	}
}

// Leave removes connID from the room and returns the remaining members.
// The room is deleted once nobody is left in it.
func (ms *MemStore) Leave(roomID, connID string) ([]string, bool) {
	r := ms.get(roomID)
	if r == nil {
		return nil, false
	}

	r.mx.Lock()
	defer r.mx.Unlock()

	if r.dead {
		return nil, false
	}
	if _, ok := r.members[connID]; !ok {
		return snapshot(r.members, ""), false
	}
	delete(r.members, connID)
	ms.unindex(connID, roomID)

	if len(r.members) == 0 {
		ms.unlink(roomID, r)
		return nil, true
	}
	return snapshot(r.members, ""), true
}

// RemoveConnectionFromAllRooms leaves every room connID belongs to.
func (ms *MemStore) RemoveConnectionFromAllRooms(connID string) []Departure {
	ms.idxMx.Lock()
	rooms := make([]string, 0, len(ms.idx[connID]))
	for roomID := range ms.idx[connID] {
		rooms = append(rooms, roomID)
	}
	ms.idxMx.Unlock()
	sort.Strings(rooms)

	departures := make([]Departure, 0, len(rooms))
	for _, roomID := range rooms {
		remaining, ok := ms.Leave(roomID, connID)
		if !ok {
			continue
		}
		departures = append(departures, Departure{
			RoomID:    roomID,
			Remaining: remaining,
		})
	}
	return departures
}

// Members returns current members of the room. Unknown rooms have no members.
func (ms *MemStore) Members(roomID string) []string {
	r := ms.get(roomID)
	if r == nil {
		return []string{}
	}

	r.mx.Lock()
	defer r.mx.Unlock()

	if r.dead {
		return []string{}
	}
	return snapshot(r.members, "")
}

// RoomsOf returns the rooms connID is currently a member of.
func (ms *MemStore) RoomsOf(connID string) []string {
	ms.idxMx.Lock()
	defer ms.idxMx.Unlock()

	rooms := make([]string, 0, len(ms.idx[connID]))
	for roomID := range ms.idx[connID] {
		rooms = append(rooms, roomID)
	}
	sort.Strings(rooms)
	return rooms
}

// Len returns the number of rooms in the table, pending ones included.
func (ms *MemStore) Len() int {
	ms.mx.RLock()
	defer ms.mx.RUnlock()
	return len(ms.db)
}

// Sweep deletes rooms that were created more than ttl ago and never got a
// member. It returns the number of deleted rooms.
func (ms *MemStore) Sweep(ttl time.Duration) int {
	deadline := ms.now().Add(-ttl)

	ms.mx.RLock()
	candidates := make(map[string]*room)
	for id, r := range ms.db {
		candidates[id] = r
	}
	ms.mx.RUnlock()

	var swept int
	for id, r := range candidates {
		r.mx.Lock()
		if !r.dead && len(r.members) == 0 && r.created.Before(deadline) {
			ms.unlink(id, r)
			swept++
		}
		r.mx.Unlock()
	}
	return swept
}

func newRoom(created time.Time) *room {
	return &room{
		members: make(map[string]struct{}),
		created: created,
	}
}

func (ms *MemStore) get(roomID string) *room {
	ms.mx.RLock()
	defer ms.mx.RUnlock()
	return ms.db[roomID]
}

func (ms *MemStore) getOrCreate(roomID string) *room {
	if r := ms.get(roomID); r != nil {
		return r
	}

	ms.mx.Lock()
	defer ms.mx.Unlock()

	r, ok := ms.db[roomID]
	if !ok {
		r = newRoom(ms.now())
		ms.db[roomID] = r
	}
	return r
}

// unlink must be called with r.mx held.
func (ms *MemStore) unlink(roomID string, r *room) {
	r.dead = true

	ms.mx.Lock()
	if ms.db[roomID] == r {
		delete(ms.db, roomID)
	}
	ms.mx.Unlock()
}

func (ms *MemStore) index(connID, roomID string) {
	ms.idxMx.Lock()
	defer ms.idxMx.Unlock()

	rooms, ok := ms.idx[connID]
	if !ok {
		rooms = make(map[string]struct{})
		ms.idx[connID] = rooms
	}
	rooms[roomID] = struct{}{}
}

func (ms *MemStore) unindex(connID, roomID string) {
	ms.idxMx.Lock()
	defer ms.idxMx.Unlock()

	if rooms, ok := ms.idx[connID]; ok {
		delete(rooms, roomID)
		if len(rooms) == 0 {
			delete(ms.idx, connID)
		}
	}
}

func snapshot(members map[string]struct{}, exclude string) []string {
	out := make([]string, 0, len(members))
	for id := range members {
		if id != exclude {
			out = append(out, id)
		}
	}
	sort.Strings(out)
	return out
}
