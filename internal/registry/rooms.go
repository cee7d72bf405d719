package registry

import "sync"

// Rooms caches group membership signalled by clients opening and closing a
// group conversation (joinGroup/leaveGroup). It is used for ephemeral routing
// only (group typing); message fan-out reads authoritative membership from the
// durable store.
type Rooms struct {
	mu      sync.RWMutex
	members map[string]map[string]struct{} // groupID -> set of userIDs
	joined  map[string]map[string]struct{} // userID -> set of groupIDs
}

func NewRooms() *Rooms {
	return &Rooms{
		members: make(map[string]map[string]struct{}),
		joined:  make(map[string]map[string]struct{}),
	}
}

func (r *Rooms) Join(groupID, userID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.members[groupID]; !ok {
		r.members[groupID] = make(map[string]struct{})
	}
	r.members[groupID][userID] = struct{}{}
	if _, ok := r.joined[userID]; !ok {
		r.joined[userID] = make(map[string]struct{})
	}
	r.joined[userID][groupID] = struct{}{}
}

func (r *Rooms) Leave(groupID, userID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.leaveLocked(groupID, userID)
}

// LeaveAll detaches a user from every room, used on disconnect.
func (r *Rooms) LeaveAll(userID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for groupID := range r.joined[userID] {
		r.leaveLocked(groupID, userID)
	}
}

func (r *Rooms) leaveLocked(groupID, userID string) {
	if set, ok := r.members[groupID]; ok {
		delete(set, userID)
		if len(set) == 0 {
			delete(r.members, groupID)
		}
	}
	if set, ok := r.joined[userID]; ok {
		delete(set, groupID)
		if len(set) == 0 {
			delete(r.joined, userID)
		}
	}
}

// Members returns a snapshot of users currently attached to the room.
func (r *Rooms) Members(groupID string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	set, ok := r.members[groupID]
	if !ok {
		return nil
	}
	out := make([]string, 0, len(set))
	for uid := range set {
		out = append(out, uid)
	}
	return out
}
