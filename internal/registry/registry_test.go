package registry

import (
	"sort"
	"sync"
	"testing"

	"github.com/chatrelay/internal/event"
)

type fakeHandle struct {
	mu     sync.Mutex
	userID string
	alive  bool
	closed bool
	sent   []event.Outgoing
}

func newFakeHandle(userID string) *fakeHandle {
	return &fakeHandle{userID: userID, alive: true}
}

func (f *fakeHandle) UserID() string { return f.userID }

func (f *fakeHandle) Send(msg event.Outgoing) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.alive {
		return false
	}
	f.sent = append(f.sent, msg)
	return true
}

func (f *fakeHandle) Alive() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.alive
}

func (f *fakeHandle) Close() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.alive = false
	f.closed = true
}

func TestRegisterResolve(t *testing.T) {
	r := New()
	h := newFakeHandle("alice")
	r.Register("alice", h)

	got, status := r.Resolve("alice")
	if status != ResolveLive {
		t.Fatalf("status = %v, want ResolveLive", status)
	}
	if got != Handle(h) {
		t.Fatal("resolved wrong handle")
	}
}

func TestResolveAbsent(t *testing.T) {
	r := New()
	if _, status := r.Resolve("nobody"); status != ResolveAbsent {
		t.Fatalf("status = %v, want ResolveAbsent", status)
	}
}

func TestRegisterLastConnectionWins(t *testing.T) {
	r := New()
	first := newFakeHandle("alice")
	second := newFakeHandle("alice")
	r.Register("alice", first)
	r.Register("alice", second)

	if !first.closed {
		t.Error("evicted handle was not closed")
	}
	got, status := r.Resolve("alice")
	if status != ResolveLive || got != Handle(second) {
		t.Fatal("newest connection must own the entry")
	}
}

func TestUnregisterOnlyOwnEntry(t *testing.T) {
	r := New()
	old := newFakeHandle("alice")
	newer := newFakeHandle("alice")
	r.Register("alice", old)
	r.Register("alice", newer)

	// The replaced connection's disconnect must not evict the newer one.
	if r.Unregister("alice", old) {
		t.Error("unregister of replaced handle reported success")
	}
	if _, status := r.Resolve("alice"); status != ResolveLive {
		t.Fatal("newer connection lost after stale unregister")
	}

	if !r.Unregister("alice", newer) {
		t.Error("unregister of owning handle reported failure")
	}
	if _, status := r.Resolve("alice"); status != ResolveAbsent {
		t.Fatal("entry survived unregister")
	}
}

func TestResolvePurgesStale(t *testing.T) {
	r := New()
	h := newFakeHandle("alice")
	r.Register("alice", h)
	h.Close()

	if _, status := r.Resolve("alice"); status != ResolveStale {
		t.Fatalf("first resolve status = %v, want ResolveStale", status)
	}
	// Entry purged lazily; second resolve sees plain absence.
	if _, status := r.Resolve("alice"); status != ResolveAbsent {
		t.Fatalf("second resolve status = %v, want ResolveAbsent", status)
	}
}

func TestOnline(t *testing.T) {
	r := New()
	r.Register("alice", newFakeHandle("alice"))
	r.Register("bob", newFakeHandle("bob"))
	dead := newFakeHandle("carol")
	r.Register("carol", dead)
	dead.Close()

	ids := r.Online()
	sort.Strings(ids)
	want := []string{"alice", "bob"}
	if len(ids) != len(want) {
		t.Fatalf("online = %v, want %v", ids, want)
	}
	for i := range want {
		if ids[i] != want[i] {
			t.Fatalf("online = %v, want %v", ids, want)
		}
	}
}
