package presence

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/chatrelay/internal/event"
	"github.com/chatrelay/internal/registry"
)

type fakeHandle struct {
	mu     sync.Mutex
	userID string
	alive  bool
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
}

func (f *fakeHandle) events() []event.Outgoing {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]event.Outgoing(nil), f.sent...)
}

type fakeUserStore struct {
	calls chan string
}

func newFakeUserStore() *fakeUserStore {
	return &fakeUserStore{calls: make(chan string, 8)}
}

func (s *fakeUserStore) SetPresence(ctx context.Context, userID string, online bool, lastSeen time.Time) error {
	s.calls <- userID
	return nil
}

func TestUserOnlineBroadcast(t *testing.T) {
	reg := registry.New()
	alice := newFakeHandle("alice")
	bob := newFakeHandle("bob")
	reg.Register("alice", alice)
	reg.Register("bob", bob)

	store := newFakeUserStore()
	p := NewPublisher(reg, store, nil)
	p.UserOnline("alice")

	// bob gets the individual event plus the snapshot.
	bobEvs := bob.events()
	if len(bobEvs) != 2 {
		t.Fatalf("bob events = %v", bobEvs)
	}
	if bobEvs[0].Type != event.TypeUserOnline {
		t.Fatalf("first event = %s, want userOnline", bobEvs[0].Type)
	}
	if p := bobEvs[0].Payload.(event.UserStatusPayload); p.UserID != "alice" {
		t.Fatalf("payload user = %s", p.UserID)
	}
	if bobEvs[1].Type != event.TypeGetOnlineUsers {
		t.Fatalf("second event = %s, want getOnlineUsers", bobEvs[1].Type)
	}

	// alice only gets the snapshot, never her own status event.
	aliceEvs := alice.events()
	if len(aliceEvs) != 1 || aliceEvs[0].Type != event.TypeGetOnlineUsers {
		t.Fatalf("alice events = %v", aliceEvs)
	}

	select {
	case uid := <-store.calls:
		if uid != "alice" {
			t.Fatalf("persisted %s, want alice", uid)
		}
	case <-time.After(time.Second):
		t.Fatal("presence never persisted")
	}
}

func TestUserOfflineBroadcast(t *testing.T) {
	reg := registry.New()
	bob := newFakeHandle("bob")
	reg.Register("bob", bob)

	store := newFakeUserStore()
	p := NewPublisher(reg, store, nil)
	p.UserOffline("alice")

	evs := bob.events()
	if len(evs) != 2 || evs[0].Type != event.TypeUserOffline {
		t.Fatalf("bob events = %v", evs)
	}
	snap := evs[1].Payload.(event.OnlineUsersPayload)
	if len(snap.UserIDs) != 1 || snap.UserIDs[0] != "bob" {
		t.Fatalf("snapshot = %v, want [bob]", snap.UserIDs)
	}
	<-store.calls
}

func TestSnapshotSorted(t *testing.T) {
	reg := registry.New()
	for _, uid := range []string{"carol", "alice", "bob"} {
		reg.Register(uid, newFakeHandle(uid))
	}
	p := NewPublisher(reg, newFakeUserStore(), nil)

	got := p.Snapshot()
	want := []string{"alice", "bob", "carol"}
	if len(got) != len(want) {
		t.Fatalf("snapshot = %v", got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("snapshot = %v, want %v", got, want)
		}
	}
}
