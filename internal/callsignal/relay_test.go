package callsignal

import (
	"encoding/json"
	"sync"
	"testing"

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

func (f *fakeHandle) lastEvent(t *testing.T) event.Outgoing {
	t.Helper()
	evs := f.events()
	if len(evs) == 0 {
		t.Fatal("no events received")
	}
	return evs[len(evs)-1]
}

func setup(t *testing.T, users ...string) (*Relay, *registry.Registry, map[string]*fakeHandle) {
	t.Helper()
	reg := registry.New()
	handles := make(map[string]*fakeHandle, len(users))
	for _, uid := range users {
		h := newFakeHandle(uid)
		reg.Register(uid, h)
		handles[uid] = h
	}
	return NewRelay(reg), reg, handles
}

func offerSignal() json.RawMessage  { return json.RawMessage(`{"type":"offer","sdp":"x"}`) }
func answerSignal() json.RawMessage { return json.RawMessage(`{"type":"answer","sdp":"y"}`) }

func startCall(t *testing.T, r *Relay, hs map[string]*fakeHandle, caller, callee string) {
	t.Helper()
	r.CallUser(hs[caller], event.Incoming{
		Type:     event.TypeCallUser,
		To:       callee,
		Signal:   offerSignal(),
		CallType: "video",
	})
}

func TestCallUserRingsCallee(t *testing.T) {
	r, _, hs := setup(t, "alice", "bob")
	startCall(t, r, hs, "alice", "bob")

	got := hs["bob"].lastEvent(t)
	if got.Type != event.TypeIncomingCall {
		t.Fatalf("callee got %s, want incomingCall", got.Type)
	}
	p := got.Payload.(event.IncomingCallPayload)
	if p.CallType != "video" {
		t.Fatalf("call_type = %s", p.CallType)
	}
	if state, ok := r.SessionState("alice", "bob"); !ok || state != StateRinging {
		t.Fatalf("session state = %v %v, want ringing", state, ok)
	}
	if evs := hs["alice"].events(); len(evs) != 0 {
		t.Fatalf("caller received %v before any answer", evs)
	}
}

func TestCallSelf(t *testing.T) {
	r, _, hs := setup(t, "alice")
	r.CallUser(hs["alice"], event.Incoming{Type: event.TypeCallUser, To: "alice"})

	got := hs["alice"].lastEvent(t)
	if got.Type != event.TypeCallFailed {
		t.Fatalf("got %s, want callFailed", got.Type)
	}
	if p := got.Payload.(event.CallFailedPayload); p.Reason != ReasonSelfCall {
		t.Fatalf("reason = %s, want self_call", p.Reason)
	}
}

func TestCallOfflineUser(t *testing.T) {
	r, _, hs := setup(t, "alice")
	r.CallUser(hs["alice"], event.Incoming{Type: event.TypeCallUser, To: "bob"})

	got := hs["alice"].lastEvent(t)
	p := got.Payload.(event.CallFailedPayload)
	if got.Type != event.TypeCallFailed || p.Reason != ReasonUserOffline {
		t.Fatalf("got %s/%s, want callFailed/user_offline", got.Type, p.Reason)
	}
	if _, ok := r.SessionState("alice", "bob"); ok {
		t.Fatal("session created for a failed call")
	}
}

func TestCallStaleUser(t *testing.T) {
	r, _, hs := setup(t, "alice", "bob")
	hs["bob"].Close() // registered but transport dead

	r.CallUser(hs["alice"], event.Incoming{Type: event.TypeCallUser, To: "bob"})

	got := hs["alice"].lastEvent(t)
	p := got.Payload.(event.CallFailedPayload)
	if got.Type != event.TypeCallFailed || p.Reason != ReasonUserUnavailable {
		t.Fatalf("got %s/%s, want callFailed/user_unavailable", got.Type, p.Reason)
	}
	// Exactly one failure event, never silence plus a late second answer.
	if evs := hs["alice"].events(); len(evs) != 1 {
		t.Fatalf("caller got %d events, want 1", len(evs))
	}
}

func TestAnswerAcceptsCall(t *testing.T) {
	r, _, hs := setup(t, "alice", "bob")
	startCall(t, r, hs, "alice", "bob")

	r.AnswerCall(hs["bob"], event.Incoming{
		Type:   event.TypeAnswerCall,
		To:     "alice",
		Signal: answerSignal(),
	})

	got := hs["alice"].lastEvent(t)
	if got.Type != event.TypeCallAccepted {
		t.Fatalf("caller got %s, want callAccepted", got.Type)
	}
	if p := got.Payload.(event.CallAcceptedPayload); p.From != "bob" {
		t.Fatalf("from = %s", p.From)
	}
	if state, _ := r.SessionState("alice", "bob"); state != StateOngoing {
		t.Fatalf("state = %s, want ongoing", state)
	}
}

func TestAnswerWithOfferIsGlare(t *testing.T) {
	r, _, hs := setup(t, "alice", "bob")
	startCall(t, r, hs, "alice", "bob")

	// Simultaneous offers: the callee answers with an offer of its own.
	r.AnswerCall(hs["bob"], event.Incoming{
		Type:   event.TypeAnswerCall,
		To:     "alice",
		Signal: offerSignal(),
	})

	for _, uid := range []string{"alice", "bob"} {
		got := hs[uid].lastEvent(t)
		if got.Type != event.TypeSignalingConflict {
			t.Fatalf("%s got %s, want signalingConflict", uid, got.Type)
		}
	}
	// Glare is not a failure: the attempt stays ringing for renegotiation.
	if state, ok := r.SessionState("alice", "bob"); !ok || state != StateRinging {
		t.Fatalf("state = %v %v, want ringing", state, ok)
	}
}

func TestAnswerWithFallbackOfferIsNotGlare(t *testing.T) {
	r, _, hs := setup(t, "alice", "bob")
	startCall(t, r, hs, "alice", "bob")

	r.AnswerCall(hs["bob"], event.Incoming{
		Type:       event.TypeAnswerCall,
		To:         "alice",
		Signal:     offerSignal(),
		IsFallback: true,
	})

	got := hs["alice"].lastEvent(t)
	if got.Type != event.TypeCallAccepted {
		t.Fatalf("caller got %s, want callAccepted", got.Type)
	}
}

func TestRejectForwardsAndEndsSession(t *testing.T) {
	r, _, hs := setup(t, "alice", "bob")
	startCall(t, r, hs, "alice", "bob")

	r.RejectCall(hs["bob"], event.Incoming{Type: event.TypeRejectCall, To: "alice"})

	got := hs["alice"].lastEvent(t)
	if got.Type != event.TypeCallRejected {
		t.Fatalf("caller got %s, want callRejected", got.Type)
	}
	if _, ok := r.SessionState("alice", "bob"); ok {
		t.Fatal("session survived reject")
	}
}

func TestEndCallFromEitherSide(t *testing.T) {
	r, _, hs := setup(t, "alice", "bob")
	startCall(t, r, hs, "alice", "bob")
	r.AnswerCall(hs["bob"], event.Incoming{Type: event.TypeAnswerCall, To: "alice", Signal: answerSignal()})

	// The callee hangs up; pair key is caller|callee but teardown works both ways.
	r.EndCall(hs["bob"], event.Incoming{Type: event.TypeEndCall, To: "alice"})

	got := hs["alice"].lastEvent(t)
	if got.Type != event.TypeCallEnded {
		t.Fatalf("caller got %s, want callEnded", got.Type)
	}
	if _, ok := r.SessionState("alice", "bob"); ok {
		t.Fatal("session survived end")
	}
}

func TestICECandidateForwardedVerbatim(t *testing.T) {
	r, _, hs := setup(t, "alice", "bob")
	raw := json.RawMessage(`{"candidate":"candidate:1 1 UDP 123 10.0.0.1 5000 typ host"}`)

	r.ICECandidate(hs["alice"], event.Incoming{
		Type:          event.TypeICECandidate,
		To:            "bob",
		Candidate:     raw,
		CandidateType: "host",
	})

	got := hs["bob"].lastEvent(t)
	if got.Type != event.TypeICECandidate {
		t.Fatalf("got %s, want iceCandidate", got.Type)
	}
	p := got.Payload.(event.ICECandidatePayload)
	if string(p.Candidate) != string(raw) || p.From != "alice" {
		t.Fatalf("payload = %+v", p)
	}
}

func TestDisconnectDuringOngoingCall(t *testing.T) {
	r, _, hs := setup(t, "alice", "bob")
	startCall(t, r, hs, "alice", "bob")
	r.AnswerCall(hs["bob"], event.Incoming{Type: event.TypeAnswerCall, To: "alice", Signal: answerSignal()})

	r.Disconnect("bob")

	got := hs["alice"].lastEvent(t)
	if got.Type != event.TypeCallEnded {
		t.Fatalf("caller got %s, want callEnded", got.Type)
	}
	if _, ok := r.SessionState("alice", "bob"); ok {
		t.Fatal("session survived disconnect")
	}
}

func TestCalleeDisconnectWhileRinging(t *testing.T) {
	r, _, hs := setup(t, "alice", "bob")
	startCall(t, r, hs, "alice", "bob")

	r.Disconnect("bob")

	got := hs["alice"].lastEvent(t)
	if got.Type != event.TypeCallFailed {
		t.Fatalf("caller got %s, want callFailed", got.Type)
	}
	if p := got.Payload.(event.CallFailedPayload); p.Reason != ReasonUserUnavailable {
		t.Fatalf("reason = %s, want user_unavailable", p.Reason)
	}
}

func TestCallerDisconnectWhileRinging(t *testing.T) {
	r, _, hs := setup(t, "alice", "bob")
	startCall(t, r, hs, "alice", "bob")

	r.Disconnect("alice")

	got := hs["bob"].lastEvent(t)
	if got.Type != event.TypeCallEnded {
		t.Fatalf("callee got %s, want callEnded", got.Type)
	}
}
