// Package callsignal relays WebRTC signaling between exactly two peers and
// tracks a per-attempt state machine. Sessions are process memory only: a
// restart drops in-flight calls and clients re-initiate.
package callsignal

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/chatrelay/internal/event"
	"github.com/chatrelay/internal/logger"
	"github.com/chatrelay/internal/registry"
)

type State string

const (
	StateRinging State = "ringing"
	StateOngoing State = "ongoing"
)

// Failure reasons surfaced to the initiator. Human-readable so clients can
// render them directly.
const (
	ReasonSelfCall        = "self_call"
	ReasonUserOffline     = "user_offline"
	ReasonUserUnavailable = "user_unavailable"
	ReasonServerError     = "server_error"
)

// Session is one call attempt, keyed by the caller/callee pair. Created on
// callUser, destroyed on any terminal transition or participant disconnect.
type Session struct {
	ID        string
	CallerID  string
	CalleeID  string
	CallType  string
	State     State
	StartedAt time.Time
}

type Relay struct {
	mu       sync.Mutex
	reg      *registry.Registry
	sessions map[string]*Session // pairKey(caller, callee)
}

func NewRelay(reg *registry.Registry) *Relay {
	return &Relay{reg: reg, sessions: make(map[string]*Session)}
}

func pairKey(callerID, calleeID string) string {
	return callerID + "|" + calleeID
}

// CallUser starts a call attempt. Every failure path answers the caller with
// exactly one callFailed; the caller never waits on silence.
func (r *Relay) CallUser(from registry.Handle, in event.Incoming) {
	callerID := from.UserID()
	calleeID := in.To
	if calleeID == "" || calleeID == callerID {
		r.fail(from, ReasonSelfCall, "you cannot call yourself")
		return
	}

	callee, status := r.reg.Resolve(calleeID)
	switch status {
	case registry.ResolveAbsent:
		r.fail(from, ReasonUserOffline, "user is offline")
		return
	case registry.ResolveStale:
		// Registered but transport already dead; Resolve purged the entry.
		r.fail(from, ReasonUserUnavailable, "user is unavailable")
		return
	}

	sess := &Session{
		ID:        uuid.New().String(),
		CallerID:  callerID,
		CalleeID:  calleeID,
		CallType:  in.CallType,
		State:     StateRinging,
		StartedAt: time.Now().UTC(),
	}
	r.mu.Lock()
	r.sessions[pairKey(callerID, calleeID)] = sess
	r.mu.Unlock()

	ok := callee.Send(event.Outgoing{
		Type: event.TypeIncomingCall,
		Payload: event.IncomingCallPayload{
			From:     in.From,
			Signal:   in.Signal,
			CallType: in.CallType,
		},
	})
	if !ok {
		r.reg.Purge(calleeID, callee)
		r.remove(callerID, calleeID)
		r.fail(from, ReasonUserUnavailable, "user is unavailable")
		return
	}
	logger.Infof("call ringing id=%s from=%s to=%s type=%s", sess.ID, callerID, calleeID, in.CallType)
}

// AnswerCall handles the callee's response while ringing. An SDP "answer"
// completes the call; an unexpected "offer" is signaling glare, answered with
// signalingConflict to both parties so clients renegotiate. Glare is the
// expected outcome of simultaneous offers, not a call failure.
func (r *Relay) AnswerCall(from registry.Handle, in event.Incoming) {
	calleeID := from.UserID()
	callerID := in.To

	r.mu.Lock()
	sess, ok := r.sessions[pairKey(callerID, calleeID)]
	if !ok || sess.State != StateRinging {
		r.mu.Unlock()
		logger.Errorf("call answer without ringing session from=%s to=%s", calleeID, callerID)
		return
	}

	var sig struct {
		Type string `json:"type"`
	}
	if len(in.Signal) > 0 {
		if err := json.Unmarshal(in.Signal, &sig); err != nil {
			r.mu.Unlock()
			r.fail(from, ReasonServerError, "invalid signal payload")
			return
		}
	}

	if sig.Type == "offer" && !in.IsFallback {
		r.mu.Unlock()
		conflict := event.Outgoing{
			Type: event.TypeSignalingConflict,
			Payload: event.SignalingConflictPayload{
				From:      calleeID,
				Signal:    in.Signal,
				Timestamp: time.Now().UTC(),
			},
		}
		r.sendTo(callerID, conflict)
		from.Send(conflict)
		logger.Infof("call glare from=%s to=%s, renegotiation requested", calleeID, callerID)
		return
	}

	sess.State = StateOngoing
	r.mu.Unlock()

	r.sendTo(callerID, event.Outgoing{
		Type: event.TypeCallAccepted,
		Payload: event.CallAcceptedPayload{
			Signal:     in.Signal,
			From:       calleeID,
			IsFallback: in.IsFallback,
		},
	})
	logger.Infof("call accepted id=%s by=%s", sess.ID, calleeID)
}

// RejectCall, CallBusy and EndCall are unconditional terminal forwards: the
// relay does not guarantee teardown delivery, clients enforce timeouts.
func (r *Relay) RejectCall(from registry.Handle, in event.Incoming) {
	r.terminal(from, in.To, event.TypeCallRejected)
}

func (r *Relay) CallBusy(from registry.Handle, in event.Incoming) {
	r.terminal(from, in.To, event.TypeCallBusy)
}

func (r *Relay) EndCall(from registry.Handle, in event.Incoming) {
	r.terminal(from, in.To, event.TypeCallEnded)
}

func (r *Relay) terminal(from registry.Handle, to string, typ event.Type) {
	userID := from.UserID()
	r.remove(userID, to)
	r.remove(to, userID)
	r.sendTo(to, event.Outgoing{
		Type:    typ,
		Payload: event.CallPeerPayload{From: userID},
	})
	logger.Infof("call %s from=%s to=%s", typ, userID, to)
}

// ICECandidate forwards a candidate verbatim; contents are never inspected.
func (r *Relay) ICECandidate(from registry.Handle, in event.Incoming) {
	r.sendTo(in.To, event.Outgoing{
		Type: event.TypeICECandidate,
		Payload: event.ICECandidatePayload{
			From:          from.UserID(),
			Candidate:     in.Candidate,
			CandidateType: in.CandidateType,
		},
	})
}

// Disconnect tears down every session the user participates in, signaling the
// other party: an implicit endCall for ongoing calls, callFailed for a caller
// whose callee vanished mid-ring.
func (r *Relay) Disconnect(userID string) {
	r.mu.Lock()
	var torn []*Session
	for key, sess := range r.sessions {
		if sess.CallerID != userID && sess.CalleeID != userID {
			continue
		}
		delete(r.sessions, key)
		torn = append(torn, sess)
	}
	r.mu.Unlock()

	for _, sess := range torn {
		other := sess.CalleeID
		if other == userID {
			other = sess.CallerID
		}
		switch {
		case sess.State == StateRinging && userID == sess.CalleeID:
			r.sendTo(other, event.Outgoing{
				Type:    event.TypeCallFailed,
				Payload: event.CallFailedPayload{Reason: ReasonUserUnavailable, Message: "user disconnected"},
			})
		default:
			r.sendTo(other, event.Outgoing{
				Type:    event.TypeCallEnded,
				Payload: event.CallPeerPayload{From: userID},
			})
		}
		logger.Infof("call torn down id=%s on disconnect of %s", sess.ID, userID)
	}
}

// SessionState reports the state of a call attempt, if one exists.
func (r *Relay) SessionState(callerID, calleeID string) (State, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	sess, ok := r.sessions[pairKey(callerID, calleeID)]
	if !ok {
		return "", false
	}
	return sess.State, true
}

func (r *Relay) remove(callerID, calleeID string) {
	r.mu.Lock()
	delete(r.sessions, pairKey(callerID, calleeID))
	r.mu.Unlock()
}

func (r *Relay) fail(h registry.Handle, reason, message string) {
	h.Send(event.Outgoing{
		Type:    event.TypeCallFailed,
		Payload: event.CallFailedPayload{Reason: reason, Message: message},
	})
}

func (r *Relay) sendTo(userID string, out event.Outgoing) {
	h, status := r.reg.Resolve(userID)
	if status != registry.ResolveLive {
		return
	}
	if !h.Send(out) {
		r.reg.Purge(userID, h)
	}
}
