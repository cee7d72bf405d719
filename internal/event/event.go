// Package event defines the wire protocol between clients and the coordination
// core: one closed set of event types, an inbound envelope and typed outbound
// payloads. Every inbound frame is routed through a single dispatcher, so an
// unknown type is rejected in exactly one place.
package event

import (
	"encoding/json"
	"time"

	"github.com/chatrelay/internal/model"
)

type Type string

// Inbound event types.
const (
	TypeSendMessage          Type = "sendMessage"
	TypeSendGroupMessage     Type = "sendGroupMessage"
	TypeMessageDelivered     Type = "messageDelivered"
	TypeMessageSeen          Type = "messageSeen"
	TypeGroupMessageRead     Type = "groupMessageRead"
	TypeEditMessage          Type = "editMessage"
	TypeDeleteMessage        Type = "deleteMessage"
	TypeReactMessage         Type = "reactMessage"
	TypePinMessage           Type = "pinMessage"
	TypeUnpinMessage         Type = "unpinMessage"
	TypeJoinGroup            Type = "joinGroup"
	TypeLeaveGroup           Type = "leaveGroup"
	TypeTyping               Type = "typing"
	TypeStoppedTyping        Type = "stoppedTyping"
	TypeTypingInGroup        Type = "typingInGroup"
	TypeStoppedTypingInGroup Type = "stoppedTypingInGroup"
	TypeCallUser             Type = "callUser"
	TypeAnswerCall           Type = "answerCall"
	TypeRejectCall           Type = "rejectCall"
	TypeCallBusy             Type = "callBusy"
	TypeEndCall              Type = "endCall"
	TypeICECandidate         Type = "iceCandidate"
)

// Outbound event types.
const (
	TypeGetOnlineUsers           Type = "getOnlineUsers"
	TypeUserOnline               Type = "userOnline"
	TypeUserOffline              Type = "userOffline"
	TypeNewMessage               Type = "newMessage"
	TypeNewGroupMessage          Type = "newGroupMessage"
	TypeMessageEdited            Type = "messageEdited"
	TypeMessageDeleted           Type = "messageDeleted"
	TypeMessageReaction          Type = "messageReaction"
	TypeMessagePinned            Type = "messagePinned"
	TypeMessageUnpinned          Type = "messageUnpinned"
	TypeIncomingCall             Type = "incomingCall"
	TypeCallAccepted             Type = "callAccepted"
	TypeCallRejected             Type = "callRejected"
	TypeCallEnded                Type = "callEnded"
	TypeCallFailed               Type = "callFailed"
	TypeSignalingConflict        Type = "signalingConflict"
	TypeUserTyping               Type = "userTyping"
	TypeUserStoppedTyping        Type = "userStoppedTyping"
	TypeUserTypingInGroup        Type = "userTypingInGroup"
	TypeUserStoppedTypingInGroup Type = "userStoppedTypingInGroup"
	TypeError                    Type = "error"
)

// Incoming is the envelope a client sends. Fields are optional depending on Type;
// the dispatcher validates what each handler needs.
type Incoming struct {
	Type Type `json:"type"`

	// Messaging
	To            string `json:"to,omitempty"` // peer user id (messages, typing, call events)
	GroupID       string `json:"group_id,omitempty"`
	MessageID     string `json:"message_id,omitempty"`
	Body          string `json:"body,omitempty"`
	AttachmentRef string `json:"attachment_ref,omitempty"`
	ReplyToID     string `json:"reply_to_id,omitempty"`
	Emoji         string `json:"emoji,omitempty"`
	Remove        bool   `json:"remove,omitempty"`      // reactMessage: retract instead of add
	DeleteMode    string `json:"delete_mode,omitempty"` // "everyone" | "me"

	// Call signaling. Signal and From are opaque to the relay.
	Signal        json.RawMessage `json:"signal,omitempty"`
	From          json.RawMessage `json:"from,omitempty"`
	CallType      string          `json:"call_type,omitempty"` // "audio" | "video"
	IsFallback    bool            `json:"is_fallback,omitempty"`
	Candidate     json.RawMessage `json:"candidate,omitempty"`
	CandidateType string          `json:"candidate_type,omitempty"`
}

// Outgoing is the envelope the server sends. Payload uses the typed structs
// below to avoid map[string]any allocations on the hot path.
type Outgoing struct {
	Type    Type `json:"type"`
	Payload any  `json:"payload,omitempty"`
}

type UserStatusPayload struct {
	UserID string `json:"user_id"`
}

type OnlineUsersPayload struct {
	UserIDs []string `json:"user_ids"`
}

type NewMessagePayload struct {
	Message *model.Message `json:"message"`
}

type NewGroupMessagePayload struct {
	Message *model.Message `json:"message"`
	GroupID string         `json:"group_id"`
}

type MessageDeliveredPayload struct {
	MessageID   string    `json:"message_id"`
	DeliveredAt time.Time `json:"delivered_at"`
}

type MessageSeenPayload struct {
	MessageID string    `json:"message_id"`
	SeenAt    time.Time `json:"seen_at"`
}

type GroupMessageReadPayload struct {
	MessageID string    `json:"message_id"`
	GroupID   string    `json:"group_id"`
	ReadBy    string    `json:"read_by"`
	ReadAt    time.Time `json:"read_at"`
}

type MessageEditedPayload struct {
	MessageID string    `json:"message_id"`
	Body      string    `json:"body"`
	EditedAt  time.Time `json:"edited_at"`
}

type MessageDeletedPayload struct {
	MessageID string `json:"message_id"`
}

type MessageReactionPayload struct {
	MessageID string `json:"message_id"`
	UserID    string `json:"user_id"`
	Emoji     string `json:"emoji"`
	Removed   bool   `json:"removed,omitempty"`
}

type MessagePinPayload struct {
	MessageID string `json:"message_id"`
	PinnedBy  string `json:"pinned_by,omitempty"`
}

type TypingPayload struct {
	UserID string `json:"user_id"`
}

type GroupTypingPayload struct {
	GroupID string `json:"group_id"`
	UserID  string `json:"user_id"`
}

type IncomingCallPayload struct {
	From     json.RawMessage `json:"from"`
	Signal   json.RawMessage `json:"signal"`
	CallType string          `json:"call_type"`
}

type CallAcceptedPayload struct {
	Signal     json.RawMessage `json:"signal"`
	From       string          `json:"from"`
	IsFallback bool            `json:"is_fallback,omitempty"`
}

type CallPeerPayload struct {
	From string `json:"from"`
}

type CallFailedPayload struct {
	Reason  string `json:"reason"`
	Message string `json:"message"`
}

type SignalingConflictPayload struct {
	From      string          `json:"from"`
	Signal    json.RawMessage `json:"signal"`
	Timestamp time.Time       `json:"timestamp"`
}

type ICECandidatePayload struct {
	From          string          `json:"from"`
	Candidate     json.RawMessage `json:"candidate"`
	CandidateType string          `json:"candidate_type,omitempty"`
}

type ErrorPayload struct {
	Error string `json:"error"`
}
