package model

import "time"

// Kind distinguishes 1:1 messages from group messages.
type Kind string

const (
	KindDirect Kind = "direct"
	KindGroup  Kind = "group"
)

type MessageStatus string

// Status forms a one-way lattice: sent -> delivered -> seen. It is meaningful
// only for direct messages; group messages track per-member read receipts.
const (
	MessageStatusSent      MessageStatus = "sent"
	MessageStatusDelivered MessageStatus = "delivered"
	MessageStatusSeen      MessageStatus = "seen"
)

type Message struct {
	ID            string        `json:"id"`
	SenderID      string        `json:"sender_id"`
	RecipientID   string        `json:"recipient_id"` // user id for direct, group id for group
	Kind          Kind          `json:"kind"`
	Body          string        `json:"body"`
	AttachmentRef string        `json:"attachment_ref,omitempty"`
	Status        MessageStatus `json:"status"`
	ReplyToID     *string       `json:"reply_to_id,omitempty"`
	SentAt        time.Time     `json:"sent_at"`
	DeliveredAt   *time.Time    `json:"delivered_at,omitempty"`
	SeenAt        *time.Time    `json:"seen_at,omitempty"`
	IsEdited      bool          `json:"is_edited"`
	EditHistory   []EditRecord  `json:"edit_history,omitempty"`
	IsDeleted     bool          `json:"is_deleted"`
	IsPinned      bool          `json:"is_pinned"`
	PinnedBy      *string       `json:"pinned_by,omitempty"`

	Sender    *UserPublic `json:"sender,omitempty"`
	ReplyTo   *Message    `json:"reply_to,omitempty"`
	Reactions []Reaction  `json:"reactions,omitempty"`
}

// EditRecord preserves the body a message had before an edit.
type EditRecord struct {
	Body     string    `json:"body"`
	EditedAt time.Time `json:"edited_at"`
}

type Reaction struct {
	MessageID string    `json:"message_id"`
	UserID    string    `json:"user_id"`
	Emoji     string    `json:"emoji"`
	CreatedAt time.Time `json:"created_at"`
}

// GroupReadReceipt records that one member has read one group message.
// "Fully seen" is never aggregated; individual receipts are the unit.
type GroupReadReceipt struct {
	MessageID string    `json:"message_id"`
	UserID    string    `json:"user_id"`
	ReadAt    time.Time `json:"read_at"`
}
