// Package delivery enforces the one-way direct-message status lattice
// (sent -> delivered -> seen) and notifies exactly the sender. Duplicate or
// out-of-order transitions are no-ops; only the acting recipient may advance
// a message.
package delivery

import (
	"context"
	"errors"
	"time"

	"github.com/chatrelay/internal/event"
	"github.com/chatrelay/internal/logger"
	"github.com/chatrelay/internal/model"
	"github.com/chatrelay/internal/registry"
)

// ErrForbidden is returned when the acting user is not the message recipient.
// A hard rejection: it indicates a client bug or tampering, never a race.
var ErrForbidden = errors.New("forbidden")

// MessageStore is the slice of the durable store the tracker needs.
type MessageStore interface {
	GetByID(ctx context.Context, id string) (*model.Message, error)
	MarkDelivered(ctx context.Context, id string, at time.Time) (bool, error)
	MarkSeen(ctx context.Context, id string, at time.Time) (bool, error)
}

type Tracker struct {
	msgs MessageStore
	reg  *registry.Registry
}

func NewTracker(msgs MessageStore, reg *registry.Registry) *Tracker {
	return &Tracker{msgs: msgs, reg: reg}
}

// MarkDelivered advances sent -> delivered. Idempotent: both the transport
// layer and an explicit client call may race to mark the same transition.
func (t *Tracker) MarkDelivered(ctx context.Context, messageID, actingUserID string) error {
	m, err := t.msgs.GetByID(ctx, messageID)
	if err != nil {
		return err
	}
	if m.Kind != model.KindDirect {
		// Status is meaningful only for direct messages; groups use receipts.
		logger.Errorf("delivery: markDelivered on %s message %s ignored", m.Kind, messageID)
		return nil
	}
	if m.RecipientID != actingUserID {
		return ErrForbidden
	}
	now := time.Now().UTC()
	applied, err := t.msgs.MarkDelivered(ctx, messageID, now)
	if err != nil {
		return err
	}
	if !applied {
		return nil
	}
	t.notifySender(m.SenderID, event.Outgoing{
		Type:    event.TypeMessageDelivered,
		Payload: event.MessageDeliveredPayload{MessageID: messageID, DeliveredAt: now},
	})
	return nil
}

// MarkSeen advances sent|delivered -> seen. A message may be seen before the
// separate delivered round-trip completes; a late delivered is then a no-op.
func (t *Tracker) MarkSeen(ctx context.Context, messageID, actingUserID string) error {
	m, err := t.msgs.GetByID(ctx, messageID)
	if err != nil {
		return err
	}
	if m.Kind != model.KindDirect {
		logger.Errorf("delivery: markSeen on %s message %s ignored", m.Kind, messageID)
		return nil
	}
	if m.RecipientID != actingUserID {
		return ErrForbidden
	}
	now := time.Now().UTC()
	applied, err := t.msgs.MarkSeen(ctx, messageID, now)
	if err != nil {
		return err
	}
	if !applied {
		return nil
	}
	t.notifySender(m.SenderID, event.Outgoing{
		Type:    event.TypeMessageSeen,
		Payload: event.MessageSeenPayload{MessageID: messageID, SeenAt: now},
	})
	return nil
}

// notifySender is best-effort: an offline sender sees the stored status on the
// next fetch; no live notification is owed.
func (t *Tracker) notifySender(senderID string, out event.Outgoing) {
	h, status := t.reg.Resolve(senderID)
	if status != registry.ResolveLive {
		return
	}
	if !h.Send(out) {
		t.reg.Purge(senderID, h)
	}
}
