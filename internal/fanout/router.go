// Package fanout delivers freshly created messages to their recipients and
// propagates edits, deletions, reactions and pins. All sends are best-effort:
// an unreachable recipient degrades to "fetch on next poll", which is why the
// status lattice starts at sent, not delivered.
package fanout

import (
	"context"
	"errors"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"

	"github.com/chatrelay/internal/event"
	"github.com/chatrelay/internal/logger"
	"github.com/chatrelay/internal/model"
	"github.com/chatrelay/internal/registry"
)

var (
	// ErrForbidden means the actor may not mutate this message (not the author).
	ErrForbidden = errors.New("forbidden")
	// ErrNotMember means the sender does not belong to the target group.
	ErrNotMember = errors.New("not a group member")
	// ErrEmptyMessage means there is nothing to deliver.
	ErrEmptyMessage = errors.New("body or attachment required")
)

type MessageStore interface {
	Create(ctx context.Context, m *model.Message) error
	GetByID(ctx context.Context, id string) (*model.Message, error)
	UpdateBody(ctx context.Context, id, body string, editedAt time.Time) error
	DeleteForEveryone(ctx context.Context, id string) error
	DeleteForUser(ctx context.Context, id, userID string) error
	Pin(ctx context.Context, id, pinnedBy string) error
	Unpin(ctx context.Context, id string) error
	MarkGroupRead(ctx context.Context, messageID, userID string, at time.Time) (bool, error)
	UnreadGroupMessages(ctx context.Context, groupID, userID string) ([]model.Message, error)
}

type GroupStore interface {
	IsMember(ctx context.Context, groupID, userID string) (bool, error)
	GetMemberIDs(ctx context.Context, groupID string) ([]string, error)
}

type ReactionStore interface {
	Add(ctx context.Context, messageID, userID, emoji string) error
	Remove(ctx context.Context, messageID, userID, emoji string) error
}

type UserStore interface {
	GetByID(ctx context.Context, id string) (*model.User, error)
}

// PushNotifier reaches recipients with no live connection. nil disables push.
type PushNotifier interface {
	Notify(ctx context.Context, userID, title, body string, data map[string]string)
}

type Router struct {
	reg    *registry.Registry
	msgs   MessageStore
	groups GroupStore
	reacts ReactionStore
	users  UserStore
	push   PushNotifier
}

func NewRouter(reg *registry.Registry, msgs MessageStore, groups GroupStore, reacts ReactionStore, users UserStore, push PushNotifier) *Router {
	return &Router{reg: reg, msgs: msgs, groups: groups, reacts: reacts, users: users, push: push}
}

// SendDirect persists a 1:1 message and pushes it to the recipient if online.
// No retry: the recipient's next fetch covers the offline case.
func (r *Router) SendDirect(ctx context.Context, senderID, recipientID, body, attachmentRef, replyToID string) (*model.Message, error) {
	defer logger.DeferLogDuration("fanout.SendDirect", time.Now())()
	if body == "" && attachmentRef == "" {
		return nil, ErrEmptyMessage
	}
	m := r.newMessage(senderID, recipientID, model.KindDirect, body, attachmentRef, replyToID)
	if err := r.msgs.Create(ctx, m); err != nil {
		return nil, err
	}
	r.attachSender(ctx, m)

	delivered := r.sendTo(recipientID, event.Outgoing{
		Type:    event.TypeNewMessage,
		Payload: event.NewMessagePayload{Message: m},
	})
	if !delivered {
		r.notifyOffline(recipientID, m)
	}
	return m, nil
}

// SendGroup persists a group message and fans it out to every member except
// the author. One unreachable member never blocks delivery to the rest.
func (r *Router) SendGroup(ctx context.Context, senderID, groupID, body, attachmentRef, replyToID string) (*model.Message, error) {
	defer logger.DeferLogDuration("fanout.SendGroup", time.Now())()
	if body == "" && attachmentRef == "" {
		return nil, ErrEmptyMessage
	}
	isMember, err := r.groups.IsMember(ctx, groupID, senderID)
	if err != nil {
		return nil, err
	}
	if !isMember {
		return nil, ErrNotMember
	}
	m := r.newMessage(senderID, groupID, model.KindGroup, body, attachmentRef, replyToID)
	if err := r.msgs.Create(ctx, m); err != nil {
		return nil, err
	}
	r.attachSender(ctx, m)

	memberIDs, err := r.groups.GetMemberIDs(ctx, groupID)
	if err != nil {
		logger.Errorf("fanout: group members %s: %v", groupID, err)
		return m, nil
	}
	out := event.Outgoing{
		Type:    event.TypeNewGroupMessage,
		Payload: event.NewGroupMessagePayload{Message: m, GroupID: groupID},
	}
	for _, uid := range memberIDs {
		if uid == senderID {
			continue
		}
		if !r.sendTo(uid, out) {
			r.notifyOffline(uid, m)
		}
	}
	return m, nil
}

// MarkGroupRead records read receipts for every unread message a member sees
// on opening the conversation and notifies each original sender. Re-reading
// is idempotent: one receipt per (message, user).
func (r *Router) MarkGroupRead(ctx context.Context, groupID, userID string) error {
	defer logger.DeferLogDuration("fanout.MarkGroupRead", time.Now())()
	isMember, err := r.groups.IsMember(ctx, groupID, userID)
	if err != nil {
		return err
	}
	if !isMember {
		return ErrNotMember
	}
	unread, err := r.msgs.UnreadGroupMessages(ctx, groupID, userID)
	if err != nil {
		return err
	}
	now := time.Now().UTC()
	for i := range unread {
		m := &unread[i]
		inserted, err := r.msgs.MarkGroupRead(ctx, m.ID, userID, now)
		if err != nil {
			logger.Errorf("fanout: mark read msg=%s user=%s: %v", m.ID, userID, err)
			continue
		}
		if !inserted {
			continue
		}
		r.sendTo(m.SenderID, event.Outgoing{
			Type: event.TypeGroupMessageRead,
			Payload: event.GroupMessageReadPayload{
				MessageID: m.ID,
				GroupID:   groupID,
				ReadBy:    userID,
				ReadAt:    now,
			},
		})
	}
	return nil
}

// Edit rewrites a message body (author only) and propagates the change.
func (r *Router) Edit(ctx context.Context, actorID, messageID, body string) error {
	defer logger.DeferLogDuration("fanout.Edit", time.Now())()
	m, err := r.msgs.GetByID(ctx, messageID)
	if err != nil {
		return err
	}
	if m.SenderID != actorID {
		return ErrForbidden
	}
	now := time.Now().UTC()
	if err := r.msgs.UpdateBody(ctx, messageID, body, now); err != nil {
		return err
	}
	r.propagate(ctx, m, actorID, event.Outgoing{
		Type:    event.TypeMessageEdited,
		Payload: event.MessageEditedPayload{MessageID: messageID, Body: body, EditedAt: now},
	})
	return nil
}

// Delete removes a message in one of two modes. forEveryone flips the global
// flag and is broadcast; forMe is local bookkeeping and broadcasts nothing,
// since no other party's view changes.
func (r *Router) Delete(ctx context.Context, actorID, messageID string, forEveryone bool) error {
	defer logger.DeferLogDuration("fanout.Delete", time.Now())()
	m, err := r.msgs.GetByID(ctx, messageID)
	if err != nil {
		return err
	}
	if !forEveryone {
		return r.msgs.DeleteForUser(ctx, messageID, actorID)
	}
	if m.SenderID != actorID {
		return ErrForbidden
	}
	if err := r.msgs.DeleteForEveryone(ctx, messageID); err != nil {
		return err
	}
	r.propagate(ctx, m, actorID, event.Outgoing{
		Type:    event.TypeMessageDeleted,
		Payload: event.MessageDeletedPayload{MessageID: messageID},
	})
	return nil
}

// React adds or removes a reaction and propagates it.
func (r *Router) React(ctx context.Context, actorID, messageID, emoji string, remove bool) error {
	defer logger.DeferLogDuration("fanout.React", time.Now())()
	m, err := r.msgs.GetByID(ctx, messageID)
	if err != nil {
		return err
	}
	if remove {
		err = r.reacts.Remove(ctx, messageID, actorID, emoji)
	} else {
		err = r.reacts.Add(ctx, messageID, actorID, emoji)
	}
	if err != nil {
		return err
	}
	r.propagate(ctx, m, actorID, event.Outgoing{
		Type:    event.TypeMessageReaction,
		Payload: event.MessageReactionPayload{MessageID: messageID, UserID: actorID, Emoji: emoji, Removed: remove},
	})
	return nil
}

// Pin marks a message pinned and propagates; Unpin reverses it.
func (r *Router) Pin(ctx context.Context, actorID, messageID string) error {
	defer logger.DeferLogDuration("fanout.Pin", time.Now())()
	m, err := r.msgs.GetByID(ctx, messageID)
	if err != nil {
		return err
	}
	if err := r.msgs.Pin(ctx, messageID, actorID); err != nil {
		return err
	}
	r.propagate(ctx, m, actorID, event.Outgoing{
		Type:    event.TypeMessagePinned,
		Payload: event.MessagePinPayload{MessageID: messageID, PinnedBy: actorID},
	})
	return nil
}

func (r *Router) Unpin(ctx context.Context, actorID, messageID string) error {
	defer logger.DeferLogDuration("fanout.Unpin", time.Now())()
	m, err := r.msgs.GetByID(ctx, messageID)
	if err != nil {
		return err
	}
	if err := r.msgs.Unpin(ctx, messageID); err != nil {
		return err
	}
	r.propagate(ctx, m, actorID, event.Outgoing{
		Type:    event.TypeMessageUnpinned,
		Payload: event.MessagePinPayload{MessageID: messageID},
	})
	return nil
}

func (r *Router) newMessage(senderID, recipientID string, kind model.Kind, body, attachmentRef, replyToID string) *model.Message {
	var replyTo *string
	if replyToID != "" {
		replyTo = &replyToID
	}
	return &model.Message{
		ID:            uuid.New().String(),
		SenderID:      senderID,
		RecipientID:   recipientID,
		Kind:          kind,
		Body:          body,
		AttachmentRef: attachmentRef,
		Status:        model.MessageStatusSent,
		ReplyToID:     replyTo,
		SentAt:        time.Now().UTC(),
	}
}

func (r *Router) attachSender(ctx context.Context, m *model.Message) {
	sender, err := r.users.GetByID(ctx, m.SenderID)
	if err != nil {
		logger.Errorf("fanout: load sender %s: %v", m.SenderID, err)
		return
	}
	pub := sender.ToPublic()
	m.Sender = &pub
}

// propagate sends a mutation event to everyone who can see the message except
// the actor: the direct-chat counterpart for 1:1, all group members otherwise.
func (r *Router) propagate(ctx context.Context, m *model.Message, actorID string, out event.Outgoing) {
	if m.Kind == model.KindDirect {
		counterpart := m.RecipientID
		if counterpart == actorID {
			counterpart = m.SenderID
		}
		r.sendTo(counterpart, out)
		return
	}
	memberIDs, err := r.groups.GetMemberIDs(ctx, m.RecipientID)
	if err != nil {
		logger.Errorf("fanout: propagate members %s: %v", m.RecipientID, err)
		return
	}
	for _, uid := range memberIDs {
		if uid == actorID {
			continue
		}
		r.sendTo(uid, out)
	}
}

// sendTo resolves and pushes; a failed send purges the stale entry. Returns
// whether the event reached a live connection's buffer.
func (r *Router) sendTo(userID string, out event.Outgoing) bool {
	h, status := r.reg.Resolve(userID)
	if status != registry.ResolveLive {
		return false
	}
	if !h.Send(out) {
		r.reg.Purge(userID, h)
		return false
	}
	return true
}

// notifyOffline fires a web push for a recipient with no live connection.
func (r *Router) notifyOffline(userID string, m *model.Message) {
	if r.push == nil {
		return
	}
	title := "New message"
	if m.Sender != nil && m.Sender.Username != "" {
		title = m.Sender.Username
	}
	body := m.Body
	if body == "" {
		body = "Attachment"
	}
	body = truncateBody(body, 120)
	data := map[string]string{"message_id": m.ID, "sender_id": m.SenderID}
	if m.Kind == model.KindGroup {
		data["group_id"] = m.RecipientID
	}
	go r.push.Notify(context.Background(), userID, title, body, data)
}

// truncateBody caps the push preview at max bytes without splitting a rune.
func truncateBody(s string, max int) string {
	if len(s) <= max {
		return s
	}
	cut := max - 3
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut] + "..."
}
