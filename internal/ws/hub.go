package ws

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/chatrelay/internal/callsignal"
	"github.com/chatrelay/internal/delivery"
	"github.com/chatrelay/internal/event"
	"github.com/chatrelay/internal/fanout"
	"github.com/chatrelay/internal/logger"
	"github.com/chatrelay/internal/presence"
	"github.com/chatrelay/internal/registry"
)

// GroupMembership answers whether a user belongs to a group. Used to gate
// room joins before any group typing traffic flows.
type GroupMembership interface {
	IsMember(ctx context.Context, groupID, userID string) (bool, error)
}

// Hub owns connection lifecycle and dispatches every inbound frame to the
// coordination core. Register/unregister flow through channels so lifecycle
// transitions are serialized in one goroutine.
type Hub struct {
	mu       sync.Mutex
	total    int
	maxConns int

	reg      *registry.Registry
	rooms    *registry.Rooms
	presence *presence.Publisher
	tracker  *delivery.Tracker
	router   *fanout.Router
	relay    *callsignal.Relay
	groups   GroupMembership

	register   chan *Client
	unregister chan *Client
	done       chan struct{}
}

func NewHub(
	reg *registry.Registry,
	rooms *registry.Rooms,
	pres *presence.Publisher,
	tracker *delivery.Tracker,
	router *fanout.Router,
	relay *callsignal.Relay,
	groups GroupMembership,
	maxConns int,
) *Hub {
	if maxConns <= 0 {
		maxConns = 10000
	}
	return &Hub{
		maxConns:   maxConns,
		reg:        reg,
		rooms:      rooms,
		presence:   pres,
		tracker:    tracker,
		router:     router,
		relay:      relay,
		groups:     groups,
		register:   make(chan *Client, 64),
		unregister: make(chan *Client, 64),
		done:       make(chan struct{}),
	}
}

func (h *Hub) Run(ctx context.Context) {
	defer close(h.done)
	for {
		select {
		case <-ctx.Done():
			h.shutdown()
			return
		case client := <-h.register:
			h.addClient(client)
		case client := <-h.unregister:
			h.removeClient(client)
		}
	}
}

func (h *Hub) shutdown() {
	all := h.reg.Handles()
	for _, c := range all {
		c.Close()
	}
	// Every closing readPump still funnels through h.unregister, so the
	// lifecycle channels must keep draining while we wait or the pumps
	// block on a full buffer and Wait never returns.
	waited := make(chan struct{})
	go func() {
		for _, c := range all {
			if cl, ok := c.(*Client); ok {
				cl.Wait()
			}
		}
		close(waited)
	}()
	for {
		select {
		case c := <-h.register:
			c.Close()
		case c := <-h.unregister:
			h.removeClient(c)
		case <-waited:
			// Every pump enqueued its unregister before Wait returned;
			// flush whatever is still buffered.
			for {
				select {
				case c := <-h.unregister:
					h.removeClient(c)
				default:
					return
				}
			}
		}
	}
}

func (h *Hub) addClient(c *Client) {
	h.mu.Lock()
	if h.total >= h.maxConns {
		h.mu.Unlock()
		logger.Errorf("ws connection limit reached (%d), rejecting user=%s", h.maxConns, c.userID)
		c.Close()
		return
	}
	h.total++
	c.admitted = true
	h.mu.Unlock()

	h.reg.Register(c.userID, c)
	h.presence.UserOnline(c.userID)
}

func (h *Hub) removeClient(c *Client) {
	// A rejected client never incremented the counter; its readPump still
	// unregisters on the way out and must not decrement either.
	h.mu.Lock()
	if c.admitted {
		c.admitted = false
		h.total--
	}
	h.mu.Unlock()

	c.Close()

	// Only the connection that still owns the registry entry triggers the
	// offline transition; a replaced duplicate must not mark the newer
	// session's user offline.
	if !h.reg.Unregister(c.userID, c) {
		return
	}
	h.rooms.LeaveAll(c.userID)
	h.relay.Disconnect(c.userID)
	h.presence.UserOffline(c.userID)
}

// Dispatch routes a single inbound frame.
func (h *Hub) Dispatch(ctx context.Context, c *Client, in event.Incoming) {
	switch in.Type {
	case event.TypeSendMessage:
		h.handleSendDirect(ctx, c, in)
	case event.TypeSendGroupMessage:
		h.handleSendGroup(ctx, c, in)
	case event.TypeMessageDelivered:
		h.handleStatus(ctx, c, in, h.tracker.MarkDelivered)
	case event.TypeMessageSeen:
		h.handleStatus(ctx, c, in, h.tracker.MarkSeen)
	case event.TypeGroupMessageRead:
		h.handleGroupRead(ctx, c, in)
	case event.TypeEditMessage:
		h.handleEdit(ctx, c, in)
	case event.TypeDeleteMessage:
		h.handleDelete(ctx, c, in)
	case event.TypeReactMessage:
		h.handleReact(ctx, c, in)
	case event.TypePinMessage:
		h.handlePin(ctx, c, in, true)
	case event.TypeUnpinMessage:
		h.handlePin(ctx, c, in, false)
	case event.TypeJoinGroup:
		h.handleJoinGroup(ctx, c, in)
	case event.TypeLeaveGroup:
		h.rooms.Leave(in.GroupID, c.userID)
	case event.TypeTyping:
		h.forwardTyping(c, in.To, event.TypeUserTyping)
	case event.TypeStoppedTyping:
		h.forwardTyping(c, in.To, event.TypeUserStoppedTyping)
	case event.TypeTypingInGroup:
		h.forwardGroupTyping(c, in.GroupID, event.TypeUserTypingInGroup)
	case event.TypeStoppedTypingInGroup:
		h.forwardGroupTyping(c, in.GroupID, event.TypeUserStoppedTypingInGroup)
	case event.TypeCallUser:
		h.relay.CallUser(c, in)
	case event.TypeAnswerCall:
		h.relay.AnswerCall(c, in)
	case event.TypeRejectCall:
		h.relay.RejectCall(c, in)
	case event.TypeCallBusy:
		h.relay.CallBusy(c, in)
	case event.TypeEndCall:
		h.relay.EndCall(c, in)
	case event.TypeICECandidate:
		h.relay.ICECandidate(c, in)
	default:
		h.sendError(c, "unknown event type")
	}
}

func (h *Hub) handleSendDirect(ctx context.Context, c *Client, in event.Incoming) {
	defer logger.DeferLogDuration("ws.handleSendDirect", time.Now())()
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	_, err := h.router.SendDirect(ctx, c.userID, in.To, in.Body, in.AttachmentRef, in.ReplyToID)
	if err != nil {
		if errors.Is(err, fanout.ErrEmptyMessage) {
			h.sendError(c, "to and body required")
			return
		}
		logger.Errorf("ws send direct from=%s to=%s: %v", c.userID, in.To, err)
		h.sendError(c, "failed to send message")
	}
}

func (h *Hub) handleSendGroup(ctx context.Context, c *Client, in event.Incoming) {
	defer logger.DeferLogDuration("ws.handleSendGroup", time.Now())()
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	_, err := h.router.SendGroup(ctx, c.userID, in.GroupID, in.Body, in.AttachmentRef, in.ReplyToID)
	if err != nil {
		switch {
		case errors.Is(err, fanout.ErrEmptyMessage):
			h.sendError(c, "group_id and body required")
		case errors.Is(err, fanout.ErrNotMember):
			h.sendError(c, "not a member")
		default:
			logger.Errorf("ws send group from=%s group=%s: %v", c.userID, in.GroupID, err)
			h.sendError(c, "failed to send message")
		}
	}
}

func (h *Hub) handleStatus(ctx context.Context, c *Client, in event.Incoming, mark func(context.Context, string, string) error) {
	if in.MessageID == "" {
		return
	}
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := mark(ctx, in.MessageID, c.userID); err != nil {
		if errors.Is(err, delivery.ErrForbidden) {
			h.sendError(c, "not the recipient")
			return
		}
		logger.Errorf("ws status update msg=%s user=%s: %v", in.MessageID, c.userID, err)
	}
}

func (h *Hub) handleGroupRead(ctx context.Context, c *Client, in event.Incoming) {
	if in.GroupID == "" {
		return
	}
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := h.router.MarkGroupRead(ctx, in.GroupID, c.userID); err != nil {
		if errors.Is(err, fanout.ErrNotMember) {
			h.sendError(c, "not a member")
			return
		}
		logger.Errorf("ws group read group=%s user=%s: %v", in.GroupID, c.userID, err)
	}
}

func (h *Hub) handleEdit(ctx context.Context, c *Client, in event.Incoming) {
	if in.MessageID == "" || in.Body == "" {
		h.sendError(c, "message_id and body required")
		return
	}
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := h.router.Edit(ctx, c.userID, in.MessageID, in.Body); err != nil {
		if errors.Is(err, fanout.ErrForbidden) {
			h.sendError(c, "can only edit own messages")
			return
		}
		logger.Errorf("ws edit message %s: %v", in.MessageID, err)
		h.sendError(c, "failed to edit")
	}
}

func (h *Hub) handleDelete(ctx context.Context, c *Client, in event.Incoming) {
	if in.MessageID == "" {
		return
	}
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	forEveryone := in.DeleteMode != "me"
	if err := h.router.Delete(ctx, c.userID, in.MessageID, forEveryone); err != nil {
		if errors.Is(err, fanout.ErrForbidden) {
			h.sendError(c, "can only delete own messages")
			return
		}
		logger.Errorf("ws delete message %s: %v", in.MessageID, err)
	}
}

func (h *Hub) handleReact(ctx context.Context, c *Client, in event.Incoming) {
	if in.MessageID == "" || in.Emoji == "" {
		return
	}
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := h.router.React(ctx, c.userID, in.MessageID, in.Emoji, in.Remove); err != nil {
		logger.Errorf("ws react message %s: %v", in.MessageID, err)
	}
}

func (h *Hub) handlePin(ctx context.Context, c *Client, in event.Incoming, pin bool) {
	if in.MessageID == "" {
		return
	}
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	var err error
	if pin {
		err = h.router.Pin(ctx, c.userID, in.MessageID)
	} else {
		err = h.router.Unpin(ctx, c.userID, in.MessageID)
	}
	if err != nil {
		logger.Errorf("ws pin message %s: %v", in.MessageID, err)
	}
}

func (h *Hub) handleJoinGroup(ctx context.Context, c *Client, in event.Incoming) {
	if in.GroupID == "" {
		return
	}
	ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()

	isMember, err := h.groups.IsMember(ctx, in.GroupID, c.userID)
	if err != nil {
		logger.Errorf("ws join group check group=%s user=%s: %v", in.GroupID, c.userID, err)
		h.sendError(c, "internal error")
		return
	}
	if !isMember {
		h.sendError(c, "not a member")
		return
	}
	h.rooms.Join(in.GroupID, c.userID)
}

// forwardTyping is fire-and-forget: typing indicators are never persisted and
// never queued for offline peers.
func (h *Hub) forwardTyping(c *Client, to string, typ event.Type) {
	if to == "" {
		return
	}
	peer, status := h.reg.Resolve(to)
	if status != registry.ResolveLive {
		return
	}
	if !peer.Send(event.Outgoing{Type: typ, Payload: event.TypingPayload{UserID: c.userID}}) {
		h.reg.Purge(to, peer)
	}
}

func (h *Hub) forwardGroupTyping(c *Client, groupID string, typ event.Type) {
	if groupID == "" {
		return
	}
	out := event.Outgoing{Type: typ, Payload: event.GroupTypingPayload{
		GroupID: groupID,
		UserID:  c.userID,
	}}
	for _, uid := range h.rooms.Members(groupID) {
		if uid == c.userID {
			continue
		}
		peer, status := h.reg.Resolve(uid)
		if status != registry.ResolveLive {
			continue
		}
		if !peer.Send(out) {
			h.reg.Purge(uid, peer)
		}
	}
}

func (h *Hub) sendError(c *Client, msg string) {
	c.Send(event.Outgoing{Type: event.TypeError, Payload: event.ErrorPayload{Error: msg}})
}

func (h *Hub) Register(c *Client) {
	select {
	case h.register <- c:
	case <-h.done:
		c.Close()
	}
}

func (h *Hub) Unregister(c *Client) {
	select {
	case h.unregister <- c:
	case <-h.done:
	}
}
