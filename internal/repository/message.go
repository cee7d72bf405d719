package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/chatrelay/internal/logger"
	"github.com/chatrelay/internal/model"
)

type MessageRepository struct {
	pool *pgxpool.Pool
}

func NewMessageRepository(pool *pgxpool.Pool) *MessageRepository {
	return &MessageRepository{pool: pool}
}

const messageCols = `m.id, m.sender_id, m.recipient_id, m.kind, m.body, COALESCE(m.attachment_ref,''), m.status,
	        m.reply_to_id, m.sent_at, m.delivered_at, m.seen_at, m.is_edited, m.edit_history,
	        m.is_deleted, m.is_pinned, m.pinned_by`

func scanMessage(s interface{ Scan(dest ...any) error }, m *model.Message) error {
	var history []byte
	if err := s.Scan(&m.ID, &m.SenderID, &m.RecipientID, &m.Kind, &m.Body, &m.AttachmentRef, &m.Status,
		&m.ReplyToID, &m.SentAt, &m.DeliveredAt, &m.SeenAt, &m.IsEdited, &history,
		&m.IsDeleted, &m.IsPinned, &m.PinnedBy); err != nil {
		return err
	}
	if len(history) > 0 {
		if err := json.Unmarshal(history, &m.EditHistory); err != nil {
			return fmt.Errorf("edit_history: %w", err)
		}
	}
	return nil
}

func (r *MessageRepository) Create(ctx context.Context, m *model.Message) error {
	defer logger.DeferLogDuration("msg.Create", time.Now())()
	_, err := r.pool.Exec(ctx,
		`INSERT INTO messages (id, sender_id, recipient_id, kind, body, attachment_ref, status, reply_to_id, sent_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		m.ID, m.SenderID, m.RecipientID, m.Kind, m.Body, m.AttachmentRef, m.Status, m.ReplyToID, m.SentAt,
	)
	if err != nil {
		return fmt.Errorf("msgRepo.Create: %w", err)
	}
	return nil
}

func (r *MessageRepository) GetByID(ctx context.Context, id string) (*model.Message, error) {
	defer logger.DeferLogDuration("msg.GetByID", time.Now())()
	m := &model.Message{}
	row := r.pool.QueryRow(ctx, `SELECT `+messageCols+` FROM messages m WHERE m.id = $1`, id)
	if err := scanMessage(row, m); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("msgRepo.GetByID: %w", err)
	}
	return m, nil
}

// MarkDelivered advances sent -> delivered. The WHERE guard makes the lattice
// monotonic at the database level; 0 affected rows means the transition already
// happened (or the status is further along) and is reported as applied=false.
func (r *MessageRepository) MarkDelivered(ctx context.Context, id string, at time.Time) (bool, error) {
	defer logger.DeferLogDuration("msg.MarkDelivered", time.Now())()
	tag, err := r.pool.Exec(ctx,
		`UPDATE messages SET status = 'delivered', delivered_at = $2
		 WHERE id = $1 AND status = 'sent'`, id, at,
	)
	if err != nil {
		return false, fmt.Errorf("msgRepo.MarkDelivered: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

// MarkSeen advances sent|delivered -> seen. Skipping "delivered" is allowed:
// a client may view a message before the delivery round-trip completes.
func (r *MessageRepository) MarkSeen(ctx context.Context, id string, at time.Time) (bool, error) {
	defer logger.DeferLogDuration("msg.MarkSeen", time.Now())()
	tag, err := r.pool.Exec(ctx,
		`UPDATE messages SET status = 'seen', seen_at = $2
		 WHERE id = $1 AND status IN ('sent', 'delivered')`, id, at,
	)
	if err != nil {
		return false, fmt.Errorf("msgRepo.MarkSeen: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

// UpdateBody edits the body, appending the previous body to edit_history.
func (r *MessageRepository) UpdateBody(ctx context.Context, id, body string, editedAt time.Time) error {
	defer logger.DeferLogDuration("msg.UpdateBody", time.Now())()
	_, err := r.pool.Exec(ctx,
		`UPDATE messages
		 SET edit_history = edit_history || jsonb_build_array(jsonb_build_object('body', body, 'edited_at', to_jsonb($3::timestamptz))),
		     body = $2, is_edited = true
		 WHERE id = $1`,
		id, body, editedAt,
	)
	if err != nil {
		return fmt.Errorf("msgRepo.UpdateBody: %w", err)
	}
	return nil
}

// DeleteForEveryone sets the global one-way deleted flag and clears the body.
func (r *MessageRepository) DeleteForEveryone(ctx context.Context, id string) error {
	defer logger.DeferLogDuration("msg.DeleteForEveryone", time.Now())()
	_, err := r.pool.Exec(ctx,
		`UPDATE messages SET is_deleted = true, body = '', attachment_ref = '' WHERE id = $1`, id,
	)
	if err != nil {
		return fmt.Errorf("msgRepo.DeleteForEveryone: %w", err)
	}
	return nil
}

// DeleteForUser hides the message for one user only. Idempotent.
func (r *MessageRepository) DeleteForUser(ctx context.Context, id, userID string) error {
	defer logger.DeferLogDuration("msg.DeleteForUser", time.Now())()
	_, err := r.pool.Exec(ctx,
		`INSERT INTO message_hidden (message_id, user_id) VALUES ($1, $2) ON CONFLICT DO NOTHING`,
		id, userID,
	)
	if err != nil {
		return fmt.Errorf("msgRepo.DeleteForUser: %w", err)
	}
	return nil
}

func (r *MessageRepository) Pin(ctx context.Context, id, pinnedBy string) error {
	defer logger.DeferLogDuration("msg.Pin", time.Now())()
	_, err := r.pool.Exec(ctx,
		`UPDATE messages SET is_pinned = true, pinned_by = $2 WHERE id = $1`, id, pinnedBy,
	)
	if err != nil {
		return fmt.Errorf("msgRepo.Pin: %w", err)
	}
	return nil
}

func (r *MessageRepository) Unpin(ctx context.Context, id string) error {
	defer logger.DeferLogDuration("msg.Unpin", time.Now())()
	_, err := r.pool.Exec(ctx,
		`UPDATE messages SET is_pinned = false, pinned_by = NULL WHERE id = $1`, id,
	)
	if err != nil {
		return fmt.Errorf("msgRepo.Unpin: %w", err)
	}
	return nil
}

// MarkGroupRead records one member's read receipt. Returns whether a receipt
// was actually inserted (false on the idempotent repeat).
func (r *MessageRepository) MarkGroupRead(ctx context.Context, messageID, userID string, at time.Time) (bool, error) {
	defer logger.DeferLogDuration("msg.MarkGroupRead", time.Now())()
	tag, err := r.pool.Exec(ctx,
		`INSERT INTO group_read_receipts (message_id, user_id, read_at)
		 VALUES ($1, $2, $3) ON CONFLICT DO NOTHING`,
		messageID, userID, at,
	)
	if err != nil {
		return false, fmt.Errorf("msgRepo.MarkGroupRead: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

// UnreadGroupMessages lists messages in a group authored by others that the
// user has not yet acknowledged.
func (r *MessageRepository) UnreadGroupMessages(ctx context.Context, groupID, userID string) ([]model.Message, error) {
	defer logger.DeferLogDuration("msg.UnreadGroupMessages", time.Now())()
	rows, err := r.pool.Query(ctx,
		`SELECT `+messageCols+`
		 FROM messages m
		 WHERE m.recipient_id = $1 AND m.kind = 'group' AND m.sender_id != $2 AND m.is_deleted = false
		   AND NOT EXISTS (
		       SELECT 1 FROM group_read_receipts g
		       WHERE g.message_id = m.id AND g.user_id = $2)
		 ORDER BY m.sent_at`, groupID, userID,
	)
	if err != nil {
		return nil, fmt.Errorf("msgRepo.UnreadGroupMessages query: %w", err)
	}
	defer rows.Close()

	msgs := make([]model.Message, 0, 16)
	for rows.Next() {
		var m model.Message
		if err := scanMessage(rows, &m); err != nil {
			return nil, fmt.Errorf("msgRepo.UnreadGroupMessages scan: %w", err)
		}
		msgs = append(msgs, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("msgRepo.UnreadGroupMessages rows: %w", err)
	}
	return msgs, nil
}

// DirectHistory returns a page of the direct conversation between the user and
// one peer, newest first, excluding messages hidden for the requesting user.
// Both WHERE branches pin the pair, so messages addressed to the peer by anyone
// else never leak into the page.
func (r *MessageRepository) DirectHistory(ctx context.Context, userID, peerID string, limit, offset int) ([]model.Message, error) {
	defer logger.DeferLogDuration("msg.DirectHistory", time.Now())()
	rows, err := r.pool.Query(ctx,
		`SELECT `+messageCols+`
		 FROM messages m
		 WHERE m.kind = 'direct'
		   AND ((m.sender_id = $1 AND m.recipient_id = $2) OR (m.sender_id = $2 AND m.recipient_id = $1))
		   AND NOT EXISTS (
		       SELECT 1 FROM message_hidden h
		       WHERE h.message_id = m.id AND h.user_id = $1)
		 ORDER BY m.sent_at DESC
		 LIMIT $3 OFFSET $4`, userID, peerID, limit, offset,
	)
	if err != nil {
		return nil, fmt.Errorf("msgRepo.DirectHistory query: %w", err)
	}
	defer rows.Close()
	return collectMessages(rows, limit, "msgRepo.DirectHistory")
}

// GroupHistory returns a page of a group's messages, newest first, excluding
// messages hidden for the requesting user. Membership is the caller's concern.
func (r *MessageRepository) GroupHistory(ctx context.Context, groupID, userID string, limit, offset int) ([]model.Message, error) {
	defer logger.DeferLogDuration("msg.GroupHistory", time.Now())()
	rows, err := r.pool.Query(ctx,
		`SELECT `+messageCols+`
		 FROM messages m
		 WHERE m.kind = 'group' AND m.recipient_id = $1
		   AND NOT EXISTS (
		       SELECT 1 FROM message_hidden h
		       WHERE h.message_id = m.id AND h.user_id = $2)
		 ORDER BY m.sent_at DESC
		 LIMIT $3 OFFSET $4`, groupID, userID, limit, offset,
	)
	if err != nil {
		return nil, fmt.Errorf("msgRepo.GroupHistory query: %w", err)
	}
	defer rows.Close()
	return collectMessages(rows, limit, "msgRepo.GroupHistory")
}

func collectMessages(rows pgx.Rows, limit int, op string) ([]model.Message, error) {
	msgs := make([]model.Message, 0, limit)
	for rows.Next() {
		var m model.Message
		if err := scanMessage(rows, &m); err != nil {
			return nil, fmt.Errorf("%s scan: %w", op, err)
		}
		msgs = append(msgs, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%s rows: %w", op, err)
	}
	return msgs, nil
}
