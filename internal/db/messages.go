package db

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"drilunia/internal/models"
)

// ErrEditWindowExpired is returned when a sender edits a message after the
// grace window has passed.
var ErrEditWindowExpired = errors.New("edit window expired")

type MessageRepository struct {
	db *DB
}

func NewMessageRepository(db *DB) *MessageRepository {
	return &MessageRepository{db: db}
}

const messageColumns = `id, sender_id, receiver_id, type, content, attachments,
	status, sent_at, delivered_at, read_at,
	is_edited, edited_at, is_deleted, deleted_at, reply_to`

// Persist stores a message under its envelope id. The insert is idempotent:
// a second call with the same id returns ErrDuplicate and leaves the first
// record untouched. sent_at is always assigned server-side.
func (r *MessageRepository) Persist(m *models.Message) (*models.Message, error) {
	if m.ID == "" {
		id, err := NewEnvelopeID(m.SenderID)
		if err != nil {
			return nil, fmt.Errorf("generating envelope ID: %w", err)
		}
		m.ID = id
	}
	now := time.Now().UTC()

	var attachments any
	if len(m.Attachments) > 0 {
		data, err := json.Marshal(m.Attachments)
		if err != nil {
			return nil, fmt.Errorf("encoding attachments: %w", err)
		}
		attachments = string(data)
	}

	_, err := r.db.Exec(
		`INSERT INTO messages (id, sender_id, receiver_id, type, content, attachments, status, sent_at, reply_to)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		m.ID, m.SenderID, m.ReceiverID, m.Type, m.Content, attachments, models.StatusSent, now, m.ReplyTo,
	)
	if err != nil {
		if IsUniqueConstraintError(err) {
			return nil, ErrDuplicate
		}
		return nil, fmt.Errorf("persisting message: %w", err)
	}

	stored := *m
	stored.Status = models.StatusSent
	stored.SentAt = now
	return &stored, nil
}

// AdvanceStatus moves messages from sender to receiver forward in the
// delivery lifecycle. The update is conditional on the current status being
// strictly earlier than the target, so concurrent or replayed acks can never
// regress a message. Returns the number of messages that advanced.
func (r *MessageRepository) AdvanceStatus(ids []string, senderID, receiverID, target string) (int64, error) {
	if len(ids) == 0 {
		return 0, nil
	}

	var query string
	switch target {
	case models.StatusDelivered:
		query = `UPDATE messages SET status = 'delivered', delivered_at = ?
			 WHERE id IN (%s) AND sender_id = ? AND receiver_id = ? AND status = 'sent'`
	case models.StatusRead:
		query = `UPDATE messages SET status = 'read', read_at = ?
			 WHERE id IN (%s) AND sender_id = ? AND receiver_id = ? AND status != 'read'`
	default:
		return 0, fmt.Errorf("invalid target status %q", target)
	}

	args := []any{time.Now().UTC()}
	placeholders := make([]string, len(ids))
	for i, id := range ids {
		placeholders[i] = "?"
		args = append(args, id)
	}
	args = append(args, senderID, receiverID)

	result, err := r.db.Exec(fmt.Sprintf(query, strings.Join(placeholders, ", ")), args...)
	if err != nil {
		return 0, fmt.Errorf("advancing message status: %w", err)
	}
	return result.RowsAffected()
}

// Edit replaces a message body. Only the sender may edit, and only within the
// grace window measured from sent_at.
func (r *MessageRepository) Edit(id, editorID, content string, grace time.Duration) (*models.Message, error) {
	m, err := r.FindByID(id)
	if err != nil {
		return nil, err
	}
	if m.SenderID != editorID {
		return nil, ErrForbidden
	}
	now := time.Now().UTC()
	if now.Sub(m.SentAt) > grace {
		return nil, ErrEditWindowExpired
	}

	result, err := r.db.Exec(
		`UPDATE messages SET content = ?, is_edited = 1, edited_at = ? WHERE id = ? AND sender_id = ? AND is_deleted = 0`,
		content, now, id, editorID,
	)
	if err != nil {
		return nil, fmt.Errorf("editing message: %w", err)
	}
	if err := checkRowsAffected(result); err != nil {
		return nil, err
	}

	return r.FindByID(id)
}

// SoftDelete tombstones a message. The body is preserved in storage but
// hidden from listings. Only the sender may delete.
func (r *MessageRepository) SoftDelete(id, actorID string) error {
	m, err := r.FindByID(id)
	if err != nil {
		return err
	}
	if m.SenderID != actorID {
		return ErrForbidden
	}

	result, err := r.db.Exec(
		`UPDATE messages SET is_deleted = 1, deleted_at = ? WHERE id = ? AND sender_id = ?`,
		time.Now().UTC(), id, actorID,
	)
	if err != nil {
		return fmt.Errorf("deleting message: %w", err)
	}
	return checkRowsAffected(result)
}

// Conversation returns messages between a and b in either direction, newest
// first, excluding tombstoned messages. Callers reverse for display.
func (r *MessageRepository) Conversation(a, b string, before *time.Time, limit int) ([]*models.Message, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}

	query := `SELECT ` + messageColumns + ` FROM messages
		WHERE ((sender_id = ? AND receiver_id = ?) OR (sender_id = ? AND receiver_id = ?))
		  AND is_deleted = 0`
	args := []any{a, b, b, a}

	if before != nil {
		query += ` AND sent_at < ?`
		args = append(args, before.UTC())
	}
	query += ` ORDER BY sent_at DESC LIMIT ?`
	args = append(args, limit)

	return r.queryMessages(query, args...)
}

// Unread returns messages to the receiver that have not been read, oldest
// first.
func (r *MessageRepository) Unread(receiverID string) ([]*models.Message, error) {
	return r.queryMessages(
		`SELECT `+messageColumns+` FROM messages
		 WHERE receiver_id = ? AND status != 'read' AND is_deleted = 0
		 ORDER BY sent_at ASC`,
		receiverID,
	)
}

func (r *MessageRepository) FindByID(id string) (*models.Message, error) {
	messages, err := r.queryMessages(`SELECT `+messageColumns+` FROM messages WHERE id = ?`, id)
	if err != nil {
		return nil, err
	}
	if len(messages) == 0 {
		return nil, ErrNotFound
	}
	return messages[0], nil
}

// React records a reaction, replacing any prior reaction by the same user on
// the same message.
func (r *MessageRepository) React(messageID, userID, emoji string) error {
	if _, err := r.FindByID(messageID); err != nil {
		return err
	}

	_, err := r.db.Exec(
		`INSERT INTO message_reactions (message_id, user_id, emoji, created_at) VALUES (?, ?, ?, ?)
		 ON CONFLICT(message_id, user_id) DO UPDATE SET emoji = excluded.emoji, created_at = excluded.created_at`,
		messageID, userID, emoji, time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("adding reaction: %w", err)
	}
	return nil
}

func (r *MessageRepository) Unreact(messageID, userID string) error {
	result, err := r.db.Exec(`DELETE FROM message_reactions WHERE message_id = ? AND user_id = ?`, messageID, userID)
	if err != nil {
		return fmt.Errorf("removing reaction: %w", err)
	}
	return checkRowsAffected(result)
}

func (r *MessageRepository) queryMessages(query string, args ...any) ([]*models.Message, error) {
	rows, err := r.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying messages: %w", err)
	}
	defer rows.Close()

	messages := make([]*models.Message, 0)
	for rows.Next() {
		var m models.Message
		var attachments, replyTo sql.NullString
		var deliveredAt, readAt, editedAt, deletedAt sql.NullTime

		err := rows.Scan(
			&m.ID, &m.SenderID, &m.ReceiverID, &m.Type, &m.Content, &attachments,
			&m.Status, &m.SentAt, &deliveredAt, &readAt,
			&m.IsEdited, &editedAt, &m.IsDeleted, &deletedAt, &replyTo,
		)
		if err != nil {
			return nil, fmt.Errorf("scanning message: %w", err)
		}

		if attachments.Valid && attachments.String != "" {
			if err := json.Unmarshal([]byte(attachments.String), &m.Attachments); err != nil {
				return nil, fmt.Errorf("decoding attachments for %s: %w", m.ID, err)
			}
		}
		m.DeliveredAt = ptrWhen(deliveredAt.Valid, deliveredAt.Time)
		m.ReadAt = ptrWhen(readAt.Valid, readAt.Time)
		m.EditedAt = ptrWhen(editedAt.Valid, editedAt.Time)
		m.DeletedAt = ptrWhen(deletedAt.Valid, deletedAt.Time)
		m.ReplyTo = ptrWhen(replyTo.Valid, replyTo.String)

		messages = append(messages, &m)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating messages: %w", err)
	}

	if err := r.attachReactions(messages); err != nil {
		return nil, err
	}

	return messages, nil
}

func (r *MessageRepository) attachReactions(messages []*models.Message) error {
	if len(messages) == 0 {
		return nil
	}

	byID := make(map[string]*models.Message, len(messages))
	placeholders := make([]string, 0, len(messages))
	args := make([]any, 0, len(messages))
	for _, m := range messages {
		byID[m.ID] = m
		placeholders = append(placeholders, "?")
		args = append(args, m.ID)
	}

	rows, err := r.db.Query(
		`SELECT message_id, user_id, emoji, created_at FROM message_reactions
		 WHERE message_id IN (`+strings.Join(placeholders, ", ")+`)
		 ORDER BY created_at ASC`,
		args...,
	)
	if err != nil {
		return fmt.Errorf("querying reactions: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var messageID string
		var reaction models.Reaction
		if err := rows.Scan(&messageID, &reaction.UserID, &reaction.Emoji, &reaction.CreatedAt); err != nil {
			return fmt.Errorf("scanning reaction: %w", err)
		}
		if m, ok := byID[messageID]; ok {
			m.Reactions = append(m.Reactions, reaction)
		}
	}

	return rows.Err()
}
