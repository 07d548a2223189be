package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/4xmen/chatpat/internal/models"
)

const messageColumns = "id, conversation_id, sender_id, receiver_id, content, content_type, media_url, status, created_at"

// statusRank mirrors models.DeliveryStatus.Rank in SQL.
const statusRank = "(CASE status WHEN 'sent' THEN 1 WHEN 'delivered' THEN 2 WHEN 'read' THEN 3 ELSE 0 END)"

func scanMessage(row rowScanner) (*models.Message, error) {
	var (
		m        models.Message
		mediaURL sql.NullString
	)
	err := row.Scan(&m.ID, &m.ConversationID, &m.SenderID, &m.ReceiverID, &m.Content,
		&m.ContentType, &mediaURL, &m.Status, &m.CreatedAt)
	if err != nil {
		return nil, err
	}
	m.MediaURL = stringPtr(mediaURL)
	m.Reactions = []models.Reaction{}
	return &m, nil
}

// CreateMessage persists m and updates its conversation in one transaction:
// the unread counter always grows, the last message only moves for messages
// with text content.
func (s *Store) CreateMessage(ctx context.Context, m *models.Message) error {
	if m.CreatedAt.IsZero() {
		m.CreatedAt = s.now()
	}
	if m.Status == "" {
		m.Status = models.StatusSent
	}
	return s.withTx(ctx, func(tx *sql.Tx) error {
		var deliveredAt sql.NullTime
		if m.Status.Rank() >= models.StatusDelivered.Rank() {
			deliveredAt = sql.NullTime{Time: m.CreatedAt, Valid: true}
		}
		res, err := tx.ExecContext(ctx, `
			INSERT INTO messages (conversation_id, sender_id, receiver_id, content, content_type, media_url, status, created_at, delivered_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		`, m.ConversationID, m.SenderID, m.ReceiverID, m.Content, m.ContentType, nullString(m.MediaURL), m.Status, m.CreatedAt, deliveredAt)
		if err != nil {
			return fmt.Errorf("failed to create message: %w", err)
		}
		id, err := res.LastInsertId()
		if err != nil {
			return fmt.Errorf("failed to get message id: %w", err)
		}
		m.ID = int(id)

		var lastID sql.NullInt64
		if m.Content != "" {
			lastID = sql.NullInt64{Int64: id, Valid: true}
		}
		res, err = tx.ExecContext(ctx, `
			UPDATE conversations
			SET last_message_id = COALESCE(?, last_message_id),
				unread_count = unread_count + 1,
				updated_at = ?
			WHERE id = ?
		`, lastID, m.CreatedAt, m.ConversationID)
		if err != nil {
			return fmt.Errorf("failed to update conversation: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return ErrNotFound
		}
		return nil
	})
}

// GetMessage returns the message with sender and receiver projections and
// its reactions.
func (s *Store) GetMessage(ctx context.Context, id int) (*models.Message, error) {
	row := s.db.QueryRowContext(ctx, "SELECT "+messageColumns+" FROM messages WHERE id = ?", id)
	m, err := scanMessage(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to fetch message: %w", err)
	}
	if err := s.populate(ctx, []*models.Message{m}); err != nil {
		return nil, err
	}
	return m, nil
}

// ListMessages returns the messages of a conversation, oldest first.
func (s *Store) ListMessages(ctx context.Context, conversationID int) ([]*models.Message, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT "+messageColumns+" FROM messages WHERE conversation_id = ? ORDER BY created_at ASC, id ASC",
		conversationID)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch messages: %w", err)
	}
	var msgs []*models.Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			rows.Close()
			return nil, fmt.Errorf("failed to scan message: %w", err)
		}
		msgs = append(msgs, m)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if err := s.populate(ctx, msgs); err != nil {
		return nil, err
	}
	return msgs, nil
}

func (s *Store) populate(ctx context.Context, msgs []*models.Message) error {
	users := map[int]*models.UserSummary{}
	lookup := func(id int) (*models.UserSummary, error) {
		if u, ok := users[id]; ok {
			return u, nil
		}
		u, err := s.summary(ctx, s.db, id)
		if err != nil {
			return nil, err
		}
		users[id] = u
		return u, nil
	}
	for _, m := range msgs {
		var err error
		if m.Sender, err = lookup(m.SenderID); err != nil {
			return err
		}
		if m.Receiver, err = lookup(m.ReceiverID); err != nil {
			return err
		}
		if m.Reactions, err = s.listReactions(ctx, s.db, m.ID); err != nil {
			return err
		}
	}
	return nil
}

// DeleteMessage removes a message and its reactions. If it was the
// conversation's last message, the previous message with content takes over.
func (s *Store) DeleteMessage(ctx context.Context, id int) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		var conversationID int
		err := tx.QueryRowContext(ctx, "SELECT conversation_id FROM messages WHERE id = ?", id).Scan(&conversationID)
		if errors.Is(err, sql.ErrNoRows) {
			return ErrNotFound
		}
		if err != nil {
			return fmt.Errorf("failed to fetch message: %w", err)
		}
		if _, err := tx.ExecContext(ctx, "DELETE FROM message_reactions WHERE message_id = ?", id); err != nil {
			return fmt.Errorf("failed to delete reactions: %w", err)
		}
		_, err = tx.ExecContext(ctx, `
			UPDATE conversations SET last_message_id = (
				SELECT id FROM messages
				WHERE conversation_id = ? AND id != ? AND content != ''
				ORDER BY id DESC LIMIT 1
			)
			WHERE id = ? AND last_message_id = ?
		`, conversationID, id, conversationID, id)
		if err != nil {
			return fmt.Errorf("failed to update conversation: %w", err)
		}
		if _, err := tx.ExecContext(ctx, "DELETE FROM messages WHERE id = ?", id); err != nil {
			return fmt.Errorf("failed to delete message: %w", err)
		}
		return nil
	})
}

// advanceStatus moves the messages matching where to status `to`, skipping
// any already at or past it, and returns the ones that changed.
func (s *Store) advanceStatus(ctx context.Context, tx *sql.Tx, to models.DeliveryStatus, where string, args ...any) ([]models.Message, error) {
	cond := where + " AND " + statusRank + " < ?"
	args = append(args, to.Rank())

	rows, err := tx.QueryContext(ctx,
		"SELECT id, conversation_id, sender_id, receiver_id FROM messages WHERE "+cond+" ORDER BY id", args...)
	if err != nil {
		return nil, fmt.Errorf("failed to select messages: %w", err)
	}
	var changed []models.Message
	for rows.Next() {
		var m models.Message
		if err := rows.Scan(&m.ID, &m.ConversationID, &m.SenderID, &m.ReceiverID); err != nil {
			rows.Close()
			return nil, fmt.Errorf("failed to scan message: %w", err)
		}
		m.Status = to
		changed = append(changed, m)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(changed) == 0 {
		return nil, nil
	}

	ids := make([]int, len(changed))
	for i, m := range changed {
		ids[i] = m.ID
	}
	placeholders, idArgs := inClause(ids)
	now := s.now()

	update := "UPDATE messages SET status = ?, delivered_at = COALESCE(delivered_at, ?)"
	updateArgs := []any{to, now}
	if to == models.StatusRead {
		update += ", read_at = ?"
		updateArgs = append(updateArgs, now)
	}
	update += " WHERE id IN (" + placeholders + ") AND " + statusRank + " < ?"
	updateArgs = append(updateArgs, idArgs...)
	updateArgs = append(updateArgs, to.Rank())

	if _, err := tx.ExecContext(ctx, update, updateArgs...); err != nil {
		return nil, fmt.Errorf("failed to update message status: %w", err)
	}
	return changed, nil
}

// MarkMessagesRead flips the given messages to read, restricted to those
// addressed to receiverID. Messages of other receivers are left untouched.
func (s *Store) MarkMessagesRead(ctx context.Context, receiverID int, messageIDs []int) ([]models.Message, error) {
	if len(messageIDs) == 0 {
		return nil, nil
	}
	placeholders, idArgs := inClause(messageIDs)
	var changed []models.Message
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		var err error
		changed, err = s.advanceStatus(ctx, tx, models.StatusRead,
			"receiver_id = ? AND id IN ("+placeholders+")", append([]any{receiverID}, idArgs...)...)
		return err
	})
	return changed, err
}

// MarkConversationRead marks every message receiverID got in the conversation
// as read and resets its unread counter.
func (s *Store) MarkConversationRead(ctx context.Context, conversationID, receiverID int) ([]models.Message, error) {
	var changed []models.Message
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		var err error
		changed, err = s.advanceStatus(ctx, tx, models.StatusRead,
			"conversation_id = ? AND receiver_id = ?", conversationID, receiverID)
		if err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx, "UPDATE conversations SET unread_count = 0 WHERE id = ?", conversationID)
		return err
	})
	return changed, err
}

// MarkDelivered advances every message still pending for receiverID to
// delivered.
func (s *Store) MarkDelivered(ctx context.Context, receiverID int) ([]models.Message, error) {
	var changed []models.Message
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		var err error
		changed, err = s.advanceStatus(ctx, tx, models.StatusDelivered, "receiver_id = ?", receiverID)
		return err
	})
	return changed, err
}
