package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/4xmen/chatpat/internal/models"
)

func orderedPair(a, b int) (int, int) {
	if a > b {
		return b, a
	}
	return a, b
}

const conversationColumns = "id, participant_a, participant_b, last_message_id, unread_count, updated_at"

func scanConversation(row rowScanner) (*models.Conversation, error) {
	var (
		c      models.Conversation
		a, b   int
		lastID sql.NullInt64
	)
	if err := row.Scan(&c.ID, &a, &b, &lastID, &c.UnreadCount, &c.UpdatedAt); err != nil {
		return nil, err
	}
	c.Participants = []int{a, b}
	if lastID.Valid {
		id := int(lastID.Int64)
		c.LastMessageID = &id
	}
	return &c, nil
}

// FindOrCreateConversation resolves the conversation for the unordered pair.
// Concurrent callers for the same pair converge on one row through the
// unique (participant_a, participant_b) constraint.
func (s *Store) FindOrCreateConversation(ctx context.Context, userA, userB int) (*models.Conversation, error) {
	if userA == userB {
		return nil, fmt.Errorf("conversation needs two distinct participants")
	}
	a, b := orderedPair(userA, userB)
	now := s.now()
	_, err := s.db.ExecContext(ctx, `
		INSERT OR IGNORE INTO conversations (participant_a, participant_b, created_at, updated_at)
		VALUES (?, ?, ?, ?)
	`, a, b, now, now)
	if err != nil {
		return nil, fmt.Errorf("failed to create conversation: %w", err)
	}
	return s.FindConversation(ctx, a, b)
}

func (s *Store) FindConversation(ctx context.Context, userA, userB int) (*models.Conversation, error) {
	a, b := orderedPair(userA, userB)
	row := s.db.QueryRowContext(ctx,
		"SELECT "+conversationColumns+" FROM conversations WHERE participant_a = ? AND participant_b = ?", a, b)
	c, err := scanConversation(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to fetch conversation: %w", err)
	}
	return c, nil
}

func (s *Store) GetConversation(ctx context.Context, id int) (*models.Conversation, error) {
	row := s.db.QueryRowContext(ctx, "SELECT "+conversationColumns+" FROM conversations WHERE id = ?", id)
	c, err := scanConversation(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to fetch conversation: %w", err)
	}
	return c, nil
}

// ListConversations returns the conversations of userID, most recently
// active first, with participant profiles and the last message attached.
func (s *Store) ListConversations(ctx context.Context, userID int) ([]*models.Conversation, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT "+conversationColumns+`
		FROM conversations
		WHERE participant_a = ? OR participant_b = ?
		ORDER BY updated_at DESC, id DESC
	`, userID, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch conversations: %w", err)
	}
	var convs []*models.Conversation
	for rows.Next() {
		c, err := scanConversation(rows)
		if err != nil {
			rows.Close()
			return nil, fmt.Errorf("failed to scan conversation: %w", err)
		}
		convs = append(convs, c)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for _, c := range convs {
		for _, id := range c.Participants {
			sum, err := s.summary(ctx, s.db, id)
			if err != nil {
				return nil, err
			}
			c.Profiles = append(c.Profiles, *sum)
		}
		if c.LastMessageID != nil {
			msg, err := s.GetMessage(ctx, *c.LastMessageID)
			if err != nil && !errors.Is(err, ErrNotFound) {
				return nil, err
			}
			c.LastMessage = msg
		}
	}
	return convs, nil
}
