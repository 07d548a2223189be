package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/4xmen/chatpat/internal/models"
)

// ToggleReaction applies one reaction click by userID on messageID and
// returns the message's resulting reaction list:
//
//	no reaction yet     -> add emoji
//	same emoji again    -> remove it
//	different emoji     -> replace it
//
// The read and the write run in one IMMEDIATE transaction, so two fast clicks
// on the same message are applied one after the other.
func (s *Store) ToggleReaction(ctx context.Context, messageID, userID int, emoji string) ([]models.Reaction, error) {
	var reactions []models.Reaction
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		var exists bool
		if err := tx.QueryRowContext(ctx, "SELECT EXISTS(SELECT 1 FROM messages WHERE id = ?)", messageID).Scan(&exists); err != nil {
			return fmt.Errorf("failed to fetch message: %w", err)
		}
		if !exists {
			return ErrNotFound
		}

		var current string
		err := tx.QueryRowContext(ctx,
			"SELECT emoji FROM message_reactions WHERE message_id = ? AND user_id = ?", messageID, userID,
		).Scan(&current)

		switch {
		case errors.Is(err, sql.ErrNoRows):
			_, err = tx.ExecContext(ctx,
				"INSERT INTO message_reactions (message_id, user_id, emoji, created_at) VALUES (?, ?, ?, ?)",
				messageID, userID, emoji, s.now())
		case err != nil:
			return fmt.Errorf("failed to fetch reaction: %w", err)
		case current == emoji:
			_, err = tx.ExecContext(ctx,
				"DELETE FROM message_reactions WHERE message_id = ? AND user_id = ?", messageID, userID)
		default:
			_, err = tx.ExecContext(ctx,
				"UPDATE message_reactions SET emoji = ?, created_at = ? WHERE message_id = ? AND user_id = ?",
				emoji, s.now(), messageID, userID)
		}
		if err != nil {
			return fmt.Errorf("failed to save reaction: %w", err)
		}

		reactions, err = s.listReactions(ctx, tx, messageID)
		return err
	})
	return reactions, err
}

func (s *Store) listReactions(ctx context.Context, q querier, messageID int) ([]models.Reaction, error) {
	rows, err := q.QueryContext(ctx, `
		SELECT r.user_id, COALESCE(u.username, ''), r.emoji
		FROM message_reactions r
		LEFT JOIN users u ON u.id = r.user_id
		WHERE r.message_id = ?
		ORDER BY r.created_at, r.user_id
	`, messageID)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch reactions: %w", err)
	}
	defer rows.Close()

	reactions := []models.Reaction{}
	for rows.Next() {
		var r models.Reaction
		if err := rows.Scan(&r.UserID, &r.Username, &r.Emoji); err != nil {
			return nil, fmt.Errorf("failed to scan reaction: %w", err)
		}
		reactions = append(reactions, r)
	}
	return reactions, rows.Err()
}
