package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/4xmen/chatpat/internal/models"
)

const statusColumns = "id, user_id, content, content_type, media_url, created_at, expires_at"

func scanStatus(row rowScanner) (*models.Status, error) {
	var (
		st       models.Status
		mediaURL sql.NullString
	)
	if err := row.Scan(&st.ID, &st.UserID, &st.Content, &st.ContentType, &mediaURL, &st.CreatedAt, &st.ExpiresAt); err != nil {
		return nil, err
	}
	st.MediaURL = stringPtr(mediaURL)
	st.Viewers = []models.UserSummary{}
	return &st, nil
}

func (s *Store) CreateStatus(ctx context.Context, st *models.Status) error {
	if st.CreatedAt.IsZero() {
		st.CreatedAt = s.now()
	}
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO statuses (user_id, content, content_type, media_url, created_at, expires_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, st.UserID, st.Content, st.ContentType, nullString(st.MediaURL), st.CreatedAt, st.ExpiresAt.UTC())
	if err != nil {
		return fmt.Errorf("failed to create status: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to get status id: %w", err)
	}
	st.ID = int(id)
	return s.populateStatus(ctx, st)
}

func (s *Store) GetStatus(ctx context.Context, id int) (*models.Status, error) {
	row := s.db.QueryRowContext(ctx, "SELECT "+statusColumns+" FROM statuses WHERE id = ?", id)
	st, err := scanStatus(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to fetch status: %w", err)
	}
	if err := s.populateStatus(ctx, st); err != nil {
		return nil, err
	}
	return st, nil
}

// ListActiveStatuses returns statuses that have not expired at now, newest
// first. A status is still active at its exact expiry instant. Expiry is
// only ever a filter here; rows are never swept.
func (s *Store) ListActiveStatuses(ctx context.Context, now time.Time) ([]*models.Status, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT "+statusColumns+" FROM statuses WHERE expires_at >= ? ORDER BY created_at DESC, id DESC", now.UTC())
	if err != nil {
		return nil, fmt.Errorf("failed to fetch statuses: %w", err)
	}
	var out []*models.Status
	for rows.Next() {
		st, err := scanStatus(rows)
		if err != nil {
			rows.Close()
			return nil, fmt.Errorf("failed to scan status: %w", err)
		}
		out = append(out, st)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}
	for _, st := range out {
		if err := s.populateStatus(ctx, st); err != nil {
			return nil, err
		}
	}
	return out, nil
}

func (s *Store) populateStatus(ctx context.Context, st *models.Status) error {
	author, err := s.summary(ctx, s.db, st.UserID)
	if err != nil {
		return err
	}
	st.User = author

	rows, err := s.db.QueryContext(ctx, `
		SELECT u.id, COALESCE(u.username, ''), COALESCE(u.profile_picture, '')
		FROM status_viewers v
		JOIN users u ON u.id = v.user_id
		WHERE v.status_id = ?
		ORDER BY v.viewed_at, u.id
	`, st.ID)
	if err != nil {
		return fmt.Errorf("failed to fetch viewers: %w", err)
	}
	defer rows.Close()
	st.Viewers = []models.UserSummary{}
	for rows.Next() {
		var v models.UserSummary
		if err := rows.Scan(&v.ID, &v.Username, &v.ProfilePicture); err != nil {
			return fmt.Errorf("failed to scan viewer: %w", err)
		}
		st.Viewers = append(st.Viewers, v)
	}
	return rows.Err()
}

// AddStatusViewer records viewerID once; added is false for repeat views.
func (s *Store) AddStatusViewer(ctx context.Context, statusID, viewerID int) (added bool, err error) {
	res, err := s.db.ExecContext(ctx,
		"INSERT OR IGNORE INTO status_viewers (status_id, user_id, viewed_at) VALUES (?, ?, ?)",
		statusID, viewerID, s.now())
	if err != nil {
		return false, fmt.Errorf("failed to record view: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (s *Store) DeleteStatus(ctx context.Context, id int) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, "DELETE FROM status_viewers WHERE status_id = ?", id); err != nil {
			return fmt.Errorf("failed to delete viewers: %w", err)
		}
		res, err := tx.ExecContext(ctx, "DELETE FROM statuses WHERE id = ?", id)
		if err != nil {
			return fmt.Errorf("failed to delete status: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return ErrNotFound
		}
		return nil
	})
}
