package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/4xmen/chatpat/internal/models"
)

const userColumns = `id, phone_number, phone_suffix, email, username, profile_picture, about,
	is_online, last_seen, is_verified, agreed, created_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanUser(row rowScanner) (*models.User, error) {
	var (
		u                                              models.User
		phone, suffix, email, username, picture, about sql.NullString
		lastSeen                                       sql.NullTime
	)
	err := row.Scan(&u.ID, &phone, &suffix, &email, &username, &picture, &about,
		&u.IsOnline, &lastSeen, &u.IsVerified, &u.Agreed, &u.CreatedAt)
	if err != nil {
		return nil, err
	}
	u.PhoneNumber = stringPtr(phone)
	u.PhoneSuffix = stringPtr(suffix)
	u.Email = stringPtr(email)
	u.Username = stringPtr(username)
	u.ProfilePicture = stringPtr(picture)
	u.About = stringPtr(about)
	u.LastSeen = timePtr(lastSeen)
	return &u, nil
}

func (s *Store) userWhere(ctx context.Context, q querier, where string, args ...any) (*models.User, error) {
	row := q.QueryRowContext(ctx, "SELECT "+userColumns+" FROM users WHERE "+where, args...)
	u, err := scanUser(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query user: %w", err)
	}
	return u, nil
}

func (s *Store) GetUser(ctx context.Context, id int) (*models.User, error) {
	return s.userWhere(ctx, s.db, "id = ?", id)
}

func (s *Store) FindUserByEmail(ctx context.Context, email string) (*models.User, error) {
	return s.userWhere(ctx, s.db, "email = ?", email)
}

func (s *Store) FindUserByPhone(ctx context.Context, phone string) (*models.User, error) {
	return s.userWhere(ctx, s.db, "phone_number = ?", phone)
}

// FindOrCreateUserByEmail returns the user owning email, creating an
// unverified account on first contact.
func (s *Store) FindOrCreateUserByEmail(ctx context.Context, email string) (*models.User, error) {
	now := s.now()
	_, err := s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO users (email, created_at, updated_at) VALUES (?, ?, ?)`,
		email, now, now,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create user: %w", err)
	}
	return s.FindUserByEmail(ctx, email)
}

func (s *Store) FindOrCreateUserByPhone(ctx context.Context, phone, suffix string) (*models.User, error) {
	now := s.now()
	_, err := s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO users (phone_number, phone_suffix, created_at, updated_at) VALUES (?, ?, ?, ?)`,
		phone, suffix, now, now,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create user: %w", err)
	}
	return s.FindUserByPhone(ctx, phone)
}

func (s *Store) UserExists(ctx context.Context, id int) (bool, error) {
	var exists bool
	err := s.db.QueryRowContext(ctx, "SELECT EXISTS(SELECT 1 FROM users WHERE id = ?)", id).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("failed to query user: %w", err)
	}
	return exists, nil
}

func (s *Store) MarkVerified(ctx context.Context, id int) error {
	_, err := s.db.ExecContext(ctx,
		"UPDATE users SET is_verified = 1, updated_at = ? WHERE id = ?", s.now(), id)
	return err
}

type ProfileUpdate struct {
	Username       *string
	About          *string
	Agreed         *bool
	ProfilePicture *string
}

func (s *Store) UpdateProfile(ctx context.Context, id int, upd ProfileUpdate) (*models.User, error) {
	_, err := s.db.ExecContext(ctx, `
		UPDATE users SET
			username = COALESCE(?, username),
			about = COALESCE(?, about),
			agreed = COALESCE(?, agreed),
			profile_picture = COALESCE(?, profile_picture),
			updated_at = ?
		WHERE id = ?
	`, nullString(upd.Username), nullString(upd.About), nullBool(upd.Agreed), nullString(upd.ProfilePicture), s.now(), id)
	if err != nil {
		return nil, fmt.Errorf("failed to update profile: %w", err)
	}
	return s.GetUser(ctx, id)
}

func nullBool(b *bool) sql.NullBool {
	if b == nil {
		return sql.NullBool{}
	}
	return sql.NullBool{Bool: *b, Valid: true}
}

// SetPresence persists the online flag together with the time it changed.
func (s *Store) SetPresence(ctx context.Context, id int, online bool, at time.Time) error {
	res, err := s.db.ExecContext(ctx,
		"UPDATE users SET is_online = ?, last_seen = ?, updated_at = ? WHERE id = ?",
		online, at.UTC(), s.now(), id)
	if err != nil {
		return fmt.Errorf("failed to update presence: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// ResetPresence marks every user offline. Used at startup since the registry
// is empty after a restart.
func (s *Store) ResetPresence(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, "UPDATE users SET is_online = 0 WHERE is_online = 1")
	return err
}

type UserWithConversation struct {
	*models.User
	Conversation *models.Conversation `json:"conversation,omitempty"`
}

// ListUsers returns every user except exclude, each with the conversation
// they share with exclude when one exists.
func (s *Store) ListUsers(ctx context.Context, exclude int) ([]UserWithConversation, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT "+userColumns+" FROM users WHERE id != ? ORDER BY id", exclude)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch users: %w", err)
	}
	var users []*models.User
	for rows.Next() {
		u, err := scanUser(rows)
		if err != nil {
			rows.Close()
			return nil, fmt.Errorf("failed to scan user: %w", err)
		}
		users = append(users, u)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	out := make([]UserWithConversation, 0, len(users))
	for _, u := range users {
		u.PhoneNumber, u.Email = nil, nil
		item := UserWithConversation{User: u}
		conv, err := s.FindConversation(ctx, exclude, u.ID)
		switch {
		case err == nil:
			item.Conversation = conv
		case !errors.Is(err, ErrNotFound):
			return nil, err
		}
		out = append(out, item)
	}
	return out, nil
}

func (s *Store) summary(ctx context.Context, q querier, id int) (*models.UserSummary, error) {
	u, err := s.userWhere(ctx, q, "id = ?", id)
	if err != nil {
		return nil, err
	}
	sum := u.Summary()
	return &sum, nil
}
