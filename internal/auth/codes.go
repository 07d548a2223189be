package auth

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

var ErrCodeNotFound = errors.New("otp code not found")

// OTPCode is a pending one-time code. Only its bcrypt hash is stored.
type OTPCode struct {
	Hash      string
	Attempts  int
	ExpiresAt time.Time
}

// CodeStore keeps at most one pending code per destination. Save replaces
// any previous code and resets its attempt counter.
type CodeStore interface {
	Save(ctx context.Context, destination string, code OTPCode) error
	Get(ctx context.Context, destination string) (OTPCode, error)
	IncrementAttempts(ctx context.Context, destination string) (int, error)
	Delete(ctx context.Context, destination string) error
}

// SQLCodeStore stores codes in the otp_codes table.
type SQLCodeStore struct {
	db *sql.DB
}

func NewSQLCodeStore(db *sql.DB) *SQLCodeStore {
	return &SQLCodeStore{db: db}
}

func (s *SQLCodeStore) Save(ctx context.Context, destination string, code OTPCode) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO otp_codes (destination, code_hash, attempts, expires_at) VALUES (?, ?, 0, ?)
		ON CONFLICT(destination) DO UPDATE SET code_hash = excluded.code_hash, attempts = 0, expires_at = excluded.expires_at
	`, destination, code.Hash, code.ExpiresAt.UTC())
	if err != nil {
		return fmt.Errorf("failed to store otp: %w", err)
	}
	return nil
}

func (s *SQLCodeStore) Get(ctx context.Context, destination string) (OTPCode, error) {
	var code OTPCode
	err := s.db.QueryRowContext(ctx,
		"SELECT code_hash, attempts, expires_at FROM otp_codes WHERE destination = ?", destination,
	).Scan(&code.Hash, &code.Attempts, &code.ExpiresAt)
	if errors.Is(err, sql.ErrNoRows) {
		return OTPCode{}, ErrCodeNotFound
	}
	if err != nil {
		return OTPCode{}, fmt.Errorf("failed to fetch otp: %w", err)
	}
	return code, nil
}

func (s *SQLCodeStore) IncrementAttempts(ctx context.Context, destination string) (int, error) {
	var attempts int
	err := s.db.QueryRowContext(ctx,
		"UPDATE otp_codes SET attempts = attempts + 1 WHERE destination = ? RETURNING attempts", destination,
	).Scan(&attempts)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, ErrCodeNotFound
	}
	if err != nil {
		return 0, fmt.Errorf("failed to count otp attempt: %w", err)
	}
	return attempts, nil
}

func (s *SQLCodeStore) Delete(ctx context.Context, destination string) error {
	if _, err := s.db.ExecContext(ctx, "DELETE FROM otp_codes WHERE destination = ?", destination); err != nil {
		return fmt.Errorf("failed to delete otp: %w", err)
	}
	return nil
}

// RedisCodeStore keeps codes as hashes that Redis expires on its own:
//
//	Key:    otp:<destination>
//	Fields: hash, attempts, expires_at (unix seconds)
//	TTL:    until expires_at
type RedisCodeStore struct {
	client *redis.Client
}

const otpPrefix = "otp:"

func NewRedisCodeStore(client *redis.Client) *RedisCodeStore {
	return &RedisCodeStore{client: client}
}

func (s *RedisCodeStore) Save(ctx context.Context, destination string, code OTPCode) error {
	key := otpPrefix + destination
	pipe := s.client.TxPipeline()
	pipe.Del(ctx, key)
	pipe.HSet(ctx, key, "hash", code.Hash, "attempts", 0, "expires_at", code.ExpiresAt.Unix())
	pipe.ExpireAt(ctx, key, code.ExpiresAt)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to store otp: %w", err)
	}
	return nil
}

func (s *RedisCodeStore) Get(ctx context.Context, destination string) (OTPCode, error) {
	vals, err := s.client.HGetAll(ctx, otpPrefix+destination).Result()
	if err != nil {
		return OTPCode{}, fmt.Errorf("failed to fetch otp: %w", err)
	}
	if len(vals) == 0 || vals["hash"] == "" {
		return OTPCode{}, ErrCodeNotFound
	}
	attempts, _ := strconv.Atoi(vals["attempts"])
	exp, err := strconv.ParseInt(vals["expires_at"], 10, 64)
	if err != nil {
		return OTPCode{}, fmt.Errorf("corrupt otp record: %w", err)
	}
	return OTPCode{Hash: vals["hash"], Attempts: attempts, ExpiresAt: time.Unix(exp, 0)}, nil
}

// incrementAttempts bumps the counter only while the key exists, so a
// guess racing the TTL never recreates a code without expiry.
var incrementAttempts = redis.NewScript(`
if redis.call("EXISTS", KEYS[1]) == 0 then
	return -1
end
return redis.call("HINCRBY", KEYS[1], "attempts", 1)
`)

func (s *RedisCodeStore) IncrementAttempts(ctx context.Context, destination string) (int, error) {
	n, err := incrementAttempts.Run(ctx, s.client, []string{otpPrefix + destination}).Int()
	if err != nil {
		return 0, fmt.Errorf("failed to count otp attempt: %w", err)
	}
	if n < 0 {
		return 0, ErrCodeNotFound
	}
	return n, nil
}

func (s *RedisCodeStore) Delete(ctx context.Context, destination string) error {
	if err := s.client.Del(ctx, otpPrefix+destination).Err(); err != nil {
		return fmt.Errorf("failed to delete otp: %w", err)
	}
	return nil
}
