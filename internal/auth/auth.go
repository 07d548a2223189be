package auth

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"math/big"
	"net/mail"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"

	"github.com/4xmen/chatpat/internal/models"
	"github.com/4xmen/chatpat/internal/notify"
	"github.com/4xmen/chatpat/internal/store"
)

const (
	DefaultTokenTTL = 365 * 24 * time.Hour
	DefaultOTPTTL   = 5 * time.Minute
	MaxOTPAttempts  = 5
	otpDigits       = 6
)

var (
	ErrIdentifierRequired = errors.New("phone number and suffix required")
	ErrInvalidEmail       = errors.New("invalid email address")
	ErrInvalidOTP         = errors.New("invalid or expired otp")
	ErrUserNotFound       = errors.New("user not found")
	ErrDeliveryFailed     = errors.New("failed to send otp")
	ErrInvalidToken       = errors.New("invalid token")
)

// Users is the slice of the store the auth flow needs.
type Users interface {
	FindOrCreateUserByEmail(ctx context.Context, email string) (*models.User, error)
	FindOrCreateUserByPhone(ctx context.Context, phone, suffix string) (*models.User, error)
	FindUserByEmail(ctx context.Context, email string) (*models.User, error)
	FindUserByPhone(ctx context.Context, phone string) (*models.User, error)
	MarkVerified(ctx context.Context, id int) error
	UserExists(ctx context.Context, id int) (bool, error)
	GetUser(ctx context.Context, id int) (*models.User, error)
}

// Identifier names the account an OTP is for: an email, or a phone number
// with its country suffix.
type Identifier struct {
	Email       string `json:"email"`
	PhoneNumber string `json:"phoneNumber"`
	PhoneSuffix string `json:"phoneSuffix"`
}

func (id *Identifier) normalize() error {
	id.Email = strings.ToLower(strings.TrimSpace(id.Email))
	id.PhoneNumber = strings.TrimSpace(id.PhoneNumber)
	id.PhoneSuffix = strings.TrimSpace(id.PhoneSuffix)

	if id.Email != "" {
		if _, err := mail.ParseAddress(id.Email); err != nil {
			return ErrInvalidEmail
		}
		return nil
	}
	if id.PhoneNumber == "" || id.PhoneSuffix == "" {
		return ErrIdentifierRequired
	}
	return nil
}

// destination is where the code goes and the key it is stored under.
func (id Identifier) destination() string {
	if id.Email != "" {
		return id.Email
	}
	return id.PhoneSuffix + id.PhoneNumber
}

type Config struct {
	JWTSecret string
	TokenTTL  time.Duration
	OTPTTL    time.Duration
}

type Service struct {
	users     Users
	codes     CodeStore
	email     notify.Sender
	sms       notify.Sender
	log       *zap.Logger
	jwtSecret string
	tokenTTL  time.Duration
	otpTTL    time.Duration
	now       func() time.Time
}

type Claims struct {
	UserID int `json:"user_id"`
	jwt.RegisteredClaims
}

func New(users Users, codes CodeStore, email, sms notify.Sender, log *zap.Logger, cfg Config) *Service {
	if cfg.TokenTTL <= 0 {
		cfg.TokenTTL = DefaultTokenTTL
	}
	if cfg.OTPTTL <= 0 {
		cfg.OTPTTL = DefaultOTPTTL
	}
	return &Service{
		users:     users,
		codes:     codes,
		email:     email,
		sms:       sms,
		log:       log,
		jwtSecret: cfg.JWTSecret,
		tokenTTL:  cfg.TokenTTL,
		otpTTL:    cfg.OTPTTL,
		now:       time.Now,
	}
}

func (s *Service) TokenTTL() time.Duration {
	return s.tokenTTL
}

// SendOTP finds or creates the account for id, stores a fresh code and
// delivers it. A failed delivery leaves no code behind.
func (s *Service) SendOTP(ctx context.Context, id Identifier) (*models.User, error) {
	if err := id.normalize(); err != nil {
		return nil, err
	}

	var (
		user   *models.User
		sender notify.Sender
		err    error
	)
	if id.Email != "" {
		user, err = s.users.FindOrCreateUserByEmail(ctx, id.Email)
		sender = s.email
	} else {
		user, err = s.users.FindOrCreateUserByPhone(ctx, id.PhoneNumber, id.PhoneSuffix)
		sender = s.sms
	}
	if err != nil {
		return nil, err
	}

	code, err := generateCode()
	if err != nil {
		return nil, fmt.Errorf("failed to generate otp: %w", err)
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(code), bcrypt.DefaultCost)
	if err != nil {
		return nil, fmt.Errorf("failed to hash otp: %w", err)
	}

	dest := id.destination()
	if err := s.codes.Save(ctx, dest, OTPCode{Hash: string(hash), ExpiresAt: s.now().Add(s.otpTTL)}); err != nil {
		return nil, err
	}

	body := fmt.Sprintf("Your verification code is %s. It expires in %d minutes.", code, int(s.otpTTL.Minutes()))
	if err := sender.Send(ctx, dest, "Your verification code", body); err != nil {
		s.log.Error("failed to deliver otp", zap.Int("user_id", user.ID), zap.Error(err))
		if derr := s.codes.Delete(ctx, dest); derr != nil {
			s.log.Error("failed to drop undelivered otp", zap.Int("user_id", user.ID), zap.Error(derr))
		}
		return nil, fmt.Errorf("%w: %v", ErrDeliveryFailed, err)
	}
	return user, nil
}

// VerifyOTP checks code for id. On success the account is marked verified,
// the code is consumed and a token is returned. The attempt is counted
// before the code is compared, so concurrent guesses never get past
// MaxOTPAttempts; once the cap is reached the code is gone.
func (s *Service) VerifyOTP(ctx context.Context, id Identifier, code string) (string, *models.User, error) {
	if err := id.normalize(); err != nil {
		return "", nil, err
	}

	var (
		user *models.User
		err  error
	)
	if id.Email != "" {
		user, err = s.users.FindUserByEmail(ctx, id.Email)
	} else {
		user, err = s.users.FindUserByPhone(ctx, id.PhoneNumber)
	}
	if errors.Is(err, store.ErrNotFound) {
		return "", nil, ErrUserNotFound
	}
	if err != nil {
		return "", nil, err
	}

	dest := id.destination()
	attempts, err := s.codes.IncrementAttempts(ctx, dest)
	if errors.Is(err, ErrCodeNotFound) {
		return "", nil, ErrInvalidOTP
	}
	if err != nil {
		return "", nil, err
	}
	if attempts > MaxOTPAttempts {
		return "", nil, s.dropCode(ctx, dest, user.ID)
	}

	stored, err := s.codes.Get(ctx, dest)
	if errors.Is(err, ErrCodeNotFound) {
		return "", nil, ErrInvalidOTP
	}
	if err != nil {
		return "", nil, err
	}
	if !s.now().Before(stored.ExpiresAt) {
		return "", nil, s.dropCode(ctx, dest, user.ID)
	}

	if bcrypt.CompareHashAndPassword([]byte(stored.Hash), []byte(strings.TrimSpace(code))) != nil {
		if attempts >= MaxOTPAttempts {
			s.log.Info("otp invalidated after too many attempts", zap.Int("user_id", user.ID))
			return "", nil, s.dropCode(ctx, dest, user.ID)
		}
		return "", nil, ErrInvalidOTP
	}

	if err := s.codes.Delete(ctx, dest); err != nil {
		return "", nil, err
	}
	if err := s.users.MarkVerified(ctx, user.ID); err != nil {
		return "", nil, err
	}
	user.IsVerified = true

	token, err := s.GenerateToken(user.ID)
	if err != nil {
		return "", nil, err
	}
	return token, user, nil
}

// dropCode deletes the pending code for dest and reports ErrInvalidOTP,
// or the delete failure if the code could not be removed.
func (s *Service) dropCode(ctx context.Context, dest string, userID int) error {
	if err := s.codes.Delete(ctx, dest); err != nil {
		s.log.Error("failed to drop otp", zap.Int("user_id", userID), zap.Error(err))
		return err
	}
	return ErrInvalidOTP
}

func (s *Service) GenerateToken(userID int) (string, error) {
	now := s.now()
	claims := Claims{
		UserID: userID,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(now.Add(s.tokenTTL)),
			IssuedAt:  jwt.NewNumericDate(now),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	tokenString, err := token.SignedString([]byte(s.jwtSecret))
	if err != nil {
		return "", fmt.Errorf("failed to sign token: %w", err)
	}

	return tokenString, nil
}

func (s *Service) ValidateToken(tokenString string) (*Claims, error) {
	claims := &Claims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return []byte(s.jwtSecret), nil
	})

	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}

	if !token.Valid || claims.UserID == 0 {
		return nil, ErrInvalidToken
	}

	return claims, nil
}

// UserExists checks if a user with the given ID exists
func (s *Service) UserExists(ctx context.Context, userID int) (bool, error) {
	return s.users.UserExists(ctx, userID)
}

func (s *Service) GetUser(ctx context.Context, userID int) (*models.User, error) {
	return s.users.GetUser(ctx, userID)
}

func generateCode() (string, error) {
	max := big.NewInt(1)
	for i := 0; i < otpDigits; i++ {
		max.Mul(max, big.NewInt(10))
	}
	n, err := rand.Int(rand.Reader, max)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%0*d", otpDigits, n.Int64()), nil
}
