// Package service provides the auth and sync business logic of the server,
// delegating persistence to repository interfaces.
package service

import (
	"context"
	"errors"
	"fmt"
	"net/mail"
	"strings"
	"time"

	"github.com/atinyakov/modelsync/internal/models"
	"github.com/atinyakov/modelsync/internal/repository"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Token lifetimes.
const (
	DefaultAccessTTL    = 15 * time.Minute
	DefaultRefreshTTL   = 30 * 24 * time.Hour
	DefaultMagicLinkTTL = 15 * time.Minute
)

var (
	// ErrInvalidEmail is returned for a malformed address.
	ErrInvalidEmail = errors.New("invalid email")
	// ErrInvalidToken is returned for unknown, used, expired or forged tokens.
	ErrInvalidToken = errors.New("invalid token")
)

// AuthRepository defines the persistence operations required by AuthService.
type AuthRepository interface {
	CreateMagicLink(ctx context.Context, token, email string, expiresAt time.Time) error
	ConsumeMagicLink(ctx context.Context, token string, now time.Time) (string, error)
	UpsertUser(ctx context.Context, id, email string) (models.User, error)
	GetUserByEmail(ctx context.Context, email string) (models.User, error)
	SaveRefreshToken(ctx context.Context, token, userID string, expiresAt time.Time) error
	ConsumeRefreshToken(ctx context.Context, token string, now time.Time) (string, error)
	RevokeRefreshToken(ctx context.Context, token string) error
}

// Mailer delivers sign-in links.
type Mailer interface {
	SendMagicLink(ctx context.Context, email, token string) error
}

// LogMailer writes magic links to the log instead of sending mail.
type LogMailer struct {
	Log *zap.Logger
}

// SendMagicLink implements Mailer.
func (m LogMailer) SendMagicLink(_ context.Context, email, token string) error {
	m.Log.Info("magic link issued", zap.String("email", email), zap.String("token", token))
	return nil
}

// AuthService implements passwordless sign-in with rotating refresh tokens
// and short-lived HS256 access tokens.
type AuthService struct {
	repo   AuthRepository
	mailer Mailer
	secret []byte

	// Now and the TTLs may be overridden before first use.
	Now          func() time.Time
	AccessTTL    time.Duration
	RefreshTTL   time.Duration
	MagicLinkTTL time.Duration
}

// NewAuthService constructs an AuthService signing access tokens with secret.
func NewAuthService(repo AuthRepository, mailer Mailer, secret string) *AuthService {
	return &AuthService{
		repo:         repo,
		mailer:       mailer,
		secret:       []byte(secret),
		Now:          time.Now,
		AccessTTL:    DefaultAccessTTL,
		RefreshTTL:   DefaultRefreshTTL,
		MagicLinkTTL: DefaultMagicLinkTTL,
	}
}

// RequestMagicLink issues a single-use sign-in token for email and hands it
// to the mailer.
func (s *AuthService) RequestMagicLink(ctx context.Context, email string) error {
	addr, err := mail.ParseAddress(strings.TrimSpace(email))
	if err != nil {
		return ErrInvalidEmail
	}
	email = strings.ToLower(addr.Address)

	token := uuid.NewString()
	if err := s.repo.CreateMagicLink(ctx, token, email, s.Now().Add(s.MagicLinkTTL)); err != nil {
		return err
	}
	return s.mailer.SendMagicLink(ctx, email, token)
}

// Verify exchanges a magic-link token for a session, creating the user on
// first sign-in.
func (s *AuthService) Verify(ctx context.Context, token string) (*models.VerifyResponse, error) {
	email, err := s.repo.ConsumeMagicLink(ctx, token, s.Now())
	if errors.Is(err, repository.ErrNotFound) {
		return nil, ErrInvalidToken
	}
	if err != nil {
		return nil, err
	}
	user, err := s.repo.UpsertUser(ctx, uuid.NewString(), email)
	if err != nil {
		return nil, err
	}
	access, refresh, err := s.issue(ctx, user.ID)
	if err != nil {
		return nil, err
	}
	return &models.VerifyResponse{AccessToken: access, RefreshToken: refresh, User: user}, nil
}

// Refresh rotates a refresh token. The old token stops working.
func (s *AuthService) Refresh(ctx context.Context, refreshToken string) (*models.RefreshResponse, error) {
	userID, err := s.repo.ConsumeRefreshToken(ctx, refreshToken, s.Now())
	if errors.Is(err, repository.ErrNotFound) {
		return nil, ErrInvalidToken
	}
	if err != nil {
		return nil, err
	}
	access, refresh, err := s.issue(ctx, userID)
	if err != nil {
		return nil, err
	}
	return &models.RefreshResponse{AccessToken: access, RefreshToken: refresh}, nil
}

// Logout revokes refreshToken.
func (s *AuthService) Logout(ctx context.Context, refreshToken string) error {
	return s.repo.RevokeRefreshToken(ctx, refreshToken)
}

// LookupUser returns the registered user for email.
func (s *AuthService) LookupUser(ctx context.Context, email string) (models.User, error) {
	return s.repo.GetUserByEmail(ctx, strings.ToLower(strings.TrimSpace(email)))
}

// ParseAccessToken validates an access token and returns its subject. An
// expired token yields an error wrapping both ErrInvalidToken and
// jwt.ErrTokenExpired.
func (s *AuthService) ParseAccessToken(token string) (string, error) {
	claims := &jwt.RegisteredClaims{}
	parsed, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return s.secret, nil
	}, jwt.WithTimeFunc(s.Now))
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrInvalidToken, err)
	}
	if !parsed.Valid || claims.Subject == "" {
		return "", ErrInvalidToken
	}
	return claims.Subject, nil
}

func (s *AuthService) issue(ctx context.Context, userID string) (string, string, error) {
	now := s.Now()
	claims := jwt.RegisteredClaims{
		Subject:   userID,
		ID:        uuid.NewString(),
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(s.AccessTTL)),
	}
	access, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.secret)
	if err != nil {
		return "", "", fmt.Errorf("sign access token: %w", err)
	}

	refresh := uuid.NewString()
	if err := s.repo.SaveRefreshToken(ctx, refresh, userID, now.Add(s.RefreshTTL)); err != nil {
		return "", "", err
	}
	return access, refresh, nil
}
