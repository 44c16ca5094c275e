package services

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"shelfmate/config"
	"shelfmate/internal/repository"
	shelfmate_errors "shelfmate/pkg/errors"

	"github.com/golang-jwt/jwt/v5"
)

// AuthService validates the bearer tokens issued by the main shelfmate
// backend and registers token subjects as messaging users.
type AuthService struct {
	userRepo  repository.UserRepository
	jwtSecret []byte
	accessTTL time.Duration
	now       func() time.Time
}

func NewAuthService(userRepo repository.UserRepository, cfg *config.Config) *AuthService {
	return &AuthService{
		userRepo:  userRepo,
		jwtSecret: []byte(cfg.JWTSecret),
		accessTTL: time.Duration(cfg.JWTExpiryMin) * time.Minute,
		now:       time.Now,
	}
}

// AccessClaims: the subject is the user id; Name is the display name.
type AccessClaims struct {
	Name string `json:"name,omitempty"`
	jwt.RegisteredClaims
}

func (c AccessClaims) UserID() string {
	return strings.TrimSpace(c.Subject)
}

// IssueAccessToken signs an HS256 token for userID. Used by cmd/tokengen
// and tests; production tokens come from the main backend.
func (s *AuthService) IssueAccessToken(userID, displayName string) (string, int64, error) {
	if strings.TrimSpace(userID) == "" {
		return "", 0, shelfmate_errors.ErrInvalidInput
	}
	now := s.now()
	claims := AccessClaims{
		Name: displayName,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userID,
			ExpiresAt: jwt.NewNumericDate(now.Add(s.accessTTL)),
			IssuedAt:  jwt.NewNumericDate(now),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(s.jwtSecret)
	if err != nil {
		return "", 0, err
	}
	return signed, int64(s.accessTTL.Seconds()), nil
}

func (s *AuthService) ParseAccessToken(tokenString string) (AccessClaims, error) {
	if tokenString == "" {
		return AccessClaims{}, shelfmate_errors.ErrUnauthorized
	}

	parsed, err := jwt.ParseWithClaims(tokenString, &AccessClaims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, shelfmate_errors.ErrUnauthorized
		}
		return s.jwtSecret, nil
	}, jwt.WithTimeFunc(s.now))
	if err != nil {
		return AccessClaims{}, fmt.Errorf("%w: %v", shelfmate_errors.ErrUnauthorized, err)
	}

	claims, ok := parsed.Claims.(*AccessClaims)
	if !ok || !parsed.Valid || claims.UserID() == "" {
		return AccessClaims{}, shelfmate_errors.ErrUnauthorized
	}
	return *claims, nil
}

// Authenticate parses the token and makes sure its subject has a user record.
func (s *AuthService) Authenticate(ctx context.Context, tokenString string) (AccessClaims, error) {
	claims, err := s.ParseAccessToken(tokenString)
	if err != nil {
		return AccessClaims{}, err
	}
	if s.userRepo != nil {
		if err := s.userRepo.EnsureUser(ctx, claims.UserID(), claims.Name); err != nil {
			return AccessClaims{}, err
		}
	}
	return claims, nil
}

func HTTPStatus(err error) int {
	switch {
	case errors.Is(err, shelfmate_errors.ErrInvalidInput):
		return http.StatusBadRequest
	case errors.Is(err, shelfmate_errors.ErrUnauthorized):
		return http.StatusUnauthorized
	case errors.Is(err, shelfmate_errors.ErrForbidden):
		return http.StatusForbidden
	case errors.Is(err, shelfmate_errors.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, shelfmate_errors.ErrAlreadyExists), errors.Is(err, shelfmate_errors.ErrConflict):
		return http.StatusConflict
	case errors.Is(err, shelfmate_errors.ErrRateLimited):
		return http.StatusTooManyRequests
	case errors.Is(err, shelfmate_errors.ErrServiceUnavailable):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

type ctxKey string

var userIDKey ctxKey = "user_id"

func WithUserContext(ctx context.Context, userID string) context.Context {
	return context.WithValue(ctx, userIDKey, userID)
}

func UserIDFromContext(ctx context.Context) (string, bool) {
	userID, ok := ctx.Value(userIDKey).(string)
	return userID, ok && userID != ""
}
