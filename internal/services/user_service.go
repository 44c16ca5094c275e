package services

import (
	"context"
	"fmt"
	"strings"

	"shelfmate/internal/domain/user"
	"shelfmate/internal/e2ee"
	"shelfmate/internal/repository"
	shelfmate_errors "shelfmate/pkg/errors"

	"go.uber.org/zap"
)

type UserService struct {
	userRepo repository.UserRepository
	logger   *zap.Logger
}

func NewUserService(userRepo repository.UserRepository, logger *zap.Logger) *UserService {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &UserService{userRepo: userRepo, logger: logger.With(zap.String("component", "user_service"))}
}

func (s *UserService) Profile(ctx context.Context, id string) (user.Profile, error) {
	if strings.TrimSpace(id) == "" {
		return user.Profile{}, shelfmate_errors.ErrInvalidInput
	}
	return s.userRepo.GetProfile(ctx, id)
}

// SetPublicKey replaces the user's device public key.
func (s *UserService) SetPublicKey(ctx context.Context, userID string, jwk e2ee.JWK) error {
	if err := jwk.Validate(); err != nil {
		return fmt.Errorf("public key: %w", err)
	}
	if err := s.userRepo.SetPublicKey(ctx, userID, jwk); err != nil {
		return err
	}
	s.logger.Info("public key updated", zap.String("user_id", userID))
	return nil
}
