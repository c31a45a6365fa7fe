package auth

import (
	"context"
	"fmt"
	"log/slog"

	"LiveDesk/entity"
	"LiveDesk/internal/lib/sl"
)

// Repository is the token lookup the service needs from the store.
type Repository interface {
	FindIdentityByToken(ctx context.Context, token string) (*entity.Identity, error)
}

// Service verifies session tokens. Issuance happens outside this system;
// a token either resolves to an identity or the connection is refused.
type Service struct {
	repository Repository
	log        *slog.Logger
}

func NewAuthService(logger *slog.Logger) *Service {
	return &Service{
		log: logger.With(sl.Module("auth-service")),
	}
}

func (s *Service) SetRepository(repository Repository) {
	s.repository = repository
}

// AuthenticateByToken resolves a token to its identity.
func (s *Service) AuthenticateByToken(token string) (*entity.Identity, error) {
	if s.repository == nil {
		return nil, fmt.Errorf("authentication not configured")
	}
	if token == "" {
		return nil, fmt.Errorf("empty token")
	}

	identity, err := s.repository.FindIdentityByToken(context.Background(), token)
	if err != nil {
		return nil, fmt.Errorf("token lookup: %w", err)
	}
	if identity == nil {
		s.log.Debug("unknown token rejected", sl.Secret("token", token))
		return nil, fmt.Errorf("token not recognized")
	}
	return identity, nil
}
