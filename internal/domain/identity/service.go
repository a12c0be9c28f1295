package identity

import (
	"context"
	"errors"
	"strings"

	"github.com/jackc/pgx/v5"

	"github.com/ehr/chat/internal/platform/apperr"
)

type Service struct {
	dir Directory
}

func NewService(dir Directory) *Service {
	return &Service{dir: dir}
}

// Resolve returns the user for id, NotFound when unknown.
func (s *Service) Resolve(ctx context.Context, id string) (*User, error) {
	if strings.TrimSpace(id) == "" {
		return nil, apperr.Validation("user id is required")
	}
	u, err := s.dir.GetByID(ctx, id)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, apperr.NotFound("user %s not found", id)
	}
	if err != nil {
		return nil, apperr.TransientIO(err, "resolve user")
	}
	return u, nil
}

// RequireRole resolves id and checks its role. A caller with the wrong role
// gets NotAuthorized.
func (s *Service) RequireRole(ctx context.Context, id, role string) (*User, error) {
	u, err := s.Resolve(ctx, id)
	if err != nil {
		return nil, err
	}
	if u.Role != role {
		return nil, apperr.NotAuthorized("only a %s may perform this action", role)
	}
	return u, nil
}

// Profiles resolves several ids at once. Unknown ids are absent from the map.
func (s *Service) Profiles(ctx context.Context, ids []string) (map[string]*User, error) {
	users, err := s.dir.GetMany(ctx, ids)
	if err != nil {
		return nil, apperr.TransientIO(err, "resolve users")
	}
	return users, nil
}

// Register creates or refreshes an identity. Used to seed the directory.
func (s *Service) Register(ctx context.Context, u *User) error {
	if strings.TrimSpace(u.ID) == "" {
		return apperr.Validation("user id is required")
	}
	if !ValidRole(u.Role) {
		return apperr.Validation("role must be patient or doctor, got %q", u.Role)
	}
	if err := s.dir.Upsert(ctx, u); err != nil {
		return apperr.TransientIO(err, "register user")
	}
	return nil
}
