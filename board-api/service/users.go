package service

import (
	"context"
	"sync"

	"kanban/domain"
)

type userStore interface {
	UpsertUser(ctx context.Context, u domain.User) error
}

// UserService records the users seen in verified tokens so boards can be
// shared with them by email.
type UserService struct {
	st   userStore
	seen sync.Map
}

func NewUserService(st userStore) *UserService {
	return &UserService{st: st}
}

// Ensure upserts u once per process unless its profile changed.
func (s *UserService) Ensure(ctx context.Context, u domain.User) error {
	if u.ID == "" {
		return domain.Invalid("sub", "missing user id")
	}
	if prev, ok := s.seen.Load(u.ID); ok && prev.(domain.User) == u {
		return nil
	}
	if err := s.st.UpsertUser(ctx, u); err != nil {
		return err
	}
	s.seen.Store(u.ID, u)
	return nil
}
