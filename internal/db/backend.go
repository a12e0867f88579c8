package db

import (
	"context"
	"errors"

	"github.com/manpreetbhatti/codecollab/backend/internal/model"
)

// ErrDuplicate is returned by CreateSession when the id is already stored.
var ErrDuplicate = errors.New("db: duplicate session id")

// Backend persists sessions and their users. Implementations do not notify
// anyone and do not serialize multi-step operations; the store does both.
// Reads of a missing session return (nil, nil).
type Backend interface {
	CreateSession(ctx context.Context, s *model.Session) error
	GetSession(ctx context.Context, id string) (*model.Session, error)
	ListSessions(ctx context.Context, limit, offset int) ([]*model.Session, error)
	// UpdateSession reports false when the session does not exist.
	UpdateSession(ctx context.Context, id string, patch model.SessionPatch) (bool, error)
	DeleteSession(ctx context.Context, id string) (bool, error)

	// AddUser reports false when the session does not exist.
	AddUser(ctx context.Context, sessionID string, user model.User) (bool, error)
	RemoveUser(ctx context.Context, sessionID, userID string) error
	UpdateUser(ctx context.Context, sessionID, userID string, patch model.UserPatch) error

	Stats(ctx context.Context) (Stats, error)
	Close() error
}

type Stats struct {
	Sessions int `json:"sessions"`
	Users    int `json:"users"`
}
