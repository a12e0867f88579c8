package service

import (
	"context"
	"errors"
	"fmt"
	"log"
	"math/rand"
	"strings"
	"unicode/utf8"

	"github.com/google/uuid"

	"github.com/manpreetbhatti/codecollab/backend/internal/config"
	"github.com/manpreetbhatti/codecollab/backend/internal/model"
	"github.com/manpreetbhatti/codecollab/backend/internal/store"
)

var (
	ErrUsernameTaken   = errors.New("username is already taken")
	ErrInvalidUsername = errors.New("invalid username")
	ErrSessionFull     = errors.New("session is full")
)

type UserService struct {
	store *store.Store
	cfg   config.SessionConfig
}

func NewUserService(st *store.Store, cfg config.SessionConfig) *UserService {
	return &UserService{store: st, cfg: cfg}
}

// JoinSession admits username to the session. Names are unique per
// session regardless of case, and each member gets a color no other
// member holds while the palette lasts.
func (u *UserService) JoinSession(ctx context.Context, sessionID, username string) (*model.User, *model.Session, error) {
	if err := validateUsername(username); err != nil {
		return nil, nil, err
	}

	user, sess, err := u.store.JoinUser(ctx, sessionID, func(current *model.Session) (model.User, error) {
		if usernameTaken(current, username) {
			return model.User{}, ErrUsernameTaken
		}
		if u.cfg.MaxUsers > 0 && len(current.Users) >= u.cfg.MaxUsers {
			return model.User{}, ErrSessionFull
		}
		return model.User{
			ID:           uuid.NewString(),
			Username:     username,
			Color:        pickColor(current.Users),
			IsTyping:     false,
			LastActivity: model.NowMillis(),
		}, nil
	})
	if err != nil {
		return nil, nil, err
	}
	log.Printf("👤 %s joined session %s", user.Username, sessionID)
	return user, sess, nil
}

// LeaveSession removes the user. Leaving twice is fine; only a missing
// session is an error.
func (u *UserService) LeaveSession(ctx context.Context, sessionID, userID string) (*model.Session, error) {
	sess, err := u.store.RemoveUser(ctx, sessionID, userID)
	if err != nil {
		return nil, err
	}
	if sess == nil {
		return nil, store.ErrNotFound
	}
	return sess, nil
}

func (u *UserService) SetTyping(ctx context.Context, sessionID, userID string, isTyping bool) (*model.Session, error) {
	sess, err := u.store.UpdateUser(ctx, sessionID, userID, model.UserPatch{IsTyping: &isTyping})
	if err != nil {
		return nil, err
	}
	if sess == nil {
		return nil, store.ErrNotFound
	}
	return sess, nil
}

// CheckUsernameAvailable reports false for a session that does not exist.
func (u *UserService) CheckUsernameAvailable(ctx context.Context, sessionID, username string) (bool, error) {
	sess, err := u.store.GetSession(ctx, sessionID)
	if err != nil {
		return false, err
	}
	if sess == nil {
		return false, nil
	}
	return !usernameTaken(sess, username), nil
}

func validateUsername(username string) error {
	if strings.TrimSpace(username) == "" {
		return fmt.Errorf("%w: must not be blank", ErrInvalidUsername)
	}
	if utf8.RuneCountInString(username) > model.MaxUsernameLength {
		return fmt.Errorf("%w: at most %d characters", ErrInvalidUsername, model.MaxUsernameLength)
	}
	return nil
}

func usernameTaken(sess *model.Session, username string) bool {
	for _, existing := range sess.Users {
		if strings.EqualFold(existing.Username, username) {
			return true
		}
	}
	return false
}

func pickColor(users []model.User) string {
	used := make(map[string]bool, len(users))
	for _, user := range users {
		used[user.Color] = true
	}

	var free []string
	for _, c := range model.Palette {
		if !used[c] {
			free = append(free, c)
		}
	}
	if len(free) == 0 {
		return fmt.Sprintf("hsl(%d, 60%%, 50%%)", rand.Intn(361))
	}
	return free[rand.Intn(len(free))]
}
