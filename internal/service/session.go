package service

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"log"
	"math/big"
	"unicode/utf8"

	"github.com/manpreetbhatti/codecollab/backend/internal/config"
	"github.com/manpreetbhatti/codecollab/backend/internal/model"
	"github.com/manpreetbhatti/codecollab/backend/internal/store"
)

const (
	idAlphabet    = "abcdefghijklmnopqrstuvwxyz0123456789"
	maxIDAttempts = 32
)

var (
	ErrInvalidLanguage = errors.New("invalid language")
	ErrCodeTooLong     = errors.New("code exceeds maximum length")
)

// SessionCloser drops live connections of a session that was deleted.
type SessionCloser interface {
	CloseSession(sessionID string)
}

type SessionService struct {
	store  *store.Store
	cfg    config.SessionConfig
	closer SessionCloser
}

// NewSessionService creates the session service. closer may be nil.
func NewSessionService(st *store.Store, cfg config.SessionConfig, closer SessionCloser) *SessionService {
	return &SessionService{store: st, cfg: cfg, closer: closer}
}

// CreateSession creates a session with a fresh id and default contents.
func (s *SessionService) CreateSession(ctx context.Context) (*model.Session, error) {
	for attempt := 0; attempt < maxIDAttempts; attempt++ {
		id, err := generateID(s.idLength())
		if err != nil {
			return nil, err
		}

		taken, err := s.store.Exists(ctx, id)
		if err != nil {
			return nil, err
		}
		if taken {
			continue
		}

		sess, err := s.store.CreateSession(ctx, &model.Session{
			ID:        id,
			Code:      model.DefaultCode,
			Language:  model.DefaultLanguage,
			Users:     []model.User{},
			CreatedAt: model.NowMillis(),
		})
		if errors.Is(err, store.ErrConflict) {
			continue
		}
		if err != nil {
			return nil, err
		}
		log.Printf("✨ Session created: %s", id)
		return sess, nil
	}
	return nil, fmt.Errorf("no free session id after %d attempts", maxIDAttempts)
}

func (s *SessionService) GetSession(ctx context.Context, id string) (*model.Session, error) {
	sess, err := s.store.GetSession(ctx, id)
	if err != nil {
		return nil, err
	}
	if sess == nil {
		return nil, store.ErrNotFound
	}
	return sess, nil
}

// UpdateCode records the author's activity and then replaces the code.
// Listeners see two updates, one per step.
func (s *SessionService) UpdateCode(ctx context.Context, id, code, userID string) (*model.Session, error) {
	if s.cfg.MaxCodeLength > 0 && utf8.RuneCountInString(code) > s.cfg.MaxCodeLength {
		return nil, ErrCodeTooLong
	}

	now := model.NowMillis()
	sess, err := s.store.UpdateUser(ctx, id, userID, model.UserPatch{LastActivity: &now})
	if err != nil {
		return nil, err
	}
	if sess == nil {
		return nil, store.ErrNotFound
	}

	patch := model.SessionPatch{Code: &code}
	if userID != "" {
		patch.LastModifiedBy = &userID
	}
	sess, err = s.store.UpdateSession(ctx, id, patch)
	if err != nil {
		return nil, err
	}
	if sess == nil {
		return nil, store.ErrNotFound
	}
	return sess, nil
}

func (s *SessionService) UpdateLanguage(ctx context.Context, id, language string) (*model.Session, error) {
	if !model.IsLanguage(language) {
		return nil, ErrInvalidLanguage
	}
	sess, err := s.store.UpdateSession(ctx, id, model.SessionPatch{Language: &language})
	if err != nil {
		return nil, err
	}
	if sess == nil {
		return nil, store.ErrNotFound
	}
	return sess, nil
}

// DeleteSession removes the session and disconnects its live clients.
func (s *SessionService) DeleteSession(ctx context.Context, id string) error {
	deleted, err := s.store.DeleteSession(ctx, id)
	if err != nil {
		return err
	}
	if !deleted {
		return store.ErrNotFound
	}
	if s.closer != nil {
		s.closer.CloseSession(id)
	}
	log.Printf("🗑️  Session deleted: %s", id)
	return nil
}

func (s *SessionService) idLength() int {
	if s.cfg.IDLength > 0 {
		return s.cfg.IDLength
	}
	return 8
}

func generateID(length int) (string, error) {
	max := big.NewInt(int64(len(idAlphabet)))
	b := make([]byte, length)
	for i := range b {
		n, err := rand.Int(rand.Reader, max)
		if err != nil {
			return "", fmt.Errorf("generate session id: %w", err)
		}
		b[i] = idAlphabet[n.Int64()]
	}
	return string(b), nil
}
