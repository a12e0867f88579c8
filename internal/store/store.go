package store

import (
	"context"
	"errors"
	"log"
	"sync"

	"github.com/manpreetbhatti/codecollab/backend/internal/db"
	"github.com/manpreetbhatti/codecollab/backend/internal/model"
)

// Store owns every session. Mutations run one at a time under mu, for
// their whole duration including backend I/O; reads share mu so they only
// ever see committed state. Listeners are notified after mu is released.
type Store struct {
	mu       sync.RWMutex
	backend  db.Backend
	registry *Registry

	// ids of deleted sessions; never handed out again by this process
	retired map[string]struct{}
}

func New(backend db.Backend) *Store {
	return &Store{
		backend:  backend,
		registry: NewRegistry(),
		retired:  make(map[string]struct{}),
	}
}

// Registry exposes the subscription registry backing Subscribe.
func (s *Store) Registry() *Registry {
	return s.registry
}

func (s *Store) Subscribe(sessionID string, l Listener) *Subscription {
	return s.registry.Subscribe(sessionID, l)
}

// CreateSession inserts sess. It fails with ErrConflict when the id is
// live or was used by a session deleted earlier in this process.
func (s *Store) CreateSession(ctx context.Context, sess *model.Session) (*model.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.retired[sess.ID]; ok {
		return nil, ErrConflict
	}
	existing, err := s.backend.GetSession(ctx, sess.ID)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		return nil, ErrConflict
	}

	if err := s.backend.CreateSession(ctx, sess.Clone()); err != nil {
		if errors.Is(err, db.ErrDuplicate) {
			return nil, ErrConflict
		}
		return nil, err
	}
	return s.backend.GetSession(ctx, sess.ID)
}

// GetSession returns a copy of the committed session, or nil.
func (s *Store) GetSession(ctx context.Context, id string) (*model.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.backend.GetSession(ctx, id)
}

// Exists reports whether id is taken, including retired ids.
func (s *Store) Exists(ctx context.Context, id string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if _, ok := s.retired[id]; ok {
		return true, nil
	}
	sess, err := s.backend.GetSession(ctx, id)
	return sess != nil, err
}

func (s *Store) ListSessions(ctx context.Context, limit, offset int) ([]*model.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.backend.ListSessions(ctx, limit, offset)
}

func (s *Store) Stats(ctx context.Context) (db.Stats, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.backend.Stats(ctx)
}

func (s *Store) UpdateSession(ctx context.Context, id string, patch model.SessionPatch) (*model.Session, error) {
	return s.mutate(ctx, id, func() error {
		_, err := s.backend.UpdateSession(ctx, id, patch)
		return err
	})
}

// DeleteSession removes the session with its users and listeners.
func (s *Store) DeleteSession(ctx context.Context, id string) (bool, error) {
	return s.DeleteSessionIf(ctx, id, nil)
}

// DeleteSessionIf deletes the session only when cond reports true for its
// committed state. cond runs under the write lock, so no mutation can land
// between the check and the delete. A nil cond deletes unconditionally.
func (s *Store) DeleteSessionIf(ctx context.Context, id string, cond func(*model.Session) bool) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if cond != nil {
		current, err := s.backend.GetSession(ctx, id)
		if err != nil {
			return false, err
		}
		if current == nil || !cond(current) {
			return false, nil
		}
	}

	deleted, err := s.backend.DeleteSession(ctx, id)
	if err != nil {
		return false, err
	}
	if deleted {
		s.retired[id] = struct{}{}
		s.registry.Clear(id)
	}
	return deleted, nil
}

// AddUser appends user. It returns nil without error when the session
// does not exist.
func (s *Store) AddUser(ctx context.Context, sessionID string, user model.User) (*model.Session, error) {
	return s.mutate(ctx, sessionID, func() error {
		_, err := s.backend.AddUser(ctx, sessionID, user)
		return err
	})
}

// RemoveUser drops the user. Removing an absent user still returns the
// session and notifies.
func (s *Store) RemoveUser(ctx context.Context, sessionID, userID string) (*model.Session, error) {
	return s.mutate(ctx, sessionID, func() error {
		return s.backend.RemoveUser(ctx, sessionID, userID)
	})
}

// UpdateUser patches the user. A missing user is a silent no-op; the
// session is still returned and listeners still run.
func (s *Store) UpdateUser(ctx context.Context, sessionID, userID string, patch model.UserPatch) (*model.Session, error) {
	return s.mutate(ctx, sessionID, func() error {
		return s.backend.UpdateUser(ctx, sessionID, userID, patch)
	})
}

// UserFactory builds the user to admit given the committed session. It
// runs inside the store's critical section, so its checks hold at insert.
type UserFactory func(current *model.Session) (model.User, error)

// JoinUser admits the user produced by factory. Returns ErrNotFound when
// the session does not exist and any error from factory unchanged.
func (s *Store) JoinUser(ctx context.Context, sessionID string, factory UserFactory) (*model.User, *model.Session, error) {
	s.mu.Lock()
	current, err := s.backend.GetSession(ctx, sessionID)
	if err != nil {
		s.mu.Unlock()
		return nil, nil, err
	}
	if current == nil {
		s.mu.Unlock()
		return nil, nil, ErrNotFound
	}

	user, err := factory(current.Clone())
	if err != nil {
		s.mu.Unlock()
		return nil, nil, err
	}
	ok, err := s.backend.AddUser(ctx, sessionID, user)
	if err == nil && !ok {
		err = ErrNotFound
	}
	var snap *model.Session
	if err == nil {
		snap, err = s.backend.GetSession(ctx, sessionID)
	}
	s.mu.Unlock()

	if err != nil {
		return nil, nil, err
	}
	if snap != nil {
		s.notifyQuietly(ctx, sessionID)
	}
	return &user, snap, nil
}

// mutate runs apply and reads the result back under the write lock, then
// notifies once the lock is released.
func (s *Store) mutate(ctx context.Context, id string, apply func() error) (*model.Session, error) {
	s.mu.Lock()
	err := apply()
	var snap *model.Session
	if err == nil {
		snap, err = s.backend.GetSession(ctx, id)
	}
	s.mu.Unlock()

	if err != nil {
		return nil, err
	}
	if snap != nil {
		s.notifyQuietly(ctx, id)
	}
	return snap, nil
}

func (s *Store) notifyQuietly(ctx context.Context, id string) {
	// Failures were already logged per listener
	_ = s.Notify(ctx, id)
}

// Notify hands the current session to every listener and waits for all
// of them. Listeners run concurrently; each failure or panic is wrapped in
// a ListenerError, logged, and joined into the returned error. Nothing is
// invoked when the session no longer exists.
func (s *Store) Notify(ctx context.Context, sessionID string) error {
	listeners := s.registry.Listeners(sessionID)
	if len(listeners) == 0 {
		return nil
	}

	// The caller may go away once its mutation has committed
	ctx = context.WithoutCancel(ctx)

	snap, err := s.GetSession(ctx, sessionID)
	if err != nil {
		log.Printf("notify: failed to load session %s: %v", sessionID, err)
		return err
	}
	if snap == nil {
		return nil
	}

	errs := make([]error, len(listeners))
	var wg sync.WaitGroup
	for i, l := range listeners {
		wg.Add(1)
		go func(i int, l Listener) {
			defer wg.Done()
			defer func() {
				if r := recover(); r != nil {
					errs[i] = &ListenerError{SessionID: sessionID, Err: panicError{r}}
				}
			}()
			if err := l.OnSessionUpdate(ctx, snap.Clone()); err != nil {
				errs[i] = &ListenerError{SessionID: sessionID, Err: err}
			}
		}(i, l)
	}
	wg.Wait()

	for _, err := range errs {
		if err != nil {
			log.Printf("⚠️ %v", err)
		}
	}
	return errors.Join(errs...)
}
