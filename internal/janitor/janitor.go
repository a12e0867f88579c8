package janitor

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/manpreetbhatti/codecollab/backend/internal/model"
)

type Config struct {
	Interval  time.Duration
	IdleAfter time.Duration
	BatchSize int
}

func DefaultConfig() Config {
	return Config{
		Interval:  5 * time.Minute,
		IdleAfter: 60 * time.Minute,
		BatchSize: 1000,
	}
}

// Sessions is what the janitor needs from the store.
type Sessions interface {
	ListSessions(ctx context.Context, limit, offset int) ([]*model.Session, error)
	// DeleteSessionIf deletes only when cond still holds at delete time.
	DeleteSessionIf(ctx context.Context, id string, cond func(*model.Session) bool) (bool, error)
}

// Connections reports and drops live clients of a session.
type Connections interface {
	ConnectionCount(sessionID string) int
	CloseSession(sessionID string)
}

// Service periodically deletes sessions nobody has touched for IdleAfter
// and that have no live connections.
type Service struct {
	sessions Sessions
	conns    Connections
	config   Config
	now      func() time.Time
	stop     chan struct{}
	wg       sync.WaitGroup
}

func New(sessions Sessions, conns Connections, config Config) *Service {
	if config.BatchSize <= 0 {
		config.BatchSize = DefaultConfig().BatchSize
	}
	return &Service{
		sessions: sessions,
		conns:    conns,
		config:   config,
		now:      time.Now,
		stop:     make(chan struct{}),
	}
}

func (s *Service) Start() {
	s.wg.Add(1)
	go s.run()
	log.Printf("🧹 Janitor started (interval: %v, idle after: %v)", s.config.Interval, s.config.IdleAfter)
}

func (s *Service) Stop() {
	close(s.stop)
	s.wg.Wait()
	log.Println("🧹 Janitor stopped")
}

func (s *Service) run() {
	defer s.wg.Done()

	ticker := time.NewTicker(s.config.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stop:
			return
		case <-ticker.C:
			s.Sweep(context.Background())
		}
	}
}

// Sweep runs one pass and returns how many sessions were removed.
func (s *Service) Sweep(ctx context.Context) int {
	cutoff := s.now().Add(-s.config.IdleAfter).UnixMilli()

	var idle []string
	for offset := 0; ; offset += s.config.BatchSize {
		batch, err := s.sessions.ListSessions(ctx, s.config.BatchSize, offset)
		if err != nil {
			log.Printf("Janitor: failed to list sessions: %v", err)
			return 0
		}
		for _, sess := range batch {
			if s.isIdle(sess, cutoff) {
				idle = append(idle, sess.ID)
			}
		}
		if len(batch) < s.config.BatchSize {
			break
		}
	}

	// Deleting while paging would shift offsets, so collect first. The
	// listing may be stale by now; idleness is checked again at delete time.
	removed := 0
	for _, id := range idle {
		deleted, err := s.sessions.DeleteSessionIf(ctx, id, func(current *model.Session) bool {
			return s.isIdle(current, cutoff)
		})
		if err != nil {
			log.Printf("Janitor: failed to delete session %s: %v", id, err)
			continue
		}
		if deleted {
			s.conns.CloseSession(id)
			removed++
		}
	}

	if removed > 0 {
		log.Printf("🧹 Removed %d idle sessions", removed)
	}
	return removed
}

func (s *Service) isIdle(sess *model.Session, cutoff int64) bool {
	return sess.LastActive() < cutoff && s.conns.ConnectionCount(sess.ID) == 0
}
