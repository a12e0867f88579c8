package janitor

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/go-playground/assert/v2"

	"github.com/manpreetbhatti/codecollab/backend/internal/db"
	"github.com/manpreetbhatti/codecollab/backend/internal/model"
	"github.com/manpreetbhatti/codecollab/backend/internal/store"
)

type fakeConns struct {
	live   map[string]int
	closed []string
}

func (f *fakeConns) ConnectionCount(id string) int { return f.live[id] }
func (f *fakeConns) CloseSession(id string) { f.closed = append(f.closed, id) }

func TestSweepRemovesIdleSessions(t *testing.T) {
	st := store.New(db.NewMemory())
	ctx := context.Background()
	now := time.Now()
	old := now.Add(-2 * time.Hour).UnixMilli()

	mk := func(id string, createdAt int64, users ...model.User) {
		if users == nil {
			users = []model.User{}
		}
		_, err := st.CreateSession(ctx, &model.Session{ID: id, Language: "go", CreatedAt: createdAt, Users: users})
		if err != nil {
			t.Fatalf("Failed to create session: %v", err)
		}
	}
	mk("stale001", old)
	mk("fresh001", now.UnixMilli())
	mk("active01", old, model.User{ID: "u1", Username: "amy", LastActivity: now.UnixMilli()})
	mk("watched1", old)

	conns := &fakeConns{live: map[string]int{"watched1": 1}}
	j := New(st, conns, Config{Interval: time.Hour, IdleAfter: time.Hour, BatchSize: 2})
	j.now = func() time.Time { return now }

	assert.Equal(t, j.Sweep(ctx), 1)
	assert.Equal(t, conns.closed, []string{"stale001"})

	for _, id := range []string{"fresh001", "active01", "watched1"} {
		if s, _ := st.GetSession(ctx, id); s == nil {
			t.Errorf("Session %s should have been kept", id)
		}
	}
	if s, _ := st.GetSession(ctx, "stale001"); s != nil {
		t.Error("Idle session should have been removed")
	}
}

func TestSweepPagesThroughAllSessions(t *testing.T) {
	st := store.New(db.NewMemory())
	ctx := context.Background()
	for i := 0; i < 7; i++ {
		st.CreateSession(ctx, &model.Session{ID: fmt.Sprintf("page%04d", i), CreatedAt: int64(i), Users: []model.User{}})
	}

	j := New(st, &fakeConns{}, Config{Interval: time.Hour, IdleAfter: time.Minute, BatchSize: 3})
	assert.Equal(t, j.Sweep(ctx), 7)

	stats, _ := st.Stats(ctx)
	assert.Equal(t, stats.Sessions, 0)
}

func TestStartStop(t *testing.T) {
	j := New(store.New(db.NewMemory()), &fakeConns{}, Config{Interval: 10 * time.Millisecond, IdleAfter: time.Minute})
	j.Start()
	time.Sleep(30 * time.Millisecond)
	j.Stop()
}

// lateActivity lets the wrapped store list sessions, then runs touch
// before the janitor gets to delete anything.
type lateActivity struct {
	*store.Store
	touch func()
}

func (l *lateActivity) ListSessions(ctx context.Context, limit, offset int) ([]*model.Session, error) {
	sessions, err := l.Store.ListSessions(ctx, limit, offset)
	if l.touch != nil {
		l.touch()
		l.touch = nil
	}
	return sessions, err
}

func TestSweepKeepsSessionsTouchedAfterListing(t *testing.T) {
	st := store.New(db.NewMemory())
	ctx := context.Background()
	now := time.Now()
	old := now.Add(-2 * time.Hour).UnixMilli()
	for _, id := range []string{"joined01", "dialed01"} {
		if _, err := st.CreateSession(ctx, &model.Session{ID: id, CreatedAt: old, Users: []model.User{}}); err != nil {
			t.Fatalf("Failed to create session: %v", err)
		}
	}

	conns := &fakeConns{live: map[string]int{}}
	src := &lateActivity{Store: st, touch: func() {
		st.AddUser(ctx, "joined01", model.User{ID: "u1", Username: "bob", LastActivity: now.UnixMilli()})
		conns.live["dialed01"] = 1
	}}

	j := New(src, conns, Config{Interval: time.Hour, IdleAfter: time.Hour})
	j.now = func() time.Time { return now }

	assert.Equal(t, j.Sweep(ctx), 0)
	assert.Equal(t, len(conns.closed), 0)
	for _, id := range []string{"joined01", "dialed01"} {
		if s, _ := st.GetSession(ctx, id); s == nil {
			t.Errorf("Session %s should have been kept", id)
		}
	}
}
