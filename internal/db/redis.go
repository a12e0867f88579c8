package db

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/manpreetbhatti/codecollab/backend/internal/model"
	redis "github.com/redis/go-redis/v9"
)

const (
	redisKeyPrefix = "codecollab:session:"
	redisIndexKey  = "codecollab:sessions"
)

type RedisOptions struct {
	Addr     string
	Username string
	Password string
	DB       int
}

// Redis stores each session as one JSON document plus a sorted index
// keyed by creation time. Read-modify-write is safe only because the
// store serializes every mutation.
type Redis struct {
	client *redis.Client
}

func NewRedis(opts RedisOptions) (*Redis, error) {
	if opts.Addr == "" {
		opts.Addr = "127.0.0.1:6379"
	}
	client := redis.NewClient(&redis.Options{
		Addr:     opts.Addr,
		Username: opts.Username,
		Password: opts.Password,
		DB:       opts.DB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}

	log.Printf("Redis backend connected at %s (db %d)", opts.Addr, opts.DB)
	return &Redis{client: client}, nil
}

func sessionKey(id string) string {
	return redisKeyPrefix + id
}

func (r *Redis) load(ctx context.Context, id string) (*model.Session, error) {
	raw, err := r.client.Get(ctx, sessionKey(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var s model.Session
	if err := json.Unmarshal(raw, &s); err != nil {
		return nil, fmt.Errorf("decode session %s: %w", id, err)
	}
	if s.Users == nil {
		s.Users = make([]model.User, 0)
	}
	return &s, nil
}

func (r *Redis) save(ctx context.Context, s *model.Session) error {
	raw, err := json.Marshal(s)
	if err != nil {
		return err
	}
	return r.client.Set(ctx, sessionKey(s.ID), raw, 0).Err()
}

func (r *Redis) CreateSession(ctx context.Context, s *model.Session) error {
	raw, err := json.Marshal(s.Clone())
	if err != nil {
		return err
	}
	ok, err := r.client.SetNX(ctx, sessionKey(s.ID), raw, 0).Result()
	if err != nil {
		return err
	}
	if !ok {
		return ErrDuplicate
	}
	return r.client.ZAdd(ctx, redisIndexKey, redis.Z{Score: float64(s.CreatedAt), Member: s.ID}).Err()
}

func (r *Redis) GetSession(ctx context.Context, id string) (*model.Session, error) {
	return r.load(ctx, id)
}

func (r *Redis) ListSessions(ctx context.Context, limit, offset int) ([]*model.Session, error) {
	stop := int64(-1)
	if limit > 0 {
		stop = int64(offset + limit - 1)
	}
	ids, err := r.client.ZRevRange(ctx, redisIndexKey, int64(offset), stop).Result()
	if err != nil {
		return nil, err
	}

	sessions := make([]*model.Session, 0, len(ids))
	for _, id := range ids {
		s, err := r.load(ctx, id)
		if err != nil {
			return nil, err
		}
		if s != nil {
			sessions = append(sessions, s)
		}
	}
	return sessions, nil
}

func (r *Redis) UpdateSession(ctx context.Context, id string, patch model.SessionPatch) (bool, error) {
	s, err := r.load(ctx, id)
	if err != nil || s == nil {
		return false, err
	}
	if patch.Empty() {
		return true, nil
	}
	patch.Apply(s)
	if patch.CreatedAt != nil {
		if err := r.client.ZAdd(ctx, redisIndexKey, redis.Z{Score: float64(s.CreatedAt), Member: s.ID}).Err(); err != nil {
			return false, err
		}
	}
	return true, r.save(ctx, s)
}

func (r *Redis) DeleteSession(ctx context.Context, id string) (bool, error) {
	n, err := r.client.Del(ctx, sessionKey(id)).Result()
	if err != nil {
		return false, err
	}
	if err := r.client.ZRem(ctx, redisIndexKey, id).Err(); err != nil {
		return false, err
	}
	return n > 0, nil
}

func (r *Redis) AddUser(ctx context.Context, sessionID string, user model.User) (bool, error) {
	s, err := r.load(ctx, sessionID)
	if err != nil || s == nil {
		return false, err
	}
	s.Users = append(s.Users, user)
	return true, r.save(ctx, s)
}

func (r *Redis) RemoveUser(ctx context.Context, sessionID, userID string) error {
	s, err := r.load(ctx, sessionID)
	if err != nil || s == nil {
		return err
	}
	i := s.FindUser(userID)
	if i < 0 {
		return nil
	}
	s.Users = append(s.Users[:i], s.Users[i+1:]...)
	return r.save(ctx, s)
}

func (r *Redis) UpdateUser(ctx context.Context, sessionID, userID string, patch model.UserPatch) error {
	s, err := r.load(ctx, sessionID)
	if err != nil || s == nil {
		return err
	}
	i := s.FindUser(userID)
	if i < 0 || patch.Empty() {
		return nil
	}
	patch.Apply(&s.Users[i])
	return r.save(ctx, s)
}

func (r *Redis) Stats(ctx context.Context) (Stats, error) {
	ids, err := r.client.ZRange(ctx, redisIndexKey, 0, -1).Result()
	if err != nil {
		return Stats{}, err
	}
	stats := Stats{Sessions: len(ids)}
	for _, id := range ids {
		s, err := r.load(ctx, id)
		if err != nil {
			return Stats{}, err
		}
		if s != nil {
			stats.Users += len(s.Users)
		}
	}
	return stats, nil
}

func (r *Redis) Close() error {
	return r.client.Close()
}

// Raw exposes the underlying go-redis client.
func (r *Redis) Raw() *redis.Client {
	return r.client
}
