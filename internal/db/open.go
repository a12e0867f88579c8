package db

import (
	"fmt"

	"github.com/manpreetbhatti/codecollab/backend/internal/config"
)

// Open builds the backend selected by cfg.Backend.
func Open(cfg config.DatabaseConfig) (Backend, error) {
	switch cfg.Backend {
	case config.BackendMemory:
		return NewMemory(), nil
	case config.BackendSQLite:
		return NewSQLite(cfg.SQLitePath)
	case config.BackendMySQL:
		return NewMySQL(cfg.MySQLDSN)
	case config.BackendRedis:
		return NewRedis(RedisOptions{
			Addr:     cfg.Redis.Addr,
			Username: cfg.Redis.Username,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
	default:
		return nil, fmt.Errorf("unsupported backend: %s", cfg.Backend)
	}
}
