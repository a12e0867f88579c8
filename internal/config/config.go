package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

const (
	BackendMemory = "memory"
	BackendSQLite = "sqlite"
	BackendMySQL  = "mysql"
	BackendRedis  = "redis"
)

// Config represents runtime configuration for the service.
type Config struct {
	Server   ServerConfig   `json:"server"`
	Database DatabaseConfig `json:"database"`
	Session  SessionConfig  `json:"session"`
}

type ServerConfig struct {
	Address     string   `json:"address"`
	APIPrefix   string   `json:"api_prefix"`
	CORSOrigins []string `json:"cors_origins"`
}

type DatabaseConfig struct {
	Backend    string      `json:"backend"`
	SQLitePath string      `json:"sqlite_path"`
	MySQLDSN   string      `json:"mysql_dsn"`
	Redis      RedisConfig `json:"redis"`
}

type RedisConfig struct {
	Addr     string `json:"addr"`
	Username string `json:"username"`
	Password string `json:"password"`
	DB       int    `json:"db"`
}

type SessionConfig struct {
	IDLength        int      `json:"id_length"`
	MaxUsers        int      `json:"max_users"`
	MaxCodeLength   int      `json:"max_code_length"`
	Timeout         Duration `json:"timeout"`
	JanitorInterval Duration `json:"janitor_interval"`
}

// Duration decodes from a Go duration string such as "60m".
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return fmt.Errorf("duration must be a string: %w", err)
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return err
	}
	d.Duration = parsed
	return nil
}

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(d.String())
}

func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Address:   ":8000",
			APIPrefix: "/api/v1",
			CORSOrigins: []string{
				"http://localhost:3000",
				"http://localhost:5173",
				"http://localhost:8080",
				"http://127.0.0.1:3000",
				"http://127.0.0.1:5173",
				"http://127.0.0.1:8080",
			},
		},
		Database: DatabaseConfig{
			Backend:    BackendSQLite,
			SQLitePath: "./data/codecollab.db",
			Redis:      RedisConfig{Addr: "127.0.0.1:6379"},
		},
		Session: SessionConfig{
			IDLength:        8,
			MaxUsers:        10,
			MaxCodeLength:   10000,
			Timeout:         Duration{60 * time.Minute},
			JanitorInterval: Duration{5 * time.Minute},
		},
	}
}

// Load starts from Default, overlays the JSON file at path (if path is
// empty and config.json is missing, the file is skipped), then applies
// environment overrides.
func Load(path string) (*Config, error) {
	cfg := Default()

	explicit := path != ""
	if !explicit {
		path = "config.json"
	}

	absPath, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("resolve config path: %w", err)
	}

	file, err := os.Open(absPath)
	switch {
	case err == nil:
		defer file.Close()
		if err := json.NewDecoder(file).Decode(cfg); err != nil {
			return nil, fmt.Errorf("decode config: %w", err)
		}
		if cfg.Database.SQLitePath != "" && !filepath.IsAbs(cfg.Database.SQLitePath) {
			cfg.Database.SQLitePath = filepath.Join(filepath.Dir(absPath), cfg.Database.SQLitePath)
		}
	case errors.Is(err, os.ErrNotExist) && !explicit:
	default:
		return nil, fmt.Errorf("open config %s: %w", absPath, err)
	}

	if err := cfg.applyEnv(os.Getenv); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv(getenv func(string) string) error {
	if port := strings.TrimSpace(getenv("PORT")); port != "" {
		c.Server.Address = ":" + port
	}
	if v := getenv("COLLAB_BACKEND"); v != "" {
		c.Database.Backend = strings.ToLower(v)
	}
	if v := getenv("COLLAB_DB_PATH"); v != "" {
		c.Database.SQLitePath = v
	}
	if v := getenv("COLLAB_MYSQL_DSN"); v != "" {
		c.Database.MySQLDSN = v
	}
	if v := getenv("COLLAB_REDIS_ADDR"); v != "" {
		c.Database.Redis.Addr = v
	}
	if v := getenv("COLLAB_REDIS_PASSWORD"); v != "" {
		c.Database.Redis.Password = v
	}
	if v := getenv("COLLAB_CORS_ORIGINS"); v != "" {
		c.Server.CORSOrigins = strings.Split(v, ",")
	}
	if v := getenv("COLLAB_MAX_USERS"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("COLLAB_MAX_USERS: %w", err)
		}
		c.Session.MaxUsers = n
	}
	if v := getenv("COLLAB_SESSION_TIMEOUT"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("COLLAB_SESSION_TIMEOUT: %w", err)
		}
		c.Session.Timeout = Duration{d}
	}
	return nil
}

func (c *Config) Validate() error {
	switch c.Database.Backend {
	case BackendMemory:
	case BackendSQLite:
		if c.Database.SQLitePath == "" {
			return errors.New("database.sqlite_path must be configured")
		}
	case BackendMySQL:
		if c.Database.MySQLDSN == "" {
			return errors.New("database.mysql_dsn must be configured")
		}
	case BackendRedis:
		if c.Database.Redis.Addr == "" {
			return errors.New("database.redis.addr must be configured")
		}
	default:
		return fmt.Errorf("unsupported backend: %s", c.Database.Backend)
	}
	if c.Session.IDLength <= 0 {
		return errors.New("session.id_length must be positive")
	}
	if c.Session.MaxCodeLength <= 0 {
		return errors.New("session.max_code_length must be positive")
	}
	if c.Session.Timeout.Duration <= 0 || c.Session.JanitorInterval.Duration <= 0 {
		return errors.New("session.timeout and session.janitor_interval must be positive")
	}
	return nil
}
