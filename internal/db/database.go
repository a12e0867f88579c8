package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"math"
	"os"
	"path/filepath"
	"strings"

	"github.com/go-sql-driver/mysql"
	"github.com/manpreetbhatti/codecollab/backend/internal/model"
	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"
)

const (
	DialectSQLite = "sqlite"
	DialectMySQL  = "mysql"
)

// Database is the SQL-backed Backend. SQLite and MySQL share every
// statement except the schema.
type Database struct {
	db      *sql.DB
	dialect string
}

// NewSQLite opens (creating if needed) a SQLite database file.
func NewSQLite(dbPath string) (*Database, error) {
	// Ensure directory exists
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, err
	}

	// One connection keeps per-connection pragmas in effect and avoids
	// SQLITE_BUSY between our own writers.
	db.SetMaxOpenConns(1)

	// Enable WAL mode for better concurrency
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, err
	}
	if _, err := db.Exec("PRAGMA foreign_keys = ON"); err != nil {
		db.Close()
		return nil, err
	}

	if err := createTables(db, DialectSQLite); err != nil {
		db.Close()
		return nil, err
	}

	log.Printf("Database initialized at %s", dbPath)
	return &Database{db: db, dialect: DialectSQLite}, nil
}

// NewMySQL connects to MySQL with a go-sql-driver DSN.
func NewMySQL(dsn string) (*Database, error) {
	cfg, err := mysql.ParseDSN(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse mysql dsn: %w", err)
	}
	db, err := sql.Open("mysql", cfg.FormatDSN())
	if err != nil {
		return nil, fmt.Errorf("open mysql database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	if err := createTables(db, DialectMySQL); err != nil {
		db.Close()
		return nil, err
	}

	log.Printf("Database initialized at mysql://%s/%s", cfg.Addr, cfg.DBName)
	return &Database{db: db, dialect: DialectMySQL}, nil
}

func createTables(db *sql.DB, dialect string) error {
	var stmts []string
	switch dialect {
	case DialectSQLite:
		stmts = []string{
			`CREATE TABLE IF NOT EXISTS sessions (
				id TEXT PRIMARY KEY,
				code TEXT NOT NULL,
				language TEXT NOT NULL,
				created_at INTEGER NOT NULL,
				last_modified_by TEXT NOT NULL DEFAULT ''
			)`,
			`CREATE TABLE IF NOT EXISTS users (
				session_id TEXT NOT NULL,
				id TEXT NOT NULL,
				seq INTEGER NOT NULL,
				username TEXT NOT NULL,
				color TEXT NOT NULL,
				is_typing BOOLEAN NOT NULL DEFAULT FALSE,
				last_activity INTEGER NOT NULL,
				PRIMARY KEY (session_id, id),
				FOREIGN KEY (session_id) REFERENCES sessions(id) ON DELETE CASCADE
			)`,
			`CREATE INDEX IF NOT EXISTS idx_users_session_seq ON users(session_id, seq)`,
			`CREATE INDEX IF NOT EXISTS idx_sessions_created_at ON sessions(created_at DESC)`,
		}
	case DialectMySQL:
		stmts = []string{
			`CREATE TABLE IF NOT EXISTS sessions (
				id VARCHAR(64) NOT NULL,
				code MEDIUMTEXT NOT NULL,
				language VARCHAR(32) NOT NULL,
				created_at BIGINT NOT NULL,
				last_modified_by VARCHAR(64) NOT NULL DEFAULT '',
				PRIMARY KEY (id),
				INDEX idx_sessions_created_at (created_at)
			) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4`,
			`CREATE TABLE IF NOT EXISTS users (
				session_id VARCHAR(64) NOT NULL,
				id VARCHAR(64) NOT NULL,
				seq BIGINT NOT NULL,
				username VARCHAR(255) NOT NULL,
				color VARCHAR(64) NOT NULL,
				is_typing BOOLEAN NOT NULL DEFAULT FALSE,
				last_activity BIGINT NOT NULL,
				PRIMARY KEY (session_id, id),
				INDEX idx_users_session_seq (session_id, seq),
				CONSTRAINT fk_users_session FOREIGN KEY (session_id) REFERENCES sessions(id) ON DELETE CASCADE
			) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4`,
		}
	default:
		return fmt.Errorf("unsupported dialect: %s", dialect)
	}

	for _, stmt := range stmts {
		if _, err := db.Exec(stmt); err != nil {
			return fmt.Errorf("create tables: %w", err)
		}
	}
	return nil
}

func (d *Database) Close() error {
	return d.db.Close()
}

func (d *Database) isDuplicate(err error) bool {
	var myErr *mysql.MySQLError
	if errors.As(err, &myErr) {
		return myErr.Number == 1062
	}
	var liteErr *sqlite.Error
	if errors.As(err, &liteErr) {
		return liteErr.Code()&0xff == sqlite3.SQLITE_CONSTRAINT
	}
	return false
}

// Session operations

func (d *Database) CreateSession(ctx context.Context, s *model.Session) error {
	tx, err := d.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx,
		"INSERT INTO sessions (id, code, language, created_at, last_modified_by) VALUES (?, ?, ?, ?, ?)",
		s.ID, s.Code, s.Language, s.CreatedAt, s.LastModifiedBy,
	)
	if err != nil {
		if d.isDuplicate(err) {
			return ErrDuplicate
		}
		return err
	}

	for i, u := range s.Users {
		if err := insertUser(ctx, tx, s.ID, int64(i+1), u); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func (d *Database) GetSession(ctx context.Context, id string) (*model.Session, error) {
	row := d.db.QueryRowContext(ctx,
		"SELECT id, code, language, created_at, last_modified_by FROM sessions WHERE id = ?",
		id,
	)

	var s model.Session
	err := row.Scan(&s.ID, &s.Code, &s.Language, &s.CreatedAt, &s.LastModifiedBy)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	users, err := d.listUsers(ctx, id)
	if err != nil {
		return nil, err
	}
	s.Users = users
	return &s, nil
}

func (d *Database) listUsers(ctx context.Context, sessionID string) ([]model.User, error) {
	rows, err := d.db.QueryContext(ctx,
		"SELECT id, username, color, is_typing, last_activity FROM users WHERE session_id = ? ORDER BY seq ASC",
		sessionID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	users := make([]model.User, 0)
	for rows.Next() {
		var u model.User
		if err := rows.Scan(&u.ID, &u.Username, &u.Color, &u.IsTyping, &u.LastActivity); err != nil {
			return nil, err
		}
		users = append(users, u)
	}
	return users, rows.Err()
}

func (d *Database) ListSessions(ctx context.Context, limit, offset int) ([]*model.Session, error) {
	// Neither dialect accepts OFFSET alone; a non-positive limit means all
	if limit <= 0 {
		limit = math.MaxInt32
	}
	rows, err := d.db.QueryContext(ctx,
		"SELECT id FROM sessions ORDER BY created_at DESC, id ASC LIMIT ? OFFSET ?",
		limit, offset,
	)
	if err != nil {
		return nil, err
	}

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, err
		}
		ids = append(ids, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	sessions := make([]*model.Session, 0, len(ids))
	for _, id := range ids {
		s, err := d.GetSession(ctx, id)
		if err != nil {
			return nil, err
		}
		if s != nil {
			sessions = append(sessions, s)
		}
	}
	return sessions, nil
}

func (d *Database) sessionExists(ctx context.Context, q queryer, id string) (bool, error) {
	var one int
	err := q.QueryRowContext(ctx, "SELECT 1 FROM sessions WHERE id = ?", id).Scan(&one)
	if err == sql.ErrNoRows {
		return false, nil
	}
	return err == nil, err
}

func (d *Database) UpdateSession(ctx context.Context, id string, patch model.SessionPatch) (bool, error) {
	exists, err := d.sessionExists(ctx, d.db, id)
	if err != nil || !exists {
		return false, err
	}

	var fields []string
	var values []any
	if patch.Code != nil {
		fields = append(fields, "code = ?")
		values = append(values, *patch.Code)
	}
	if patch.Language != nil {
		fields = append(fields, "language = ?")
		values = append(values, *patch.Language)
	}
	if patch.CreatedAt != nil {
		fields = append(fields, "created_at = ?")
		values = append(values, *patch.CreatedAt)
	}
	if patch.LastModifiedBy != nil {
		fields = append(fields, "last_modified_by = ?")
		values = append(values, *patch.LastModifiedBy)
	}
	if len(fields) == 0 {
		return true, nil
	}

	values = append(values, id)
	query := "UPDATE sessions SET " + strings.Join(fields, ", ") + " WHERE id = ?"
	if _, err := d.db.ExecContext(ctx, query, values...); err != nil {
		return false, err
	}
	return true, nil
}

func (d *Database) DeleteSession(ctx context.Context, id string) (bool, error) {
	tx, err := d.db.BeginTx(ctx, nil)
	if err != nil {
		return false, err
	}
	defer tx.Rollback()

	// Explicit so the result does not depend on foreign_keys being enabled
	if _, err := tx.ExecContext(ctx, "DELETE FROM users WHERE session_id = ?", id); err != nil {
		return false, err
	}
	result, err := tx.ExecContext(ctx, "DELETE FROM sessions WHERE id = ?", id)
	if err != nil {
		return false, err
	}
	n, err := result.RowsAffected()
	if err != nil {
		return false, err
	}
	if err := tx.Commit(); err != nil {
		return false, err
	}
	return n > 0, nil
}

// User operations

type queryer interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type execer interface {
	queryer
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func insertUser(ctx context.Context, ex execer, sessionID string, seq int64, u model.User) error {
	_, err := ex.ExecContext(ctx,
		"INSERT INTO users (session_id, id, seq, username, color, is_typing, last_activity) VALUES (?, ?, ?, ?, ?, ?, ?)",
		sessionID, u.ID, seq, u.Username, u.Color, u.IsTyping, u.LastActivity,
	)
	return err
}

func (d *Database) AddUser(ctx context.Context, sessionID string, user model.User) (bool, error) {
	tx, err := d.db.BeginTx(ctx, nil)
	if err != nil {
		return false, err
	}
	defer tx.Rollback()

	exists, err := d.sessionExists(ctx, tx, sessionID)
	if err != nil || !exists {
		return false, err
	}

	var seq int64
	if err := tx.QueryRowContext(ctx,
		"SELECT COALESCE(MAX(seq), 0) + 1 FROM users WHERE session_id = ?",
		sessionID,
	).Scan(&seq); err != nil {
		return false, err
	}

	if err := insertUser(ctx, tx, sessionID, seq, user); err != nil {
		return false, err
	}
	return true, tx.Commit()
}

func (d *Database) RemoveUser(ctx context.Context, sessionID, userID string) error {
	_, err := d.db.ExecContext(ctx,
		"DELETE FROM users WHERE session_id = ? AND id = ?",
		sessionID, userID,
	)
	return err
}

func (d *Database) UpdateUser(ctx context.Context, sessionID, userID string, patch model.UserPatch) error {
	var fields []string
	var values []any
	if patch.Username != nil {
		fields = append(fields, "username = ?")
		values = append(values, *patch.Username)
	}
	if patch.Color != nil {
		fields = append(fields, "color = ?")
		values = append(values, *patch.Color)
	}
	if patch.IsTyping != nil {
		fields = append(fields, "is_typing = ?")
		values = append(values, *patch.IsTyping)
	}
	if patch.LastActivity != nil {
		fields = append(fields, "last_activity = ?")
		values = append(values, *patch.LastActivity)
	}
	if len(fields) == 0 {
		return nil
	}

	values = append(values, sessionID, userID)
	query := "UPDATE users SET " + strings.Join(fields, ", ") + " WHERE session_id = ? AND id = ?"
	_, err := d.db.ExecContext(ctx, query, values...)
	return err
}

// Stats

func (d *Database) Stats(ctx context.Context) (Stats, error) {
	var stats Stats
	if err := d.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM sessions").Scan(&stats.Sessions); err != nil {
		return Stats{}, err
	}
	if err := d.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM users").Scan(&stats.Users); err != nil {
		return Stats{}, err
	}
	return stats, nil
}
