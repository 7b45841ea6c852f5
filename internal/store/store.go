// Package store persists accounts, rooms and message history in a SQL
// database through GORM.
package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

var (
	// ErrUnavailable matches every failure of the underlying database:
	// lost connections, failed queries, cancelled contexts.
	ErrUnavailable = errors.New("storage unavailable")
	// ErrNotFound is returned when a keyed record does not exist.
	ErrNotFound = errors.New("record not found")
	// ErrDuplicate is returned when an insert violates a unique key.
	ErrDuplicate = errors.New("record already exists")
)

// Error records a failed storage operation. It matches ErrUnavailable
// and unwraps to the driver error.
type Error struct {
	Op  string
	Err error
}

func (e *Error) Error() string {
	return "store: " + e.Op + ": " + e.Err.Error()
}

func (e *Error) Unwrap() error { return e.Err }

// Is reports ErrUnavailable as a match.
func (e *Error) Is(target error) bool {
	return target == ErrUnavailable
}

func unavailable(op string, err error) error {
	return &Error{Op: op, Err: err}
}

// Config holds database settings.
type Config struct {
	Path         string `yaml:"path"`
	HistoryLimit int    `yaml:"history_limit"`
	LogQueries   bool   `yaml:"log_queries"`
}

// DefaultConfig returns the default database settings.
func DefaultConfig() Config {
	return Config{
		Path:         "persistence.db",
		HistoryLimit: DefaultHistoryLimit,
	}
}

// DB owns the database handle and hands out the typed stores.
type DB struct {
	gorm *gorm.DB
	cfg  Config
	log  *zap.Logger
}

// Open connects to the sqlite database at cfg.Path and migrates the schema.
func Open(cfg Config, log *zap.Logger) (*DB, error) {
	if log == nil {
		log = zap.NewNop()
	}
	if cfg.Path == "" {
		cfg.Path = DefaultConfig().Path
	}
	if cfg.HistoryLimit <= 0 {
		cfg.HistoryLimit = DefaultHistoryLimit
	}

	level := logger.Silent
	if cfg.LogQueries {
		level = logger.Info
	}

	db, err := gorm.Open(sqlite.Open(dsn(cfg.Path)), &gorm.Config{
		Logger:         logger.Default.LogMode(level),
		TranslateError: true,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	if err := db.AutoMigrate(&Account{}, &Room{}, &Message{}); err != nil {
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	log.Info("database ready", zap.String("path", cfg.Path), zap.Int("history_limit", cfg.HistoryLimit))
	return &DB{gorm: db, cfg: cfg, log: log}, nil
}

// dsn enables WAL and a busy timeout so concurrent writers queue instead
// of failing with SQLITE_BUSY.
func dsn(path string) string {
	if path == ":memory:" {
		return "file::memory:?cache=shared&_busy_timeout=5000"
	}
	return "file:" + path + "?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=on"
}

// Accounts returns the account store.
func (d *DB) Accounts() *Accounts { return &Accounts{db: d.gorm} }

// Rooms returns the room registry.
func (d *DB) Rooms() *Rooms { return &Rooms{db: d.gorm} }

// History returns the message history store.
func (d *DB) History() *History { return &History{db: d.gorm, limit: d.cfg.HistoryLimit} }

// Ping checks that the database answers within ctx.
func (d *DB) Ping(ctx context.Context) error {
	sqlDB, err := d.gorm.DB()
	if err != nil {
		return unavailable("ping", err)
	}
	if err := sqlDB.PingContext(ctx); err != nil {
		return unavailable("ping", err)
	}
	return nil
}

// Close releases the underlying connection pool.
func (d *DB) Close(_ context.Context) error {
	sqlDB, err := d.gorm.DB()
	if err != nil {
		return err
	}
	d.log.Info("closing database", zap.String("path", d.cfg.Path))
	return sqlDB.Close()
}

// Account is a registered user. Username carries the unique index that
// makes concurrent first registrations safe.
type Account struct {
	ID        uint   `gorm:"primaryKey"`
	Username  string `gorm:"uniqueIndex;not null;type:text"`
	Password  string `gorm:"not null;type:text"`
	CreatedAt time.Time
}

// TableName returns the table name for Account.
func (Account) TableName() string { return "accounts" }

// Room is the metadata of a chat room.
type Room struct {
	ID        uint   `gorm:"primaryKey"`
	Name      string `gorm:"uniqueIndex;not null;type:text"`
	Topic     string `gorm:"type:text"`
	Owner     string `gorm:"type:text"`
	CreatedAt time.Time
	UpdatedAt time.Time
}

// TableName returns the table name for Room.
func (Room) TableName() string { return "rooms" }

// Message is one stored chat line. ID is the insertion order.
type Message struct {
	ID        uint   `gorm:"primaryKey;autoIncrement"`
	Room      string `gorm:"index:idx_messages_room;not null;type:text"`
	Sender    string `gorm:"type:text"`
	Content   string `gorm:"type:text"`
	Command   bool
	CreatedAt time.Time
}

// TableName returns the table name for Message.
func (Message) TableName() string { return "messages" }
