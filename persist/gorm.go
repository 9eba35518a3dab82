package persist

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/trickstertwo/xlog"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
)

// Drivers understood by Open.
const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

// Config selects and tunes the database behind a Manager.
type Config struct {
	Driver          string        `yaml:"driver"`
	DSN             string        `yaml:"dsn"`
	MaxOpenConns    int           `yaml:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
	BusyTimeout     time.Duration `yaml:"busy_timeout"`
	SlowQuery       time.Duration `yaml:"slow_query"`
	PingTimeout     time.Duration `yaml:"ping_timeout"`

	Logger *xlog.Logger `yaml:"-"`
}

// Defaults fills zero fields. SQLite gets a single connection so writers
// never contend for the file lock.
func (c Config) Defaults() Config {
	if c.Driver == "" {
		c.Driver = DriverSQLite
	}
	if c.DSN == "" && c.Driver == DriverSQLite {
		c.DSN = "xpos.db"
	}
	if c.MaxOpenConns <= 0 {
		if c.Driver == DriverSQLite {
			c.MaxOpenConns = 1
		} else {
			c.MaxOpenConns = 10
		}
	}
	if c.MaxIdleConns <= 0 {
		c.MaxIdleConns = c.MaxOpenConns
	}
	if c.ConnMaxLifetime <= 0 {
		c.ConnMaxLifetime = time.Hour
	}
	if c.BusyTimeout <= 0 {
		c.BusyTimeout = 5 * time.Second
	}
	if c.SlowQuery <= 0 {
		c.SlowQuery = 200 * time.Millisecond
	}
	if c.PingTimeout <= 0 {
		c.PingTimeout = 5 * time.Second
	}
	return c
}

func (c Config) Validate() error {
	switch c.Driver {
	case DriverSQLite, DriverPostgres:
	default:
		return fmt.Errorf("persist: unsupported driver %q", c.Driver)
	}
	if c.DSN == "" {
		return errors.New("persist: dsn is required")
	}
	return nil
}

func (c Config) dialector() gorm.Dialector {
	if c.Driver == DriverPostgres {
		return postgres.Open(c.DSN)
	}
	dsn := c.DSN
	if !strings.Contains(dsn, "?") {
		dsn += fmt.Sprintf("?_pragma=busy_timeout(%d)&_pragma=journal_mode(WAL)&_pragma=foreign_keys(ON)",
			c.BusyTimeout.Milliseconds())
	}
	return sqlite.Open(dsn)
}

// Manager is the GORM-backed Factory. It is built once at startup and passed
// to whoever needs persistence.
type Manager struct {
	db *gorm.DB
}

var _ Factory = (*Manager)(nil)

// NewManager wraps an open GORM handle.
func NewManager(db *gorm.DB) *Manager { return &Manager{db: db} }

// Open connects to the configured database and verifies it answers.
func Open(ctx context.Context, cfg Config) (*Manager, error) {
	cfg = cfg.Defaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	lg := cfg.Logger
	if lg == nil {
		lg = xlog.Default()
	}

	db, err := gorm.Open(cfg.dialector(), &gorm.Config{
		Logger:         newGormLogger(lg, cfg.SlowQuery),
		TranslateError: true,
	})
	if err != nil {
		return nil, fmt.Errorf("persist: open %s: %w", cfg.Driver, err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("persist: sql db: %w", err)
	}
	sqlDB.SetMaxOpenConns(cfg.MaxOpenConns)
	sqlDB.SetMaxIdleConns(cfg.MaxIdleConns)
	sqlDB.SetConnMaxLifetime(cfg.ConnMaxLifetime)

	pingCtx, cancel := context.WithTimeout(ctx, cfg.PingTimeout)
	defer cancel()
	if err := sqlDB.PingContext(pingCtx); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("persist: ping %s: %w", cfg.Driver, err)
	}
	lg.Info().Str("driver", cfg.Driver).Msg("database connected")
	return &Manager{db: db}, nil
}

// DB returns the underlying handle, for schema work outside a unit of work.
func (m *Manager) DB() *gorm.DB { return m.db }

// Ping checks the database connection.
func (m *Manager) Ping(ctx context.Context) error {
	sqlDB, err := m.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

// Close releases the connection pool.
func (m *Manager) Close() error {
	sqlDB, err := m.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func (m *Manager) Acquire(ctx context.Context) (Context, error) {
	if m == nil || m.db == nil {
		return nil, errors.New("persist: manager not opened")
	}
	return &gormContext{root: m.db.WithContext(ctx)}, nil
}

// gormContext binds one GORM transaction at a time.
type gormContext struct {
	root   *gorm.DB
	tx     *gorm.DB
	closed bool
}

func (c *gormContext) Transaction() Transaction { return gormTx{c} }

func (c *gormContext) handle() (*gorm.DB, error) {
	if c.closed {
		return nil, ErrContextClosed
	}
	if c.tx != nil {
		return c.tx, nil
	}
	return c.root, nil
}

func (c *gormContext) Persist(v any) error {
	db, err := c.handle()
	if err != nil {
		return err
	}
	return db.Create(v).Error
}

func (c *gormContext) Refresh(v any) error {
	db, err := c.handle()
	if err != nil {
		return err
	}
	return db.First(v).Error
}

func (c *gormContext) Query() *gorm.DB {
	db, err := c.handle()
	if err != nil {
		db = c.root.Session(&gorm.Session{NewDB: true})
		_ = db.AddError(err)
	}
	return db
}

// Close rolls back a transaction left open and invalidates the context.
func (c *gormContext) Close() error {
	if c.closed {
		return ErrContextClosed
	}
	c.closed = true
	if c.tx != nil {
		err := c.tx.Rollback().Error
		c.tx = nil
		return err
	}
	return nil
}

type gormTx struct {
	c *gormContext
}

func (t gormTx) Begin() error {
	if t.c.closed {
		return ErrContextClosed
	}
	if t.c.tx != nil {
		return errors.New("persist: transaction already active")
	}
	tx := t.c.root.Begin()
	if tx.Error != nil {
		return tx.Error
	}
	t.c.tx = tx
	return nil
}

func (t gormTx) Commit() error {
	tx, err := t.active()
	if err != nil {
		return err
	}
	t.c.tx = nil
	return tx.Commit().Error
}

func (t gormTx) Rollback() error {
	tx, err := t.active()
	if err != nil {
		return err
	}
	t.c.tx = nil
	return tx.Rollback().Error
}

func (t gormTx) IsActive() bool { return !t.c.closed && t.c.tx != nil }

func (t gormTx) active() (*gorm.DB, error) {
	if t.c.closed {
		return nil, ErrContextClosed
	}
	if t.c.tx == nil {
		return nil, errors.New("persist: no active transaction")
	}
	return t.c.tx, nil
}
