package database

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"tenant-backup/internal/config"
	"tenant-backup/internal/errors"
	"tenant-backup/internal/logging"

	"github.com/uptrace/bun"
	"github.com/uptrace/bun/dialect/mysqldialect"
	"github.com/uptrace/bun/dialect/pgdialect"
	"github.com/uptrace/bun/dialect/sqlitedialect"

	_ "github.com/go-sql-driver/mysql" // MySQL driver
	_ "github.com/jackc/pgx/v5/stdlib"  // PostgreSQL driver, registered as "pgx"
	_ "modernc.org/sqlite"              // SQLite driver
)

// Supported drivers
const (
	DriverSQLite   = "sqlite"
	DriverMySQL    = "mysql"
	DriverPostgres = "postgres"
)

// Store is the live multi-tenant database handle.
//
// Regular work holds the read side of mu. ReplaceFile holds the write side so
// that no query is in flight while the underlying file is swapped.
type Store struct {
	mu       sync.RWMutex
	db       *bun.DB
	driver   string
	dsn      string
	filePath string
	maxOpen  int
	logger   *logging.Logger
}

// Open connects to the configured database, retrying transient failures.
func Open(ctx context.Context, cfg config.DatabaseConfig, logger *logging.Logger) (*Store, error) {
	if logger == nil {
		logger = logging.NewDefaultLogger()
	}

	s := &Store{
		driver:   strings.ToLower(cfg.Driver),
		dsn:      cfg.DSN,
		filePath: cfg.FilePath,
		maxOpen:  cfg.MaxOpenConns,
		logger:   logger,
	}
	if s.driver == DriverSQLite && s.filePath == "" {
		s.filePath = strings.TrimPrefix(strings.SplitN(cfg.DSN, "?", 2)[0], "file:")
	}
	if s.driver == DriverSQLite {
		if err := os.MkdirAll(filepath.Dir(s.filePath), 0755); err != nil {
			return nil, errors.WrapError(err, "failed to create database directory")
		}
	}

	retry := errors.NewRetryHandler(errors.RetryConfig{
		MaxAttempts: 3,
		BaseDelay:   500 * time.Millisecond,
		MaxDelay:    5 * time.Second,
		Multiplier:  2.0,
	})

	err := retry.Retry(ctx, func() error {
		db, openErr := s.connect(ctx)
		if openErr != nil {
			return openErr
		}
		s.db = db
		return nil
	})
	if err != nil {
		return nil, err
	}

	logger.WithFields(map[string]interface{}{
		"driver": s.driver,
		"dsn":    logging.SanitizeDSN(s.openDSN()),
	}).Info("Database connection established")

	return s, nil
}

// NewStoreFromDB wraps an existing bun handle. The store is not file based.
func NewStoreFromDB(db *bun.DB, driver string, logger *logging.Logger) *Store {
	if logger == nil {
		logger = logging.NewNopLogger()
	}
	return &Store{db: db, driver: driver, logger: logger}
}

func (s *Store) openDSN() string {
	if s.driver == DriverSQLite {
		return sqliteDSN(s.filePath, false)
	}
	return s.dsn
}

func sqliteDSN(path string, readOnly bool) string {
	dsn := "file:" + path + "?_pragma=busy_timeout(5000)"
	if readOnly {
		dsn += "&mode=ro"
	}
	return dsn
}

func driverName(driver string) string {
	if driver == DriverPostgres {
		return "pgx"
	}
	return driver
}

func (s *Store) connect(ctx context.Context) (*bun.DB, error) {
	sqlDB, err := sql.Open(driverName(s.driver), s.openDSN())
	if err != nil {
		return nil, errors.WrapError(err, "failed to open database connection")
	}

	if s.driver == DriverSQLite {
		// one writer; callers inside a transaction must not touch the pool
		sqlDB.SetMaxOpenConns(1)
	} else if s.maxOpen > 0 {
		sqlDB.SetMaxOpenConns(s.maxOpen)
		sqlDB.SetMaxIdleConns(s.maxOpen / 2)
	}
	sqlDB.SetConnMaxLifetime(5 * time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := sqlDB.PingContext(pingCtx); err != nil {
		sqlDB.Close()
		return nil, errors.WrapError(err, "failed to ping database")
	}

	return newBunDB(sqlDB, s.driver), nil
}

func newBunDB(sqlDB *sql.DB, driver string) *bun.DB {
	switch driver {
	case DriverPostgres:
		return bun.NewDB(sqlDB, pgdialect.New())
	case DriverMySQL:
		return bun.NewDB(sqlDB, mysqldialect.New())
	default:
		return bun.NewDB(sqlDB, sqlitedialect.New())
	}
}

// OpenSQLiteFile opens a standalone sqlite file, e.g. a raw database artifact.
func OpenSQLiteFile(path string, readOnly bool) (*bun.DB, error) {
	sqlDB, err := sql.Open(DriverSQLite, sqliteDSN(path, readOnly))
	if err != nil {
		return nil, errors.WrapError(err, "failed to open sqlite file")
	}
	sqlDB.SetMaxOpenConns(1)
	return bun.NewDB(sqlDB, sqlitedialect.New()), nil
}

// Driver returns the configured driver name.
func (s *Store) Driver() string {
	return s.driver
}

// FileBased reports whether the store is a single on-disk file.
func (s *Store) FileBased() bool {
	return s.driver == DriverSQLite && s.filePath != ""
}

// FilePath returns the sqlite file path, or "" for server databases.
func (s *Store) FilePath() string {
	return s.filePath
}

// Run executes fn against the pool under the shared lock.
func (s *Store) Run(ctx context.Context, fn func(ctx context.Context, idb bun.IDB) error) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.db == nil {
		return fmt.Errorf("database is closed")
	}
	return fn(ctx, s.db)
}

// RunInTx executes fn inside one transaction. Any error rolls everything back.
func (s *Store) RunInTx(ctx context.Context, fn func(ctx context.Context, tx bun.Tx) error) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.db == nil {
		return fmt.Errorf("database is closed")
	}
	return s.db.RunInTx(ctx, &sql.TxOptions{}, fn)
}

// ReplaceFile closes the pool, lets fn overwrite the database file and reopens.
// The pool is reopened even when fn fails.
func (s *Store) ReplaceFile(ctx context.Context, fn func(path string) error) error {
	if !s.FileBased() {
		return fmt.Errorf("driver %s is not file based", s.driver)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.db != nil {
		if err := s.db.Close(); err != nil {
			return errors.WrapError(err, "failed to close database before file replacement")
		}
		s.db = nil
	}
	s.logger.WithField("path", s.filePath).Debug("Database pool closed for file replacement")

	fnErr := fn(s.filePath)

	db, err := s.connect(ctx)
	if err != nil {
		if fnErr != nil {
			return fmt.Errorf("%w (reopen also failed: %v)", fnErr, err)
		}
		return err
	}
	s.db = db
	s.logger.WithField("path", s.filePath).Debug("Database pool reopened")
	return fnErr
}

// ExportFile writes a consistent copy of a sqlite store to dest.
func (s *Store) ExportFile(ctx context.Context, dest string) error {
	if !s.FileBased() {
		return fmt.Errorf("driver %s is not file based", s.driver)
	}
	return s.Run(ctx, func(ctx context.Context, idb bun.IDB) error {
		quoted := strings.ReplaceAll(dest, "'", "''")
		_, err := idb.NewRaw("VACUUM INTO '" + quoted + "'").Exec(ctx)
		return err
	})
}

// Close releases the pool.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db == nil {
		return nil
	}
	err := s.db.Close()
	s.db = nil
	return err
}
