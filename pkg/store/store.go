package store

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/glebarez/sqlite"
	"go.uber.org/zap"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

var (
	// ErrNotFound is returned when a vote record or proposal does not exist.
	ErrNotFound = errors.New("store: not found")

	// ErrDuplicateVote is returned when a (proposal, subject) pair already has
	// a vote record and the request carried no matching idempotency token.
	ErrDuplicateVote = errors.New("store: duplicate vote for proposal and subject")

	// ErrTerminalConflict is returned when a transition targets a record that
	// already reached the opposite terminal state.
	ErrTerminalConflict = errors.New("store: conflicting terminal state")

	// ErrProposalClosed is returned when creating a vote against a proposal
	// that is no longer open.
	ErrProposalClosed = errors.New("store: proposal is not open")

	// ErrProposalExists is returned when registering a proposal id twice.
	ErrProposalExists = errors.New("store: proposal already exists")
)

// Store owns the vote records, the idempotency reservations and the consumed
// slice of proposal state.
type Store struct {
	db     *gorm.DB
	logger *zap.Logger
}

// New opens the sqlite-backed store. An empty dataDir uses a shared in-memory
// database, which is how tests run.
func New(dataDir string, logger *zap.Logger) (*Store, error) {
	var db *gorm.DB
	var err error
	gormCfg := &gorm.Config{
		Logger:                 gormlogger.Discard,
		SkipDefaultTransaction: true,
		TranslateError:         true,
	}
	if dataDir == "" {
		// cache=shared lets every connection see the same in-memory database
		db, err = gorm.Open(sqlite.Open("file::memory:?cache=shared"), gormCfg)
		if err != nil {
			return nil, err
		}
	} else {
		if _, err := os.Stat(dataDir); err != nil {
			if !errors.Is(err, fs.ErrNotExist) {
				return nil, fmt.Errorf("failed to read data dir: %w", err)
			}
			if err := os.MkdirAll(dataDir, fs.ModePerm); err != nil {
				return nil, fmt.Errorf("failed to create data dir: %w", err)
			}
		}
		dbPath := filepath.Join(dataDir, "votes.sqlite")
		// WAL keeps the enqueue path writable while workers read
		connOpts := "_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)"
		db, err = gorm.Open(sqlite.Open(fmt.Sprintf("file:%s?%s", dbPath, connOpts)), gormCfg)
		if err != nil {
			return nil, err
		}
	}

	s := &Store{db: db, logger: logger}
	for _, model := range MigrateModels {
		if err := db.AutoMigrate(model); err != nil {
			return nil, fmt.Errorf("migrate %T: %w", model, err)
		}
	}
	return s, nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// isUniqueViolation reports whether err is a unique-constraint failure.
// gorm's sqlite translator covers most cases; the string check catches the
// driver error shape that slips through.
func isUniqueViolation(err error) bool {
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint")
}
