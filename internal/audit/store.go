package audit

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	_ "modernc.org/sqlite"
)

const maxRetries = 3

type SQLiteStore struct {
	db  *sql.DB
	now func() time.Time
}

func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	db, err := openDatabase(dbPath)
	if err != nil {
		return nil, err
	}

	store := newStore(db)

	if err := store.initializeSchema(); err != nil {
		db.Close()
		return nil, err
	}

	return store, nil
}

func newStore(db *sql.DB) *SQLiteStore {
	return &SQLiteStore{db: db, now: time.Now}
}

// Log appends an entry. A zero Timestamp is filled with the current time.
func (s *SQLiteStore) Log(ctx context.Context, e Entry) error {
	if err := validateEntry(e); err != nil {
		return err
	}

	if e.Timestamp.IsZero() {
		e.Timestamp = s.now()
	}
	e.Sender = strings.ToLower(e.Sender)

	return s.insertEntry(ctx, e)
}

func (s *SQLiteStore) GetAll(ctx context.Context) ([]Entry, error) {
	rows, err := s.queryAllEntries(ctx)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanEntries(rows)
}

// CountSince counts signed executes for sender on the chain since the given time.
func (s *SQLiteStore) CountSince(ctx context.Context, chainID uint64, sender common.Address, since time.Time) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, queryCountSigned,
		chainID, strings.ToLower(sender.Hex()), formatTimestamp(since)).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count signed entries: %w", err)
	}
	return n, nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) initializeSchema() error {
	for _, stmt := range schemaStatements() {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("execute schema: %w", err)
		}
	}
	return nil
}

func (s *SQLiteStore) insertEntry(ctx context.Context, e Entry) error {
	var err error

	for attempt := 0; attempt < maxRetries; attempt++ {
		_, err = s.db.ExecContext(ctx, queryInsertEntry,
			formatTimestamp(e.Timestamp), e.InvocationID, e.Mode, e.ChainID, e.Sender,
			string(e.Decision), e.PolicyID, e.Reason, string(e.Request))
		if err == nil {
			return nil
		}

		if !isLockError(err) {
			return fmt.Errorf("insert entry: %w", err)
		}

		// Linear backoff
		backoff := time.Duration(attempt+1) * 10 * time.Millisecond
		select {
		case <-time.After(backoff):
		case <-ctx.Done():
			return fmt.Errorf("insert entry: %w", ctx.Err())
		}
	}

	return fmt.Errorf("insert entry after %d retries: %w", maxRetries, err)
}

func (s *SQLiteStore) queryAllEntries(ctx context.Context) (*sql.Rows, error) {
	rows, err := s.db.QueryContext(ctx, querySelectAll)
	if err != nil {
		return nil, fmt.Errorf("query entries: %w", err)
	}
	return rows, nil
}

func isLockError(err error) bool {
	msg := err.Error()
	return strings.Contains(msg, "database is locked") || strings.Contains(msg, "SQLITE_BUSY")
}
