package storage

import (
	"context"
	"database/sql"
	_ "embed"
	"fmt"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	logx "speedlog/pkg/logx"
	"speedlog/pkg/speedtest"
)

//go:embed schema.sql
var schemaSQL string

// sqliteStore keeps one row per record. Rows are read back in insertion
// order; the JSON body is the source of truth, the other columns are indexes.
type sqliteStore struct {
	db   *sql.DB
	log  logx.Logger
	path string

	mu     sync.Mutex
	closed bool
}

func openSQLite(cfg Config, log logx.Logger) (Store, error) {
	if err := ensureDir(cfg.Path); err != nil {
		return nil, err
	}
	db, err := sql.Open("sqlite", cfg.Path)
	if err != nil {
		return nil, err
	}
	// One connection: a single writer and no cross-connection pragma drift.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	busy := cfg.BusyTimeout
	if busy <= 0 {
		busy = 5 * time.Second
	}
	pragmas := []string{
		fmt.Sprintf("PRAGMA busy_timeout = %d", busy.Milliseconds()),
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = FULL",
	}
	ctx := context.Background()
	for _, p := range pragmas {
		if _, err := db.ExecContext(ctx, p); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("%s: %w", p, err)
		}
	}
	if _, err := db.ExecContext(ctx, schemaSQL); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlite schema: %w", err)
	}
	return &sqliteStore{db: db, log: log, path: cfg.Path}, nil
}

func (s *sqliteStore) Order() Order { return Chronological }

func (s *sqliteStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	return s.db.Close()
}

func (s *sqliteStore) Append(ctx context.Context, rec speedtest.Record) error {
	body, err := encodeRecord(rec)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO records(ts, interface, nickname, status_code, body) VALUES(?,?,?,?,?)`,
		rec.Timestamp.UTC().Format(time.RFC3339Nano), rec.Interface, rec.Nickname, rec.StatusCode, string(body),
	)
	return err
}

func (s *sqliteStore) Load(ctx context.Context) ([]speedtest.Record, error) {
	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if closed {
		return nil, ErrClosed
	}

	rows, err := s.db.QueryContext(ctx, `SELECT id, body FROM records ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []speedtest.Record
	for rows.Next() {
		var (
			id   int64
			body string
		)
		if err := rows.Scan(&id, &body); err != nil {
			return nil, err
		}
		rec, err := decodeRecord([]byte(body))
		if err != nil {
			s.log.Warn("skipping stored record", logx.Int64("row", id), logx.Err(err))
			continue
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}
