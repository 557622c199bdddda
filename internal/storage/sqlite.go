package storage

import (
	"context"
	"database/sql"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"

	_ "modernc.org/sqlite"

	logx "llmsched/pkg/logx"
)

//go:embed migrations.sql
var schema string

type sqliteStore struct {
	db  *sql.DB
	log logx.Logger

	retain     int
	opCount    atomic.Uint64
	pruneEvery uint64
}

func openSQLite(cfg Config, log logx.Logger) (Store, error) {
	if strings.TrimSpace(cfg.Path) == "" {
		return nil, errors.New("sqlite path is required")
	}
	path := cfg.Path
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// SQLite prefers a single writer.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	st := &sqliteStore{db: db, log: log, retain: cfg.Retain, pruneEvery: 500}

	if cfg.BusyTimeout > 0 {
		_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", cfg.BusyTimeout.Milliseconds()))
	}
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")

	if _, err := db.ExecContext(context.Background(), schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlite schema: %w", err)
	}
	return st, nil
}

func (s *sqliteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *sqliteStore) AppendOutcome(ctx context.Context, o Outcome) error {
	if s == nil || s.db == nil {
		return ErrDisabled
	}
	if o.FinishedAt.IsZero() {
		o.FinishedAt = time.Now()
	}
	var labels any
	if len(o.Labels) > 0 {
		b, err := json.Marshal(o.Labels)
		if err != nil {
			return err
		}
		labels = string(b)
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO outcomes(id, state, priority, attempts, retries, route, cached, batched, error_kind, err, submitted_at, finished_at, took_ms, labels)
		 VALUES(?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		o.ID, o.State, o.Priority, o.Attempts, o.Retries, nullStr(o.Route), boolInt(o.Cached), boolInt(o.Batched),
		nullStr(o.ErrorKind), nullStr(o.Error), o.SubmittedAt.UTC().Format(time.RFC3339Nano),
		o.FinishedAt.UTC().Format(time.RFC3339Nano), o.TookMS, labels,
	)
	if err == nil && s.opCount.Add(1)%s.pruneEvery == 0 {
		pctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
		if perr := s.prune(pctx); perr != nil {
			s.log.Debug("outcome prune failed", logx.Err(perr))
		}
		cancel()
	}
	return err
}

func (s *sqliteStore) RecentOutcomes(ctx context.Context, limit int) ([]Outcome, error) {
	if s == nil || s.db == nil {
		return nil, ErrDisabled
	}
	if limit <= 0 {
		return nil, nil
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, state, priority, attempts, retries, route, cached, batched, error_kind, err, submitted_at, finished_at, took_ms, labels
		 FROM outcomes ORDER BY seq DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Outcome
	for rows.Next() {
		var (
			o                        Outcome
			route, kind, msg, labels sql.NullString
			cached, batched          int
			submitted, finished      string
		)
		if err := rows.Scan(&o.ID, &o.State, &o.Priority, &o.Attempts, &o.Retries, &route, &cached, &batched,
			&kind, &msg, &submitted, &finished, &o.TookMS, &labels); err != nil {
			return nil, err
		}
		o.Route, o.ErrorKind, o.Error = route.String, kind.String, msg.String
		o.Cached, o.Batched = cached != 0, batched != 0
		o.SubmittedAt, _ = time.Parse(time.RFC3339Nano, submitted)
		o.FinishedAt, _ = time.Parse(time.RFC3339Nano, finished)
		if labels.Valid && labels.String != "" {
			_ = json.Unmarshal([]byte(labels.String), &o.Labels)
		}
		out = append(out, o)
	}
	return out, rows.Err()
}

// prune keeps the newest retain rows.
func (s *sqliteStore) prune(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM outcomes WHERE seq <= (SELECT MAX(seq) FROM outcomes) - ?`, s.retain)
	return err
}

func nullStr(v string) any {
	if strings.TrimSpace(v) == "" {
		return nil
	}
	return v
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
