package storage

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"

	logx "llmsched/pkg/logx"
)

// fileStore appends outcomes to <prefix>.outcomes.jsonl and keeps the newest
// retain records in memory for RecentOutcomes. When the file grows past twice
// retain lines it is rewritten with only the retained tail.
type fileStore struct {
	log logx.Logger

	mu      sync.Mutex
	path    string
	f       *os.File
	recent  []Outcome // oldest first, len <= retain
	retain  int
	written int // lines in the file
}

func openFile(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("storage.path is required for file driver")
	}

	dir := filepath.Dir(path)
	base := filepath.Base(path)
	base = strings.TrimSuffix(base, filepath.Ext(base))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	journal := filepath.Join(dir, base) + ".outcomes.jsonl"

	s := &fileStore{log: log, path: journal, retain: cfg.Retain}
	if err := s.replay(); err != nil && !errors.Is(err, os.ErrNotExist) {
		log.Warn("outcome journal replay failed", logx.String("path", journal), logx.Err(err))
	}

	f, err := os.OpenFile(journal, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, err
	}
	s.f = f
	return s, nil
}

// replay loads the retained tail of an existing journal. Corrupt lines (a torn
// final write, for instance) are skipped.
func (s *fileStore) replay() error {
	f, err := os.Open(s.path)
	if err != nil {
		return err
	}
	defer f.Close()
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 64*1024), 1<<20)
	for sc.Scan() {
		s.written++
		var o Outcome
		if err := json.Unmarshal(sc.Bytes(), &o); err != nil || o.ID == "" {
			continue
		}
		s.remember(o)
	}
	return sc.Err()
}

func (s *fileStore) remember(o Outcome) {
	s.recent = append(s.recent, o)
	if over := len(s.recent) - s.retain; over > 0 {
		copy(s.recent, s.recent[over:])
		s.recent = s.recent[:s.retain]
	}
}

func (s *fileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.f == nil {
		return nil
	}
	err := s.f.Close()
	s.f = nil
	return err
}

func (s *fileStore) AppendOutcome(ctx context.Context, o Outcome) error {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.f == nil {
		return errors.New("outcome journal closed")
	}
	if err := json.NewEncoder(s.f).Encode(o); err != nil {
		return err
	}
	s.written++
	s.remember(o)
	if s.written >= 2*s.retain {
		if err := s.compactLocked(); err != nil {
			s.log.Debug("outcome journal compact failed", logx.Err(err))
		}
	}
	return nil
}

func (s *fileStore) RecentOutcomes(ctx context.Context, limit int) ([]Outcome, error) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	if limit > len(s.recent) {
		limit = len(s.recent)
	}
	out := make([]Outcome, 0, limit)
	for i := len(s.recent) - 1; i >= 0 && len(out) < limit; i-- {
		out = append(out, s.recent[i])
	}
	return out, nil
}

// compactLocked rewrites the journal with the in-memory tail via tmp+rename.
func (s *fileStore) compactLocked() error {
	tmp := s.path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	w := bufio.NewWriter(f)
	enc := json.NewEncoder(w)
	for _, o := range s.recent {
		if err := enc.Encode(o); err != nil {
			_ = f.Close()
			return err
		}
	}
	if err := w.Flush(); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmp, s.path); err != nil {
		return err
	}
	nf, err := os.OpenFile(s.path, os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	_ = s.f.Close()
	s.f = nf
	s.written = len(s.recent)
	return nil
}
