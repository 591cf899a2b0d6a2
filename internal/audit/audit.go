// Package audit is the append-only JSON-lines audit trail.
//
// One file per contract type under <dataRoot>/memory/<type>s.jsonl. Writes
// are flushed per line and history is never rewritten. The store exists for
// auditability, not performance, and is never consulted for decisions.
package audit

import (
	"bufio"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// Store appends audit records to per-stream JSONL files.
type Store struct {
	mu   sync.Mutex
	dir  string
	file map[string]*os.File
}

// New creates the audit directory if needed and returns a Store.
func New(dataRoot string) (*Store, error) {
	dir := filepath.Join(dataRoot, "memory")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create audit dir: %w", err)
	}
	slog.Info("[Audit] Store initialized", "dir", dir)
	return &Store{dir: dir, file: make(map[string]*os.File)}, nil
}

// Append writes one record to the contract type's log file, flushing the
// line before returning. A write failure is returned loudly; the caller
// must treat it as storage loss, not drop it silently.
func (s *Store) Append(contractType string, record any) error {
	raw, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("marshal audit record: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	f, err := s.open(contractType)
	if err != nil {
		return err
	}
	if _, err := f.Write(append(raw, '\n')); err != nil {
		return fmt.Errorf("append %s audit record: %w", contractType, err)
	}
	if err := f.Sync(); err != nil {
		return fmt.Errorf("flush %s audit log: %w", contractType, err)
	}
	return nil
}

// AppendDropped records a message that was rejected at a bus boundary.
func (s *Store) AppendDropped(contractType string, message map[string]any, cause error) error {
	return s.Append("dropped", map[string]any{
		"contract_type": contractType,
		"dropped_at":    time.Now().UTC(),
		"cause":         cause.Error(),
		"message":       message,
	})
}

// Read returns up to limit records from the contract type's log, oldest
// first. limit <= 0 means all. Intended for operations, never for control
// flow.
func (s *Store) Read(contractType string, limit int) ([]map[string]any, error) {
	path := s.path(contractType)
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("open audit log: %w", err)
	}
	defer f.Close()

	var records []map[string]any
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var rec map[string]any
		if err := json.Unmarshal(line, &rec); err != nil {
			return nil, fmt.Errorf("corrupt audit line: %w", err)
		}
		records = append(records, rec)
		if limit > 0 && len(records) >= limit {
			break
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("scan audit log: %w", err)
	}
	return records, nil
}

// Count returns the number of records for a contract type.
func (s *Store) Count(contractType string) (int, error) {
	records, err := s.Read(contractType, 0)
	if err != nil {
		return 0, err
	}
	return len(records), nil
}

// Close closes all open log files.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	var firstErr error
	for t, f := range s.file {
		if err := f.Close(); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("close %s audit log: %w", t, err)
		}
	}
	s.file = make(map[string]*os.File)
	return firstErr
}

func (s *Store) open(contractType string) (*os.File, error) {
	if f, ok := s.file[contractType]; ok {
		return f, nil
	}
	f, err := os.OpenFile(s.path(contractType), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open audit log for %s: %w", contractType, err)
	}
	s.file[contractType] = f
	return f, nil
}

func (s *Store) path(contractType string) string {
	return filepath.Join(s.dir, contractType+"s.jsonl")
}
