// Package jsonl persists the event feed as an append-only log of JSON
// lines, one event per line, rotated by size. It is the lightweight
// alternative to the sqlite backend: cheap appends and grep-friendly
// files, but no query support.
package jsonl

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/agentsh/execgate/pkg/types"
)

const (
	defaultMaxSizeMB  = 100
	defaultMaxBackups = 3
)

// Store appends to a single live file and shifts full files down a
// numbered backup chain, newest first (events.jsonl.1 is the most recent
// backup). The live file's size is tracked in memory so appends never
// stat the filesystem.
type Store struct {
	path       string
	maxBytes   int64
	maxBackups int

	mu   sync.Mutex
	file *os.File
	size int64
}

func New(path string, maxSizeMB, maxBackups int) (*Store, error) {
	if path == "" {
		return nil, fmt.Errorf("jsonl path is empty")
	}
	if maxSizeMB <= 0 {
		maxSizeMB = defaultMaxSizeMB
	}
	if maxBackups <= 0 {
		maxBackups = defaultMaxBackups
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("mkdir log dir: %w", err)
	}
	f, size, err := openAppend(path)
	if err != nil {
		return nil, err
	}

	return &Store{
		path:       path,
		maxBytes:   int64(maxSizeMB) << 20,
		maxBackups: maxBackups,
		file:       f,
		size:       size,
	}, nil
}

func (s *Store) AppendEvent(_ context.Context, ev types.Event) error {
	line, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	line = append(line, '\n')

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.file == nil {
		return fmt.Errorf("jsonl store is closed")
	}
	if s.size >= s.maxBytes {
		if err := s.rotate(); err != nil {
			return err
		}
	}
	n, err := s.file.Write(line)
	s.size += int64(n)
	if err != nil {
		return fmt.Errorf("write jsonl: %w", err)
	}
	return nil
}

// QueryEvents always fails: jsonl keeps no index. Deployments that need
// queries configure the sqlite backend instead.
func (s *Store) QueryEvents(_ context.Context, _ types.EventQuery) ([]types.Event, error) {
	return nil, fmt.Errorf("jsonl store does not support queries")
}

func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.file == nil {
		return nil
	}
	err := s.file.Close()
	s.file = nil
	return err
}

// rotate closes the live file, shifts the backup chain one slot down and
// reopens a fresh live file. The backup past maxBackups falls off the end.
func (s *Store) rotate() error {
	if err := s.file.Close(); err != nil {
		return fmt.Errorf("close jsonl for rotate: %w", err)
	}
	for i := s.maxBackups - 1; i >= 1; i-- {
		_ = os.Rename(fmt.Sprintf("%s.%d", s.path, i), fmt.Sprintf("%s.%d", s.path, i+1))
	}
	_ = os.Rename(s.path, s.path+".1")

	f, size, err := openAppend(s.path)
	if err != nil {
		return err
	}
	s.file, s.size = f, size
	return nil
}

func openAppend(path string) (*os.File, int64, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, 0, fmt.Errorf("open jsonl: %w", err)
	}
	st, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, 0, fmt.Errorf("stat jsonl: %w", err)
	}
	return f, st.Size(), nil
}
