package storage

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"

	logx "taskmill/pkg/logx"
)

// fileStore is the dependency-free persistence backend.
//
// Every Save rewrites the whole record through a tmp file + rename so a
// crash mid-write never leaves a torn store behind. Load prefers the main
// file and falls back to a leftover tmp only if the main file is missing
// entirely (rename completed but a previous process died before cleanup
// cannot happen with POSIX rename, so the fallback is effectively unused;
// it is kept for portability).
type fileStore struct {
	log logx.Logger

	mu     sync.Mutex
	path   string
	closed bool
}

func openFile(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("storage.path is required for file driver")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	return &fileStore{log: log, path: path}, nil
}

func (s *fileStore) Load(ctx context.Context) ([]byte, bool, error) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, false, ErrClosed
	}

	b, err := os.ReadFile(s.path)
	if err == nil {
		return b, true, nil
	}
	if !os.IsNotExist(err) {
		return nil, false, err
	}
	if b, terr := os.ReadFile(s.path + ".tmp"); terr == nil {
		s.log.Warn("store file missing; recovered from tmp", logx.String("path", s.path))
		return b, true, nil
	}
	return nil, false, nil
}

func (s *fileStore) Save(ctx context.Context, data []byte) error {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}

	tmp := s.path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	if _, err := f.Write(data); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	return os.Rename(tmp, s.path)
}

func (s *fileStore) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	return nil
}
