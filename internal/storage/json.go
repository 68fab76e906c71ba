package storage

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"sync"

	logx "speedlog/pkg/logx"
	"speedlog/pkg/speedtest"
)

// jsonStore keeps the whole history as one JSON array. Each append rewrites
// the file through <path>.tmp and a rename, so readers see either the old or
// the new array.
type jsonStore struct {
	path string
	log  logx.Logger

	mu     sync.Mutex
	closed bool
}

func openJSON(cfg Config, log logx.Logger) (Store, error) {
	if err := ensureDir(cfg.Path); err != nil {
		return nil, err
	}
	return &jsonStore{path: cfg.Path, log: log}, nil
}

func (s *jsonStore) Order() Order { return Chronological }

func (s *jsonStore) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	return nil
}

// readRaw returns the array elements undecoded. Elements that are valid
// JSON but not valid records survive a rewrite untouched.
func (s *jsonStore) readRaw() ([]json.RawMessage, error) {
	b, err := os.ReadFile(s.path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if len(bytes.TrimSpace(b)) == 0 {
		return nil, nil
	}
	var raws []json.RawMessage
	if err := json.Unmarshal(b, &raws); err != nil {
		return nil, fmt.Errorf("read %s: %w", s.path, err)
	}
	return raws, nil
}

func (s *jsonStore) Append(ctx context.Context, rec speedtest.Record) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	blob, err := encodeRecord(rec)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}

	raws, err := s.readRaw()
	if err != nil {
		return err
	}
	raws = append(raws, blob)
	out, err := json.MarshalIndent(raws, "", "  ")
	if err != nil {
		return err
	}
	return writeFileAtomic(s.path, out)
}

func writeFileAtomic(path string, data []byte) error {
	tmp := path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}
	if _, err := f.Write(data); err != nil {
		_ = f.Close()
		_ = os.Remove(tmp)
		return err
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		_ = os.Remove(tmp)
		return err
	}
	if err := f.Close(); err != nil {
		_ = os.Remove(tmp)
		return err
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return err
	}
	return nil
}

func (s *jsonStore) Load(ctx context.Context) ([]speedtest.Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	raws, err := s.readRaw()
	if err != nil {
		return nil, err
	}
	out := make([]speedtest.Record, 0, len(raws))
	for i, raw := range raws {
		rec, err := decodeRecord(raw)
		if err != nil {
			s.log.Warn("skipping stored record", logx.Int("index", i), logx.Err(err))
			continue
		}
		out = append(out, rec)
	}
	return out, nil
}
