package storage

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"math"
	"os"
	"slices"
	"sync"

	logx "speedlog/pkg/logx"
	"speedlog/pkg/speedtest"
)

const trailerSize = 4

// binlogStore writes each record once: the JSON blob, then a little-endian
// uint32 holding the file offset where that blob starts. Load follows the
// trailers backward from EOF, so records come back newest first.
type binlogStore struct {
	path string
	log  logx.Logger

	mu       sync.Mutex
	closed   bool
	repaired bool // tail checked since open
}

func openBinlog(cfg Config, log logx.Logger) (Store, error) {
	if err := ensureDir(cfg.Path); err != nil {
		return nil, err
	}
	return &binlogStore{path: cfg.Path, log: log}, nil
}

func (s *binlogStore) Order() Order { return NewestFirst }

func (s *binlogStore) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	return nil
}

func (s *binlogStore) Append(ctx context.Context, rec speedtest.Record) error {
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
	if !s.repaired {
		if err := s.repairTail(); err != nil {
			return err
		}
		s.repaired = true
	}

	f, err := os.OpenFile(s.path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	st, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return err
	}
	start := st.Size()
	if start+int64(len(blob)) > math.MaxUint32 {
		_ = f.Close()
		return fmt.Errorf("%s: binlog exceeds 4 GiB offset range", s.path)
	}

	// One write per frame keeps a concurrent reader from seeing a trailer
	// without its blob.
	frame := make([]byte, len(blob)+trailerSize)
	copy(frame, blob)
	binary.LittleEndian.PutUint32(frame[len(blob):], uint32(start))
	if _, err := f.Write(frame); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		return err
	}
	return f.Close()
}

func (s *binlogStore) Load(ctx context.Context) ([]speedtest.Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	b, err := os.ReadFile(s.path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	blobs, ok := walkBackward(b)
	if !ok {
		var consumed int
		blobs, consumed = scanForward(b)
		slices.Reverse(blobs)
		s.log.Warn("binlog tail inconsistent; loaded longest valid prefix",
			logx.String("path", s.path),
			logx.Int("records", len(blobs)),
			logx.Int("ignored_bytes", len(b)-consumed),
		)
	}

	out := make([]speedtest.Record, 0, len(blobs))
	for _, blob := range blobs {
		rec, err := decodeRecord(blob)
		if err != nil {
			s.log.Warn("skipping stored record", logx.String("path", s.path), logx.Err(err))
			continue
		}
		out = append(out, rec)
	}
	return out, nil
}

// repairTail cuts a torn frame left by an interrupted append, so frames
// written from now on stay reachable from EOF. Caller holds s.mu.
func (s *binlogStore) repairTail() error {
	b, err := os.ReadFile(s.path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	if err != nil {
		return err
	}
	if _, ok := walkBackward(b); ok {
		return nil
	}
	blobs, consumed := scanForward(b)
	if err := os.Truncate(s.path, int64(consumed)); err != nil {
		return fmt.Errorf("%s: truncate torn tail: %w", s.path, err)
	}
	s.log.Warn("binlog torn tail truncated",
		logx.String("path", s.path),
		logx.Int("records", len(blobs)),
		logx.Int("dropped_bytes", len(b)-consumed),
	)
	return nil
}

// walkBackward follows the trailer chain from EOF to offset 0. It reports
// false as soon as a frame does not line up.
func walkBackward(b []byte) ([][]byte, bool) {
	var blobs [][]byte
	end := len(b)
	for end > 0 {
		if end < trailerSize {
			return nil, false
		}
		start := int(binary.LittleEndian.Uint32(b[end-trailerSize : end]))
		blobEnd := end - trailerSize
		if start >= blobEnd || (start > 0 && start < trailerSize) {
			return nil, false
		}
		blob := b[start:blobEnd]
		if !json.Valid(blob) {
			return nil, false
		}
		blobs = append(blobs, blob)
		end = start
	}
	return blobs, true
}

// scanForward decodes frames from offset 0 and stops at the first frame whose
// trailer is missing or does not point back at it. It returns the blobs in
// file order and the number of bytes they cover.
func scanForward(b []byte) ([][]byte, int) {
	var blobs [][]byte
	pos := 0
	for pos < len(b) {
		dec := json.NewDecoder(bytes.NewReader(b[pos:]))
		var raw json.RawMessage
		if err := dec.Decode(&raw); err != nil {
			break
		}
		blobEnd := pos + int(dec.InputOffset())
		if blobEnd+trailerSize > len(b) {
			break
		}
		if int(binary.LittleEndian.Uint32(b[blobEnd:blobEnd+trailerSize])) != pos {
			break
		}
		blobs = append(blobs, b[pos:blobEnd])
		pos = blobEnd + trailerSize
	}
	return blobs, pos
}
