package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"time"

	"speedlog/pkg/speedtest"
)

var (
	ErrUnknownDriver = errors.New("unknown storage driver")
	// ErrMalformed wraps a single unreadable record. Loads skip such records.
	ErrMalformed = errors.New("malformed record")
	ErrClosed    = errors.New("store closed")
)

// Order is the native orientation of Load results.
type Order int

const (
	Chronological Order = iota
	NewestFirst
)

func (o Order) String() string {
	if o == NewestFirst {
		return "newest-first"
	}
	return "chronological"
}

// Store appends and reads back probe records. Append is durable when it
// returns nil.
type Store interface {
	Append(ctx context.Context, rec speedtest.Record) error
	Load(ctx context.Context) ([]speedtest.Record, error)
	Order() Order
	Close() error
}

type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means 5s
}

// InOrder returns recs re-oriented from one order to another. The input is
// not modified.
func InOrder(recs []speedtest.Record, from, to Order) []speedtest.Record {
	out := slices.Clone(recs)
	if from != to {
		slices.Reverse(out)
	}
	return out
}

func encodeRecord(rec speedtest.Record) ([]byte, error) {
	if err := rec.Validate(); err != nil {
		return nil, err
	}
	return json.Marshal(rec)
}

func decodeRecord(raw []byte) (speedtest.Record, error) {
	var rec speedtest.Record
	if err := json.Unmarshal(raw, &rec); err != nil {
		return speedtest.Record{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if err := rec.Validate(); err != nil {
		return speedtest.Record{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	return rec, nil
}
