// Package eventjournal appends raw private-stream messages to a WAL so a
// restarted process can rebuild its mirror from what it already received.
package eventjournal

import (
	"strings"
	"sync"

	"github.com/pkg/errors"
	"github.com/vadiminshakov/gowal"
)

const (
	DefaultDir   = "./wal/events"
	segmentLimit = 1000
	maxSegments  = 20

	rawEventKeyPrefix = "raw_event_"
)

// Record is one journaled message.
type Record struct {
	Index   uint64
	Payload []byte
}

// WALStore persists raw stream messages in a WAL.
type WALStore struct {
	wal *gowal.Wal
	mu  sync.RWMutex
}

// NewWALStore initializes a WAL-backed journal.
func NewWALStore(dir string) (*WALStore, error) {
	if dir == "" {
		dir = DefaultDir
	}

	cfg := gowal.Config{
		Dir:              dir,
		Prefix:           "events_",
		SegmentThreshold: segmentLimit,
		MaxSegments:      maxSegments,
		IsInSyncDiskMode: false,
	}

	wal, err := gowal.NewWAL(cfg)
	if err != nil {
		return nil, errors.Wrap(err, "init event journal WAL")
	}

	return &WALStore{wal: wal}, nil
}

// Append writes payload and returns its WAL index.
func (s *WALStore) Append(payload []byte) (uint64, error) {
	if s == nil || s.wal == nil {
		return 0, errors.New("event journal is not initialized")
	}
	if len(payload) == 0 {
		return 0, errors.New("empty journal payload")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	idx := s.wal.CurrentIndex() + 1
	if err := s.wal.Write(idx, rawEventKeyPrefix, payload); err != nil {
		return 0, errors.Wrap(err, "write journal record")
	}
	return idx, nil
}

// EventsAfter returns every record written after index. Missing indexes
// (rotated segments) are skipped.
func (s *WALStore) EventsAfter(index uint64) ([]Record, error) {
	if s == nil || s.wal == nil {
		return nil, errors.New("event journal is not initialized")
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	current := s.wal.CurrentIndex()
	if current <= index {
		return nil, nil
	}

	records := make([]Record, 0, current-index)
	for idx := index + 1; idx <= current; idx++ {
		key, payload, err := s.wal.Get(idx)
		if err != nil {
			continue
		}
		if !strings.HasPrefix(key, rawEventKeyPrefix) {
			continue
		}
		records = append(records, Record{Index: idx, Payload: payload})
	}

	return records, nil
}

// CurrentIndex returns the latest WAL index stored.
func (s *WALStore) CurrentIndex() uint64 {
	if s == nil || s.wal == nil {
		return 0
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.wal.CurrentIndex()
}

// Close closes the underlying WAL.
func (s *WALStore) Close() error {
	if s == nil || s.wal == nil {
		return errors.New("event journal is not initialized")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	return s.wal.Close()
}
