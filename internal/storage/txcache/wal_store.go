// Package txcache persists locally known presale transactions in a write-ahead log.
package txcache

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/pkg/errors"
	"github.com/vadiminshakov/gowal"
	"go.uber.org/zap"

	"github.com/vadiminshakov/presale/internal/domain"
)

const (
	DefaultDir      = "./wal/transactions"
	segmentLimit    = 1000
	maxSegments     = 100
	recordKeyPrefix = "tx_record_"
)

// WALStore is the Local Transaction Cache: an append-only list of transaction records.
// The whole list is kept in memory and every append is synced to the WAL before it becomes visible.
type WALStore struct {
	wal     *gowal.Wal
	mu      sync.RWMutex
	records []domain.TransactionRecord
	hashes  map[string]struct{}
	l       *zap.Logger
}

// NewWALStore opens (or creates) the cache under dir and loads every stored record.
func NewWALStore(dir string, l *zap.Logger) (*WALStore, error) {
	if dir == "" {
		dir = DefaultDir
	}
	if l == nil {
		l = zap.NewNop()
	}

	cfg := gowal.Config{
		Dir:              dir,
		Prefix:           "tx_",
		SegmentThreshold: segmentLimit,
		MaxSegments:      maxSegments,
		IsInSyncDiskMode: true,
	}

	wal, err := gowal.NewWAL(cfg)
	if err != nil {
		return nil, errors.Wrap(err, "init transaction WAL")
	}

	s := &WALStore{
		wal:     wal,
		records: make([]domain.TransactionRecord, 0),
		hashes:  make(map[string]struct{}),
		l:       l,
	}

	for msg := range wal.Iterator() {
		if !strings.HasPrefix(msg.Key, recordKeyPrefix) {
			continue
		}
		var record domain.TransactionRecord
		if err := json.Unmarshal(msg.Value, &record); err != nil {
			l.Error("failed to decode cached transaction", zap.String("key", msg.Key), zap.Error(err))
			continue
		}
		s.remember(record)
	}

	return s, nil
}

// Append persists record. A record whose hash is already cached is skipped and false is returned.
func (s *WALStore) Append(record domain.TransactionRecord) (bool, error) {
	if s == nil || s.wal == nil {
		return false, errors.New("transaction cache is not initialized")
	}
	if record.TxHash == "" {
		return false, fmt.Errorf("transaction hash is required")
	}

	payload, err := json.Marshal(record)
	if err != nil {
		return false, errors.Wrap(err, "marshal transaction record")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.hashes[record.HashKey()]; ok {
		return false, nil
	}

	key := fmt.Sprintf("%s%s", recordKeyPrefix, record.HashKey())
	nextIndex := s.wal.CurrentIndex() + 1
	if err := s.wal.Write(nextIndex, key, payload); err != nil {
		return false, errors.Wrap(err, "write transaction record")
	}

	s.remember(record)
	s.l.Debug("transaction cached", zap.String("hash", record.TxHash), zap.String("kind", string(record.Kind)))
	return true, nil
}

// All returns cached records, newest first.
func (s *WALStore) All() ([]domain.TransactionRecord, error) {
	if s == nil || s.wal == nil {
		return nil, errors.New("transaction cache is not initialized")
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]domain.TransactionRecord, len(s.records))
	for i, r := range s.records {
		out[len(s.records)-1-i] = r
	}
	return out, nil
}

// RecordsAfter returns records appended after the given position, oldest first.
// Positions start at 1.
func (s *WALStore) RecordsAfter(index uint64) ([]domain.TransactionRecordEntry, error) {
	if s == nil || s.wal == nil {
		return nil, errors.New("transaction cache is not initialized")
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	current := uint64(len(s.records))
	if current <= index {
		return nil, nil
	}

	entries := make([]domain.TransactionRecordEntry, 0, current-index)
	for idx := index + 1; idx <= current; idx++ {
		entries = append(entries, domain.TransactionRecordEntry{
			Index:  idx,
			Record: s.records[idx-1],
		})
	}
	return entries, nil
}

// Contains reports whether a record with the given hash is cached.
func (s *WALStore) Contains(hash string) bool {
	if s == nil {
		return false
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	_, ok := s.hashes[strings.ToLower(hash)]
	return ok
}

// Len returns the number of cached records.
func (s *WALStore) Len() int {
	if s == nil {
		return 0
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	return len(s.records)
}

// Close closes the underlying WAL.
func (s *WALStore) Close() error {
	if s == nil || s.wal == nil {
		return errors.New("transaction cache is not initialized")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	return s.wal.Close()
}

func (s *WALStore) remember(record domain.TransactionRecord) {
	if _, ok := s.hashes[record.HashKey()]; ok {
		return
	}
	s.hashes[record.HashKey()] = struct{}{}
	s.records = append(s.records, record)
}
