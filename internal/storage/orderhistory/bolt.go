// Package orderhistory keeps finalized orders in a bbolt file, keyed by order id.
package orderhistory

import (
	"context"
	"encoding/binary"
	"time"

	json "github.com/goccy/go-json"
	"github.com/pkg/errors"
	bolt "go.etcd.io/bbolt"

	"github.com/vadiminshakov/ordermirror/internal/domain"
)

// ErrNotFound is returned by Get for an unknown order id.
var ErrNotFound = errors.New("orderhistory: not found")

const bucketOrdersHistory = "orders_history"

// BoltStore is an upsert table of finalized orders with descending keyset pagination.
type BoltStore struct {
	db *bolt.DB
}

// NewBoltStore opens (or creates) the database at path.
func NewBoltStore(path string) (*BoltStore, error) {
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: 2 * time.Second})
	if err != nil {
		return nil, errors.Wrap(err, "open bolt db")
	}
	s := &BoltStore{db: db}
	if err := s.ensureBuckets(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *BoltStore) ensureBuckets() error {
	return s.db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists([]byte(bucketOrdersHistory))
		return err
	})
}

// Close releases the database file.
func (s *BoltStore) Close() error {
	if s == nil || s.db == nil {
		return errors.New("history store is not initialized")
	}
	return s.db.Close()
}

// UpsertFinal stores entry unless a record with the same or a newer update time exists.
func (s *BoltStore) UpsertFinal(_ context.Context, entry domain.HistoryEntry) error {
	if s == nil || s.db == nil {
		return errors.New("history store is not initialized")
	}
	payload, err := json.Marshal(entry)
	if err != nil {
		return errors.Wrap(err, "marshal history entry")
	}

	key := orderKey(entry.OrderID)
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(bucketOrdersHistory))
		if existing := b.Get(key); existing != nil {
			var current domain.HistoryEntry
			if err := json.Unmarshal(existing, &current); err == nil && current.UpdateTime >= entry.UpdateTime {
				return nil
			}
		}
		return b.Put(key, payload)
	})
}

// Get returns the stored record for id.
func (s *BoltStore) Get(_ context.Context, id int64) (domain.HistoryEntry, error) {
	var out domain.HistoryEntry
	err := s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket([]byte(bucketOrdersHistory)).Get(orderKey(id))
		if v == nil {
			return ErrNotFound
		}
		return json.Unmarshal(v, &out)
	})
	return out, err
}

// Page lists records in descending order id. A nil cursor starts from the
// newest id; otherwise only ids strictly below *cursor are returned. An empty
// symbol matches every symbol.
func (s *BoltStore) Page(_ context.Context, symbol string, limit int, cursor *int64) (domain.HistoryPage, error) {
	limit = domain.ClampPageSize(limit)
	page := domain.HistoryPage{Items: make([]domain.HistoryEntry, 0, limit)}
	if cursor != nil && *cursor <= 0 {
		// order ids are positive, nothing sorts below
		return page, nil
	}

	err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket([]byte(bucketOrdersHistory)).Cursor()

		var k, v []byte
		if cursor == nil {
			k, v = c.Last()
		} else {
			// Seek lands on the first key >= cursor; the page starts just below it.
			if k, _ = c.Seek(orderKey(*cursor)); k == nil {
				k, v = c.Last()
			} else {
				k, v = c.Prev()
			}
		}

		for ; k != nil; k, v = c.Prev() {
			var entry domain.HistoryEntry
			if err := json.Unmarshal(v, &entry); err != nil {
				return errors.Wrapf(err, "decode history entry %d", keyOrder(k))
			}
			if symbol != "" && entry.Symbol != symbol {
				continue
			}
			if len(page.Items) == limit {
				page.HasMore = true
				break
			}
			page.Items = append(page.Items, entry)
		}
		return nil
	})
	if err != nil {
		return domain.HistoryPage{}, err
	}

	if page.HasMore {
		next := page.Items[len(page.Items)-1].OrderID
		page.NextCursor = &next
	}
	return page, nil
}

// orderKey encodes id so that byte order matches numeric order for ids >= 0.
func orderKey(id int64) []byte {
	key := make([]byte, 8)
	binary.BigEndian.PutUint64(key, uint64(id))
	return key
}

func keyOrder(key []byte) int64 {
	return int64(binary.BigEndian.Uint64(key))
}
