package badger

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/dgraph-io/badger/v4"
	"github.com/sirupsen/logrus"

	"iiot-gateway/internal/buffering/application"
)

const (
	seqKey             = "buffer-seq"
	seqBandwidth       = 1000
	maxConflictRetries = 50
	sep                = "\x00"
)

var errNilDB = errors.New("buffering: badger db is nil")

// Open opens a Badger database at dir. An empty dir opens an in-memory
// database, which loses its contents when closed.
func Open(dir string, logger logrus.FieldLogger) (*badger.DB, error) {
	opts := badger.DefaultOptions(dir)
	if dir == "" {
		opts = opts.WithInMemory(true)
	}
	if logger != nil {
		opts = opts.WithLogger(logger)
	} else {
		opts = opts.WithLogger(nil)
	}
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("badger open %q: %w", dir, err)
	}
	return db, nil
}

// QueueStore keeps queues on local disk for gateways without Redis.
//
// Key layout per destination d:
//
//	q␀d␀<seq>  -> entry id, ordered by a monotonic sequence
//	e␀d␀<id>   -> entry body
//	s␀d␀<id>   -> the q key of the entry, for removal by id
//	n␀d␀       -> queue length
type QueueStore struct {
	db  *badger.DB
	seq *badger.Sequence
}

// NewQueueStore builds a store over db. Close releases the sequence lease
// but leaves db open.
func NewQueueStore(db *badger.DB) (*QueueStore, error) {
	if db == nil {
		return nil, errNilDB
	}
	seq, err := db.GetSequence([]byte(seqKey), seqBandwidth)
	if err != nil {
		return nil, fmt.Errorf("badger sequence: %w", err)
	}
	return &QueueStore{db: db, seq: seq}, nil
}

// Close releases the sequence lease.
func (s *QueueStore) Close() error {
	if s == nil || s.seq == nil {
		return nil
	}
	return s.seq.Release()
}

func queuePrefix(destination string) []byte {
	return []byte("q" + sep + destination + sep)
}

func queueKey(destination string, seq uint64) []byte {
	return []byte(fmt.Sprintf("q%s%s%s%020d", sep, destination, sep, seq))
}

func entryKey(destination, id string) []byte {
	return []byte("e" + sep + destination + sep + id)
}

func slotKey(destination, id string) []byte {
	return []byte("s" + sep + destination + sep + id)
}

func countKey(destination string) []byte {
	return []byte("n" + sep + destination + sep)
}

// Push implements application.QueueStore.
func (s *QueueStore) Push(ctx context.Context, destination, id string, data []byte) error {
	if s == nil || s.db == nil {
		return errNilDB
	}
	next, err := s.seq.Next()
	if err != nil {
		return fmt.Errorf("badger push %s: %w", destination, err)
	}
	qKey := queueKey(destination, next)
	return s.update(ctx, func(txn *badger.Txn) error {
		if _, err := txn.Get(entryKey(destination, id)); err == nil {
			return txn.Set(entryKey(destination, id), data)
		} else if !errors.Is(err, badger.ErrKeyNotFound) {
			return err
		}
		if err := txn.Set(qKey, []byte(id)); err != nil {
			return err
		}
		if err := txn.Set(entryKey(destination, id), data); err != nil {
			return err
		}
		if err := txn.Set(slotKey(destination, id), qKey); err != nil {
			return err
		}
		return addCount(txn, destination, 1)
	})
}

// Range implements application.QueueStore.
func (s *QueueStore) Range(ctx context.Context, destination string, limit int) ([]application.Record, error) {
	if s == nil || s.db == nil {
		return nil, errNilDB
	}
	if limit <= 0 {
		return nil, nil
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var records []application.Record
	err := s.db.View(func(txn *badger.Txn) error {
		ids, _, err := headIDs(txn, destination, limit)
		if err != nil {
			return err
		}
		for _, id := range ids {
			record := application.Record{ID: id}
			item, err := txn.Get(entryKey(destination, id))
			switch {
			case errors.Is(err, badger.ErrKeyNotFound):
			case err != nil:
				return err
			default:
				if record.Data, err = item.ValueCopy(nil); err != nil {
					return err
				}
			}
			records = append(records, record)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("badger range %s: %w", destination, err)
	}
	return records, nil
}

// PopOldest implements application.QueueStore.
func (s *QueueStore) PopOldest(ctx context.Context, destination string, n int) (int, error) {
	if s == nil || s.db == nil {
		return 0, errNilDB
	}
	if n <= 0 {
		return 0, nil
	}
	var removed int
	err := s.update(ctx, func(txn *badger.Txn) error {
		removed = 0
		ids, keys, err := headIDs(txn, destination, n)
		if err != nil {
			return err
		}
		for i, id := range ids {
			for _, key := range [][]byte{keys[i], entryKey(destination, id), slotKey(destination, id)} {
				if err := txn.Delete(key); err != nil {
					return err
				}
			}
		}
		removed = len(ids)
		return addCount(txn, destination, -int64(removed))
	})
	if err != nil {
		return 0, fmt.Errorf("badger pop %s: %w", destination, err)
	}
	return removed, nil
}

// Update implements application.QueueStore.
func (s *QueueStore) Update(ctx context.Context, destination, id string, fn application.UpdateFunc) (bool, error) {
	if s == nil || s.db == nil {
		return false, errNilDB
	}
	var found bool
	err := s.update(ctx, func(txn *badger.Txn) error {
		found = false
		item, err := txn.Get(entryKey(destination, id))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		data, err := item.ValueCopy(nil)
		if err != nil {
			return err
		}
		next, remove, err := fn(data)
		if err != nil {
			return err
		}
		if !remove {
			if err := txn.Set(entryKey(destination, id), next); err != nil {
				return err
			}
			found = true
			return nil
		}
		slot, err := txn.Get(slotKey(destination, id))
		if err != nil {
			return err
		}
		qKey, err := slot.ValueCopy(nil)
		if err != nil {
			return err
		}
		for _, key := range [][]byte{qKey, entryKey(destination, id), slotKey(destination, id)} {
			if err := txn.Delete(key); err != nil {
				return err
			}
		}
		found = true
		return addCount(txn, destination, -1)
	})
	if err != nil {
		return false, fmt.Errorf("badger update %s/%s: %w", destination, id, err)
	}
	return found, nil
}

// Len implements application.QueueStore.
func (s *QueueStore) Len(ctx context.Context, destination string) (int, error) {
	if s == nil || s.db == nil {
		return 0, errNilDB
	}
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	var size int64
	err := s.db.View(func(txn *badger.Txn) error {
		var err error
		size, err = readCount(txn, destination)
		return err
	})
	if err != nil {
		return 0, fmt.Errorf("badger len %s: %w", destination, err)
	}
	return int(size), nil
}

// Clear implements application.QueueStore.
func (s *QueueStore) Clear(ctx context.Context, destination string) (int, error) {
	size, err := s.Len(ctx, destination)
	if err != nil {
		return 0, err
	}
	prefixes := [][]byte{
		queuePrefix(destination),
		[]byte("e" + sep + destination + sep),
		[]byte("s" + sep + destination + sep),
		countKey(destination),
	}
	if err := s.db.DropPrefix(prefixes...); err != nil {
		return 0, fmt.Errorf("badger clear %s: %w", destination, err)
	}
	return size, nil
}

func (s *QueueStore) update(ctx context.Context, fn func(*badger.Txn) error) error {
	for attempt := 0; attempt < maxConflictRetries; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		err := s.db.Update(fn)
		if errors.Is(err, badger.ErrConflict) {
			continue
		}
		return err
	}
	return badger.ErrConflict
}

func headIDs(txn *badger.Txn, destination string, limit int) ([]string, [][]byte, error) {
	prefix := queuePrefix(destination)
	opts := badger.DefaultIteratorOptions
	opts.Prefix = prefix
	opts.PrefetchSize = limit
	it := txn.NewIterator(opts)
	defer it.Close()

	var (
		ids  []string
		keys [][]byte
	)
	for it.Seek(prefix); it.ValidForPrefix(prefix) && len(ids) < limit; it.Next() {
		item := it.Item()
		value, err := item.ValueCopy(nil)
		if err != nil {
			return nil, nil, err
		}
		ids = append(ids, string(value))
		keys = append(keys, item.KeyCopy(nil))
	}
	return ids, keys, nil
}

func readCount(txn *badger.Txn, destination string) (int64, error) {
	item, err := txn.Get(countKey(destination))
	if errors.Is(err, badger.ErrKeyNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	value, err := item.ValueCopy(nil)
	if err != nil {
		return 0, err
	}
	if len(value) != 8 {
		return 0, fmt.Errorf("corrupt queue length for %s", destination)
	}
	return int64(binary.BigEndian.Uint64(value)), nil
}

func addCount(txn *badger.Txn, destination string, delta int64) error {
	if delta == 0 {
		return nil
	}
	current, err := readCount(txn, destination)
	if err != nil {
		return err
	}
	current += delta
	if current < 0 {
		current = 0
	}
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, uint64(current))
	return txn.Set(countKey(destination), buf)
}
