package badger

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/dgraph-io/badger/v4"
	"go.uber.org/zap"

	"github.com/10yihang/gridcache/internal/cluster/partition"
	"github.com/10yihang/gridcache/internal/engine"
)

const prefixLen = 4

// Store implements engine.PartitionStore using BadgerDB. Every key is
// prefixed with the big-endian partition id so a partition is one
// contiguous key range.
type Store struct {
	db *badger.DB
}

// NewStore opens a store at path. An empty path opens an in-memory store.
func NewStore(path string, logger *zap.Logger) (*Store, error) {
	opts := badger.DefaultOptions(path)
	if path == "" {
		opts = opts.WithInMemory(true)
	}
	// Optimize for SSD
	opts.BlockCacheSize = 256 << 20 // 256MB
	opts.IndexCacheSize = 256 << 20 // 256MB
	opts = opts.WithLogger(&badgerLogger{logger: logger.Named("badger").Sugar()})

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open badger: %w", err)
	}

	return &Store{db: db}, nil
}

func prefix(p partition.ID) []byte {
	b := make([]byte, prefixLen)
	binary.BigEndian.PutUint32(b, uint32(p))
	return b
}

func dataKey(p partition.ID, key string) []byte {
	b := make([]byte, prefixLen+len(key))
	binary.BigEndian.PutUint32(b, uint32(p))
	copy(b[prefixLen:], key)
	return b
}

func (s *Store) Get(_ context.Context, p partition.ID, key string) ([]byte, error) {
	var value []byte
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(dataKey(p, key))
		if err != nil {
			return err
		}
		value, err = item.ValueCopy(nil)
		return err
	})
	if err != nil {
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil, engine.ErrKeyNotFound
		}
		return nil, err
	}
	return value, nil
}

func (s *Store) Put(_ context.Context, p partition.ID, key string, value []byte) error {
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(dataKey(p, key), value)
	})
}

func (s *Store) Remove(_ context.Context, p partition.ID, key string) (bool, error) {
	var existed bool
	err := s.db.Update(func(txn *badger.Txn) error {
		k := dataKey(p, key)
		if _, err := txn.Get(k); err != nil {
			if errors.Is(err, badger.ErrKeyNotFound) {
				return nil
			}
			return err
		}
		existed = true
		return txn.Delete(k)
	})
	return existed, err
}

// Iterate relies on badger iterating keys in sorted order.
func (s *Store) Iterate(ctx context.Context, p partition.ID, fn func(key string, value []byte) bool) error {
	return s.scan(ctx, p, true, fn)
}

func (s *Store) scan(ctx context.Context, p partition.ID, values bool, fn func(key string, value []byte) bool) error {
	pfx := prefix(p)
	return s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = pfx
		opts.PrefetchValues = values
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Seek(pfx); it.ValidForPrefix(pfx); it.Next() {
			if err := ctx.Err(); err != nil {
				return err
			}
			item := it.Item()
			key := string(item.Key()[prefixLen:])
			var value []byte
			if values {
				v, err := item.ValueCopy(nil)
				if err != nil {
					return err
				}
				value = v
			}
			if !fn(key, value) {
				return nil
			}
		}
		return nil
	})
}

func (s *Store) Clear(_ context.Context, p partition.ID) error {
	if err := s.db.DropPrefix(prefix(p)); err != nil {
		return fmt.Errorf("drop partition %d: %w", p, err)
	}
	return nil
}

func (s *Store) Count(ctx context.Context, p partition.ID) (int, error) {
	n := 0
	err := s.scan(ctx, p, false, func(string, []byte) bool {
		n++
		return true
	})
	return n, err
}

func (s *Store) Close() error {
	return s.db.Close()
}

type badgerLogger struct {
	logger *zap.SugaredLogger
}

func (l *badgerLogger) Errorf(format string, args ...interface{}) {
	l.logger.Errorf(format, args...)
}

func (l *badgerLogger) Warningf(format string, args ...interface{}) {
	l.logger.Warnf(format, args...)
}

func (l *badgerLogger) Infof(format string, args ...interface{}) {
	l.logger.Debugf(format, args...)
}

func (l *badgerLogger) Debugf(format string, args ...interface{}) {
	l.logger.Debugf(format, args...)
}

var _ engine.PartitionStore = (*Store)(nil)
