// Package keyValStore implements storage.Store on top of
// BadgerDB. Badger's serializable snapshot isolation turns
// every read-then-write transaction into a compare-and-swap:
// when two transactions race on the same key the later
// commit fails with badger.ErrConflict and is re-run.
package keyValStore

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"strings"
	"sync/atomic"

	"github.com/dgraph-io/badger/v4"
	"github.com/sirupsen/logrus"

	"github.com/i5heu/ouroboros-relay/pkg/apperr"
	"github.com/i5heu/ouroboros-relay/pkg/storage"
)

const defaultConflictRetries = 32

type StoreConfig struct {
	Paths            []string // absolute path at the moment only first path is supported
	MinimumFreeSpace int      // in GB
	// InMemory keeps everything in RAM. Paths is ignored.
	InMemory bool
	// ConflictRetries bounds how often a conflicting
	// transaction is re-run before giving up.
	ConflictRetries int
	Logger          *logrus.Logger
}

type KeyValStore struct {
	config       StoreConfig
	badgerDB     *badger.DB
	readCounter  atomic.Uint64
	writeCounter atomic.Uint64
}

var _ storage.Store = (*KeyValStore)(nil)

func NewKeyValStore(config StoreConfig) (*KeyValStore, error) {
	if config.Logger == nil {
		config.Logger = logrus.New()
		config.Logger.SetLevel(logrus.WarnLevel)
	}
	if config.ConflictRetries <= 0 {
		config.ConflictRetries = defaultConflictRetries
	}

	err := config.checkConfig()
	if err != nil {
		return nil, fmt.Errorf("error checking config for KeyValStore: %w", err)
	}

	var opts badger.Options
	if config.InMemory {
		opts = badger.DefaultOptions("").
			WithInMemory(true).
			WithMemTableSize(8 << 20).
			WithBlockCacheSize(8 << 20)
	} else {
		opts = badger.DefaultOptions(config.Paths[0])
		opts.ValueLogFileSize = 1024 * 1024 * 100 // Set max size of each value log file to 100MB
	}
	opts = opts.WithLogger(config.Logger)

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open badger: %w", err)
	}

	return &KeyValStore{
		config:   config,
		badgerDB: db,
	}, nil
}

// Counters returns the number of read and write operations
// served since the store was opened.
func (k *KeyValStore) Counters() (reads, writes uint64) {
	return k.readCounter.Load(), k.writeCounter.Load()
}

func fullKey(table storage.Table, key string) []byte {
	return []byte(string(table) + "/" + key)
}

func unavailable(op string, err error) error {
	return fmt.Errorf("%s: %w: %v", op, apperr.ErrUnavailable, err)
}

func (k *KeyValStore) Get(
	ctx context.Context,
	table storage.Table,
	key string,
) ([]byte, error) {
	var value []byte
	err := k.View(ctx, func(r storage.Reader) error {
		var err error
		value, err = r.Get(table, key)
		return err
	})
	return value, err
}

func (k *KeyValStore) Put(
	ctx context.Context,
	table storage.Table,
	key string,
	value []byte,
) error {
	return k.Update(ctx, func(tx storage.Tx) error {
		return tx.Put(table, key, value)
	})
}

func (k *KeyValStore) Delete(
	ctx context.Context,
	table storage.Table,
	key string,
) error {
	return k.Update(ctx, func(tx storage.Tx) error {
		return tx.Delete(table, key)
	})
}

func (k *KeyValStore) List(
	ctx context.Context,
	table storage.Table,
	prefix string,
	opts storage.ListOptions,
) ([]storage.KV, error) {
	var items []storage.KV
	err := k.View(ctx, func(r storage.Reader) error {
		var err error
		items, err = r.List(table, prefix, opts)
		return err
	})
	return items, err
}

func (k *KeyValStore) InsertIfAbsent(
	ctx context.Context,
	table storage.Table,
	key string,
	value []byte,
) (bool, error) {
	inserted := false
	err := k.Update(ctx, func(tx storage.Tx) error {
		inserted = false
		_, err := tx.Get(table, key)
		if err == nil {
			return nil
		}
		if !errors.Is(err, storage.ErrNotFound) {
			return err
		}
		inserted = true
		return tx.Put(table, key, value)
	})
	return inserted, err
}

func (k *KeyValStore) View(
	ctx context.Context,
	fn func(storage.Reader) error,
) error {
	if err := ctx.Err(); err != nil {
		return unavailable("view", err)
	}

	var fnErr error
	err := k.badgerDB.View(func(txn *badger.Txn) error {
		fnErr = fn(&badgerTx{txn: txn, kv: k})
		return fnErr
	})
	if fnErr != nil {
		return fnErr
	}
	if err != nil {
		return unavailable("view", err)
	}
	return nil
}

func (k *KeyValStore) Update(
	ctx context.Context,
	fn func(storage.Tx) error,
) error {
	for attempt := 0; ; attempt++ {
		if err := ctx.Err(); err != nil {
			return unavailable("update", err)
		}

		var fnErr error
		err := k.badgerDB.Update(func(txn *badger.Txn) error {
			fnErr = fn(&badgerTx{txn: txn, kv: k})
			return fnErr
		})
		if fnErr != nil {
			return fnErr
		}
		if err == nil {
			return nil
		}
		if errors.Is(err, badger.ErrConflict) &&
			attempt < k.config.ConflictRetries {
			runtime.Gosched()
			continue
		}
		return unavailable("update", err)
	}
}

func (k *KeyValStore) Close() error {
	return k.badgerDB.Close()
}

// Clean runs value log garbage collection. It is a no-op
// for in-memory stores.
func (k *KeyValStore) Clean() error {
	if k.config.InMemory {
		return nil
	}

	err := k.badgerDB.Sync()
	if err != nil {
		return fmt.Errorf("error syncing db: %w", err)
	}

	err = k.badgerDB.RunValueLogGC(0.5)
	if err != nil && !errors.Is(err, badger.ErrNoRewrite) {
		return fmt.Errorf("error cleaning db: %w", err)
	}
	return nil
}

// badgerTx adapts a badger transaction to storage.Tx.
type badgerTx struct {
	txn *badger.Txn
	kv  *KeyValStore
}

func (t *badgerTx) Get(table storage.Table, key string) ([]byte, error) {
	t.kv.readCounter.Add(1)
	item, err := t.txn.Get(fullKey(table, key))
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, unavailable("get", err)
	}
	value, err := item.ValueCopy(nil)
	if err != nil {
		return nil, unavailable("get value", err)
	}
	return value, nil
}

func (t *badgerTx) Put(table storage.Table, key string, value []byte) error {
	t.kv.writeCounter.Add(1)
	if err := t.txn.Set(fullKey(table, key), value); err != nil {
		return unavailable("put", err)
	}
	return nil
}

func (t *badgerTx) Delete(table storage.Table, key string) error {
	t.kv.writeCounter.Add(1)
	if err := t.txn.Delete(fullKey(table, key)); err != nil {
		return unavailable("delete", err)
	}
	return nil
}

// List returns items whose key starts with prefix in key
// order, starting strictly after opts.After.
func (t *badgerTx) List(
	table storage.Table,
	prefix string,
	opts storage.ListOptions,
) ([]storage.KV, error) {
	t.kv.readCounter.Add(1)
	tablePrefix := string(table) + "/"
	scanPrefix := []byte(tablePrefix + prefix)

	itOpts := badger.DefaultIteratorOptions
	itOpts.Prefix = scanPrefix
	it := t.txn.NewIterator(itOpts)
	defer it.Close()

	seek := scanPrefix
	if opts.After != "" && opts.After >= prefix {
		seek = []byte(tablePrefix + opts.After)
	}

	var out []storage.KV
	for it.Seek(seek); it.ValidForPrefix(scanPrefix); it.Next() {
		item := it.Item()
		key := strings.TrimPrefix(string(item.Key()), tablePrefix)
		if opts.After != "" && key <= opts.After {
			continue
		}
		value, err := item.ValueCopy(nil)
		if err != nil {
			return nil, unavailable("list value", err)
		}
		out = append(out, storage.KV{Key: key, Value: value})
		if opts.Limit > 0 && len(out) >= opts.Limit {
			break
		}
	}
	return out, nil
}
