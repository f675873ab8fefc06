// Package storage defines the narrow persistence contract
// the relay components depend on. Implementations must
// give Update serializable semantics: two transactions that
// read and then write the same key cannot both commit.
package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
)

// Table names a logical keyspace.
type Table string // A

const ( // A
	TableRecords      Table = "records"
	TableHandles      Table = "handles"
	TableHandleOwners Table = "handle_owners"
	TableEpochs       Table = "epochs"
	TableMessages     Table = "messages"
	TableInbox        Table = "inbox"
	TableAcks         Table = "acks"
	TableChanges      Table = "changes"
	TableCursors      Table = "cursors"
)

// ErrNotFound is returned by Get for absent keys.
var ErrNotFound = errors.New("storage: key not found")

// KV is a key and its value within a table.
type KV struct { // A
	Key   string
	Value []byte
}

// ListOptions bounds a prefix scan. After is an exclusive
// full key to resume from; Limit <= 0 means unbounded.
type ListOptions struct { // A
	After string
	Limit int
}

// Reader is the read half of a transaction.
type Reader interface { // A
	Get(table Table, key string) ([]byte, error)
	List(
		table Table,
		prefix string,
		opts ListOptions,
	) ([]KV, error)
}

// Tx is a read-write transaction.
type Tx interface { // A
	Reader
	Put(table Table, key string, value []byte) error
	Delete(table Table, key string) error
}

// Store is the persistence collaborator.
type Store interface { // A
	Get(ctx context.Context, table Table, key string) ([]byte, error)
	Put(ctx context.Context, table Table, key string, value []byte) error
	Delete(ctx context.Context, table Table, key string) error
	List(
		ctx context.Context,
		table Table,
		prefix string,
		opts ListOptions,
	) ([]KV, error)
	// InsertIfAbsent writes value only when key does not
	// exist and reports whether it did.
	InsertIfAbsent(
		ctx context.Context,
		table Table,
		key string,
		value []byte,
	) (bool, error)
	View(ctx context.Context, fn func(Reader) error) error
	// Update runs fn atomically. Errors returned by fn
	// abort the transaction and are returned unchanged.
	Update(ctx context.Context, fn func(Tx) error) error
	Close() error
}

// GetJSON reads and decodes a JSON value.
func GetJSON(r Reader, table Table, key string, v any) error { // A
	raw, err := r.Get(table, key)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return fmt.Errorf("decode %s/%s: %w", table, key, err)
	}
	return nil
}

// PutJSON encodes and writes a JSON value.
func PutJSON(tx Tx, table Table, key string, v any) error { // A
	raw, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode %s/%s: %w", table, key, err)
	}
	return tx.Put(table, key, raw)
}
