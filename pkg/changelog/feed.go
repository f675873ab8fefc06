package changelog

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/i5heu/ouroboros-relay/pkg/model"
	"github.com/i5heu/ouroboros-relay/pkg/storage"
)

// highWaterKey stores the newest stamp written, used to
// seed the Sequencer after a restart.
const highWaterKey = "local/sequence"

// afterAllIDs sorts after every id character in use.
const afterAllIDs = "~"

// Key returns the feed key for an item.
func Key(rt model.ResourceType, ts int64, id string) string { // A
	return fmt.Sprintf("%s/%020d/%s", rt, ts, id)
}

func parseKey(key string) (model.Cursor, error) { // A
	parts := strings.SplitN(key, "/", 3)
	if len(parts) != 3 {
		return model.Cursor{}, fmt.Errorf("malformed feed key %q", key)
	}
	ts, err := strconv.ParseInt(parts[1], 10, 64)
	if err != nil {
		return model.Cursor{}, fmt.Errorf("malformed feed key %q: %w", key, err)
	}
	return model.Cursor{Timestamp: ts, ID: parts[2]}, nil
}

// Append indexes item id at ts and drops the entry written
// for its previous version, if any.
func Append( // A
	tx storage.Tx,
	rt model.ResourceType,
	id string,
	ts int64,
	prevTs int64,
) error {
	if prevTs > 0 && prevTs != ts {
		if err := tx.Delete(storage.TableChanges, Key(rt, prevTs, id)); err != nil {
			return err
		}
	}
	if err := tx.Put(storage.TableChanges, Key(rt, ts, id), nil); err != nil {
		return err
	}
	return tx.Put(
		storage.TableCursors,
		highWaterKey,
		[]byte(strconv.FormatInt(ts, 10)),
	)
}

// Page lists up to limit feed positions of type rt that
// sort strictly after cursor and lie below horizon. The
// boolean reports whether more safe entries follow.
//
// horizon must be read from the Sequencer before r is
// opened. A horizon taken after the snapshot can cover a
// commit the snapshot does not see, and that entry would
// be skipped for good.
func Page( // A
	r storage.Reader,
	rt model.ResourceType,
	after model.Cursor,
	horizon int64,
	limit int,
) ([]model.Cursor, bool, error) {
	if limit <= 0 {
		return nil, false, errors.New("page limit must be positive")
	}

	id := after.ID
	if id == "" {
		id = afterAllIDs
	}
	var afterKey string
	if after.Timestamp > 0 || after.ID != "" {
		afterKey = Key(rt, after.Timestamp, id)
	}

	kvs, err := r.List(
		storage.TableChanges,
		string(rt)+"/",
		storage.ListOptions{After: afterKey, Limit: limit + 1},
	)
	if err != nil {
		return nil, false, err
	}

	out := make([]model.Cursor, 0, len(kvs))
	for _, kv := range kvs {
		c, err := parseKey(kv.Key)
		if err != nil {
			// keys are written only by Append
			return nil, false, err
		}
		if c.Timestamp >= horizon {
			return out, false, nil
		}
		if len(out) == limit {
			return out, true, nil
		}
		out = append(out, c)
	}
	return out, false, nil
}

// LoadHighWater returns the newest stamp persisted by
// Append, or zero.
func LoadHighWater( // A
	ctx context.Context,
	store storage.Store,
) (int64, error) {
	raw, err := store.Get(ctx, storage.TableCursors, highWaterKey)
	if errors.Is(err, storage.ErrNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return strconv.ParseInt(string(raw), 10, 64)
}
