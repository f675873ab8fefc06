// Package epochs maintains the append-only ledger of epoch
// commitments of every identity. Indices are accepted
// strictly in order: an entry can only be written when its
// predecessor exists, and a written entry never changes.
package epochs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"

	"github.com/i5heu/ouroboros-relay/pkg/apperr"
	"github.com/i5heu/ouroboros-relay/pkg/auth"
	"github.com/i5heu/ouroboros-relay/pkg/changelog"
	"github.com/i5heu/ouroboros-relay/pkg/interfaces"
	"github.com/i5heu/ouroboros-relay/pkg/model"
	"github.com/i5heu/ouroboros-relay/pkg/storage"
	"github.com/i5heu/ouroboros-relay/pkg/verify"
)

// Ledger is the epoch ledger.
type Ledger struct {
	store storage.Store
	seq   *changelog.Sequencer
	clock auth.Clock
	log   *slog.Logger
}

var _ interfaces.Replica = (*Ledger)(nil)

type stored struct { // A
	Epoch    model.EpochCommitment `json:"epoch"`
	ChangeTs int64                 `json:"changeTs"`
}

// New creates a Ledger. Nil collaborators get defaults.
func New( // A
	store storage.Store,
	seq *changelog.Sequencer,
	clock auth.Clock,
	logger *slog.Logger,
) *Ledger {
	if clock == nil {
		clock = auth.SystemClock()
	}
	if seq == nil {
		seq = changelog.NewSequencer(clock, 0)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Ledger{store: store, seq: seq, clock: clock, log: logger}
}

// key sorts entries of one identity by index.
func key(publicKey string, index int64) string { // A
	return fmt.Sprintf("%s/%020d", publicKey, index)
}

// ItemID is the change feed id of an epoch entry.
func ItemID(publicKey string, index int64) string { // A
	return publicKey + "/" + strconv.FormatInt(index, 10)
}

func parseItemID(id string) (string, int64, error) { // A
	pk, idx, ok := strings.Cut(id, "/")
	if !ok {
		return "", 0, fmt.Errorf("%w: epoch id %q", apperr.ErrInvalidInput, id)
	}
	index, err := strconv.ParseInt(idx, 10, 64)
	if err != nil {
		return "", 0, fmt.Errorf("%w: epoch id %q", apperr.ErrInvalidInput, id)
	}
	return pk, index, nil
}

func loadTx(r storage.Reader, publicKey string, index int64) (stored, error) { // A
	var s stored
	err := storage.GetJSON(r, storage.TableEpochs, key(publicKey, index), &s)
	return s, err
}

func check(e model.EpochCommitment) error { // A
	if err := verify.CheckPublicKey(e.PublicKeyRoot); err != nil {
		return err
	}
	if err := verify.CheckSignature(e.Signature); err != nil {
		return err
	}
	if err := verify.CheckHexDigest(e.CommitmentHash); err != nil {
		return err
	}
	if e.EpochIndex < 0 {
		return fmt.Errorf("%w: negative epoch index", apperr.ErrInvalidInput)
	}
	if !verify.Verify(
		e.PublicKeyRoot,
		verify.EpochPayload(e.PublicKeyRoot, e.EpochIndex, e.CommitmentHash),
		e.Signature,
	) {
		return fmt.Errorf(
			"%w: epoch %d of %s",
			apperr.ErrInvalidSignature, e.EpochIndex, e.PublicKeyRoot,
		)
	}
	return nil
}

// Publish appends a commitment. Publishing an existing
// index again with the same hash returns the stored entry.
func (l *Ledger) Publish( // A
	ctx context.Context,
	publicKey string,
	index int64,
	commitmentHash string,
	signature string,
) (*model.EpochCommitment, error) {
	e := model.EpochCommitment{
		PublicKeyRoot:  publicKey,
		EpochIndex:     index,
		CommitmentHash: commitmentHash,
		Signature:      signature,
	}
	if err := check(e); err != nil {
		return nil, err
	}
	return l.append(ctx, e)
}

func (l *Ledger) append( // A
	ctx context.Context,
	e model.EpochCommitment,
) (*model.EpochCommitment, error) {
	ts := l.seq.Begin()
	defer l.seq.Done(ts)

	result := e
	created := false
	err := l.store.Update(ctx, func(tx storage.Tx) error {
		created = false
		cur, err := loadTx(tx, e.PublicKeyRoot, e.EpochIndex)
		switch {
		case err == nil:
			if cur.Epoch.CommitmentHash != e.CommitmentHash {
				return fmt.Errorf(
					"%w: epoch %d of %s is already published",
					apperr.ErrEpochConflict, e.EpochIndex, e.PublicKeyRoot,
				)
			}
			result = cur.Epoch
			return nil
		case !errors.Is(err, storage.ErrNotFound):
			return err
		}

		if e.EpochIndex > 0 {
			_, err := tx.Get(storage.TableEpochs, key(e.PublicKeyRoot, e.EpochIndex-1))
			if errors.Is(err, storage.ErrNotFound) {
				return fmt.Errorf(
					"%w: epoch %d of %s has no predecessor",
					apperr.ErrEpochOutOfOrder, e.EpochIndex, e.PublicKeyRoot,
				)
			}
			if err != nil {
				return err
			}
		}

		result = e
		result.PublishedAt = l.clock.Now().UnixMilli()
		if err := storage.PutJSON(
			tx,
			storage.TableEpochs,
			key(e.PublicKeyRoot, e.EpochIndex),
			stored{Epoch: result, ChangeTs: ts},
		); err != nil {
			return err
		}
		created = true
		return changelog.Append(
			tx,
			model.ResourceEpochs,
			ItemID(e.PublicKeyRoot, e.EpochIndex),
			ts,
			0,
		)
	})
	if err != nil {
		return nil, err
	}
	if created {
		l.log.Debug("epoch published",
			"publicKey", e.PublicKeyRoot,
			"epochIndex", e.EpochIndex)
	}
	return &result, nil
}

// List returns all commitments of publicKey in index
// order.
func (l *Ledger) List( // A
	ctx context.Context,
	publicKey string,
) ([]model.EpochCommitment, error) {
	if err := verify.CheckPublicKey(publicKey); err != nil {
		return nil, err
	}
	kvs, err := l.store.List(ctx, storage.TableEpochs, publicKey+"/", storage.ListOptions{})
	if err != nil {
		return nil, err
	}
	out := make([]model.EpochCommitment, 0, len(kvs))
	for _, kv := range kvs {
		var s stored
		if err := json.Unmarshal(kv.Value, &s); err != nil {
			return nil, fmt.Errorf("decode epoch %s: %w", kv.Key, err)
		}
		out = append(out, s.Epoch)
	}
	return out, nil
}

// Get returns one commitment.
func (l *Ledger) Get( // A
	ctx context.Context,
	publicKey string,
	index int64,
) (*model.EpochCommitment, error) {
	if err := verify.CheckPublicKey(publicKey); err != nil {
		return nil, err
	}
	var s stored
	err := l.store.View(ctx, func(r storage.Reader) error {
		var err error
		s, err = loadTx(r, publicKey, index)
		return err
	})
	if errors.Is(err, storage.ErrNotFound) {
		return nil, fmt.Errorf("%w: epoch %d of %s", apperr.ErrNotFound, index, publicKey)
	}
	if err != nil {
		return nil, err
	}
	return &s.Epoch, nil
}

// Type returns the replicated resource type.
func (l *Ledger) Type() model.ResourceType { // A
	return model.ResourceEpochs
}

// ItemTx loads the commitment indexed at c.
func (l *Ledger) ItemTx( // A
	r storage.Reader,
	c model.Cursor,
) (*model.SyncItem, error) {
	pk, index, err := parseItemID(c.ID)
	if err != nil {
		return nil, nil
	}
	s, err := loadTx(r, pk, index)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	e := s.Epoch
	return &model.SyncItem{
		Type:      model.ResourceEpochs,
		Timestamp: c.Timestamp,
		ID:        c.ID,
		Epoch:     &e,
	}, nil
}

// Apply appends a commitment received from a peer under
// the same ordering rules as Publish.
func (l *Ledger) Apply(ctx context.Context, item model.SyncItem) error { // A
	if item.Type != model.ResourceEpochs || item.Epoch == nil {
		return fmt.Errorf("%w: not an epoch item", apperr.ErrInvalidInput)
	}
	e := *item.Epoch
	e.PublishedAt = 0
	if item.ID != ItemID(e.PublicKeyRoot, e.EpochIndex) {
		return fmt.Errorf("%w: item id %q does not match epoch", apperr.ErrInvalidInput, item.ID)
	}
	if err := check(e); err != nil {
		return err
	}
	_, err := l.append(ctx, e)
	return err
}
