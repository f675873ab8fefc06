package epochs_test

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"github.com/i5heu/ouroboros-relay/internal/keyValStore"
	"github.com/i5heu/ouroboros-relay/internal/testutil"
	"github.com/i5heu/ouroboros-relay/pkg/apperr"
	"github.com/i5heu/ouroboros-relay/pkg/epochs"
	"github.com/i5heu/ouroboros-relay/pkg/model"
	"github.com/i5heu/ouroboros-relay/pkg/verify"
)

func commitment(seed string) string { // A
	sum := verify.Digest([]byte(seed))
	return hex.EncodeToString(sum[:])
}

func publish( // A
	l *epochs.Ledger,
	id testutil.Identity,
	index int64,
	hash string,
) (*model.EpochCommitment, error) {
	return l.Publish(
		context.Background(), id.PublicKey, index, hash,
		id.Sign(verify.EpochPayload(id.PublicKey, index, hash)),
	)
}

func TestPublishOrdering(t *testing.T) { // A
	t.Parallel()
	l := epochs.New(testutil.NewStore(t), nil, nil, nil)
	id := testutil.NewIdentity(t)
	h0, h1 := commitment("e0"), commitment("e1")

	_, err := publish(l, id, 1, h1)
	require.ErrorIs(t, err, apperr.ErrEpochOutOfOrder)

	first, err := publish(l, id, 0, h0)
	require.NoError(t, err)
	assert.Positive(t, first.PublishedAt)

	_, err = publish(l, id, 1, h1)
	require.NoError(t, err)

	again, err := publish(l, id, 0, h0)
	require.NoError(t, err, "identical republish is a no-op")
	assert.Equal(t, first.PublishedAt, again.PublishedAt)

	_, err = publish(l, id, 0, commitment("other"))
	require.ErrorIs(t, err, apperr.ErrEpochConflict)

	_, err = publish(l, id, 5, commitment("e5"))
	require.ErrorIs(t, err, apperr.ErrEpochOutOfOrder)

	list, err := l.List(context.Background(), id.PublicKey)
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, h0, list[0].CommitmentHash)
	assert.Equal(t, h1, list[1].CommitmentHash)

	got, err := l.Get(context.Background(), id.PublicKey, 1)
	require.NoError(t, err)
	assert.Equal(t, h1, got.CommitmentHash)

	_, err = l.Get(context.Background(), id.PublicKey, 2)
	require.ErrorIs(t, err, apperr.ErrNotFound)
}

func TestPublishValidation(t *testing.T) { // A
	t.Parallel()
	l := epochs.New(testutil.NewStore(t), nil, nil, nil)
	id := testutil.NewIdentity(t)
	h := commitment("x")

	_, err := publish(l, id, -1, h)
	require.ErrorIs(t, err, apperr.ErrInvalidInput)

	_, err = publish(l, id, 0, "not-a-hash")
	require.ErrorIs(t, err, apperr.ErrInvalidInput)

	other := testutil.NewIdentity(t)
	_, err = l.Publish(context.Background(), id.PublicKey, 0, h,
		other.Sign(verify.EpochPayload(id.PublicKey, 0, h)))
	require.ErrorIs(t, err, apperr.ErrInvalidSignature)
}

func TestConcurrentPublishSameIndex(t *testing.T) { // A
	t.Parallel()
	l := epochs.New(testutil.NewStore(t), nil, nil, nil)
	id := testutil.NewIdentity(t)
	const n = 16

	var wg sync.WaitGroup
	errs := make([]error, n)
	for i := range n {
		wg.Add(1)
		go func() { // A
			defer wg.Done()
			_, errs[i] = publish(l, id, 0, commitment(fmt.Sprintf("candidate-%d", i)))
		}()
	}
	wg.Wait()

	wins := 0
	for _, err := range errs {
		if err == nil {
			wins++
			continue
		}
		assert.ErrorIs(t, err, apperr.ErrEpochConflict)
	}
	assert.Equal(t, 1, wins)
}

// Whatever order indices are attempted in, the ledger ends
// up gap free and each index holds the first accepted hash.
func TestLedgerStaysContiguous(t *testing.T) { // A
	t.Parallel()
	id := testutil.NewIdentity(t)

	rapid.Check(t, func(rt *rapid.T) {
		kv, err := keyValStore.NewKeyValStore(keyValStore.StoreConfig{InMemory: true})
		if err != nil {
			rt.Fatalf("open store: %v", err)
		}
		defer kv.Close()
		l := epochs.New(kv, nil, nil, nil)

		attempts := rapid.SliceOfN(rapid.Int64Range(0, 8), 1, 40).Draw(rt, "indices")
		accepted := map[int64]string{}
		next := int64(0)
		for n, idx := range attempts {
			h := commitment(fmt.Sprintf("%d-%d", idx, n%2))
			_, err := publish(l, id, idx, h)
			switch {
			case idx == next:
				if err != nil {
					rt.Fatalf("publish %d: %v", idx, err)
				}
				accepted[idx] = h
				next++
			case idx > next:
				if !errors.Is(err, apperr.ErrEpochOutOfOrder) {
					rt.Fatalf("publish %d beyond %d: %v", idx, next, err)
				}
			case accepted[idx] == h:
				if err != nil {
					rt.Fatalf("republish %d: %v", idx, err)
				}
			default:
				if !errors.Is(err, apperr.ErrEpochConflict) {
					rt.Fatalf("conflicting publish %d: %v", idx, err)
				}
			}
		}

		list, err := l.List(context.Background(), id.PublicKey)
		if err != nil {
			rt.Fatalf("list: %v", err)
		}
		if int64(len(list)) != next {
			rt.Fatalf("ledger has %d entries, want %d", len(list), next)
		}
		for i, e := range list {
			if e.EpochIndex != int64(i) || e.CommitmentHash != accepted[int64(i)] {
				rt.Fatalf("entry %d = %+v", i, e)
			}
		}
	})
}

func TestApplyReplicatedEpoch(t *testing.T) { // A
	t.Parallel()
	ctx := context.Background()
	src := epochs.New(testutil.NewStore(t), nil, nil, nil)
	dst := epochs.New(testutil.NewStore(t), nil, nil, nil)
	id := testutil.NewIdentity(t)

	e0, err := publish(src, id, 0, commitment("a"))
	require.NoError(t, err)
	e1, err := publish(src, id, 1, commitment("b"))
	require.NoError(t, err)

	item := func(e *model.EpochCommitment) model.SyncItem { // A
		return model.SyncItem{
			Type:  model.ResourceEpochs,
			ID:    epochs.ItemID(e.PublicKeyRoot, e.EpochIndex),
			Epoch: e,
		}
	}

	require.ErrorIs(t, dst.Apply(ctx, item(e1)), apperr.ErrEpochOutOfOrder)
	require.NoError(t, dst.Apply(ctx, item(e0)))
	require.NoError(t, dst.Apply(ctx, item(e1)))
	require.NoError(t, dst.Apply(ctx, item(e1)))

	forged := *e1
	forged.CommitmentHash = commitment("forged")
	require.ErrorIs(t, dst.Apply(ctx, item(&forged)), apperr.ErrInvalidSignature)

	list, err := dst.List(ctx, id.PublicKey)
	require.NoError(t, err)
	assert.Len(t, list, 2)
}
