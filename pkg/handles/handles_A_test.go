package handles_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/i5heu/ouroboros-relay/internal/testutil"
	"github.com/i5heu/ouroboros-relay/pkg/apperr"
	"github.com/i5heu/ouroboros-relay/pkg/auth"
	"github.com/i5heu/ouroboros-relay/pkg/changelog"
	"github.com/i5heu/ouroboros-relay/pkg/handles"
	"github.com/i5heu/ouroboros-relay/pkg/model"
	"github.com/i5heu/ouroboros-relay/pkg/records"
	"github.com/i5heu/ouroboros-relay/pkg/verify"
)

var baseTime = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

type fixture struct { // A
	clock   *auth.ManualClock
	records *records.RecordStore
	reg     *handles.Registry
}

func newFixture(t *testing.T) fixture { // A
	t.Helper()
	store := testutil.NewStore(t)
	clock := auth.NewManualClock(baseTime)
	seq := changelog.NewSequencer(clock, 0)
	reg := handles.New(store, handles.Config{Sequencer: seq, Clock: clock})
	rs := records.New(store, records.Config{
		Sequencer: seq,
		Clock:     clock,
		Handles:   reg,
	})
	return fixture{clock: clock, records: rs, reg: reg}
}

func (f fixture) identity( // A
	t *testing.T,
	breadcrumbs int64,
	trust int,
) testutil.Identity {
	t.Helper()
	id := testutil.NewIdentity(t)
	rec := model.IdentityRecord{
		PublicKeyRoot:   id.PublicKey,
		EncryptionKey:   "enc",
		TrustScore:      trust,
		BreadcrumbCount: breadcrumbs,
		UpdatedAt:       f.clock.Now().UnixMilli(),
	}
	rec.Signature = id.Sign(verify.RecordPayload(rec))
	_, err := f.records.Upsert(context.Background(), rec)
	require.NoError(t, err)
	return id
}

func (f fixture) claim( // A
	id testutil.Identity,
	handle string,
) (*model.HandleClaim, error) {
	ts := f.clock.Now().UnixMilli()
	return f.reg.Claim(
		context.Background(), handle, id.PublicKey, ts,
		id.Sign(verify.HandleClaimPayload(handle, id.PublicKey, ts)),
	)
}

func (f fixture) reserve( // A
	id testutil.Identity,
	handle string,
) (*model.HandleClaim, error) {
	ts := f.clock.Now().UnixMilli()
	return f.reg.Reserve(
		context.Background(), handle, id.PublicKey, ts,
		id.Sign(verify.HandleReservePayload(handle, id.PublicKey, ts)),
	)
}

func TestClaimAliceExample(t *testing.T) { // A
	t.Parallel()
	ctx := context.Background()
	f := newFixture(t)
	pk1 := f.identity(t, 150, 25)
	pk2 := f.identity(t, 150, 25)

	_, err := f.claim(pk1, "alice")
	require.NoError(t, err)

	_, err = f.claim(pk2, "alice")
	require.ErrorIs(t, err, apperr.ErrHandleTaken)

	status, err := f.reg.CheckAvailability(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, model.HandleClaimed, status.Availability)
	assert.Equal(t, pk1.PublicKey, status.Owner)

	rec, err := f.records.ResolveByHandle(ctx, "ALICE")
	require.NoError(t, err)
	assert.Equal(t, pk1.PublicKey, rec.PublicKeyRoot)
	assert.Equal(t, "alice", rec.Handle)

	byKey, err := f.records.ResolveByKey(ctx, pk1.PublicKey)
	require.NoError(t, err)
	assert.Equal(t, "alice", byKey.Handle)
}

func TestReservationExpiresBobExample(t *testing.T) { // A
	t.Parallel()
	ctx := context.Background()
	f := newFixture(t)
	pk3 := f.identity(t, 150, 25)
	pk4 := f.identity(t, 150, 25)

	res, err := f.reserve(pk3, "bob")
	require.NoError(t, err)
	require.NotNil(t, res.ReservationExpiresAt)

	_, err = f.claim(pk4, "bob")
	require.ErrorIs(t, err, apperr.ErrHandleReserved)

	status, err := f.reg.CheckAvailability(ctx, "bob")
	require.NoError(t, err)
	assert.Equal(t, model.HandleReserved, status.Availability)

	f.clock.Advance(31 * 24 * time.Hour)

	status, err = f.reg.CheckAvailability(ctx, "bob")
	require.NoError(t, err)
	assert.Equal(t, model.HandleAvailable, status.Availability)

	claim, err := f.claim(pk4, "bob")
	require.NoError(t, err)
	assert.True(t, claim.Permanent())
	assert.Equal(t, pk4.PublicKey, claim.OwnerPublicKey)
}

func TestConcurrentClaimsSingleWinner(t *testing.T) { // A
	t.Parallel()
	f := newFixture(t)
	const n = 24

	ids := make([]testutil.Identity, n)
	for i := range n {
		ids[i] = f.identity(t, 200, 50)
	}

	var wg sync.WaitGroup
	errs := make([]error, n)
	for i := range n {
		wg.Add(1)
		go func() { // A
			defer wg.Done()
			_, errs[i] = f.claim(ids[i], "contested")
		}()
	}
	wg.Wait()

	wins, taken := 0, 0
	for _, err := range errs {
		switch {
		case err == nil:
			wins++
		case errors.Is(err, apperr.ErrHandleTaken):
			taken++
		default:
			t.Errorf("unexpected error: %v", err)
		}
	}
	assert.Equal(t, 1, wins)
	assert.Equal(t, n-1, taken)
}

func TestClaimConvertsOwnReservation(t *testing.T) { // A
	t.Parallel()
	ctx := context.Background()
	f := newFixture(t)
	id := f.identity(t, 150, 25)

	_, err := f.reserve(id, "carol")
	require.NoError(t, err)
	again, err := f.reserve(id, "carol")
	require.NoError(t, err, "re-reserving is idempotent")

	f.clock.Advance(time.Hour)
	third, err := f.reserve(id, "carol")
	require.NoError(t, err)
	assert.Equal(t, *again.ReservationExpiresAt, *third.ReservationExpiresAt,
		"a repeated reservation keeps its original expiry")

	claim, err := f.claim(id, "carol")
	require.NoError(t, err)
	assert.True(t, claim.Permanent())

	// idempotent re-claim
	_, err = f.claim(id, "carol")
	require.NoError(t, err)

	status, err := f.reg.CheckAvailability(ctx, "carol")
	require.NoError(t, err)
	assert.Equal(t, model.HandleClaimed, status.Availability)
}

func TestClaimTrajectoryGate(t *testing.T) { // A
	t.Parallel()
	f := newFixture(t)

	tests := []struct {
		name   string
		crumbs int64
		trust  int
		want   error
	}{
		{"enough", 100, 20, nil},
		{"few breadcrumbs", 99, 90, apperr.ErrInsufficientTrajectory},
		{"low trust", 1000, 19, apperr.ErrInsufficientTrajectory},
	}

	for i, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			id := f.identity(t, tt.crumbs, tt.trust)
			_, err := f.claim(id, "gate_"+string(rune('a'+i)))
			if tt.want == nil {
				require.NoError(t, err)
				return
			}
			require.ErrorIs(t, err, tt.want)
		})
	}

	stranger := testutil.NewIdentity(t)
	_, err := f.claim(stranger, "nobody")
	require.ErrorIs(t, err, apperr.ErrNotFound)
}

func TestClaimValidation(t *testing.T) { // A
	t.Parallel()
	f := newFixture(t)
	id := f.identity(t, 150, 25)

	for _, h := range []string{"ab", "has-dash", "waytoolonghandlename123", "spa ce", ""} {
		_, err := f.claim(id, h)
		assert.ErrorIs(t, err, apperr.ErrInvalidInput, h)
	}

	ts := f.clock.Now().UnixMilli()
	other := testutil.NewIdentity(t)
	_, err := f.reg.Claim(context.Background(), "dave", id.PublicKey, ts,
		other.Sign(verify.HandleClaimPayload("dave", id.PublicKey, ts)))
	require.ErrorIs(t, err, apperr.ErrInvalidSignature)

	// Upper-case input is normalized before signing checks.
	_, err = f.reg.Claim(context.Background(), "Dave", id.PublicKey, ts,
		id.Sign(verify.HandleClaimPayload("dave", id.PublicKey, ts)))
	require.NoError(t, err)
}

func TestOneHandlePerIdentity(t *testing.T) { // A
	t.Parallel()
	f := newFixture(t)
	id := f.identity(t, 150, 25)

	_, err := f.claim(id, "first")
	require.NoError(t, err)
	_, err = f.claim(id, "second")
	require.ErrorIs(t, err, apperr.ErrHandleAlreadyOwned)
	_, err = f.reserve(id, "third")
	require.ErrorIs(t, err, apperr.ErrHandleAlreadyOwned)
}

func TestDeleteRecordReleasesReservation(t *testing.T) { // A
	t.Parallel()
	ctx := context.Background()
	f := newFixture(t)
	id := f.identity(t, 150, 25)

	_, err := f.reserve(id, "erin")
	require.NoError(t, err)

	f.clock.Advance(time.Second)
	ts := f.clock.Now().UnixMilli()
	require.NoError(t, f.records.Delete(ctx, id.PublicKey, ts,
		id.Sign(verify.RecordDeletePayload(id.PublicKey, ts))))

	status, err := f.reg.CheckAvailability(ctx, "erin")
	require.NoError(t, err)
	assert.Equal(t, model.HandleAvailable, status.Availability)
}

func TestApplyReplicatedClaim(t *testing.T) { // A
	t.Parallel()
	ctx := context.Background()
	f := newFixture(t)
	local := f.identity(t, 150, 25)
	remote := f.identity(t, 150, 25)

	ts := f.clock.Now().UnixMilli()
	remoteClaim := model.HandleClaim{
		Handle:         "frank",
		OwnerPublicKey: remote.PublicKey,
		ClaimedAt:      ts,
		Signature:      remote.Sign(verify.HandleClaimPayload("frank", remote.PublicKey, ts)),
	}
	item := model.SyncItem{Type: model.ResourceAliases, ID: "frank", Claim: &remoteClaim}

	// A local reservation yields to a replicated claim.
	_, err := f.reserve(local, "frank")
	require.NoError(t, err)
	require.NoError(t, f.reg.Apply(ctx, item))
	require.NoError(t, f.reg.Apply(ctx, item), "re-applying is idempotent")

	status, err := f.reg.CheckAvailability(ctx, "frank")
	require.NoError(t, err)
	assert.Equal(t, remote.PublicKey, status.Owner)

	// The first local claim wins over a later remote one.
	_, err = f.claim(local, "grace")
	require.NoError(t, err)
	late := model.HandleClaim{
		Handle:         "grace",
		OwnerPublicKey: remote.PublicKey,
		ClaimedAt:      ts,
		Signature:      remote.Sign(verify.HandleClaimPayload("grace", remote.PublicKey, ts)),
	}
	err = f.reg.Apply(ctx, model.SyncItem{Type: model.ResourceAliases, ID: "grace", Claim: &late})
	require.ErrorIs(t, err, apperr.ErrHandleTaken)

	exp := ts + 1
	reservation := remoteClaim
	reservation.ReservationExpiresAt = &exp
	err = f.reg.Apply(ctx, model.SyncItem{Type: model.ResourceAliases, ID: "frank", Claim: &reservation})
	require.ErrorIs(t, err, apperr.ErrInvalidInput)
}

func TestApplySkipsTrajectoryGate(t *testing.T) { // A
	t.Parallel()
	ctx := context.Background()
	f := newFixture(t)
	weak := f.identity(t, 5, 1)
	unknown := testutil.NewIdentity(t)

	_, err := f.claim(weak, "henry")
	require.ErrorIs(t, err, apperr.ErrInsufficientTrajectory)

	// The gate was passed where these claims were accepted;
	// local records that have since changed or never arrived
	// do not matter.
	ts := f.clock.Now().UnixMilli()
	for handle, id := range map[string]testutil.Identity{"henry": weak, "ivy": unknown} {
		c := model.HandleClaim{
			Handle:         handle,
			OwnerPublicKey: id.PublicKey,
			ClaimedAt:      ts,
			Signature:      id.Sign(verify.HandleClaimPayload(handle, id.PublicKey, ts)),
		}
		require.NoError(t, f.reg.Apply(ctx, model.SyncItem{
			Type: model.ResourceAliases, ID: handle, Claim: &c,
		}), handle)

		status, err := f.reg.CheckAvailability(ctx, handle)
		require.NoError(t, err)
		assert.Equal(t, model.HandleClaimed, status.Availability, handle)
		assert.Equal(t, id.PublicKey, status.Owner, handle)
	}
}

func TestResolveByHandleValidatesFormat(t *testing.T) { // A
	t.Parallel()
	ctx := context.Background()
	f := newFixture(t)

	_, err := f.records.ResolveByHandle(ctx, "no!")
	require.ErrorIs(t, err, apperr.ErrInvalidInput)
	_, err = f.records.ResolveByHandle(ctx, "ab")
	require.ErrorIs(t, err, apperr.ErrInvalidInput)
	_, err = f.records.ResolveByHandle(ctx, "nobody")
	require.ErrorIs(t, err, apperr.ErrNotFound)
}
