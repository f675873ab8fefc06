// Package handles arbitrates ownership of human-readable
// handles. A handle is either free, softly reserved for a
// limited time, or permanently claimed by the first
// identity that passes the proof-of-trajectory gate.
//
// Every check-then-write runs inside one storage
// transaction, so two claimants racing for the same handle
// cannot both commit.
package handles

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/i5heu/ouroboros-relay/pkg/apperr"
	"github.com/i5heu/ouroboros-relay/pkg/auth"
	"github.com/i5heu/ouroboros-relay/pkg/changelog"
	"github.com/i5heu/ouroboros-relay/pkg/interfaces"
	"github.com/i5heu/ouroboros-relay/pkg/model"
	"github.com/i5heu/ouroboros-relay/pkg/records"
	"github.com/i5heu/ouroboros-relay/pkg/storage"
	"github.com/i5heu/ouroboros-relay/pkg/verify"
)

const (
	// DefaultReservationTTL is how long a soft reservation
	// blocks other claimants.
	DefaultReservationTTL = 30 * 24 * time.Hour
	// DefaultMinBreadcrumbs and DefaultMinTrustScore form
	// the proof-of-trajectory gate.
	DefaultMinBreadcrumbs = 100
	DefaultMinTrustScore  = 20
)

// Slog attribute keys used throughout the handles package.
const (
	logKeyHandle    = "handle"
	logKeyPublicKey = "publicKey"
	logKeyExpiresAt = "expiresAt"
)

const (
	ownerPrefix   = "owner/"
	reservePrefix = "reserve/"
)

// Config tunes a Registry.
type Config struct {
	Sequencer      *changelog.Sequencer
	Clock          auth.Clock
	ReservationTTL time.Duration
	MinBreadcrumbs int64
	MinTrustScore  int
	Logger         *slog.Logger
}

// Registry is the handle registry.
type Registry struct {
	store storage.Store
	seq   *changelog.Sequencer
	clock auth.Clock
	ttl   time.Duration

	minBreadcrumbs int64
	minTrust       int

	log *slog.Logger
}

var (
	_ interfaces.HandleIndex = (*Registry)(nil)
	_ interfaces.Replica     = (*Registry)(nil)
)

type stored struct { // A
	Claim    model.HandleClaim `json:"claim"`
	ChangeTs int64             `json:"changeTs,omitempty"`
}

// New creates a Registry.
func New(store storage.Store, cfg Config) *Registry { // A
	if cfg.Clock == nil {
		cfg.Clock = auth.SystemClock()
	}
	if cfg.Sequencer == nil {
		cfg.Sequencer = changelog.NewSequencer(cfg.Clock, 0)
	}
	if cfg.ReservationTTL <= 0 {
		cfg.ReservationTTL = DefaultReservationTTL
	}
	if cfg.MinBreadcrumbs <= 0 {
		cfg.MinBreadcrumbs = DefaultMinBreadcrumbs
	}
	if cfg.MinTrustScore <= 0 {
		cfg.MinTrustScore = DefaultMinTrustScore
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Registry{
		store:          store,
		seq:            cfg.Sequencer,
		clock:          cfg.Clock,
		ttl:            cfg.ReservationTTL,
		minBreadcrumbs: cfg.MinBreadcrumbs,
		minTrust:       cfg.MinTrustScore,
		log:            cfg.Logger,
	}
}

// Normalize lower-cases handle and validates its format.
func Normalize(handle string) (string, error) { // A
	return verify.NormalizeHandle(handle)
}

func ownerKey(publicKey string) string { // A
	return ownerPrefix + publicKey
}

func reserveKey(publicKey, handle string) string { // A
	return reservePrefix + publicKey + "/" + handle
}

func loadTx(r storage.Reader, handle string) (stored, error) { // A
	var s stored
	err := storage.GetJSON(r, storage.TableHandles, handle, &s)
	return s, err
}

func (hr *Registry) now() int64 { // A
	return hr.clock.Now().UnixMilli()
}

// CheckAvailability reports the state of handle.
func (hr *Registry) CheckAvailability( // A
	ctx context.Context,
	handle string,
) (model.HandleStatus, error) {
	h, err := Normalize(handle)
	if err != nil {
		return model.HandleStatus{}, err
	}

	status := model.HandleStatus{Handle: h, Availability: model.HandleAvailable}
	err = hr.store.View(ctx, func(r storage.Reader) error {
		s, err := loadTx(r, h)
		if errors.Is(err, storage.ErrNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		c := s.Claim
		switch {
		case c.Permanent():
			status.Availability = model.HandleClaimed
			status.Owner = c.OwnerPublicKey
		case c.Holds(hr.now()):
			status.Availability = model.HandleReserved
			status.Owner = c.OwnerPublicKey
			status.ExpiresAt = c.ReservationExpiresAt
		}
		return nil
	})
	return status, err
}

// Reserve places a soft hold on handle for publicKey. A
// repeated reservation by the same key returns the
// existing hold unchanged.
func (hr *Registry) Reserve( // A
	ctx context.Context,
	handle string,
	publicKey string,
	requestedAt int64,
	signature string,
) (*model.HandleClaim, error) {
	h, err := hr.checkRequest(handle, publicKey, signature)
	if err != nil {
		return nil, err
	}
	if !verify.Verify(
		publicKey,
		verify.HandleReservePayload(h, publicKey, requestedAt),
		signature,
	) {
		return nil, fmt.Errorf("%w: reservation of %s", apperr.ErrInvalidSignature, h)
	}

	var result model.HandleClaim
	created := false
	err = hr.store.Update(ctx, func(tx storage.Tx) error {
		created = false
		now := hr.now()
		cur, err := loadTx(tx, h)
		if err != nil && !errors.Is(err, storage.ErrNotFound) {
			return err
		}
		if err == nil && cur.Claim.Holds(now) {
			c := cur.Claim
			switch {
			case c.Permanent():
				return fmt.Errorf("%w: %s", apperr.ErrHandleTaken, h)
			case c.OwnerPublicKey != publicKey:
				return fmt.Errorf("%w: %s", apperr.ErrHandleReserved, h)
			}
			result = c
			return nil
		}
		if _, err := tx.Get(storage.TableHandleOwners, ownerKey(publicKey)); err == nil {
			return fmt.Errorf("%w: %s", apperr.ErrHandleAlreadyOwned, publicKey)
		} else if !errors.Is(err, storage.ErrNotFound) {
			return err
		}
		if err := hr.dropStaleReservation(tx, cur, h); err != nil {
			return err
		}

		expires := now + hr.ttl.Milliseconds()
		result = model.HandleClaim{
			Handle:               h,
			OwnerPublicKey:       publicKey,
			ClaimedAt:            now,
			ReservationExpiresAt: &expires,
			Signature:            signature,
		}
		if err := storage.PutJSON(tx, storage.TableHandles, h, stored{Claim: result}); err != nil {
			return err
		}
		created = true
		return tx.Put(storage.TableHandleOwners, reserveKey(publicKey, h), []byte(h))
	})
	if err != nil {
		return nil, err
	}
	if created {
		hr.log.Info("handle reserved",
			logKeyHandle, h,
			logKeyPublicKey, publicKey,
			logKeyExpiresAt, *result.ReservationExpiresAt)
	}
	return &result, nil
}

// Claim permanently assigns handle to publicKey. Exactly
// one of several concurrent claimants succeeds; the others
// get apperr.ErrHandleTaken.
func (hr *Registry) Claim( // A
	ctx context.Context,
	handle string,
	publicKey string,
	claimedAt int64,
	signature string,
) (*model.HandleClaim, error) {
	h, err := hr.checkRequest(handle, publicKey, signature)
	if err != nil {
		return nil, err
	}
	if claimedAt <= 0 {
		return nil, fmt.Errorf("%w: claim timestamp must be positive", apperr.ErrInvalidInput)
	}
	if !verify.Verify(
		publicKey,
		verify.HandleClaimPayload(h, publicKey, claimedAt),
		signature,
	) {
		return nil, fmt.Errorf("%w: claim of %s", apperr.ErrInvalidSignature, h)
	}

	claim := model.HandleClaim{
		Handle:         h,
		OwnerPublicKey: publicKey,
		ClaimedAt:      claimedAt,
		Signature:      signature,
	}
	result, created, err := hr.commitClaim(ctx, claim, false)
	if err != nil {
		return nil, err
	}
	if created {
		hr.log.Info("handle claimed",
			logKeyHandle, h,
			logKeyPublicKey, publicKey)
	}
	return result, nil
}

// commitClaim writes a permanent claim. Replicated claims
// displace a local reservation held by another key; local
// claims are blocked by it. The trajectory gate was passed
// on the node that accepted the claim, so replicated claims
// skip it.
func (hr *Registry) commitClaim( // A
	ctx context.Context,
	claim model.HandleClaim,
	replicated bool,
) (*model.HandleClaim, bool, error) {
	ts := hr.seq.Begin()
	defer hr.seq.Done(ts)

	h, publicKey := claim.Handle, claim.OwnerPublicKey
	result := claim
	created := false
	err := hr.store.Update(ctx, func(tx storage.Tx) error {
		result, created = claim, false
		cur, err := loadTx(tx, h)
		if err != nil && !errors.Is(err, storage.ErrNotFound) {
			return err
		}
		if err == nil && cur.Claim.Holds(hr.now()) {
			c := cur.Claim
			switch {
			case c.Permanent() && c.OwnerPublicKey == publicKey:
				result = c
				return nil
			case c.Permanent():
				return fmt.Errorf("%w: %s", apperr.ErrHandleTaken, h)
			case c.OwnerPublicKey != publicKey && !replicated:
				return fmt.Errorf("%w: %s", apperr.ErrHandleReserved, h)
			}
		}

		if !replicated {
			if err := hr.checkTrajectory(tx, publicKey); err != nil {
				return err
			}
		}
		owned, err := tx.Get(storage.TableHandleOwners, ownerKey(publicKey))
		switch {
		case err == nil:
			return fmt.Errorf(
				"%w: %s already owns %s",
				apperr.ErrHandleAlreadyOwned, publicKey, owned,
			)
		case !errors.Is(err, storage.ErrNotFound):
			return err
		}

		if err := hr.dropStaleReservation(tx, cur, h); err != nil {
			return err
		}
		if err := storage.PutJSON(tx, storage.TableHandles, h, stored{
			Claim:    claim,
			ChangeTs: ts,
		}); err != nil {
			return err
		}
		if err := tx.Put(storage.TableHandleOwners, ownerKey(publicKey), []byte(h)); err != nil {
			return err
		}
		if err := hr.releaseReservations(tx, publicKey); err != nil {
			return err
		}
		created = true
		return changelog.Append(tx, model.ResourceAliases, h, ts, 0)
	})
	if err != nil {
		return nil, false, err
	}
	return &result, created, nil
}

func (hr *Registry) checkRequest( // A
	handle, publicKey, signature string,
) (string, error) {
	h, err := Normalize(handle)
	if err != nil {
		return "", err
	}
	if err := verify.CheckPublicKey(publicKey); err != nil {
		return "", err
	}
	if err := verify.CheckSignature(signature); err != nil {
		return "", err
	}
	return h, nil
}

func (hr *Registry) checkTrajectory(r storage.Reader, publicKey string) error { // A
	rec, err := records.LiveTx(r, publicKey)
	if err != nil {
		return err
	}
	if rec.BreadcrumbCount < hr.minBreadcrumbs || rec.TrustScore < hr.minTrust {
		return fmt.Errorf(
			"%w: %d breadcrumbs and trust %d, need %d and %d",
			apperr.ErrInsufficientTrajectory,
			rec.BreadcrumbCount, rec.TrustScore,
			hr.minBreadcrumbs, hr.minTrust,
		)
	}
	return nil
}

// dropStaleReservation removes the owner index entry of a
// reservation that is about to be overwritten.
func (hr *Registry) dropStaleReservation( // A
	tx storage.Tx,
	cur stored,
	handle string,
) error {
	if cur.Claim.OwnerPublicKey == "" || cur.Claim.Permanent() {
		return nil
	}
	return tx.Delete(
		storage.TableHandleOwners,
		reserveKey(cur.Claim.OwnerPublicKey, handle),
	)
}

func (hr *Registry) releaseReservations(tx storage.Tx, owner string) error { // A
	kvs, err := tx.List(
		storage.TableHandleOwners,
		reservePrefix+owner+"/",
		storage.ListOptions{},
	)
	if err != nil {
		return err
	}
	for _, kv := range kvs {
		h := string(kv.Value)
		if err := tx.Delete(storage.TableHandleOwners, kv.Key); err != nil {
			return err
		}
		cur, err := loadTx(tx, h)
		if errors.Is(err, storage.ErrNotFound) {
			continue
		}
		if err != nil {
			return err
		}
		if cur.Claim.Permanent() || cur.Claim.OwnerPublicKey != owner {
			continue
		}
		if err := tx.Delete(storage.TableHandles, h); err != nil {
			return err
		}
	}
	return nil
}

// ReleaseReservationsTx drops every reservation held by
// owner. Permanent claims are kept.
func (hr *Registry) ReleaseReservationsTx(tx storage.Tx, owner string) error { // A
	return hr.releaseReservations(tx, owner)
}

// OwnerTx returns the owner of a permanent claim.
func (hr *Registry) OwnerTx(r storage.Reader, handle string) (string, error) { // A
	s, err := loadTx(r, handle)
	if err != nil {
		return "", err
	}
	if !s.Claim.Permanent() {
		return "", storage.ErrNotFound
	}
	return s.Claim.OwnerPublicKey, nil
}

// HandleOfTx returns the handle permanently owned by
// publicKey.
func (hr *Registry) HandleOfTx(r storage.Reader, publicKey string) (string, error) { // A
	raw, err := r.Get(storage.TableHandleOwners, ownerKey(publicKey))
	if err != nil {
		return "", err
	}
	return string(raw), nil
}

// Type returns the replicated resource type.
func (hr *Registry) Type() model.ResourceType { // A
	return model.ResourceAliases
}

// ItemTx loads the permanent claim indexed at c.
func (hr *Registry) ItemTx( // A
	r storage.Reader,
	c model.Cursor,
) (*model.SyncItem, error) {
	s, err := loadTx(r, c.ID)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if !s.Claim.Permanent() || s.ChangeTs != c.Timestamp {
		return nil, nil
	}
	claim := s.Claim
	return &model.SyncItem{
		Type:      model.ResourceAliases,
		Timestamp: c.Timestamp,
		ID:        c.ID,
		Claim:     &claim,
	}, nil
}

// Apply stores a permanent claim received from a peer. A
// handle already claimed locally by another key keeps its
// local owner. The owner's current record is not consulted.
func (hr *Registry) Apply(ctx context.Context, item model.SyncItem) error { // A
	if item.Type != model.ResourceAliases || item.Claim == nil {
		return fmt.Errorf("%w: not an alias item", apperr.ErrInvalidInput)
	}
	c := *item.Claim
	if !c.Permanent() {
		return fmt.Errorf("%w: reservations are not replicated", apperr.ErrInvalidInput)
	}
	if c.Handle != item.ID {
		return fmt.Errorf("%w: item id %q does not match claim", apperr.ErrInvalidInput, item.ID)
	}
	h, err := hr.checkRequest(c.Handle, c.OwnerPublicKey, c.Signature)
	if err != nil {
		return err
	}
	if h != c.Handle || c.ClaimedAt <= 0 {
		return fmt.Errorf("%w: claim %q is not canonical", apperr.ErrInvalidInput, c.Handle)
	}
	if !verify.Verify(
		c.OwnerPublicKey,
		verify.HandleClaimPayload(h, c.OwnerPublicKey, c.ClaimedAt),
		c.Signature,
	) {
		return fmt.Errorf("%w: claim of %s", apperr.ErrInvalidSignature, h)
	}

	_, created, err := hr.commitClaim(ctx, c, true)
	if err != nil {
		return err
	}
	if created {
		hr.log.Debug("replicated handle claim",
			logKeyHandle, h,
			logKeyPublicKey, c.OwnerPublicKey)
	}
	return nil
}
