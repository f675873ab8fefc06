// Package records stores signed identity records and
// resolves them by public key or handle. Writes follow
// last-writer-wins on UpdatedAt; deletions leave a signed
// tombstone so that they replicate like any other write.
package records

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
	"github.com/i5heu/ouroboros-relay/pkg/storage"
	"github.com/i5heu/ouroboros-relay/pkg/verify"
)

const (
	// MaxPayloadSize bounds the opaque record payload.
	MaxPayloadSize = 64 << 10
	// MaxTrustScore is the upper bound of a trust score.
	MaxTrustScore   = 100
	maxEncKeyLength = 1024
)

// Slog attribute keys used throughout the records package.
const (
	logKeyPublicKey = "publicKey"
	logKeyUpdatedAt = "updatedAt"
	logKeyDeleted   = "deleted"
)

// Config wires a RecordStore to its collaborators.
type Config struct {
	Sequencer *changelog.Sequencer
	// Handles derives the handle of a resolved record and
	// drops reservations when a record is deleted. Nil
	// disables both.
	Handles   interfaces.HandleIndex
	Clock     auth.Clock
	ClockSkew time.Duration
	Logger    *slog.Logger
}

// RecordStore persists identity records.
type RecordStore struct {
	store   storage.Store
	seq     *changelog.Sequencer
	handles interfaces.HandleIndex
	clock   auth.Clock
	skew    time.Duration
	log     *slog.Logger
}

var _ interfaces.Replica = (*RecordStore)(nil)

// stored is the persisted form of a record. ChangeTs is
// the change feed stamp of the version.
type stored struct { // A
	Record   model.IdentityRecord `json:"record"`
	ChangeTs int64                `json:"changeTs"`
}

// New creates a RecordStore on top of store.
func New(store storage.Store, cfg Config) *RecordStore { // A
	if cfg.Clock == nil {
		cfg.Clock = auth.SystemClock()
	}
	if cfg.Sequencer == nil {
		cfg.Sequencer = changelog.NewSequencer(cfg.Clock, 0)
	}
	if cfg.ClockSkew <= 0 {
		cfg.ClockSkew = auth.DefaultClockSkew
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &RecordStore{
		store:   store,
		seq:     cfg.Sequencer,
		handles: cfg.Handles,
		clock:   cfg.Clock,
		skew:    cfg.ClockSkew,
		log:     cfg.Logger,
	}
}

func loadTx(r storage.Reader, publicKey string) (stored, error) { // A
	var s stored
	err := storage.GetJSON(r, storage.TableRecords, publicKey, &s)
	return s, err
}

// LiveTx returns the current live record of publicKey.
// Tombstones and absent keys yield apperr.ErrNotFound.
func LiveTx( // A
	r storage.Reader,
	publicKey string,
) (*model.IdentityRecord, error) {
	s, err := loadTx(r, publicKey)
	if errors.Is(err, storage.ErrNotFound) || (err == nil && s.Record.Deleted) {
		return nil, fmt.Errorf("%w: record %s", apperr.ErrNotFound, publicKey)
	}
	if err != nil {
		return nil, err
	}
	rec := s.Record
	return &rec, nil
}

// ResolveByKey returns the live record of publicKey with
// its handle, if any.
func (rs *RecordStore) ResolveByKey( // A
	ctx context.Context,
	publicKey string,
) (*model.IdentityRecord, error) {
	if err := verify.CheckPublicKey(publicKey); err != nil {
		return nil, err
	}

	var rec *model.IdentityRecord
	err := rs.store.View(ctx, func(r storage.Reader) error {
		var err error
		rec, err = LiveTx(r, publicKey)
		if err != nil {
			return err
		}
		rec.Handle, err = rs.handleOf(r, publicKey)
		return err
	})
	if err != nil {
		return nil, err
	}
	return rec, nil
}

// ResolveByHandle returns the live record of the owner of
// a permanently claimed handle.
func (rs *RecordStore) ResolveByHandle( // A
	ctx context.Context,
	handle string,
) (*model.IdentityRecord, error) {
	handle, err := verify.NormalizeHandle(handle)
	if err != nil {
		return nil, err
	}
	if rs.handles == nil {
		return nil, fmt.Errorf("%w: handle %s", apperr.ErrNotFound, handle)
	}

	var rec *model.IdentityRecord
	err = rs.store.View(ctx, func(r storage.Reader) error {
		owner, err := rs.handles.OwnerTx(r, handle)
		if errors.Is(err, storage.ErrNotFound) {
			return fmt.Errorf("%w: handle %s", apperr.ErrNotFound, handle)
		}
		if err != nil {
			return err
		}
		rec, err = LiveTx(r, owner)
		if err != nil {
			return err
		}
		rec.Handle = handle
		return nil
	})
	if err != nil {
		return nil, err
	}
	return rec, nil
}

func (rs *RecordStore) handleOf(r storage.Reader, publicKey string) (string, error) { // A
	if rs.handles == nil {
		return "", nil
	}
	h, err := rs.handles.HandleOfTx(r, publicKey)
	if errors.Is(err, storage.ErrNotFound) {
		return "", nil
	}
	return h, err
}

// Upsert verifies and stores a record. The stored version
// is returned; replaying an identical signed record is a
// no-op.
func (rs *RecordStore) Upsert( // A
	ctx context.Context,
	rec model.IdentityRecord,
) (*model.IdentityRecord, error) {
	rec.Handle = ""
	rec.Deleted = false
	if err := rs.checkRecord(rec, false); err != nil {
		return nil, err
	}
	if !verify.Verify(rec.PublicKeyRoot, verify.RecordPayload(rec), rec.Signature) {
		return nil, fmt.Errorf("%w: record %s", apperr.ErrInvalidSignature, rec.PublicKeyRoot)
	}
	return rs.write(ctx, rec, false)
}

// Delete replaces the record of publicKey with a signed
// tombstone and releases its handle reservations.
func (rs *RecordStore) Delete( // A
	ctx context.Context,
	publicKey string,
	deletedAt int64,
	signature string,
) error {
	tomb := model.IdentityRecord{
		PublicKeyRoot: publicKey,
		Signature:     signature,
		UpdatedAt:     deletedAt,
		Deleted:       true,
	}
	if err := rs.checkTombstone(tomb, false); err != nil {
		return err
	}
	if !verify.Verify(
		publicKey,
		verify.RecordDeletePayload(publicKey, deletedAt),
		signature,
	) {
		return fmt.Errorf("%w: delete %s", apperr.ErrInvalidSignature, publicKey)
	}
	_, err := rs.write(ctx, tomb, true)
	return err
}

func (rs *RecordStore) write( // A
	ctx context.Context,
	rec model.IdentityRecord,
	requireLive bool,
) (*model.IdentityRecord, error) {
	ts := rs.seq.Begin()
	defer rs.seq.Done(ts)

	result := rec
	written := false
	err := rs.store.Update(ctx, func(tx storage.Tx) error {
		result, written = rec, false
		var prevTs int64

		cur, err := loadTx(tx, rec.PublicKeyRoot)
		switch {
		case errors.Is(err, storage.ErrNotFound):
			if requireLive {
				return fmt.Errorf("%w: record %s", apperr.ErrNotFound, rec.PublicKeyRoot)
			}
		case err != nil:
			return err
		default:
			if requireLive && cur.Record.Deleted {
				return fmt.Errorf("%w: record %s", apperr.ErrNotFound, rec.PublicKeyRoot)
			}
			switch resolve(rec, cur.Record) {
			case outcomeNoop:
				result = cur.Record
				return nil
			case outcomeStale:
				return fmt.Errorf(
					"%w: stored version of %s is at %d",
					apperr.ErrStaleWrite, rec.PublicKeyRoot, cur.Record.UpdatedAt,
				)
			}
			prevTs = cur.ChangeTs
		}

		if err := storage.PutJSON(tx, storage.TableRecords, rec.PublicKeyRoot, stored{
			Record:   rec,
			ChangeTs: ts,
		}); err != nil {
			return err
		}
		if err := changelog.Append(tx, model.ResourceRecords, rec.PublicKeyRoot, ts, prevTs); err != nil {
			return err
		}
		if rec.Deleted && rs.handles != nil {
			if err := rs.handles.ReleaseReservationsTx(tx, rec.PublicKeyRoot); err != nil {
				return err
			}
		}
		written = true
		return nil
	})
	if err != nil {
		return nil, err
	}

	if written {
		rs.log.Debug("record stored",
			logKeyPublicKey, rec.PublicKeyRoot,
			logKeyUpdatedAt, rec.UpdatedAt,
			logKeyDeleted, rec.Deleted)
	}
	return &result, nil
}

// checkTimestamp rejects timestamps ahead of the local
// clock. Replicated writes were bounded by the clock of the
// node that accepted them and only need to be positive.
func (rs *RecordStore) checkTimestamp(ts int64, replicated bool) error { // A
	if ts <= 0 {
		return fmt.Errorf("%w: updatedAt must be positive", apperr.ErrInvalidInput)
	}
	if replicated {
		return nil
	}
	limit := rs.clock.Now().Add(rs.skew).UnixMilli()
	if ts > limit {
		return fmt.Errorf("%w: updatedAt %d is in the future", apperr.ErrInvalidInput, ts)
	}
	return nil
}

func (rs *RecordStore) checkRecord(rec model.IdentityRecord, replicated bool) error { // A
	if err := verify.CheckPublicKey(rec.PublicKeyRoot); err != nil {
		return err
	}
	if err := verify.CheckSignature(rec.Signature); err != nil {
		return err
	}
	switch {
	case rec.EncryptionKey == "" || len(rec.EncryptionKey) > maxEncKeyLength:
		return fmt.Errorf("%w: encryption key length", apperr.ErrInvalidInput)
	case rec.TrustScore < 0 || rec.TrustScore > MaxTrustScore:
		return fmt.Errorf("%w: trust score %d", apperr.ErrInvalidInput, rec.TrustScore)
	case rec.BreadcrumbCount < 0:
		return fmt.Errorf("%w: breadcrumb count %d", apperr.ErrInvalidInput, rec.BreadcrumbCount)
	case len(rec.Payload) > MaxPayloadSize:
		return fmt.Errorf("%w: payload exceeds %d bytes", apperr.ErrInvalidInput, MaxPayloadSize)
	}
	return rs.checkTimestamp(rec.UpdatedAt, replicated)
}

func (rs *RecordStore) checkTombstone(rec model.IdentityRecord, replicated bool) error { // A
	if err := verify.CheckPublicKey(rec.PublicKeyRoot); err != nil {
		return err
	}
	if err := verify.CheckSignature(rec.Signature); err != nil {
		return err
	}
	return rs.checkTimestamp(rec.UpdatedAt, replicated)
}

// Type returns the replicated resource type.
func (rs *RecordStore) Type() model.ResourceType { // A
	return model.ResourceRecords
}

// ItemTx loads the record version indexed at c.
func (rs *RecordStore) ItemTx( // A
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
	if s.ChangeTs != c.Timestamp {
		return nil, nil
	}
	rec := s.Record
	return &model.SyncItem{
		Type:      model.ResourceRecords,
		Timestamp: c.Timestamp,
		ID:        c.ID,
		Record:    &rec,
	}, nil
}

// Apply stores a record or tombstone received from a peer
// after the same checks a client write passes, except that
// its timestamp may be ahead of the local clock.
func (rs *RecordStore) Apply(ctx context.Context, item model.SyncItem) error { // A
	if item.Type != model.ResourceRecords || item.Record == nil {
		return fmt.Errorf("%w: not a record item", apperr.ErrInvalidInput)
	}
	rec := *item.Record
	rec.Handle = ""
	if item.ID != rec.PublicKeyRoot {
		return fmt.Errorf("%w: item id %q does not match record", apperr.ErrInvalidInput, item.ID)
	}

	if rec.Deleted {
		rec = model.IdentityRecord{
			PublicKeyRoot: rec.PublicKeyRoot,
			Signature:     rec.Signature,
			UpdatedAt:     rec.UpdatedAt,
			Deleted:       true,
		}
		if err := rs.checkTombstone(rec, true); err != nil {
			return err
		}
		if !verify.Verify(
			rec.PublicKeyRoot,
			verify.RecordDeletePayload(rec.PublicKeyRoot, rec.UpdatedAt),
			rec.Signature,
		) {
			return fmt.Errorf("%w: tombstone %s", apperr.ErrInvalidSignature, rec.PublicKeyRoot)
		}
	} else {
		if err := rs.checkRecord(rec, true); err != nil {
			return err
		}
		if !verify.Verify(rec.PublicKeyRoot, verify.RecordPayload(rec), rec.Signature) {
			return fmt.Errorf("%w: record %s", apperr.ErrInvalidSignature, rec.PublicKeyRoot)
		}
	}

	_, err := rs.write(ctx, rec, false)
	return err
}
