// Package relay queues end-to-end encrypted envelopes for
// their recipients and pushes them over live sessions.
// Delivery is at-least-once: an envelope stays in the
// recipient's inbox until the recipient acknowledges it
// with a signature.
package relay

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/i5heu/ouroboros-relay/pkg/apperr"
	"github.com/i5heu/ouroboros-relay/pkg/auth"
	"github.com/i5heu/ouroboros-relay/pkg/model"
	"github.com/i5heu/ouroboros-relay/pkg/storage"
	"github.com/i5heu/ouroboros-relay/pkg/verify"
)

const (
	// MaxCiphertextSize bounds one envelope.
	MaxCiphertextSize = 256 << 10
	// MaxNonceSize bounds the envelope nonce.
	MaxNonceSize = 64
	// DefaultAckRetention is how long acknowledged
	// envelopes are kept before the janitor purges them.
	DefaultAckRetention = 24 * time.Hour

	purgeBatch = 256
)

// Slog attribute keys used throughout the relay package.
const (
	logKeyID        = "id"
	logKeyFrom      = "from"
	logKeyTo        = "to"
	logKeyPublicKey = "publicKey"
	logKeyCount     = "count"
	logKeyError     = "error"
)

// envelopeNamespace scopes envelope ids derived from
// sender signatures.
var envelopeNamespace = uuid.NewSHA1(uuid.NameSpaceOID, []byte("ouroboros.relay.envelope"))

// EnvelopeID returns the id of the envelope carrying
// signature. Resending the same signed envelope therefore
// never creates a second copy.
func EnvelopeID(signature string) string { // A
	raw, err := hex.DecodeString(signature)
	if err != nil {
		raw = []byte(signature)
	}
	return uuid.NewSHA1(envelopeNamespace, raw).String()
}

// Config wires a Relay.
type Config struct {
	Sessions     *SessionManager
	Clock        auth.Clock
	AckRetention time.Duration
	Logger       *slog.Logger
}

// Relay is the message relay.
type Relay struct {
	store     storage.Store
	sessions  *SessionManager
	clock     auth.Clock
	retention time.Duration
	log       *slog.Logger
}

// New creates a Relay.
func New(store storage.Store, cfg Config) *Relay { // A
	if cfg.Sessions == nil {
		cfg.Sessions = NewSessionManager()
	}
	if cfg.Clock == nil {
		cfg.Clock = auth.SystemClock()
	}
	if cfg.AckRetention <= 0 {
		cfg.AckRetention = DefaultAckRetention
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Relay{
		store:     store,
		sessions:  cfg.Sessions,
		clock:     cfg.Clock,
		retention: cfg.AckRetention,
		log:       cfg.Logger,
	}
}

// Sessions returns the session table pushes go through.
func (r *Relay) Sessions() *SessionManager { // A
	return r.sessions
}

func inboxKey(to string, createdAt int64, id string) string { // A
	return fmt.Sprintf("%s/%020d/%s", to, createdAt, id)
}

func ackKey(ackedAt int64, id string) string { // A
	return fmt.Sprintf("%020d/%s", ackedAt, id)
}

func checkEnvelope(env model.Envelope) error { // A
	if err := verify.CheckPublicKey(env.FromPublicKey); err != nil {
		return err
	}
	if err := verify.CheckPublicKey(env.ToPublicKey); err != nil {
		return err
	}
	if err := verify.CheckSignature(env.Signature); err != nil {
		return err
	}
	switch {
	case len(env.Ciphertext) == 0 || len(env.Ciphertext) > MaxCiphertextSize:
		return fmt.Errorf("%w: ciphertext size %d", apperr.ErrInvalidInput, len(env.Ciphertext))
	case len(env.Nonce) == 0 || len(env.Nonce) > MaxNonceSize:
		return fmt.Errorf("%w: nonce size %d", apperr.ErrInvalidInput, len(env.Nonce))
	case env.CreatedAt <= 0:
		return fmt.Errorf("%w: createdAt must be positive", apperr.ErrInvalidInput)
	}
	return nil
}

// Send verifies and queues an envelope and pushes it to
// the recipient's live session, if there is one. A push
// that succeeds completes before Send returns.
func (r *Relay) Send( // A
	ctx context.Context,
	env model.Envelope,
) (*model.Envelope, error) {
	if err := checkEnvelope(env); err != nil {
		return nil, err
	}
	if !verify.Verify(
		env.FromPublicKey,
		verify.EnvelopePayload(
			env.FromPublicKey, env.ToPublicKey,
			env.Ciphertext, env.Nonce, env.CreatedAt,
		),
		env.Signature,
	) {
		return nil, fmt.Errorf("%w: envelope", apperr.ErrInvalidSignature)
	}

	env.ID = EnvelopeID(env.Signature)
	env.DeliveredAt = nil
	env.AcknowledgedAt = nil

	result := env
	err := r.store.Update(ctx, func(tx storage.Tx) error {
		var existing model.Envelope
		err := storage.GetJSON(tx, storage.TableMessages, env.ID, &existing)
		if err == nil {
			result = existing
			return nil
		}
		if !errors.Is(err, storage.ErrNotFound) {
			return err
		}
		result = env
		if err := storage.PutJSON(tx, storage.TableMessages, env.ID, env); err != nil {
			return err
		}
		return tx.Put(
			storage.TableInbox,
			inboxKey(env.ToPublicKey, env.CreatedAt, env.ID),
			[]byte(env.ID),
		)
	})
	if err != nil {
		return nil, err
	}

	r.log.Debug("envelope queued",
		logKeyID, result.ID,
		logKeyFrom, result.FromPublicKey,
		logKeyTo, result.ToPublicKey)

	if result.AcknowledgedAt != nil {
		return &result, nil
	}
	if s, ok := r.sessions.Lookup(result.ToPublicKey); ok {
		if r.push(ctx, s, &result) {
			r.log.Debug("envelope pushed", logKeyID, result.ID)
		}
	}
	return &result, nil
}

// push writes env to s and records the delivery. Failures
// leave the envelope queued for the next connection.
func (r *Relay) push(ctx context.Context, s *Session, env *model.Envelope) bool { // A
	if err := s.Send(Frame{Type: FrameEnvelope, Envelope: env}); err != nil {
		r.log.Debug("push failed",
			logKeyID, env.ID,
			logKeyPublicKey, s.PublicKey(),
			logKeyError, err)
		return false
	}
	at, err := r.markDelivered(ctx, env.ID)
	if err != nil {
		r.log.Warn("could not record delivery",
			logKeyID, env.ID,
			logKeyError, err)
		return true
	}
	env.DeliveredAt = &at
	return true
}

func (r *Relay) markDelivered(ctx context.Context, id string) (int64, error) { // A
	now := r.clock.Now().UnixMilli()
	at := now
	err := r.store.Update(ctx, func(tx storage.Tx) error {
		var env model.Envelope
		if err := storage.GetJSON(tx, storage.TableMessages, id, &env); err != nil {
			return err
		}
		if env.DeliveredAt != nil {
			at = *env.DeliveredAt
			return nil
		}
		at = now
		env.DeliveredAt = &at
		return storage.PutJSON(tx, storage.TableMessages, id, env)
	})
	return at, err
}

// Inbox returns the unacknowledged envelopes of publicKey,
// oldest first.
func (r *Relay) Inbox( // A
	ctx context.Context,
	publicKey string,
) ([]model.Envelope, error) {
	if err := verify.CheckPublicKey(publicKey); err != nil {
		return nil, err
	}
	out := []model.Envelope{}
	err := r.store.View(ctx, func(rd storage.Reader) error {
		kvs, err := rd.List(storage.TableInbox, publicKey+"/", storage.ListOptions{})
		if err != nil {
			return err
		}
		for _, kv := range kvs {
			var env model.Envelope
			err := storage.GetJSON(rd, storage.TableMessages, string(kv.Value), &env)
			if errors.Is(err, storage.ErrNotFound) {
				continue
			}
			if err != nil {
				return err
			}
			out = append(out, env)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// Ack marks envelope id acknowledged by its recipient.
// Acknowledging twice succeeds.
func (r *Relay) Ack( // A
	ctx context.Context,
	id string,
	recipient string,
	timestamp int64,
	signature string,
) error {
	if id == "" {
		return fmt.Errorf("%w: empty message id", apperr.ErrInvalidInput)
	}
	if err := verify.CheckPublicKey(recipient); err != nil {
		return err
	}
	if err := verify.CheckSignature(signature); err != nil {
		return err
	}
	if !verify.Verify(recipient, verify.AckPayload(id, recipient, timestamp), signature) {
		return fmt.Errorf("%w: ack of %s", apperr.ErrInvalidSignature, id)
	}

	now := r.clock.Now().UnixMilli()
	err := r.store.Update(ctx, func(tx storage.Tx) error {
		var env model.Envelope
		err := storage.GetJSON(tx, storage.TableMessages, id, &env)
		if errors.Is(err, storage.ErrNotFound) {
			return fmt.Errorf("%w: message %s", apperr.ErrNotFound, id)
		}
		if err != nil {
			return err
		}
		if env.ToPublicKey != recipient {
			return fmt.Errorf(
				"%w: %s is not the recipient of %s",
				apperr.ErrInvalidSignature, recipient, id,
			)
		}
		if env.AcknowledgedAt != nil {
			return nil
		}
		env.AcknowledgedAt = &now
		if err := storage.PutJSON(tx, storage.TableMessages, id, env); err != nil {
			return err
		}
		if err := tx.Delete(
			storage.TableInbox,
			inboxKey(env.ToPublicKey, env.CreatedAt, id),
		); err != nil {
			return err
		}
		return tx.Put(storage.TableAcks, ackKey(now, id), []byte(id))
	})
	if err != nil {
		return err
	}
	r.log.Debug("envelope acknowledged", logKeyID, id)
	return nil
}

// Replay pushes every queued envelope of the session's
// identity, oldest first.
func (r *Relay) Replay(ctx context.Context, s *Session) error { // A
	queued, err := r.Inbox(ctx, s.PublicKey())
	if err != nil {
		return err
	}
	for i := range queued {
		if !r.push(ctx, s, &queued[i]) {
			return ErrSessionClosed
		}
	}
	return nil
}

// Forward relays an ephemeral frame from one identity to
// the live session of f.To. Nothing is stored; a frame for
// an offline identity is dropped.
func (r *Relay) Forward(from string, f Frame) error { // A
	if !Ephemeral(f.Type) {
		return fmt.Errorf("%w: frame type %q is not ephemeral", apperr.ErrInvalidInput, f.Type)
	}
	if err := verify.CheckPublicKey(f.To); err != nil {
		return err
	}
	s, ok := r.sessions.Lookup(f.To)
	if !ok {
		return nil
	}
	return s.Send(Frame{
		Type:      f.Type,
		From:      from,
		To:        f.To,
		Timestamp: f.Timestamp,
		Data:      f.Data,
	})
}

// Purge deletes envelopes acknowledged longer than the
// retention period ago and reports how many it removed.
func (r *Relay) Purge(ctx context.Context) (int, error) { // A
	cutoff := r.clock.Now().Add(-r.retention).UnixMilli()
	limit := ackKey(cutoff, "")

	total := 0
	for {
		kvs, err := r.store.List(ctx, storage.TableAcks, "", storage.ListOptions{Limit: purgeBatch})
		if err != nil {
			return total, err
		}
		n := 0
		err = r.store.Update(ctx, func(tx storage.Tx) error {
			n = 0
			for _, kv := range kvs {
				if kv.Key >= limit {
					break
				}
				if err := tx.Delete(storage.TableMessages, string(kv.Value)); err != nil {
					return err
				}
				if err := tx.Delete(storage.TableAcks, kv.Key); err != nil {
					return err
				}
				n++
			}
			return nil
		})
		if err != nil {
			return total, err
		}
		total += n
		if n < purgeBatch {
			break
		}
	}
	if total > 0 {
		r.log.Info("purged acknowledged envelopes", logKeyCount, total)
	}
	return total, nil
}

// RunJanitor purges acknowledged envelopes every interval
// until ctx is done.
func (r *Relay) RunJanitor(ctx context.Context, interval time.Duration) { // A
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := r.Purge(ctx); err != nil && ctx.Err() == nil {
				r.log.Warn("purge failed", logKeyError, err)
			}
		}
	}
}
