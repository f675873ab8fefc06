package relay_test

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
	"github.com/i5heu/ouroboros-relay/pkg/model"
	"github.com/i5heu/ouroboros-relay/pkg/relay"
	"github.com/i5heu/ouroboros-relay/pkg/verify"
)

var baseTime = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

type fakeConn struct { // A
	mu     sync.Mutex
	frames []relay.Frame
	closed bool
	fail   bool
}

func (c *fakeConn) WriteFrame(f relay.Frame) error { // A
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.fail {
		return errors.New("broken pipe")
	}
	c.frames = append(c.frames, f)
	return nil
}

func (c *fakeConn) Close() error { // A
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
	return nil
}

func (c *fakeConn) Frames() []relay.Frame { // A
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]relay.Frame(nil), c.frames...)
}

func (c *fakeConn) Closed() bool { // A
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func newRelay(t *testing.T) (*relay.Relay, *auth.ManualClock) { // A
	t.Helper()
	clock := auth.NewManualClock(baseTime)
	return relay.New(testutil.NewStore(t), relay.Config{Clock: clock}), clock
}

func envelope( // A
	from, to testutil.Identity,
	body string,
	createdAt int64,
) model.Envelope {
	env := model.Envelope{
		FromPublicKey: from.PublicKey,
		ToPublicKey:   to.PublicKey,
		Ciphertext:    []byte(body),
		Nonce:         []byte("nonce-123456"),
		CreatedAt:     createdAt,
	}
	env.Signature = from.Sign(verify.EnvelopePayload(
		env.FromPublicKey, env.ToPublicKey, env.Ciphertext, env.Nonce, env.CreatedAt,
	))
	return env
}

func ack( // A
	r *relay.Relay,
	to testutil.Identity,
	id string,
	ts int64,
) error {
	return r.Ack(context.Background(), id, to.PublicKey, ts,
		to.Sign(verify.AckPayload(id, to.PublicKey, ts)))
}

func TestSendToOfflineQueues(t *testing.T) { // A
	t.Parallel()
	ctx := context.Background()
	r, _ := newRelay(t)
	alice, bob := testutil.NewIdentity(t), testutil.NewIdentity(t)
	now := baseTime.UnixMilli()

	first, err := r.Send(ctx, envelope(alice, bob, "one", now))
	require.NoError(t, err)
	assert.Nil(t, first.DeliveredAt)
	second, err := r.Send(ctx, envelope(alice, bob, "two", now+1))
	require.NoError(t, err)

	inbox, err := r.Inbox(ctx, bob.PublicKey)
	require.NoError(t, err)
	require.Len(t, inbox, 2)
	assert.Equal(t, first.ID, inbox[0].ID)
	assert.Equal(t, second.ID, inbox[1].ID)

	require.NoError(t, ack(r, bob, first.ID, now+2))
	require.NoError(t, ack(r, bob, first.ID, now+3), "second ack succeeds")

	inbox, err = r.Inbox(ctx, bob.PublicKey)
	require.NoError(t, err)
	require.Len(t, inbox, 1)
	assert.Equal(t, second.ID, inbox[0].ID)

	empty, err := r.Inbox(ctx, alice.PublicKey)
	require.NoError(t, err)
	assert.Empty(t, empty)
}

func TestSendIsIdempotent(t *testing.T) { // A
	t.Parallel()
	ctx := context.Background()
	r, _ := newRelay(t)
	alice, bob := testutil.NewIdentity(t), testutil.NewIdentity(t)
	env := envelope(alice, bob, "hello", baseTime.UnixMilli())

	a, err := r.Send(ctx, env)
	require.NoError(t, err)
	b, err := r.Send(ctx, env)
	require.NoError(t, err)
	assert.Equal(t, a.ID, b.ID)
	assert.Equal(t, relay.EnvelopeID(env.Signature), a.ID)

	inbox, err := r.Inbox(ctx, bob.PublicKey)
	require.NoError(t, err)
	assert.Len(t, inbox, 1)
}

func TestSendToLiveSessionPushesBeforeReturn(t *testing.T) { // A
	t.Parallel()
	ctx := context.Background()
	r, _ := newRelay(t)
	alice, bob := testutil.NewIdentity(t), testutil.NewIdentity(t)
	conn := &fakeConn{}
	r.Sessions().Register(bob.PublicKey, conn)

	sent, err := r.Send(ctx, envelope(alice, bob, "live", baseTime.UnixMilli()))
	require.NoError(t, err)
	require.NotNil(t, sent.DeliveredAt)

	frames := conn.Frames()
	require.Len(t, frames, 1)
	assert.Equal(t, relay.FrameEnvelope, frames[0].Type)
	assert.Equal(t, sent.ID, frames[0].Envelope.ID)

	// Still queued until acknowledged.
	inbox, err := r.Inbox(ctx, bob.PublicKey)
	require.NoError(t, err)
	require.Len(t, inbox, 1)
	assert.NotNil(t, inbox[0].DeliveredAt)
}

func TestPushFailureKeepsEnvelopeQueued(t *testing.T) { // A
	t.Parallel()
	ctx := context.Background()
	r, _ := newRelay(t)
	alice, bob := testutil.NewIdentity(t), testutil.NewIdentity(t)
	broken := &fakeConn{fail: true}
	r.Sessions().Register(bob.PublicKey, broken)

	sent, err := r.Send(ctx, envelope(alice, bob, "lost?", baseTime.UnixMilli()))
	require.NoError(t, err)
	assert.Nil(t, sent.DeliveredAt)

	fresh := &fakeConn{}
	s := r.Sessions().Register(bob.PublicKey, fresh)
	assert.True(t, broken.Closed(), "a new session replaces the old one")

	require.NoError(t, r.Replay(ctx, s))
	frames := fresh.Frames()
	require.Len(t, frames, 1)
	assert.Equal(t, sent.ID, frames[0].Envelope.ID)
}

func TestSendRejectsBadEnvelopes(t *testing.T) { // A
	t.Parallel()
	ctx := context.Background()
	r, _ := newRelay(t)
	alice, bob := testutil.NewIdentity(t), testutil.NewIdentity(t)
	now := baseTime.UnixMilli()

	forged := envelope(alice, bob, "hi", now)
	forged.Ciphertext = []byte("ho")
	_, err := r.Send(ctx, forged)
	require.ErrorIs(t, err, apperr.ErrInvalidSignature)

	empty := envelope(alice, bob, "", now)
	_, err = r.Send(ctx, empty)
	require.ErrorIs(t, err, apperr.ErrInvalidInput)

	badKey := envelope(alice, bob, "hi", now)
	badKey.ToPublicKey = "zz"
	_, err = r.Send(ctx, badKey)
	require.ErrorIs(t, err, apperr.ErrInvalidInput)
}

func TestAckRequiresRecipient(t *testing.T) { // A
	t.Parallel()
	ctx := context.Background()
	r, _ := newRelay(t)
	alice, bob := testutil.NewIdentity(t), testutil.NewIdentity(t)
	now := baseTime.UnixMilli()

	sent, err := r.Send(ctx, envelope(alice, bob, "secret", now))
	require.NoError(t, err)

	require.ErrorIs(t, ack(r, alice, sent.ID, now), apperr.ErrInvalidSignature)

	err = r.Ack(ctx, sent.ID, bob.PublicKey, now,
		alice.Sign(verify.AckPayload(sent.ID, bob.PublicKey, now)))
	require.ErrorIs(t, err, apperr.ErrInvalidSignature)

	require.ErrorIs(t, ack(r, bob, "missing", now), apperr.ErrNotFound)

	inbox, err := r.Inbox(ctx, bob.PublicKey)
	require.NoError(t, err)
	assert.Len(t, inbox, 1)
}

func TestPurgeAfterRetention(t *testing.T) { // A
	t.Parallel()
	ctx := context.Background()
	r, clock := newRelay(t)
	alice, bob := testutil.NewIdentity(t), testutil.NewIdentity(t)
	now := baseTime.UnixMilli()

	sent, err := r.Send(ctx, envelope(alice, bob, "bye", now))
	require.NoError(t, err)
	require.NoError(t, ack(r, bob, sent.ID, now))

	n, err := r.Purge(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)

	clock.Advance(relay.DefaultAckRetention + time.Minute)
	n, err = r.Purge(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	require.ErrorIs(t, ack(r, bob, sent.ID, now), apperr.ErrNotFound)
}

func TestForwardEphemeral(t *testing.T) { // A
	t.Parallel()
	ctx := context.Background()
	r, _ := newRelay(t)
	alice, bob := testutil.NewIdentity(t), testutil.NewIdentity(t)

	// offline target: dropped silently
	require.NoError(t, r.Forward(alice.PublicKey, relay.Frame{
		Type: relay.FrameTyping, To: bob.PublicKey,
	}))

	conn := &fakeConn{}
	r.Sessions().Register(bob.PublicKey, conn)
	require.NoError(t, r.Forward(alice.PublicKey, relay.Frame{
		Type: relay.FramePresence, To: bob.PublicKey, Data: []byte(`"online"`),
	}))

	frames := conn.Frames()
	require.Len(t, frames, 1)
	assert.Equal(t, alice.PublicKey, frames[0].From)

	err := r.Forward(alice.PublicKey, relay.Frame{Type: relay.FrameEnvelope, To: bob.PublicKey})
	require.ErrorIs(t, err, apperr.ErrInvalidInput)

	inbox, err := r.Inbox(ctx, bob.PublicKey)
	require.NoError(t, err)
	assert.Empty(t, inbox, "ephemeral frames are never stored")
}
