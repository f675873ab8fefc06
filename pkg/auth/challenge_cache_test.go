package auth

import (
	"crypto/ed25519"
	"crypto/rand"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/i5heu/ouroboros-relay/pkg/apperr"
	"github.com/i5heu/ouroboros-relay/pkg/verify"
)

func testIdentity(t *testing.T) (string, ed25519.PrivateKey) { // A
	t.Helper()
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	return verify.EncodePublicKey(pub), priv
}

func answer( // A
	priv ed25519.PrivateKey,
	ch Challenge,
) string {
	return verify.Sign(priv, verify.ChallengePayload(ch.PublicKey, ch.Nonce))
}

func TestChallengeCacheRedeemThenReplay( // A
	t *testing.T,
) {
	t.Parallel()
	clk := NewManualClock(time.Now().UTC())
	cc := NewChallengeCache(5*time.Minute, clk)
	pk, priv := testIdentity(t)

	ch, err := cc.Issue(pk)
	require.NoError(t, err)
	sig := answer(priv, ch)

	if err := cc.Redeem(pk, sig); err != nil {
		t.Fatalf("first redeem should succeed: %v", err)
	}
	if err := cc.Redeem(pk, sig); err == nil {
		t.Fatal("second redeem should fail: challenge is single use")
	}
}

func TestChallengeCacheRejectsBadKey(t *testing.T) { // A
	t.Parallel()
	cc := NewChallengeCache(time.Minute, nil)

	_, err := cc.Issue("not-a-key")
	require.ErrorIs(t, err, apperr.ErrInvalidInput)
}

func TestChallengeCacheExpiredFailsClosed( // A
	t *testing.T,
) {
	t.Parallel()
	base := time.Now().UTC()
	clk := NewManualClock(base)
	cc := NewChallengeCache(5*time.Minute, clk)
	pk, priv := testIdentity(t)

	ch, err := cc.Issue(pk)
	require.NoError(t, err)

	clk.Advance(5*time.Minute + time.Second)
	err = cc.Redeem(pk, answer(priv, ch))
	require.ErrorIs(t, err, apperr.ErrInvalidSignature)
	require.Zero(t, cc.Len())
}

func TestChallengeCacheWrongSignatureKeepsChallenge( // A
	t *testing.T,
) {
	t.Parallel()
	cc := NewChallengeCache(time.Minute, NewManualClock(time.Now()))
	pk, priv := testIdentity(t)
	_, otherPriv := testIdentity(t)

	ch, err := cc.Issue(pk)
	require.NoError(t, err)

	err = cc.Redeem(pk, answer(otherPriv, ch))
	require.ErrorIs(t, err, apperr.ErrInvalidSignature)
	require.Equal(t, 1, cc.Len())

	require.NoError(t, cc.Redeem(pk, answer(priv, ch)))
	require.Zero(t, cc.Len())
}

func TestChallengeCacheReissueKeepsEarlier(t *testing.T) { // A
	t.Parallel()
	cc := NewChallengeCache(time.Minute, NewManualClock(time.Now()))
	pk, priv := testIdentity(t)

	first, err := cc.Issue(pk)
	require.NoError(t, err)
	second, err := cc.Issue(pk)
	require.NoError(t, err)
	require.NotEqual(t, first.Nonce, second.Nonce)
	require.Equal(t, 2, cc.Len())

	// A second hello for the same key must not break the
	// login that asked first.
	require.NoError(t, cc.Redeem(pk, answer(priv, first)))
	require.Error(t, cc.Redeem(pk, answer(priv, first)))
	require.NoError(t, cc.Redeem(pk, answer(priv, second)))
	require.Zero(t, cc.Len())
}

func TestChallengeCacheCapsOutstandingPerKey(t *testing.T) { // A
	t.Parallel()
	cc := NewChallengeCache(time.Minute, NewManualClock(time.Now()))
	pk, priv := testIdentity(t)

	oldest, err := cc.Issue(pk)
	require.NoError(t, err)
	var newest Challenge
	for range MaxOutstanding {
		newest, err = cc.Issue(pk)
		require.NoError(t, err)
	}
	require.Equal(t, MaxOutstanding, cc.Len())

	require.ErrorIs(t, cc.Redeem(pk, answer(priv, oldest)), apperr.ErrInvalidSignature)
	require.NoError(t, cc.Redeem(pk, answer(priv, newest)))
}

func TestChallengeCacheCleanupEvictsExpiredOnly( // A
	t *testing.T,
) {
	t.Parallel()
	base := time.Now().UTC()
	clk := NewManualClock(base)
	cc := NewChallengeCache(time.Minute, clk)

	oldPK, _ := testIdentity(t)
	freshPK, _ := testIdentity(t)

	_, err := cc.Issue(oldPK)
	require.NoError(t, err)
	clk.Advance(45 * time.Second)
	_, err = cc.Issue(freshPK)
	require.NoError(t, err)
	clk.Advance(30 * time.Second)

	cc.mu.Lock()
	cc.cleanup()
	_, oldExists := cc.entries[oldPK]
	_, freshExists := cc.entries[freshPK]
	cc.mu.Unlock()

	if oldExists {
		t.Fatal("expired challenge should be evicted")
	}
	if !freshExists {
		t.Fatal("fresh challenge should remain")
	}
}

func TestChallengeCacheConcurrentRedeem( // A
	t *testing.T,
) {
	t.Parallel()
	cc := NewChallengeCache(5*time.Minute, NewManualClock(time.Now()))
	pk, priv := testIdentity(t)
	ch, err := cc.Issue(pk)
	require.NoError(t, err)
	sig := answer(priv, ch)

	var wg sync.WaitGroup
	results := make(chan error, 64)
	for range 64 {
		wg.Add(1)
		go func() { // A
			defer wg.Done()
			results <- cc.Redeem(pk, sig)
		}()
	}
	wg.Wait()
	close(results)

	okCount := 0
	for r := range results {
		if r == nil {
			okCount++
		}
	}
	if okCount != 1 {
		t.Fatalf("okCount = %d, want 1", okCount)
	}
}

func TestCheckFreshness(t *testing.T) { // A
	t.Parallel()
	now := time.Now()
	clk := NewManualClock(now)

	require.NoError(t, CheckFreshness(clk, now.UnixMilli(), time.Minute))
	require.NoError(t, CheckFreshness(clk, now.Add(-59*time.Second).UnixMilli(), time.Minute))
	require.ErrorIs(t,
		CheckFreshness(clk, now.Add(2*time.Minute).UnixMilli(), time.Minute),
		apperr.ErrInvalidInput,
	)
	require.ErrorIs(t,
		CheckFreshness(clk, now.Add(-2*time.Minute).UnixMilli(), time.Minute),
		apperr.ErrInvalidInput,
	)
}
