// Package auth issues and redeems the signed challenges
// that authenticate live sessions, and checks request
// timestamps against the node clock.
package auth

import (
	"fmt"
	"sync"
	"time"

	"github.com/i5heu/ouroboros-relay/pkg/apperr"
	"github.com/i5heu/ouroboros-relay/pkg/verify"
)

// DefaultChallengeTTL is how long an issued challenge can
// be answered.
const DefaultChallengeTTL = 5 * time.Minute

// MaxOutstanding caps the challenges kept per public key.
// Issuing beyond it drops the oldest one.
const MaxOutstanding = 8

// Challenge is an outstanding nonce for one public key.
type Challenge struct { // A
	PublicKey string    `json:"publicKey"`
	Nonce     string    `json:"nonce"`
	IssuedAt  time.Time `json:"issuedAt"`
	ExpiresAt time.Time `json:"expiresAt"`
}

// ChallengeCache holds up to MaxOutstanding challenges per
// public key, so a stranger asking for a challenge in
// someone else's name cannot revoke theirs. Challenges are
// single use; expired entries are evicted inline on every
// access.
type ChallengeCache struct { // A
	mu      sync.Mutex
	entries map[string][]Challenge
	ttl     time.Duration
	clock   Clock
}

// NewChallengeCache creates a ChallengeCache with the
// given TTL and clock.
func NewChallengeCache( // A
	ttl time.Duration,
	clock Clock,
) *ChallengeCache {
	if ttl <= 0 {
		ttl = DefaultChallengeTTL
	}
	if clock == nil {
		clock = SystemClock()
	}
	return &ChallengeCache{
		entries: make(map[string][]Challenge),
		ttl:     ttl,
		clock:   clock,
	}
}

// Issue creates a fresh challenge for publicKey. Earlier
// challenges stay redeemable until they expire or the key
// exceeds MaxOutstanding.
func (cc *ChallengeCache) Issue( // A
	publicKey string,
) (Challenge, error) {
	if err := verify.CheckPublicKey(publicKey); err != nil {
		return Challenge{}, err
	}

	now := cc.clock.Now()
	ch := Challenge{
		PublicKey: publicKey,
		Nonce:     verify.GenerateNonce(),
		IssuedAt:  now,
		ExpiresAt: now.Add(cc.ttl),
	}

	cc.mu.Lock()
	defer cc.mu.Unlock()

	cc.cleanup()
	list := append(cc.entries[publicKey], ch)
	if len(list) > MaxOutstanding {
		list = list[len(list)-MaxOutstanding:]
	}
	cc.entries[publicKey] = list
	return ch, nil
}

// outstanding returns a copy of the live challenges for
// publicKey.
func (cc *ChallengeCache) outstanding( // A
	publicKey string,
) []Challenge {
	cc.mu.Lock()
	defer cc.mu.Unlock()

	cc.cleanup()
	return append([]Challenge(nil), cc.entries[publicKey]...)
}

// take removes the challenge with nonce. It reports false
// if another caller consumed it first or it expired.
func (cc *ChallengeCache) take( // A
	publicKey string,
	nonce string,
) bool {
	cc.mu.Lock()
	defer cc.mu.Unlock()

	cc.cleanup()
	list := cc.entries[publicKey]
	for i, ch := range list {
		if ch.Nonce != nonce {
			continue
		}
		list = append(list[:i:i], list[i+1:]...)
		if len(list) == 0 {
			delete(cc.entries, publicKey)
		} else {
			cc.entries[publicKey] = list
		}
		return true
	}
	return false
}

// Redeem consumes the outstanding challenge for publicKey
// that signature answers. A missing, expired or already
// used challenge fails closed. A signature that answers
// none of them consumes nothing.
func (cc *ChallengeCache) Redeem( // A
	publicKey string,
	signature string,
) error {
	pending := cc.outstanding(publicKey)
	if len(pending) == 0 {
		return fmt.Errorf(
			"%w: no outstanding challenge",
			apperr.ErrInvalidSignature,
		)
	}
	for _, ch := range pending {
		payload := verify.ChallengePayload(ch.PublicKey, ch.Nonce)
		if !verify.Verify(publicKey, payload, signature) {
			continue
		}
		if !cc.take(publicKey, ch.Nonce) {
			return fmt.Errorf(
				"%w: challenge already used",
				apperr.ErrInvalidSignature,
			)
		}
		return nil
	}
	return fmt.Errorf(
		"%w: challenge response",
		apperr.ErrInvalidSignature,
	)
}

// Len returns the number of live challenges.
func (cc *ChallengeCache) Len() int { // A
	cc.mu.Lock()
	defer cc.mu.Unlock()
	cc.cleanup()
	n := 0
	for _, list := range cc.entries {
		n += len(list)
	}
	return n
}

// cleanup evicts expired entries. Must be called with
// mu held.
func (cc *ChallengeCache) cleanup() { // A
	now := cc.clock.Now()
	for k, list := range cc.entries {
		live := list[:0]
		for _, ch := range list {
			if now.Before(ch.ExpiresAt) {
				live = append(live, ch)
			}
		}
		if len(live) == 0 {
			delete(cc.entries, k)
		} else {
			cc.entries[k] = live
		}
	}
}
