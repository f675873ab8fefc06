package verify

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/hex"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"github.com/i5heu/ouroboros-relay/pkg/apperr"
	"github.com/i5heu/ouroboros-relay/pkg/model"
)

func testKey(t *testing.T) (string, ed25519.PrivateKey) { // A
	t.Helper()
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	return EncodePublicKey(pub), priv
}

func TestVerifyAcceptsValidSignature(t *testing.T) { // A
	t.Parallel()
	pk, priv := testKey(t)
	msg := []byte("hello relay")

	assert.True(t, Verify(pk, msg, Sign(priv, msg)))
}

func TestVerifyRejectsMalformedInput(t *testing.T) { // A
	t.Parallel()
	pk, priv := testKey(t)
	msg := []byte("hello relay")
	sig := Sign(priv, msg)

	cases := map[string]struct {
		pk  string
		sig string
	}{
		"empty key":        {"", sig},
		"short key":        {pk[:10], sig},
		"non hex key":      {strings.Repeat("zz", 32), sig},
		"empty signature":  {pk, ""},
		"short signature":  {pk, sig[:64]},
		"non hex sig":      {pk, strings.Repeat("xy", 64)},
		"other key":        {strings.Repeat("ab", 32), sig},
		"truncated by one": {pk, sig[:len(sig)-1]},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) { // A
			assert.False(t, Verify(tc.pk, msg, tc.sig))
		})
	}
}

func TestVerifyBitFlipProperty(t *testing.T) { // A
	t.Parallel()
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	pk := EncodePublicKey(priv.Public().(ed25519.PublicKey))

	rapid.Check(t, func(rt *rapid.T) {
		rec := model.IdentityRecord{
			PublicKeyRoot:   pk,
			EncryptionKey:   rapid.StringMatching(`[a-f0-9]{0,64}`).Draw(rt, "enc"),
			TrustScore:      rapid.IntRange(0, 100).Draw(rt, "trust"),
			BreadcrumbCount: rapid.Int64Range(0, 1<<40).Draw(rt, "crumbs"),
			Payload:         rapid.SliceOfN(rapid.Byte(), 1, 512).Draw(rt, "payload"),
			UpdatedAt:       rapid.Int64Range(0, 1<<45).Draw(rt, "updatedAt"),
		}
		sig := Sign(priv, RecordPayload(rec))
		if !Verify(pk, RecordPayload(rec), sig) {
			rt.Fatal("valid signature rejected")
		}

		flipped := rec
		flipped.Payload = append([]byte(nil), rec.Payload...)
		i := rapid.IntRange(0, len(flipped.Payload)*8-1).Draw(rt, "payloadBit")
		flipped.Payload[i/8] ^= 1 << (i % 8)
		if Verify(pk, RecordPayload(flipped), sig) {
			rt.Fatal("payload bit flip accepted")
		}

		raw, _ := hex.DecodeString(sig)
		j := rapid.IntRange(0, len(raw)*8-1).Draw(rt, "sigBit")
		raw[j/8] ^= 1 << (j % 8)
		if Verify(pk, RecordPayload(rec), hex.EncodeToString(raw)) {
			rt.Fatal("signature bit flip accepted")
		}
	})
}

func TestGenerateNonceIsRandomHex(t *testing.T) { // A
	t.Parallel()
	a := GenerateNonce()
	b := GenerateNonce()

	assert.Len(t, a, NonceSize*2)
	assert.NotEqual(t, a, b)
	_, err := hex.DecodeString(a)
	assert.NoError(t, err)
}

func TestCheckShapes(t *testing.T) { // A
	t.Parallel()
	pk, priv := testKey(t)

	assert.NoError(t, CheckPublicKey(pk))
	assert.ErrorIs(t, CheckPublicKey(strings.ToUpper(pk)), apperr.ErrInvalidInput)
	assert.ErrorIs(t, CheckPublicKey("abc"), apperr.ErrInvalidInput)

	assert.NoError(t, CheckSignature(Sign(priv, []byte("x"))))
	assert.ErrorIs(t, CheckSignature("00"), apperr.ErrInvalidInput)

	assert.NoError(t, CheckHexDigest(strings.Repeat("0f", 32)))
	assert.ErrorIs(t, CheckHexDigest("0f"), apperr.ErrInvalidInput)
}

func TestPayloadsAreDomainSeparated(t *testing.T) { // A
	t.Parallel()
	pk, _ := testKey(t)

	claim := HandleClaimPayload("alice", pk, 42)
	reserve := HandleReservePayload("alice", pk, 42)
	assert.NotEqual(t, claim, reserve)

	inbox := InboxPayload(pk, 7)
	del := RecordDeletePayload(pk, 7)
	assert.NotEqual(t, inbox, del)

	// Length prefixes keep field boundaries unambiguous.
	assert.NotEqual(t,
		AckPayload("ab", "c", 1),
		AckPayload("a", "bc", 1),
	)
}
