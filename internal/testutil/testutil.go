package testutil

import (
	"crypto/ed25519"
	"crypto/rand"
	"flag"
	"testing"

	"github.com/i5heu/ouroboros-relay/internal/keyValStore"
	"github.com/i5heu/ouroboros-relay/pkg/verify"
)

var RunLong = flag.Bool("long", false, "run long/heavy tests")

func RequireLong(t *testing.T) {
	t.Helper()
	if !*RunLong {
		t.Skip("skipping long test (use -long to enable)")
	}
}

func IsLongEnabled() bool {
	return *RunLong
}

// NewStore opens an in-memory store that is closed when
// the test ends.
func NewStore(t testing.TB) *keyValStore.KeyValStore {
	t.Helper()
	kv, err := keyValStore.NewKeyValStore(keyValStore.StoreConfig{
		InMemory: true,
	})
	if err != nil {
		t.Fatalf("open in-memory store: %v", err)
	}
	t.Cleanup(func() { _ = kv.Close() })
	return kv
}

// Identity is a throwaway Ed25519 key pair.
type Identity struct {
	PublicKey string
	Private   ed25519.PrivateKey
}

// NewIdentity generates a fresh identity.
func NewIdentity(t testing.TB) Identity {
	t.Helper()
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	return Identity{PublicKey: verify.EncodePublicKey(pub), Private: priv}
}

// Sign signs msg with the identity key.
func (id Identity) Sign(msg []byte) string {
	return verify.Sign(id.Private, msg)
}
