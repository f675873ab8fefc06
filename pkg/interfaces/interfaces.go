// Package interfaces defines the contracts shared between
// relay components so that they can be wired together
// without import cycles.
package interfaces

import (
	"context"

	"github.com/i5heu/ouroboros-relay/pkg/model"
	"github.com/i5heu/ouroboros-relay/pkg/storage"
)

// HandleIndex is the part of the handle registry the
// record store needs. All methods run inside the caller's
// transaction.
type HandleIndex interface { // A
	// OwnerTx returns the owner of a permanent claim on
	// handle, or storage.ErrNotFound.
	OwnerTx(r storage.Reader, handle string) (string, error)
	// HandleOfTx returns the permanent handle owned by
	// publicKey, or storage.ErrNotFound.
	HandleOfTx(r storage.Reader, publicKey string) (string, error)
	// ReleaseReservationsTx drops every soft reservation
	// held by owner.
	ReleaseReservationsTx(tx storage.Tx, owner string) error
}

// Replica is a replicated table as seen by gossip.
type Replica interface { // A
	Type() model.ResourceType
	// ItemTx loads the current state behind a change
	// feed position. A nil item means the entry is gone.
	ItemTx(r storage.Reader, c model.Cursor) (*model.SyncItem, error)
	// Apply validates and stores an item received from a
	// peer exactly like a locally submitted write.
	Apply(ctx context.Context, item model.SyncItem) error
}
