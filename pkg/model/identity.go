// Package model holds the data types persisted and
// exchanged by the relay node.
package model

// IdentityRecord is the signed profile of one identity,
// keyed by its Ed25519 root public key.
type IdentityRecord struct { // A
	PublicKeyRoot   string `json:"publicKeyRoot"`
	Handle          string `json:"handle,omitempty"`
	EncryptionKey   string `json:"encryptionKey"`
	TrustScore      int    `json:"trustScore"`
	BreadcrumbCount int64  `json:"breadcrumbCount"`
	Payload         []byte `json:"payload,omitempty"`
	Signature       string `json:"signature"`
	// UpdatedAt is Unix milliseconds. For a tombstone it
	// holds the deletion time.
	UpdatedAt int64 `json:"updatedAt"`
	Deleted   bool  `json:"deleted,omitempty"`
}

// HandleAvailability is the outcome of an availability
// check.
type HandleAvailability string // A

const ( // A
	HandleAvailable HandleAvailability = "available"
	HandleReserved  HandleAvailability = "reserved"
	HandleClaimed   HandleAvailability = "claimed"
)

// HandleClaim is a permanent claim or a soft reservation
// on a handle. A nil ReservationExpiresAt marks a
// permanent claim.
type HandleClaim struct { // A
	Handle               string `json:"handle"`
	OwnerPublicKey       string `json:"ownerPublicKey"`
	ClaimedAt            int64  `json:"claimedAt"`
	ReservationExpiresAt *int64 `json:"reservationExpiresAt,omitempty"`
	Signature            string `json:"signature,omitempty"`
}

// Permanent reports whether the claim is final.
func (c HandleClaim) Permanent() bool { // A
	return c.ReservationExpiresAt == nil
}

// Holds reports whether the claim blocks others at the
// given time (Unix milliseconds).
func (c HandleClaim) Holds(nowMs int64) bool { // A
	if c.Permanent() {
		return true
	}
	return *c.ReservationExpiresAt > nowMs
}

// HandleStatus describes the state of a handle.
type HandleStatus struct { // A
	Handle       string             `json:"handle"`
	Availability HandleAvailability `json:"availability"`
	Owner        string             `json:"owner,omitempty"`
	ExpiresAt    *int64             `json:"expiresAt,omitempty"`
}

// EpochCommitment is one immutable entry of an identity's
// epoch ledger.
type EpochCommitment struct { // A
	PublicKeyRoot  string `json:"publicKeyRoot"`
	EpochIndex     int64  `json:"epochIndex"`
	CommitmentHash string `json:"commitmentHash"`
	Signature      string `json:"signature"`
	PublishedAt    int64  `json:"publishedAt"`
}
