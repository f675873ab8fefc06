package model

import "fmt"

// ResourceType names a replicated table.
type ResourceType string // A

const ( // A
	ResourceRecords ResourceType = "records"
	ResourceAliases ResourceType = "aliases"
	ResourceEpochs  ResourceType = "epochs"
)

// ResourceTypes lists replicated tables in apply order:
// aliases depend on records for the trajectory gate.
var ResourceTypes = []ResourceType{ // A
	ResourceRecords,
	ResourceAliases,
	ResourceEpochs,
}

// ParseResourceType validates a resource type name.
func ParseResourceType(s string) (ResourceType, error) { // A
	switch ResourceType(s) {
	case ResourceRecords, ResourceAliases, ResourceEpochs:
		return ResourceType(s), nil
	default:
		return "", fmt.Errorf("unknown resource type %q", s)
	}
}

// PeerNode is a remote relay node this node gossips with.
type PeerNode struct { // A
	NodeID  string `json:"nodeId" yaml:"nodeId"`
	BaseURL string `json:"baseUrl" yaml:"baseUrl"`
}

// Cursor is a position in a node's change feed. Items are
// ordered by (Timestamp, ID).
type Cursor struct { // A
	Timestamp int64  `json:"timestamp"`
	ID        string `json:"id,omitempty"`
}

// Before reports whether c sorts strictly before other.
func (c Cursor) Before(other Cursor) bool { // A
	if c.Timestamp != other.Timestamp {
		return c.Timestamp < other.Timestamp
	}
	return c.ID < other.ID
}

// SyncItem is one replicated change. Exactly one of
// Record, Claim, Epoch is set, matching Type.
type SyncItem struct { // A
	Type      ResourceType     `json:"type"`
	Timestamp int64            `json:"timestamp"`
	ID        string           `json:"id"`
	Record    *IdentityRecord  `json:"record,omitempty"`
	Claim     *HandleClaim     `json:"claim,omitempty"`
	Epoch     *EpochCommitment `json:"epoch,omitempty"`
}

// Cursor returns the feed position of the item.
func (it SyncItem) Cursor() Cursor { // A
	return Cursor{Timestamp: it.Timestamp, ID: it.ID}
}

// SyncPage is one bounded page of a pull. Next is the
// feed position the following page starts after; it can
// move past entries that were not returned.
type SyncPage struct { // A
	Items   []SyncItem `json:"items"`
	HasMore bool       `json:"hasMore"`
	Next    Cursor     `json:"next"`
}

// PushBatch is an inbound batch from a peer.
type PushBatch struct { // A
	NodeID string     `json:"nodeId,omitempty"`
	Items  []SyncItem `json:"items"`
}

// PushResult reports the outcome for one pushed item.
type PushResult struct { // A
	Index    int    `json:"index"`
	ID       string `json:"id"`
	Accepted bool   `json:"accepted"`
	Error    string `json:"error,omitempty"`
}
