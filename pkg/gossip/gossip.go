// Package gossip replicates records, handle claims and
// epoch commitments between relay nodes. Each node exposes
// its change feed for cursor-based pulls and accepts
// pushes, and a Syncer reconciles with every configured
// peer on its own schedule.
//
// Nothing received from a peer is trusted: every item
// passes the same validation as a client write, and an
// item that fails is rejected on its own.
package gossip

// Slog attribute keys used throughout the gossip package.
const (
	logKeyNodeID   = "nodeId"
	logKeyResource = "resource"
	logKeyItemID   = "itemId"
	logKeyError    = "error"
	logKeyAccepted = "accepted"
	logKeyRejected = "rejected"
	logKeyApplied  = "applied"
	logKeyPushed   = "pushed"
	logKeyFailures = "failures"
	logKeyBackoff  = "backoff"
)
