package records

import "github.com/i5heu/ouroboros-relay/pkg/model"

type outcome int // A

const ( // A
	outcomeWrite outcome = iota
	outcomeNoop
	outcomeStale
)

// resolve decides whether incoming replaces current. The
// newer UpdatedAt wins. On equal timestamps an identical
// signature is a replay, a tombstone beats a live record,
// and otherwise the lexicographically greater signature
// wins. Every node therefore converges on the same version
// whatever order the writes arrive in.
func resolve(incoming, current model.IdentityRecord) outcome { // A
	switch {
	case incoming.UpdatedAt > current.UpdatedAt:
		return outcomeWrite
	case incoming.UpdatedAt < current.UpdatedAt:
		return outcomeStale
	case incoming.Signature == current.Signature &&
		incoming.Deleted == current.Deleted:
		return outcomeNoop
	case incoming.Deleted != current.Deleted:
		if incoming.Deleted {
			return outcomeWrite
		}
		return outcomeStale
	case incoming.Signature > current.Signature:
		return outcomeWrite
	default:
		return outcomeStale
	}
}
