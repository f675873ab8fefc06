package gossip

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/i5heu/ouroboros-relay/pkg/apperr"
	"github.com/i5heu/ouroboros-relay/pkg/changelog"
	"github.com/i5heu/ouroboros-relay/pkg/interfaces"
	"github.com/i5heu/ouroboros-relay/pkg/model"
	"github.com/i5heu/ouroboros-relay/pkg/storage"
)

const (
	// DefaultPageSize is used when a pull names no limit.
	DefaultPageSize = 100
	// MaxPageSize caps a single pull.
	MaxPageSize = 500
	// MaxPushItems caps a single inbound push batch.
	MaxPushItems = 1000
)

// Service answers peer pulls from the local change feed
// and applies pushed items.
type Service struct {
	store    storage.Store
	seq      *changelog.Sequencer
	replicas map[model.ResourceType]interfaces.Replica
	log      *slog.Logger
}

// NewService creates a Service over the given replicas.
func NewService( // A
	store storage.Store,
	seq *changelog.Sequencer,
	logger *slog.Logger,
	replicas ...interfaces.Replica,
) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	m := make(map[model.ResourceType]interfaces.Replica, len(replicas))
	for _, r := range replicas {
		m[r.Type()] = r
	}
	return &Service{store: store, seq: seq, replicas: m, log: logger}
}

// ClampLimit maps a requested page size into range.
func ClampLimit(limit int) int { // A
	switch {
	case limit <= 0:
		return DefaultPageSize
	case limit > MaxPageSize:
		return MaxPageSize
	default:
		return limit
	}
}

// Page returns changes of type rt strictly after cursor
// in (timestamp, id) order. Entries that are still being
// written are held back until they commit.
func (s *Service) Page( // A
	ctx context.Context,
	rt model.ResourceType,
	after model.Cursor,
	limit int,
) (*model.SyncPage, error) {
	replica, ok := s.replicas[rt]
	if !ok {
		return nil, fmt.Errorf("%w: resource type %q", apperr.ErrInvalidInput, rt)
	}
	limit = ClampLimit(limit)
	horizon := s.seq.Horizon()

	page := &model.SyncPage{Items: []model.SyncItem{}, Next: after}
	err := s.store.View(ctx, func(r storage.Reader) error {
		page.Items = page.Items[:0]
		page.Next = after
		cursors, more, err := changelog.Page(r, rt, after, horizon, limit)
		if err != nil {
			return err
		}
		page.HasMore = more
		for _, c := range cursors {
			page.Next = c
			item, err := replica.ItemTx(r, c)
			if err != nil {
				return err
			}
			if item != nil {
				page.Items = append(page.Items, *item)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return page, nil
}

// Push applies every item of batch independently. One
// rejected item does not stop the others.
func (s *Service) Push( // A
	ctx context.Context,
	batch model.PushBatch,
) ([]model.PushResult, error) {
	if len(batch.Items) > MaxPushItems {
		return nil, fmt.Errorf(
			"%w: batch of %d items exceeds %d",
			apperr.ErrInvalidInput, len(batch.Items), MaxPushItems,
		)
	}

	results := make([]model.PushResult, len(batch.Items))
	accepted := 0
	for i, item := range batch.Items {
		results[i] = model.PushResult{Index: i, ID: item.ID}
		err := s.Apply(ctx, item)
		if err != nil {
			results[i].Error = apperr.Code(err)
			s.log.Debug("rejected pushed item",
				logKeyNodeID, batch.NodeID,
				logKeyResource, item.Type,
				logKeyItemID, item.ID,
				logKeyError, err)
			continue
		}
		results[i].Accepted = true
		accepted++
	}
	s.log.Debug("push applied",
		logKeyNodeID, batch.NodeID,
		logKeyAccepted, accepted,
		logKeyRejected, len(batch.Items)-accepted)
	return results, nil
}

// Apply routes one item to its replica.
func (s *Service) Apply(ctx context.Context, item model.SyncItem) error { // A
	replica, ok := s.replicas[item.Type]
	if !ok {
		return fmt.Errorf("%w: resource type %q", apperr.ErrInvalidInput, item.Type)
	}
	return replica.Apply(ctx, item)
}
