package gossip

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/i5heu/ouroboros-relay/pkg/apperr"
	"github.com/i5heu/ouroboros-relay/pkg/interfaces"
	"github.com/i5heu/ouroboros-relay/pkg/model"
	"github.com/i5heu/ouroboros-relay/pkg/storage"
)

const (
	DefaultInterval   = 30 * time.Second
	DefaultTimeout    = 10 * time.Second
	DefaultMaxBackoff = 10 * time.Minute
)

// Config tunes a Syncer.
type Config struct {
	NodeID     string
	Peers      []model.PeerNode
	Interval   time.Duration
	PageSize   int
	Timeout    time.Duration
	MaxBackoff time.Duration
	Logger     *slog.Logger
}

type peerState struct { // A
	peer    model.PeerNode
	running atomic.Bool

	mu       sync.Mutex
	status   interfaces.ConnectionStatus
	failures int
	lastSync time.Time
	lastErr  string
}

// Syncer runs one sync loop per peer. A peer never has two
// cycles in flight; different peers sync independently.
type Syncer struct {
	cfg     Config
	store   storage.Store
	service *Service
	client  *Client
	peers   map[string]*peerState
	order   []string
	log     *slog.Logger

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewSyncer creates a Syncer. Start launches the loops.
func NewSyncer( // A
	cfg Config,
	store storage.Store,
	service *Service,
	client *Client,
) *Syncer {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultInterval
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.MaxBackoff < cfg.Interval {
		cfg.MaxBackoff = max(DefaultMaxBackoff, cfg.Interval)
	}
	cfg.PageSize = ClampLimit(cfg.PageSize)
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if client == nil {
		client = NewClient(cfg.NodeID, cfg.Timeout)
	}

	s := &Syncer{
		cfg:     cfg,
		store:   store,
		service: service,
		client:  client,
		peers:   make(map[string]*peerState, len(cfg.Peers)),
		log:     cfg.Logger,
	}
	for _, p := range cfg.Peers {
		if _, dup := s.peers[p.NodeID]; dup {
			continue
		}
		s.peers[p.NodeID] = &peerState{peer: p}
		s.order = append(s.order, p.NodeID)
	}
	return s
}

// Start launches the per-peer loops. They stop when ctx is
// done or Stop is called.
func (s *Syncer) Start(ctx context.Context) { // A
	ctx, s.cancel = context.WithCancel(ctx)
	for _, id := range s.order {
		ps := s.peers[id]
		s.wg.Add(1)
		go s.loop(ctx, ps)
	}
}

// Stop ends all loops and waits for running cycles.
func (s *Syncer) Stop() { // A
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
}

// Backoff returns the wait after the given number of
// consecutive failures: interval doubled per failure,
// capped at maxBackoff.
func Backoff(interval, maxBackoff time.Duration, failures int) time.Duration { // A
	d := interval
	for range failures {
		if d >= maxBackoff/2 {
			return maxBackoff
		}
		d *= 2
	}
	return min(d, maxBackoff)
}

func (s *Syncer) loop(ctx context.Context, ps *peerState) { // A
	defer s.wg.Done()

	timer := time.NewTimer(0)
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
		}

		if _, err := s.tryCycle(ctx, ps); err != nil && ctx.Err() != nil {
			return
		}

		ps.mu.Lock()
		failures := ps.failures
		ps.mu.Unlock()
		timer.Reset(Backoff(s.cfg.Interval, s.cfg.MaxBackoff, failures))
	}
}

// TriggerSync runs one cycle with the peer now. It reports
// false without doing anything if a cycle is already
// running.
func (s *Syncer) TriggerSync(ctx context.Context, nodeID string) (bool, error) { // A
	ps, ok := s.peers[nodeID]
	if !ok {
		return false, fmt.Errorf("%w: peer %s", apperr.ErrNotFound, nodeID)
	}
	return s.tryCycle(ctx, ps)
}

func (s *Syncer) tryCycle(ctx context.Context, ps *peerState) (bool, error) { // A
	if !ps.running.CompareAndSwap(false, true) {
		return false, nil
	}
	defer ps.running.Store(false)

	ps.mu.Lock()
	ps.status = interfaces.ConnectionStatusConnecting
	ps.mu.Unlock()

	err := s.cycle(ctx, ps.peer)

	ps.mu.Lock()
	defer ps.mu.Unlock()
	if err != nil {
		ps.failures++
		ps.status = interfaces.ConnectionStatusFailed
		ps.lastErr = err.Error()
		level := slog.LevelWarn
		if errPeerRejected(err) {
			level = slog.LevelError
		}
		s.log.Log(ctx, level, "sync cycle failed",
			logKeyNodeID, ps.peer.NodeID,
			logKeyFailures, ps.failures,
			logKeyBackoff, Backoff(s.cfg.Interval, s.cfg.MaxBackoff, ps.failures),
			logKeyError, err)
		return true, err
	}
	ps.failures = 0
	ps.status = interfaces.ConnectionStatusConnected
	ps.lastErr = ""
	ps.lastSync = time.Now()
	return true, nil
}

func (s *Syncer) cycle(ctx context.Context, peer model.PeerNode) error { // A
	for _, rt := range model.ResourceTypes {
		if err := s.pull(ctx, peer, rt); err != nil {
			return fmt.Errorf("pull %s: %w", rt, err)
		}
	}
	for _, rt := range model.ResourceTypes {
		if err := s.push(ctx, peer, rt); err != nil {
			return fmt.Errorf("push %s: %w", rt, err)
		}
	}
	return nil
}

func cursorKey(direction string, nodeID string, rt model.ResourceType) string { // A
	return "peer/" + nodeID + "/" + direction + "/" + string(rt)
}

func (s *Syncer) loadCursor(ctx context.Context, key string) (model.Cursor, error) { // A
	var c model.Cursor
	err := s.store.View(ctx, func(r storage.Reader) error {
		return storage.GetJSON(r, storage.TableCursors, key, &c)
	})
	if errors.Is(err, storage.ErrNotFound) {
		return model.Cursor{}, nil
	}
	return c, err
}

func (s *Syncer) saveCursor(ctx context.Context, key string, c model.Cursor) error { // A
	return s.store.Update(ctx, func(tx storage.Tx) error {
		return storage.PutJSON(tx, storage.TableCursors, key, c)
	})
}

// Cursor returns the persisted pull cursor for a peer and
// resource type.
func (s *Syncer) Cursor( // A
	ctx context.Context,
	nodeID string,
	rt model.ResourceType,
) (model.Cursor, error) {
	return s.loadCursor(ctx, cursorKey("pull", nodeID, rt))
}

// pull applies remote pages until the peer has nothing
// more. The cursor only moves once a whole page has been
// handled; a storage failure aborts without moving it. An
// item rejected because of local state that may still
// change holds the cursor just before it, so the next cycle
// retries it.
func (s *Syncer) pull( // A
	ctx context.Context,
	peer model.PeerNode,
	rt model.ResourceType,
) error {
	key := cursorKey("pull", peer.NodeID, rt)
	cursor, err := s.loadCursor(ctx, key)
	if err != nil {
		return err
	}

	for {
		page, err := s.client.Pull(ctx, peer, rt, cursor, s.cfg.PageSize)
		if err != nil {
			return err
		}

		applied := 0
		held := false
		next := cursor
		for _, item := range page.Items {
			if item.Type == rt {
				err := s.service.Apply(ctx, item)
				switch {
				case err == nil:
					applied++
				case apperr.KindOf(err) == apperr.KindUnavailable:
					return err
				case retryLater(err):
					s.log.Debug("deferred remote item",
						logKeyNodeID, peer.NodeID,
						logKeyResource, rt,
						logKeyItemID, item.ID,
						logKeyError, err)
					held = true
				default:
					s.log.Debug("skipped remote item",
						logKeyNodeID, peer.NodeID,
						logKeyResource, rt,
						logKeyItemID, item.ID,
						logKeyError, err)
				}
			}
			if held {
				break
			}
			if cursor.Before(item.Cursor()) && next.Before(item.Cursor()) {
				next = item.Cursor()
			}
		}
		if !held && next.Before(page.Next) {
			next = page.Next
		}

		if cursor.Before(next) {
			if err := s.saveCursor(ctx, key, next); err != nil {
				return err
			}
		}
		if applied > 0 {
			s.log.Debug("pulled changes",
				logKeyNodeID, peer.NodeID,
				logKeyResource, rt,
				logKeyApplied, applied)
		}
		if held || !page.HasMore || !cursor.Before(next) {
			return nil
		}
		cursor = next
	}
}

// retryLater reports whether a rejected remote item
// depends on local state that a later sync can fill in,
// such as a missing predecessor epoch.
func retryLater(err error) bool { // A
	return errors.Is(err, apperr.ErrEpochOutOfOrder) ||
		errors.Is(err, apperr.ErrInsufficientTrajectory) ||
		errors.Is(err, apperr.ErrNotFound)
}

// push sends local changes the peer has not been sent yet.
func (s *Syncer) push( // A
	ctx context.Context,
	peer model.PeerNode,
	rt model.ResourceType,
) error {
	key := cursorKey("push", peer.NodeID, rt)
	cursor, err := s.loadCursor(ctx, key)
	if err != nil {
		return err
	}

	for {
		page, err := s.service.Page(ctx, rt, cursor, s.cfg.PageSize)
		if err != nil {
			return err
		}
		if len(page.Items) > 0 {
			results, err := s.client.Push(ctx, peer, page.Items)
			if err != nil {
				return err
			}
			accepted := 0
			for _, r := range results {
				if r.Accepted {
					accepted++
				}
			}
			s.log.Debug("pushed changes",
				logKeyNodeID, peer.NodeID,
				logKeyResource, rt,
				logKeyPushed, len(page.Items),
				logKeyAccepted, accepted)
		}
		if !cursor.Before(page.Next) {
			return nil
		}
		if err := s.saveCursor(ctx, key, page.Next); err != nil {
			return err
		}
		if !page.HasMore {
			return nil
		}
		cursor = page.Next
	}
}

// Peers returns the sync state of every configured peer.
func (s *Syncer) Peers() []interfaces.PeerInfo { // A
	out := make([]interfaces.PeerInfo, 0, len(s.order))
	for _, id := range s.order {
		ps := s.peers[id]
		ps.mu.Lock()
		out = append(out, interfaces.PeerInfo{
			NodeID:    ps.peer.NodeID,
			BaseURL:   ps.peer.BaseURL,
			Status:    ps.status,
			LastSync:  ps.lastSync,
			Failures:  ps.failures,
			LastError: ps.lastErr,
		})
		ps.mu.Unlock()
	}
	return out
}
