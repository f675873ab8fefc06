// Package ouroboros wires the components of a relay node
// and runs them as one process.
package ouroboros

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/i5heu/ouroboros-relay/internal/config"
	"github.com/i5heu/ouroboros-relay/internal/keyValStore"
	"github.com/i5heu/ouroboros-relay/pkg/apiServer"
	"github.com/i5heu/ouroboros-relay/pkg/auth"
	"github.com/i5heu/ouroboros-relay/pkg/changelog"
	"github.com/i5heu/ouroboros-relay/pkg/epochs"
	"github.com/i5heu/ouroboros-relay/pkg/gossip"
	"github.com/i5heu/ouroboros-relay/pkg/handles"
	"github.com/i5heu/ouroboros-relay/pkg/records"
	"github.com/i5heu/ouroboros-relay/pkg/relay"
)

const shutdownTimeout = 10 * time.Second

// Slog attribute keys used throughout the ouroboros
// package.
const (
	logKeyNodeID    = "nodeId"
	logKeyAddress   = "address"
	logKeyDataPath  = "dataPath"
	logKeyPeers     = "peers"
	logKeyError     = "error"
	logKeyComponent = "component"
)

var (
	ErrNotStarted = errors.New("ouroboros: node not started")
	ErrClosed     = errors.New("ouroboros: node closed")
)

// Node is one relay node: storage, the identity and
// message components, gossip and the HTTP gateway.
type Node struct {
	log    *slog.Logger
	config config.Config
	clock  auth.Clock

	store   *keyValStore.KeyValStore
	seq     *changelog.Sequencer
	records *records.RecordStore
	handles *handles.Registry
	epochs  *epochs.Ledger
	relay   *relay.Relay
	service *gossip.Service
	syncer  *gossip.Syncer
	api     *apiServer.Server

	httpServer *http.Server
	listener   net.Listener

	cancel context.CancelFunc
	wg     sync.WaitGroup
	served chan error

	started   atomic.Bool
	closed    atomic.Bool
	startOnce sync.Once
	closeOnce sync.Once
}

// New validates conf and returns an unstarted node. A nil
// logger means slog.Default().
func New(conf config.Config, logger *slog.Logger) (*Node, error) { // A
	if err := conf.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Node{
		log:    logger.With(logKeyNodeID, conf.NodeID),
		config: conf,
		clock:  auth.SystemClock(),
		served: make(chan error, 1),
	}, nil
}

// NodeID returns the id this node announces to peers.
func (n *Node) NodeID() string { // A
	return n.config.NodeID
}

// Start opens storage, builds the components, starts the
// sync loops and the janitor and begins serving HTTP.
// Only the first call has an effect.
func (n *Node) Start(ctx context.Context) error { // PA
	var startErr error
	n.startOnce.Do(func() {
		startErr = n.start(ctx)
		if startErr != nil {
			n.shutdownPartial()
			return
		}
		n.started.Store(true)
	})
	return startErr
}

func (n *Node) start(ctx context.Context) error { // A
	if err := n.openStore(); err != nil {
		return err
	}

	highWater, err := changelog.LoadHighWater(ctx, n.store)
	if err != nil {
		return fmt.Errorf("load change feed high water: %w", err)
	}
	n.seq = changelog.NewSequencer(n.clock, highWater)
	n.build()

	ln, err := net.Listen("tcp", n.config.ListenAddr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", n.config.ListenAddr, err)
	}
	n.listener = ln
	n.httpServer = &http.Server{
		Handler:           n.api,
		ReadHeaderTimeout: 10 * time.Second,
		ErrorLog:          slog.NewLogLogger(n.log.Handler(), slog.LevelWarn),
	}
	go func() {
		err := n.httpServer.Serve(ln)
		if errors.Is(err, http.ErrServerClosed) {
			err = nil
		}
		n.served <- err
	}()

	bg, cancel := context.WithCancel(context.Background())
	n.cancel = cancel
	n.syncer.Start(bg)
	n.wg.Add(2)
	go func() {
		defer n.wg.Done()
		n.relay.RunJanitor(bg, n.config.JanitorInterval)
	}()
	go func() {
		defer n.wg.Done()
		n.collectGarbage(bg)
	}()

	n.log.Info("relay node started",
		logKeyAddress, ln.Addr().String(),
		logKeyDataPath, n.config.DataPath,
		logKeyPeers, len(n.config.Peers))
	return nil
}

func (n *Node) openStore() error { // A
	if !n.config.InMemory {
		if err := os.MkdirAll(n.config.DataPath, 0o700); err != nil {
			return fmt.Errorf("mkdir %s: %w", n.config.DataPath, err)
		}
	}

	badgerLog := logrus.New()
	badgerLog.SetLevel(logrus.WarnLevel)
	badgerLog.SetOutput(os.Stderr)

	kv, err := keyValStore.NewKeyValStore(keyValStore.StoreConfig{
		Paths:    []string{n.config.DataPath},
		InMemory: n.config.InMemory,
		Logger:   badgerLog,
	})
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	n.store = kv
	return nil
}

func (n *Node) build() { // A
	c := n.config
	n.handles = handles.New(n.store, handles.Config{
		Sequencer:      n.seq,
		Clock:          n.clock,
		ReservationTTL: c.ReservationTTL,
		MinBreadcrumbs: c.MinBreadcrumbs,
		MinTrustScore:  c.MinTrustScore,
		Logger:         n.log.With(logKeyComponent, "handles"),
	})
	n.records = records.New(n.store, records.Config{
		Sequencer: n.seq,
		Handles:   n.handles,
		Clock:     n.clock,
		ClockSkew: c.ClockSkew,
		Logger:    n.log.With(logKeyComponent, "records"),
	})
	n.epochs = epochs.New(n.store, n.seq, n.clock, n.log.With(logKeyComponent, "epochs"))
	n.relay = relay.New(n.store, relay.Config{
		Sessions:     relay.NewSessionManager(),
		Clock:        n.clock,
		AckRetention: c.AckRetention,
		Logger:       n.log.With(logKeyComponent, "relay"),
	})

	gossipLog := n.log.With(logKeyComponent, "gossip")
	n.service = gossip.NewService(n.store, n.seq, gossipLog, n.records, n.handles, n.epochs)
	n.syncer = gossip.NewSyncer(gossip.Config{
		NodeID:     c.NodeID,
		Peers:      c.Peers,
		Interval:   c.SyncInterval,
		PageSize:   c.SyncPageSize,
		Timeout:    c.SyncTimeout,
		MaxBackoff: c.MaxBackoff,
		Logger:     gossipLog,
	}, n.store, n.service, nil)

	n.api = apiServer.New(apiServer.Deps{
		NodeID:  c.NodeID,
		Records: n.records,
		Handles: n.handles,
		Epochs:  n.epochs,
		Relay:   n.relay,
		Sync:    n.service,
		Peers:   n.syncer.Peers,
	},
		apiServer.WithLogger(n.log.With(logKeyComponent, "gateway")),
		apiServer.WithClock(n.clock),
		apiServer.WithClockSkew(c.ClockSkew),
		apiServer.WithChallengeTTL(c.ChallengeTTL),
		apiServer.WithRequestTimeout(c.RequestTimeout),
	)
}

// collectGarbage runs value log GC on the janitor
// schedule.
func (n *Node) collectGarbage(ctx context.Context) { // A
	ticker := time.NewTicker(n.config.JanitorInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := n.store.Clean(); err != nil {
				n.log.Warn("value log gc failed", logKeyError, err)
			}
		}
	}
}

// Addr returns the address the gateway listens on.
func (n *Node) Addr() (net.Addr, error) { // A
	if !n.started.Load() {
		return nil, ErrNotStarted
	}
	return n.listener.Addr(), nil
}

// Run starts the node, blocks until ctx is canceled or
// the HTTP server fails and then shuts down within a
// bounded time.
func (n *Node) Run(ctx context.Context) error { // A
	if err := n.Start(ctx); err != nil {
		return err
	}

	var serveErr error
	select {
	case <-ctx.Done():
	case serveErr = <-n.served:
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	return errors.Join(serveErr, n.Close(shutdownCtx))
}

// Close stops serving, stops background work and closes
// the store. Close is idempotent.
func (n *Node) Close(ctx context.Context) error { // A
	var closeErr error
	n.closeOnce.Do(func() {
		n.closed.Store(true)
		if n.httpServer != nil {
			if err := n.httpServer.Shutdown(ctx); err != nil {
				closeErr = errors.Join(closeErr, fmt.Errorf("shutdown http: %w", err))
			}
		}
		if n.relay != nil {
			n.relay.Sessions().CloseAll()
		}
		if n.syncer != nil {
			n.syncer.Stop()
		}
		if n.cancel != nil {
			n.cancel()
		}
		n.wg.Wait()
		if n.store != nil {
			if err := n.store.Close(); err != nil {
				closeErr = errors.Join(closeErr, fmt.Errorf("close store: %w", err))
			}
		}
		n.log.Info("relay node closed")
	})
	return closeErr
}

// shutdownPartial releases what a failed start opened.
func (n *Node) shutdownPartial() { // A
	if n.listener != nil && n.httpServer == nil {
		_ = n.listener.Close()
	}
	if n.store != nil {
		_ = n.store.Close()
		n.store = nil
	}
}

func (n *Node) components() error { // A
	if n.closed.Load() {
		return ErrClosed
	}
	if !n.started.Load() {
		return ErrNotStarted
	}
	return nil
}

// Records returns the record store of a started node.
func (n *Node) Records() (*records.RecordStore, error) { // A
	if err := n.components(); err != nil {
		return nil, err
	}
	return n.records, nil
}

// Handles returns the handle registry of a started node.
func (n *Node) Handles() (*handles.Registry, error) { // A
	if err := n.components(); err != nil {
		return nil, err
	}
	return n.handles, nil
}

// Epochs returns the epoch ledger of a started node.
func (n *Node) Epochs() (*epochs.Ledger, error) { // A
	if err := n.components(); err != nil {
		return nil, err
	}
	return n.epochs, nil
}

// Relay returns the message relay of a started node.
func (n *Node) Relay() (*relay.Relay, error) { // A
	if err := n.components(); err != nil {
		return nil, err
	}
	return n.relay, nil
}

// Syncer returns the gossip syncer of a started node.
func (n *Node) Syncer() (*gossip.Syncer, error) { // A
	if err := n.components(); err != nil {
		return nil, err
	}
	return n.syncer, nil
}
