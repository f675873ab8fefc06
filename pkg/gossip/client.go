package gossip

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/i5heu/ouroboros-relay/pkg/apperr"
	"github.com/i5heu/ouroboros-relay/pkg/model"
)

// HeaderNodeID names the calling node on sync requests.
const HeaderNodeID = "X-Ouroboros-Node"

// Client talks to the sync endpoints of peer nodes.
type Client struct {
	http   *http.Client
	nodeID string

	mu   sync.Mutex
	zstd map[string]bool
}

// NewClient creates a Client whose requests time out after
// timeout.
func NewClient(nodeID string, timeout time.Duration) *Client { // A
	return &Client{
		http:   &http.Client{Timeout: timeout},
		nodeID: nodeID,
		zstd:   make(map[string]bool),
	}
}

func (c *Client) peerZstd(nodeID string) bool { // A
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.zstd[nodeID]
}

func (c *Client) setPeerZstd(nodeID string, ok bool) { // A
	c.mu.Lock()
	c.zstd[nodeID] = ok
	c.mu.Unlock()
}

// Pull fetches one page of changes of type rt after cursor
// from peer.
func (c *Client) Pull( // A
	ctx context.Context,
	peer model.PeerNode,
	rt model.ResourceType,
	after model.Cursor,
	limit int,
) (*model.SyncPage, error) {
	q := url.Values{}
	q.Set("since", strconv.FormatInt(after.Timestamp, 10))
	if after.ID != "" {
		q.Set("after", after.ID)
	}
	q.Set("limit", strconv.Itoa(limit))
	endpoint := strings.TrimRight(peer.BaseURL, "/") + "/sync/" + string(rt) + "?" + q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: pull request: %v", apperr.ErrInvalidInput, err)
	}

	var page model.SyncPage
	if err := c.do(req, peer, &page); err != nil {
		return nil, err
	}
	return &page, nil
}

// Push sends a batch of local changes to peer and returns
// the per-item verdicts.
func (c *Client) Push( // A
	ctx context.Context,
	peer model.PeerNode,
	items []model.SyncItem,
) ([]model.PushResult, error) {
	compress := c.peerZstd(peer.NodeID)
	body, err := EncodeBody(model.PushBatch{NodeID: c.nodeID, Items: items}, compress)
	if err != nil {
		return nil, err
	}
	endpoint := strings.TrimRight(peer.BaseURL, "/") + "/sync/push"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("%w: push request: %v", apperr.ErrInvalidInput, err)
	}
	req.Header.Set("Content-Type", "application/json")
	if compress {
		req.Header.Set("Content-Encoding", EncodingZstd)
	}

	var results []model.PushResult
	if err := c.do(req, peer, &results); err != nil {
		return nil, err
	}
	return results, nil
}

func (c *Client) do(req *http.Request, peer model.PeerNode, out any) error { // A
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Accept-Encoding", EncodingZstd)
	if c.nodeID != "" {
		req.Header.Set(HeaderNodeID, c.nodeID)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%w: peer %s: %v", apperr.ErrUnavailable, peer.NodeID, err)
	}
	defer resp.Body.Close()

	encoding := resp.Header.Get("Content-Encoding")
	c.setPeerZstd(peer.NodeID, strings.EqualFold(encoding, EncodingZstd))

	var env model.RawResponse
	if err := DecodeBody(resp.Body, encoding, &env); err != nil {
		if resp.StatusCode >= http.StatusInternalServerError {
			return fmt.Errorf("%w: peer %s answered %d", apperr.ErrUnavailable, peer.NodeID, resp.StatusCode)
		}
		return fmt.Errorf("peer %s: %w", peer.NodeID, err)
	}
	if !env.Success || resp.StatusCode >= http.StatusBadRequest {
		msg := http.StatusText(resp.StatusCode)
		if env.Error != nil {
			msg = env.Error.Code + ": " + env.Error.Message
		}
		if resp.StatusCode >= http.StatusInternalServerError {
			return fmt.Errorf("%w: peer %s: %s", apperr.ErrUnavailable, peer.NodeID, msg)
		}
		return fmt.Errorf("peer %s rejected request: %s", peer.NodeID, msg)
	}
	if err := json.Unmarshal(env.Data, out); err != nil {
		return fmt.Errorf("peer %s: decode response: %w", peer.NodeID, err)
	}
	return nil
}

// errPeerRejected reports whether err came from a peer
// refusing a request rather than from the network.
func errPeerRejected(err error) bool { // A
	return err != nil && !errors.Is(err, apperr.ErrUnavailable)
}
