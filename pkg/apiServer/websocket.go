package apiServer

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"golang.org/x/net/websocket"

	"github.com/i5heu/ouroboros-relay/pkg/apperr"
	"github.com/i5heu/ouroboros-relay/pkg/relay"
)

const wsWriteTimeout = 10 * time.Second

// wsConn adapts a websocket connection to relay.Conn.
// Frames are sent as JSON text messages.
type wsConn struct {
	conn *websocket.Conn
}

func (c *wsConn) WriteFrame(f relay.Frame) error { // A
	_ = c.conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
	return websocket.JSON.Send(c.conn, f)
}

func (c *wsConn) Close() error { // A
	return c.conn.Close()
}

// handleWebSocket upgrades GET /ws. Origins are not
// checked, matching the CORS policy of the HTTP routes.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) { // A
	websocket.Server{
		Handshake: func(*websocket.Config, *http.Request) error { return nil },
		Handler:   s.serveWebSocket,
	}.ServeHTTP(w, r)
}

// serveWebSocket runs one live session: the challenge
// handshake, then the authenticated frame loop.
func (s *Server) serveWebSocket(conn *websocket.Conn) { // A
	ctx, cancel := context.WithCancel(conn.Request().Context())
	defer cancel()
	wc := &wsConn{conn: conn}
	defer func() { _ = wc.Close() }()

	session, ok := s.wsHandshake(ctx, wc)
	if !ok {
		return
	}
	sessions := s.deps.Relay.Sessions()
	defer sessions.Unregister(session)
	log := s.log.With(logKeyPublicKey, session.PublicKey())
	log.Debug("websocket session opened")

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		s.wsPinger(ctx, session)
	}()
	defer wg.Wait()
	defer cancel()

	if err := s.deps.Relay.Replay(ctx, session); err != nil {
		log.Debug("inbox replay aborted", logKeyError, err)
		return
	}

	for {
		var f relay.Frame
		if err := websocket.JSON.Receive(conn, &f); err != nil {
			log.Debug("websocket session closed", logKeyError, err)
			return
		}
		s.wsDispatch(ctx, session, f)
	}
}

// wsHandshake answers hello with a challenge and binds the
// connection to an identity once a valid auth frame
// arrives. Any failure closes the connection.
func (s *Server) wsHandshake( // A
	ctx context.Context,
	wc *wsConn,
) (*relay.Session, bool) {
	_ = wc.conn.SetReadDeadline(time.Now().Add(s.wsAuthTimeout))

	for ctx.Err() == nil {
		var f relay.Frame
		if err := websocket.JSON.Receive(wc.conn, &f); err != nil {
			return nil, false
		}

		switch f.Type {
		case relay.FrameHello:
			ch, err := s.challenges.Issue(f.PublicKey)
			if err != nil {
				_ = wc.WriteFrame(errorFrame(err))
				return nil, false
			}
			if err := wc.WriteFrame(relay.Frame{
				Type:      relay.FrameChallenge,
				PublicKey: ch.PublicKey,
				Nonce:     ch.Nonce,
			}); err != nil {
				return nil, false
			}

		case relay.FrameAuth:
			if err := s.challenges.Redeem(f.PublicKey, f.Signature); err != nil {
				_ = wc.WriteFrame(errorFrame(err))
				return nil, false
			}
			_ = wc.conn.SetReadDeadline(time.Time{})
			session := s.deps.Relay.Sessions().Register(f.PublicKey, wc)
			if err := session.Send(relay.Frame{
				Type:      relay.FrameAuthenticated,
				PublicKey: f.PublicKey,
			}); err != nil {
				s.deps.Relay.Sessions().Unregister(session)
				return nil, false
			}
			return session, true

		case relay.FramePing:

		default:
			_ = wc.WriteFrame(relay.Frame{
				Type:  relay.FrameError,
				Error: "not authenticated",
			})
		}
	}
	return nil, false
}

func (s *Server) wsDispatch( // A
	ctx context.Context,
	session *relay.Session,
	f relay.Frame,
) {
	var err error
	switch {
	case f.Type == relay.FrameAck:
		err = s.deps.Relay.Ack(ctx, f.ID, session.PublicKey(), f.Timestamp, f.Signature)
		if err == nil {
			err = session.Send(relay.Frame{Type: relay.FrameAcked, ID: f.ID})
		}
	case relay.Ephemeral(f.Type):
		err = s.deps.Relay.Forward(session.PublicKey(), f)
	case f.Type == relay.FramePing:
		return
	default:
		err = fmt.Errorf("%w: unsupported frame type %q", apperr.ErrInvalidInput, f.Type)
	}
	if err == nil || errors.Is(err, relay.ErrSessionClosed) {
		return
	}
	if apperr.KindOf(err) == apperr.KindInternal {
		s.log.Error("websocket frame failed",
			logKeyPublicKey, session.PublicKey(),
			logKeyError, err)
	}
	frame := errorFrame(err)
	frame.ID = f.ID
	_ = session.Send(frame)
}

// wsPinger keeps the session alive and closes it once a
// ping cannot be written.
func (s *Server) wsPinger(ctx context.Context, session *relay.Session) { // A
	ticker := time.NewTicker(s.wsPingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := session.Send(relay.Frame{Type: relay.FramePing}); err != nil {
				_ = session.Close()
				return
			}
		}
	}
}

func errorFrame(err error) relay.Frame { // A
	msg := err.Error()
	if apperr.KindOf(err) == apperr.KindInternal {
		msg = "internal error"
	}
	return relay.Frame{Type: relay.FrameError, Error: msg}
}
