package lavalink

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/coder/websocket"
	zlog "github.com/rs/zerolog/log"
)

const (
	reconnectBaseDelay = time.Second
	reconnectMaxDelay  = 30 * time.Second
	socketReadLimit    = 1 << 22 // Stats and load payloads stay far below this
)

// MessageHandler receives decoded node messages. Calls are made from the
// socket's read goroutine, one at a time.
type MessageHandler interface {
	HandleReady(Ready)
	HandlePlayerUpdate(PlayerUpdateMessage)
	HandleStats(Stats)
	HandleEvent(Event)
}

// SocketConfig represents node WebSocket configuration.
type SocketConfig struct {
	Address    string // host:port of the node
	Password   string
	Secure     bool
	UserID     string // Discord user ID of the bot
	ClientName string // Client-Name header value
}

// Socket maintains the WebSocket connection to one node, decoding op
// messages and forwarding them to the handler. It reconnects with capped
// backoff until Close is called, resuming its node session when possible.
type Socket struct {
	cfg     SocketConfig
	handler MessageHandler

	mu        sync.Mutex
	conn      *websocket.Conn
	sessionID string // From the last ready op, sent back as Session-Id on reconnect
	closed    bool
}

// NewSocket creates a socket for one node.
func NewSocket(cfg SocketConfig, handler MessageHandler) (*Socket, error) {
	if cfg.Address == "" {
		return nil, errors.New("node address is required")
	}
	if cfg.UserID == "" {
		return nil, errors.New("user id is required")
	}
	if cfg.ClientName == "" {
		cfg.ClientName = "lavabridge"
	}

	return &Socket{cfg: cfg, handler: handler}, nil
}

// Run connects and processes messages until ctx is cancelled or Close is
// called. Connection drops are retried with capped exponential backoff.
func (s *Socket) Run(ctx context.Context) error {
	delay := reconnectBaseDelay

	for {
		if err := s.connect(ctx); err != nil {
			if s.isClosed() || ctx.Err() != nil {
				return nil
			}
			zlog.Warn().Msgf("lavalink: connect to %s failed: %v (retrying in %v)", s.cfg.Address, err, delay)
		} else {
			err = s.readLoop(ctx)
			if s.isClosed() || ctx.Err() != nil {
				return nil
			}
			zlog.Warn().Msgf("lavalink: connection to %s lost: %v (retrying in %v)", s.cfg.Address, err, delay)
		}

		select {
		case <-ctx.Done():
			return nil
		case <-time.After(delay):
		}

		delay *= 2
		if delay > reconnectMaxDelay {
			delay = reconnectMaxDelay
		}
	}
}

// Close tears down the connection and stops reconnecting.
func (s *Socket) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.closed = true
	if s.conn != nil {
		_ = s.conn.Close(websocket.StatusNormalClosure, "client shutdown")
		s.conn = nil
	}
}

// SessionID returns the node session ID from the last ready op.
func (s *Socket) SessionID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sessionID
}

func (s *Socket) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func (s *Socket) connect(ctx context.Context) error {
	scheme := "ws"
	if s.cfg.Secure {
		scheme = "wss"
	}
	wsURL := fmt.Sprintf("%s://%s/v4/websocket", scheme, s.cfg.Address)

	headers := http.Header{}
	headers.Set("Authorization", s.cfg.Password)
	headers.Set("User-Id", s.cfg.UserID)
	headers.Set("Client-Name", s.cfg.ClientName)

	s.mu.Lock()
	if s.sessionID != "" {
		headers.Set("Session-Id", s.sessionID)
	}
	s.mu.Unlock()

	dialCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	conn, _, err := websocket.Dial(dialCtx, wsURL, &websocket.DialOptions{
		HTTPHeader: headers,
	})
	if err != nil {
		return errors.Wrapf(err, "failed to dial %s", wsURL)
	}
	conn.SetReadLimit(socketReadLimit)

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		_ = conn.Close(websocket.StatusNormalClosure, "client shutdown")
		return errors.New("socket closed")
	}
	s.conn = conn
	s.mu.Unlock()

	zlog.Debug().Msgf("lavalink: connected to %s", s.cfg.Address)
	return nil
}

func (s *Socket) readLoop(ctx context.Context) error {
	s.mu.Lock()
	conn := s.conn
	s.mu.Unlock()
	if conn == nil {
		return errors.New("no connection")
	}

	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			return errors.Wrap(err, "read failed")
		}
		if err := s.dispatch(data); err != nil {
			// One undecodable message is not worth dropping the connection.
			zlog.Warn().Msgf("lavalink: dropping message from %s: %v", s.cfg.Address, err)
		}
	}
}

// dispatch decodes one op envelope and forwards it to the handler.
func (s *Socket) dispatch(data []byte) error {
	var env struct {
		Op string `json:"op"`
	}
	if err := json.Unmarshal(data, &env); err != nil {
		return errors.Wrap(err, "failed to decode op envelope")
	}

	switch env.Op {
	case "ready":
		var r Ready
		if err := json.Unmarshal(data, &r); err != nil {
			return errors.Wrap(err, "failed to decode ready op")
		}
		s.mu.Lock()
		s.sessionID = r.SessionID
		s.mu.Unlock()
		zlog.Info().Msgf("lavalink: node %s ready (session=%s resumed=%t)", s.cfg.Address, r.SessionID, r.Resumed)
		s.handler.HandleReady(r)

	case "playerUpdate":
		var u PlayerUpdateMessage
		if err := json.Unmarshal(data, &u); err != nil {
			return errors.Wrap(err, "failed to decode playerUpdate op")
		}
		s.handler.HandlePlayerUpdate(u)

	case "stats":
		var st Stats
		if err := json.Unmarshal(data, &st); err != nil {
			return errors.Wrap(err, "failed to decode stats op")
		}
		s.handler.HandleStats(st)

	case "event":
		evt, err := decodeEvent(data)
		if err != nil {
			return err
		}
		s.handler.HandleEvent(evt)

	default:
		return errors.Newf("unknown op %q", env.Op)
	}

	return nil
}
