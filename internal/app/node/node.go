package node

import (
	"context"
	"math"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	zlog "github.com/rs/zerolog/log"

	"github.com/osa030/lavabridge/internal/app/player"
	"github.com/osa030/lavabridge/internal/infra/lavalink"
)

// Config represents one Lavalink node.
type Config struct {
	Name       string // Label used in logs and lookups
	Address    string // host:port of the node
	Password   string
	Secure     bool
	UserID     string // Discord user ID of the bot
	ClientName string

	// ResumeTimeout enables session resuming on the node when non-zero:
	// after a connection drop the node keeps the session alive for this
	// long, and a reconnect within the window picks it up.
	ResumeTimeout time.Duration
}

// Node is one Lavalink node: its REST client, its WebSocket, and the
// registry of players whose sessions live on it. It implements both
// player.SessionNode (outbound deltas) and lavalink.MessageHandler
// (inbound messages).
type Node struct {
	name          string
	rest          *lavalink.Client
	sock          *lavalink.Socket
	resumeTimeout time.Duration

	mu        sync.RWMutex
	sessionID string
	players   map[string]*player.Player
	stats     lavalink.Stats
	hasStats  bool
	handler   EventHandler
}

var (
	_ player.SessionNode      = (*Node)(nil)
	_ lavalink.MessageHandler = (*Node)(nil)
)

// New creates a node from its configuration. The node is not connected
// until Run is called.
func New(cfg Config) (*Node, error) {
	if cfg.Name == "" {
		return nil, errors.New("node name is required")
	}

	rest, err := lavalink.NewClient(lavalink.Config{
		Address:  cfg.Address,
		Password: cfg.Password,
		Secure:   cfg.Secure,
	})
	if err != nil {
		return nil, errors.Wrapf(err, "node %s", cfg.Name)
	}

	n := &Node{
		name:          cfg.Name,
		rest:          rest,
		resumeTimeout: cfg.ResumeTimeout,
		players:       make(map[string]*player.Player),
	}

	sock, err := lavalink.NewSocket(lavalink.SocketConfig{
		Address:    cfg.Address,
		Password:   cfg.Password,
		Secure:     cfg.Secure,
		UserID:     cfg.UserID,
		ClientName: cfg.ClientName,
	}, n)
	if err != nil {
		return nil, errors.Wrapf(err, "node %s", cfg.Name)
	}
	n.sock = sock

	return n, nil
}

// Name returns the node's configured label.
func (n *Node) Name() string {
	return n.name
}

// Run maintains the node's WebSocket until ctx is cancelled or Close is
// called.
func (n *Node) Run(ctx context.Context) error {
	return n.sock.Run(ctx)
}

// Close shuts the node's WebSocket down.
func (n *Node) Close() {
	n.sock.Close()
}

// SetEventHandler installs the receiver for node-emitted player events.
func (n *Node) SetEventHandler(h EventHandler) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.handler = h
}

// Available reports whether the node has completed its handshake and can
// accept sessions.
func (n *Node) Available() bool {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.sessionID != ""
}

// Stats returns the node's last load report, if one arrived yet.
func (n *Node) Stats() (lavalink.Stats, bool) {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.stats, n.hasStats
}

// Penalty scores the node's load for balancing; lower is better. The score
// follows the common Lavalink client heuristic: playing players plus a CPU
// term that grows steeply as system load approaches saturation.
func (n *Node) Penalty() int {
	n.mu.RLock()
	defer n.mu.RUnlock()
	if !n.hasStats {
		return 0
	}

	cpu := math.Pow(1.05, 100*n.stats.CPU.SystemLoad)
	return n.stats.PlayingPlayers + int(cpu*10-10)
}

// PlayerCount returns the number of players registered on this node.
func (n *Node) PlayerCount() int {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return len(n.players)
}

// Player returns the registered player for a guild, or nil.
func (n *Node) Player(guildID string) *player.Player {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.players[guildID]
}

// Version fetches the node's version string over REST.
func (n *Node) Version(ctx context.Context) (string, error) {
	return n.rest.Version(ctx)
}

// LoadTracks resolves an identifier (URL or search query) on this node.
func (n *Node) LoadTracks(ctx context.Context, identifier string) (*lavalink.LoadResult, error) {
	return n.rest.LoadTracks(ctx, identifier)
}

// sessionIDOrErr returns the node session id, failing while the handshake
// has not completed yet.
func (n *Node) sessionIDOrErr() (string, error) {
	n.mu.RLock()
	defer n.mu.RUnlock()
	if n.sessionID == "" {
		return "", errors.Newf("node %s has no session yet", n.name)
	}
	return n.sessionID, nil
}

// PushVoiceSession submits a guild's composite voice descriptor to the node.
func (n *Node) PushVoiceSession(ctx context.Context, guildID string, voice lavalink.VoiceState) error {
	sessionID, err := n.sessionIDOrErr()
	if err != nil {
		return err
	}

	upd := lavalink.PlayerUpdate{Voice: &voice}
	_, err = n.rest.UpdatePlayer(ctx, sessionID, guildID, upd, false)
	return errors.Wrapf(err, "node %s: voice session push for guild %s", n.name, guildID)
}

// UpdatePlayback submits a playback delta for a guild.
func (n *Node) UpdatePlayback(ctx context.Context, guildID string, upd lavalink.PlayerUpdate, replace bool) error {
	sessionID, err := n.sessionIDOrErr()
	if err != nil {
		return err
	}

	_, err = n.rest.UpdatePlayer(ctx, sessionID, guildID, upd, !replace)
	return errors.Wrapf(err, "node %s: playback update for guild %s", n.name, guildID)
}

// DestroySession removes a guild's remote session from the node.
func (n *Node) DestroySession(ctx context.Context, guildID string) error {
	sessionID, err := n.sessionIDOrErr()
	if err != nil {
		return err
	}
	return n.rest.DestroyPlayer(ctx, sessionID, guildID)
}

// Register adds a player to the node's registry.
func (n *Node) Register(guildID string, p *player.Player) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.players[guildID] = p
}

// Deregister removes a player from the node's registry, returning false if
// it was not registered.
func (n *Node) Deregister(guildID string) bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	if _, ok := n.players[guildID]; !ok {
		return false
	}
	delete(n.players, guildID)
	return true
}

// HandleReady records the node session and, when configured, enables
// session resuming so short connection drops do not destroy players.
func (n *Node) HandleReady(r lavalink.Ready) {
	n.mu.Lock()
	n.sessionID = r.SessionID
	resumeTimeout := n.resumeTimeout
	n.mu.Unlock()

	zlog.Info().Msgf("node %s: ready (session %s, resumed=%v)", n.name, r.SessionID, r.Resumed)

	if resumeTimeout <= 0 || r.Resumed {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := n.rest.UpdateSession(ctx, r.SessionID, true, resumeTimeout); err != nil {
		zlog.Warn().Msgf("node %s: failed to enable session resuming: %v", n.name, err)
	}
}

// HandlePlayerUpdate routes a state snapshot to the guild's player.
func (n *Node) HandlePlayerUpdate(m lavalink.PlayerUpdateMessage) {
	p := n.Player(m.GuildID)
	if p == nil {
		return
	}
	p.ApplyNodeState(m.State)
}

// HandleStats records the node's load report.
func (n *Node) HandleStats(s lavalink.Stats) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.stats = s
	n.hasStats = true
}

// HandleEvent routes a player event to the guild's player and the installed
// event handler. Track start and end also correct the player's local view
// of what is playing.
func (n *Node) HandleEvent(ev lavalink.Event) {
	p := n.Player(ev.EventGuildID())
	if p == nil {
		zlog.Debug().Msgf("node %s: event %s for unknown guild %s", n.name, ev.EventType(), ev.EventGuildID())
		return
	}

	n.mu.RLock()
	handler := n.handler
	n.mu.RUnlock()
	if handler == nil {
		handler = nopHandler{}
	}

	switch e := ev.(type) {
	case lavalink.TrackStartEvent:
		p.OnTrackStart(e.Track)
		handler.OnTrackStart(p, e)
	case lavalink.TrackEndEvent:
		p.OnTrackEnd()
		handler.OnTrackEnd(p, e)
	case lavalink.TrackExceptionEvent:
		handler.OnTrackException(p, e)
	case lavalink.TrackStuckEvent:
		handler.OnTrackStuck(p, e)
	case lavalink.WebSocketClosedEvent:
		handler.OnWebSocketClosed(p, e)
	default:
		zlog.Debug().Msgf("node %s: unhandled event %s", n.name, ev.EventType())
	}
}
