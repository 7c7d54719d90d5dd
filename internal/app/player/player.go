package player

import (
	"context"
	"sync"

	"github.com/cockroachdb/errors"

	"github.com/osa030/lavabridge/internal/domain/queue"
	"github.com/osa030/lavabridge/internal/domain/track"
	"github.com/osa030/lavabridge/internal/infra/lavalink"
)

// DefaultVolume is the volume every player starts with.
const DefaultVolume = 100

// VoiceSessionClient requests voice channel membership changes from the
// Discord gateway. An empty channelID leaves the current channel. Results
// arrive asynchronously through OnVoiceStateUpdate / OnVoiceServerUpdate.
type VoiceSessionClient interface {
	ChangeVoiceState(ctx context.Context, guildID, channelID string, selfDeaf, selfMute bool) error
}

// SessionNode is the player's view of its Lavalink node: the remote session
// gateway plus the node's player registry.
type SessionNode interface {
	// PushVoiceSession submits the composite voice descriptor for a guild.
	PushVoiceSession(ctx context.Context, guildID string, voice lavalink.VoiceState) error
	// UpdatePlayback submits a playback delta. When replace is false a
	// currently playing track is kept.
	UpdatePlayback(ctx context.Context, guildID string, upd lavalink.PlayerUpdate, replace bool) error
	// DestroySession removes the remote session for a guild.
	DestroySession(ctx context.Context, guildID string) error
	// Register adds the player to the node's registry.
	Register(guildID string, p *Player)
	// Deregister removes the player from the node's registry, returning
	// false if it was not registered.
	Deregister(guildID string) bool
}

// Player bridges one guild's Discord voice session to a Lavalink node.
//
// A single mutex serializes all state transitions; mutating operations hold
// it across the node round-trip, so at most one state-changing request per
// guild is in flight at a time. Connect releases it before its bounded wait
// so inbound gateway events can still be applied.
//
// A player that has been disconnected or otherwise invalidated must not be
// reused; create a new one instead.
type Player struct {
	mu sync.RWMutex

	client VoiceSessionClient
	node   SessionNode

	guildID   string
	channelID string

	// Voice handshake accumulation
	voice      lavalink.VoiceState
	lastPushed lavalink.VoiceState // Dedupes descriptor pushes

	// Connection lifecycle
	state      ConnState
	connected  bool // Membership flag from the gateway
	registered bool

	// Completion signal: closed once per successful descriptor push,
	// replaced with a fresh channel on invalidation.
	connCh  chan struct{}
	connSet bool

	// Playback state
	current  *track.Track
	original *track.Track
	previous *track.Track
	volume   int
	paused   bool

	// Last node-reported state
	nodeState lavalink.PlayerState

	queue    *queue.Queue
	cleanups []func() error
}

// Option configures a player at creation.
type Option func(*Player)

// WithInitialVolume overrides the starting volume (0..1000).
func WithInitialVolume(v int) Option {
	return func(p *Player) {
		if v < 0 {
			v = 0
		}
		if v > 1000 {
			v = 1000
		}
		p.volume = v
	}
}

// New creates a player for one guild. The channel may be empty at creation
// and bound later through gateway events, but Connect requires it.
func New(client VoiceSessionClient, node SessionNode, guildID, channelID string, opts ...Option) (*Player, error) {
	if client == nil {
		return nil, errors.New("voice session client is required")
	}
	if node == nil {
		return nil, errors.New("session node is required")
	}
	if guildID == "" {
		return nil, errors.New("guild id is required")
	}

	p := &Player{
		client:    client,
		node:      node,
		guildID:   guildID,
		channelID: channelID,
		state:     StateDisconnected,
		connCh:    make(chan struct{}),
		volume:    DefaultVolume,
		queue:     queue.New(),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p, nil
}

// GuildID returns the guild identity the player is bound to.
func (p *Player) GuildID() string {
	return p.guildID
}

// ChannelID returns the currently bound voice channel, or "".
func (p *Player) ChannelID() string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.channelID
}

// State returns the connection lifecycle state.
func (p *Player) State() ConnState {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.state
}

// Connected returns true while the player holds voice channel membership.
func (p *Player) Connected() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.channelID != "" && p.connected
}

// Playing returns true if the player is connected and has a current track.
func (p *Player) Playing() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.connected && p.current != nil
}

// Current returns the currently playing track, or nil.
func (p *Player) Current() *track.Track {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.current
}

// Previous returns the track that was current before the latest successful
// play, or nil.
func (p *Player) Previous() *track.Track {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.previous
}

// Volume returns the current volume (0..1000).
func (p *Player) Volume() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.volume
}

// Paused returns the paused status.
func (p *Player) Paused() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.paused
}

// Position returns the last node-reported track position in milliseconds.
func (p *Player) Position() int64 {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.nodeState.Position
}

// Ping returns the last node-reported voice ping, or -1 if unknown.
func (p *Player) Ping() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.nodeState.Ping
}

// Queue returns the player's track queue.
func (p *Player) Queue() *queue.Queue {
	return p.queue
}

// OnCleanup registers a hook run during invalidation. Hooks returning
// ErrAlreadyCleaned are treated as no-ops; any other error aborts the
// invalidation and propagates.
func (p *Player) OnCleanup(fn func() error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.cleanups = append(p.cleanups, fn)
}

// ApplyNodeState records a state snapshot reported by the node.
func (p *Player) ApplyNodeState(state lavalink.PlayerState) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.nodeState = state
}

// requireSessionLocked guards operations that need an established guild
// session. Must be called with the lock held.
func (p *Player) requireSessionLocked() error {
	if !p.registered {
		return errors.Wrap(ErrInvalidChannelState, "player has no active session; call Connect first")
	}
	return nil
}
