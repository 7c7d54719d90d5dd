package node

import (
	"context"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	zlog "github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/osa030/lavabridge/internal/app/player"
	"github.com/osa030/lavabridge/internal/domain/track"
	"github.com/osa030/lavabridge/internal/infra/lavalink"
)

// ErrNoNodes is returned when no node is available to take a session.
var ErrNoNodes = errors.New("no available nodes")

// ErrPlayerExists is returned when a guild already has an active player.
var ErrPlayerExists = errors.New("guild already has an active player")

// advanceTimeout bounds the playback request issued by auto-advance.
const advanceTimeout = 10 * time.Second

// Resolver turns identifiers of an external source (a playlist link, an
// album link) into search queries a node can load.
type Resolver interface {
	// CanResolve reports whether the identifier belongs to this source.
	CanResolve(identifier string) bool
	// Resolve expands the identifier into node search queries, one per
	// track.
	Resolve(ctx context.Context, identifier string) ([]string, error)
}

// Pool owns the bot's Lavalink nodes and hands out guild players, placing
// each new player on the least loaded available node.
type Pool struct {
	userID         string
	clientName     string
	autoAdvance    bool
	handler        EventHandler
	defaultVolume  int
	connectTimeout time.Duration
	selfDeaf       bool

	mu        sync.RWMutex
	voice     player.VoiceSessionClient
	nodes     []*Node
	resolvers []Resolver
}

// Option configures a Pool.
type Option func(*Pool)

// WithClientName overrides the Client-Name reported to nodes.
func WithClientName(name string) Option {
	return func(p *Pool) {
		p.clientName = name
	}
}

// WithEventHandler installs the receiver for player events from all nodes.
func WithEventHandler(h EventHandler) Option {
	return func(p *Pool) {
		p.handler = h
	}
}

// WithoutAutoAdvance disables playing the next queued track when one
// finishes.
func WithoutAutoAdvance() Option {
	return func(p *Pool) {
		p.autoAdvance = false
	}
}

// WithResolver registers a source resolver consulted by ResolveTracks.
func WithResolver(r Resolver) Option {
	return func(p *Pool) {
		p.resolvers = append(p.resolvers, r)
	}
}

// WithDefaultVolume sets the starting volume of new players.
func WithDefaultVolume(v int) Option {
	return func(p *Pool) {
		p.defaultVolume = v
	}
}

// WithConnectTimeout sets the voice handshake deadline used by Connect.
func WithConnectTimeout(d time.Duration) Option {
	return func(p *Pool) {
		p.connectTimeout = d
	}
}

// WithSelfDeaf joins voice channels self-deafened.
func WithSelfDeaf() Option {
	return func(p *Pool) {
		p.selfDeaf = true
	}
}

// NewPool creates a pool for the given bot user. Nodes are added with
// AddNode and connected with Run.
func NewPool(userID string, opts ...Option) (*Pool, error) {
	if userID == "" {
		return nil, errors.New("user id is required")
	}

	p := &Pool{
		userID:         userID,
		clientName:     "lavabridge",
		autoAdvance:    true,
		defaultVolume:  player.DefaultVolume,
		connectTimeout: player.DefaultConnectTimeout,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p, nil
}

// SetVoiceClient installs the gateway used for voice channel membership
// changes. Must be called before NewPlayer.
func (p *Pool) SetVoiceClient(c player.VoiceSessionClient) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.voice = c
}

// AddNode creates a node from its configuration and adds it to the pool.
func (p *Pool) AddNode(cfg Config) (*Node, error) {
	cfg.UserID = p.userID
	cfg.ClientName = p.clientName

	n, err := New(cfg)
	if err != nil {
		return nil, err
	}
	n.SetEventHandler(&poolDispatch{pool: p})

	p.mu.Lock()
	defer p.mu.Unlock()
	p.nodes = append(p.nodes, n)
	return n, nil
}

// Run connects every node and blocks until ctx is cancelled or a node
// fails permanently.
func (p *Pool) Run(ctx context.Context) error {
	p.mu.RLock()
	nodes := make([]*Node, len(p.nodes))
	copy(nodes, p.nodes)
	p.mu.RUnlock()

	if len(nodes) == 0 {
		return ErrNoNodes
	}

	g, ctx := errgroup.WithContext(ctx)
	for _, n := range nodes {
		g.Go(func() error {
			return n.Run(ctx)
		})
	}
	return g.Wait()
}

// Close shuts every node down.
func (p *Pool) Close() {
	p.mu.RLock()
	defer p.mu.RUnlock()
	for _, n := range p.nodes {
		n.Close()
	}
}

// Nodes returns the pool's nodes.
func (p *Pool) Nodes() []*Node {
	p.mu.RLock()
	defer p.mu.RUnlock()
	nodes := make([]*Node, len(p.nodes))
	copy(nodes, p.nodes)
	return nodes
}

// Node returns the least loaded available node.
func (p *Pool) Node() (*Node, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	var best *Node
	for _, n := range p.nodes {
		if !n.Available() {
			continue
		}
		if best == nil || n.Penalty() < best.Penalty() {
			best = n
		}
	}
	if best == nil {
		return nil, ErrNoNodes
	}
	return best, nil
}

// PlayerOption configures player placement.
type PlayerOption func(*playerOptions)

type playerOptions struct {
	node *Node
}

// OnNode places the player on a specific node instead of the least loaded
// one.
func OnNode(n *Node) PlayerOption {
	return func(o *playerOptions) {
		o.node = n
	}
}

// NewPlayer creates a player for a guild. The guild must not already have
// an active player in the pool.
func (p *Pool) NewPlayer(guildID, channelID string, opts ...PlayerOption) (*player.Player, error) {
	var o playerOptions
	for _, opt := range opts {
		opt(&o)
	}

	if existing := p.Player(guildID); existing != nil {
		return nil, errors.Wrapf(ErrPlayerExists, "guild %s", guildID)
	}

	n := o.node
	if n == nil {
		var err error
		n, err = p.Node()
		if err != nil {
			return nil, err
		}
	}

	p.mu.RLock()
	voice := p.voice
	p.mu.RUnlock()

	return player.New(voice, n, guildID, channelID, player.WithInitialVolume(p.defaultVolume))
}

// Connect returns the guild's player, creating one bound to channelID and
// completing its voice handshake first when the guild has none yet.
func (p *Pool) Connect(ctx context.Context, guildID, channelID string) (*player.Player, error) {
	if existing := p.Player(guildID); existing != nil {
		return existing, nil
	}

	pl, err := p.NewPlayer(guildID, channelID)
	if err != nil {
		return nil, err
	}

	opts := []player.ConnectOption{player.WithTimeout(p.connectTimeout)}
	if p.selfDeaf {
		opts = append(opts, player.WithSelfDeaf(true))
	}
	if err := pl.Connect(ctx, opts...); err != nil {
		return nil, err
	}
	return pl, nil
}

// Player returns the active player for a guild, or nil.
func (p *Pool) Player(guildID string) *player.Player {
	p.mu.RLock()
	defer p.mu.RUnlock()
	for _, n := range p.nodes {
		if pl := n.Player(guildID); pl != nil {
			return pl
		}
	}
	return nil
}

// Search resolves an identifier on the least loaded node as-is.
func (p *Pool) Search(ctx context.Context, identifier string) (*lavalink.LoadResult, error) {
	n, err := p.Node()
	if err != nil {
		return nil, err
	}
	return n.LoadTracks(ctx, identifier)
}

// ResolveTracks turns an identifier into playable tracks. Identifiers owned
// by a registered source resolver are expanded into per-track search
// queries first; for each query the best match is kept. Anything else goes
// to the node directly, with playlists and search results flattened.
func (p *Pool) ResolveTracks(ctx context.Context, identifier string) ([]track.Track, error) {
	n, err := p.Node()
	if err != nil {
		return nil, err
	}

	p.mu.RLock()
	resolvers := make([]Resolver, len(p.resolvers))
	copy(resolvers, p.resolvers)
	p.mu.RUnlock()

	for _, r := range resolvers {
		if !r.CanResolve(identifier) {
			continue
		}

		queries, err := r.Resolve(ctx, identifier)
		if err != nil {
			return nil, errors.Wrapf(err, "failed to resolve %s", identifier)
		}

		var tracks []track.Track
		for _, q := range queries {
			res, err := n.LoadTracks(ctx, q)
			if err != nil {
				zlog.Warn().Msgf("failed to load %q: %v", q, err)
				continue
			}
			if t := firstTrack(res); t != nil {
				tracks = append(tracks, *t)
			}
		}
		return tracks, nil
	}

	res, err := n.LoadTracks(ctx, identifier)
	if err != nil {
		return nil, err
	}

	switch res.LoadType {
	case lavalink.LoadTypeTrack:
		return []track.Track{*res.Track}, nil
	case lavalink.LoadTypePlaylist:
		return res.Playlist.Tracks, nil
	case lavalink.LoadTypeSearch:
		return res.Tracks, nil
	case lavalink.LoadTypeEmpty:
		return nil, nil
	case lavalink.LoadTypeError:
		return nil, errors.Newf("node failed to load %s: %s", identifier, res.Exception.Message)
	default:
		return nil, errors.Newf("unexpected load type %s", res.LoadType)
	}
}

func firstTrack(res *lavalink.LoadResult) *track.Track {
	switch res.LoadType {
	case lavalink.LoadTypeTrack:
		return res.Track
	case lavalink.LoadTypeSearch:
		if len(res.Tracks) > 0 {
			return &res.Tracks[0]
		}
	}
	return nil
}

// poolDispatch forwards node events to the pool handler and drives
// auto-advance.
type poolDispatch struct {
	pool *Pool
}

func (d *poolDispatch) OnTrackStart(pl *player.Player, ev lavalink.TrackStartEvent) {
	if h := d.pool.handler; h != nil {
		h.OnTrackStart(pl, ev)
	}
}

func (d *poolDispatch) OnTrackEnd(pl *player.Player, ev lavalink.TrackEndEvent) {
	if d.pool.autoAdvance && ev.Reason.MayStartNext() {
		ctx, cancel := context.WithTimeout(context.Background(), advanceTimeout)
		defer cancel()
		if _, err := pl.PlayNext(ctx); err != nil {
			zlog.Warn().Msgf("player %s: auto-advance failed: %v", pl.GuildID(), err)
		}
	}

	if h := d.pool.handler; h != nil {
		h.OnTrackEnd(pl, ev)
	}
}

func (d *poolDispatch) OnTrackException(pl *player.Player, ev lavalink.TrackExceptionEvent) {
	if h := d.pool.handler; h != nil {
		h.OnTrackException(pl, ev)
	}
}

func (d *poolDispatch) OnTrackStuck(pl *player.Player, ev lavalink.TrackStuckEvent) {
	if h := d.pool.handler; h != nil {
		h.OnTrackStuck(pl, ev)
	}
}

func (d *poolDispatch) OnWebSocketClosed(pl *player.Player, ev lavalink.WebSocketClosedEvent) {
	if h := d.pool.handler; h != nil {
		h.OnWebSocketClosed(pl, ev)
	}
}
