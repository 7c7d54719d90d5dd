package node

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/osa030/lavabridge/internal/app/player"
	"github.com/osa030/lavabridge/internal/domain/track"
	"github.com/osa030/lavabridge/internal/infra/lavalink"
)

func testPoolTrack(id string) track.Track {
	return track.Track{Encoded: "enc-" + id, Info: track.Info{Identifier: id, Title: id}}
}

func addTestNode(t *testing.T, pool *Pool, name string, handler http.Handler) *Node {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	n, err := pool.AddNode(Config{
		Name:     name,
		Address:  strings.TrimPrefix(server.URL, "http://"),
		Password: "pw",
	})
	require.NoError(t, err)
	return n
}

func TestNewPool_Validation(t *testing.T) {
	_, err := NewPool("")
	assert.Error(t, err)

	p, err := NewPool("bot1")
	require.NoError(t, err)
	assert.Empty(t, p.Nodes())
}

func TestPool_Run_NoNodes(t *testing.T) {
	p, err := NewPool("bot1")
	require.NoError(t, err)
	assert.ErrorIs(t, p.Run(context.Background()), ErrNoNodes)
}

func TestPool_NodeSelection(t *testing.T) {
	pool, err := NewPool("bot1")
	require.NoError(t, err)

	n1 := addTestNode(t, pool, "one", &captureServer{})
	n2 := addTestNode(t, pool, "two", &captureServer{})

	_, err = pool.Node()
	assert.ErrorIs(t, err, ErrNoNodes, "no node is available before its handshake")

	n1.HandleReady(lavalink.Ready{SessionID: "s1"})
	got, err := pool.Node()
	require.NoError(t, err)
	assert.Same(t, n1, got)

	// Both available: the less loaded one wins.
	n2.HandleReady(lavalink.Ready{SessionID: "s2"})
	var busy, idle lavalink.Stats
	busy.PlayingPlayers = 50
	idle.PlayingPlayers = 1
	n1.HandleStats(busy)
	n2.HandleStats(idle)

	got, err = pool.Node()
	require.NoError(t, err)
	assert.Same(t, n2, got)
}

func TestPool_NewPlayer(t *testing.T) {
	pool, err := NewPool("bot1")
	require.NoError(t, err)
	pool.SetVoiceClient(fakeVoiceClient{})

	n := addTestNode(t, pool, "one", &captureServer{})
	n.HandleReady(lavalink.Ready{SessionID: "s1"})

	p, err := pool.NewPlayer("guild1", "chan1")
	require.NoError(t, err)
	assert.Equal(t, "guild1", p.GuildID())

	// The pool only sees the player once it holds a session.
	assert.Nil(t, pool.Player("guild1"))
	n.Register("guild1", p)
	assert.Same(t, p, pool.Player("guild1"))

	_, err = pool.NewPlayer("guild1", "chan2")
	assert.ErrorIs(t, err, ErrPlayerExists)

	// Explicit placement bypasses load balancing.
	p2, err := pool.NewPlayer("guild2", "chan1", OnNode(n))
	require.NoError(t, err)
	assert.NotNil(t, p2)
}

func TestPool_Connect(t *testing.T) {
	pool, err := NewPool("bot1", WithDefaultVolume(80), WithConnectTimeout(2*time.Second))
	require.NoError(t, err)
	pool.SetVoiceClient(fakeVoiceClient{})

	n := addTestNode(t, pool, "one", &captureServer{})
	n.HandleReady(lavalink.Ready{SessionID: "s1"})

	ctx := context.Background()
	type result struct {
		p   *player.Player
		err error
	}
	done := make(chan result, 1)
	go func() {
		p, err := pool.Connect(ctx, "guild1", "chan1")
		done <- result{p, err}
	}()

	// The player becomes visible once Connect registers it; complete the
	// handshake then.
	require.Eventually(t, func() bool { return pool.Player("guild1") != nil }, time.Second, 5*time.Millisecond)
	p := pool.Player("guild1")
	require.NoError(t, p.OnVoiceStateUpdate(ctx, "chan1", "vsess"))
	require.NoError(t, p.OnVoiceServerUpdate(ctx, "tok", "ep"))

	res := <-done
	require.NoError(t, res.err)
	assert.Same(t, p, res.p)
	assert.Equal(t, 80, res.p.Volume(), "pool default volume applies")
	assert.True(t, res.p.Connected())

	// A guild with an active player gets it back instead of a new one.
	again, err := pool.Connect(ctx, "guild1", "other-channel")
	require.NoError(t, err)
	assert.Same(t, p, again)
}

// connectPlayer drives the voice handshake so the player holds a session.
func connectPlayer(t *testing.T, p *player.Player) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, p.OnVoiceStateUpdate(ctx, "chan1", "vsess"))
	require.NoError(t, p.OnVoiceServerUpdate(ctx, "tok", "ep"))
	require.NoError(t, p.Connect(ctx, player.WithTimeout(time.Second)))
}

func TestPool_AutoAdvance(t *testing.T) {
	pool, err := NewPool("bot1")
	require.NoError(t, err)
	pool.SetVoiceClient(fakeVoiceClient{})

	srv := &captureServer{}
	n := addTestNode(t, pool, "one", srv)
	n.HandleReady(lavalink.Ready{SessionID: "s1"})

	p, err := pool.NewPlayer("guild1", "chan1")
	require.NoError(t, err)
	connectPlayer(t, p)

	next := testPoolTrack("next")
	p.Queue().Put(next, "user1")

	// A finished track pulls the next one from the queue.
	n.HandleEvent(lavalink.TrackEndEvent{GuildID: "guild1", Reason: lavalink.EndReasonFinished})

	reqs := srv.captured()
	last := reqs[len(reqs)-1]
	trackBody, ok := last.body["track"].(map[string]any)
	require.True(t, ok, "auto-advance must submit a play delta")
	assert.Equal(t, "enc-next", trackBody["encoded"])
	assert.True(t, p.Queue().IsEmpty())

	// A stopped track does not advance.
	p.Queue().Put(testPoolTrack("later"), "user1")
	before := len(srv.captured())
	n.HandleEvent(lavalink.TrackEndEvent{GuildID: "guild1", Reason: lavalink.EndReasonStopped})
	assert.Len(t, srv.captured(), before)
	assert.Equal(t, 1, p.Queue().Len())
}

func TestPool_AutoAdvanceDisabled(t *testing.T) {
	pool, err := NewPool("bot1", WithoutAutoAdvance())
	require.NoError(t, err)
	pool.SetVoiceClient(fakeVoiceClient{})

	srv := &captureServer{}
	n := addTestNode(t, pool, "one", srv)
	n.HandleReady(lavalink.Ready{SessionID: "s1"})

	p, err := pool.NewPlayer("guild1", "chan1")
	require.NoError(t, err)
	connectPlayer(t, p)

	p.Queue().Put(testPoolTrack("next"), "user1")
	before := len(srv.captured())
	n.HandleEvent(lavalink.TrackEndEvent{GuildID: "guild1", Reason: lavalink.EndReasonFinished})

	assert.Len(t, srv.captured(), before)
	assert.Equal(t, 1, p.Queue().Len())
}

type prefixResolver struct {
	prefix  string
	queries []string
}

func (r *prefixResolver) CanResolve(identifier string) bool {
	return strings.HasPrefix(identifier, r.prefix)
}

func (r *prefixResolver) Resolve(ctx context.Context, identifier string) ([]string, error) {
	return r.queries, nil
}

// loadServer answers loadtracks requests with one canned search hit per
// query.
type loadServer struct{}

func (loadServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	identifier := r.URL.Query().Get("identifier")
	name := strings.TrimPrefix(identifier, "ytsearch:")

	w.Header().Set("Content-Type", "application/json")
	fmt.Fprintf(w, `{"loadType":"search","data":[{"encoded":"enc-%s","info":{"identifier":"%s","title":"%s","author":"x","length":1000,"position":0,"isSeekable":true,"isStream":false,"sourceName":"youtube"}}]}`,
		name, name, name)
}

func TestPool_ResolveTracks(t *testing.T) {
	resolver := &prefixResolver{
		prefix:  "https://open.spotify.com/",
		queries: []string{"ytsearch:alpha", "ytsearch:beta"},
	}

	pool, err := NewPool("bot1", WithResolver(resolver))
	require.NoError(t, err)

	n := addTestNode(t, pool, "one", loadServer{})
	n.HandleReady(lavalink.Ready{SessionID: "s1"})

	tracks, err := pool.ResolveTracks(context.Background(), "https://open.spotify.com/playlist/abc")
	require.NoError(t, err)
	require.Len(t, tracks, 2)
	assert.Equal(t, "alpha", tracks[0].Info.Title)
	assert.Equal(t, "beta", tracks[1].Info.Title)

	// Unmatched identifiers go to the node directly; search results are
	// flattened.
	tracks, err = pool.ResolveTracks(context.Background(), "ytsearch:gamma")
	require.NoError(t, err)
	require.Len(t, tracks, 1)
	assert.Equal(t, "gamma", tracks[0].Info.Title)
}
