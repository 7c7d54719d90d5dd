package player

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/osa030/lavabridge/internal/infra/lavalink"
)

type joinRequest struct {
	guildID   string
	channelID string
	selfDeaf  bool
	selfMute  bool
}

// fakeVoiceClient records membership change requests.
type fakeVoiceClient struct {
	mu    sync.Mutex
	joins []joinRequest
	err   error
}

func (c *fakeVoiceClient) ChangeVoiceState(ctx context.Context, guildID, channelID string, selfDeaf, selfMute bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err != nil {
		return c.err
	}
	c.joins = append(c.joins, joinRequest{guildID, channelID, selfDeaf, selfMute})
	return nil
}

func (c *fakeVoiceClient) requests() []joinRequest {
	c.mu.Lock()
	defer c.mu.Unlock()
	result := make([]joinRequest, len(c.joins))
	copy(result, c.joins)
	return result
}

type recordedUpdate struct {
	upd     lavalink.PlayerUpdate
	replace bool
}

// fakeNode records gateway calls and maintains the player registry.
type fakeNode struct {
	mu           sync.Mutex
	pushes       []lavalink.VoiceState
	pushErr      error
	updates      []recordedUpdate
	updateErr    error
	destroyCalls int
	destroyErr   error
	players      map[string]*Player
	registers    int
}

func newFakeNode() *fakeNode {
	return &fakeNode{players: make(map[string]*Player)}
}

func (n *fakeNode) PushVoiceSession(ctx context.Context, guildID string, voice lavalink.VoiceState) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.pushErr != nil {
		return n.pushErr
	}
	n.pushes = append(n.pushes, voice)
	return nil
}

func (n *fakeNode) UpdatePlayback(ctx context.Context, guildID string, upd lavalink.PlayerUpdate, replace bool) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.updateErr != nil {
		return n.updateErr
	}
	n.updates = append(n.updates, recordedUpdate{upd, replace})
	return nil
}

func (n *fakeNode) DestroySession(ctx context.Context, guildID string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.destroyCalls++
	return n.destroyErr
}

func (n *fakeNode) Register(guildID string, p *Player) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.registers++
	n.players[guildID] = p
}

func (n *fakeNode) Deregister(guildID string) bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	if _, ok := n.players[guildID]; !ok {
		return false
	}
	delete(n.players, guildID)
	return true
}

func (n *fakeNode) pushCount() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.pushes)
}

func (n *fakeNode) registeredCount() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.players)
}

func newTestPlayer(t *testing.T) (*Player, *fakeVoiceClient, *fakeNode) {
	t.Helper()
	client := &fakeVoiceClient{}
	node := newFakeNode()
	p, err := New(client, node, "guild1", "chan1")
	require.NoError(t, err)
	return p, client, node
}

// establishSession completes the handshake and a Connect call.
func establishSession(t *testing.T, p *Player) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, p.OnVoiceStateUpdate(ctx, "chan1", "sess1"))
	require.NoError(t, p.OnVoiceServerUpdate(ctx, "tok", "ep1"))
	require.NoError(t, p.Connect(ctx, WithTimeout(time.Second)))
}

func TestNew_Validation(t *testing.T) {
	client := &fakeVoiceClient{}
	node := newFakeNode()

	_, err := New(nil, node, "g", "c")
	assert.Error(t, err)

	_, err = New(client, nil, "g", "c")
	assert.Error(t, err)

	_, err = New(client, node, "", "c")
	assert.Error(t, err)

	p, err := New(client, node, "g", "c")
	require.NoError(t, err)
	assert.Equal(t, DefaultVolume, p.Volume())
	assert.Equal(t, StateDisconnected, p.State())
	assert.False(t, p.Connected())
}

func TestPlayer_Handshake_PushExactlyOncePerCompleteness(t *testing.T) {
	ctx := context.Background()

	t.Run("membership then credentials", func(t *testing.T) {
		p, _, node := newTestPlayer(t)

		require.NoError(t, p.OnVoiceStateUpdate(ctx, "chan1", "sess1"))
		assert.Equal(t, 0, node.pushCount(), "incomplete descriptor must not push")

		require.NoError(t, p.OnVoiceServerUpdate(ctx, "tok", "ep1"))
		assert.Equal(t, 1, node.pushCount())
		assert.Equal(t, lavalink.VoiceState{Token: "tok", Endpoint: "ep1", SessionID: "sess1"}, node.pushes[0])
	})

	t.Run("credentials then membership", func(t *testing.T) {
		p, _, node := newTestPlayer(t)

		require.NoError(t, p.OnVoiceServerUpdate(ctx, "tok", "ep1"))
		assert.Equal(t, 0, node.pushCount())

		require.NoError(t, p.OnVoiceStateUpdate(ctx, "chan1", "sess1"))
		assert.Equal(t, 1, node.pushCount())
	})

	t.Run("repeated identical events push once", func(t *testing.T) {
		p, _, node := newTestPlayer(t)

		require.NoError(t, p.OnVoiceStateUpdate(ctx, "chan1", "sess1"))
		require.NoError(t, p.OnVoiceServerUpdate(ctx, "tok", "ep1"))
		require.NoError(t, p.OnVoiceServerUpdate(ctx, "tok", "ep1"))
		require.NoError(t, p.OnVoiceStateUpdate(ctx, "chan1", "sess1"))
		assert.Equal(t, 1, node.pushCount())
	})

	t.Run("changed credentials push again", func(t *testing.T) {
		p, _, node := newTestPlayer(t)

		require.NoError(t, p.OnVoiceStateUpdate(ctx, "chan1", "sess1"))
		require.NoError(t, p.OnVoiceServerUpdate(ctx, "tok", "ep1"))
		require.NoError(t, p.OnVoiceServerUpdate(ctx, "tok2", "ep2"))
		assert.Equal(t, 2, node.pushCount())
		assert.Equal(t, "ep2", node.pushes[1].Endpoint)
	})
}

func TestPlayer_Connect(t *testing.T) {
	t.Run("succeeds once handshake confirmed", func(t *testing.T) {
		p, client, node := newTestPlayer(t)
		ctx := context.Background()

		done := make(chan error, 1)
		go func() {
			done <- p.Connect(ctx, WithTimeout(2*time.Second), WithSelfDeaf(true))
		}()

		// Gateway events arrive after the join request was issued.
		require.Eventually(t, func() bool { return len(client.requests()) == 1 }, time.Second, 5*time.Millisecond)
		require.NoError(t, p.OnVoiceStateUpdate(ctx, "chan1", "sess1"))
		require.NoError(t, p.OnVoiceServerUpdate(ctx, "tok", "ep1"))

		require.NoError(t, <-done)
		assert.Equal(t, StateConnected, p.State())
		assert.True(t, p.Connected())
		assert.Equal(t, 1, node.registers)

		reqs := client.requests()
		require.Len(t, reqs, 1)
		assert.Equal(t, joinRequest{"guild1", "chan1", true, false}, reqs[0])
	})

	t.Run("fails without a channel", func(t *testing.T) {
		client := &fakeVoiceClient{}
		node := newFakeNode()
		p, err := New(client, node, "guild1", "")
		require.NoError(t, err)

		err = p.Connect(context.Background())
		assert.ErrorIs(t, err, ErrInvalidChannelState)
		assert.Equal(t, 0, node.registers)
	})

	t.Run("times out without confirmation", func(t *testing.T) {
		p, _, node := newTestPlayer(t)

		err := p.Connect(context.Background(), WithTimeout(50*time.Millisecond))
		require.Error(t, err)

		var te *TimeoutError
		require.True(t, errors.As(err, &te))
		assert.Equal(t, "chan1", te.Channel)
		assert.Equal(t, 50*time.Millisecond, te.Timeout)
		assert.True(t, IsTimeout(err))

		// Still registered and eligible for a retry.
		assert.Equal(t, 1, node.registeredCount())
		ctx := context.Background()
		require.NoError(t, p.OnVoiceStateUpdate(ctx, "chan1", "sess1"))
		require.NoError(t, p.OnVoiceServerUpdate(ctx, "tok", "ep1"))
		assert.NoError(t, p.Connect(ctx, WithTimeout(time.Second)))
		assert.Equal(t, 1, node.registers, "retry must not re-register")
	})

	t.Run("cancellation reported as timeout", func(t *testing.T) {
		p, _, _ := newTestPlayer(t)

		ctx, cancel := context.WithCancel(context.Background())
		go func() {
			time.Sleep(20 * time.Millisecond)
			cancel()
		}()

		err := p.Connect(ctx, WithTimeout(5*time.Second))
		assert.True(t, IsTimeout(err))
	})

	t.Run("second connect returns immediately when confirmed", func(t *testing.T) {
		p, _, node := newTestPlayer(t)
		establishSession(t, p)

		require.NoError(t, p.Connect(context.Background(), WithTimeout(time.Second)))
		assert.Equal(t, 1, node.registers)
		assert.Equal(t, StateConnected, p.State())
	})

	t.Run("join request failure propagates", func(t *testing.T) {
		p, client, _ := newTestPlayer(t)
		client.err = errors.New("gateway down")

		err := p.Connect(context.Background(), WithTimeout(time.Second))
		require.Error(t, err)
		assert.False(t, IsTimeout(err))
	})
}

func TestPlayer_FailedPush_TriggersCorrectiveDisconnect(t *testing.T) {
	p, client, node := newTestPlayer(t)
	ctx := context.Background()
	node.pushErr = errors.New("node rejected voice state")

	done := make(chan error, 1)
	go func() {
		done <- p.Connect(ctx, WithTimeout(100*time.Millisecond))
	}()

	require.Eventually(t, func() bool { return len(client.requests()) == 1 }, time.Second, 5*time.Millisecond)
	require.NoError(t, p.OnVoiceStateUpdate(ctx, "chan1", "sess1"))
	require.NoError(t, p.OnVoiceServerUpdate(ctx, "tok", "ep1"))

	// The completion signal is never raised, so Connect times out.
	assert.True(t, IsTimeout(<-done))

	assert.Equal(t, StateInvalidated, p.State())
	assert.Equal(t, 0, node.registeredCount(), "corrective disconnect must deregister")
	assert.False(t, p.Connected())

	// The corrective disconnect also leaves the channel.
	reqs := client.requests()
	require.NotEmpty(t, reqs)
	assert.Equal(t, "", reqs[len(reqs)-1].channelID)
}

func TestPlayer_MembershipLost_Invalidates(t *testing.T) {
	p, _, node := newTestPlayer(t)
	ctx := context.Background()

	done := make(chan error, 1)
	go func() {
		done <- p.Connect(ctx, WithTimeout(100*time.Millisecond))
	}()

	// Null channel while awaiting confirmation.
	require.Eventually(t, func() bool { return node.registeredCount() == 1 }, time.Second, 5*time.Millisecond)
	require.NoError(t, p.OnVoiceStateUpdate(ctx, "", "sess1"))

	assert.True(t, IsTimeout(<-done))
	assert.Equal(t, StateInvalidated, p.State())
	assert.Equal(t, 0, node.registeredCount(), "must not stay registered")
	assert.Equal(t, 1, node.destroyCalls)
}

func TestPlayer_Disconnect(t *testing.T) {
	t.Run("tears down and leaves channel", func(t *testing.T) {
		p, client, node := newTestPlayer(t)
		establishSession(t, p)

		require.NoError(t, p.Disconnect(context.Background()))

		assert.Equal(t, StateInvalidated, p.State())
		assert.False(t, p.Connected())
		assert.Equal(t, 0, node.registeredCount())
		assert.Equal(t, 1, node.destroyCalls)

		reqs := client.requests()
		assert.Equal(t, "", reqs[len(reqs)-1].channelID)
	})

	t.Run("idempotent towards the registry", func(t *testing.T) {
		p, _, node := newTestPlayer(t)
		establishSession(t, p)

		require.NoError(t, p.Disconnect(context.Background()))
		require.NoError(t, p.Disconnect(context.Background()))

		assert.Equal(t, 1, node.destroyCalls, "destroy runs only when deregistration removed something")
	})

	t.Run("remote destroy failure is swallowed", func(t *testing.T) {
		p, _, node := newTestPlayer(t)
		establishSession(t, p)
		node.destroyErr = errors.New("node unreachable")

		assert.NoError(t, p.Disconnect(context.Background()))
		assert.Equal(t, 0, node.registeredCount())
	})
}

func TestPlayer_CleanupHooks(t *testing.T) {
	t.Run("already-clean results are swallowed", func(t *testing.T) {
		p, _, _ := newTestPlayer(t)
		establishSession(t, p)

		var calls int
		p.OnCleanup(func() error {
			calls++
			return ErrAlreadyCleaned
		})

		assert.NoError(t, p.Disconnect(context.Background()))
		assert.Equal(t, 1, calls)
	})

	t.Run("real cleanup failures propagate", func(t *testing.T) {
		p, _, _ := newTestPlayer(t)
		establishSession(t, p)

		boom := errors.New("handler leak")
		p.OnCleanup(func() error { return boom })

		err := p.Disconnect(context.Background())
		assert.ErrorIs(t, err, boom)
	})
}

func TestPlayer_SignalWaitableAfterInvalidation(t *testing.T) {
	p, _, node := newTestPlayer(t)
	ctx := context.Background()
	establishSession(t, p)

	require.NoError(t, p.Disconnect(ctx))

	// A fresh handshake raises a fresh signal; the old, already-closed one
	// must not leak through.
	done := make(chan error, 1)
	go func() {
		done <- p.Connect(ctx, WithTimeout(2*time.Second))
	}()

	require.Eventually(t, func() bool { return node.registeredCount() == 1 }, time.Second, 5*time.Millisecond)
	require.NoError(t, p.OnVoiceStateUpdate(ctx, "chan1", "sess2"))
	require.NoError(t, p.OnVoiceServerUpdate(ctx, "tok2", "ep2"))

	require.NoError(t, <-done)
	assert.Equal(t, StateConnected, p.State())
	assert.Equal(t, 2, node.pushCount())
	assert.Equal(t, 2, node.registers, "reconnect after teardown re-registers")
}

func TestPlayer_ApplyNodeState(t *testing.T) {
	p, _, _ := newTestPlayer(t)

	p.ApplyNodeState(lavalink.PlayerState{Time: 1, Position: 42000, Connected: true, Ping: 7})
	assert.Equal(t, int64(42000), p.Position())
	assert.Equal(t, 7, p.Ping())
}
