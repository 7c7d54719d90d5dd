package player

import (
	"context"
	"time"

	"github.com/cockroachdb/errors"
	zlog "github.com/rs/zerolog/log"
)

// DefaultConnectTimeout bounds the wait for the node to confirm the voice
// handshake.
const DefaultConnectTimeout = 5 * time.Second

// ConnectOption configures a Connect call.
type ConnectOption func(*connectOptions)

type connectOptions struct {
	timeout  time.Duration
	selfDeaf bool
	selfMute bool
}

// WithTimeout overrides the handshake confirmation deadline.
func WithTimeout(d time.Duration) ConnectOption {
	return func(o *connectOptions) {
		o.timeout = d
	}
}

// WithSelfDeaf joins the channel self-deafened.
func WithSelfDeaf(v bool) ConnectOption {
	return func(o *connectOptions) {
		o.selfDeaf = v
	}
}

// WithSelfMute joins the channel self-muted.
func WithSelfMute(v bool) ConnectOption {
	return func(o *connectOptions) {
		o.selfMute = v
	}
}

// Connect joins the bound voice channel and blocks until the node confirms
// the voice handshake or the deadline elapses.
//
// The player registers itself in the node's registry; repeated calls within
// the same session do not re-register, while a reconnect after teardown does. The join request itself is fire-and-forget:
// its results arrive asynchronously as gateway events, which complete the
// descriptor and raise the completion signal. A timed-out or cancelled wait
// returns a *TimeoutError and leaves the player registered and eligible for
// another Connect or a Disconnect.
func (p *Player) Connect(ctx context.Context, opts ...ConnectOption) error {
	o := connectOptions{timeout: DefaultConnectTimeout}
	for _, opt := range opts {
		opt(&o)
	}

	p.mu.Lock()
	if p.channelID == "" {
		p.mu.Unlock()
		return errors.Wrap(ErrInvalidChannelState, "cannot connect without a voice channel")
	}

	if !p.registered {
		p.node.Register(p.guildID, p)
		p.registered = true
	}
	if p.state != StateConnected {
		p.state = StateAwaitingConfirmation
	}

	channelID := p.channelID
	confirm := p.connCh
	p.mu.Unlock()

	if err := p.client.ChangeVoiceState(ctx, p.guildID, channelID, o.selfDeaf, o.selfMute); err != nil {
		return errors.Wrap(err, "failed to request voice channel join")
	}

	timer := time.NewTimer(o.timeout)
	defer timer.Stop()

	select {
	case <-confirm:
		return nil
	case <-timer.C:
		return &TimeoutError{Channel: channelID, Timeout: o.timeout}
	case <-ctx.Done():
		// Cancellation is reported the same way as a timeout.
		return &TimeoutError{Channel: channelID, Timeout: o.timeout}
	}
}

// Disconnect leaves the voice channel and removes the player from its node.
// The remote session destroy is best-effort: the local side is already torn
// down, so destroy failures are logged and swallowed. Deregistration is
// idempotent; a second Disconnect finds nothing to remove and does not error.
func (p *Player) Disconnect(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.disconnectLocked(ctx)
}

// disconnectLocked tears down local and remote state, then asks the gateway
// to leave the channel. Must be called with the lock held.
func (p *Player) disconnectLocked(ctx context.Context) error {
	if err := p.destroyLocked(ctx); err != nil {
		return err
	}

	if err := p.client.ChangeVoiceState(ctx, p.guildID, "", false, false); err != nil {
		return errors.Wrap(err, "failed to request voice channel leave")
	}
	return nil
}

// destroyLocked invalidates the player, deregisters it, and requests remote
// session destruction. Used directly when channel membership is already gone
// and there is no channel to leave. Must be called with the lock held.
func (p *Player) destroyLocked(ctx context.Context) error {
	if err := p.invalidateLocked(); err != nil {
		return err
	}

	if p.node.Deregister(p.guildID) {
		if err := p.node.DestroySession(ctx, p.guildID); err != nil {
			zlog.Debug().Msgf("player %s: remote session destroy failed: %v", p.guildID, err)
		}
	}
	p.registered = false
	return nil
}

// invalidateLocked clears the membership flag, resets the completion signal
// so a later reconnect can wait again, and runs cleanup hooks. Hooks
// reporting ErrAlreadyCleaned are skipped; other hook errors propagate.
// Must be called with the lock held.
func (p *Player) invalidateLocked() error {
	p.connected = false
	p.state = StateInvalidated
	p.resetSignalLocked()

	for _, fn := range p.cleanups {
		if err := fn(); err != nil {
			if errors.Is(err, ErrAlreadyCleaned) {
				continue
			}
			return errors.Wrap(err, "cleanup hook failed")
		}
	}
	return nil
}
