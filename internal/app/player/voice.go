package player

import (
	"context"

	zlog "github.com/rs/zerolog/log"

	"github.com/osa030/lavabridge/internal/infra/lavalink"
)

// OnVoiceStateUpdate applies a membership event from the Discord gateway.
// An empty channelID means the bot left (or was removed from) the channel,
// which tears the player down. Events may arrive in any order and repeat.
func (p *Player) OnVoiceStateUpdate(ctx context.Context, channelID, sessionID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if channelID == "" {
		zlog.Debug().Msgf("player %s: voice channel membership lost", p.guildID)
		return p.destroyLocked(ctx)
	}

	p.connected = true
	p.voice.SessionID = sessionID
	p.channelID = channelID

	return p.dispatchVoiceUpdateLocked(ctx)
}

// OnVoiceServerUpdate applies a credentials event from the Discord gateway.
// Fields are overwritten unconditionally; Discord re-issues them on voice
// server failover.
func (p *Player) OnVoiceServerUpdate(ctx context.Context, token, endpoint string) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.voice.Token = token
	p.voice.Endpoint = endpoint

	return p.dispatchVoiceUpdateLocked(ctx)
}

// dispatchVoiceUpdateLocked pushes the composite descriptor to the node once
// it is complete. A descriptor identical to the last acknowledged push is
// skipped, so repeated gateway events do not re-push; a changed or newly
// completed descriptor pushes exactly once. On node failure the player
// disconnects as a corrective action and the completion signal stays unset.
// Must be called with the lock held.
func (p *Player) dispatchVoiceUpdateLocked(ctx context.Context) error {
	if !p.voice.Complete() {
		return nil
	}
	if p.voice == p.lastPushed {
		return nil
	}

	if err := p.node.PushVoiceSession(ctx, p.guildID, p.voice); err != nil {
		zlog.Warn().Msgf("player %s: voice descriptor push failed: %v", p.guildID, err)
		if derr := p.disconnectLocked(ctx); derr != nil {
			zlog.Warn().Msgf("player %s: corrective disconnect failed: %v", p.guildID, derr)
		}
		return nil
	}

	p.lastPushed = p.voice
	p.state = StateConnected
	p.signalLocked()

	zlog.Debug().Msgf("player %s: dispatched voice update", p.guildID)
	return nil
}

// signalLocked raises the completion signal at most once per connection
// attempt. Must be called with the lock held.
func (p *Player) signalLocked() {
	if !p.connSet {
		p.connSet = true
		close(p.connCh)
	}
}

// resetSignalLocked makes the completion signal freshly waitable.
// Must be called with the lock held.
func (p *Player) resetSignalLocked() {
	p.connSet = false
	p.connCh = make(chan struct{})
	p.lastPushed = lavalink.VoiceState{}
}
