package discord

import (
	"context"
	"time"

	"github.com/bwmarrin/discordgo"
	zlog "github.com/rs/zerolog/log"

	"github.com/osa030/lavabridge/internal/app/node"
	"github.com/osa030/lavabridge/internal/app/player"
)

// eventTimeout bounds the node round-trip triggered by a gateway event.
const eventTimeout = 10 * time.Second

// Adapter connects a discordgo session to the node pool: outbound voice
// membership changes go through the gateway, and inbound voice events are
// routed to the guild's player.
type Adapter struct {
	sess *discordgo.Session
	pool *node.Pool

	removeHandlers []func()
}

var _ player.VoiceSessionClient = (*Adapter)(nil)

// NewAdapter wires the session and the pool together. The session must be
// opened with the GuildVoiceStates intent, otherwise the handshake events
// never arrive.
func NewAdapter(sess *discordgo.Session, pool *node.Pool) *Adapter {
	a := &Adapter{sess: sess, pool: pool}
	a.removeHandlers = append(a.removeHandlers,
		sess.AddHandler(a.onVoiceStateUpdate),
		sess.AddHandler(a.onVoiceServerUpdate),
	)
	pool.SetVoiceClient(a)
	return a
}

// Close detaches the adapter's gateway handlers.
func (a *Adapter) Close() {
	for _, remove := range a.removeHandlers {
		remove()
	}
}

// ChangeVoiceState asks the gateway to join channelID, or to leave the
// current channel when channelID is empty.
func (a *Adapter) ChangeVoiceState(ctx context.Context, guildID, channelID string, selfDeaf, selfMute bool) error {
	// discordgo's argument order is mute first.
	return a.sess.ChannelVoiceJoinManual(guildID, channelID, selfMute, selfDeaf)
}

func (a *Adapter) onVoiceStateUpdate(s *discordgo.Session, ev *discordgo.VoiceStateUpdate) {
	if s.State == nil || s.State.User == nil || ev.UserID != s.State.User.ID {
		return
	}

	p := a.pool.Player(ev.GuildID)
	if p == nil {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), eventTimeout)
	defer cancel()
	if err := p.OnVoiceStateUpdate(ctx, ev.ChannelID, ev.SessionID); err != nil {
		zlog.Warn().Msgf("guild %s: failed to apply voice state update: %v", ev.GuildID, err)
	}
}

func (a *Adapter) onVoiceServerUpdate(s *discordgo.Session, ev *discordgo.VoiceServerUpdate) {
	p := a.pool.Player(ev.GuildID)
	if p == nil {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), eventTimeout)
	defer cancel()
	if err := p.OnVoiceServerUpdate(ctx, ev.Token, ev.Endpoint); err != nil {
		zlog.Warn().Msgf("guild %s: failed to apply voice server update: %v", ev.GuildID, err)
	}
}
