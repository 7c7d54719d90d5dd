package node

import (
	"github.com/osa030/lavabridge/internal/app/player"
	"github.com/osa030/lavabridge/internal/infra/lavalink"
)

// EventHandler receives node-emitted player events together with the guild
// player they belong to. Embed NopEventHandler to implement only the
// methods of interest.
type EventHandler interface {
	OnTrackStart(p *player.Player, ev lavalink.TrackStartEvent)
	OnTrackEnd(p *player.Player, ev lavalink.TrackEndEvent)
	OnTrackException(p *player.Player, ev lavalink.TrackExceptionEvent)
	OnTrackStuck(p *player.Player, ev lavalink.TrackStuckEvent)
	OnWebSocketClosed(p *player.Player, ev lavalink.WebSocketClosedEvent)
}

// NopEventHandler ignores every event.
type NopEventHandler struct{}

func (NopEventHandler) OnTrackStart(*player.Player, lavalink.TrackStartEvent) {}

func (NopEventHandler) OnTrackEnd(*player.Player, lavalink.TrackEndEvent) {}

func (NopEventHandler) OnTrackException(*player.Player, lavalink.TrackExceptionEvent) {}

func (NopEventHandler) OnTrackStuck(*player.Player, lavalink.TrackStuckEvent) {}

func (NopEventHandler) OnWebSocketClosed(*player.Player, lavalink.WebSocketClosedEvent) {}

type nopHandler = NopEventHandler
