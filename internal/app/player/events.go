package player

import (
	"github.com/osa030/lavabridge/internal/domain/track"
)

// OnTrackStart records the node-reported current track. The node is the
// source of truth for what actually plays; a delta submitted with replace
// disabled that lost the race gets corrected here.
func (p *Player) OnTrackStart(t track.Track) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.current = &t
	p.original = &t
}

// OnTrackEnd clears the current track once the node reports it ended.
func (p *Player) OnTrackEnd() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.current = nil
}
