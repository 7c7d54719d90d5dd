package player

import (
	"context"

	"github.com/cockroachdb/errors"
	zlog "github.com/rs/zerolog/log"

	"github.com/osa030/lavabridge/internal/domain/queue"
	"github.com/osa030/lavabridge/internal/domain/track"
	"github.com/osa030/lavabridge/internal/infra/lavalink"
)

// PlayOption configures a Play call.
type PlayOption func(*playOptions)

type playOptions struct {
	replace bool
	startMs int64
	endMs   *int64
	volume  *int
	paused  *bool
}

// WithReplace controls whether a currently playing track is replaced.
// Defaults to true.
func WithReplace(v bool) PlayOption {
	return func(o *playOptions) {
		o.replace = v
	}
}

// WithStart sets the start position in milliseconds.
func WithStart(ms int64) PlayOption {
	return func(o *playOptions) {
		o.startMs = ms
	}
}

// WithEnd sets the end position in milliseconds.
func WithEnd(ms int64) PlayOption {
	return func(o *playOptions) {
		o.endMs = &ms
	}
}

// WithVolume sets the playback volume for this play (0..1000). When absent
// the current volume is kept.
func WithVolume(v int) PlayOption {
	return func(o *playOptions) {
		o.volume = &v
	}
}

// WithPaused starts the track paused (true) or resumes a paused player
// (false). When absent the paused status is kept.
func WithPaused(v bool) PlayOption {
	return func(o *playOptions) {
		o.paused = &v
	}
}

// Play starts the given track, mutating local state optimistically and
// rolling the mutation back if the node rejects the delta, so a failed play
// leaves the player exactly as before the call. current and original are
// replaced only when replace is set or nothing is playing; previous always
// becomes what current was immediately before the call.
func (p *Player) Play(ctx context.Context, t track.Track, opts ...PlayOption) (*track.Track, error) {
	o := playOptions{replace: true}
	for _, opt := range opts {
		opt(&o)
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if err := p.requireSessionLocked(); err != nil {
		return nil, err
	}

	prevVolume := p.volume
	vol := p.volume
	if o.volume != nil {
		vol = *o.volume
	}
	p.volume = vol

	prevCurrent, prevOriginal, prevPrevious := p.current, p.original, p.previous

	played := t
	if o.replace || p.current == nil {
		p.current = &played
		p.original = &played
	}
	p.previous = prevCurrent

	pause := p.paused
	if o.paused != nil {
		pause = *o.paused
	}

	upd := lavalink.PlayerUpdate{
		EncodedTrack: &played.Encoded,
		Volume:       &vol,
		Position:     &o.startMs,
		EndTime:      o.endMs,
		Paused:       &pause,
	}

	if err := p.node.UpdatePlayback(ctx, p.guildID, upd, o.replace); err != nil {
		p.current = prevCurrent
		p.original = prevOriginal
		p.previous = prevPrevious
		p.volume = prevVolume
		return nil, errors.Wrapf(err, "failed to play %s", played.String())
	}

	p.paused = pause

	zlog.Debug().Msgf("player %s: playing %s", p.guildID, played.String())
	return &played, nil
}

// PlayNext pops the next queued track and plays it. Returns (nil, nil) when
// the queue is empty.
func (p *Player) PlayNext(ctx context.Context) (*track.Track, error) {
	entry, ok := p.queue.Get()
	if !ok {
		return nil, nil
	}
	return p.Play(ctx, entry.Track)
}

// Pause sets or clears the paused state. Unlike Play, local state is only
// mutated after the node accepts the delta, so no rollback is needed.
func (p *Player) Pause(ctx context.Context, value bool) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if err := p.requireSessionLocked(); err != nil {
		return err
	}

	upd := lavalink.PlayerUpdate{Paused: &value}
	if err := p.node.UpdatePlayback(ctx, p.guildID, upd, false); err != nil {
		return errors.Wrap(err, "failed to set paused state")
	}

	p.paused = value
	return nil
}

// Seek jumps to the given position in the current track, in milliseconds.
// Without a current track this is a no-op and performs no remote call.
func (p *Player) Seek(ctx context.Context, positionMs int64) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if err := p.requireSessionLocked(); err != nil {
		return err
	}
	if p.current == nil {
		return nil
	}

	upd := lavalink.PlayerUpdate{Position: &positionMs}
	if err := p.node.UpdatePlayback(ctx, p.guildID, upd, false); err != nil {
		return errors.Wrap(err, "failed to seek")
	}
	return nil
}

// SetVolume sets the player volume as a percentage. Values outside 0..1000
// are clamped. The clamped value is committed locally only after the node
// accepts it.
func (p *Player) SetVolume(ctx context.Context, value int) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if err := p.requireSessionLocked(); err != nil {
		return err
	}

	vol := value
	if vol < 0 {
		vol = 0
	}
	if vol > 1000 {
		vol = 1000
	}

	upd := lavalink.PlayerUpdate{Volume: &vol}
	if err := p.node.UpdatePlayback(ctx, p.guildID, upd, false); err != nil {
		return errors.Wrap(err, "failed to set volume")
	}

	p.volume = vol
	return nil
}

// Skip stops the currently playing track by clearing it on the node, and
// returns the track that was playing (nil if none). The node reports the
// stop through an asynchronous track-end event, not through this call.
// force bypasses a single-track loop mode so auto-advance moves on.
func (p *Player) Skip(ctx context.Context, force bool) (*track.Track, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if err := p.requireSessionLocked(); err != nil {
		return nil, err
	}

	old := p.current

	if force && p.queue.Mode() == queue.ModeOne {
		// In single-track loop the finished track stays at the queue
		// head; drop it so the next advance picks a new one.
		p.queue.Skip()
	}

	upd := lavalink.PlayerUpdate{ClearTrack: true}
	if err := p.node.UpdatePlayback(ctx, p.guildID, upd, true); err != nil {
		return nil, errors.Wrap(err, "failed to skip")
	}

	return old, nil
}

// Stop is an alias for Skip.
func (p *Player) Stop(ctx context.Context, force bool) (*track.Track, error) {
	return p.Skip(ctx, force)
}

// SetFilter is not supported: the node protocol revision this client speaks
// does not expose filter configuration.
func (p *Player) SetFilter(ctx context.Context) error {
	return errors.Wrap(ErrNotImplemented, "filters are not supported")
}
