// Package lavalink provides a client for the Lavalink v4 node API.
package lavalink

import (
	"encoding/json"
	"fmt"

	"github.com/cockroachdb/errors"

	"github.com/osa030/lavabridge/internal/domain/track"
)

// VoiceState is the composite voice-session descriptor pushed to the node
// once the Discord gateway has delivered both halves of the handshake.
type VoiceState struct {
	Token     string `json:"token"`
	Endpoint  string `json:"endpoint"`
	SessionID string `json:"sessionId"`
}

// Complete returns true once all three fields have arrived.
func (v VoiceState) Complete() bool {
	return v.Token != "" && v.Endpoint != "" && v.SessionID != ""
}

// PlayerUpdate is a partial update to a remote player. Nil fields are
// omitted from the request so the node leaves them unchanged. ClearTrack
// sends an explicit null track, which stops the current one.
type PlayerUpdate struct {
	EncodedTrack *string
	ClearTrack   bool
	Position     *int64
	EndTime      *int64
	Volume       *int
	Paused       *bool
	Voice        *VoiceState
}

// MarshalJSON builds the request body. The track field needs the
// omitted / explicit-null distinction, so the struct is marshalled by hand.
func (u PlayerUpdate) MarshalJSON() ([]byte, error) {
	body := make(map[string]any)

	if u.ClearTrack {
		body["track"] = map[string]any{"encoded": nil}
	} else if u.EncodedTrack != nil {
		body["track"] = map[string]any{"encoded": *u.EncodedTrack}
	}
	if u.Position != nil {
		body["position"] = *u.Position
	}
	if u.EndTime != nil {
		body["endTime"] = *u.EndTime
	}
	if u.Volume != nil {
		body["volume"] = *u.Volume
	}
	if u.Paused != nil {
		body["paused"] = *u.Paused
	}
	if u.Voice != nil {
		body["voice"] = *u.Voice
	}

	return json.Marshal(body)
}

// PlayerState is the periodic state snapshot a node reports for a player.
type PlayerState struct {
	Time      int64 `json:"time"`      // Unix millis of the snapshot
	Position  int64 `json:"position"`  // Track position in millis
	Connected bool  `json:"connected"` // Voice connection status on the node
	Ping      int   `json:"ping"`      // Voice server ping (-1 if unknown)
}

// Player is the node's view of a player, echoed by update requests.
type Player struct {
	GuildID string       `json:"guildId"`
	Track   *track.Track `json:"track"`
	Volume  int          `json:"volume"`
	Paused  bool         `json:"paused"`
	State   PlayerState  `json:"state"`
	Voice   VoiceState   `json:"voice"`
}

// Ready is sent by the node once the WebSocket handshake completes.
type Ready struct {
	Resumed   bool   `json:"resumed"`
	SessionID string `json:"sessionId"`
}

// PlayerUpdateMessage carries a player state snapshot over the socket.
type PlayerUpdateMessage struct {
	GuildID string      `json:"guildId"`
	State   PlayerState `json:"state"`
}

// Stats is the node's periodic load report.
type Stats struct {
	Players        int   `json:"players"`
	PlayingPlayers int   `json:"playingPlayers"`
	Uptime         int64 `json:"uptime"`
	Memory         struct {
		Free       int64 `json:"free"`
		Used       int64 `json:"used"`
		Allocated  int64 `json:"allocated"`
		Reservable int64 `json:"reservable"`
	} `json:"memory"`
	CPU struct {
		Cores        int     `json:"cores"`
		SystemLoad   float64 `json:"systemLoad"`
		LavalinkLoad float64 `json:"lavalinkLoad"`
	} `json:"cpu"`
}

// EventType identifies a node-emitted player event.
type EventType string

const (
	EventTrackStart      EventType = "TrackStartEvent"
	EventTrackEnd        EventType = "TrackEndEvent"
	EventTrackException  EventType = "TrackExceptionEvent"
	EventTrackStuck      EventType = "TrackStuckEvent"
	EventWebSocketClosed EventType = "WebSocketClosedEvent"
)

// TrackEndReason explains why a track stopped.
type TrackEndReason string

const (
	EndReasonFinished   TrackEndReason = "finished"
	EndReasonLoadFailed TrackEndReason = "loadFailed"
	EndReasonStopped    TrackEndReason = "stopped"
	EndReasonReplaced   TrackEndReason = "replaced"
	EndReasonCleanup    TrackEndReason = "cleanup"
)

// MayStartNext returns true if the node would naturally start another track.
func (r TrackEndReason) MayStartNext() bool {
	return r == EndReasonFinished || r == EndReasonLoadFailed
}

// Event is a player event emitted by a node.
type Event interface {
	EventType() EventType
	EventGuildID() string
}

// TrackStartEvent signals that a track began playing on the node.
type TrackStartEvent struct {
	GuildID string      `json:"guildId"`
	Track   track.Track `json:"track"`
}

func (e TrackStartEvent) EventType() EventType { return EventTrackStart }
func (e TrackStartEvent) EventGuildID() string { return e.GuildID }

// TrackEndEvent signals that a track stopped playing on the node.
type TrackEndEvent struct {
	GuildID string         `json:"guildId"`
	Track   track.Track    `json:"track"`
	Reason  TrackEndReason `json:"reason"`
}

func (e TrackEndEvent) EventType() EventType { return EventTrackEnd }
func (e TrackEndEvent) EventGuildID() string { return e.GuildID }

// Exception describes a playback failure reported by the node.
type Exception struct {
	Message  string `json:"message"`
	Severity string `json:"severity"`
	Cause    string `json:"cause"`
}

// TrackExceptionEvent signals a playback error on the node.
type TrackExceptionEvent struct {
	GuildID   string      `json:"guildId"`
	Track     track.Track `json:"track"`
	Exception Exception   `json:"exception"`
}

func (e TrackExceptionEvent) EventType() EventType { return EventTrackException }
func (e TrackExceptionEvent) EventGuildID() string { return e.GuildID }

// TrackStuckEvent signals that a track made no progress within the threshold.
type TrackStuckEvent struct {
	GuildID     string      `json:"guildId"`
	Track       track.Track `json:"track"`
	ThresholdMs int64       `json:"thresholdMs"`
}

func (e TrackStuckEvent) EventType() EventType { return EventTrackStuck }
func (e TrackStuckEvent) EventGuildID() string { return e.GuildID }

// WebSocketClosedEvent signals that the node's own voice connection to
// Discord was closed.
type WebSocketClosedEvent struct {
	GuildID  string `json:"guildId"`
	Code     int    `json:"code"`
	Reason   string `json:"reason"`
	ByRemote bool   `json:"byRemote"`
}

func (e WebSocketClosedEvent) EventType() EventType { return EventWebSocketClosed }
func (e WebSocketClosedEvent) EventGuildID() string { return e.GuildID }

// LoadType identifies the outcome of a loadtracks request.
type LoadType string

const (
	LoadTypeTrack    LoadType = "track"
	LoadTypePlaylist LoadType = "playlist"
	LoadTypeSearch   LoadType = "search"
	LoadTypeEmpty    LoadType = "empty"
	LoadTypeError    LoadType = "error"
)

// PlaylistInfo describes a loaded playlist.
type PlaylistInfo struct {
	Name          string `json:"name"`
	SelectedTrack int    `json:"selectedTrack"`
}

// Playlist is the playlist payload of a loadtracks response.
type Playlist struct {
	Info   PlaylistInfo  `json:"info"`
	Tracks []track.Track `json:"tracks"`
}

// LoadResult is the decoded outcome of a loadtracks request. Exactly one of
// Track, Playlist, Tracks or Exception is set depending on LoadType.
type LoadResult struct {
	LoadType  LoadType
	Track     *track.Track
	Playlist  *Playlist
	Tracks    []track.Track
	Exception *Exception
}

// UnmarshalJSON decodes the polymorphic loadtracks response in two passes.
func (r *LoadResult) UnmarshalJSON(data []byte) error {
	var raw struct {
		LoadType LoadType        `json:"loadType"`
		Data     json.RawMessage `json:"data"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return errors.Wrap(err, "failed to decode load result envelope")
	}

	r.LoadType = raw.LoadType

	switch raw.LoadType {
	case LoadTypeTrack:
		var t track.Track
		if err := json.Unmarshal(raw.Data, &t); err != nil {
			return errors.Wrap(err, "failed to decode track payload")
		}
		r.Track = &t
	case LoadTypePlaylist:
		var p Playlist
		if err := json.Unmarshal(raw.Data, &p); err != nil {
			return errors.Wrap(err, "failed to decode playlist payload")
		}
		r.Playlist = &p
	case LoadTypeSearch:
		var ts []track.Track
		if err := json.Unmarshal(raw.Data, &ts); err != nil {
			return errors.Wrap(err, "failed to decode search payload")
		}
		r.Tracks = ts
	case LoadTypeError:
		var ex Exception
		if err := json.Unmarshal(raw.Data, &ex); err != nil {
			return errors.Wrap(err, "failed to decode exception payload")
		}
		r.Exception = &ex
	case LoadTypeEmpty:
		// No payload.
	default:
		return errors.Newf("unknown load type %q", raw.LoadType)
	}

	return nil
}

// RemoteError is the typed error a node reports for a failed request.
type RemoteError struct {
	Timestamp int64  `json:"timestamp"`
	Status    int    `json:"status"`
	ErrorText string `json:"error"`
	Message   string `json:"message"`
	Path      string `json:"path"`
}

// Error implements the error interface.
func (e *RemoteError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("lavalink: %d %s: %s", e.Status, e.ErrorText, e.Message)
	}
	return fmt.Sprintf("lavalink: %d %s", e.Status, e.ErrorText)
}

// IsRemoteError reports whether err carries a node-reported failure.
func IsRemoteError(err error) bool {
	var re *RemoteError
	return errors.As(err, &re)
}

// decodeEvent decodes an "event" op into its concrete type.
func decodeEvent(data []byte) (Event, error) {
	var head struct {
		Type EventType `json:"type"`
	}
	if err := json.Unmarshal(data, &head); err != nil {
		return nil, errors.Wrap(err, "failed to decode event head")
	}

	switch head.Type {
	case EventTrackStart:
		var e TrackStartEvent
		return e, json.Unmarshal(data, &e)
	case EventTrackEnd:
		var e TrackEndEvent
		return e, json.Unmarshal(data, &e)
	case EventTrackException:
		var e TrackExceptionEvent
		return e, json.Unmarshal(data, &e)
	case EventTrackStuck:
		var e TrackStuckEvent
		return e, json.Unmarshal(data, &e)
	case EventWebSocketClosed:
		var e WebSocketClosedEvent
		return e, json.Unmarshal(data, &e)
	default:
		return nil, errors.Newf("unknown event type %q", head.Type)
	}
}
