// Package track provides the Track domain entity.
package track

import (
	"strings"
	"time"
)

// Track represents a playable track as known to a Lavalink node.
// Encoded is the opaque base64 blob the node hands out on load and expects
// back on play; Info is the decoded metadata that came with it.
type Track struct {
	Encoded string `json:"encoded"`
	Info    Info   `json:"info"`
}

// Info contains the decoded track metadata.
type Info struct {
	Identifier string  `json:"identifier"`          // Source-specific ID (e.g. YouTube video ID)
	Title      string  `json:"title"`               // Track title
	Author     string  `json:"author"`              // Uploader / artist
	Length     int64   `json:"length"`              // Duration in milliseconds (0 for streams)
	Position   int64   `json:"position"`            // Start position in milliseconds
	IsSeekable bool    `json:"isSeekable"`          // False for live streams
	IsStream   bool    `json:"isStream"`            // Live stream flag
	URI        string  `json:"uri"`                 // Canonical URL
	ArtworkURL string  `json:"artworkUrl"`          // Cover art URL
	SourceName string  `json:"sourceName"`          // Source plugin name (youtube, soundcloud, ...)
	ISRC       *string `json:"isrc"`                // International Standard Recording Code (nil if unknown)
}

// Duration returns the track length as a time.Duration.
func (t *Track) Duration() time.Duration {
	return time.Duration(t.Info.Length) * time.Millisecond
}

// String returns a human-readable "Author - Title" label.
func (t *Track) String() string {
	parts := make([]string, 0, 2)
	if t.Info.Author != "" {
		parts = append(parts, t.Info.Author)
	}
	if t.Info.Title != "" {
		parts = append(parts, t.Info.Title)
	}
	if len(parts) == 0 {
		return t.Info.Identifier
	}
	return strings.Join(parts, " - ")
}

// Equal reports whether two tracks refer to the same encoded payload.
func (t *Track) Equal(other *Track) bool {
	if other == nil {
		return false
	}
	return t.Encoded == other.Encoded
}
