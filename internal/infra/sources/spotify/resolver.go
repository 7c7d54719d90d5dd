// Package spotify resolves Spotify links into audio node search queries.
// The node cannot stream from Spotify directly, so each track is mapped to
// a search on one of the node's own sources.
package spotify

import (
	"context"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/mitchellh/mapstructure"
	"github.com/zmb3/spotify/v2"
	spotifyauth "github.com/zmb3/spotify/v2/auth"
	"golang.org/x/oauth2/clientcredentials"
)

// Settings is the source configuration decoded from the config file.
type Settings struct {
	ClientID     string `mapstructure:"client_id"`
	ClientSecret string `mapstructure:"client_secret"`
	// SearchPrefix selects the node source the tracks are searched on.
	SearchPrefix string `mapstructure:"search_prefix"`
	Market       string `mapstructure:"market"`
}

// Resolver expands Spotify track, album and playlist links into per-track
// search queries. Only public metadata is read, so the client credentials
// flow is enough; no user login is involved.
type Resolver struct {
	client     *spotify.Client
	prefix     string
	market     string
	maxRetries int
	retryDelay time.Duration
}

// NewResolver creates a resolver from its settings map.
func NewResolver(ctx context.Context, settings map[string]any) (*Resolver, error) {
	var s Settings
	if err := mapstructure.Decode(settings, &s); err != nil {
		return nil, errors.Wrap(err, "invalid spotify settings")
	}
	if s.ClientID == "" || s.ClientSecret == "" {
		return nil, errors.New("spotify credentials are required")
	}
	if s.SearchPrefix == "" {
		s.SearchPrefix = "ytsearch:"
	}
	if s.Market == "" {
		s.Market = "US"
	}

	auth := &clientcredentials.Config{
		ClientID:     s.ClientID,
		ClientSecret: s.ClientSecret,
		TokenURL:     spotifyauth.TokenURL,
	}

	return &Resolver{
		client:     spotify.New(auth.Client(ctx)),
		prefix:     s.SearchPrefix,
		market:     s.Market,
		maxRetries: 3,
		retryDelay: time.Second,
	}, nil
}

// CanResolve reports whether the identifier is a Spotify link this resolver
// understands.
func (r *Resolver) CanResolve(identifier string) bool {
	_, _, ok := parseLink(identifier)
	return ok
}

// Resolve expands the link into search queries, one per track, in playlist
// or album order.
func (r *Resolver) Resolve(ctx context.Context, identifier string) ([]string, error) {
	kind, id, ok := parseLink(identifier)
	if !ok {
		return nil, errors.Newf("not a spotify link: %s", identifier)
	}

	switch kind {
	case linkTrack:
		return r.resolveTrack(ctx, id)
	case linkAlbum:
		return r.resolveAlbum(ctx, id)
	case linkPlaylist:
		return r.resolvePlaylist(ctx, id)
	default:
		return nil, errors.Newf("unsupported spotify link kind %s", kind)
	}
}

func (r *Resolver) resolveTrack(ctx context.Context, id string) ([]string, error) {
	var t *spotify.FullTrack
	err := r.retry(func() error {
		got, err := r.client.GetTrack(ctx, spotify.ID(id), spotify.Market(r.market))
		if err != nil {
			return err
		}
		t = got
		return nil
	})
	if err != nil {
		return nil, errors.Wrap(err, "failed to get track")
	}

	return []string{r.searchQuery(t.Name, t.Artists)}, nil
}

func (r *Resolver) resolveAlbum(ctx context.Context, id string) ([]string, error) {
	var album *spotify.FullAlbum
	err := r.retry(func() error {
		got, err := r.client.GetAlbum(ctx, spotify.ID(id), spotify.Market(r.market))
		if err != nil {
			return err
		}
		album = got
		return nil
	})
	if err != nil {
		return nil, errors.Wrap(err, "failed to get album")
	}

	var queries []string
	for _, t := range album.Tracks.Tracks {
		queries = append(queries, r.searchQuery(t.Name, t.Artists))
	}
	return queries, nil
}

func (r *Resolver) resolvePlaylist(ctx context.Context, id string) ([]string, error) {
	var queries []string
	offset := 0
	limit := 100

	for {
		var page *spotify.PlaylistItemPage
		err := r.retry(func() error {
			p, err := r.client.GetPlaylistItems(ctx, spotify.ID(id),
				spotify.Limit(limit),
				spotify.Offset(offset),
				spotify.Market(r.market),
			)
			if err != nil {
				return err
			}
			page = p
			return nil
		})
		if err != nil {
			return nil, errors.Wrap(err, "failed to get playlist items")
		}

		for _, item := range page.Items {
			// Episodes have no track payload and are skipped.
			if item.Track.Track != nil && item.Track.Track.ID != "" {
				t := item.Track.Track
				queries = append(queries, r.searchQuery(t.Name, t.Artists))
			}
		}

		if len(page.Items) < limit {
			break
		}
		offset += limit
	}

	return queries, nil
}

// searchQuery builds the node search query for one track.
func (r *Resolver) searchQuery(title string, artists []spotify.SimpleArtist) string {
	names := make([]string, 0, len(artists))
	for _, a := range artists {
		names = append(names, a.Name)
	}
	if len(names) == 0 {
		return r.prefix + title
	}
	return r.prefix + strings.Join(names, " ") + " " + title
}

// retry retries an operation with linear backoff.
func (r *Resolver) retry(fn func() error) error {
	var lastErr error
	for i := 0; i < r.maxRetries; i++ {
		err := fn()
		if err == nil {
			return nil
		}
		lastErr = err

		if !isRetryable(err) {
			return err
		}

		if i < r.maxRetries-1 {
			time.Sleep(r.retryDelay * time.Duration(i+1))
		}
	}
	return errors.Wrap(lastErr, "max retries exceeded")
}

// isRetryable checks if an error is retryable.
func isRetryable(err error) bool {
	if err == nil {
		return false
	}
	// Rate limit errors and server errors are retryable
	errStr := err.Error()
	return strings.Contains(errStr, "rate limit") ||
		strings.Contains(errStr, "429") ||
		strings.Contains(errStr, "500") ||
		strings.Contains(errStr, "502") ||
		strings.Contains(errStr, "503") ||
		strings.Contains(errStr, "504")
}

type linkKind string

const (
	linkTrack    linkKind = "track"
	linkAlbum    linkKind = "album"
	linkPlaylist linkKind = "playlist"
)

// parseLink extracts the kind and ID from a Spotify URL or URI. Supported
// forms are spotify:<kind>:<id> and https://open.spotify.com/<kind>/<id>,
// including the localized intl-XX path segment.
func parseLink(input string) (linkKind, string, bool) {
	input = strings.TrimSpace(input)

	for _, kind := range []linkKind{linkTrack, linkAlbum, linkPlaylist} {
		if id, ok := strings.CutPrefix(input, "spotify:"+string(kind)+":"); ok && id != "" {
			return kind, id, true
		}

		if !strings.Contains(input, "open.spotify.com") {
			continue
		}
		marker := "/" + string(kind) + "/"
		if !strings.Contains(input, marker) {
			continue
		}
		parts := strings.Split(input, marker)
		id := strings.Split(parts[len(parts)-1], "?")[0]
		id = strings.TrimRight(id, "/")
		if id != "" {
			return kind, id, true
		}
	}

	return "", "", false
}
