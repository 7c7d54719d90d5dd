package lavalink

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/cockroachdb/errors"
	zlog "github.com/rs/zerolog/log"
)

// Config represents node client configuration.
type Config struct {
	Address  string // host:port of the node
	Password string
	Secure   bool // Use HTTPS/WSS
}

// Client is a Lavalink v4 REST client.
type Client struct {
	baseURL    string
	password   string
	httpClient *http.Client
}

// NewClient creates a new REST client for one node.
func NewClient(cfg Config) (*Client, error) {
	if cfg.Address == "" {
		return nil, errors.New("node address is required")
	}
	if cfg.Password == "" {
		return nil, errors.New("node password is required")
	}

	scheme := "http"
	if cfg.Secure {
		scheme = "https"
	}

	return &Client{
		baseURL:    fmt.Sprintf("%s://%s", scheme, cfg.Address),
		password:   cfg.Password,
		httpClient: &http.Client{Timeout: 10 * time.Second},
	}, nil
}

// UpdatePlayer applies a partial update to the player for guildID within the
// node session. When noReplace is true a currently playing track is kept and
// the track field of the update is ignored by the node.
func (c *Client) UpdatePlayer(ctx context.Context, sessionID, guildID string, upd PlayerUpdate, noReplace bool) (*Player, error) {
	if sessionID == "" {
		return nil, errors.New("node session is not ready")
	}

	path := fmt.Sprintf("/v4/sessions/%s/players/%s?noReplace=%s",
		url.PathEscape(sessionID), url.PathEscape(guildID), strconv.FormatBool(noReplace))

	var player Player
	if err := c.do(ctx, http.MethodPatch, path, upd, &player); err != nil {
		return nil, err
	}
	return &player, nil
}

// DestroyPlayer removes the player for guildID from the node session.
func (c *Client) DestroyPlayer(ctx context.Context, sessionID, guildID string) error {
	if sessionID == "" {
		return errors.New("node session is not ready")
	}

	path := fmt.Sprintf("/v4/sessions/%s/players/%s",
		url.PathEscape(sessionID), url.PathEscape(guildID))

	return c.do(ctx, http.MethodDelete, path, nil, nil)
}

// UpdateSession configures session resuming on the node.
func (c *Client) UpdateSession(ctx context.Context, sessionID string, resuming bool, timeout time.Duration) error {
	if sessionID == "" {
		return errors.New("node session is not ready")
	}

	body := map[string]any{
		"resuming": resuming,
		"timeout":  int(timeout.Seconds()),
	}
	path := "/v4/sessions/" + url.PathEscape(sessionID)

	return c.do(ctx, http.MethodPatch, path, body, nil)
}

// LoadTracks asks the node to resolve an identifier (URL or search query).
func (c *Client) LoadTracks(ctx context.Context, identifier string) (*LoadResult, error) {
	if identifier == "" {
		return nil, errors.New("identifier is required")
	}

	params := url.Values{}
	params.Set("identifier", identifier)

	var result LoadResult
	if err := c.do(ctx, http.MethodGet, "/v4/loadtracks?"+params.Encode(), nil, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// Version returns the node's version string.
func (c *Client) Version(ctx context.Context) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/version", nil)
	if err != nil {
		return "", errors.Wrap(err, "failed to create request")
	}
	req.Header.Set("Authorization", c.password)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", errors.Wrap(err, "request failed")
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", errors.Wrap(err, "failed to read response")
	}
	if resp.StatusCode != http.StatusOK {
		return "", remoteErrorFrom(resp.StatusCode, body)
	}

	return string(body), nil
}

// do performs one API request and decodes the response into out (if non-nil).
func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var reqBody io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return errors.Wrap(err, "failed to encode request body")
		}
		reqBody = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reqBody)
	if err != nil {
		return errors.Wrap(err, "failed to create request")
	}
	req.Header.Set("Authorization", c.password)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	zlog.Trace().Msgf("lavalink: %s %s", method, path)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return errors.Wrap(err, "request failed")
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return errors.Wrap(err, "failed to read response")
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return remoteErrorFrom(resp.StatusCode, respBody)
	}

	if out != nil && len(respBody) > 0 {
		if err := json.Unmarshal(respBody, out); err != nil {
			return errors.Wrap(err, "failed to decode response")
		}
	}

	return nil
}

// remoteErrorFrom builds a RemoteError from an error response body. Nodes
// report failures as a JSON object; anything else becomes a bare status error.
func remoteErrorFrom(status int, body []byte) error {
	remote := &RemoteError{Status: status, ErrorText: http.StatusText(status)}
	if len(body) > 0 {
		if err := json.Unmarshal(body, remote); err != nil {
			remote.Message = string(body)
		}
	}
	return remote
}
