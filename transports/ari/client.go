// Package ari implements the telephony transport capability against the
// Asterisk REST Interface: request/response operations over HTTP and the
// event stream over a websocket.
package ari

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/ajoeson/asterisk-stasis-utility/api/telephony"
)

// Config holds ARI connection settings.
type Config struct {
	// URL is the Asterisk HTTP base, e.g. "http://127.0.0.1:8088".
	URL string
	// Username and Password are the ARI user credentials.
	Username string
	Password string
	// App is the stasis application name registered with Asterisk.
	App string
	// RequestTimeout bounds individual REST calls.
	RequestTimeout time.Duration
}

// Client is the REST half of the ARI transport. It implements
// telephony.Client and is safe for concurrent use.
type Client struct {
	cfg    Config
	http   *http.Client
	base   *url.URL
	logger zerolog.Logger
}

// NewClient constructs an ARI REST client.
func NewClient(cfg Config, logger zerolog.Logger) (*Client, error) {
	if strings.TrimSpace(cfg.URL) == "" {
		return nil, fmt.Errorf("ari url is required")
	}
	if strings.TrimSpace(cfg.App) == "" {
		return nil, fmt.Errorf("ari app name is required")
	}
	base, err := url.Parse(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("parse ari url: %w", err)
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 10 * time.Second
	}
	return &Client{
		cfg:    cfg,
		http:   &http.Client{Timeout: cfg.RequestTimeout},
		base:   base,
		logger: logger.With().Str("component", "ari").Logger(),
	}, nil
}

// App returns the configured stasis application name.
func (c *Client) App() string {
	return c.cfg.App
}

func (c *Client) Answer(ctx context.Context, channelID string) error {
	return c.do(ctx, http.MethodPost, "/ari/channels/"+url.PathEscape(channelID)+"/answer", nil, nil, nil)
}

func (c *Client) Play(ctx context.Context, channelID, playbackID, media string) error {
	q := url.Values{"media": {media}}
	return c.do(ctx, http.MethodPost, "/ari/channels/"+url.PathEscape(channelID)+"/play/"+url.PathEscape(playbackID), q, nil, nil)
}

func (c *Client) StopPlayback(ctx context.Context, playbackID string) error {
	return c.do(ctx, http.MethodDelete, "/ari/playbacks/"+url.PathEscape(playbackID), nil, nil, nil)
}

func (c *Client) Hangup(ctx context.Context, channelID string) error {
	return c.do(ctx, http.MethodDelete, "/ari/channels/"+url.PathEscape(channelID), nil, nil, nil)
}

func (c *Client) Originate(ctx context.Context, req telephony.OriginateRequest) (string, error) {
	if strings.TrimSpace(req.Endpoint) == "" {
		return "", fmt.Errorf("originate endpoint is required")
	}
	q := url.Values{"endpoint": {req.Endpoint}}
	if req.App != "" {
		q.Set("app", req.App)
	} else {
		q.Set("app", c.cfg.App)
	}
	if req.AppArgs != "" {
		q.Set("appArgs", req.AppArgs)
	}
	if req.ChannelID != "" {
		q.Set("channelId", req.ChannelID)
	}
	if req.CallerID != "" {
		q.Set("callerId", req.CallerID)
	}
	if req.Timeout > 0 {
		q.Set("timeout", strconv.Itoa(int(req.Timeout/time.Second)))
	}

	var body io.Reader
	if len(req.Variables) > 0 {
		payload, err := json.Marshal(map[string]any{"variables": req.Variables})
		if err != nil {
			return "", fmt.Errorf("encode originate variables: %w", err)
		}
		body = bytes.NewReader(payload)
	}

	var created struct {
		ID string `json:"id"`
	}
	if err := c.do(ctx, http.MethodPost, "/ari/channels", q, body, &created); err != nil {
		return "", err
	}
	return created.ID, nil
}

func (c *Client) SetChannelVariable(ctx context.Context, channelID, key, value string) error {
	q := url.Values{"variable": {key}, "value": {value}}
	return c.do(ctx, http.MethodPost, "/ari/channels/"+url.PathEscape(channelID)+"/variable", q, nil, nil)
}

func (c *Client) GetChannelVariable(ctx context.Context, channelID, key string) (string, error) {
	q := url.Values{"variable": {key}}
	var out struct {
		Value string `json:"value"`
	}
	if err := c.do(ctx, http.MethodGet, "/ari/channels/"+url.PathEscape(channelID)+"/variable", q, nil, &out); err != nil {
		return "", err
	}
	return out.Value, nil
}

func (c *Client) Record(ctx context.Context, req telephony.RecordRequest) error {
	q := url.Values{
		"name":   {req.Name},
		"format": {req.Format},
	}
	if req.MaxDuration > 0 {
		q.Set("maxDurationSeconds", strconv.Itoa(int(req.MaxDuration/time.Second)))
	}
	if req.MaxSilence > 0 {
		q.Set("maxSilenceSeconds", strconv.Itoa(int(req.MaxSilence/time.Second)))
	}
	if req.Beep {
		q.Set("beep", "true")
	}
	if req.TerminateOn != "" {
		q.Set("terminateOn", req.TerminateOn)
	}
	if req.IfExistsOverwrite {
		q.Set("ifExists", "overwrite")
	}
	return c.do(ctx, http.MethodPost, "/ari/channels/"+url.PathEscape(req.ChannelID)+"/record", q, nil, nil)
}

func (c *Client) CreateBridge(ctx context.Context, bridgeID, bridgeType string) error {
	q := url.Values{"type": {bridgeType}}
	return c.do(ctx, http.MethodPost, "/ari/bridges/"+url.PathEscape(bridgeID), q, nil, nil)
}

func (c *Client) AddChannelToBridge(ctx context.Context, bridgeID, channelID string) error {
	q := url.Values{"channel": {channelID}}
	return c.do(ctx, http.MethodPost, "/ari/bridges/"+url.PathEscape(bridgeID)+"/addChannel", q, nil, nil)
}

func (c *Client) StartMOH(ctx context.Context, bridgeID, mohClass string) error {
	q := url.Values{}
	if mohClass != "" {
		q.Set("mohClass", mohClass)
	}
	return c.do(ctx, http.MethodPost, "/ari/bridges/"+url.PathEscape(bridgeID)+"/moh", q, nil, nil)
}

func (c *Client) StopMOH(ctx context.Context, bridgeID string) error {
	return c.do(ctx, http.MethodDelete, "/ari/bridges/"+url.PathEscape(bridgeID)+"/moh", nil, nil, nil)
}

func (c *Client) DestroyBridge(ctx context.Context, bridgeID string) error {
	return c.do(ctx, http.MethodDelete, "/ari/bridges/"+url.PathEscape(bridgeID), nil, nil, nil)
}

// do performs one ARI request, decoding a JSON response into out when out is
// non-nil. Non-2xx statuses become errors carrying the response snippet.
func (c *Client) do(ctx context.Context, method, path string, query url.Values, body io.Reader, out any) error {
	u := *c.base
	u.Path = strings.TrimRight(u.Path, "/") + path
	if query != nil {
		u.RawQuery = query.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, method, u.String(), body)
	if err != nil {
		return fmt.Errorf("build ari request: %w", err)
	}
	req.SetBasicAuth(c.cfg.Username, c.cfg.Password)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("ari %s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("ari %s %s returned status %d: %s", method, path, resp.StatusCode, strings.TrimSpace(string(snippet)))
	}
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("decode ari response: %w", err)
		}
	}
	return nil
}
