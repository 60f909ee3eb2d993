package ari

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/ajoeson/asterisk-stasis-utility/api/telephony"
)

const (
	// streamBuffer bounds undelivered events before the pump blocks.
	streamBuffer = 256
	// maxReconnectBackoff caps the redial pacing after stream loss.
	maxReconnectBackoff = 30 * time.Second
)

// Stream is the websocket half of the ARI transport. It implements
// telephony.Stream, decoding raw ARI events into engine events and
// reconnecting with bounded backoff when the connection drops.
type Stream struct {
	cfg    Config
	wsURL  string
	dialer *websocket.Dialer
	logger zerolog.Logger

	events chan telephony.Event
	cancel context.CancelFunc

	mu     sync.Mutex
	conn   *websocket.Conn
	closed bool
}

// Connect starts the application on the ARI side by subscribing its event
// websocket and returns the running stream.
func Connect(ctx context.Context, cfg Config, logger zerolog.Logger) (*Stream, error) {
	base, err := url.Parse(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("parse ari url: %w", err)
	}
	scheme := "ws"
	if base.Scheme == "https" {
		scheme = "wss"
	}
	wsURL := url.URL{
		Scheme: scheme,
		Host:   base.Host,
		Path:   strings.TrimRight(base.Path, "/") + "/ari/events",
		RawQuery: url.Values{
			"app":     {cfg.App},
			"api_key": {cfg.Username + ":" + cfg.Password},
		}.Encode(),
	}

	s := &Stream{
		cfg:    cfg,
		wsURL:  wsURL.String(),
		dialer: &websocket.Dialer{HandshakeTimeout: 10 * time.Second},
		logger: logger.With().Str("component", "ari-stream").Logger(),
		events: make(chan telephony.Event, streamBuffer),
	}

	conn, _, err := s.dialer.DialContext(ctx, s.wsURL, nil)
	if err != nil {
		return nil, fmt.Errorf("dial ari events: %w", err)
	}
	s.conn = conn

	pumpCtx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	go s.pump(pumpCtx)

	s.logger.Info().Str("app", cfg.App).Msg("ari event stream connected")
	return s, nil
}

// Events returns the decoded event channel. It is closed when the stream
// shuts down for good.
func (s *Stream) Events() <-chan telephony.Event {
	return s.events
}

// Close tears the stream down and closes the event channel.
func (s *Stream) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	conn := s.conn
	s.mu.Unlock()

	s.cancel()
	if conn != nil {
		return conn.Close()
	}
	return nil
}

// pump reads raw messages, decodes them, and redials on connection loss until
// the stream is closed.
func (s *Stream) pump(ctx context.Context) {
	defer close(s.events)

	for {
		s.mu.Lock()
		conn := s.conn
		closed := s.closed
		s.mu.Unlock()
		if closed || conn == nil {
			return
		}

		_, raw, err := conn.ReadMessage()
		if err != nil {
			if s.isClosed() || ctx.Err() != nil {
				return
			}
			s.logger.Warn().Err(err).Msg("ari event stream lost, reconnecting")
			if !s.redial(ctx) {
				return
			}
			continue
		}

		ev, ok := decodeEvent(raw)
		if !ok {
			continue
		}
		select {
		case s.events <- ev:
		case <-ctx.Done():
			return
		}
	}
}

func (s *Stream) redial(ctx context.Context) bool {
	backoff := time.Second
	for {
		select {
		case <-ctx.Done():
			return false
		case <-time.After(backoff):
		}
		if s.isClosed() {
			return false
		}

		conn, _, err := s.dialer.DialContext(ctx, s.wsURL, nil)
		if err == nil {
			s.mu.Lock()
			s.conn = conn
			s.mu.Unlock()
			s.logger.Info().Msg("ari event stream reconnected")
			return true
		}
		s.logger.Warn().Err(err).Dur("backoff", backoff).Msg("ari reconnect failed")
		if backoff < maxReconnectBackoff {
			backoff *= 2
			if backoff > maxReconnectBackoff {
				backoff = maxReconnectBackoff
			}
		}
	}
}

func (s *Stream) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// rawEvent is the subset of ARI event fields the engine routes on.
type rawEvent struct {
	Type     string      `json:"type"`
	Args     []string    `json:"args"`
	Digit    string      `json:"digit"`
	Channel  *rawChannel `json:"channel"`
	Playback *struct {
		ID string `json:"id"`
	} `json:"playback"`
}

type rawChannel struct {
	ID           string `json:"id"`
	Name         string `json:"name"`
	ProtocolID   string `json:"protocol_id"`
	State        string `json:"state"`
	CreationTime string `json:"creationtime"`
	Caller       struct {
		Name   string `json:"name"`
		Number string `json:"number"`
	} `json:"caller"`
	Dialplan struct {
		Context  string `json:"context"`
		Exten    string `json:"exten"`
		Priority int64  `json:"priority"`
		AppData  string `json:"app_data"`
	} `json:"dialplan"`
}

// decodeEvent maps a raw ARI message to an engine event. Event types the
// engine does not route are dropped.
func decodeEvent(raw []byte) (telephony.Event, bool) {
	var re rawEvent
	if err := json.Unmarshal(raw, &re); err != nil {
		return telephony.Event{}, false
	}

	switch telephony.EventType(re.Type) {
	case telephony.EventStasisStart:
		if re.Channel == nil {
			return telephony.Event{}, false
		}
		return telephony.Event{
			Type:    telephony.EventStasisStart,
			Channel: re.Channel.toInfo(),
			Args:    re.Args,
		}, true
	case telephony.EventStasisEnd, telephony.EventChannelDestroyed:
		if re.Channel == nil {
			return telephony.Event{}, false
		}
		return telephony.Event{
			Type:    telephony.EventType(re.Type),
			Channel: re.Channel.toInfo(),
		}, true
	case telephony.EventDtmfReceived:
		if re.Channel == nil {
			return telephony.Event{}, false
		}
		return telephony.Event{
			Type:    telephony.EventDtmfReceived,
			Channel: re.Channel.toInfo(),
			Digit:   re.Digit,
		}, true
	case telephony.EventPlaybackFinished:
		if re.Playback == nil {
			return telephony.Event{}, false
		}
		return telephony.Event{
			Type:       telephony.EventPlaybackFinished,
			PlaybackID: re.Playback.ID,
		}, true
	default:
		return telephony.Event{}, false
	}
}

func (rc *rawChannel) toInfo() telephony.ChannelInfo {
	created, _ := time.Parse("2006-01-02T15:04:05.999-0700", rc.CreationTime)
	return telephony.ChannelInfo{
		ID:         rc.ID,
		Name:       rc.Name,
		ProtocolID: rc.ProtocolID,
		State:      rc.State,
		Caller: telephony.CallerInfo{
			Name:   rc.Caller.Name,
			Number: rc.Caller.Number,
		},
		Dialplan: telephony.DialplanInfo{
			Context:  rc.Dialplan.Context,
			Exten:    rc.Dialplan.Exten,
			Priority: rc.Dialplan.Priority,
			AppData:  rc.Dialplan.AppData,
		},
		CreationTime: created,
	}
}
