// Package telephony defines the transport capability the orchestration engine
// consumes. Implementations (see transports/ari) speak to a call-control
// server; the engine only depends on these types.
package telephony

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// EventType enumerates the transport lifecycle events the engine consumes.
type EventType string

const (
	EventStasisStart      EventType = "StasisStart"
	EventStasisEnd        EventType = "StasisEnd"
	EventDtmfReceived     EventType = "ChannelDtmfReceived"
	EventPlaybackFinished EventType = "PlaybackFinished"
	EventChannelDestroyed EventType = "ChannelDestroyed"
)

// CallerInfo carries the presented caller identity for a channel.
type CallerInfo struct {
	Name   string `json:"name"`
	Number string `json:"number"`
}

// DialplanInfo captures where the channel entered the application from.
type DialplanInfo struct {
	Context  string `json:"context"`
	Exten    string `json:"exten"`
	Priority int64  `json:"priority"`
	AppData  string `json:"app_data"`
}

// ChannelInfo is the transport's view of one call leg.
type ChannelInfo struct {
	ID           string       `json:"id"`
	Name         string       `json:"name"`
	ProtocolID   string       `json:"protocol_id"`
	State        string       `json:"state"`
	Caller       CallerInfo   `json:"caller"`
	Dialplan     DialplanInfo `json:"dialplan"`
	CreationTime time.Time    `json:"creationtime"`
}

// Event is a flat record covering every transport event the engine routes.
// Fields beyond Type are populated per event kind.
type Event struct {
	Type       EventType
	Channel    ChannelInfo // StasisStart, StasisEnd, ChannelDestroyed, DtmfReceived
	Args       []string    // StasisStart application arguments
	Digit      string      // ChannelDtmfReceived
	PlaybackID string      // PlaybackFinished
}

// ChannelID returns the channel the event belongs to, empty for
// playback-scoped events.
func (e Event) ChannelID() string {
	return e.Channel.ID
}

// Validate checks the minimal shape required for engine routing.
func (e Event) Validate() error {
	switch e.Type {
	case EventStasisStart, EventStasisEnd, EventDtmfReceived, EventChannelDestroyed:
		if strings.TrimSpace(e.Channel.ID) == "" {
			return fmt.Errorf("%s event requires channel id", e.Type)
		}
	case EventPlaybackFinished:
		if strings.TrimSpace(e.PlaybackID) == "" {
			return fmt.Errorf("%s event requires playback id", e.Type)
		}
	default:
		return fmt.Errorf("unsupported event type %q", e.Type)
	}
	if e.Type == EventDtmfReceived && e.Digit == "" {
		return fmt.Errorf("%s event requires a digit", e.Type)
	}
	return nil
}

// OriginateRequest describes a new outbound leg toward an endpoint.
type OriginateRequest struct {
	Endpoint  string            // e.g. "PJSIP/agent-2001"
	ChannelID string            // client-assigned id for the new leg
	App       string            // stasis application receiving the leg
	AppArgs   string            // application arguments for the new leg
	CallerID  string            // presented caller id
	Timeout   time.Duration     // ring timeout; zero means transport default
	Variables map[string]string // channel variables seeded at origination
}

// RecordRequest describes a channel recording.
type RecordRequest struct {
	ChannelID         string
	Name              string
	Format            string
	MaxDuration       time.Duration
	MaxSilence        time.Duration
	Beep              bool
	TerminateOn       string
	IfExistsOverwrite bool
}

// Client is the control-plane capability over channels, bridges and playbacks.
// All operations are request/response; lifecycle outcomes arrive on the event
// stream. Implementations must be safe for concurrent use across channels.
type Client interface {
	// Channel operations.
	Answer(ctx context.Context, channelID string) error
	Play(ctx context.Context, channelID, playbackID, media string) error
	StopPlayback(ctx context.Context, playbackID string) error
	Hangup(ctx context.Context, channelID string) error
	Originate(ctx context.Context, req OriginateRequest) (string, error)
	SetChannelVariable(ctx context.Context, channelID, key, value string) error
	GetChannelVariable(ctx context.Context, channelID, key string) (string, error)
	Record(ctx context.Context, req RecordRequest) error

	// Bridge operations.
	CreateBridge(ctx context.Context, bridgeID, bridgeType string) error
	AddChannelToBridge(ctx context.Context, bridgeID, channelID string) error
	StartMOH(ctx context.Context, bridgeID, mohClass string) error
	StopMOH(ctx context.Context, bridgeID string) error
	DestroyBridge(ctx context.Context, bridgeID string) error
}

// Stream delivers transport events in arrival order for each channel.
type Stream interface {
	// Events returns the event channel. It is closed when the stream ends.
	Events() <-chan Event
	// Close tears the stream down and releases the underlying connection.
	Close() error
}
