// Package playback starts and stops prompt playback on channels. The
// controller guarantees at most one in-flight playback per channel and
// suspends a Speak call, without blocking other channels, until the transport
// signals the playback finished.
package playback

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/ajoeson/asterisk-stasis-utility/internal/engine/session"
	"github.com/ajoeson/asterisk-stasis-utility/internal/ttscache"
)

// Transport is the playback surface of the telephony client.
type Transport interface {
	Play(ctx context.Context, channelID, playbackID, media string) error
	StopPlayback(ctx context.Context, playbackID string) error
}

// Sessions is the session-store surface the controller needs.
type Sessions interface {
	Set(ctx context.Context, channelID, key, value string) bool
	Value(channelID, key string) (string, bool)
	Language(channelID string) string
	DefaultLanguage() string
}

// Cache resolves a prompt to a playable artifact.
type Cache interface {
	Render(ctx context.Context, language, nodeID, text string) (ttscache.Artifact, error)
}

// SpeakRequest describes one prompt to play on a channel.
type SpeakRequest struct {
	// Language overrides the session language when set.
	Language string
	// Text is the default prompt text.
	Text string
	// TextByLanguage overrides Text for the effective language when present.
	TextByLanguage map[string]string
	// NodeID identifies the prompt node; part of the cache key.
	NodeID string
	// RequireNodeMatch aborts with a no-op result when NodeID no longer
	// matches the session's current prompt node.
	RequireNodeMatch bool
	// RecordAsCurrentNode updates the session's current prompt node before
	// playback starts, so concurrent interruption checks see it immediately.
	RecordAsCurrentNode bool
	// LocalAsset plays Text as a transport sound asset and skips the cache.
	LocalAsset bool
	// Guard, when set, is consulted after synthesis and immediately before
	// playback start; returning false aborts the stale prompt.
	Guard func() bool
}

// SpeakResult is the settled outcome of a Speak call. Operational failures
// (render, transport start) land here rather than in an error return.
type SpeakResult struct {
	Played   bool
	Skipped  bool
	Reason   string
	Failure  string
	Media    string
	Artifact ttscache.Artifact
}

type flight struct {
	channelID  string
	playbackID string
	done       chan struct{}
	finished   bool
}

// Controller drives prompt playback per channel.
type Controller struct {
	transport Transport
	sessions  Sessions
	cache     Cache
	mediaBase string
	logger    zerolog.Logger

	mu        sync.Mutex
	byChannel map[string]*flight
	byID      map[string]*flight
}

// NewController constructs a playback controller. mediaBase is the externally
// reachable base URL of the artifact endpoint, e.g. "http://10.0.0.5:3015".
func NewController(transport Transport, sessions Sessions, cache Cache, mediaBase string, logger zerolog.Logger) *Controller {
	return &Controller{
		transport: transport,
		sessions:  sessions,
		cache:     cache,
		mediaBase: strings.TrimRight(mediaBase, "/"),
		logger:    logger.With().Str("component", "playback").Logger(),
		byChannel: make(map[string]*flight),
		byID:      make(map[string]*flight),
	}
}

// Speak resolves the prompt to a playable artifact, interrupts any playback
// already in flight on the channel, starts the new one, and suspends until
// the transport reports it finished.
func (c *Controller) Speak(ctx context.Context, channelID string, req SpeakRequest) (SpeakResult, error) {
	if strings.TrimSpace(channelID) == "" {
		return SpeakResult{}, fmt.Errorf("channel id is required")
	}
	if !req.LocalAsset && strings.TrimSpace(req.NodeID) == "" {
		return SpeakResult{}, fmt.Errorf("node id is required")
	}

	if req.RequireNodeMatch {
		current, _ := c.sessions.Value(channelID, session.KeyCurrentNode)
		if current != req.NodeID {
			return SpeakResult{Skipped: true, Reason: "prompt node superseded"}, nil
		}
	}
	if req.RecordAsCurrentNode {
		c.sessions.Set(ctx, channelID, session.KeyCurrentNode, req.NodeID)
	}

	language := req.Language
	if language == "" {
		language = c.sessions.Language(channelID)
	}
	text := req.Text
	if override, ok := req.TextByLanguage[language]; ok {
		text = override
	}

	result := SpeakResult{}
	if req.LocalAsset {
		result.Media = "sound:" + text
	} else {
		artifact, err := c.cache.Render(ctx, language, req.NodeID, text)
		if err != nil {
			c.logger.Error().Err(err).Str("channel", channelID).Str("node", req.NodeID).Msg("prompt render failed")
			return SpeakResult{Failure: err.Error()}, nil
		}
		result.Artifact = artifact
		// The transport fetches remote media verbatim, so the URI keeps the
		// artifact's extension; the extensionless variant is only for backends
		// that reference local sound files by base name.
		result.Media = "sound:" + c.mediaBase + artifact.PublicPath
	}

	if req.Guard != nil && !req.Guard() {
		return SpeakResult{Skipped: true, Reason: "guard rejected prompt"}, nil
	}

	fl := &flight{
		channelID:  channelID,
		playbackID: uuid.NewString(),
		done:       make(chan struct{}),
	}
	c.interruptAndTrack(ctx, fl)

	c.sessions.Set(ctx, channelID, session.KeyPlaybackID, fl.playbackID)
	if err := c.transport.Play(ctx, channelID, fl.playbackID, result.Media); err != nil {
		c.logger.Warn().Err(err).Str("channel", channelID).Msg("playback start failed")
		c.Finish(fl.playbackID)
		c.sessions.Set(ctx, channelID, session.KeyPlaybackID, "")
		result.Failure = err.Error()
		return result, nil
	}

	select {
	case <-fl.done:
		c.sessions.Set(context.WithoutCancel(ctx), channelID, session.KeyPlaybackID, "")
		result.Played = true
		return result, nil
	case <-ctx.Done():
		// Best-effort stop so a cancelled Speak does not leave audio playing
		// untracked on the channel.
		if err := c.transport.StopPlayback(context.WithoutCancel(ctx), fl.playbackID); err != nil {
			c.logger.Warn().Err(err).Str("channel", channelID).Str("playback", fl.playbackID).Msg("stop cancelled playback failed")
		}
		c.Finish(fl.playbackID)
		c.sessions.Set(context.WithoutCancel(ctx), channelID, session.KeyPlaybackID, "")
		result.Failure = ctx.Err().Error()
		return result, nil
	}
}

// Stop interrupts the channel's in-flight playback, if any. Best effort: a
// transport stop failure is logged and the waiting Speak still resolves.
func (c *Controller) Stop(ctx context.Context, channelID string) {
	c.mu.Lock()
	fl := c.byChannel[channelID]
	c.mu.Unlock()
	if fl == nil {
		return
	}
	if err := c.transport.StopPlayback(ctx, fl.playbackID); err != nil {
		c.logger.Warn().Err(err).Str("channel", channelID).Str("playback", fl.playbackID).Msg("stop playback failed")
	}
	c.Finish(fl.playbackID)
}

// Finish resolves the tracked playback. Called by the engine on the
// transport's playback-finished event; unknown or already-finished ids are
// ignored, so a late signal for a stopped playback cannot resurrect state.
func (c *Controller) Finish(playbackID string) {
	c.mu.Lock()
	fl, ok := c.byID[playbackID]
	if !ok || fl.finished {
		c.mu.Unlock()
		return
	}
	fl.finished = true
	delete(c.byID, playbackID)
	if c.byChannel[fl.channelID] == fl {
		delete(c.byChannel, fl.channelID)
	}
	c.mu.Unlock()
	close(fl.done)
}

// interruptAndTrack stops whatever the channel is currently playing and
// registers the new flight as the channel's single in-flight playback.
func (c *Controller) interruptAndTrack(ctx context.Context, fl *flight) {
	c.mu.Lock()
	previous := c.byChannel[fl.channelID]
	c.byChannel[fl.channelID] = fl
	c.byID[fl.playbackID] = fl
	c.mu.Unlock()

	if previous == nil {
		return
	}
	if err := c.transport.StopPlayback(ctx, previous.playbackID); err != nil {
		c.logger.Warn().Err(err).Str("channel", fl.channelID).Str("playback", previous.playbackID).Msg("stop previous playback failed")
	}
	// Resolve the superseded Speak even if the transport never confirms.
	c.Finish(previous.playbackID)
}
