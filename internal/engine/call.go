package engine

import (
	"context"

	"github.com/ajoeson/asterisk-stasis-utility/api/telephony"
	"github.com/ajoeson/asterisk-stasis-utility/internal/engine/bridge"
	"github.com/ajoeson/asterisk-stasis-utility/internal/engine/digits"
	"github.com/ajoeson/asterisk-stasis-utility/internal/engine/playback"
	"github.com/ajoeson/asterisk-stasis-utility/internal/engine/session"
)

// Call is the per-channel surface handed to the application handler. All
// operations are namespaced to this call's channel.
type Call struct {
	engine  *Engine
	channel telephony.ChannelInfo
	meta    session.CallMeta
}

// ID returns the channel identifier.
func (c *Call) ID() string {
	return c.channel.ID
}

// Meta returns the call metadata snapshot captured at call start.
func (c *Call) Meta() session.CallMeta {
	return c.meta
}

// Channel returns the transport channel snapshot from call start.
func (c *Call) Channel() telephony.ChannelInfo {
	return c.channel
}

// Answer answers the caller leg.
func (c *Call) Answer(ctx context.Context) error {
	return c.engine.transport.Answer(ctx, c.channel.ID)
}

// Speak plays a prompt on the call, interrupting any prompt in flight, and
// suspends until playback finishes. See playback.Controller.Speak.
func (c *Call) Speak(ctx context.Context, req playback.SpeakRequest) (playback.SpeakResult, error) {
	return c.engine.playback.Speak(ctx, c.channel.ID, req)
}

// StopSpeaking interrupts the call's in-flight prompt, if any.
func (c *Call) StopSpeaking(ctx context.Context) {
	c.engine.playback.Stop(ctx, c.channel.ID)
}

// Listen opens a digit-input episode; a completed episode arrives at the
// handler as DigitsCollected. A second Listen replaces the first.
func (c *Call) Listen(spec digits.ListenSpec) error {
	return c.engine.collector.Listen(c.channel.ID, spec)
}

// StopListening cancels the open digit-input episode, if any.
func (c *Call) StopListening() {
	c.engine.collector.Stop(c.channel.ID)
}

// Set writes a session variable, mirrored to the transport. False means the
// session is gone (expected during the post-hangup grace window).
func (c *Call) Set(ctx context.Context, key, value string) bool {
	return c.engine.sessions.Set(ctx, c.channel.ID, key, value)
}

// Value reads a session variable.
func (c *Call) Value(key string) (string, bool) {
	return c.engine.sessions.Value(c.channel.ID, key)
}

// Language returns the call's effective language.
func (c *Call) Language() string {
	return c.engine.sessions.Language(c.channel.ID)
}

// SetLanguage overrides the call's language for subsequent prompts.
func (c *Call) SetLanguage(ctx context.Context, language string) bool {
	return c.engine.sessions.Set(ctx, c.channel.ID, session.KeyLanguage, language)
}

// ChannelVariable reads an Asterisk-side channel variable.
func (c *Call) ChannelVariable(ctx context.Context, key string) (string, error) {
	return c.engine.sessions.ChannelVariable(ctx, c.channel.ID, key)
}

// Record starts a recording on the caller leg.
func (c *Call) Record(ctx context.Context, req telephony.RecordRequest) error {
	req.ChannelID = c.channel.ID
	return c.engine.transport.Record(ctx, req)
}

// CreateHoldBridge creates the caller's hold bridge and starts hold music.
func (c *Call) CreateHoldBridge(ctx context.Context) error {
	return c.engine.bridges.CreateHoldBridge(ctx, c.channel.ID)
}

// ConnectToAgent originates a leg toward agent and suspends until the attempt
// settles. See bridge.Sequencer.ConnectToAgent.
func (c *Call) ConnectToAgent(ctx context.Context, agent bridge.Endpoint, metadata map[string]string, onReassign func(callerChannelID string)) (bridge.ConnectResult, error) {
	return c.engine.bridges.ConnectToAgent(ctx, c.channel.ID, agent, metadata, onReassign)
}

// Hangup hangs up the caller leg best-effort.
func (c *Call) Hangup(ctx context.Context) {
	c.engine.bridges.Hangup(ctx, c.channel.ID)
}
