// Package engine routes transport events to the per-call components and
// dispatches a bounded set of application events to a single registered
// handler. One logical flow of control exists per call channel; a long wait
// on one channel never blocks another channel's events.
package engine

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/ajoeson/asterisk-stasis-utility/api/telephony"
	"github.com/ajoeson/asterisk-stasis-utility/internal/engine/bridge"
	"github.com/ajoeson/asterisk-stasis-utility/internal/engine/digits"
	"github.com/ajoeson/asterisk-stasis-utility/internal/engine/playback"
	"github.com/ajoeson/asterisk-stasis-utility/internal/engine/session"
)

// Handler receives the engine's outbound application events. Exactly one
// handler is registered per engine; each event has a fixed payload shape.
type Handler interface {
	// NewCall fires when a caller channel enters the application.
	NewCall(ctx context.Context, call *Call)
	// DigitsCollected fires once per completed digit-input episode.
	DigitsCollected(ctx context.Context, call *Call, result digits.Result)
}

// Config collects engine tuning.
type Config struct {
	// App is the stasis application name.
	App string
	// DefaultLanguage seeds new sessions.
	DefaultLanguage string
	// CleanupDelay is the post-hangup session grace window.
	CleanupDelay time.Duration
	// RingTimeout bounds agent leg ringing.
	RingTimeout time.Duration
	// MOHClass selects hold music for caller bridges.
	MOHClass string
	// MediaBase is the externally reachable base URL of the artifact server.
	MediaBase string
}

// Engine wires the session store, digit collector, playback controller and
// bridging sequencer to the transport event stream.
type Engine struct {
	cfg       Config
	transport telephony.Client
	handler   Handler
	logger    zerolog.Logger

	sessions  *session.Store
	collector *digits.Collector
	playback  *playback.Controller
	bridges   *bridge.Sequencer

	mu    sync.Mutex
	calls map[string]*Call
}

// New constructs an engine around the transport client and prompt cache.
func New(cfg Config, transport telephony.Client, cache playback.Cache, handler Handler, logger zerolog.Logger) (*Engine, error) {
	if transport == nil {
		return nil, fmt.Errorf("transport client is required")
	}
	if handler == nil {
		return nil, fmt.Errorf("handler is required")
	}
	logger = logger.With().Str("component", "engine").Logger()

	e := &Engine{
		cfg:       cfg,
		transport: transport,
		handler:   handler,
		logger:    logger,
		calls:     make(map[string]*Call),
	}
	e.sessions = session.NewStore(session.Config{
		DefaultLanguage: cfg.DefaultLanguage,
		CleanupDelay:    cfg.CleanupDelay,
	}, transport, logger)
	e.collector = digits.NewCollector(e.emitDigits, logger)
	e.playback = playback.NewController(transport, e.sessions, cache, cfg.MediaBase, logger)
	e.bridges = bridge.NewSequencer(bridge.Config{
		App:         cfg.App,
		RingTimeout: cfg.RingTimeout,
		MOHClass:    cfg.MOHClass,
	}, transport, e.sessions, logger)
	return e, nil
}

// Sessions exposes the call session store.
func (e *Engine) Sessions() *session.Store {
	return e.sessions
}

// Run consumes the stream until it closes or ctx is cancelled.
func (e *Engine) Run(ctx context.Context, stream telephony.Stream) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-stream.Events():
			if !ok {
				return nil
			}
			e.route(ctx, ev)
		}
	}
}

// route handles one transport event. Events for a single channel arrive in
// order; reactions that block on the transport are taken off the routing
// goroutine so they never delay another channel's events.
func (e *Engine) route(ctx context.Context, ev telephony.Event) {
	if err := ev.Validate(); err != nil {
		e.logger.Warn().Err(err).Msg("dropping malformed transport event")
		return
	}

	switch ev.Type {
	case telephony.EventStasisStart:
		// An originated agent leg entering the application is the answer
		// signal for an in-flight transfer, not a new call. Its bridge work
		// makes blocking transport calls, so it runs off the routing
		// goroutine; HandleAgentUp settles the attempt under its own lock,
		// so a stale claim is a no-op.
		if e.bridges.IsAgentLeg(ev.Channel.ID) {
			go e.bridges.HandleAgentUp(ctx, ev.Channel.ID)
			return
		}
		e.startCall(ctx, ev)

	case telephony.EventStasisEnd, telephony.EventChannelDestroyed:
		e.endCall(ctx, ev.Channel.ID)

	case telephony.EventDtmfReceived:
		e.collector.HandleDigit(ev.Channel.ID, ev.Digit)

	case telephony.EventPlaybackFinished:
		e.playback.Finish(ev.PlaybackID)
	}
}

func (e *Engine) startCall(ctx context.Context, ev telephony.Event) {
	meta := e.sessions.Create(ev.Channel, ev.Args)
	call := &Call{engine: e, channel: ev.Channel, meta: meta}

	e.mu.Lock()
	e.calls[ev.Channel.ID] = call
	e.mu.Unlock()

	e.logger.Info().Str("channel", ev.Channel.ID).Str("caller", ev.Channel.Caller.Number).Msg("call started")

	// The handler owns the call flow and may suspend (playback, agent
	// waits); it runs on its own goroutine so other channels keep moving.
	go e.dispatch(ctx, func() { e.handler.NewCall(ctx, call) })
}

func (e *Engine) endCall(ctx context.Context, channelID string) {
	e.mu.Lock()
	_, known := e.calls[channelID]
	delete(e.calls, channelID)
	e.mu.Unlock()

	e.collector.Stop(channelID)
	e.sessions.DestroyAfter(channelID)

	// Playback and bridge teardown make blocking transport calls; one
	// channel's stalled teardown must not hold up the routing goroutine.
	// Both reactions target this channel only, so one goroutine keeps their
	// relative order.
	go func() {
		e.playback.Stop(ctx, channelID)
		e.bridges.HandleChannelGone(ctx, channelID)
	}()

	if known {
		e.logger.Info().Str("channel", channelID).Msg("call ended")
	}
}

// emitDigits delivers a completed input episode to the handler together with
// the originating call.
func (e *Engine) emitDigits(channelID string, result digits.Result) {
	e.mu.Lock()
	call := e.calls[channelID]
	e.mu.Unlock()
	if call == nil {
		return
	}
	go e.dispatch(context.Background(), func() { e.handler.DigitsCollected(context.Background(), call, result) })
}

// dispatch isolates handler panics so one channel's failure never affects
// another channel's session.
func (e *Engine) dispatch(_ context.Context, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			e.logger.Error().Interface("panic", r).Msg("handler panicked")
		}
	}()
	fn()
}
