package main

import (
	"context"

	"github.com/rs/zerolog"

	"github.com/ajoeson/asterisk-stasis-utility/internal/engine"
	"github.com/ajoeson/asterisk-stasis-utility/internal/engine/bridge"
	"github.com/ajoeson/asterisk-stasis-utility/internal/engine/digits"
	"github.com/ajoeson/asterisk-stasis-utility/internal/engine/playback"
)

const menuEvent = "mainMenu"

// menuHandler is a small built-in call flow: greet the caller, collect one
// menu digit, and transfer to the configured agent on "0".
type menuHandler struct {
	agentEndpoint string
	logger        zerolog.Logger
}

func (h *menuHandler) NewCall(ctx context.Context, call *engine.Call) {
	if err := call.Answer(ctx); err != nil {
		h.logger.Warn().Err(err).Str("channel", call.ID()).Msg("answer failed")
		return
	}

	result, err := call.Speak(ctx, playback.SpeakRequest{
		NodeID:              "welcome",
		Text:                "Welcome. Press zero to talk to an agent.",
		RecordAsCurrentNode: true,
		TextByLanguage: map[string]string{
			"zh-HK": "歡迎。請按零轉駁至客戶服務員。",
		},
	})
	if err != nil || result.Failure != "" {
		h.logger.Warn().Err(err).Str("failure", result.Failure).Str("channel", call.ID()).Msg("welcome prompt failed")
	}

	if err := call.Listen(digits.ListenSpec{Event: menuEvent, Policy: digits.PolicySingle}); err != nil {
		h.logger.Warn().Err(err).Str("channel", call.ID()).Msg("listen failed")
	}
}

func (h *menuHandler) DigitsCollected(ctx context.Context, call *engine.Call, result digits.Result) {
	if result.Event != menuEvent {
		return
	}
	if result.Digit != "0" || h.agentEndpoint == "" {
		_, _ = call.Speak(ctx, playback.SpeakRequest{
			NodeID: "goodbye",
			Text:   "Goodbye.",
		})
		call.Hangup(ctx)
		return
	}

	if err := call.CreateHoldBridge(ctx); err != nil {
		h.logger.Warn().Err(err).Str("channel", call.ID()).Msg("hold bridge failed")
		call.Hangup(ctx)
		return
	}
	outcome, err := call.ConnectToAgent(ctx, bridge.Endpoint{Endpoint: h.agentEndpoint}, map[string]string{
		"CALLER_NUMBER": call.Meta().Caller.Number,
	}, func(channelID string) {
		h.logger.Info().Str("channel", channelID).Msg("agent unavailable, reassignment requested")
	})
	if err != nil {
		h.logger.Warn().Err(err).Str("channel", call.ID()).Msg("agent connect failed")
		return
	}
	if outcome.Reassigned {
		_, _ = call.Speak(ctx, playback.SpeakRequest{
			NodeID: "no-agent",
			Text:   "No agent is available right now. Please try again later.",
		})
		call.Hangup(ctx)
	}
}
