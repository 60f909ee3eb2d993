// Package bridge runs the agent-transfer sequence for a caller channel:
// create a mixing bridge, hold the caller on music, originate a leg toward an
// agent, bridge on answer, and tear everything down when either leg ends.
package bridge

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/ajoeson/asterisk-stasis-utility/api/telephony"
	"github.com/ajoeson/asterisk-stasis-utility/internal/engine/session"
)

// ErrNoSession indicates the caller channel has no live session.
var ErrNoSession = errors.New("no session for channel")

// ErrBridgeExists indicates the caller channel already has a hold bridge.
var ErrBridgeExists = errors.New("hold bridge already exists for channel")

// ErrNoBridge indicates ConnectToAgent was called before CreateHoldBridge.
var ErrNoBridge = errors.New("no hold bridge for channel")

// ErrAttemptInFlight indicates a previous agent attempt has not settled yet.
var ErrAttemptInFlight = errors.New("agent attempt already in flight for channel")

// Transport is the bridge/channel surface of the telephony client.
type Transport interface {
	CreateBridge(ctx context.Context, bridgeID, bridgeType string) error
	AddChannelToBridge(ctx context.Context, bridgeID, channelID string) error
	StartMOH(ctx context.Context, bridgeID, mohClass string) error
	StopMOH(ctx context.Context, bridgeID string) error
	DestroyBridge(ctx context.Context, bridgeID string) error
	Originate(ctx context.Context, req telephony.OriginateRequest) (string, error)
	Hangup(ctx context.Context, channelID string) error
}

// Sessions is the session-store surface the sequencer needs.
type Sessions interface {
	Set(ctx context.Context, channelID, key, value string) bool
	Meta(channelID string) (session.CallMeta, bool)
}

// Endpoint addresses the agent to originate toward.
type Endpoint struct {
	// Endpoint is the transport dial string, e.g. "PJSIP/agent-2001".
	Endpoint string
	// CallerID presented to the agent.
	CallerID string
}

// Config tunes the sequencer.
type Config struct {
	// App is the stasis application the originated agent leg lands in.
	App string
	// RingTimeout bounds how long an agent leg may ring before reassignment.
	RingTimeout time.Duration
	// MOHClass selects the hold-music class for the caller bridge.
	MOHClass string
}

// ConnectResult is the settled outcome of one agent attempt.
type ConnectResult struct {
	Connected      bool
	Reassigned     bool
	AgentChannelID string
}

type attempt struct {
	agentID    string
	onReassign func(callerChannelID string)
	timer      *time.Timer
	settled    bool
	outcome    chan ConnectResult
}

type transfer struct {
	callerID string
	bridgeID string
	pending  *attempt
	agentID  string // set once bridged
}

// Sequencer owns all agent transfers keyed by caller channel.
type Sequencer struct {
	transport Transport
	sessions  Sessions
	cfg       Config
	logger    zerolog.Logger

	mu        sync.Mutex
	transfers map[string]*transfer
	byAgent   map[string]string // agent channel id -> caller channel id
}

// NewSequencer constructs an empty sequencer.
func NewSequencer(cfg Config, transport Transport, sessions Sessions, logger zerolog.Logger) *Sequencer {
	if cfg.RingTimeout <= 0 {
		cfg.RingTimeout = 30 * time.Second
	}
	if strings.TrimSpace(cfg.MOHClass) == "" {
		cfg.MOHClass = "default"
	}
	return &Sequencer{
		transport: transport,
		sessions:  sessions,
		cfg:       cfg,
		logger:    logger.With().Str("component", "bridge").Logger(),
		transfers: make(map[string]*transfer),
		byAgent:   make(map[string]string),
	}
}

// CreateHoldBridge creates the caller's mixing bridge, adds the caller, and
// starts hold music. One hold bridge per caller channel: a second call fails
// with ErrBridgeExists.
func (s *Sequencer) CreateHoldBridge(ctx context.Context, channelID string) error {
	if _, ok := s.sessions.Meta(channelID); !ok {
		return fmt.Errorf("%w: %s", ErrNoSession, channelID)
	}

	s.mu.Lock()
	if _, ok := s.transfers[channelID]; ok {
		s.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrBridgeExists, channelID)
	}
	tr := &transfer{callerID: channelID, bridgeID: uuid.NewString()}
	s.transfers[channelID] = tr
	s.mu.Unlock()

	fail := func(err error) error {
		s.mu.Lock()
		delete(s.transfers, channelID)
		s.mu.Unlock()
		return err
	}
	if err := s.transport.CreateBridge(ctx, tr.bridgeID, "mixing"); err != nil {
		return fail(fmt.Errorf("create hold bridge: %w", err))
	}
	if err := s.transport.AddChannelToBridge(ctx, tr.bridgeID, channelID); err != nil {
		return fail(fmt.Errorf("add caller to hold bridge: %w", err))
	}
	if err := s.transport.StartMOH(ctx, tr.bridgeID, s.cfg.MOHClass); err != nil {
		s.logger.Warn().Err(err).Str("channel", channelID).Msg("start hold music failed")
	}
	s.sessions.Set(ctx, channelID, session.KeyCallerBridge, tr.bridgeID)
	return nil
}

// ConnectToAgent originates a leg toward agent and suspends until the attempt
// settles: answered (hold music stops, agent joins the bridge) or reassigned
// (terminated or ring timeout before answer; onReassign fires exactly once).
// One outstanding attempt per caller channel.
func (s *Sequencer) ConnectToAgent(ctx context.Context, channelID string, agent Endpoint, metadata map[string]string, onReassign func(callerChannelID string)) (ConnectResult, error) {
	if strings.TrimSpace(agent.Endpoint) == "" {
		return ConnectResult{}, fmt.Errorf("agent endpoint is required")
	}

	s.mu.Lock()
	tr, ok := s.transfers[channelID]
	if !ok {
		s.mu.Unlock()
		return ConnectResult{}, fmt.Errorf("%w: %s", ErrNoBridge, channelID)
	}
	if tr.pending != nil {
		s.mu.Unlock()
		return ConnectResult{}, fmt.Errorf("%w: %s", ErrAttemptInFlight, channelID)
	}
	at := &attempt{
		agentID:    uuid.NewString(),
		onReassign: onReassign,
		outcome:    make(chan ConnectResult, 1),
	}
	tr.pending = at
	s.byAgent[at.agentID] = channelID
	s.mu.Unlock()

	_, err := s.transport.Originate(ctx, telephony.OriginateRequest{
		Endpoint:  agent.Endpoint,
		ChannelID: at.agentID,
		App:       s.cfg.App,
		CallerID:  agent.CallerID,
		Timeout:   s.cfg.RingTimeout,
		Variables: metadata,
	})
	if err != nil {
		s.mu.Lock()
		tr.pending = nil
		delete(s.byAgent, at.agentID)
		s.mu.Unlock()
		return ConnectResult{}, fmt.Errorf("originate agent leg: %w", err)
	}

	// Backstop against a transport that never reports the unanswered leg.
	s.mu.Lock()
	if !at.settled {
		at.timer = time.AfterFunc(s.cfg.RingTimeout+time.Second, func() {
			s.reassign(channelID, at, true)
		})
	}
	s.mu.Unlock()

	select {
	case result := <-at.outcome:
		return result, nil
	case <-ctx.Done():
		s.reassign(channelID, at, true)
		return ConnectResult{Reassigned: true, AgentChannelID: at.agentID}, ctx.Err()
	}
}

// Hangup hangs the channel up best-effort; failure is logged, never returned.
func (s *Sequencer) Hangup(ctx context.Context, channelID string) {
	if err := s.transport.Hangup(ctx, channelID); err != nil {
		s.logger.Warn().Err(err).Str("channel", channelID).Msg("hangup failed")
	}
}

// IsAgentLeg reports whether the channel is a tracked originated agent leg.
// The leg is registered before origination, so a StasisStart for it can never
// observe false.
func (s *Sequencer) IsAgentLeg(channelID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.byAgent[channelID]
	return ok
}

// HandleAgentUp reacts to the originated agent leg answering: it cancels the
// pre-answer termination handling, stops hold music, records the agent on the
// caller's session, and promotes the hold bridge to a two-party bridge.
// Returns true when the channel was a tracked agent leg.
func (s *Sequencer) HandleAgentUp(ctx context.Context, agentChannelID string) bool {
	s.mu.Lock()
	callerID, ok := s.byAgent[agentChannelID]
	if !ok {
		s.mu.Unlock()
		return false
	}
	tr := s.transfers[callerID]
	if tr == nil || tr.pending == nil || tr.pending.agentID != agentChannelID || tr.pending.settled {
		s.mu.Unlock()
		return true
	}
	at := tr.pending
	at.settled = true
	tr.pending = nil
	tr.agentID = agentChannelID
	bridgeID := tr.bridgeID
	timer := at.timer
	s.mu.Unlock()

	if timer != nil {
		timer.Stop()
	}
	if err := s.transport.StopMOH(ctx, bridgeID); err != nil {
		s.logger.Warn().Err(err).Str("channel", callerID).Msg("stop hold music failed")
	}
	if err := s.transport.AddChannelToBridge(ctx, bridgeID, agentChannelID); err != nil {
		s.logger.Error().Err(err).Str("channel", callerID).Str("agent", agentChannelID).Msg("add agent to bridge failed")
	}
	s.sessions.Set(ctx, callerID, session.KeyConnectedAgent, agentChannelID)

	at.outcome <- ConnectResult{Connected: true, AgentChannelID: agentChannelID}
	return true
}

// HandleChannelGone reacts to a channel leaving the transport. For an
// unanswered agent leg it triggers reassignment; for a bridged agent leg it
// hangs up the caller so no orphaned caller stays on agent drop; for a caller
// with a transfer it tears the bridge down.
func (s *Sequencer) HandleChannelGone(ctx context.Context, channelID string) {
	s.mu.Lock()
	callerID, isAgent := s.byAgent[channelID]
	tr := s.transfers[channelID]
	s.mu.Unlock()

	if isAgent {
		s.agentGone(ctx, callerID, channelID)
		return
	}
	if tr != nil {
		s.callerGone(ctx, tr)
	}
}

func (s *Sequencer) agentGone(ctx context.Context, callerID, agentChannelID string) {
	s.mu.Lock()
	tr := s.transfers[callerID]
	if tr == nil {
		delete(s.byAgent, agentChannelID)
		s.mu.Unlock()
		return
	}
	pending := tr.pending
	bridgedAgent := tr.agentID == agentChannelID
	if bridgedAgent {
		delete(s.byAgent, agentChannelID)
		tr.agentID = ""
	}
	s.mu.Unlock()

	if pending != nil && pending.agentID == agentChannelID {
		// Terminated before answer. The leg is already gone, no hangup.
		s.reassign(callerID, pending, false)
		return
	}
	if bridgedAgent {
		// Agent dropped after being bridged: take the caller down with it.
		s.Hangup(ctx, callerID)
	}
}

func (s *Sequencer) callerGone(ctx context.Context, tr *transfer) {
	s.mu.Lock()
	delete(s.transfers, tr.callerID)
	pending := tr.pending
	tr.pending = nil
	agentID := tr.agentID
	if agentID != "" {
		delete(s.byAgent, agentID)
	}
	s.mu.Unlock()

	if pending != nil {
		s.reassignDirect(tr.callerID, pending, true)
	}
	if agentID != "" {
		s.Hangup(ctx, agentID)
	}
	if err := s.transport.DestroyBridge(ctx, tr.bridgeID); err != nil {
		s.logger.Warn().Err(err).Str("channel", tr.callerID).Msg("destroy bridge failed")
	}
}

// reassign settles a pending attempt on the reassignment path, at most once.
// hangupLeg controls whether the half-formed agent leg still needs a hangup.
func (s *Sequencer) reassign(callerID string, at *attempt, hangupLeg bool) {
	s.mu.Lock()
	if at.settled {
		s.mu.Unlock()
		return
	}
	at.settled = true
	if tr := s.transfers[callerID]; tr != nil && tr.pending == at {
		tr.pending = nil
	}
	delete(s.byAgent, at.agentID)
	timer := at.timer
	s.mu.Unlock()

	s.settleReassigned(callerID, at, timer, hangupLeg)
}

// reassignDirect is reassign for an attempt already detached from its
// transfer under the lock.
func (s *Sequencer) reassignDirect(callerID string, at *attempt, hangupLeg bool) {
	s.mu.Lock()
	if at.settled {
		s.mu.Unlock()
		return
	}
	at.settled = true
	delete(s.byAgent, at.agentID)
	timer := at.timer
	s.mu.Unlock()

	s.settleReassigned(callerID, at, timer, hangupLeg)
}

func (s *Sequencer) settleReassigned(callerID string, at *attempt, timer *time.Timer, hangupLeg bool) {
	if timer != nil {
		timer.Stop()
	}
	if hangupLeg {
		s.Hangup(context.Background(), at.agentID)
	}
	if at.onReassign != nil {
		at.onReassign(callerID)
	}
	at.outcome <- ConnectResult{Reassigned: true, AgentChannelID: at.agentID}
}
