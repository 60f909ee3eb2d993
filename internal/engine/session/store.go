// Package session is the per-channel call state store. A session is created
// on call start and purged either immediately or after a grace delay on call
// end, so late asynchronous callbacks can still read call metadata. Post-grace
// access reads as "not found", never as an error.
package session

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/ajoeson/asterisk-stasis-utility/api/telephony"
)

// Well-known local variable keys shared between components.
const (
	KeyLanguage       = "language"
	KeyCurrentNode    = "currentPromptId"
	KeyCallerBridge   = "callerBridgeId"
	KeyConnectedAgent = "connectedAgentChannelId"
	KeyPlaybackID     = "__playbackId"
)

// ErrNoMirror indicates the store has no transport to read channel variables
// from.
var ErrNoMirror = errors.New("no transport mirror configured")

// Mirror is the transport surface the store reflects local variables onto so
// call state stays visible outside the process.
type Mirror interface {
	SetChannelVariable(ctx context.Context, channelID, key, value string) error
	GetChannelVariable(ctx context.Context, channelID, key string) (string, error)
}

// CallMeta is the immutable snapshot captured when a call enters the
// application.
type CallMeta struct {
	ChannelID   string
	ChannelName string
	ProtocolID  string
	Caller      telephony.CallerInfo
	Dialplan    telephony.DialplanInfo
	Params      map[string]string
	CalledAt    time.Time
	Language    string
}

type record struct {
	meta   CallMeta
	vars   map[string]string
	dead   bool
	ending bool
}

// Store holds all live sessions keyed by channel id.
type Store struct {
	mirror          Mirror
	defaultLanguage string
	cleanupDelay    time.Duration
	logger          zerolog.Logger

	mu       sync.Mutex
	sessions map[string]*record
	timers   map[string]*time.Timer
}

// Config tunes store behavior.
type Config struct {
	DefaultLanguage string
	CleanupDelay    time.Duration
}

// NewStore constructs an empty session store.
func NewStore(cfg Config, mirror Mirror, logger zerolog.Logger) *Store {
	if strings.TrimSpace(cfg.DefaultLanguage) == "" {
		cfg.DefaultLanguage = "en-US"
	}
	if cfg.CleanupDelay <= 0 {
		cfg.CleanupDelay = 15 * time.Second
	}
	return &Store{
		mirror:          mirror,
		defaultLanguage: cfg.DefaultLanguage,
		cleanupDelay:    cfg.CleanupDelay,
		logger:          logger.With().Str("component", "session").Logger(),
		sessions:        make(map[string]*record),
		timers:          make(map[string]*time.Timer),
	}
}

// Create materializes a session from the call-start channel snapshot and the
// application arguments, seeding the default language. An existing live
// session for the channel is replaced.
func (s *Store) Create(channel telephony.ChannelInfo, args []string) CallMeta {
	meta := CallMeta{
		ChannelID:   channel.ID,
		ChannelName: channel.Name,
		ProtocolID:  channel.ProtocolID,
		Caller:      channel.Caller,
		Dialplan:    channel.Dialplan,
		Params:      ParseParams(args),
		CalledAt:    channel.CreationTime,
		Language:    s.defaultLanguage,
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if timer, ok := s.timers[channel.ID]; ok {
		timer.Stop()
		delete(s.timers, channel.ID)
	}
	s.sessions[channel.ID] = &record{
		meta: meta,
		vars: map[string]string{KeyLanguage: s.defaultLanguage},
	}
	return meta
}

// ParseParams decodes application arguments with the alternating-token
// convention: token[i] is a key and token[i+1] its value, starting at index 1.
// A single comma-joined token is split first.
func ParseParams(args []string) map[string]string {
	if len(args) == 1 && strings.Contains(args[0], ",") {
		args = strings.Split(args[0], ",")
	}
	params := make(map[string]string)
	for i := 1; i+1 < len(args); i += 2 {
		key := strings.TrimSpace(args[i])
		if key == "" {
			continue
		}
		params[key] = strings.TrimSpace(args[i+1])
	}
	return params
}

// Set writes a local variable and mirrors it to the transport as a channel
// variable. It returns false when no live session exists for the channel,
// which callers treat as expected during the post-hangup grace window.
func (s *Store) Set(ctx context.Context, channelID, key, value string) bool {
	s.mu.Lock()
	rec, ok := s.sessions[channelID]
	if !ok || rec.dead {
		s.mu.Unlock()
		return false
	}
	rec.vars[key] = value
	mirror := !rec.ending
	s.mu.Unlock()

	if mirror && s.mirror != nil {
		if err := s.mirror.SetChannelVariable(ctx, channelID, key, value); err != nil {
			s.logger.Warn().Err(err).Str("channel", channelID).Str("key", key).Msg("mirror channel variable failed")
		}
	}
	return true
}

// Value reads a local variable. The second return is false when the session
// or key is unknown.
func (s *Store) Value(channelID, key string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.sessions[channelID]
	if !ok || rec.dead {
		return "", false
	}
	value, ok := rec.vars[key]
	return value, ok
}

// Meta returns the call metadata snapshot for a live session.
func (s *Store) Meta(channelID string) (CallMeta, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.sessions[channelID]
	if !ok || rec.dead {
		return CallMeta{}, false
	}
	return rec.meta, true
}

// Language returns the session's effective language, falling back to the
// configured default for unknown channels.
func (s *Store) Language(channelID string) string {
	if lang, ok := s.Value(channelID, KeyLanguage); ok && lang != "" {
		return lang
	}
	return s.defaultLanguage
}

// DefaultLanguage returns the configured default language.
func (s *Store) DefaultLanguage() string {
	return s.defaultLanguage
}

// ChannelVariable reads an Asterisk-side channel variable via the transport.
func (s *Store) ChannelVariable(ctx context.Context, channelID, key string) (string, error) {
	if s.mirror == nil {
		return "", ErrNoMirror
	}
	return s.mirror.GetChannelVariable(ctx, channelID, key)
}

// Destroy purges a session immediately.
func (s *Store) Destroy(channelID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.purgeLocked(channelID)
}

// DestroyAfter marks the session as ending and purges it once the grace
// delay elapses, tolerating late callbacks that still need the metadata.
func (s *Store) DestroyAfter(channelID string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.sessions[channelID]
	if !ok || rec.dead {
		return
	}
	rec.ending = true

	if timer, ok := s.timers[channelID]; ok {
		timer.Stop()
	}
	s.timers[channelID] = time.AfterFunc(s.cleanupDelay, func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		s.purgeLocked(channelID)
	})
}

// Len reports the number of live sessions.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sessions)
}

func (s *Store) purgeLocked(channelID string) {
	if timer, ok := s.timers[channelID]; ok {
		timer.Stop()
		delete(s.timers, channelID)
	}
	if rec, ok := s.sessions[channelID]; ok {
		rec.dead = true
		delete(s.sessions, channelID)
	}
}
