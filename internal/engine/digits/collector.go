// Package digits accumulates telephony digit events per channel. Each listen
// request opens one episode under a single collection policy; starting a new
// episode on a channel cancels the previous episode and its pending timer.
package digits

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Policy selects how an episode decides it is complete.
type Policy string

const (
	// PolicySingle completes on the first digit received.
	PolicySingle Policy = "single"
	// PolicyFixedLength completes when the buffer reaches the required count.
	PolicyFixedLength Policy = "fixedLength"
	// PolicyInterDigitTimeout completes when no further digit arrives within
	// the configured interval after the last one.
	PolicyInterDigitTimeout Policy = "multiDigit"
)

// ListenSpec describes one input episode.
type ListenSpec struct {
	// Event is the caller-chosen name carried on the completion result.
	Event string
	// Policy selects the collection policy.
	Policy Policy
	// Length is the required digit count for PolicyFixedLength.
	Length int
	// Timeout is the inter-digit interval for PolicyInterDigitTimeout.
	Timeout time.Duration
}

// Validate checks policy-specific requirements.
func (s ListenSpec) Validate() error {
	if strings.TrimSpace(s.Event) == "" {
		return fmt.Errorf("event name is required")
	}
	switch s.Policy {
	case PolicySingle:
	case PolicyFixedLength:
		if s.Length <= 0 {
			return fmt.Errorf("fixed-length policy requires length > 0")
		}
	case PolicyInterDigitTimeout:
		if s.Timeout <= 0 {
			return fmt.Errorf("inter-digit-timeout policy requires timeout > 0")
		}
	default:
		return fmt.Errorf("unsupported policy %q", s.Policy)
	}
	return nil
}

// Result is the single completion event emitted for an episode.
type Result struct {
	Event   string
	Policy  Policy
	Digit   string // PolicySingle
	Digits  string // PolicyFixedLength, PolicyInterDigitTimeout
	Length  int
	Timeout time.Duration
}

type episode struct {
	spec    ListenSpec
	buf     []string
	timer   *time.Timer
	gen     uint64
	started time.Time
}

// Collector owns the listen episodes for all channels and emits completion
// results to a single registered sink.
type Collector struct {
	emit   func(channelID string, result Result)
	logger zerolog.Logger

	mu       sync.Mutex
	episodes map[string]*episode
	gen      uint64
}

// NewCollector constructs a collector delivering completions to emit.
func NewCollector(emit func(channelID string, result Result), logger zerolog.Logger) *Collector {
	return &Collector{
		emit:     emit,
		logger:   logger.With().Str("component", "digits").Logger(),
		episodes: make(map[string]*episode),
	}
}

// Listen opens a new episode for the channel, cancelling any previous one.
// Calling it twice is re-entrant-safe: the first registration is dropped, the
// two never run together.
func (c *Collector) Listen(channelID string, spec ListenSpec) error {
	if strings.TrimSpace(channelID) == "" {
		return fmt.Errorf("channel id is required")
	}
	if err := spec.Validate(); err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	c.dropLocked(channelID)
	c.gen++
	c.episodes[channelID] = &episode{
		spec:    spec,
		gen:     c.gen,
		started: time.Now(),
	}
	return nil
}

// Stop cancels the channel's episode, if any, without emitting a result.
func (c *Collector) Stop(channelID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.dropLocked(channelID)
}

// Listening reports whether the channel has an open episode.
func (c *Collector) Listening(channelID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.episodes[channelID]
	return ok
}

// HandleDigit feeds one received digit into the channel's episode. Digits on
// channels with no open episode are ignored.
func (c *Collector) HandleDigit(channelID, digit string) {
	c.mu.Lock()

	ep, ok := c.episodes[channelID]
	if !ok {
		c.mu.Unlock()
		return
	}
	ep.buf = append(ep.buf, digit)

	switch ep.spec.Policy {
	case PolicySingle:
		result := Result{
			Event:  ep.spec.Event,
			Policy: PolicySingle,
			Digit:  digit,
		}
		c.dropLocked(channelID)
		c.mu.Unlock()
		c.emit(channelID, result)
		return

	case PolicyFixedLength:
		if len(ep.buf) >= ep.spec.Length {
			result := Result{
				Event:  ep.spec.Event,
				Policy: PolicyFixedLength,
				Digits: strings.Join(ep.buf, ""),
				Length: ep.spec.Length,
			}
			c.dropLocked(channelID)
			c.mu.Unlock()
			c.emit(channelID, result)
			return
		}
		c.mu.Unlock()
		return

	case PolicyInterDigitTimeout:
		// Each digit resets the completion timer.
		if ep.timer != nil {
			ep.timer.Stop()
		}
		gen := ep.gen
		ep.timer = time.AfterFunc(ep.spec.Timeout, func() {
			c.fireTimeout(channelID, gen)
		})
		c.mu.Unlock()
		return
	}
	c.mu.Unlock()
}

// fireTimeout completes an inter-digit-timeout episode if it is still the
// one the timer was armed for.
func (c *Collector) fireTimeout(channelID string, gen uint64) {
	c.mu.Lock()
	ep, ok := c.episodes[channelID]
	if !ok || ep.gen != gen {
		c.mu.Unlock()
		return
	}
	result := Result{
		Event:   ep.spec.Event,
		Policy:  PolicyInterDigitTimeout,
		Digits:  strings.Join(ep.buf, ""),
		Timeout: ep.spec.Timeout,
	}
	c.dropLocked(channelID)
	c.mu.Unlock()
	c.emit(channelID, result)
}

func (c *Collector) dropLocked(channelID string) {
	ep, ok := c.episodes[channelID]
	if !ok {
		return
	}
	if ep.timer != nil {
		ep.timer.Stop()
	}
	delete(c.episodes, channelID)
}
