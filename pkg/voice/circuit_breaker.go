package voice

import (
	"errors"
	"sync"
	"time"

	gobreaker "github.com/sony/gobreaker/v2"
)

// guildBreaker pairs a gobreaker instance with the bookkeeping it does not expose.
// gobreaker clears its counts on every generation, so consecutive failures are
// tracked here as well.
type guildBreaker struct {
	cb       *gobreaker.TwoStepCircuitBreaker[struct{}]
	failures int
	openedAt time.Time
}

// CircuitBreaker tracks consecutive connect failures per guild and refuses
// further attempts once a guild reaches the profile's threshold. After the
// cooldown the guild's breaker goes half-open and admits one trial attempt.
type CircuitBreaker struct {
	mu       sync.Mutex
	breakers map[string]*guildBreaker

	threshold int
	cooldown  time.Duration
	logger    Logger
	metrics   *Metrics
}

// NewCircuitBreaker creates a breaker registry for the given profile
func NewCircuitBreaker(profile PolicyProfile, logger Logger, metrics *Metrics) *CircuitBreaker {
	if logger == nil {
		logger = NullLogger()
	}
	cooldown := profile.CircuitBreakerCooldown
	if cooldown <= 0 {
		cooldown = ProfileFor(profile.Environment).CircuitBreakerCooldown
	}
	threshold := profile.CircuitBreakerThreshold
	if threshold <= 0 {
		threshold = 1
	}
	return &CircuitBreaker{
		breakers:  make(map[string]*guildBreaker),
		threshold: threshold,
		cooldown:  cooldown,
		logger:    logger.With(String("component", "circuit_breaker")),
		metrics:   metrics,
	}
}

// newGuildBreaker must be called with c.mu held. OnStateChange fires from
// inside gobreaker calls that are themselves made under c.mu, so it must not lock.
func (c *CircuitBreaker) newGuildBreaker(guildID string) *guildBreaker {
	gb := &guildBreaker{}
	threshold := uint32(c.threshold)

	gb.cb = gobreaker.NewTwoStepCircuitBreaker[struct{}](gobreaker.Settings{
		Name:        "voice-" + guildID,
		MaxRequests: 1,
		Timeout:     c.cooldown,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= threshold
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			if to == gobreaker.StateOpen {
				gb.openedAt = time.Now()
			}
			c.logger.Info("Circuit breaker state transition",
				String("guild_id", guildID),
				String("from", breakerStateToString(from)),
				String("to", breakerStateToString(to)))
			c.metrics.observeBreakerTransition(guildID, from, to)
		},
	})
	return gb
}

func (c *CircuitBreaker) get(guildID string) *guildBreaker {
	gb, ok := c.breakers[guildID]
	if !ok {
		gb = c.newGuildBreaker(guildID)
		c.breakers[guildID] = gb
	}
	return gb
}

// RecordFailure counts one failed attempt for the guild and reports whether
// the circuit is open afterwards.
func (c *CircuitBreaker) RecordFailure(guildID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	gb := c.get(guildID)
	gb.failures++
	c.metrics.observeBreakerFailures(guildID, gb.failures)

	done, err := gb.cb.Allow()
	if err != nil {
		// Already open, or a half-open trial is outstanding.
		if !errors.Is(err, gobreaker.ErrOpenState) && !errors.Is(err, gobreaker.ErrTooManyRequests) {
			c.logger.Warn("Unexpected circuit breaker error", String("guild_id", guildID), Err(err))
		}
		return gb.cb.State() == gobreaker.StateOpen
	}
	done(false)

	open := gb.cb.State() == gobreaker.StateOpen
	if open {
		c.logger.Warn("Circuit breaker opened",
			String("guild_id", guildID),
			Int("failures", gb.failures),
			Duration("cooldown", c.cooldown))
	}
	return open
}

// RecordSuccess closes the guild's circuit and clears its failure count
func (c *CircuitBreaker) RecordSuccess(guildID string) {
	c.reset(guildID, "success")
}

// Reset forgets all failures for a guild
func (c *CircuitBreaker) Reset(guildID string) {
	c.reset(guildID, "reset")
}

func (c *CircuitBreaker) reset(guildID, reason string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	old, existed := c.breakers[guildID]
	c.breakers[guildID] = c.newGuildBreaker(guildID)
	c.metrics.observeBreakerReset(guildID)

	if existed && old.failures > 0 {
		c.logger.Debug("Circuit breaker cleared",
			String("guild_id", guildID),
			String("reason", reason),
			Int("previous_failures", old.failures))
	}
}

// IsOpen reports whether attempts for the guild are currently refused. Once
// the cooldown passes the breaker is half-open and this returns false.
func (c *CircuitBreaker) IsOpen(guildID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	gb, ok := c.breakers[guildID]
	if !ok {
		return false
	}
	return gb.cb.State() == gobreaker.StateOpen
}

// OpenUntil returns when the guild's open circuit will admit a trial attempt,
// or nil if the circuit is not open.
func (c *CircuitBreaker) OpenUntil(guildID string) *time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()

	gb, ok := c.breakers[guildID]
	if !ok || gb.cb.State() != gobreaker.StateOpen {
		return nil
	}
	until := gb.openedAt.Add(c.cooldown)
	return &until
}

// Failures returns the consecutive failures recorded since the last success or reset
func (c *CircuitBreaker) Failures(guildID string) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	if gb, ok := c.breakers[guildID]; ok {
		return gb.failures
	}
	return 0
}

// OpenCount returns how many guilds currently have an open circuit
func (c *CircuitBreaker) OpenCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	count := 0
	for _, gb := range c.breakers {
		if gb.cb.State() == gobreaker.StateOpen {
			count++
		}
	}
	return count
}
