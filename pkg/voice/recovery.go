package voice

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

// RecoveryOrchestrator runs connect attempts for guilds. Each guild has at
// most one attempt in flight; scheduling a new one cancels the previous.
type RecoveryOrchestrator struct {
	machine  *ConnectionStateMachine
	client   VoiceClient
	backoff  *BackoffCalculator
	profile  PolicyProfile
	sessions *SessionManager
	breaker  *CircuitBreaker
	tracker  *workTracker
	metrics  *Metrics
	logger   Logger

	callbacksMu sync.RWMutex
	callbacks   []RecoveryCallback
}

func newRecoveryOrchestrator(
	machine *ConnectionStateMachine,
	client VoiceClient,
	backoff *BackoffCalculator,
	profile PolicyProfile,
	tracker *workTracker,
	metrics *Metrics,
	logger Logger,
) *RecoveryOrchestrator {
	return &RecoveryOrchestrator{
		machine:  machine,
		client:   client,
		backoff:  backoff,
		profile:  profile,
		sessions: machine.sessions,
		breaker:  machine.breaker,
		tracker:  tracker,
		metrics:  metrics,
		logger:   logger.With(String("component", "recovery")),
	}
}

// RegisterCallback adds an observer invoked after every successful reconnect
func (ro *RecoveryOrchestrator) RegisterCallback(cb RecoveryCallback) {
	if cb == nil {
		return
	}
	ro.callbacksMu.Lock()
	defer ro.callbacksMu.Unlock()
	ro.callbacks = append(ro.callbacks, cb)
}

func (ro *RecoveryOrchestrator) dispatch(guildID, channelID string, attempt int, generation uint64) bool {
	return ro.tracker.GoGuild(guildID, func(ctx context.Context) {
		ro.Reconnect(ctx, guildID, channelID, attempt, generation)
	})
}

func (ro *RecoveryOrchestrator) cancel(guildID string) {
	ro.tracker.CancelGuild(guildID)
}

// Reconnect performs one connect attempt for the guild. Attempt 0 is the
// initial connect and does not wait; later attempts wait out the backoff first.
// The outcome is reported back to the state machine unless a newer attempt or
// a leave has superseded this one.
func (ro *RecoveryOrchestrator) Reconnect(ctx context.Context, guildID, channelID string, attempt int, generation uint64) {
	logger := ro.logger.With(String("guild_id", guildID), Int("attempt", attempt))

	if ro.breaker.IsOpen(guildID) {
		err := NewCircuitOpenError(guildID, ro.breaker.OpenUntil(guildID))
		logger.Warn("Skipping reconnect, circuit is open", Err(err))
		ro.machine.attemptFailed(guildID, generation, err, false)
		return
	}

	if attempt > 0 {
		delay := ro.backoff.Delay(attempt, ro.profile)
		ro.metrics.observeReconnectDelay(delay.Seconds())
		logger.Info("Waiting before reconnect", Duration("delay", delay))

		if err := SleepWithContext(ctx, delay); err != nil {
			logger.Debug("Reconnect cancelled during backoff", Err(err))
			return
		}
	}

	if !ro.machine.isCurrent(guildID, generation) {
		logger.Debug("Reconnect superseded before connecting")
		return
	}

	session, created := ro.sessions.EnsureSession(guildID)
	if created {
		logger.Info("Using new voice session", String("session_id", session.SessionID))
	}

	connectCtx, cancel := context.WithTimeout(ctx, ro.profile.ConnectionTimeout)
	handle, err := ro.client.Connect(connectCtx, guildID, channelID)
	timedOut := errors.Is(connectCtx.Err(), context.DeadlineExceeded)
	cancel()

	if err != nil {
		if ctx.Err() != nil {
			logger.Debug("Connect abandoned", Err(err))
			return
		}
		if timedOut && !errors.Is(err, context.DeadlineExceeded) {
			err = fmt.Errorf("connect timed out after %s: %w", ro.profile.ConnectionTimeout, context.DeadlineExceeded)
		}
		logger.Warn("Voice connect failed", String("channel_id", channelID), Err(err))
		ro.machine.attemptFailed(guildID, generation, err, true)
		return
	}

	applied, drop, reason := ro.machine.attemptSucceeded(guildID, generation, handle, attempt)
	if drop {
		logger.Info("Dropping connection that is no longer wanted")
		if derr := ro.client.Disconnect(guildID, false); derr != nil {
			logger.Warn("Failed to drop unwanted connection", Err(derr))
		}
		return
	}
	if !applied {
		return
	}

	logger.Info("Voice connect succeeded", String("channel_id", channelID))
	if attempt > 0 {
		ro.notify(guildID, reason)
	}
}

func (ro *RecoveryOrchestrator) notify(guildID, reason string) {
	ro.callbacksMu.RLock()
	callbacks := make([]RecoveryCallback, len(ro.callbacks))
	copy(callbacks, ro.callbacks)
	ro.callbacksMu.RUnlock()

	for _, cb := range callbacks {
		func() {
			defer func() {
				if r := recover(); r != nil {
					ro.logger.Error("Recovery callback panicked",
						String("guild_id", guildID),
						Any("panic", r))
				}
			}()
			cb(guildID, reason)
		}()
	}
}
