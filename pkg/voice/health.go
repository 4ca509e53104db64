package voice

import (
	"context"
	"errors"
	"sync"
	"time"
)

// errConnectionDead is the cause attached to connections a health check finds dead
var errConnectionDead = errors.New("voice connection reported dead by health check")

// DefaultRecoveringChecks is how many consecutive checks may find a link
// recovering before the monitor treats it as dead
const DefaultRecoveringChecks = 3

// HealthMonitor periodically checks every connected guild. Checks for
// different guilds run concurrently and never wait on recovery.
type HealthMonitor struct {
	machine   *ConnectionStateMachine
	client    VoiceClient
	tracker   *workTracker
	metrics   *Metrics
	logger    Logger
	interval  time.Duration
	threshold time.Duration

	links            LinkStateReporter
	recoveringChecks int
	mu               sync.Mutex
	recovering       map[string]int
}

func newHealthMonitor(machine *ConnectionStateMachine, client VoiceClient, tracker *workTracker, profile PolicyProfile, metrics *Metrics, logger Logger) *HealthMonitor {
	links, _ := client.(LinkStateReporter)
	return &HealthMonitor{
		machine:          machine,
		client:           client,
		tracker:          tracker,
		metrics:          metrics,
		logger:           logger.With(String("component", "health_monitor")),
		interval:         profile.HealthCheckInterval,
		threshold:        profile.HighLatencyThreshold,
		links:            links,
		recoveringChecks: DefaultRecoveringChecks,
		recovering:       make(map[string]int),
	}
}

// Serve runs the check loop until ctx is done
func (hm *HealthMonitor) Serve(ctx context.Context) error {
	hm.logger.Info("Starting voice health monitor", Duration("interval", hm.interval))

	ticker := time.NewTicker(hm.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			hm.logger.Debug("Voice health monitor stopped")
			return ctx.Err()
		case <-ticker.C:
			hm.CheckNow(ctx)
		}
	}
}

// String names the service for supervisors
func (hm *HealthMonitor) String() string {
	return "voice-health-monitor"
}

// CheckNow starts a check for every connected guild and returns how many were started
func (hm *HealthMonitor) CheckNow(ctx context.Context) int {
	if ctx.Err() != nil {
		return 0
	}

	started := 0
	for _, guildID := range hm.machine.connectedGuilds() {
		guildID := guildID
		if hm.tracker.Go(func(context.Context) { hm.checkGuild(guildID) }) {
			started++
		}
	}
	if started > 0 {
		hm.logger.Debug("Dispatched voice health checks", Int("guilds", started))
	}
	return started
}

// linkState returns the guild's link as the monitor should act on it. A link
// seen recovering on recoveringChecks consecutive checks is reported down.
func (hm *HealthMonitor) linkState(guildID string) (LinkState, int) {
	if hm.links == nil {
		if hm.client.IsConnected(guildID) {
			return LinkUp, 0
		}
		return LinkDown, 0
	}

	state := hm.links.LinkState(guildID)

	hm.mu.Lock()
	defer hm.mu.Unlock()
	if state != LinkRecovering {
		delete(hm.recovering, guildID)
		return state, 0
	}
	hm.recovering[guildID]++
	seen := hm.recovering[guildID]
	if seen >= hm.recoveringChecks {
		delete(hm.recovering, guildID)
		return LinkDown, seen
	}
	return LinkRecovering, seen
}

func (hm *HealthMonitor) checkGuild(guildID string) {
	state, seen := hm.linkState(guildID)
	switch state {
	case LinkRecovering:
		hm.metrics.observeHealthCheck(guildID, "recovering", -1)
		hm.logger.Debug("Voice transport is reconnecting, skipping health check",
			String("guild_id", guildID),
			Int("checks", seen))
		return
	case LinkDown:
		err := NewTransientTransportError(guildID, errConnectionDead)
		hm.metrics.observeHealthCheck(guildID, "dead", -1)
		hm.logger.Warn("Health check found dead voice connection",
			String("guild_id", guildID),
			Int("recovering_checks", seen))
		hm.machine.recordHealthFailure(guildID, err)
		return
	case LinkUp:
	}

	latency, ok := hm.client.Latency(guildID)
	if !ok {
		hm.metrics.observeHealthCheck(guildID, "ok", -1)
		return
	}

	high := latency > hm.threshold
	hm.machine.recordLatency(guildID, latency, high)

	if high {
		hm.metrics.observeHealthCheck(guildID, "high_latency", latency.Seconds())
		hm.logger.Warn("High voice latency",
			String("guild_id", guildID),
			Duration("latency", latency),
			Duration("threshold", hm.threshold))
		return
	}
	hm.metrics.observeHealthCheck(guildID, "ok", latency.Seconds())
}
