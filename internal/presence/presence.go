package presence

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/latoulicious/voiceguard/pkg/voice"
)

// StatusUpdater sets the bot's presence. *discordgo.Session satisfies it.
type StatusUpdater interface {
	UpdateStatusComplex(usd discordgo.UpdateStatusData) error
}

// HealthSource reports voice health. *voice.Manager satisfies it.
type HealthSource interface {
	GetHealthStatus() voice.HealthStatus
}

// PresenceManager keeps the bot's presence in line with its voice health
type PresenceManager struct {
	updater  StatusUpdater
	health   HealthSource
	interval time.Duration
	logger   voice.Logger

	mu      sync.RWMutex
	current string
}

// NewPresenceManager creates a presence manager refreshing every interval
func NewPresenceManager(updater StatusUpdater, health HealthSource, interval time.Duration, logger voice.Logger) *PresenceManager {
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	if logger == nil {
		logger = voice.NullLogger()
	}
	return &PresenceManager{
		updater:  updater,
		health:   health,
		interval: interval,
		logger:   logger.With(voice.String("component", "presence")),
	}
}

// activityFor renders a health status as a presence
func activityFor(status voice.HealthStatus) discordgo.UpdateStatusData {
	state := "all voice links healthy"
	online := "online"
	switch {
	case status.Failed > 0 || status.OpenCircuits > 0:
		state = fmt.Sprintf("%d failed, %d circuits open", status.Failed, status.OpenCircuits)
		online = "dnd"
	case status.Reconnecting > 0:
		state = fmt.Sprintf("%d reconnecting", status.Reconnecting)
		online = "idle"
	}

	return discordgo.UpdateStatusData{
		Status: online,
		Activities: []*discordgo.Activity{
			{
				Name:  fmt.Sprintf("%d voice channels", status.Connected),
				Type:  discordgo.ActivityTypeWatching,
				State: state,
			},
		},
	}
}

// Update pushes the current health to the bot's presence, skipping unchanged updates
func (pm *PresenceManager) Update() error {
	data := activityFor(pm.health.GetHealthStatus())
	key := data.Status + "|" + data.Activities[0].Name + "|" + data.Activities[0].State

	pm.mu.RLock()
	unchanged := key == pm.current
	pm.mu.RUnlock()
	if unchanged {
		return nil
	}

	if err := pm.updater.UpdateStatusComplex(data); err != nil {
		return fmt.Errorf("failed to update bot presence: %w", err)
	}

	pm.mu.Lock()
	pm.current = key
	pm.mu.Unlock()
	return nil
}

// Current returns the last presence that was applied
func (pm *PresenceManager) Current() string {
	pm.mu.RLock()
	defer pm.mu.RUnlock()
	return pm.current
}

// Serve refreshes the presence until ctx ends. It satisfies suture.Service.
func (pm *PresenceManager) Serve(ctx context.Context) error {
	ticker := time.NewTicker(pm.interval)
	defer ticker.Stop()

	for {
		if err := pm.Update(); err != nil {
			pm.logger.Warn("Presence update failed", voice.Err(err))
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

func (pm *PresenceManager) String() string {
	return "presence-updater"
}
