package voice

import (
	"context"
	"time"
)

// VoiceClient is the real-time voice transport the manager drives. Connect must
// honour ctx: the manager bounds every call with the profile's ConnectionTimeout.
type VoiceClient interface {
	Connect(ctx context.Context, guildID, channelID string) (*SessionHandle, error)
	Disconnect(guildID string, force bool) error
	IsConnected(guildID string) bool
	Latency(guildID string) (time.Duration, bool)
}

// LinkState is a client's view of one guild's transport connection
type LinkState int

const (
	// LinkUp is a connection ready to carry audio
	LinkUp LinkState = iota
	// LinkRecovering is a connection the transport is re-establishing by itself
	LinkRecovering
	// LinkDown means the transport holds no connection for the guild
	LinkDown
)

// LinkStateReporter is implemented by clients whose transport reconnects on
// its own. The health monitor leaves a recovering link to the transport for a
// few checks before starting a recovery of its own.
type LinkStateReporter interface {
	LinkState(guildID string) LinkState
}

// Logger defines the interface for structured logging
type Logger interface {
	Debug(msg string, fields ...Field)
	Info(msg string, fields ...Field)
	Warn(msg string, fields ...Field)
	Error(msg string, fields ...Field)
	Fatal(msg string, fields ...Field)
	With(fields ...Field) Logger
}

// StatsSink receives exported statistics
type StatsSink interface {
	WriteStats(ctx context.Context, export *StatsExport) error
}

// HostProbe exposes the host signals the environment detector reads
type HostProbe interface {
	Getenv(key string) string
	GOOS() string
	FileExists(path string) bool
	ReadFile(path string) ([]byte, error)
	IsInteractive() bool
}
