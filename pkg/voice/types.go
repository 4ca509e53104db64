package voice

import (
	"time"
)

// ConnectionState represents the current state of a guild's voice connection
type ConnectionState int

const (
	StateDisconnected ConnectionState = iota
	StateConnecting
	StateConnected
	StateReconnecting
	StateFailed
)

func (s ConnectionState) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateReconnecting:
		return "reconnecting"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// MarshalText lets states appear by name in exported JSON and YAML.
func (s ConnectionState) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// ParseConnectionState converts a state name back to its value
func ParseConnectionState(name string) (ConnectionState, bool) {
	for _, s := range []ConnectionState{StateDisconnected, StateConnecting, StateConnected, StateReconnecting, StateFailed} {
		if s.String() == name {
			return s, true
		}
	}
	return StateDisconnected, false
}

// canTransition reports whether a guild may move from one state to another.
func canTransition(from, to ConnectionState) bool {
	switch from {
	case StateDisconnected:
		return to == StateConnecting || to == StateConnected
	case StateConnecting:
		return to == StateConnected || to == StateReconnecting || to == StateFailed || to == StateDisconnected
	case StateConnected:
		return to == StateReconnecting || to == StateDisconnected || to == StateFailed
	case StateReconnecting:
		return to == StateConnected || to == StateReconnecting || to == StateFailed || to == StateDisconnected
	case StateFailed:
		return to == StateConnecting || to == StateDisconnected
	default:
		return false
	}
}

// EventType represents the kind of entry in a guild's connection event log
type EventType int

const (
	EventConnection EventType = iota
	EventDisconnection
	EventReconnection
	EventReconnectionFailed
	EventHealthCheck
	EventHealthCheckFailed
	EventChannelChange
)

func (e EventType) String() string {
	switch e {
	case EventConnection:
		return "connection"
	case EventDisconnection:
		return "disconnection"
	case EventReconnection:
		return "reconnection"
	case EventReconnectionFailed:
		return "reconnection_failed"
	case EventHealthCheck:
		return "health_check"
	case EventHealthCheckFailed:
		return "health_check_failed"
	case EventChannelChange:
		return "channel_change"
	default:
		return "unknown"
	}
}

// MarshalText lets event types appear by name in exported JSON.
func (e EventType) MarshalText() ([]byte, error) {
	return []byte(e.String()), nil
}

// Environment is the deployment class the process runs in
type Environment int

const (
	EnvironmentLocal Environment = iota
	EnvironmentDocker
	EnvironmentVPS
)

func (e Environment) String() string {
	switch e {
	case EnvironmentLocal:
		return "local"
	case EnvironmentDocker:
		return "docker"
	case EnvironmentVPS:
		return "vps"
	default:
		return "unknown"
	}
}

// MarshalText lets environments appear by name in exported JSON.
func (e Environment) MarshalText() ([]byte, error) {
	return []byte(e.String()), nil
}

// PolicyProfile holds the timing and threshold policy for one environment class.
// It is chosen once at startup and passed by value afterwards.
type PolicyProfile struct {
	Environment             Environment   `json:"environment"`
	MaxRetryAttempts        int           `json:"max_retry_attempts"`
	BaseRetryDelay          time.Duration `json:"base_retry_delay"`
	MaxRetryDelay           time.Duration `json:"max_retry_delay"`
	ConnectionTimeout       time.Duration `json:"connection_timeout"`
	CircuitBreakerThreshold int           `json:"circuit_breaker_threshold"`
	CircuitBreakerCooldown  time.Duration `json:"circuit_breaker_cooldown"`
	HealthCheckInterval     time.Duration `json:"health_check_interval"`
	HighLatencyThreshold    time.Duration `json:"high_latency_threshold"`
}

// GuildConnection is the connection record for one guild. It is owned by the
// state machine and only ever mutated under the guild's mutex; callers receive copies.
type GuildConnection struct {
	GuildID            string          `json:"guild_id"`
	State              ConnectionState `json:"state"`
	ChannelID          string          `json:"channel_id,omitempty"`
	Region             string          `json:"region,omitempty"`
	FailureCount       int             `json:"failure_count"`
	CircuitOpenUntil   *time.Time      `json:"circuit_open_until,omitempty"`
	RetryAttempt       int             `json:"retry_attempt"`
	LastConnectedAt    time.Time       `json:"last_connected_at"`
	LastDisconnectedAt time.Time       `json:"last_disconnected_at"`
	LatencyMillis      *int64          `json:"latency_ms,omitempty"`
}

// clone returns a copy that shares no pointers with the original
func (gc GuildConnection) clone() GuildConnection {
	out := gc
	if gc.CircuitOpenUntil != nil {
		t := *gc.CircuitOpenUntil
		out.CircuitOpenUntil = &t
	}
	if gc.LatencyMillis != nil {
		l := *gc.LatencyMillis
		out.LatencyMillis = &l
	}
	return out
}

// SessionRecord is the voice session identity held for a guild
type SessionRecord struct {
	SessionID string    `json:"session_id"`
	CreatedAt time.Time `json:"created_at"`
	Valid     bool      `json:"valid"`
}

// ConnectionEvent is one entry of a guild's bounded event log. Events are
// observational only and never read by control logic.
type ConnectionEvent struct {
	Timestamp     time.Time       `json:"timestamp"`
	GuildID       string          `json:"guild_id"`
	ChannelID     string          `json:"channel_id,omitempty"`
	Type          EventType       `json:"event_type"`
	OldState      ConnectionState `json:"old_state"`
	NewState      ConnectionState `json:"new_state"`
	Error         string          `json:"error,omitempty"`
	LatencyMillis *int64          `json:"latency_ms,omitempty"`
	Region        string          `json:"region,omitempty"`
}

// SessionHandle is what the voice client returns from a successful connect
type SessionHandle struct {
	GuildID   string
	ChannelID string
	Region    string

	// Conn is the transport's own connection object, opaque to this package.
	Conn interface{}
}

// ConnectionInfo is the per-guild view returned by Manager.GetConnectionInfo
type ConnectionInfo struct {
	GuildID            string          `json:"guild_id"`
	State              ConnectionState `json:"state"`
	ChannelID          string          `json:"channel_id,omitempty"`
	SessionID          string          `json:"session_id,omitempty"`
	SessionCreatedAt   *time.Time      `json:"session_created_at,omitempty"`
	SessionValid       bool            `json:"session_valid"`
	RetryAttempt       int             `json:"retry_attempt"`
	FailureCount       int             `json:"failure_count"`
	CircuitOpen        bool            `json:"circuit_open"`
	CircuitOpenUntil   *time.Time      `json:"circuit_open_until,omitempty"`
	LastConnectedAt    time.Time       `json:"last_connected_at"`
	LastDisconnectedAt time.Time       `json:"last_disconnected_at"`
	LatencyMillis      *int64          `json:"latency_ms,omitempty"`
}

// HealthStatus is the process-wide view returned by Manager.GetHealthStatus
type HealthStatus struct {
	Environment    Environment `json:"environment"`
	TotalGuilds    int         `json:"total_guilds"`
	Connected      int         `json:"connected"`
	Connecting     int         `json:"connecting"`
	Reconnecting   int         `json:"reconnecting"`
	Disconnected   int         `json:"disconnected"`
	Failed         int         `json:"failed"`
	OpenCircuits   int         `json:"open_circuits"`
	ConnectionRate float64     `json:"connection_rate"`
	Timestamp      time.Time   `json:"timestamp"`
}

// RecoveryCallback is invoked after a successful reconnect so dependent
// components can rebind to the new connection.
type RecoveryCallback func(guildID, reason string)
