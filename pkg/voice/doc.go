// Package voice keeps a Discord bot's per-guild voice connections alive across
// transient network failures, gateway-issued disconnects and unstable hosts.
//
// # Core Components
//
//   - Manager: entry point; owns every component below and the per-guild registry
//   - EnvironmentDetector: classifies the host (local, docker, vps) once and picks a PolicyProfile
//   - BackoffCalculator: exponential retry delay with bounded jitter
//   - CircuitBreaker: per-guild consecutive failure counter with open/closed state
//   - SessionManager: per-guild session identity (create, validate, invalidate)
//   - ErrorClassifier: maps close codes and transport errors to a retry decision
//   - ConnectionStateMachine: per-guild state and transition logic
//   - RecoveryOrchestrator: sequences a reconnect attempt against the VoiceClient
//   - HealthMonitor: periodic liveness and latency scan over connected guilds
//   - StatsAggregator: bounded per-guild event log and counters
//
// # Usage Example
//
//	config := voice.DefaultConfig()
//	config.LoadFromEnvironment()
//
//	logger := voice.NewZerologLogger(config.Logging)
//
//	manager, err := voice.NewManager(config, client, logger)
//	if err != nil {
//		log.Fatal(err)
//	}
//	manager.Start()
//	defer manager.Shutdown(context.Background())
//
//	manager.RegisterRecoveryCallback(func(guildID, reason string) {
//		// rebind playback to the new voice connection
//	})
//
//	if err := manager.RequestConnect(guildID, channelID); err != nil {
//		// circuit open, or a connect is already in flight
//	}
//
// # States
//
// A guild moves DISCONNECTED -> CONNECTING -> CONNECTED. A transport error moves a
// connected guild to RECONNECTING, which ends in CONNECTED or FAILED. FAILED is left
// only through an explicit RequestConnect.
//
// # Thread Safety
//
// Every mutation of a guild's connection happens under that guild's own mutex.
// Recovery and health checks run as independent goroutines per guild, so one slow
// guild never delays another.
package voice
