package voice

import (
	"os"
	"runtime"
	"strings"
	"sync"
	"time"

	"github.com/mattn/go-isatty"
)

// containerMarkers are files that only exist inside container runtimes
var containerMarkers = []string{"/.dockerenv", "/run/.containerenv"}

// cgroupHints mark PID 1 as running under a container runtime
var cgroupHints = []string{"docker", "kubepods", "containerd", "libpod"}

// ParseEnvironment converts a deployment type name to an Environment
func ParseEnvironment(name string) (Environment, bool) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "local", "development", "dev":
		return EnvironmentLocal, true
	case "docker", "container", "containerized":
		return EnvironmentDocker, true
	case "vps", "server", "production":
		return EnvironmentVPS, true
	default:
		return EnvironmentVPS, false
	}
}

// ProfileFor returns the policy profile of an environment class
func ProfileFor(env Environment) PolicyProfile {
	switch env {
	case EnvironmentLocal:
		return PolicyProfile{
			Environment:             EnvironmentLocal,
			MaxRetryAttempts:        5,
			BaseRetryDelay:          2 * time.Second,
			MaxRetryDelay:           30 * time.Second,
			ConnectionTimeout:       30 * time.Second,
			CircuitBreakerThreshold: 5,
			CircuitBreakerCooldown:  2 * time.Minute,
			HealthCheckInterval:     30 * time.Second,
			HighLatencyThreshold:    500 * time.Millisecond,
		}
	case EnvironmentDocker:
		return PolicyProfile{
			Environment:             EnvironmentDocker,
			MaxRetryAttempts:        4,
			BaseRetryDelay:          4 * time.Second,
			MaxRetryDelay:           45 * time.Second,
			ConnectionTimeout:       45 * time.Second,
			CircuitBreakerThreshold: 4,
			CircuitBreakerCooldown:  3 * time.Minute,
			HealthCheckInterval:     45 * time.Second,
			HighLatencyThreshold:    500 * time.Millisecond,
		}
	case EnvironmentVPS:
		// Discord refuses voice reconnects faster than ~6s, so the base delay stays above that.
		return PolicyProfile{
			Environment:             EnvironmentVPS,
			MaxRetryAttempts:        3,
			BaseRetryDelay:          8 * time.Second,
			MaxRetryDelay:           60 * time.Second,
			ConnectionTimeout:       60 * time.Second,
			CircuitBreakerThreshold: 3,
			CircuitBreakerCooldown:  5 * time.Minute,
			HealthCheckInterval:     60 * time.Second,
			HighLatencyThreshold:    500 * time.Millisecond,
		}
	default:
		return ProfileFor(EnvironmentVPS)
	}
}

// EnvironmentDetector classifies the host once and caches the resulting profile
type EnvironmentDetector struct {
	probe    HostProbe
	override string

	once    sync.Once
	env     Environment
	profile PolicyProfile
	reason  string
}

// NewEnvironmentDetector creates a detector. A non-empty override wins over every host signal.
func NewEnvironmentDetector(probe HostProbe, override string) *EnvironmentDetector {
	if probe == nil {
		probe = OSHostProbe{}
	}
	return &EnvironmentDetector{probe: probe, override: override}
}

// Detect returns the profile for this host. Detection runs only on the first call.
func (d *EnvironmentDetector) Detect() PolicyProfile {
	d.once.Do(func() {
		d.env, d.reason = d.classify()
		d.profile = ProfileFor(d.env)
	})
	return d.profile
}

// Environment returns the detected environment class
func (d *EnvironmentDetector) Environment() Environment {
	d.Detect()
	return d.env
}

// Reason returns which signal decided the environment
func (d *EnvironmentDetector) Reason() string {
	d.Detect()
	return d.reason
}

func (d *EnvironmentDetector) classify() (Environment, string) {
	if d.override != "" {
		if env, ok := ParseEnvironment(d.override); ok {
			return env, "config override"
		}
	}

	for _, key := range []string{"VOICE_DEPLOYMENT_TYPE", "DEPLOYMENT_TYPE"} {
		if val := d.probe.Getenv(key); val != "" {
			if env, ok := ParseEnvironment(val); ok {
				return env, key
			}
		}
	}

	for _, marker := range containerMarkers {
		if d.probe.FileExists(marker) {
			return EnvironmentDocker, "container marker " + marker
		}
	}
	if data, err := d.probe.ReadFile("/proc/1/cgroup"); err == nil {
		cgroup := string(data)
		for _, hint := range cgroupHints {
			if strings.Contains(cgroup, hint) {
				return EnvironmentDocker, "cgroup " + hint
			}
		}
	}

	switch d.probe.GOOS() {
	case "windows", "darwin":
		return EnvironmentLocal, "desktop os " + d.probe.GOOS()
	}

	hasDisplay := d.probe.Getenv("DISPLAY") != "" || d.probe.Getenv("WAYLAND_DISPLAY") != ""
	if hasDisplay && d.probe.IsInteractive() {
		return EnvironmentLocal, "interactive desktop session"
	}

	return EnvironmentVPS, "no local signals"
}

// OSHostProbe reads signals from the running process and filesystem
type OSHostProbe struct{}

func (OSHostProbe) Getenv(key string) string { return os.Getenv(key) }

func (OSHostProbe) GOOS() string { return runtime.GOOS }

func (OSHostProbe) FileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

func (OSHostProbe) ReadFile(path string) ([]byte, error) { return os.ReadFile(path) }

func (OSHostProbe) IsInteractive() bool {
	fd := os.Stdin.Fd()
	return isatty.IsTerminal(fd) || isatty.IsCygwinTerminal(fd)
}
