package voice

import (
	"context"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"
)

// fakeClient is a scriptable VoiceClient
type fakeClient struct {
	mu           sync.Mutex
	connectCalls int
	connectErrs  []error
	failAlways   error
	block        bool
	connected    map[string]bool
	latency      map[string]time.Duration
	disconnects  []string
}

func newFakeClient() *fakeClient {
	return &fakeClient{
		connected: make(map[string]bool),
		latency:   make(map[string]time.Duration),
	}
}

func (f *fakeClient) Connect(ctx context.Context, guildID, channelID string) (*SessionHandle, error) {
	f.mu.Lock()
	f.connectCalls++
	var err error
	if len(f.connectErrs) > 0 {
		err = f.connectErrs[0]
		f.connectErrs = f.connectErrs[1:]
	} else if f.failAlways != nil {
		err = f.failAlways
	}
	block := f.block
	f.mu.Unlock()

	if block {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	if err != nil {
		return nil, err
	}

	f.mu.Lock()
	f.connected[guildID] = true
	f.mu.Unlock()

	return &SessionHandle{GuildID: guildID, ChannelID: channelID, Region: "rotterdam"}, nil
}

func (f *fakeClient) Disconnect(guildID string, force bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.connected[guildID] = false
	f.disconnects = append(f.disconnects, guildID)
	return nil
}

func (f *fakeClient) IsConnected(guildID string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connected[guildID]
}

func (f *fakeClient) Latency(guildID string) (time.Duration, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	l, ok := f.latency[guildID]
	return l, ok
}

func (f *fakeClient) calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connectCalls
}

func (f *fakeClient) setConnected(guildID string, connected bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.connected[guildID] = connected
}

func (f *fakeClient) setLatency(guildID string, latency time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.latency[guildID] = latency
}

func (f *fakeClient) setBlock(block bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.block = block
}

func (f *fakeClient) setFailAlways(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failAlways = err
}

// linkClient is a fakeClient whose transport reports link states
type linkClient struct {
	*fakeClient
	links map[string]LinkState
}

func newLinkClient() *linkClient {
	return &linkClient{fakeClient: newFakeClient(), links: make(map[string]LinkState)}
}

func (c *linkClient) LinkState(guildID string) LinkState {
	c.mu.Lock()
	defer c.mu.Unlock()
	if state, ok := c.links[guildID]; ok {
		return state
	}
	return LinkUp
}

func (c *linkClient) setLink(guildID string, state LinkState) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.links[guildID] = state
}

// testProfile retries quickly and keeps the health loop out of the way
func testProfile() PolicyProfile {
	return PolicyProfile{
		Environment:             EnvironmentLocal,
		MaxRetryAttempts:        3,
		BaseRetryDelay:          5 * time.Millisecond,
		MaxRetryDelay:           20 * time.Millisecond,
		ConnectionTimeout:       200 * time.Millisecond,
		CircuitBreakerThreshold: 3,
		CircuitBreakerCooldown:  time.Hour,
		HealthCheckInterval:     time.Hour,
		HighLatencyThreshold:    500 * time.Millisecond,
	}
}

// slowRetryProfile keeps scheduled retries parked in their backoff wait
func slowRetryProfile() PolicyProfile {
	p := testProfile()
	p.BaseRetryDelay = time.Hour
	p.MaxRetryDelay = 2 * time.Hour
	return p
}

func newTestManager(t *testing.T, client VoiceClient, profile PolicyProfile) *Manager {
	t.Helper()

	config := DefaultConfig()
	config.ShutdownGracePeriod = 2 * time.Second

	m, err := NewManager(config, client, NullLogger(),
		WithProfile(profile),
		WithRegisterer(prometheus.NewRegistry()),
		WithJitterSeed(1),
	)
	require.NoError(t, err)

	t.Cleanup(func() {
		_ = m.Shutdown(context.Background())
	})
	return m
}

func stateOf(m *Manager, guildID string) ConnectionState {
	info, _ := m.GetConnectionInfo(guildID)
	return info.State
}

func waitForState(t *testing.T, m *Manager, guildID string, want ConnectionState) {
	t.Helper()
	require.Eventually(t, func() bool {
		return stateOf(m, guildID) == want
	}, 2*time.Second, 5*time.Millisecond, "guild %s never reached %s (now %s)", guildID, want, stateOf(m, guildID))
}

func eventTypes(events []ConnectionEvent) []EventType {
	out := make([]EventType, 0, len(events))
	for _, e := range events {
		out = append(out, e.Type)
	}
	return out
}

// staticProbe returns fixed host signals
type staticProbe struct {
	env         map[string]string
	goos        string
	files       map[string]bool
	contents    map[string]string
	interactive bool
}

func (p staticProbe) Getenv(key string) string { return p.env[key] }

func (p staticProbe) GOOS() string {
	if p.goos == "" {
		return "linux"
	}
	return p.goos
}

func (p staticProbe) FileExists(path string) bool { return p.files[path] }

func (p staticProbe) ReadFile(path string) ([]byte, error) {
	if c, ok := p.contents[path]; ok {
		return []byte(c), nil
	}
	return nil, os.ErrNotExist
}

func (p staticProbe) IsInteractive() bool { return p.interactive }
