package discordvoice

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/latoulicious/voiceguard/pkg/voice"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeGateway struct {
	mu          sync.Mutex
	connections map[string]*discordgo.VoiceConnection
	joinErr     error
	joinDelay   time.Duration
	readyAfter  time.Duration
	leaveErr    error
	left        []string
	latency     time.Duration
}

func newFakeGateway() *fakeGateway {
	return &fakeGateway{connections: make(map[string]*discordgo.VoiceConnection)}
}

func (g *fakeGateway) JoinVoice(guildID, channelID string) (*discordgo.VoiceConnection, error) {
	g.mu.Lock()
	delay, readyAfter, joinErr := g.joinDelay, g.readyAfter, g.joinErr
	g.mu.Unlock()

	time.Sleep(delay)
	if joinErr != nil {
		return nil, joinErr
	}

	vc := &discordgo.VoiceConnection{GuildID: guildID, ChannelID: channelID}
	if readyAfter == 0 {
		vc.Ready = true
	} else {
		time.AfterFunc(readyAfter, func() {
			vc.Lock()
			vc.Ready = true
			vc.Unlock()
		})
	}

	g.mu.Lock()
	g.connections[guildID] = vc
	g.mu.Unlock()
	return vc, nil
}

func (g *fakeGateway) VoiceConnection(guildID string) (*discordgo.VoiceConnection, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	vc, ok := g.connections[guildID]
	return vc, ok
}

func (g *fakeGateway) LeaveVoice(vc *discordgo.VoiceConnection) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.left = append(g.left, vc.GuildID)
	delete(g.connections, vc.GuildID)
	return g.leaveErr
}

func (g *fakeGateway) HeartbeatLatency() time.Duration {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.latency
}

func (g *fakeGateway) leftGuilds() []string {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]string(nil), g.left...)
}

func newTestClient(g Gateway) *Client {
	c := NewClient(g, voice.NullLogger())
	c.pollInterval = 5 * time.Millisecond
	return c
}

func TestClient_ConnectReady(t *testing.T) {
	gw := newFakeGateway()
	gw.readyAfter = 20 * time.Millisecond
	gw.latency = 42 * time.Millisecond
	client := newTestClient(gw)

	handle, err := client.Connect(context.Background(), "g1", "c1")
	require.NoError(t, err)
	assert.Equal(t, "g1", handle.GuildID)
	assert.Equal(t, "c1", handle.ChannelID)
	assert.IsType(t, &discordgo.VoiceConnection{}, handle.Conn)

	assert.True(t, client.IsConnected("g1"))
	latency, ok := client.Latency("g1")
	assert.True(t, ok)
	assert.Equal(t, 42*time.Millisecond, latency)
}

func TestClient_ConnectJoinError(t *testing.T) {
	gw := newFakeGateway()
	gw.joinErr = errors.New("timeout waiting for voice")
	client := newTestClient(gw)

	_, err := client.Connect(context.Background(), "g1", "c1")
	assert.ErrorContains(t, err, "timeout waiting for voice")
	assert.False(t, client.IsConnected("g1"))
}

func TestClient_ConnectNeverReadyHonoursContext(t *testing.T) {
	gw := newFakeGateway()
	gw.readyAfter = time.Hour
	client := newTestClient(gw)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()

	_, err := client.Connect(ctx, "g1", "c1")
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, []string{"g1"}, gw.leftGuilds(), "half-open connection is torn down")
}

func TestClient_ConnectSlowJoinIsCleanedUp(t *testing.T) {
	gw := newFakeGateway()
	gw.joinDelay = 50 * time.Millisecond
	client := newTestClient(gw)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	_, err := client.Connect(ctx, "g1", "c1")
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	require.Eventually(t, func() bool {
		return len(gw.leftGuilds()) == 1
	}, time.Second, 5*time.Millisecond)
}

func TestClient_Disconnect(t *testing.T) {
	gw := newFakeGateway()
	client := newTestClient(gw)

	assert.NoError(t, client.Disconnect("missing", false))

	_, err := client.Connect(context.Background(), "g1", "c1")
	require.NoError(t, err)
	require.NoError(t, client.Disconnect("g1", false))
	assert.False(t, client.IsConnected("g1"))

	_, ok := client.Latency("g1")
	assert.False(t, ok)
}

func TestClient_DisconnectErrors(t *testing.T) {
	gw := newFakeGateway()
	client := newTestClient(gw)

	_, err := client.Connect(context.Background(), "g1", "c1")
	require.NoError(t, err)
	gw.mu.Lock()
	gw.leaveErr = errors.New("websocket already closed")
	gw.mu.Unlock()

	assert.Error(t, client.Disconnect("g1", false))

	_, err = client.Connect(context.Background(), "g2", "c1")
	require.NoError(t, err)
	assert.NoError(t, client.Disconnect("g2", true))
}

func TestClient_LatencyUnknown(t *testing.T) {
	gw := newFakeGateway()
	client := newTestClient(gw)

	_, err := client.Connect(context.Background(), "g1", "c1")
	require.NoError(t, err)

	_, ok := client.Latency("g1")
	assert.False(t, ok, "zero heartbeat latency means no sample yet")
}

func TestClient_LinkState(t *testing.T) {
	gw := newFakeGateway()
	client := newTestClient(gw)

	assert.Equal(t, voice.LinkDown, client.LinkState("g1"))

	_, err := client.Connect(context.Background(), "g1", "c1")
	require.NoError(t, err)
	assert.Equal(t, voice.LinkUp, client.LinkState("g1"))

	// discordgo clears Ready while it reconnects the voice websocket itself
	gw.mu.Lock()
	vc := gw.connections["g1"]
	gw.mu.Unlock()
	vc.Lock()
	vc.Ready = false
	vc.Unlock()

	assert.Equal(t, voice.LinkRecovering, client.LinkState("g1"))
	assert.False(t, client.IsConnected("g1"))

	require.NoError(t, client.Disconnect("g1", false))
	assert.Equal(t, voice.LinkDown, client.LinkState("g1"))
}

func TestFindUserVoiceChannel(t *testing.T) {
	state := discordgo.NewState()
	require.NoError(t, state.GuildAdd(&discordgo.Guild{
		ID: "g1",
		VoiceStates: []*discordgo.VoiceState{
			{GuildID: "g1", UserID: "u1", ChannelID: "c7"},
		},
	}))

	channelID, err := FindUserVoiceChannel(state, "g1", "u1")
	require.NoError(t, err)
	assert.Equal(t, "c7", channelID)

	_, err = FindUserVoiceChannel(state, "g1", "u2")
	assert.ErrorIs(t, err, ErrNoVoiceChannel)

	_, err = FindUserVoiceChannel(state, "missing", "u1")
	assert.Error(t, err)
}

var _ voice.VoiceClient = (*Client)(nil)
