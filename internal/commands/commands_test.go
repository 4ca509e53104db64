package commands

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/latoulicious/voiceguard/pkg/cron"
	"github.com/latoulicious/voiceguard/pkg/discordvoice"
	"github.com/latoulicious/voiceguard/pkg/voice"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeVoice struct {
	connectErr error
	leaveErr   error
	infos      map[string]voice.ConnectionInfo
	health     voice.HealthStatus

	connects []string
	leaves   []string
	resets   []string
}

func (f *fakeVoice) RequestConnect(guildID, channelID string) error {
	f.connects = append(f.connects, guildID+"/"+channelID)
	return f.connectErr
}

func (f *fakeVoice) Leave(guildID string) error {
	f.leaves = append(f.leaves, guildID)
	return f.leaveErr
}

func (f *fakeVoice) GetConnectionInfo(guildID string) (voice.ConnectionInfo, bool) {
	info, ok := f.infos[guildID]
	return info, ok
}

func (f *fakeVoice) GetHealthStatus() voice.HealthStatus { return f.health }
func (f *fakeVoice) ResetCircuit(guildID string)         { f.resets = append(f.resets, guildID) }
func (f *fakeVoice) GetUptime() time.Duration            { return 90 * time.Minute }

type fakeMessenger struct {
	mu       sync.Mutex
	messages []string
	embeds   []*discordgo.MessageEmbed
}

func (f *fakeMessenger) ChannelMessageSend(channelID, content string, options ...discordgo.RequestOption) (*discordgo.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.messages = append(f.messages, content)
	return &discordgo.Message{ChannelID: channelID, Content: content}, nil
}

func (f *fakeMessenger) ChannelMessageSendEmbed(channelID string, embed *discordgo.MessageEmbed, options ...discordgo.RequestOption) (*discordgo.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.embeds = append(f.embeds, embed)
	return &discordgo.Message{ChannelID: channelID}, nil
}

func (f *fakeMessenger) last() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.messages) == 0 {
		return ""
	}
	return f.messages[len(f.messages)-1]
}

type fakeExports struct {
	err   error
	stats cron.RunStats
}

func (f *fakeExports) RunNow() error {
	f.stats.Runs++
	return f.err
}
func (f *fakeExports) NextRun() time.Time   { return time.Time{} }
func (f *fakeExports) Stats() cron.RunStats { return f.stats }

func message(guildID, authorID string) *discordgo.MessageCreate {
	return &discordgo.MessageCreate{Message: &discordgo.Message{
		ChannelID: "text1",
		GuildID:   guildID,
		Author:    &discordgo.User{ID: authorID},
	}}
}

func inChannel(channelID string) ChannelLocator {
	return func(guildID, userID string) (string, error) { return channelID, nil }
}

func TestJoinCommand(t *testing.T) {
	vc := &fakeVoice{}
	msgs := &fakeMessenger{}
	cmds := New(vc, msgs, inChannel("v1"), nil, "owner", nil)

	cmds.JoinCommand(message("g1", "u1"), nil)
	assert.Equal(t, []string{"g1/v1"}, vc.connects)
	assert.Contains(t, msgs.last(), "Joining <#v1>")
}

func TestJoinCommand_NotInVoice(t *testing.T) {
	vc := &fakeVoice{}
	msgs := &fakeMessenger{}
	locate := func(guildID, userID string) (string, error) { return "", discordvoice.ErrNoVoiceChannel }
	cmds := New(vc, msgs, locate, nil, "", nil)

	cmds.JoinCommand(message("g1", "u1"), nil)
	assert.Empty(t, vc.connects)
	assert.Contains(t, msgs.last(), "must be in a voice channel")
}

func TestJoinCommand_ErrorReplies(t *testing.T) {
	openUntil := time.Now().Add(2 * time.Minute)
	tests := []struct {
		name string
		err  error
		want string
	}{
		{"in progress", voice.ErrConnectInProgress, "Already connecting"},
		{"other channel", voice.ErrAlreadyConnected, "another channel"},
		{"circuit open", voice.NewCircuitOpenError("g1", &openUntil), "Try again in"},
		{"other", errors.New("boom"), "Failed to join voice channel: boom"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			vc := &fakeVoice{
				connectErr: tt.err,
				infos: map[string]voice.ConnectionInfo{
					"g1": {GuildID: "g1", State: voice.StateFailed, CircuitOpen: true, CircuitOpenUntil: &openUntil},
				},
			}
			msgs := &fakeMessenger{}
			New(vc, msgs, inChannel("v1"), nil, "", nil).JoinCommand(message("g1", "u1"), nil)
			assert.Contains(t, msgs.last(), tt.want)
		})
	}
}

func TestLeaveCommand(t *testing.T) {
	vc := &fakeVoice{infos: map[string]voice.ConnectionInfo{
		"g1": {GuildID: "g1", State: voice.StateConnected, ChannelID: "v1"},
		"g2": {GuildID: "g2", State: voice.StateDisconnected},
	}}
	msgs := &fakeMessenger{}
	cmds := New(vc, msgs, inChannel("v1"), nil, "", nil)

	cmds.LeaveCommand(message("g1", "u1"), nil)
	assert.Equal(t, []string{"g1"}, vc.leaves)
	assert.Contains(t, msgs.last(), "Left the voice channel")

	cmds.LeaveCommand(message("g2", "u1"), nil)
	assert.Equal(t, []string{"g1"}, vc.leaves)
	assert.Contains(t, msgs.last(), "not in a voice channel")

	vc.leaveErr = errors.New("already closed")
	cmds.LeaveCommand(message("g1", "u1"), nil)
	assert.Contains(t, msgs.last(), "already closed")
}

func TestVoiceStatusCommand(t *testing.T) {
	latency := int64(87)
	vc := &fakeVoice{infos: map[string]voice.ConnectionInfo{
		"g1": {
			GuildID:         "g1",
			State:           voice.StateConnected,
			ChannelID:       "v1",
			SessionID:       "5f0c2d1e-aaaa-bbbb-cccc-000000000000",
			SessionValid:    true,
			LatencyMillis:   &latency,
			LastConnectedAt: time.Now(),
		},
	}}
	msgs := &fakeMessenger{}
	cmds := New(vc, msgs, inChannel("v1"), nil, "", nil)

	cmds.VoiceStatusCommand(message("g1", "u1"), nil)
	require.Len(t, msgs.embeds, 1)
	embed := msgs.embeds[0]
	assert.Equal(t, 0x2ecc71, embed.Color)

	values := make(map[string]string)
	for _, f := range embed.Fields {
		values[f.Name] = f.Value
	}
	assert.Equal(t, "CONNECTED", values["State"])
	assert.Equal(t, "<#v1>", values["Channel"])
	assert.Equal(t, "87ms", values["Latency"])
	assert.Equal(t, "5f0c2d1e", values["Session"])
	assert.Contains(t, values, "Last connected")

	cmds.VoiceStatusCommand(message("g9", "u1"), nil)
	assert.Contains(t, msgs.last(), "No voice connection")
}

func TestConnectionEmbed_OpenCircuit(t *testing.T) {
	now := time.Now()
	until := now.Add(30 * time.Second)
	embed := connectionEmbed(voice.ConnectionInfo{
		State:            voice.StateFailed,
		FailureCount:     5,
		CircuitOpen:      true,
		CircuitOpenUntil: &until,
		SessionID:        "abc",
	}, now)

	assert.Equal(t, 0xe74c3c, embed.Color)
	last := embed.Fields[len(embed.Fields)-1]
	assert.Equal(t, "Circuit breaker", last.Name)
	assert.Equal(t, "Open for another 30s", last.Value)
	assert.Equal(t, "abc (invalid)", embed.Fields[5].Value)
}

func TestHealthCommand(t *testing.T) {
	vc := &fakeVoice{health: voice.HealthStatus{
		Environment:    voice.EnvironmentDocker,
		TotalGuilds:    3,
		Connected:      2,
		Reconnecting:   1,
		ConnectionRate: 2.0 / 3.0,
		Timestamp:      time.Now(),
	}}
	msgs := &fakeMessenger{}
	New(vc, msgs, inChannel("v1"), nil, "", nil).HealthCommand(message("g1", "u1"), nil)

	require.Len(t, msgs.embeds, 1)
	embed := msgs.embeds[0]
	assert.Equal(t, 0xf1c40f, embed.Color)
	assert.Contains(t, embed.Description, "**3** guilds")
	assert.Contains(t, embed.Description, "docker")
	assert.Equal(t, "67%", embed.Fields[2].Value)
	assert.Equal(t, "1h30m0s", embed.Fields[3].Value)
}

func TestUtilityCommand_OwnerOnly(t *testing.T) {
	vc := &fakeVoice{}
	msgs := &fakeMessenger{}
	exports := &fakeExports{}
	cmds := New(vc, msgs, inChannel("v1"), exports, "owner", nil)

	cmds.UtilityCommand(message("g1", "u1"), []string{"reset"})
	assert.Contains(t, msgs.last(), "restricted to the bot owner")
	assert.Empty(t, vc.resets)

	cmds.UtilityCommand(message("g1", "owner"), nil)
	assert.Contains(t, msgs.last(), "Please specify a subcommand")

	cmds.UtilityCommand(message("g1", "owner"), []string{"reset"})
	assert.Equal(t, []string{"g1"}, vc.resets)

	cmds.UtilityCommand(message("g1", "owner"), []string{"reset", "g7"})
	assert.Equal(t, []string{"g1", "g7"}, vc.resets)

	cmds.UtilityCommand(message("g1", "owner"), []string{"export"})
	assert.Contains(t, msgs.last(), "Stats exported. Runs: 1")

	exports.err = errors.New("database is locked")
	cmds.UtilityCommand(message("g1", "owner"), []string{"export"})
	assert.Contains(t, msgs.last(), "database is locked")

	cmds.UtilityCommand(message("g1", "owner"), []string{"dance"})
	assert.Contains(t, msgs.last(), "Unknown subcommand")
}

func TestUtilityCommand_ExportNotConfigured(t *testing.T) {
	msgs := &fakeMessenger{}
	cmds := New(&fakeVoice{}, msgs, inChannel("v1"), nil, "owner", nil)

	cmds.UtilityCommand(message("g1", "owner"), []string{"export"})
	assert.Contains(t, msgs.last(), "not configured")
}

func TestUtilityCommand_NoOwnerConfigured(t *testing.T) {
	msgs := &fakeMessenger{}
	cmds := New(&fakeVoice{}, msgs, inChannel("v1"), nil, "", nil)

	cmds.UtilityCommand(message("g1", ""), []string{"reset"})
	assert.Contains(t, msgs.last(), "restricted to the bot owner")
}
