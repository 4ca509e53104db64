package handlers

import (
	"testing"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/latoulicious/voiceguard/internal/commands"
	"github.com/latoulicious/voiceguard/pkg/voice"
	"github.com/stretchr/testify/assert"
)

type recordingNotifier struct {
	calls []string
}

func (r *recordingNotifier) NotifyJoined(guildID, channelID string) {
	r.calls = append(r.calls, "joined:"+guildID+":"+channelID)
}

func (r *recordingNotifier) NotifyLeft(guildID, channelID string) {
	r.calls = append(r.calls, "left:"+guildID+":"+channelID)
}

func (r *recordingNotifier) NotifyChannelChanged(guildID, channelID string) {
	r.calls = append(r.calls, "moved:"+guildID+":"+channelID)
}

func stateUpdate(userID, channelID string, before *discordgo.VoiceState) *discordgo.VoiceStateUpdate {
	return &discordgo.VoiceStateUpdate{
		VoiceState:   &discordgo.VoiceState{GuildID: "g1", UserID: userID, ChannelID: channelID},
		BeforeUpdate: before,
	}
}

func TestRouteVoiceState(t *testing.T) {
	tests := []struct {
		name   string
		update *discordgo.VoiceStateUpdate
		want   voiceTransition
		call   string
	}{
		{"other user", stateUpdate("u1", "c1", nil), voiceIgnored, ""},
		{"joined", stateUpdate("bot", "c1", nil), voiceJoined, "joined:g1:c1"},
		{"joined from nowhere", stateUpdate("bot", "c1", &discordgo.VoiceState{ChannelID: ""}), voiceJoined, "joined:g1:c1"},
		{"left", stateUpdate("bot", "", &discordgo.VoiceState{ChannelID: "c1"}), voiceLeft, "left:g1:c1"},
		{"left without history", stateUpdate("bot", "", nil), voiceLeft, "left:g1:"},
		{"moved", stateUpdate("bot", "c2", &discordgo.VoiceState{ChannelID: "c1"}), voiceMoved, "moved:g1:c2"},
		{"self mute", stateUpdate("bot", "c1", &discordgo.VoiceState{ChannelID: "c1", SelfMute: true}), voiceIgnored, ""},
		{"nil update", nil, voiceIgnored, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			n := &recordingNotifier{}
			assert.Equal(t, tt.want, routeVoiceState("bot", tt.update, n))
			if tt.call == "" {
				assert.Empty(t, n.calls)
			} else {
				assert.Equal(t, []string{tt.call}, n.calls)
			}
		})
	}
}

func TestRouteVoiceState_UnknownBotID(t *testing.T) {
	n := &recordingNotifier{}
	assert.Equal(t, voiceIgnored, routeVoiceState("", stateUpdate("", "c1", nil), n))
	assert.Empty(t, n.calls)
}

func TestNewVoiceStateHandler(t *testing.T) {
	n := &recordingNotifier{}
	handler := NewVoiceStateHandler(func() string { return "bot" }, n)
	handler(nil, stateUpdate("bot", "c9", nil))
	assert.Equal(t, []string{"joined:g1:c9"}, n.calls)
}

type stubVoice struct {
	connects int
	leaves   int
}

func (s *stubVoice) RequestConnect(guildID, channelID string) error { s.connects++; return nil }
func (s *stubVoice) Leave(guildID string) error                     { s.leaves++; return nil }
func (s *stubVoice) GetConnectionInfo(guildID string) (voice.ConnectionInfo, bool) {
	return voice.ConnectionInfo{GuildID: guildID, State: voice.StateConnected}, true
}
func (s *stubVoice) GetHealthStatus() voice.HealthStatus { return voice.HealthStatus{Timestamp: time.Now()} }
func (s *stubVoice) ResetCircuit(guildID string)         {}
func (s *stubVoice) GetUptime() time.Duration            { return time.Minute }

type stubMessenger struct {
	sent   int
	embeds int
}

func (s *stubMessenger) ChannelMessageSend(channelID, content string, options ...discordgo.RequestOption) (*discordgo.Message, error) {
	s.sent++
	return &discordgo.Message{}, nil
}

func (s *stubMessenger) ChannelMessageSendEmbed(channelID string, embed *discordgo.MessageEmbed, options ...discordgo.RequestOption) (*discordgo.Message, error) {
	s.embeds++
	return &discordgo.Message{}, nil
}

func chat(authorID, guildID, content string) *discordgo.MessageCreate {
	return &discordgo.MessageCreate{Message: &discordgo.Message{
		ChannelID: "text1",
		GuildID:   guildID,
		Content:   content,
		Author:    &discordgo.User{ID: authorID},
	}}
}

func TestRouteMessage(t *testing.T) {
	vc := &stubVoice{}
	msgs := &stubMessenger{}
	locate := func(guildID, userID string) (string, error) { return "v1", nil }
	cmds := commands.New(vc, msgs, locate, nil, "owner", nil)

	assert.True(t, routeMessage("bot", chat("u1", "g1", "!join"), cmds))
	assert.True(t, routeMessage("bot", chat("u1", "g1", "!J"), cmds))
	assert.Equal(t, 2, vc.connects)

	assert.True(t, routeMessage("bot", chat("u1", "g1", "!dc"), cmds))
	assert.Equal(t, 1, vc.leaves)

	assert.True(t, routeMessage("bot", chat("u1", "g1", "!vs"), cmds))
	assert.True(t, routeMessage("bot", chat("u1", "g1", "!health"), cmds))
	assert.True(t, routeMessage("bot", chat("u1", "g1", "!help"), cmds))
	assert.Equal(t, 3, msgs.embeds)

	assert.True(t, routeMessage("bot", chat("u1", "g1", "!utility export"), cmds))
}

func TestRouteMessage_Ignored(t *testing.T) {
	vc := &stubVoice{}
	cmds := commands.New(vc, &stubMessenger{}, nil, nil, "", nil)

	bot := chat("u2", "g1", "!join")
	bot.Author.Bot = true

	for name, m := range map[string]*discordgo.MessageCreate{
		"own message":    chat("bot", "g1", "!join"),
		"other bot":      bot,
		"direct message": chat("u1", "", "!join"),
		"no prefix":      chat("u1", "g1", "join"),
		"bare prefix":    chat("u1", "g1", "!"),
		"unknown":        chat("u1", "g1", "!play something"),
		"whitespace":     chat("u1", "g1", "!   "),
	} {
		t.Run(name, func(t *testing.T) {
			assert.False(t, routeMessage("bot", m, cmds))
		})
	}
	assert.Zero(t, vc.connects)
}
