package commands

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/latoulicious/voiceguard/pkg/discordvoice"
	"github.com/latoulicious/voiceguard/pkg/voice"
)

// JoinCommand connects to the caller's voice channel
func (c *Commands) JoinCommand(m *discordgo.MessageCreate, args []string) {
	channelID, err := c.locate(m.GuildID, m.Author.ID)
	if err != nil {
		if errors.Is(err, discordvoice.ErrNoVoiceChannel) {
			c.reply(m.ChannelID, "❌ You must be in a voice channel to use this command.")
			return
		}
		c.logger.Warn("Failed to locate voice channel", voice.String("guild_id", m.GuildID), voice.Err(err))
		c.reply(m.ChannelID, "❌ Could not find your voice channel.")
		return
	}

	err = c.voice.RequestConnect(m.GuildID, channelID)
	switch {
	case err == nil:
		c.reply(m.ChannelID, fmt.Sprintf("🔊 Joining <#%s>...", channelID))
	case errors.Is(err, voice.ErrConnectInProgress):
		c.reply(m.ChannelID, "⏳ Already connecting, hang tight.")
	case errors.Is(err, voice.ErrAlreadyConnected):
		c.reply(m.ChannelID, "❌ I'm already connected to another channel in this server. Use `!leave` first.")
	case errors.Is(err, voice.ErrCircuitOpen):
		c.reply(m.ChannelID, "⚠️ Voice is temporarily unavailable after repeated failures. "+circuitHint(c.voice, m.GuildID))
	default:
		c.reply(m.ChannelID, fmt.Sprintf("❌ Failed to join voice channel: %v", err))
	}
}

// LeaveCommand disconnects from voice in this guild
func (c *Commands) LeaveCommand(m *discordgo.MessageCreate, args []string) {
	info, ok := c.voice.GetConnectionInfo(m.GuildID)
	if !ok || info.State == voice.StateDisconnected {
		c.reply(m.ChannelID, "❌ I'm not in a voice channel.")
		return
	}

	if err := c.voice.Leave(m.GuildID); err != nil {
		c.reply(m.ChannelID, fmt.Sprintf("⚠️ Left, but the disconnect reported an error: %v", err))
		return
	}
	c.reply(m.ChannelID, "👋 Left the voice channel.")
}

// VoiceStatusCommand shows the connection state of this guild
func (c *Commands) VoiceStatusCommand(m *discordgo.MessageCreate, args []string) {
	info, ok := c.voice.GetConnectionInfo(m.GuildID)
	if !ok {
		c.reply(m.ChannelID, "ℹ️ No voice connection has been made in this server yet.")
		return
	}
	c.replyEmbed(m.ChannelID, connectionEmbed(info, time.Now()))
}

func circuitHint(vc VoiceController, guildID string) string {
	info, ok := vc.GetConnectionInfo(guildID)
	if !ok || info.CircuitOpenUntil == nil {
		return "Try again later."
	}
	wait := time.Until(*info.CircuitOpenUntil).Round(time.Second)
	if wait <= 0 {
		return "Try again now."
	}
	return fmt.Sprintf("Try again in %s.", wait)
}

func stateColor(state voice.ConnectionState) int {
	switch state {
	case voice.StateConnected:
		return 0x2ecc71
	case voice.StateConnecting, voice.StateReconnecting:
		return 0xf1c40f
	case voice.StateFailed:
		return 0xe74c3c
	default:
		return 0x95a5a6
	}
}

func connectionEmbed(info voice.ConnectionInfo, now time.Time) *discordgo.MessageEmbed {
	fields := []*discordgo.MessageEmbedField{
		{Name: "State", Value: strings.ToUpper(info.State.String()), Inline: true},
		{Name: "Channel", Value: channelMention(info.ChannelID), Inline: true},
		{Name: "Latency", Value: latencyText(info.LatencyMillis), Inline: true},
		{Name: "Retry attempt", Value: fmt.Sprintf("%d", info.RetryAttempt), Inline: true},
		{Name: "Failures", Value: fmt.Sprintf("%d", info.FailureCount), Inline: true},
		{Name: "Session", Value: sessionText(info), Inline: true},
	}

	if info.CircuitOpen && info.CircuitOpenUntil != nil {
		fields = append(fields, &discordgo.MessageEmbedField{
			Name:  "Circuit breaker",
			Value: fmt.Sprintf("Open for another %s", info.CircuitOpenUntil.Sub(now).Round(time.Second)),
		})
	}
	if !info.LastConnectedAt.IsZero() {
		fields = append(fields, &discordgo.MessageEmbedField{
			Name:  "Last connected",
			Value: fmt.Sprintf("<t:%d:R>", info.LastConnectedAt.Unix()),
		})
	}

	return &discordgo.MessageEmbed{
		Title:     "Voice Connection",
		Color:     stateColor(info.State),
		Fields:    fields,
		Timestamp: now.Format(time.RFC3339),
	}
}

func channelMention(channelID string) string {
	if channelID == "" {
		return "none"
	}
	return fmt.Sprintf("<#%s>", channelID)
}

func latencyText(ms *int64) string {
	if ms == nil {
		return "n/a"
	}
	return fmt.Sprintf("%dms", *ms)
}

func sessionText(info voice.ConnectionInfo) string {
	if info.SessionID == "" {
		return "none"
	}
	short := info.SessionID
	if len(short) > 8 {
		short = short[:8]
	}
	if !info.SessionValid {
		return short + " (invalid)"
	}
	return short
}
