package commands

import (
	"fmt"
	"strings"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/latoulicious/voiceguard/pkg/voice"
)

// HealthCommand shows the process-wide voice health summary
func (c *Commands) HealthCommand(m *discordgo.MessageCreate, args []string) {
	c.replyEmbed(m.ChannelID, healthEmbed(c.voice.GetHealthStatus(), c.voice.GetUptime()))
}

func healthEmbed(status voice.HealthStatus, uptime time.Duration) *discordgo.MessageEmbed {
	color := 0x2ecc71
	if status.Failed > 0 || status.OpenCircuits > 0 {
		color = 0xe74c3c
	} else if status.Reconnecting > 0 || status.Connecting > 0 {
		color = 0xf1c40f
	}

	states := strings.Join([]string{
		fmt.Sprintf("• Connected: **%d**", status.Connected),
		fmt.Sprintf("• Connecting: **%d**", status.Connecting),
		fmt.Sprintf("• Reconnecting: **%d**", status.Reconnecting),
		fmt.Sprintf("• Disconnected: **%d**", status.Disconnected),
		fmt.Sprintf("• Failed: **%d**", status.Failed),
	}, "\n")

	return &discordgo.MessageEmbed{
		Title:       "Voice Health",
		Description: fmt.Sprintf("Tracking **%d** guilds on a **%s** profile", status.TotalGuilds, status.Environment),
		Color:       color,
		Fields: []*discordgo.MessageEmbedField{
			{Name: "States", Value: states},
			{Name: "Open circuits", Value: fmt.Sprintf("%d", status.OpenCircuits), Inline: true},
			{Name: "Connection rate", Value: fmt.Sprintf("%.0f%%", status.ConnectionRate*100), Inline: true},
			{Name: "Uptime", Value: uptime.Round(time.Second).String(), Inline: true},
		},
		Timestamp: status.Timestamp.Format(time.RFC3339),
	}
}

// ShowHelpCommand lists the available commands
func (c *Commands) ShowHelpCommand(m *discordgo.MessageCreate) {
	embed := &discordgo.MessageEmbed{
		Title:       "Voice Guard",
		Description: "Here are all the available commands:",
		Color:       0x00ff00,
		Timestamp:   time.Now().Format(time.RFC3339),
		Fields: []*discordgo.MessageEmbedField{
			{
				Name: "Voice Commands",
				Value: strings.Join([]string{
					"• `!join` / `!j` - Join your voice channel",
					"• `!leave` / `!dc` - Leave the voice channel",
					"• `!voicestatus` / `!vs` - Show this server's voice connection",
					"• `!health` - Show voice health across all servers",
				}, "\n"),
			},
			{
				Name: "Admin Commands (Bot Owner Only)",
				Value: strings.Join([]string{
					"• `!utility export` - Export voice stats now",
					"• `!utility reset [guild_id]` - Close the circuit breaker for a server",
				}, "\n"),
			},
		},
	}
	c.replyEmbed(m.ChannelID, embed)
}
