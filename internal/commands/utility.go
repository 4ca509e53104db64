package commands

import (
	"fmt"
	"strings"

	"github.com/bwmarrin/discordgo"
	"github.com/latoulicious/voiceguard/pkg/voice"
)

const utilityUsage = "**Available subcommands:**\n• `export` - Export voice stats now (Bot Owner Only)\n• `reset [guild_id]` - Close a server's circuit breaker (Bot Owner Only)\n\n**Examples:**\n• `!utility export`\n• `!utility reset`"

// UtilityCommand handles owner-only maintenance commands
func (c *Commands) UtilityCommand(m *discordgo.MessageCreate, args []string) {
	if len(args) == 0 {
		c.reply(m.ChannelID, "❌ Please specify a subcommand.\n\n**Usage:** `!utility <subcommand>`\n"+utilityUsage)
		return
	}

	if !c.isOwner(m) {
		c.reply(m.ChannelID, "❌ This command is restricted to the bot owner only.")
		return
	}

	switch strings.ToLower(args[0]) {
	case "export":
		c.exportCommand(m)
	case "reset":
		c.resetCommand(m, args[1:])
	default:
		c.reply(m.ChannelID, "❌ Unknown subcommand.\n\n"+utilityUsage)
	}
}

func (c *Commands) exportCommand(m *discordgo.MessageCreate) {
	if c.exports == nil {
		c.reply(m.ChannelID, "❌ Stats persistence is not configured.")
		return
	}

	if err := c.exports.RunNow(); err != nil {
		c.reply(m.ChannelID, fmt.Sprintf("❌ Stats export failed: %v", err))
		return
	}

	stats := c.exports.Stats()
	msg := fmt.Sprintf("✅ Stats exported. Runs: %d, failures: %d, skipped: %d.", stats.Runs, stats.Failures, stats.Skipped)
	if next := c.exports.NextRun(); !next.IsZero() {
		msg += fmt.Sprintf("\nNext scheduled export: <t:%d:R>", next.Unix())
	}
	c.reply(m.ChannelID, msg)
}

func (c *Commands) resetCommand(m *discordgo.MessageCreate, args []string) {
	guildID := m.GuildID
	if len(args) > 0 {
		guildID = args[0]
	}
	if guildID == "" {
		c.reply(m.ChannelID, "❌ No server ID given.")
		return
	}

	c.voice.ResetCircuit(guildID)
	c.logger.Info("Circuit reset by owner", voice.String("guild_id", guildID))
	c.reply(m.ChannelID, fmt.Sprintf("✅ Circuit breaker reset for `%s`.", guildID))
}
