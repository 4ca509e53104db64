package handlers

import (
	"strings"

	"github.com/bwmarrin/discordgo"
	"github.com/latoulicious/voiceguard/internal/commands"
)

// NewMessageHandler routes prefixed chat commands for the bot user returned by botID
func NewMessageHandler(botID func() string, cmds *commands.Commands) func(s *discordgo.Session, m *discordgo.MessageCreate) {
	return func(s *discordgo.Session, m *discordgo.MessageCreate) {
		routeMessage(botID(), m, cmds)
	}
}

func routeMessage(botID string, m *discordgo.MessageCreate, cmds *commands.Commands) bool {
	if m.Author == nil || m.Author.ID == botID || m.Author.Bot {
		return false
	}
	// Voice only exists inside guilds
	if m.GuildID == "" {
		return false
	}
	if !strings.HasPrefix(m.Content, "!") {
		return false
	}

	args := strings.Fields(m.Content)
	if len(args) == 0 {
		return false
	}
	command := strings.ToLower(strings.TrimPrefix(args[0], "!"))

	switch command {
	case "join", "j":
		cmds.JoinCommand(m, args[1:])
	case "leave", "dc":
		cmds.LeaveCommand(m, args[1:])
	case "voicestatus", "vs":
		cmds.VoiceStatusCommand(m, args[1:])
	case "health":
		cmds.HealthCommand(m, args[1:])
	case "utility":
		cmds.UtilityCommand(m, args[1:])
	case "help", "h":
		cmds.ShowHelpCommand(m)
	default:
		return false
	}
	return true
}
