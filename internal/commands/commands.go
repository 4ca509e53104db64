package commands

import (
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/latoulicious/voiceguard/pkg/cron"
	"github.com/latoulicious/voiceguard/pkg/voice"
)

// VoiceController is the part of *voice.Manager the commands drive
type VoiceController interface {
	RequestConnect(guildID, channelID string) error
	Leave(guildID string) error
	GetConnectionInfo(guildID string) (voice.ConnectionInfo, bool)
	GetHealthStatus() voice.HealthStatus
	ResetCircuit(guildID string)
	GetUptime() time.Duration
}

// Messenger sends replies. *discordgo.Session satisfies it.
type Messenger interface {
	ChannelMessageSend(channelID, content string, options ...discordgo.RequestOption) (*discordgo.Message, error)
	ChannelMessageSendEmbed(channelID string, embed *discordgo.MessageEmbed, options ...discordgo.RequestOption) (*discordgo.Message, error)
}

// ChannelLocator finds the voice channel a user sits in
type ChannelLocator func(guildID, userID string) (string, error)

// ExportRunner is the part of *cron.ExportScheduler the owner commands use
type ExportRunner interface {
	RunNow() error
	NextRun() time.Time
	Stats() cron.RunStats
}

// Commands holds everything the chat commands need
type Commands struct {
	voice     VoiceController
	messenger Messenger
	locate    ChannelLocator
	exports   ExportRunner
	ownerID   string
	logger    voice.Logger
}

// New creates the command set. exports may be nil when stats persistence is off.
func New(vc VoiceController, messenger Messenger, locate ChannelLocator, exports ExportRunner, ownerID string, logger voice.Logger) *Commands {
	if logger == nil {
		logger = voice.NullLogger()
	}
	return &Commands{
		voice:     vc,
		messenger: messenger,
		locate:    locate,
		exports:   exports,
		ownerID:   ownerID,
		logger:    logger.With(voice.String("component", "commands")),
	}
}

func (c *Commands) reply(channelID, content string) {
	if _, err := c.messenger.ChannelMessageSend(channelID, content); err != nil {
		c.logger.Warn("Failed to send reply", voice.String("channel_id", channelID), voice.Err(err))
	}
}

func (c *Commands) replyEmbed(channelID string, embed *discordgo.MessageEmbed) {
	if _, err := c.messenger.ChannelMessageSendEmbed(channelID, embed); err != nil {
		c.logger.Warn("Failed to send embed", voice.String("channel_id", channelID), voice.Err(err))
	}
}

func (c *Commands) isOwner(m *discordgo.MessageCreate) bool {
	return c.ownerID != "" && m.Author != nil && m.Author.ID == c.ownerID
}
