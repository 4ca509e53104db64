package handlers

import (
	"github.com/bwmarrin/discordgo"
)

// VoiceNotifier receives the bot's own voice state changes. *voice.Manager satisfies it.
type VoiceNotifier interface {
	NotifyJoined(guildID, channelID string)
	NotifyLeft(guildID, channelID string)
	NotifyChannelChanged(guildID, channelID string)
}

// NewVoiceStateHandler forwards the bot's VoiceStateUpdate events to notifier
func NewVoiceStateHandler(botID func() string, notifier VoiceNotifier) func(s *discordgo.Session, v *discordgo.VoiceStateUpdate) {
	return func(s *discordgo.Session, v *discordgo.VoiceStateUpdate) {
		routeVoiceState(botID(), v, notifier)
	}
}

// voiceTransition names what a voice state update meant for the bot
type voiceTransition int

const (
	voiceIgnored voiceTransition = iota
	voiceJoined
	voiceLeft
	voiceMoved
)

func routeVoiceState(botID string, v *discordgo.VoiceStateUpdate, notifier VoiceNotifier) voiceTransition {
	if v == nil || v.VoiceState == nil || botID == "" || v.UserID != botID {
		return voiceIgnored
	}

	before := ""
	if v.BeforeUpdate != nil {
		before = v.BeforeUpdate.ChannelID
	}

	switch {
	case v.ChannelID == "":
		notifier.NotifyLeft(v.GuildID, before)
		return voiceLeft
	case before == "":
		notifier.NotifyJoined(v.GuildID, v.ChannelID)
		return voiceJoined
	case before != v.ChannelID:
		notifier.NotifyChannelChanged(v.GuildID, v.ChannelID)
		return voiceMoved
	default:
		// mute or deafen toggles
		return voiceIgnored
	}
}
