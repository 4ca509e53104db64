package discordvoice

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/latoulicious/voiceguard/pkg/voice"
)

// ErrNoVoiceChannel is returned when the user is not in any voice channel
var ErrNoVoiceChannel = errors.New("you must be in a voice channel")

// Gateway is the subset of a Discord session the client needs
type Gateway interface {
	JoinVoice(guildID, channelID string) (*discordgo.VoiceConnection, error)
	VoiceConnection(guildID string) (*discordgo.VoiceConnection, bool)
	LeaveVoice(vc *discordgo.VoiceConnection) error
	HeartbeatLatency() time.Duration
}

// SessionGateway adapts a discordgo session to Gateway
type SessionGateway struct {
	Session *discordgo.Session
	Mute    bool
	Deaf    bool
}

// NewSessionGateway joins channels self-deafened, as a music bot has no use for incoming audio
func NewSessionGateway(s *discordgo.Session) *SessionGateway {
	return &SessionGateway{Session: s, Deaf: true}
}

func (g *SessionGateway) JoinVoice(guildID, channelID string) (*discordgo.VoiceConnection, error) {
	return g.Session.ChannelVoiceJoin(guildID, channelID, g.Mute, g.Deaf)
}

func (g *SessionGateway) VoiceConnection(guildID string) (*discordgo.VoiceConnection, bool) {
	g.Session.RLock()
	defer g.Session.RUnlock()
	vc, ok := g.Session.VoiceConnections[guildID]
	return vc, ok && vc != nil
}

func (g *SessionGateway) LeaveVoice(vc *discordgo.VoiceConnection) error {
	return vc.Disconnect()
}

func (g *SessionGateway) HeartbeatLatency() time.Duration {
	return g.Session.HeartbeatLatency()
}

// Client implements voice.VoiceClient on top of discordgo voice connections
type Client struct {
	gateway      Gateway
	logger       voice.Logger
	pollInterval time.Duration
}

// NewClient creates a voice client over the given gateway
func NewClient(gateway Gateway, logger voice.Logger) *Client {
	if logger == nil {
		logger = voice.NullLogger()
	}
	return &Client{
		gateway:      gateway,
		logger:       logger.With(voice.String("component", "discord_voice")),
		pollInterval: 100 * time.Millisecond,
	}
}

type joinResult struct {
	vc  *discordgo.VoiceConnection
	err error
}

// Connect joins the channel and waits until the voice connection is ready or ctx ends
func (c *Client) Connect(ctx context.Context, guildID, channelID string) (*voice.SessionHandle, error) {
	c.logger.Info("Joining voice channel",
		voice.String("guild_id", guildID),
		voice.String("channel_id", channelID))

	results := make(chan joinResult, 1)
	go func() {
		vc, err := c.gateway.JoinVoice(guildID, channelID)
		results <- joinResult{vc: vc, err: err}
	}()

	var vc *discordgo.VoiceConnection
	select {
	case <-ctx.Done():
		// The join may still complete; do not leave a connection behind.
		go func() {
			if r := <-results; r.vc != nil {
				c.leave(r.vc, guildID)
			}
		}()
		return nil, ctx.Err()
	case r := <-results:
		if r.err != nil {
			if r.vc != nil {
				c.leave(r.vc, guildID)
			}
			return nil, fmt.Errorf("failed to join voice channel %s: %w", channelID, r.err)
		}
		vc = r.vc
	}

	if vc == nil {
		return nil, fmt.Errorf("failed to join voice channel %s: no connection returned", channelID)
	}

	ticker := time.NewTicker(c.pollInterval)
	defer ticker.Stop()

	for {
		if isReady(vc) {
			c.logger.Info("Voice connection ready", voice.String("guild_id", guildID))
			return &voice.SessionHandle{
				GuildID:   guildID,
				ChannelID: channelID,
				Conn:      vc,
			}, nil
		}

		select {
		case <-ctx.Done():
			c.leave(vc, guildID)
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

func (c *Client) leave(vc *discordgo.VoiceConnection, guildID string) {
	if err := c.gateway.LeaveVoice(vc); err != nil {
		c.logger.Warn("Failed to leave voice channel",
			voice.String("guild_id", guildID),
			voice.Err(err))
	}
}

// Disconnect leaves the guild's voice channel. With force set, errors are logged and dropped.
func (c *Client) Disconnect(guildID string, force bool) error {
	vc, ok := c.gateway.VoiceConnection(guildID)
	if !ok {
		c.logger.Debug("No voice connection to disconnect", voice.String("guild_id", guildID))
		return nil
	}

	if err := c.gateway.LeaveVoice(vc); err != nil {
		if force {
			c.logger.Warn("Ignoring voice disconnect error", voice.String("guild_id", guildID), voice.Err(err))
			return nil
		}
		return fmt.Errorf("failed to disconnect voice in guild %s: %w", guildID, err)
	}

	c.logger.Info("Disconnected from voice channel", voice.String("guild_id", guildID))
	return nil
}

// IsConnected reports whether the guild has a ready voice connection
func (c *Client) IsConnected(guildID string) bool {
	vc, ok := c.gateway.VoiceConnection(guildID)
	return ok && isReady(vc)
}

// LinkState tells a missing connection from one discordgo is re-establishing.
// After most voice websocket closes discordgo reconnects by itself and keeps
// the connection in Session.VoiceConnections, not Ready, while it does.
func (c *Client) LinkState(guildID string) voice.LinkState {
	vc, ok := c.gateway.VoiceConnection(guildID)
	switch {
	case !ok:
		return voice.LinkDown
	case isReady(vc):
		return voice.LinkUp
	default:
		return voice.LinkRecovering
	}
}

// Latency returns the gateway heartbeat latency while the guild is connected.
// discordgo does not expose a per-connection voice ping.
func (c *Client) Latency(guildID string) (time.Duration, bool) {
	if !c.IsConnected(guildID) {
		return 0, false
	}
	latency := c.gateway.HeartbeatLatency()
	if latency <= 0 {
		return 0, false
	}
	return latency, true
}

func isReady(vc *discordgo.VoiceConnection) bool {
	vc.RLock()
	defer vc.RUnlock()
	return vc.Ready
}

// FindUserVoiceChannel returns the voice channel the user currently occupies in the guild
func FindUserVoiceChannel(state *discordgo.State, guildID, userID string) (string, error) {
	guild, err := state.Guild(guildID)
	if err != nil {
		return "", fmt.Errorf("could not find guild: %w", err)
	}

	for _, vs := range guild.VoiceStates {
		if vs.UserID == userID && vs.ChannelID != "" {
			return vs.ChannelID, nil
		}
	}
	return "", ErrNoVoiceChannel
}

var (
	_ voice.VoiceClient       = (*Client)(nil)
	_ voice.LinkStateReporter = (*Client)(nil)
)
