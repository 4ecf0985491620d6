// Package commands implements the bot's chat and slash commands.
package commands

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/bwmarrin/discordgo"

	"github.com/MrWong99/voxrelay/internal/discord"
	"github.com/MrWong99/voxrelay/internal/voice"
)

// Reply texts.
const (
	ReplyJoinedPrefix  = "Joined voice channel: "
	ReplyNotInVoice    = "You need to be in a voice channel for me to join!"
	ReplyJoinFailed    = "I could not join your voice channel."
	ReplyLeft          = "Left the voice channel."
	ReplyNotConnected  = "I am not in a voice channel!"
	defaultJoinTimeout = 30 * time.Second
)

// VoiceLink joins and leaves voice channels. *voice.Controller implements it.
type VoiceLink interface {
	Join(ctx context.Context, channelID string) (*voice.Link, error)
	Leave() error
}

// GuildState looks up cached voice states and channels. *discordgo.State
// implements it.
type GuildState interface {
	VoiceState(guildID, userID string) (*discordgo.VoiceState, error)
	Channel(channelID string) (*discordgo.Channel, error)
}

// VoiceOption configures [VoiceCommands].
type VoiceOption func(*VoiceCommands)

// WithJoinTimeout bounds the voice connection attempt of a join.
func WithJoinTimeout(d time.Duration) VoiceOption {
	return func(vc *VoiceCommands) {
		if d > 0 {
			vc.joinTimeout = d
		}
	}
}

// VoiceCommands handles join and leave.
type VoiceCommands struct {
	link        VoiceLink
	state       GuildState
	joinTimeout time.Duration
}

// NewVoiceCommands creates the join/leave handlers.
func NewVoiceCommands(link VoiceLink, state GuildState, opts ...VoiceOption) *VoiceCommands {
	vc := &VoiceCommands{
		link:        link,
		state:       state,
		joinTimeout: defaultJoinTimeout,
	}
	for _, o := range opts {
		o(vc)
	}
	return vc
}

// Register adds "join" and "leave" to router.
func (vc *VoiceCommands) Register(router *discord.CommandRouter) {
	router.RegisterCommand("join", &discordgo.ApplicationCommand{
		Name:        "join",
		Description: "Join the voice channel you are in",
	}, vc.HandleJoin)
	router.RegisterCommand("leave", &discordgo.ApplicationCommand{
		Name:        "leave",
		Description: "Leave the voice channel",
	}, vc.HandleLeave)
}

// HandleJoin joins the requester's current voice channel.
func (vc *VoiceCommands) HandleJoin(ctx context.Context, req discord.Request) {
	vs, err := vc.state.VoiceState(req.GuildID, req.UserID)
	if err != nil || vs == nil || vs.ChannelID == "" {
		req.Reply(ReplyNotInVoice)
		return
	}

	ctx, cancel := context.WithTimeout(ctx, vc.joinTimeout)
	defer cancel()
	if _, err := vc.link.Join(ctx, vs.ChannelID); err != nil {
		slog.Error("commands: join failed", "channel", vs.ChannelID, "user", req.UserID, "err", err)
		req.Reply(ReplyJoinFailed)
		return
	}
	req.Reply(ReplyJoinedPrefix + vc.channelName(vs.ChannelID))
}

// HandleLeave leaves the current voice channel.
func (vc *VoiceCommands) HandleLeave(_ context.Context, req discord.Request) {
	err := vc.link.Leave()
	switch {
	case errors.Is(err, voice.ErrNotConnected):
		req.Reply(ReplyNotConnected)
		return
	case err != nil:
		// The link is torn down even when the platform reports an error.
		slog.Warn("commands: leave reported an error", "err", err)
	}
	req.Reply(ReplyLeft)
}

func (vc *VoiceCommands) channelName(channelID string) string {
	ch, err := vc.state.Channel(channelID)
	if err != nil || ch == nil || ch.Name == "" {
		return channelID
	}
	return ch.Name
}
