// Package discord provides an [audio.Platform] backed by Discord voice
// channels via bwmarrin/discordgo. It bridges Discord's Opus transport with
// the relay's PCM [audio.AudioFrame] pipeline.
package discord

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/bwmarrin/discordgo"

	"github.com/MrWong99/voxrelay/pkg/audio"
)

var _ audio.Platform = (*Platform)(nil)

// Platform implements [audio.Platform] using the bot's *discordgo.Session.
// With an empty guild ID the guild is resolved from the cached channel.
type Platform struct {
	session *discordgo.Session
	guildID string

	// join is session.ChannelVoiceJoin, replaced in tests.
	join func(guildID, channelID string, mute, deaf bool) (*discordgo.VoiceConnection, error)
}

// New creates a new Discord Platform for the given session and guild.
func New(session *discordgo.Session, guildID string) *Platform {
	return &Platform{session: session, guildID: guildID, join: session.ChannelVoiceJoin}
}

// Connect joins channelID unmuted and undeafened. It gives up when ctx is
// done; a join that completes afterwards is disconnected again.
func (p *Platform) Connect(ctx context.Context, channelID string) (audio.Connection, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("discord: join voice channel %q: %w", channelID, err)
	}
	guildID := p.guildID
	if guildID == "" {
		ch, err := p.session.State.Channel(channelID)
		if err != nil {
			return nil, fmt.Errorf("discord: resolve guild of channel %q: %w", channelID, err)
		}
		guildID = ch.GuildID
	}

	type joinResult struct {
		vc  *discordgo.VoiceConnection
		err error
	}
	done := make(chan joinResult, 1)
	go func() {
		vc, err := p.join(guildID, channelID, false, false)
		done <- joinResult{vc: vc, err: err}
	}()

	var vc *discordgo.VoiceConnection
	select {
	case res := <-done:
		if res.err != nil {
			return nil, fmt.Errorf("discord: join voice channel %q: %w", channelID, res.err)
		}
		vc = res.vc
	case <-ctx.Done():
		go func() {
			if res := <-done; res.err == nil && res.vc != nil {
				if err := res.vc.Disconnect(); err != nil {
					slog.Warn("discord: disconnect after abandoned join failed", "channel", channelID, "err", err)
				}
			}
		}()
		return nil, fmt.Errorf("discord: join voice channel %q: %w", channelID, ctx.Err())
	}

	c := newConnection(vc, guildID, channelID)
	c.setMute = func(muted bool) error {
		return p.session.ChannelVoiceJoinManual(guildID, channelID, muted, false)
	}
	vc.AddHandler(c.handleSpeakingUpdate)
	c.start()
	return c, nil
}
