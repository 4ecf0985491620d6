// Package discord provides the Discord bot layer of the relay. It owns the
// discordgo.Session lifecycle and routes chat commands and slash commands to
// registered handlers.
package discord

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/bwmarrin/discordgo"

	"github.com/MrWong99/voxrelay/pkg/audio"
	discordaudio "github.com/MrWong99/voxrelay/pkg/audio/discord"
)

// Config holds Discord bot configuration.
type Config struct {
	// Token is the Discord bot token without the "Bot " prefix.
	Token string

	// GuildID limits the bot to one guild. Empty serves every guild.
	GuildID string

	// CommandPrefix prefixes chat commands.
	CommandPrefix string

	// ControlRoleID, if set, is required to run commands.
	ControlRoleID string
}

// Bot owns the Discord gateway connection and routes commands to handlers.
type Bot struct {
	mu        sync.RWMutex
	session   *discordgo.Session
	platform  *discordaudio.Platform
	router    *CommandRouter
	guildID   string
	commands  []*discordgo.ApplicationCommand
	closeOnce sync.Once
}

// New creates a Bot, connects to Discord and installs the message and
// interaction handlers. Handlers run with ctx as their parent context.
func New(ctx context.Context, cfg Config) (*Bot, error) {
	session, err := discordgo.New("Bot " + cfg.Token)
	if err != nil {
		return nil, fmt.Errorf("discord: create session: %w", err)
	}

	session.Identify.Intents = discordgo.IntentsGuildMessages |
		discordgo.IntentsMessageContent |
		discordgo.IntentsGuildVoiceStates |
		discordgo.IntentsGuilds

	b := &Bot{
		session:  session,
		platform: discordaudio.New(session, cfg.GuildID),
		router: NewCommandRouter(
			WithPrefix(cfg.CommandPrefix),
			WithGuild(cfg.GuildID),
			WithPermissions(NewPermissionChecker(cfg.ControlRoleID)),
		),
		guildID: cfg.GuildID,
	}

	session.AddHandler(func(s *discordgo.Session, m *discordgo.MessageCreate) {
		b.router.HandleMessage(ctx, s, m)
	})
	session.AddHandler(func(s *discordgo.Session, i *discordgo.InteractionCreate) {
		b.router.HandleInteraction(ctx, s, i)
	})
	session.AddHandler(func(_ *discordgo.Session, r *discordgo.Ready) {
		slog.Info("discord: logged in", "user", r.User.Username, "guilds", len(r.Guilds))
	})

	if err := session.Open(); err != nil {
		return nil, fmt.Errorf("discord: open session: %w", err)
	}
	return b, nil
}

// Platform returns the audio.Platform for voice channel connections.
func (b *Bot) Platform() audio.Platform {
	return b.platform
}

// Router returns the command router for registering handlers.
func (b *Bot) Router() *CommandRouter {
	return b.router
}

// State returns the gateway state cache used to look up voice states and
// channels.
func (b *Bot) State() *discordgo.State {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.session.State
}

// UserID returns the bot's own user ID, or "" before the ready event.
func (b *Bot) UserID() string {
	st := b.State()
	st.RLock()
	defer st.RUnlock()
	if st.User == nil {
		return ""
	}
	return st.User.ID
}

// Check reports whether the gateway connection has received its ready event.
func (b *Bot) Check(context.Context) error {
	b.mu.RLock()
	s := b.session
	b.mu.RUnlock()

	s.RLock()
	ready := s.DataReady
	s.RUnlock()
	if !ready {
		return errors.New("discord: gateway not ready")
	}
	return nil
}

// Run registers the slash commands with the Discord API and blocks until ctx
// is cancelled.
func (b *Bot) Run(ctx context.Context) error {
	b.mu.RLock()
	appID := b.session.State.User.ID
	b.mu.RUnlock()

	cmds := b.router.ApplicationCommands()
	if len(cmds) > 0 {
		registered, err := b.session.ApplicationCommandBulkOverwrite(appID, b.guildID, cmds)
		if err != nil {
			return fmt.Errorf("discord: register commands: %w", err)
		}
		b.mu.Lock()
		b.commands = registered
		b.mu.Unlock()
		slog.Info("discord: commands registered", "count", len(registered))
	}

	<-ctx.Done()
	return nil
}

// Close unregisters the slash commands and disconnects from Discord.
func (b *Bot) Close() error {
	var closeErr error
	b.closeOnce.Do(func() {
		b.mu.Lock()
		defer b.mu.Unlock()

		if len(b.commands) > 0 {
			appID := b.session.State.User.ID
			for _, cmd := range b.commands {
				if err := b.session.ApplicationCommandDelete(appID, b.guildID, cmd.ID); err != nil {
					slog.Warn("discord: failed to delete command", "name", cmd.Name, "err", err)
				}
			}
		}

		if err := b.session.Close(); err != nil {
			closeErr = fmt.Errorf("discord: close session: %w", err)
		}
		slog.Info("discord: bot closed")
	})
	return closeErr
}
