package discord

import (
	"context"
	"log/slog"
	"strings"
	"sync"

	"github.com/bwmarrin/discordgo"
)

// ReplyNotAllowed answers users without the control role.
const ReplyNotAllowed = "You are not allowed to control the voice link."

// Request is one command invocation, from a chat message or a slash command.
type Request struct {
	GuildID   string
	ChannelID string
	UserID    string

	// Reply answers the invoking user. Chat commands reply to the message;
	// slash commands are deferred and answered with an ephemeral follow-up.
	Reply func(content string)
}

// HandlerFunc handles a command.
type HandlerFunc func(ctx context.Context, req Request)

type commandEntry struct {
	command *discordgo.ApplicationCommand
	handler HandlerFunc
}

// RouterOption configures a [CommandRouter].
type RouterOption func(*CommandRouter)

// WithPrefix sets the chat command prefix. Defaults to "!".
func WithPrefix(prefix string) RouterOption {
	return func(r *CommandRouter) {
		if prefix != "" {
			r.prefix = prefix
		}
	}
}

// WithGuild limits the router to one guild. Empty accepts every guild.
func WithGuild(guildID string) RouterOption {
	return func(r *CommandRouter) { r.guildID = guildID }
}

// WithPermissions gates every command behind p.
func WithPermissions(p *PermissionChecker) RouterOption {
	return func(r *CommandRouter) { r.perms = p }
}

// CommandRouter dispatches chat messages and slash command interactions to
// registered handlers. A command registered as "join" answers both "!join"
// and "/join".
type CommandRouter struct {
	prefix  string
	guildID string
	perms   *PermissionChecker

	mu       sync.RWMutex
	commands map[string]commandEntry
}

// NewCommandRouter creates an empty router.
func NewCommandRouter(opts ...RouterOption) *CommandRouter {
	r := &CommandRouter{
		prefix:   "!",
		commands: make(map[string]commandEntry),
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

// RegisterCommand registers handler under name. cmd, if non-nil, is the slash
// command definition registered with Discord.
func (r *CommandRouter) RegisterCommand(name string, cmd *discordgo.ApplicationCommand, handler HandlerFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.commands[name] = commandEntry{command: cmd, handler: handler}
}

// ApplicationCommands returns the slash command definitions for registration
// with the Discord API.
func (r *CommandRouter) ApplicationCommands() []*discordgo.ApplicationCommand {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var cmds []*discordgo.ApplicationCommand
	for _, entry := range r.commands {
		if entry.command != nil {
			cmds = append(cmds, entry.command)
		}
	}
	return cmds
}

// HandleMessage dispatches m if it is exactly a prefixed command name. It
// reports whether a handler ran. Messages from bots, direct messages and other
// guilds are ignored.
func (r *CommandRouter) HandleMessage(ctx context.Context, s Messenger, m *discordgo.MessageCreate) bool {
	if m.Author == nil || m.Author.Bot || m.GuildID == "" {
		return false
	}
	if r.guildID != "" && m.GuildID != r.guildID {
		return false
	}
	name, ok := strings.CutPrefix(strings.TrimSpace(m.Content), r.prefix)
	if !ok || name == "" {
		return false
	}

	r.mu.RLock()
	entry, ok := r.commands[name]
	r.mu.RUnlock()
	if !ok {
		slog.Debug("discord: unknown chat command", "name", name)
		return false
	}

	reply := func(content string) { Reply(s, m, content) }
	if !r.perms.Allowed(m.Member) {
		reply(ReplyNotAllowed)
		return true
	}
	entry.handler(ctx, Request{
		GuildID:   m.GuildID,
		ChannelID: m.ChannelID,
		UserID:    m.Author.ID,
		Reply:     reply,
	})
	return true
}

// HandleInteraction dispatches a slash command interaction.
func (r *CommandRouter) HandleInteraction(ctx context.Context, s InteractionResponder, i *discordgo.InteractionCreate) {
	if i.Type != discordgo.InteractionApplicationCommand {
		slog.Warn("discord: unhandled interaction type", "type", i.Type)
		return
	}
	name := i.ApplicationCommandData().Name

	r.mu.RLock()
	entry, ok := r.commands[name]
	r.mu.RUnlock()
	if !ok {
		slog.Warn("discord: unknown command", "name", name)
		RespondEphemeral(s, i, "Unknown command.")
		return
	}
	if !r.perms.Allowed(i.Member) {
		RespondEphemeral(s, i, ReplyNotAllowed)
		return
	}

	// A join waits for the voice handshake, which can outlast the interaction
	// deadline. Acknowledge first and answer with a follow-up.
	reply := func(content string) { FollowUp(s, i, content) }
	if err := DeferReply(s, i); err != nil {
		reply = func(content string) { RespondEphemeral(s, i, content) }
	}
	entry.handler(ctx, Request{
		GuildID:   i.GuildID,
		ChannelID: i.ChannelID,
		UserID:    interactionUserID(i),
		Reply:     reply,
	})
}

// interactionUserID extracts the user ID from an interaction, handling
// both guild (Member) and DM (User) contexts.
func interactionUserID(i *discordgo.InteractionCreate) string {
	if i.Member != nil && i.Member.User != nil {
		return i.Member.User.ID
	}
	if i.User != nil {
		return i.User.ID
	}
	return ""
}
