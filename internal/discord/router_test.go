package discord_test

import (
	"context"
	"slices"
	"testing"

	"github.com/bwmarrin/discordgo"

	"github.com/MrWong99/voxrelay/internal/discord"
	"github.com/MrWong99/voxrelay/internal/discord/mock"
)

func message(guildID, authorID, content string, bot bool) *discordgo.MessageCreate {
	return &discordgo.MessageCreate{Message: &discordgo.Message{
		ID:        "msg-1",
		ChannelID: "text-1",
		GuildID:   guildID,
		Content:   content,
		Author:    &discordgo.User{ID: authorID, Bot: bot},
		Member:    &discordgo.Member{Roles: []string{"role-ok"}},
	}}
}

// echoRouter registers "join" and "leave" handlers that reply with their name
// and the requesting user.
func echoRouter(opts ...discord.RouterOption) (*discord.CommandRouter, *[]discord.Request) {
	r := discord.NewCommandRouter(opts...)
	var calls []discord.Request
	for _, name := range []string{"join", "leave"} {
		r.RegisterCommand(name, &discordgo.ApplicationCommand{Name: name, Description: name}, func(_ context.Context, req discord.Request) {
			calls = append(calls, req)
			req.Reply(name + ":" + req.UserID)
		})
	}
	return r, &calls
}

func TestCommandRouter_HandleMessage(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name        string
		opts        []discord.RouterOption
		msg         *discordgo.MessageCreate
		wantHandled bool
		wantReplies []string
	}{
		{
			name:        "join",
			msg:         message("guild-1", "user-1", "!join", false),
			wantHandled: true,
			wantReplies: []string{"join:user-1"},
		},
		{
			name:        "surrounding whitespace",
			msg:         message("guild-1", "user-1", "  !leave\n", false),
			wantHandled: true,
			wantReplies: []string{"leave:user-1"},
		},
		{
			name: "bot author ignored",
			msg:  message("guild-1", "bot-1", "!join", true),
		},
		{
			name: "direct message ignored",
			msg:  message("", "user-1", "!join", false),
		},
		{
			name: "no prefix",
			msg:  message("guild-1", "user-1", "join", false),
		},
		{
			name: "trailing arguments",
			msg:  message("guild-1", "user-1", "!join now", false),
		},
		{
			name: "unknown command",
			msg:  message("guild-1", "user-1", "!dance", false),
		},
		{
			name: "case sensitive",
			msg:  message("guild-1", "user-1", "!JOIN", false),
		},
		{
			name:        "custom prefix",
			opts:        []discord.RouterOption{discord.WithPrefix("?")},
			msg:         message("guild-1", "user-1", "?join", false),
			wantHandled: true,
			wantReplies: []string{"join:user-1"},
		},
		{
			name: "other guild ignored",
			opts: []discord.RouterOption{discord.WithGuild("guild-2")},
			msg:  message("guild-1", "user-1", "!join", false),
		},
		{
			name:        "missing control role",
			opts:        []discord.RouterOption{discord.WithPermissions(discord.NewPermissionChecker("role-admin"))},
			msg:         message("guild-1", "user-1", "!join", false),
			wantHandled: true,
			wantReplies: []string{discord.ReplyNotAllowed},
		},
		{
			name:        "holding control role",
			opts:        []discord.RouterOption{discord.WithPermissions(discord.NewPermissionChecker("role-ok"))},
			msg:         message("guild-1", "user-1", "!join", false),
			wantHandled: true,
			wantReplies: []string{"join:user-1"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			r, _ := echoRouter(tt.opts...)
			s := &mock.Session{}

			if got := r.HandleMessage(context.Background(), s, tt.msg); got != tt.wantHandled {
				t.Errorf("handled = %v, want %v", got, tt.wantHandled)
			}
			if got := s.ReplyTexts(); !slices.Equal(got, tt.wantReplies) {
				t.Errorf("replies = %q, want %q", got, tt.wantReplies)
			}
		})
	}
}

func TestCommandRouter_ReplyReferencesMessage(t *testing.T) {
	t.Parallel()
	r, calls := echoRouter()
	s := &mock.Session{}

	r.HandleMessage(context.Background(), s, message("guild-1", "user-1", "!join", false))

	if len(s.Replies) != 1 {
		t.Fatalf("replies = %d, want 1", len(s.Replies))
	}
	got := s.Replies[0]
	if got.ChannelID != "text-1" || got.Reference == nil || got.Reference.MessageID != "msg-1" {
		t.Errorf("reply = %+v, want a reply to msg-1 in text-1", got)
	}
	if len(*calls) != 1 || (*calls)[0].GuildID != "guild-1" {
		t.Errorf("calls = %+v", *calls)
	}
}

func interaction(name string, member *discordgo.Member) *discordgo.InteractionCreate {
	return &discordgo.InteractionCreate{Interaction: &discordgo.Interaction{
		Type:      discordgo.InteractionApplicationCommand,
		GuildID:   "guild-1",
		ChannelID: "text-1",
		Member:    member,
		Data:      discordgo.ApplicationCommandInteractionData{Name: name},
	}}
}

func TestCommandRouter_HandleInteraction(t *testing.T) {
	t.Parallel()

	member := &discordgo.Member{User: &discordgo.User{ID: "user-7"}, Roles: []string{"role-ok"}}

	tests := []struct {
		name        string
		opts        []discord.RouterOption
		in          *discordgo.InteractionCreate
		wantContent string
	}{
		{name: "unknown command", in: interaction("dance", member), wantContent: "Unknown command."},
		{
			name:        "missing control role",
			opts:        []discord.RouterOption{discord.WithPermissions(discord.NewPermissionChecker("role-admin"))},
			in:          interaction("leave", member),
			wantContent: discord.ReplyNotAllowed,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			r, _ := echoRouter(tt.opts...)
			s := &mock.Session{}
			r.HandleInteraction(context.Background(), s, tt.in)

			resp := s.LastResponse()
			if resp == nil || resp.Data == nil {
				t.Fatal("no interaction response recorded")
			}
			if resp.Data.Content != tt.wantContent {
				t.Errorf("content = %q, want %q", resp.Data.Content, tt.wantContent)
			}
			if resp.Data.Flags&discordgo.MessageFlagsEphemeral == 0 {
				t.Error("response should be ephemeral")
			}
			if len(s.FollowUps) != 0 {
				t.Errorf("follow-ups = %d, want 0", len(s.FollowUps))
			}
		})
	}
}

func TestCommandRouter_SlashCommandDefersReply(t *testing.T) {
	t.Parallel()

	member := &discordgo.Member{User: &discordgo.User{ID: "user-7"}}
	r, calls := echoRouter()
	s := &mock.Session{}
	r.HandleInteraction(context.Background(), s, interaction("join", member))

	if len(s.Responses) != 1 {
		t.Fatalf("interaction responses = %d, want 1", len(s.Responses))
	}
	if got := s.Responses[0].Type; got != discordgo.InteractionResponseDeferredChannelMessageWithSource {
		t.Errorf("response type = %v, want deferred", got)
	}
	if s.Responses[0].Data == nil || s.Responses[0].Data.Flags&discordgo.MessageFlagsEphemeral == 0 {
		t.Error("deferred response should be ephemeral")
	}

	fu := s.LastFollowUp()
	if fu == nil {
		t.Fatal("no follow-up recorded")
	}
	if fu.Content != "join:user-7" {
		t.Errorf("follow-up content = %q, want join:user-7", fu.Content)
	}
	if fu.Flags&discordgo.MessageFlagsEphemeral == 0 {
		t.Error("follow-up should be ephemeral")
	}
	if len(*calls) != 1 {
		t.Errorf("handler calls = %d, want 1", len(*calls))
	}
}

func TestCommandRouter_ApplicationCommands(t *testing.T) {
	t.Parallel()
	r, _ := echoRouter()
	r.RegisterCommand("chat-only", nil, func(context.Context, discord.Request) {})

	var names []string
	for _, c := range r.ApplicationCommands() {
		names = append(names, c.Name)
	}
	slices.Sort(names)
	if !slices.Equal(names, []string{"join", "leave"}) {
		t.Errorf("application commands = %v, want [join leave]", names)
	}
}
