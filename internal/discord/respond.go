package discord

import (
	"log/slog"

	"github.com/bwmarrin/discordgo"
)

// Messenger sends chat messages. *discordgo.Session implements it.
type Messenger interface {
	ChannelMessageSendReply(channelID, content string, reference *discordgo.MessageReference, options ...discordgo.RequestOption) (*discordgo.Message, error)
}

// InteractionResponder answers slash command interactions. *discordgo.Session
// implements it.
type InteractionResponder interface {
	InteractionRespond(interaction *discordgo.Interaction, resp *discordgo.InteractionResponse, options ...discordgo.RequestOption) error
	FollowupMessageCreate(interaction *discordgo.Interaction, wait bool, data *discordgo.WebhookParams, options ...discordgo.RequestOption) (*discordgo.Message, error)
}

// Reply answers m in its channel as a reply to the original message.
func Reply(s Messenger, m *discordgo.MessageCreate, content string) {
	if _, err := s.ChannelMessageSendReply(m.ChannelID, content, m.Reference()); err != nil {
		slog.Warn("discord: failed to send reply", "channel", m.ChannelID, "err", err)
	}
}

// RespondEphemeral sends an ephemeral text response to an interaction.
func RespondEphemeral(s InteractionResponder, i *discordgo.InteractionCreate, content string) {
	err := s.InteractionRespond(i.Interaction, &discordgo.InteractionResponse{
		Type: discordgo.InteractionResponseChannelMessageWithSource,
		Data: &discordgo.InteractionResponseData{
			Content: content,
			Flags:   discordgo.MessageFlagsEphemeral,
		},
	})
	if err != nil {
		slog.Warn("discord: failed to send ephemeral response", "err", err)
	}
}

// DeferReply acknowledges an interaction with an ephemeral "thinking" state.
// Discord drops interactions that are not answered within three seconds, so
// handlers that may take longer reply through [FollowUp].
func DeferReply(s InteractionResponder, i *discordgo.InteractionCreate) error {
	err := s.InteractionRespond(i.Interaction, &discordgo.InteractionResponse{
		Type: discordgo.InteractionResponseDeferredChannelMessageWithSource,
		Data: &discordgo.InteractionResponseData{
			Flags: discordgo.MessageFlagsEphemeral,
		},
	})
	if err != nil {
		slog.Warn("discord: failed to defer reply", "err", err)
	}
	return err
}

// FollowUp sends an ephemeral follow-up message after a deferred response.
func FollowUp(s InteractionResponder, i *discordgo.InteractionCreate, content string) {
	_, err := s.FollowupMessageCreate(i.Interaction, true, &discordgo.WebhookParams{
		Content: content,
		Flags:   discordgo.MessageFlagsEphemeral,
	})
	if err != nil {
		slog.Warn("discord: failed to send follow-up", "err", err)
	}
}
