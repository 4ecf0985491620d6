// Package mock provides test doubles for the Discord command layer.
package mock

import (
	"errors"
	"sync"

	"github.com/bwmarrin/discordgo"
)

// ErrNotFound is returned by State lookups that have no cached entry,
// mirroring discordgo.ErrStateNotFound.
var ErrNotFound = errors.New("mock: state cache entry not found")

// SentReply records one ChannelMessageSendReply call.
type SentReply struct {
	ChannelID string
	Content   string
	Reference *discordgo.MessageReference
}

// Session records chat replies, interaction responses and follow-ups. It
// implements both discord.Messenger and discord.InteractionResponder.
type Session struct {
	mu sync.Mutex

	// Replies records all ChannelMessageSendReply calls.
	Replies []SentReply

	// Responses records all InteractionRespond calls.
	Responses []*discordgo.InteractionResponse

	// FollowUps records all FollowupMessageCreate calls.
	FollowUps []*discordgo.WebhookParams

	// Err is returned by every call when non-nil.
	Err error
}

// ChannelMessageSendReply records the reply and returns a stub message.
func (s *Session) ChannelMessageSendReply(channelID, content string, reference *discordgo.MessageReference, _ ...discordgo.RequestOption) (*discordgo.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Replies = append(s.Replies, SentReply{ChannelID: channelID, Content: content, Reference: reference})
	if s.Err != nil {
		return nil, s.Err
	}
	return &discordgo.Message{ID: "mock-reply", ChannelID: channelID, Content: content}, nil
}

// InteractionRespond records the response and returns the configured error.
func (s *Session) InteractionRespond(_ *discordgo.Interaction, resp *discordgo.InteractionResponse, _ ...discordgo.RequestOption) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Responses = append(s.Responses, resp)
	return s.Err
}

// FollowupMessageCreate records the follow-up and returns a stub message.
func (s *Session) FollowupMessageCreate(_ *discordgo.Interaction, _ bool, data *discordgo.WebhookParams, _ ...discordgo.RequestOption) (*discordgo.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.FollowUps = append(s.FollowUps, data)
	if s.Err != nil {
		return nil, s.Err
	}
	return &discordgo.Message{ID: "mock-followup", Content: data.Content}, nil
}

// LastFollowUp returns the most recently recorded follow-up, or nil.
func (s *Session) LastFollowUp() *discordgo.WebhookParams {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.FollowUps) == 0 {
		return nil
	}
	return s.FollowUps[len(s.FollowUps)-1]
}

// ReplyTexts returns the content of every recorded chat reply.
func (s *Session) ReplyTexts() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, len(s.Replies))
	for i, r := range s.Replies {
		out[i] = r.Content
	}
	return out
}

// LastResponse returns the most recently recorded interaction response, or nil.
func (s *Session) LastResponse() *discordgo.InteractionResponse {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.Responses) == 0 {
		return nil
	}
	return s.Responses[len(s.Responses)-1]
}

// State is an in-memory stand-in for the gateway state cache.
type State struct {
	// VoiceStates maps "guildID/userID" to the member's voice state.
	VoiceStates map[string]*discordgo.VoiceState

	// Channels maps channel IDs to channels.
	Channels map[string]*discordgo.Channel
}

// SetVoiceState places userID in channelID.
func (s *State) SetVoiceState(guildID, userID, channelID string) {
	if s.VoiceStates == nil {
		s.VoiceStates = make(map[string]*discordgo.VoiceState)
	}
	s.VoiceStates[guildID+"/"+userID] = &discordgo.VoiceState{GuildID: guildID, UserID: userID, ChannelID: channelID}
}

// AddChannel caches a voice channel.
func (s *State) AddChannel(guildID, channelID, name string) {
	if s.Channels == nil {
		s.Channels = make(map[string]*discordgo.Channel)
	}
	s.Channels[channelID] = &discordgo.Channel{ID: channelID, GuildID: guildID, Name: name, Type: discordgo.ChannelTypeGuildVoice}
}

// VoiceState returns the cached voice state of userID in guildID.
func (s *State) VoiceState(guildID, userID string) (*discordgo.VoiceState, error) {
	vs, ok := s.VoiceStates[guildID+"/"+userID]
	if !ok {
		return nil, ErrNotFound
	}
	return vs, nil
}

// Channel returns the cached channel.
func (s *State) Channel(channelID string) (*discordgo.Channel, error) {
	ch, ok := s.Channels[channelID]
	if !ok {
		return nil, ErrNotFound
	}
	return ch, nil
}
