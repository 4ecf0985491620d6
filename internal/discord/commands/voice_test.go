package commands

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/MrWong99/voxrelay/internal/discord"
	"github.com/MrWong99/voxrelay/internal/discord/mock"
	"github.com/MrWong99/voxrelay/internal/voice"
)

type fakeLink struct {
	joinErr  error
	leaveErr error
	joined   []string
	leaves   int

	// hang makes Join wait for its context like a stalled voice handshake.
	hang bool
}

func (f *fakeLink) Join(ctx context.Context, channelID string) (*voice.Link, error) {
	if _, ok := ctx.Deadline(); !ok {
		return nil, errors.New("join called without a deadline")
	}
	f.joined = append(f.joined, channelID)
	if f.hang {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	return nil, f.joinErr
}

func (f *fakeLink) Leave() error {
	f.leaves++
	return f.leaveErr
}

func request(replies *[]string) discord.Request {
	return discord.Request{
		GuildID:   "guild-1",
		ChannelID: "text-1",
		UserID:    "user-1",
		Reply:     func(content string) { *replies = append(*replies, content) },
	}
}

func TestHandleJoin(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name       string
		setup      func(*mock.State)
		joinErr    error
		wantJoined []string
		wantReply  string
	}{
		{
			name: "joins the requester's channel",
			setup: func(s *mock.State) {
				s.SetVoiceState("guild-1", "user-1", "vc-1")
				s.AddChannel("guild-1", "vc-1", "General")
			},
			wantJoined: []string{"vc-1"},
			wantReply:  "Joined voice channel: General",
		},
		{
			name:       "channel name falls back to the id",
			setup:      func(s *mock.State) { s.SetVoiceState("guild-1", "user-1", "vc-2") },
			wantJoined: []string{"vc-2"},
			wantReply:  "Joined voice channel: vc-2",
		},
		{
			name:      "requester not in voice",
			setup:     func(*mock.State) {},
			wantReply: ReplyNotInVoice,
		},
		{
			name:      "voice state without channel",
			setup:     func(s *mock.State) { s.SetVoiceState("guild-1", "user-1", "") },
			wantReply: ReplyNotInVoice,
		},
		{
			name:      "requester in another guild",
			setup:     func(s *mock.State) { s.SetVoiceState("guild-2", "user-1", "vc-9") },
			wantReply: ReplyNotInVoice,
		},
		{
			name: "connect fails",
			setup: func(s *mock.State) {
				s.SetVoiceState("guild-1", "user-1", "vc-1")
				s.AddChannel("guild-1", "vc-1", "General")
			},
			joinErr:    errors.New("voice gateway timeout"),
			wantJoined: []string{"vc-1"},
			wantReply:  ReplyJoinFailed,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			state := &mock.State{}
			tt.setup(state)
			link := &fakeLink{joinErr: tt.joinErr}
			vc := NewVoiceCommands(link, state)

			var replies []string
			vc.HandleJoin(context.Background(), request(&replies))

			if fmt.Sprint(link.joined) != fmt.Sprint(tt.wantJoined) {
				t.Errorf("joined = %v, want %v", link.joined, tt.wantJoined)
			}
			if len(replies) != 1 || replies[0] != tt.wantReply {
				t.Errorf("replies = %q, want [%q]", replies, tt.wantReply)
			}
		})
	}
}

func TestHandleJoin_Timeout(t *testing.T) {
	t.Parallel()

	state := &mock.State{}
	state.SetVoiceState("guild-1", "user-1", "vc-1")
	link := &fakeLink{hang: true}
	vc := NewVoiceCommands(link, state, WithJoinTimeout(20*time.Millisecond))

	var replies []string
	done := make(chan struct{})
	go func() {
		defer close(done)
		vc.HandleJoin(context.Background(), request(&replies))
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("HandleJoin did not give up at the join timeout")
	}
	if len(replies) != 1 || replies[0] != ReplyJoinFailed {
		t.Errorf("replies = %q, want [%q]", replies, ReplyJoinFailed)
	}
}

func TestHandleLeave(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name      string
		leaveErr  error
		wantReply string
	}{
		{name: "connected", wantReply: ReplyLeft},
		{name: "not connected", leaveErr: voice.ErrNotConnected, wantReply: ReplyNotConnected},
		{name: "wrapped not connected", leaveErr: fmt.Errorf("x: %w", voice.ErrNotConnected), wantReply: ReplyNotConnected},
		{name: "disconnect error still left", leaveErr: errors.New("voice: disconnect: boom"), wantReply: ReplyLeft},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			link := &fakeLink{leaveErr: tt.leaveErr}
			vc := NewVoiceCommands(link, &mock.State{})

			var replies []string
			vc.HandleLeave(context.Background(), request(&replies))

			if link.leaves != 1 {
				t.Errorf("Leave called %d times, want 1", link.leaves)
			}
			if len(replies) != 1 || replies[0] != tt.wantReply {
				t.Errorf("replies = %q, want [%q]", replies, tt.wantReply)
			}
		})
	}
}

func TestRegister(t *testing.T) {
	t.Parallel()
	router := discord.NewCommandRouter()
	NewVoiceCommands(&fakeLink{}, &mock.State{}).Register(router)

	names := map[string]bool{}
	for _, cmd := range router.ApplicationCommands() {
		names[cmd.Name] = true
	}
	if len(names) != 2 || !names["join"] || !names["leave"] {
		t.Fatalf("registered = %v, want join and leave", names)
	}
}
