package relay

import (
	"encoding/json"
	"log/slog"
	"strings"
)

// Command is the control instruction embedded in a model reply.
type Command int

const (
	// CommandNone means the reply carries no state change.
	CommandNone Command = iota
	// CommandMute asks the bot to self-mute.
	CommandMute
	// CommandUnmute asks the bot to lift its self-mute.
	CommandUnmute
)

func (c Command) String() string {
	switch c {
	case CommandMute:
		return "mute"
	case CommandUnmute:
		return "unmute"
	default:
		return "none"
	}
}

// Reply is a parsed model response. An empty Message means the model chose
// not to speak this turn.
type Reply struct {
	Message string
	Command Command
}

type wireReply struct {
	Message string  `json:"message"`
	Command *string `json:"command"`
}

// ParseReply extracts the reply object from raw model output. Models tend to
// wrap the JSON in prose or code fences, so the text between the first '{' and
// the last '}' is decoded. Failures are logged and reported as ok == false;
// they are an expected outcome, not an error.
func ParseReply(raw string) (reply Reply, ok bool) {
	start := strings.IndexByte(raw, '{')
	end := strings.LastIndexByte(raw, '}')
	if start < 0 || end < start {
		slog.Warn("relay: reply contains no JSON object", "raw", raw)
		return Reply{}, false
	}

	var w wireReply
	if err := json.Unmarshal([]byte(raw[start:end+1]), &w); err != nil {
		slog.Warn("relay: reply is not valid JSON", "err", err, "raw", raw)
		return Reply{}, false
	}

	reply.Message = strings.TrimSpace(w.Message)
	if w.Command != nil {
		reply.Command = parseCommand(*w.Command)
	}
	return reply, true
}

func parseCommand(s string) Command {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "null", "none":
		return CommandNone
	case "mute":
		return CommandMute
	case "unmute":
		return CommandUnmute
	default:
		slog.Warn("relay: ignoring unknown reply command", "command", s)
		return CommandNone
	}
}
