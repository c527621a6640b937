// Copyright 2024-2026 Aiku AI

package discord

import (
	"encoding/json"
	"fmt"
)

// Event is a decoded gateway dispatch. The set of implementations is closed;
// consumers route with a type switch.
type Event interface {
	isEvent()
}

// MessageCreate is a new message in a channel.
type MessageCreate struct {
	Message
}

// MessageUpdate is an edit to an existing message.
type MessageUpdate struct {
	Message
}

// MessageDelete is a message removal. Only IDs are delivered.
type MessageDelete struct {
	ID        string `json:"id"`
	ChannelID string `json:"channel_id"`
	GuildID   string `json:"guild_id,omitempty"`
}

// TypingStart is a typing notice.
type TypingStart struct {
	UserID    string `json:"user_id"`
	ChannelID string `json:"channel_id"`
	GuildID   string `json:"guild_id,omitempty"`
}

// GuildCreate carries the full guild snapshot sent after identify/resume.
type GuildCreate struct {
	Guild
}

// GuildMemberUpdate is a profile change for a guild member.
type GuildMemberUpdate struct {
	GuildID string `json:"guild_id"`
	User    User   `json:"user"`
	Nick    string `json:"nick,omitempty"`
}

// GuildEmojisUpdate replaces a guild's emoji table.
type GuildEmojisUpdate struct {
	GuildID string  `json:"guild_id"`
	Emojis  []Emoji `json:"emojis"`
}

// GuildMembersChunk answers a REQUEST_GUILD_MEMBERS query.
type GuildMembersChunk struct {
	GuildID    string   `json:"guild_id"`
	Members    []Member `json:"members"`
	ChunkIndex int      `json:"chunk_index"`
	ChunkCount int      `json:"chunk_count"`
	Nonce      string   `json:"nonce,omitempty"`
}

func (*MessageCreate) isEvent()     {}
func (*MessageUpdate) isEvent()     {}
func (*MessageDelete) isEvent()     {}
func (*TypingStart) isEvent()       {}
func (*GuildCreate) isEvent()       {}
func (*GuildMemberUpdate) isEvent() {}
func (*GuildEmojisUpdate) isEvent() {}
func (*GuildMembersChunk) isEvent() {}

// decodeEvent maps a dispatch type to its typed event. Unknown types return
// (nil, nil) so the gateway can log and drop them.
func decodeEvent(typ string, data json.RawMessage) (Event, error) {
	var evt Event
	switch typ {
	case "MESSAGE_CREATE":
		evt = &MessageCreate{}
	case "MESSAGE_UPDATE":
		evt = &MessageUpdate{}
	case "MESSAGE_DELETE":
		evt = &MessageDelete{}
	case "TYPING_START":
		evt = &TypingStart{}
	case "GUILD_CREATE":
		evt = &GuildCreate{}
	case "GUILD_MEMBER_UPDATE":
		evt = &GuildMemberUpdate{}
	case "GUILD_EMOJIS_UPDATE":
		evt = &GuildEmojisUpdate{}
	case "GUILD_MEMBERS_CHUNK":
		evt = &GuildMembersChunk{}
	default:
		return nil, nil
	}
	if err := json.Unmarshal(data, evt); err != nil {
		return nil, fmt.Errorf("failed to decode %s: %w", typ, err)
	}
	return evt, nil
}
