// Copyright 2024-2026 Remi Philippe
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package discord

import (
	"encoding/json"
	"fmt"
	"strconv"
)

const (
	// APIBaseURL is the versioned Discord HTTP API root.
	APIBaseURL = "https://discord.com/api/v8"
	// CDNBaseURL serves avatars, emojis and stickers.
	CDNBaseURL = "https://cdn.discordapp.com"

	// MessageLimit is the maximum length of a Discord message body.
	MessageLimit = 2000
	// WebhookNameLimit is the maximum length of a webhook username override.
	WebhookNameLimit = 80
)

// Gateway opcodes.
const (
	OpDispatch            = 0
	OpHeartbeat           = 1
	OpIdentify            = 2
	OpResume              = 6
	OpReconnect           = 7
	OpRequestGuildMembers = 8
	OpInvalidSession      = 9
	OpHello               = 10
	OpHeartbeatACK        = 11
)

// Gateway intents.
const (
	IntentGuilds             = 1 << 0
	IntentGuildMembers       = 1 << 1
	IntentGuildEmojis        = 1 << 3
	IntentGuildWebhooks      = 1 << 5
	IntentGuildMessages      = 1 << 9
	IntentGuildMessageTyping = 1 << 11
)

// DefaultIntents covers everything the bridge consumes.
const DefaultIntents = IntentGuilds | IntentGuildMembers | IntentGuildEmojis |
	IntentGuildWebhooks | IntentGuildMessages | IntentGuildMessageTyping

// Payload is the gateway frame envelope. Seq is only present on dispatch
// frames; Data is decoded per opcode/event type.
type Payload struct {
	Op   int             `json:"op"`
	Data json.RawMessage `json:"d,omitempty"`
	Seq  *int64          `json:"s,omitempty"`
	Type string          `json:"t,omitempty"`
}

// User is a Discord account as seen in message authors and member lists.
type User struct {
	ID            string `json:"id"`
	Username      string `json:"username"`
	Discriminator string `json:"discriminator"`
	Avatar        string `json:"avatar"`
	Bot           bool   `json:"bot,omitempty"`
}

// Tag returns the classic username#discriminator form.
func (u *User) Tag() string {
	return u.Username + "#" + u.Discriminator
}

// AvatarURL returns the CDN URL for the user's avatar, falling back to a
// default embed avatar derived from the discriminator.
func (u *User) AvatarURL() string {
	if u.Avatar == "" {
		n, _ := strconv.Atoi(u.Discriminator)
		return fmt.Sprintf("%s/embed/avatars/%d.png", CDNBaseURL, n%5)
	}
	ext := "png"
	if len(u.Avatar) > 2 && u.Avatar[:2] == "a_" {
		ext = "gif"
	}
	return fmt.Sprintf("%s/avatars/%s/%s.%s", CDNBaseURL, u.ID, u.Avatar, ext)
}

// Member is a guild member: a user plus guild-local fields.
type Member struct {
	User User   `json:"user"`
	Nick string `json:"nick,omitempty"`
}

// Channel types.
const (
	ChannelGuildText = 0
)

// Channel is a partial Discord channel.
type Channel struct {
	ID      string `json:"id"`
	GuildID string `json:"guild_id,omitempty"`
	Name    string `json:"name"`
	Type    int    `json:"type"`
}

// Emoji is a guild custom emoji.
type Emoji struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	Animated bool   `json:"animated,omitempty"`
}

// EmojiURL returns the CDN URL for a custom emoji by ID.
func EmojiURL(id string, animated bool) string {
	ext := "png"
	if animated {
		ext = "gif"
	}
	return fmt.Sprintf("%s/emojis/%s.%s", CDNBaseURL, id, ext)
}

// Sticker format types.
const (
	StickerFormatPNG    = 1
	StickerFormatAPNG   = 2
	StickerFormatLottie = 3
)

// Sticker is a partial sticker item attached to a message.
type Sticker struct {
	ID         string `json:"id"`
	Name       string `json:"name"`
	FormatType int    `json:"format_type"`
}

// URL returns the CDN URL for the sticker image. Lottie stickers have no
// usable raster URL and return "".
func (s *Sticker) URL() string {
	if s.FormatType == StickerFormatLottie {
		return ""
	}
	return fmt.Sprintf("%s/stickers/%s.png", CDNBaseURL, s.ID)
}

// Attachment is a file attached to a message.
type Attachment struct {
	ID       string `json:"id"`
	Filename string `json:"filename"`
	URL      string `json:"url"`
}

// MessageReference points at the message a reply targets.
type MessageReference struct {
	MessageID string `json:"message_id,omitempty"`
	ChannelID string `json:"channel_id,omitempty"`
	GuildID   string `json:"guild_id,omitempty"`
}

// Message is a Discord message as delivered by the gateway or the webhook
// execute endpoint.
type Message struct {
	ID                string            `json:"id"`
	ChannelID         string            `json:"channel_id"`
	GuildID           string            `json:"guild_id,omitempty"`
	Author            *User             `json:"author,omitempty"`
	Content           string            `json:"content"`
	Mentions          []User            `json:"mentions,omitempty"`
	Attachments       []Attachment      `json:"attachments,omitempty"`
	Stickers          []Sticker         `json:"sticker_items,omitempty"`
	WebhookID         string            `json:"webhook_id,omitempty"`
	ApplicationID     string            `json:"application_id,omitempty"`
	MessageReference  *MessageReference `json:"message_reference,omitempty"`
	ReferencedMessage *Message          `json:"referenced_message,omitempty"`
}

// Guild is the GUILD_CREATE payload subset the bridge consumes.
type Guild struct {
	ID       string    `json:"id"`
	Name     string    `json:"name"`
	Members  []Member  `json:"members,omitempty"`
	Emojis   []Emoji   `json:"emojis,omitempty"`
	Channels []Channel `json:"channels,omitempty"`
}

// Webhook is a channel webhook owned by the bridge.
type Webhook struct {
	ID        string `json:"id"`
	Token     string `json:"token"`
	Name      string `json:"name"`
	ChannelID string `json:"channel_id,omitempty"`
}

// AllowedMentions restricts which mention types in a webhook payload
// actually ping anyone.
type AllowedMentions struct {
	Parse []string `json:"parse"`
}

// WebhookParams is the body for executing a webhook.
type WebhookParams struct {
	Content         string           `json:"content,omitempty"`
	Username        string           `json:"username,omitempty"`
	AvatarURL       string           `json:"avatar_url,omitempty"`
	AllowedMentions *AllowedMentions `json:"allowed_mentions,omitempty"`
}
