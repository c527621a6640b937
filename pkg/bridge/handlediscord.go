// Copyright 2024-2026 Aiku AI

package bridge

import (
	"context"
	"fmt"
	"strings"

	"github.com/aiku/matrix-discord/pkg/discord"
	"github.com/aiku/matrix-discord/pkg/discordfmt"
	"github.com/aiku/matrix-discord/pkg/matrix"
)

// HandleGatewayEvent is the gateway dispatch handler. It runs on the gateway
// read goroutine.
func (b *Bridge) HandleGatewayEvent(evt discord.Event) {
	b.metrics.IncDiscordEvent(strings.TrimPrefix(fmt.Sprintf("%T", evt), "*discord."))

	switch typed := evt.(type) {
	case *discord.MessageCreate:
		b.handleDiscordMessage(b.ctx, &typed.Message)
	case *discord.MessageUpdate:
		b.handleDiscordEdit(b.ctx, &typed.Message)
	case *discord.MessageDelete:
		b.handleDiscordDelete(b.ctx, typed)
	case *discord.TypingStart:
		b.handleDiscordTyping(b.ctx, typed)
	case *discord.GuildCreate:
		b.handleGuildCreate(b.ctx, typed)
	case *discord.GuildMemberUpdate:
		b.syncProfile(b.ctx, &typed.User)
	case *discord.GuildEmojisUpdate:
		b.cache.PutEmotes(typed.Emojis)
	}
}

// shouldIgnore filters messages the bridge must not relay: unbridged
// channels, authorless embeds, and echoes of its own webhook sends.
func (b *Bridge) shouldIgnore(ctx context.Context, msg *discord.Message) bool {
	if msg.Author == nil {
		return true
	}
	if b.cache.IsOwnWebhook(msg.WebhookID) {
		b.log.Debug().Str("message_id", msg.ID).Msg("Ignoring own webhook echo")
		return true
	}
	return b.roomForChannel(ctx, msg.ChannelID) == ""
}

func (b *Bridge) handleDiscordMessage(ctx context.Context, msg *discord.Message) {
	if b.shouldIgnore(ctx, msg) {
		return
	}
	roomID := b.roomForChannel(ctx, msg.ChannelID)

	mxid := b.puppetMXIDFor(msg)
	if _, err := b.ensurePuppet(ctx, mxid, msg.Author); err != nil {
		b.log.Error().Err(err).Str("mxid", string(mxid)).Msg("Failed to provision puppet")
		b.metrics.IncRelayError("discord")
		return
	}
	if err := b.ensureMember(ctx, roomID, mxid); err != nil {
		b.log.Error().Err(err).Str("mxid", string(mxid)).Msg("Failed to join puppet to room")
		b.metrics.IncRelayError("discord")
		return
	}
	if msg.WebhookID != "" {
		// Webhook senders never appear in guild member lists, so their
		// profile is synced on every message instead.
		b.syncWebhookProfile(ctx, mxid, msg.Author)
	}

	parsed := discordfmt.Parse(msg, discordfmt.Params{ResolveChannel: b.cache.ChannelName})
	b.uploadEmotes(ctx, parsed.Emotes)

	content := b.createMessageContent(ctx, parsed.Content, msg.ReferencedMessage, "")
	eventID, err := b.mx.SendMessage(ctx, roomID, content, mxid)
	if err != nil {
		b.log.Error().Err(err).Str("message_id", msg.ID).Msg("Failed to relay message")
		b.metrics.IncRelayError("discord")
		return
	}

	b.cache.PutRelayed(msg.ID, Relayed{EventID: eventID, RoomID: roomID, Sender: mxid})
	b.metrics.IncRelayed("discord")
}

// handleDiscordEdit relays a message update as an m.replace. Edits of
// messages the bridge never relayed are dropped, as are edits from webhook
// identities that were renamed since the original send: their hashed puppet
// was never provisioned and the homeserver would reject the impersonation.
func (b *Bridge) handleDiscordEdit(ctx context.Context, msg *discord.Message) {
	if b.shouldIgnore(ctx, msg) {
		return
	}
	relayed, ok := b.cache.GetRelayed(msg.ID)
	if !ok {
		return
	}

	mxid := b.puppetMXIDFor(msg)
	puppet, err := b.store.GetPuppet(ctx, mxid)
	if err != nil || puppet == nil {
		return
	}

	parsed := discordfmt.Parse(msg, discordfmt.Params{ResolveChannel: b.cache.ChannelName})
	b.uploadEmotes(ctx, parsed.Emotes)

	content := b.createMessageContent(ctx, parsed.Content, nil, relayed.EventID)
	if _, err := b.mx.SendMessage(ctx, relayed.RoomID, content, mxid); err != nil {
		b.log.Error().Err(err).Str("message_id", msg.ID).Msg("Failed to relay edit")
		b.metrics.IncRelayError("discord")
		return
	}
	b.metrics.IncRelayed("discord")
}

// handleDiscordDelete redacts the relayed event. The correlation is dropped
// even when the redaction fails; the target may already be gone.
func (b *Bridge) handleDiscordDelete(ctx context.Context, evt *discord.MessageDelete) {
	relayed, ok := b.cache.GetRelayed(evt.ID)
	if !ok {
		return
	}

	err := b.mx.RedactEvent(ctx, relayed.RoomID, relayed.EventID, relayed.Sender)
	if err != nil && !matrix.IsNotFound(err) {
		b.log.Error().Err(err).Str("message_id", evt.ID).Msg("Failed to redact relayed message")
	}
	b.cache.DeleteRelayed(evt.ID)
}

// handleDiscordTyping forwards typing for users whose puppet is already a
// member of the bridged room.
func (b *Bridge) handleDiscordTyping(ctx context.Context, evt *discord.TypingStart) {
	roomID := b.roomForChannel(ctx, evt.ChannelID)
	if roomID == "" {
		return
	}

	mxid := PuppetMXID(evt.UserID, "", b.cfg.ServerName)
	members, err := b.roomMembers(ctx, roomID)
	if err != nil {
		return
	}
	if _, joined := members[mxid]; !joined {
		return
	}

	if err := b.mx.SendTyping(ctx, roomID, mxid, b.cfg.TypingTimeout()); err != nil {
		b.log.Debug().Err(err).Str("room_id", string(roomID)).Msg("Failed to send typing")
	}
}

// handleGuildCreate primes the caches for a guild: channel names for
// reference resolution, emote renders, and puppet profile sync for every
// member the gateway included.
func (b *Bridge) handleGuildCreate(ctx context.Context, evt *discord.GuildCreate) {
	b.cache.PutChannels(evt.Guild.ID, evt.Guild.Channels)
	b.cache.PutEmotes(evt.Guild.Emojis)
	for i := range evt.Guild.Members {
		b.syncProfile(ctx, &evt.Guild.Members[i].User)
	}
}
