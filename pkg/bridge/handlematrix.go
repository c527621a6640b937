// Copyright 2024-2026 Remi Philippe
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package bridge

import (
	"context"
	"regexp"
	"strings"

	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"

	"github.com/aiku/matrix-discord/pkg/discord"
	"github.com/aiku/matrix-discord/pkg/matrix"
	"github.com/aiku/matrix-discord/pkg/matrixfmt"
)

// HandleMatrixEvent is the appservice transaction handler. It runs on the
// HTTP serving goroutine; per-event panics are contained by the dispatcher.
func (b *Bridge) HandleMatrixEvent(evt *event.Event) {
	b.metrics.IncMatrixEvent(evt.Type.Type)

	switch evt.Type {
	case event.EventMessage:
		b.handleMatrixMessage(b.ctx, evt)
	case event.EventRedaction:
		b.handleMatrixRedaction(b.ctx, evt)
	case event.StateMember:
		b.handleMatrixMember(b.ctx, evt)
	case event.EphemeralEventTyping:
		b.handleMatrixTyping(b.ctx, evt)
	}
}

// isBridgeSender reports whether an event originates from the bridge itself,
// either the bot or a puppet. Relaying those back would loop.
func (b *Bridge) isBridgeSender(sender id.UserID) bool {
	return sender == b.botMXID || IsPuppetMXID(sender, b.cfg.ServerName)
}

func (b *Bridge) handleMatrixMessage(ctx context.Context, evt *event.Event) {
	if b.isBridgeSender(evt.Sender) {
		return
	}
	content := evt.Content.AsMessage()
	if content == nil || content.Body == "" {
		return
	}

	if strings.HasPrefix(content.Body, "!bridge") {
		b.handleBridgeCommand(ctx, evt, content.Body)
	}

	channelID, err := b.store.GetChannel(ctx, evt.RoomID)
	if err != nil {
		b.log.Error().Err(err).Str("room_id", string(evt.RoomID)).Msg("Failed to look up channel mapping")
		return
	}
	if channelID == "" {
		return
	}

	webhook, err := b.webhook(ctx, channelID)
	if err != nil {
		b.log.Error().Err(err).Str("channel_id", channelID).Msg("Failed to get bridge webhook")
		b.metrics.IncRelayError("matrix")
		return
	}

	if relation := content.RelatesTo; relation != nil && relation.Type == event.RelReplace {
		b.handleMatrixEdit(ctx, evt, content, webhook)
		return
	}

	body := b.outboundBody(ctx, evt, content)
	if content.URL == "" {
		body = b.resolveTextMentions(ctx, channelID, body)
	}

	members, err := b.roomMembers(ctx, evt.RoomID)
	if err != nil {
		b.log.Error().Err(err).Str("room_id", string(evt.RoomID)).Msg("Failed to fetch room members")
		b.metrics.IncRelayError("matrix")
		return
	}
	author := members[evt.Sender]
	username := author.DisplayName
	if username == "" {
		username = string(evt.Sender)
	}

	params := &discord.WebhookParams{
		Content:         body,
		Username:        clipName(username, discord.WebhookNameLimit),
		AllowedMentions: &discord.AllowedMentions{Parse: []string{"users"}},
	}
	if author.AvatarURL != "" {
		params.AvatarURL = b.mx.DownloadURL(id.ContentURIString(author.AvatarURL))
	}

	msg, err := b.rest.ExecuteWebhook(ctx, webhook, params)
	if err != nil {
		b.log.Error().Err(err).Str("event_id", string(evt.ID)).Msg("Failed to execute webhook")
		b.metrics.IncRelayError("matrix")
		return
	}

	b.cache.PutMatrixMessage(evt.ID, msg.ID)
	b.metrics.IncRelayed("matrix")
}

// handleMatrixEdit relays an m.replace event. Edits whose original was never
// relayed are dropped.
func (b *Bridge) handleMatrixEdit(ctx context.Context, evt *event.Event, content *event.MessageEventContent, webhook *discord.Webhook) {
	messageID, ok := b.cache.MatrixMessage(content.RelatesTo.EventID)
	if !ok || content.NewContent == nil {
		return
	}

	body := b.renderBody(ctx, evt, content.NewContent)
	err := b.rest.EditWebhookMessage(ctx, webhook, messageID, body)
	if err != nil && !discord.IsNotFound(err) {
		b.log.Error().Err(err).Str("event_id", string(evt.ID)).Msg("Failed to edit webhook message")
		b.metrics.IncRelayError("matrix")
		return
	}
	b.metrics.IncRelayed("matrix")
}

// outboundBody renders the Discord body for a new Matrix message. Media
// messages become a labelled download link.
func (b *Bridge) outboundBody(ctx context.Context, evt *event.Event, content *event.MessageEventContent) string {
	if content.URL != "" {
		return "`" + content.Body + "`: " + b.mx.DownloadURL(content.URL)
	}
	return b.renderBody(ctx, evt, content)
}

var textMentionRe = regexp.MustCompile(`(^|\s)@(\w+)`)

// resolveTextMentions turns plain "@name" references into native Discord
// mentions by querying the guild over the gateway. Unknown names and a
// disconnected gateway leave the text as is.
func (b *Bridge) resolveTextMentions(ctx context.Context, channelID, body string) string {
	if !strings.Contains(body, "@") {
		return body
	}
	guildID, ok := b.cache.GuildForChannel(channelID)
	if !ok {
		return body
	}
	return textMentionRe.ReplaceAllStringFunc(body, func(ref string) string {
		prefix, name, _ := strings.Cut(ref, "@")
		members, err := b.queryMembers(ctx, guildID, name, 5)
		if err != nil {
			return ref
		}
		for i := range members {
			if strings.EqualFold(members[i].User.Username, name) {
				return prefix + "<@" + members[i].User.ID + ">"
			}
		}
		return ref
	})
}

var plainEmoteRe = regexp.MustCompile(`:(\w+):`)

// renderBody converts message content to Discord markdown: the HTML variant
// through the tag parser, plain bodies through the emote pass only.
func (b *Bridge) renderBody(ctx context.Context, evt *event.Event, content *event.MessageEventContent) string {
	if content.Format == event.FormatHTML && content.FormattedBody != "" {
		return matrixfmt.Parse(content.FormattedBody, matrixfmt.Params{
			Mention: b.mentionFor(ctx),
			Emote:   b.cache.EmoteRender,
			ImageURL: func(src string) (string, bool) {
				link := b.mx.DownloadURL(id.ContentURIString(src))
				return link, link != ""
			},
			DeepLink: "https://matrix.to/#/" + string(evt.RoomID) + "/" + string(evt.ID),
		})
	}

	body := plainEmoteRe.ReplaceAllStringFunc(content.Body, func(ref string) string {
		if render, ok := b.cache.EmoteRender(strings.Trim(ref, ":")); ok {
			return render
		}
		return ref
	})
	if len(body) > discord.MessageLimit {
		body = body[:discord.MessageLimit]
	}
	return body
}

// mentionFor resolves matrix.to user links to native Discord mentions.
// Name-hashed webhook identities can't be pinged, so they render as plain
// @name text.
func (b *Bridge) mentionFor(ctx context.Context) func(target string) (string, bool) {
	return func(target string) (string, bool) {
		discordID, hashed, ok := ParsePuppetMXID(id.UserID(target), b.cfg.ServerName)
		if !ok {
			return "", false
		}
		if !hashed {
			return "<@" + discordID + ">", true
		}
		puppet, err := b.store.GetPuppet(ctx, id.UserID(target))
		if err != nil || puppet == nil || puppet.DisplayName == "" {
			return "", false
		}
		return "@" + puppet.DisplayName, true
	}
}

// handleBridgeCommand provisions a room for "!bridge <channel-id>" from a
// local user. Invalid channels only warn; the command has no reply path.
func (b *Bridge) handleBridgeCommand(ctx context.Context, evt *event.Event, body string) {
	if evt.Sender.Homeserver() != b.cfg.ServerName {
		return
	}
	fields := strings.Fields(body)
	if len(fields) < 2 {
		return
	}

	channel, err := b.rest.GetChannel(ctx, fields[1])
	if err != nil {
		// The channel can be invalid or the bot may lack permissions.
		b.log.Warn().Err(err).Str("channel_id", fields[1]).Msg("Failed to fetch channel")
		return
	}
	if channel.Type != discord.ChannelGuildText {
		return
	}

	existing, err := b.store.GetRoom(ctx, channel.ID)
	if err != nil || existing != "" {
		return
	}

	b.log.Info().Str("channel_id", channel.ID).Msg("Creating bridged room")

	roomID, err := b.mx.CreateRoom(ctx, &matrix.CreateRoomRequest{
		Visibility:    "private",
		RoomAliasName: puppetPrefix + channel.ID,
		Name:          channel.Name,
		Topic:         channel.Name,
		Invite:        []id.UserID{evt.Sender},
		InitialState: []map[string]any{
			{"type": "m.room.join_rules", "content": map[string]any{"join_rule": "public"}},
			{"type": "m.room.history_visibility", "content": map[string]any{"history_visibility": "shared"}},
		},
		PowerLevels: map[string]any{
			"users": map[string]any{string(evt.Sender): 100, string(b.botMXID): 100},
		},
	})
	if err != nil {
		b.log.Error().Err(err).Str("channel_id", channel.ID).Msg("Failed to create bridged room")
		return
	}
	if err := b.store.PutRoom(ctx, roomID, channel.ID); err != nil {
		b.log.Error().Err(err).Str("room_id", string(roomID)).Msg("Failed to store room mapping")
	}
}

func (b *Bridge) handleMatrixRedaction(ctx context.Context, evt *event.Event) {
	if b.isBridgeSender(evt.Sender) {
		return
	}
	messageID, ok := b.cache.MatrixMessage(evt.Redacts)
	if !ok {
		return
	}

	channelID, err := b.store.GetChannel(ctx, evt.RoomID)
	if err != nil || channelID == "" {
		return
	}
	webhook, err := b.webhook(ctx, channelID)
	if err != nil {
		b.log.Error().Err(err).Str("channel_id", channelID).Msg("Failed to get bridge webhook")
		return
	}

	// The target may already be gone on the Discord side.
	if err := b.rest.DeleteWebhookMessage(ctx, webhook, messageID); err != nil && !discord.IsNotFound(err) {
		b.log.Error().Err(err).Str("message_id", messageID).Msg("Failed to delete webhook message")
		return
	}
	b.cache.DeleteMatrixMessage(evt.Redacts)
}

// handleMatrixMember invalidates the member cache and auto-joins direct
// message invites aimed at the bot.
func (b *Bridge) handleMatrixMember(ctx context.Context, evt *event.Event) {
	if b.cache.InvalidateMembers(evt.RoomID) {
		b.log.Info().Str("room_id", string(evt.RoomID)).Msg("Cleared member cache for room")
	}

	content := evt.Content.AsMember()
	if content == nil ||
		evt.Sender.Homeserver() != b.cfg.ServerName ||
		evt.GetStateKey() != string(b.botMXID) ||
		content.Membership != event.MembershipInvite ||
		!content.IsDirect {
		return
	}

	b.log.Info().Str("room_id", string(evt.RoomID)).Msg("Joining direct message room")
	if err := b.mx.JoinRoom(ctx, evt.RoomID, ""); err != nil {
		b.log.Error().Err(err).Str("room_id", string(evt.RoomID)).Msg("Failed to join DM room")
	}
}

// handleMatrixTyping forwards typing from real users to the channel. Discord
// has no per-webhook typing, so the bot types on everyone's behalf.
func (b *Bridge) handleMatrixTyping(ctx context.Context, evt *event.Event) {
	content := evt.Content.AsTyping()
	if content == nil {
		return
	}

	channelID, err := b.store.GetChannel(ctx, evt.RoomID)
	if err != nil || channelID == "" {
		return
	}

	for _, userID := range content.UserIDs {
		if b.isBridgeSender(userID) {
			continue
		}
		if err := b.rest.TriggerTyping(ctx, channelID); err != nil {
			b.log.Debug().Err(err).Str("channel_id", channelID).Msg("Failed to trigger typing")
		}
		return
	}
}
