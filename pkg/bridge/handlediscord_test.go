// Copyright 2024-2026 Remi Philippe
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package bridge

import (
	"strings"
	"testing"

	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"

	"github.com/aiku/matrix-discord/pkg/discord"
	"github.com/aiku/matrix-discord/pkg/matrix"
)

var testAuthor = discord.User{ID: "100", Username: "bob", Discriminator: "0001"}

func discordMessage(messageID, channelID, content string) *discord.Message {
	return &discord.Message{
		ID:        messageID,
		ChannelID: channelID,
		Author:    &testAuthor,
		Content:   content,
	}
}

func TestDiscordMessageRelayedWithProvisioning(t *testing.T) {
	t.Parallel()
	b, hs, _ := newTestBridge(t)
	mapRoom(t, b, testRoomID, "chan1")

	b.HandleGatewayEvent(&discord.MessageCreate{Message: *discordMessage("d1", "chan1", "hi from discord")})

	if len(hs.Registered) != 1 || hs.Registered[0] != "_discord_100" {
		t.Errorf("registered localparts = %v", hs.Registered)
	}

	sent := hs.Sent()
	if len(sent) != 1 {
		t.Fatalf("sent messages = %d, want 1", len(sent))
	}
	if sent[0].AsUser != "@_discord_100:example.com" {
		t.Errorf("impersonated sender = %q", sent[0].AsUser)
	}
	if sent[0].RoomID != testRoomID || sent[0].Content.Body != "hi from discord" {
		t.Errorf("sent = %+v", sent[0])
	}

	relayed, ok := b.cache.GetRelayed("d1")
	if !ok || relayed.EventID != "$evt-1" || relayed.Sender != "@_discord_100:example.com" {
		t.Errorf("relayed record = %+v, %v", relayed, ok)
	}
}

func TestDiscordMessageUnbridgedChannelIgnored(t *testing.T) {
	t.Parallel()
	b, hs, _ := newTestBridge(t)

	b.HandleGatewayEvent(&discord.MessageCreate{Message: *discordMessage("d2", "nochan", "void")})

	if calls := hs.Calls(); len(calls) != 0 {
		t.Errorf("unbridged message reached the homeserver: %v", calls)
	}
}

func TestDiscordMessageOwnWebhookEchoIgnored(t *testing.T) {
	t.Parallel()
	b, hs, _ := newTestBridge(t)
	mapRoom(t, b, testRoomID, "chan1")
	b.cache.PutWebhook("chan1", &discord.Webhook{ID: "hook-7", Token: "tok"})

	msg := discordMessage("d3", "chan1", "echo")
	msg.WebhookID = "hook-7"
	b.HandleGatewayEvent(&discord.MessageCreate{Message: *msg})

	if calls := hs.Calls(); len(calls) != 0 {
		t.Errorf("own webhook echo reached the homeserver: %v", calls)
	}
}

func TestDiscordMessageAuthorlessIgnored(t *testing.T) {
	t.Parallel()
	b, hs, _ := newTestBridge(t)
	mapRoom(t, b, testRoomID, "chan1")

	b.HandleGatewayEvent(&discord.MessageCreate{Message: discord.Message{ID: "d4", ChannelID: "chan1", Content: "embed"}})

	if calls := hs.Calls(); len(calls) != 0 {
		t.Errorf("authorless message reached the homeserver: %v", calls)
	}
}

func TestDiscordWebhookSenderGetsHashedIdentity(t *testing.T) {
	t.Parallel()
	b, hs, _ := newTestBridge(t)
	mapRoom(t, b, testRoomID, "chan1")

	msg := discordMessage("d5", "chan1", "via webhook")
	msg.WebhookID = "foreign-hook"
	b.HandleGatewayEvent(&discord.MessageCreate{Message: *msg})

	want := string(PuppetMXID("100", webhookHash("bob"), testServerName))
	sent := hs.Sent()
	if len(sent) != 1 {
		t.Fatalf("sent messages = %d, want 1", len(sent))
	}
	if sent[0].AsUser != want {
		t.Errorf("webhook sender = %q, want hashed identity %q", sent[0].AsUser, want)
	}
}

func TestDiscordApplicationWebhookKeepsPlainIdentity(t *testing.T) {
	t.Parallel()
	b, hs, _ := newTestBridge(t)
	mapRoom(t, b, testRoomID, "chan1")

	msg := discordMessage("d6", "chan1", "interaction reply")
	msg.WebhookID = "app-hook"
	msg.ApplicationID = "app-hook"
	b.HandleGatewayEvent(&discord.MessageCreate{Message: *msg})

	sent := hs.Sent()
	if len(sent) != 1 {
		t.Fatalf("sent messages = %d, want 1", len(sent))
	}
	if sent[0].AsUser != "@_discord_100:example.com" {
		t.Errorf("application webhook sender = %q, want plain identity", sent[0].AsUser)
	}
}

func TestDiscordEditRelayed(t *testing.T) {
	t.Parallel()
	b, hs, _ := newTestBridge(t)
	mapRoom(t, b, testRoomID, "chan1")
	mxid := provisionPuppet(t, b, &testAuthor, "")
	b.cache.PutRelayed("d7", Relayed{EventID: "$orig", RoomID: testRoomID, Sender: mxid})

	b.HandleGatewayEvent(&discord.MessageUpdate{Message: *discordMessage("d7", "chan1", "now fixed")})

	sent := hs.Sent()
	if len(sent) != 1 {
		t.Fatalf("sent messages = %d, want 1", len(sent))
	}
	content := sent[0].Content
	if content.RelatesTo == nil || content.RelatesTo.Type != event.RelReplace || content.RelatesTo.EventID != "$orig" {
		t.Errorf("edit relation = %+v", content.RelatesTo)
	}
	if content.Body != "* now fixed" {
		t.Errorf("edit body = %q", content.Body)
	}
	if content.NewContent == nil || content.NewContent.Body != "now fixed" {
		t.Errorf("edit new content = %+v", content.NewContent)
	}
}

func TestDiscordEditWithoutCorrelationDropped(t *testing.T) {
	t.Parallel()
	b, hs, _ := newTestBridge(t)
	mapRoom(t, b, testRoomID, "chan1")
	provisionPuppet(t, b, &testAuthor, "")

	b.HandleGatewayEvent(&discord.MessageUpdate{Message: *discordMessage("d8", "chan1", "edit of nothing")})

	if sent := hs.Sent(); len(sent) != 0 {
		t.Errorf("uncorrelated edit reached the homeserver: %v", sent)
	}
}

func TestDiscordEditUnprovisionedPuppetDropped(t *testing.T) {
	t.Parallel()
	b, hs, _ := newTestBridge(t)
	mapRoom(t, b, testRoomID, "chan1")
	b.cache.PutRelayed("d9", Relayed{EventID: "$orig", RoomID: testRoomID, Sender: "@_discord_100:example.com"})

	// A renamed webhook edits its old message: the hashed identity derived
	// from the new name was never provisioned, so the edit is dropped.
	msg := discordMessage("d9", "chan1", "renamed edit")
	msg.WebhookID = "foreign-hook"
	b.HandleGatewayEvent(&discord.MessageUpdate{Message: *msg})

	if sent := hs.Sent(); len(sent) != 0 {
		t.Errorf("edit from unprovisioned identity reached the homeserver: %v", sent)
	}
}

func TestDiscordDeleteRedactsAndForgets(t *testing.T) {
	t.Parallel()
	b, hs, _ := newTestBridge(t)
	b.cache.PutRelayed("d10", Relayed{EventID: "$orig", RoomID: testRoomID, Sender: "@_discord_100:example.com"})

	b.HandleGatewayEvent(&discord.MessageDelete{ID: "d10", ChannelID: "chan1"})

	redacted := false
	for _, call := range hs.Calls() {
		if call.Method == "PUT" && strings.Contains(call.Path, "/redact/") {
			redacted = true
			if !strings.Contains(call.Path, "$orig") {
				t.Errorf("redaction path = %s", call.Path)
			}
		}
	}
	if !redacted {
		t.Error("no redaction was sent")
	}
	if _, ok := b.cache.GetRelayed("d10"); ok {
		t.Error("correlation survived delete")
	}
}

func TestDiscordDeleteWithoutCorrelationIgnored(t *testing.T) {
	t.Parallel()
	b, hs, _ := newTestBridge(t)

	b.HandleGatewayEvent(&discord.MessageDelete{ID: "never-seen", ChannelID: "chan1"})

	if calls := hs.Calls(); len(calls) != 0 {
		t.Errorf("unknown delete reached the homeserver: %v", calls)
	}
}

func TestDiscordTypingRequiresMembership(t *testing.T) {
	t.Parallel()
	b, hs, _ := newTestBridge(t)
	mapRoom(t, b, testRoomID, "chan1")

	// Not a member yet: dropped.
	b.HandleGatewayEvent(&discord.TypingStart{UserID: "100", ChannelID: "chan1"})
	for _, call := range hs.Calls() {
		if strings.Contains(call.Path, "/typing/") {
			t.Fatal("typing sent for a non-member puppet")
		}
	}

	b.cache.InvalidateMembers(testRoomID)
	hs.Members[testRoomID] = map[id.UserID]matrix.Member{
		"@_discord_100:example.com": {DisplayName: "bob#0001"},
	}
	b.HandleGatewayEvent(&discord.TypingStart{UserID: "100", ChannelID: "chan1"})

	typed := false
	for _, call := range hs.Calls() {
		if strings.Contains(call.Path, "/typing/") {
			typed = true
		}
	}
	if !typed {
		t.Error("typing not sent for a member puppet")
	}
}

func TestDiscordReplyBuildsFallback(t *testing.T) {
	t.Parallel()
	b, hs, _ := newTestBridge(t)
	mapRoom(t, b, testRoomID, "chan1")
	provisionPuppet(t, b, &testAuthor, "")

	b.cache.PutRelayed("d-orig", Relayed{EventID: "$target", RoomID: testRoomID, Sender: "@alice:example.com"})
	hs.Events["$target"] = &event.Event{
		ID:     "$target",
		RoomID: testRoomID,
		Sender: "@alice:example.com",
		Type:   event.EventMessage,
		Content: event.Content{Parsed: &event.MessageEventContent{
			MsgType: event.MsgText,
			Body:    "original words",
		}},
	}

	msg := discordMessage("d11", "chan1", "replying")
	msg.ReferencedMessage = &discord.Message{ID: "d-orig", ChannelID: "chan1"}
	b.HandleGatewayEvent(&discord.MessageCreate{Message: *msg})

	sent := hs.Sent()
	if len(sent) != 1 {
		t.Fatalf("sent messages = %d, want 1", len(sent))
	}
	content := sent[0].Content
	if content.RelatesTo == nil || content.RelatesTo.InReplyTo == nil ||
		content.RelatesTo.InReplyTo.EventID != "$target" {
		t.Errorf("reply relation = %+v", content.RelatesTo)
	}
	if !strings.Contains(content.Body, "> <@alice:example.com> original words") {
		t.Errorf("reply fallback missing: %q", content.Body)
	}
	if !strings.Contains(content.FormattedBody, "<mx-reply>") {
		t.Errorf("mx-reply block missing: %q", content.FormattedBody)
	}
}

func TestDiscordFormattedContentGetsHTMLVariant(t *testing.T) {
	t.Parallel()
	b, hs, _ := newTestBridge(t)
	mapRoom(t, b, testRoomID, "chan1")
	provisionPuppet(t, b, &testAuthor, "")

	b.HandleGatewayEvent(&discord.MessageCreate{Message: *discordMessage("d12", "chan1", "**loud** text")})

	sent := hs.Sent()
	if len(sent) != 1 {
		t.Fatalf("sent messages = %d, want 1", len(sent))
	}
	if !strings.Contains(sent[0].Content.FormattedBody, "<strong>loud</strong>") ||
		sent[0].Content.Format != event.FormatHTML {
		t.Errorf("formatted variant missing: %+v", sent[0].Content)
	}
}

func TestDiscordPlainContentHasNoHTMLVariant(t *testing.T) {
	t.Parallel()
	b, hs, _ := newTestBridge(t)
	mapRoom(t, b, testRoomID, "chan1")
	provisionPuppet(t, b, &testAuthor, "")

	b.HandleGatewayEvent(&discord.MessageCreate{Message: *discordMessage("d13", "chan1", "just words")})

	sent := hs.Sent()
	if len(sent) != 1 {
		t.Fatalf("sent messages = %d, want 1", len(sent))
	}
	if sent[0].Content.FormattedBody != "" {
		t.Errorf("plain message should not carry a formatted variant: %q", sent[0].Content.FormattedBody)
	}
}

func TestGuildCreatePrimesCaches(t *testing.T) {
	t.Parallel()
	b, _, _ := newTestBridge(t)

	b.HandleGatewayEvent(&discord.GuildCreate{Guild: discord.Guild{
		ID:       "guild1",
		Name:     "Test Guild",
		Channels: []discord.Channel{{ID: "chan1", Name: "general"}},
		Emojis:   []discord.Emoji{{ID: "9", Name: "blob"}},
	}})

	if name, ok := b.cache.ChannelName("guild1", "chan1"); !ok || name != "general" {
		t.Errorf("channel cache = %q, %v", name, ok)
	}
	if render, ok := b.cache.EmoteRender("blob"); !ok || render != "<:blob:9>" {
		t.Errorf("emote cache = %q, %v", render, ok)
	}
}

func TestGuildEmojisUpdateRefreshesRenders(t *testing.T) {
	t.Parallel()
	b, _, _ := newTestBridge(t)

	b.HandleGatewayEvent(&discord.GuildEmojisUpdate{GuildID: "guild1", Emojis: []discord.Emoji{
		{ID: "10", Name: "wave", Animated: true},
	}})

	if render, ok := b.cache.EmoteRender("wave"); !ok || render != "<a:wave:10>" {
		t.Errorf("updated emote render = %q, %v", render, ok)
	}
}
