// Copyright 2024-2026 Aiku AI

package bridge

import (
	"fmt"
	"testing"

	"maunium.net/go/mautrix/id"

	"github.com/aiku/matrix-discord/pkg/discord"
	"github.com/aiku/matrix-discord/pkg/matrix"
)

func TestCacheCorrelationLifecycle(t *testing.T) {
	t.Parallel()
	c := NewCache(0)

	c.PutMatrixMessage("$evt", "dmsg")
	if messageID, ok := c.MatrixMessage("$evt"); !ok || messageID != "dmsg" {
		t.Errorf("MatrixMessage = %q, %v", messageID, ok)
	}
	if eventID, ok := c.EventForMessage("dmsg"); !ok || eventID != "$evt" {
		t.Errorf("EventForMessage = %q, %v", eventID, ok)
	}
	c.DeleteMatrixMessage("$evt")
	if _, ok := c.MatrixMessage("$evt"); ok {
		t.Error("correlation survived delete")
	}

	relayed := Relayed{EventID: "$other", RoomID: "!room:example.com", Sender: "@_discord_1:example.com"}
	c.PutRelayed("dmsg-2", relayed)
	if got, ok := c.GetRelayed("dmsg-2"); !ok || got != relayed {
		t.Errorf("GetRelayed = %+v, %v", got, ok)
	}
	c.DeleteRelayed("dmsg-2")
	if _, ok := c.GetRelayed("dmsg-2"); ok {
		t.Error("relayed record survived delete")
	}
}

func TestCacheEvictsOldestCorrelation(t *testing.T) {
	t.Parallel()
	c := NewCache(2)

	c.PutMatrixMessage("$one", "d1")
	c.PutMatrixMessage("$two", "d2")
	c.PutMatrixMessage("$three", "d3")

	if _, ok := c.MatrixMessage("$one"); ok {
		t.Error("oldest correlation should have been evicted")
	}
	for _, eventID := range []id.EventID{"$two", "$three"} {
		if _, ok := c.MatrixMessage(eventID); !ok {
			t.Errorf("correlation %s missing", eventID)
		}
	}

	c.PutRelayed("d1", Relayed{EventID: "$a"})
	c.PutRelayed("d2", Relayed{EventID: "$b"})
	c.PutRelayed("d3", Relayed{EventID: "$c"})
	if _, ok := c.GetRelayed("d1"); ok {
		t.Error("oldest relayed record should have been evicted")
	}
}

func TestCacheUnboundedByDefault(t *testing.T) {
	t.Parallel()
	c := NewCache(0)
	for i := range 100 {
		c.PutMatrixMessage(id.EventID(fmt.Sprintf("$evt-%d", i)), "d")
	}
	if _, ok := c.MatrixMessage("$evt-0"); !ok {
		t.Error("unbounded cache must not evict")
	}
}

func TestCacheEmoteRenders(t *testing.T) {
	t.Parallel()
	c := NewCache(0)
	c.PutEmotes([]discord.Emoji{
		{ID: "1", Name: "blob"},
		{ID: "2", Name: "party", Animated: true},
	})

	if render, ok := c.EmoteRender("blob"); !ok || render != "<:blob:1>" {
		t.Errorf("blob render = %q, %v", render, ok)
	}
	if render, ok := c.EmoteRender("party"); !ok || render != "<a:party:2>" {
		t.Errorf("party render = %q, %v", render, ok)
	}
	if _, ok := c.EmoteRender("missing"); ok {
		t.Error("unknown emote resolved")
	}
}

func TestCacheMatrixEmoteFirstWins(t *testing.T) {
	t.Parallel()
	c := NewCache(0)
	if !c.PutMatrixEmote("blob", "mxc://example.com/first") {
		t.Error("first put should win")
	}
	if c.PutMatrixEmote("blob", "mxc://example.com/second") {
		t.Error("second put should lose")
	}
	if uri, _ := c.MatrixEmote("blob"); uri != "mxc://example.com/first" {
		t.Errorf("emote URI = %q", uri)
	}
}

func TestCacheOwnWebhookDetection(t *testing.T) {
	t.Parallel()
	c := NewCache(0)
	c.PutWebhook("chan", &discord.Webhook{ID: "hook-1", Token: "tok"})

	if !c.IsOwnWebhook("hook-1") {
		t.Error("own webhook not recognized")
	}
	if c.IsOwnWebhook("hook-2") {
		t.Error("foreign webhook claimed as own")
	}
	if c.IsOwnWebhook("") {
		t.Error("empty webhook ID claimed as own")
	}
}

func TestCacheMemberInvalidation(t *testing.T) {
	t.Parallel()
	c := NewCache(0)
	roomID := id.RoomID("!room:example.com")

	if c.InvalidateMembers(roomID) {
		t.Error("invalidating an uncached room should report false")
	}
	c.PutMembers(roomID, map[id.UserID]matrix.Member{"@a:example.com": {DisplayName: "a"}})
	if _, ok := c.Members(roomID); !ok {
		t.Fatal("members not cached")
	}
	if !c.InvalidateMembers(roomID) {
		t.Error("invalidation should report the entry existed")
	}
	if _, ok := c.Members(roomID); ok {
		t.Error("members survived invalidation")
	}
}

func TestCacheChannelNames(t *testing.T) {
	t.Parallel()
	c := NewCache(0)
	c.PutChannels("guild", []discord.Channel{
		{ID: "c1", Name: "general"},
		{ID: "c2", Name: "random"},
	})

	if name, ok := c.ChannelName("guild", "c1"); !ok || name != "general" {
		t.Errorf("ChannelName = %q, %v", name, ok)
	}
	if _, ok := c.ChannelName("guild", "c3"); ok {
		t.Error("unknown channel resolved")
	}
	if _, ok := c.ChannelName("other", "c1"); ok {
		t.Error("channel resolved in wrong guild")
	}
	if guilds := c.GuildIDs(); len(guilds) != 1 || guilds[0] != "guild" {
		t.Errorf("GuildIDs = %v", guilds)
	}
	if guildID, ok := c.GuildForChannel("c2"); !ok || guildID != "guild" {
		t.Errorf("GuildForChannel = %q, %v", guildID, ok)
	}
	if _, ok := c.GuildForChannel("c3"); ok {
		t.Error("unknown channel mapped to a guild")
	}
}
