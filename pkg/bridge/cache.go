// Copyright 2024-2026 Remi Philippe
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package bridge

import (
	"sync"

	"maunium.net/go/mautrix/id"

	"github.com/aiku/matrix-discord/pkg/discord"
	"github.com/aiku/matrix-discord/pkg/matrix"
)

// Relayed records where a Discord message landed on the Matrix side, with
// enough context to redact or edit it later.
type Relayed struct {
	EventID id.EventID
	RoomID  id.RoomID
	Sender  id.UserID
}

// Cache holds all in-memory shared state behind a single mutex: message
// correlations in both directions, emote tables, channel webhooks, room
// member lists and guild channel names. Callers must never hold the lock
// across network calls; every method completes its read-then-mutate sequence
// inside one lock acquisition.
type Cache struct {
	mu sync.Mutex

	// limit bounds each correlation map. Zero means unbounded.
	limit int

	matrixMessages map[id.EventID]string
	matrixOrder    []id.EventID

	discordMessages map[string]Relayed
	discordOrder    []string

	// discordEmotes maps an emote name to its native render, e.g.
	// "<a:party:123>".
	discordEmotes map[string]string
	// matrixEmotes maps an emote name to its uploaded mxc URI.
	matrixEmotes map[string]id.ContentURIString

	webhooks map[string]*discord.Webhook
	members  map[id.RoomID]map[id.UserID]matrix.Member
	channels map[string]map[string]string
}

// NewCache creates an empty cache. limit caps the number of tracked message
// correlations per direction; zero disables eviction.
func NewCache(limit int) *Cache {
	return &Cache{
		limit:           limit,
		matrixMessages:  make(map[id.EventID]string),
		discordMessages: make(map[string]Relayed),
		discordEmotes:   make(map[string]string),
		matrixEmotes:    make(map[string]id.ContentURIString),
		webhooks:        make(map[string]*discord.Webhook),
		members:         make(map[id.RoomID]map[id.UserID]matrix.Member),
		channels:        make(map[string]map[string]string),
	}
}

// PutMatrixMessage correlates a Matrix event with the Discord message it was
// relayed as. The oldest correlation is evicted once the cap is reached.
func (c *Cache) PutMatrixMessage(eventID id.EventID, messageID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, exists := c.matrixMessages[eventID]; !exists {
		if c.limit > 0 && len(c.matrixOrder) >= c.limit {
			delete(c.matrixMessages, c.matrixOrder[0])
			c.matrixOrder = c.matrixOrder[1:]
		}
		c.matrixOrder = append(c.matrixOrder, eventID)
	}
	c.matrixMessages[eventID] = messageID
}

// MatrixMessage returns the Discord message ID a Matrix event was relayed as.
func (c *Cache) MatrixMessage(eventID id.EventID) (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	messageID, ok := c.matrixMessages[eventID]
	return messageID, ok
}

// DeleteMatrixMessage drops a Matrix→Discord correlation.
func (c *Cache) DeleteMatrixMessage(eventID id.EventID) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.matrixMessages, eventID)
}

// EventForMessage reverse-looks-up the Matrix event relayed as the given
// Discord message, used to resolve replies to bridge-sent messages.
func (c *Cache) EventForMessage(messageID string) (id.EventID, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for eventID, candidate := range c.matrixMessages {
		if candidate == messageID {
			return eventID, true
		}
	}
	return "", false
}

// PutRelayed correlates a Discord message with the Matrix event it was
// relayed as.
func (c *Cache) PutRelayed(messageID string, relayed Relayed) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, exists := c.discordMessages[messageID]; !exists {
		if c.limit > 0 && len(c.discordOrder) >= c.limit {
			delete(c.discordMessages, c.discordOrder[0])
			c.discordOrder = c.discordOrder[1:]
		}
		c.discordOrder = append(c.discordOrder, messageID)
	}
	c.discordMessages[messageID] = relayed
}

// GetRelayed returns the Matrix-side record for a relayed Discord message.
func (c *Cache) GetRelayed(messageID string) (Relayed, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	relayed, ok := c.discordMessages[messageID]
	return relayed, ok
}

// DeleteRelayed drops a Discord→Matrix correlation.
func (c *Cache) DeleteRelayed(messageID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.discordMessages, messageID)
}

// PutEmotes caches the native render for each emote, replacing prior entries
// with the same name.
func (c *Cache) PutEmotes(emotes []discord.Emoji) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, emote := range emotes {
		prefix := ""
		if emote.Animated {
			prefix = "a"
		}
		c.discordEmotes[emote.Name] = "<" + prefix + ":" + emote.Name + ":" + emote.ID + ">"
	}
}

// EmoteRender returns the native render for an emote name.
func (c *Cache) EmoteRender(name string) (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	render, ok := c.discordEmotes[name]
	return render, ok
}

// MatrixEmote returns the uploaded mxc URI for an emote name.
func (c *Cache) MatrixEmote(name string) (id.ContentURIString, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	uri, ok := c.matrixEmotes[name]
	return uri, ok
}

// PutMatrixEmote stores an uploaded emote URI unless one is already present,
// reporting whether the name was unclaimed. Upload work happens outside the
// lock; the first finisher wins.
func (c *Cache) PutMatrixEmote(name string, uri id.ContentURIString) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, exists := c.matrixEmotes[name]; exists {
		return false
	}
	c.matrixEmotes[name] = uri
	return true
}

// PutWebhook caches the bridge webhook for a channel.
func (c *Cache) PutWebhook(channelID string, webhook *discord.Webhook) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.webhooks[channelID] = webhook
}

// Webhook returns the cached bridge webhook for a channel.
func (c *Cache) Webhook(channelID string) (*discord.Webhook, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	webhook, ok := c.webhooks[channelID]
	return webhook, ok
}

// IsOwnWebhook reports whether a webhook ID belongs to the bridge, which
// marks gateway echoes of its own sends.
func (c *Cache) IsOwnWebhook(webhookID string) bool {
	if webhookID == "" {
		return false
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, webhook := range c.webhooks {
		if webhook.ID == webhookID {
			return true
		}
	}
	return false
}

// Members returns the cached joined-member list for a room.
func (c *Cache) Members(roomID id.RoomID) (map[id.UserID]matrix.Member, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	members, ok := c.members[roomID]
	return members, ok
}

// PutMembers caches a room's joined-member list.
func (c *Cache) PutMembers(roomID id.RoomID, members map[id.UserID]matrix.Member) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.members[roomID] = members
}

// InvalidateMembers drops the member cache for a room. Membership events
// clear the whole room entry rather than patching it.
func (c *Cache) InvalidateMembers(roomID id.RoomID) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.members[roomID]; !ok {
		return false
	}
	delete(c.members, roomID)
	return true
}

// PutChannels caches the name table for a guild's channels.
func (c *Cache) PutChannels(guildID string, channels []discord.Channel) {
	c.mu.Lock()
	defer c.mu.Unlock()
	table := make(map[string]string, len(channels))
	for _, channel := range channels {
		table[channel.ID] = channel.Name
	}
	c.channels[guildID] = table
}

// ChannelName resolves a channel ID within a guild to its name.
func (c *Cache) ChannelName(guildID, channelID string) (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	name, ok := c.channels[guildID][channelID]
	return name, ok
}

// GuildForChannel returns the guild a cached channel belongs to.
func (c *Cache) GuildForChannel(channelID string) (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for guildID, table := range c.channels {
		if _, ok := table[channelID]; ok {
			return guildID, true
		}
	}
	return "", false
}

// GuildIDs lists the guilds with a cached channel table, which is the set of
// guilds the profile sync loop covers.
func (c *Cache) GuildIDs() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	guilds := make([]string, 0, len(c.channels))
	for guildID := range c.channels {
		guilds = append(guilds, guildID)
	}
	return guilds
}
