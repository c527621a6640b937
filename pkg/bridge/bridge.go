// Copyright 2024-2026 Remi Philippe
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package bridge

import (
	"context"
	"errors"
	"net/http"
	"regexp"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"

	"github.com/aiku/matrix-discord/pkg/discord"
	"github.com/aiku/matrix-discord/pkg/discordfmt"
	"github.com/aiku/matrix-discord/pkg/matrix"
	"github.com/aiku/matrix-discord/pkg/store"
)

// Bridge relays events between a Matrix homeserver and Discord. One instance
// serves one appservice registration and one Discord bot.
type Bridge struct {
	cfg     *Config
	store   *store.Store
	cache   *Cache
	mx      *matrix.Client
	rest    *discord.REST
	gateway *discord.Gateway
	as      *matrix.AppService
	metrics *Metrics
	log     zerolog.Logger

	botMXID id.UserID

	// queryMembers resolves plain-text mentions over the gateway socket.
	// Tests substitute it; everything else goes through the gateway.
	queryMembers func(ctx context.Context, guildID, query string, limit int) ([]discord.Member, error)

	// ctx is the bridge lifetime context, set by Run. Event handlers are
	// invoked from the appservice HTTP server and the gateway read loop,
	// neither of which carries a per-event context.
	ctx context.Context
}

// New wires a bridge from its configuration and an opened store.
func New(cfg *Config, db *store.Store, log zerolog.Logger) *Bridge {
	b := &Bridge{
		cfg:     cfg,
		store:   db,
		cache:   NewCache(cfg.MessageCacheLimit),
		metrics: newMetrics(),
		log:     log.With().Str("component", "bridge").Logger(),
		botMXID: cfg.BotMXID(),
		ctx:     context.Background(),
	}
	b.mx = matrix.NewClient(cfg.Homeserver, cfg.ASToken, b.botMXID, log)
	b.rest = discord.NewREST(cfg.DiscordToken, log)
	b.gateway = discord.NewGateway(b.rest, cfg.DiscordToken, discord.DefaultIntents, b.HandleGatewayEvent, log)
	b.as = matrix.NewAppService(cfg.HSToken, b.HandleMatrixEvent, log)
	b.queryMembers = b.gateway.QueryMembers
	return b
}

// Run starts the appservice listener, the gateway connection and the profile
// sync loop, and blocks until ctx is cancelled or a component fails.
func (b *Bridge) Run(ctx context.Context) error {
	b.ctx = ctx

	mux := http.NewServeMux()
	b.as.RegisterRoutes(mux)
	mux.Handle("GET /metrics", b.metrics.Handler())

	server := &http.Server{
		Addr:              b.cfg.ListenAddr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	group, groupCtx := errgroup.WithContext(ctx)
	group.Go(func() error {
		b.log.Info().Str("addr", b.cfg.ListenAddr).Msg("Starting appservice listener")
		if err := server.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	group.Go(func() error {
		<-groupCtx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})
	group.Go(func() error {
		return b.gateway.Run(groupCtx)
	})
	group.Go(func() error {
		b.syncLoop(groupCtx)
		return nil
	})

	err := group.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// syncLoop periodically refreshes puppet profiles and emote tables for every
// guild the bridge has seen, catching changes made while a guild was quiet.
func (b *Bridge) syncLoop(ctx context.Context) {
	ticker := time.NewTicker(b.cfg.SyncInterval())
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		for _, guildID := range b.cache.GuildIDs() {
			b.syncGuild(ctx, guildID)
		}
		if puppets, err := b.store.ListPuppets(ctx); err == nil {
			b.metrics.SetPuppets(len(puppets))
		}
	}
}

func (b *Bridge) syncGuild(ctx context.Context, guildID string) {
	if emojis, err := b.rest.GetGuildEmojis(ctx, guildID); err != nil {
		b.log.Warn().Err(err).Str("guild_id", guildID).Msg("Failed to sync guild emotes")
	} else {
		b.cache.PutEmotes(emojis)
	}

	members, err := b.rest.GetGuildMembers(ctx, guildID, 1000)
	if err != nil {
		b.log.Warn().Err(err).Str("guild_id", guildID).Msg("Failed to sync guild members")
		return
	}
	for i := range members {
		b.syncProfile(ctx, &members[i].User)
	}
}

// webhook returns the bridge-owned webhook for a channel, looking it up or
// creating it on first use.
func (b *Bridge) webhook(ctx context.Context, channelID string) (*discord.Webhook, error) {
	if webhook, ok := b.cache.Webhook(channelID); ok {
		return webhook, nil
	}

	webhooks, err := b.rest.GetChannelWebhooks(ctx, channelID)
	if err != nil {
		return nil, err
	}
	var webhook *discord.Webhook
	for i := range webhooks {
		if webhooks[i].Name == b.cfg.WebhookName {
			webhook = &webhooks[i]
			break
		}
	}
	if webhook == nil {
		webhook, err = b.rest.CreateWebhook(ctx, channelID, b.cfg.WebhookName)
		if err != nil {
			return nil, err
		}
		b.log.Info().Str("channel_id", channelID).Str("webhook_id", webhook.ID).Msg("Created bridge webhook")
	}

	b.cache.PutWebhook(channelID, webhook)
	return webhook, nil
}

// roomMembers returns the joined members of a room, served from the cache
// when membership hasn't changed since the last fetch.
func (b *Bridge) roomMembers(ctx context.Context, roomID id.RoomID) (map[id.UserID]matrix.Member, error) {
	if members, ok := b.cache.Members(roomID); ok {
		return members, nil
	}
	members, err := b.mx.JoinedMembers(ctx, roomID)
	if err != nil {
		return nil, err
	}
	b.cache.PutMembers(roomID, members)
	return members, nil
}

// roomForChannel resolves the Matrix room bridged to a channel, or "" when
// the channel is not bridged.
func (b *Bridge) roomForChannel(ctx context.Context, channelID string) id.RoomID {
	roomID, err := b.store.GetRoom(ctx, channelID)
	if err != nil {
		b.log.Error().Err(err).Str("channel_id", channelID).Msg("Failed to look up room mapping")
		return ""
	}
	return roomID
}

// stripReplyFallback removes the quoted reply prefix from a plain body: the
// leading run of "> " lines plus the blank separator after them.
func stripReplyFallback(body string) string {
	lines := strings.Split(body, "\n")
	i := 0
	for i < len(lines) && strings.HasPrefix(lines[i], "> ") {
		i++
	}
	if i == 0 {
		return body
	}
	for i < len(lines) && lines[i] == "" {
		i++
	}
	return strings.Join(lines[i:], "\n")
}

var mxReplyRe = regexp.MustCompile(`(?s)<mx-reply>.*?</mx-reply>`)

// stripReplyHTML removes the mx-reply block from a formatted body.
func stripReplyHTML(formatted string) string {
	return mxReplyRe.ReplaceAllString(formatted, "")
}

// createMessageContent builds the Matrix event content for a relayed Discord
// message: plain body, HTML variant when formatting applied, native reply
// relation when the referenced message is known, and the edit relation for
// updates.
func (b *Bridge) createMessageContent(ctx context.Context, parsed string, reference *discord.Message, editOf id.EventID) *event.MessageEventContent {
	body := discordfmt.Clip(parsed)
	html := discordfmt.FormatBody(body, func(name string) (string, bool) {
		uri, ok := b.cache.MatrixEmote(name)
		return string(uri), ok
	})

	content := &event.MessageEventContent{
		MsgType: event.MsgText,
		Body:    body,
	}
	if html != body {
		content.Format = event.FormatHTML
		content.FormattedBody = html
	}

	if editOf != "" {
		inner := *content
		content.NewContent = &inner
		content.Body = "* " + content.Body
		if content.FormattedBody != "" {
			content.FormattedBody = "* " + content.FormattedBody
		}
		content.RelatesTo = &event.RelatesTo{Type: event.RelReplace, EventID: editOf}
		return content
	}

	if reference != nil {
		b.attachReply(ctx, content, reference)
	}
	return content
}

// attachReply adds the in_reply_to relation and rebuilds the client-side
// reply fallback for a Discord reply whose target is known to the bridge.
func (b *Bridge) attachReply(ctx context.Context, content *event.MessageEventContent, reference *discord.Message) {
	eventID, roomID, ok := b.replyTarget(ctx, reference)
	if !ok {
		return
	}

	original, err := b.mx.GetEvent(ctx, roomID, eventID)
	if err != nil {
		b.log.Debug().Err(err).Str("event_id", string(eventID)).Msg("Reply target event not fetchable")
		return
	}
	origContent := original.Content.AsMessage()
	if origContent == nil {
		return
	}

	quoted := stripReplyFallback(origContent.Body)
	origHTML := origContent.FormattedBody
	if origHTML == "" {
		origHTML = origContent.Body
	}
	origHTML = stripReplyHTML(origHTML)

	fallback := "> <" + string(original.Sender) + "> " + strings.ReplaceAll(quoted, "\n", "\n> ")
	if content.FormattedBody == "" {
		content.Format = event.FormatHTML
		content.FormattedBody = content.Body
	}
	content.FormattedBody = "<mx-reply><blockquote>" +
		`<a href="https://matrix.to/#/` + string(roomID) + "/" + string(eventID) + `">In reply to</a> ` +
		`<a href="https://matrix.to/#/` + string(original.Sender) + `">` + string(original.Sender) + "</a>" +
		"<br/>" + origHTML + "</blockquote></mx-reply>" + content.FormattedBody
	content.Body = fallback + "\n\n" + content.Body
	content.RelatesTo = &event.RelatesTo{InReplyTo: &event.InReplyTo{EventID: eventID}}
}

// replyTarget resolves the Matrix event a Discord reply points at, in either
// relay direction.
func (b *Bridge) replyTarget(ctx context.Context, reference *discord.Message) (id.EventID, id.RoomID, bool) {
	if relayed, ok := b.cache.GetRelayed(reference.ID); ok {
		return relayed.EventID, relayed.RoomID, true
	}
	if eventID, ok := b.cache.EventForMessage(reference.ID); ok {
		roomID := b.roomForChannel(ctx, reference.ChannelID)
		if roomID != "" {
			return eventID, roomID, true
		}
	}
	return "", "", false
}
