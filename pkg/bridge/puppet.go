// Copyright 2024-2026 Remi Philippe
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package bridge

import (
	"context"

	"golang.org/x/sync/errgroup"
	"maunium.net/go/mautrix/id"

	"github.com/aiku/matrix-discord/pkg/discord"
	"github.com/aiku/matrix-discord/pkg/matrix"
	"github.com/aiku/matrix-discord/pkg/store"
)

// puppetMXIDFor derives the puppet identity for a message author. Webhook
// senders that aren't the bridge's own application get a name-hashed
// identity, since one webhook ID can post under arbitrary display names.
func (b *Bridge) puppetMXIDFor(msg *discord.Message) id.UserID {
	hashed := ""
	if msg.WebhookID != "" && msg.WebhookID != msg.ApplicationID {
		hashed = webhookHash(msg.Author.Username)
	}
	return PuppetMXID(msg.Author.ID, hashed, b.cfg.ServerName)
}

// ensurePuppet provisions the puppet user for mxid if it doesn't exist yet:
// registration, display name and avatar. Registration races with other
// transactions are tolerated.
func (b *Bridge) ensurePuppet(ctx context.Context, mxid id.UserID, user *discord.User) (*store.Puppet, error) {
	puppet, err := b.store.GetPuppet(ctx, mxid)
	if err != nil {
		return nil, err
	}
	if puppet != nil {
		return puppet, nil
	}

	b.log.Info().Str("mxid", string(mxid)).Str("discord_id", user.ID).Msg("Provisioning puppet user")

	localpart, _, _ := mxid.Parse()
	if err := b.mx.RegisterUser(ctx, localpart); err != nil && !matrix.IsUserInUse(err) {
		return nil, err
	}

	puppet = &store.Puppet{MXID: mxid}
	if err := b.store.PutPuppet(ctx, puppet); err != nil {
		return nil, err
	}

	puppet.DisplayName = user.Tag()
	if err := b.mx.SetDisplayName(ctx, mxid, puppet.DisplayName); err != nil {
		b.log.Warn().Err(err).Str("mxid", string(mxid)).Msg("Failed to set puppet display name")
	} else if err := b.store.SetPuppetDisplayName(ctx, mxid, puppet.DisplayName); err != nil {
		return nil, err
	}

	if avatarURL := user.AvatarURL(); avatarURL != "" {
		if err := b.setPuppetAvatar(ctx, mxid, avatarURL); err != nil {
			b.log.Warn().Err(err).Str("mxid", string(mxid)).Msg("Failed to set puppet avatar")
		} else {
			puppet.AvatarURL = avatarURL
		}
	}

	return puppet, nil
}

// setPuppetAvatar mirrors a CDN avatar into the media repository and applies
// it to the puppet's profile.
func (b *Bridge) setPuppetAvatar(ctx context.Context, mxid id.UserID, avatarURL string) error {
	data, contentType, err := b.rest.Download(ctx, avatarURL)
	if err != nil {
		return err
	}
	uri, err := b.mx.UploadMedia(ctx, data, contentType, "avatar")
	if err != nil {
		return err
	}
	if err := b.mx.SetAvatarURL(ctx, mxid, uri); err != nil {
		return err
	}
	return b.store.SetPuppetAvatar(ctx, mxid, avatarURL)
}

// syncProfile pushes a Discord user's current name and avatar to their
// puppet, touching only the fields that drifted. Users without a provisioned
// puppet are skipped.
func (b *Bridge) syncProfile(ctx context.Context, user *discord.User) {
	mxid := PuppetMXID(user.ID, "", b.cfg.ServerName)
	puppet, err := b.store.GetPuppet(ctx, mxid)
	if err != nil {
		b.log.Error().Err(err).Str("mxid", string(mxid)).Msg("Failed to load puppet for profile sync")
		return
	}
	if puppet == nil {
		return
	}
	b.syncPuppetProfile(ctx, puppet, user)
}

// syncWebhookProfile is syncProfile for a name-hashed webhook identity,
// which can't be reached via guild member lists.
func (b *Bridge) syncWebhookProfile(ctx context.Context, mxid id.UserID, user *discord.User) {
	puppet, err := b.store.GetPuppet(ctx, mxid)
	if err != nil || puppet == nil {
		return
	}
	b.syncPuppetProfile(ctx, puppet, user)
}

func (b *Bridge) syncPuppetProfile(ctx context.Context, puppet *store.Puppet, user *discord.User) {
	mxid := puppet.MXID

	if tag := user.Tag(); tag != puppet.DisplayName {
		b.log.Info().Str("discord_id", user.ID).Msg("Updating puppet display name")
		if err := b.mx.SetDisplayName(ctx, mxid, tag); err != nil {
			b.log.Warn().Err(err).Str("mxid", string(mxid)).Msg("Failed to update display name")
		} else if err := b.store.SetPuppetDisplayName(ctx, mxid, tag); err != nil {
			b.log.Error().Err(err).Str("mxid", string(mxid)).Msg("Failed to store display name")
		}
	}

	if avatarURL := user.AvatarURL(); avatarURL != puppet.AvatarURL {
		b.log.Info().Str("discord_id", user.ID).Msg("Updating puppet avatar")
		if err := b.setPuppetAvatar(ctx, mxid, avatarURL); err != nil {
			b.log.Warn().Err(err).Str("mxid", string(mxid)).Msg("Failed to update avatar")
		}
	}
}

// ensureMember makes sure a puppet has joined a room, inviting as the bot
// and joining as the puppet. The member cache is refreshed on change.
func (b *Bridge) ensureMember(ctx context.Context, roomID id.RoomID, mxid id.UserID) error {
	members, err := b.roomMembers(ctx, roomID)
	if err != nil {
		return err
	}
	if _, joined := members[mxid]; joined {
		return nil
	}

	b.log.Info().Str("mxid", string(mxid)).Str("room_id", string(roomID)).Msg("Inviting puppet to room")
	if err := b.mx.InviteUser(ctx, roomID, mxid); err != nil {
		// The invite can race with an earlier join; the join below settles it.
		b.log.Debug().Err(err).Msg("Invite failed, attempting join anyway")
	}
	if err := b.mx.JoinRoom(ctx, roomID, mxid); err != nil {
		return err
	}
	b.cache.InvalidateMembers(roomID)
	return nil
}

// uploadEmotes mirrors the custom emotes of a message into the media
// repository so the HTML variant can reference them. Uploads run bounded in
// parallel; failures only cost the inline image, never the message.
func (b *Bridge) uploadEmotes(ctx context.Context, emotes map[string]string) {
	group, groupCtx := errgroup.WithContext(ctx)
	group.SetLimit(4)
	for name, emoteID := range emotes {
		if _, ok := b.cache.MatrixEmote(name); ok {
			continue
		}
		group.Go(func() error {
			data, contentType, err := b.rest.Download(groupCtx, discord.EmojiURL(emoteID, false))
			if err != nil {
				b.log.Warn().Err(err).Str("emote_id", emoteID).Msg("Failed to download emote")
				return nil
			}
			uri, err := b.mx.UploadMedia(groupCtx, data, contentType, name)
			if err != nil {
				b.log.Warn().Err(err).Str("emote_id", emoteID).Msg("Failed to upload emote")
				return nil
			}
			b.cache.PutMatrixEmote(name, uri)
			return nil
		})
	}
	_ = group.Wait()
}
