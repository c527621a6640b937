// Copyright 2024-2026 Remi Philippe
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

// Package discordfmt converts Discord message content to Matrix plain text
// and HTML with regex substitution passes: native mentions and channel
// references become readable names, custom emote references collapse to
// :name: (and later to inline images), and markdown delimiters become HTML
// tags by alternating open/close replacement.
package discordfmt

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/aiku/matrix-discord/pkg/discord"
)

// MatrixMessageLimit caps the body sent to the homeserver, leaving headroom
// in the 64 KiB federation event budget for the HTML variant.
const MatrixMessageLimit = 32768

var (
	emoteRe      = regexp.MustCompile(`<a?:(\w+):(\d+)>`)
	emoteStripRe = regexp.MustCompile(`<a?(:\w+:)\d+>`)
	channelRe    = regexp.MustCompile(`<#([0-9]+)>`)
	emoteNameRe  = regexp.MustCompile(`:(\w+):`)
)

// Params configures the message-level pass.
type Params struct {
	// ResolveChannel maps a channel ID within a guild to its name. ok is
	// false for channels that no longer exist.
	ResolveChannel func(guildID, channelID string) (name string, ok bool)
}

// Parsed is the result of the message-level pass.
type Parsed struct {
	Content string
	// Emotes maps custom emote names found in the message to their IDs.
	Emotes map[string]string
}

// Parse rewrites a Discord message's platform-native references into
// readable text and collects custom emotes for later upload.
func Parse(msg *discord.Message, params Params) *Parsed {
	content := msg.Content

	// Mentions come as <@id> or <@!id>.
	for _, user := range msg.Mentions {
		for _, bang := range []string{"", "!"} {
			content = strings.ReplaceAll(content, "<@"+bang+user.ID+">", "@"+user.Username)
		}
	}

	if channels := channelRe.FindAllStringSubmatch(content, -1); len(channels) > 0 && msg.GuildID != "" {
		for _, match := range channels {
			name := "deleted-channel"
			if params.ResolveChannel != nil {
				if resolved, ok := params.ResolveChannel(msg.GuildID, match[1]); ok {
					name = resolved
				}
			}
			content = strings.ReplaceAll(content, match[0], "#"+name)
		}
	}

	emotes := make(map[string]string)
	for _, match := range emoteRe.FindAllStringSubmatch(content, -1) {
		emotes[match[1]] = match[2]
	}
	content = emoteStripRe.ReplaceAllString(content, "$1")

	for _, attachment := range msg.Attachments {
		content += "\n" + attachment.URL
	}
	for _, sticker := range msg.Stickers {
		if url := sticker.URL(); url != "" {
			content += "\n" + url
		}
	}

	return &Parsed{Content: content, Emotes: emotes}
}

// Delimiter pairs, applied in order. Occurrences alternate between the
// opening and closing tag.
var delimiters = []struct {
	delim, open, close string
}{
	{"```", "<pre><code>", "</code></pre>"},
	{"||", "<span data-mx-spoiler>", "</span>"},
	{"~~", "<del>", "</del>"},
	{"**", "<strong>", "</strong>"},
	{"`", "<code>", "</code>"},
}

// FormatBody converts Discord markdown to Matrix HTML. emoteURI resolves an
// emote name to its uploaded mxc URI; unresolved emotes stay as :name:
// text. The result equals body when no substitution applied, which callers
// use to decide whether to attach a formatted variant at all.
func FormatBody(body string, emoteURI func(name string) (string, bool)) string {
	for _, d := range delimiters {
		count := strings.Count(body, d.delim)
		for i := 1; i <= count; i++ {
			if i%2 == 1 {
				body = strings.Replace(body, d.delim, d.open, 1)
			} else {
				body = strings.Replace(body, d.delim, d.close, 1)
			}
		}
	}

	if emoteURI != nil {
		seen := make(map[string]bool)
		for _, match := range emoteNameRe.FindAllStringSubmatch(body, -1) {
			name := match[1]
			if seen[name] {
				continue
			}
			seen[name] = true
			uri, ok := emoteURI(name)
			if !ok {
				continue
			}
			ref := ":" + name + ":"
			img := fmt.Sprintf(`<img alt=%q title=%q height="32" src=%q data-mx-emoticon />`, ref, ref, uri)
			body = strings.ReplaceAll(body, ref, img)
		}
	}

	return body
}

// Clip bounds a body at the Matrix message limit.
func Clip(body string) string {
	if len(body) <= MatrixMessageLimit {
		return body
	}
	return body[:MatrixMessageLimit]
}
