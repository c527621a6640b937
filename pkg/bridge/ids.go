// Copyright 2024-2026 Aiku AI

package bridge

import (
	"hash/fnv"
	"regexp"
	"strconv"
	"strings"

	"maunium.net/go/mautrix/id"
)

// puppetPrefix namespaces all bridge-owned Matrix identifiers:
// "@_discord_1234:server" for puppets, "#_discord_1234:server" for room
// aliases. Webhook senders get a name-hash suffix ("-2166136261") because a
// single webhook ID can post under many display names.
const puppetPrefix = "_discord_"

// Snowflakes have variable length, so the localpart is matched loosely.
var puppetLocalpartRe = regexp.MustCompile(`^` + puppetPrefix + `([0-9]+)(-([0-9]+))?$`)

// NameHash derives the identity suffix for a webhook sender name.
func NameHash(name string) uint32 {
	h := fnv.New32a()
	h.Write([]byte(name))
	return h.Sum32()
}

// PuppetLocalpart builds the localpart for a Discord user's puppet. hashed
// is the stringified name hash for webhook senders, empty otherwise.
func PuppetLocalpart(discordID, hashed string) string {
	localpart := puppetPrefix + discordID
	if hashed != "" {
		localpart += "-" + hashed
	}
	return localpart
}

// PuppetMXID builds the full MXID for a Discord user's puppet.
func PuppetMXID(discordID, hashed, serverName string) id.UserID {
	return id.NewUserID(PuppetLocalpart(discordID, hashed), serverName)
}

// ChannelAlias builds the room alias for a bridged channel.
func ChannelAlias(channelID, serverName string) id.RoomAlias {
	return id.NewRoomAlias(puppetPrefix+channelID, serverName)
}

// ParsePuppetMXID extracts the Discord user ID from a puppet MXID. hashed
// reports whether the identity carries a webhook name-hash suffix. ok is
// false for MXIDs the bridge does not own, including ones on other servers.
func ParsePuppetMXID(mxid id.UserID, serverName string) (discordID string, hashed bool, ok bool) {
	localpart, homeserver, _ := mxid.Parse()
	if homeserver != serverName {
		return "", false, false
	}
	match := puppetLocalpartRe.FindStringSubmatch(localpart)
	if match == nil {
		return "", false, false
	}
	return match[1], match[2] != "", true
}

// IsPuppetMXID reports whether the bridge owns the given MXID.
func IsPuppetMXID(mxid id.UserID, serverName string) bool {
	_, _, ok := ParsePuppetMXID(mxid, serverName)
	return ok
}

// webhookHash returns the stringified name hash for a webhook sender.
func webhookHash(name string) string {
	return strconv.FormatUint(uint64(NameHash(name)), 10)
}

// clipName bounds a display name at the webhook username limit.
func clipName(name string, limit int) string {
	if len(name) <= limit {
		return name
	}
	return strings.TrimSpace(name[:limit])
}
