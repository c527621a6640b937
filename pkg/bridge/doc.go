// Copyright 2024-2026 Remi Philippe
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

// Package bridge relays messages between a Matrix homeserver and Discord.
//
// Matrix users appear on Discord through per-channel webhooks carrying the
// sender's display name and avatar; Discord users appear on Matrix through
// appservice puppet users ("@_discord_1234:server"). Webhook senders on the
// Discord side get name-hashed puppet identities, since one webhook ID can
// post under arbitrary display names.
//
// # Core Types
//
// [Bridge] owns the event flow in both directions: it receives appservice
// transactions over HTTP and gateway dispatches over the websocket, and
// turns each into calls against the opposite platform.
//
// [Cache] is the single-mutex shared state: message correlations in both
// directions, emote tables, channel webhooks, room member lists and guild
// channel names. Correlations can be capped via message_cache_limit.
//
// [Config] is the YAML configuration; a commented example is embedded as
// [ExampleConfig].
//
// # Echo Prevention
//
// Events originating from the bridge itself are filtered on both sides:
// Matrix events from the bot or a puppet MXID are never relayed to Discord,
// and gateway messages whose webhook ID matches a bridge-owned webhook are
// never relayed to Matrix. These checks must not be simplified or removed.
//
// # Sub-packages
//
//   - matrixfmt converts Matrix HTML to Discord markdown.
//   - discordfmt converts Discord message content to Matrix plain text and
//     HTML.
package bridge
