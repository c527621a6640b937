// Copyright 2024-2026 Remi Philippe
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package bridge

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/rs/zerolog"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"

	"github.com/aiku/matrix-discord/pkg/discord"
	"github.com/aiku/matrix-discord/pkg/matrix"
	"github.com/aiku/matrix-discord/pkg/store"
)

const (
	testServerName = "example.com"
	testBotMXID    = id.UserID("@discordbot:example.com")
)

// endpointCall records which API endpoints were hit during a test.
type endpointCall struct {
	Method string
	Path   string
	Body   string
}

// sentMessage captures an event relayed to the fake homeserver, with the
// message content decoded for assertions.
type sentMessage struct {
	RoomID  id.RoomID
	AsUser  string
	Content event.MessageEventContent
}

// fakeHS simulates the homeserver API: registration, profiles, rooms and
// message sends. It records calls and provides canned responses.
type fakeHS struct {
	Server *httptest.Server

	lock      sync.Mutex
	calls     []endpointCall
	sent      []sentMessage
	sendCount int

	// Members maps room ID to joined member lists.
	Members map[id.RoomID]map[id.UserID]matrix.Member
	// Events maps event ID to canned responses for the event endpoint.
	Events map[id.EventID]*event.Event
	// Registered collects localparts registered during the test.
	Registered []string
}

func newFakeHS() *fakeHS {
	f := &fakeHS{
		Members: make(map[id.RoomID]map[id.UserID]matrix.Member),
		Events:  make(map[id.EventID]*event.Event),
	}
	mux := http.NewServeMux()
	mux.HandleFunc("POST /_matrix/client/v3/register", func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			Username string `json:"username"`
		}
		_ = json.NewDecoder(r.Body).Decode(&body)
		f.lock.Lock()
		f.Registered = append(f.Registered, body.Username)
		f.lock.Unlock()
		writeTestJSON(w, map[string]string{"user_id": "@" + body.Username + ":" + testServerName})
	})
	mux.HandleFunc("PUT /_matrix/client/v3/profile/{user}/{field}", func(w http.ResponseWriter, r *http.Request) {
		writeTestJSON(w, struct{}{})
	})
	mux.HandleFunc("GET /_matrix/client/v3/rooms/{room}/joined_members", func(w http.ResponseWriter, r *http.Request) {
		members := f.Members[id.RoomID(r.PathValue("room"))]
		if members == nil {
			members = map[id.UserID]matrix.Member{}
		}
		writeTestJSON(w, map[string]any{"joined": members})
	})
	mux.HandleFunc("POST /_matrix/client/v3/createRoom", func(w http.ResponseWriter, r *http.Request) {
		writeTestJSON(w, map[string]string{"room_id": "!created:" + testServerName})
	})
	mux.HandleFunc("POST /_matrix/client/v3/rooms/{room}/invite", func(w http.ResponseWriter, r *http.Request) {
		writeTestJSON(w, struct{}{})
	})
	mux.HandleFunc("POST /_matrix/client/v3/rooms/{room}/join", func(w http.ResponseWriter, r *http.Request) {
		writeTestJSON(w, map[string]string{"room_id": r.PathValue("room")})
	})
	mux.HandleFunc("PUT /_matrix/client/v3/rooms/{room}/send/{type}/{txn}", func(w http.ResponseWriter, r *http.Request) {
		var content event.MessageEventContent
		_ = json.NewDecoder(r.Body).Decode(&content)
		f.lock.Lock()
		f.sendCount++
		eventID := fmt.Sprintf("$evt-%d", f.sendCount)
		f.sent = append(f.sent, sentMessage{
			RoomID:  id.RoomID(r.PathValue("room")),
			AsUser:  r.URL.Query().Get("user_id"),
			Content: content,
		})
		f.lock.Unlock()
		writeTestJSON(w, map[string]string{"event_id": eventID})
	})
	mux.HandleFunc("PUT /_matrix/client/v3/rooms/{room}/redact/{event}/{txn}", func(w http.ResponseWriter, r *http.Request) {
		writeTestJSON(w, map[string]string{"event_id": "$redaction"})
	})
	mux.HandleFunc("PUT /_matrix/client/v3/rooms/{room}/typing/{user}", func(w http.ResponseWriter, r *http.Request) {
		writeTestJSON(w, struct{}{})
	})
	mux.HandleFunc("GET /_matrix/client/v3/rooms/{room}/event/{event}", func(w http.ResponseWriter, r *http.Request) {
		if evt, ok := f.Events[id.EventID(r.PathValue("event"))]; ok {
			writeTestJSON(w, evt)
			return
		}
		w.WriteHeader(http.StatusNotFound)
		writeTestJSON(w, map[string]string{"errcode": "M_NOT_FOUND"})
	})
	mux.HandleFunc("POST /_matrix/media/v3/upload", func(w http.ResponseWriter, r *http.Request) {
		writeTestJSON(w, map[string]string{"content_uri": "mxc://" + testServerName + "/media"})
	})
	f.Server = httptest.NewServer(f.recording(mux))
	return f
}

func (f *fakeHS) recording(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		r.Body = io.NopCloser(strings.NewReader(string(body)))
		f.lock.Lock()
		f.calls = append(f.calls, endpointCall{Method: r.Method, Path: r.URL.Path, Body: string(body)})
		f.lock.Unlock()
		next.ServeHTTP(w, r)
	})
}

func (f *fakeHS) Close() { f.Server.Close() }

func (f *fakeHS) Calls() []endpointCall {
	f.lock.Lock()
	defer f.lock.Unlock()
	cp := make([]endpointCall, len(f.calls))
	copy(cp, f.calls)
	return cp
}

func (f *fakeHS) Sent() []sentMessage {
	f.lock.Lock()
	defer f.lock.Unlock()
	cp := make([]sentMessage, len(f.sent))
	copy(cp, f.sent)
	return cp
}

// fakeDiscord simulates the Discord HTTP API and CDN.
type fakeDiscord struct {
	Server *httptest.Server

	lock      sync.Mutex
	calls     []endpointCall
	msgCount  int
	hookCount int

	// Channels maps channel ID to canned channel responses.
	Channels map[string]*discord.Channel
	// Webhooks maps channel ID to pre-existing webhook lists.
	Webhooks map[string][]discord.Webhook
	// WebhookMessagesGone makes edit and delete return 404.
	WebhookMessagesGone bool
}

func newFakeDiscord() *fakeDiscord {
	f := &fakeDiscord{
		Channels: make(map[string]*discord.Channel),
		Webhooks: make(map[string][]discord.Webhook),
	}
	mux := http.NewServeMux()
	mux.HandleFunc("GET /channels/{id}", func(w http.ResponseWriter, r *http.Request) {
		if channel, ok := f.Channels[r.PathValue("id")]; ok {
			writeTestJSON(w, channel)
			return
		}
		w.WriteHeader(http.StatusNotFound)
	})
	mux.HandleFunc("GET /channels/{id}/webhooks", func(w http.ResponseWriter, r *http.Request) {
		hooks := f.Webhooks[r.PathValue("id")]
		if hooks == nil {
			hooks = []discord.Webhook{}
		}
		writeTestJSON(w, hooks)
	})
	mux.HandleFunc("POST /channels/{id}/webhooks", func(w http.ResponseWriter, r *http.Request) {
		f.lock.Lock()
		f.hookCount++
		hook := discord.Webhook{
			ID:        fmt.Sprintf("hook-%d", f.hookCount),
			Token:     "hooktoken",
			Name:      "matrix_bridge",
			ChannelID: r.PathValue("id"),
		}
		f.lock.Unlock()
		writeTestJSON(w, hook)
	})
	mux.HandleFunc("POST /channels/{id}/typing", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})
	mux.HandleFunc("POST /webhooks/{id}/{token}", func(w http.ResponseWriter, r *http.Request) {
		f.lock.Lock()
		f.msgCount++
		msg := discord.Message{ID: fmt.Sprintf("dmsg-%d", f.msgCount)}
		f.lock.Unlock()
		writeTestJSON(w, msg)
	})
	mux.HandleFunc("PATCH /webhooks/{id}/{token}/messages/{mid}", func(w http.ResponseWriter, r *http.Request) {
		if f.WebhookMessagesGone {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		writeTestJSON(w, struct{}{})
	})
	mux.HandleFunc("DELETE /webhooks/{id}/{token}/messages/{mid}", func(w http.ResponseWriter, r *http.Request) {
		if f.WebhookMessagesGone {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	})
	serveImage := func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "image/png")
		_, _ = w.Write([]byte("png"))
	}
	mux.HandleFunc("GET /avatars/", serveImage)
	mux.HandleFunc("GET /embed/avatars/", serveImage)
	mux.HandleFunc("GET /emojis/", serveImage)
	mux.HandleFunc("GET /stickers/", serveImage)
	f.Server = httptest.NewServer(f.recording(mux))
	return f
}

func (f *fakeDiscord) recording(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		r.Body = io.NopCloser(strings.NewReader(string(body)))
		f.lock.Lock()
		f.calls = append(f.calls, endpointCall{Method: r.Method, Path: r.URL.Path, Body: string(body)})
		f.lock.Unlock()
		next.ServeHTTP(w, r)
	})
}

func (f *fakeDiscord) Close() { f.Server.Close() }

func (f *fakeDiscord) Calls() []endpointCall {
	f.lock.Lock()
	defer f.lock.Unlock()
	cp := make([]endpointCall, len(f.calls))
	copy(cp, f.calls)
	return cp
}

// CallsMatching returns the recorded calls whose method and path prefix
// match.
func (f *fakeDiscord) CallsMatching(method, pathPrefix string) []endpointCall {
	var matched []endpointCall
	for _, call := range f.Calls() {
		if call.Method == method && strings.HasPrefix(call.Path, pathPrefix) {
			matched = append(matched, call)
		}
	}
	return matched
}

// webhookContent decodes the content field of a recorded webhook execute or
// edit body.
func webhookContent(t *testing.T, call endpointCall) string {
	t.Helper()
	var body struct {
		Content string `json:"content"`
	}
	if err := json.Unmarshal([]byte(call.Body), &body); err != nil {
		t.Fatalf("decode webhook body: %v", err)
	}
	return body.Content
}

func writeTestJSON(w http.ResponseWriter, body any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(body)
}

// newTestBridge wires a bridge against fake homeserver and Discord servers
// with an in-memory store.
func newTestBridge(t *testing.T) (*Bridge, *fakeHS, *fakeDiscord) {
	t.Helper()

	hs := newFakeHS()
	dc := newFakeDiscord()
	t.Cleanup(hs.Close)
	t.Cleanup(dc.Close)

	cfg := &Config{
		Homeserver:   hs.Server.URL,
		ServerName:   testServerName,
		ASToken:      "as_token",
		HSToken:      "hs_token",
		DiscordToken: "bot_token",
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("config: %v", err)
	}

	db, err := store.Open(context.Background(), ":memory:")
	if err != nil {
		t.Fatalf("store: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })

	b := New(cfg, db, zerolog.Nop())
	b.rest.SetBaseURL(dc.Server.URL)
	b.rest.SetCDNBaseURL(dc.Server.URL)
	return b, hs, dc
}

// mapRoom seeds a room↔channel mapping.
func mapRoom(t *testing.T, b *Bridge, roomID id.RoomID, channelID string) {
	t.Helper()
	if err := b.store.PutRoom(context.Background(), roomID, channelID); err != nil {
		t.Fatalf("map room: %v", err)
	}
}

// provisionPuppet seeds a puppet record so handlers skip registration.
func provisionPuppet(t *testing.T, b *Bridge, user *discord.User, hashed string) id.UserID {
	t.Helper()
	mxid := PuppetMXID(user.ID, hashed, testServerName)
	err := b.store.PutPuppet(context.Background(), &store.Puppet{
		MXID:        mxid,
		DisplayName: user.Tag(),
		AvatarURL:   user.AvatarURL(),
	})
	if err != nil {
		t.Fatalf("provision puppet: %v", err)
	}
	return mxid
}
