// Copyright 2024-2026 Remi Philippe
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package discord

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

// RequestError is returned for non-2xx Discord API responses.
type RequestError struct {
	Status int
	Method string
	Path   string
	Body   string
}

func (e *RequestError) Error() string {
	return fmt.Sprintf("discord: %s %s returned %d: %s", e.Method, e.Path, e.Status, e.Body)
}

// IsNotFound reports whether err is a RequestError for a missing resource.
func IsNotFound(err error) bool {
	var reqErr *RequestError
	return errors.As(err, &reqErr) && (reqErr.Status == http.StatusNotFound || reqErr.Status == http.StatusForbidden)
}

// REST is a thin wrapper over the Discord HTTP API with client-side rate
// limiting.
type REST struct {
	http    *http.Client
	token   string
	baseURL string
	cdnURL  string
	limiter *rate.Limiter
	log     zerolog.Logger
}

// NewREST creates a REST client authenticated with a bot token.
func NewREST(token string, log zerolog.Logger) *REST {
	return &REST{
		http:    &http.Client{Timeout: 30 * time.Second},
		token:   token,
		baseURL: APIBaseURL,
		cdnURL:  CDNBaseURL,
		// Discord's global limit is 50 req/s; stay comfortably under it.
		limiter: rate.NewLimiter(rate.Limit(25), 5),
		log:     log.With().Str("component", "discord_rest").Logger(),
	}
}

// SetBaseURL overrides the API root, used by tests.
func (r *REST) SetBaseURL(base string) {
	r.baseURL = base
}

// SetCDNBaseURL overrides the CDN root, used by tests.
func (r *REST) SetCDNBaseURL(base string) {
	r.cdnURL = base
}

func (r *REST) request(ctx context.Context, method, path string, body, out any) error {
	if err := r.limiter.Wait(ctx); err != nil {
		return err
	}

	var reqBody io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to marshal request body: %w", err)
		}
		reqBody = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, r.baseURL+path, reqBody)
	if err != nil {
		return err
	}
	if r.token != "" {
		req.Header.Set("Authorization", "Bot "+r.token)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := r.http.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return &RequestError{
			Status: resp.StatusCode,
			Method: method,
			Path:   path,
			Body:   string(data),
		}
	}

	if out == nil || resp.StatusCode == http.StatusNoContent {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}

// GatewayURL asks the API where the gateway websocket lives.
func (r *REST) GatewayURL(ctx context.Context) (string, error) {
	var resp struct {
		URL string `json:"url"`
	}
	if err := r.request(ctx, http.MethodGet, "/gateway", nil, &resp); err != nil {
		return "", err
	}
	return resp.URL, nil
}

// GetChannel fetches a channel by ID.
func (r *REST) GetChannel(ctx context.Context, channelID string) (*Channel, error) {
	var channel Channel
	if err := r.request(ctx, http.MethodGet, "/channels/"+channelID, nil, &channel); err != nil {
		return nil, err
	}
	return &channel, nil
}

// GetGuildChannels lists a guild's channels.
func (r *REST) GetGuildChannels(ctx context.Context, guildID string) ([]Channel, error) {
	var channels []Channel
	if err := r.request(ctx, http.MethodGet, "/guilds/"+guildID+"/channels", nil, &channels); err != nil {
		return nil, err
	}
	return channels, nil
}

// GetGuildEmojis lists a guild's custom emojis.
func (r *REST) GetGuildEmojis(ctx context.Context, guildID string) ([]Emoji, error) {
	var emojis []Emoji
	if err := r.request(ctx, http.MethodGet, "/guilds/"+guildID+"/emojis", nil, &emojis); err != nil {
		return nil, err
	}
	return emojis, nil
}

// GetGuildMembers lists up to limit members of a guild.
func (r *REST) GetGuildMembers(ctx context.Context, guildID string, limit int) ([]Member, error) {
	var members []Member
	path := fmt.Sprintf("/guilds/%s/members?limit=%d", guildID, limit)
	if err := r.request(ctx, http.MethodGet, path, nil, &members); err != nil {
		return nil, err
	}
	return members, nil
}

// GetChannelWebhooks lists the webhooks of a channel.
func (r *REST) GetChannelWebhooks(ctx context.Context, channelID string) ([]Webhook, error) {
	var webhooks []Webhook
	if err := r.request(ctx, http.MethodGet, "/channels/"+channelID+"/webhooks", nil, &webhooks); err != nil {
		return nil, err
	}
	return webhooks, nil
}

// CreateWebhook creates a named webhook in a channel.
func (r *REST) CreateWebhook(ctx context.Context, channelID, name string) (*Webhook, error) {
	body := map[string]string{"name": name}
	var webhook Webhook
	if err := r.request(ctx, http.MethodPost, "/channels/"+channelID+"/webhooks", body, &webhook); err != nil {
		return nil, err
	}
	return &webhook, nil
}

// ExecuteWebhook posts a message through a webhook and waits for the created
// message so the caller can correlate it.
func (r *REST) ExecuteWebhook(ctx context.Context, webhook *Webhook, params *WebhookParams) (*Message, error) {
	path := fmt.Sprintf("/webhooks/%s/%s?wait=true", webhook.ID, webhook.Token)
	var msg Message
	if err := r.request(ctx, http.MethodPost, path, params, &msg); err != nil {
		return nil, err
	}
	return &msg, nil
}

// EditWebhookMessage replaces the content of a webhook-sent message.
func (r *REST) EditWebhookMessage(ctx context.Context, webhook *Webhook, messageID, content string) error {
	path := fmt.Sprintf("/webhooks/%s/%s/messages/%s", webhook.ID, webhook.Token, messageID)
	body := map[string]string{"content": content}
	return r.request(ctx, http.MethodPatch, path, body, nil)
}

// DeleteWebhookMessage deletes a webhook-sent message.
func (r *REST) DeleteWebhookMessage(ctx context.Context, webhook *Webhook, messageID string) error {
	path := fmt.Sprintf("/webhooks/%s/%s/messages/%s", webhook.ID, webhook.Token, messageID)
	return r.request(ctx, http.MethodDelete, path, nil, nil)
}

// TriggerTyping fires the typing indicator in a channel as the bot.
func (r *REST) TriggerTyping(ctx context.Context, channelID string) error {
	return r.request(ctx, http.MethodPost, "/channels/"+channelID+"/typing", nil, nil)
}

// Download fetches an arbitrary URL (CDN media) and returns the bytes and
// content type.
func (r *REST) Download(ctx context.Context, rawURL string) ([]byte, string, error) {
	if r.cdnURL != CDNBaseURL && strings.HasPrefix(rawURL, CDNBaseURL) {
		rawURL = r.cdnURL + strings.TrimPrefix(rawURL, CDNBaseURL)
	}
	if _, err := url.Parse(rawURL); err != nil {
		return nil, "", fmt.Errorf("invalid media URL: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, "", err
	}
	resp, err := r.http.Do(req)
	if err != nil {
		return nil, "", fmt.Errorf("download failed: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, "", &RequestError{Status: resp.StatusCode, Method: http.MethodGet, Path: rawURL}
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, 16<<20))
	if err != nil {
		return nil, "", err
	}
	return data, resp.Header.Get("Content-Type"), nil
}
