// Copyright 2024-2026 Remi Philippe
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

// Package matrix wraps the Matrix client-server API surface the bridge
// needs: appservice user registration, profile management, room membership
// and message operations, all impersonable via the user_id query parameter.
package matrix

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/rs/zerolog"
	"go.mau.fi/util/random"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"
)

// RequestError is returned for non-2xx homeserver responses.
type RequestError struct {
	Status  int
	ErrCode string
	Message string
}

func (e *RequestError) Error() string {
	return fmt.Sprintf("matrix: %d %s: %s", e.Status, e.ErrCode, e.Message)
}

// IsNotFound reports whether err is a homeserver not-found response.
func IsNotFound(err error) bool {
	var reqErr *RequestError
	return errors.As(err, &reqErr) &&
		(reqErr.Status == http.StatusNotFound || reqErr.ErrCode == "M_NOT_FOUND")
}

// IsUserInUse reports whether a registration failed because the localpart
// already exists.
func IsUserInUse(err error) bool {
	var reqErr *RequestError
	return errors.As(err, &reqErr) && reqErr.ErrCode == "M_USER_IN_USE"
}

// Member is a room member as returned by the joined_members endpoint.
type Member struct {
	DisplayName string `json:"display_name"`
	AvatarURL   string `json:"avatar_url"`
}

// Client is a thin appservice-authenticated homeserver client.
type Client struct {
	http          *http.Client
	homeserverURL string
	asToken       string
	log           zerolog.Logger

	// UserID is the bridge bot's own MXID. Requests with no impersonation
	// target run as this user.
	UserID id.UserID
}

// NewClient creates a client for the given homeserver, authenticating with
// the appservice token and acting as botMXID by default.
func NewClient(homeserverURL string, asToken string, botMXID id.UserID, log zerolog.Logger) *Client {
	return &Client{
		http:          &http.Client{Timeout: 30 * time.Second},
		homeserverURL: homeserverURL,
		asToken:       asToken,
		UserID:        botMXID,
		log:           log.With().Str("component", "matrix_client").Logger(),
	}
}

// request performs a homeserver call. path is relative to the homeserver
// root (e.g. /_matrix/client/v3/...). asUser, when non-empty, is sent as the
// user_id impersonation parameter.
func (c *Client) request(ctx context.Context, method, path string, asUser id.UserID, query url.Values, body, out any) error {
	if query == nil {
		query = url.Values{}
	}
	if asUser != "" && asUser != c.UserID {
		query.Set("user_id", string(asUser))
	}

	reqURL := c.homeserverURL + path
	if len(query) > 0 {
		reqURL += "?" + query.Encode()
	}

	var reqBody io.Reader
	contentType := ""
	switch typed := body.(type) {
	case nil:
	case []byte:
		reqBody = bytes.NewReader(typed)
	default:
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to marshal request body: %w", err)
		}
		reqBody = bytes.NewReader(data)
		contentType = "application/json"
	}

	req, err := http.NewRequestWithContext(ctx, method, reqURL, reqBody)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+c.asToken)
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		reqErr := &RequestError{Status: resp.StatusCode}
		var matrixErr struct {
			ErrCode string `json:"errcode"`
			Error   string `json:"error"`
		}
		if decodeErr := json.NewDecoder(io.LimitReader(resp.Body, 4096)).Decode(&matrixErr); decodeErr == nil {
			reqErr.ErrCode = matrixErr.ErrCode
			reqErr.Message = matrixErr.Error
		}
		return reqErr
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}

// RegisterUser registers an appservice-managed user with the given localpart.
func (c *Client) RegisterUser(ctx context.Context, localpart string) error {
	body := map[string]string{
		"type":     "m.login.application_service",
		"username": localpart,
	}
	return c.request(ctx, http.MethodPost, "/_matrix/client/v3/register", "", nil, body, nil)
}

// Profile is a user's global display name and avatar.
type Profile struct {
	DisplayName string `json:"displayname"`
	AvatarURL   string `json:"avatar_url"`
}

// GetProfile fetches a user's profile.
func (c *Client) GetProfile(ctx context.Context, userID id.UserID) (*Profile, error) {
	var profile Profile
	err := c.request(ctx, http.MethodGet, "/_matrix/client/v3/profile/"+url.PathEscape(string(userID)), "", nil, nil, &profile)
	if err != nil {
		return nil, err
	}
	return &profile, nil
}

// SetDisplayName sets a user's display name, acting as that user.
func (c *Client) SetDisplayName(ctx context.Context, userID id.UserID, name string) error {
	path := "/_matrix/client/v3/profile/" + url.PathEscape(string(userID)) + "/displayname"
	return c.request(ctx, http.MethodPut, path, userID, nil, map[string]string{"displayname": name}, nil)
}

// SetAvatarURL sets a user's avatar to an mxc URI, acting as that user.
func (c *Client) SetAvatarURL(ctx context.Context, userID id.UserID, avatarURL id.ContentURIString) error {
	path := "/_matrix/client/v3/profile/" + url.PathEscape(string(userID)) + "/avatar_url"
	return c.request(ctx, http.MethodPut, path, userID, nil, map[string]string{"avatar_url": string(avatarURL)}, nil)
}

// JoinedMembers lists the joined members of a room.
func (c *Client) JoinedMembers(ctx context.Context, roomID id.RoomID) (map[id.UserID]Member, error) {
	var resp struct {
		Joined map[id.UserID]Member `json:"joined"`
	}
	path := "/_matrix/client/v3/rooms/" + url.PathEscape(string(roomID)) + "/joined_members"
	if err := c.request(ctx, http.MethodGet, path, "", nil, nil, &resp); err != nil {
		return nil, err
	}
	return resp.Joined, nil
}

// CreateRoomRequest is the subset of the room creation body the bridge uses.
type CreateRoomRequest struct {
	Visibility    string           `json:"visibility,omitempty"`
	RoomAliasName string           `json:"room_alias_name,omitempty"`
	Name          string           `json:"name,omitempty"`
	Topic         string           `json:"topic,omitempty"`
	Invite        []id.UserID      `json:"invite,omitempty"`
	Preset        string           `json:"preset,omitempty"`
	InitialState  []map[string]any `json:"initial_state,omitempty"`
	PowerLevels   map[string]any   `json:"power_level_content_override,omitempty"`
}

// CreateRoom creates a room and returns its ID.
func (c *Client) CreateRoom(ctx context.Context, req *CreateRoomRequest) (id.RoomID, error) {
	var resp struct {
		RoomID id.RoomID `json:"room_id"`
	}
	if err := c.request(ctx, http.MethodPost, "/_matrix/client/v3/createRoom", "", nil, req, &resp); err != nil {
		return "", err
	}
	return resp.RoomID, nil
}

// ResolveAlias resolves a room alias to a room ID.
func (c *Client) ResolveAlias(ctx context.Context, alias id.RoomAlias) (id.RoomID, error) {
	var resp struct {
		RoomID id.RoomID `json:"room_id"`
	}
	path := "/_matrix/client/v3/directory/room/" + url.PathEscape(string(alias))
	if err := c.request(ctx, http.MethodGet, path, "", nil, nil, &resp); err != nil {
		return "", err
	}
	return resp.RoomID, nil
}

// InviteUser invites a user to a room as the bridge bot.
func (c *Client) InviteUser(ctx context.Context, roomID id.RoomID, userID id.UserID) error {
	path := "/_matrix/client/v3/rooms/" + url.PathEscape(string(roomID)) + "/invite"
	return c.request(ctx, http.MethodPost, path, "", nil, map[string]string{"user_id": string(userID)}, nil)
}

// JoinRoom joins a room, acting as asUser.
func (c *Client) JoinRoom(ctx context.Context, roomID id.RoomID, asUser id.UserID) error {
	path := "/_matrix/client/v3/rooms/" + url.PathEscape(string(roomID)) + "/join"
	return c.request(ctx, http.MethodPost, path, asUser, nil, struct{}{}, nil)
}

// SendMessage sends an m.room.message event, acting as asUser, and returns
// the event ID.
func (c *Client) SendMessage(ctx context.Context, roomID id.RoomID, content *event.MessageEventContent, asUser id.UserID) (id.EventID, error) {
	var resp struct {
		EventID id.EventID `json:"event_id"`
	}
	path := "/_matrix/client/v3/rooms/" + url.PathEscape(string(roomID)) +
		"/send/m.room.message/" + txnID()
	if err := c.request(ctx, http.MethodPut, path, asUser, nil, content, &resp); err != nil {
		return "", err
	}
	return resp.EventID, nil
}

// RedactEvent redacts an event, acting as asUser.
func (c *Client) RedactEvent(ctx context.Context, roomID id.RoomID, eventID id.EventID, asUser id.UserID) error {
	path := "/_matrix/client/v3/rooms/" + url.PathEscape(string(roomID)) +
		"/redact/" + url.PathEscape(string(eventID)) + "/" + txnID()
	return c.request(ctx, http.MethodPut, path, asUser, nil, struct{}{}, nil)
}

// SendTyping sets the typing indicator for asUser in a room.
func (c *Client) SendTyping(ctx context.Context, roomID id.RoomID, asUser id.UserID, timeout time.Duration) error {
	path := "/_matrix/client/v3/rooms/" + url.PathEscape(string(roomID)) +
		"/typing/" + url.PathEscape(string(asUser))
	body := map[string]any{"typing": timeout > 0}
	if timeout > 0 {
		body["timeout"] = timeout.Milliseconds()
	}
	return c.request(ctx, http.MethodPut, path, asUser, nil, body, nil)
}

// GetEvent fetches a single event from a room.
func (c *Client) GetEvent(ctx context.Context, roomID id.RoomID, eventID id.EventID) (*event.Event, error) {
	var evt event.Event
	path := "/_matrix/client/v3/rooms/" + url.PathEscape(string(roomID)) +
		"/event/" + url.PathEscape(string(eventID))
	if err := c.request(ctx, http.MethodGet, path, "", nil, nil, &evt); err != nil {
		return nil, err
	}
	_ = evt.Content.ParseRaw(evt.Type)
	return &evt, nil
}

// UploadMedia uploads bytes to the media repository and returns the mxc URI.
func (c *Client) UploadMedia(ctx context.Context, data []byte, contentType, filename string) (id.ContentURIString, error) {
	query := url.Values{}
	if filename != "" {
		query.Set("filename", filename)
	}
	reqURL := c.homeserverURL + "/_matrix/media/v3/upload"
	if len(query) > 0 {
		reqURL += "?" + query.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, reqURL, bytes.NewReader(data))
	if err != nil {
		return "", err
	}
	req.Header.Set("Authorization", "Bearer "+c.asToken)
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	req.Header.Set("Content-Type", contentType)
	req.ContentLength = int64(len(data))

	resp, err := c.http.Do(req)
	if err != nil {
		return "", fmt.Errorf("upload failed: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return "", &RequestError{Status: resp.StatusCode, Message: string(body)}
	}
	var uploadResp struct {
		ContentURI id.ContentURIString `json:"content_uri"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&uploadResp); err != nil {
		return "", fmt.Errorf("failed to decode upload response: %w", err)
	}
	return uploadResp.ContentURI, nil
}

// DownloadURL converts an mxc URI to an HTTP download URL on this
// homeserver. Invalid URIs return "".
func (c *Client) DownloadURL(uri id.ContentURIString) string {
	parsed, err := uri.Parse()
	if err != nil || parsed.IsEmpty() {
		return ""
	}
	return c.homeserverURL + "/_matrix/media/v3/download/" +
		url.PathEscape(parsed.Homeserver) + "/" + url.PathEscape(parsed.FileID)
}

func txnID() string {
	return "md" + strconv.FormatInt(time.Now().UnixMilli(), 10) + random.String(8)
}
