// Copyright 2024-2026 Remi Philippe
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package discord

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"go.mau.fi/util/random"
)

// ErrNotConnected is returned by socket-level queries while the gateway has
// no live connection.
var ErrNotConnected = errors.New("discord: gateway not connected")

var (
	errServerReconnect = errors.New("server requested reconnect")
	errInvalidSession  = errors.New("session invalidated")
)

// EventHandler receives decoded dispatch events. It is called from the
// gateway's read loop, so implementations must not block for long.
type EventHandler func(Event)

// Gateway maintains the persistent websocket connection to Discord. It
// identifies or resumes on HELLO, heartbeats at the interval the server
// announces, tracks the dispatch sequence number, and reconnects forever
// until its context is cancelled.
type Gateway struct {
	rest    *REST
	token   string
	intents int
	handler EventHandler
	log     zerolog.Logger

	dialer   *websocket.Dialer
	endpoint string

	// reconnectDelay is the pause between connection attempts. Tests shrink it.
	reconnectDelay time.Duration
	// queryTimeout bounds QueryMembers' wait for a matching chunk.
	queryTimeout time.Duration

	mu        sync.Mutex
	conn      *websocket.Conn
	seq       int64
	seqValid  bool
	sessionID string
	resumeOK  bool
	pending   map[string]chan *GuildMembersChunk

	writeMu sync.Mutex
}

// NewGateway creates a gateway client. Events decoded from dispatch frames
// are passed to handler; unknown dispatch types are logged and dropped.
func NewGateway(rest *REST, token string, intents int, handler EventHandler, log zerolog.Logger) *Gateway {
	return &Gateway{
		rest:           rest,
		token:          token,
		intents:        intents,
		handler:        handler,
		log:            log.With().Str("component", "discord_gateway").Logger(),
		dialer:         websocket.DefaultDialer,
		reconnectDelay: 2 * time.Second,
		queryTimeout:   5 * time.Second,
		pending:        make(map[string]chan *GuildMembersChunk),
	}
}

// SetEndpoint overrides gateway endpoint discovery, used by tests.
func (g *Gateway) SetEndpoint(url string) {
	g.endpoint = url
}

// Run connects and processes frames until ctx is cancelled. Connection
// failures of any kind are retried indefinitely after a short delay.
func (g *Gateway) Run(ctx context.Context) error {
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		err := g.runOnce(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		g.log.Warn().Err(err).Msg("Gateway connection lost, reconnecting")

		timer := time.NewTimer(g.reconnectDelay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}

func (g *Gateway) runOnce(ctx context.Context) error {
	endpoint := g.endpoint
	if endpoint == "" {
		var err error
		endpoint, err = g.rest.GatewayURL(ctx)
		if err != nil {
			return fmt.Errorf("failed to discover gateway endpoint: %w", err)
		}
		g.endpoint = endpoint
	}

	conn, _, err := g.dialer.DialContext(ctx, endpoint+"/?v=8&encoding=json", nil)
	if err != nil {
		return fmt.Errorf("dial: %w", err)
	}

	g.mu.Lock()
	g.conn = conn
	g.mu.Unlock()

	// connCtx scopes the heartbeat loop and the closer goroutine to this
	// connection.
	connCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	defer func() {
		g.mu.Lock()
		g.conn = nil
		g.mu.Unlock()
		conn.Close()
	}()
	go func() {
		<-connCtx.Done()
		conn.Close() // unblock the reader
	}()

	g.log.Info().Str("endpoint", endpoint).Msg("Gateway connected")

	for {
		var p Payload
		if err := conn.ReadJSON(&p); err != nil {
			return fmt.Errorf("read: %w", err)
		}
		if p.Seq != nil {
			g.mu.Lock()
			g.seq = *p.Seq
			g.seqValid = true
			g.mu.Unlock()
		}

		switch p.Op {
		case OpDispatch:
			g.handleDispatch(&p)
		case OpHello:
			var hello struct {
				HeartbeatInterval int `json:"heartbeat_interval"`
			}
			if err := json.Unmarshal(p.Data, &hello); err != nil {
				return fmt.Errorf("failed to decode HELLO: %w", err)
			}
			go g.heartbeatLoop(connCtx, time.Duration(hello.HeartbeatInterval)*time.Millisecond)
			if err := g.sendAuth(); err != nil {
				return err
			}
		case OpHeartbeat:
			// Server asked for an immediate beat.
			if err := g.sendHeartbeat(); err != nil {
				return err
			}
		case OpReconnect:
			return errServerReconnect
		case OpInvalidSession:
			g.mu.Lock()
			g.sessionID = ""
			g.resumeOK = false
			g.seqValid = false
			g.mu.Unlock()
			return errInvalidSession
		case OpHeartbeatACK:
			// Nothing to do.
		default:
			g.log.Info().Int("op", p.Op).Msg("Unknown gateway opcode")
		}
	}
}

func (g *Gateway) handleDispatch(p *Payload) {
	if p.Type == "READY" {
		var ready struct {
			SessionID string `json:"session_id"`
			User      User   `json:"user"`
		}
		if err := json.Unmarshal(p.Data, &ready); err != nil {
			g.log.Error().Err(err).Msg("Failed to decode READY")
			return
		}
		g.mu.Lock()
		g.sessionID = ready.SessionID
		g.resumeOK = true
		g.mu.Unlock()
		g.log.Info().
			Str("session_id", ready.SessionID).
			Str("username", ready.User.Username).
			Msg("Gateway session established")
		return
	}
	if p.Type == "RESUMED" {
		g.log.Info().Msg("Gateway session resumed")
		return
	}

	evt, err := decodeEvent(p.Type, p.Data)
	if err != nil {
		g.log.Error().Err(err).Str("type", p.Type).Msg("Failed to decode dispatch")
		return
	}
	if evt == nil {
		g.log.Debug().Str("type", p.Type).Msg("Ignoring unhandled dispatch type")
		return
	}

	// Member chunks answering an in-flight query are routed to the waiter
	// instead of the handler.
	if chunk, ok := evt.(*GuildMembersChunk); ok && chunk.Nonce != "" {
		g.mu.Lock()
		ch, waiting := g.pending[chunk.Nonce]
		g.mu.Unlock()
		if waiting {
			select {
			case ch <- chunk:
			default:
			}
			return
		}
	}

	if g.handler != nil {
		g.dispatchEvent(evt)
	}
}

// dispatchEvent contains handler panics so one bad event cannot take down
// the read loop.
func (g *Gateway) dispatchEvent(evt Event) {
	defer func() {
		if panicErr := recover(); panicErr != nil {
			g.log.Error().Any("panic", panicErr).Type("event", evt).Msg("Panic in gateway event handler")
		}
	}()
	g.handler(evt)
}

func (g *Gateway) sendAuth() error {
	g.mu.Lock()
	resume := g.resumeOK && g.sessionID != "" && g.seqValid
	sessionID := g.sessionID
	seq := g.seq
	g.mu.Unlock()

	if resume {
		g.log.Info().Str("session_id", sessionID).Int64("seq", seq).Msg("Resuming gateway session")
		return g.writeJSON(&Payload{
			Op: OpResume,
			Data: mustMarshal(map[string]any{
				"token":      g.token,
				"session_id": sessionID,
				"seq":        seq,
			}),
		})
	}

	g.log.Info().Msg("Identifying to gateway")
	return g.writeJSON(&Payload{
		Op: OpIdentify,
		Data: mustMarshal(map[string]any{
			"token":   g.token,
			"intents": g.intents,
			"properties": map[string]string{
				"$os":      "linux",
				"$browser": "matrix-discord",
				"$device":  "matrix-discord",
			},
		}),
	})
}

func (g *Gateway) heartbeatLoop(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := g.sendHeartbeat(); err != nil {
				g.log.Warn().Err(err).Msg("Heartbeat write failed")
				return
			}
		}
	}
}

func (g *Gateway) sendHeartbeat() error {
	g.mu.Lock()
	var data json.RawMessage
	if g.seqValid {
		data = mustMarshal(g.seq)
	} else {
		data = json.RawMessage("null")
	}
	g.mu.Unlock()
	return g.writeJSON(&Payload{Op: OpHeartbeat, Data: data})
}

// QueryMembers requests guild members matching query over the socket and
// waits for the answering chunk. A timeout degrades to no matches; a missing
// connection is an error.
func (g *Gateway) QueryMembers(ctx context.Context, guildID, query string, limit int) ([]Member, error) {
	g.mu.Lock()
	if g.conn == nil {
		g.mu.Unlock()
		return nil, ErrNotConnected
	}
	nonce := random.String(16)
	ch := make(chan *GuildMembersChunk, 1)
	g.pending[nonce] = ch
	g.mu.Unlock()

	defer func() {
		g.mu.Lock()
		delete(g.pending, nonce)
		g.mu.Unlock()
	}()

	err := g.writeJSON(&Payload{
		Op: OpRequestGuildMembers,
		Data: mustMarshal(map[string]any{
			"guild_id": guildID,
			"query":    query,
			"limit":    limit,
			"nonce":    nonce,
		}),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to send member query: %w", err)
	}

	timer := time.NewTimer(g.queryTimeout)
	defer timer.Stop()
	select {
	case chunk := <-ch:
		return chunk.Members, nil
	case <-timer.C:
		g.log.Debug().Str("query", query).Msg("Member query timed out")
		return nil, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (g *Gateway) writeJSON(p *Payload) error {
	g.mu.Lock()
	conn := g.conn
	g.mu.Unlock()
	if conn == nil {
		return ErrNotConnected
	}
	g.writeMu.Lock()
	defer g.writeMu.Unlock()
	return conn.WriteJSON(p)
}

func mustMarshal(v any) json.RawMessage {
	data, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return data
}
