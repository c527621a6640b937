// Copyright 2024-2026 Remi Philippe
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package matrix

import (
	"encoding/json"
	"io"
	"net/http"
	"strings"

	"github.com/rs/zerolog"
	"maunium.net/go/mautrix/event"
)

// Transaction is a homeserver-pushed batch of events.
type Transaction struct {
	Events []*event.Event `json:"events"`
}

// EventHandlerFunc processes one event from a transaction. Errors are the
// handler's own business; a failing event must not abort the batch.
type EventHandlerFunc func(evt *event.Event)

// AppService receives homeserver transactions over HTTP. Events are
// delivered to the handler in batch order; the transaction is acknowledged
// regardless of individual event failures.
type AppService struct {
	hsToken string
	handler EventHandlerFunc
	log     zerolog.Logger
}

// NewAppService creates a transaction receiver that authenticates pushes
// with hsToken.
func NewAppService(hsToken string, handler EventHandlerFunc, log zerolog.Logger) *AppService {
	return &AppService{
		hsToken: hsToken,
		handler: handler,
		log:     log.With().Str("component", "appservice").Logger(),
	}
}

// RegisterRoutes attaches the transaction endpoints to mux, on both the
// current and the legacy path prefix.
func (as *AppService) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("PUT /_matrix/app/v1/transactions/{txnID}", as.handleTransaction)
	mux.HandleFunc("PUT /transactions/{txnID}", as.handleTransaction)
}

func (as *AppService) checkAuth(r *http.Request) int {
	token := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
	if token == "" || token == r.Header.Get("Authorization") {
		token = r.URL.Query().Get("access_token")
	}
	if token == "" {
		return http.StatusUnauthorized
	}
	if token != as.hsToken {
		return http.StatusForbidden
	}
	return http.StatusOK
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func (as *AppService) handleTransaction(w http.ResponseWriter, r *http.Request) {
	if status := as.checkAuth(r); status != http.StatusOK {
		errCode := "M_FORBIDDEN"
		if status == http.StatusUnauthorized {
			errCode = "M_MISSING_TOKEN"
		}
		writeJSON(w, status, map[string]string{"errcode": errCode})
		return
	}

	txnID := r.PathValue("txnID")
	body, err := io.ReadAll(r.Body)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"errcode": "M_NOT_JSON"})
		return
	}

	var txn Transaction
	if err := json.Unmarshal(body, &txn); err != nil {
		as.log.Warn().Err(err).Str("txn_id", txnID).Msg("Failed to decode transaction")
		writeJSON(w, http.StatusBadRequest, map[string]string{"errcode": "M_BAD_JSON"})
		return
	}

	as.log.Debug().Str("txn_id", txnID).Int("events", len(txn.Events)).Msg("Received transaction")
	for _, evt := range txn.Events {
		if evt == nil {
			continue
		}
		as.dispatch(evt)
	}

	writeJSON(w, http.StatusOK, struct{}{})
}

// dispatch hands one event to the handler, isolating the rest of the batch
// from parse failures and panics.
func (as *AppService) dispatch(evt *event.Event) {
	defer func() {
		if panicErr := recover(); panicErr != nil {
			as.log.Error().
				Any("panic", panicErr).
				Str("event_id", string(evt.ID)).
				Msg("Panic while handling event")
		}
	}()
	if err := evt.Content.ParseRaw(evt.Type); err != nil {
		// Unknown event types still get delivered with raw content; the
		// handler's type switch will skip them.
		as.log.Debug().Err(err).Str("type", evt.Type.Type).Msg("Failed to parse event content")
	}
	as.handler(evt)
}
