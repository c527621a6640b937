// Copyright 2024-2026 Remi Philippe
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

// Package store persists the bridge's room mappings and puppet users in
// SQLite.
package store

import (
	"context"
	"database/sql"
	"fmt"

	_ "github.com/mattn/go-sqlite3"
	"go.mau.fi/util/dbutil"
	"maunium.net/go/mautrix/id"
)

const schema = `
CREATE TABLE IF NOT EXISTS room_mapping (
	room_id    TEXT PRIMARY KEY,
	channel_id TEXT NOT NULL UNIQUE
);
CREATE TABLE IF NOT EXISTS puppet (
	mxid         TEXT PRIMARY KEY,
	avatar_url   TEXT NOT NULL DEFAULT '',
	display_name TEXT NOT NULL DEFAULT ''
);
`

// Puppet is a provisioned bridge-owned Matrix user and its last synced
// profile.
type Puppet struct {
	MXID        id.UserID
	AvatarURL   string
	DisplayName string
}

// Store wraps the bridge database.
type Store struct {
	db *dbutil.Database
}

// New wraps an existing database handle.
func New(db *dbutil.Database) *Store {
	return &Store{db: db}
}

// Open opens (creating if needed) a SQLite database at path and initializes
// the schema.
func Open(ctx context.Context, path string) (*Store, error) {
	raw, err := sql.Open("sqlite3", path+"?_foreign_keys=on&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db, err := dbutil.NewWithDB(raw, "sqlite3")
	if err != nil {
		return nil, fmt.Errorf("failed to wrap database: %w", err)
	}
	store := New(db)
	if err := store.Init(ctx); err != nil {
		return nil, err
	}
	return store, nil
}

// Init creates the schema if it does not exist.
func (s *Store) Init(ctx context.Context) error {
	if _, err := s.db.Exec(ctx, schema); err != nil {
		return fmt.Errorf("failed to initialize schema: %w", err)
	}
	return nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// PutRoom stores a room↔channel mapping.
func (s *Store) PutRoom(ctx context.Context, roomID id.RoomID, channelID string) error {
	_, err := s.db.Exec(ctx,
		`INSERT INTO room_mapping (room_id, channel_id) VALUES ($1, $2)
		 ON CONFLICT (room_id) DO UPDATE SET channel_id=excluded.channel_id`,
		roomID, channelID,
	)
	return err
}

// GetChannel returns the channel bridged to roomID, or "" if none.
func (s *Store) GetChannel(ctx context.Context, roomID id.RoomID) (string, error) {
	var channelID string
	row := s.db.QueryRow(ctx, `SELECT channel_id FROM room_mapping WHERE room_id=$1`, roomID)
	if err := row.Scan(&channelID); err != nil {
		if err == sql.ErrNoRows {
			return "", nil
		}
		return "", err
	}
	return channelID, nil
}

// GetRoom returns the room bridged to channelID, or "" if none.
func (s *Store) GetRoom(ctx context.Context, channelID string) (id.RoomID, error) {
	var roomID id.RoomID
	row := s.db.QueryRow(ctx, `SELECT room_id FROM room_mapping WHERE channel_id=$1`, channelID)
	if err := row.Scan(&roomID); err != nil {
		if err == sql.ErrNoRows {
			return "", nil
		}
		return "", err
	}
	return roomID, nil
}

// ListChannels returns all bridged channel IDs.
func (s *Store) ListChannels(ctx context.Context) ([]string, error) {
	rows, err := s.db.Query(ctx, `SELECT channel_id FROM room_mapping`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var channels []string
	for rows.Next() {
		var channelID string
		if err := rows.Scan(&channelID); err != nil {
			return nil, err
		}
		channels = append(channels, channelID)
	}
	return channels, rows.Err()
}

// DeleteRoom removes the mapping for a room.
func (s *Store) DeleteRoom(ctx context.Context, roomID id.RoomID) error {
	_, err := s.db.Exec(ctx, `DELETE FROM room_mapping WHERE room_id=$1`, roomID)
	return err
}

// PutPuppet inserts or replaces a puppet record.
func (s *Store) PutPuppet(ctx context.Context, puppet *Puppet) error {
	_, err := s.db.Exec(ctx,
		`INSERT INTO puppet (mxid, avatar_url, display_name) VALUES ($1, $2, $3)
		 ON CONFLICT (mxid) DO UPDATE SET avatar_url=excluded.avatar_url, display_name=excluded.display_name`,
		puppet.MXID, puppet.AvatarURL, puppet.DisplayName,
	)
	return err
}

// GetPuppet returns the puppet with the given MXID, or nil if it was never
// provisioned.
func (s *Store) GetPuppet(ctx context.Context, mxid id.UserID) (*Puppet, error) {
	var puppet Puppet
	row := s.db.QueryRow(ctx, `SELECT mxid, avatar_url, display_name FROM puppet WHERE mxid=$1`, mxid)
	if err := row.Scan(&puppet.MXID, &puppet.AvatarURL, &puppet.DisplayName); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, err
	}
	return &puppet, nil
}

// SetPuppetAvatar updates a puppet's stored avatar URL.
func (s *Store) SetPuppetAvatar(ctx context.Context, mxid id.UserID, avatarURL string) error {
	_, err := s.db.Exec(ctx, `UPDATE puppet SET avatar_url=$1 WHERE mxid=$2`, avatarURL, mxid)
	return err
}

// SetPuppetDisplayName updates a puppet's stored display name.
func (s *Store) SetPuppetDisplayName(ctx context.Context, mxid id.UserID, name string) error {
	_, err := s.db.Exec(ctx, `UPDATE puppet SET display_name=$1 WHERE mxid=$2`, name, mxid)
	return err
}

// ListPuppets returns all provisioned puppets.
func (s *Store) ListPuppets(ctx context.Context) ([]*Puppet, error) {
	rows, err := s.db.Query(ctx, `SELECT mxid, avatar_url, display_name FROM puppet`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var puppets []*Puppet
	for rows.Next() {
		var puppet Puppet
		if err := rows.Scan(&puppet.MXID, &puppet.AvatarURL, &puppet.DisplayName); err != nil {
			return nil, err
		}
		puppets = append(puppets, &puppet)
	}
	return puppets, rows.Err()
}
