// Copyright 2024 The Relay Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
// http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package server

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgconn"
	"github.com/jackc/pgerrcode"
	_ "github.com/jackc/pgx/v4/stdlib"
	"go.uber.org/zap"
)

// PresenceStore persists per-identity presence status.
type PresenceStore interface {
	// SetStatus writes the identity's status and reports whether the stored
	// value actually changed. False means either the identity does not exist
	// or the status was already the requested value; callers use this to
	// suppress redundant broadcasts.
	SetStatus(ctx context.Context, identity, status string) (bool, error)
}

// MessageStore appends chat messages to durable history.
type MessageStore interface {
	Append(ctx context.Context, message *MessageRecord) error
}

// MembershipAuthority answers room membership questions. It is the single
// source of truth; registries never re-derive membership on their own.
type MembershipAuthority interface {
	IsActiveMember(ctx context.Context, identity, room string) (bool, error)
	ActiveRoomsFor(ctx context.Context, identity string) ([]string, error)
}

// MessageRecord is one persisted chat message. Either Receiver or Room is
// set, never both.
type MessageRecord struct {
	Sender     string
	Receiver   string
	Room       string
	Text       string
	Attachment *Attachment
	CreateTime time.Time
}

// NewDB opens the Postgres backend and verifies connectivity. Total loss of
// the backend at startup is the one fatal precondition in the process.
func NewDB(logger *zap.Logger, cfg *DatabaseConfig) (*sql.DB, error) {
	db, err := sql.Open("pgx", cfg.Address)
	if err != nil {
		return nil, fmt.Errorf("could not open database: %w", err)
	}
	db.SetConnMaxLifetime(time.Duration(cfg.ConnMaxLifetimeMs) * time.Millisecond)
	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		return nil, fmt.Errorf("could not connect to database: %w", err)
	}

	logger.Info("Database connection established")
	return db, nil
}

var (
	_ PresenceStore       = (*PGPresenceStore)(nil)
	_ MessageStore        = (*PGMessageStore)(nil)
	_ MembershipAuthority = (*PGMembershipAuthority)(nil)
)

// PGPresenceStore stores presence status on the users table.
type PGPresenceStore struct {
	logger *zap.Logger
	db     *sql.DB
}

func NewPGPresenceStore(logger *zap.Logger, db *sql.DB) *PGPresenceStore {
	return &PGPresenceStore{logger: logger, db: db}
}

func (s *PGPresenceStore) SetStatus(ctx context.Context, identity, status string) (bool, error) {
	// The status guard makes the write report "affected" only on a real
	// transition, which is what gates status broadcasts upstream.
	query := "UPDATE users SET status = $1, update_time = now() WHERE email = $2 AND status <> $1"
	res, err := s.db.ExecContext(ctx, query, status, identity)
	if err != nil {
		return false, fmt.Errorf("could not update presence status: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("could not read affected rows: %w", err)
	}
	return affected > 0, nil
}

// PGMessageStore appends chat history to the messages table.
type PGMessageStore struct {
	logger *zap.Logger
	db     *sql.DB
}

func NewPGMessageStore(logger *zap.Logger, db *sql.DB) *PGMessageStore {
	return &PGMessageStore{logger: logger, db: db}
}

func (s *PGMessageStore) Append(ctx context.Context, message *MessageRecord) error {
	createTime := message.CreateTime
	if createTime.IsZero() {
		createTime = time.Now().UTC()
	}

	var attachmentName, attachmentURL, attachmentMime sql.NullString
	var attachmentSize sql.NullInt64
	if a := message.Attachment; a != nil {
		attachmentName = sql.NullString{String: a.Name, Valid: true}
		attachmentURL = sql.NullString{String: a.URL, Valid: true}
		if a.Mime != "" {
			attachmentMime = sql.NullString{String: a.Mime, Valid: true}
		}
		if a.Size > 0 {
			attachmentSize = sql.NullInt64{Int64: a.Size, Valid: true}
		}
	}

	query := `
INSERT INTO messages (sender, receiver, room, text, attachment_name, attachment_url, attachment_mime, attachment_size, create_time)
VALUES ($1, NULLIF($2, ''), NULLIF($3, ''), $4, $5, $6, $7, $8, $9)`
	_, err := s.db.ExecContext(ctx, query,
		message.Sender, message.Receiver, message.Room, message.Text,
		attachmentName, attachmentURL, attachmentMime, attachmentSize, createTime)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == pgerrcode.ForeignKeyViolation {
			// Sender or room rows are gone; history for them is meaningless.
			s.logger.Warn("Dropped message for missing sender or room",
				zap.String("sender", message.Sender), zap.String("room", message.Room))
			return nil
		}
		return fmt.Errorf("could not insert message: %w", err)
	}
	return nil
}

// PGMembershipAuthority reads room membership from the room_members table.
type PGMembershipAuthority struct {
	logger *zap.Logger
	db     *sql.DB
}

func NewPGMembershipAuthority(logger *zap.Logger, db *sql.DB) *PGMembershipAuthority {
	return &PGMembershipAuthority{logger: logger, db: db}
}

func (a *PGMembershipAuthority) IsActiveMember(ctx context.Context, identity, room string) (bool, error) {
	query := "SELECT EXISTS (SELECT 1 FROM room_members WHERE room = $1 AND member = $2 AND state = 'active')"
	var isMember bool
	if err := a.db.QueryRowContext(ctx, query, room, identity).Scan(&isMember); err != nil {
		return false, fmt.Errorf("could not check room membership: %w", err)
	}
	return isMember, nil
}

func (a *PGMembershipAuthority) ActiveRoomsFor(ctx context.Context, identity string) ([]string, error) {
	query := "SELECT room FROM room_members WHERE member = $1 AND state = 'active'"
	rows, err := a.db.QueryContext(ctx, query, identity)
	if err != nil {
		return nil, fmt.Errorf("could not list active rooms: %w", err)
	}
	defer rows.Close()

	var rooms []string
	for rows.Next() {
		var room string
		if err := rows.Scan(&room); err != nil {
			return nil, fmt.Errorf("could not scan room id: %w", err)
		}
		rooms = append(rooms, room)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("could not list active rooms: %w", err)
	}
	return rooms, nil
}
