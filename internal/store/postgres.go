package store

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/shineum/smtp-sink-lite/internal/message"
)

// Postgres stores messages and their attachments in Postgres.
type Postgres struct {
	pool  *pgxpool.Pool
	limit int
}

// Connect opens a pool for databaseURL and verifies it with a ping.
func Connect(ctx context.Context, databaseURL string) (*pgxpool.Pool, error) {
	if databaseURL == "" {
		return nil, fmt.Errorf("database url not configured")
	}

	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	return pool, nil
}

// NewPostgres creates a store on pool and ensures its tables exist.
// limit bounds the number of kept messages; zero or less means unbounded.
func NewPostgres(ctx context.Context, pool *pgxpool.Pool, limit int) (*Postgres, error) {
	s := &Postgres{pool: pool, limit: limit}
	if err := s.ensureSchema(ctx); err != nil {
		return nil, fmt.Errorf("ensure message schema: %w", err)
	}
	slog.Info("postgres message store initialised", "messages_limit", limit)
	return s, nil
}

func (s *Postgres) ensureSchema(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS messages (
			id          BIGSERIAL PRIMARY KEY,
			sender      TEXT NOT NULL,
			recipients  TEXT[] NOT NULL DEFAULT '{}',
			subject     TEXT NOT NULL,
			date        TEXT,
			created_at  TEXT NOT NULL,
			formats     TEXT[] NOT NULL,
			source      BYTEA NOT NULL,
			html        TEXT,
			plain       TEXT,
			received_at TIMESTAMPTZ DEFAULT NOW()
		);
		CREATE TABLE IF NOT EXISTS message_attachments (
			message_id BIGINT NOT NULL REFERENCES messages(id) ON DELETE CASCADE,
			position   INT NOT NULL,
			cid        TEXT NOT NULL UNIQUE,
			file_type  TEXT NOT NULL,
			filename   TEXT NOT NULL,
			body       BYTEA NOT NULL,
			PRIMARY KEY (message_id, position)
		);
	`)
	return err
}

// Add implements Store.
func (s *Postgres) Add(ctx context.Context, msg *message.Message) (int, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	var id int
	err = tx.QueryRow(ctx, `
		INSERT INTO messages
			(sender, recipients, subject, date, created_at, formats, source, html, plain)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		RETURNING id
	`, msg.Sender, msg.Recipients, msg.Subject, msg.Date, msg.CreatedAt,
		msg.Formats, msg.Source, msg.HTML, msg.Plain).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("insert message: %w", err)
	}

	for i, att := range msg.Attachments {
		_, err := tx.Exec(ctx, `
			INSERT INTO message_attachments (message_id, position, cid, file_type, filename, body)
			VALUES ($1, $2, $3, $4, $5, $6)
		`, id, i, att.CID, att.FileType, att.Filename, att.Body)
		if err != nil {
			return 0, fmt.Errorf("insert attachment %s: %w", att.CID, err)
		}
	}

	if s.limit > 0 {
		_, err := tx.Exec(ctx, `
			DELETE FROM messages
			WHERE id NOT IN (SELECT id FROM messages ORDER BY id DESC LIMIT $1)
		`, s.limit)
		if err != nil {
			return 0, fmt.Errorf("trim messages: %w", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("commit message: %w", err)
	}

	msg.ID = &id
	return id, nil
}

// List implements Store.
func (s *Postgres) List(ctx context.Context) ([]*message.Message, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, sender, recipients, subject, date, created_at, formats, source, html, plain
		FROM messages
		ORDER BY id
	`)
	if err != nil {
		return nil, err
	}
	msgs, err := collectMessages(rows)
	if err != nil {
		return nil, err
	}

	byID := make(map[int]*message.Message, len(msgs))
	for _, m := range msgs {
		byID[*m.ID] = m
	}

	attRows, err := s.pool.Query(ctx, `
		SELECT message_id, cid, file_type, filename, body
		FROM message_attachments
		ORDER BY message_id, position
	`)
	if err != nil {
		return nil, err
	}
	defer attRows.Close()

	for attRows.Next() {
		var msgID int
		var att message.Attachment
		if err := attRows.Scan(&msgID, &att.CID, &att.FileType, &att.Filename, &att.Body); err != nil {
			return nil, err
		}
		if m, ok := byID[msgID]; ok {
			m.Attachments = append(m.Attachments, att)
		}
	}
	return msgs, attRows.Err()
}

// Get implements Store.
func (s *Postgres) Get(ctx context.Context, id int) (*message.Message, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT id, sender, recipients, subject, date, created_at, formats, source, html, plain
		FROM messages
		WHERE id = $1
	`, id)
	msg, err := scanMessage(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	rows, err := s.pool.Query(ctx, `
		SELECT cid, file_type, filename, body
		FROM message_attachments
		WHERE message_id = $1
		ORDER BY position
	`, id)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		var att message.Attachment
		if err := rows.Scan(&att.CID, &att.FileType, &att.Filename, &att.Body); err != nil {
			return nil, err
		}
		msg.Attachments = append(msg.Attachments, att)
	}
	return msg, rows.Err()
}

// Delete implements Store.
func (s *Postgres) Delete(ctx context.Context, id int) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM messages WHERE id = $1`, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// DeleteAll implements Store.
func (s *Postgres) DeleteAll(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM messages`)
	return err
}

// Name implements Store.
func (s *Postgres) Name() string {
	return "postgres"
}

// scanMessage scans a single messages row. Attachments are loaded separately.
func scanMessage(row pgx.Row) (*message.Message, error) {
	var m message.Message
	var id int
	err := row.Scan(
		&id, &m.Sender, &m.Recipients, &m.Subject, &m.Date, &m.CreatedAt,
		&m.Formats, &m.Source, &m.HTML, &m.Plain,
	)
	if err != nil {
		return nil, err
	}
	m.ID = &id
	m.Attachments = []message.Attachment{}
	return &m, nil
}

// collectMessages scans multiple messages rows.
func collectMessages(rows pgx.Rows) ([]*message.Message, error) {
	defer rows.Close()

	var msgs []*message.Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		msgs = append(msgs, m)
	}
	return msgs, rows.Err()
}
