package db

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/quillmail/quill/helpers"
	"github.com/quillmail/quill/mail"
)

// InsertMessage stores an inbound message. Re-inserting an existing id is a
// no-op so a poll cycle can safely resubmit a batch.
func (d *Database) InsertMessage(ctx context.Context, m *mail.Message) error {
	err := d.timedExec(ctx, "insert_message", `
		INSERT INTO messages (id, thread_id, sender, subject, body_text, received_at, labels)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (id) DO NOTHING`,
		m.ID, m.ThreadID, m.Sender,
		helpers.SanitizeUTF8(m.Subject), helpers.SanitizeUTF8(m.BodyText),
		m.ReceivedAt, m.Labels)
	if err != nil {
		return fmt.Errorf("insert message %s: %w", m.ID, err)
	}
	return nil
}

// GetMessage loads one message by id.
func (d *Database) GetMessage(ctx context.Context, id string) (*mail.Message, error) {
	row, cancel := d.timedQueryRow(ctx, "get_message", `
		SELECT id, thread_id, sender, subject, body_text, received_at, labels
		FROM messages WHERE id = $1`, id)
	defer cancel()

	var m mail.Message
	err := row.Scan(&m.ID, &m.ThreadID, &m.Sender, &m.Subject, &m.BodyText, &m.ReceivedAt, &m.Labels)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get message %s: %w", id, err)
	}
	return &m, nil
}

// IsProcessed reports whether the message id has already completed the
// pipeline.
func (d *Database) IsProcessed(ctx context.Context, messageID string) (bool, error) {
	row, cancel := d.timedQueryRow(ctx, "is_processed", `
		SELECT EXISTS (SELECT 1 FROM processed_messages WHERE message_id = $1)`, messageID)
	defer cancel()

	var exists bool
	if err := row.Scan(&exists); err != nil {
		return false, fmt.Errorf("check processed %s: %w", messageID, err)
	}
	return exists, nil
}

// MarkProcessed commits a message id as fully handled. Called only after the
// message's draft reached a stable state.
func (d *Database) MarkProcessed(ctx context.Context, messageID string) error {
	err := d.timedExec(ctx, "mark_processed", `
		INSERT INTO processed_messages (message_id) VALUES ($1)
		ON CONFLICT (message_id) DO NOTHING`, messageID)
	if err != nil {
		return fmt.Errorf("mark processed %s: %w", messageID, err)
	}
	return nil
}
