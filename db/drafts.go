package db

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/quillmail/quill/helpers"
	"github.com/quillmail/quill/lifecycle"
)

const uniqueViolationCode = "23505"

// InsertDraft persists a new draft. The partial unique index on active
// drafts turns a concurrent second draft for the same message into
// lifecycle.ErrDraftActive.
func (d *Database) InsertDraft(ctx context.Context, draft *lifecycle.Draft) error {
	err := d.timedExec(ctx, "insert_draft", `
		INSERT INTO drafts (id, message_id, generated_text, tone, confidence,
		                    risk_level, status, auto_send, reasoning, created_at, updated_at, sent_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
		draft.ID, draft.MessageID, helpers.SanitizeUTF8(draft.GeneratedText), draft.Tone,
		draft.Confidence, string(draft.Risk), string(draft.Status), draft.AutoSend,
		draft.Reasoning, draft.CreatedAt, draft.UpdatedAt, draft.SentAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolationCode {
			return fmt.Errorf("%w: message %s", lifecycle.ErrDraftActive, draft.MessageID)
		}
		return fmt.Errorf("insert draft %s: %w", draft.ID, err)
	}
	return nil
}

// UpdateDraft persists the draft's current mutable fields.
func (d *Database) UpdateDraft(ctx context.Context, draft *lifecycle.Draft) error {
	err := d.timedExec(ctx, "update_draft", `
		UPDATE drafts
		SET generated_text = $2, tone = $3, confidence = $4, risk_level = $5,
		    status = $6, auto_send = $7, reasoning = $8, updated_at = $9, sent_at = $10
		WHERE id = $1`,
		draft.ID, helpers.SanitizeUTF8(draft.GeneratedText), draft.Tone, draft.Confidence,
		string(draft.Risk), string(draft.Status), draft.AutoSend,
		draft.Reasoning, draft.UpdatedAt, draft.SentAt)
	if err != nil {
		return fmt.Errorf("update draft %s: %w", draft.ID, err)
	}
	return nil
}

// GetDraft loads one draft by id.
func (d *Database) GetDraft(ctx context.Context, id string) (*lifecycle.Draft, error) {
	row, cancel := d.timedQueryRow(ctx, "get_draft", `
		SELECT id, message_id, generated_text, tone, confidence, risk_level,
		       status, auto_send, reasoning, created_at, updated_at, sent_at
		FROM drafts WHERE id = $1`, id)
	defer cancel()

	draft, err := scanDraft(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get draft %s: %w", id, err)
	}
	return draft, nil
}

// ListDraftsByStatus returns drafts in the given status, oldest first.
func (d *Database) ListDraftsByStatus(ctx context.Context, status lifecycle.Status, limit int) ([]*lifecycle.Draft, error) {
	ctx, cancel := d.withTimeout(ctx)
	defer cancel()

	if limit <= 0 {
		limit = 100
	}

	rows, err := d.Pool.Query(ctx, `
		SELECT id, message_id, generated_text, tone, confidence, risk_level,
		       status, auto_send, reasoning, created_at, updated_at, sent_at
		FROM drafts WHERE status = $1
		ORDER BY created_at ASC
		LIMIT $2`, string(status), limit)
	if err != nil {
		return nil, fmt.Errorf("list drafts by status %s: %w", status, err)
	}
	defer rows.Close()

	var drafts []*lifecycle.Draft
	for rows.Next() {
		draft, err := scanDraft(rows)
		if err != nil {
			return nil, fmt.Errorf("scan draft: %w", err)
		}
		drafts = append(drafts, draft)
	}
	return drafts, rows.Err()
}

// ActiveDraftExists reports whether the message currently has a non-terminal
// draft.
func (d *Database) ActiveDraftExists(ctx context.Context, messageID string) (bool, error) {
	row, cancel := d.timedQueryRow(ctx, "active_draft_exists", `
		SELECT EXISTS (
			SELECT 1 FROM drafts
			WHERE message_id = $1 AND status NOT IN ('sent', 'rejected', 'failed')
		)`, messageID)
	defer cancel()

	var exists bool
	if err := row.Scan(&exists); err != nil {
		return false, fmt.Errorf("check active draft for %s: %w", messageID, err)
	}
	return exists, nil
}

// DraftCounts returns the number of drafts per status.
func (d *Database) DraftCounts(ctx context.Context) (map[lifecycle.Status]int, error) {
	ctx, cancel := d.withTimeout(ctx)
	defer cancel()

	rows, err := d.Pool.Query(ctx, `SELECT status, COUNT(*) FROM drafts GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("draft counts: %w", err)
	}
	defer rows.Close()

	counts := make(map[lifecycle.Status]int)
	for rows.Next() {
		var status string
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return nil, err
		}
		counts[lifecycle.Status(status)] = count
	}
	return counts, rows.Err()
}

func scanDraft(row pgx.Row) (*lifecycle.Draft, error) {
	var draft lifecycle.Draft
	var risk, status string
	var sentAt *time.Time

	err := row.Scan(&draft.ID, &draft.MessageID, &draft.GeneratedText, &draft.Tone,
		&draft.Confidence, &risk, &status, &draft.AutoSend, &draft.Reasoning,
		&draft.CreatedAt, &draft.UpdatedAt, &sentAt)
	if err != nil {
		return nil, err
	}

	draft.Risk = lifecycle.RiskLevel(risk)
	draft.Status = lifecycle.Status(status)
	draft.SentAt = sentAt
	return &draft, nil
}
