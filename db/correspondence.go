package db

import (
	"context"
	"encoding/hex"
	"fmt"

	"lukechampine.com/blake3"

	"github.com/quillmail/quill/helpers"
	"github.com/quillmail/quill/idgen"
	"github.com/quillmail/quill/index"
)

// InsertCorrespondence appends a record to the durable correspondence log.
// Identical content (same sender, subject, and body) is a no-op, mirroring
// the context index's idempotency.
func (d *Database) InsertCorrespondence(ctx context.Context, rec *index.CorrespondenceRecord) error {
	if rec.ID == "" {
		rec.ID = idgen.New()
	}

	err := d.timedExec(ctx, "insert_correspondence", `
		INSERT INTO correspondence (id, thread_id, sender, subject, body_text, sent_by_self, sent_at, content_hash)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (content_hash) DO NOTHING`,
		rec.ID, rec.ThreadID, rec.Sender,
		helpers.SanitizeUTF8(rec.Subject), helpers.SanitizeUTF8(rec.BodyText),
		rec.SentBySelf, rec.SentAt, correspondenceHash(rec))
	if err != nil {
		return fmt.Errorf("insert correspondence: %w", err)
	}
	return nil
}

// CorrespondenceIterator streams the correspondence log in sent_at order,
// feeding index rebuilds.
type CorrespondenceIterator struct {
	db       *Database
	lastSent *index.CorrespondenceRecord
	buffer   []*index.CorrespondenceRecord
	offset   int
	done     bool
}

const correspondencePageSize = 200

// IterateCorrespondence returns an iterator over the full log.
func (d *Database) IterateCorrespondence() *CorrespondenceIterator {
	return &CorrespondenceIterator{db: d}
}

// Next returns the next record, or nil once the log is exhausted.
func (it *CorrespondenceIterator) Next(ctx context.Context) (*index.CorrespondenceRecord, error) {
	if it.offset < len(it.buffer) {
		rec := it.buffer[it.offset]
		it.offset++
		return rec, nil
	}
	if it.done {
		return nil, nil
	}

	if err := it.fetchPage(ctx); err != nil {
		return nil, err
	}
	if len(it.buffer) == 0 {
		it.done = true
		return nil, nil
	}

	rec := it.buffer[0]
	it.offset = 1
	return rec, nil
}

func (it *CorrespondenceIterator) fetchPage(ctx context.Context) error {
	ctx, cancel := it.db.withTimeout(ctx)
	defer cancel()

	query := `
		SELECT id, thread_id, sender, subject, body_text, sent_by_self, sent_at
		FROM correspondence`
	args := []any{}
	if it.lastSent != nil {
		query += ` WHERE (sent_at, id) > ($1, $2)`
		args = append(args, it.lastSent.SentAt, it.lastSent.ID)
	}
	query += ` ORDER BY sent_at ASC, id ASC LIMIT ` + fmt.Sprint(correspondencePageSize)

	rows, err := it.db.Pool.Query(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("page correspondence: %w", err)
	}
	defer rows.Close()

	it.buffer = it.buffer[:0]
	it.offset = 0
	for rows.Next() {
		var rec index.CorrespondenceRecord
		if err := rows.Scan(&rec.ID, &rec.ThreadID, &rec.Sender, &rec.Subject,
			&rec.BodyText, &rec.SentBySelf, &rec.SentAt); err != nil {
			return fmt.Errorf("scan correspondence: %w", err)
		}
		it.buffer = append(it.buffer, &rec)
	}
	if err := rows.Err(); err != nil {
		return err
	}

	if len(it.buffer) > 0 {
		it.lastSent = it.buffer[len(it.buffer)-1]
	}
	if len(it.buffer) < correspondencePageSize {
		it.done = true
	}
	return nil
}

// CountCorrespondence returns the size of the durable log.
func (d *Database) CountCorrespondence(ctx context.Context) (int, error) {
	row, cancel := d.timedQueryRow(ctx, "count_correspondence", `SELECT COUNT(*) FROM correspondence`)
	defer cancel()

	var n int
	if err := row.Scan(&n); err != nil {
		return 0, fmt.Errorf("count correspondence: %w", err)
	}
	return n, nil
}

func correspondenceHash(rec *index.CorrespondenceRecord) string {
	h := blake3.New(32, nil)
	h.Write([]byte(rec.Sender))
	h.Write([]byte{0})
	h.Write([]byte(rec.Subject))
	h.Write([]byte{0})
	h.Write([]byte(rec.BodyText))
	return hex.EncodeToString(h.Sum(nil))
}
