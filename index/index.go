// Package index implements the context index: a local sqlite store of past
// correspondence with embedding vectors, answering similarity queries that
// ground draft generation and confidence scoring.
package index

import (
	"context"
	"database/sql"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"lukechampine.com/blake3"
	_ "modernc.org/sqlite"

	"github.com/quillmail/quill/idgen"
	"github.com/quillmail/quill/pkg/metrics"
)

// CorrespondenceRecord is one past message (sent or received) stored with its
// embedding. Records are immutable once indexed.
type CorrespondenceRecord struct {
	ID         string
	ThreadID   string
	Sender     string
	Subject    string
	BodyText   string
	SentBySelf bool
	SentAt     time.Time
}

// contentHash identifies a record by its text content, making indexing
// idempotent.
func (r *CorrespondenceRecord) contentHash() string {
	h := blake3.New(32, nil)
	h.Write([]byte(r.Sender))
	h.Write([]byte{0})
	h.Write([]byte(r.Subject))
	h.Write([]byte{0})
	h.Write([]byte(r.BodyText))
	return hex.EncodeToString(h.Sum(nil))
}

// SearchResult pairs a record with its distance from the query. Distance is
// cosine distance in [0,2]; callers may only rely on ascending order meaning
// decreasing similarity.
type SearchResult struct {
	Record   CorrespondenceRecord
	Distance float64
}

// SearchFilter narrows a similarity query.
type SearchFilter struct {
	Sender   string // only records from this address
	SelfOnly bool   // only self-authored records
}

// CorrespondenceIterator feeds Rebuild from the durable correspondence log.
type CorrespondenceIterator interface {
	// Next returns the next record, or nil when the log is exhausted.
	Next(ctx context.Context) (*CorrespondenceRecord, error)
}

// Index is the similarity-searchable store. Writes are append-only; reads
// never block behind writers beyond sqlite's own locking.
type Index struct {
	db       *sql.DB
	embedder Embedder
}

// New opens or creates the sqlite store at path.
func New(path string, embedder Embedder) (*Index, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create index dir: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path+"?_pragma=journal_mode(wal)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("open index db: %w", err)
	}

	idx := &Index{db: db, embedder: embedder}
	if err := idx.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate index: %w", err)
	}

	return idx, nil
}

func (idx *Index) migrate() error {
	_, err := idx.db.Exec(`
	CREATE TABLE IF NOT EXISTS records (
		id           TEXT PRIMARY KEY,
		thread_id    TEXT NOT NULL DEFAULT '',
		sender       TEXT NOT NULL,
		subject      TEXT NOT NULL DEFAULT '',
		body_text    TEXT NOT NULL DEFAULT '',
		sent_by_self INTEGER NOT NULL DEFAULT 0,
		sent_at      TEXT NOT NULL,
		content_hash TEXT NOT NULL UNIQUE,
		embedding    BLOB NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_records_sender ON records(sender);
	CREATE INDEX IF NOT EXISTS idx_records_self ON records(sent_by_self);
	`)
	return err
}

func (idx *Index) Close() error {
	return idx.db.Close()
}

// Add embeds and stores a record, returning its id. Identical content is a
// no-op: the existing record's id is returned and nothing is written.
func (idx *Index) Add(ctx context.Context, rec *CorrespondenceRecord) (string, error) {
	hash := rec.contentHash()

	var existingID string
	err := idx.db.QueryRowContext(ctx, `SELECT id FROM records WHERE content_hash = ?`, hash).Scan(&existingID)
	if err == nil {
		return existingID, nil
	}
	if err != sql.ErrNoRows {
		return "", fmt.Errorf("check content hash: %w", err)
	}

	vector, err := idx.embedder.Embed(ctx, embeddingText(rec))
	if err != nil {
		return "", fmt.Errorf("embed record: %w", err)
	}

	id := rec.ID
	if id == "" {
		id = idgen.New()
	}

	_, err = idx.db.ExecContext(ctx, `
		INSERT INTO records (id, thread_id, sender, subject, body_text, sent_by_self, sent_at, content_hash, embedding)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (content_hash) DO NOTHING`,
		id, rec.ThreadID, rec.Sender, rec.Subject, rec.BodyText,
		boolToInt(rec.SentBySelf), rec.SentAt.UTC().Format(time.RFC3339), hash, encodeVector(vector))
	if err != nil {
		return "", fmt.Errorf("insert record: %w", err)
	}

	idx.publishSize(ctx)
	return id, nil
}

// Search returns up to k records by ascending embedding distance, ties broken
// by most recent sent_at. An empty index yields an empty result, not an
// error.
func (idx *Index) Search(ctx context.Context, query string, k int, filter *SearchFilter) ([]SearchResult, error) {
	if k <= 0 {
		return nil, nil
	}

	start := time.Now()
	defer func() {
		metrics.SearchDuration.Observe(time.Since(start).Seconds())
	}()

	count, err := idx.Count(ctx)
	if err != nil {
		return nil, err
	}
	if count == 0 {
		return []SearchResult{}, nil
	}

	queryVector, err := idx.embedder.Embed(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("embed query: %w", err)
	}

	where := "1=1"
	args := []any{}
	if filter != nil {
		if filter.Sender != "" {
			where += " AND sender = ?"
			args = append(args, filter.Sender)
		}
		if filter.SelfOnly {
			where += " AND sent_by_self = 1"
		}
	}

	rows, err := idx.db.QueryContext(ctx, `
		SELECT id, thread_id, sender, subject, body_text, sent_by_self, sent_at, embedding
		FROM records WHERE `+where, args...)
	if err != nil {
		return nil, fmt.Errorf("query records: %w", err)
	}
	defer rows.Close()

	var results []SearchResult
	for rows.Next() {
		var rec CorrespondenceRecord
		var selfInt int
		var sentAt string
		var blob []byte
		if err := rows.Scan(&rec.ID, &rec.ThreadID, &rec.Sender, &rec.Subject,
			&rec.BodyText, &selfInt, &sentAt, &blob); err != nil {
			return nil, fmt.Errorf("scan record: %w", err)
		}
		rec.SentBySelf = selfInt != 0
		rec.SentAt, _ = time.Parse(time.RFC3339, sentAt)

		results = append(results, SearchResult{
			Record:   rec,
			Distance: cosineDistance(queryVector, decodeVector(blob)),
		})
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	sort.Slice(results, func(i, j int) bool {
		if results[i].Distance != results[j].Distance {
			return results[i].Distance < results[j].Distance
		}
		return results[i].Record.SentAt.After(results[j].Record.SentAt)
	})

	if len(results) > k {
		results = results[:k]
	}
	if results == nil {
		results = []SearchResult{}
	}
	return results, nil
}

// Rebuild clears the store and re-embeds every row of the durable
// correspondence log. Used after an embedding model change.
func (idx *Index) Rebuild(ctx context.Context, log CorrespondenceIterator) (int, error) {
	if _, err := idx.db.ExecContext(ctx, `DELETE FROM records`); err != nil {
		return 0, fmt.Errorf("clear index: %w", err)
	}

	n := 0
	for {
		rec, err := log.Next(ctx)
		if err != nil {
			return n, fmt.Errorf("read correspondence log: %w", err)
		}
		if rec == nil {
			break
		}
		if _, err := idx.Add(ctx, rec); err != nil {
			return n, err
		}
		n++
	}

	idx.publishSize(ctx)
	return n, nil
}

// Count returns the number of indexed records.
func (idx *Index) Count(ctx context.Context) (int, error) {
	var n int
	if err := idx.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM records`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count records: %w", err)
	}
	return n, nil
}

// SenderHistory reports how much correspondence exists with the given
// address: messages received from it, and self-authored messages in threads
// it participates in.
func (idx *Index) SenderHistory(ctx context.Context, sender string) (incoming, outgoing int, err error) {
	err = idx.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM records WHERE sender = ? AND sent_by_self = 0`, sender).Scan(&incoming)
	if err != nil {
		return 0, 0, fmt.Errorf("count incoming for %s: %w", sender, err)
	}

	err = idx.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM records
		WHERE sent_by_self = 1 AND thread_id IN (
			SELECT DISTINCT thread_id FROM records WHERE sender = ? AND thread_id != ''
		)`, sender).Scan(&outgoing)
	if err != nil {
		return 0, 0, fmt.Errorf("count outgoing for %s: %w", sender, err)
	}

	return incoming, outgoing, nil
}

// SelfAuthored returns up to limit self-authored records, most recent first.
func (idx *Index) SelfAuthored(ctx context.Context, limit int) ([]CorrespondenceRecord, error) {
	if limit <= 0 {
		limit = 20
	}

	rows, err := idx.db.QueryContext(ctx, `
		SELECT id, thread_id, sender, subject, body_text, sent_at
		FROM records WHERE sent_by_self = 1
		ORDER BY sent_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("query self-authored: %w", err)
	}
	defer rows.Close()

	var recs []CorrespondenceRecord
	for rows.Next() {
		var rec CorrespondenceRecord
		var sentAt string
		if err := rows.Scan(&rec.ID, &rec.ThreadID, &rec.Sender, &rec.Subject, &rec.BodyText, &sentAt); err != nil {
			return nil, err
		}
		rec.SentBySelf = true
		rec.SentAt, _ = time.Parse(time.RFC3339, sentAt)
		recs = append(recs, rec)
	}
	return recs, rows.Err()
}

func (idx *Index) publishSize(ctx context.Context) {
	if n, err := idx.Count(ctx); err == nil {
		metrics.IndexEntries.Set(float64(n))
	}
}

func embeddingText(rec *CorrespondenceRecord) string {
	if rec.Subject == "" {
		return rec.BodyText
	}
	return rec.Subject + "\n" + rec.BodyText
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
