package index

import (
	"context"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeEmbedder maps known substrings to fixed vectors so distances are
// deterministic.
type fakeEmbedder struct {
	vectors map[string][]float32
	deflt   []float32
	calls   int
}

func (f *fakeEmbedder) Embed(_ context.Context, text string) ([]float32, error) {
	f.calls++
	for key, v := range f.vectors {
		if strings.Contains(text, key) {
			return v, nil
		}
	}
	return f.deflt, nil
}

func newTestIndex(t *testing.T, emb Embedder) *Index {
	t.Helper()
	idx, err := New(filepath.Join(t.TempDir(), "index.db"), emb)
	require.NoError(t, err)
	t.Cleanup(func() { idx.Close() })
	return idx
}

func record(id, sender, body string, self bool, sentAt time.Time) *CorrespondenceRecord {
	return &CorrespondenceRecord{
		ID:         id,
		ThreadID:   "t-" + id,
		Sender:     sender,
		Subject:    "subject " + id,
		BodyText:   body,
		SentBySelf: self,
		SentAt:     sentAt,
	}
}

func TestAddIsIdempotentByContent(t *testing.T) {
	emb := &fakeEmbedder{deflt: []float32{1, 0, 0}}
	idx := newTestIndex(t, emb)
	ctx := context.Background()

	rec := record("r1", "alice@example.com", "hello world", false, time.Now())
	id1, err := idx.Add(ctx, rec)
	require.NoError(t, err)

	dup := record("r2", "alice@example.com", "hello world", false, time.Now())
	dup.Subject = rec.Subject
	dup.ThreadID = rec.ThreadID
	id2, err := idx.Add(ctx, dup)
	require.NoError(t, err)

	assert.Equal(t, id1, id2)

	n, err := idx.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestSearchEmptyIndexReturnsEmptySlice(t *testing.T) {
	idx := newTestIndex(t, &fakeEmbedder{deflt: []float32{1, 0, 0}})

	results, err := idx.Search(context.Background(), "anything", 5, nil)
	require.NoError(t, err)
	assert.NotNil(t, results)
	assert.Empty(t, results)
}

func TestSearchReturnsFewerThanKWhenIndexSmall(t *testing.T) {
	emb := &fakeEmbedder{deflt: []float32{1, 0, 0}}
	idx := newTestIndex(t, emb)
	ctx := context.Background()

	_, err := idx.Add(ctx, record("r1", "a@example.com", "one", false, time.Now()))
	require.NoError(t, err)
	_, err = idx.Add(ctx, record("r2", "b@example.com", "two", false, time.Now()))
	require.NoError(t, err)

	results, err := idx.Search(ctx, "query", 10, nil)
	require.NoError(t, err)
	assert.Len(t, results, 2)
}

func TestSearchOrdersByAscendingDistance(t *testing.T) {
	emb := &fakeEmbedder{
		vectors: map[string][]float32{
			"close":  {1, 0, 0},
			"medium": {0.7, 0.7, 0},
			"far":    {0, 1, 0},
			"query":  {1, 0, 0},
		},
		deflt: []float32{0, 0, 1},
	}
	idx := newTestIndex(t, emb)
	ctx := context.Background()

	now := time.Now()
	_, err := idx.Add(ctx, record("r1", "a@example.com", "far", false, now))
	require.NoError(t, err)
	_, err = idx.Add(ctx, record("r2", "b@example.com", "close", false, now))
	require.NoError(t, err)
	_, err = idx.Add(ctx, record("r3", "c@example.com", "medium", false, now))
	require.NoError(t, err)

	results, err := idx.Search(ctx, "query", 3, nil)
	require.NoError(t, err)
	require.Len(t, results, 3)

	assert.Equal(t, "close", results[0].Record.BodyText)
	assert.Equal(t, "medium", results[1].Record.BodyText)
	assert.Equal(t, "far", results[2].Record.BodyText)

	for i := 1; i < len(results); i++ {
		assert.GreaterOrEqual(t, results[i].Distance, results[i-1].Distance)
	}
	for _, r := range results {
		assert.GreaterOrEqual(t, r.Distance, 0.0)
		assert.LessOrEqual(t, r.Distance, 2.0)
	}
}

func TestSearchBreaksTiesByRecency(t *testing.T) {
	emb := &fakeEmbedder{deflt: []float32{1, 0, 0}}
	idx := newTestIndex(t, emb)
	ctx := context.Background()

	older := time.Now().Add(-48 * time.Hour)
	newer := time.Now()
	_, err := idx.Add(ctx, record("r1", "a@example.com", "old message", false, older))
	require.NoError(t, err)
	_, err = idx.Add(ctx, record("r2", "b@example.com", "new message", false, newer))
	require.NoError(t, err)

	results, err := idx.Search(ctx, "query", 2, nil)
	require.NoError(t, err)
	require.Len(t, results, 2)
	assert.Equal(t, "new message", results[0].Record.BodyText)
}

func TestSearchFilterSelfOnly(t *testing.T) {
	emb := &fakeEmbedder{deflt: []float32{1, 0, 0}}
	idx := newTestIndex(t, emb)
	ctx := context.Background()

	_, err := idx.Add(ctx, record("r1", "other@example.com", "theirs", false, time.Now()))
	require.NoError(t, err)
	_, err = idx.Add(ctx, record("r2", "me@example.com", "mine", true, time.Now()))
	require.NoError(t, err)

	results, err := idx.Search(ctx, "query", 10, &SearchFilter{SelfOnly: true})
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, "mine", results[0].Record.BodyText)
}

type sliceIterator struct {
	recs []*CorrespondenceRecord
	pos  int
}

func (s *sliceIterator) Next(context.Context) (*CorrespondenceRecord, error) {
	if s.pos >= len(s.recs) {
		return nil, nil
	}
	rec := s.recs[s.pos]
	s.pos++
	return rec, nil
}

func TestRebuildReplacesContents(t *testing.T) {
	emb := &fakeEmbedder{deflt: []float32{1, 0, 0}}
	idx := newTestIndex(t, emb)
	ctx := context.Background()

	_, err := idx.Add(ctx, record("stale", "a@example.com", "stale entry", false, time.Now()))
	require.NoError(t, err)

	n, err := idx.Rebuild(ctx, &sliceIterator{recs: []*CorrespondenceRecord{
		record("f1", "b@example.com", "fresh one", false, time.Now()),
		record("f2", "c@example.com", "fresh two", false, time.Now()),
	}})
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	count, err := idx.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, count)

	results, err := idx.Search(ctx, "query", 10, nil)
	require.NoError(t, err)
	for _, r := range results {
		assert.NotEqual(t, "stale entry", r.Record.BodyText)
	}
}

func TestSenderHistory(t *testing.T) {
	emb := &fakeEmbedder{deflt: []float32{1, 0, 0}}
	idx := newTestIndex(t, emb)
	ctx := context.Background()

	in := record("r1", "alice@example.com", "from alice", false, time.Now())
	in.ThreadID = "thread-1"
	_, err := idx.Add(ctx, in)
	require.NoError(t, err)

	out := record("r2", "me@example.com", "my reply", true, time.Now())
	out.ThreadID = "thread-1"
	_, err = idx.Add(ctx, out)
	require.NoError(t, err)

	incoming, outgoing, err := idx.SenderHistory(ctx, "alice@example.com")
	require.NoError(t, err)
	assert.Equal(t, 1, incoming)
	assert.Equal(t, 1, outgoing)

	incoming, outgoing, err = idx.SenderHistory(ctx, "stranger@example.com")
	require.NoError(t, err)
	assert.Zero(t, incoming)
	assert.Zero(t, outgoing)
}

func TestVectorRoundTrip(t *testing.T) {
	v := []float32{0.5, -1.25, 3.75}
	assert.Equal(t, v, decodeVector(encodeVector(v)))
}

func TestCosineDistanceBounds(t *testing.T) {
	assert.InDelta(t, 0.0, cosineDistance([]float32{1, 0}, []float32{1, 0}), 1e-9)
	assert.InDelta(t, 1.0, cosineDistance([]float32{1, 0}, []float32{0, 1}), 1e-9)
	assert.InDelta(t, 2.0, cosineDistance([]float32{1, 0}, []float32{-1, 0}), 1e-9)
	assert.Equal(t, 2.0, cosineDistance([]float32{1}, []float32{1, 0}))
	assert.Equal(t, 2.0, cosineDistance(nil, nil))
}
