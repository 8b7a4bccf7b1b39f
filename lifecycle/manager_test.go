package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quillmail/quill/config"
	"github.com/quillmail/quill/generate"
	"github.com/quillmail/quill/index"
	"github.com/quillmail/quill/mail"
	"github.com/quillmail/quill/pkg/retry"
)

type memDraftStore struct {
	mu     sync.Mutex
	drafts map[string]*Draft
}

func newMemDraftStore() *memDraftStore {
	return &memDraftStore{drafts: map[string]*Draft{}}
}

func (s *memDraftStore) InsertDraft(_ context.Context, d *Draft) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.drafts {
		if existing.MessageID == d.MessageID && !existing.Status.IsTerminal() {
			return fmt.Errorf("%w: message %s", ErrDraftActive, d.MessageID)
		}
	}
	clone := *d
	s.drafts[d.ID] = &clone
	return nil
}

func (s *memDraftStore) UpdateDraft(_ context.Context, d *Draft) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	clone := *d
	s.drafts[d.ID] = &clone
	return nil
}

func (s *memDraftStore) GetDraft(_ context.Context, id string) (*Draft, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.drafts[id]
	if !ok {
		return nil, errors.New("not found")
	}
	clone := *d
	return &clone, nil
}

func (s *memDraftStore) ListDraftsByStatus(_ context.Context, status Status, _ int) ([]*Draft, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*Draft
	for _, d := range s.drafts {
		if d.Status == status {
			clone := *d
			out = append(out, &clone)
		}
	}
	return out, nil
}

func (s *memDraftStore) byMessage(messageID string) []*Draft {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*Draft
	for _, d := range s.drafts {
		if d.MessageID == messageID {
			clone := *d
			out = append(out, &clone)
		}
	}
	return out
}

type memMessageStore struct {
	msgs map[string]*mail.Message
}

func (s *memMessageStore) GetMessage(_ context.Context, id string) (*mail.Message, error) {
	m, ok := s.msgs[id]
	if !ok {
		return nil, errors.New("not found")
	}
	return m, nil
}

type stubGenerator struct {
	mu    sync.Mutex
	calls int
	text  string
	notes []string
	err   error
	delay time.Duration

	lastRecords []index.SearchResult
}

func (g *stubGenerator) Generate(_ context.Context, _ *mail.Message, toneID string, records []index.SearchResult) (*generate.Result, error) {
	g.mu.Lock()
	g.calls++
	g.lastRecords = records
	g.mu.Unlock()
	if g.delay > 0 {
		time.Sleep(g.delay)
	}
	if g.err != nil {
		return nil, g.err
	}
	return &generate.Result{Text: g.text, ToneUsed: toneID, Notes: g.notes}, nil
}

func (g *stubGenerator) callCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.calls
}

type stubScorer struct {
	result *ScoreResult
	err    error
}

func (s *stubScorer) Score(context.Context, *mail.Message, string, string, []index.SearchResult) (*ScoreResult, error) {
	if s.err != nil {
		return nil, s.err
	}
	r := *s.result
	return &r, nil
}

type stubSearcher struct {
	records []index.SearchResult
	err     error
}

func (s *stubSearcher) Search(context.Context, string, int, *index.SearchFilter) ([]index.SearchResult, error) {
	return s.records, s.err
}

type stubSender struct {
	mu   sync.Mutex
	sent []string
	err  error
}

func (s *stubSender) Send(_ context.Context, to, _, _ string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.sent = append(s.sent, to)
	return nil
}

type stubNotifier struct {
	mu     sync.Mutex
	ready  int
	sent   int
	errors int
}

func (n *stubNotifier) NotifyDraftReady(context.Context, *Draft, *mail.Message) {
	n.mu.Lock()
	n.ready++
	n.mu.Unlock()
}

func (n *stubNotifier) NotifyDraftSent(context.Context, *Draft, *mail.Message) {
	n.mu.Lock()
	n.sent++
	n.mu.Unlock()
}

func (n *stubNotifier) NotifyError(context.Context, string, error) {
	n.mu.Lock()
	n.errors++
	n.mu.Unlock()
}

type stubRecorder struct {
	recs []*index.CorrespondenceRecord
}

func (r *stubRecorder) RecordOutgoing(_ context.Context, rec *index.CorrespondenceRecord) error {
	r.recs = append(r.recs, rec)
	return nil
}

type stubArchiver struct {
	archived []string
	err      error
}

func (a *stubArchiver) Archive(_ context.Context, msg *mail.Message) error {
	a.archived = append(a.archived, msg.ID)
	return a.err
}

func score(value float64, risk RiskLevel, decision Decision) *ScoreResult {
	return &ScoreResult{
		Value:     value,
		Risk:      risk,
		Factors:   map[string]float64{"content_safety": 1.0},
		Reasoning: []string{"content_safety: " + string(risk) + " risk"},
		Decision:  decision,
	}
}

func fastRetry() retry.BackoffConfig {
	return retry.BackoffConfig{
		InitialInterval: time.Millisecond,
		MaxInterval:     2 * time.Millisecond,
		Multiplier:      2,
		MaxRetries:      2,
	}
}

type managerFixture struct {
	manager   *Manager
	drafts    *memDraftStore
	messages  *memMessageStore
	generator *stubGenerator
	scorer    *stubScorer
	searcher  *stubSearcher
	sender    *stubSender
	notifier  *stubNotifier
	recorder  *stubRecorder
}

func newFixture(scorer *stubScorer) *managerFixture {
	f := &managerFixture{
		drafts:    newMemDraftStore(),
		messages:  &memMessageStore{msgs: map[string]*mail.Message{}},
		generator: &stubGenerator{text: "Sounds good, Thursday works for me."},
		scorer:    scorer,
		searcher:  &stubSearcher{},
		sender:    &stubSender{},
		notifier:  &stubNotifier{},
		recorder:  &stubRecorder{},
	}
	cfg := config.NewDefaultConfig()
	cfg.Intake.OwnerAddress = "me@example.com"
	f.manager = NewManager(&cfg, Deps{
		Drafts:    f.drafts,
		Messages:  f.messages,
		Generator: f.generator,
		Scorer:    f.scorer,
		Searcher:  f.searcher,
		Sender:    f.sender,
		Notifier:  f.notifier,
		Recorder:  f.recorder,
	})
	f.manager.retryCfg = fastRetry()
	return f
}

func incoming(id string) *mail.Message {
	return &mail.Message{
		ID:         id,
		ThreadID:   id,
		Sender:     "alice@example.com",
		Subject:    "lunch",
		BodyText:   "Can we reschedule to Thursday?",
		ReceivedAt: time.Now(),
	}
}

func (f *managerFixture) singleDraft(t *testing.T, messageID string) *Draft {
	t.Helper()
	drafts := f.drafts.byMessage(messageID)
	require.Len(t, drafts, 1)
	return drafts[0]
}

func TestProcessMessageAutoSendPath(t *testing.T) {
	f := newFixture(&stubScorer{result: score(0.95, RiskLow, DecisionAutoSend)})
	msg := incoming("m1")

	require.NoError(t, f.manager.ProcessMessage(context.Background(), msg))

	draft := f.singleDraft(t, "m1")
	assert.Equal(t, StatusSent, draft.Status)
	assert.True(t, draft.AutoSend)
	require.NotNil(t, draft.SentAt)
	assert.Equal(t, []string{"alice@example.com"}, f.sender.sent)
	assert.Equal(t, 1, f.notifier.sent)
	assert.Equal(t, 0, f.notifier.ready)

	// The sent reply lands in the correspondence log as self-authored.
	require.Len(t, f.recorder.recs, 1)
	assert.True(t, f.recorder.recs[0].SentBySelf)
	assert.Equal(t, "me@example.com", f.recorder.recs[0].Sender)
}

func TestProcessMessageQueuesForReview(t *testing.T) {
	f := newFixture(&stubScorer{result: score(0.7, RiskMedium, DecisionQueue)})

	require.NoError(t, f.manager.ProcessMessage(context.Background(), incoming("m1")))

	draft := f.singleDraft(t, "m1")
	assert.Equal(t, StatusReview, draft.Status)
	assert.False(t, draft.AutoSend)
	assert.Empty(t, f.sender.sent)
	assert.Equal(t, 1, f.notifier.ready)
}

func TestProcessMessageFlagsCriticalIntoReview(t *testing.T) {
	f := newFixture(&stubScorer{result: score(0.95, RiskCritical, DecisionFlag)})

	require.NoError(t, f.manager.ProcessMessage(context.Background(), incoming("m1")))

	draft := f.singleDraft(t, "m1")
	assert.Equal(t, StatusReview, draft.Status)
	assert.False(t, draft.AutoSend)
	assert.Empty(t, f.sender.sent, "critical drafts are never sent automatically")
}

func TestProcessMessageGenerationExhaustionFails(t *testing.T) {
	f := newFixture(&stubScorer{result: score(0.9, RiskLow, DecisionAutoSend)})
	f.generator.err = generate.ErrGenerationUnavailable

	err := f.manager.ProcessMessage(context.Background(), incoming("m1"))
	require.Error(t, err)

	assert.Equal(t, 3, f.generator.callCount())

	draft := f.singleDraft(t, "m1")
	assert.Equal(t, StatusFailed, draft.Status)
	trail := strings.Join(draft.Reasoning, "\n")
	assert.Contains(t, trail, "after 3 attempts")
	assert.Equal(t, 1, f.notifier.errors)
}

func TestProcessMessageNonTransientGenerationErrorDoesNotRetry(t *testing.T) {
	f := newFixture(&stubScorer{result: score(0.9, RiskLow, DecisionAutoSend)})
	f.generator.err = errors.New("prompt rejected")

	require.Error(t, f.manager.ProcessMessage(context.Background(), incoming("m1")))
	assert.Equal(t, 1, f.generator.callCount())
	assert.Equal(t, StatusFailed, f.singleDraft(t, "m1").Status)
}

func TestConcurrentIntakeYieldsOneActiveDraft(t *testing.T) {
	f := newFixture(&stubScorer{result: score(0.7, RiskMedium, DecisionQueue)})
	f.generator.delay = 10 * time.Millisecond
	msg := incoming("m1")

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, f.manager.ProcessMessage(context.Background(), msg))
		}()
	}
	wg.Wait()

	assert.Len(t, f.drafts.byMessage("m1"), 1)
}

func TestSearchFailureDegradesToEmptyContext(t *testing.T) {
	f := newFixture(&stubScorer{result: score(0.7, RiskLow, DecisionQueue)})
	f.searcher.err = errors.New("index locked")

	require.NoError(t, f.manager.ProcessMessage(context.Background(), incoming("m1")))

	assert.Empty(t, f.generator.lastRecords)
	trail := strings.Join(f.singleDraft(t, "m1").Reasoning, "\n")
	assert.Contains(t, trail, "context retrieval failed")
}

func TestSendPolicy(t *testing.T) {
	f := newFixture(&stubScorer{result: score(0.95, RiskLow, DecisionAutoSend)})

	tests := []struct {
		name       string
		risk       RiskLevel
		confidence float64
		manual     bool
		wantErr    bool
	}{
		{"auto low high confidence", RiskLow, 0.95, false, false},
		{"auto low below threshold", RiskLow, 0.6, false, true},
		{"auto medium risk", RiskMedium, 0.95, false, true},
		{"manual medium risk", RiskMedium, 0.6, true, false},
		{"manual high risk", RiskHigh, 0.6, true, false},
		{"manual critical risk", RiskCritical, 0.99, true, true},
		{"auto critical risk", RiskCritical, 0.99, false, true},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			d := &Draft{Risk: tc.risk, Confidence: tc.confidence}
			err := f.manager.sendPolicy(d, tc.manual)
			if tc.wantErr {
				assert.ErrorIs(t, err, ErrPolicyViolation)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestApproveSendsReviewedDraft(t *testing.T) {
	f := newFixture(&stubScorer{result: score(0.7, RiskMedium, DecisionQueue)})
	msg := incoming("m1")
	f.messages.msgs["m1"] = msg

	require.NoError(t, f.manager.ProcessMessage(context.Background(), msg))
	draft := f.singleDraft(t, "m1")

	approved, err := f.manager.Approve(context.Background(), draft.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusSent, approved.Status)
	assert.Equal(t, []string{"alice@example.com"}, f.sender.sent)
}

func TestApproveRefusesCriticalDraft(t *testing.T) {
	f := newFixture(&stubScorer{result: score(0.95, RiskCritical, DecisionFlag)})
	msg := incoming("m1")
	f.messages.msgs["m1"] = msg

	require.NoError(t, f.manager.ProcessMessage(context.Background(), msg))
	draft := f.singleDraft(t, "m1")

	_, err := f.manager.Approve(context.Background(), draft.ID)
	assert.ErrorIs(t, err, ErrPolicyViolation)
	assert.Empty(t, f.sender.sent)

	// Invariant: no sent draft may carry critical risk.
	for _, d := range f.drafts.byMessage("m1") {
		if d.Status == StatusSent {
			assert.NotEqual(t, RiskCritical, d.Risk)
		}
	}
}

func TestApproveRequiresReviewState(t *testing.T) {
	f := newFixture(&stubScorer{result: score(0.95, RiskLow, DecisionAutoSend)})
	msg := incoming("m1")
	f.messages.msgs["m1"] = msg

	require.NoError(t, f.manager.ProcessMessage(context.Background(), msg))
	draft := f.singleDraft(t, "m1")
	require.Equal(t, StatusSent, draft.Status)

	_, err := f.manager.Approve(context.Background(), draft.ID)
	assert.ErrorIs(t, err, ErrNotReviewable)
}

func TestRejectRecordsReason(t *testing.T) {
	f := newFixture(&stubScorer{result: score(0.7, RiskMedium, DecisionQueue)})
	require.NoError(t, f.manager.ProcessMessage(context.Background(), incoming("m1")))
	draft := f.singleDraft(t, "m1")

	rejected, err := f.manager.Reject(context.Background(), draft.ID, "wrong recipient")
	require.NoError(t, err)
	assert.Equal(t, StatusRejected, rejected.Status)
	assert.Contains(t, strings.Join(rejected.Reasoning, "\n"), "wrong recipient")
}

func TestTerminalDraftsAreArchived(t *testing.T) {
	f := newFixture(&stubScorer{result: score(0.95, RiskLow, DecisionAutoSend)})
	archiver := &stubArchiver{}
	f.manager.deps.Archiver = archiver

	require.NoError(t, f.manager.ProcessMessage(context.Background(), incoming("m1")))
	assert.Equal(t, []string{"m1"}, archiver.archived)
}

func TestRejectedDraftsAreArchived(t *testing.T) {
	f := newFixture(&stubScorer{result: score(0.7, RiskMedium, DecisionQueue)})
	archiver := &stubArchiver{}
	f.manager.deps.Archiver = archiver
	msg := incoming("m1")
	f.messages.msgs["m1"] = msg

	require.NoError(t, f.manager.ProcessMessage(context.Background(), msg))
	draft := f.singleDraft(t, "m1")

	_, err := f.manager.Reject(context.Background(), draft.ID, "")
	require.NoError(t, err)
	assert.Equal(t, []string{"m1"}, archiver.archived)
}

func TestArchiveFailureDoesNotBlockDelivery(t *testing.T) {
	f := newFixture(&stubScorer{result: score(0.95, RiskLow, DecisionAutoSend)})
	f.manager.deps.Archiver = &stubArchiver{err: errors.New("bucket unreachable")}

	require.NoError(t, f.manager.ProcessMessage(context.Background(), incoming("m1")))
	assert.Equal(t, StatusSent, f.singleDraft(t, "m1").Status)
}

func TestEditKeepsStateAndRescoresOnRequest(t *testing.T) {
	f := newFixture(&stubScorer{result: score(0.7, RiskMedium, DecisionQueue)})
	msg := incoming("m1")
	f.messages.msgs["m1"] = msg
	require.NoError(t, f.manager.ProcessMessage(context.Background(), msg))
	draft := f.singleDraft(t, "m1")

	f.scorer.result = score(0.85, RiskLow, DecisionQueue)
	edited, err := f.manager.Edit(context.Background(), draft.ID, "A better reply.", true)
	require.NoError(t, err)

	assert.Equal(t, StatusReview, edited.Status, "editing never changes state")
	assert.Equal(t, "A better reply.", edited.GeneratedText)
	assert.Equal(t, 0.85, edited.Confidence)
	assert.Equal(t, RiskLow, edited.Risk)
	assert.False(t, edited.AutoSend)
	assert.Contains(t, strings.Join(edited.Reasoning, "\n"), "rescored after edit")
}

func TestResumeRetriesApprovedDrafts(t *testing.T) {
	f := newFixture(&stubScorer{result: score(0.7, RiskMedium, DecisionQueue)})
	msg := incoming("m1")
	f.messages.msgs["m1"] = msg

	draft := NewDraft("d1", "m1", "casual")
	draft.GeneratedText = "Reply text."
	draft.Confidence = 0.7
	draft.Risk = RiskMedium
	draft.Status = StatusApproved
	require.NoError(t, f.drafts.InsertDraft(context.Background(), draft))

	require.NoError(t, f.manager.Resume(context.Background()))

	got, err := f.drafts.GetDraft(context.Background(), "d1")
	require.NoError(t, err)
	assert.Equal(t, StatusSent, got.Status)
	assert.Equal(t, []string{"alice@example.com"}, f.sender.sent)
}

func TestResumeFailsDraftsInterruptedMidPipeline(t *testing.T) {
	f := newFixture(&stubScorer{result: score(0.7, RiskMedium, DecisionQueue)})

	for i, status := range []Status{StatusPending, StatusDrafting, StatusScoring} {
		draft := NewDraft(fmt.Sprintf("d%d", i+1), fmt.Sprintf("m%d", i+1), "casual")
		draft.Status = status
		require.NoError(t, f.drafts.InsertDraft(context.Background(), draft))
	}
	waiting := NewDraft("d4", "m4", "casual")
	waiting.Status = StatusReview
	require.NoError(t, f.drafts.InsertDraft(context.Background(), waiting))

	require.NoError(t, f.manager.Resume(context.Background()))

	for _, id := range []string{"d1", "d2", "d3"} {
		got, err := f.drafts.GetDraft(context.Background(), id)
		require.NoError(t, err)
		assert.Equal(t, StatusFailed, got.Status, id)
		assert.Contains(t, strings.Join(got.Reasoning, "\n"), "interrupted by restart")
	}

	// A draft waiting for review is untouched; the interrupted ones are
	// now terminal, so their messages can be admitted again.
	got, err := f.drafts.GetDraft(context.Background(), "d4")
	require.NoError(t, err)
	assert.Equal(t, StatusReview, got.Status)
}

func TestDrainWaitsForInFlightWork(t *testing.T) {
	f := newFixture(&stubScorer{result: score(0.7, RiskMedium, DecisionQueue)})
	f.generator.delay = 50 * time.Millisecond

	done := make(chan struct{})
	go func() {
		defer close(done)
		assert.NoError(t, f.manager.ProcessMessage(context.Background(), incoming("m1")))
	}()

	time.Sleep(10 * time.Millisecond)
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, f.manager.Drain(ctx))

	<-done
	assert.Equal(t, StatusReview, f.singleDraft(t, "m1").Status)
}
