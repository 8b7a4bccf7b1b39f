package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/quillmail/quill/config"
	"github.com/quillmail/quill/generate"
	"github.com/quillmail/quill/idgen"
	"github.com/quillmail/quill/index"
	"github.com/quillmail/quill/logger"
	"github.com/quillmail/quill/mail"
	"github.com/quillmail/quill/pkg/metrics"
	"github.com/quillmail/quill/pkg/retry"
)

// ErrDraftActive is returned when a message already has a non-terminal
// draft. Stores map their uniqueness violations onto it.
var ErrDraftActive = errors.New("active draft already exists for message")

// ErrPolicyViolation is returned when a send is attempted for a draft the
// gate no longer (or never did) permit. It is never silently overridden.
var ErrPolicyViolation = errors.New("send policy violation")

// ErrNotReviewable is returned for review-surface actions on drafts that
// are not waiting for review.
var ErrNotReviewable = errors.New("draft is not in review")

// DraftStore persists drafts.
type DraftStore interface {
	InsertDraft(ctx context.Context, draft *Draft) error
	UpdateDraft(ctx context.Context, draft *Draft) error
	GetDraft(ctx context.Context, id string) (*Draft, error)
	ListDraftsByStatus(ctx context.Context, status Status, limit int) ([]*Draft, error)
}

// MessageStore loads stored inbound messages.
type MessageStore interface {
	GetMessage(ctx context.Context, id string) (*mail.Message, error)
}

// Generator produces a reply draft for a message.
type Generator interface {
	Generate(ctx context.Context, msg *mail.Message, toneID string, contextRecords []index.SearchResult) (*generate.Result, error)
}

// Scorer evaluates a generated draft.
type Scorer interface {
	Score(ctx context.Context, msg *mail.Message, draftText, toneID string, contextRecords []index.SearchResult) (*ScoreResult, error)
}

// Searcher retrieves similar past correspondence for prompt context.
type Searcher interface {
	Search(ctx context.Context, query string, k int, filter *index.SearchFilter) ([]index.SearchResult, error)
}

// Notifier pushes lifecycle events to the operator. Implementations must
// not block for long; failures are logged and never roll a draft back.
type Notifier interface {
	NotifyDraftReady(ctx context.Context, draft *Draft, msg *mail.Message)
	NotifyDraftSent(ctx context.Context, draft *Draft, msg *mail.Message)
	NotifyError(ctx context.Context, messageID string, err error)
}

// Recorder appends a sent reply to the durable correspondence log and the
// context index.
type Recorder interface {
	RecordOutgoing(ctx context.Context, rec *index.CorrespondenceRecord) error
}

// Archiver stores the raw bytes of a message once its draft reaches a
// terminal state. Failures are logged and never roll a draft back.
type Archiver interface {
	Archive(ctx context.Context, msg *mail.Message) error
}

// Deps bundles the collaborators the Manager drives. Notifier, Recorder,
// and Archiver may be nil when the corresponding feature is disabled.
type Deps struct {
	Drafts    DraftStore
	Messages  MessageStore
	Generator Generator
	Scorer    Scorer
	Searcher  Searcher
	Sender    mail.Sender
	Notifier  Notifier
	Recorder  Recorder
	Archiver  Archiver
}

// Manager sequences one draft per message through the state machine:
// generation, scoring, routing, and delivery. It bounds concurrent
// backend work with a semaphore and holds a per-message lock so a second
// intake of the same message while a draft is active is dropped.
type Manager struct {
	deps Deps

	defaultTone   string
	ownerAddress  string
	topK          int
	autoThreshold float64
	retryCfg      retry.BackoffConfig

	sem chan struct{}
	wg  sync.WaitGroup

	mu       sync.Mutex
	inFlight map[string]bool
}

func NewManager(cfg *config.Config, deps Deps) *Manager {
	retryCfg := retry.DefaultBackoffConfig()
	retryCfg.MaxRetries = cfg.Generation.GetRetryAttempts() - 1

	return &Manager{
		deps:          deps,
		defaultTone:   cfg.Tones.GetDefault(),
		ownerAddress:  cfg.Intake.OwnerAddress,
		topK:          cfg.Index.GetTopK(),
		autoThreshold: cfg.Scoring.GetAutoSendThreshold(),
		retryCfg:      retryCfg,
		sem:           make(chan struct{}, cfg.Pipeline.GetConcurrency()),
		inFlight:      make(map[string]bool),
	}
}

// ProcessMessage runs one accepted message through drafting, scoring, and
// routing. A second call for a message still in flight is dropped. The
// returned error concerns this message only; callers keep going.
func (m *Manager) ProcessMessage(ctx context.Context, msg *mail.Message) error {
	release, ok := m.tryLock(msg.ID)
	if !ok {
		logger.Debug("message already in flight, dropping", "message_id", msg.ID)
		return nil
	}
	defer release()

	m.wg.Add(1)
	defer m.wg.Done()

	select {
	case m.sem <- struct{}{}:
		defer func() { <-m.sem }()
	case <-ctx.Done():
		return ctx.Err()
	}

	metrics.PipelineInFlight.Inc()
	defer metrics.PipelineInFlight.Dec()

	draft := NewDraft(idgen.New(), msg.ID, m.defaultTone)
	if err := m.deps.Drafts.InsertDraft(ctx, draft); err != nil {
		if errors.Is(err, ErrDraftActive) {
			logger.Debug("active draft exists, dropping", "message_id", msg.ID)
			return nil
		}
		return fmt.Errorf("insert draft: %w", err)
	}
	metrics.DraftsCreated.Inc()
	logger.Info("draft created", "draft_id", draft.ID, "message_id", msg.ID, "sender", msg.Sender)

	if err := m.transition(ctx, draft, StatusDrafting, "intake accepted"); err != nil {
		return err
	}

	records := m.retrieveContext(ctx, draft, msg)

	result, err := m.generateWithRetry(ctx, msg, draft.Tone, records)
	if err != nil {
		return m.fail(ctx, draft, msg, fmt.Errorf("generation: %w", err))
	}
	draft.GeneratedText = result.Text
	draft.Tone = result.ToneUsed
	for _, note := range result.Notes {
		draft.AppendReasoning("%s", note)
	}

	if err := m.transition(ctx, draft, StatusScoring, "draft generated"); err != nil {
		return err
	}

	score, err := m.deps.Scorer.Score(ctx, msg, draft.GeneratedText, draft.Tone, records)
	if err != nil {
		return m.fail(ctx, draft, msg, fmt.Errorf("scoring: %w", err))
	}
	draft.Confidence = score.Value
	draft.Risk = score.Risk
	draft.AutoSend = score.Decision == DecisionAutoSend
	for _, line := range score.Reasoning {
		draft.AppendReasoning("%s", line)
	}

	switch score.Decision {
	case DecisionAutoSend:
		if err := m.transition(ctx, draft, StatusApproved, fmt.Sprintf("auto-send approved (confidence %.2f, risk %s)", score.Value, score.Risk)); err != nil {
			return err
		}
		return m.send(ctx, draft, msg, false)

	case DecisionFlag:
		if err := m.transition(ctx, draft, StatusReview, fmt.Sprintf("flagged for attention (confidence %.2f, risk %s)", score.Value, score.Risk)); err != nil {
			return err
		}

	default:
		if err := m.transition(ctx, draft, StatusReview, fmt.Sprintf("queued for review (confidence %.2f, risk %s)", score.Value, score.Risk)); err != nil {
			return err
		}
	}

	m.notifyReady(ctx, draft, msg)
	return nil
}

// Approve releases a reviewed draft for delivery. Critical risk can never
// be approved, even by a human.
func (m *Manager) Approve(ctx context.Context, draftID string) (*Draft, error) {
	m.wg.Add(1)
	defer m.wg.Done()

	draft, err := m.deps.Drafts.GetDraft(ctx, draftID)
	if err != nil {
		return nil, err
	}
	if draft.Status != StatusReview {
		return nil, fmt.Errorf("%w: draft %s is %s", ErrNotReviewable, draftID, draft.Status)
	}
	if draft.Risk == RiskCritical {
		return nil, fmt.Errorf("%w: critical risk draft %s cannot be sent", ErrPolicyViolation, draftID)
	}

	msg, err := m.deps.Messages.GetMessage(ctx, draft.MessageID)
	if err != nil {
		return nil, fmt.Errorf("load message %s: %w", draft.MessageID, err)
	}

	if err := m.transition(ctx, draft, StatusApproved, "approved by reviewer"); err != nil {
		return nil, err
	}
	if err := m.send(ctx, draft, msg, true); err != nil {
		return draft, err
	}
	return draft, nil
}

// Reject discards a reviewed draft.
func (m *Manager) Reject(ctx context.Context, draftID, reason string) (*Draft, error) {
	draft, err := m.deps.Drafts.GetDraft(ctx, draftID)
	if err != nil {
		return nil, err
	}
	if draft.Status != StatusReview {
		return nil, fmt.Errorf("%w: draft %s is %s", ErrNotReviewable, draftID, draft.Status)
	}

	note := "rejected by reviewer"
	if reason != "" {
		note = fmt.Sprintf("rejected by reviewer: %s", reason)
	}
	if err := m.transition(ctx, draft, StatusRejected, note); err != nil {
		return nil, err
	}
	m.archiveRaw(ctx, draft, nil)
	return draft, nil
}

// Edit replaces the text of a reviewed draft. The draft stays in review;
// when rescore is set the confidence and risk are recomputed against the
// new text.
func (m *Manager) Edit(ctx context.Context, draftID, text string, rescore bool) (*Draft, error) {
	draft, err := m.deps.Drafts.GetDraft(ctx, draftID)
	if err != nil {
		return nil, err
	}
	if draft.Status != StatusReview {
		return nil, fmt.Errorf("%w: draft %s is %s", ErrNotReviewable, draftID, draft.Status)
	}

	draft.GeneratedText = text
	draft.UpdatedAt = time.Now().UTC()
	draft.AppendReasoning("draft edited by reviewer")

	if rescore {
		msg, err := m.deps.Messages.GetMessage(ctx, draft.MessageID)
		if err != nil {
			return nil, fmt.Errorf("load message %s: %w", draft.MessageID, err)
		}
		records := m.retrieveContext(ctx, draft, msg)
		score, err := m.deps.Scorer.Score(ctx, msg, draft.GeneratedText, draft.Tone, records)
		if err != nil {
			return nil, fmt.Errorf("rescore: %w", err)
		}
		draft.Confidence = score.Value
		draft.Risk = score.Risk
		draft.AutoSend = false
		draft.AppendReasoning("rescored after edit: confidence %.2f, risk %s", score.Value, score.Risk)
	}

	if err := m.deps.Drafts.UpdateDraft(ctx, draft); err != nil {
		return nil, fmt.Errorf("persist edit: %w", err)
	}
	return draft, nil
}

// Resume reloads non-terminal drafts after a restart. Drafts interrupted
// mid-pipeline are failed with a trail note so their source messages can
// be re-admitted; drafts in review keep waiting; approved drafts retry
// delivery.
func (m *Manager) Resume(ctx context.Context) error {
	for _, status := range []Status{StatusPending, StatusDrafting, StatusScoring} {
		stuck, err := m.deps.Drafts.ListDraftsByStatus(ctx, status, 0)
		if err != nil {
			return fmt.Errorf("reload %s drafts: %w", status, err)
		}
		for _, draft := range stuck {
			if draft.Status == StatusPending {
				if err := m.transition(ctx, draft, StatusDrafting, "resuming after restart"); err != nil {
					logger.Error("cannot resume interrupted draft", "draft_id", draft.ID, "error", err)
					continue
				}
			}
			if err := m.transition(ctx, draft, StatusFailed, "interrupted by restart before completion"); err != nil {
				logger.Error("cannot fail interrupted draft", "draft_id", draft.ID, "error", err)
				continue
			}
			logger.Warn("interrupted draft marked failed", "draft_id", draft.ID, "was", status)
		}
	}

	waiting, err := m.deps.Drafts.ListDraftsByStatus(ctx, StatusReview, 0)
	if err != nil {
		return fmt.Errorf("reload review drafts: %w", err)
	}
	if len(waiting) > 0 {
		logger.Info("drafts waiting for review after restart", "count", len(waiting))
	}

	approved, err := m.deps.Drafts.ListDraftsByStatus(ctx, StatusApproved, 0)
	if err != nil {
		return fmt.Errorf("reload approved drafts: %w", err)
	}
	for _, draft := range approved {
		msg, err := m.deps.Messages.GetMessage(ctx, draft.MessageID)
		if err != nil {
			logger.Error("cannot resume approved draft", "draft_id", draft.ID, "error", err)
			continue
		}
		manual := !draft.AutoSend
		if err := m.send(ctx, draft, msg, manual); err != nil {
			logger.Error("resumed delivery failed", "draft_id", draft.ID, "error", err)
		}
	}
	return nil
}

// Drain blocks until all in-flight work reaches a stable state or the
// context expires.
func (m *Manager) Drain(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// send delivers an approved draft. The gate is re-checked at send time;
// a violation moves the draft to failed and is surfaced, never ignored.
func (m *Manager) send(ctx context.Context, draft *Draft, msg *mail.Message, manual bool) error {
	if err := m.sendPolicy(draft, manual); err != nil {
		if ferr := m.transition(ctx, draft, StatusFailed, fmt.Sprintf("send refused: %v", err)); ferr != nil {
			logger.Error("failed to record policy violation", "draft_id", draft.ID, "error", ferr)
		}
		return err
	}

	if err := m.deps.Sender.Send(ctx, msg.Sender, msg.Subject, draft.GeneratedText); err != nil {
		metrics.PipelineRetries.WithLabelValues("send").Inc()
		return m.fail(ctx, draft, msg, fmt.Errorf("delivery: %w", err))
	}

	if err := m.transition(ctx, draft, StatusSent, fmt.Sprintf("delivered to %s", msg.Sender)); err != nil {
		return err
	}
	logger.Info("draft sent", "draft_id", draft.ID, "to", msg.Sender, "auto_send", draft.AutoSend)

	m.recordOutgoing(ctx, draft, msg)
	m.archiveRaw(ctx, draft, msg)
	if m.deps.Notifier != nil {
		m.deps.Notifier.NotifyDraftSent(ctx, draft, msg)
	}
	return nil
}

// sendPolicy is the send-time gate. Automatic sends require low risk and
// confidence at or above the auto-send threshold; manual approval only
// relaxes that down to "not critical".
func (m *Manager) sendPolicy(draft *Draft, manual bool) error {
	if draft.Risk == RiskCritical {
		return fmt.Errorf("%w: risk is critical", ErrPolicyViolation)
	}
	if manual {
		return nil
	}
	if draft.Risk != RiskLow {
		return fmt.Errorf("%w: risk %s is not low", ErrPolicyViolation, draft.Risk)
	}
	if draft.Confidence < m.autoThreshold {
		return fmt.Errorf("%w: confidence %.2f below threshold %.2f", ErrPolicyViolation, draft.Confidence, m.autoThreshold)
	}
	return nil
}

// retrieveContext searches the index for similar past correspondence.
// Retrieval failure degrades to an empty context with a trail note; the
// scorer prices the missing context into context_relevance.
func (m *Manager) retrieveContext(ctx context.Context, draft *Draft, msg *mail.Message) []index.SearchResult {
	if m.deps.Searcher == nil {
		return nil
	}

	query := msg.Subject + "\n" + msg.BodyText
	var records []index.SearchResult
	err := retry.WithRetry(ctx, m.retryCfg, func() error {
		var serr error
		records, serr = m.deps.Searcher.Search(ctx, query, m.topK, nil)
		if serr != nil {
			metrics.PipelineRetries.WithLabelValues("search").Inc()
		}
		return serr
	})
	if err != nil {
		logger.Warn("context retrieval failed, drafting without context", "message_id", msg.ID, "error", err)
		draft.AppendReasoning("context retrieval failed: %v", err)
		return nil
	}
	return records
}

// generateWithRetry retries transient backend failures with exponential
// backoff; anything else stops immediately.
func (m *Manager) generateWithRetry(ctx context.Context, msg *mail.Message, toneID string, records []index.SearchResult) (*generate.Result, error) {
	var result *generate.Result
	attempt := 0
	err := retry.WithRetry(ctx, m.retryCfg, func() error {
		if attempt > 0 {
			metrics.PipelineRetries.WithLabelValues("generate").Inc()
		}
		attempt++

		var gerr error
		result, gerr = m.deps.Generator.Generate(ctx, msg, toneID, records)
		if gerr == nil {
			return nil
		}
		if errors.Is(gerr, generate.ErrGenerationUnavailable) {
			return gerr
		}
		return retry.Stop(gerr)
	})
	if err != nil {
		return nil, fmt.Errorf("after %d attempts: %w", attempt, err)
	}
	return result, nil
}

// fail moves the draft to failed with the error in its trail. The error
// is returned for the caller to surface; the pipeline itself keeps going.
func (m *Manager) fail(ctx context.Context, draft *Draft, msg *mail.Message, cause error) error {
	logger.Error("draft failed", "draft_id", draft.ID, "message_id", draft.MessageID, "error", cause)
	if err := m.transition(ctx, draft, StatusFailed, cause.Error()); err != nil {
		logger.Error("failed to record draft failure", "draft_id", draft.ID, "error", err)
	}
	if m.deps.Notifier != nil {
		m.deps.Notifier.NotifyError(ctx, draft.MessageID, cause)
	}
	m.archiveRaw(ctx, draft, msg)
	return cause
}

// transition applies a state-machine edge and persists the draft.
func (m *Manager) transition(ctx context.Context, draft *Draft, to Status, note string) error {
	if err := Transition(draft, to, note); err != nil {
		return err
	}
	if err := m.deps.Drafts.UpdateDraft(ctx, draft); err != nil {
		return fmt.Errorf("persist %s draft %s: %w", to, draft.ID, err)
	}
	return nil
}

func (m *Manager) notifyReady(ctx context.Context, draft *Draft, msg *mail.Message) {
	if m.deps.Notifier == nil {
		return
	}
	m.deps.Notifier.NotifyDraftReady(ctx, draft, msg)
}

func (m *Manager) recordOutgoing(ctx context.Context, draft *Draft, msg *mail.Message) {
	if m.deps.Recorder == nil {
		return
	}
	rec := &index.CorrespondenceRecord{
		ThreadID:   msg.ThreadID,
		Sender:     m.ownerAddress,
		Subject:    msg.Subject,
		BodyText:   draft.GeneratedText,
		SentBySelf: true,
		SentAt:     time.Now().UTC(),
	}
	if err := m.deps.Recorder.RecordOutgoing(ctx, rec); err != nil {
		logger.Error("failed to record outgoing reply", "draft_id", draft.ID, "error", err)
	}
}

// archiveRaw stores the raw message bytes once the draft is terminal.
// The message is loaded on demand when the caller no longer has it.
func (m *Manager) archiveRaw(ctx context.Context, draft *Draft, msg *mail.Message) {
	if m.deps.Archiver == nil {
		return
	}
	if msg == nil {
		var err error
		msg, err = m.deps.Messages.GetMessage(ctx, draft.MessageID)
		if err != nil {
			logger.Error("cannot load message for archival", "draft_id", draft.ID, "error", err)
			return
		}
	}
	if err := m.deps.Archiver.Archive(ctx, msg); err != nil {
		logger.Error("failed to archive message", "message_id", msg.ID, "error", err)
	}
}

// tryLock takes the per-message lock, reporting false when the message is
// already being processed.
func (m *Manager) tryLock(messageID string) (func(), bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.inFlight[messageID] {
		return nil, false
	}
	m.inFlight[messageID] = true
	return func() {
		m.mu.Lock()
		delete(m.inFlight, messageID)
		m.mu.Unlock()
	}, true
}
