package intake

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/quillmail/quill/config"
	"github.com/quillmail/quill/logger"
	"github.com/quillmail/quill/mail"
	"github.com/quillmail/quill/pkg/metrics"
)

// drainTimeout bounds how long a stopping watcher waits for in-flight
// drafts to reach their next stable state.
const drainTimeout = 30 * time.Second

// Pipeline is the downstream draft processor the watcher hands accepted
// messages to.
type Pipeline interface {
	// ProcessMessage runs a message through drafting and scoring. Errors
	// concern that single message only.
	ProcessMessage(ctx context.Context, msg *mail.Message) error
	// Drain blocks until in-flight drafts reach a stable state or the
	// context expires.
	Drain(ctx context.Context) error
}

// Store persists admitted messages and the intake dedup log.
type Store interface {
	DedupStore
	InsertMessage(ctx context.Context, msg *mail.Message) error
	MarkProcessed(ctx context.Context, messageID string) error
}

// Status is a snapshot of the watcher's runtime counters.
type Status struct {
	Running      bool       `json:"running"`
	LastPoll     *time.Time `json:"last_poll,omitempty"`
	PollInterval string     `json:"poll_interval"`
	BatchSize    int        `json:"batch_size"`
	Seen         int64      `json:"seen"`
	Accepted     int64      `json:"accepted"`
	Errors       int64      `json:"errors"`
}

// Watcher polls the mail source on a fixed interval and feeds accepted
// messages to the pipeline. Start launches the loop; Stop drains
// in-flight work before returning.
type Watcher struct {
	source   mail.Source
	filter   *Filter
	store    Store
	pipeline Pipeline
	interval time.Duration
	batch    int

	mu       sync.Mutex
	running  bool
	stopCh   chan struct{}
	doneCh   chan struct{}
	since    time.Time
	lastPoll time.Time
	seen     int64
	accepted int64
	errors   int64
}

func NewWatcher(cfg *config.WatcherConfig, source mail.Source, filter *Filter, store Store, pipeline Pipeline) (*Watcher, error) {
	interval, err := cfg.GetPollInterval()
	if err != nil {
		return nil, fmt.Errorf("invalid poll interval: %w", err)
	}
	return &Watcher{
		source:   source,
		filter:   filter,
		store:    store,
		pipeline: pipeline,
		interval: interval,
		batch:    cfg.GetBatchSize(),
	}, nil
}

// Start launches the poll loop. The first poll runs immediately, then
// the loop ticks at the configured interval until Stop is called or the
// context is cancelled.
func (w *Watcher) Start(ctx context.Context) {
	w.mu.Lock()
	if w.running {
		w.mu.Unlock()
		return
	}
	w.running = true
	w.stopCh = make(chan struct{})
	w.doneCh = make(chan struct{})
	stopCh, doneCh := w.stopCh, w.doneCh
	w.mu.Unlock()

	logger.Info("starting intake watcher", "poll_interval", w.interval, "batch_size", w.batch)

	go func() {
		defer close(doneCh)
		defer w.drain()

		ticker := time.NewTicker(w.interval)
		defer ticker.Stop()

		w.runPoll(ctx)
		for {
			select {
			case <-ctx.Done():
				logger.Info("intake watcher stopped", "reason", "context cancelled")
				return
			case <-stopCh:
				logger.Info("intake watcher stopped", "reason", "stop requested")
				return
			case <-ticker.C:
				w.runPoll(ctx)
			}
		}
	}()
}

// Stop signals the loop to exit and blocks until in-flight work has
// drained. Safe to call when the watcher never started.
func (w *Watcher) Stop() {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		return
	}
	w.running = false
	close(w.stopCh)
	doneCh := w.doneCh
	w.mu.Unlock()

	<-doneCh
}

func (w *Watcher) drain() {
	ctx, cancel := context.WithTimeout(context.Background(), drainTimeout)
	defer cancel()
	if err := w.pipeline.Drain(ctx); err != nil {
		logger.Error("drain on watcher stop failed", "error", err)
	}
}

func (w *Watcher) runPoll(ctx context.Context) {
	start := time.Now()
	if err := w.poll(ctx); err != nil {
		logger.Error("intake poll failed", "error", err)
		metrics.WatcherPolls.WithLabelValues("error").Inc()
		w.mu.Lock()
		w.errors++
		w.lastPoll = start
		w.mu.Unlock()
		return
	}
	metrics.WatcherPolls.WithLabelValues("ok").Inc()
	w.mu.Lock()
	w.lastPoll = start
	w.mu.Unlock()
}

// poll fetches one batch and classifies every message. A persistence
// failure aborts the cycle with nothing committed; the same messages
// come back on the next poll. A single message failing downstream is
// logged and does not stop the rest of the batch.
func (w *Watcher) poll(ctx context.Context) error {
	w.mu.Lock()
	since := w.since
	w.mu.Unlock()

	start := time.Now()
	msgs, err := w.source.FetchNew(ctx, since, w.batch)
	if err != nil {
		return fmt.Errorf("fetch: %w", err)
	}

	var accepted int64
	for _, msg := range msgs {
		outcome, reason, err := w.filter.Classify(ctx, msg)
		if err != nil {
			return err
		}
		metrics.MessagesSeen.WithLabelValues(string(outcome)).Inc()
		if outcome != OutcomeAccepted {
			logger.Debug("message skipped", "message_id", msg.ID, "outcome", outcome, "reason", reason)
			continue
		}

		if err := w.store.InsertMessage(ctx, msg); err != nil {
			return fmt.Errorf("persist message %s: %w", msg.ID, err)
		}

		// The processed mark is committed only after the pipeline ran to
		// completion for this message; a failure here leaves the id
		// unmarked so the next poll re-admits it.
		if err := w.pipeline.ProcessMessage(ctx, msg); err != nil {
			logger.Error("draft pipeline failed", "message_id", msg.ID, "error", err)
			w.mu.Lock()
			w.errors++
			w.mu.Unlock()
			continue
		}
		if err := w.store.MarkProcessed(ctx, msg.ID); err != nil {
			return fmt.Errorf("mark processed %s: %w", msg.ID, err)
		}
		accepted++
	}

	w.mu.Lock()
	w.seen += int64(len(msgs))
	w.accepted += accepted
	w.since = start
	w.mu.Unlock()

	logger.Info("intake poll complete", "checked", len(msgs), "accepted", accepted)
	return nil
}

// Status returns a snapshot for the status endpoint.
func (w *Watcher) Status() Status {
	w.mu.Lock()
	defer w.mu.Unlock()

	s := Status{
		Running:      w.running,
		PollInterval: w.interval.String(),
		BatchSize:    w.batch,
		Seen:         w.seen,
		Accepted:     w.accepted,
		Errors:       w.errors,
	}
	if !w.lastPoll.IsZero() {
		t := w.lastPoll
		s.LastPoll = &t
	}
	return s
}
