package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/quillmail/quill/config"
	"github.com/quillmail/quill/db"
	"github.com/quillmail/quill/generate"
	"github.com/quillmail/quill/index"
	"github.com/quillmail/quill/intake"
	"github.com/quillmail/quill/lifecycle"
	"github.com/quillmail/quill/logger"
	"github.com/quillmail/quill/mail"
	"github.com/quillmail/quill/notify"
	"github.com/quillmail/quill/score"
	"github.com/quillmail/quill/server/reviewapi"
	"github.com/quillmail/quill/storage"
)

// Build-time version information, injected via -ldflags.
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

const drainTimeout = 30 * time.Second

func main() {
	showVersion := flag.Bool("version", false, "Show version information")
	configPath := flag.String("config", "config.toml", "Path to TOML configuration file")
	flag.Parse()

	if *showVersion {
		fmt.Printf("quill %s (commit: %s, built: %s)\n", version, commit, date)
		os.Exit(0)
	}

	cfg := loadAndValidateConfig(*configPath)

	logFile, err := logger.Initialize(cfg.Logging)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize logging: %v\n", err)
		os.Exit(1)
	}
	if logFile != nil {
		defer logFile.Close()
	}

	logger.Info("quill starting", "version", version, "commit", commit, "built", date)
	logger.Info("logging configured", "format", cfg.Logging.Format, "level", cfg.Logging.Level)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	signalChan := make(chan os.Signal, 1)
	signal.Notify(signalChan, os.Interrupt, syscall.SIGTERM)
	go func() {
		sig := <-signalChan
		logger.Info("received signal, shutting down", "signal", sig.String())
		cancel()
	}()

	database, err := db.New(ctx, &cfg.Database)
	if err != nil {
		logger.Fatal("failed to connect to database", "error", err)
	}
	defer database.Close()
	database.StartPoolMetrics(ctx)

	embedder, err := index.NewOllamaEmbedder(&cfg.Index)
	if err != nil {
		logger.Fatal("failed to initialize embedder", "error", err)
	}
	idx, err := index.New(cfg.Index.GetPath(), embedder)
	if err != nil {
		logger.Fatal("failed to open context index", "error", err)
	}
	defer idx.Close()

	client, err := generate.NewOllamaClient(&cfg.Generation)
	if err != nil {
		logger.Fatal("failed to initialize generation client", "error", err)
	}
	tones := generate.NewToneTable(&cfg.Tones)
	generator := generate.NewGenerator(client, tones, idx, &cfg.Index)
	scorer := score.NewScorer(&cfg.Scoring, idx)

	deps := lifecycle.Deps{
		Drafts:    database,
		Messages:  database,
		Generator: generator,
		Scorer:    scorer,
		Searcher:  idx,
		Sender:    mail.NewSMTPSender(cfg.Mail.SMTP),
		Recorder:  &correspondenceRecorder{db: database, idx: idx},
	}

	if cfg.Notifier.Enabled {
		notifier, err := notify.New(&cfg.Notifier)
		if err != nil {
			logger.Fatal("failed to initialize notifier", "error", err)
		}
		deps.Notifier = notifier
		logger.Info("notifications enabled", "topic", cfg.Notifier.GetTopic())
	}

	if cfg.Archive.Enabled {
		archiver, err := storage.New(&cfg.Archive)
		if err != nil {
			logger.Fatal("failed to initialize archive storage", "error", err)
		}
		if err := archiver.EnsureBucket(ctx); err != nil {
			logger.Fatal("failed to prepare archive bucket", "error", err)
		}
		deps.Archiver = archiver
		logger.Info("raw message archival enabled", "bucket", cfg.Archive.Bucket)
	}

	manager := lifecycle.NewManager(&cfg, deps)
	if err := manager.Resume(ctx); err != nil {
		logger.Error("resume of persisted drafts incomplete", "error", err)
	}

	filter := intake.NewFilter(&cfg.Intake, database)
	source := mail.NewIMAPSource(cfg.Mail.IMAP)
	watcher, err := intake.NewWatcher(&cfg.Watcher, source, filter, database, manager)
	if err != nil {
		logger.Fatal("failed to initialize watcher", "error", err)
	}
	watcher.Start(ctx)

	errChan := make(chan error, 1)
	if cfg.API.Start {
		apiServer, err := reviewapi.New(&cfg.API, manager, database, watcher)
		if err != nil {
			logger.Fatal("failed to initialize review API", "error", err)
		}
		go apiServer.Start(ctx, errChan)
	}

	select {
	case <-ctx.Done():
	case err := <-errChan:
		logger.Error("fatal server error", "error", err)
		cancel()
	}

	// Stop intake first so no new work enters, then wait for in-flight
	// drafts to reach a stable state before releasing resources.
	watcher.Stop()

	drainCtx, drainCancel := context.WithTimeout(context.Background(), drainTimeout)
	defer drainCancel()
	if err := manager.Drain(drainCtx); err != nil {
		logger.Warn("shutdown drain timed out", "error", err)
	}
	logger.Info("quill stopped")
}

// loadAndValidateConfig loads the TOML configuration. A missing file at the
// default path is fine; an explicitly named file must exist.
func loadAndValidateConfig(path string) config.Config {
	cfg, err := config.LoadConfigFromFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) && path == "config.toml" {
			fmt.Fprintf(os.Stderr, "WARNING: default configuration file %q not found, using defaults\n", path)
			cfg = config.NewDefaultConfig()
		} else {
			fmt.Fprintf(os.Stderr, "failed to load configuration from %s: %v\n", path, err)
			os.Exit(1)
		}
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "invalid configuration: %v\n", err)
		os.Exit(1)
	}
	return cfg
}

// correspondenceRecorder appends a sent reply to the durable log and the
// context index, in that order. The log is the source of truth; the index
// can always be rebuilt from it with quill-admin rebuild-index.
type correspondenceRecorder struct {
	db  *db.Database
	idx *index.Index
}

func (r *correspondenceRecorder) RecordOutgoing(ctx context.Context, rec *index.CorrespondenceRecord) error {
	if err := r.db.InsertCorrespondence(ctx, rec); err != nil {
		return err
	}
	if _, err := r.idx.Add(ctx, rec); err != nil {
		return fmt.Errorf("index outgoing reply: %w", err)
	}
	return nil
}
