package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"text/tabwriter"

	"github.com/quillmail/quill/config"
	"github.com/quillmail/quill/db"
	"github.com/quillmail/quill/index"
	"github.com/quillmail/quill/lifecycle"
)

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	switch command := os.Args[1]; command {
	case "rebuild-index":
		handleRebuildIndex()
	case "stats":
		handleStats()
	case "list-drafts":
		handleListDrafts()
	case "help", "--help", "-h":
		printUsage()
	default:
		fmt.Printf("Unknown command: %s\n\n", command)
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Printf(`Quill Admin Tool

Usage:
  quill-admin <command> [options]

Commands:
  rebuild-index  Rebuild the context index from the correspondence log
  stats          Show draft and index counts
  list-drafts    List drafts, optionally filtered by status
  help           Show this help message

Examples:
  quill-admin rebuild-index --config /etc/quill/config.toml
  quill-admin stats
  quill-admin list-drafts --status review --limit 20

Use 'quill-admin <command> --help' for more information about a command.
`)
}

func loadConfig(path string) config.Config {
	cfg, err := config.LoadConfigFromFile(path)
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}
	return cfg
}

func openDatabase(ctx context.Context, cfg *config.Config) *db.Database {
	database, err := db.New(ctx, &cfg.Database)
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}
	return database
}

func openIndex(cfg *config.Config) *index.Index {
	embedder, err := index.NewOllamaEmbedder(&cfg.Index)
	if err != nil {
		log.Fatalf("Failed to initialize embedder: %v", err)
	}
	idx, err := index.New(cfg.Index.GetPath(), embedder)
	if err != nil {
		log.Fatalf("Failed to open context index: %v", err)
	}
	return idx
}

func handleRebuildIndex() {
	fs := flag.NewFlagSet("rebuild-index", flag.ExitOnError)
	configPath := fs.String("config", "config.toml", "Path to TOML configuration file")
	fs.Parse(os.Args[2:])

	cfg := loadConfig(*configPath)
	ctx := context.Background()

	database := openDatabase(ctx, &cfg)
	defer database.Close()
	idx := openIndex(&cfg)
	defer idx.Close()

	fmt.Println("Rebuilding context index from the correspondence log...")
	count, err := idx.Rebuild(ctx, database.IterateCorrespondence())
	if err != nil {
		log.Fatalf("Rebuild failed: %v", err)
	}
	fmt.Printf("Index rebuilt with %d entries.\n", count)
}

func handleStats() {
	fs := flag.NewFlagSet("stats", flag.ExitOnError)
	configPath := fs.String("config", "config.toml", "Path to TOML configuration file")
	fs.Parse(os.Args[2:])

	cfg := loadConfig(*configPath)
	ctx := context.Background()

	database := openDatabase(ctx, &cfg)
	defer database.Close()

	counts, err := database.DraftCounts(ctx)
	if err != nil {
		log.Fatalf("Failed to count drafts: %v", err)
	}
	logSize, err := database.CountCorrespondence(ctx)
	if err != nil {
		log.Fatalf("Failed to count correspondence: %v", err)
	}

	fmt.Println("Drafts by status:")
	total := 0
	for _, status := range []lifecycle.Status{
		lifecycle.StatusPending, lifecycle.StatusDrafting, lifecycle.StatusScoring,
		lifecycle.StatusReview, lifecycle.StatusApproved, lifecycle.StatusSent,
		lifecycle.StatusRejected, lifecycle.StatusFailed,
	} {
		if n := counts[status]; n > 0 {
			fmt.Printf("  %-10s %d\n", status, n)
			total += n
		}
	}
	fmt.Printf("  %-10s %d\n", "total", total)
	fmt.Printf("Correspondence log: %d records\n", logSize)

	idx := openIndex(&cfg)
	defer idx.Close()
	if n, err := idx.Count(ctx); err != nil {
		fmt.Printf("Context index: unavailable (%v)\n", err)
	} else {
		fmt.Printf("Context index: %d entries\n", n)
	}
}

func handleListDrafts() {
	fs := flag.NewFlagSet("list-drafts", flag.ExitOnError)
	configPath := fs.String("config", "config.toml", "Path to TOML configuration file")
	statusName := fs.String("status", "review", "Draft status to list")
	limit := fs.Int("limit", 50, "Maximum number of drafts to list")
	fs.Parse(os.Args[2:])

	status := lifecycle.Status(*statusName)
	if !status.IsValid() {
		log.Fatalf("Unknown draft status: %s", *statusName)
	}

	cfg := loadConfig(*configPath)
	ctx := context.Background()

	database := openDatabase(ctx, &cfg)
	defer database.Close()

	drafts, err := database.ListDraftsByStatus(ctx, status, *limit)
	if err != nil {
		log.Fatalf("Failed to list drafts: %v", err)
	}
	if len(drafts) == 0 {
		fmt.Printf("No drafts with status %s.\n", status)
		return
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 8, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tMESSAGE\tSTATUS\tCONFIDENCE\tRISK\tUPDATED")
	for _, d := range drafts {
		fmt.Fprintf(w, "%s\t%s\t%s\t%.2f\t%s\t%s\n",
			d.ID, d.MessageID, d.Status, d.Confidence, d.Risk,
			d.UpdatedAt.Format("2006-01-02 15:04:05"))
	}
	w.Flush()
}
