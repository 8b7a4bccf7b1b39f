// Package intake admits inbound messages into the drafting pipeline. It
// holds the noise classifier that separates human correspondence from
// automated and promotional mail, and the watcher that polls the mail
// source on a schedule.
package intake

import (
	"context"
	"fmt"
	"strings"

	"github.com/quillmail/quill/config"
	"github.com/quillmail/quill/helpers"
	"github.com/quillmail/quill/mail"
)

// Outcome classifies why a message was or was not admitted.
type Outcome string

const (
	OutcomeAccepted  Outcome = "accepted"
	OutcomeFiltered  Outcome = "filtered"
	OutcomeDuplicate Outcome = "duplicate"
	OutcomeMalformed Outcome = "malformed"
)

// defaultSkipSenderTokens flag automated senders. A token matches when it
// equals the address local part or appears anywhere in the domain.
var defaultSkipSenderTokens = []string{
	"noreply", "no-reply", "donotreply", "do-not-reply",
	"notifications", "notification", "alerts", "alert",
	"automated", "automation", "bot", "system",
}

// defaultSkipPhrases flag promotional or machine-generated content in the
// subject or the leading part of the body.
var defaultSkipPhrases = []string{
	"unsubscribe", "opt-out", "opt out",
	"marketing", "newsletter", "promotion",
	"auto-generated", "auto generated", "automated",
}

// skipLabels are mailbox flags that disqualify a message before any
// content inspection.
var skipLabels = []string{"Junk", "Deleted", "Draft"}

// snippetLength bounds how much of the body the phrase check reads.
const snippetLength = 200

// DedupStore answers whether a message has already entered the pipeline.
type DedupStore interface {
	IsProcessed(ctx context.Context, messageID string) (bool, error)
	ActiveDraftExists(ctx context.Context, messageID string) (bool, error)
}

// Filter is the intake noise classifier. It is immutable after
// construction and safe for concurrent use.
type Filter struct {
	owner   string
	tokens  []string
	phrases []string
	store   DedupStore
}

// NewFilter builds a classifier from the built-in token and phrase sets
// merged with any config extras.
func NewFilter(cfg *config.IntakeConfig, store DedupStore) *Filter {
	f := &Filter{
		owner: strings.ToLower(strings.TrimSpace(cfg.OwnerAddress)),
		store: store,
	}
	for _, t := range append(append([]string{}, defaultSkipSenderTokens...), cfg.SkipSenderTokens...) {
		f.tokens = append(f.tokens, strings.ToLower(t))
	}
	for _, p := range append(append([]string{}, defaultSkipPhrases...), cfg.SkipPhrases...) {
		f.phrases = append(f.phrases, strings.ToLower(p))
	}
	return f
}

// Classify decides whether a message enters the pipeline, returning the
// outcome and a human-readable reason for anything not accepted. A
// non-nil error means the persistence layer could not answer; the caller
// must abort the whole cycle rather than risk double processing.
func (f *Filter) Classify(ctx context.Context, msg *mail.Message) (Outcome, string, error) {
	if err := msg.Validate(); err != nil {
		return OutcomeMalformed, err.Error(), nil
	}

	if f.owner != "" && strings.EqualFold(msg.Sender, f.owner) {
		return OutcomeFiltered, "self-sent message", nil
	}

	for _, label := range skipLabels {
		if msg.HasLabel(label) {
			return OutcomeFiltered, fmt.Sprintf("label %s", label), nil
		}
	}

	if token := f.automatedSenderToken(msg.Sender); token != "" {
		return OutcomeFiltered, fmt.Sprintf("automated sender (%s)", token), nil
	}

	if phrase := f.promotionalPhrase(msg); phrase != "" {
		return OutcomeFiltered, fmt.Sprintf("promotional content (%s)", phrase), nil
	}

	processed, err := f.store.IsProcessed(ctx, msg.ID)
	if err != nil {
		return "", "", fmt.Errorf("dedup lookup for %s: %w", msg.ID, err)
	}
	if processed {
		return OutcomeDuplicate, "already processed", nil
	}

	active, err := f.store.ActiveDraftExists(ctx, msg.ID)
	if err != nil {
		return "", "", fmt.Errorf("active draft lookup for %s: %w", msg.ID, err)
	}
	if active {
		return OutcomeDuplicate, "active draft exists", nil
	}

	return OutcomeAccepted, "", nil
}

func (f *Filter) automatedSenderToken(sender string) string {
	addr := strings.ToLower(sender)
	local, domain, found := strings.Cut(addr, "@")
	if !found {
		return ""
	}
	for _, token := range f.tokens {
		if local == token || strings.Contains(domain, token) {
			return token
		}
	}
	return ""
}

func (f *Filter) promotionalPhrase(msg *mail.Message) string {
	text := strings.ToLower(msg.Subject + " " + helpers.Snippet(msg.BodyText, snippetLength))
	for _, phrase := range f.phrases {
		if strings.Contains(text, phrase) {
			return phrase
		}
	}
	return ""
}
