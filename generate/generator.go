package generate

import (
	"context"
	"fmt"
	"strings"

	"github.com/quillmail/quill/config"
	"github.com/quillmail/quill/helpers"
	"github.com/quillmail/quill/index"
	"github.com/quillmail/quill/logger"
	"github.com/quillmail/quill/mail"
)

// maxTokens estimates the completion budget from a target character length.
// Two characters per token is a deliberately generous estimate, with extra
// headroom so replies are not cut mid-sentence.
func maxTokens(targetLength int) int {
	return targetLength/2 + 50
}

// StyleSearcher is the slice of the context index the generator needs for
// style inference.
type StyleSearcher interface {
	SelfAuthored(ctx context.Context, limit int) ([]index.CorrespondenceRecord, error)
}

// Generator builds prompts and invokes the completion backend.
type Generator struct {
	completer     Completer
	tones         *ToneTable
	styles        StyleSearcher
	topK          int
	snippetBudget int
}

func NewGenerator(completer Completer, tones *ToneTable, styles StyleSearcher, cfg *config.IndexConfig) *Generator {
	return &Generator{
		completer:     completer,
		tones:         tones,
		styles:        styles,
		topK:          cfg.GetTopK(),
		snippetBudget: cfg.GetSnippetBudget(),
	}
}

// Result carries the generated text plus anything the caller must add to the
// draft's reasoning trail.
type Result struct {
	Text string
	// ToneUsed is the profile actually applied, after fallbacks.
	ToneUsed string
	// Notes are trail-worthy events such as tone or style fallbacks.
	Notes []string
}

// Generate produces a reply draft. An unknown tone id falls back to the
// default profile with a warning, never an error.
func (g *Generator) Generate(ctx context.Context, msg *mail.Message, toneID string, contextRecords []index.SearchResult) (*Result, error) {
	tone, known := g.tones.Lookup(toneID)
	result := &Result{ToneUsed: tone.ID}
	if !known {
		logger.Warn("unknown tone, using default", "requested", toneID, "default", tone.ID)
		result.Notes = append(result.Notes, fmt.Sprintf("unknown tone %q, fell back to %q", toneID, tone.ID))
	}

	system := tone.Instruction
	if tone.ID == "match-style" {
		style, fellBack, err := g.InferStyle(ctx)
		if err != nil {
			return nil, err
		}
		if fellBack {
			tone = g.mustTone("concise")
			result.ToneUsed = tone.ID
			system = tone.Instruction
			result.Notes = append(result.Notes, "no self-authored correspondence for style matching, fell back to concise tone")
		} else {
			system = tone.Instruction + " " + style
		}
	}

	prompt := g.buildPrompt(msg, contextRecords)

	text, err := g.completer.Complete(ctx, system, prompt, maxTokens(tone.TargetLength))
	if err != nil {
		return nil, err
	}

	result.Text = strings.TrimSpace(text)
	return result, nil
}

// buildPrompt assembles the three fixed segments: tone steering is carried
// separately as the system prompt, so the user prompt holds retrieved
// context then the inbound message.
func (g *Generator) buildPrompt(msg *mail.Message, contextRecords []index.SearchResult) string {
	var b strings.Builder

	if len(contextRecords) > 0 {
		b.WriteString("Relevant context from past correspondence:\n")
		n := len(contextRecords)
		if n > g.topK {
			n = g.topK
		}
		for i := 0; i < n; i++ {
			rec := contextRecords[i].Record
			snippet := helpers.Snippet(rec.BodyText, g.snippetBudget)
			fmt.Fprintf(&b, "\n%d. %s\n", i+1, snippet)
		}
		b.WriteString("\n")
	}

	b.WriteString("The following email was received:\n\n")
	fmt.Fprintf(&b, "From: %s\n", msg.Sender)
	fmt.Fprintf(&b, "Subject: %s\n\n", msg.Subject)
	b.WriteString(msg.BodyText)
	b.WriteString("\n\nWrite a reply to this email.")

	return b.String()
}

// InferStyle summarizes the user's own writing from self-authored
// correspondence. fellBack is true when none exists and the caller should use
// the concise profile instead.
func (g *Generator) InferStyle(ctx context.Context) (descriptor string, fellBack bool, err error) {
	recs, err := g.styles.SelfAuthored(ctx, 10)
	if err != nil {
		return "", false, fmt.Errorf("load self-authored correspondence: %w", err)
	}
	if len(recs) == 0 {
		return "", true, nil
	}

	total := 0
	for _, rec := range recs {
		total += len(rec.BodyText)
	}
	avg := total / len(recs)

	switch {
	case avg < 100:
		return "Your writing style tends to be brief and direct.", false, nil
	case avg < 200:
		return "Your writing style is moderate, conversational.", false, nil
	default:
		return "Your writing style tends to be detailed and elaborate.", false, nil
	}
}

func (g *Generator) mustTone(id string) ToneProfile {
	p, _ := g.tones.Lookup(id)
	return p
}
