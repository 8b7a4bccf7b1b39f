package score

import (
	"context"
	"fmt"
	"strings"

	"github.com/quillmail/quill/config"
	"github.com/quillmail/quill/index"
	"github.com/quillmail/quill/lifecycle"
	"github.com/quillmail/quill/mail"
	"github.com/quillmail/quill/pkg/metrics"
)

// HistoryProvider answers how much past correspondence exists with a sender.
type HistoryProvider interface {
	SenderHistory(ctx context.Context, sender string) (incoming, outgoing int, err error)
}

// Scorer computes the weighted confidence score and risk level for a draft.
// It is immutable after construction and safe for concurrent use.
type Scorer struct {
	weights         config.ScoringWeights
	autoThreshold   float64
	manualThreshold float64
	lengthMin       int
	lengthMax       int
	scanner         *riskScanner
	history         HistoryProvider
}

func NewScorer(cfg *config.ScoringConfig, history HistoryProvider) *Scorer {
	min, max := cfg.GetLengthBand()
	return &Scorer{
		weights:         cfg.GetWeights(),
		autoThreshold:   cfg.GetAutoSendThreshold(),
		manualThreshold: cfg.GetManualReviewThreshold(),
		lengthMin:       min,
		lengthMax:       max,
		scanner:         newRiskScanner(cfg),
		history:         history,
	}
}

// Score evaluates a generated draft against its inbound message and the
// retrieved context, returning the composite confidence, the risk level, and
// the routing decision.
func (s *Scorer) Score(ctx context.Context, msg *mail.Message, draftText, toneID string, contextRecords []index.SearchResult) (*lifecycle.ScoreResult, error) {
	var reasoning []string

	familiarity, reason, err := s.scoreSenderFamiliarity(ctx, msg.Sender)
	if err != nil {
		return nil, err
	}
	reasoning = append(reasoning, reason)

	length, reason := s.scoreResponseLength(draftText)
	reasoning = append(reasoning, reason)

	tone, reason := s.scoreToneMatch(msg, draftText, toneID)
	reasoning = append(reasoning, reason)

	relevance, reason := s.scoreContextRelevance(contextRecords)
	reasoning = append(reasoning, reason)

	scan := s.scanner.scan(draftText, msg.Subject, msg.BodyText)
	risk := s.riskLevel(scan)
	safety, reason := scoreContentSafety(risk)
	reasoning = append(reasoning, reason)

	for _, category := range scan.categories {
		reasoning = append(reasoning, fmt.Sprintf("risk: %s patterns matched", category))
	}
	if scan.maxAmount > s.scanner.monetaryThreshold && len(scan.categories) > 0 {
		reasoning = append(reasoning, fmt.Sprintf("risk: monetary amount $%.2f exceeds threshold", scan.maxAmount))
	}

	factors := map[string]float64{
		"sender_familiarity": familiarity,
		"response_length":    length,
		"tone_match":         tone,
		"context_relevance":  relevance,
		"content_safety":     safety,
	}

	value := familiarity*s.weights.SenderFamiliarity +
		length*s.weights.ResponseLength +
		tone*s.weights.ToneMatch +
		relevance*s.weights.ContextRelevance +
		safety*s.weights.ContentSafety
	value = clamp01(value)

	decision := Decide(value, risk, s.autoThreshold, s.manualThreshold)

	metrics.ConfidenceScore.Observe(value)
	metrics.RiskLevels.WithLabelValues(string(risk)).Inc()
	metrics.RoutingDecisions.WithLabelValues(string(decision)).Inc()

	return &lifecycle.ScoreResult{
		Value:     value,
		Risk:      risk,
		Factors:   factors,
		Reasoning: reasoning,
		Decision:  decision,
	}, nil
}

// riskLevel applies the escalation rules to a scan: any financial, legal, or
// sensitive match is at least high; any two categories at once, or a monetary
// amount above the threshold alongside any match, is critical; urgent-only
// is medium.
func (s *Scorer) riskLevel(scan scanResult) lifecycle.RiskLevel {
	if len(scan.categories) >= 2 {
		return lifecycle.RiskCritical
	}
	if len(scan.categories) > 0 && scan.maxAmount > s.scanner.monetaryThreshold {
		return lifecycle.RiskCritical
	}
	if scan.severeCount() == 1 {
		return lifecycle.RiskHigh
	}
	if scan.has(CategoryUrgent) {
		return lifecycle.RiskMedium
	}
	return lifecycle.RiskLow
}

func (s *Scorer) scoreSenderFamiliarity(ctx context.Context, sender string) (float64, string, error) {
	if s.history == nil {
		return 0.4, "sender_familiarity: no history source, default score", nil
	}

	incoming, outgoing, err := s.history.SenderHistory(ctx, sender)
	if err != nil {
		return 0, "", fmt.Errorf("sender history for %s: %w", sender, err)
	}

	switch {
	case incoming == 0 && outgoing == 0:
		return 0.0, "sender_familiarity: first-contact sender", nil
	case incoming > 0 && outgoing > 0 && incoming+outgoing > 5:
		return 1.0, fmt.Sprintf("sender_familiarity: extensive bidirectional history (%d messages)", incoming+outgoing), nil
	case incoming > 0 && outgoing > 0:
		return 0.8, fmt.Sprintf("sender_familiarity: bidirectional history (%d messages)", incoming+outgoing), nil
	default:
		return 0.4, fmt.Sprintf("sender_familiarity: one-way history (%d messages)", incoming+outgoing), nil
	}
}

func (s *Scorer) scoreResponseLength(text string) (float64, string) {
	length := len(strings.TrimSpace(text))

	switch {
	case length == 0:
		return 0.0, "response_length: empty draft"
	case length < s.lengthMin:
		score := float64(length) / float64(s.lengthMin)
		return score, fmt.Sprintf("response_length: too short (%d chars, band %d-%d)", length, s.lengthMin, s.lengthMax)
	case length <= s.lengthMax:
		return 1.0, fmt.Sprintf("response_length: within band (%d chars)", length)
	default:
		// Decay toward a floor as the draft grows past the band.
		over := float64(length-s.lengthMax) / float64(s.lengthMax)
		score := 1.0 - over*0.7
		if score < 0.3 {
			score = 0.3
		}
		return score, fmt.Sprintf("response_length: too long (%d chars, band %d-%d)", length, s.lengthMin, s.lengthMax)
	}
}

var formalMarkers = []string{"please", "thank you", "regards", "sincerely", "best"}
var informalMarkers = []string{"hey", "cool", "awesome", "thanks", "cheers"}

func (s *Scorer) scoreToneMatch(msg *mail.Message, draftText, toneID string) (float64, string) {
	inbound := strings.ToLower(msg.Subject + " " + msg.BodyText)
	if strings.TrimSpace(inbound) == "" || draftText == "" {
		return 0.5, "tone_match: insufficient text to compare"
	}

	formal := countMarkers(inbound, formalMarkers)
	informal := countMarkers(inbound, informalMarkers)

	switch {
	case formal > informal && toneID == "formal":
		return 0.9, "tone_match: formal message, formal tone"
	case informal > formal && toneID == "casual":
		return 0.9, "tone_match: informal message, casual tone"
	case formal > informal && toneID == "casual":
		return 0.4, "tone_match: formal message but casual tone requested"
	case informal > formal && toneID == "formal":
		return 0.4, "tone_match: informal message but formal tone requested"
	case formal != informal:
		return 0.8, "tone_match: register matched"
	default:
		return 0.7, "tone_match: neutral register"
	}
}

func (s *Scorer) scoreContextRelevance(records []index.SearchResult) (float64, string) {
	if len(records) == 0 {
		return 0.2, "context_relevance: no retrieved context"
	}

	// Distance is in [0,2]; map the mean to a similarity in [0,1].
	var sum float64
	for _, r := range records {
		sum += 1.0 - r.Distance/2.0
	}
	score := clamp01(sum / float64(len(records)))
	return score, fmt.Sprintf("context_relevance: %d records, mean similarity %.2f", len(records), score)
}

func scoreContentSafety(risk lifecycle.RiskLevel) (float64, string) {
	var score float64
	switch risk {
	case lifecycle.RiskLow:
		score = 1.0
	case lifecycle.RiskMedium:
		score = 0.7
	case lifecycle.RiskHigh:
		score = 0.4
	default:
		score = 0.0
	}
	return score, fmt.Sprintf("content_safety: %s risk", risk)
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

func countMarkers(text string, markers []string) int {
	n := 0
	for _, m := range markers {
		if strings.Contains(text, m) {
			n++
		}
	}
	return n
}
