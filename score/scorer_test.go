package score

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quillmail/quill/config"
	"github.com/quillmail/quill/index"
	"github.com/quillmail/quill/lifecycle"
	"github.com/quillmail/quill/mail"
)

type fakeHistory struct {
	incoming int
	outgoing int
}

func (f *fakeHistory) SenderHistory(context.Context, string) (int, int, error) {
	return f.incoming, f.outgoing, nil
}

func message(sender, subject, body string) *mail.Message {
	return &mail.Message{
		ID:         "m1",
		Sender:     sender,
		Subject:    subject,
		BodyText:   body,
		ReceivedAt: time.Now(),
	}
}

func closeContext() []index.SearchResult {
	return []index.SearchResult{
		{Record: index.CorrespondenceRecord{BodyText: "past thread"}, Distance: 0.1},
		{Record: index.CorrespondenceRecord{BodyText: "another"}, Distance: 0.2},
	}
}

func newScorer(history HistoryProvider) *Scorer {
	return NewScorer(&config.ScoringConfig{}, history)
}

func TestScoreFactorsStayInRange(t *testing.T) {
	scorer := newScorer(&fakeHistory{incoming: 4, outgoing: 4})

	result, err := scorer.Score(context.Background(),
		message("alice@example.com", "hey", "Can we reschedule to Thursday?"),
		"Sure, Thursday works great for me. See you then!",
		"casual", closeContext())
	require.NoError(t, err)

	assert.GreaterOrEqual(t, result.Value, 0.0)
	assert.LessOrEqual(t, result.Value, 1.0)
	require.Len(t, result.Factors, 5)
	for name, factor := range result.Factors {
		assert.GreaterOrEqual(t, factor, 0.0, name)
		assert.LessOrEqual(t, factor, 1.0, name)
	}
}

func TestScoreKnownSenderCasualRescheduleAutoSends(t *testing.T) {
	scorer := newScorer(&fakeHistory{incoming: 10, outgoing: 10})

	result, err := scorer.Score(context.Background(),
		message("alice@example.com", "hey, quick thing", "Thanks! Can we reschedule to Thursday?"),
		"Sure, Thursday works for me. Same time? Looking forward to it, let me know if anything changes.",
		"casual", closeContext())
	require.NoError(t, err)

	assert.Equal(t, lifecycle.RiskLow, result.Risk)
	assert.GreaterOrEqual(t, result.Value, 0.9)
	assert.Equal(t, lifecycle.DecisionAutoSend, result.Decision)
}

func TestScoreWireTransferIsNeverAutoSend(t *testing.T) {
	scorer := newScorer(&fakeHistory{incoming: 10, outgoing: 10})

	result, err := scorer.Score(context.Background(),
		message("alice@example.com", "funds", "please wire $50,000 to account ending 4821"),
		"Of course, I will arrange the wire transfer right away.",
		"formal", closeContext())
	require.NoError(t, err)

	assert.True(t, result.Risk.AtLeast(lifecycle.RiskHigh))
	assert.NotEqual(t, lifecycle.DecisionAutoSend, result.Decision)
}

func TestScoreBareWireRequestIsNeverAutoSend(t *testing.T) {
	scorer := newScorer(&fakeHistory{incoming: 10, outgoing: 10})

	result, err := scorer.Score(context.Background(),
		message("alice@example.com", "funds", "please wire $50,000 to account ending 4821"),
		"Let me confirm with you in person before I act on this.",
		"formal", closeContext())
	require.NoError(t, err)

	assert.True(t, result.Risk.AtLeast(lifecycle.RiskHigh))
	assert.NotEqual(t, lifecycle.DecisionAutoSend, result.Decision)
}

func TestScoreFinancialPlusUrgentIsCritical(t *testing.T) {
	scorer := newScorer(&fakeHistory{})

	result, err := scorer.Score(context.Background(),
		message("alice@example.com", "overdue", "the payment is overdue, handle it immediately"),
		"I will take care of it first thing tomorrow.",
		"formal", nil)
	require.NoError(t, err)

	assert.Equal(t, lifecycle.RiskCritical, result.Risk)
	assert.Equal(t, lifecycle.DecisionFlag, result.Decision)
}

func TestScoreMonetaryAmountEscalatesToCritical(t *testing.T) {
	scorer := newScorer(&fakeHistory{})

	result, err := scorer.Score(context.Background(),
		message("alice@example.com", "funds", "please wire $50,000 today"),
		"I will send the wire transfer.",
		"formal", nil)
	require.NoError(t, err)

	assert.Equal(t, lifecycle.RiskCritical, result.Risk)
	assert.Equal(t, lifecycle.DecisionFlag, result.Decision)
}

func TestScoreSmallAmountStaysHigh(t *testing.T) {
	scorer := newScorer(&fakeHistory{})

	result, err := scorer.Score(context.Background(),
		message("alice@example.com", "invoice", "the payment of $120 is due"),
		"I have scheduled the payment.",
		"formal", nil)
	require.NoError(t, err)

	assert.Equal(t, lifecycle.RiskHigh, result.Risk)
}

func TestScoreTwoCategoriesEscalateToCritical(t *testing.T) {
	scorer := newScorer(&fakeHistory{})

	result, err := scorer.Score(context.Background(),
		message("alice@example.com", "matter", "our attorney needs the bank transfer details"),
		"I will ask our lawyer about the payment.",
		"formal", nil)
	require.NoError(t, err)

	assert.Equal(t, lifecycle.RiskCritical, result.Risk)
}

func TestScoreUrgentOnlyIsMedium(t *testing.T) {
	scorer := newScorer(&fakeHistory{})

	result, err := scorer.Score(context.Background(),
		message("alice@example.com", "deadline", "need this asap, the deadline is tomorrow"),
		"On it, I will have it done today.",
		"casual", nil)
	require.NoError(t, err)

	assert.Equal(t, lifecycle.RiskMedium, result.Risk)
	assert.NotEqual(t, lifecycle.DecisionAutoSend, result.Decision)
}

func TestScoreNoMatchesIsLow(t *testing.T) {
	scorer := newScorer(&fakeHistory{incoming: 2, outgoing: 2})

	result, err := scorer.Score(context.Background(),
		message("alice@example.com", "lunch", "how about lunch on Friday?"),
		"Friday lunch sounds great, where were you thinking? I know a good spot near the office.",
		"casual", nil)
	require.NoError(t, err)

	assert.Equal(t, lifecycle.RiskLow, result.Risk)
}

func TestScoreShortDraftPullsValueDown(t *testing.T) {
	scorer := newScorer(&fakeHistory{incoming: 5, outgoing: 5})
	msg := message("alice@example.com", "hello", "quick question for you")

	short, err := scorer.Score(context.Background(), msg, "Yes.", "casual", closeContext())
	require.NoError(t, err)

	normal, err := scorer.Score(context.Background(), msg,
		strings.Repeat("A perfectly reasonable reply. ", 5), "casual", closeContext())
	require.NoError(t, err)

	assert.Less(t, short.Factors["response_length"], 0.2)
	assert.Equal(t, 1.0, normal.Factors["response_length"])
	assert.Less(t, short.Value, normal.Value)
}

func TestScoreFirstContactSenderScoresZeroFamiliarity(t *testing.T) {
	scorer := newScorer(&fakeHistory{})

	result, err := scorer.Score(context.Background(),
		message("stranger@example.com", "intro", "hello there"),
		"Nice to meet you, thanks for reaching out. Happy to chat whenever works for you.",
		"casual", nil)
	require.NoError(t, err)

	assert.Equal(t, 0.0, result.Factors["sender_familiarity"])
}

func TestScoreReasoningCoversFactorsAndCategories(t *testing.T) {
	scorer := newScorer(&fakeHistory{incoming: 1, outgoing: 1})

	result, err := scorer.Score(context.Background(),
		message("alice@example.com", "contract", "please review the contract"),
		"I have reviewed the contract and the liability clause looks fine.",
		"formal", nil)
	require.NoError(t, err)

	// One line per factor, plus one for the triggered legal category.
	assert.GreaterOrEqual(t, len(result.Reasoning), 6)
	joined := strings.Join(result.Reasoning, "\n")
	assert.Contains(t, joined, "sender_familiarity")
	assert.Contains(t, joined, "response_length")
	assert.Contains(t, joined, "tone_match")
	assert.Contains(t, joined, "context_relevance")
	assert.Contains(t, joined, "content_safety")
	assert.Contains(t, joined, "legal")
}

func TestDecideTable(t *testing.T) {
	tests := []struct {
		name  string
		value float64
		risk  lifecycle.RiskLevel
		want  lifecycle.Decision
	}{
		{"high value low risk auto-sends", 0.95, lifecycle.RiskLow, lifecycle.DecisionAutoSend},
		{"threshold exactly auto-sends", 0.9, lifecycle.RiskLow, lifecycle.DecisionAutoSend},
		{"high value medium risk queues", 0.95, lifecycle.RiskMedium, lifecycle.DecisionQueue},
		{"mid value queues", 0.6, lifecycle.RiskLow, lifecycle.DecisionQueue},
		{"mid value high risk queues", 0.6, lifecycle.RiskHigh, lifecycle.DecisionQueue},
		{"low value flags", 0.3, lifecycle.RiskLow, lifecycle.DecisionFlag},
		{"critical always flags", 0.99, lifecycle.RiskCritical, lifecycle.DecisionFlag},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got := Decide(tc.value, tc.risk, 0.9, 0.5)
			assert.Equal(t, tc.want, got)
		})
	}
}

func TestRiskScannerConfigExtras(t *testing.T) {
	scorer := NewScorer(&config.ScoringConfig{
		SensitivePatterns: []string{`\bproject\s*phoenix\b`},
	}, &fakeHistory{})

	result, err := scorer.Score(context.Background(),
		message("alice@example.com", "status", "any update on Project Phoenix?"),
		"Project Phoenix is on track for the next milestone, happy to walk you through details.",
		"formal", nil)
	require.NoError(t, err)

	assert.Equal(t, lifecycle.RiskHigh, result.Risk)
}
