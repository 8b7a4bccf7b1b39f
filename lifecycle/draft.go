// Package lifecycle owns the draft model, its state machine, and the manager
// that sequences intake, generation, scoring, and delivery for each draft.
package lifecycle

import (
	"fmt"
	"time"
)

// Status is a draft's state-machine position.
type Status string

const (
	StatusPending  Status = "pending"
	StatusDrafting Status = "drafting"
	StatusScoring  Status = "scoring"
	StatusReview   Status = "review"
	StatusApproved Status = "approved"
	StatusSent     Status = "sent"
	StatusRejected Status = "rejected"
	StatusFailed   Status = "failed"
)

// IsTerminal reports whether no further transitions are possible.
func (s Status) IsTerminal() bool {
	switch s {
	case StatusSent, StatusRejected, StatusFailed:
		return true
	}
	return false
}

// IsValid reports whether s is a known status.
func (s Status) IsValid() bool {
	switch s {
	case StatusPending, StatusDrafting, StatusScoring, StatusReview,
		StatusApproved, StatusSent, StatusRejected, StatusFailed:
		return true
	}
	return false
}

// RiskLevel is the ordered severity classification used to gate automatic
// sending: low < medium < high < critical.
type RiskLevel string

const (
	RiskLow      RiskLevel = "low"
	RiskMedium   RiskLevel = "medium"
	RiskHigh     RiskLevel = "high"
	RiskCritical RiskLevel = "critical"
)

// Rank returns the ordering position of the level; unknown levels rank as
// critical so a corrupted value can never loosen the gate.
func (r RiskLevel) Rank() int {
	switch r {
	case RiskLow:
		return 0
	case RiskMedium:
		return 1
	case RiskHigh:
		return 2
	default:
		return 3
	}
}

// AtLeast reports whether r is at least as severe as other.
func (r RiskLevel) AtLeast(other RiskLevel) bool {
	return r.Rank() >= other.Rank()
}

// Max returns the more severe of the two levels.
func (r RiskLevel) Max(other RiskLevel) RiskLevel {
	if other.Rank() > r.Rank() {
		return other
	}
	return r
}

// Decision is the scorer's routing outcome for a draft.
type Decision string

const (
	// DecisionAutoSend releases the draft without human review.
	DecisionAutoSend Decision = "auto_send"
	// DecisionQueue places the draft in the review queue.
	DecisionQueue Decision = "manual_review"
	// DecisionFlag places the draft in review with auto-send forbidden.
	DecisionFlag Decision = "escalate"
)

// ScoreResult is what the confidence scorer produces for one draft.
type ScoreResult struct {
	// Value is the weighted composite confidence in [0,1].
	Value float64
	// Risk is the outcome of the risk pattern scan.
	Risk RiskLevel
	// Factors holds each factor's individual score in [0,1], keyed by name.
	Factors map[string]float64
	// Reasoning holds one human-readable line per factor plus one per
	// triggered risk category, in evaluation order.
	Reasoning []string
	// Decision is the routing outcome of (Value, Risk).
	Decision Decision
}

// Draft is the central mutable entity: one generated reply moving through the
// state machine. It is owned exclusively by the Manager and mutated only
// through transitions.
type Draft struct {
	ID            string
	MessageID     string
	GeneratedText string
	Tone          string
	Confidence    float64
	Risk          RiskLevel
	Status        Status
	AutoSend      bool
	Reasoning     []string
	CreatedAt     time.Time
	UpdatedAt     time.Time
	SentAt        *time.Time
}

// NewDraft returns a pending draft for the given source message.
func NewDraft(id, messageID, tone string) *Draft {
	now := time.Now().UTC()
	return &Draft{
		ID:        id,
		MessageID: messageID,
		Tone:      tone,
		Risk:      RiskLow,
		Status:    StatusPending,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// AppendReasoning adds a timestamped line to the audit trail.
func (d *Draft) AppendReasoning(format string, args ...any) {
	line := fmt.Sprintf(format, args...)
	d.Reasoning = append(d.Reasoning, fmt.Sprintf("[%s] %s", time.Now().UTC().Format(time.RFC3339), line))
}
