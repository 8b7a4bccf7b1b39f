package lifecycle

import (
	"fmt"
	"time"

	"github.com/quillmail/quill/pkg/metrics"
)

// ErrInvalidTransition is wrapped by Transition when the requested edge does
// not exist in the state machine.
var ErrInvalidTransition = fmt.Errorf("invalid draft transition")

// transitions is the full edge set of the draft state machine. Terminal
// states have no outgoing edges.
var transitions = map[Status][]Status{
	StatusPending:  {StatusDrafting},
	StatusDrafting: {StatusScoring, StatusFailed},
	StatusScoring:  {StatusReview, StatusApproved, StatusFailed},
	StatusReview:   {StatusApproved, StatusRejected},
	StatusApproved: {StatusSent, StatusFailed},
}

// CanTransition reports whether the edge from -> to exists.
func CanTransition(from, to Status) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Transition moves the draft to the given status, appending note to the
// reasoning trail and bumping UpdatedAt. The caller persists the draft
// afterwards; Transition itself only mutates in memory.
func Transition(d *Draft, to Status, note string) error {
	if !CanTransition(d.Status, to) {
		return fmt.Errorf("%w: %s -> %s (draft %s)", ErrInvalidTransition, d.Status, to, d.ID)
	}

	from := d.Status
	d.Status = to
	d.UpdatedAt = time.Now().UTC()
	if to == StatusSent {
		now := d.UpdatedAt
		d.SentAt = &now
	}

	if note != "" {
		d.AppendReasoning("%s -> %s: %s", from, to, note)
	} else {
		d.AppendReasoning("%s -> %s", from, to)
	}

	metrics.DraftTransitions.WithLabelValues(string(from), string(to)).Inc()
	if to.IsTerminal() {
		metrics.DraftsTerminal.WithLabelValues(string(to)).Inc()
	}

	return nil
}
