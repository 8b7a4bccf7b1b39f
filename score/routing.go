package score

import "github.com/quillmail/quill/lifecycle"

// Decide maps a confidence value and risk level to a routing decision. It is
// a pure function so the gate can be tested without any I/O.
//
//	value >= autoThreshold and risk low      -> auto-send
//	value >= manualThreshold, risk not critical -> queue for review
//	otherwise, or risk critical              -> flag, auto-send forbidden
func Decide(value float64, risk lifecycle.RiskLevel, autoThreshold, manualThreshold float64) lifecycle.Decision {
	if risk == lifecycle.RiskCritical {
		return lifecycle.DecisionFlag
	}
	if value >= autoThreshold && risk == lifecycle.RiskLow {
		return lifecycle.DecisionAutoSend
	}
	if value >= manualThreshold {
		return lifecycle.DecisionQueue
	}
	return lifecycle.DecisionFlag
}
