// Package score evaluates generated drafts: five weighted confidence
// factors, a risk pattern scan, and the pure routing decision that gates
// automatic sending.
package score

import (
	"regexp"
	"strconv"
	"strings"

	"github.com/quillmail/quill/config"
)

// Risk categories, in scan order.
const (
	CategoryFinancial = "financial"
	CategoryLegal     = "legal"
	CategorySensitive = "sensitive"
	CategoryUrgent    = "urgent"
)

var defaultFinancialPatterns = []string{
	`\bbank\s*(account|transfer)\b`,
	`\bwire\s*transfer\b`,
	`\bpayment\b`,
	`\bcredit\s*card\b`,
	`\bwire\s*money\b`,
	`\bsend\s*money\b`,
	`\bbitcoin\b`,
	`\bcrypto\b`,
	// Bare move-money verbs count when a dollar amount appears in the
	// same sentence ("please wire $50,000 to account ending 4821").
	`\b(wire|transfer|send)\b[^.!?\n]{0,80}\$\s*[0-9]`,
	`\$\s*[0-9][0-9,.]*[^.!?\n]{0,80}\b(wire|transfer|send)\b`,
}

var defaultLegalPatterns = []string{
	`\bcontract\b`,
	`\blawsuit\b`,
	`\bsue\b`,
	`\battorney\b`,
	`\blawyer\b`,
	`\blegal\s*action\b`,
	`\bnda\b`,
	`\bsettlement\b`,
	`\bliability\b`,
}

var defaultSensitivePatterns = []string{
	`\bpassword\b`,
	`\bpasscode\b`,
	`\bpin\b`,
	`\bssn\b`,
	`\bsocial\s*security\b`,
	`\bconfidential\b`,
	`\bmedical\b`,
	`\bdiagnosis\b`,
	`\bpatient\b`,
}

var defaultUrgentPatterns = []string{
	`\bimmediately\b`,
	`\burgent\b`,
	`\basap\b`,
	`\bemergency\b`,
	`\bright\s*now\b`,
	`\bdeadline\b`,
	`\btime\s*sensitive\b`,
}

// monetaryRE matches dollar amounts such as $50,000 or $1234.56.
var monetaryRE = regexp.MustCompile(`\$\s*([0-9][0-9,]*(?:\.[0-9]{1,2})?)`)

// patternSet holds the compiled patterns for one category.
type patternSet struct {
	category string
	patterns []*regexp.Regexp
}

func compileSet(category string, defaults, extras []string) patternSet {
	set := patternSet{category: category}
	for _, expr := range append(append([]string{}, defaults...), extras...) {
		set.patterns = append(set.patterns, regexp.MustCompile(`(?i)`+expr))
	}
	return set
}

func (s patternSet) matches(text string) bool {
	for _, re := range s.patterns {
		if re.MatchString(text) {
			return true
		}
	}
	return false
}

// riskScanner is the compiled, immutable pattern table, built once at
// startup from defaults plus config extras.
type riskScanner struct {
	sets              []patternSet
	monetaryThreshold float64
}

func newRiskScanner(cfg *config.ScoringConfig) *riskScanner {
	return &riskScanner{
		sets: []patternSet{
			compileSet(CategoryFinancial, defaultFinancialPatterns, cfg.FinancialPatterns),
			compileSet(CategoryLegal, defaultLegalPatterns, cfg.LegalPatterns),
			compileSet(CategorySensitive, defaultSensitivePatterns, cfg.SensitivePatterns),
			compileSet(CategoryUrgent, defaultUrgentPatterns, cfg.UrgentPatterns),
		},
		monetaryThreshold: cfg.GetMonetaryThreshold(),
	}
}

// scanResult reports the triggered categories and the largest monetary
// amount seen across the scanned texts.
type scanResult struct {
	categories []string
	maxAmount  float64
}

func (r scanResult) has(category string) bool {
	for _, c := range r.categories {
		if c == category {
			return true
		}
	}
	return false
}

// severeCount counts non-urgent category matches.
func (r scanResult) severeCount() int {
	n := 0
	for _, c := range r.categories {
		if c != CategoryUrgent {
			n++
		}
	}
	return n
}

// scan matches the draft text and the inbound message against every
// category.
func (s *riskScanner) scan(texts ...string) scanResult {
	var result scanResult

	combined := strings.Join(texts, "\n")
	for _, set := range s.sets {
		if set.matches(combined) {
			result.categories = append(result.categories, set.category)
		}
	}

	for _, m := range monetaryRE.FindAllStringSubmatch(combined, -1) {
		raw := strings.ReplaceAll(m[1], ",", "")
		if amount, err := strconv.ParseFloat(raw, 64); err == nil && amount > result.maxAmount {
			result.maxAmount = amount
		}
	}

	return result
}
