package processors

import (
	"sort"
	"strings"

	"github.com/samruddhi/portfolio-sync/backend/src/models"
)

// ResetPolicy decides whether a batch is a full restatement whose units
// replace, rather than add to, the stored balances.
type ResetPolicy struct {
	markers             []string
	requireConfirmation bool
}

func NewResetPolicy(markers []string, requireConfirmation bool) *ResetPolicy {
	p := &ResetPolicy{requireConfirmation: requireConfirmation}
	for _, m := range markers {
		if m = strings.ToUpper(strings.TrimSpace(m)); m != "" {
			p.markers = append(p.markers, m)
		}
	}
	return p
}

// Detect reports whether filename carries a restatement marker.
func (p *ResetPolicy) Detect(filename string) bool {
	upper := strings.ToUpper(filename)
	for _, m := range p.markers {
		if strings.Contains(upper, m) {
			return true
		}
	}
	return false
}

// ResetDecision is the batch-level outcome of the policy.
type ResetDecision struct {
	Apply bool
	// Skipped is set when a marker was found but confirmation was required
	// and missing; the batch then merges as deltas.
	Skipped bool
	Reason  string
}

// Decide combines marker detection with the caller's explicit flags.
func (p *ResetPolicy) Decide(detected, confirmed, forced bool) ResetDecision {
	switch {
	case forced:
		return ResetDecision{Apply: true, Reason: "reset forced by request"}
	case !detected:
		return ResetDecision{}
	case p.requireConfirmation && !confirmed:
		return ResetDecision{Skipped: true, Reason: "restatement marker found but reset was not confirmed; merged as deltas"}
	default:
		return ResetDecision{Apply: true, Reason: "restatement marker found in file name"}
	}
}

// BatchIdentifiers returns the sorted union of identifiers in rows.
func BatchIdentifiers(rows []models.RawTransaction) []string {
	seen := make(map[string]struct{})
	for _, tx := range rows {
		if tx.Identifier != "" {
			seen[tx.Identifier] = struct{}{}
		}
	}
	out := make([]string, 0, len(seen))
	for id := range seen {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}
