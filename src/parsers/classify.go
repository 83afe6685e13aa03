package parsers

import (
	"strings"

	"github.com/samruddhi/portfolio-sync/backend/src/models"
	"github.com/samruddhi/portfolio-sync/backend/src/security/validation"
)

// Classifier maps a ledger description to an Action with case-insensitive
// keyword matching. Exclusion keywords win over everything else.
type Classifier struct {
	credit, debit, exclude []string
}

func NewClassifier(credit, debit, exclude []string) Classifier {
	return Classifier{credit: upperAll(credit), debit: upperAll(debit), exclude: upperAll(exclude)}
}

func upperAll(in []string) []string {
	out := make([]string, 0, len(in))
	for _, k := range in {
		if k = strings.ToUpper(validation.CollapseWhitespace(k)); k != "" {
			out = append(out, k)
		}
	}
	return out
}

func containsAny(s string, keywords []string) bool {
	for _, k := range keywords {
		if strings.Contains(s, k) {
			return true
		}
	}
	return false
}

// Classify returns the action for desc. excluded is true when the row must be
// dropped entirely.
func (c Classifier) Classify(desc string) (action models.Action, excluded bool) {
	s := strings.ToUpper(validation.CollapseWhitespace(desc))
	switch {
	case containsAny(s, c.exclude):
		return models.ActionUnknown, true
	case containsAny(s, c.credit):
		return models.ActionAdd, false
	case containsAny(s, c.debit):
		return models.ActionDeduct, false
	default:
		return models.ActionUnknown, false
	}
}
