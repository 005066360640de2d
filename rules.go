package turnflow

import (
	"regexp"
	"strings"

	"golang.org/x/text/unicode/norm"
)

// Label is the class a Rule assigns to matching text.
type Label string

const (
	LabelComparison     Label = "comparison"
	LabelAnalysis       Label = "analysis"
	LabelReport         Label = "report"
	LabelRelationship   Label = "relationship"
	LabelListing        Label = "listing"
	LabelLookup         Label = "lookup"
	LabelConversational Label = "conversational"
	LabelToolTopic      Label = "tool_topic"
)

// Rule is one entry of a declarative classifier table.
type Rule struct {
	Name    string
	Pattern *regexp.Regexp
	Label   Label
	// Weight is the rule's confidence in [0, 1].
	Weight float64
}

// NewRule compiles pattern case-insensitively. It panics on an invalid
// pattern, so rule tables fail at package init.
func NewRule(name, pattern string, label Label, weight float64) Rule {
	return Rule{Name: name, Pattern: regexp.MustCompile(`(?i)` + pattern), Label: label, Weight: weight}
}

// Match is a triggered rule.
type Match struct {
	Rule   string
	Label  Label
	Weight float64
}

// RuleSet is a table of rules evaluated generically. Adding a classifier is
// adding a row.
type RuleSet []Rule

// Match returns every rule that fires on text, in table order.
func (rs RuleSet) Match(text string) []Match {
	text = normalizeText(text)
	var out []Match
	for _, r := range rs {
		if r.Pattern.MatchString(text) {
			out = append(out, Match{Rule: r.Name, Label: r.Label, Weight: r.Weight})
		}
	}
	return out
}

// Best returns the highest-weight match restricted to labels (all labels when
// none are given). Ties keep table order.
func (rs RuleSet) Best(text string, labels ...Label) (Match, bool) {
	var best Match
	found := false
	for _, m := range rs.Match(text) {
		if len(labels) > 0 && !hasLabel(labels, m.Label) {
			continue
		}
		if !found || m.Weight > best.Weight {
			best, found = m, true
		}
	}
	return best, found
}

// Any reports whether any rule with one of labels fires (any rule when none given).
func (rs RuleSet) Any(text string, labels ...Label) bool {
	_, ok := rs.Best(text, labels...)
	return ok
}

// Score sums the weights of firing rules per label.
func (rs RuleSet) Score(text string) map[Label]float64 {
	scores := make(map[Label]float64)
	for _, m := range rs.Match(text) {
		scores[m.Label] += m.Weight
	}
	return scores
}

func hasLabel(labels []Label, l Label) bool {
	for _, x := range labels {
		if x == l {
			return true
		}
	}
	return false
}

// normalizeText folds compatibility characters (full-width letters, ligatures)
// and collapses whitespace so patterns see plain text.
func normalizeText(s string) string {
	return strings.Join(strings.Fields(norm.NFKC.String(s)), " ")
}

// comparisonRules detect wording that asks to set items against each other.
var comparisonRules = RuleSet{
	NewRule("compare", `\bcompar(e|es|ed|ing|ison|isons)\b`, LabelComparison, 0.85),
	NewRule("versus", `\b(versus|vs\.?)\s`, LabelComparison, 0.85),
	NewRule("contrast", `\bcontrast\b`, LabelComparison, 0.85),
	NewRule("difference_between", `\bdifferen(ce|ces)\s+(between|in)\b`, LabelComparison, 0.85),
	NewRule("which_better", `\bwhich\b.*\b(better|best|worse|preferable)\b`, LabelComparison, 0.85),
	NewRule("similar_different", `\b(similar(ities)?|different|differ)\b`, LabelComparison, 0.7),
	NewRule("both_each", `\b(both|each of (the|these|those|them))\b`, LabelComparison, 0.7),
}
