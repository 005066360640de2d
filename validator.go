package turnflow

import "fmt"

// DefaultMinConfidence is the confidence a validator rule needs to flip the
// synthesis flag.
const DefaultMinConfidence = 0.6

// Verdict is the outcome of SynthesisValidator.Validate.
type Verdict struct {
	// ShouldForce is the final synthesis flag after the override.
	ShouldForce bool
	Reason      string
	Confidence  float64
	// Rule names the winning rule, empty when none fired.
	Rule string
}

// Flipped reports whether the verdict overrode the original flag.
func (v Verdict) Flipped(original bool) bool { return v.ShouldForce != original }

var (
	analysisWording = RuleSet{
		NewRule("compare", `\bcompar(e|es|ed|ing|ison|isons)\b`, LabelAnalysis, 1),
		NewRule("analyze", `\b(analy[sz]e|analysis|evaluate|assess|insights?|synthesi[sz]e|summari[sz]e|review)\b`, LabelAnalysis, 1),
		NewRule("contrast", `\b(contrast|versus|vs\.?)\b`, LabelAnalysis, 1),
	}
	relationshipRules = RuleSet{
		NewRule("relationship_between", `\b(relationship|connection|link|correlation)\s+between\b`, LabelRelationship, 0.75),
		NewRule("relate_to", `\bhow\s+(does|do|did)\b.*\b(relate|connect|affect|impact|influence)\b`, LabelRelationship, 0.75),
		NewRule("impact_on", `\b(impact|effect|influence)\s+of\b.*\bon\b`, LabelRelationship, 0.75),
	}
)

// validatorCheck is one independent rule of the validator.
type validatorCheck struct {
	name       string
	confidence float64
	fire       func(query string, items int, hints PlanHints) (string, bool)
}

var validatorChecks = []validatorCheck{
	{"multi_item_analysis", 0.9, func(q string, items int, _ PlanHints) (string, bool) {
		if items >= 2 && analysisWording.Any(q) {
			return fmt.Sprintf("%d retrieved items with analysis wording", items), true
		}
		return "", false
	}},
	{"strong_comparative", 0.85, func(q string, _ int, _ PlanHints) (string, bool) {
		if m, ok := comparisonRules.Best(q); ok && m.Weight >= 0.85 {
			return "strong comparative phrasing (" + m.Rule + ")", true
		}
		return "", false
	}},
	{"retrieval_plan", 0.8, func(_ string, _ int, h PlanHints) (string, bool) {
		switch {
		case h.RequiresSynthesis:
			return "retrieval plan requires synthesis", true
		case h.ExpectedSources >= 2:
			return fmt.Sprintf("retrieval plan expects %d sources", h.ExpectedSources), true
		case h.Strategy == "comparative" || h.Strategy == "multi_source" || h.Strategy == "analytical":
			return "retrieval plan strategy " + h.Strategy, true
		}
		return "", false
	}},
	{"relationship", 0.75, func(q string, _ int, _ PlanHints) (string, bool) {
		if m, ok := relationshipRules.Best(q); ok {
			return "relationship phrasing (" + m.Rule + ")", true
		}
		return "", false
	}},
	{"moderate_comparative", 0.7, func(q string, items int, _ PlanHints) (string, bool) {
		if items < 2 {
			return "", false
		}
		if m, ok := comparisonRules.Best(q); ok && m.Weight < 0.85 {
			return fmt.Sprintf("moderate comparative phrasing (%s) over %d items", m.Rule, items), true
		}
		return "", false
	}},
}

// SynthesisValidator is an explainable override on the synthesis flag. Every
// check runs independently; the highest-confidence one wins.
type SynthesisValidator struct {
	MinConfidence float64
}

// NewSynthesisValidator returns a validator; minConfidence <= 0 uses DefaultMinConfidence.
func NewSynthesisValidator(minConfidence float64) *SynthesisValidator {
	if minConfidence <= 0 {
		minConfidence = DefaultMinConfidence
	}
	return &SynthesisValidator{MinConfidence: minConfidence}
}

// Validate returns the synthesis verdict for query given how many items were
// retrieved, the upstream plan hints and the current flag.
func (v *SynthesisValidator) Validate(query string, items int, hints PlanHints, current bool) Verdict {
	var best Verdict
	for _, c := range validatorChecks {
		reason, ok := c.fire(query, items, hints)
		if ok && c.confidence > best.Confidence {
			best = Verdict{Reason: reason, Confidence: c.confidence, Rule: c.name}
		}
	}
	switch {
	case best.Rule == "":
		best.ShouldForce = current
		best.Reason = "no rule fired"
	case best.Confidence >= v.MinConfidence:
		best.ShouldForce = true
	default:
		best.ShouldForce = current
		best.Reason += " (below confidence threshold)"
	}
	return best
}
