package turnflow

// Depth is how much analysis a query asks for.
type Depth int

const (
	DepthUnknown Depth = iota
	// DepthShallow: simple lookup or listing; results can be presented as-is.
	DepthShallow
	// DepthDeep: comparison, analysis or report; results need synthesis.
	DepthDeep
)

func (d Depth) String() string {
	switch d {
	case DepthShallow:
		return "shallow"
	case DepthDeep:
		return "deep"
	default:
		return "unknown"
	}
}

// QueryIntent is the keyword-based classification of a human message.
type QueryIntent struct {
	Depth          Depth
	Listing        bool
	Lookup         bool
	Conversational bool
	// ToolTopic is set when the query mentions something only tools can reach
	// (files, drive, calendar, the web...).
	ToolTopic bool
	Matches   []Match
}

// WantsTools reports whether answering needs tool work.
func (q QueryIntent) WantsTools() bool {
	return q.Listing || q.ToolTopic || (q.Lookup && !q.Conversational)
}

// ListingOnly reports a pure enumeration request ("list my files").
func (q QueryIntent) ListingOnly() bool {
	return q.Listing && q.Depth != DepthDeep
}

var intentRules = RuleSet{
	NewRule("compare", `\bcompar(e|es|ed|ing|ison|isons)\b`, LabelComparison, 0.9),
	NewRule("versus", `\b(versus|vs\.?)\s`, LabelComparison, 0.9),
	NewRule("difference_between", `\bdifferen(ce|ces)\s+(between|in)\b`, LabelComparison, 0.9),
	NewRule("analysis", `\b(analy[sz]e|analysis|evaluate|assess(ment)?|insights?|trends?|implications?|pros and cons|in[- ]depth|comprehensive)\b`, LabelAnalysis, 0.8),
	NewRule("report", `\b(report|summari[sz]e|summary|overview|breakdown|synthesi[sz]e)\b`, LabelReport, 0.8),
	NewRule("relationship", `\b(relationship|relate[sd]?|correlat(e|es|ion)|connection)\s+(between|to|with)\b`, LabelRelationship, 0.75),
	NewRule("list_verb", `\b(list|enumerate)\b`, LabelListing, 0.9),
	NewRule("what_files", `\bwhat\s+(files|documents|docs|sheets|spreadsheets|presentations|slides|forms)\b`, LabelListing, 0.8),
	NewRule("available_items", `\b(available|all\s+(of\s+)?my)\s+(files|documents|docs|sheets|spreadsheets|presentations|forms)\b`, LabelListing, 0.8),
	NewRule("lookup_verb", `\b(find|search|look\s*up|get|open|read|fetch|show|check)\b`, LabelLookup, 0.6),
	NewRule("contents_of", `\b(contents?\s+of|what('s|\s+is)\s+in)\b`, LabelLookup, 0.7),
	NewRule("greeting", `^(hi|hello|hey|yo|thanks|thank you|good\s+(morning|afternoon|evening)|how are you|who are you|what can you do)\b`, LabelConversational, 0.9),
	NewRule("tool_topic", `\b(files?|documents?|docs?|drive|folders?|sheets?|spreadsheets?|slides?|presentations?|forms?|calendar|events?|emails?|inbox|tasks?|news|web|internet|online)\b`, LabelToolTopic, 0.6),
}

// ClassifyQuery labels a human message with the intent table.
func ClassifyQuery(q string) QueryIntent {
	in := QueryIntent{Matches: intentRules.Match(q)}
	deep := false
	for _, m := range in.Matches {
		switch m.Label {
		case LabelComparison, LabelAnalysis, LabelReport, LabelRelationship:
			deep = true
		case LabelListing:
			in.Listing = true
		case LabelLookup:
			in.Lookup = true
		case LabelConversational:
			in.Conversational = true
		case LabelToolTopic:
			in.ToolTopic = true
		}
	}
	switch {
	case deep:
		in.Depth = DepthDeep
	case in.Listing || in.Lookup:
		in.Depth = DepthShallow
	}
	if in.Conversational && (in.ToolTopic || in.Listing || deep) {
		in.Conversational = false
	}
	return in
}
