package turnflow

import (
	"bytes"
	"encoding/json"
	"regexp"
	"sort"
	"strings"
	"unicode"

	"golang.org/x/text/cases"
	"golang.org/x/text/unicode/norm"
)

// Canonicalizer reduces decoded tool arguments to a stable string. Two calls
// of one tool with equal canonical strings are expected to return the same
// result for the duration of a run.
type Canonicalizer func(args map[string]any) string

// identityArgs identify the caller, not the request; they never change a result.
var identityArgs = map[string]bool{
	"user_google_email": true,
	"user_email":        true,
	"user_id":           true,
}

// ConstantKey collapses every call of a tool to one key. Used for
// "list available items" capabilities whose parameters only page or filter
// the same listing.
func ConstantKey() Canonicalizer {
	return func(map[string]any) string { return "*" }
}

// FieldsKey keys a call by the named argument values only.
func FieldsKey(fields ...string) Canonicalizer {
	return func(args map[string]any) string {
		parts := make([]string, 0, len(fields))
		for _, f := range fields {
			parts = append(parts, f+"="+scalarString(args[f]))
		}
		return strings.Join(parts, "&")
	}
}

// QueryKey keys a call by the normalized aspects of its query argument:
// case-folded, NFKC-normalized terms with stopwords dropped, deduplicated and
// sorted. Structured operator queries (name contains '...', mimeType = ...)
// are kept verbatim apart from whitespace and case.
func QueryKey(field string) Canonicalizer {
	return func(args map[string]any) string {
		return "q=" + NormalizeQuery(scalarString(args[field]))
	}
}

// FullArgs keys a call by all of its arguments in sorted-key JSON form,
// minus identity arguments and the extra names given.
func FullArgs(ignore ...string) Canonicalizer {
	skip := make(map[string]bool, len(ignore))
	for _, k := range ignore {
		skip[k] = true
	}
	return func(args map[string]any) string {
		filtered := make(map[string]any, len(args))
		for k, v := range args {
			if identityArgs[k] || skip[k] {
				continue
			}
			filtered[k] = v
		}
		// encoding/json sorts map keys.
		b, err := json.Marshal(filtered)
		if err != nil {
			return ""
		}
		return string(b)
	}
}

func canonicalize(c Canonicalizer, raw json.RawMessage) string {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 {
		return c(map[string]any{})
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var args map[string]any
	if err := dec.Decode(&args); err != nil || args == nil {
		var buf bytes.Buffer
		if json.Compact(&buf, raw) == nil {
			return "raw:" + buf.String()
		}
		return "raw:" + string(raw)
	}
	return c(args)
}

func scalarString(v any) string {
	switch x := v.(type) {
	case nil:
		return ""
	case string:
		return strings.TrimSpace(x)
	case json.Number:
		return x.String()
	default:
		b, _ := json.Marshal(x)
		return string(b)
	}
}

// structuredQueryPatterns recognise Drive-style query operators.
var structuredQueryPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)\b\w+\s*(=|!=|<|>)\s*['"]`),
	regexp.MustCompile(`(?i)\btrashed\s*=\s*(true|false)\b`),
	regexp.MustCompile(`(?i)\bstarred\s*=\s*(true|false)\b`),
	regexp.MustCompile(`(?i)['"][^'"]+['"]\s+in\s+parents`),
	regexp.MustCompile(`(?i)\bfullText\s+contains\b`),
	regexp.MustCompile(`(?i)\bname\s*(=|contains)\b`),
	regexp.MustCompile(`(?i)\bmimeType\s*(=|!=)`),
}

// IsStructuredQuery reports whether q uses search operators rather than free text.
func IsStructuredQuery(q string) bool {
	for _, p := range structuredQueryPatterns {
		if p.MatchString(q) {
			return true
		}
	}
	return false
}

var queryStopwords = map[string]bool{
	"a": true, "an": true, "the": true, "of": true, "for": true, "about": true,
	"in": true, "on": true, "to": true, "with": true, "please": true, "me": true,
	"my": true, "find": true, "search": true, "show": true,
}

// NormalizeQuery reduces a query to its comparable aspects. It is safe for
// concurrent use: every call folds with its own Caser.
func NormalizeQuery(q string) string {
	q = cases.Fold().String(norm.NFKC.String(q))
	if IsStructuredQuery(q) {
		return strings.Join(strings.Fields(q), " ")
	}
	words := strings.FieldsFunc(q, func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
	seen := make(map[string]bool, len(words))
	terms := words[:0]
	for _, w := range words {
		if queryStopwords[w] || seen[w] {
			continue
		}
		seen[w] = true
		terms = append(terms, w)
	}
	sort.Strings(terms)
	return strings.Join(terms, " ")
}
