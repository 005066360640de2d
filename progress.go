package turnflow

import (
	"bytes"
	"encoding/json"
	"regexp"
	"slices"
	"strings"
	"sync"
)

// WorkflowProgress remembers which categories of tool work a run has done.
// It is written by the tool execution step (possibly from several workers)
// and read through Snapshot.
type WorkflowProgress struct {
	mu             sync.Mutex
	listed         bool
	listedIDs      []string
	fetchedIDs     []string
	searchDone     bool
	searchLinks    []string
	extractionDone bool
	sourceLinks    []string
	retrieved      int
}

// NewWorkflowProgress returns an empty tracker.
func NewWorkflowProgress() *WorkflowProgress {
	return &WorkflowProgress{}
}

// ProgressSnapshot is an immutable copy of the tracker.
type ProgressSnapshot struct {
	Listed         bool
	ListedIDs      []string
	FetchedIDs     []string
	SearchDone     bool
	SearchLinks    []string
	ExtractionDone bool
	SourceLinks    []string
	// RetrievedItems counts successful fetch, extract and general results.
	RetrievedItems int
}

var (
	idPattern   = regexp.MustCompile(`\(ID:\s*([^,)\s]+)`)
	linkPattern = regexp.MustCompile(`(?m)\bLink:\s*(\S+)`)
)

// idArgKeys are argument names that identify the single item a fetch targets.
var idArgKeys = []string{"file_id", "document_id", "spreadsheet_id", "presentation_id", "form_id", "id", "url"}

// Record feeds one finished tool call into the tracker. Failed calls are
// ignored: a failed listing must not satisfy the once-only rule.
func (p *WorkflowProgress) Record(cat Category, args json.RawMessage, result string, failed bool) {
	if failed {
		return
	}
	ids, links := parseItems(result)

	p.mu.Lock()
	defer p.mu.Unlock()
	p.sourceLinks = appendUnique(p.sourceLinks, links...)
	switch cat {
	case CategoryEnumerate:
		p.listed = true
		p.listedIDs = appendUnique(p.listedIDs, ids...)
	case CategoryFetch:
		if id := argID(args); id != "" {
			p.fetchedIDs = appendUnique(p.fetchedIDs, id)
		} else {
			p.fetchedIDs = appendUnique(p.fetchedIDs, ids...)
		}
		p.retrieved++
	case CategorySearch:
		p.searchDone = true
		p.searchLinks = appendUnique(p.searchLinks, links...)
	case CategoryExtract:
		p.extractionDone = true
		p.retrieved++
	default:
		if strings.TrimSpace(result) != "" {
			p.retrieved++
		}
	}
}

// Snapshot returns a copy safe to read without locking.
func (p *WorkflowProgress) Snapshot() ProgressSnapshot {
	p.mu.Lock()
	defer p.mu.Unlock()
	return ProgressSnapshot{
		Listed:         p.listed,
		ListedIDs:      slices.Clone(p.listedIDs),
		FetchedIDs:     slices.Clone(p.fetchedIDs),
		SearchDone:     p.searchDone,
		SearchLinks:    slices.Clone(p.searchLinks),
		ExtractionDone: p.extractionDone,
		SourceLinks:    slices.Clone(p.sourceLinks),
		RetrievedItems: p.retrieved,
	}
}

// Suggest returns the tool that closes an obviously incomplete sequence:
// an enumeration whose items were never fetched, or a search whose hits
// were never extracted. ok is false when nothing is pending or the registry
// has no capability of the needed category.
func (s ProgressSnapshot) Suggest(reg *Registry) (name string, ok bool) {
	switch {
	case s.Listed && len(s.ListedIDs) > 0 && len(s.FetchedIDs) == 0:
		return reg.FirstOf(CategoryFetch)
	case s.SearchDone && len(s.SearchLinks) > 0 && !s.ExtractionDone:
		return reg.FirstOf(CategoryExtract)
	}
	return "", false
}

// MultiItem reports a multi-item scenario: at least two retrieved items and
// query wording that implies comparing them.
func (s ProgressSnapshot) MultiItem(query string) bool {
	return s.RetrievedItems >= 2 && comparisonRules.Any(query)
}

// Complete reports whether every started two-step sequence has its second step.
func (s ProgressSnapshot) Complete() bool {
	if s.Listed && len(s.ListedIDs) > 0 && len(s.FetchedIDs) == 0 {
		return false
	}
	if s.SearchDone && len(s.SearchLinks) > 0 && !s.ExtractionDone {
		return false
	}
	return s.Listed || s.SearchDone || s.RetrievedItems > 0
}

// parseItems pulls item identifiers and links from a tool result. Both the
// workspace text format ("(ID: x, ...)", "Link: url") and JSON objects with
// id/url/webViewLink fields are understood.
func parseItems(result string) (ids, links []string) {
	for _, m := range idPattern.FindAllStringSubmatch(result, -1) {
		ids = appendUnique(ids, m[1])
	}
	for _, m := range linkPattern.FindAllStringSubmatch(result, -1) {
		links = appendUnique(links, m[1])
	}
	trimmed := bytes.TrimSpace([]byte(result))
	if len(trimmed) > 0 && (trimmed[0] == '{' || trimmed[0] == '[') {
		var v any
		if json.Unmarshal(trimmed, &v) == nil {
			walkJSONItems(v, &ids, &links)
		}
	}
	return ids, links
}

func walkJSONItems(v any, ids, links *[]string) {
	switch x := v.(type) {
	case map[string]any:
		for k, val := range x {
			s, isStr := val.(string)
			switch {
			case isStr && k == "id":
				*ids = appendUnique(*ids, s)
			case isStr && (k == "url" || k == "webViewLink" || k == "link"):
				*links = appendUnique(*links, s)
			default:
				walkJSONItems(val, ids, links)
			}
		}
	case []any:
		for _, e := range x {
			walkJSONItems(e, ids, links)
		}
	}
}

func argID(args json.RawMessage) string {
	if len(args) == 0 {
		return ""
	}
	var m map[string]any
	if json.Unmarshal(args, &m) != nil {
		return ""
	}
	for _, k := range idArgKeys {
		if s, ok := m[k].(string); ok && s != "" {
			return s
		}
	}
	return ""
}

func appendUnique(dst []string, vals ...string) []string {
	for _, v := range vals {
		if v != "" && !slices.Contains(dst, v) {
			dst = append(dst, v)
		}
	}
	return dst
}
