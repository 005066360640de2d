// Package workspace exposes a local directory as enumerate, fetch and search
// capabilities. Results use the workspace text format the engine's progress
// tracker and source extractor read: "(ID: x, ...)" item headers and "Link:"
// lines.
package workspace

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"mime"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strings"
	"unicode/utf8"

	"github.com/nevindra/turnflow"
)

const (
	defaultPageSize = 50
	defaultMaxChars = 8000
	snippetRadius   = 80
)

// Workspace is a directory opened for read-only access. Paths cannot escape it.
type Workspace struct {
	dir      string
	root     *os.Root
	maxChars int
}

// Open opens dir as a workspace.
func Open(dir string) (*Workspace, error) {
	abs, err := filepath.Abs(dir)
	if err != nil {
		return nil, fmt.Errorf("workspace: %w", err)
	}
	root, err := os.OpenRoot(abs)
	if err != nil {
		return nil, fmt.Errorf("workspace: %w", err)
	}
	return &Workspace{dir: abs, root: root, maxChars: defaultMaxChars}, nil
}

// Close releases the directory handle.
func (w *Workspace) Close() error { return w.root.Close() }

// Capabilities returns list_files, get_file and search_files.
func (w *Workspace) Capabilities() []turnflow.Capability {
	return []turnflow.Capability{
		{
			Name:        "list_files",
			Description: "List the files in the workspace, optionally inside one folder. Returns names, IDs and links.",
			Schema:      json.RawMessage(`{"type":"object","properties":{"folder":{"type":"string","description":"Folder path relative to the workspace root"},"page_size":{"type":"integer","minimum":1,"maximum":500}}}`),
			Category:    turnflow.CategoryEnumerate,
			Canonical:   turnflow.FieldsKey("folder"),
			Invoke:      w.list,
		},
		{
			Name:        "get_file",
			Description: "Read one workspace file by the ID returned from list_files or search_files.",
			Schema:      json.RawMessage(`{"type":"object","properties":{"file_id":{"type":"string"}},"required":["file_id"]}`),
			Category:    turnflow.CategoryFetch,
			Canonical:   turnflow.FieldsKey("file_id"),
			Invoke:      w.get,
		},
		{
			Name:        "search_files",
			Description: "Find workspace files whose name or text contains all the query words.",
			Schema:      json.RawMessage(`{"type":"object","properties":{"query":{"type":"string"}},"required":["query"]}`),
			Category:    turnflow.CategorySearch,
			Canonical:   turnflow.QueryKey("query"),
			Invoke:      w.search,
		},
	}
}

type entry struct {
	name string // slash-separated path relative to the root
	info fs.FileInfo
}

// fileID escapes each path segment so IDs never contain spaces, commas or
// parentheses.
func fileID(name string) string {
	parts := strings.Split(name, "/")
	for i, p := range parts {
		parts[i] = url.PathEscape(p)
	}
	return strings.Join(parts, "/")
}

func (w *Workspace) link(name string) string {
	u := url.URL{Scheme: "file", Path: filepath.ToSlash(filepath.Join(w.dir, filepath.FromSlash(name)))}
	return u.String()
}

// textTypes covers extensions the platform MIME table may not know.
var textTypes = map[string]string{
	".md":   "text/markdown",
	".txt":  "text/plain",
	".csv":  "text/csv",
	".yaml": "application/yaml",
	".yml":  "application/yaml",
	".toml": "application/toml",
}

func fileType(name string) string {
	ext := strings.ToLower(path.Ext(name))
	if t, ok := textTypes[ext]; ok {
		return t
	}
	if t := mime.TypeByExtension(ext); t != "" {
		if i := strings.IndexByte(t, ';'); i >= 0 {
			t = t[:i]
		}
		return t
	}
	return "text/plain"
}

func (w *Workspace) header(e entry) string {
	return fmt.Sprintf("- Name: %q (ID: %s, Type: %s, Modified: %s)",
		path.Base(e.name), fileID(e.name), fileType(e.name), e.info.ModTime().Format("2006-01-02"))
}

// walk lists regular files under folder, skipping hidden entries.
func (w *Workspace) walk(ctx context.Context, folder string) ([]entry, error) {
	folder = strings.Trim(path.Clean("/"+filepath.ToSlash(folder)), "/")
	if folder == "" {
		folder = "."
	}
	if !fs.ValidPath(folder) {
		return nil, fmt.Errorf("invalid folder %q", folder)
	}
	var out []entry
	err := fs.WalkDir(w.root.FS(), folder, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if p != "." && strings.HasPrefix(d.Name(), ".") {
			if d.IsDir() {
				return fs.SkipDir
			}
			return nil
		}
		if !d.Type().IsRegular() {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		out = append(out, entry{name: p, info: info})
		return nil
	})
	if errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("folder not found: %s", folder)
	}
	return out, err
}

func (w *Workspace) list(ctx context.Context, args json.RawMessage) (string, error) {
	var p struct {
		Folder   string `json:"folder"`
		PageSize int    `json:"page_size"`
	}
	if err := json.Unmarshal(args, &p); err != nil {
		return "", fmt.Errorf("invalid args: %w", err)
	}
	if p.PageSize <= 0 {
		p.PageSize = defaultPageSize
	}
	entries, err := w.walk(ctx, p.Folder)
	if err != nil {
		return "", err
	}
	if len(entries) == 0 {
		return "No files found.", nil
	}

	var sb strings.Builder
	shown := entries[:min(len(entries), p.PageSize)]
	fmt.Fprintf(&sb, "Found %d files:", len(entries))
	for _, e := range shown {
		fmt.Fprintf(&sb, "\n%s\n  Link: %s", w.header(e), w.link(e.name))
	}
	if len(shown) < len(entries) {
		fmt.Fprintf(&sb, "\n(%d more not shown)", len(entries)-len(shown))
	}
	return sb.String(), nil
}

func (w *Workspace) get(_ context.Context, args json.RawMessage) (string, error) {
	var p struct {
		FileID string `json:"file_id"`
	}
	if err := json.Unmarshal(args, &p); err != nil {
		return "", fmt.Errorf("invalid args: %w", err)
	}
	name, err := url.PathUnescape(p.FileID)
	if err != nil || !fs.ValidPath(name) || name == "." {
		return "", fmt.Errorf("invalid file id %q", p.FileID)
	}
	data, err := fs.ReadFile(w.root.FS(), name)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return "", fmt.Errorf("file not found: %s", p.FileID)
		}
		return "", err
	}
	content, err := readableText(name, data)
	if err != nil {
		return "", fmt.Errorf("%s: %w", p.FileID, err)
	}
	if utf8.RuneCountInString(content) > w.maxChars {
		content = string([]rune(content)[:w.maxChars]) + "\n... (truncated)"
	}
	return fmt.Sprintf("File: %q (ID: %s, Type: %s)\nLink: %s\n\n--- CONTENT ---\n%s",
		path.Base(name), fileID(name), fileType(name), w.link(name), content), nil
}

// search matches files whose name or text contains every query word. Results
// carry IDs but no links: matches are read with get_file.
func (w *Workspace) search(ctx context.Context, args json.RawMessage) (string, error) {
	var p struct {
		Query string `json:"query"`
	}
	if err := json.Unmarshal(args, &p); err != nil {
		return "", fmt.Errorf("invalid args: %w", err)
	}
	words := strings.Fields(strings.ToLower(p.Query))
	if len(words) == 0 {
		return "", errors.New("empty query")
	}
	entries, err := w.walk(ctx, "")
	if err != nil {
		return "", err
	}

	var sb strings.Builder
	matches := 0
	for _, e := range entries {
		data, err := fs.ReadFile(w.root.FS(), e.name)
		if err != nil {
			continue
		}
		text, err := readableText(e.name, data)
		if err != nil {
			continue
		}
		haystack := strings.ToLower(e.name + "\n" + text)
		if !containsAll(haystack, words) {
			continue
		}
		matches++
		fmt.Fprintf(&sb, "\n%s", w.header(e))
		if s := snippet(text, words[0]); s != "" {
			fmt.Fprintf(&sb, "\n  Snippet: %s", s)
		}
	}
	if matches == 0 {
		return fmt.Sprintf("No files match %q.", p.Query), nil
	}
	return fmt.Sprintf("Found %d files matching %q:%s", matches, p.Query, sb.String()), nil
}

var errBinary = errors.New("binary file")

// readableText returns the text of a file: PDF text for PDFs, the bytes
// themselves for UTF-8 files.
func readableText(name string, data []byte) (string, error) {
	if fileType(name) == "application/pdf" {
		return pdfText(data)
	}
	if !utf8.Valid(data) {
		return "", errBinary
	}
	return string(data), nil
}

func containsAll(s string, words []string) bool {
	for _, w := range words {
		if !strings.Contains(s, w) {
			return false
		}
	}
	return true
}

// snippet returns the text around the first occurrence of word on one line.
func snippet(text, word string) string {
	lower := strings.ToLower(text)
	i := strings.Index(lower, word)
	if i < 0 || len(lower) != len(text) {
		return ""
	}
	start, end := max(i-snippetRadius, 0), min(i+len(word)+snippetRadius, len(text))
	for start > 0 && !utf8.RuneStart(text[start]) {
		start--
	}
	for end < len(text) && !utf8.RuneStart(text[end]) {
		end++
	}
	return strings.Join(strings.Fields(text[start:end]), " ")
}
