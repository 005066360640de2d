// Package remote adapts HTTP endpoints into turnflow capabilities: a generic
// adapter driven by [[tools]] config entries and read_url, which fetches a
// page and reduces it to readable text.
package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/go-shiori/go-readability"
	"golang.org/x/net/html"

	"github.com/nevindra/turnflow"
)

const (
	defaultTimeout  = 15 * time.Second
	defaultMaxChars = 8000
	maxBody         = 1 << 20
	userAgent       = "Mozilla/5.0 (compatible; turnflow/1.0)"
)

// Spec describes a remote capability.
type Spec struct {
	Name        string
	Description string
	URL         string
	// Method is GET (args become query parameters) or POST (args are the JSON body).
	Method    string
	Category  turnflow.Category
	Canonical turnflow.Canonicalizer
	Schema    json.RawMessage
	Headers   map[string]string
	Timeout   time.Duration
	// MaxChars clips the returned text (runes). Zero uses 8000.
	MaxChars int
}

// New builds a capability that calls spec.URL with the tool arguments.
func New(spec Spec) (turnflow.Capability, error) {
	if spec.Name == "" {
		return turnflow.Capability{}, fmt.Errorf("remote: empty name")
	}
	u, err := url.Parse(spec.URL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return turnflow.Capability{}, fmt.Errorf("remote: %s: invalid url %q", spec.Name, spec.URL)
	}
	method := strings.ToUpper(spec.Method)
	switch method {
	case "":
		method = http.MethodPost
	case http.MethodGet, http.MethodPost:
	default:
		return turnflow.Capability{}, fmt.Errorf("remote: %s: unsupported method %q", spec.Name, spec.Method)
	}

	c := newCaller(spec.Timeout, spec.MaxChars, spec.Headers)
	return turnflow.Capability{
		Name:        spec.Name,
		Description: spec.Description,
		Schema:      spec.Schema,
		Category:    spec.Category,
		Canonical:   spec.Canonical,
		Invoke: func(ctx context.Context, args json.RawMessage) (string, error) {
			req, err := buildRequest(ctx, method, u, args)
			if err != nil {
				return "", err
			}
			text, _, err := c.do(req)
			return text, err
		},
	}, nil
}

// ReadURL returns the read_url extract capability.
func ReadURL(timeout time.Duration) turnflow.Capability {
	c := newCaller(timeout, defaultMaxChars, nil)
	return turnflow.Capability{
		Name:        "read_url",
		Description: "Fetch a web page and return its readable text. Use after a search to read a result.",
		Schema:      json.RawMessage(`{"type":"object","properties":{"url":{"type":"string","description":"URL to fetch"}},"required":["url"]}`),
		Category:    turnflow.CategoryExtract,
		Canonical:   turnflow.FieldsKey("url"),
		Invoke: func(ctx context.Context, args json.RawMessage) (string, error) {
			var p struct {
				URL string `json:"url"`
			}
			if err := json.Unmarshal(args, &p); err != nil {
				return "", fmt.Errorf("invalid args: %w", err)
			}
			req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.URL, nil)
			if err != nil {
				return "", fmt.Errorf("invalid URL: %w", err)
			}
			text, title, err := c.do(req)
			if err != nil {
				return "", err
			}
			var sb strings.Builder
			if title != "" {
				fmt.Fprintf(&sb, "Title: %s\n", title)
			}
			fmt.Fprintf(&sb, "Link: %s\n\n--- CONTENT ---\n%s", p.URL, text)
			return sb.String(), nil
		},
	}
}

func buildRequest(ctx context.Context, method string, base *url.URL, args json.RawMessage) (*http.Request, error) {
	if len(args) == 0 {
		args = json.RawMessage(`{}`)
	}
	if method == http.MethodPost {
		req, err := http.NewRequestWithContext(ctx, method, base.String(), bytes.NewReader(args))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", "application/json")
		return req, nil
	}

	var params map[string]any
	if err := json.Unmarshal(args, &params); err != nil {
		return nil, fmt.Errorf("invalid args: %w", err)
	}
	u := *base
	q := u.Query()
	for k, v := range params {
		switch v := v.(type) {
		case string:
			q.Set(k, v)
		case nil:
		default:
			b, _ := json.Marshal(v)
			q.Set(k, string(b))
		}
	}
	u.RawQuery = q.Encode()
	return http.NewRequestWithContext(ctx, method, u.String(), nil)
}

type caller struct {
	client   *http.Client
	maxChars int
	headers  map[string]string
}

func newCaller(timeout time.Duration, maxChars int, headers map[string]string) *caller {
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	if maxChars <= 0 {
		maxChars = defaultMaxChars
	}
	return &caller{client: &http.Client{Timeout: timeout}, maxChars: maxChars, headers: headers}
}

// do sends req and returns the response as text plus a page title for HTML.
func (c *caller) do(req *http.Request) (text, title string, err error) {
	req.Header.Set("User-Agent", userAgent)
	for k, v := range c.headers {
		req.Header.Set(k, v)
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return "", "", fmt.Errorf("fetch error: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBody))
	if err != nil {
		return "", "", fmt.Errorf("read error: %w", err)
	}
	if resp.StatusCode >= 400 {
		return "", "", fmt.Errorf("HTTP %d from %s: %s", resp.StatusCode, req.URL.Redacted(), clip(strings.TrimSpace(string(body)), 200))
	}

	if isHTML(resp.Header.Get("Content-Type"), body) {
		text, title = Readable(body, req.URL)
	} else {
		text = strings.TrimSpace(string(body))
	}
	return clip(text, c.maxChars), title, nil
}

func isHTML(contentType string, body []byte) bool {
	if strings.Contains(contentType, "html") {
		return true
	}
	if contentType != "" {
		return false
	}
	return strings.Contains(http.DetectContentType(body), "html")
}

// Readable extracts the article text of an HTML page. Pages readability cannot
// parse fall back to the document's visible text.
func Readable(page []byte, u *url.URL) (text, title string) {
	article, err := readability.FromReader(bytes.NewReader(page), u)
	if err == nil && strings.TrimSpace(article.TextContent) != "" {
		return collapse(article.TextContent), strings.TrimSpace(article.Title)
	}
	return visibleText(page), ""
}

// visibleText walks the token stream and keeps text outside script, style
// and head elements.
func visibleText(page []byte) string {
	z := html.NewTokenizer(bytes.NewReader(page))
	var sb strings.Builder
	skip := 0
	for {
		switch z.Next() {
		case html.ErrorToken:
			return collapse(sb.String())
		case html.StartTagToken:
			if name, _ := z.TagName(); hidden(string(name)) {
				skip++
			}
		case html.EndTagToken:
			if name, _ := z.TagName(); hidden(string(name)) && skip > 0 {
				skip--
			}
		case html.TextToken:
			if skip == 0 {
				sb.Write(z.Text())
				sb.WriteByte(' ')
			}
		}
	}
}

func hidden(tag string) bool {
	switch tag {
	case "script", "style", "head", "noscript", "template":
		return true
	}
	return false
}

// collapse squeezes runs of blank space, keeping paragraph breaks.
func collapse(s string) string {
	lines := strings.Split(s, "\n")
	out := make([]string, 0, len(lines))
	blank := false
	for _, l := range lines {
		l = strings.Join(strings.Fields(l), " ")
		if l == "" {
			if !blank && len(out) > 0 {
				out = append(out, "")
			}
			blank = true
			continue
		}
		blank = false
		out = append(out, l)
	}
	return strings.TrimSpace(strings.Join(out, "\n"))
}

func clip(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	r := []rune(s)
	return string(r[:n]) + "\n... (truncated)"
}
