package remote

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/nevindra/turnflow"
)

const page = `<html><head><title>Quarterly</title><script>track()</script><style>p{}</style></head>
<body><article><h1>Quarterly</h1><p>Revenue grew in the second quarter.</p></article></body></html>`

func TestReadURL(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.Contains(r.Header.Get("User-Agent"), "turnflow") {
			t.Errorf("user agent = %q", r.Header.Get("User-Agent"))
		}
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		io.WriteString(w, page)
	}))
	defer srv.Close()

	c := ReadURL(0)
	if c.Category != turnflow.CategoryExtract {
		t.Errorf("category = %v", c.Category)
	}
	out, err := c.Invoke(context.Background(), json.RawMessage(`{"url":"`+srv.URL+`"}`))
	if err != nil {
		t.Fatal(err)
	}
	for _, want := range []string{"Link: " + srv.URL, "--- CONTENT ---", "Revenue grew in the second quarter."} {
		if !strings.Contains(out, want) {
			t.Errorf("output missing %q:\n%s", want, out)
		}
	}
	if strings.Contains(out, "track()") {
		t.Errorf("script leaked into text:\n%s", out)
	}
}

func TestReadURLErrors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "gone", http.StatusNotFound)
	}))
	defer srv.Close()

	c := ReadURL(0)
	if _, err := c.Invoke(context.Background(), json.RawMessage(`{"url":"`+srv.URL+`"}`)); err == nil || !strings.Contains(err.Error(), "HTTP 404") {
		t.Errorf("404 err = %v", err)
	}
	if _, err := c.Invoke(context.Background(), json.RawMessage(`{"url":3}`)); err == nil {
		t.Error("bad args should fail")
	}
}

func TestReadURLTruncates(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain")
		io.WriteString(w, strings.Repeat("é", 10000))
	}))
	defer srv.Close()

	out, err := ReadURL(0).Invoke(context.Background(), json.RawMessage(`{"url":"`+srv.URL+`"}`))
	if err != nil {
		t.Fatal(err)
	}
	if !strings.HasSuffix(out, "... (truncated)") || utf8.RuneCountInString(out) > defaultMaxChars+200 {
		t.Errorf("not truncated: %d runes", utf8.RuneCountInString(out))
	}
}

func TestNewGET(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		if r.Method != http.MethodGet || q.Get("q") != "acme revenue" || q.Get("limit") != "5" || q.Get("key") != "fixed" {
			t.Errorf("request = %s %s", r.Method, r.URL)
		}
		if r.Header.Get("X-Api-Key") != "secret" {
			t.Errorf("header not forwarded")
		}
		w.Header().Set("Content-Type", "application/json")
		io.WriteString(w, `{"results":[{"title":"Acme","url":"https://news.example.com/a"}]}`)
	}))
	defer srv.Close()

	c, err := New(Spec{
		Name:      "search_web",
		URL:       srv.URL + "/search?key=fixed",
		Method:    "get",
		Category:  turnflow.CategorySearch,
		Canonical: turnflow.QueryKey("q"),
		Headers:   map[string]string{"X-Api-Key": "secret"},
	})
	if err != nil {
		t.Fatal(err)
	}
	out, err := c.Invoke(context.Background(), json.RawMessage(`{"q":"acme revenue","limit":5}`))
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(out, "https://news.example.com/a") {
		t.Errorf("out = %q", out)
	}
	if c.Category != turnflow.CategorySearch || c.Canonical == nil {
		t.Error("spec metadata not carried")
	}
}

func TestNewPOSTThroughRegistry(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body map[string]any
		_ = json.NewDecoder(r.Body).Decode(&body)
		if r.Method != http.MethodPost || r.Header.Get("Content-Type") != "application/json" || body["file_id"] != "doc1" {
			t.Errorf("request = %s %v", r.Method, body)
		}
		io.WriteString(w, "File: \"doc1\" (ID: doc1, Type: document)\nLink: https://docs.example.com/doc1")
	}))
	defer srv.Close()

	c, err := New(Spec{
		Name:     "get_file",
		URL:      srv.URL,
		Category: turnflow.CategoryFetch,
		Schema:   json.RawMessage(`{"type":"object","properties":{"file_id":{"type":"string"}},"required":["file_id"]}`),
	})
	if err != nil {
		t.Fatal(err)
	}
	reg := turnflow.MustRegistry(c)
	out, err := reg.Call(context.Background(), turnflow.ToolCall{ID: "1", Name: "get_file", Args: json.RawMessage(`{"file_id":"doc1"}`)})
	if err != nil || !strings.Contains(out, "ID: doc1") {
		t.Errorf("out = %q, err = %v", out, err)
	}
	if _, err := reg.Call(context.Background(), turnflow.ToolCall{ID: "2", Name: "get_file", Args: json.RawMessage(`{}`)}); err == nil {
		t.Error("schema should reject missing file_id before any request")
	}
}

func TestNewRejects(t *testing.T) {
	tests := []struct {
		name string
		spec Spec
		want string
	}{
		{"no name", Spec{URL: "http://x"}, "empty name"},
		{"bad url", Spec{Name: "a", URL: "not a url"}, "invalid url"},
		{"bad method", Spec{Name: "a", URL: "http://x", Method: "DELETE"}, "unsupported method"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := New(tt.spec); err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Errorf("err = %v, want %q", err, tt.want)
			}
		})
	}
}

func TestVisibleText(t *testing.T) {
	got := visibleText([]byte(page))
	if strings.Contains(got, "track()") || strings.Contains(got, "p{}") {
		t.Errorf("hidden text kept: %q", got)
	}
	if !strings.Contains(got, "Revenue grew in the second quarter.") {
		t.Errorf("text = %q", got)
	}
}

func TestCollapse(t *testing.T) {
	got := collapse("  a   b \n\n\n  c\n \n")
	if got != "a b\n\nc" {
		t.Errorf("collapse = %q", got)
	}
}
