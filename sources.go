package turnflow

import (
	"regexp"
	"strings"

	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/ast"
	"github.com/yuin/goldmark/extension"
	"github.com/yuin/goldmark/text"
)

// Source is a citable reference found in a tool result.
type Source struct {
	Title string
	URL   string
}

var sourceParser = goldmark.New(goldmark.WithExtensions(extension.Linkify)).Parser()

// titlePattern matches the workspace server's `File: "name"` / `Name: "name"` headers.
var titlePattern = regexp.MustCompile(`(?m)(?:File|Name):\s*"([^"]+)"`)

// ExtractSources returns the links in content, deduplicated by URL in order of
// appearance. Markdown links and bare URLs are found through the goldmark AST;
// `Link: url` lines take their title from the nearest preceding file header.
func ExtractSources(content string) []Source {
	var out []Source
	seen := make(map[string]bool)
	add := func(title, url string) {
		url = strings.TrimRight(url, ".,;)")
		if url == "" || seen[url] {
			return
		}
		seen[url] = true
		out = append(out, Source{Title: strings.TrimSpace(title), URL: url})
	}

	for _, loc := range linkPattern.FindAllStringSubmatchIndex(content, -1) {
		url := content[loc[2]:loc[3]]
		title := ""
		if hdr := titlePattern.FindAllStringSubmatch(content[:loc[0]], -1); len(hdr) > 0 {
			title = hdr[len(hdr)-1][1]
		}
		add(title, url)
	}

	src := []byte(content)
	doc := sourceParser.Parse(text.NewReader(src))
	_ = ast.Walk(doc, func(n ast.Node, entering bool) (ast.WalkStatus, error) {
		if !entering {
			return ast.WalkContinue, nil
		}
		switch node := n.(type) {
		case *ast.Link:
			add(nodeText(node, src), string(node.Destination))
			return ast.WalkSkipChildren, nil
		case *ast.AutoLink:
			if node.AutoLinkType == ast.AutoLinkURL {
				add("", string(node.URL(src)))
			}
		}
		return ast.WalkContinue, nil
	})
	return out
}

// nodeText concatenates the text segments under n.
func nodeText(n ast.Node, src []byte) string {
	var b strings.Builder
	_ = ast.Walk(n, func(c ast.Node, entering bool) (ast.WalkStatus, error) {
		if t, ok := c.(*ast.Text); ok && entering {
			b.Write(t.Segment.Value(src))
		}
		return ast.WalkContinue, nil
	})
	return b.String()
}

// SourceURLs returns just the URLs of ExtractSources.
func SourceURLs(content string) []string {
	srcs := ExtractSources(content)
	urls := make([]string, len(srcs))
	for i, s := range srcs {
		urls[i] = s.URL
	}
	return urls
}
