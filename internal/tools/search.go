package tools

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"regexp"
	"strings"
	"time"

	"github.com/firebase/genkit/go/ai"
	"github.com/firebase/genkit/go/genkit"
)

type SearchInput struct {
	Query string `json:"query"`
}

type SearchOutput struct {
	Results  []SearchResult `json:"results"`
	Provider string         `json:"provider,omitempty"`
}

func registerSearch(g *genkit.Genkit, reg *Registry) ai.Tool {
	return genkit.DefineTool(g, "web_search",
		"Search the web for current information. Returns results with titles, URLs, and snippets. Always note the URL of any result you rely on so it can be cited in the Source Ledger.",
		func(ctx *ai.ToolContext, input SearchInput) (SearchOutput, error) {
			record(ctx, "web_search", input.Query)
			return reg.search(ctx, input.Query)
		},
	)
}

// search routes a query through the ordered provider list: skip unavailable,
// try search, fall through on error. First success wins.
func (r *Registry) search(ctx context.Context, query string) (SearchOutput, error) {
	if query == "" {
		return SearchOutput{}, fmt.Errorf("empty search query")
	}
	slog.Info("web_search tool called", "query", query)

	for _, p := range r.Providers {
		if !p.Available() {
			continue
		}
		results, err := p.Search(ctx, query)
		if err != nil {
			slog.Warn("search provider failed, trying next", "provider", p.Name(), "error", err)
			continue
		}
		if len(results) == 0 {
			return SearchOutput{Provider: p.Name(), Results: []SearchResult{{
				Title:   "No results found",
				Snippet: fmt.Sprintf("No results found for %q.", query),
			}}}, nil
		}
		return SearchOutput{Provider: p.Name(), Results: results}, nil
	}
	return SearchOutput{Results: []SearchResult{{
		Title:   "Search unavailable",
		Snippet: fmt.Sprintf("Could not search for %q. Configure a search provider (api_keys.brave_search or BRAVE_API_KEY).", query),
	}}}, nil
}

type ReadPageInput struct {
	URL string `json:"url"`
}

type ReadPageOutput struct {
	Content string `json:"content"`
}

const maxReadRedirects = 10

func registerReadPage(g *genkit.Genkit, reg *Registry) ai.Tool {
	return genkit.DefineTool(g, "read_page",
		"Fetch and read the content of a web page URL. Returns the page content as simplified text. Use this to read articles found via web_search before citing them.",
		func(ctx *ai.ToolContext, input ReadPageInput) (ReadPageOutput, error) {
			record(ctx, "read_page", input.URL)
			return readPage(ctx, input.URL)
		},
	)
}

func readPage(ctx context.Context, rawURL string) (ReadPageOutput, error) {
	if rawURL == "" {
		return ReadPageOutput{}, fmt.Errorf("empty URL")
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return ReadPageOutput{}, err
	}
	req.Header.Set("User-Agent", "mindloom/1.0 (autonomous agent)")
	req.Header.Set("Accept", "text/html,application/xhtml+xml,text/plain")

	client := &http.Client{
		Timeout: 15 * time.Second,
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			if len(via) >= maxReadRedirects {
				return fmt.Errorf("stopped after %d redirects", maxReadRedirects)
			}
			return nil
		},
	}
	resp, err := client.Do(req)
	if err != nil {
		return ReadPageOutput{}, err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return ReadPageOutput{}, fmt.Errorf("HTTP %d for %s", resp.StatusCode, rawURL)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, 2<<20))
	if err != nil {
		return ReadPageOutput{}, err
	}

	content := htmlToText(string(body))
	if len(content) > 8000 {
		content = content[:8000] + "\n\n[Content truncated at 8000 characters]"
	}
	return ReadPageOutput{Content: content}, nil
}

var (
	reScript     = regexp.MustCompile(`(?is)<script[^>]*>.*?</script>`)
	reStyle      = regexp.MustCompile(`(?is)<style[^>]*>.*?</style>`)
	reBlockTag   = regexp.MustCompile(`(?i)</(p|div|h[1-6]|li|tr|br)>|<br\s*/?>`)
	reWhitespace = regexp.MustCompile(`\n{3,}`)
)

// htmlToText converts HTML to simplified plain text without a browser.
func htmlToText(html string) string {
	html = reScript.ReplaceAllString(html, "")
	html = reStyle.ReplaceAllString(html, "")
	html = reBlockTag.ReplaceAllString(html, "\n")
	html = reTag.ReplaceAllString(html, "")
	html = strings.ReplaceAll(html, "&nbsp;", " ")
	html = strings.ReplaceAll(html, "&amp;", "&")
	html = strings.ReplaceAll(html, "&lt;", "<")
	html = strings.ReplaceAll(html, "&gt;", ">")
	html = strings.ReplaceAll(html, "&quot;", `"`)
	html = reWhitespace.ReplaceAllString(html, "\n\n")
	return strings.TrimSpace(html)
}
