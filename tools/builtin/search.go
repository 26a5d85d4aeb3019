package builtin

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/go-shiori/go-readability"
)

const searchUserAgent = "Mozilla/5.0 (compatible; WickBot/1.0)"

// Search queries the DuckDuckGo instant answer API and enriches the top
// result with readability-extracted page content.
type Search struct {
	client  *http.Client
	baseURL string
}

// NewSearch creates a search client. A nil http.Client gets a 15-second
// timeout.
func NewSearch(client *http.Client) *Search {
	if client == nil {
		client = &http.Client{Timeout: 15 * time.Second}
	}
	return &Search{client: client, baseURL: "https://api.duckduckgo.com"}
}

type searchResult struct {
	Title   string
	URL     string
	Snippet string
}

// Search returns a markdown-ish result list for query: an answer line when
// the API gives one, then sources, then extracted content of the first
// source page.
func (s *Search) Search(ctx context.Context, query string) (string, error) {
	results, answer, err := s.instantAnswer(ctx, query)
	if err != nil {
		return "", err
	}
	if len(results) == 0 && answer == "" {
		return fmt.Sprintf("No results found for %q.", query), nil
	}

	var sb strings.Builder
	if answer != "" {
		sb.WriteString("Answer: " + answer + "\n\n")
	}
	sb.WriteString("Sources:\n")
	for _, r := range results {
		sb.WriteString(fmt.Sprintf("- [%s](%s)\n  %s\n", r.Title, r.URL, r.Snippet))
	}

	if len(results) > 0 {
		if content := s.extract(ctx, results[0].URL); content != "" {
			sb.WriteString("\nTop result content:\n")
			sb.WriteString(content)
		}
	}
	return sb.String(), nil
}

func (s *Search) instantAnswer(ctx context.Context, query string) ([]searchResult, string, error) {
	u := fmt.Sprintf("%s/?q=%s&format=json&no_html=1", s.baseURL, url.QueryEscape(query))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, "", err
	}
	req.Header.Set("User-Agent", searchUserAgent)

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, "", fmt.Errorf("search request failed: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return nil, "", fmt.Errorf("search API returned %d: %s", resp.StatusCode, string(body))
	}

	var decoded struct {
		AbstractText  string `json:"AbstractText"`
		AbstractURL   string `json:"AbstractURL"`
		Heading       string `json:"Heading"`
		Answer        string `json:"Answer"`
		RelatedTopics []struct {
			FirstURL string `json:"FirstURL"`
			Text     string `json:"Text"`
		} `json:"RelatedTopics"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return nil, "", fmt.Errorf("parse search results: %w", err)
	}

	var results []searchResult
	if decoded.AbstractText != "" && decoded.AbstractURL != "" {
		results = append(results, searchResult{
			Title:   decoded.Heading,
			URL:     decoded.AbstractURL,
			Snippet: decoded.AbstractText,
		})
	}
	for _, topic := range decoded.RelatedTopics {
		if len(results) >= 5 {
			break
		}
		if topic.FirstURL == "" || topic.Text == "" {
			continue
		}
		title := topic.Text
		if len(title) > 100 {
			title = title[:100]
		}
		results = append(results, searchResult{Title: title, URL: topic.FirstURL, Snippet: topic.Text})
	}

	answer := decoded.Answer
	if answer == "" {
		answer = decoded.AbstractText
	}
	return results, answer, nil
}

// extract fetches a page and pulls readable text. Failures degrade to an
// empty string; the snippets still stand on their own.
func (s *Search) extract(ctx context.Context, rawURL string) string {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return ""
	}
	req.Header.Set("User-Agent", searchUserAgent)

	resp, err := s.client.Do(req)
	if err != nil {
		return ""
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		return ""
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return ""
	}

	parsed, _ := url.Parse(rawURL)
	article, err := readability.FromReader(strings.NewReader(string(body)), parsed)
	if err != nil || article.TextContent == "" {
		return ""
	}

	content := strings.TrimSpace(article.TextContent)
	if len(content) > 8000 {
		content = content[:8000] + "\n... (truncated)"
	}
	return content
}
