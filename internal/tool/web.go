package tool

import (
	"context"
	"encoding/json"
	"fmt"
	"html"
	"io"
	"net/http"
	"regexp"
	"strings"
	"time"
)

const (
	webFetchTimeout  = 30 * time.Second
	webFetchMaxBody  = 1 << 20
	webFetchMaxChars = 50000
)

var (
	reScript  = regexp.MustCompile(`(?is)<(script|style)\b.*?</(script|style)>`)
	reComment = regexp.MustCompile(`(?s)<!--.*?-->`)
	reBlock   = regexp.MustCompile(`(?i)<(br|p|div|h[1-6]|li|tr)\b[^>]*>`)
	reTag     = regexp.MustCompile(`<[^>]+>`)
	reSpace   = regexp.MustCompile(`[ \t]+`)
)

// WebFetch retrieves a URL and returns its readable text.
type WebFetch struct {
	client *http.Client
}

// NewWebFetch creates a new web fetch tool. A nil client gets a default
// with a timeout.
func NewWebFetch(client *http.Client) *WebFetch {
	if client == nil {
		client = &http.Client{Timeout: webFetchTimeout}
	}
	return &WebFetch{client: client}
}

func (t *WebFetch) Name() string {
	return "WebFetch"
}

func (t *WebFetch) Description() string {
	return `Fetch a URL with GET. HTML is reduced to text unless raw is set.
Pages that need JavaScript will come back mostly empty.`
}

type webFetchParams struct {
	URL string `json:"url" jsonschema:"required,description=The URL to fetch"`
	Raw bool   `json:"raw,omitempty" jsonschema:"description=Return the body unmodified"`
}

func (t *WebFetch) Schema() json.RawMessage {
	return generateSchema[webFetchParams]()
}

func (t *WebFetch) Execute(ctx context.Context, params json.RawMessage) (*Result, error) {
	p, bad := decodeParams[webFetchParams](params)
	if bad != nil {
		return bad, nil
	}
	if p.URL == "" {
		return Errorf("url is required"), nil
	}
	if !strings.HasPrefix(p.URL, "http://") && !strings.HasPrefix(p.URL, "https://") {
		p.URL = "https://" + p.URL
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.URL, nil)
	if err != nil {
		return Errorf("bad url: %v", err), nil
	}
	req.Header.Set("User-Agent", "tether/1.0 (+WebFetch)")
	req.Header.Set("Accept", "text/html,application/xhtml+xml,application/json;q=0.9,*/*;q=0.8")

	resp, err := t.client.Do(req)
	if err != nil {
		return Errorf("fetch failed: %v", err), nil
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return Errorf("HTTP %d fetching %s", resp.StatusCode, p.URL), nil
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, webFetchMaxBody))
	if err != nil {
		return Errorf("failed to read response: %v", err), nil
	}

	content := string(body)
	if !p.Raw && strings.Contains(resp.Header.Get("Content-Type"), "html") {
		content = htmlToText(content)
	}
	if len(content) > webFetchMaxChars {
		content = content[:webFetchMaxChars] + "\n\n[truncated]"
	}
	return &Result{Content: fmt.Sprintf("Fetched %s (%d bytes):\n\n%s", p.URL, len(body), content)}, nil
}

// htmlToText drops markup and collapses whitespace.
func htmlToText(s string) string {
	s = reScript.ReplaceAllString(s, "")
	s = reComment.ReplaceAllString(s, "")
	s = reBlock.ReplaceAllString(s, "\n")
	s = reTag.ReplaceAllString(s, "")
	s = html.UnescapeString(s)
	s = reSpace.ReplaceAllString(s, " ")

	var lines []string
	for _, line := range strings.Split(s, "\n") {
		if line = strings.TrimSpace(line); line != "" {
			lines = append(lines, line)
		}
	}
	return strings.Join(lines, "\n")
}
