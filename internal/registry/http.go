package registry

import (
	"context"
	"fmt"
	"net/http"
	"regexp"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
)

// Labeled fields pulled from a profile fragment. CRM 2 and RQE are separate
// identifier kinds; all of them feed one pooled set on the matching side.
var fieldPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?is)<dt[^>]*>\s*CRM\s*:?\s*</dt>\s*<dd[^>]*>(.*?)</dd>`),
	regexp.MustCompile(`(?is)<dt[^>]*>\s*CRM\s*2\s*:?\s*</dt>\s*<dd[^>]*>(.*?)</dd>`),
	regexp.MustCompile(`(?is)<dt[^>]*>\s*RQE\s*:?\s*</dt>\s*<dd[^>]*>(.*?)</dd>`),
	regexp.MustCompile(`(?is)<dt[^>]*>\s*CREFITO\s*:?\s*</dt>\s*<dd[^>]*>(.*?)</dd>`),
}

var tagRe = regexp.MustCompile(`<[^>]*>`)

// HTTPStrategy searches the public directory over plain HTTP and extracts
// the labeled registration fields from the result markup.
type HTTPStrategy struct {
	client    *resty.Client
	searchURL string
	nameField string
}

// NewHTTPStrategy builds a strategy against the directory search endpoint.
func NewHTTPStrategy(searchURL string, timeout time.Duration) *HTTPStrategy {
	if timeout == 0 {
		timeout = 30 * time.Second
	}
	client := resty.New().
		SetTimeout(timeout).
		SetHeader("User-Agent", "lead-validator/1.0")
	return &HTTPStrategy{
		client:    client,
		searchURL: searchURL,
		nameField: "cirurgiao_nome",
	}
}

func (h *HTTPStrategy) Lookup(ctx context.Context, displayName string) (Result, error) {
	trail := []string{fmt.Sprintf("searching %s for %q", h.searchURL, displayName)}

	resp, err := h.client.R().
		SetContext(ctx).
		SetFormData(map[string]string{h.nameField: displayName}).
		Post(h.searchURL)
	if err != nil {
		return Result{Trail: trail}, fmt.Errorf("directory search: %w", err)
	}
	trail = append(trail, fmt.Sprintf("response status=%d bytes=%d", resp.StatusCode(), len(resp.Body())))
	if resp.StatusCode() != http.StatusOK {
		return Result{Trail: trail}, fmt.Errorf("directory search returned status %d", resp.StatusCode())
	}

	ids := extractIdentifiers(resp.String())
	if len(ids) == 0 {
		trail = append(trail, "no labeled registration fields in response")
		return Result{Trail: trail}, nil
	}
	trail = append(trail, fmt.Sprintf("extracted identifiers: %s", strings.Join(ids, ", ")))
	return Result{OK: true, Identifiers: ids, Trail: trail}, nil
}

// extractIdentifiers pulls every labeled registration value out of the
// markup, in document order per field kind, deduplicated.
func extractIdentifiers(body string) []string {
	seen := make(map[string]struct{})
	var ids []string
	for _, re := range fieldPatterns {
		for _, m := range re.FindAllStringSubmatch(body, -1) {
			v := strings.TrimSpace(tagRe.ReplaceAllString(m[1], ""))
			if v == "" {
				continue
			}
			if _, dup := seen[v]; dup {
				continue
			}
			seen[v] = struct{}{}
			ids = append(ids, v)
		}
	}
	return ids
}
