package capture

import (
	"context"
	"strings"
	"unicode/utf8"

	"github.com/use-agent/evidence/browser"
)

// Reconnaissance bounds.
const (
	MinCandidateLen = 3
	MaxCandidateLen = 100
	MaxCandidates   = 50
)

// reconTags is the element set enumerated for text candidates.
const reconTags = "h1,h2,h3,h4,h5,h6,p,span,td,th,div,a,button"

// reconJS dumps the raw text, rendered size and direct child texts of every
// element in reconTags. Filtering happens in Go; the script only drops
// texts too long to ever qualify so the payload stays small.
const reconJS = `(tags) => {
	const out = [];
	for (const el of document.querySelectorAll(tags)) {
		const text = (el.innerText || '').trim();
		if (text === '' || text.length > 400) continue;
		const r = el.getBoundingClientRect();
		out.push({
			text: text,
			width: r.width,
			height: r.height,
			child_texts: Array.from(el.children, (c) => (c.innerText || '').trim()),
		});
	}
	return out;
}`

// textNode is one element as seen by reconJS.
type textNode struct {
	Text       string   `json:"text"`
	Width      float64  `json:"width"`
	Height     float64  `json:"height"`
	ChildTexts []string `json:"child_texts"`
}

// dominated reports whether a direct child carries exactly the same text,
// in which case the child is the better anchor target.
func (n textNode) dominated(text string) bool {
	for _, c := range n.ChildTexts {
		if strings.TrimSpace(c) == text {
			return true
		}
	}
	return false
}

// Reconnoiter returns up to MaxCandidates distinct visible text strings
// from the loaded page, in DOM order. It performs no waiting: callers must
// let client-side rendering settle first.
func Reconnoiter(ctx context.Context, page browser.Page) ([]string, error) {
	nodes, err := browser.Evaluate[[]textNode](ctx, page, reconJS, reconTags)
	if err != nil {
		return nil, err
	}
	return filterCandidates(nodes), nil
}

func filterCandidates(nodes []textNode) []string {
	seen := make(map[string]struct{}, len(nodes))
	out := make([]string, 0, MaxCandidates)
	for _, n := range nodes {
		text := strings.TrimSpace(n.Text)
		if l := utf8.RuneCountInString(text); l < MinCandidateLen || l > MaxCandidateLen {
			continue
		}
		if n.Width <= 0 || n.Height <= 0 {
			continue
		}
		if n.dominated(text) {
			continue
		}
		if _, dup := seen[text]; dup {
			continue
		}
		seen[text] = struct{}{}
		out = append(out, text)
		if len(out) == MaxCandidates {
			break
		}
	}
	return out
}
