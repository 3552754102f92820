package capture

import (
	"context"
	"fmt"
	"strings"

	"github.com/use-agent/evidence/browser"
)

// pathJS walks from the element up to, but excluding, <body> and reports
// each level innermost first. The walk stops at the first element with an
// id since #id alone identifies it.
const pathJS = `(el) => {
	const out = [];
	for (let n = el; n && n.nodeType === 1 && n.tagName !== 'BODY' && n.tagName !== 'HTML'; n = n.parentElement) {
		const parent = n.parentElement;
		out.push({
			tag: n.tagName.toLowerCase(),
			id: n.id ? CSS.escape(n.id) : '',
			index: parent ? Array.prototype.indexOf.call(parent.children, n) + 1 : 1,
		});
		if (n.id) break;
	}
	return out;
}`

// pathSegment is one ancestor level reported by pathJS.
type pathSegment struct {
	Tag   string `json:"tag"`
	ID    string `json:"id"`
	Index int    `json:"index"`
}

// deriveSelector builds a CSS selector for a resolved element.
func deriveSelector(ctx context.Context, h browser.ElementHandle) (string, error) {
	segs, err := browser.EvaluateOn[[]pathSegment](ctx, h, pathJS)
	if err != nil {
		return "", fmt.Errorf("derive selector: %w", err)
	}
	return buildSelector(segs), nil
}

// buildSelector joins innermost-first path segments into a selector. An id
// ends the walk and the result is anchored on it; otherwise every level is
// tag:nth-child(i) under "body > ".
func buildSelector(segs []pathSegment) string {
	if len(segs) == 0 {
		return "body"
	}

	parts := make([]string, 0, len(segs))
	byID := false
	for _, s := range segs {
		if s.ID != "" {
			parts = append(parts, "#"+s.ID)
			byID = true
			break
		}
		parts = append(parts, fmt.Sprintf("%s:nth-child(%d)", s.Tag, s.Index))
	}

	for i, j := 0, len(parts)-1; i < j; i, j = i+1, j-1 {
		parts[i], parts[j] = parts[j], parts[i]
	}

	sel := strings.Join(parts, " > ")
	if byID {
		return sel
	}
	return "body > " + sel
}

// xpathLiteral quotes s as an XPath 1.0 string literal. XPath has no escape
// sequences, so text holding both quote kinds is split into a concat().
func xpathLiteral(s string) string {
	if !strings.Contains(s, "'") {
		return "'" + s + "'"
	}
	if !strings.Contains(s, `"`) {
		return `"` + s + `"`
	}

	var b strings.Builder
	b.WriteString("concat(")
	for i, chunk := range strings.Split(s, "'") {
		if i > 0 {
			b.WriteString(`, "'", `)
		}
		b.WriteString("'" + chunk + "'")
	}
	b.WriteString(")")
	return b.String()
}
