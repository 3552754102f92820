package capture

import (
	"context"
	"fmt"
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFilterCandidates(t *testing.T) {
	nodes := []textNode{
		node("ok"),
		node(strings.Repeat("x", 101)),
		node(strings.Repeat("y", 100)),
		node("  Revenue grew 12%  "),
		{Text: "Hidden label", Width: 0, Height: 20},
		// Dominated: the child below carries the same text.
		{Text: "Card title", Width: 300, Height: 200, ChildTexts: []string{" Card title "}},
		node("Card title"),
		node("Revenue grew 12%"),
		// Three runes, nine bytes.
		node("日本語"),
	}

	got := filterCandidates(nodes)

	assert.Equal(t, []string{
		strings.Repeat("y", 100),
		"Revenue grew 12%",
		"Card title",
		"日本語",
	}, got)
}

func TestFilterCandidatesBounds(t *testing.T) {
	var nodes []textNode
	for i := 0; i < 120; i++ {
		nodes = append(nodes, node(fmt.Sprintf("candidate %03d", i%80)))
	}

	got := filterCandidates(nodes)

	require.Len(t, got, MaxCandidates)
	seen := map[string]bool{}
	for i, c := range got {
		assert.Equal(t, fmt.Sprintf("candidate %03d", i), c, "DOM order is preserved")
		n := utf8.RuneCountInString(c)
		assert.GreaterOrEqual(t, n, MinCandidateLen)
		assert.LessOrEqual(t, n, MaxCandidateLen)
		assert.False(t, seen[c], "duplicate %q", c)
		seen[c] = true
	}
}

func TestReconnoiterEvaluatesTagSet(t *testing.T) {
	page := newFakePage()
	page.nodes = []textNode{node("Headline text")}

	got, err := Reconnoiter(context.Background(), page)
	require.NoError(t, err)
	assert.Equal(t, []string{"Headline text"}, got)
}

func TestReconnoiterError(t *testing.T) {
	page := newFakePage()
	page.reconErr = fmt.Errorf("execution context destroyed")

	_, err := Reconnoiter(context.Background(), page)
	assert.ErrorContains(t, err, "execution context destroyed")
}
