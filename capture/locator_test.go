package capture

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/use-agent/evidence/browser"
)

func TestLocateFirstSuccessWins(t *testing.T) {
	page := newFakePage()
	page.byText["Second anchor"] = []*fakeElement{{box: visible(0, 0, 50, 10), path: []pathSegment{{Tag: "p", Index: 3}}}}
	page.byText["Third anchor"] = []*fakeElement{{box: visible(0, 0, 50, 10), path: []pathSegment{{Tag: "h2", Index: 1}}}}

	l := NewElementLocator(time.Second)
	m, tried := l.Locate(context.Background(), page, []string{"First anchor", "Second anchor", "Third anchor"})

	require.NotNil(t, m)
	assert.Equal(t, "Second anchor", m.Anchor)
	assert.Equal(t, StrategyTextLocator, m.Strategy)
	assert.Equal(t, "body > p:nth-child(3)", m.Selector)
	assert.Equal(t, []string{"First anchor", "Second anchor"}, tried)
}

func TestLocateUsesFirstLineOfAnchor(t *testing.T) {
	page := newFakePage()
	page.byText["Revenue"] = []*fakeElement{{box: visible(1, 2, 3, 4), path: []pathSegment{{Tag: "td", ID: "cell"}}}}

	m, tried := NewElementLocator(time.Second).Locate(context.Background(), page, []string{"  Revenue  \n$42.3M\nQ3"})

	require.NotNil(t, m)
	assert.Equal(t, "Revenue", m.Anchor)
	assert.Equal(t, "#cell", m.Selector)
	assert.Equal(t, browser.Rect{X: 1, Y: 2, Width: 3, Height: 4}, m.Box)
	assert.Equal(t, []string{"Revenue"}, tried)
}

func TestLocateFallsBackToXPath(t *testing.T) {
	page := newFakePage()
	// Text match exists but is not rendered.
	page.byText["Pricing"] = []*fakeElement{{box: nil}}
	page.byXPath[`//*[contains(text(), 'Pricing')]`] = []*fakeElement{{
		box:  visible(10, 20, 30, 40),
		path: []pathSegment{{Tag: "a", Index: 2}, {Tag: "li", Index: 4}, {Tag: "ul", Index: 1}},
	}}

	m, _ := NewElementLocator(time.Second).Locate(context.Background(), page, []string{"Pricing"})

	require.NotNil(t, m)
	assert.Equal(t, StrategyXPath, m.Strategy)
	assert.Equal(t, "body > ul:nth-child(1) > li:nth-child(4) > a:nth-child(2)", m.Selector)
}

func TestLocateSkipsZeroAreaAndSelectorFailures(t *testing.T) {
	page := newFakePage()
	page.byText["Alpha"] = []*fakeElement{{box: visible(0, 0, 0, 10)}}
	page.byXPath[`//*[contains(text(), 'Alpha')]`] = []*fakeElement{{box: visible(0, 0, 5, 5), pathErr: errors.New("detached")}}

	m, tried := NewElementLocator(time.Second).Locate(context.Background(), page, []string{"Alpha"})

	assert.Nil(t, m)
	assert.Equal(t, []string{"Alpha"}, tried)
}

func TestLocateIgnoresBlankAnchors(t *testing.T) {
	m, tried := NewElementLocator(time.Second).Locate(context.Background(), newFakePage(), []string{"", "   ", "\nsecond"})
	assert.Nil(t, m)
	assert.Empty(t, tried)
}

func TestLocateStopsWhenContextDone(t *testing.T) {
	page := newFakePage()
	page.byText["Late"] = []*fakeElement{{box: visible(0, 0, 5, 5)}}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	m, _ := NewElementLocator(time.Second).Locate(ctx, page, []string{"Late"})
	assert.Nil(t, m)
}

func TestNormalizeAnchor(t *testing.T) {
	cases := map[string]string{
		"plain":              "plain",
		"  padded  ":         "padded",
		"first\nsecond":      "first",
		" first \r\n second": "first",
		"\nleading newline":  "",
	}
	for in, want := range cases {
		assert.Equal(t, want, normalizeAnchor(in), "input %q", in)
	}
}
