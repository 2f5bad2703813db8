package runtime

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestParserCountsMarkers(t *testing.T) {
	p := newOutputParser()
	lines := []string{
		"[tool] browser.click",
		"TOOL_CALL search_web",
		"[navigate] https://example.com/pricing",
		"page.goto(https://example.com/docs)",
		"[screenshot] step-1.png",
		"Screenshot saved to /tmp/shot.png",
		"[request] GET /api/items",
		"HTTP request completed in 120ms",
		"[error] element not found",
		"Error: timeout waiting for selector",
		"unhandled exception in frame",
		"plain log line with nothing interesting",
	}
	for _, l := range lines {
		p.Consume(l)
	}

	m, _ := p.Snapshot()
	assert.EqualValues(t, 2, m.ToolCalls)
	assert.EqualValues(t, 2, m.PagesVisited)
	assert.EqualValues(t, 2, m.Screenshots)
	assert.EqualValues(t, 2, m.NetworkRequests)
	assert.EqualValues(t, 3, m.Errors)
}

func TestParserTracksPhase(t *testing.T) {
	p := newOutputParser()
	p.Consume("[phase] navigation")
	_, phase := p.Snapshot()
	assert.Equal(t, "navigation", phase)

	p.Consume("[phase] extraction")
	_, phase = p.Snapshot()
	assert.Equal(t, "extraction", phase)

	// A phase line is not also counted as a marker.
	m, _ := p.Snapshot()
	assert.Zero(t, m.ToolCalls+m.PagesVisited+m.Screenshots+m.NetworkRequests+m.Errors)
}

func TestParserFirstMarkerWins(t *testing.T) {
	p := newOutputParser()
	// Contains both a tool marker and an error keyword; counted once.
	p.Consume("[tool] retry after error: connection reset")
	m, _ := p.Snapshot()
	assert.EqualValues(t, 1, m.ToolCalls)
	assert.Zero(t, m.Errors)
}

func TestParseQuestionMarker(t *testing.T) {
	q, ok := parseQuestion("[question] pick option A or B?")
	assert.True(t, ok)
	assert.Equal(t, "pick option A or B?", q)

	_, ok = parseQuestion("[question]   ")
	assert.False(t, ok)

	_, ok = parseQuestion("ordinary output")
	assert.False(t, ok)
}
