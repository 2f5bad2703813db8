package runtime

import (
	"strings"
	"sync"

	"github.com/itskum47/flotilla/protocol"
)

// outputParser scans agent stdout/stderr lines for observable markers and
// keeps per-task counters. The agent's output format is not a contract;
// matching is deliberately loose.
type outputParser struct {
	mu      sync.Mutex
	metrics protocol.TaskMetrics
	phase   string
}

func newOutputParser() *outputParser {
	return &outputParser{}
}

// markers, checked in order; the first hit wins for a line.
var lineMarkers = []struct {
	needle string
	apply  func(m *protocol.TaskMetrics)
}{
	{"[tool]", func(m *protocol.TaskMetrics) { m.ToolCalls++ }},
	{"tool_call", func(m *protocol.TaskMetrics) { m.ToolCalls++ }},
	{"[navigate]", func(m *protocol.TaskMetrics) { m.PagesVisited++ }},
	{"page.goto", func(m *protocol.TaskMetrics) { m.PagesVisited++ }},
	{"[screenshot]", func(m *protocol.TaskMetrics) { m.Screenshots++ }},
	{"screenshot saved", func(m *protocol.TaskMetrics) { m.Screenshots++ }},
	{"[request]", func(m *protocol.TaskMetrics) { m.NetworkRequests++ }},
	{"http request", func(m *protocol.TaskMetrics) { m.NetworkRequests++ }},
	{"[error]", func(m *protocol.TaskMetrics) { m.Errors++ }},
	{"error:", func(m *protocol.TaskMetrics) { m.Errors++ }},
	{"exception", func(m *protocol.TaskMetrics) { m.Errors++ }},
}

// Consume processes one output line.
func (p *outputParser) Consume(line string) {
	lower := strings.ToLower(line)

	p.mu.Lock()
	defer p.mu.Unlock()

	if phase, ok := parsePhase(lower); ok {
		p.phase = phase
		return
	}
	for _, m := range lineMarkers {
		if strings.Contains(lower, m.needle) {
			m.apply(&p.metrics)
			return
		}
	}
}

// parsePhase recognizes "[phase] <name>" markers.
func parsePhase(lower string) (string, bool) {
	const tag = "[phase]"
	i := strings.Index(lower, tag)
	if i < 0 {
		return "", false
	}
	phase := strings.TrimSpace(lower[i+len(tag):])
	if phase == "" {
		return "", false
	}
	return phase, true
}

// Snapshot returns the current counters and phase.
func (p *outputParser) Snapshot() (protocol.TaskMetrics, string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.metrics, p.phase
}
