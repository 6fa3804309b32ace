package supervisor

import (
	"bufio"
	"io"
	"strings"
	"sync"
)

// stderrTail keeps the last few lines of a subprocess's stderr so that a
// failure can be classified and surfaced after the process exits.
type stderrTail struct {
	mu    sync.Mutex
	lines []string
	max   int
}

func newStderrTail(max int) *stderrTail {
	return &stderrTail{max: max}
}

// consume reads r line by line until EOF, keeping the last max lines.
func (t *stderrTail) consume(r io.Reader) {
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		t.mu.Lock()
		t.lines = append(t.lines, line)
		if len(t.lines) > t.max {
			t.lines = t.lines[len(t.lines)-t.max:]
		}
		t.mu.Unlock()
	}
}

// String joins the retained lines.
func (t *stderrTail) String() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return strings.Join(t.lines, "\n")
}
