package dashboard

import (
	"bytes"
	"strings"
	"sync"

	"github.com/lowaak/smart-trainer/trainer-bridge/internal/events"
)

const maxLogLines = 1000

// LogBuffer is an io.Writer that keeps the most recent log lines for the log
// panel. It is handed to the logger as its console writer.
type LogBuffer struct {
	mu      sync.RWMutex
	partial bytes.Buffer
	lines   []string
	event   *events.ChannelEvent[string]
}

func NewLogBuffer() *LogBuffer {
	return &LogBuffer{
		lines: make([]string, 0, maxLogLines),
		event: events.NewChannelEvent[string](false),
	}
}

// Write splits p into lines. A trailing fragment without a newline is held
// until the rest of the line arrives.
func (b *LogBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	b.partial.Write(p)
	var added []string
	for {
		line, err := b.partial.ReadString('\n')
		if err != nil {
			// put the fragment back for the next write
			b.partial.Reset()
			b.partial.WriteString(line)
			break
		}
		added = append(added, strings.TrimRight(line, "\r\n"))
	}
	b.lines = append(b.lines, added...)
	if len(b.lines) > maxLogLines {
		b.lines = b.lines[len(b.lines)-maxLogLines:]
	}
	b.mu.Unlock()

	for _, line := range added {
		b.event.Notify(line)
	}
	return len(p), nil
}

// Tail returns the last n lines, oldest first.
func (b *LogBuffer) Tail(n int) []string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if n <= 0 {
		return nil
	}
	if n > len(b.lines) {
		n = len(b.lines)
	}
	out := make([]string, n)
	copy(out, b.lines[len(b.lines)-n:])
	return out
}

// Listen registers a channel that receives each new line.
// Returns a deregistration function that can be called to remove the listener
func (b *LogBuffer) Listen(ch chan<- string) func() {
	return b.event.Listen(ch)
}
