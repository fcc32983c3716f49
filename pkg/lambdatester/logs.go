package lambdatester

import (
	"encoding/json"
	"fmt"
	"sync"
	"unicode/utf8"
)

const defaultMaxLogBytes = 1 * 1024 * 1024

type logCollector struct {
	mu        sync.Mutex
	maxBytes  int
	bytesUsed int
	truncated bool
	lines     []string
}

func newLogCollector(maxBytes int) *logCollector {
	if maxBytes <= 0 {
		maxBytes = defaultMaxLogBytes
	}
	return &logCollector{maxBytes: maxBytes}
}

// Append records one line as "[level] <json>", truncating once the byte
// budget is used up.
func (l *logCollector) Append(level string, value any) {
	l.mu.Lock()
	defer l.mu.Unlock()
	line := fmt.Sprintf("[%s] %s", level, JSONString(value))
	if l.bytesUsed+len(line) > l.maxBytes {
		remaining := l.maxBytes - l.bytesUsed
		for remaining > 0 && !utf8.RuneStart(line[remaining]) {
			remaining--
		}
		if remaining > 0 {
			line = line[:remaining]
			l.lines = append(l.lines, line)
			l.bytesUsed += len(line)
		}
		l.truncated = true
		return
	}
	l.lines = append(l.lines, line)
	l.bytesUsed += len(line)
}

func (l *logCollector) Logs() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]string, len(l.lines))
	copy(out, l.lines)
	return out
}

func (l *logCollector) Truncated() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.truncated
}

// JSONString renders v as JSON, or "null" when it cannot be encoded.
func JSONString(v any) string {
	if v == nil {
		return "null"
	}
	b, err := json.Marshal(v)
	if err != nil {
		return "null"
	}
	return string(b)
}
