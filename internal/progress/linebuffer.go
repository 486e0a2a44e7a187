package progress

import (
	"bytes"
	"strings"
	"sync"
)

const maxPendingLine = 64 << 10

// LineBuffer is an io.Writer that splits the written stream on '\n' or '\r'
// and reports each complete, non-blank line through OnLine. Partial lines are
// held until their terminator arrives or Flush is called.
type LineBuffer struct {
	OnLine func(line string)

	mu      sync.Mutex
	pending []byte
}

// NewLineBuffer creates a LineBuffer delivering lines to cb.
func NewLineBuffer(cb func(line string)) *LineBuffer {
	return &LineBuffer{OnLine: cb}
}

func (b *LineBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	n := len(p)

	for len(p) > 0 {
		i := bytes.IndexAny(p, "\r\n")
		if i < 0 {
			b.pending = append(b.pending, p...)
			if len(b.pending) > maxPendingLine {
				b.emit()
			}

			break
		}

		b.pending = append(b.pending, p[:i]...)
		b.emit()
		p = p[i+1:]
	}

	return n, nil
}

// Flush delivers any held partial line.
func (b *LineBuffer) Flush() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.emit()
}

func (b *LineBuffer) emit() {
	line := strings.TrimSpace(string(b.pending))
	b.pending = b.pending[:0]

	if line == "" || b.OnLine == nil {
		return
	}

	b.OnLine(line)
}
