package automation

import (
	"bufio"
	"encoding/json"
	"io"
	"strings"
	"sync"

	"github.com/prodcast/worker/pkg/domain/job"
	"github.com/prodcast/worker/pkg/logger"
)

// progressPrefix marks a stdout line carrying a JSON progress event.
const progressPrefix = "@progress "

// capBuffer keeps the first limit bytes written to it.
type capBuffer struct {
	mu        sync.Mutex
	buf       strings.Builder
	limit     int
	truncated bool
}

func newCapBuffer(limit int) *capBuffer {
	return &capBuffer{limit: limit}
}

// Write implements io.Writer. It never fails so a chatty tool is never
// blocked on its output pipe.
func (b *capBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	room := b.limit - b.buf.Len()
	switch {
	case room <= 0:
		b.truncated = b.truncated || len(p) > 0
	case len(p) > room:
		b.buf.Write(p[:room])
		b.truncated = true
	default:
		b.buf.Write(p)
	}
	return len(p), nil
}

// String returns the captured text, cut on a rune boundary.
func (b *capBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return job.Truncate(b.buf.String(), b.limit)
}

// scanStdout splits tool stdout into progress events and log lines.
func scanStdout(r io.Reader, log io.Writer, onProgress func(job.Progress), l *logger.Logger) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)

	for scanner.Scan() {
		line := scanner.Text()
		if rest, ok := strings.CutPrefix(line, progressPrefix); ok {
			var p job.Progress
			if err := json.Unmarshal([]byte(rest), &p); err != nil {
				l.Debug("ignoring malformed progress line", "error", err)
				continue
			}
			if onProgress != nil {
				onProgress(p)
			}
			continue
		}
		_, _ = io.WriteString(log, line+"\n")
	}
	if err := scanner.Err(); err != nil {
		l.Warn("tool stdout scan stopped", "error", err)
		// Drain so the tool does not block on a full pipe.
		_, _ = io.Copy(io.Discard, r)
	}
}
