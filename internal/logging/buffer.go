package logging

import (
	"sync"

	"go.uber.org/zap/zapcore"
)

// bufferCapacity bounds how many recent log lines getLinks' debug mode
// can return; older entries are evicted first.
const bufferCapacity = 200

// BufferCore is a zapcore.Core that keeps the most recent log entries
// in memory, letting the admin RPC surface return recent diagnostics
// via getLinks' debug flag without a separate log-tailing mechanism.
// Adapted from the teacher's LogBufferCore, generalized from a
// flush-on-demand buffer into a bounded ring read non-destructively.
type BufferCore struct {
	mu      sync.Mutex
	entries []string
	level   zapcore.LevelEnabler
}

// NewBufferCore constructs a BufferCore accepting entries at or above level.
func NewBufferCore(level zapcore.LevelEnabler) *BufferCore {
	return &BufferCore{level: level}
}

func (c *BufferCore) Enabled(lvl zapcore.Level) bool { return c.level.Enabled(lvl) }

func (c *BufferCore) With(fields []zapcore.Field) zapcore.Core { return c }

func (c *BufferCore) Check(entry zapcore.Entry, ce *zapcore.CheckedEntry) *zapcore.CheckedEntry {
	if c.Enabled(entry.Level) {
		return ce.AddCore(entry, c)
	}
	return ce
}

func (c *BufferCore) Write(entry zapcore.Entry, fields []zapcore.Field) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	line := entry.Level.String() + " " + entry.Message
	c.entries = append(c.entries, line)
	if len(c.entries) > bufferCapacity {
		c.entries = c.entries[len(c.entries)-bufferCapacity:]
	}
	return nil
}

func (c *BufferCore) Sync() error { return nil }

// Recent returns a copy of the most recent n buffered log lines
// (fewer if the buffer holds less), newest last.
func (c *BufferCore) Recent(n int) []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if n <= 0 || n > len(c.entries) {
		n = len(c.entries)
	}
	out := make([]string, n)
	copy(out, c.entries[len(c.entries)-n:])
	return out
}

var _ zapcore.Core = (*BufferCore)(nil)
