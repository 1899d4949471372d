package sandbox

import (
	"bytes"
	"sync"
)

// defaultMaxOutput caps captured output when no limit is configured (1MB).
const defaultMaxOutput = 1 << 20

// truncationNotice is appended to the captured output when the cap was hit.
const truncationNotice = "\n...[output truncated]"

// OutputBuffer collects everything an execution prints, from console
// calls in the VM or the interpreter's stdout and stderr, under a hard
// byte cap. Writes past the cap are dropped, never errored, so process
// output copying cannot fail mid-stream.
type OutputBuffer struct {
	mu        sync.Mutex
	buf       bytes.Buffer
	max       int
	truncated bool
}

// NewOutputBuffer creates a buffer capped at maxBytes. A non-positive
// cap falls back to the package default.
func NewOutputBuffer(maxBytes int) *OutputBuffer {
	if maxBytes <= 0 {
		maxBytes = defaultMaxOutput
	}
	return &OutputBuffer{max: maxBytes}
}

// Write implements io.Writer. It always reports the full length as
// written; bytes past the cap are silently dropped.
func (b *OutputBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	room := b.max - b.buf.Len()
	if room <= 0 {
		b.truncated = true
		return len(p), nil
	}
	if len(p) > room {
		b.buf.Write(p[:room])
		b.truncated = true
		return len(p), nil
	}
	b.buf.Write(p)
	return len(p), nil
}

// WriteLine appends one line of console output.
func (b *OutputBuffer) WriteLine(line string) {
	b.Write([]byte(line + "\n")) //nolint:errcheck // Write never fails
}

// String returns the captured output, with a truncation notice appended
// if the cap was hit.
func (b *OutputBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.truncated {
		return b.buf.String() + truncationNotice
	}
	return b.buf.String()
}

// Truncated reports whether any output was dropped.
func (b *OutputBuffer) Truncated() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	return b.truncated
}

// Len returns the number of captured bytes, excluding any notice.
func (b *OutputBuffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()

	return b.buf.Len()
}
