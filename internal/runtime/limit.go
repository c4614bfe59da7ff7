package runtime

import "bytes"

// LimitedBuffer keeps at most Max bytes and silently discards the rest while
// still reporting full writes, so copy loops drain the source.
type LimitedBuffer struct {
	Max       int
	buf       bytes.Buffer
	truncated bool
}

// NewLimitedBuffer returns a buffer capped at limit bytes; limit <= 0 means no cap.
func NewLimitedBuffer(limit int) *LimitedBuffer {
	return &LimitedBuffer{Max: limit}
}

func (b *LimitedBuffer) Write(p []byte) (int, error) {
	if b.Max <= 0 {
		return b.buf.Write(p)
	}
	room := b.Max - b.buf.Len()
	if room <= 0 {
		if len(p) > 0 {
			b.truncated = true
		}
		return len(p), nil
	}
	if len(p) > room {
		b.buf.Write(p[:room])
		b.truncated = true
		return len(p), nil
	}
	return b.buf.Write(p)
}

// Bytes returns the retained output.
func (b *LimitedBuffer) Bytes() []byte { return b.buf.Bytes() }

// Truncated reports whether any output was dropped.
func (b *LimitedBuffer) Truncated() bool { return b.truncated }
