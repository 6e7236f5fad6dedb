package signalparse

import (
	"strings"
)

// MaxPendingSize bounds the partial line held between chunks (256 KiB).
// A line that grows past it is dropped up to its terminating newline.
const MaxPendingSize = 256 * 1024

// LineBuffer reassembles complete lines from arbitrarily split output chunks.
// Lines end at "\n"; a trailing "\r" is removed. Not safe for concurrent use.
type LineBuffer struct {
	pending    strings.Builder
	overflowed bool
}

// Split appends chunk and returns every line it completes, in order
func (b *LineBuffer) Split(chunk string) []string {
	var lines []string
	for {
		idx := strings.IndexByte(chunk, '\n')
		if idx < 0 {
			break
		}
		part := chunk[:idx]
		chunk = chunk[idx+1:]

		if b.overflowed {
			b.overflowed = false
			b.pending.Reset()
			continue
		}

		var line string
		if b.pending.Len() > 0 {
			b.pending.WriteString(part)
			line = b.pending.String()
			b.pending.Reset()
		} else {
			line = part
		}
		lines = append(lines, strings.TrimSuffix(line, "\r"))
	}

	if b.overflowed {
		return lines
	}
	if b.pending.Len()+len(chunk) > MaxPendingSize {
		b.pending.Reset()
		b.overflowed = true
		return lines
	}
	b.pending.WriteString(chunk)
	return lines
}

// Pending returns the incomplete trailing line
func (b *LineBuffer) Pending() string {
	return b.pending.String()
}

// Reset discards any buffered partial line
func (b *LineBuffer) Reset() {
	b.pending.Reset()
	b.overflowed = false
}

// Parser combines a LineBuffer with ParseLine for one output stream
type Parser struct {
	buf LineBuffer
}

// Feed consumes a chunk and returns the signals found on completed lines,
// along with the number of marker-bearing lines that were discarded as malformed.
func (p *Parser) Feed(chunk string) (signals []Signal, malformed int) {
	for _, line := range p.buf.Split(chunk) {
		sig, err := ParseLine(line)
		if err != nil {
			malformed++
			continue
		}
		if sig != nil {
			signals = append(signals, *sig)
		}
	}
	return signals, malformed
}
