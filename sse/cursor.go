package sse

import "fmt"

const (
	byteLF    = '\n'
	byteCR    = '\r'
	byteColon = ':'
	byteSpace = ' '
)

// cursor owns the carry buffer of a Framer and the two scan indices into it.
//
// Invariants:
//
//	0 <= start <= pos <= len(buf)
//	fieldLen == -1 || 0 <= fieldLen <= pos-start
//
// buf[start:pos] is the part of the current line already scanned; it is never
// scanned again. Everything before start has been handed out as a line.
type cursor struct {
	buf      []byte
	start    int
	pos      int
	fieldLen int
	skipLF   bool
}

func newCursor() cursor {
	return cursor{fieldLen: -1}
}

// append extends the carry buffer with a new chunk.
func (c *cursor) append(chunk []byte) {
	c.buf = append(c.buf, chunk...)
}

// nextLine returns the next complete line (without its terminator) and the
// offset of its first colon, or -1 when it has none. The returned slice
// aliases the carry buffer and is only valid until the next append or compact.
func (c *cursor) nextLine() (line []byte, fieldLen int, ok bool) {
	for c.pos < len(c.buf) {
		if c.skipLF {
			c.skipLF = false
			if c.buf[c.pos] == byteLF {
				c.pos++
				c.start = c.pos
				continue
			}
		}

		switch b := c.buf[c.pos]; b {
		case byteColon:
			if c.fieldLen == -1 {
				c.fieldLen = c.pos - c.start
			}
			c.pos++
		case byteCR, byteLF:
			line = c.buf[c.start:c.pos]
			fieldLen = c.fieldLen
			c.skipLF = b == byteCR
			c.pos++
			c.start = c.pos
			c.fieldLen = -1
			return line, fieldLen, true
		default:
			c.pos++
		}
	}
	return nil, -1, false
}

// compact drops every resolved byte. A fully consumed buffer is released
// instead of being kept around for the next chunk.
func (c *cursor) compact() {
	if c.start == len(c.buf) {
		c.buf = nil
		c.start, c.pos = 0, 0
		c.fieldLen = -1
		return
	}
	if c.start > 0 {
		n := copy(c.buf, c.buf[c.start:])
		c.buf = c.buf[:n]
		c.pos -= c.start
		c.start = 0
	}
}

// reset forgets the partial line, keeping nothing from the carry buffer.
func (c *cursor) reset() {
	*c = newCursor()
}

// pending returns how many unresolved bytes are carried.
func (c *cursor) pending() int {
	return len(c.buf) - c.start
}

// check verifies the cursor invariants.
func (c *cursor) check() error {
	if c.start < 0 || c.start > c.pos || c.pos > len(c.buf) {
		return fmt.Errorf("cursor out of bounds: start=%d pos=%d len=%d", c.start, c.pos, len(c.buf))
	}
	if c.fieldLen < -1 || c.fieldLen > c.pos-c.start {
		return fmt.Errorf("cursor field length %d outside scanned line of %d bytes", c.fieldLen, c.pos-c.start)
	}
	return nil
}
