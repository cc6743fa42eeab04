package sse

import (
	"bytes"
	"time"
)

// CloseSentinel is the record id a server sends to end a stream for good.
const CloseSentinel = ":CLOSE:"

// Message is one record decoded from the stream.
type Message struct {
	// Event is the record's event name; empty for plain data records.
	Event string `json:"event,omitempty"`
	Data  string `json:"data"`
	// ID is the resume token in effect when the record was flushed.
	ID string `json:"id,omitempty"`
}

// IsNamed reports whether the record carried an event name.
func (m Message) IsNamed() bool { return m.Event != "" }

// Framer turns arbitrary byte chunks into records. It is not safe for
// concurrent use; a Session confines it to its Run goroutine.
type Framer struct {
	cur cursor

	event   string
	data    []byte
	hasData bool

	lastID   string
	retry    time.Duration
	hasRetry bool
	closed   bool
}

// NewFramer creates a Framer whose resume token starts at lastID.
func NewFramer(lastID string) *Framer {
	return &Framer{cur: newCursor(), lastID: lastID}
}

// Feed consumes a chunk and returns every record completed by it. Once the
// close sentinel has been seen, Feed returns nothing.
func (f *Framer) Feed(chunk []byte) []Message {
	if f.closed {
		return nil
	}
	f.cur.append(chunk)

	var out []Message
	for {
		line, fieldLen, ok := f.cur.nextLine()
		if !ok {
			break
		}
		if len(line) == 0 {
			if msg, ok := f.flush(); ok {
				out = append(out, msg)
			}
			continue
		}
		f.field(line, fieldLen)
		if f.closed {
			f.cur.reset()
			return out
		}
	}
	f.cur.compact()
	return out
}

func (f *Framer) field(line []byte, fieldLen int) {
	// 以冒号开头的行是注释
	if fieldLen == 0 {
		return
	}

	var name, value []byte
	if fieldLen < 0 {
		name = line
	} else {
		name = line[:fieldLen]
		offset := fieldLen + 1
		if offset < len(line) && line[offset] == byteSpace {
			offset++
		}
		value = line[offset:]
	}

	switch string(name) {
	case "data":
		if f.hasData {
			f.data = append(f.data, byteLF)
		}
		f.data = append(f.data, value...)
		f.hasData = true
	case "event":
		f.event = string(value)
	case "id":
		if len(value) == 0 || bytes.IndexByte(value, 0) >= 0 {
			return
		}
		f.lastID = string(value)
		if f.lastID == CloseSentinel {
			f.closed = true
		}
	case "retry":
		if ms, ok := parseDigits(value); ok {
			f.retry = time.Duration(ms) * time.Millisecond
			f.hasRetry = true
		}
	}
}

func (f *Framer) flush() (Message, bool) {
	defer func() {
		f.event = ""
		f.data = f.data[:0]
		f.hasData = false
	}()

	if f.event == "" && !f.hasData {
		return Message{}, false
	}
	return Message{Event: f.event, Data: string(f.data), ID: f.lastID}, true
}

// LastID returns the most recent non-empty id, the resume token.
func (f *Framer) LastID() string { return f.lastID }

// Retry returns the most recent server-requested reconnect delay.
func (f *Framer) Retry() (time.Duration, bool) { return f.retry, f.hasRetry }

// Closed reports whether the close sentinel has been seen.
func (f *Framer) Closed() bool { return f.closed }

// Reset drops any partial line and in-progress record. The resume token and
// retry hint survive, as they belong to the stream rather than the connection.
func (f *Framer) Reset() {
	f.cur.reset()
	f.event = ""
	f.data = f.data[:0]
	f.hasData = false
	f.closed = false
}

// Buffered returns the number of carried bytes not yet resolved into a line.
func (f *Framer) Buffered() int { return f.cur.pending() }

func parseDigits(b []byte) (int64, bool) {
	if len(b) == 0 || len(b) > 18 {
		return 0, false
	}
	var n int64
	for _, c := range b {
		if c < '0' || c > '9' {
			return 0, false
		}
		n = n*10 + int64(c-'0')
	}
	return n, true
}
