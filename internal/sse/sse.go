// Package sse forwards upstream server-sent-event streams to the client while
// parsing the framing in flight to extract token usage. Bytes are forwarded
// verbatim; only the meter looks inside them.
package sse

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"

	"github.com/yourflock/perch/internal/bufpool"
)

// Meter incrementally parses SSE framing fed to it chunk by chunk.
//
// Recognised terminators: `data: [DONE]` (OpenAI protocol) and an
// `event: message_stop` frame (Anthropic protocol). Usage is taken from any
// data frame carrying a usage object; the last non-zero observation wins.
type Meter struct {
	carry []byte // partial line from the previous chunk

	curEvent string
	total    int64
	input    int64
	output   int64
	complete bool
	sawUsage bool
}

type usageFields struct {
	TotalTokens  int64 `json:"total_tokens"`
	InputTokens  int64 `json:"input_tokens"`
	OutputTokens int64 `json:"output_tokens"`
}

type dataPayload struct {
	Usage   *usageFields `json:"usage"`
	Message *struct {
		Usage *usageFields `json:"usage"`
	} `json:"message"`
}

// Feed consumes the next chunk of the stream.
func (m *Meter) Feed(chunk []byte) {
	buf := chunk
	if len(m.carry) > 0 {
		buf = append(m.carry, chunk...)
		m.carry = nil
	}
	for {
		i := bytes.IndexByte(buf, '\n')
		if i < 0 {
			break
		}
		m.line(buf[:i])
		buf = buf[i+1:]
	}
	if len(buf) > 0 {
		m.carry = append([]byte(nil), buf...)
	}
}

func (m *Meter) line(raw []byte) {
	line := bytes.TrimSuffix(raw, []byte("\r"))
	if len(line) == 0 {
		// Blank line ends the event.
		if m.curEvent == "message_stop" {
			m.complete = true
		}
		m.curEvent = ""
		return
	}
	if line[0] == ':' {
		return // comment
	}
	field, value, ok := bytes.Cut(line, []byte(":"))
	if !ok {
		return
	}
	value = bytes.TrimPrefix(value, []byte(" "))
	switch string(field) {
	case "event":
		m.curEvent = string(value)
	case "data":
		m.data(value)
	}
}

func (m *Meter) data(payload []byte) {
	if bytes.Equal(payload, []byte("[DONE]")) {
		m.complete = true
		return
	}
	var p dataPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return
	}
	u := p.Usage
	if u == nil && p.Message != nil {
		u = p.Message.Usage
	}
	if u == nil {
		return
	}
	if u.TotalTokens > 0 {
		m.total = u.TotalTokens
		m.sawUsage = true
	}
	if u.InputTokens > 0 {
		m.input = u.InputTokens
		m.sawUsage = true
	}
	if u.OutputTokens > 0 {
		m.output = u.OutputTokens
		m.sawUsage = true
	}
}

// Usage returns the metered token count and whether the upstream ever
// reported one. Callers fall back to the admitted estimate when ok is false.
func (m *Meter) Usage() (tokens int64, ok bool) {
	if !m.sawUsage {
		return 0, false
	}
	if m.total > 0 {
		return m.total, true
	}
	return m.input + m.output, true
}

// Complete reports whether a terminal frame was observed.
func (m *Meter) Complete() bool { return m.complete }

// Forward pipes body to w through a pooled buffer, feeding every chunk to
// the meter and flushing after each client write so frames are delivered as
// they arrive. Writes are synchronous: a slow client stalls upstream reads.
// Returns the bytes written and the first error from either side; a nil
// error means the upstream ended the stream.
func Forward(w io.Writer, body io.Reader, chunkSize int, m *Meter) (int64, error) {
	buf := bufpool.Get(chunkSize)
	defer bufpool.Put(buf)

	flusher, _ := w.(http.Flusher)
	var written int64
	for {
		n, readErr := body.Read(buf)
		if n > 0 {
			m.Feed(buf[:n])
			wn, writeErr := w.Write(buf[:n])
			written += int64(wn)
			if writeErr != nil {
				return written, writeErr
			}
			if flusher != nil {
				flusher.Flush()
			}
		}
		if readErr != nil {
			if readErr == io.EOF {
				return written, nil
			}
			return written, readErr
		}
	}
}
