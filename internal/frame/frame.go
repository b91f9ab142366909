// Package frame implements the multiplexed byte framing used by the sprite
// exec stream. Each frame starts with a one-byte tag identifying the logical
// channel; stdout and stderr payloads run until the next tag byte or the end
// of the stream, and an exit frame carries exactly one byte (the exit code).
package frame

import (
	"bytes"
	"fmt"
	"io"
)

// Channel identifies the logical stream a chunk belongs to.
type Channel byte

const (
	Stdout Channel = 1
	Stderr Channel = 2
	Exit   Channel = 3
)

// Interrupt is the single byte written to signal the agent process.
const Interrupt byte = 0x03

// Chunk is one decoded frame payload.
type Chunk struct {
	Channel  Channel
	Data     []byte
	ExitCode int
}

type decodeState int

const (
	stateTag decodeState = iota
	statePayload
	stateExitCode
)

// Decoder reassembles frames from an interleaved byte stream. Frames may be
// split arbitrarily across reads; the decoder carries its state between
// Feed calls.
type Decoder struct {
	state   decodeState
	channel Channel
}

// NewDecoder returns a decoder positioned before the first tag byte.
func NewDecoder() *Decoder {
	return &Decoder{state: stateTag}
}

func isTag(b byte) bool {
	return b == byte(Stdout) || b == byte(Stderr) || b == byte(Exit)
}

// Feed consumes the next read from the stream and returns the chunks it
// completes. Payload data is copied, so p may be reused by the caller.
// Zero-length payloads produce no chunk.
func (d *Decoder) Feed(p []byte) []Chunk {
	var chunks []Chunk

	for len(p) > 0 {
		switch d.state {
		case stateTag:
			switch Channel(p[0]) {
			case Stdout, Stderr:
				d.channel = Channel(p[0])
				d.state = statePayload
			case Exit:
				d.state = stateExitCode
			default:
				// Unknown tag: skip the byte rather than poisoning the stream.
			}
			p = p[1:]

		case statePayload:
			end := len(p)
			for i, b := range p {
				if isTag(b) {
					end = i
					break
				}
			}
			if end > 0 {
				data := make([]byte, end)
				copy(data, p[:end])
				chunks = append(chunks, Chunk{Channel: d.channel, Data: data})
			}
			p = p[end:]
			if len(p) > 0 {
				d.state = stateTag
			}

		case stateExitCode:
			chunks = append(chunks, Chunk{Channel: Exit, ExitCode: int(p[0])})
			d.state = stateTag
			p = p[1:]
		}
	}

	return chunks
}

// Encode builds one frame. Exit frames take the exit code as a single
// payload byte.
func Encode(ch Channel, payload []byte) []byte {
	out := make([]byte, 0, len(payload)+1)
	out = append(out, byte(ch))
	return append(out, payload...)
}

// Result is the fully drained output of a blocking exec stream.
type Result struct {
	Stdout   []byte
	Stderr   []byte
	ExitCode int
	Exited   bool
}

// DecodeAll drains r through a Decoder and accumulates per-channel output.
// It stops at EOF; an exit frame is recorded but does not stop the drain.
func DecodeAll(r io.Reader) (Result, error) {
	var res Result
	dec := NewDecoder()
	buf := make([]byte, 32*1024)

	for {
		n, err := r.Read(buf)
		if n > 0 {
			for _, c := range dec.Feed(buf[:n]) {
				switch c.Channel {
				case Stdout:
					res.Stdout = append(res.Stdout, c.Data...)
				case Stderr:
					res.Stderr = append(res.Stderr, c.Data...)
				case Exit:
					res.ExitCode = c.ExitCode
					res.Exited = true
				}
			}
		}
		if err == io.EOF {
			return res, nil
		}
		if err != nil {
			return res, fmt.Errorf("frame: read stream: %w", err)
		}
	}
}

// LineAssembler buffers stdout payloads until complete newline-terminated
// lines are available. Partial trailing text is held until the next push
// or a flush.
type LineAssembler struct {
	buf bytes.Buffer
}

// Push appends data and returns all complete lines, without their trailing
// newline. Returned slices are copies.
func (a *LineAssembler) Push(data []byte) [][]byte {
	a.buf.Write(data)

	var lines [][]byte
	for {
		raw := a.buf.Bytes()
		i := bytes.IndexByte(raw, '\n')
		if i < 0 {
			return lines
		}
		line := make([]byte, i)
		copy(line, raw[:i])
		lines = append(lines, line)
		a.buf.Next(i + 1)
	}
}

// Flush returns any buffered partial line and resets the assembler.
func (a *LineAssembler) Flush() []byte {
	if a.buf.Len() == 0 {
		return nil
	}
	rest := make([]byte, a.buf.Len())
	copy(rest, a.buf.Bytes())
	a.buf.Reset()
	return rest
}

// Pending reports whether a partial line is buffered.
func (a *LineAssembler) Pending() bool {
	return a.buf.Len() > 0
}
