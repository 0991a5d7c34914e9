package wire

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"
)

// MaxFrameSize is the largest single control-channel message this
// transport accepts. A line longer than this without a terminating
// newline is treated as a corrupted session, not a skippable message.
const MaxFrameSize = 8 * 1024 * 1024

// ErrFrameTooLarge indicates a single message exceeded MaxFrameSize.
var ErrFrameTooLarge = errors.New("wire: frame exceeds maximum size")

// Framer carries newline-terminated UTF-8 JSON objects over a single
// ordered byte stream in both directions. Reads and writes are safe to
// call from different goroutines; concurrent writers are serialized so
// no two messages interleave on the wire.
type Framer struct {
	stream io.ReadWriteCloser
	reader *bufio.Scanner

	writeMu sync.Mutex
}

// NewFramer wraps a stream (a TCP or TLS connection) in the control
// protocol's line framing.
func NewFramer(stream io.ReadWriteCloser) *Framer {
	scanner := bufio.NewScanner(stream)
	scanner.Buffer(make([]byte, 0, 64*1024), MaxFrameSize)
	return &Framer{stream: stream, reader: scanner}
}

// ReadLine blocks until the next complete, non-empty line is available.
// The returned error is fatal to the session: transport failure, a line
// exceeding MaxFrameSize, or EOF. Decode failures on the line's JSON
// content are the caller's responsibility and must not reach here.
func (f *Framer) ReadLine() ([]byte, error) {
	for {
		if !f.reader.Scan() {
			if err := f.reader.Err(); err != nil {
				if errors.Is(err, bufio.ErrTooLong) {
					return nil, ErrFrameTooLarge
				}
				return nil, err
			}
			return nil, io.EOF
		}
		line := f.reader.Bytes()
		if len(line) == 0 {
			continue
		}
		// Scanner reuses its buffer; callers that retain the slice
		// across the next ReadLine call need a copy.
		out := make([]byte, len(line))
		copy(out, line)
		return out, nil
	}
}

// WriteMessage marshals v and writes it as one framed line. Writes are
// serialized across goroutines sharing this Framer.
func (f *Framer) WriteMessage(v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("wire: encode message: %w", err)
	}
	b = append(b, '\n')

	f.writeMu.Lock()
	defer f.writeMu.Unlock()
	_, err = f.stream.Write(b)
	if err != nil {
		return fmt.Errorf("wire: write message: %w", err)
	}
	return nil
}

// Close closes the underlying stream.
func (f *Framer) Close() error {
	return f.stream.Close()
}

type typePeek struct {
	Type string `json:"type"`
}

// Decode parses one line into its concrete message type. The returned
// value is one of the *Message types in this package. A non-nil error
// here means the single message was malformed or of an unknown kind —
// per spec, the caller should log and continue reading, not tear down
// the session.
func Decode(line []byte) (any, error) {
	var peek typePeek
	if err := json.Unmarshal(line, &peek); err != nil {
		return nil, fmt.Errorf("wire: malformed message: %w", err)
	}

	switch peek.Type {
	case TypeRegister:
		var m RegisterMessage
		return &m, unmarshalInto(line, &m)
	case TypeRegisterConfirm:
		var m RegisterConfirmMessage
		return &m, unmarshalInto(line, &m)
	case TypeHeartbeat:
		var m HeartbeatMessage
		return &m, unmarshalInto(line, &m)
	case TypeHeartbeatResponse:
		var m HeartbeatResponseMessage
		return &m, unmarshalInto(line, &m)
	case TypePing:
		var m PingMessage
		return &m, unmarshalInto(line, &m)
	case TypePong:
		var m PongMessage
		return &m, unmarshalInto(line, &m)
	case TypeRequest:
		var m RequestMessage
		return &m, unmarshalInto(line, &m)
	case TypeResponse:
		var m ResponseMessage
		return &m, unmarshalInto(line, &m)
	case TypeError:
		var m ErrorMessage
		return &m, unmarshalInto(line, &m)
	case TypeProgress:
		var m ProgressMessage
		return &m, unmarshalInto(line, &m)
	default:
		return nil, fmt.Errorf("wire: unknown message type %q", peek.Type)
	}
}

func unmarshalInto(line []byte, v any) error {
	if err := json.Unmarshal(line, v); err != nil {
		return fmt.Errorf("wire: decode %T: %w", v, err)
	}
	return nil
}

// LooksLikeHTTPGreeting reports whether b begins with a plain-text HTTP
// request line, which indicates a misdirected browser/health-checker hit
// the control port instead of the public HTTP port.
func LooksLikeHTTPGreeting(b []byte) bool {
	prefixes := [][]byte{[]byte("GET "), []byte("POST "), []byte("HEAD "), []byte("PUT "), []byte("OPTIONS ")}
	for _, p := range prefixes {
		if len(b) >= len(p) && string(b[:len(p)]) == string(p) {
			return true
		}
	}
	return false
}
