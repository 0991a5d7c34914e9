package wire

import (
	"bytes"
	"io"
	"strings"
	"testing"
)

// pipeStream wraps two io.Pipe connections for bidirectional testing.
type pipeStream struct {
	reader *io.PipeReader
	writer *io.PipeWriter
}

func (p *pipeStream) Read(b []byte) (int, error)  { return p.reader.Read(b) }
func (p *pipeStream) Write(b []byte) (int, error) { return p.writer.Write(b) }
func (p *pipeStream) Close() error {
	p.reader.Close()
	p.writer.Close()
	return nil
}

func newPipePair() (*pipeStream, *pipeStream) {
	r1, w1 := io.Pipe()
	r2, w2 := io.Pipe()
	return &pipeStream{reader: r1, writer: w2}, &pipeStream{reader: r2, writer: w1}
}

// nopCloser adapts a bytes.Buffer to io.ReadWriteCloser for single-ended
// framing tests that don't need a live peer.
type nopCloser struct {
	*bytes.Buffer
}

func (nopCloser) Close() error { return nil }

func TestFramerRoundTrip(t *testing.T) {
	a, b := newPipePair()
	defer a.Close()
	defer b.Close()

	sender := NewFramer(a)
	receiver := NewFramer(b)

	done := make(chan error, 1)
	go func() {
		done <- sender.WriteMessage(NewRegisterMessage("tun-1", "demo", ""))
	}()

	line, err := receiver.ReadLine()
	if err != nil {
		t.Fatalf("ReadLine: %v", err)
	}
	if err := <-done; err != nil {
		t.Fatalf("WriteMessage: %v", err)
	}

	msg, err := Decode(line)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	reg, ok := msg.(*RegisterMessage)
	if !ok {
		t.Fatalf("expected *RegisterMessage, got %T", msg)
	}
	if reg.TunnelID != "tun-1" || reg.Subdomain != "demo" {
		t.Errorf("unexpected register message: %+v", reg)
	}
}

func TestFramerPreservesOrderAcrossChunking(t *testing.T) {
	var buf bytes.Buffer
	framer := NewFramer(nopCloser{&buf})

	ids := []string{"a", "b", "c", "d"}
	for i := range ids {
		if err := framer.WriteMessage(NewHeartbeatMessage(1, int64(i+1))); err != nil {
			t.Fatalf("write: %v", err)
		}
	}

	// Simulate arbitrary TCP read chunking by re-reading the buffered
	// bytes through a reader that only yields a few bytes at a time.
	chunked := &slowReader{data: buf.Bytes(), chunk: 3}
	reassembled := NewFramer(chunkedStream{chunked})

	count := 0
	for {
		line, err := reassembled.ReadLine()
		if err != nil {
			if err == io.EOF {
				break
			}
			t.Fatalf("ReadLine: %v", err)
		}
		msg, err := Decode(line)
		if err != nil {
			t.Fatalf("Decode: %v", err)
		}
		hb, ok := msg.(*HeartbeatMessage)
		if !ok {
			t.Fatalf("expected heartbeat, got %T", msg)
		}
		count++
		if hb.Count != int64(count) {
			t.Errorf("message %d arrived out of order: count=%d", count, hb.Count)
		}
	}
	if count != len(ids) {
		t.Errorf("expected %d messages, got %d", len(ids), count)
	}
}

// chunkedStream adapts a Reader-only source into an io.ReadWriteCloser so
// it can be fed to NewFramer; writes and closes are no-ops for this test.
type chunkedStream struct {
	io.Reader
}

func (chunkedStream) Write(p []byte) (int, error) { return len(p), nil }
func (chunkedStream) Close() error                { return nil }

type slowReader struct {
	data  []byte
	chunk int
}

func (s *slowReader) Read(p []byte) (int, error) {
	if len(s.data) == 0 {
		return 0, io.EOF
	}
	n := s.chunk
	if n > len(p) {
		n = len(p)
	}
	if n > len(s.data) {
		n = len(s.data)
	}
	copy(p, s.data[:n])
	s.data = s.data[n:]
	return n, nil
}

func TestFrameTooLarge(t *testing.T) {
	var buf bytes.Buffer
	buf.WriteString(`{"type":"heartbeat","timestamp":1,"` + strings.Repeat("x", MaxFrameSize+1) + `":1}` + "\n")

	framer := NewFramer(nopCloser{&buf})
	_, err := framer.ReadLine()
	if err == nil {
		t.Fatal("expected error for oversized frame")
	}
}

func TestDecodeUnknownTypeIsNonFatal(t *testing.T) {
	_, err := Decode([]byte(`{"type":"bogus"}`))
	if err == nil {
		t.Fatal("expected decode error for unknown type")
	}
}

func TestDecodeAllKinds(t *testing.T) {
	cases := []struct {
		name string
		msg  any
	}{
		{"register", NewRegisterMessage("t1", "sub", "tok")},
		{"register_confirm", NewRegisterConfirmMessage("t1", "ok")},
		{"heartbeat", NewHeartbeatMessage(1, 2)},
		{"heartbeat_response", NewHeartbeatResponseMessage(1, 2, 3)},
		{"ping", NewPingMessage(1)},
		{"pong", NewPongMessage(1, 2)},
		{"request", NewRequestMessage("r1", `{"method":"GET"}`)},
		{"response", NewResponseMessage("r1", `{"status":200}`)},
		{"error", NewErrorMessage("r1", "boom")},
		{"progress", NewProgressMessage("r1", "working", 1)},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			var buf bytes.Buffer
			framer := NewFramer(nopCloser{&buf})
			if err := framer.WriteMessage(tc.msg); err != nil {
				t.Fatalf("write: %v", err)
			}
			line, err := framer.ReadLine()
			if err != nil {
				t.Fatalf("read: %v", err)
			}
			decoded, err := Decode(line)
			if err != nil {
				t.Fatalf("decode: %v", err)
			}
			if decoded == nil {
				t.Fatal("nil decoded message")
			}
		})
	}
}

func TestRequestResponsePayloadRoundTrip(t *testing.T) {
	data, err := EncodeRequestPayload(RequestPayload{
		Method:  "POST",
		Path:    "/api",
		Headers: map[string]string{"X-Test": "1"},
		Body:    "hello",
	})
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	payload, err := DecodeRequestPayload(data)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if payload.Method != "POST" || payload.Path != "/api" || payload.Body != "hello" {
		t.Errorf("unexpected payload: %+v", payload)
	}

	rdata, err := EncodeResponsePayload(ResponsePayload{Status: 200, Body: "ok", IsBinary: false})
	if err != nil {
		t.Fatalf("encode response: %v", err)
	}
	rpayload, err := DecodeResponsePayload(rdata)
	if err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if rpayload.Status != 200 || rpayload.Body != "ok" {
		t.Errorf("unexpected response payload: %+v", rpayload)
	}
}

func TestLooksLikeHTTPGreeting(t *testing.T) {
	if !LooksLikeHTTPGreeting([]byte("GET / HTTP/1.1\r\n")) {
		t.Error("expected GET to be recognized as HTTP greeting")
	}
	if LooksLikeHTTPGreeting([]byte(`{"type":"register"}`)) {
		t.Error("JSON register message should not look like an HTTP greeting")
	}
}
