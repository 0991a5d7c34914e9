package agent

import (
	"bytes"
	"encoding/base64"
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/charmbracelet/log"
	"github.com/windless/rtun/internal/wire"
)

// Executor dials the local service the agent is fronting, replays a
// forwarded public request against it, and classifies the response for
// the trip back across the control channel.
type Executor struct {
	LocalAddr      string
	ConnectTimeout time.Duration
	ReadTimeout    time.Duration
	ProgressEvery  time.Duration
	HardBound      time.Duration
}

// NewExecutor creates an Executor with spec-default timeouts.
func NewExecutor(localAddr string) *Executor {
	return &Executor{
		LocalAddr:      localAddr,
		ConnectTimeout: 30 * time.Second,
		ReadTimeout:    300 * time.Second,
		ProgressEvery:  30 * time.Second,
		HardBound:      600 * time.Second,
	}
}

// binaryPrefixes and binaryExact list the prefixes/exact values classified as
// binary per spec §4.5 step 5.
var binaryPrefixes = []string{"image/", "video/", "audio/", "font/"}
var binaryExact = map[string]bool{
	"application/octet-stream": true,
	"application/pdf":          true,
	"application/zip":          true,
}

func isBinaryContentType(ct string) bool {
	ct = strings.ToLower(strings.TrimSpace(ct))
	if semi := strings.IndexByte(ct, ';'); semi != -1 {
		ct = strings.TrimSpace(ct[:semi])
	}
	if binaryExact[ct] {
		return true
	}
	for _, p := range binaryPrefixes {
		if strings.HasPrefix(ct, p) {
			return true
		}
	}
	return false
}

// sendFunc writes a single control-channel message; Execute uses it to
// emit progress updates without knowing about the Framer directly.
type sendFunc func(v any) error

// Execute runs one forwarded request to completion, always resolving
// with either a response or an error message sent via send.
func (e *Executor) Execute(requestID string, payload wire.RequestPayload, send sendFunc) {
	resp, err := e.execute(requestID, payload, send)
	if err != nil {
		log.Warn("request execution failed", "request_id", requestID, "error", err)
		_ = send(wire.NewErrorMessage(requestID, err.Error()))
		return
	}
	data, err := wire.EncodeResponsePayload(resp)
	if err != nil {
		_ = send(wire.NewErrorMessage(requestID, fmt.Sprintf("encode response: %v", err)))
		return
	}
	_ = send(wire.NewResponseMessage(requestID, data))
}

func (e *Executor) execute(requestID string, payload wire.RequestPayload, send sendFunc) (wire.ResponsePayload, error) {
	conn, err := net.DialTimeout("tcp", e.LocalAddr, e.ConnectTimeout)
	if err != nil {
		return wire.ResponsePayload{}, fmt.Errorf("dial local service: %w", err)
	}
	defer conn.Close()

	body, err := base64.StdEncoding.DecodeString(payload.Body)
	if err != nil {
		return wire.ResponsePayload{}, fmt.Errorf("decode request body: %w", err)
	}

	if err := e.writeRequest(conn, payload, body); err != nil {
		return wire.ResponsePayload{}, err
	}

	raw, err := e.readResponse(conn, requestID, send)
	if err != nil {
		return wire.ResponsePayload{}, err
	}

	return parseHTTPResponse(raw)
}

func (e *Executor) writeRequest(conn net.Conn, payload wire.RequestPayload, body []byte) error {
	var b bytes.Buffer
	path := payload.Path
	if path == "" {
		path = "/"
	}
	fmt.Fprintf(&b, "%s %s HTTP/1.1\r\n", payload.Method, path)
	fmt.Fprintf(&b, "Host: %s\r\n", e.LocalAddr)
	for name, value := range payload.Headers {
		canon := strings.ToLower(name)
		if canon == "host" || canon == "connection" || canon == "content-length" {
			continue
		}
		fmt.Fprintf(&b, "%s: %s\r\n", name, value)
	}
	if len(body) > 0 {
		fmt.Fprintf(&b, "Content-Length: %d\r\n", len(body))
	}
	b.WriteString("Connection: close\r\n\r\n")
	b.Write(body)

	conn.SetWriteDeadline(time.Now().Add(e.ConnectTimeout))
	_, err := conn.Write(b.Bytes())
	if err != nil {
		return fmt.Errorf("write request: %w", err)
	}
	return nil
}

// readResponse reads until EOF or ReadTimeout, emitting progress
// messages every ProgressEvery and bailing out at HardBound regardless
// of how much data is still arriving.
func (e *Executor) readResponse(conn net.Conn, requestID string, send sendFunc) ([]byte, error) {
	start := time.Now()
	var buf bytes.Buffer
	chunk := make([]byte, 8*1024)
	lastProgress := start

	for {
		if time.Since(start) > e.HardBound {
			_ = send(wire.NewProgressMessage(requestID, "hard time bound reached, returning partial response", time.Now().Unix()))
			break
		}

		conn.SetReadDeadline(time.Now().Add(time.Second))
		n, err := conn.Read(chunk)
		if n > 0 {
			buf.Write(chunk[:n])
		}
		if err != nil {
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				if time.Since(start) > e.ReadTimeout {
					return nil, fmt.Errorf("read response: timed out after %s", e.ReadTimeout)
				}
			} else {
				break // EOF or connection closed: response complete
			}
		}

		if time.Since(lastProgress) >= e.ProgressEvery {
			lastProgress = time.Now()
			_ = send(wire.NewProgressMessage(requestID,
				fmt.Sprintf("elapsed=%s bytes=%d", time.Since(start).Round(time.Second), buf.Len()),
				time.Now().Unix()))
		}
	}

	if buf.Len() == 0 {
		return nil, fmt.Errorf("local service returned no data")
	}
	return buf.Bytes(), nil
}

// parseHTTPResponse implements spec §4.5 step 4-5: split headers from
// body at the first blank line, parse the status line leniently, and
// classify the body as binary or text.
func parseHTTPResponse(raw []byte) (wire.ResponsePayload, error) {
	sep := []byte("\r\n\r\n")
	idx := bytes.Index(raw, sep)
	if idx == -1 {
		return wire.ResponsePayload{}, fmt.Errorf("malformed HTTP response: no header/body separator")
	}
	headerBlock := string(raw[:idx])
	body := raw[idx+len(sep):]

	lines := strings.Split(headerBlock, "\r\n")
	status := 200
	if len(lines) > 0 {
		fields := strings.Fields(lines[0])
		if len(fields) >= 2 {
			if code, err := strconv.Atoi(fields[1]); err == nil {
				status = code
			}
		}
	}

	headers := make(map[string]string, len(lines)-1)
	for _, line := range lines[1:] {
		i := strings.IndexByte(line, ':')
		if i == -1 {
			continue
		}
		name := strings.TrimSpace(line[:i])
		value := strings.TrimSpace(line[i+1:])
		headers[name] = value
	}

	contentType := headers["Content-Type"]
	if contentType == "" {
		contentType = headers["content-type"]
	}

	payload := wire.ResponsePayload{Status: status, Headers: headers}
	if isBinaryContentType(contentType) {
		payload.IsBinary = true
		payload.Body = base64.StdEncoding.EncodeToString(body)
	} else {
		payload.IsBinary = false
		payload.Body = toValidUTF8(body)
	}
	return payload, nil
}

func toValidUTF8(b []byte) string {
	if utf8.Valid(b) {
		return string(b)
	}
	return strings.ToValidUTF8(string(b), "�")
}
