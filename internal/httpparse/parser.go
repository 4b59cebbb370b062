// Package httpparse implements a minimal incremental (push-style)
// HTTP/1.1 response parser. The core treats a response parser as an
// external collaborator reachable only through its callback surface
// (on_header_field/on_header_value/on_body/on_message_complete); no
// pure-Go push parser with that exact shape exists in the dependency
// graph this module draws from, so this is a from-scratch, narrowly
// scoped implementation (see DESIGN.md).
package httpparse

import (
	"bytes"
	"errors"
	"strconv"

	"golang.org/x/net/http/httpguts"
)

type state int

const (
	stateStatusLine state = iota
	stateHeaders
	stateBody
	stateChunkSize
	stateChunkData
	stateChunkCRLF
	stateTrailer
	stateDone
)

// Callbacks mirror the push-parser contract the connection state
// machine consumes. Any non-nil function may be left nil when the
// caller has no response hook registered, in which case the parser
// still tracks framing (content-length/chunked/keep-alive) but skips
// the copy into capture buffers.
type Callbacks struct {
	OnHeaderField     func(b []byte)
	OnHeaderValue     func(b []byte)
	OnBody            func(b []byte)
	OnMessageComplete func()
}

// Parser is a single, reusable HTTP/1.1 response parser. Reinitialize
// it with Reset between responses on a keep-alive connection.
type Parser struct {
	cb Callbacks

	st            state
	StatusCode    int
	keepAlive     bool
	sawKeepAlive  bool // explicit Connection header present
	contentLength int64
	haveLength    bool
	chunked       bool
	remaining     int64 // bytes left in body or current chunk

	lineBuf bytes.Buffer

	err error
}

// New creates a parser with the given callbacks installed.
func New(cb Callbacks) *Parser {
	p := &Parser{cb: cb}
	p.Reset()
	return p
}

// Reset reinitializes the parser for the next response on the same
// connection, matching response_complete's reinitialization of
// http_parser on keep-alive.
func (p *Parser) Reset() {
	p.st = stateStatusLine
	p.StatusCode = 0
	p.keepAlive = true
	p.sawKeepAlive = false
	p.contentLength = 0
	p.haveLength = false
	p.chunked = false
	p.remaining = 0
	p.lineBuf.Reset()
	p.err = nil
}

// ShouldKeepAlive reports whether the just-completed response permits
// reuse of the connection, mirroring http_should_keep_alive.
func (p *Parser) ShouldKeepAlive() bool { return p.keepAlive }

// ErrMalformed is returned by Execute when the byte stream cannot be
// parsed as HTTP/1.1.
var ErrMalformed = errors.New("httpparse: malformed response")

// Execute feeds n bytes of buf to the parser, invoking callbacks as
// responses are framed. It returns the number of bytes consumed; a
// return value less than len(buf) signals a parse error to the caller
// exactly as http_parser_execute does.
func (p *Parser) Execute(buf []byte) int {
	i := 0
	for i < len(buf) {
		switch p.st {
		case stateStatusLine:
			n, ok := p.feedLine(buf[i:])
			i += n
			if !ok {
				return i // need more data
			}
			if !p.parseStatusLine(p.lineBuf.Bytes()) {
				p.err = ErrMalformed
				return i
			}
			p.lineBuf.Reset()
			p.st = stateHeaders

		case stateHeaders:
			n, ok := p.feedLine(buf[i:])
			i += n
			if !ok {
				return i
			}
			line := p.lineBuf.Bytes()
			p.lineBuf.Reset()
			if len(line) == 0 {
				p.onHeadersComplete()
				continue
			}
			if !p.parseHeaderLine(line) {
				p.err = ErrMalformed
				return i
			}

		case stateBody:
			take := int64(len(buf) - i)
			if p.haveLength && take > p.remaining {
				take = p.remaining
			}
			if take > 0 {
				if p.cb.OnBody != nil {
					p.cb.OnBody(buf[i : i+int(take)])
				}
				i += int(take)
				if p.haveLength {
					p.remaining -= take
				}
			}
			if p.haveLength && p.remaining == 0 {
				p.finishMessage()
				// finishMessage may have synchronously reset framing
				// state (keep-alive reuse resets haveLength/chunked),
				// so re-enter the loop on the fresh state rather than
				// falling into the EOF-framing check below with it.
				continue
			}
			if !p.haveLength && !p.chunked {
				// framed by EOF; caller decides when the
				// connection closing means completion.
				return i
			}

		case stateChunkSize:
			n, ok := p.feedLine(buf[i:])
			i += n
			if !ok {
				return i
			}
			line := bytes.TrimSpace(p.lineBuf.Bytes())
			p.lineBuf.Reset()
			if semi := bytes.IndexByte(line, ';'); semi >= 0 {
				line = line[:semi]
			}
			size, err := strconv.ParseInt(string(line), 16, 64)
			if err != nil {
				p.err = ErrMalformed
				return i
			}
			if size == 0 {
				p.st = stateTrailer
			} else {
				p.remaining = size
				p.st = stateChunkData
			}

		case stateChunkData:
			take := int64(len(buf) - i)
			if take > p.remaining {
				take = p.remaining
			}
			if take > 0 {
				if p.cb.OnBody != nil {
					p.cb.OnBody(buf[i : i+int(take)])
				}
				i += int(take)
				p.remaining -= take
			}
			if p.remaining == 0 {
				p.st = stateChunkCRLF
			}

		case stateChunkCRLF:
			n, ok := p.feedLine(buf[i:])
			i += n
			if !ok {
				return i
			}
			p.lineBuf.Reset()
			p.st = stateChunkSize

		case stateTrailer:
			n, ok := p.feedLine(buf[i:])
			i += n
			if !ok {
				return i
			}
			line := p.lineBuf.Bytes()
			p.lineBuf.Reset()
			if len(line) == 0 {
				p.finishMessage()
				continue
			}

		case stateDone:
			return i
		}
	}
	return i
}

// feedLine accumulates bytes from buf into lineBuf until a CRLF is
// found, returning how many bytes it consumed and whether a full line
// is now available.
func (p *Parser) feedLine(buf []byte) (int, bool) {
	idx := bytes.IndexByte(buf, '\n')
	if idx < 0 {
		p.lineBuf.Write(buf)
		return len(buf), false
	}
	p.lineBuf.Write(buf[:idx])
	// The CR may have arrived in an earlier chunk than the LF, so strip
	// it from the accumulated line rather than from this chunk alone.
	if b := p.lineBuf.Bytes(); len(b) > 0 && b[len(b)-1] == '\r' {
		p.lineBuf.Truncate(len(b) - 1)
	}
	return idx + 1, true
}

func (p *Parser) parseStatusLine(line []byte) bool {
	parts := bytes.SplitN(line, []byte(" "), 3)
	if len(parts) < 2 {
		return false
	}
	code, err := strconv.Atoi(string(parts[1]))
	if err != nil {
		return false
	}
	p.StatusCode = code
	return true
}

func (p *Parser) parseHeaderLine(line []byte) bool {
	colon := bytes.IndexByte(line, ':')
	if colon < 0 {
		return false
	}
	field := bytes.TrimSpace(line[:colon])
	value := bytes.TrimSpace(line[colon+1:])
	if !httpguts.ValidHeaderFieldName(string(field)) {
		return false
	}

	if p.cb.OnHeaderField != nil {
		p.cb.OnHeaderField(field)
	}
	if p.cb.OnHeaderValue != nil {
		p.cb.OnHeaderValue(value)
	}

	switch {
	case bytes.EqualFold(field, []byte("Content-Length")):
		n, err := strconv.ParseInt(string(value), 10, 64)
		if err != nil {
			return false
		}
		p.contentLength = n
		p.haveLength = true
	case bytes.EqualFold(field, []byte("Transfer-Encoding")):
		if bytes.EqualFold(bytes.TrimSpace(value), []byte("chunked")) {
			p.chunked = true
		}
	case bytes.EqualFold(field, []byte("Connection")):
		p.sawKeepAlive = true
		p.keepAlive = !bytes.EqualFold(bytes.TrimSpace(value), []byte("close"))
	}
	return true
}

func (p *Parser) onHeadersComplete() {
	if !p.sawKeepAlive {
		p.keepAlive = true // HTTP/1.1 defaults to keep-alive
	}
	switch {
	case p.chunked:
		p.st = stateChunkSize
	case p.haveLength:
		p.remaining = p.contentLength
		if p.remaining == 0 {
			p.finishMessage()
		} else {
			p.st = stateBody
		}
	default:
		p.remaining = 0
		p.st = stateBody
	}
}

func (p *Parser) finishMessage() {
	p.st = stateDone
	if p.cb.OnMessageComplete != nil {
		p.cb.OnMessageComplete()
	}
}

// BodyIsFinal reports whether the parser sits at a message boundary:
// the current message has completed, or no message has started yet.
// The connection state machine treats an EOF seen while this is false
// as a premature close; that includes a body framed only by the
// connection closing, which is never reported as final.
func (p *Parser) BodyIsFinal() bool {
	return p.st == stateDone || (!p.haveLength && !p.chunked && p.st == stateStatusLine)
}
