// Package httpstack implements the HTTP/1.1 and WebSocket surface of
// spec.md §4.8: a streaming parser feeding header/chunk/end events, a
// Connection owning request/response headers plus packet streams, and a
// from-scratch RFC 6455 frame codec installed in place of the HTTP adapter
// on upgrade. Grounded on original_source/src/http/src/parser.cpp's
// callback-driven parse loop and the teacher's own plain net/http handlers
// in server-webrtc/http.go for the request/response shape.
package httpstack

import (
	"bytes"
	"fmt"
	"net/textproto"
	"strconv"
	"strings"
)

// EventKind tags the events the streaming parser emits as bytes arrive.
type EventKind int

const (
	EventHeaders EventKind = iota
	EventChunk
	EventEnd
)

// Event is one parse event: a complete header block, a body chunk, or the
// end-of-message marker (either Content-Length exhausted, the final
// zero-length chunk, or connection close for a length-less response).
type Event struct {
	Kind    EventKind
	Method  string // request line, EventHeaders only
	URI     string
	Status  int // response line, EventHeaders only
	Reason  string
	Headers textproto.MIMEHeader
	Chunk   []byte
}

type parserState int

const (
	stateStartLine parserState = iota
	stateHeaders
	stateBody
	stateChunkSize
	stateChunkData
	stateChunkCRLF
	stateChunkTrailer
	stateDone
)

// Parser is a streaming HTTP/1.1 message parser: Feed accepts arbitrary
// byte chunks off the wire and returns the events they complete, buffering
// partial lines/chunks across calls the way a single TCP read rarely lines
// up with a frame boundary.
type Parser struct {
	isResponse bool // true when parsing a client's view of a server response

	state         parserState
	buf           bytes.Buffer
	contentLength int64
	remaining     int64
	headers       textproto.MIMEHeader
	startLine     Event
	noBodyFramed  bool // neither Content-Length nor Transfer-Encoding present
}

// ContentLength returns the Content-Length the last parsed message declared,
// or -1 if it was chunked or unframed.
func (p *Parser) ContentLength() int64 {
	if p.contentLength == 0 && p.noBodyFramed {
		return -1
	}
	return p.contentLength
}

// NewRequestParser builds a Parser for a server reading client requests.
func NewRequestParser() *Parser { return &Parser{isResponse: false} }

// NewResponseParser builds a Parser for a client reading server responses.
func NewResponseParser() *Parser { return &Parser{isResponse: true} }

// Feed appends data to the parser's internal buffer and returns every event
// the new data completes.
func (p *Parser) Feed(data []byte) ([]Event, error) {
	p.buf.Write(data)
	var events []Event
	for {
		ev, ok, err := p.step()
		if err != nil {
			return events, err
		}
		if !ok {
			return events, nil
		}
		events = append(events, ev)
	}
}

func (p *Parser) step() (Event, bool, error) {
	switch p.state {
	case stateStartLine:
		line, ok := p.readLine()
		if !ok {
			return Event{}, false, nil
		}
		return p.parseStartLine(line)
	case stateHeaders:
		return p.readHeaders()
	case stateBody:
		return p.readBody()
	case stateChunkSize:
		return p.readChunkSize()
	case stateChunkData:
		return p.readChunkData()
	case stateChunkCRLF:
		return p.readChunkCRLF()
	case stateChunkTrailer:
		return p.readChunkTrailer()
	default:
		return Event{}, false, nil
	}
}

func (p *Parser) readLine() (string, bool) {
	b := p.buf.Bytes()
	idx := bytes.IndexByte(b, '\n')
	if idx < 0 {
		return "", false
	}
	line := string(bytes.TrimRight(b[:idx], "\r"))
	p.buf.Next(idx + 1)
	return line, true
}

func (p *Parser) parseStartLine(line string) (Event, bool, error) {
	if p.isResponse {
		parts := strings.SplitN(line, " ", 3)
		if len(parts) < 2 {
			return Event{}, false, fmt.Errorf("httpstack: malformed status line %q", line)
		}
		status, err := strconv.Atoi(parts[1])
		if err != nil {
			return Event{}, false, fmt.Errorf("httpstack: bad status code %q", parts[1])
		}
		p.startLine.Status = status
		if len(parts) == 3 {
			p.startLine.Reason = parts[2]
		}
	} else {
		parts := strings.SplitN(line, " ", 3)
		if len(parts) < 2 {
			return Event{}, false, fmt.Errorf("httpstack: malformed request line %q", line)
		}
		p.startLine.Method = parts[0]
		p.startLine.URI = parts[1]
	}
	p.headers = make(textproto.MIMEHeader)
	p.state = stateHeaders
	return p.step()
}

func (p *Parser) readHeaders() (Event, bool, error) {
	for {
		line, ok := p.readLine()
		if !ok {
			return Event{}, false, nil
		}
		if line == "" {
			return p.finishHeaders()
		}
		idx := strings.IndexByte(line, ':')
		if idx < 0 {
			return Event{}, false, fmt.Errorf("httpstack: malformed header line %q", line)
		}
		key := textproto.CanonicalMIMEHeaderKey(strings.TrimSpace(line[:idx]))
		val := strings.TrimSpace(line[idx+1:])
		p.headers.Add(key, val)
	}
}

func (p *Parser) finishHeaders() (Event, bool, error) {
	ev := Event{Kind: EventHeaders, Method: p.startLine.Method, URI: p.startLine.URI,
		Status: p.startLine.Status, Reason: p.startLine.Reason, Headers: p.headers}

	if te := p.headers.Get("Transfer-Encoding"); strings.EqualFold(te, "chunked") {
		p.contentLength = -1
		p.state = stateChunkSize
		return ev, true, nil
	}
	if cl := p.headers.Get("Content-Length"); cl != "" {
		n, err := strconv.ParseInt(cl, 10, 64)
		if err != nil {
			return Event{}, false, fmt.Errorf("httpstack: bad Content-Length %q", cl)
		}
		p.contentLength = n
		p.remaining = n
		if n == 0 {
			p.state = stateDone
		} else {
			p.state = stateBody
		}
		return ev, true, nil
	}
	// No framing header: a request has no body; a response's body runs
	// until connection close (End is signaled by the caller via Close).
	p.noBodyFramed = true
	if p.isResponse {
		p.state = stateBody
	} else {
		p.state = stateDone
	}
	return ev, true, nil
}

func (p *Parser) readBody() (Event, bool, error) {
	if p.noBodyFramed {
		if p.buf.Len() == 0 {
			return Event{}, false, nil
		}
		chunk := append([]byte(nil), p.buf.Bytes()...)
		p.buf.Reset()
		return Event{Kind: EventChunk, Chunk: chunk}, true, nil
	}
	if p.remaining == 0 {
		p.state = stateDone
		return p.step()
	}
	avail := int64(p.buf.Len())
	if avail == 0 {
		return Event{}, false, nil
	}
	n := avail
	if n > p.remaining {
		n = p.remaining
	}
	chunk := append([]byte(nil), p.buf.Next(int(n))...)
	p.remaining -= n
	if p.remaining == 0 {
		p.state = stateDone
	}
	return Event{Kind: EventChunk, Chunk: chunk}, true, nil
}

func (p *Parser) readChunkSize() (Event, bool, error) {
	line, ok := p.readLine()
	if !ok {
		return Event{}, false, nil
	}
	sizeStr := strings.SplitN(line, ";", 2)[0]
	size, err := strconv.ParseInt(strings.TrimSpace(sizeStr), 16, 64)
	if err != nil {
		return Event{}, false, fmt.Errorf("httpstack: bad chunk size %q", line)
	}
	if size == 0 {
		p.state = stateChunkTrailer
		return p.step()
	}
	p.remaining = size
	p.state = stateChunkData
	return p.step()
}

func (p *Parser) readChunkData() (Event, bool, error) {
	avail := int64(p.buf.Len())
	if avail == 0 {
		return Event{}, false, nil
	}
	n := avail
	if n > p.remaining {
		n = p.remaining
	}
	chunk := append([]byte(nil), p.buf.Next(int(n))...)
	p.remaining -= n
	if p.remaining == 0 {
		p.state = stateChunkCRLF
	}
	return Event{Kind: EventChunk, Chunk: chunk}, true, nil
}

// readChunkCRLF consumes the CRLF that trails every chunk's data per
// RFC 7230 §4.1, waiting for it to fully arrive before moving on to the
// next chunk size.
func (p *Parser) readChunkCRLF() (Event, bool, error) {
	if p.buf.Len() < 2 {
		return Event{}, false, nil
	}
	p.buf.Next(2)
	p.state = stateChunkSize
	return p.step()
}

func (p *Parser) readChunkTrailer() (Event, bool, error) {
	for {
		line, ok := p.readLine()
		if !ok {
			return Event{}, false, nil
		}
		if line == "" {
			p.state = stateDone
			return Event{Kind: EventEnd}, true, nil
		}
	}
}

// Reset prepares the parser for the next message on a keep-alive
// connection.
func (p *Parser) Reset() {
	leftover := p.buf.Bytes()
	*p = Parser{isResponse: p.isResponse}
	p.buf.Write(leftover)
}

// Close signals connection termination, which for an unframed response
// body means the message is now complete.
func (p *Parser) Close() (Event, bool) {
	if p.state == stateBody && p.noBodyFramed {
		p.state = stateDone
		return Event{Kind: EventEnd}, true
	}
	return Event{}, false
}
