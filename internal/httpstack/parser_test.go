package httpstack

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestRequestParserHandlesContentLengthBody(t *testing.T) {
	p := NewRequestParser()
	events, err := p.Feed([]byte("POST /symple HTTP/1.1\r\nHost: x\r\nContent-Length: 5\r\n\r\nhello"))
	require.NoError(t, err)
	require.Len(t, events, 2)
	require.Equal(t, EventHeaders, events[0].Kind)
	require.Equal(t, "POST", events[0].Method)
	require.Equal(t, "/symple", events[0].URI)
	require.Equal(t, EventChunk, events[1].Kind)
	require.Equal(t, "hello", string(events[1].Chunk))
}

func TestRequestParserSplitAcrossFeeds(t *testing.T) {
	p := NewRequestParser()
	events, err := p.Feed([]byte("GET / HTTP/1.1\r\nHost: x\r\n"))
	require.NoError(t, err)
	require.Len(t, events, 0)

	events, err = p.Feed([]byte("\r\n"))
	require.NoError(t, err)
	require.Len(t, events, 1)
	require.Equal(t, "GET", events[0].Method)
}

func TestResponseParserHandlesChunkedEncoding(t *testing.T) {
	p := NewResponseParser()
	raw := "HTTP/1.1 200 OK\r\nTransfer-Encoding: chunked\r\n\r\n" +
		"5\r\nhello\r\n6\r\n world\r\n0\r\n\r\n"
	events, err := p.Feed([]byte(raw))
	require.NoError(t, err)

	var body []byte
	sawEnd := false
	for _, ev := range events {
		switch ev.Kind {
		case EventChunk:
			body = append(body, ev.Chunk...)
		case EventEnd:
			sawEnd = true
		}
	}
	require.True(t, sawEnd)
	require.Equal(t, "hello world", string(body))
}

func TestResponseParserUnframedBodyEndsOnClose(t *testing.T) {
	p := NewResponseParser()
	events, err := p.Feed([]byte("HTTP/1.1 200 OK\r\n\r\nsome bytes"))
	require.NoError(t, err)
	require.Len(t, events, 2)
	require.Equal(t, "some bytes", string(events[1].Chunk))

	ev, ok := p.Close()
	require.True(t, ok)
	require.Equal(t, EventEnd, ev.Kind)
}

func TestRequestParserRejectsMalformedHeaderLine(t *testing.T) {
	p := NewRequestParser()
	_, err := p.Feed([]byte("GET / HTTP/1.1\r\nbroken-header-no-colon\r\n\r\n"))
	require.Error(t, err)
}
