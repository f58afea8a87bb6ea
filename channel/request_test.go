package channel

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestDefaultHeadProbeIncomplete(t *testing.T) {
	_, _, ok := DefaultHeadProbe([]byte("GET / HTTP/1.1\r\nHost: x"))
	assert.False(t, ok)
}

func TestDefaultHeadProbeFindsBoundary(t *testing.T) {
	head := "GET / HTTP/1.1\r\nHost: x\r\n\r\n"
	headLen, contentLen, ok := DefaultHeadProbe([]byte(head + "trailing"))
	assert.True(t, ok)
	assert.Equal(t, len(head), headLen)
	assert.Zero(t, contentLen)
}

func TestDefaultHeadProbeContentLength(t *testing.T) {
	head := "POST / HTTP/1.1\r\ncontent-LENGTH:  42 \r\n\r\n"
	headLen, contentLen, ok := DefaultHeadProbe([]byte(head))
	assert.True(t, ok)
	assert.Equal(t, len(head), headLen)
	assert.Equal(t, 42, contentLen)
}

func TestDefaultHeadProbeBadContentLength(t *testing.T) {
	head := "POST / HTTP/1.1\r\nContent-Length: nope\r\n\r\n"
	_, contentLen, ok := DefaultHeadProbe([]byte(head))
	assert.True(t, ok)
	assert.Zero(t, contentLen)
}

func TestRequestAccumulation(t *testing.T) {
	var r Request

	r.append([]byte("POST / HTTP/1.1\r\nContent-Length: 6\r\n"))
	assert.False(t, r.HeadComplete())

	r.append([]byte("\r\nabc"))
	assert.True(t, r.HeadComplete())
	assert.False(t, r.ContentComplete())
	assert.Equal(t, 6, r.ContentLength())
	assert.Equal(t, "abc", string(r.Content()))

	r.append([]byte("def"))
	assert.True(t, r.ContentComplete())
	assert.Equal(t, "abcdef", string(r.Content()))
}

func TestRequestCustomProbe(t *testing.T) {
	var r Request
	// A fixed-width 4-byte head announcing a 3-byte body.
	r.SetHeadProbe(func(data []byte) (int, int, bool) {
		if len(data) < 4 {
			return 0, 0, false
		}
		return 4, 3, true
	})

	r.append([]byte("HEAD"))
	assert.True(t, r.HeadComplete())
	assert.Equal(t, 3, r.ContentLength())

	r.append([]byte("xyz"))
	assert.True(t, r.ContentComplete())
	assert.Equal(t, "HEAD", string(r.Head()))
	assert.Equal(t, "xyz", string(r.Content()))
}

func TestRequestReset(t *testing.T) {
	var r Request
	r.append([]byte("GET / HTTP/1.1\r\n\r\n"))
	assert.True(t, r.HeadComplete())

	r.reset()
	assert.False(t, r.HeadComplete())
	assert.Empty(t, r.Data())
}

func TestResponseDrain(t *testing.T) {
	var w Response
	w.WriteString("0123456789")
	assert.Equal(t, 10, w.Len())
	assert.False(t, w.Flushed())

	w.consume(4)
	assert.Equal(t, "456789", string(w.Pending()))

	w.consume(6)
	assert.True(t, w.Flushed())

	w.reset()
	assert.Zero(t, w.Len())
	assert.False(t, w.KeepAlive())
}
