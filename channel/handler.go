package channel

import "github.com/ymarcov/nitra/stream"

// Control is the directive a handler returns from Process, steering the
// request-body phase and the transition to the response.
type Control int

const (
	// FetchContent asks the channel to keep reading request body
	// before Process is invoked again.
	FetchContent Control = iota
	// RejectContent skips the remaining request body and proceeds to
	// the response.
	RejectContent
	// SendResponse proceeds to writing out the response.
	SendResponse
)

// Handler implements protocol semantics on top of a channel. Process is
// invoked with the accumulated request and the response to fill; it runs
// on a worker thread, serialized per channel.
//
// An error return (or a panic, which the channel recovers) is treated as
// an internal error: a canned error response is queued if the connection
// is still writable and the channel closes after draining it.
type Handler interface {
	Process(req *Request, res *Response) (Control, error)
}

// HandlerFunc adapts a function to the Handler interface.
type HandlerFunc func(req *Request, res *Response) (Control, error)

// Process calls f.
func (f HandlerFunc) Process(req *Request, res *Response) (Control, error) {
	return f(req, res)
}

// Factory constructs application channels for accepted streams.
type Factory interface {
	CreateChannel(s stream.Stream) *Channel
}

// FactoryFunc adapts a function to the Factory interface.
type FactoryFunc func(s stream.Stream) *Channel

// CreateChannel calls f.
func (f FactoryFunc) CreateChannel(s stream.Stream) *Channel {
	return f(s)
}
