package hq

import (
	"github.com/albertbausili/hqsession/internal/message"
	"github.com/albertbausili/hqsession/internal/replaysafe"
)

// Message is an HTTP request or response.
type Message = message.Message

// Header is an ordered list of header fields.
type Header = message.Header

// ReplaySafetyCallback is notified once early data can no longer be
// replayed.
type ReplaySafetyCallback = replaysafe.Callback

// NewRequest builds a request message.
func NewRequest(method, scheme, authority, path string) *Message {
	return message.NewRequest(method, scheme, authority, path)
}

// NewResponse builds a response message.
func NewResponse(status int) *Message {
	return message.NewResponse(status)
}

// Handler receives the events of one transaction. Every method runs on the
// session's event loop.
type Handler interface {
	// SetTransaction is called once, before any other method.
	SetTransaction(tr *Transaction)
	// OnHeadersComplete delivers informational and final response headers.
	OnHeadersComplete(msg *Message)
	OnBody(data []byte)
	OnTrailers(trailers Header)
	OnEOM()
	// OnError reports a failure; the transaction detaches afterwards.
	OnError(err *Error)
	// OnGoaway is called for every GOAWAY the peer sends.
	OnGoaway(lastStreamID uint64)
	// OnDetachTransaction is the last call the handler receives.
	OnDetachTransaction()
	OnReplaySafe()
}

// BaseHandler implements Handler with no-ops. Embed it to override only the
// events of interest.
type BaseHandler struct{}

// SetTransaction implements Handler.
func (BaseHandler) SetTransaction(*Transaction) {}

// OnHeadersComplete implements Handler.
func (BaseHandler) OnHeadersComplete(*Message) {}

// OnBody implements Handler.
func (BaseHandler) OnBody([]byte) {}

// OnTrailers implements Handler.
func (BaseHandler) OnTrailers(Header) {}

// OnEOM implements Handler.
func (BaseHandler) OnEOM() {}

// OnError implements Handler.
func (BaseHandler) OnError(*Error) {}

// OnGoaway implements Handler.
func (BaseHandler) OnGoaway(uint64) {}

// OnDetachTransaction implements Handler.
func (BaseHandler) OnDetachTransaction() {}

// OnReplaySafe implements Handler.
func (BaseHandler) OnReplaySafe() {}

// ConnectCallback observes connection establishment.
type ConnectCallback interface {
	// ConnectSuccess fires once the session can carry requests.
	ConnectSuccess()
	// ConnectError fires if the connection fails while the callback is
	// still registered.
	ConnectError(err *Error)
	// OnReplaySafe fires when early data is confirmed; the callback is
	// unregistered afterwards.
	OnReplaySafe()
}

// Middleware is a function that wraps a Handler with additional functionality.
type Middleware func(Handler) Handler

// Chain combines multiple middlewares into a single middleware.
func Chain(middlewares ...Middleware) Middleware {
	return func(final Handler) Handler {
		for i := len(middlewares) - 1; i >= 0; i-- {
			final = middlewares[i](final)
		}
		return final
	}
}

// handlerWrapper forwards every event to the wrapped handler; middlewares
// embed it and override what they observe.
type handlerWrapper struct {
	next Handler
}

func (w *handlerWrapper) SetTransaction(tr *Transaction) { w.next.SetTransaction(tr) }
func (w *handlerWrapper) OnHeadersComplete(msg *Message) { w.next.OnHeadersComplete(msg) }
func (w *handlerWrapper) OnBody(data []byte) { w.next.OnBody(data) }
func (w *handlerWrapper) OnTrailers(trailers Header) { w.next.OnTrailers(trailers) }
func (w *handlerWrapper) OnEOM() { w.next.OnEOM() }
func (w *handlerWrapper) OnError(err *Error) { w.next.OnError(err) }
func (w *handlerWrapper) OnGoaway(lastStreamID uint64) { w.next.OnGoaway(lastStreamID) }
func (w *handlerWrapper) OnDetachTransaction() { w.next.OnDetachTransaction() }
func (w *handlerWrapper) OnReplaySafe() { w.next.OnReplaySafe() }
