package hq

import (
	"strconv"
	"testing"

	"github.com/albertbausili/hqsession/internal/eventloop"
	"github.com/albertbausili/hqsession/internal/testutil/hqpeer"
	"github.com/albertbausili/hqsession/internal/testutil/quicdriver"
)

var allVariants = []Variant{VariantH1QV1, VariantH1QV2, VariantH3}

// controlVariants are the variants with a control stream.
var controlVariants = []Variant{VariantH1QV2, VariantH3}

func peerMode(v Variant) hqpeer.Mode {
	switch v {
	case VariantH1QV1:
		return hqpeer.ModeH1QV1
	case VariantH1QV2:
		return hqpeer.ModeH1QV2
	}
	return hqpeer.ModeH3
}

// testSession wires a session to a scripted transport and server peer.
type testSession struct {
	t       *testing.T
	variant Variant
	loop    *eventloop.Manual
	driver  *quicdriver.Driver
	peer    *hqpeer.Peer
	sess    *Session
	connect *mockConnect
}

// newTestSession returns a session whose transport is ready and whose peer
// has opened its control streams.
func newTestSession(t *testing.T, v Variant, opts ...func(*Config)) *testSession {
	t.Helper()
	ts := setupTestSession(t, v, opts...)
	ts.start(true)
	if ts.connect.successes != 1 {
		t.Fatalf("Expected 1 connect success, got %d", ts.connect.successes)
	}
	return ts
}

// setupTestSession returns a session that has not seen OnTransportReady.
func setupTestSession(t *testing.T, v Variant, opts ...func(*Config)) *testSession {
	t.Helper()
	cfg := DefaultConfig()
	cfg.Variant = v
	for _, opt := range opts {
		opt(&cfg)
	}

	loop := eventloop.NewManual()
	driver := quicdriver.New(loop)
	sess, err := NewSession(driver, loop, cfg)
	if err != nil {
		t.Fatalf("NewSession() error = %v", err)
	}
	ts := &testSession{
		t:       t,
		variant: v,
		loop:    loop,
		driver:  driver,
		peer:    hqpeer.New(driver, peerMode(v)),
		sess:    sess,
		connect: &mockConnect{},
	}
	sess.SetConnectCallback(ts.connect)
	return ts
}

func (ts *testSession) start(sendSettings bool) {
	ts.sess.OnTransportReady()
	ts.peer.CreateControlStreams(sendSettings)
	ts.loop.Loop()
}

func (ts *testSession) newTransaction(h *mockHandler) *Transaction {
	ts.t.Helper()
	tr, err := ts.sess.NewTransaction(h)
	if err != nil {
		ts.t.Fatalf("Expected a new transaction, got %v", err)
	}
	return tr
}

// sendRequest opens a transaction and sends a complete GET.
func (ts *testSession) sendRequest(h *mockHandler) *Transaction {
	ts.t.Helper()
	tr := ts.newTransaction(h)
	if err := tr.SendHeadersWithEOM(NewRequest("GET", "https", "www.example.com", "/")); err != nil {
		ts.t.Fatalf("SendHeadersWithEOM() error = %v", err)
	}
	return tr
}

// respond queues a complete response with body on stream id.
func (ts *testSession) respond(id uint64, status int, body string) {
	ts.t.Helper()
	if err := ts.peer.SendResponse(id, newTestResponse(status, body), []byte(body), true); err != nil {
		ts.t.Fatalf("SendResponse() error = %v", err)
	}
}

func (ts *testSession) flushAndLoop() {
	ts.peer.Flush(0, 0)
	ts.loop.Loop()
}

func (ts *testSession) expectClosed(code ErrorCode) {
	ts.t.Helper()
	if !ts.driver.IsClosed() {
		ts.t.Fatal("Expected the transport to be closed")
	}
	if got := ErrorCode(ts.driver.CloseCode()); got != code {
		ts.t.Errorf("Expected close code %s, got %s", code, got)
	}
	if ts.sess.State() != StateClosed {
		ts.t.Errorf("Expected session state closed, got %s", ts.sess.State())
	}
}

func newTestResponse(status int, body string) *Message {
	resp := NewResponse(status)
	resp.Header.Add("content-length", strconv.Itoa(len(body)))
	return resp
}

// mockHandler records every callback. Hooks run after recording.
type mockHandler struct {
	name    string
	journal *[]string

	tr         *Transaction
	headers    []*Message
	body       []byte
	trailers   Header
	eom        int
	errs       []*Error
	goaways    []uint64
	detached   int
	replaySafe int

	onHeaders func(*Message)
	onBody    func([]byte)
	onEOM     func()
	onError   func(*Error)
	onGoaway  func(uint64)
	onDetach  func()
}

func (h *mockHandler) record(ev string) {
	if h.journal != nil {
		*h.journal = append(*h.journal, h.name+":"+ev)
	}
}

func (h *mockHandler) SetTransaction(tr *Transaction) {
	h.tr = tr
}

func (h *mockHandler) OnHeadersComplete(msg *Message) {
	h.record("headers")
	h.headers = append(h.headers, msg)
	if h.onHeaders != nil {
		h.onHeaders(msg)
	}
}

func (h *mockHandler) OnBody(data []byte) {
	h.record("body")
	h.body = append(h.body, data...)
	if h.onBody != nil {
		h.onBody(data)
	}
}

func (h *mockHandler) OnTrailers(trailers Header) {
	h.record("trailers")
	h.trailers = trailers
}

func (h *mockHandler) OnEOM() {
	h.record("eom")
	h.eom++
	if h.onEOM != nil {
		h.onEOM()
	}
}

func (h *mockHandler) OnError(err *Error) {
	h.record("error")
	h.errs = append(h.errs, err)
	if h.onError != nil {
		h.onError(err)
	}
}

func (h *mockHandler) OnGoaway(lastStreamID uint64) {
	h.record("goaway")
	h.goaways = append(h.goaways, lastStreamID)
	if h.onGoaway != nil {
		h.onGoaway(lastStreamID)
	}
}

func (h *mockHandler) OnDetachTransaction() {
	h.record("detach")
	h.detached++
	if h.onDetach != nil {
		h.onDetach()
	}
}

func (h *mockHandler) OnReplaySafe() {
	h.record("replaysafe")
	h.replaySafe++
}

type mockConnect struct {
	successes  int
	replaySafe int
	errs       []*Error
	onError    func(*Error)
}

func (c *mockConnect) ConnectSuccess() { c.successes++ }

func (c *mockConnect) ConnectError(err *Error) {
	c.errs = append(c.errs, err)
	if c.onError != nil {
		c.onError(err)
	}
}

func (c *mockConnect) OnReplaySafe() { c.replaySafe++ }

type replayCounter struct {
	n int
}

func (c *replayCounter) OnReplaySafe() { c.n++ }
