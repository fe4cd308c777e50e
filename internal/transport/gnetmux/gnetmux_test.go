package gnetmux

import (
	"bytes"
	"context"
	"errors"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/albertbausili/hqsession/internal/eventloop"
	"github.com/albertbausili/hqsession/internal/transport"
	"github.com/rs/zerolog"
)

func TestParser_SplitFrames(t *testing.T) {
	var wire []byte
	wire = AppendStream(wire, 0, []byte("hello"), false)
	wire = AppendStream(wire, 0, nil, true)
	wire = AppendCode(wire, FrameResetStream, 4, 0x10c)
	wire = AppendConnectionClose(wire, 0xF0000000, "quic loses race")

	var p Parser
	var frames []*Frame
	for i := range wire {
		p.Feed(wire[i : i+1])
		f, err := p.Next()
		if err != nil {
			t.Fatal(err)
		}
		if f != nil {
			frames = append(frames, f)
		}
	}
	if len(frames) != 4 {
		t.Fatalf("Expected 4 frames, got %d", len(frames))
	}
	if frames[0].Type != FrameStream || !bytes.Equal(frames[0].Payload, []byte("hello")) {
		t.Errorf("Unexpected first frame %+v", frames[0])
	}
	if frames[1].Type != FrameStreamFin || len(frames[1].Payload) != 0 {
		t.Errorf("Unexpected fin frame %+v", frames[1])
	}
	if code, _ := frames[2].Code(); code != 0x10c || frames[2].StreamID != 4 {
		t.Errorf("Unexpected reset frame %+v", frames[2])
	}
	if code, _ := frames[3].Code(); code != 0xF0000000 || frames[3].Reason() != "quic loses race" {
		t.Errorf("Unexpected close frame %+v", frames[3])
	}
	if p.Buffered() != 0 {
		t.Errorf("Expected empty buffer, got %d", p.Buffered())
	}
}

func TestParser_Errors(t *testing.T) {
	var p Parser
	p.Feed([]byte{0x9, 0, 0})
	if _, err := p.Next(); !errors.Is(err, ErrUnknownFrame) {
		t.Errorf("Expected ErrUnknownFrame, got %v", err)
	}

	var big Parser
	big.Feed([]byte{byte(FrameStream), 0, 0x80, 0x20, 0x00, 0x00})
	if _, err := big.Next(); !errors.Is(err, ErrFrameTooLarge) {
		t.Errorf("Expected ErrFrameTooLarge, got %v", err)
	}
}

type recordingCallback struct {
	mu     sync.Mutex
	events []string
	reads  map[uint64][]byte
	eof    map[uint64]bool
	errs   []transport.ConnectionError
	ready  chan struct{}
	ended  chan struct{}
}

func newRecordingCallback() *recordingCallback {
	return &recordingCallback{
		reads: make(map[uint64][]byte),
		eof:   make(map[uint64]bool),
		ready: make(chan struct{}, 1),
		ended: make(chan struct{}, 1),
	}
}

func (r *recordingCallback) add(ev string) {
	r.mu.Lock()
	r.events = append(r.events, ev)
	r.mu.Unlock()
}

func (r *recordingCallback) OnTransportReady() {
	r.add("ready")
	r.ready <- struct{}{}
}
func (r *recordingCallback) OnReplaySafe()                  { r.add("replaysafe") }
func (r *recordingCallback) OnNewBidirectionalStream(uint64) { r.add("bidi") }
func (r *recordingCallback) OnNewUnidirectionalStream(uint64) {
	r.add("uni")
}
func (r *recordingCallback) OnRead(id uint64, data []byte, eof bool) {
	r.mu.Lock()
	r.reads[id] = append(r.reads[id], data...)
	if eof {
		r.eof[id] = true
	}
	r.mu.Unlock()
	if eof {
		r.ended <- struct{}{}
	}
}
func (r *recordingCallback) OnStreamReset(uint64, uint64) { r.add("reset") }
func (r *recordingCallback) OnConnectionError(err transport.ConnectionError) {
	r.mu.Lock()
	r.errs = append(r.errs, err)
	r.mu.Unlock()
}
func (r *recordingCallback) OnConnectionEnd() { r.add("end") }

func TestConn_DispatchPeerStreams(t *testing.T) {
	loop := eventloop.NewManual()
	c := newConn(loop, false, zerolog.Nop())
	cb := newRecordingCallback()
	c.SetCallback(cb)

	frames := []*Frame{
		{Type: FrameHandshakeDone},
		{Type: FrameStream, StreamID: 3, Payload: []byte{0x00}},
		{Type: FrameStream, StreamID: 3, Payload: []byte("settings")},
		{Type: FrameStream, StreamID: 2, Payload: []byte("ignored")},
		{Type: FrameResetStream, StreamID: 7, Payload: []byte{0x05}},
	}
	for _, f := range frames {
		c.dispatch(cb, f)
	}

	want := []string{"replaysafe", "uni", "uni", "reset"}
	if len(cb.events) != len(want) {
		t.Fatalf("Expected %v, got %v", want, cb.events)
	}
	for i := range want {
		if cb.events[i] != want[i] {
			t.Fatalf("Expected %v, got %v", want, cb.events)
		}
	}
	if string(cb.reads[3]) != "\x00settings" {
		t.Errorf("Unexpected stream 3 data %q", cb.reads[3])
	}
	if _, ok := cb.reads[2]; ok {
		t.Error("Expected data on an unopened local stream to be dropped")
	}
	if !c.ReplaySafe() {
		t.Error("Expected replay safe after HANDSHAKE_DONE")
	}

	c.dispatch(cb, &Frame{Type: FrameConnectionClose, Payload: AppendConnectionClose(nil, 0x10, "bye")[3:]})
	if len(cb.errs) != 1 || cb.errs[0].Code != 0x10 || cb.errs[0].Message != "bye" {
		t.Fatalf("Unexpected connection errors %+v", cb.errs)
	}
	c.dispatch(cb, &Frame{Type: FrameStream, StreamID: 3, Payload: []byte("late")})
	if string(cb.reads[3]) != "\x00settings" {
		t.Error("Expected no reads after the connection failed")
	}
}

func freeAddr(t *testing.T) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	addr := ln.Addr().String()
	_ = ln.Close()
	return addr
}

type echoCallback struct {
	*recordingCallback
	conn *Conn
}

func (e *echoCallback) OnRead(id uint64, data []byte, eof bool) {
	_ = e.conn.Write(id, data, eof)
}

func TestLoopback_Echo(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping loopback test in short mode")
	}
	addr := freeAddr(t)
	srv := NewServer(func(conn *Conn) {
		conn.SetCallback(&echoCallback{conn: conn, recordingCallback: newRecordingCallback()})
	}, ServerConfig{Addr: addr, Logger: zerolog.Nop()})
	go func() { _ = srv.Start() }()
	select {
	case <-srv.Booted():
	case <-time.After(5 * time.Second):
		t.Fatal("server did not boot")
	}
	defer func() { _ = srv.Stop(context.Background()) }()

	cli, err := NewClient(zerolog.Nop())
	if err != nil {
		t.Fatal(err)
	}
	defer func() { _ = cli.Close() }()

	loop := eventloop.New(0)
	loop.Start()
	defer loop.Stop()

	conn, err := cli.Dial(addr, loop)
	if err != nil {
		t.Fatal(err)
	}
	cb := newRecordingCallback()
	conn.SetCallback(cb)

	select {
	case <-cb.ready:
	case <-time.After(5 * time.Second):
		t.Fatal("transport never became ready")
	}

	loop.RunInLoop(func() {
		id, err := conn.CreateBidirectionalStream()
		if err != nil {
			t.Error(err)
			return
		}
		_ = conn.Write(id, []byte("ping"), true)
	})

	select {
	case <-cb.ended:
	case <-time.After(5 * time.Second):
		t.Fatal("echo never completed")
	}
	cb.mu.Lock()
	defer cb.mu.Unlock()
	if string(cb.reads[0]) != "ping" {
		t.Errorf("Expected echo of ping, got %q", cb.reads[0])
	}
	if conn.LocalAddr() == nil || conn.PeerAddr() == nil {
		t.Error("Expected socket addresses")
	}
}
