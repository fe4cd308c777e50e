package codec

import (
	"bytes"
	"errors"
	"strconv"
	"testing"

	"github.com/albertbausili/hqsession/internal/h3/frame"
	"github.com/albertbausili/hqsession/internal/message"
	"github.com/albertbausili/hqsession/internal/qpack"
)

func drainEvents(t *testing.T, c StreamCodec) []Event {
	t.Helper()
	var events []Event
	for {
		ev, err := c.Next()
		if err != nil {
			t.Fatalf("Next() error = %v", err)
		}
		if ev.Kind == EventNone {
			return events
		}
		events = append(events, ev)
		if ev.Kind == EventBlocked || ev.Kind == EventEOM {
			return events
		}
	}
}

func kinds(events []Event) []EventKind {
	out := make([]EventKind, len(events))
	for i, ev := range events {
		out[i] = ev.Kind
	}
	return out
}

func equalKinds(a, b []EventKind) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func newResponse(status int, body int) (*message.Message, []byte) {
	resp := message.NewResponse(status)
	if body > 0 {
		resp.Header.Add("content-length", strconv.Itoa(body))
	}
	return resp, bytes.Repeat([]byte{'b'}, body)
}

func TestH3Stream_RequestResponse(t *testing.T) {
	client := NewH3Stream(0, RoleClient, qpack.NewEncoder(0), qpack.NewDecoder(0))
	server := NewH3Stream(0, RoleServer, qpack.NewEncoder(0), qpack.NewDecoder(0))

	req := message.NewRequest("GET", "https", "example.com", "/")
	req.Header.Add("Connection", "keep-alive")
	wire, err := client.GenerateHeader(req, true)
	if err != nil {
		t.Fatal(err)
	}
	server.Feed(wire)
	server.FeedEOF()
	events := drainEvents(t, server)
	if events[0].Kind != EventHeaders || events[0].Msg.Method != "GET" || events[0].Msg.Authority != "example.com" {
		t.Fatalf("Unexpected request event %+v", events[0])
	}
	if events[0].Msg.Header.Has("connection") {
		t.Error("Expected connection header to be stripped")
	}

	resp, body := newResponse(200, 100)
	var out []byte
	b, _ := server.GenerateHeader(resp, false)
	out = append(out, b...)
	b, _ = server.GenerateBody(body, true)
	out = append(out, b...)

	client.Feed(out)
	client.FeedEOF()
	events = drainEvents(t, client)
	want := []EventKind{EventHeaders, EventBody, EventEOM}
	if !equalKinds(kinds(events), want) {
		t.Fatalf("Expected %v, got %v", want, kinds(events))
	}
	if len(events[1].Data) != 100 {
		t.Errorf("Expected 100 body bytes, got %d", len(events[1].Data))
	}
	if !client.IngressComplete() {
		t.Error("Expected ingress complete")
	}
}

func TestH3Stream_BlockedPreservesOrder(t *testing.T) {
	enc := qpack.NewEncoder(4096)
	enc.SetIndexPolicy(func(f qpack.Field) bool { return f.Name == "x-fb-debug" })
	dec := qpack.NewDecoder(4096)
	server := NewH3Stream(0, RoleServer, enc, qpack.NewDecoder(0))
	client := NewH3Stream(0, RoleClient, qpack.NewEncoder(0), dec)

	cont := message.NewResponse(100)
	cont.Header.Add("X-FB-Debug", "first")
	resp, body := newResponse(200, 10)
	resp.Header.Add("X-FB-Debug", "second")

	var wire []byte
	b, _ := server.GenerateHeader(cont, false)
	wire = append(wire, b...)
	b, _ = server.GenerateHeader(resp, false)
	wire = append(wire, b...)
	b, _ = server.GenerateBody(body, true)
	wire = append(wire, b...)

	client.Feed(wire)
	client.FeedEOF()
	events := drainEvents(t, client)
	if len(events) != 1 || events[0].Kind != EventBlocked || events[0].RequiredInsertCount != 1 {
		t.Fatalf("Expected one blocked event, got %v", kinds(events))
	}
	if ev, _ := client.Next(); ev.Kind != EventNone {
		t.Fatalf("Expected no events while blocked, got %v", ev.Kind)
	}

	if _, err := dec.OnEncoderStream(enc.TakeEncoderStream()); err != nil {
		t.Fatal(err)
	}
	ev, err := client.Unblock(events[0].Block)
	if err != nil {
		t.Fatal(err)
	}
	if ev.Kind != EventHeaders || ev.Msg.Status != 100 || ev.Msg.Header.Get("x-fb-debug") != "first" {
		t.Fatalf("Unexpected unblocked event %+v", ev)
	}
	rest := drainEvents(t, client)
	want := []EventKind{EventHeaders, EventBody, EventEOM}
	if !equalKinds(kinds(rest), want) {
		t.Fatalf("Expected %v, got %v", want, kinds(rest))
	}

	acks, err := qpack.ParseDecoderInstructions(dec.TakeDecoderStream())
	if err != nil {
		t.Fatal(err)
	}
	if len(acks) != 2 {
		t.Errorf("Expected 2 section acks, got %d", len(acks))
	}
}

func TestH3Stream_Errors(t *testing.T) {
	headers := func() []byte {
		enc := qpack.NewEncoder(0)
		return frame.AppendHeaders(nil, enc.Encode([]qpack.Field{{Name: ":status", Value: "200"}, {Name: "content-length", Value: "5"}}))
	}

	tests := []struct {
		name string
		wire []byte
		want error
	}{
		{
			name: "settings on request stream",
			wire: frame.AppendSettings(nil),
			want: ErrWrongStream,
		},
		{
			name: "goaway on request stream",
			wire: frame.AppendGoAway(nil, 0),
			want: ErrWrongStream,
		},
		{
			name: "data before headers",
			wire: frame.AppendData(nil, []byte("x")),
			want: ErrUnexpectedFrame,
		},
		{
			name: "content-length mismatch",
			wire: frame.AppendData(headers(), []byte("abc")),
			want: ErrMalformed,
		},
		{
			name: "no headers before fin",
			wire: nil,
			want: ErrIncomplete,
		},
		{
			name: "truncated frame",
			wire: headers()[:3],
			want: ErrIncomplete,
		},
		{
			name: "missing status",
			wire: frame.AppendHeaders(nil, qpack.NewEncoder(0).Encode([]qpack.Field{{Name: "server", Value: "x"}})),
			want: ErrMalformed,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := NewH3Stream(0, RoleClient, qpack.NewEncoder(0), qpack.NewDecoder(0))
			c.Feed(tt.wire)
			c.FeedEOF()
			var err error
			for i := 0; i < 5 && err == nil; i++ {
				_, err = c.Next()
			}
			if !errors.Is(err, tt.want) {
				t.Errorf("Expected %v, got %v", tt.want, err)
			}
		})
	}
}

func TestH3Stream_Trailers(t *testing.T) {
	server := NewH3Stream(0, RoleServer, qpack.NewEncoder(0), qpack.NewDecoder(0))
	client := NewH3Stream(0, RoleClient, qpack.NewEncoder(0), qpack.NewDecoder(0))

	var wire []byte
	b, _ := server.GenerateHeader(message.NewResponse(200), false)
	wire = append(wire, b...)
	b, _ = server.GenerateBody([]byte("abc"), false)
	wire = append(wire, b...)
	b, _ = server.GenerateTrailers(message.Header{{"x-checksum", "1"}})
	wire = append(wire, b...)

	client.Feed(wire)
	client.FeedEOF()
	events := drainEvents(t, client)
	want := []EventKind{EventHeaders, EventBody, EventTrailers, EventEOM}
	if !equalKinds(kinds(events), want) {
		t.Fatalf("Expected %v, got %v", want, kinds(events))
	}
	if events[2].Trailers.Get("x-checksum") != "1" {
		t.Errorf("Unexpected trailers %v", events[2].Trailers)
	}
}

func TestH1QStream(t *testing.T) {
	c := NewH1QStream(0)
	req := message.NewRequest("GET", "https", "example.com", "/")
	req.Header.Add("Connection", "close")
	wire, err := c.GenerateHeader(req, true)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Contains(wire, []byte("connection: close\r\n")) {
		t.Errorf("Expected connection header in %q", wire)
	}

	c.Feed([]byte("HTTP/1.1 100 Continue\r\n\r\nHTTP/1.1 200 OK\r\nContent-Length: 3\r\n\r\nabc"))
	events := drainEvents(t, c)
	want := []EventKind{EventHeaders, EventHeaders, EventBody, EventEOM}
	if !equalKinds(kinds(events), want) {
		t.Fatalf("Expected %v, got %v", want, kinds(events))
	}
	if !c.IngressComplete() {
		t.Error("Expected ingress complete")
	}

	bad := NewH1QStream(4)
	bad.Feed([]byte("HTTP/1.1 200 OK\r\nContent-Length: 10\r\n\r\nabc"))
	bad.FeedEOF()
	var nerr error
	for i := 0; i < 5 && nerr == nil; i++ {
		_, nerr = bad.Next()
	}
	if !errors.Is(nerr, ErrIncomplete) {
		t.Errorf("Expected ErrIncomplete, got %v", nerr)
	}
}

func TestControlCodec(t *testing.T) {
	c := NewControlCodec()
	wire := c.GenerateSettings(frame.Setting{ID: frame.SettingQPACKBlockedStreams, Val: 16})
	wire = append(wire, c.GenerateGoaway(8)...)
	wire = frame.AppendFrame(wire, frame.TypeMaxPushID, []byte{0})
	wire = frame.AppendFrame(wire, frame.Type(0x21), nil)

	c.Feed(wire)
	var got []ControlEvent
	for {
		ev, err := c.Next()
		if err != nil {
			t.Fatal(err)
		}
		if ev.Kind == ControlNone {
			break
		}
		got = append(got, ev)
	}
	if len(got) != 4 {
		t.Fatalf("Expected 4 events, got %d", len(got))
	}
	if got[0].Kind != ControlSettings || got[0].Settings[0].Val != 16 {
		t.Errorf("Unexpected settings event %+v", got[0])
	}
	if got[1].Kind != ControlGoaway || got[1].LastStreamID != 8 {
		t.Errorf("Unexpected goaway event %+v", got[1])
	}
	if got[2].Kind != ControlOther || got[2].FrameType != frame.TypeMaxPushID {
		t.Errorf("Unexpected event %+v", got[2])
	}

	c.Feed(frame.AppendHeaders(nil, nil))
	if _, err := c.Next(); !errors.Is(err, ErrWrongStream) {
		t.Errorf("Expected ErrWrongStream, got %v", err)
	}

	bad := NewControlCodec()
	bad.Feed(frame.AppendSettings(nil, frame.Setting{ID: 0x2, Val: 1}))
	if _, err := bad.Next(); !errors.Is(err, frame.ErrMalformedSettings) {
		t.Errorf("Expected ErrMalformedSettings, got %v", err)
	}
}
