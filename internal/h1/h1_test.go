package h1

import (
	"bytes"
	"errors"
	"testing"

	"github.com/albertbausili/hqsession/internal/message"
)

// collect feeds data one byte at a time and returns all events.
func collect(t *testing.T, p *Parser, data []byte, eof bool) []Event {
	t.Helper()
	var events []Event
	drain := func() {
		for {
			ev, err := p.Next()
			if err != nil {
				t.Fatalf("Next() error = %v", err)
			}
			if ev.Kind == EventNone {
				return
			}
			events = append(events, ev)
			if ev.Kind == EventEOM {
				return
			}
		}
	}
	for i := range data {
		p.Feed(data[i : i+1])
		drain()
	}
	if eof {
		p.FeedEOF()
		drain()
	}
	return events
}

func bodyOf(events []Event) []byte {
	var b []byte
	for _, ev := range events {
		if ev.Kind == EventBody {
			b = append(b, ev.Data...)
		}
	}
	return b
}

func TestParser_ContentLength(t *testing.T) {
	raw := []byte("HTTP/1.1 200 OK\r\nContent-Length: 5\r\nX-Test: a\r\n\r\nhello")
	p := NewParser()
	events := collect(t, p, raw, false)

	if events[0].Kind != EventHeaders || events[0].Msg.Status != 200 {
		t.Fatalf("Expected headers first, got %+v", events[0])
	}
	if events[0].Msg.Header.Get("x-test") != "a" {
		t.Errorf("Expected x-test header, got %q", events[0].Msg.Header.Get("x-test"))
	}
	if got := bodyOf(events); string(got) != "hello" {
		t.Errorf("Expected body hello, got %q", got)
	}
	if events[len(events)-1].Kind != EventEOM || !p.Done() {
		t.Error("Expected EOM")
	}
}

func TestParser_Chunked(t *testing.T) {
	raw := []byte("HTTP/1.1 200 OK\r\nTransfer-Encoding: chunked\r\n\r\n" +
		"3\r\nabc\r\n2;ext=1\r\nde\r\n0\r\nX-Trailer: t\r\n\r\n")
	p := NewParser()
	events := collect(t, p, raw, false)

	if got := bodyOf(events); string(got) != "abcde" {
		t.Errorf("Expected body abcde, got %q", got)
	}
	var trailers message.Header
	for _, ev := range events {
		if ev.Kind == EventTrailers {
			trailers = ev.Trailers
		}
	}
	if trailers.Get("x-trailer") != "t" {
		t.Errorf("Expected trailer, got %v", trailers)
	}
	if events[len(events)-1].Kind != EventEOM {
		t.Error("Expected EOM last")
	}
}

func TestParser_InformationalThenFinal(t *testing.T) {
	raw := []byte("HTTP/1.1 100 Continue\r\n\r\nHTTP/1.1 200 OK\r\nContent-Length: 0\r\n\r\n")
	events := collect(t, NewParser(), raw, false)

	if len(events) != 3 {
		t.Fatalf("Expected 3 events, got %d", len(events))
	}
	if events[0].Msg.Status != 100 || events[1].Msg.Status != 200 {
		t.Errorf("Unexpected statuses %d, %d", events[0].Msg.Status, events[1].Msg.Status)
	}
}

func TestParser_TermedByEOF(t *testing.T) {
	raw := append([]byte("HTTP/1.0 200 OK\r\n\r\n"), bytes.Repeat([]byte{'x'}, 100)...)
	p := NewParser()
	events := collect(t, p, raw, true)

	if events[0].Msg.VersionMinor != 0 {
		t.Errorf("Expected HTTP/1.0, got minor %d", events[0].Msg.VersionMinor)
	}
	if got := bodyOf(events); len(got) != 100 {
		t.Errorf("Expected 100 body bytes, got %d", len(got))
	}
	if events[len(events)-1].Kind != EventEOM {
		t.Error("Expected EOM at EOF")
	}
}

func TestParser_HeadHasNoBody(t *testing.T) {
	p := NewParser()
	p.SetRequestMethod("HEAD")
	events := collect(t, p, []byte("HTTP/1.1 200 OK\r\nContent-Length: 10\r\n\r\n"), false)
	if len(events) != 2 || events[1].Kind != EventEOM {
		t.Errorf("Expected headers and EOM, got %d events", len(events))
	}
}

func TestParser_Errors(t *testing.T) {
	tests := []struct {
		name string
		raw  string
		eof  bool
		want error
	}{
		{name: "bad version", raw: "HTTP/2.0 200 OK\r\n"},
		{name: "bad status", raw: "HTTP/1.1 2x0 OK\r\n"},
		{name: "bad header", raw: "HTTP/1.1 200 OK\r\nnocolon\r\n"},
		{name: "bad header name", raw: "HTTP/1.1 200 OK\r\nbad name: v\r\n"},
		{name: "bad content-length", raw: "HTTP/1.1 200 OK\r\nContent-Length: x\r\n\r\n"},
		{name: "bad chunk size", raw: "HTTP/1.1 200 OK\r\nTransfer-Encoding: chunked\r\n\r\nzz\r\n"},
		{name: "truncated body", raw: "HTTP/1.1 200 OK\r\nContent-Length: 10\r\n\r\nabc", eof: true, want: ErrUnexpectedEOF},
		{name: "no response", raw: "", eof: true, want: ErrUnexpectedEOF},
		{name: "trailing data", raw: "HTTP/1.1 204 No Content\r\n\r\nextra", want: ErrTrailingData},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := NewParser()
			p.Feed([]byte(tt.raw))
			if tt.eof {
				p.FeedEOF()
			}
			var err error
			for i := 0; i < 10 && err == nil; i++ {
				_, err = p.Next()
			}
			if err == nil {
				t.Fatal("Expected an error")
			}
			if tt.want != nil && !errors.Is(err, tt.want) {
				t.Errorf("Expected %v, got %v", tt.want, err)
			}
		})
	}
}

func TestWriter_RoundTrip(t *testing.T) {
	tests := []struct {
		name    string
		resp    *message.Message
		body    []byte
		chunked bool
	}{
		{
			name: "content-length",
			resp: func() *message.Message {
				m := message.NewResponse(200)
				m.Header.Add("Content-Length", "4")
				return m
			}(),
			body: []byte("data"),
		},
		{
			name:    "chunked",
			resp:    message.NewResponse(404),
			body:    []byte("not found"),
			chunked: true,
		},
		{
			name: "http10",
			resp: func() *message.Message {
				m := message.NewResponse(200)
				m.VersionMinor = 0
				return m
			}(),
			body: []byte("until fin"),
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := NewWriter()
			out, err := w.AppendHeader(nil, tt.resp, false)
			if err != nil {
				t.Fatal(err)
			}
			if out, err = w.AppendBody(out, tt.body); err != nil {
				t.Fatal(err)
			}
			out = w.AppendEOM(out)
			if got := bytes.Contains(out, []byte("transfer-encoding: chunked")); got != tt.chunked {
				t.Errorf("Expected chunked=%v in %q", tt.chunked, out)
			}

			events := collect(t, NewParser(), out, true)
			if events[0].Msg.Status != tt.resp.Status {
				t.Errorf("Expected status %d, got %d", tt.resp.Status, events[0].Msg.Status)
			}
			if got := bodyOf(events); !bytes.Equal(got, tt.body) {
				t.Errorf("Expected body %q, got %q", tt.body, got)
			}
		})
	}
}

func TestWriter_Request(t *testing.T) {
	req := message.NewRequest("GET", "https", "example.com", "/index")
	w := NewWriter()
	out, err := w.AppendHeader(nil, req, true)
	if err != nil {
		t.Fatal(err)
	}
	want := "GET /index HTTP/1.1\r\nhost: example.com\r\n\r\n"
	if string(out) != want {
		t.Errorf("Expected %q, got %q", want, out)
	}
	if !w.Done() {
		t.Error("Expected writer done after EOM headers")
	}
	if _, err := w.AppendBody(nil, []byte("x")); err == nil {
		t.Error("Expected body after EOM to fail")
	}

	post := message.NewRequest("POST", "https", "example.com", "/upload")
	w = NewWriter()
	out, _ = w.AppendHeader(nil, post, false)
	out, _ = w.AppendBody(out, []byte("abc"))
	out = w.AppendTrailers(out, message.Header{{"x-sum", "1"}})
	if !bytes.HasSuffix(out, []byte("3\r\nabc\r\n0\r\nx-sum: 1\r\n\r\n")) {
		t.Errorf("Unexpected chunked request %q", out)
	}
}

func TestWriter_Informational(t *testing.T) {
	w := NewWriter()
	out, err := w.AppendHeader(nil, message.NewResponse(100), false)
	if err != nil {
		t.Fatal(err)
	}
	final := message.NewResponse(200)
	final.Header.Add("content-length", "0")
	if out, err = w.AppendHeader(out, final, true); err != nil {
		t.Fatalf("Expected final header after 1xx, got %v", err)
	}
	events := collect(t, NewParser(), out, false)
	if len(events) != 3 {
		t.Errorf("Expected 3 events, got %d", len(events))
	}
}
