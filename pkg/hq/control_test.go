package hq

import (
	"bytes"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/albertbausili/hqsession/internal/codec"
	"github.com/albertbausili/hqsession/internal/h3/frame"
	"github.com/albertbausili/hqsession/internal/testutil/hqpeer"
)

func TestControl_LocalStreams(t *testing.T) {
	ctrl := codec.NewControlCodec()
	tests := []struct {
		variant Variant
		streams map[uint64][]byte
	}{
		{VariantH1QV1, map[uint64][]byte{}},
		{VariantH1QV2, map[uint64][]byte{
			2: frame.AppendStreamType(nil, frame.StreamH1QControl),
		}},
		{VariantH3, map[uint64][]byte{
			2: append([]byte{0x00}, ctrl.GenerateSettings(
				frame.Setting{ID: frame.SettingQPACKMaxTableCapacity, Val: 4096},
				frame.Setting{ID: frame.SettingQPACKBlockedStreams, Val: 100},
			)...),
			6:  {0x02},
			10: {0x03},
		}},
	}

	for _, tt := range tests {
		t.Run(tt.variant.String(), func(t *testing.T) {
			ts := newTestSession(t, tt.variant)
			var uni int
			for _, id := range ts.driver.StreamIDs() {
				if id&0x3 == 0x2 {
					uni++
				}
			}
			if uni != len(tt.streams) {
				t.Errorf("Expected %d local unidirectional streams, got %d", len(tt.streams), uni)
			}
			for id, want := range tt.streams {
				if got := ts.driver.Stream(id).Written; !bytes.Equal(got, want) {
					t.Errorf("stream %d: Expected %x, got %x", id, want, got)
				}
			}
		})
	}
}

func TestControl_PeerSettings(t *testing.T) {
	ts := newTestSession(t, VariantH3)
	settings := ts.sess.PeerSettings()
	if len(settings) != 2 {
		t.Fatalf("Expected 2 peer settings, got %d", len(settings))
	}
	if settings[0].ID != frame.SettingQPACKMaxTableCapacity || settings[0].Val != hqpeer.TableCapacity {
		t.Errorf("Unexpected first setting %+v", settings[0])
	}
	if ts.sess.State() != StateActive {
		t.Errorf("Expected active, got %s", ts.sess.State())
	}
}

func TestControl_GoawayStreamsUnacknowledged(t *testing.T) {
	for _, v := range controlVariants {
		t.Run(v.String(), func(t *testing.T) {
			ts := newTestSession(t, v)
			handlers := make([]*mockHandler, 4)
			for i := range handlers {
				handlers[i] = &mockHandler{}
				ts.sendRequest(handlers[i])
			}
			goawaysBefore := counterValue(t, goawaysReceived)

			ts.peer.SendGoaway(frame.MaxStreamID, 50*time.Millisecond)
			ts.peer.SendGoaway(4, 100*time.Millisecond)
			ts.loop.Loop()

			if got := counterValue(t, goawaysReceived); got != goawaysBefore+2 {
				t.Errorf("Expected 2 GOAWAYs counted, got %v", got-goawaysBefore)
			}
			for i, h := range handlers {
				if len(h.goaways) != 2 || h.goaways[0] != frame.MaxStreamID || h.goaways[1] != 4 {
					t.Errorf("handler %d: Expected both GOAWAYs, got %v", i, h.goaways)
				}
			}
			for _, i := range []int{2, 3} {
				h := handlers[i]
				if len(h.errs) != 1 {
					t.Fatalf("handler %d: Expected 1 error, got %d", i, len(h.errs))
				}
				if h.errs[0].Kind != KindStreamUnacknowledged {
					t.Errorf("handler %d: Expected kind StreamUnacknowledged, got %s", i, h.errs[0].Kind)
				}
				want := fmt.Sprintf("StreamUnacknowledged on transaction id: %d", h.tr.ID())
				if h.errs[0].Error() != want {
					t.Errorf("handler %d: Expected %q, got %q", i, want, h.errs[0].Error())
				}
				if !h.errs[0].Retryable() {
					t.Errorf("handler %d: Expected a retryable error", i)
				}
				if h.detached != 1 {
					t.Errorf("handler %d: Expected 1 detach, got %d", i, h.detached)
				}
			}
			for _, i := range []int{0, 1} {
				if len(handlers[i].errs) != 0 {
					t.Errorf("handler %d: Expected no errors, got %v", i, handlers[i].errs)
				}
			}

			if _, err := ts.sess.NewTransaction(&mockHandler{}); !errors.Is(err, ErrNoCapacity) {
				t.Errorf("Expected ErrNoCapacity after GOAWAY, got %v", err)
			}
			if ts.sess.State() != StateDraining {
				t.Errorf("Expected draining, got %s", ts.sess.State())
			}

			ts.respond(0, 200, "")
			ts.respond(4, 200, "")
			ts.flushAndLoop()

			for _, i := range []int{0, 1} {
				if handlers[i].eom != 1 {
					t.Errorf("handler %d: Expected the response, got %d EOMs", i, handlers[i].eom)
				}
			}
			ts.expectClosed(ErrNoError)
			if ts.sess.CloseReason() != CloseReasonGoaway {
				t.Errorf("Expected close reason goaway, got %s", ts.sess.CloseReason())
			}
		})
	}
}

func TestControl_GoawayIncreasingIgnored(t *testing.T) {
	ts := newTestSession(t, VariantH3)
	h := &mockHandler{}
	tr := ts.sendRequest(h)

	ts.peer.SendGoaway(8, 0)
	ts.peer.SendGoaway(100, time.Millisecond)
	ts.loop.Loop()

	if len(h.goaways) != 1 || h.goaways[0] != 8 {
		t.Errorf("Expected only the first GOAWAY, got %v", h.goaways)
	}
	if ts.sess.State() == StateClosed {
		t.Fatal("Expected the session to stay open")
	}

	ts.respond(tr.ID(), 200, "")
	ts.flushAndLoop()
	ts.expectClosed(ErrNoError)
}

func TestControl_GoawayWithoutTransactions(t *testing.T) {
	ts := newTestSession(t, VariantH1QV2)
	ts.peer.SendGoaway(0, 0)
	ts.loop.Loop()

	ts.expectClosed(ErrNoError)
	if ts.sess.CloseReason() != CloseReasonGoaway {
		t.Errorf("Expected close reason goaway, got %s", ts.sess.CloseReason())
	}
}

func TestControl_DrainSendsGoaways(t *testing.T) {
	ctrl := codec.NewControlCodec()
	first := ctrl.GenerateGoaway(frame.MaxStreamID)
	second := ctrl.GenerateGoaway(0)

	for _, v := range controlVariants {
		t.Run(v.String(), func(t *testing.T) {
			ts := newTestSession(t, v)
			h := &mockHandler{}
			tr := ts.sendRequest(h)
			before := len(ts.driver.Stream(2).Written)

			ts.sess.Drain()
			if got := ts.driver.Stream(2).Written[before:]; !bytes.Equal(got, first) {
				t.Errorf("Expected the first GOAWAY %x, got %x", first, got)
			}

			ts.loop.Advance(DefaultConfig().DrainGoawayDelay)
			want := append(append([]byte{}, first...), second...)
			if got := ts.driver.Stream(2).Written[before:]; !bytes.Equal(got, want) {
				t.Errorf("Expected both GOAWAYs %x, got %x", want, got)
			}

			// A client GOAWAY only limits the peer.
			if _, err := ts.sess.NewTransaction(&mockHandler{}); err != nil {
				t.Errorf("Expected new transactions while draining, got %v", err)
			}

			ts.respond(tr.ID(), 200, "")
			ts.flushAndLoop()
			if h.eom != 1 {
				t.Errorf("Expected the response while draining, got %d EOMs", h.eom)
			}
		})
	}
}

func TestControl_DrainBeforeTransportReady(t *testing.T) {
	ts := setupTestSession(t, VariantH3)
	ts.sess.Drain()
	if len(ts.driver.Stream(2).Written) != 0 {
		t.Fatal("Expected nothing written before the transport is ready")
	}

	ts.start(true)
	ctrl := codec.NewControlCodec()
	want := append(append([]byte{}, ctrl.GenerateGoaway(frame.MaxStreamID)...), ctrl.GenerateGoaway(0)...)
	if got := ts.driver.Stream(2).Written; !bytes.HasSuffix(got, want) {
		t.Errorf("Expected both GOAWAYs after SETTINGS, got %x", got)
	}
}

func TestControl_ExtraSettings(t *testing.T) {
	for _, v := range controlVariants {
		t.Run(v.String(), func(t *testing.T) {
			ts := newTestSession(t, v)
			h := &mockHandler{}
			ts.sendRequest(h)

			ts.peer.SendSettings(0)
			ts.loop.Loop()

			ts.expectClosed(ErrUnexpectedFrame)
			if len(h.errs) != 1 || h.errs[0].Kind != KindProtocol {
				t.Errorf("Expected a Protocol error, got %v", h.errs)
			}
			if ts.sess.CloseReason() != CloseReasonProtocolError {
				t.Errorf("Expected close reason protocol_error, got %s", ts.sess.CloseReason())
			}
		})
	}
}

func TestControl_WriteExtraSettings(t *testing.T) {
	for _, v := range controlVariants {
		t.Run(v.String(), func(t *testing.T) {
			ts := newTestSession(t, v)
			defer func() {
				r := recover()
				if r == nil {
					t.Fatal("Expected a second SendSettings to panic")
				}
				if r != "hq: settings already sent" {
					t.Errorf("Unexpected panic %v", r)
				}
			}()
			ts.sess.SendSettings()
		})
	}
}

func TestControl_NoSettingsSimpleGet(t *testing.T) {
	ts := setupTestSession(t, VariantH3)
	ts.start(false)
	if ts.connect.successes != 0 {
		t.Fatalf("Expected no connect success without SETTINGS, got %d", ts.connect.successes)
	}
	if ts.sess.State() != StateConnecting {
		t.Errorf("Expected connecting, got %s", ts.sess.State())
	}

	h := &mockHandler{}
	ts.sendRequest(h)
	ts.driver.DeliverConnectionError(uint64(ErrInternalError), "no settings")

	if len(ts.connect.errs) != 1 {
		t.Errorf("Expected 1 connect error, got %d", len(ts.connect.errs))
	}
	if len(h.errs) != 1 || h.errs[0].Kind != KindConnection {
		t.Errorf("Expected a Connection error, got %v", h.errs)
	}
}

func TestControl_SettingsLate(t *testing.T) {
	ts := setupTestSession(t, VariantH3)
	ts.start(false)
	ts.peer.SendSettings(10 * time.Millisecond)
	ts.loop.Loop()

	if ts.connect.successes != 1 {
		t.Errorf("Expected connect success after SETTINGS, got %d", ts.connect.successes)
	}
	if ts.sess.State() != StateActive {
		t.Errorf("Expected active, got %s", ts.sess.State())
	}
}

func TestControl_GoawayBeforeSettings(t *testing.T) {
	ts := setupTestSession(t, VariantH3)
	ts.start(false)
	h := &mockHandler{}
	ts.sendRequest(h)

	ts.peer.SendGoaway(4, 0)
	ts.loop.Loop()

	ts.expectClosed(ErrMissingSettings)
	if len(h.errs) != 1 || h.errs[0].Code != ErrMissingSettings {
		t.Errorf("Expected a MISSING_SETTINGS error, got %v", h.errs)
	}
	if len(ts.connect.errs) != 1 || ts.connect.errs[0].Kind != KindProtocol {
		t.Errorf("Expected the connect callback to fail, got %v", ts.connect.errs)
	}
}

func TestControl_ConnectionErrors(t *testing.T) {
	tests := []struct {
		name     string
		variants []Variant
		inject   func(ts *testSession)
		wantCode ErrorCode
	}{
		{
			name:     "control stream FIN",
			variants: controlVariants,
			inject:   func(ts *testSession) { ts.driver.AddReadEOF(hqpeer.ControlStreamID, 0) },
			wantCode: ErrClosedCriticalStream,
		},
		{
			name:     "control stream reset",
			variants: controlVariants,
			inject: func(ts *testSession) {
				ts.driver.AddStreamReset(hqpeer.ControlStreamID, uint64(ErrInternalError), 0)
			},
			wantCode: ErrClosedCriticalStream,
		},
		{
			name:     "encoder stream reset",
			variants: []Variant{VariantH3},
			inject: func(ts *testSession) {
				ts.driver.AddStreamReset(hqpeer.EncoderStreamID, uint64(ErrInternalError), 0)
			},
			wantCode: ErrClosedCriticalStream,
		},
		{
			name:     "second control stream",
			variants: controlVariants,
			inject: func(ts *testSession) {
				typ, _ := ts.sess.ops.controlStreamType()
				ts.driver.AddReadEvent(15, frame.AppendStreamType(nil, typ), 0)
			},
			wantCode: ErrWrongStreamCount,
		},
		{
			name:     "second decoder stream",
			variants: []Variant{VariantH3},
			inject: func(ts *testSession) {
				ts.driver.AddReadEvent(15, frame.AppendStreamType(nil, frame.StreamQPACKDecoder), 0)
			},
			wantCode: ErrWrongStreamCount,
		},
		{
			name:     "MAX_PUSH_ID",
			variants: []Variant{VariantH3},
			inject: func(ts *testSession) {
				ts.peer.SendControlFrame(frame.AppendFrame(nil, frame.TypeMaxPushID, []byte{0x00}), 0)
			},
			wantCode: ErrUnexpectedFrame,
		},
		{
			name:     "DATA on control stream",
			variants: controlVariants,
			inject: func(ts *testSession) {
				ts.peer.SendControlFrame(frame.AppendData(nil, []byte("x")), 0)
			},
			wantCode: ErrWrongStream,
		},
		{
			name:     "malformed GOAWAY",
			variants: controlVariants,
			inject: func(ts *testSession) {
				ts.peer.SendControlFrame(frame.AppendFrame(nil, frame.TypeGoAway, []byte{0x00, 0x00}), 0)
			},
			wantCode: ErrMalformedFrameGoaway,
		},
	}

	for _, tt := range tests {
		for _, v := range tt.variants {
			t.Run(tt.name+"/"+v.String(), func(t *testing.T) {
				ts := newTestSession(t, v)
				h := &mockHandler{}
				ts.sendRequest(h)

				tt.inject(ts)
				ts.loop.Loop()

				ts.expectClosed(tt.wantCode)
				if len(h.errs) != 1 || h.errs[0].Code != tt.wantCode {
					t.Errorf("Expected the connection error on the transaction, got %v", h.errs)
				}
			})
		}
	}
}

func TestControl_MalformedSettings(t *testing.T) {
	ts := setupTestSession(t, VariantH3)
	ts.start(false)
	ts.peer.SendControlFrame(frame.AppendFrame(nil, frame.TypeSettings, []byte{0x01}), 0)
	ts.loop.Loop()

	ts.expectClosed(ErrMalformedFrameSettings)
	if len(ts.connect.errs) != 1 {
		t.Errorf("Expected 1 connect error, got %d", len(ts.connect.errs))
	}
}

func TestControl_RefusedPeerStreams(t *testing.T) {
	tests := []struct {
		variant  Variant
		typ      frame.StreamType
		wantCode ErrorCode
	}{
		{VariantH1QV1, frame.StreamControl, ErrUnknownStreamType},
		{VariantH1QV1, frame.StreamH1QControl, ErrUnknownStreamType},
		{VariantH1QV2, frame.StreamQPACKEncoder, ErrUnknownStreamType},
		{VariantH1QV2, frame.StreamPush, ErrUnknownStreamType},
		{VariantH3, frame.StreamPush, ErrPushRefused},
		{VariantH3, frame.StreamType(0x21), ErrUnknownStreamType},
	}

	for _, tt := range tests {
		t.Run(fmt.Sprintf("%s/%s", tt.variant, tt.typ), func(t *testing.T) {
			ts := newTestSession(t, tt.variant)
			h := &mockHandler{}
			tr := ts.sendRequest(h)

			ts.driver.AddReadEvent(15, frame.AppendStreamType(nil, tt.typ), 0)
			ts.driver.AddReadEvent(15, []byte("ignored"), time.Millisecond)
			ts.loop.Loop()

			st := ts.driver.Stream(15)
			if !st.Stopped || ErrorCode(st.StopCode) != tt.wantCode {
				t.Errorf("Expected STOP_SENDING with %s, got %v/%s", tt.wantCode, st.Stopped, ErrorCode(st.StopCode))
			}
			if ts.sess.State() == StateClosed {
				t.Fatal("Expected the session to stay open")
			}

			ts.respond(tr.ID(), 200, "")
			ts.flushAndLoop()
			if h.eom != 1 {
				t.Errorf("Expected the response, got %d EOMs", h.eom)
			}
		})
	}
}

func TestControl_StreamTypeSplitAcrossReads(t *testing.T) {
	ts := setupTestSession(t, VariantH1QV2)
	ts.sess.OnTransportReady()
	typ := frame.AppendStreamType(nil, frame.StreamH1QControl)
	if len(typ) != 2 {
		t.Fatalf("Expected a two byte stream type, got %x", typ)
	}
	ts.driver.AddReadEvent(hqpeer.ControlStreamID, typ[:1], 0)
	ts.driver.AddReadEvent(hqpeer.ControlStreamID, typ[1:], time.Millisecond)
	ts.peer.SendGoaway(0, 2*time.Millisecond)
	ts.loop.Loop()

	ts.expectClosed(ErrNoError)
	if ts.sess.CloseReason() != CloseReasonGoaway {
		t.Errorf("Expected close reason goaway, got %s", ts.sess.CloseReason())
	}
}
