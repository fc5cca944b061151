package session

import (
	"bytes"
	"encoding/base64"
	"errors"
	"sync"
	"testing"

	"github.com/teslashibe/framerelay/internal/log"
	"github.com/teslashibe/framerelay/pkg/hub"
	"github.com/teslashibe/framerelay/pkg/protocol"
	"github.com/teslashibe/framerelay/pkg/senderid"
)

// fakeBroker records every call a session makes.
type fakeBroker struct {
	mu           sync.Mutex
	registered   map[uint64]hub.Sink
	deregistered []uint64
	ended        int
	published    []hub.Frame
}

func newFakeBroker() *fakeBroker {
	return &fakeBroker{registered: make(map[uint64]hub.Sink)}
}

func (b *fakeBroker) Register(id uint64, sink hub.Sink) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.registered[id] = sink
}

func (b *fakeBroker) Deregister(id uint64, sink hub.Sink) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.deregistered = append(b.deregistered, id)
	if cur, ok := b.registered[id]; ok && cur.ID() == sink.ID() {
		delete(b.registered, id)
	}
}

func (b *fakeBroker) ConnectionEnded() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.ended++
}

func (b *fakeBroker) Publish(producerID uint64, payload []byte) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.published = append(b.published, hub.Frame{ProducerID: producerID, Payload: payload})
}

func (b *fakeBroker) frames() []hub.Frame {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]hub.Frame(nil), b.published...)
}

// recordingExtractor remembers the raw bytes it was given.
type recordingExtractor struct {
	raw [][]byte
}

func (r *recordingExtractor) Extract(raw []byte) (uint64, []byte, error) {
	r.raw = append(r.raw, append([]byte(nil), raw...))
	return senderid.Suffix{}.Extract(raw)
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.Logger = log.Discard()
	return cfg
}

func digits(id uint64) []byte {
	out, _ := senderid.AppendSuffix(nil, id)
	return out
}

func TestNewSession(t *testing.T) {
	s := New(newFakeBroker(), testConfig())

	if s.ID() == "" {
		t.Error("session should have an id")
	}
	if s.Role() != RoleUnannounced {
		t.Errorf("Role = %v, want unannounced", s.Role())
	}
	if !s.IsAlive() {
		t.Error("new session should be alive")
	}
	if other := New(newFakeBroker(), testConfig()); other.ID() == s.ID() {
		t.Error("session ids should be unique")
	}
}

func TestAnnounceViewerRegisters(t *testing.T) {
	b := newFakeBroker()
	s := New(b, testConfig())

	if err := s.HandleText([]byte(`{"type":129,"sender_id":10,"data":"connectMonitor"}`)); err != nil {
		t.Fatalf("HandleText() error = %v", err)
	}

	if s.Role() != RoleViewer {
		t.Errorf("Role = %v, want viewer", s.Role())
	}
	if b.registered[10] != s {
		t.Error("session should be registered under id 10")
	}
}

func TestAnnounceDeviceDoesNotRegister(t *testing.T) {
	b := newFakeBroker()
	s := New(b, testConfig())

	if err := s.HandleText([]byte(`{"type":130,"sender_id":7,"data":"connectDevice"}`)); err != nil {
		t.Fatalf("HandleText() error = %v", err)
	}

	if s.Role() != RoleDevice {
		t.Errorf("Role = %v, want device", s.Role())
	}
	if len(b.registered) != 0 {
		t.Errorf("devices must not be registered, got %v", b.registered)
	}
}

func TestReannounceUnderNewID(t *testing.T) {
	b := newFakeBroker()
	s := New(b, testConfig())

	s.HandleText([]byte(`{"type":129,"sender_id":1}`))
	s.HandleText([]byte(`{"type":129,"sender_id":2}`))

	if _, ok := b.registered[1]; ok {
		t.Error("old id should be deregistered")
	}
	if b.registered[2] != s {
		t.Error("session should be registered under the new id")
	}
}

func TestInvalidTextIsIgnored(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		wantErr error
	}{
		{"invalid json", "hello", protocol.ErrMalformed},
		{"unknown type", `{"type":5,"sender_id":1}`, protocol.ErrUnknownType},
		{"bad text frame", `{"type":128,"sender_id":1,"data":"%%%"}`, ErrBadFrameData},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b := newFakeBroker()
			s := New(b, testConfig())

			err := s.HandleText([]byte(tt.input))
			var perr *ProtocolError
			if !errors.As(err, &perr) {
				t.Fatalf("HandleText() error = %v, want *ProtocolError", err)
			}
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("HandleText() error = %v, want %v", err, tt.wantErr)
			}
			if s.Role() != RoleUnannounced || len(b.registered) != 0 || len(b.frames()) != 0 {
				t.Error("invalid text must not change state")
			}
			if !s.IsAlive() {
				t.Error("session should stay open")
			}
		})
	}
}

func TestTextFrameUpload(t *testing.T) {
	b := newFakeBroker()
	s := New(b, testConfig())
	img := []byte{0xFF, 0xD8, 1, 2, 3, 0xFF, 0xD9}

	msg := `{"stream_type":128,"sender_id":77,"data":"data:image/jpeg;base64,` + base64.StdEncoding.EncodeToString(img) + `"}`
	if err := s.HandleText([]byte(msg)); err != nil {
		t.Fatalf("HandleText() error = %v", err)
	}

	frames := b.frames()
	if len(frames) != 1 || frames[0].ProducerID != 77 || !bytes.Equal(frames[0].Payload, img) {
		t.Errorf("published = %+v, want one frame from 77", frames)
	}
}

func TestFragmentReassembly(t *testing.T) {
	b := newFakeBroker()
	rec := &recordingExtractor{}
	cfg := testConfig()
	cfg.Extractor = rec
	s := New(b, cfg)

	b1 := []byte("abc")
	b2 := []byte("defghi")
	b3 := append([]byte("jk"), digits(42)...)

	for _, step := range []struct {
		kind FragmentKind
		data []byte
	}{{FragmentFirst, b1}, {FragmentContinue, b2}, {FragmentLast, b3}} {
		if err := s.HandleFragment(step.kind, step.data); err != nil {
			t.Fatalf("HandleFragment(%v) error = %v", step.kind, err)
		}
	}

	want := bytes.Join([][]byte{b1, b2, b3}, nil)
	if len(rec.raw) != 1 || !bytes.Equal(rec.raw[0], want) {
		t.Fatalf("extractor input = %q, want %q", rec.raw, want)
	}

	frames := b.frames()
	if len(frames) != 1 {
		t.Fatalf("published %d frames, want 1", len(frames))
	}
	if frames[0].ProducerID != 42 {
		t.Errorf("ProducerID = %d, want 42", frames[0].ProducerID)
	}
	if string(frames[0].Payload) != "abcdefghijk" {
		t.Errorf("Payload = %q, want %q", frames[0].Payload, "abcdefghijk")
	}
	if s.frag.active || s.frag.bytes != nil {
		t.Error("buffer should be reset after the last fragment")
	}
}

func TestBareContinueIsIgnored(t *testing.T) {
	b := newFakeBroker()
	s := New(b, testConfig())

	err := s.HandleFragment(FragmentContinue, []byte("orphan"))
	if !errors.Is(err, ErrOutOfOrder) {
		t.Errorf("HandleFragment(continue) error = %v, want ErrOutOfOrder", err)
	}
	if s.frag.active || len(s.frag.bytes) != 0 {
		t.Error("bare continuation must not touch the buffer")
	}

	err = s.HandleFragment(FragmentLast, digits(1))
	if !errors.Is(err, ErrOutOfOrder) {
		t.Errorf("HandleFragment(last) error = %v, want ErrOutOfOrder", err)
	}
	if len(b.frames()) != 0 {
		t.Error("nothing should be published")
	}
}

func TestStrayFirstKeepsBuffer(t *testing.T) {
	b := newFakeBroker()
	s := New(b, testConfig())

	s.HandleFragment(FragmentFirst, []byte("keep"))
	err := s.HandleFragment(FragmentFirst, []byte("stray"))
	if !errors.Is(err, ErrStrayFirst) {
		t.Errorf("second first error = %v, want ErrStrayFirst", err)
	}
	if string(s.frag.bytes) != "keep" {
		t.Errorf("buffer = %q, want %q", s.frag.bytes, "keep")
	}

	s.HandleFragment(FragmentLast, digits(3))
	frames := b.frames()
	if len(frames) != 1 || string(frames[0].Payload) != "keep" || frames[0].ProducerID != 3 {
		t.Errorf("published = %+v, want keep from 3", frames)
	}
}

func TestZeroLengthFirstFragment(t *testing.T) {
	b := newFakeBroker()
	s := New(b, testConfig())

	s.HandleFragment(FragmentFirst, nil)
	if !s.frag.active {
		t.Fatal("an empty first fragment still starts a message")
	}
	if err := s.HandleFragment(FragmentContinue, []byte{}); err != nil {
		t.Fatalf("empty continuation error = %v", err)
	}
	if err := s.HandleFragment(FragmentLast, digits(9)); err != nil {
		t.Fatalf("last error = %v", err)
	}

	frames := b.frames()
	if len(frames) != 1 || frames[0].ProducerID != 9 || len(frames[0].Payload) != 0 {
		t.Errorf("published = %+v, want one empty frame from 9", frames)
	}
}

func TestExtractionFailureDropsFrame(t *testing.T) {
	b := newFakeBroker()
	s := New(b, testConfig())

	s.HandleFragment(FragmentFirst, []byte{1, 2})
	err := s.HandleFragment(FragmentLast, []byte{3})
	if !errors.Is(err, senderid.ErrIncomplete) {
		t.Errorf("error = %v, want ErrIncomplete", err)
	}
	if len(b.frames()) != 0 {
		t.Error("frame without id must not be published")
	}
	if s.frag.active {
		t.Error("session should be idle after a dropped frame")
	}

	// The next message is unaffected.
	s.HandleFragment(FragmentFirst, []byte("ok"))
	s.HandleFragment(FragmentLast, digits(5))
	if len(b.frames()) != 1 {
		t.Error("following frame should be published")
	}
}

func TestFragmentSizeLimit(t *testing.T) {
	b := newFakeBroker()
	cfg := testConfig()
	cfg.MaxFrameBytes = 16
	s := New(b, cfg)

	s.HandleFragment(FragmentFirst, make([]byte, 10))
	err := s.HandleFragment(FragmentContinue, make([]byte, 10))
	if !errors.Is(err, ErrFrameTooLarge) {
		t.Fatalf("error = %v, want ErrFrameTooLarge", err)
	}
	if s.frag.active || s.frag.bytes != nil {
		t.Error("oversized message should be discarded")
	}

	if err := s.HandleFragment(FragmentLast, digits(1)); !errors.Is(err, ErrOutOfOrder) {
		t.Errorf("trailing last error = %v, want ErrOutOfOrder", err)
	}
	if len(b.frames()) != 0 {
		t.Error("nothing should be published")
	}
}

func TestHandleBinary(t *testing.T) {
	b := newFakeBroker()
	s := New(b, testConfig())

	if err := s.HandleBinary(append([]byte("img"), digits(12)...)); err != nil {
		t.Fatalf("HandleBinary() error = %v", err)
	}
	frames := b.frames()
	if len(frames) != 1 || frames[0].ProducerID != 12 || string(frames[0].Payload) != "img" {
		t.Errorf("published = %+v, want img from 12", frames)
	}

	s.HandleFragment(FragmentFirst, []byte("partial"))
	if err := s.HandleBinary(digits(1)); !errors.Is(err, ErrFragmentInProgress) {
		t.Errorf("HandleBinary during fragments error = %v, want ErrFragmentInProgress", err)
	}
	if string(s.frag.bytes) != "partial" {
		t.Error("in-progress buffer should be untouched")
	}
}

func TestJPEGApp1Strategy(t *testing.T) {
	b := newFakeBroker()
	cfg := testConfig()
	cfg.Extractor = senderid.JPEGApp1{}
	s := New(b, cfg)

	img, _ := senderid.EmbedApp1([]byte{0xFF, 0xD8, 0xAB, 0xFF, 0xD9}, 31)
	s.HandleFragment(FragmentFirst, img[:4])
	s.HandleFragment(FragmentLast, img[4:])

	frames := b.frames()
	if len(frames) != 1 || frames[0].ProducerID != 31 || !bytes.Equal(frames[0].Payload, img) {
		t.Errorf("published = %+v, want unchanged image from 31", frames)
	}
}

func TestSendEncodesEnvelope(t *testing.T) {
	s := New(newFakeBroker(), testConfig())
	payload := []byte{1, 2, 3, 4, 5, 6, 7, 8, 9}

	if err := s.Send(hub.Frame{ProducerID: 42, Payload: payload}); err != nil {
		t.Fatalf("Send() error = %v", err)
	}

	data := <-s.send
	env, err := protocol.DefaultCodec().Decode(data)
	if err != nil {
		t.Fatalf("Decode() error = %v", err)
	}
	if env.Kind != protocol.KindVideoFrame || env.ID != 42 {
		t.Errorf("envelope = %+v, want video frame from 42", env)
	}
	if env.Data != base64.StdEncoding.EncodeToString(payload) {
		t.Errorf("Data = %q, want base64 of payload", env.Data)
	}
}

func TestSendFullAndClosed(t *testing.T) {
	cfg := testConfig()
	cfg.SendQueueSize = 1
	s := New(newFakeBroker(), cfg)
	frame := hub.Frame{ProducerID: 1, Payload: []byte("x")}

	if err := s.Send(frame); err != nil {
		t.Fatalf("first Send() error = %v", err)
	}
	if err := s.Send(frame); !errors.Is(err, ErrSinkFull) {
		t.Errorf("Send() on full queue error = %v, want ErrSinkFull", err)
	}

	s.Close()
	if err := s.Send(frame); !errors.Is(err, ErrSinkClosed) {
		t.Errorf("Send() after Close error = %v, want ErrSinkClosed", err)
	}
	if s.IsAlive() {
		t.Error("closed session should not be alive")
	}
}

func TestCloseNotifiesBroker(t *testing.T) {
	t.Run("viewer", func(t *testing.T) {
		b := newFakeBroker()
		s := New(b, testConfig())
		s.HandleText([]byte(`{"type":129,"sender_id":10}`))

		s.Close()
		s.Close()

		if len(b.deregistered) != 1 || b.deregistered[0] != 10 {
			t.Errorf("deregistered = %v, want [10]", b.deregistered)
		}
		if len(b.registered) != 0 {
			t.Error("viewer should be gone after close")
		}
	})

	t.Run("device", func(t *testing.T) {
		b := newFakeBroker()
		s := New(b, testConfig())
		s.HandleText([]byte(`{"type":130,"sender_id":7}`))
		s.HandleFragment(FragmentFirst, []byte("partial"))

		s.Close()

		if b.ended != 1 {
			t.Errorf("ConnectionEnded calls = %d, want 1", b.ended)
		}
		if s.frag.active {
			t.Error("partial frame should be discarded on close")
		}
	})
}
