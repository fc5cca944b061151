// Package session implements the per-connection side of the relay.
//
// A Session starts unannounced. A viewer announce registers it with the
// broker as a frame sink; a device announce marks it as a producer whose
// binary messages are reassembled, stripped of their sender id and
// published. Serve drives a Session from a WebSocket connection.
package session

import (
	"encoding/base64"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/teslashibe/framerelay/internal/log"
	"github.com/teslashibe/framerelay/pkg/hub"
	"github.com/teslashibe/framerelay/pkg/protocol"
	"github.com/teslashibe/framerelay/pkg/senderid"
)

// Defaults for Config.
const (
	DefaultMaxFrameBytes = 5 * 1024 * 1024
	DefaultSendQueueSize = 32
)

// Role is what the peer announced itself as.
type Role int

const (
	RoleUnannounced Role = iota
	RoleViewer
	RoleDevice
)

// String returns the role name for logging.
func (r Role) String() string {
	switch r {
	case RoleViewer:
		return "viewer"
	case RoleDevice:
		return "device"
	default:
		return "unannounced"
	}
}

// FragmentKind marks a piece of a fragmented binary message.
type FragmentKind int

const (
	FragmentFirst FragmentKind = iota
	FragmentContinue
	FragmentLast
)

// String returns the fragment kind name for logging.
func (k FragmentKind) String() string {
	switch k {
	case FragmentFirst:
		return "first"
	case FragmentContinue:
		return "continue"
	case FragmentLast:
		return "last"
	default:
		return fmt.Sprintf("fragment(%d)", int(k))
	}
}

// Broker is the part of the hub a session talks to. *hub.Hub implements it.
type Broker interface {
	Register(id uint64, sink hub.Sink)
	Deregister(id uint64, sink hub.Sink)
	ConnectionEnded()
	Publish(producerID uint64, payload []byte)
}

// Config holds per-session settings shared by every connection.
type Config struct {
	// Envelope codec with the deployment's type codes
	Codec protocol.Codec

	// Sender id strategy applied to reassembled frames
	Extractor senderid.Extractor

	// Upper bound on one reassembled frame
	MaxFrameBytes int

	// Encoded frames waiting for the write pump
	SendQueueSize int

	// Observability
	Logger *slog.Logger
}

// DefaultConfig returns the default session configuration.
func DefaultConfig() Config {
	return Config{
		Codec:         protocol.DefaultCodec(),
		Extractor:     senderid.Suffix{},
		MaxFrameBytes: DefaultMaxFrameBytes,
		SendQueueSize: DefaultSendQueueSize,
	}
}

func (c Config) withDefaults() Config {
	def := DefaultConfig()
	if c.Extractor == nil {
		c.Extractor = def.Extractor
	}
	if c.Codec == (protocol.Codec{}) {
		c.Codec = def.Codec
	}
	if c.MaxFrameBytes <= 0 {
		c.MaxFrameBytes = def.MaxFrameBytes
	}
	if c.SendQueueSize <= 0 {
		c.SendQueueSize = def.SendQueueSize
	}
	if c.Logger == nil {
		c.Logger = log.L()
	}
	return c
}

// fragmentBuffer holds a binary message being reassembled. active is kept
// separately because an empty buffer is a valid message in progress.
type fragmentBuffer struct {
	bytes  []byte
	active bool
}

// Session is one connected peer. The Handle methods and Close belong to the
// connection's read goroutine; Send, IsAlive and ID may be called from any
// goroutine.
type Session struct {
	id     string
	broker Broker
	cfg    Config
	log    *slog.Logger

	role     Role
	viewerID uint64
	frag     fragmentBuffer

	send      chan []byte
	done      chan struct{}
	alive     atomic.Bool
	closeOnce sync.Once
}

// New creates a session bound to broker.
func New(broker Broker, cfg Config) *Session {
	cfg = cfg.withDefaults()
	id := uuid.NewString()
	s := &Session{
		id:     id,
		broker: broker,
		cfg:    cfg,
		log:    cfg.Logger.With("component", "session", "session", id),
		send:   make(chan []byte, cfg.SendQueueSize),
		done:   make(chan struct{}),
	}
	s.alive.Store(true)
	return s
}

// ID returns the session's unique identity.
func (s *Session) ID() string {
	return s.id
}

// Role returns what the peer announced itself as.
func (s *Session) Role() Role {
	return s.role
}

// IsAlive reports whether the session can still deliver frames.
func (s *Session) IsAlive() bool {
	return s.alive.Load()
}

// Send queues frame for the peer without blocking.
func (s *Session) Send(frame hub.Frame) error {
	if !s.alive.Load() {
		return ErrSinkClosed
	}
	data, err := s.cfg.Codec.Encode(protocol.NewVideoFrame(frame.ProducerID, frame.Payload))
	if err != nil {
		return err
	}
	select {
	case s.send <- data:
		return nil
	case <-s.done:
		return ErrSinkClosed
	default:
		return ErrSinkFull
	}
}

// HandleText processes one text message from the peer.
func (s *Session) HandleText(data []byte) error {
	env, err := s.cfg.Codec.Decode(data)
	if err != nil {
		s.log.Warn("not a valid client message", "error", err, "bytes", len(data))
		return &ProtocolError{Op: "text", Err: err}
	}

	switch env.Kind {
	case protocol.KindAnnounceViewer:
		s.announceViewer(env.ID)
	case protocol.KindAnnounceDevice:
		s.leaveViewerRole()
		s.role = RoleDevice
		s.log.Info("received connection from device", "id", env.ID)
	case protocol.KindVideoFrame:
		return s.handleTextFrame(env)
	}
	return nil
}

func (s *Session) announceViewer(id uint64) {
	if s.role == RoleViewer && s.viewerID != id {
		s.broker.Deregister(s.viewerID, s)
	}
	s.role = RoleViewer
	s.viewerID = id
	s.log.Info("adding new monitor client", "id", id)
	s.broker.Register(id, s)
}

func (s *Session) leaveViewerRole() {
	if s.role == RoleViewer {
		s.broker.Deregister(s.viewerID, s)
	}
}

// handleTextFrame accepts the older upload path where a device sends the
// image as a base64 (optionally data URL) string and the id in the envelope.
func (s *Session) handleTextFrame(env protocol.Envelope) error {
	data := env.Data
	if strings.HasPrefix(data, "data:") {
		if i := strings.Index(data, ";base64,"); i >= 0 {
			data = data[i+len(";base64,"):]
		}
	}
	payload, err := base64.StdEncoding.DecodeString(data)
	if err != nil {
		s.log.Warn("dropping text frame", "id", env.ID, "error", err)
		return &ProtocolError{Op: "text frame", Err: ErrBadFrameData}
	}
	if len(payload) > s.cfg.MaxFrameBytes {
		s.log.Error("dropping text frame", "id", env.ID, "bytes", len(payload), "limit", s.cfg.MaxFrameBytes)
		return &ProtocolError{Op: "text frame", Err: ErrFrameTooLarge}
	}
	s.broker.Publish(env.ID, payload)
	return nil
}

// HandleFragment processes one piece of a fragmented binary message.
func (s *Session) HandleFragment(kind FragmentKind, data []byte) error {
	switch kind {
	case FragmentFirst:
		if s.frag.active {
			s.log.Warn("dropping stray first fragment", "buffered", len(s.frag.bytes), "bytes", len(data))
			return &ProtocolError{Op: "first", Err: ErrStrayFirst}
		}
		s.frag.active = true
		return s.appendFragment(kind, data)

	case FragmentContinue:
		if !s.frag.active {
			s.log.Warn("ignoring out of order continuation", "bytes", len(data))
			return &ProtocolError{Op: "continue", Err: ErrOutOfOrder}
		}
		return s.appendFragment(kind, data)

	case FragmentLast:
		if !s.frag.active {
			s.log.Warn("ignoring out of order last fragment", "bytes", len(data))
			return &ProtocolError{Op: "last", Err: ErrOutOfOrder}
		}
		if err := s.appendFragment(kind, data); err != nil {
			return err
		}
		raw := s.frag.bytes
		s.frag = fragmentBuffer{}
		return s.finalize(raw)
	}
	return &ProtocolError{Op: kind.String(), Err: ErrOutOfOrder}
}

// appendFragment grows the buffer, abandoning the message once it passes
// MaxFrameBytes.
func (s *Session) appendFragment(kind FragmentKind, data []byte) error {
	if len(s.frag.bytes)+len(data) > s.cfg.MaxFrameBytes {
		s.log.Error("fragmented frame too large, discarding",
			"buffered", len(s.frag.bytes), "bytes", len(data), "limit", s.cfg.MaxFrameBytes)
		s.frag = fragmentBuffer{}
		return &ProtocolError{Op: kind.String(), Err: ErrFrameTooLarge}
	}
	s.frag.bytes = append(s.frag.bytes, data...)
	return nil
}

// HandleBinary processes a complete, unfragmented binary message. The
// session takes ownership of data.
func (s *Session) HandleBinary(data []byte) error {
	if s.frag.active {
		s.log.Warn("dropping binary message during fragmented message", "buffered", len(s.frag.bytes))
		return &ProtocolError{Op: "binary", Err: ErrFragmentInProgress}
	}
	if len(data) > s.cfg.MaxFrameBytes {
		s.log.Error("binary frame too large", "bytes", len(data), "limit", s.cfg.MaxFrameBytes)
		return &ProtocolError{Op: "binary", Err: ErrFrameTooLarge}
	}
	return s.finalize(data)
}

// finalize extracts the sender id from a reassembled frame and publishes it.
func (s *Session) finalize(raw []byte) error {
	id, payload, err := s.cfg.Extractor.Extract(raw)
	if err != nil {
		s.log.Warn("dropping frame, no sender id", "bytes", len(raw), "error", err)
		return fmt.Errorf("extract sender id: %w", err)
	}
	s.log.Debug("frame ready", "sender_id", id, "bytes", len(payload))
	s.broker.Publish(id, payload)
	return nil
}

// Close ends the session and tells the broker. Safe to call more than once.
func (s *Session) Close() {
	s.closeOnce.Do(func() {
		s.alive.Store(false)
		close(s.done)
		if s.frag.active {
			s.log.Debug("discarding partial frame", "bytes", len(s.frag.bytes))
		}
		s.frag = fragmentBuffer{}

		if s.role == RoleViewer {
			s.broker.Deregister(s.viewerID, s)
		} else {
			s.broker.ConnectionEnded()
		}
		s.log.Info("websocket session stopped", "role", s.role)
	})
}
