// Package protocol defines the JSON envelope exchanged with devices and
// viewers over the relay's text channel.
//
// On the wire an envelope is a flat object:
//
//	{"type": 129, "sender_id": 42, "data": "connectMonitor"}
//
// The numeric type codes are fixed per deployment (see Codes). Decoding
// also accepts the field names used by earlier client revisions.
package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Kind is the closed set of envelope variants.
type Kind int

const (
	// KindAnnounceViewer registers the connection as a frame subscriber.
	KindAnnounceViewer Kind = iota + 1
	// KindAnnounceDevice marks the connection as a frame producer.
	KindAnnounceDevice
	// KindVideoFrame carries one base64 encoded frame to a viewer.
	KindVideoFrame
)

// String returns the kind name for logging.
func (k Kind) String() string {
	switch k {
	case KindAnnounceViewer:
		return "announce_viewer"
	case KindAnnounceDevice:
		return "announce_device"
	case KindVideoFrame:
		return "video_frame"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// Errors returned by Decode.
var (
	ErrMalformed   = errors.New("protocol: malformed envelope")
	ErrUnknownType = errors.New("protocol: unknown envelope type")
)

// Default wire codes.
const (
	DefaultVideoFrameCode uint8 = 128
	DefaultViewerCode     uint8 = 129
	DefaultDeviceCode     uint8 = 130
)

// Codes maps each Kind to its numeric wire code.
type Codes struct {
	VideoFrame uint8
	Viewer     uint8
	Device     uint8
}

// DefaultCodes returns the codes used by the bundled device and monitor pages.
func DefaultCodes() Codes {
	return Codes{
		VideoFrame: DefaultVideoFrameCode,
		Viewer:     DefaultViewerCode,
		Device:     DefaultDeviceCode,
	}
}

// Validate checks that every kind has its own code.
func (c Codes) Validate() error {
	if c.VideoFrame == c.Viewer || c.VideoFrame == c.Device || c.Viewer == c.Device {
		return fmt.Errorf("protocol: type codes must be distinct (frame=%d viewer=%d device=%d)",
			c.VideoFrame, c.Viewer, c.Device)
	}
	return nil
}

// Kind resolves a wire code.
func (c Codes) Kind(code uint8) (Kind, bool) {
	switch code {
	case c.Viewer:
		return KindAnnounceViewer, true
	case c.Device:
		return KindAnnounceDevice, true
	case c.VideoFrame:
		return KindVideoFrame, true
	}
	return 0, false
}

// Code returns the wire code for k.
func (c Codes) Code(k Kind) (uint8, bool) {
	switch k {
	case KindAnnounceViewer:
		return c.Viewer, true
	case KindAnnounceDevice:
		return c.Device, true
	case KindVideoFrame:
		return c.VideoFrame, true
	}
	return 0, false
}

// Envelope is one decoded control or data message.
type Envelope struct {
	Kind Kind
	ID   uint64
	Data string
}

// wireEnvelope is the outbound JSON shape.
type wireEnvelope struct {
	Type     uint8  `json:"type"`
	SenderID uint64 `json:"sender_id"`
	Data     string `json:"data"`
}

// inboundEnvelope accepts every field name seen across client revisions.
type inboundEnvelope struct {
	Type           *uint8  `json:"type"`
	ConnectionType *uint8  `json:"connection_type"`
	StreamType     *uint8  `json:"stream_type"`
	SenderID       *uint64 `json:"sender_id"`
	ID             *uint64 `json:"id"`
	StreamID       *uint64 `json:"stream_id"`
	Data           string  `json:"data"`
}

// Codec encodes and decodes envelopes with a fixed set of type codes.
type Codec struct {
	codes Codes
}

// NewCodec creates a codec. Invalid code sets are rejected.
func NewCodec(codes Codes) (Codec, error) {
	if err := codes.Validate(); err != nil {
		return Codec{}, err
	}
	return Codec{codes: codes}, nil
}

// DefaultCodec returns a codec using DefaultCodes.
func DefaultCodec() Codec {
	return Codec{codes: DefaultCodes()}
}

// Codes returns the codec's type codes.
func (c Codec) Codes() Codes {
	return c.codes
}

// Decode parses a text frame into an Envelope.
func (c Codec) Decode(data []byte) (Envelope, error) {
	var in inboundEnvelope
	if err := json.Unmarshal(data, &in); err != nil {
		return Envelope{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}

	code := firstSet(in.Type, in.ConnectionType, in.StreamType)
	if code == nil {
		return Envelope{}, fmt.Errorf("%w: missing type", ErrMalformed)
	}
	id := firstSet(in.SenderID, in.ID, in.StreamID)
	if id == nil {
		return Envelope{}, fmt.Errorf("%w: missing sender_id", ErrMalformed)
	}

	kind, ok := c.codes.Kind(*code)
	if !ok {
		return Envelope{}, fmt.Errorf("%w: %d", ErrUnknownType, *code)
	}
	return Envelope{Kind: kind, ID: *id, Data: in.Data}, nil
}

// Encode serialises env using the codec's type codes.
func (c Codec) Encode(env Envelope) ([]byte, error) {
	code, ok := c.codes.Code(env.Kind)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownType, env.Kind)
	}
	return json.Marshal(wireEnvelope{Type: code, SenderID: env.ID, Data: env.Data})
}

func firstSet[T any](vals ...*T) *T {
	for _, v := range vals {
		if v != nil {
			return v
		}
	}
	return nil
}
