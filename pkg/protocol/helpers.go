package protocol

import (
	"encoding/base64"
)

// NewVideoFrame creates a frame envelope carrying payload as base64 text.
func NewVideoFrame(producerID uint64, payload []byte) Envelope {
	return Envelope{
		Kind: KindVideoFrame,
		ID:   producerID,
		Data: base64.StdEncoding.EncodeToString(payload),
	}
}

// NewViewerAnnounce creates the announcement a monitor page sends on connect.
func NewViewerAnnounce(id uint64) Envelope {
	return Envelope{Kind: KindAnnounceViewer, ID: id, Data: "connectMonitor"}
}

// NewDeviceAnnounce creates the announcement a device sends on connect.
func NewDeviceAnnounce(id uint64) Envelope {
	return Envelope{Kind: KindAnnounceDevice, ID: id, Data: "connectDevice"}
}

// FramePayload decodes the base64 data of a video frame envelope.
func (e Envelope) FramePayload() ([]byte, error) {
	return base64.StdEncoding.DecodeString(e.Data)
}
