package senderid

import (
	"bytes"
	"encoding/binary"
)

var (
	soiMarker  = []byte{0xFF, 0xD8}
	eoiMarker  = []byte{0xFF, 0xD9}
	app1Marker = []byte{0xFF, 0xE1}

	// idMarker precedes the digit bytes inside the APP1 section.
	idMarker = []byte{0x07, 0x0C}
)

// JPEGApp1 reads the sender id from the first APP1 section of a JPEG image.
// The payload is returned unchanged.
type JPEGApp1 struct{}

// Extract implements Extractor.
func (JPEGApp1) Extract(raw []byte) (uint64, []byte, error) {
	if !IsJPEG(raw) {
		return 0, nil, ErrUnsupportedFormat
	}
	section, err := app1Section(raw)
	if err != nil {
		return 0, nil, err
	}
	digits, ok := idDigits(section)
	if !ok {
		return 0, nil, ErrNotFound
	}
	id, err := parseDigits(digits)
	if err != nil {
		return 0, nil, err
	}
	return id, raw, nil
}

// IsJPEG reports whether data starts with SOI and ends with EOI.
func IsJPEG(data []byte) bool {
	return len(data) >= 4 && bytes.HasPrefix(data, soiMarker) && bytes.HasSuffix(data, eoiMarker)
}

func hasApp1(data []byte) bool {
	return bytes.Contains(data, app1Marker)
}

// app1Section returns the L bytes that follow the big-endian length field of
// the first APP1 marker.
func app1Section(data []byte) ([]byte, error) {
	i := bytes.Index(data, app1Marker)
	if i < 0 {
		return nil, ErrInvalidSection
	}
	rest := data[i+len(app1Marker):]
	if len(rest) < 2 {
		return nil, ErrInvalidSection
	}
	n := int(binary.BigEndian.Uint16(rest))
	rest = rest[2:]
	if len(rest) < n {
		return nil, ErrInvalidSection
	}
	return rest[:n], nil
}

// idDigits returns the IDLength bytes after the id marker, if the section holds them all.
func idDigits(section []byte) ([]byte, bool) {
	i := bytes.Index(section, idMarker)
	if i < 0 {
		return nil, false
	}
	rest := section[i+len(idMarker):]
	if len(rest) < IDLength {
		return nil, false
	}
	return rest[:IDLength], true
}

// EmbedApp1 returns a copy of img with an APP1 segment carrying id inserted
// right after SOI. The segment length follows JPEG convention and counts the
// two length bytes, so the image stays decodable.
func EmbedApp1(img []byte, id uint64) ([]byte, error) {
	if !IsJPEG(img) {
		return nil, ErrUnsupportedFormat
	}
	body := make([]byte, len(idMarker)+IDLength)
	copy(body, idMarker)
	if err := encodeDigits(body[len(idMarker):], id); err != nil {
		return nil, err
	}

	out := make([]byte, 0, len(img)+len(app1Marker)+2+len(body))
	out = append(out, soiMarker...)
	out = append(out, app1Marker...)
	out = binary.BigEndian.AppendUint16(out, uint16(len(body)+2))
	out = append(out, body...)
	out = append(out, img[len(soiMarker):]...)
	return out, nil
}
