// Package senderid locates the producer identifier that devices embed in
// every frame they upload, and strips it from the payload before the frame
// is relayed to viewers.
//
// Two encodings exist in the field:
//
//   - Suffix: seven digit bytes (values 0-9) appended to the image.
//   - JPEGApp1: seven digit bytes stored in the JPEG APP1 metadata section,
//     introduced by the sub-marker 0x07 0x0C. The image is left untouched.
//
// Every function in this package is total: any byte slice yields either an
// id and payload or one of the sentinel errors in errors.go.
package senderid

import (
	"fmt"
	"strings"
)

// IDLength is the number of digit bytes that encode a sender id.
const IDLength = 7

// maxID is the first id that no longer fits in IDLength digits.
const maxID = 10_000_000

// Extractor pulls a sender id out of a reassembled frame.
// The returned payload is what gets relayed; it may alias the input.
type Extractor interface {
	Extract(raw []byte) (id uint64, payload []byte, err error)
}

// ExtractorFunc adapts a plain function to the Extractor interface.
type ExtractorFunc func(raw []byte) (uint64, []byte, error)

// Extract calls f(raw).
func (f ExtractorFunc) Extract(raw []byte) (uint64, []byte, error) {
	return f(raw)
}

// Strategy names accepted by ByName.
const (
	StrategySuffix   = "suffix"
	StrategyJPEGApp1 = "jpeg-app1"
	StrategyAuto     = "auto"
)

// ByName returns the extractor configured by name. Names are case-insensitive.
func ByName(name string) (Extractor, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", StrategySuffix:
		return Suffix{}, nil
	case StrategyJPEGApp1, "jpeg", "app1":
		return JPEGApp1{}, nil
	case StrategyAuto:
		return Auto{}, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownStrategy, name)
	}
}

// Auto picks JPEGApp1 for JPEG payloads that carry an APP1 section and
// Suffix for everything else. A suffixed payload ends in digit bytes, never
// in EOI, so the two encodings cannot be mistaken for each other.
type Auto struct{}

// Extract implements Extractor.
func (Auto) Extract(raw []byte) (uint64, []byte, error) {
	if IsJPEG(raw) && hasApp1(raw) {
		return JPEGApp1{}.Extract(raw)
	}
	return Suffix{}.Extract(raw)
}

// parseDigits folds digit bytes into a decimal number, most significant first.
func parseDigits(digits []byte) (uint64, error) {
	var id uint64
	for _, d := range digits {
		if d > 9 {
			return 0, fmt.Errorf("%w: byte 0x%02x", ErrMalformed, d)
		}
		id = id*10 + uint64(d)
	}
	return id, nil
}

// encodeDigits writes id as IDLength digit bytes into dst.
func encodeDigits(dst []byte, id uint64) error {
	if id >= maxID {
		return fmt.Errorf("%w: %d", ErrIDOutOfRange, id)
	}
	for i := IDLength - 1; i >= 0; i-- {
		dst[i] = byte(id % 10)
		id /= 10
	}
	return nil
}
