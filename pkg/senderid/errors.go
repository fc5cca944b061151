package senderid

import "errors"

// Sentinel errors for extraction outcomes. All are comparable with errors.Is.
var (
	// ErrIncomplete is returned when a payload is too short to carry an id suffix.
	ErrIncomplete = errors.New("senderid: payload too short for sender id")

	// ErrMalformed is returned when an id byte is not a decimal digit value.
	ErrMalformed = errors.New("senderid: malformed sender id digits")

	// ErrNotFound is returned when an APP1 section carries no complete id.
	ErrNotFound = errors.New("senderid: sender id not found")

	// ErrInvalidSection is returned when the APP1 section is missing or truncated.
	ErrInvalidSection = errors.New("senderid: APP section is missing or is invalid")

	// ErrUnsupportedFormat is returned when the payload is not a JPEG image.
	ErrUnsupportedFormat = errors.New("senderid: unsupported image format")

	// ErrIDOutOfRange is returned by encoders for ids that need more than IDLength digits.
	ErrIDOutOfRange = errors.New("senderid: id does not fit in 7 digits")

	// ErrUnknownStrategy is returned by ByName for an unrecognised strategy.
	ErrUnknownStrategy = errors.New("senderid: unknown strategy")
)
