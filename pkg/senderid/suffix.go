package senderid

// Suffix reads the sender id from the last IDLength bytes of the payload.
// Each byte holds one decimal digit value (0-9), most significant first.
type Suffix struct{}

// Extract implements Extractor. The returned payload is raw without the suffix.
func (Suffix) Extract(raw []byte) (uint64, []byte, error) {
	if len(raw) < IDLength {
		return 0, nil, ErrIncomplete
	}
	cut := len(raw) - IDLength
	id, err := parseDigits(raw[cut:])
	if err != nil {
		return 0, nil, err
	}
	return id, raw[:cut:cut], nil
}

// AppendSuffix returns a copy of payload with id appended as IDLength digit bytes.
func AppendSuffix(payload []byte, id uint64) ([]byte, error) {
	out := make([]byte, len(payload)+IDLength)
	copy(out, payload)
	if err := encodeDigits(out[len(payload):], id); err != nil {
		return nil, err
	}
	return out, nil
}
