// internal/protocol/variant.go
package protocol

import (
	"encoding/json"
	"fmt"
	"time"
)

// The wire format uses externally tagged unions: unit variants are bare
// JSON strings ("ListInstruments"), data variants single-key objects
// ({"Bytes": {...}}). The helpers below implement both directions.

// encodeUnit renders a unit variant.
func encodeUnit(tag string) ([]byte, error) {
	return json.Marshal(tag)
}

// encodeVariant renders a data variant.
func encodeVariant(tag string, payload interface{}) ([]byte, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return json.Marshal(map[string]json.RawMessage{tag: raw})
}

// decodeVariant splits a union value into its tag and payload. For unit
// variants the payload is nil.
func decodeVariant(data []byte) (string, json.RawMessage, error) {
	var tag string
	if err := json.Unmarshal(data, &tag); err == nil {
		return tag, nil, nil
	}
	var obj map[string]json.RawMessage
	if err := json.Unmarshal(data, &obj); err != nil {
		return "", nil, fmt.Errorf("variant is neither string nor object: %w", err)
	}
	if len(obj) != 1 {
		return "", nil, fmt.Errorf("variant object must have exactly one key, got %d", len(obj))
	}
	for k, v := range obj {
		return k, v, nil
	}
	return "", nil, nil
}

// ByteArray is a binary payload that rides as a JSON array of small
// integers instead of the base64 string encoding/json defaults to.
type ByteArray []byte

// MarshalJSON renders the bytes as an array of numbers.
func (b ByteArray) MarshalJSON() ([]byte, error) {
	ints := make([]uint16, len(b))
	for i, v := range b {
		ints[i] = uint16(v)
	}
	return json.Marshal(ints)
}

// UnmarshalJSON accepts an array of numbers in [0, 255].
func (b *ByteArray) UnmarshalJSON(data []byte) error {
	var ints []int
	if err := json.Unmarshal(data, &ints); err != nil {
		return err
	}
	out := make([]byte, len(ints))
	for i, v := range ints {
		if v < 0 || v > 255 {
			return fmt.Errorf("byte value %d out of range", v)
		}
		out[i] = byte(v)
	}
	*b = out
	return nil
}

// Duration is the wire representation of a time span.
type Duration struct {
	Seconds uint64 `json:"seconds"`
	Micros  uint32 `json:"micros"`
}

// Std converts to a time.Duration.
func (d Duration) Std() time.Duration {
	return time.Duration(d.Seconds)*time.Second + time.Duration(d.Micros)*time.Microsecond
}

// DurationFrom converts a time.Duration to its wire representation.
func DurationFrom(d time.Duration) Duration {
	if d < 0 {
		d = 0
	}
	return Duration{
		Seconds: uint64(d / time.Second),
		Micros:  uint32((d % time.Second) / time.Microsecond),
	}
}
