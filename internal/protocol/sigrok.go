// internal/protocol/sigrok.go
package protocol

import (
	"encoding/json"
	"fmt"
)

// SigrokAcquire selects how long an acquisition runs.
type SigrokAcquire struct {
	Time    *float32
	Samples *uint64
}

// MarshalJSON renders the externally tagged union.
func (a SigrokAcquire) MarshalJSON() ([]byte, error) {
	switch {
	case a.Time != nil:
		return encodeVariant("Time", a.Time)
	case a.Samples != nil:
		return encodeVariant("Samples", a.Samples)
	}
	return nil, fmt.Errorf("empty SigrokAcquire")
}

// UnmarshalJSON parses the externally tagged union.
func (a *SigrokAcquire) UnmarshalJSON(data []byte) error {
	tag, payload, err := decodeVariant(data)
	if err != nil {
		return err
	}
	*a = SigrokAcquire{}
	switch tag {
	case "Time":
		a.Time = new(float32)
		return json.Unmarshal(payload, a.Time)
	case "Samples":
		a.Samples = new(uint64)
		return json.Unmarshal(payload, a.Samples)
	}
	return fmt.Errorf("unknown SigrokAcquire variant %q", tag)
}

// SigrokRequest configures a logic-analyzer acquisition.
type SigrokRequest struct {
	Channels   []string      `json:"channels,omitempty"`
	Acquire    SigrokAcquire `json:"acquire"`
	SampleRate uint64        `json:"sample_rate"`
}

// SigrokDevice describes a detected device.
type SigrokDevice struct {
	Addr string `json:"addr"`
	Desc string `json:"desc"`
}

// SigrokData is the acquisition result, one bit-packed sample vector per
// channel.
type SigrokData struct {
	TSample  float64              `json:"tsample"`
	Length   int                  `json:"length"`
	Channels map[string]ByteArray `json:"channels"`
}

// SigrokResponse is the reply to a SigrokRequest or device listing.
type SigrokResponse struct {
	Data    *SigrokData
	Devices *[]SigrokDevice
}

// MarshalJSON renders the externally tagged union.
func (r SigrokResponse) MarshalJSON() ([]byte, error) {
	switch {
	case r.Data != nil:
		return encodeVariant("Data", r.Data)
	case r.Devices != nil:
		return encodeVariant("Devices", r.Devices)
	}
	return nil, fmt.Errorf("empty SigrokResponse")
}

// UnmarshalJSON parses the externally tagged union.
func (r *SigrokResponse) UnmarshalJSON(data []byte) error {
	tag, payload, err := decodeVariant(data)
	if err != nil {
		return err
	}
	*r = SigrokResponse{}
	switch tag {
	case "Data":
		r.Data = new(SigrokData)
		return json.Unmarshal(payload, r.Data)
	case "Devices":
		r.Devices = new([]SigrokDevice)
		return json.Unmarshal(payload, r.Devices)
	}
	return fmt.Errorf("unknown SigrokResponse variant %q", tag)
}
