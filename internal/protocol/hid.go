// internal/protocol/hid.go
package protocol

import (
	"encoding/json"
	"fmt"
)

// HidIdentifier names a HID device class by vendor and product id.
type HidIdentifier struct {
	Vid uint16 `json:"vid"`
	Pid uint16 `json:"pid"`
}

// HidDeviceInfo describes a connected HID device.
type HidDeviceInfo struct {
	Idn          HidIdentifier `json:"idn"`
	Manufacturer *string       `json:"manufacturer"`
	Product      *string       `json:"product"`
	SerialNumber *string       `json:"serial_number"`
}

// HidWrite carries an output report.
type HidWrite struct {
	Data ByteArray `json:"data"`
}

// HidRead requests an input report.
type HidRead struct {
	TimeoutMs int32 `json:"timeout_ms"`
}

// HidRequest is a sub-request for HID devices.
type HidRequest struct {
	Write   *HidWrite
	Read    *HidRead
	GetInfo bool
}

// MarshalJSON renders the externally tagged union.
func (r HidRequest) MarshalJSON() ([]byte, error) {
	switch {
	case r.Write != nil:
		return encodeVariant("Write", r.Write)
	case r.Read != nil:
		return encodeVariant("Read", r.Read)
	case r.GetInfo:
		return encodeUnit("GetInfo")
	}
	return nil, fmt.Errorf("empty HidRequest")
}

// UnmarshalJSON parses the externally tagged union.
func (r *HidRequest) UnmarshalJSON(data []byte) error {
	tag, payload, err := decodeVariant(data)
	if err != nil {
		return err
	}
	*r = HidRequest{}
	switch tag {
	case "Write":
		r.Write = new(HidWrite)
		return json.Unmarshal(payload, r.Write)
	case "Read":
		r.Read = new(HidRead)
		return json.Unmarshal(payload, r.Read)
	case "GetInfo":
		r.GetInfo = true
		return nil
	}
	return fmt.Errorf("unknown HidRequest variant %q", tag)
}

// HidResponse is the reply to a HidRequest or device listing.
type HidResponse struct {
	Ok   bool
	Data *ByteArray
	Info *HidDeviceInfo
	List *[]HidDeviceInfo
}

// HidOk is the Ok reply.
func HidOk() HidResponse { return HidResponse{Ok: true} }

// HidData wraps an input report.
func HidData(data []byte) HidResponse {
	b := ByteArray(data)
	return HidResponse{Data: &b}
}

// MarshalJSON renders the externally tagged union.
func (r HidResponse) MarshalJSON() ([]byte, error) {
	switch {
	case r.Ok:
		return encodeUnit("Ok")
	case r.Data != nil:
		return encodeVariant("Data", r.Data)
	case r.Info != nil:
		return encodeVariant("Info", r.Info)
	case r.List != nil:
		return encodeVariant("List", r.List)
	}
	return nil, fmt.Errorf("empty HidResponse")
}

// UnmarshalJSON parses the externally tagged union.
func (r *HidResponse) UnmarshalJSON(data []byte) error {
	tag, payload, err := decodeVariant(data)
	if err != nil {
		return err
	}
	*r = HidResponse{}
	switch tag {
	case "Ok":
		r.Ok = true
		return nil
	case "Data":
		r.Data = new(ByteArray)
		return json.Unmarshal(payload, r.Data)
	case "Info":
		r.Info = new(HidDeviceInfo)
		return json.Unmarshal(payload, r.Info)
	case "List":
		r.List = new([]HidDeviceInfo)
		return json.Unmarshal(payload, r.List)
	}
	return fmt.Errorf("unknown HidResponse variant %q", tag)
}
