// internal/protocol/can.go
package protocol

import (
	"encoding/json"
	"fmt"
)

// Standard CAN ids are 11 bit, extended ids 29 bit.
const (
	MaxStandardCanID = 0x7FF
	MaxExtendedCanID = 0x1FFFFFFF
)

// DataFrame is a CAN data frame.
type DataFrame struct {
	ID    uint32    `json:"id"`
	ExtID bool      `json:"ext_id"`
	Data  ByteArray `json:"data"`
}

// RemoteFrame is a CAN remote transmission request.
type RemoteFrame struct {
	ID    uint32 `json:"id"`
	ExtID bool   `json:"ext_id"`
	Dlc   uint8  `json:"dlc"`
}

// CanMessage is either a data or a remote frame.
type CanMessage struct {
	Data   *DataFrame
	Remote *RemoteFrame
}

// ID returns the frame id regardless of the variant.
func (m CanMessage) ID() uint32 {
	if m.Data != nil {
		return m.Data.ID
	}
	if m.Remote != nil {
		return m.Remote.ID
	}
	return 0
}

// ExtID reports whether the frame uses a 29-bit id.
func (m CanMessage) ExtID() bool {
	if m.Data != nil {
		return m.Data.ExtID
	}
	if m.Remote != nil {
		return m.Remote.ExtID
	}
	return false
}

// Validate checks id range and payload length against the CAN limits.
func (m CanMessage) Validate() error {
	limit := uint32(MaxStandardCanID)
	if m.ExtID() {
		limit = MaxExtendedCanID
	}
	if m.ID() > limit {
		return fmt.Errorf("CAN id 0x%x exceeds %d-bit range", m.ID(), map[bool]int{false: 11, true: 29}[m.ExtID()])
	}
	if m.Data != nil && len(m.Data.Data) > 8 {
		return fmt.Errorf("CAN payload of %d bytes exceeds 8", len(m.Data.Data))
	}
	if m.Remote != nil && m.Remote.Dlc > 8 {
		return fmt.Errorf("CAN dlc %d exceeds 8", m.Remote.Dlc)
	}
	return nil
}

// MarshalJSON renders the externally tagged union.
func (m CanMessage) MarshalJSON() ([]byte, error) {
	switch {
	case m.Data != nil:
		return encodeVariant("Data", m.Data)
	case m.Remote != nil:
		return encodeVariant("Remote", m.Remote)
	}
	return nil, fmt.Errorf("empty CanMessage")
}

// UnmarshalJSON parses the externally tagged union.
func (m *CanMessage) UnmarshalJSON(data []byte) error {
	tag, payload, err := decodeVariant(data)
	if err != nil {
		return err
	}
	*m = CanMessage{}
	switch tag {
	case "Data":
		m.Data = new(DataFrame)
		return json.Unmarshal(payload, m.Data)
	case "Remote":
		m.Remote = new(RemoteFrame)
		return json.Unmarshal(payload, m.Remote)
	}
	return fmt.Errorf("unknown CanMessage variant %q", tag)
}

// CanRequest is a sub-request for CAN interfaces.
type CanRequest struct {
	ListenRaw      *bool
	StopAll        bool
	EnableLoopback *bool
	TxRaw          *CanMessage
}

// MarshalJSON renders the externally tagged union.
func (r CanRequest) MarshalJSON() ([]byte, error) {
	switch {
	case r.ListenRaw != nil:
		return encodeVariant("ListenRaw", r.ListenRaw)
	case r.StopAll:
		return encodeUnit("StopAll")
	case r.EnableLoopback != nil:
		return encodeVariant("EnableLoopback", r.EnableLoopback)
	case r.TxRaw != nil:
		return encodeVariant("TxRaw", r.TxRaw)
	}
	return nil, fmt.Errorf("empty CanRequest")
}

// UnmarshalJSON parses the externally tagged union.
func (r *CanRequest) UnmarshalJSON(data []byte) error {
	tag, payload, err := decodeVariant(data)
	if err != nil {
		return err
	}
	*r = CanRequest{}
	switch tag {
	case "ListenRaw":
		r.ListenRaw = new(bool)
		return json.Unmarshal(payload, r.ListenRaw)
	case "StopAll":
		r.StopAll = true
		return nil
	case "EnableLoopback":
		r.EnableLoopback = new(bool)
		return json.Unmarshal(payload, r.EnableLoopback)
	case "TxRaw":
		r.TxRaw = new(CanMessage)
		return json.Unmarshal(payload, r.TxRaw)
	}
	return fmt.Errorf("unknown CanRequest variant %q", tag)
}

// CanResponse is the reply to a CanRequest, and also the payload of CAN
// notifications.
type CanResponse struct {
	Started *string
	Stopped *string
	Ok      bool
	Raw     *CanMessage
}

// CanOk is the Ok reply.
func CanOk() CanResponse { return CanResponse{Ok: true} }

// CanRaw wraps a received frame.
func CanRaw(msg CanMessage) CanResponse { return CanResponse{Raw: &msg} }

// MarshalJSON renders the externally tagged union.
func (r CanResponse) MarshalJSON() ([]byte, error) {
	switch {
	case r.Started != nil:
		return encodeVariant("Started", r.Started)
	case r.Stopped != nil:
		return encodeVariant("Stopped", r.Stopped)
	case r.Ok:
		return encodeUnit("Ok")
	case r.Raw != nil:
		return encodeVariant("Raw", r.Raw)
	}
	return nil, fmt.Errorf("empty CanResponse")
}

// UnmarshalJSON parses the externally tagged union.
func (r *CanResponse) UnmarshalJSON(data []byte) error {
	tag, payload, err := decodeVariant(data)
	if err != nil {
		return err
	}
	*r = CanResponse{}
	switch tag {
	case "Started":
		r.Started = new(string)
		return json.Unmarshal(payload, r.Started)
	case "Stopped":
		r.Stopped = new(string)
		return json.Unmarshal(payload, r.Stopped)
	case "Ok":
		r.Ok = true
		return nil
	case "Raw":
		r.Raw = new(CanMessage)
		return json.Unmarshal(payload, r.Raw)
	}
	return fmt.Errorf("unknown CanResponse variant %q", tag)
}
