// internal/protocol/response.go
package protocol

import (
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
)

// ErrorPayload is the client-visible rendering of a classified error.
type ErrorPayload struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
}

// CanResult tags a CAN reply or notification with its source interface.
type CanResult struct {
	Source   string      `json:"source"`
	Response CanResponse `json:"response"`
}

// LockedPayload returns the lease id of a successful Lock request.
type LockedPayload struct {
	LockID uuid.UUID `json:"lock_id"`
}

// VersionPayload reports the server version.
type VersionPayload struct {
	Major uint32 `json:"major"`
	Minor uint32 `json:"minor"`
	Build uint32 `json:"build"`
}

// FtdiDeviceInfo describes a detected FTDI port.
type FtdiDeviceInfo struct {
	Port         string `json:"port"`
	Description  string `json:"description"`
	SerialNumber string `json:"serial_number"`
}

// Response is the top-level response union of the wire protocol.
type Response struct {
	Error       *ErrorPayload
	Instruments *[]string
	Scpi        *ScpiResponse
	Bytes       *ByteStreamResponse
	ModBus      *ModBusResponse
	Can         *CanResult
	Sigrok      *SigrokResponse
	Hid         *HidResponse
	SerialPorts *[]string
	CanDevices  *[]string
	FtdiDevices *[]FtdiDeviceInfo
	Locked      *LockedPayload
	Version     *VersionPayload
	Done        bool
}

// DoneResponse is the bare acknowledgement.
func DoneResponse() Response { return Response{Done: true} }

// ErrorResponse wraps a classified error payload.
func ErrorResponse(kind, message string) Response {
	return Response{Error: &ErrorPayload{Kind: kind, Message: message}}
}

// MarshalJSON renders the externally tagged union.
func (r Response) MarshalJSON() ([]byte, error) {
	switch {
	case r.Error != nil:
		return encodeVariant("Error", r.Error)
	case r.Instruments != nil:
		return encodeVariant("Instruments", r.Instruments)
	case r.Scpi != nil:
		return encodeVariant("Scpi", r.Scpi)
	case r.Bytes != nil:
		return encodeVariant("Bytes", r.Bytes)
	case r.ModBus != nil:
		return encodeVariant("ModBus", r.ModBus)
	case r.Can != nil:
		return encodeVariant("Can", r.Can)
	case r.Sigrok != nil:
		return encodeVariant("Sigrok", r.Sigrok)
	case r.Hid != nil:
		return encodeVariant("Hid", r.Hid)
	case r.SerialPorts != nil:
		return encodeVariant("SerialPorts", r.SerialPorts)
	case r.CanDevices != nil:
		return encodeVariant("CanDevices", r.CanDevices)
	case r.FtdiDevices != nil:
		return encodeVariant("FtdiDevices", r.FtdiDevices)
	case r.Locked != nil:
		return encodeVariant("Locked", r.Locked)
	case r.Version != nil:
		return encodeVariant("Version", r.Version)
	case r.Done:
		return encodeUnit("Done")
	}
	return nil, fmt.Errorf("empty Response")
}

// UnmarshalJSON parses the externally tagged union.
func (r *Response) UnmarshalJSON(data []byte) error {
	tag, payload, err := decodeVariant(data)
	if err != nil {
		return err
	}
	*r = Response{}
	switch tag {
	case "Error":
		r.Error = new(ErrorPayload)
		return json.Unmarshal(payload, r.Error)
	case "Instruments":
		r.Instruments = new([]string)
		return json.Unmarshal(payload, r.Instruments)
	case "Scpi":
		r.Scpi = new(ScpiResponse)
		return json.Unmarshal(payload, r.Scpi)
	case "Bytes":
		r.Bytes = new(ByteStreamResponse)
		return json.Unmarshal(payload, r.Bytes)
	case "ModBus":
		r.ModBus = new(ModBusResponse)
		return json.Unmarshal(payload, r.ModBus)
	case "Can":
		r.Can = new(CanResult)
		return json.Unmarshal(payload, r.Can)
	case "Sigrok":
		r.Sigrok = new(SigrokResponse)
		return json.Unmarshal(payload, r.Sigrok)
	case "Hid":
		r.Hid = new(HidResponse)
		return json.Unmarshal(payload, r.Hid)
	case "SerialPorts":
		r.SerialPorts = new([]string)
		return json.Unmarshal(payload, r.SerialPorts)
	case "CanDevices":
		r.CanDevices = new([]string)
		return json.Unmarshal(payload, r.CanDevices)
	case "FtdiDevices":
		r.FtdiDevices = new([]FtdiDeviceInfo)
		return json.Unmarshal(payload, r.FtdiDevices)
	case "Locked":
		r.Locked = new(LockedPayload)
		return json.Unmarshal(payload, r.Locked)
	case "Version":
		r.Version = new(VersionPayload)
		return json.Unmarshal(payload, r.Version)
	case "Done":
		r.Done = true
		return nil
	}
	return fmt.Errorf("unknown Response variant %q", tag)
}

// ClientMessage is one frame from a client. The id, when present, is
// echoed back on the matching ServerMessage.
type ClientMessage struct {
	ID      *uuid.UUID `json:"id,omitempty"`
	Request Request    `json:"request"`
}

// ServerMessage is one frame to a client: either the reply to a request
// or an unsolicited notification.
type ServerMessage struct {
	ID       *uuid.UUID `json:"id,omitempty"`
	Response *Response  `json:"response,omitempty"`
	Notify   *Response  `json:"notify,omitempty"`
}
