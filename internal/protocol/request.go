// internal/protocol/request.go
package protocol

import (
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
)

// ScpiEnvelope carries a SCPI sub-request to an instrument.
type ScpiEnvelope struct {
	Instrument string      `json:"instrument"`
	Request    ScpiRequest `json:"request"`
	Lock       *uuid.UUID  `json:"lock,omitempty"`
	Timeout    *Duration   `json:"timeout,omitempty"`
}

// BytesEnvelope carries a byte-stream sub-request to an instrument.
type BytesEnvelope struct {
	Instrument string            `json:"instrument"`
	Request    ByteStreamRequest `json:"request"`
	Lock       *uuid.UUID        `json:"lock,omitempty"`
	Timeout    *Duration         `json:"timeout,omitempty"`
}

// ModBusEnvelope carries a Modbus sub-request to a station.
type ModBusEnvelope struct {
	Instrument string        `json:"instrument"`
	Request    ModBusRequest `json:"request"`
	Lock       *uuid.UUID    `json:"lock,omitempty"`
	Timeout    *Duration     `json:"timeout,omitempty"`
}

// CanEnvelope carries a CAN sub-request to an interface.
type CanEnvelope struct {
	Instrument string     `json:"instrument"`
	Request    CanRequest `json:"request"`
	Lock       *uuid.UUID `json:"lock,omitempty"`
	Timeout    *Duration  `json:"timeout,omitempty"`
}

// SigrokEnvelope carries an acquisition request to a logic analyzer.
type SigrokEnvelope struct {
	Instrument string        `json:"instrument"`
	Request    SigrokRequest `json:"request"`
	Timeout    *Duration     `json:"timeout,omitempty"`
}

// HidEnvelope carries a HID sub-request to a device.
type HidEnvelope struct {
	Instrument string     `json:"instrument"`
	Request    HidRequest `json:"request"`
	Lock       *uuid.UUID `json:"lock,omitempty"`
	Timeout    *Duration  `json:"timeout,omitempty"`
}

// LockRequest acquires a timed lease on an instrument.
type LockRequest struct {
	Addr    string   `json:"addr"`
	Timeout Duration `json:"timeout"`
}

// UnlockRequest releases a lease.
type UnlockRequest struct {
	Addr string    `json:"addr"`
	ID   uuid.UUID `json:"id"`
}

// DropRequest drops the actor for an address, optionally releasing the
// lease identified by ID.
type DropRequest struct {
	Addr string     `json:"addr"`
	ID   *uuid.UUID `json:"id,omitempty"`
}

// Request is the top-level request union of the wire protocol.
type Request struct {
	Scpi   *ScpiEnvelope
	ModBus *ModBusEnvelope
	Bytes  *BytesEnvelope
	Can    *CanEnvelope
	Sigrok *SigrokEnvelope
	Hid    *HidEnvelope

	Lock    *LockRequest
	Unlock  *UnlockRequest
	Drop    *DropRequest
	DropAll bool

	ListInstruments   bool
	ListSigrokDevices bool
	ListSerialPorts   bool
	ListCanDevices    bool
	ListFtdiDevices   bool
	ListHidDevices    bool

	Version  bool
	Shutdown bool
}

// MarshalJSON renders the externally tagged union.
func (r Request) MarshalJSON() ([]byte, error) {
	switch {
	case r.Scpi != nil:
		return encodeVariant("Scpi", r.Scpi)
	case r.ModBus != nil:
		return encodeVariant("ModBus", r.ModBus)
	case r.Bytes != nil:
		return encodeVariant("Bytes", r.Bytes)
	case r.Can != nil:
		return encodeVariant("Can", r.Can)
	case r.Sigrok != nil:
		return encodeVariant("Sigrok", r.Sigrok)
	case r.Hid != nil:
		return encodeVariant("Hid", r.Hid)
	case r.Lock != nil:
		return encodeVariant("Lock", r.Lock)
	case r.Unlock != nil:
		return encodeVariant("Unlock", r.Unlock)
	case r.Drop != nil:
		return encodeVariant("Drop", r.Drop)
	case r.DropAll:
		return encodeUnit("DropAll")
	case r.ListInstruments:
		return encodeUnit("ListInstruments")
	case r.ListSigrokDevices:
		return encodeUnit("ListSigrokDevices")
	case r.ListSerialPorts:
		return encodeUnit("ListSerialPorts")
	case r.ListCanDevices:
		return encodeUnit("ListCanDevices")
	case r.ListFtdiDevices:
		return encodeUnit("ListFtdiDevices")
	case r.ListHidDevices:
		return encodeUnit("ListHidDevices")
	case r.Version:
		return encodeUnit("Version")
	case r.Shutdown:
		return encodeUnit("Shutdown")
	}
	return nil, fmt.Errorf("empty Request")
}

// UnmarshalJSON parses the externally tagged union.
func (r *Request) UnmarshalJSON(data []byte) error {
	tag, payload, err := decodeVariant(data)
	if err != nil {
		return err
	}
	*r = Request{}
	switch tag {
	case "Scpi":
		r.Scpi = new(ScpiEnvelope)
		return json.Unmarshal(payload, r.Scpi)
	case "ModBus":
		r.ModBus = new(ModBusEnvelope)
		return json.Unmarshal(payload, r.ModBus)
	case "Bytes":
		r.Bytes = new(BytesEnvelope)
		return json.Unmarshal(payload, r.Bytes)
	case "Can":
		r.Can = new(CanEnvelope)
		return json.Unmarshal(payload, r.Can)
	case "Sigrok":
		r.Sigrok = new(SigrokEnvelope)
		return json.Unmarshal(payload, r.Sigrok)
	case "Hid":
		r.Hid = new(HidEnvelope)
		return json.Unmarshal(payload, r.Hid)
	case "Lock":
		r.Lock = new(LockRequest)
		return json.Unmarshal(payload, r.Lock)
	case "Unlock":
		r.Unlock = new(UnlockRequest)
		return json.Unmarshal(payload, r.Unlock)
	case "Drop":
		r.Drop = new(DropRequest)
		// Bare address strings are accepted for compatibility.
		var addr string
		if err := json.Unmarshal(payload, &addr); err == nil {
			r.Drop.Addr = addr
			return nil
		}
		return json.Unmarshal(payload, r.Drop)
	case "DropAll":
		r.DropAll = true
		return nil
	case "ListInstruments":
		r.ListInstruments = true
		return nil
	case "ListSigrokDevices":
		r.ListSigrokDevices = true
		return nil
	case "ListSerialPorts":
		r.ListSerialPorts = true
		return nil
	case "ListCanDevices":
		r.ListCanDevices = true
		return nil
	case "ListFtdiDevices":
		r.ListFtdiDevices = true
		return nil
	case "ListHidDevices":
		r.ListHidDevices = true
		return nil
	case "Version":
		r.Version = true
		return nil
	case "Shutdown":
		r.Shutdown = true
		return nil
	}
	return fmt.Errorf("unknown Request variant %q", tag)
}
