// internal/protocol/modbus.go
package protocol

import (
	"encoding/json"
	"fmt"
)

// RegisterRange addresses a span of coils or registers.
type RegisterRange struct {
	Addr uint16 `json:"addr"`
	Cnt  uint16 `json:"cnt"`
}

// WriteCoils writes consecutive coils starting at Addr.
type WriteCoils struct {
	Addr   uint16 `json:"addr"`
	Values []bool `json:"values"`
}

// WriteRegisters writes consecutive holding registers starting at Addr.
type WriteRegisters struct {
	Addr uint16   `json:"addr"`
	Data []uint16 `json:"data"`
}

// CustomCommand sends a raw function code with payload.
type CustomCommand struct {
	Code uint8     `json:"code"`
	Data ByteArray `json:"data"`
}

// ModBusRequest is a sub-request for Modbus stations.
type ModBusRequest struct {
	ReadCoil      *RegisterRange
	ReadDiscrete  *RegisterRange
	ReadInput     *RegisterRange
	ReadHolding   *RegisterRange
	WriteCoil     *WriteCoils
	WriteRegister *WriteRegisters
	CustomCommand *CustomCommand
}

// MarshalJSON renders the externally tagged union.
func (r ModBusRequest) MarshalJSON() ([]byte, error) {
	switch {
	case r.ReadCoil != nil:
		return encodeVariant("ReadCoil", r.ReadCoil)
	case r.ReadDiscrete != nil:
		return encodeVariant("ReadDiscrete", r.ReadDiscrete)
	case r.ReadInput != nil:
		return encodeVariant("ReadInput", r.ReadInput)
	case r.ReadHolding != nil:
		return encodeVariant("ReadHolding", r.ReadHolding)
	case r.WriteCoil != nil:
		return encodeVariant("WriteCoil", r.WriteCoil)
	case r.WriteRegister != nil:
		return encodeVariant("WriteRegister", r.WriteRegister)
	case r.CustomCommand != nil:
		return encodeVariant("CustomCommand", r.CustomCommand)
	}
	return nil, fmt.Errorf("empty ModBusRequest")
}

// UnmarshalJSON parses the externally tagged union.
func (r *ModBusRequest) UnmarshalJSON(data []byte) error {
	tag, payload, err := decodeVariant(data)
	if err != nil {
		return err
	}
	*r = ModBusRequest{}
	switch tag {
	case "ReadCoil":
		r.ReadCoil = new(RegisterRange)
		return json.Unmarshal(payload, r.ReadCoil)
	case "ReadDiscrete":
		r.ReadDiscrete = new(RegisterRange)
		return json.Unmarshal(payload, r.ReadDiscrete)
	case "ReadInput":
		r.ReadInput = new(RegisterRange)
		return json.Unmarshal(payload, r.ReadInput)
	case "ReadHolding":
		r.ReadHolding = new(RegisterRange)
		return json.Unmarshal(payload, r.ReadHolding)
	case "WriteCoil":
		r.WriteCoil = new(WriteCoils)
		return json.Unmarshal(payload, r.WriteCoil)
	case "WriteRegister":
		r.WriteRegister = new(WriteRegisters)
		return json.Unmarshal(payload, r.WriteRegister)
	case "CustomCommand":
		r.CustomCommand = new(CustomCommand)
		return json.Unmarshal(payload, r.CustomCommand)
	}
	return fmt.Errorf("unknown ModBusRequest variant %q", tag)
}

// ModBusResponse is the reply to a ModBusRequest.
type ModBusResponse struct {
	Done   bool
	Number *[]uint16
	Bool   *[]bool
	Custom *CustomCommand
}

// ModBusDone is the Done reply.
func ModBusDone() ModBusResponse { return ModBusResponse{Done: true} }

// ModBusNumbers wraps register values.
func ModBusNumbers(values []uint16) ModBusResponse { return ModBusResponse{Number: &values} }

// ModBusBools wraps coil values.
func ModBusBools(values []bool) ModBusResponse { return ModBusResponse{Bool: &values} }

// MarshalJSON renders the externally tagged union.
func (r ModBusResponse) MarshalJSON() ([]byte, error) {
	switch {
	case r.Done:
		return encodeUnit("Done")
	case r.Number != nil:
		return encodeVariant("Number", r.Number)
	case r.Bool != nil:
		return encodeVariant("Bool", r.Bool)
	case r.Custom != nil:
		return encodeVariant("Custom", r.Custom)
	}
	return nil, fmt.Errorf("empty ModBusResponse")
}

// UnmarshalJSON parses the externally tagged union.
func (r *ModBusResponse) UnmarshalJSON(data []byte) error {
	tag, payload, err := decodeVariant(data)
	if err != nil {
		return err
	}
	*r = ModBusResponse{}
	switch tag {
	case "Done":
		r.Done = true
		return nil
	case "Number":
		r.Number = new([]uint16)
		return json.Unmarshal(payload, r.Number)
	case "Bool":
		r.Bool = new([]bool)
		return json.Unmarshal(payload, r.Bool)
	case "Custom":
		r.Custom = new(CustomCommand)
		return json.Unmarshal(payload, r.Custom)
	}
	return fmt.Errorf("unknown ModBusResponse variant %q", tag)
}
