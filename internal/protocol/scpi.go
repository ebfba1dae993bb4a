// internal/protocol/scpi.go
package protocol

import (
	"encoding/json"
	"fmt"
)

// ScpiRequest is a sub-request for SCPI-capable instruments (VISA, VXI,
// Prologix GPIB).
type ScpiRequest struct {
	Write       *string
	QueryString *string
	QueryBinary *string
	ReadRaw     bool
}

// MarshalJSON renders the externally tagged union.
func (r ScpiRequest) MarshalJSON() ([]byte, error) {
	switch {
	case r.Write != nil:
		return encodeVariant("Write", r.Write)
	case r.QueryString != nil:
		return encodeVariant("QueryString", r.QueryString)
	case r.QueryBinary != nil:
		return encodeVariant("QueryBinary", r.QueryBinary)
	case r.ReadRaw:
		return encodeUnit("ReadRaw")
	}
	return nil, fmt.Errorf("empty ScpiRequest")
}

// UnmarshalJSON parses the externally tagged union.
func (r *ScpiRequest) UnmarshalJSON(data []byte) error {
	tag, payload, err := decodeVariant(data)
	if err != nil {
		return err
	}
	*r = ScpiRequest{}
	switch tag {
	case "Write":
		r.Write = new(string)
		return json.Unmarshal(payload, r.Write)
	case "QueryString":
		r.QueryString = new(string)
		return json.Unmarshal(payload, r.QueryString)
	case "QueryBinary":
		r.QueryBinary = new(string)
		return json.Unmarshal(payload, r.QueryBinary)
	case "ReadRaw":
		r.ReadRaw = true
		return nil
	}
	return fmt.Errorf("unknown ScpiRequest variant %q", tag)
}

// ScpiBinary is a binary SCPI payload. Unlike other binary payloads it
// is base64-encoded on the wire, which is what encoding/json does for a
// plain byte slice.
type ScpiBinary struct {
	Data []byte `json:"data"`
}

// ScpiResponse is the reply to a ScpiRequest.
type ScpiResponse struct {
	Done   bool
	String *string
	Binary *ScpiBinary
}

// ScpiDone is the Done reply.
func ScpiDone() ScpiResponse { return ScpiResponse{Done: true} }

// ScpiString wraps a textual reply.
func ScpiString(s string) ScpiResponse { return ScpiResponse{String: &s} }

// ScpiBin wraps a binary block reply.
func ScpiBin(data []byte) ScpiResponse {
	return ScpiResponse{Binary: &ScpiBinary{Data: data}}
}

// MarshalJSON renders the externally tagged union.
func (r ScpiResponse) MarshalJSON() ([]byte, error) {
	switch {
	case r.Done:
		return encodeUnit("Done")
	case r.String != nil:
		return encodeVariant("String", r.String)
	case r.Binary != nil:
		return encodeVariant("Binary", r.Binary)
	}
	return nil, fmt.Errorf("empty ScpiResponse")
}

// UnmarshalJSON parses the externally tagged union.
func (r *ScpiResponse) UnmarshalJSON(data []byte) error {
	tag, payload, err := decodeVariant(data)
	if err != nil {
		return err
	}
	*r = ScpiResponse{}
	switch tag {
	case "Done":
		r.Done = true
		return nil
	case "String":
		r.String = new(string)
		return json.Unmarshal(payload, r.String)
	case "Binary":
		r.Binary = new(ScpiBinary)
		return json.Unmarshal(payload, r.Binary)
	}
	return fmt.Errorf("unknown ScpiResponse variant %q", tag)
}
