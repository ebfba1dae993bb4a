// internal/protocol/bytestream.go
package protocol

import (
	"encoding/json"
	"fmt"
)

// ByteStreamRequest is a sub-request applicable to any byte-stream
// instrument (serial port, TCP socket, FTDI port).
type ByteStreamRequest struct {
	Write      *ByteArray
	ReadToTerm *ReadToTerm
	ReadExact  *ReadExact
	ReadUpTo   *uint32
	ReadAll    bool
	CobsWrite  *ByteArray
	CobsRead   *uint32
	CobsQuery  *CobsQuery
	WriteLine  *WriteLine
	ReadLine   *ReadLine
	QueryLine  *QueryLine
}

// ReadToTerm reads until the terminator byte appears.
type ReadToTerm struct {
	Term      uint8  `json:"term"`
	TimeoutMs uint32 `json:"timeout_ms"`
}

// ReadExact reads exactly Count bytes.
type ReadExact struct {
	Count     uint32 `json:"count"`
	TimeoutMs uint32 `json:"timeout_ms"`
}

// CobsQuery writes a COBS frame and reads the framed reply.
type CobsQuery struct {
	Data      ByteArray `json:"data"`
	TimeoutMs uint32    `json:"timeout_ms"`
}

// WriteLine writes a line followed by the terminator byte.
type WriteLine struct {
	Line string `json:"line"`
	Term uint8  `json:"term"`
}

// ReadLine reads a terminator-delimited line.
type ReadLine struct {
	TimeoutMs uint32 `json:"timeout_ms"`
	Term      uint8  `json:"term"`
}

// QueryLine writes a line and reads the reply line.
type QueryLine struct {
	Line      string `json:"line"`
	TimeoutMs uint32 `json:"timeout_ms"`
	Term      uint8  `json:"term"`
}

// MarshalJSON renders the externally tagged union.
func (r ByteStreamRequest) MarshalJSON() ([]byte, error) {
	switch {
	case r.Write != nil:
		return encodeVariant("Write", r.Write)
	case r.ReadToTerm != nil:
		return encodeVariant("ReadToTerm", r.ReadToTerm)
	case r.ReadExact != nil:
		return encodeVariant("ReadExact", r.ReadExact)
	case r.ReadUpTo != nil:
		return encodeVariant("ReadUpTo", r.ReadUpTo)
	case r.ReadAll:
		return encodeUnit("ReadAll")
	case r.CobsWrite != nil:
		return encodeVariant("CobsWrite", r.CobsWrite)
	case r.CobsRead != nil:
		return encodeVariant("CobsRead", r.CobsRead)
	case r.CobsQuery != nil:
		return encodeVariant("CobsQuery", r.CobsQuery)
	case r.WriteLine != nil:
		return encodeVariant("WriteLine", r.WriteLine)
	case r.ReadLine != nil:
		return encodeVariant("ReadLine", r.ReadLine)
	case r.QueryLine != nil:
		return encodeVariant("QueryLine", r.QueryLine)
	}
	return nil, fmt.Errorf("empty ByteStreamRequest")
}

// UnmarshalJSON parses the externally tagged union.
func (r *ByteStreamRequest) UnmarshalJSON(data []byte) error {
	tag, payload, err := decodeVariant(data)
	if err != nil {
		return err
	}
	*r = ByteStreamRequest{}
	switch tag {
	case "Write":
		r.Write = new(ByteArray)
		return json.Unmarshal(payload, r.Write)
	case "ReadToTerm":
		r.ReadToTerm = new(ReadToTerm)
		return json.Unmarshal(payload, r.ReadToTerm)
	case "ReadExact":
		r.ReadExact = new(ReadExact)
		return json.Unmarshal(payload, r.ReadExact)
	case "ReadUpTo":
		r.ReadUpTo = new(uint32)
		return json.Unmarshal(payload, r.ReadUpTo)
	case "ReadAll":
		r.ReadAll = true
		return nil
	case "CobsWrite":
		r.CobsWrite = new(ByteArray)
		return json.Unmarshal(payload, r.CobsWrite)
	case "CobsRead":
		r.CobsRead = new(uint32)
		return json.Unmarshal(payload, r.CobsRead)
	case "CobsQuery":
		r.CobsQuery = new(CobsQuery)
		return json.Unmarshal(payload, r.CobsQuery)
	case "WriteLine":
		r.WriteLine = new(WriteLine)
		return json.Unmarshal(payload, r.WriteLine)
	case "ReadLine":
		r.ReadLine = new(ReadLine)
		return json.Unmarshal(payload, r.ReadLine)
	case "QueryLine":
		r.QueryLine = new(QueryLine)
		return json.Unmarshal(payload, r.QueryLine)
	}
	return fmt.Errorf("unknown ByteStreamRequest variant %q", tag)
}

// ByteStreamResponse is the reply to a ByteStreamRequest.
type ByteStreamResponse struct {
	Done   bool
	Data   *ByteArray
	String *string
}

// BytesDone is the Done reply.
func BytesDone() ByteStreamResponse { return ByteStreamResponse{Done: true} }

// BytesData wraps raw bytes as a reply.
func BytesData(data []byte) ByteStreamResponse {
	b := ByteArray(data)
	return ByteStreamResponse{Data: &b}
}

// BytesString wraps a decoded line as a reply.
func BytesString(s string) ByteStreamResponse { return ByteStreamResponse{String: &s} }

// MarshalJSON renders the externally tagged union.
func (r ByteStreamResponse) MarshalJSON() ([]byte, error) {
	switch {
	case r.Done:
		return encodeUnit("Done")
	case r.Data != nil:
		return encodeVariant("Data", r.Data)
	case r.String != nil:
		return encodeVariant("String", r.String)
	}
	return nil, fmt.Errorf("empty ByteStreamResponse")
}

// UnmarshalJSON parses the externally tagged union.
func (r *ByteStreamResponse) UnmarshalJSON(data []byte) error {
	tag, payload, err := decodeVariant(data)
	if err != nil {
		return err
	}
	*r = ByteStreamResponse{}
	switch tag {
	case "Done":
		r.Done = true
		return nil
	case "Data":
		r.Data = new(ByteArray)
		return json.Unmarshal(payload, r.Data)
	case "String":
		r.String = new(string)
		return json.Unmarshal(payload, r.String)
	}
	return fmt.Errorf("unknown ByteStreamResponse variant %q", tag)
}
