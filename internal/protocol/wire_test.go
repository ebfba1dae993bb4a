package protocol

import (
	"encoding/json"
	"reflect"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
)

func roundTripRequest(t *testing.T, req Request) Request {
	t.Helper()
	data, err := json.Marshal(req)
	if err != nil {
		t.Fatalf("marshal failed: %v", err)
	}
	var out Request
	if err := json.Unmarshal(data, &out); err != nil {
		t.Fatalf("unmarshal of %s failed: %v", data, err)
	}
	if !reflect.DeepEqual(req, out) {
		t.Errorf("round trip mismatch:\n in: %+v\nout: %+v\nwire: %s", req, out, data)
	}
	return out
}

func roundTripResponse(t *testing.T, resp Response) {
	t.Helper()
	data, err := json.Marshal(resp)
	if err != nil {
		t.Fatalf("marshal failed: %v", err)
	}
	var out Response
	if err := json.Unmarshal(data, &out); err != nil {
		t.Fatalf("unmarshal of %s failed: %v", data, err)
	}
	if !reflect.DeepEqual(resp, out) {
		t.Errorf("round trip mismatch:\n in: %+v\nout: %+v\nwire: %s", resp, out, data)
	}
}

func TestRequestRoundTrip(t *testing.T) {
	lockID := uuid.New()
	timeout := Duration{Seconds: 1, Micros: 500000}
	payload := ByteArray{0, 1, 255}
	upTo := uint32(128)
	listen := true
	write := "*IDN?"

	requests := []Request{
		{Bytes: &BytesEnvelope{
			Instrument: "tcp::127.0.0.1:9000",
			Request:    ByteStreamRequest{Write: &payload},
			Lock:       &lockID,
			Timeout:    &timeout,
		}},
		{Bytes: &BytesEnvelope{
			Instrument: "serial::/dev/ttyUSB0::9600::8N1",
			Request:    ByteStreamRequest{ReadUpTo: &upTo},
		}},
		{Bytes: &BytesEnvelope{
			Instrument: "serial::/dev/ttyUSB0::9600::8N1",
			Request:    ByteStreamRequest{ReadAll: true},
		}},
		{Bytes: &BytesEnvelope{
			Instrument: "serial::/dev/ttyUSB0::9600::8N1",
			Request: ByteStreamRequest{QueryLine: &QueryLine{
				Line: "ver", TimeoutMs: 1000, Term: '\n',
			}},
		}},
		{Scpi: &ScpiEnvelope{
			Instrument: "vxi::10.0.0.1",
			Request:    ScpiRequest{QueryString: &write},
		}},
		{ModBus: &ModBusEnvelope{
			Instrument: "modbus::tcp::1.2.3.4:502::5",
			Request:    ModBusRequest{ReadHolding: &RegisterRange{Addr: 0x10, Cnt: 4}},
		}},
		{Can: &CanEnvelope{
			Instrument: "can::loopback",
			Request:    CanRequest{ListenRaw: &listen},
		}},
		{Can: &CanEnvelope{
			Instrument: "can::loopback",
			Request: CanRequest{TxRaw: &CanMessage{
				Data: &DataFrame{ID: 0x123, ExtID: false, Data: ByteArray{1, 2, 3}},
			}},
		}},
		{Hid: &HidEnvelope{
			Instrument: "hid::0x1234::0x5678",
			Request:    HidRequest{Read: &HidRead{TimeoutMs: 100}},
		}},
		{Sigrok: &SigrokEnvelope{
			Instrument: "sigrok::fx2lafw",
			Request: SigrokRequest{
				Channels:   []string{"D0", "D1"},
				Acquire:    SigrokAcquire{Samples: u64(1024)},
				SampleRate: 1000000,
			},
		}},
		{Lock: &LockRequest{Addr: "tcp::1.2.3.4:99", Timeout: Duration{Seconds: 2}}},
		{Unlock: &UnlockRequest{Addr: "tcp::1.2.3.4:99", ID: lockID}},
		{Drop: &DropRequest{Addr: "tcp::1.2.3.4:99"}},
		{DropAll: true},
		{ListInstruments: true},
		{ListSigrokDevices: true},
		{ListSerialPorts: true},
		{ListCanDevices: true},
		{ListFtdiDevices: true},
		{ListHidDevices: true},
		{Version: true},
		{Shutdown: true},
	}
	for _, req := range requests {
		roundTripRequest(t, req)
	}
}

func TestResponseRoundTrip(t *testing.T) {
	instruments := []string{"tcp::1.2.3.4:99"}
	ports := []string{"/dev/ttyUSB0"}
	devices := []string{"can0"}
	ftdis := []FtdiDeviceInfo{{Port: "FT1234", Description: "FT232R", SerialNumber: "FT1234"}}
	str := "ok"
	name := "can::loopback"

	responses := []Response{
		ErrorResponse("Transport", "connection refused"),
		{Instruments: &instruments},
		{Scpi: &ScpiResponse{Done: true}},
		{Scpi: &ScpiResponse{String: &str}},
		{Scpi: &ScpiResponse{Binary: &ScpiBinary{Data: []byte{0, 1, 2, 250}}}},
		{Bytes: &ByteStreamResponse{Data: &ByteArray{1, 2, 3}}},
		{ModBus: &ModBusResponse{Number: &[]uint16{1, 65535}}},
		{Can: &CanResult{Source: name, Response: CanResponse{Started: &name}}},
		{Can: &CanResult{Source: name, Response: CanRaw(CanMessage{
			Remote: &RemoteFrame{ID: 0x1FFFFFFF, ExtID: true, Dlc: 8},
		})}},
		{Sigrok: &SigrokResponse{Data: &SigrokData{
			TSample: 1e-6, Length: 9,
			Channels: map[string]ByteArray{"D0": {0xFF, 0x01}},
		}}},
		{Hid: &HidResponse{Ok: true}},
		{SerialPorts: &ports},
		{CanDevices: &devices},
		{FtdiDevices: &ftdis},
		{Locked: &LockedPayload{LockID: uuid.New()}},
		{Version: &VersionPayload{Major: 1, Minor: 2, Build: 3}},
		DoneResponse(),
	}
	for _, resp := range responses {
		roundTripResponse(t, resp)
	}
}

func TestUnitVariantsAreBareStrings(t *testing.T) {
	data, err := json.Marshal(Request{ListInstruments: true})
	if err != nil {
		t.Fatalf("marshal failed: %v", err)
	}
	if string(data) != `"ListInstruments"` {
		t.Errorf("unit variant serialized as %s", data)
	}
}

func TestByteArrayWireFormat(t *testing.T) {
	data, err := json.Marshal(ByteArray{0, 128, 255})
	if err != nil {
		t.Fatalf("marshal failed: %v", err)
	}
	if string(data) != "[0,128,255]" {
		t.Errorf("ByteArray serialized as %s, want number array", data)
	}
	var out ByteArray
	if err := json.Unmarshal([]byte("[1,2,300]"), &out); err == nil {
		t.Error("out-of-range byte value should fail to decode")
	}
}

func TestScpiBinaryIsBase64(t *testing.T) {
	data, err := json.Marshal(ScpiResponse{Binary: &ScpiBinary{Data: []byte{1, 2, 3}}})
	if err != nil {
		t.Fatalf("marshal failed: %v", err)
	}
	if !strings.Contains(string(data), `"AQID"`) {
		t.Errorf("SCPI binary payload should be base64, got %s", data)
	}
}

func TestDurationConversion(t *testing.T) {
	d := Duration{Seconds: 2, Micros: 250000}
	if got := d.Std(); got != 2250*time.Millisecond {
		t.Errorf("Std() = %v", got)
	}
	back := DurationFrom(2250 * time.Millisecond)
	if back != d {
		t.Errorf("DurationFrom round trip = %+v", back)
	}
}

func TestUnknownVariantRejected(t *testing.T) {
	var req Request
	if err := json.Unmarshal([]byte(`{"Bogus":{}}`), &req); err == nil {
		t.Error("unknown request variant should fail to decode")
	}
	if err := json.Unmarshal([]byte(`{"Bytes":{},"Scpi":{}}`), &req); err == nil {
		t.Error("multi-key variant object should fail to decode")
	}
}

func u64(v uint64) *uint64 { return &v }
