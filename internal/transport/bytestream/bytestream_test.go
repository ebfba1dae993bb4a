package bytestream

import (
	"bytes"
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"comsrv/internal/comerr"
	"comsrv/internal/protocol"
)

// fakeStream is an in-memory Stream: reads consume a pre-seeded buffer
// and time out once it is empty, writes are captured. A non-nil reply is
// queued for reading once the next write arrives, like a device answering
// a query.
type fakeStream struct {
	input   bytes.Buffer
	written bytes.Buffer
	timeout time.Duration
	reply   []byte

	failWrite error
}

func (f *fakeStream) SetReadTimeout(d time.Duration) error {
	f.timeout = d
	return nil
}

func (f *fakeStream) Read(p []byte) (int, error) {
	if f.input.Len() == 0 {
		// Simulate a blocking read that runs into the deadline.
		time.Sleep(f.timeout)
		return 0, os.ErrDeadlineExceeded
	}
	return f.input.Read(p)
}

func (f *fakeStream) Write(p []byte) (int, error) {
	if f.failWrite != nil {
		return 0, f.failWrite
	}
	n, err := f.written.Write(p)
	if f.reply != nil {
		f.input.Write(f.reply)
		f.reply = nil
	}
	return n, err
}

func handle(t *testing.T, s Stream, req protocol.ByteStreamRequest) protocol.ByteStreamResponse {
	t.Helper()
	resp, err := Handle(context.Background(), s, req)
	if err != nil {
		t.Fatalf("Handle failed: %v", err)
	}
	return resp
}

func TestWrite(t *testing.T) {
	s := &fakeStream{}
	payload := protocol.ByteArray{1, 2, 3, 4}
	resp := handle(t, s, protocol.ByteStreamRequest{Write: &payload})
	if !resp.Done {
		t.Error("Write should reply Done")
	}
	if !bytes.Equal(s.written.Bytes(), []byte{1, 2, 3, 4}) {
		t.Errorf("wrote %v", s.written.Bytes())
	}
}

func TestZeroLengthWrite(t *testing.T) {
	s := &fakeStream{}
	payload := protocol.ByteArray{}
	resp := handle(t, s, protocol.ByteStreamRequest{Write: &payload})
	if !resp.Done {
		t.Error("zero-length write should reply Done")
	}
}

func TestWriteErrorIsTransport(t *testing.T) {
	s := &fakeStream{failWrite: errors.New("broken pipe")}
	payload := protocol.ByteArray{1}
	_, err := Handle(context.Background(), s, protocol.ByteStreamRequest{Write: &payload})
	if !comerr.IsTransport(err) {
		t.Errorf("write failure = %v, want Transport", err)
	}
}

func TestReadAll(t *testing.T) {
	s := &fakeStream{}
	s.input.Write([]byte("hello"))
	resp := handle(t, s, protocol.ByteStreamRequest{ReadAll: true})
	if string(*resp.Data) != "hello" {
		t.Errorf("ReadAll = %q", *resp.Data)
	}
	// Empty stream yields an empty result, not an error.
	resp = handle(t, s, protocol.ByteStreamRequest{ReadAll: true})
	if len(*resp.Data) != 0 {
		t.Errorf("ReadAll on empty stream = %v", *resp.Data)
	}
}

func TestReadExact(t *testing.T) {
	s := &fakeStream{}
	s.input.Write([]byte{1, 2, 3, 4, 5})
	resp := handle(t, s, protocol.ByteStreamRequest{
		ReadExact: &protocol.ReadExact{Count: 3, TimeoutMs: 100},
	})
	if !bytes.Equal(*resp.Data, []byte{1, 2, 3}) {
		t.Errorf("ReadExact = %v", *resp.Data)
	}
}

func TestReadExactTimeoutIsProtocol(t *testing.T) {
	s := &fakeStream{}
	s.input.Write([]byte{1})
	_, err := Handle(context.Background(), s, protocol.ByteStreamRequest{
		ReadExact: &protocol.ReadExact{Count: 3, TimeoutMs: 30},
	})
	if !comerr.Is(err, comerr.KindProtocol) {
		t.Errorf("short read = %v, want Protocol", err)
	}
}

func TestReadToTerm(t *testing.T) {
	s := &fakeStream{}
	s.input.Write([]byte("value\rrest"))
	resp := handle(t, s, protocol.ByteStreamRequest{
		ReadToTerm: &protocol.ReadToTerm{Term: '\r', TimeoutMs: 100},
	})
	if string(*resp.Data) != "value" {
		t.Errorf("ReadToTerm = %q", *resp.Data)
	}
}

func TestQueryLine(t *testing.T) {
	s := &fakeStream{}
	s.reply = []byte("pong\n")
	resp := handle(t, s, protocol.ByteStreamRequest{
		QueryLine: &protocol.QueryLine{Line: "ping", TimeoutMs: 100, Term: '\n'},
	})
	if *resp.String != "pong" {
		t.Errorf("QueryLine = %q", *resp.String)
	}
	if !bytes.Equal(s.written.Bytes(), []byte("ping\n")) {
		t.Errorf("QueryLine wrote %q", s.written.Bytes())
	}
}

func TestCobsQueryRoundTrip(t *testing.T) {
	s := &fakeStream{}
	s.reply = CobsEncode([]byte{0xAA, 0x00, 0xBB})
	resp := handle(t, s, protocol.ByteStreamRequest{
		CobsQuery: &protocol.CobsQuery{Data: protocol.ByteArray{1, 2}, TimeoutMs: 100},
	})
	if !bytes.Equal(*resp.Data, []byte{0xAA, 0x00, 0xBB}) {
		t.Errorf("CobsQuery = %v", *resp.Data)
	}
	if !bytes.Equal(s.written.Bytes(), CobsEncode([]byte{1, 2})) {
		t.Errorf("CobsQuery wrote %v", s.written.Bytes())
	}
}
