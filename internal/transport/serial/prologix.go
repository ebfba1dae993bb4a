// internal/transport/serial/prologix.go
package serial

import (
	"context"
	"strconv"
	"strings"
	"time"

	"comsrv/internal/comerr"
	"comsrv/internal/protocol"
	"comsrv/internal/transport/bytestream"
	"comsrv/internal/transport/scpi"
)

// Prologix GPIB-USB adapters share one serial port between all devices
// on the bus. The adapter is addressed with "++" commands; everything
// else goes to the currently selected GPIB device.

const prologixQueryTimeout = 3 * time.Second

func (h *handler) prologix(ctx context.Context, stream *trackedPort, req *PrologixRequest) (protocol.ScpiResponse, error) {
	if err := h.prologixSelect(stream, req.GpibAddr); err != nil {
		return protocol.ScpiResponse{}, err
	}
	switch {
	case req.Request.Write != nil:
		if err := prologixSend(stream, *req.Request.Write); err != nil {
			return protocol.ScpiResponse{}, err
		}
		return protocol.ScpiDone(), nil
	case req.Request.QueryString != nil:
		line, err := h.prologixQuery(ctx, stream, *req.Request.QueryString)
		if err != nil {
			return protocol.ScpiResponse{}, err
		}
		return protocol.ScpiString(strings.TrimRight(line, "\r")), nil
	case req.Request.QueryBinary != nil:
		if err := prologixSend(stream, *req.Request.QueryBinary); err != nil {
			return protocol.ScpiResponse{}, err
		}
		if err := prologixSend(stream, "++read eoi"); err != nil {
			return protocol.ScpiResponse{}, err
		}
		data, err := scpi.ReadBinaryBlock(ctx, stream, prologixQueryTimeout)
		if err != nil {
			return protocol.ScpiResponse{}, err
		}
		return protocol.ScpiBin(data), nil
	case req.Request.ReadRaw:
		if err := prologixSend(stream, "++read eoi"); err != nil {
			return protocol.ScpiResponse{}, err
		}
		resp, err := bytestream.Handle(ctx, stream, protocol.ByteStreamRequest{ReadAll: true})
		if err != nil {
			return protocol.ScpiResponse{}, err
		}
		return protocol.ScpiBin(*resp.Data), nil
	}
	return protocol.ScpiResponse{}, comerr.Argumentf("empty scpi request")
}

// prologixSelect configures the adapter once per open and whenever the
// target GPIB address changes.
func (h *handler) prologixSelect(stream *trackedPort, gpib uint8) error {
	if h.gpibAddr == int(gpib) {
		return nil
	}
	for _, cmd := range []string{
		"++mode 1",
		"++auto 0",
		"++eoi 1",
		"++addr " + strconv.Itoa(int(gpib)),
	} {
		if err := prologixSend(stream, cmd); err != nil {
			return err
		}
	}
	h.gpibAddr = int(gpib)
	return nil
}

func (h *handler) prologixQuery(ctx context.Context, stream *trackedPort, cmd string) (string, error) {
	// Stale reply bytes from an earlier aborted query would be returned
	// as this query's answer; drain them first.
	if _, err := bytestream.Handle(ctx, stream, protocol.ByteStreamRequest{ReadAll: true}); err != nil {
		return "", err
	}
	if err := prologixSend(stream, cmd); err != nil {
		return "", err
	}
	if err := prologixSend(stream, "++read eoi"); err != nil {
		return "", err
	}
	timeoutMs := uint32(prologixQueryTimeout / time.Millisecond)
	resp, err := bytestream.Handle(ctx, stream, protocol.ByteStreamRequest{
		ReadLine: &protocol.ReadLine{TimeoutMs: timeoutMs, Term: '\n'},
	})
	if err != nil {
		return "", err
	}
	return *resp.String, nil
}

func prologixSend(stream *trackedPort, line string) error {
	return bytestream.WriteAll(stream, []byte(line+"\n"))
}
