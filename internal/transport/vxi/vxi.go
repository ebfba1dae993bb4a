// internal/transport/vxi/vxi.go
package vxi

import (
	"context"
	"strings"

	"go.uber.org/zap"

	"comsrv/internal/address"
	"comsrv/internal/comerr"
	"comsrv/internal/iotask"
	"comsrv/internal/protocol"
)

const (
	ioTimeoutMs   = 3000
	lockTimeoutMs = 1000
	maxRecvSize   = 1 << 20
)

// Request is the typed sub-request of a VXI-11 actor.
type Request struct {
	Req protocol.ScpiRequest
}

// Instrument is a VXI-11 core-channel actor. The link is created lazily
// and kept across requests.
type Instrument struct {
	addr address.VxiAddress
	*iotask.Task[Request, protocol.ScpiResponse]
}

// New spawns the actor for the VXI-11 device.
func New(addr address.VxiAddress, logger *zap.Logger) *Instrument {
	logger = logger.With(
		zap.String("transport", "vxi"),
		zap.String("host", addr.Host),
	)
	h := &handler{host: addr.Host, logger: logger}
	return &Instrument{
		addr: addr,
		Task: iotask.New[Request, protocol.ScpiResponse](h, logger),
	}
}

// Address returns the address the actor was spawned for.
func (i *Instrument) Address() address.Address { return i.addr }

type handler struct {
	host   string
	logger *zap.Logger

	link      *coreLink
	committed bool
}

// Handle processes one SCPI request with the reopen-and-retry policy:
// link setup failures never committed user bytes, so they retry once.
func (h *handler) Handle(ctx context.Context, req Request) (protocol.ScpiResponse, error) {
	resp, err := h.attempt(ctx, req)
	if err != nil && comerr.IsTransport(err) {
		h.close()
		if !h.committed {
			resp, err = h.attempt(ctx, req)
			if err != nil && comerr.IsTransport(err) {
				h.close()
			}
		}
	}
	if ctx.Err() != nil {
		h.close()
	}
	return resp, err
}

func (h *handler) attempt(ctx context.Context, req Request) (protocol.ScpiResponse, error) {
	h.committed = false
	if err := h.open(ctx); err != nil {
		return protocol.ScpiResponse{}, err
	}
	switch {
	case req.Req.Write != nil:
		if err := h.write(ctx, *req.Req.Write); err != nil {
			return protocol.ScpiResponse{}, err
		}
		return protocol.ScpiDone(), nil
	case req.Req.QueryString != nil:
		if err := h.write(ctx, *req.Req.QueryString); err != nil {
			return protocol.ScpiResponse{}, err
		}
		data, err := h.link.deviceRead(ctx)
		if err != nil {
			return protocol.ScpiResponse{}, err
		}
		s := strings.TrimRight(string(data), "\r\n")
		return protocol.ScpiString(s), nil
	case req.Req.QueryBinary != nil:
		if err := h.write(ctx, *req.Req.QueryBinary); err != nil {
			return protocol.ScpiResponse{}, err
		}
		data, err := h.link.deviceRead(ctx)
		if err != nil {
			return protocol.ScpiResponse{}, err
		}
		payload, err := parseBinaryBlock(data)
		if err != nil {
			return protocol.ScpiResponse{}, err
		}
		return protocol.ScpiBin(payload), nil
	case req.Req.ReadRaw:
		data, err := h.link.deviceRead(ctx)
		if err != nil {
			return protocol.ScpiResponse{}, err
		}
		return protocol.ScpiBin(data), nil
	}
	return protocol.ScpiResponse{}, comerr.Argumentf("empty scpi request")
}

func (h *handler) write(ctx context.Context, cmd string) error {
	if !strings.HasSuffix(cmd, "\n") {
		cmd += "\n"
	}
	return h.link.deviceWrite(ctx, []byte(cmd), &h.committed)
}

func (h *handler) open(ctx context.Context) error {
	if h.link != nil {
		return nil
	}
	h.logger.Info("Creating VXI-11 link")
	link, err := dialCore(ctx, h.host)
	if err != nil {
		return err
	}
	h.link = link
	return nil
}

func (h *handler) close() {
	if h.link == nil {
		return
	}
	if err := h.link.destroy(); err != nil {
		h.logger.Warn("Failed to destroy VXI-11 link", zap.Error(err))
	}
	h.link = nil
}

// Disconnect implements iotask.Handler.
func (h *handler) Disconnect(ctx context.Context) {
	h.close()
}

// parseBinaryBlock strips an IEEE 488.2 definite-length block header.
func parseBinaryBlock(data []byte) ([]byte, error) {
	if len(data) < 2 || data[0] != '#' {
		return nil, comerr.Protocolf("missing binary block header")
	}
	digits := int(data[1] - '0')
	if digits < 1 || digits > 9 || len(data) < 2+digits {
		return nil, comerr.Protocolf("invalid binary block header")
	}
	length := 0
	for _, c := range data[2 : 2+digits] {
		if c < '0' || c > '9' {
			return nil, comerr.Protocolf("invalid binary block length")
		}
		length = length*10 + int(c-'0')
	}
	start := 2 + digits
	if len(data) < start+length {
		return nil, comerr.Protocolf("truncated binary block: have %d of %d bytes", len(data)-start, length)
	}
	return data[start : start+length], nil
}
