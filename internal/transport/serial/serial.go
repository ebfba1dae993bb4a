// internal/transport/serial/serial.go
package serial

import (
	"context"
	"time"

	"go.bug.st/serial"
	"go.uber.org/zap"

	"comsrv/internal/address"
	"comsrv/internal/comerr"
	"comsrv/internal/iotask"
	"comsrv/internal/protocol"
	"comsrv/internal/transport/bytestream"
)

// Request is the typed sub-request of a serial actor. The line params
// travel with every request; the actor re-opens the port when they
// change.
type Request struct {
	Params   address.SerialParams
	Bytes    *protocol.ByteStreamRequest
	Prologix *PrologixRequest
}

// PrologixRequest tunnels a SCPI request to a GPIB device behind a
// Prologix adapter sharing this serial port.
type PrologixRequest struct {
	GpibAddr uint8
	Request  protocol.ScpiRequest
}

// Response is the typed reply of a serial actor.
type Response struct {
	Bytes *protocol.ByteStreamResponse
	Scpi  *protocol.ScpiResponse
}

// Instrument is a serial port actor.
type Instrument struct {
	addr address.Address
	*iotask.Task[Request, Response]
}

// New spawns the actor for the serial port at path. The port is opened
// lazily on the first request.
func New(addr address.Address, path string, logger *zap.Logger) *Instrument {
	logger = logger.With(
		zap.String("transport", "serial"),
		zap.String("port", path),
	)
	h := &handler{path: path, logger: logger}
	return &Instrument{
		addr: addr,
		Task: iotask.New[Request, Response](h, logger),
	}
}

// Address returns the address the actor was spawned for.
func (i *Instrument) Address() address.Address { return i.addr }

type handler struct {
	path   string
	logger *zap.Logger

	port   serial.Port
	params address.SerialParams

	// committed records whether the current attempt put user bytes on
	// the wire; it gates the single transparent retry.
	committed bool
	// gpibAddr is the address the Prologix adapter was last configured
	// for, or -1 when unconfigured.
	gpibAddr int
}

// Handle processes one request with the reopen-and-retry policy: a
// transport-fatal failure closes the port, and if no user bytes were
// committed the request is retried exactly once on a fresh handle.
func (h *handler) Handle(ctx context.Context, req Request) (Response, error) {
	if h.port != nil && req.Params != h.params {
		h.logger.Info("Serial parameters changed, re-opening",
			zap.String("old", h.params.String()),
			zap.String("new", req.Params.String()),
		)
		h.close()
	}
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
		// Cancelled mid-transaction; the stream state is unknown.
		h.close()
	}
	return resp, err
}

func (h *handler) attempt(ctx context.Context, req Request) (Response, error) {
	h.committed = false
	if err := h.open(req.Params); err != nil {
		return Response{}, err
	}
	stream := &trackedPort{port: h.port, committed: &h.committed}
	switch {
	case req.Bytes != nil:
		resp, err := bytestream.Handle(ctx, stream, *req.Bytes)
		if err != nil {
			return Response{}, err
		}
		return Response{Bytes: &resp}, nil
	case req.Prologix != nil:
		resp, err := h.prologix(ctx, stream, req.Prologix)
		if err != nil {
			return Response{}, err
		}
		return Response{Scpi: &resp}, nil
	}
	return Response{}, comerr.Argumentf("empty serial request")
}

func (h *handler) open(params address.SerialParams) error {
	if h.port != nil {
		return nil
	}
	h.logger.Info("Opening serial port", zap.String("params", params.String()))
	mode := &serial.Mode{
		BaudRate: int(params.Baud),
		DataBits: int(params.DataBits),
	}
	switch params.Parity {
	case address.ParityEven:
		mode.Parity = serial.EvenParity
	case address.ParityOdd:
		mode.Parity = serial.OddParity
	default:
		mode.Parity = serial.NoParity
	}
	if params.StopBits == 2 {
		mode.StopBits = serial.TwoStopBits
	} else {
		mode.StopBits = serial.OneStopBit
	}
	port, err := serial.Open(h.path, mode)
	if err != nil {
		return comerr.Transport(err)
	}
	h.port = port
	h.params = params
	h.gpibAddr = -1
	return nil
}

func (h *handler) close() {
	if h.port == nil {
		return
	}
	if err := h.port.Close(); err != nil {
		h.logger.Warn("Failed to close serial port", zap.Error(err))
	}
	h.port = nil
	h.gpibAddr = -1
}

// Disconnect implements iotask.Handler.
func (h *handler) Disconnect(ctx context.Context) {
	h.close()
}

// trackedPort adapts serial.Port to bytestream.Stream and records
// whether any user bytes hit the wire.
type trackedPort struct {
	port      serial.Port
	committed *bool
}

func (t *trackedPort) Read(p []byte) (int, error) { return t.port.Read(p) }

func (t *trackedPort) Write(p []byte) (int, error) {
	n, err := t.port.Write(p)
	if n > 0 {
		*t.committed = true
	}
	return n, err
}

func (t *trackedPort) SetReadTimeout(d time.Duration) error {
	return t.port.SetReadTimeout(d)
}

// ListPorts enumerates the serial ports present on the system.
func ListPorts() ([]string, error) {
	ports, err := serial.GetPortsList()
	if err != nil {
		return nil, comerr.Transport(err)
	}
	return ports, nil
}
