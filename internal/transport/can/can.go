// internal/transport/can/can.go
package can

import (
	"context"

	"go.uber.org/zap"

	"comsrv/internal/address"
	"comsrv/internal/bus"
	"comsrv/internal/comerr"
	"comsrv/internal/iotask"
	"comsrv/internal/protocol"
)

// backend abstracts the actual CAN driver. One goroutine sends, one
// receives; implementations must tolerate that split.
type backend interface {
	Send(msg protocol.CanMessage) error
	Recv(ctx context.Context) (protocol.CanMessage, error)
	SetLoopback(enabled bool) error
	Close() error
}

// Request is the typed sub-request of a CAN actor.
type Request struct {
	Req protocol.CanRequest
}

// Instrument is a CAN interface actor. While listening it publishes
// every received frame onto the notification bus, tagged with its own
// address.
type Instrument struct {
	addr address.CanAddress
	*iotask.Task[Request, protocol.CanResponse]
}

// New spawns the actor for the CAN interface.
func New(addr address.CanAddress, notifications *bus.Bus, logger *zap.Logger) *Instrument {
	logger = logger.With(
		zap.String("transport", "can"),
		zap.String("interface", addr.String()),
	)
	h := &handler{addr: addr, bus: notifications, logger: logger}
	return &Instrument{
		addr: addr,
		Task: iotask.New[Request, protocol.CanResponse](h, logger),
	}
}

// Address returns the address the actor was spawned for.
func (i *Instrument) Address() address.Address { return i.addr }

type handler struct {
	addr   address.CanAddress
	bus    *bus.Bus
	logger *zap.Logger

	backend  backend
	rxCancel context.CancelFunc
	rxDone   chan struct{}
}

// Handle processes one CAN request. CAN frames are fire-and-forget, so
// there is no retry: a transport failure closes the backend and is
// reported as-is.
func (h *handler) Handle(ctx context.Context, req Request) (protocol.CanResponse, error) {
	resp, err := h.dispatch(ctx, req.Req)
	if err != nil && comerr.IsTransport(err) {
		h.close()
	}
	return resp, err
}

func (h *handler) dispatch(ctx context.Context, req protocol.CanRequest) (protocol.CanResponse, error) {
	switch {
	case req.TxRaw != nil:
		if err := req.TxRaw.Validate(); err != nil {
			return protocol.CanResponse{}, comerr.Argument(err)
		}
		if err := h.open(); err != nil {
			return protocol.CanResponse{}, err
		}
		if err := h.backend.Send(*req.TxRaw); err != nil {
			return protocol.CanResponse{}, err
		}
		return protocol.CanOk(), nil
	case req.ListenRaw != nil:
		if !*req.ListenRaw {
			h.stopListening()
			name := h.addr.String()
			return protocol.CanResponse{Stopped: &name}, nil
		}
		if err := h.open(); err != nil {
			return protocol.CanResponse{}, err
		}
		h.startListening()
		name := h.addr.String()
		return protocol.CanResponse{Started: &name}, nil
	case req.StopAll:
		h.stopListening()
		name := h.addr.String()
		return protocol.CanResponse{Stopped: &name}, nil
	case req.EnableLoopback != nil:
		if err := h.open(); err != nil {
			return protocol.CanResponse{}, err
		}
		if err := h.backend.SetLoopback(*req.EnableLoopback); err != nil {
			return protocol.CanResponse{}, err
		}
		return protocol.CanOk(), nil
	}
	return protocol.CanResponse{}, comerr.Argumentf("empty CAN request")
}

func (h *handler) open() error {
	if h.backend != nil {
		return nil
	}
	h.logger.Info("Opening CAN interface")
	b, err := openBackend(h.addr)
	if err != nil {
		return err
	}
	h.backend = b
	return nil
}

func (h *handler) startListening() {
	if h.rxCancel != nil {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	h.rxCancel = cancel
	h.rxDone = make(chan struct{})
	source := h.addr.String()
	backend := h.backend
	go func() {
		defer close(h.rxDone)
		for {
			msg, err := backend.Recv(ctx)
			if err != nil {
				if ctx.Err() == nil {
					h.logger.Warn("CAN receive failed, listener stopped", zap.Error(err))
				}
				return
			}
			h.bus.Publish(bus.Notification{
				Source: source,
				Response: protocol.Response{
					Can: &protocol.CanResult{
						Source:   source,
						Response: protocol.CanRaw(msg),
					},
				},
			})
		}
	}()
}

func (h *handler) stopListening() {
	if h.rxCancel == nil {
		return
	}
	h.rxCancel()
	<-h.rxDone
	h.rxCancel = nil
	h.rxDone = nil
}

func (h *handler) close() {
	h.stopListening()
	if h.backend != nil {
		if err := h.backend.Close(); err != nil {
			h.logger.Warn("Failed to close CAN backend", zap.Error(err))
		}
		h.backend = nil
	}
}

// Disconnect implements iotask.Handler.
func (h *handler) Disconnect(ctx context.Context) {
	h.close()
}

func openBackend(addr address.CanAddress) (backend, error) {
	switch addr.Backend {
	case address.CanLoopback:
		return newLoopback(), nil
	case address.CanSocket:
		return openSocketCan(addr.Interface)
	default:
		return nil, comerr.NotSupported("CAN backend " + string(addr.Backend) + " is not supported on this build")
	}
}

// ListDevices enumerates the CAN interfaces present on the system.
func ListDevices() ([]string, error) {
	return listCanInterfaces()
}
