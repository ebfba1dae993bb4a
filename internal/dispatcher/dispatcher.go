// internal/dispatcher/dispatcher.go
package dispatcher

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"comsrv/internal/address"
	"comsrv/internal/bus"
	"comsrv/internal/comerr"
	"comsrv/internal/inventory"
	"comsrv/internal/lock"
	"comsrv/internal/protocol"
	"comsrv/internal/transport/can"
	"comsrv/internal/transport/ftdi"
	"comsrv/internal/transport/hid"
	"comsrv/internal/transport/modbus"
	"comsrv/internal/transport/serial"
	"comsrv/internal/transport/sigrok"
	"comsrv/internal/transport/tcp"
	"comsrv/internal/transport/vxi"

	visatransport "comsrv/internal/transport/visa"
)

// Server version reported by the Version request.
const (
	VersionMajor = 1
	VersionMinor = 0
	VersionBuild = 0
)

// Options configures a dispatcher.
type Options struct {
	// RequestTimeout bounds instrument requests that carry no explicit
	// timeout.
	RequestTimeout time.Duration
	// DropGrace bounds how long Drop/DropAll wait for actors to exit.
	DropGrace time.Duration
	// OnShutdown is invoked once when a Shutdown request is accepted.
	OnShutdown func()
}

// Dispatcher is the root request handler: it classifies requests,
// routes instrument requests to their actors and runs the
// administrative operations directly against inventory and lock table.
// Many requests are handled in parallel, one goroutine each.
type Dispatcher struct {
	inventory *inventory.Inventory
	locks     *lock.Manager
	bus       *bus.Bus
	logger    *zap.Logger
	opts      Options

	shutdownOnce sync.Once
	shuttingDown chan struct{}
}

// New wires a dispatcher from its collaborators.
func New(inv *inventory.Inventory, locks *lock.Manager, notifications *bus.Bus, logger *zap.Logger, opts Options) *Dispatcher {
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = 10 * time.Second
	}
	if opts.DropGrace <= 0 {
		opts.DropGrace = time.Second
	}
	return &Dispatcher{
		inventory:    inv,
		locks:        locks,
		bus:          notifications,
		logger:       logger.With(zap.String("component", "dispatcher")),
		opts:         opts,
		shuttingDown: make(chan struct{}),
	}
}

// Bus returns the notification bus for RPC carriers to subscribe to.
func (d *Dispatcher) Bus() *bus.Bus { return d.bus }

// ShuttingDown is closed once a Shutdown request has been accepted.
func (d *Dispatcher) ShuttingDown() <-chan struct{} { return d.shuttingDown }

// Handle processes one request and always produces a response; errors
// ride the Error variant, never a transport-level failure.
func (d *Dispatcher) Handle(ctx context.Context, req protocol.Request) protocol.Response {
	resp, err := d.dispatch(ctx, req)
	if err != nil {
		return d.errorResponse(err)
	}
	return resp
}

func (d *Dispatcher) dispatch(ctx context.Context, req protocol.Request) (protocol.Response, error) {
	switch {
	case req.Bytes != nil:
		return d.handleBytes(ctx, req.Bytes)
	case req.Scpi != nil:
		return d.handleScpi(ctx, req.Scpi)
	case req.ModBus != nil:
		return d.handleModBus(ctx, req.ModBus)
	case req.Can != nil:
		return d.handleCan(ctx, req.Can)
	case req.Hid != nil:
		return d.handleHid(ctx, req.Hid)
	case req.Sigrok != nil:
		return d.handleSigrok(ctx, req.Sigrok)
	case req.Lock != nil:
		return d.handleLock(req.Lock)
	case req.Unlock != nil:
		return d.handleUnlock(req.Unlock)
	case req.Drop != nil:
		return d.handleDrop(req.Drop)
	case req.DropAll:
		d.inventory.DropAll(d.opts.DropGrace)
		return protocol.DoneResponse(), nil
	case req.ListInstruments:
		list := d.inventory.List()
		return protocol.Response{Instruments: &list}, nil
	case req.ListSerialPorts:
		ports, err := serial.ListPorts()
		if err != nil {
			return protocol.Response{}, err
		}
		return protocol.Response{SerialPorts: &ports}, nil
	case req.ListCanDevices:
		devices, err := can.ListDevices()
		if err != nil {
			return protocol.Response{}, err
		}
		return protocol.Response{CanDevices: &devices}, nil
	case req.ListFtdiDevices:
		devices, err := ftdi.ListDevices()
		if err != nil {
			return protocol.Response{}, err
		}
		return protocol.Response{FtdiDevices: &devices}, nil
	case req.ListHidDevices:
		devices, err := hid.ListDevices()
		if err != nil {
			return protocol.Response{}, err
		}
		return protocol.Response{Hid: &protocol.HidResponse{List: &devices}}, nil
	case req.ListSigrokDevices:
		ctx, cancel := context.WithTimeout(ctx, d.opts.RequestTimeout)
		defer cancel()
		devices, err := sigrok.List(ctx, d.logger)
		if err != nil {
			return protocol.Response{}, err
		}
		return protocol.Response{Sigrok: &protocol.SigrokResponse{Devices: &devices}}, nil
	case req.Version:
		return protocol.Response{Version: &protocol.VersionPayload{
			Major: VersionMajor,
			Minor: VersionMinor,
			Build: VersionBuild,
		}}, nil
	case req.Shutdown:
		d.shutdownOnce.Do(func() {
			d.logger.Info("Shutdown requested")
			close(d.shuttingDown)
			d.inventory.DropAll(d.opts.DropGrace)
			if d.opts.OnShutdown != nil {
				d.opts.OnShutdown()
			}
		})
		return protocol.DoneResponse(), nil
	}
	return protocol.Response{}, comerr.InvalidRequest("empty request")
}

// prepare parses the instrument address, enforces the lock and derives
// the request context from the carried timeout.
func (d *Dispatcher) prepare(ctx context.Context, instrument string, lockID *uuid.UUID, timeout *protocol.Duration) (address.Address, context.Context, context.CancelFunc, error) {
	addr, err := address.Parse(instrument)
	if err != nil {
		return nil, nil, nil, err
	}
	if !d.locks.Check(addr.HandleID(), lockID) {
		return nil, nil, nil, comerr.LockedByOther()
	}
	limit := d.opts.RequestTimeout
	if timeout != nil {
		limit = timeout.Std()
	}
	reqCtx, cancel := context.WithTimeout(ctx, limit)
	return addr, reqCtx, cancel, nil
}

func (d *Dispatcher) handleBytes(ctx context.Context, env *protocol.BytesEnvelope) (protocol.Response, error) {
	addr, reqCtx, cancel, err := d.prepare(ctx, env.Instrument, env.Lock, env.Timeout)
	if err != nil {
		return protocol.Response{}, err
	}
	defer cancel()
	switch a := addr.(type) {
	case address.SerialAddress:
		inst, err := d.serialActor(a, a.Path)
		if err != nil {
			return protocol.Response{}, err
		}
		resp, err := inst.Send(reqCtx, serial.Request{Params: a.Params, Bytes: &env.Request})
		if err != nil {
			return protocol.Response{}, err
		}
		if resp.Bytes == nil {
			return protocol.Response{}, comerr.Internalf("invalid response for request")
		}
		return protocol.Response{Bytes: resp.Bytes}, nil
	case address.TcpAddress:
		inst, err := d.tcpActor(a)
		if err != nil {
			return protocol.Response{}, err
		}
		resp, err := inst.Send(reqCtx, tcp.Request{Bytes: env.Request})
		if err != nil {
			return protocol.Response{}, err
		}
		return protocol.Response{Bytes: &resp.Bytes}, nil
	case address.FtdiAddress:
		inst, err := d.ftdiActor(a)
		if err != nil {
			return protocol.Response{}, err
		}
		resp, err := inst.Send(reqCtx, ftdi.Request{Params: a.Params, Bytes: env.Request})
		if err != nil {
			return protocol.Response{}, err
		}
		return protocol.Response{Bytes: &resp.Bytes}, nil
	}
	return protocol.Response{}, comerr.InvalidRequest("address " + env.Instrument + " is not a byte stream instrument")
}

func (d *Dispatcher) handleScpi(ctx context.Context, env *protocol.ScpiEnvelope) (protocol.Response, error) {
	addr, reqCtx, cancel, err := d.prepare(ctx, env.Instrument, env.Lock, env.Timeout)
	if err != nil {
		return protocol.Response{}, err
	}
	defer cancel()
	switch a := addr.(type) {
	case address.VisaAddress:
		inst, err := d.visaActor(a)
		if err != nil {
			return protocol.Response{}, err
		}
		resp, err := inst.Send(reqCtx, visatransport.Request{Req: env.Request})
		if err != nil {
			return protocol.Response{}, err
		}
		return protocol.Response{Scpi: &resp}, nil
	case address.VxiAddress:
		inst, err := d.vxiActor(a)
		if err != nil {
			return protocol.Response{}, err
		}
		resp, err := inst.Send(reqCtx, vxi.Request{Req: env.Request})
		if err != nil {
			return protocol.Response{}, err
		}
		return protocol.Response{Scpi: &resp}, nil
	case address.PrologixAddress:
		inst, err := d.serialActor(a, a.SerialPort)
		if err != nil {
			return protocol.Response{}, err
		}
		resp, err := inst.Send(reqCtx, serial.Request{
			Params: prologixParams(),
			Prologix: &serial.PrologixRequest{
				GpibAddr: a.GpibAddr,
				Request:  env.Request,
			},
		})
		if err != nil {
			return protocol.Response{}, err
		}
		if resp.Scpi == nil {
			return protocol.Response{}, comerr.Internalf("invalid response for request")
		}
		return protocol.Response{Scpi: resp.Scpi}, nil
	}
	return protocol.Response{}, comerr.InvalidRequest("address " + env.Instrument + " is not a SCPI instrument")
}

func (d *Dispatcher) handleModBus(ctx context.Context, env *protocol.ModBusEnvelope) (protocol.Response, error) {
	addr, reqCtx, cancel, err := d.prepare(ctx, env.Instrument, env.Lock, env.Timeout)
	if err != nil {
		return protocol.Response{}, err
	}
	defer cancel()
	a, ok := addr.(address.ModbusAddress)
	if !ok {
		return protocol.Response{}, comerr.InvalidRequest("address " + env.Instrument + " is not a Modbus instrument")
	}
	inst, err := d.modbusActor(a)
	if err != nil {
		return protocol.Response{}, err
	}
	req := modbus.Request{Station: a.Station, Req: env.Request}
	if a.Serial != nil {
		params := a.Serial.Params
		req.Params = &params
	}
	resp, err := inst.Send(reqCtx, req)
	if err != nil {
		return protocol.Response{}, err
	}
	return protocol.Response{ModBus: &resp}, nil
}

func (d *Dispatcher) handleCan(ctx context.Context, env *protocol.CanEnvelope) (protocol.Response, error) {
	addr, reqCtx, cancel, err := d.prepare(ctx, env.Instrument, env.Lock, env.Timeout)
	if err != nil {
		return protocol.Response{}, err
	}
	defer cancel()
	a, ok := addr.(address.CanAddress)
	if !ok {
		return protocol.Response{}, comerr.InvalidRequest("address " + env.Instrument + " is not a CAN instrument")
	}
	inst, err := d.canActor(a)
	if err != nil {
		return protocol.Response{}, err
	}
	resp, err := inst.Send(reqCtx, can.Request{Req: env.Request})
	if err != nil {
		return protocol.Response{}, err
	}
	return protocol.Response{Can: &protocol.CanResult{
		Source:   a.String(),
		Response: resp,
	}}, nil
}

func (d *Dispatcher) handleHid(ctx context.Context, env *protocol.HidEnvelope) (protocol.Response, error) {
	addr, reqCtx, cancel, err := d.prepare(ctx, env.Instrument, env.Lock, env.Timeout)
	if err != nil {
		return protocol.Response{}, err
	}
	defer cancel()
	a, ok := addr.(address.HidAddress)
	if !ok {
		return protocol.Response{}, comerr.InvalidRequest("address " + env.Instrument + " is not a HID instrument")
	}
	inst, err := d.hidActor(a)
	if err != nil {
		return protocol.Response{}, err
	}
	resp, err := inst.Send(reqCtx, hid.Request{Req: env.Request})
	if err != nil {
		return protocol.Response{}, err
	}
	return protocol.Response{Hid: &resp}, nil
}

func (d *Dispatcher) handleSigrok(ctx context.Context, env *protocol.SigrokEnvelope) (protocol.Response, error) {
	addr, err := address.Parse(env.Instrument)
	if err != nil {
		return protocol.Response{}, err
	}
	a, ok := addr.(address.SigrokAddress)
	if !ok {
		return protocol.Response{}, comerr.InvalidRequest("address " + env.Instrument + " is not a sigrok device")
	}
	limit := d.opts.RequestTimeout
	if env.Timeout != nil {
		limit = env.Timeout.Std()
	}
	reqCtx, cancel := context.WithTimeout(ctx, limit)
	defer cancel()
	resp, err := sigrok.Read(reqCtx, d.logger, a.Device, env.Request)
	if err != nil {
		return protocol.Response{}, err
	}
	return protocol.Response{Sigrok: &resp}, nil
}

func (d *Dispatcher) handleLock(req *protocol.LockRequest) (protocol.Response, error) {
	addr, err := address.Parse(req.Addr)
	if err != nil {
		return protocol.Response{}, err
	}
	lockID, err := d.locks.Lock(addr.HandleID(), req.Timeout.Std())
	if err != nil {
		return protocol.Response{}, err
	}
	return protocol.Response{Locked: &protocol.LockedPayload{LockID: lockID}}, nil
}

func (d *Dispatcher) handleUnlock(req *protocol.UnlockRequest) (protocol.Response, error) {
	addr, err := address.Parse(req.Addr)
	if err != nil {
		return protocol.Response{}, err
	}
	if err := d.locks.Unlock(addr.HandleID(), req.ID); err != nil {
		return protocol.Response{}, err
	}
	return protocol.DoneResponse(), nil
}

func (d *Dispatcher) handleDrop(req *protocol.DropRequest) (protocol.Response, error) {
	addr, err := address.Parse(req.Addr)
	if err != nil {
		return protocol.Response{}, err
	}
	d.inventory.Drop(addr.HandleID(), d.opts.DropGrace)
	if req.ID != nil {
		d.locks.Release(*req.ID)
	}
	return protocol.DoneResponse(), nil
}

// errorResponse translates a classified error into the wire shape,
// logging internal errors with their backtraces.
func (d *Dispatcher) errorResponse(err error) protocol.Response {
	kind := comerr.KindOf(err)
	if kind == comerr.KindInternal {
		d.logger.Error("Internal error",
			zap.Error(err),
			zap.String("backtrace", comerr.Backtrace(err)),
		)
	}
	return protocol.ErrorResponse(kind.String(), err.Error())
}

// prologixParams is the fixed line configuration of Prologix adapters.
func prologixParams() address.SerialParams {
	return address.SerialParams{
		Baud:     9600,
		DataBits: 8,
		Parity:   address.ParityNone,
		StopBits: 1,
	}
}
