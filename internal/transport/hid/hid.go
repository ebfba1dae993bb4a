// internal/transport/hid/hid.go
package hid

import (
	"context"
	"time"

	"github.com/google/gousb"
	"go.uber.org/zap"

	"comsrv/internal/address"
	"comsrv/internal/comerr"
	"comsrv/internal/iotask"
	"comsrv/internal/protocol"
)

// Request is the typed sub-request of a HID actor.
type Request struct {
	Req protocol.HidRequest
}

// Instrument is a USB-HID device actor. libusb calls block, but they
// only ever run on the actor goroutine, which preserves the per-handle
// FIFO contract.
type Instrument struct {
	addr address.HidAddress
	*iotask.Task[Request, protocol.HidResponse]
}

// New spawns the actor for the HID device.
func New(addr address.HidAddress, logger *zap.Logger) *Instrument {
	logger = logger.With(
		zap.String("transport", "hid"),
		zap.String("device", addr.String()),
	)
	h := &handler{addr: addr, logger: logger}
	return &Instrument{
		addr: addr,
		Task: iotask.New[Request, protocol.HidResponse](h, logger),
	}
}

// Address returns the address the actor was spawned for.
func (i *Instrument) Address() address.Address { return i.addr }

type handler struct {
	addr   address.HidAddress
	logger *zap.Logger

	usb      *gousb.Context
	dev      *gousb.Device
	intf     *gousb.Interface
	intfDone func()
	in       *gousb.InEndpoint
	out      *gousb.OutEndpoint
}

// Handle processes one HID request. HID transactions are report-sized
// and atomic, so transport failures close the handle without retry.
func (h *handler) Handle(ctx context.Context, req Request) (protocol.HidResponse, error) {
	resp, err := h.dispatch(ctx, req.Req)
	if err != nil && comerr.IsTransport(err) {
		h.close()
	}
	if ctx.Err() != nil {
		h.close()
	}
	return resp, err
}

func (h *handler) dispatch(ctx context.Context, req protocol.HidRequest) (protocol.HidResponse, error) {
	if err := h.open(); err != nil {
		return protocol.HidResponse{}, err
	}
	switch {
	case req.Write != nil:
		return h.write(req.Write.Data)
	case req.Read != nil:
		return h.read(ctx, req.Read.TimeoutMs)
	case req.GetInfo:
		return h.info()
	}
	return protocol.HidResponse{}, comerr.Argumentf("empty HID request")
}

func (h *handler) write(data []byte) (protocol.HidResponse, error) {
	if h.out != nil {
		if _, err := h.out.Write(data); err != nil {
			return protocol.HidResponse{}, comerr.Transport(err)
		}
		return protocol.HidOk(), nil
	}
	// Devices without an interrupt OUT endpoint take reports over the
	// control pipe (SET_REPORT).
	const (
		reqTypeClassInterfaceOut = 0x21
		setReport                = 0x09
		reportTypeOutput         = 0x02
	)
	_, err := h.dev.Control(
		reqTypeClassInterfaceOut,
		setReport,
		reportTypeOutput<<8,
		uint16(h.intf.Setting.Number),
		data,
	)
	if err != nil {
		return protocol.HidResponse{}, comerr.Transport(err)
	}
	return protocol.HidOk(), nil
}

func (h *handler) read(ctx context.Context, timeoutMs int32) (protocol.HidResponse, error) {
	if h.in == nil {
		return protocol.HidResponse{}, comerr.NotSupported("device has no interrupt IN endpoint")
	}
	if timeoutMs > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, time.Duration(timeoutMs)*time.Millisecond)
		defer cancel()
	}
	buf := make([]byte, h.in.Desc.MaxPacketSize)
	n, err := h.in.ReadContext(ctx, buf)
	if err != nil {
		if ctx.Err() != nil {
			// The device simply had no report ready; the handle is fine.
			return protocol.HidResponse{}, comerr.Protocolf("read timed out")
		}
		return protocol.HidResponse{}, comerr.Transport(err)
	}
	return protocol.HidData(buf[:n]), nil
}

func (h *handler) info() (protocol.HidResponse, error) {
	info := protocol.HidDeviceInfo{
		Idn: protocol.HidIdentifier{Vid: h.addr.Vid, Pid: h.addr.Pid},
	}
	if s, err := h.dev.Manufacturer(); err == nil {
		info.Manufacturer = &s
	}
	if s, err := h.dev.Product(); err == nil {
		info.Product = &s
	}
	if s, err := h.dev.SerialNumber(); err == nil {
		info.SerialNumber = &s
	}
	return protocol.HidResponse{Info: &info}, nil
}

func (h *handler) open() error {
	if h.dev != nil {
		return nil
	}
	h.logger.Info("Opening HID device")
	if h.usb == nil {
		h.usb = gousb.NewContext()
	}
	dev, err := h.usb.OpenDeviceWithVIDPID(gousb.ID(h.addr.Vid), gousb.ID(h.addr.Pid))
	if err != nil {
		return comerr.Transport(err)
	}
	if dev == nil {
		return comerr.Transportf("device %s not found", h.addr)
	}
	if err := dev.SetAutoDetach(true); err != nil {
		h.logger.Warn("Failed to enable kernel driver auto-detach", zap.Error(err))
	}
	intf, done, err := dev.DefaultInterface()
	if err != nil {
		dev.Close()
		return comerr.Transport(err)
	}
	h.dev = dev
	h.intf = intf
	h.intfDone = done
	for _, ep := range intf.Setting.Endpoints {
		if ep.TransferType != gousb.TransferTypeInterrupt {
			continue
		}
		if ep.Direction == gousb.EndpointDirectionIn && h.in == nil {
			h.in, _ = intf.InEndpoint(ep.Number)
		}
		if ep.Direction == gousb.EndpointDirectionOut && h.out == nil {
			h.out, _ = intf.OutEndpoint(ep.Number)
		}
	}
	return nil
}

func (h *handler) close() {
	if h.intfDone != nil {
		h.intfDone()
		h.intfDone = nil
	}
	h.intf = nil
	h.in = nil
	h.out = nil
	if h.dev != nil {
		if err := h.dev.Close(); err != nil {
			h.logger.Warn("Failed to close HID device", zap.Error(err))
		}
		h.dev = nil
	}
}

// Disconnect implements iotask.Handler.
func (h *handler) Disconnect(ctx context.Context) {
	h.close()
	if h.usb != nil {
		_ = h.usb.Close()
		h.usb = nil
	}
}

// ListDevices enumerates connected HID-class USB devices.
func ListDevices() ([]protocol.HidDeviceInfo, error) {
	usb := gousb.NewContext()
	defer usb.Close()

	var infos []protocol.HidDeviceInfo
	devs, err := usb.OpenDevices(func(desc *gousb.DeviceDesc) bool {
		for _, cfg := range desc.Configs {
			for _, intf := range cfg.Interfaces {
				for _, setting := range intf.AltSettings {
					if setting.Class == gousb.ClassHID {
						return true
					}
				}
			}
		}
		return false
	})
	for _, dev := range devs {
		info := protocol.HidDeviceInfo{
			Idn: protocol.HidIdentifier{
				Vid: uint16(dev.Desc.Vendor),
				Pid: uint16(dev.Desc.Product),
			},
		}
		if s, serr := dev.Manufacturer(); serr == nil {
			info.Manufacturer = &s
		}
		if s, serr := dev.Product(); serr == nil {
			info.Product = &s
		}
		if s, serr := dev.SerialNumber(); serr == nil {
			info.SerialNumber = &s
		}
		infos = append(infos, info)
		dev.Close()
	}
	if err != nil && len(infos) == 0 {
		return nil, comerr.Transport(err)
	}
	return infos, nil
}
