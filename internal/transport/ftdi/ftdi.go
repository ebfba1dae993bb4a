// internal/transport/ftdi/ftdi.go
package ftdi

import (
	"context"
	"os"
	"time"

	"github.com/google/gousb"
	"go.uber.org/zap"

	"comsrv/internal/address"
	"comsrv/internal/comerr"
	"comsrv/internal/iotask"
	"comsrv/internal/protocol"
	"comsrv/internal/transport/bytestream"
)

// FTDI vendor protocol constants (FT232-style bridges driven directly
// over libusb, no D2XX runtime required).
const (
	ftdiVendorID = 0x0403

	sioReset           = 0x00
	sioSetModemCtrl    = 0x01
	sioSetBaudrate     = 0x03
	sioSetData         = 0x04
	sioSetLatencyTimer = 0x09

	reqTypeVendorOut = 0x40

	ftdiClockHz = 3000000

	// Every IN packet starts with two modem-status bytes.
	statusHeaderLen = 2

	latencyTimerMs = 16
)

// Request is the typed sub-request of an FTDI actor.
type Request struct {
	Params address.SerialParams
	Bytes  protocol.ByteStreamRequest
}

// Response is the typed reply of an FTDI actor.
type Response struct {
	Bytes protocol.ByteStreamResponse
}

// Instrument is an FTDI port actor.
type Instrument struct {
	addr address.FtdiAddress
	*iotask.Task[Request, Response]
}

// New spawns the actor for the FTDI port identified by its serial
// number.
func New(addr address.FtdiAddress, logger *zap.Logger) *Instrument {
	logger = logger.With(
		zap.String("transport", "ftdi"),
		zap.String("port", addr.Port),
	)
	h := &handler{port: addr.Port, logger: logger}
	return &Instrument{
		addr: addr,
		Task: iotask.New[Request, Response](h, logger),
	}
}

// Address returns the address the actor was spawned for.
func (i *Instrument) Address() address.Address { return i.addr }

type handler struct {
	port   string
	logger *zap.Logger

	usb      *gousb.Context
	dev      *gousb.Device
	intf     *gousb.Interface
	intfDone func()
	in       *gousb.InEndpoint
	out      *gousb.OutEndpoint

	params    address.SerialParams
	committed bool
}

// Handle processes one request with the reopen-and-retry policy.
func (h *handler) Handle(ctx context.Context, req Request) (Response, error) {
	if h.dev != nil && req.Params != h.params {
		h.logger.Info("Line parameters changed, re-opening")
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
		h.close()
	}
	return resp, err
}

func (h *handler) attempt(ctx context.Context, req Request) (Response, error) {
	h.committed = false
	if err := h.open(req.Params); err != nil {
		return Response{}, err
	}
	stream := &ftdiStream{h: h, timeout: time.Second}
	resp, err := bytestream.Handle(ctx, stream, req.Bytes)
	if err != nil {
		return Response{}, err
	}
	return Response{Bytes: resp}, nil
}

func (h *handler) open(params address.SerialParams) error {
	if h.dev != nil {
		return nil
	}
	h.logger.Info("Opening FTDI port", zap.String("params", params.String()))
	if h.usb == nil {
		h.usb = gousb.NewContext()
	}
	dev, err := h.findDevice()
	if err != nil {
		return err
	}
	if err := dev.SetAutoDetach(true); err != nil {
		h.logger.Warn("Failed to enable kernel driver auto-detach", zap.Error(err))
	}
	intf, done, err := dev.DefaultInterface()
	if err != nil {
		dev.Close()
		return comerr.Transport(err)
	}
	in, err := intf.InEndpoint(1)
	if err != nil {
		done()
		dev.Close()
		return comerr.Transport(err)
	}
	out, err := intf.OutEndpoint(2)
	if err != nil {
		done()
		dev.Close()
		return comerr.Transport(err)
	}
	h.dev = dev
	h.intf = intf
	h.intfDone = done
	h.in = in
	h.out = out

	if err := h.configure(params); err != nil {
		h.close()
		return err
	}
	h.params = params
	return nil
}

// findDevice opens the FTDI device whose serial number matches the
// configured port name.
func (h *handler) findDevice() (*gousb.Device, error) {
	devs, _ := h.usb.OpenDevices(func(desc *gousb.DeviceDesc) bool {
		return desc.Vendor == gousb.ID(ftdiVendorID)
	})
	var found *gousb.Device
	for _, dev := range devs {
		if found == nil {
			if sn, err := dev.SerialNumber(); err == nil && sn == h.port {
				found = dev
				continue
			}
		}
		dev.Close()
	}
	if found == nil {
		return nil, comerr.Transportf("FTDI port %q not found", h.port)
	}
	return found, nil
}

// configure applies reset, baud rate and line settings through the
// vendor control pipe.
func (h *handler) configure(params address.SerialParams) error {
	vendor := func(request uint8, value, index uint16) error {
		if _, err := h.dev.Control(reqTypeVendorOut, request, value, index, nil); err != nil {
			return comerr.Transport(err)
		}
		return nil
	}
	if err := vendor(sioReset, 0, 1); err != nil {
		return err
	}
	value, index := baudDivisor(params.Baud)
	if err := vendor(sioSetBaudrate, value, index); err != nil {
		return err
	}
	line := uint16(params.DataBits)
	switch params.Parity {
	case address.ParityOdd:
		line |= 1 << 8
	case address.ParityEven:
		line |= 2 << 8
	}
	if params.StopBits == 2 {
		line |= 2 << 11
	}
	if err := vendor(sioSetData, line, 1); err != nil {
		return err
	}
	return vendor(sioSetLatencyTimer, latencyTimerMs, 1)
}

// baudDivisor encodes the FT232 fractional divisor for the requested
// baud rate.
func baudDivisor(baud uint32) (value, index uint16) {
	if baud == 0 {
		baud = 9600
	}
	div := (8*ftdiClockHz + int(baud)) / (2 * int(baud)) // divisor in eighths
	switch div {
	case 8:
		return 0, 0 // 3 MBaud
	case 16:
		return 1, 0 // 2 MBaud
	}
	fracCode := [8]uint16{0, 3, 2, 4, 1, 5, 6, 7}[div&7]
	value = uint16(div>>3)&0x3FFF | fracCode<<14
	index = uint16(div>>3) >> 14 & 1
	return value, index
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
			h.logger.Warn("Failed to close FTDI device", zap.Error(err))
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

// ftdiStream adapts the bulk endpoints to bytestream.Stream. IN packets
// carry a two-byte modem-status header that is stripped from reads.
type ftdiStream struct {
	h       *handler
	timeout time.Duration
	pending []byte
}

func (s *ftdiStream) SetReadTimeout(d time.Duration) error {
	s.timeout = d
	return nil
}

func (s *ftdiStream) Read(p []byte) (int, error) {
	if len(s.pending) > 0 {
		n := copy(p, s.pending)
		s.pending = s.pending[n:]
		return n, nil
	}
	deadline := time.Now().Add(s.timeout)
	buf := make([]byte, s.h.in.Desc.MaxPacketSize)
	for {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return 0, os.ErrDeadlineExceeded
		}
		ctx, cancel := context.WithTimeout(context.Background(), remaining)
		n, err := s.h.in.ReadContext(ctx, buf)
		cancel()
		if err != nil && ctx.Err() == nil {
			return 0, err
		}
		if n <= statusHeaderLen {
			if err != nil {
				return 0, os.ErrDeadlineExceeded
			}
			continue
		}
		payload := buf[statusHeaderLen:n]
		copied := copy(p, payload)
		if copied < len(payload) {
			s.pending = append(s.pending, payload[copied:]...)
		}
		return copied, nil
	}
}

func (s *ftdiStream) Write(p []byte) (int, error) {
	n, err := s.h.out.Write(p)
	if n > 0 {
		s.h.committed = true
	}
	return n, err
}

// ListDevices enumerates connected FTDI bridges.
func ListDevices() ([]protocol.FtdiDeviceInfo, error) {
	usb := gousb.NewContext()
	defer usb.Close()

	var out []protocol.FtdiDeviceInfo
	devs, err := usb.OpenDevices(func(desc *gousb.DeviceDesc) bool {
		return desc.Vendor == gousb.ID(ftdiVendorID)
	})
	for _, dev := range devs {
		info := protocol.FtdiDeviceInfo{}
		if sn, serr := dev.SerialNumber(); serr == nil {
			info.Port = sn
			info.SerialNumber = sn
		}
		if desc, serr := dev.Product(); serr == nil {
			info.Description = desc
		}
		out = append(out, info)
		dev.Close()
	}
	if err != nil && len(out) == 0 {
		return nil, comerr.Transport(err)
	}
	return out, nil
}
