// internal/transport/modbus/modbus.go
package modbus

import (
	"context"
	"encoding/binary"
	"net"
	"time"

	"go.bug.st/serial"
	"go.uber.org/zap"

	"comsrv/internal/address"
	"comsrv/internal/comerr"
	"comsrv/internal/iotask"
	"comsrv/internal/protocol"
	"comsrv/internal/transport/bytestream"
)

const (
	connectTimeout  = 500 * time.Millisecond
	responseTimeout = 1 * time.Second

	maxCoilCount     = 2000
	maxRegisterCount = 125
)

// Request is the typed sub-request of a Modbus actor. Station id and
// serial line params are per-request configuration; the actor re-opens
// its serial handle when the params change.
type Request struct {
	Station uint8
	Params  *address.SerialParams
	Req     protocol.ModBusRequest
}

// Instrument is a Modbus station actor. One actor serves all stations
// behind the same socket or serial port; requests to different station
// ids serialize through it.
type Instrument struct {
	addr address.ModbusAddress
	*iotask.Task[Request, protocol.ModBusResponse]
}

// New spawns the actor for the Modbus endpoint.
func New(addr address.ModbusAddress, logger *zap.Logger) *Instrument {
	logger = logger.With(
		zap.String("transport", "modbus"),
		zap.String("framing", string(addr.Transport)),
		zap.String("endpoint", addr.HandleID().String()),
	)
	h := &handler{addr: addr, logger: logger}
	return &Instrument{
		addr: addr,
		Task: iotask.New[Request, protocol.ModBusResponse](h, logger),
	}
}

// Address returns the address the actor was spawned for.
func (i *Instrument) Address() address.Address { return i.addr }

type handler struct {
	addr   address.ModbusAddress
	logger *zap.Logger

	conn   net.Conn
	port   serial.Port
	params address.SerialParams

	txid      uint16
	committed bool
}

// Handle processes one request with the reopen-and-retry policy.
func (h *handler) Handle(ctx context.Context, req Request) (protocol.ModBusResponse, error) {
	if h.port != nil && req.Params != nil && *req.Params != h.params {
		h.logger.Info("Serial parameters changed, re-opening")
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

func (h *handler) attempt(ctx context.Context, req Request) (protocol.ModBusResponse, error) {
	pdu, parse, err := buildPDU(req.Req)
	if err != nil {
		// No IO happened; the handle is untouched.
		return protocol.ModBusResponse{}, err
	}
	stream, err := h.open(ctx, req.Params)
	if err != nil {
		return protocol.ModBusResponse{}, err
	}
	// Stale bytes from an aborted transaction would corrupt framing.
	if err := drain(ctx, stream); err != nil {
		return protocol.ModBusResponse{}, err
	}
	var reply []byte
	switch h.addr.Transport {
	case address.ModbusTcp:
		reply, err = h.transactTCP(ctx, stream, req.Station, pdu)
	default:
		reply, err = h.transactRTU(ctx, stream, req.Station, pdu)
	}
	if err != nil {
		return protocol.ModBusResponse{}, err
	}
	if reply[0]&0x80 != 0 {
		if len(reply) < 2 {
			return protocol.ModBusResponse{}, comerr.Protocolf("truncated exception response")
		}
		return protocol.ModBusResponse{}, comerr.Protocolf("modbus exception 0x%02x for function 0x%02x", reply[1], reply[0]&0x7F)
	}
	return parse(reply)
}

// transactTCP performs one MBAP-framed transaction.
func (h *handler) transactTCP(ctx context.Context, stream bytestream.Stream, station uint8, pdu []byte) ([]byte, error) {
	h.txid++
	frame := make([]byte, 7+len(pdu))
	binary.BigEndian.PutUint16(frame[0:2], h.txid)
	binary.BigEndian.PutUint16(frame[2:4], 0)
	binary.BigEndian.PutUint16(frame[4:6], uint16(1+len(pdu)))
	frame[6] = station
	copy(frame[7:], pdu)

	tracked := &trackedStream{s: stream, committed: &h.committed}
	if err := bytestream.WriteAll(tracked, frame); err != nil {
		return nil, err
	}
	header, err := readExact(ctx, stream, 7)
	if err != nil {
		return nil, err
	}
	if txid := binary.BigEndian.Uint16(header[0:2]); txid != h.txid {
		return nil, comerr.Protocolf("transaction id mismatch: sent %d, got %d", h.txid, txid)
	}
	length := int(binary.BigEndian.Uint16(header[4:6]))
	if length < 2 {
		return nil, comerr.Protocolf("invalid MBAP length %d", length)
	}
	body, err := readExact(ctx, stream, length-1)
	if err != nil {
		return nil, err
	}
	return body, nil
}

// transactRTU performs one CRC16-framed transaction.
func (h *handler) transactRTU(ctx context.Context, stream bytestream.Stream, station uint8, pdu []byte) ([]byte, error) {
	frame := make([]byte, 0, len(pdu)+3)
	frame = append(frame, station)
	frame = append(frame, pdu...)
	frame = binary.LittleEndian.AppendUint16(frame, crc16(frame))

	tracked := &trackedStream{s: stream, committed: &h.committed}
	if err := bytestream.WriteAll(tracked, frame); err != nil {
		return nil, err
	}
	// Station + function code decide how much more to read.
	head, err := readExact(ctx, stream, 2)
	if err != nil {
		return nil, err
	}
	if head[0] != station {
		return nil, comerr.Protocolf("station mismatch: sent %d, got %d", station, head[0])
	}
	var rest []byte
	switch fn := head[1]; {
	case fn&0x80 != 0:
		rest, err = readExact(ctx, stream, 3)
	case fn >= 0x01 && fn <= 0x04:
		var cnt []byte
		cnt, err = readExact(ctx, stream, 1)
		if err == nil {
			rest, err = readExact(ctx, stream, int(cnt[0])+2)
			rest = append(cnt, rest...)
		}
	case fn == 0x05 || fn == 0x06 || fn == 0x0F || fn == 0x10:
		rest, err = readExact(ctx, stream, 6)
	default:
		// Custom function codes have no known length; take whatever
		// arrives before the line goes quiet.
		rest, err = readUntilQuiet(ctx, stream)
	}
	if err != nil {
		return nil, err
	}
	full := append(head, rest...)
	if len(full) < 4 {
		return nil, comerr.Protocolf("short RTU response of %d bytes", len(full))
	}
	payload, sum := full[:len(full)-2], binary.LittleEndian.Uint16(full[len(full)-2:])
	if crc16(payload) != sum {
		return nil, comerr.Protocolf("CRC mismatch")
	}
	return payload[1:], nil
}

func (h *handler) open(ctx context.Context, params *address.SerialParams) (bytestream.Stream, error) {
	if h.addr.Serial != nil {
		if h.port == nil {
			p := h.addr.Serial.Params
			if params != nil {
				p = *params
			}
			h.logger.Info("Opening serial port", zap.String("params", p.String()))
			mode := &serial.Mode{
				BaudRate: int(p.Baud),
				DataBits: int(p.DataBits),
				Parity:   toParity(p.Parity),
				StopBits: toStopBits(p.StopBits),
			}
			port, err := serial.Open(h.addr.Serial.Path, mode)
			if err != nil {
				return nil, comerr.Transport(err)
			}
			h.port = port
			h.params = p
		}
		return portStream{h.port}, nil
	}
	if h.conn == nil {
		h.logger.Info("Connecting")
		dialer := net.Dialer{Timeout: connectTimeout}
		conn, err := dialer.DialContext(ctx, "tcp", h.addr.Tcp.HandleID().String())
		if err != nil {
			return nil, comerr.Transport(err)
		}
		h.conn = conn
	}
	return connStream{h.conn}, nil
}

func (h *handler) close() {
	if h.conn != nil {
		_ = h.conn.Close()
		h.conn = nil
	}
	if h.port != nil {
		_ = h.port.Close()
		h.port = nil
	}
}

// Disconnect implements iotask.Handler.
func (h *handler) Disconnect(ctx context.Context) {
	h.close()
}

// buildPDU validates the request and renders its PDU plus the matching
// response parser. Validation failures are argument errors raised
// before any IO.
func buildPDU(req protocol.ModBusRequest) ([]byte, func([]byte) (protocol.ModBusResponse, error), error) {
	readPDU := func(fn byte, rng protocol.RegisterRange, max int) ([]byte, error) {
		if rng.Cnt == 0 || int(rng.Cnt) > max {
			return nil, comerr.Argumentf("count %d out of range [1, %d]", rng.Cnt, max)
		}
		pdu := make([]byte, 5)
		pdu[0] = fn
		binary.BigEndian.PutUint16(pdu[1:3], rng.Addr)
		binary.BigEndian.PutUint16(pdu[3:5], rng.Cnt)
		return pdu, nil
	}
	switch {
	case req.ReadCoil != nil:
		pdu, err := readPDU(0x01, *req.ReadCoil, maxCoilCount)
		return pdu, parseBits(int(req.ReadCoil.Cnt)), err
	case req.ReadDiscrete != nil:
		pdu, err := readPDU(0x02, *req.ReadDiscrete, maxCoilCount)
		return pdu, parseBits(int(req.ReadDiscrete.Cnt)), err
	case req.ReadHolding != nil:
		pdu, err := readPDU(0x03, *req.ReadHolding, maxRegisterCount)
		return pdu, parseRegisters(int(req.ReadHolding.Cnt)), err
	case req.ReadInput != nil:
		pdu, err := readPDU(0x04, *req.ReadInput, maxRegisterCount)
		return pdu, parseRegisters(int(req.ReadInput.Cnt)), err
	case req.WriteCoil != nil:
		w := req.WriteCoil
		if len(w.Values) == 0 || len(w.Values) > maxCoilCount {
			return nil, nil, comerr.Argumentf("coil count %d out of range [1, %d]", len(w.Values), maxCoilCount)
		}
		packed := make([]byte, (len(w.Values)+7)/8)
		for i, v := range w.Values {
			if v {
				packed[i/8] |= 1 << (i % 8)
			}
		}
		pdu := make([]byte, 6, 6+len(packed))
		pdu[0] = 0x0F
		binary.BigEndian.PutUint16(pdu[1:3], w.Addr)
		binary.BigEndian.PutUint16(pdu[3:5], uint16(len(w.Values)))
		pdu[5] = byte(len(packed))
		pdu = append(pdu, packed...)
		return pdu, parseDone, nil
	case req.WriteRegister != nil:
		w := req.WriteRegister
		if len(w.Data) == 0 || len(w.Data) > maxRegisterCount {
			return nil, nil, comerr.Argumentf("register count %d out of range [1, %d]", len(w.Data), maxRegisterCount)
		}
		pdu := make([]byte, 6, 6+2*len(w.Data))
		pdu[0] = 0x10
		binary.BigEndian.PutUint16(pdu[1:3], w.Addr)
		binary.BigEndian.PutUint16(pdu[3:5], uint16(len(w.Data)))
		pdu[5] = byte(2 * len(w.Data))
		for _, v := range w.Data {
			pdu = binary.BigEndian.AppendUint16(pdu, v)
		}
		return pdu, parseDone, nil
	case req.CustomCommand != nil:
		c := req.CustomCommand
		if c.Code == 0 || c.Code&0x80 != 0 {
			return nil, nil, comerr.Argumentf("invalid custom function code 0x%02x", c.Code)
		}
		pdu := append([]byte{c.Code}, c.Data...)
		return pdu, parseCustom, nil
	}
	return nil, nil, comerr.Argumentf("empty modbus request")
}

func parseDone(pdu []byte) (protocol.ModBusResponse, error) {
	return protocol.ModBusDone(), nil
}

func parseBits(cnt int) func([]byte) (protocol.ModBusResponse, error) {
	return func(pdu []byte) (protocol.ModBusResponse, error) {
		if len(pdu) < 2 || int(pdu[1])+2 > len(pdu) {
			return protocol.ModBusResponse{}, comerr.Protocolf("truncated bit response")
		}
		data := pdu[2 : 2+int(pdu[1])]
		if len(data)*8 < cnt {
			return protocol.ModBusResponse{}, comerr.Protocolf("bit response holds %d bits, want %d", len(data)*8, cnt)
		}
		values := make([]bool, cnt)
		for i := range values {
			values[i] = data[i/8]&(1<<(i%8)) != 0
		}
		return protocol.ModBusBools(values), nil
	}
}

func parseRegisters(cnt int) func([]byte) (protocol.ModBusResponse, error) {
	return func(pdu []byte) (protocol.ModBusResponse, error) {
		if len(pdu) < 2 || int(pdu[1])+2 > len(pdu) {
			return protocol.ModBusResponse{}, comerr.Protocolf("truncated register response")
		}
		data := pdu[2 : 2+int(pdu[1])]
		if len(data) < 2*cnt {
			return protocol.ModBusResponse{}, comerr.Protocolf("register response holds %d registers, want %d", len(data)/2, cnt)
		}
		values := make([]uint16, cnt)
		for i := range values {
			values[i] = binary.BigEndian.Uint16(data[2*i:])
		}
		return protocol.ModBusNumbers(values), nil
	}
}

func parseCustom(pdu []byte) (protocol.ModBusResponse, error) {
	return protocol.ModBusResponse{Custom: &protocol.CustomCommand{
		Code: pdu[0],
		Data: protocol.ByteArray(pdu[1:]),
	}}, nil
}

// crc16 computes the Modbus RTU checksum.
func crc16(data []byte) uint16 {
	crc := uint16(0xFFFF)
	for _, b := range data {
		crc ^= uint16(b)
		for i := 0; i < 8; i++ {
			if crc&1 != 0 {
				crc = (crc >> 1) ^ 0xA001
			} else {
				crc >>= 1
			}
		}
	}
	return crc
}

func readExact(ctx context.Context, s bytestream.Stream, count int) ([]byte, error) {
	out := make([]byte, 0, count)
	deadline := time.Now().Add(responseTimeout)
	buf := make([]byte, 256)
	for len(out) < count {
		if ctx.Err() != nil {
			return nil, comerr.Timeout()
		}
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return nil, comerr.Protocolf("response timeout after %d of %d bytes", len(out), count)
		}
		if err := s.SetReadTimeout(remaining); err != nil {
			return nil, comerr.Transport(err)
		}
		want := count - len(out)
		if want > len(buf) {
			want = len(buf)
		}
		n, err := s.Read(buf[:want])
		out = append(out, buf[:n]...)
		if err != nil && !bytestream.IsTimeout(err) {
			return nil, comerr.Transport(err)
		}
	}
	return out, nil
}

// readUntilQuiet collects bytes until the line pauses for a frame gap.
func readUntilQuiet(ctx context.Context, s bytestream.Stream) ([]byte, error) {
	const gap = 50 * time.Millisecond
	var out []byte
	deadline := time.Now().Add(responseTimeout)
	buf := make([]byte, 256)
	for {
		if ctx.Err() != nil {
			return nil, comerr.Timeout()
		}
		if time.Now().After(deadline) {
			return out, nil
		}
		if err := s.SetReadTimeout(gap); err != nil {
			return nil, comerr.Transport(err)
		}
		n, err := s.Read(buf)
		out = append(out, buf[:n]...)
		if err != nil {
			if bytestream.IsTimeout(err) {
				if len(out) > 0 {
					return out, nil
				}
				continue
			}
			return nil, comerr.Transport(err)
		}
		if n == 0 && len(out) > 0 {
			return out, nil
		}
	}
}

func drain(ctx context.Context, s bytestream.Stream) error {
	if err := s.SetReadTimeout(time.Millisecond); err != nil {
		return comerr.Transport(err)
	}
	buf := make([]byte, 256)
	for {
		if ctx.Err() != nil {
			return comerr.Timeout()
		}
		n, err := s.Read(buf)
		if err != nil {
			if bytestream.IsTimeout(err) {
				return nil
			}
			return comerr.Transport(err)
		}
		if n == 0 {
			return nil
		}
	}
}

func toParity(p address.Parity) serial.Parity {
	switch p {
	case address.ParityEven:
		return serial.EvenParity
	case address.ParityOdd:
		return serial.OddParity
	default:
		return serial.NoParity
	}
}

func toStopBits(s uint8) serial.StopBits {
	if s == 2 {
		return serial.TwoStopBits
	}
	return serial.OneStopBit
}

// trackedStream flags when user bytes reach the wire; it gates the
// single transparent retry.
type trackedStream struct {
	s         bytestream.Stream
	committed *bool
}

func (t *trackedStream) Read(p []byte) (int, error) { return t.s.Read(p) }

func (t *trackedStream) Write(p []byte) (int, error) {
	n, err := t.s.Write(p)
	if n > 0 {
		*t.committed = true
	}
	return n, err
}

func (t *trackedStream) SetReadTimeout(d time.Duration) error {
	return t.s.SetReadTimeout(d)
}

// portStream adapts serial.Port to bytestream.Stream.
type portStream struct {
	port serial.Port
}

func (p portStream) Read(b []byte) (int, error)          { return p.port.Read(b) }
func (p portStream) Write(b []byte) (int, error)         { return p.port.Write(b) }
func (p portStream) SetReadTimeout(d time.Duration) error { return p.port.SetReadTimeout(d) }

// connStream adapts net.Conn to bytestream.Stream.
type connStream struct {
	conn net.Conn
}

func (c connStream) Read(b []byte) (int, error)  { return c.conn.Read(b) }
func (c connStream) Write(b []byte) (int, error) { return c.conn.Write(b) }
func (c connStream) SetReadTimeout(d time.Duration) error {
	return c.conn.SetReadDeadline(time.Now().Add(d))
}
