// internal/transport/vxi/onc.go
package vxi

import (
	"context"
	"encoding/binary"
	"io"
	"net"
	"strconv"
	"time"

	"comsrv/internal/comerr"
)

// Hand-rolled ONC-RPC client for the VXI-11 core channel. Only the four
// procedures the relay needs are implemented.

const (
	portmapProgram = 100000
	portmapVersion = 2
	portmapGetPort = 3
	portmapPort    = 111
	ipprotoTCP     = 6

	coreProgram = 0x0607AF
	coreVersion = 1

	procCreateLink  = 10
	procDeviceWrite = 11
	procDeviceRead  = 12
	procDestroyLink = 23

	writeFlagEnd = 8

	readReasonMask = 0x7

	callTimeout = 5 * time.Second
)

type coreLink struct {
	conn    net.Conn
	xid     uint32
	lid     int32
	maxRecv uint32
}

// dialCore resolves the core channel port through the portmapper and
// establishes a device link.
func dialCore(ctx context.Context, host string) (*coreLink, error) {
	pmConn, err := dial(ctx, host, portmapPort)
	if err != nil {
		return nil, err
	}
	pm := &coreLink{conn: pmConn}
	var port uint32
	err = pm.call(ctx, portmapProgram, portmapVersion, portmapGetPort,
		func(enc *xdrEncoder) {
			enc.uint32(coreProgram)
			enc.uint32(coreVersion)
			enc.uint32(ipprotoTCP)
			enc.uint32(0)
		},
		func(dec *xdrDecoder) error {
			port = dec.uint32()
			return dec.err
		},
	)
	pmConn.Close()
	if err != nil {
		return nil, err
	}
	if port == 0 || port > 0xFFFF {
		return nil, comerr.Transportf("portmapper returned no core channel port")
	}

	conn, err := dial(ctx, host, int(port))
	if err != nil {
		return nil, err
	}
	link := &coreLink{conn: conn, maxRecv: maxRecvSize}
	err = link.call(ctx, coreProgram, coreVersion, procCreateLink,
		func(enc *xdrEncoder) {
			enc.uint32(0) // client id
			enc.uint32(0) // do not lock
			enc.uint32(lockTimeoutMs)
			enc.str("inst0")
		},
		func(dec *xdrDecoder) error {
			if code := dec.uint32(); code != 0 {
				return comerr.Protocolf("create_link failed with device error %d", code)
			}
			link.lid = int32(dec.uint32())
			dec.uint32() // abort port
			if m := dec.uint32(); m > 0 && m < link.maxRecv {
				link.maxRecv = m
			}
			return dec.err
		},
	)
	if err != nil {
		conn.Close()
		return nil, err
	}
	return link, nil
}

func dial(ctx context.Context, host string, port int) (net.Conn, error) {
	dialer := net.Dialer{Timeout: callTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", net.JoinHostPort(host, strconv.Itoa(port)))
	if err != nil {
		return nil, comerr.Transport(err)
	}
	return conn, nil
}

func (l *coreLink) deviceWrite(ctx context.Context, data []byte, committed *bool) error {
	// Whether a failed write reached the device is not observable from
	// here, so it counts as committed as soon as the call goes out.
	*committed = true
	return l.call(ctx, coreProgram, coreVersion, procDeviceWrite,
		func(enc *xdrEncoder) {
			enc.uint32(uint32(l.lid))
			enc.uint32(ioTimeoutMs)
			enc.uint32(lockTimeoutMs)
			enc.uint32(writeFlagEnd)
			enc.opaque(data)
		},
		func(dec *xdrDecoder) error {
			if code := dec.uint32(); code != 0 {
				return comerr.Protocolf("device_write failed with device error %d", code)
			}
			dec.uint32() // bytes accepted
			return dec.err
		},
	)
}

// deviceRead collects chunks until the device signals an end condition.
func (l *coreLink) deviceRead(ctx context.Context) ([]byte, error) {
	var out []byte
	for {
		var chunk []byte
		var reason uint32
		err := l.call(ctx, coreProgram, coreVersion, procDeviceRead,
			func(enc *xdrEncoder) {
				enc.uint32(uint32(l.lid))
				enc.uint32(l.maxRecv)
				enc.uint32(ioTimeoutMs)
				enc.uint32(lockTimeoutMs)
				enc.uint32(0) // flags
				enc.uint32(0) // term char
			},
			func(dec *xdrDecoder) error {
				if code := dec.uint32(); code != 0 {
					return comerr.Protocolf("device_read failed with device error %d", code)
				}
				reason = dec.uint32()
				chunk = dec.opaque()
				return dec.err
			},
		)
		if err != nil {
			return nil, err
		}
		out = append(out, chunk...)
		if reason&readReasonMask != 0 {
			return out, nil
		}
		if len(chunk) == 0 {
			return out, nil
		}
	}
}

func (l *coreLink) destroy() error {
	ctx, cancel := context.WithTimeout(context.Background(), callTimeout)
	defer cancel()
	err := l.call(ctx, coreProgram, coreVersion, procDestroyLink,
		func(enc *xdrEncoder) { enc.uint32(uint32(l.lid)) },
		func(dec *xdrDecoder) error {
			dec.uint32()
			return dec.err
		},
	)
	l.conn.Close()
	return err
}

// call performs one record-marked RPC round trip.
func (l *coreLink) call(ctx context.Context, prog, vers, proc uint32, args func(*xdrEncoder), reply func(*xdrDecoder) error) error {
	deadline := time.Now().Add(callTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	if err := l.conn.SetDeadline(deadline); err != nil {
		return comerr.Transport(err)
	}

	l.xid++
	enc := &xdrEncoder{}
	enc.uint32(l.xid)
	enc.uint32(0) // CALL
	enc.uint32(2) // RPC version
	enc.uint32(prog)
	enc.uint32(vers)
	enc.uint32(proc)
	enc.uint32(0) // cred AUTH_NONE
	enc.uint32(0)
	enc.uint32(0) // verf AUTH_NONE
	enc.uint32(0)
	args(enc)

	frame := make([]byte, 4+len(enc.buf))
	binary.BigEndian.PutUint32(frame, uint32(len(enc.buf))|0x80000000)
	copy(frame[4:], enc.buf)
	if _, err := l.conn.Write(frame); err != nil {
		return comerr.Transport(err)
	}

	body, err := l.readRecord()
	if err != nil {
		return err
	}
	dec := &xdrDecoder{buf: body}
	if xid := dec.uint32(); xid != l.xid {
		return comerr.Protocolf("RPC xid mismatch: sent %d, got %d", l.xid, xid)
	}
	if mtype := dec.uint32(); mtype != 1 {
		return comerr.Protocolf("unexpected RPC message type %d", mtype)
	}
	if stat := dec.uint32(); stat != 0 {
		return comerr.Protocolf("RPC call denied with status %d", stat)
	}
	dec.uint32()                // verf flavor
	dec.skip(int(dec.uint32())) // verf body
	if stat := dec.uint32(); stat != 0 {
		return comerr.Protocolf("RPC call rejected with accept status %d", stat)
	}
	if dec.err != nil {
		return comerr.Transport(dec.err)
	}
	return reply(dec)
}

// readRecord reassembles one record from its fragments.
func (l *coreLink) readRecord() ([]byte, error) {
	var out []byte
	for {
		var header [4]byte
		if _, err := io.ReadFull(l.conn, header[:]); err != nil {
			return nil, comerr.Transport(err)
		}
		raw := binary.BigEndian.Uint32(header[:])
		length := int(raw & 0x7FFFFFFF)
		if length > maxRecvSize {
			return nil, comerr.Protocolf("oversized RPC fragment of %d bytes", length)
		}
		chunk := make([]byte, length)
		if _, err := io.ReadFull(l.conn, chunk); err != nil {
			return nil, comerr.Transport(err)
		}
		out = append(out, chunk...)
		if raw&0x80000000 != 0 {
			return out, nil
		}
	}
}

// xdrEncoder renders XDR primitives into a buffer.
type xdrEncoder struct {
	buf []byte
}

func (e *xdrEncoder) uint32(v uint32) {
	e.buf = binary.BigEndian.AppendUint32(e.buf, v)
}

func (e *xdrEncoder) opaque(data []byte) {
	e.uint32(uint32(len(data)))
	e.buf = append(e.buf, data...)
	for len(e.buf)%4 != 0 {
		e.buf = append(e.buf, 0)
	}
}

func (e *xdrEncoder) str(s string) {
	e.opaque([]byte(s))
}

// xdrDecoder reads XDR primitives; the first failure sticks in err.
type xdrDecoder struct {
	buf []byte
	pos int
	err error
}

func (d *xdrDecoder) uint32() uint32 {
	if d.err != nil {
		return 0
	}
	if d.pos+4 > len(d.buf) {
		d.err = io.ErrUnexpectedEOF
		return 0
	}
	v := binary.BigEndian.Uint32(d.buf[d.pos:])
	d.pos += 4
	return v
}

func (d *xdrDecoder) opaque() []byte {
	length := int(d.uint32())
	if d.err != nil {
		return nil
	}
	if d.pos+length > len(d.buf) {
		d.err = io.ErrUnexpectedEOF
		return nil
	}
	out := make([]byte, length)
	copy(out, d.buf[d.pos:])
	d.pos += length
	d.skip((4 - length%4) % 4)
	return out
}

func (d *xdrDecoder) skip(n int) {
	if d.err != nil {
		return
	}
	if d.pos+n > len(d.buf) {
		d.err = io.ErrUnexpectedEOF
		return
	}
	d.pos += n
}
