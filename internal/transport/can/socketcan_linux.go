//go:build linux

// internal/transport/can/socketcan_linux.go
package can

import (
	"context"
	"encoding/binary"
	"net"
	"os"
	"strings"
	"time"

	"golang.org/x/sys/unix"

	"comsrv/internal/comerr"
	"comsrv/internal/protocol"
)

const (
	canFrameSize = 16

	canEffFlag = 0x80000000
	canRtrFlag = 0x40000000
	canEffMask = 0x1FFFFFFF
	canSffMask = 0x7FF
)

// socketCan is the SocketCAN backend: a raw AF_CAN socket wrapped in an
// os.File so reads support deadlines and cancellation.
type socketCan struct {
	file *os.File
	fd   int
}

func openSocketCan(ifname string) (backend, error) {
	iface, err := net.InterfaceByName(ifname)
	if err != nil {
		return nil, comerr.Transport(err)
	}
	fd, err := unix.Socket(unix.AF_CAN, unix.SOCK_RAW, unix.CAN_RAW)
	if err != nil {
		return nil, comerr.Transport(err)
	}
	if err := unix.Bind(fd, &unix.SockaddrCAN{Ifindex: iface.Index}); err != nil {
		unix.Close(fd)
		return nil, comerr.Transport(err)
	}
	if err := unix.SetNonblock(fd, true); err != nil {
		unix.Close(fd)
		return nil, comerr.Transport(err)
	}
	return &socketCan{file: os.NewFile(uintptr(fd), "can:"+ifname), fd: fd}, nil
}

func (s *socketCan) Send(msg protocol.CanMessage) error {
	frame := make([]byte, canFrameSize)
	id := msg.ID()
	if msg.ExtID() {
		id = (id & canEffMask) | canEffFlag
	} else {
		id &= canSffMask
	}
	if msg.Remote != nil {
		id |= canRtrFlag
		frame[4] = msg.Remote.Dlc
	} else {
		frame[4] = byte(len(msg.Data.Data))
		copy(frame[8:], msg.Data.Data)
	}
	binary.LittleEndian.PutUint32(frame[0:4], id)
	if _, err := s.file.Write(frame); err != nil {
		return comerr.Transport(err)
	}
	return nil
}

func (s *socketCan) Recv(ctx context.Context) (protocol.CanMessage, error) {
	buf := make([]byte, canFrameSize)
	for {
		if err := ctx.Err(); err != nil {
			return protocol.CanMessage{}, err
		}
		// A short deadline keeps the receiver responsive to ctx.
		_ = s.file.SetReadDeadline(time.Now().Add(200 * time.Millisecond))
		n, err := s.file.Read(buf)
		if err != nil {
			if os.IsTimeout(err) {
				continue
			}
			return protocol.CanMessage{}, comerr.Transport(err)
		}
		if n < canFrameSize {
			continue
		}
		return decodeFrame(buf), nil
	}
}

func decodeFrame(frame []byte) protocol.CanMessage {
	raw := binary.LittleEndian.Uint32(frame[0:4])
	ext := raw&canEffFlag != 0
	id := raw & canSffMask
	if ext {
		id = raw & canEffMask
	}
	dlc := frame[4]
	if dlc > 8 {
		dlc = 8
	}
	if raw&canRtrFlag != 0 {
		return protocol.CanMessage{Remote: &protocol.RemoteFrame{ID: id, ExtID: ext, Dlc: dlc}}
	}
	data := make([]byte, dlc)
	copy(data, frame[8:8+int(dlc)])
	return protocol.CanMessage{Data: &protocol.DataFrame{ID: id, ExtID: ext, Data: data}}
}

func (s *socketCan) SetLoopback(enabled bool) error {
	v := 0
	if enabled {
		v = 1
	}
	if err := unix.SetsockoptInt(s.fd, unix.SOL_CAN_RAW, unix.CAN_RAW_RECV_OWN_MSGS, v); err != nil {
		return comerr.Transport(err)
	}
	return nil
}

func (s *socketCan) Close() error {
	return s.file.Close()
}

// listCanInterfaces enumerates CAN network interfaces by name.
func listCanInterfaces() ([]string, error) {
	ifaces, err := net.Interfaces()
	if err != nil {
		return nil, comerr.Transport(err)
	}
	var out []string
	for _, iface := range ifaces {
		if strings.HasPrefix(iface.Name, "can") || strings.HasPrefix(iface.Name, "vcan") {
			out = append(out, iface.Name)
		}
	}
	return out, nil
}
