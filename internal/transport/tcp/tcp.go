// internal/transport/tcp/tcp.go
package tcp

import (
	"context"
	"net"
	"time"

	"go.uber.org/zap"

	"comsrv/internal/address"
	"comsrv/internal/comerr"
	"comsrv/internal/iotask"
	"comsrv/internal/protocol"
	"comsrv/internal/transport/bytestream"
)

const connectTimeout = 500 * time.Millisecond

// Request is the typed sub-request of a TCP actor.
type Request struct {
	Bytes protocol.ByteStreamRequest
}

// Response is the typed reply of a TCP actor.
type Response struct {
	Bytes protocol.ByteStreamResponse
}

// Instrument is a TCP socket actor.
type Instrument struct {
	addr address.Address
	*iotask.Task[Request, Response]
}

// New spawns the actor for the given endpoint. The connection is dialed
// lazily on the first request.
func New(addr address.TcpAddress, logger *zap.Logger) *Instrument {
	logger = logger.With(
		zap.String("transport", "tcp"),
		zap.String("endpoint", addr.HandleID().String()),
	)
	h := &handler{endpoint: addr.HandleID().String(), logger: logger}
	return &Instrument{
		addr: addr,
		Task: iotask.New[Request, Response](h, logger),
	}
}

// Address returns the address the actor was spawned for.
func (i *Instrument) Address() address.Address { return i.addr }

type handler struct {
	endpoint string
	logger   *zap.Logger

	conn      net.Conn
	committed bool
}

// Handle processes one request with the reopen-and-retry policy of the
// actor contract: a transport-fatal failure closes the socket, and if
// no user bytes were committed the request is retried exactly once on
// a fresh connection.
func (h *handler) Handle(ctx context.Context, req Request) (Response, error) {
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
	if err := h.open(ctx); err != nil {
		return Response{}, err
	}
	stream := &trackedConn{conn: h.conn, committed: &h.committed}
	resp, err := bytestream.Handle(ctx, stream, req.Bytes)
	if err != nil {
		return Response{}, err
	}
	return Response{Bytes: resp}, nil
}

func (h *handler) open(ctx context.Context) error {
	if h.conn != nil {
		return nil
	}
	h.logger.Info("Connecting")
	dialer := net.Dialer{Timeout: connectTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", h.endpoint)
	if err != nil {
		return comerr.Transport(err)
	}
	h.conn = conn
	return nil
}

func (h *handler) close() {
	if h.conn == nil {
		return
	}
	if err := h.conn.Close(); err != nil {
		h.logger.Warn("Failed to close connection", zap.Error(err))
	}
	h.conn = nil
}

// Disconnect implements iotask.Handler.
func (h *handler) Disconnect(ctx context.Context) {
	h.close()
}

// trackedConn adapts net.Conn to bytestream.Stream and records whether
// any user bytes hit the wire.
type trackedConn struct {
	conn      net.Conn
	committed *bool
}

func (t *trackedConn) Read(p []byte) (int, error) { return t.conn.Read(p) }

func (t *trackedConn) Write(p []byte) (int, error) {
	n, err := t.conn.Write(p)
	if n > 0 {
		*t.committed = true
	}
	return n, err
}

func (t *trackedConn) SetReadTimeout(d time.Duration) error {
	return t.conn.SetReadDeadline(time.Now().Add(d))
}
