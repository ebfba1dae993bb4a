// internal/transport/visa/visa.go
package visa

import (
	"context"
	"net"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"comsrv/internal/address"
	"comsrv/internal/comerr"
	"comsrv/internal/iotask"
	"comsrv/internal/protocol"
	"comsrv/internal/transport/bytestream"
	"comsrv/internal/transport/scpi"
)

const (
	connectTimeout = 500 * time.Millisecond
	queryTimeout   = 3 * time.Second
	defaultPort    = 5025
)

// Request is the typed sub-request of a VISA actor.
type Request struct {
	Req protocol.ScpiRequest
}

// Instrument is a VISA resource actor. Raw socket resources
// (TCPIP[board]::host[::port]::SOCKET) are served natively; other VISA
// resource classes need a vendor runtime and are rejected as
// unsupported. Whether a failed VISA write reached the wire is not
// observable, so requests are never auto-retried.
type Instrument struct {
	addr address.VisaAddress
	*iotask.Task[Request, protocol.ScpiResponse]
}

// New spawns the actor for the VISA resource.
func New(addr address.VisaAddress, logger *zap.Logger) *Instrument {
	logger = logger.With(
		zap.String("transport", "visa"),
		zap.String("resource", addr.String()),
	)
	h := &handler{addr: addr, logger: logger}
	return &Instrument{
		addr: addr,
		Task: iotask.New[Request, protocol.ScpiResponse](h, logger),
	}
}

// Address returns the address the actor was spawned for.
func (i *Instrument) Address() address.Address { return i.addr }

type handler struct {
	addr   address.VisaAddress
	logger *zap.Logger

	conn net.Conn
}

// Handle processes one SCPI request without retry.
func (h *handler) Handle(ctx context.Context, req Request) (protocol.ScpiResponse, error) {
	resp, err := h.dispatch(ctx, req.Req)
	if err != nil && comerr.IsTransport(err) {
		h.close()
	}
	if ctx.Err() != nil {
		h.close()
	}
	return resp, err
}

func (h *handler) dispatch(ctx context.Context, req protocol.ScpiRequest) (protocol.ScpiResponse, error) {
	if err := h.open(ctx); err != nil {
		return protocol.ScpiResponse{}, err
	}
	stream := connStream{h.conn}
	switch {
	case req.Write != nil:
		if err := bytestream.WriteAll(stream, []byte(*req.Write+"\n")); err != nil {
			return protocol.ScpiResponse{}, err
		}
		return protocol.ScpiDone(), nil
	case req.QueryString != nil:
		resp, err := bytestream.Handle(ctx, stream, protocol.ByteStreamRequest{
			QueryLine: &protocol.QueryLine{
				Line:      *req.QueryString,
				TimeoutMs: uint32(queryTimeout / time.Millisecond),
				Term:      '\n',
			},
		})
		if err != nil {
			return protocol.ScpiResponse{}, err
		}
		return protocol.ScpiString(strings.TrimRight(*resp.String, "\r")), nil
	case req.QueryBinary != nil:
		if err := bytestream.WriteAll(stream, []byte(*req.QueryBinary+"\n")); err != nil {
			return protocol.ScpiResponse{}, err
		}
		data, err := scpi.ReadBinaryBlock(ctx, stream, queryTimeout)
		if err != nil {
			return protocol.ScpiResponse{}, err
		}
		return protocol.ScpiBin(data), nil
	case req.ReadRaw:
		resp, err := bytestream.Handle(ctx, stream, protocol.ByteStreamRequest{ReadAll: true})
		if err != nil {
			return protocol.ScpiResponse{}, err
		}
		return protocol.ScpiBin(*resp.Data), nil
	}
	return protocol.ScpiResponse{}, comerr.Argumentf("empty scpi request")
}

func (h *handler) open(ctx context.Context) error {
	if h.conn != nil {
		return nil
	}
	endpoint, err := socketEndpoint(h.addr)
	if err != nil {
		return err
	}
	h.logger.Info("Connecting", zap.String("endpoint", endpoint))
	dialer := net.Dialer{Timeout: connectTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", endpoint)
	if err != nil {
		return comerr.Transport(err)
	}
	h.conn = conn
	return nil
}

// socketEndpoint extracts host:port from a TCPIP::...::SOCKET resource.
func socketEndpoint(addr address.VisaAddress) (string, error) {
	splits := addr.Splits
	if len(splits) < 2 || !strings.HasPrefix(strings.ToUpper(splits[0]), "TCPIP") {
		return "", comerr.NotSupported("VISA resource class " + addr.String() + " requires a vendor runtime")
	}
	if !strings.EqualFold(splits[len(splits)-1], "SOCKET") {
		return "", comerr.NotSupported("only raw socket VISA resources are supported natively")
	}
	host := splits[1]
	port := defaultPort
	if len(splits) >= 4 {
		p, err := strconv.Atoi(splits[2])
		if err != nil {
			return "", comerr.Argumentf("invalid port %q in VISA resource", splits[2])
		}
		port = p
	}
	return net.JoinHostPort(host, strconv.Itoa(port)), nil
}

func (h *handler) close() {
	if h.conn == nil {
		return
	}
	_ = h.conn.Close()
	h.conn = nil
}

// Disconnect implements iotask.Handler.
func (h *handler) Disconnect(ctx context.Context) {
	h.close()
}

type connStream struct {
	conn net.Conn
}

func (c connStream) Read(p []byte) (int, error)  { return c.conn.Read(p) }
func (c connStream) Write(p []byte) (int, error) { return c.conn.Write(p) }
func (c connStream) SetReadTimeout(d time.Duration) error {
	return c.conn.SetReadDeadline(time.Now().Add(d))
}
