// internal/transport/bytestream/bytestream.go
package bytestream

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net"
	"os"
	"time"

	"comsrv/internal/comerr"
	"comsrv/internal/protocol"
)

// Stream is the handle abstraction shared by all byte-oriented
// transports (serial ports, TCP sockets, FTDI ports). Read blocks for
// at most the configured timeout and returns zero bytes when nothing
// arrived.
type Stream interface {
	io.ReadWriter

	// SetReadTimeout bounds subsequent Read calls.
	SetReadTimeout(d time.Duration) error
}

// drainTimeout bounds the non-blocking "read whatever is buffered"
// operations.
const drainTimeout = 10 * time.Millisecond

const maxReadChunk = 4096

// IsTimeout reports whether err is a read deadline expiry rather than a
// hard transport fault.
func IsTimeout(err error) bool {
	if os.IsTimeout(err) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}

// Handle executes one byte-stream sub-request against the stream.
// Returned errors are classified: write-side and unexpected read-side
// failures are transport-fatal, expiring read timeouts protocol-level,
// bad inputs argument errors.
func Handle(ctx context.Context, s Stream, req protocol.ByteStreamRequest) (protocol.ByteStreamResponse, error) {
	switch {
	case req.Write != nil:
		if err := WriteAll(s, *req.Write); err != nil {
			return protocol.ByteStreamResponse{}, err
		}
		return protocol.BytesDone(), nil
	case req.ReadAll:
		data, err := readAll(ctx, s)
		if err != nil {
			return protocol.ByteStreamResponse{}, err
		}
		return protocol.BytesData(data), nil
	case req.ReadUpTo != nil:
		data, err := readUpTo(s, int(*req.ReadUpTo))
		if err != nil {
			return protocol.ByteStreamResponse{}, err
		}
		return protocol.BytesData(data), nil
	case req.ReadExact != nil:
		data, err := readExact(ctx, s, int(req.ReadExact.Count), msDuration(req.ReadExact.TimeoutMs))
		if err != nil {
			return protocol.ByteStreamResponse{}, err
		}
		return protocol.BytesData(data), nil
	case req.ReadToTerm != nil:
		data, err := readToTerm(ctx, s, req.ReadToTerm.Term, msDuration(req.ReadToTerm.TimeoutMs))
		if err != nil {
			return protocol.ByteStreamResponse{}, err
		}
		return protocol.BytesData(data), nil
	case req.WriteLine != nil:
		if err := writeLine(s, req.WriteLine.Line, req.WriteLine.Term); err != nil {
			return protocol.ByteStreamResponse{}, err
		}
		return protocol.BytesDone(), nil
	case req.ReadLine != nil:
		line, err := readLine(ctx, s, req.ReadLine.Term, msDuration(req.ReadLine.TimeoutMs))
		if err != nil {
			return protocol.ByteStreamResponse{}, err
		}
		return protocol.BytesString(line), nil
	case req.QueryLine != nil:
		if _, err := readAll(ctx, s); err != nil {
			return protocol.ByteStreamResponse{}, err
		}
		if err := writeLine(s, req.QueryLine.Line, req.QueryLine.Term); err != nil {
			return protocol.ByteStreamResponse{}, err
		}
		line, err := readLine(ctx, s, req.QueryLine.Term, msDuration(req.QueryLine.TimeoutMs))
		if err != nil {
			return protocol.ByteStreamResponse{}, err
		}
		return protocol.BytesString(line), nil
	case req.CobsWrite != nil:
		if err := WriteAll(s, CobsEncode(*req.CobsWrite)); err != nil {
			return protocol.ByteStreamResponse{}, err
		}
		return protocol.BytesDone(), nil
	case req.CobsRead != nil:
		data, err := cobsReadFrame(ctx, s, msDuration(*req.CobsRead))
		if err != nil {
			return protocol.ByteStreamResponse{}, err
		}
		return protocol.BytesData(data), nil
	case req.CobsQuery != nil:
		if _, err := readAll(ctx, s); err != nil {
			return protocol.ByteStreamResponse{}, err
		}
		if err := WriteAll(s, CobsEncode(req.CobsQuery.Data)); err != nil {
			return protocol.ByteStreamResponse{}, err
		}
		data, err := cobsReadFrame(ctx, s, msDuration(req.CobsQuery.TimeoutMs))
		if err != nil {
			return protocol.ByteStreamResponse{}, err
		}
		return protocol.BytesData(data), nil
	}
	return protocol.ByteStreamResponse{}, comerr.Argumentf("empty byte stream request")
}

func msDuration(ms uint32) time.Duration {
	return time.Duration(ms) * time.Millisecond
}

// WriteAll writes the whole buffer or fails with a transport error.
func WriteAll(s io.Writer, data []byte) error {
	n, err := s.Write(data)
	if err != nil {
		return comerr.Transport(err)
	}
	if n != len(data) {
		return comerr.Transportf("incomplete write: wrote %d of %d bytes", n, len(data))
	}
	return nil
}

// readAll drains whatever is buffered on the stream without waiting for
// more. An empty result is not an error.
func readAll(ctx context.Context, s Stream) ([]byte, error) {
	if err := s.SetReadTimeout(drainTimeout); err != nil {
		return nil, comerr.Transport(err)
	}
	var out []byte
	buf := make([]byte, maxReadChunk)
	for {
		if ctx.Err() != nil {
			return nil, comerr.Timeout()
		}
		n, err := s.Read(buf)
		out = append(out, buf[:n]...)
		if err != nil {
			if IsTimeout(err) || err == io.EOF {
				return out, nil
			}
			return nil, comerr.Transport(err)
		}
		if n == 0 {
			return out, nil
		}
	}
}

// readUpTo performs a single bounded read.
func readUpTo(s Stream, max int) ([]byte, error) {
	if max <= 0 {
		return nil, nil
	}
	if err := s.SetReadTimeout(drainTimeout); err != nil {
		return nil, comerr.Transport(err)
	}
	buf := make([]byte, max)
	n, err := s.Read(buf)
	if err != nil && !IsTimeout(err) && err != io.EOF {
		return nil, comerr.Transport(err)
	}
	return buf[:n], nil
}

// readExact reads exactly count bytes within the timeout. Running out
// of time while the handle is healthy is a protocol error.
func readExact(ctx context.Context, s Stream, count int, timeout time.Duration) ([]byte, error) {
	out := make([]byte, 0, count)
	deadline := time.Now().Add(timeout)
	buf := make([]byte, maxReadChunk)
	for len(out) < count {
		if ctx.Err() != nil {
			return nil, comerr.Timeout()
		}
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return nil, comerr.Protocolf("timeout after %d of %d bytes", len(out), count)
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
		if err != nil {
			if IsTimeout(err) {
				continue
			}
			if err == io.EOF {
				return nil, comerr.Transport(io.ErrUnexpectedEOF)
			}
			return nil, comerr.Transport(err)
		}
	}
	return out, nil
}

// readToTerm reads until the terminator byte appears; the terminator is
// not included in the result.
func readToTerm(ctx context.Context, s Stream, term byte, timeout time.Duration) ([]byte, error) {
	var out []byte
	deadline := time.Now().Add(timeout)
	buf := make([]byte, 1)
	for {
		if ctx.Err() != nil {
			return nil, comerr.Timeout()
		}
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return nil, comerr.Protocolf("timeout waiting for terminator 0x%02x", term)
		}
		if err := s.SetReadTimeout(remaining); err != nil {
			return nil, comerr.Transport(err)
		}
		n, err := s.Read(buf)
		if n > 0 {
			if buf[0] == term {
				return out, nil
			}
			out = append(out, buf[0])
			continue
		}
		if err != nil {
			if IsTimeout(err) {
				continue
			}
			if err == io.EOF {
				return nil, comerr.Transport(io.ErrUnexpectedEOF)
			}
			return nil, comerr.Transport(err)
		}
	}
}

func writeLine(s Stream, line string, term byte) error {
	var buf bytes.Buffer
	buf.WriteString(line)
	buf.WriteByte(term)
	return WriteAll(s, buf.Bytes())
}

func readLine(ctx context.Context, s Stream, term byte, timeout time.Duration) (string, error) {
	data, err := readToTerm(ctx, s, term, timeout)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

// cobsReadFrame reads a complete zero-delimited COBS frame and decodes
// it. Leading delimiters from earlier frames are skipped.
func cobsReadFrame(ctx context.Context, s Stream, timeout time.Duration) ([]byte, error) {
	deadline := time.Now().Add(timeout)
	var frame []byte
	buf := make([]byte, 1)
	for {
		if ctx.Err() != nil {
			return nil, comerr.Timeout()
		}
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return nil, comerr.Protocolf("timeout waiting for COBS frame")
		}
		if err := s.SetReadTimeout(remaining); err != nil {
			return nil, comerr.Transport(err)
		}
		n, err := s.Read(buf)
		if n > 0 {
			if buf[0] == 0 {
				if len(frame) == 0 {
					continue
				}
				decoded, derr := CobsDecode(frame)
				if derr != nil {
					return nil, comerr.Protocol(derr)
				}
				return decoded, nil
			}
			frame = append(frame, buf[0])
			continue
		}
		if err != nil {
			if IsTimeout(err) {
				continue
			}
			if err == io.EOF {
				return nil, comerr.Transport(io.ErrUnexpectedEOF)
			}
			return nil, comerr.Transport(err)
		}
	}
}
