// internal/transport/scpi/scpi.go
package scpi

import (
	"context"
	"strconv"
	"time"

	"comsrv/internal/comerr"
	"comsrv/internal/transport/bytestream"
)

// Helpers shared by the SCPI-speaking byte-stream transports (VISA
// socket resources, Prologix GPIB adapters).

// ReadBinaryBlock parses an IEEE 488.2 definite-length block
// ("#<n><len><data>") from the stream. A leading '#' is required;
// anything else is a protocol error.
func ReadBinaryBlock(ctx context.Context, s bytestream.Stream, timeout time.Duration) ([]byte, error) {
	deadline := time.Now().Add(timeout)

	head, err := readExact(ctx, s, 2, deadline)
	if err != nil {
		return nil, err
	}
	if head[0] != '#' {
		return nil, comerr.Protocolf("expected '#' at start of binary block, got 0x%02x", head[0])
	}
	digits := int(head[1] - '0')
	if digits < 1 || digits > 9 {
		return nil, comerr.Protocolf("invalid binary block digit count %q", string(head[1]))
	}
	lenField, err := readExact(ctx, s, digits, deadline)
	if err != nil {
		return nil, err
	}
	length, err := strconv.Atoi(string(lenField))
	if err != nil {
		return nil, comerr.Protocolf("invalid binary block length %q", string(lenField))
	}
	return readExact(ctx, s, length, deadline)
}

func readExact(ctx context.Context, s bytestream.Stream, count int, deadline time.Time) ([]byte, error) {
	out := make([]byte, 0, count)
	buf := make([]byte, 256)
	for len(out) < count {
		if ctx.Err() != nil {
			return nil, comerr.Timeout()
		}
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return nil, comerr.Protocolf("timeout inside binary block after %d of %d bytes", len(out), count)
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
