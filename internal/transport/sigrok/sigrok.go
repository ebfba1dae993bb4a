// internal/transport/sigrok/sigrok.go
package sigrok

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"comsrv/internal/comerr"
	"comsrv/internal/protocol"
)

// sigrok-cli acquisitions are one-shot subprocess runs: the CLI owns
// the device only for the duration of the capture, so there is no
// long-lived handle and no actor. Requests run on their own dispatcher
// goroutine, which is where the blocking wait happens.

const binary = "sigrok-cli"

// List enumerates devices visible to sigrok-cli.
func List(ctx context.Context, logger *zap.Logger) ([]protocol.SigrokDevice, error) {
	out, err := run(ctx, logger, "--scan")
	if err != nil {
		return nil, err
	}
	var devices []protocol.SigrokDevice
	for _, line := range strings.Split(out, "\n") {
		line = strings.TrimSpace(line)
		// Device lines look like "fx2lafw:conn=1.4 - Saleae Logic ...".
		addr, desc, found := strings.Cut(line, " - ")
		if !found || strings.Contains(addr, " ") {
			continue
		}
		devices = append(devices, protocol.SigrokDevice{
			Addr: strings.TrimSpace(addr),
			Desc: strings.TrimSpace(desc),
		})
	}
	return devices, nil
}

// Read performs one acquisition on the given device.
func Read(ctx context.Context, logger *zap.Logger, device string, req protocol.SigrokRequest) (protocol.SigrokResponse, error) {
	if req.SampleRate == 0 {
		return protocol.SigrokResponse{}, comerr.Argumentf("sample rate must be positive")
	}
	args := []string{
		"-d", device,
		"--config", fmt.Sprintf("samplerate=%d", req.SampleRate),
		"-O", "csv",
	}
	switch {
	case req.Acquire.Samples != nil:
		args = append(args, "--samples", strconv.FormatUint(*req.Acquire.Samples, 10))
	case req.Acquire.Time != nil:
		ms := int(*req.Acquire.Time * 1000)
		if ms <= 0 {
			return protocol.SigrokResponse{}, comerr.Argumentf("acquisition time must be positive")
		}
		args = append(args, "--time", strconv.Itoa(ms))
	default:
		return protocol.SigrokResponse{}, comerr.Argumentf("missing acquisition length")
	}
	if len(req.Channels) > 0 {
		args = append(args, "-C", strings.Join(req.Channels, ","))
	}
	out, err := run(ctx, logger, args...)
	if err != nil {
		return protocol.SigrokResponse{}, err
	}
	data, err := parseCsv(out, req.SampleRate)
	if err != nil {
		return protocol.SigrokResponse{}, err
	}
	return protocol.SigrokResponse{Data: data}, nil
}

func run(ctx context.Context, logger *zap.Logger, args ...string) (string, error) {
	logger.Debug("Running sigrok-cli", zap.Strings("args", args))
	cmd := exec.CommandContext(ctx, binary, args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		if ctx.Err() != nil {
			return "", comerr.Timeout()
		}
		return "", comerr.Transportf("sigrok-cli failed: %v: %s", err, strings.TrimSpace(stderr.String()))
	}
	return stdout.String(), nil
}

// parseCsv converts sigrok CSV output into bit-packed channel vectors.
// The first line names the channels, each further line holds one sample
// per channel.
func parseCsv(out string, sampleRate uint64) (*protocol.SigrokData, error) {
	lines := strings.Split(out, "\n")
	var header []string
	samples := make(map[string][]byte)
	length := 0
	for _, line := range lines {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, ";") {
			continue
		}
		fields := strings.Split(line, ",")
		if header == nil {
			header = fields
			for _, name := range header {
				samples[strings.TrimSpace(name)] = nil
			}
			continue
		}
		if len(fields) != len(header) {
			return nil, comerr.Protocolf("CSV row has %d fields, want %d", len(fields), len(header))
		}
		for i, field := range fields {
			name := strings.TrimSpace(header[i])
			bit := strings.TrimSpace(field) != "0"
			idx := length
			if idx%8 == 0 {
				samples[name] = append(samples[name], 0)
			}
			if bit {
				samples[name][idx/8] |= 1 << (idx % 8)
			}
		}
		length++
	}
	channels := make(map[string]protocol.ByteArray, len(samples))
	for name, data := range samples {
		channels[name] = protocol.ByteArray(data)
	}
	return &protocol.SigrokData{
		TSample:  1.0 / float64(sampleRate),
		Length:   length,
		Channels: channels,
	}, nil
}
