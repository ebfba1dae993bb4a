// internal/transport/bytestream/cobs.go
package bytestream

import "fmt"

// CobsEncode frames data with consistent-overhead byte stuffing and
// appends the zero delimiter.
func CobsEncode(data []byte) []byte {
	out := make([]byte, 0, len(data)+2+len(data)/254)
	codeIdx := len(out)
	out = append(out, 0)
	code := byte(1)
	for _, b := range data {
		if b == 0 {
			out[codeIdx] = code
			codeIdx = len(out)
			out = append(out, 0)
			code = 1
			continue
		}
		out = append(out, b)
		code++
		if code == 0xFF {
			out[codeIdx] = code
			codeIdx = len(out)
			out = append(out, 0)
			code = 1
		}
	}
	out[codeIdx] = code
	out = append(out, 0)
	return out
}

// CobsDecode unstuffs a frame. The trailing zero delimiter must already
// be stripped.
func CobsDecode(frame []byte) ([]byte, error) {
	out := make([]byte, 0, len(frame))
	for i := 0; i < len(frame); {
		code := frame[i]
		if code == 0 {
			return nil, fmt.Errorf("unexpected zero inside COBS frame")
		}
		i++
		for j := 1; j < int(code); j++ {
			if i >= len(frame) {
				return nil, fmt.Errorf("truncated COBS frame")
			}
			if frame[i] == 0 {
				return nil, fmt.Errorf("unexpected zero inside COBS frame")
			}
			out = append(out, frame[i])
			i++
		}
		if code != 0xFF && i < len(frame) {
			out = append(out, 0)
		}
	}
	return out, nil
}
