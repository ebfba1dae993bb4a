package bytestream

import (
	"bytes"
	"testing"
)

func TestCobsVectors(t *testing.T) {
	cases := []struct {
		decoded []byte
		encoded []byte
	}{
		{[]byte{}, []byte{0x01, 0x00}},
		{[]byte{0x00}, []byte{0x01, 0x01, 0x00}},
		{[]byte{0x00, 0x00}, []byte{0x01, 0x01, 0x01, 0x00}},
		{[]byte{0x11, 0x22, 0x00, 0x33}, []byte{0x03, 0x11, 0x22, 0x02, 0x33, 0x00}},
		{[]byte{0x11, 0x22, 0x33, 0x44}, []byte{0x05, 0x11, 0x22, 0x33, 0x44, 0x00}},
		{[]byte{0x11, 0x00, 0x00, 0x00}, []byte{0x02, 0x11, 0x01, 0x01, 0x01, 0x00}},
	}
	for _, c := range cases {
		got := CobsEncode(c.decoded)
		if !bytes.Equal(got, c.encoded) {
			t.Errorf("CobsEncode(%v) = %v, want %v", c.decoded, got, c.encoded)
		}
		// Strip the delimiter before decoding, as the frame reader does.
		back, err := CobsDecode(c.encoded[:len(c.encoded)-1])
		if err != nil {
			t.Errorf("CobsDecode(%v) failed: %v", c.encoded, err)
			continue
		}
		if !bytes.Equal(back, c.decoded) {
			t.Errorf("CobsDecode(CobsEncode(%v)) = %v", c.decoded, back)
		}
	}
}

func TestCobsLongRun(t *testing.T) {
	// 300 non-zero bytes force a 0xFF group split.
	data := make([]byte, 300)
	for i := range data {
		data[i] = byte(i%254) + 1
	}
	encoded := CobsEncode(data)
	back, err := CobsDecode(encoded[:len(encoded)-1])
	if err != nil {
		t.Fatalf("CobsDecode failed: %v", err)
	}
	if !bytes.Equal(back, data) {
		t.Error("long frame did not round trip")
	}
}

func TestCobsDecodeErrors(t *testing.T) {
	if _, err := CobsDecode([]byte{0x05, 0x11}); err == nil {
		t.Error("truncated frame should fail")
	}
	if _, err := CobsDecode([]byte{0x02, 0x00}); err == nil {
		t.Error("embedded zero should fail")
	}
}
