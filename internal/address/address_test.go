package address

import (
	"testing"

	"comsrv/internal/comerr"
)

func TestParseRoundTrip(t *testing.T) {
	addrs := []string{
		"serial::/dev/ttyUSB0::9600::8N1",
		"serial::COM1::115200::5E2",
		"tcp::192.168.0.1:1234",
		"vxi::192.168.1.1",
		"modbus::tcp::192.168.1.1:509",
		"modbus::tcp::192.168.1.1:509::123",
		"modbus::rtu::192.168.1.1:509::123",
		"modbus::rtu::/dev/ttyUSB0::115200::8N1::123",
		"can::loopback",
		"can::socket::can0",
		"can::pcan::usb1::1000000",
		"can::usr::192.168.1.10:20001",
		"hid::0x1234::0xabcd",
		"ftdi::FT4222::115200::8N1",
		"prologix::/dev/ttyUSB0::10",
		"sigrok::fx2lafw",
		"TCPIP::192.168.1.1::5025::SOCKET",
	}
	for _, s := range addrs {
		addr, err := Parse(s)
		if err != nil {
			t.Errorf("Parse(%q) failed: %v", s, err)
			continue
		}
		if got := addr.String(); got != s {
			t.Errorf("Parse(%q).String() = %q", s, got)
		}
	}
}

func TestParseInvalid(t *testing.T) {
	addrs := []string{
		"",
		"serial",
		"serial::/dev/ttyUSB0",
		"serial::/dev/ttyUSB0::9600",
		"serial::/dev/ttyUSB0::fast::8N1",
		"serial::/dev/ttyUSB0::9600::9N1",
		"serial::/dev/ttyUSB0::9600::8X1",
		"tcp::192.168.0.1",
		"vxi::not-an-ip",
		"modbus::tcp",
		"modbus::tcp::192.168.1.1:509::300",
		"modbus::foo::192.168.1.1:509",
		"can::pcan::usb1",
		"can::foo::x",
		"hid::0x1234",
		"hid::0x1234::zzzz",
		"prologix::/dev/ttyUSB0",
		"prologix::/dev/ttyUSB0::999",
		"sigrok::a::b",
	}
	for _, s := range addrs {
		if _, err := Parse(s); err == nil {
			t.Errorf("Parse(%q) should fail", s)
		} else if !comerr.Is(err, comerr.KindInvalidAddress) {
			t.Errorf("Parse(%q) error kind = %v, want InvalidAddress", s, comerr.KindOf(err))
		}
	}
}

func TestParseSerialParams(t *testing.T) {
	params, err := ParseSerialParams("115200", "8N1")
	if err != nil {
		t.Fatalf("ParseSerialParams failed: %v", err)
	}
	want := SerialParams{Baud: 115200, DataBits: 8, Parity: ParityNone, StopBits: 1}
	if params != want {
		t.Errorf("params = %+v, want %+v", params, want)
	}

	params, err = ParseSerialParams("9600", "5E2")
	if err != nil {
		t.Fatalf("ParseSerialParams failed: %v", err)
	}
	want = SerialParams{Baud: 9600, DataBits: 5, Parity: ParityEven, StopBits: 2}
	if params != want {
		t.Errorf("params = %+v, want %+v", params, want)
	}
}

func TestHandleIdStripsConfig(t *testing.T) {
	pairs := [][2]string{
		// Baud rate and framing are configuration, not identity.
		{"serial::/dev/ttyUSB0::9600::8N1", "serial::/dev/ttyUSB0::115200::5E2"},
		// Station ids share the gateway socket.
		{"modbus::tcp::1.2.3.4:502::5", "modbus::tcp::1.2.3.4:502::9"},
		// GPIB devices share the adapter's serial port.
		{"prologix::/dev/ttyUSB1::4", "prologix::/dev/ttyUSB1::22"},
		// CAN bitrate is configuration.
		{"can::pcan::usb1::1000000", "can::pcan::usb1::500000"},
	}
	for _, pair := range pairs {
		a, err := Parse(pair[0])
		if err != nil {
			t.Fatalf("Parse(%q) failed: %v", pair[0], err)
		}
		b, err := Parse(pair[1])
		if err != nil {
			t.Fatalf("Parse(%q) failed: %v", pair[1], err)
		}
		if a.HandleID() != b.HandleID() {
			t.Errorf("HandleID(%q) = %q != HandleID(%q) = %q",
				pair[0], a.HandleID(), pair[1], b.HandleID())
		}
	}
}

func TestHandleIdDistinct(t *testing.T) {
	pairs := [][2]string{
		{"serial::/dev/ttyUSB0::9600::8N1", "serial::/dev/ttyUSB1::9600::8N1"},
		{"tcp::192.168.0.1:1234", "tcp::192.168.0.1:1235"},
		{"can::socket::can0", "can::socket::can1"},
		{"hid::0x1234::0x0001", "hid::0x1234::0x0002"},
	}
	for _, pair := range pairs {
		a, _ := Parse(pair[0])
		b, _ := Parse(pair[1])
		if a.HandleID() == b.HandleID() {
			t.Errorf("HandleID(%q) == HandleID(%q) = %q", pair[0], pair[1], a.HandleID())
		}
	}
}

func TestSerialSharedWithPrologix(t *testing.T) {
	// A Prologix adapter and a plain serial instrument on the same
	// device file contend for the same handle.
	a, _ := Parse("serial::/dev/ttyUSB0::9600::8N1")
	b, _ := Parse("prologix::/dev/ttyUSB0::10")
	if a.HandleID() != b.HandleID() {
		t.Errorf("serial and prologix on the same port should share a handle")
	}
}
