//go:build !linux

// internal/transport/can/socketcan_other.go
package can

import "comsrv/internal/comerr"

func openSocketCan(ifname string) (backend, error) {
	return nil, comerr.NotSupported("SocketCAN requires linux")
}

func listCanInterfaces() ([]string, error) {
	return nil, nil
}
