// internal/dispatcher/actors.go
package dispatcher

import (
	"comsrv/internal/address"
	"comsrv/internal/comerr"
	"comsrv/internal/inventory"
	"comsrv/internal/transport/can"
	"comsrv/internal/transport/ftdi"
	"comsrv/internal/transport/hid"
	"comsrv/internal/transport/modbus"
	"comsrv/internal/transport/serial"
	"comsrv/internal/transport/tcp"
	"comsrv/internal/transport/vxi"

	visatransport "comsrv/internal/transport/visa"
)

// Actor resolution: look up or spawn by HandleId, then match the actor
// type against the request variant. A mismatch means two addresses of
// different schemes collapsed onto the same OS resource (for example
// tcp::host:port and modbus::tcp::host:port), which is rejected rather
// than letting both protocols interleave on one handle.

func typeMismatch(inst inventory.Instrument) error {
	return comerr.InvalidRequest("instrument " + inst.Address().String() + " is already open with a different transport type")
}

func (d *Dispatcher) serialActor(addr address.Address, path string) (*serial.Instrument, error) {
	inst, err := d.inventory.GetOrSpawn(addr, func() (inventory.Instrument, error) {
		return serial.New(addr, path, d.logger), nil
	})
	if err != nil {
		return nil, err
	}
	typed, ok := inst.(*serial.Instrument)
	if !ok {
		return nil, typeMismatch(inst)
	}
	return typed, nil
}

func (d *Dispatcher) tcpActor(addr address.TcpAddress) (*tcp.Instrument, error) {
	inst, err := d.inventory.GetOrSpawn(addr, func() (inventory.Instrument, error) {
		return tcp.New(addr, d.logger), nil
	})
	if err != nil {
		return nil, err
	}
	typed, ok := inst.(*tcp.Instrument)
	if !ok {
		return nil, typeMismatch(inst)
	}
	return typed, nil
}

func (d *Dispatcher) ftdiActor(addr address.FtdiAddress) (*ftdi.Instrument, error) {
	inst, err := d.inventory.GetOrSpawn(addr, func() (inventory.Instrument, error) {
		return ftdi.New(addr, d.logger), nil
	})
	if err != nil {
		return nil, err
	}
	typed, ok := inst.(*ftdi.Instrument)
	if !ok {
		return nil, typeMismatch(inst)
	}
	return typed, nil
}

func (d *Dispatcher) modbusActor(addr address.ModbusAddress) (*modbus.Instrument, error) {
	inst, err := d.inventory.GetOrSpawn(addr, func() (inventory.Instrument, error) {
		return modbus.New(addr, d.logger), nil
	})
	if err != nil {
		return nil, err
	}
	typed, ok := inst.(*modbus.Instrument)
	if !ok {
		return nil, typeMismatch(inst)
	}
	return typed, nil
}

func (d *Dispatcher) canActor(addr address.CanAddress) (*can.Instrument, error) {
	inst, err := d.inventory.GetOrSpawn(addr, func() (inventory.Instrument, error) {
		return can.New(addr, d.bus, d.logger), nil
	})
	if err != nil {
		return nil, err
	}
	typed, ok := inst.(*can.Instrument)
	if !ok {
		return nil, typeMismatch(inst)
	}
	return typed, nil
}

func (d *Dispatcher) hidActor(addr address.HidAddress) (*hid.Instrument, error) {
	inst, err := d.inventory.GetOrSpawn(addr, func() (inventory.Instrument, error) {
		return hid.New(addr, d.logger), nil
	})
	if err != nil {
		return nil, err
	}
	typed, ok := inst.(*hid.Instrument)
	if !ok {
		return nil, typeMismatch(inst)
	}
	return typed, nil
}

func (d *Dispatcher) visaActor(addr address.VisaAddress) (*visatransport.Instrument, error) {
	inst, err := d.inventory.GetOrSpawn(addr, func() (inventory.Instrument, error) {
		return visatransport.New(addr, d.logger), nil
	})
	if err != nil {
		return nil, err
	}
	typed, ok := inst.(*visatransport.Instrument)
	if !ok {
		return nil, typeMismatch(inst)
	}
	return typed, nil
}

func (d *Dispatcher) vxiActor(addr address.VxiAddress) (*vxi.Instrument, error) {
	inst, err := d.inventory.GetOrSpawn(addr, func() (inventory.Instrument, error) {
		return vxi.New(addr, d.logger), nil
	})
	if err != nil {
		return nil, err
	}
	typed, ok := inst.(*vxi.Instrument)
	if !ok {
		return nil, typeMismatch(inst)
	}
	return typed, nil
}
