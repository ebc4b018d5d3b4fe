// Package fieldio implements the register-oriented field I/O port of the
// control loop over Modbus TCP or CAN, plus a Modbus TCP register simulator
// standing in for the process when no real device is present.
//
// Register values are float64 at the port boundary. Modbus ports carry them
// as 16-bit holding registers (process values unsigned unless configured
// otherwise, outputs signed two's complement); CAN ports bind each register
// address to one signal of the CAN map.
package fieldio

import "errors"

var (
	// ErrUnbound is returned for an address with no register binding.
	ErrUnbound = errors.New("address not bound")
	// ErrStale is returned when no fresh sample exists for a bound signal.
	ErrStale = errors.New("no fresh sample")
	// ErrNotRepresentable is returned for a value the register cannot hold.
	ErrNotRepresentable = errors.New("value not representable")
)
