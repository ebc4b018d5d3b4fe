package utils

import (
	"fmt"
	"sort"
)

// Frame directions as written in the map's direction column, seen from
// this process.
const (
	DirectionRX = "RX"
	DirectionTX = "TX"
)

type SignalDef struct {
	Name       string
	StartBit   int
	BitLength  int
	Signed     bool
	Factor     float64
	Offset     float64
	Min        float64
	Max        float64
	Default    float64
	Unit       string
	Comment    string
	Endianness string // only "little" supported
}

type FrameDef struct {
	ID        uint32
	Name      string
	DLC       int
	Direction string
	CycleMS   int
	Signals   []SignalDef
}

// Signal returns the named signal of the frame.
func (fd *FrameDef) Signal(name string) (*SignalDef, bool) {
	for i := range fd.Signals {
		if fd.Signals[i].Name == name {
			return &fd.Signals[i], true
		}
	}
	return nil, false
}

// CANMap is the signal layout of every frame on the bus.
type CANMap struct {
	ByID   map[uint32]*FrameDef
	ByName map[string]*FrameDef
}

func (m *CANMap) FrameNames() []string {
	out := make([]string, 0, len(m.ByName))
	for k := range m.ByName {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// Lookup resolves a frame/signal pair.
func (m *CANMap) Lookup(frameName, signalName string) (*FrameDef, *SignalDef, error) {
	fd, err := m.FrameByName(frameName)
	if err != nil {
		return nil, nil, err
	}
	sd, ok := fd.Signal(signalName)
	if !ok {
		return nil, nil, fmt.Errorf("frame %s has no signal %q", frameName, signalName)
	}
	return fd, sd, nil
}
