package fieldio

import (
	"fmt"
	"sync"
	"time"

	"github.com/simonvetter/modbus"

	"procctl-core/utils"
)

// SimulatorConfig configures the in-process Modbus TCP server.
type SimulatorConfig struct {
	Enabled    bool          `yaml:"enabled"`
	URL        string        `yaml:"url"`
	Size       int           `yaml:"size"`
	Initial    uint16        `yaml:"initial"`
	MaxClients uint          `yaml:"max_clients"`
	Timeout    time.Duration `yaml:"timeout"`
}

// DefaultSimulatorConfig is 100 of each table with holding registers at
// 25, the ambient temperature of the simulated process.
func DefaultSimulatorConfig() SimulatorConfig {
	return SimulatorConfig{
		Enabled:    true,
		URL:        "tcp://127.0.0.1:5020",
		Size:       100,
		Initial:    25,
		MaxClients: 5,
		Timeout:    30 * time.Second,
	}
}

// RegisterBank holds the four Modbus tables and serves them to the
// Modbus server's request handlers.
type RegisterBank struct {
	mu       sync.RWMutex
	coils    []bool
	discrete []bool
	holding  []uint16
	input    []uint16
}

func NewRegisterBank(size int, initialHolding uint16) *RegisterBank {
	b := &RegisterBank{
		coils:    make([]bool, size),
		discrete: make([]bool, size),
		holding:  make([]uint16, size),
		input:    make([]uint16, size),
	}
	for i := range b.holding {
		b.holding[i] = initialHolding
	}
	return b
}

// span returns the table bounds of a request, ok=false when it falls
// outside a table of the given size.
func span(addr, quantity uint16, size int) (lo, hi int, ok bool) {
	lo, hi = int(addr), int(addr)+int(quantity)
	return lo, hi, quantity > 0 && hi <= size
}

func (b *RegisterBank) HandleCoils(req *modbus.CoilsRequest) ([]bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	lo, hi, ok := span(req.Addr, req.Quantity, len(b.coils))
	if !ok {
		return nil, modbus.ErrIllegalDataAddress
	}
	if req.IsWrite {
		copy(b.coils[lo:hi], req.Args)
	}
	return append([]bool(nil), b.coils[lo:hi]...), nil
}

func (b *RegisterBank) HandleDiscreteInputs(req *modbus.DiscreteInputsRequest) ([]bool, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	lo, hi, ok := span(req.Addr, req.Quantity, len(b.discrete))
	if !ok {
		return nil, modbus.ErrIllegalDataAddress
	}
	return append([]bool(nil), b.discrete[lo:hi]...), nil
}

func (b *RegisterBank) HandleHoldingRegisters(req *modbus.HoldingRegistersRequest) ([]uint16, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	lo, hi, ok := span(req.Addr, req.Quantity, len(b.holding))
	if !ok {
		return nil, modbus.ErrIllegalDataAddress
	}
	if req.IsWrite {
		copy(b.holding[lo:hi], req.Args)
	}
	return append([]uint16(nil), b.holding[lo:hi]...), nil
}

func (b *RegisterBank) HandleInputRegisters(req *modbus.InputRegistersRequest) ([]uint16, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	lo, hi, ok := span(req.Addr, req.Quantity, len(b.input))
	if !ok {
		return nil, modbus.ErrIllegalDataAddress
	}
	return append([]uint16(nil), b.input[lo:hi]...), nil
}

// Holding returns one holding register.
func (b *RegisterBank) Holding(addr uint16) (uint16, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if int(addr) >= len(b.holding) {
		return 0, false
	}
	return b.holding[addr], true
}

// SetHolding overwrites one holding register, e.g. to inject a sensor value.
func (b *RegisterBank) SetHolding(addr, value uint16) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if int(addr) >= len(b.holding) {
		return fmt.Errorf("holding register %d: %w", addr, modbus.ErrIllegalDataAddress)
	}
	b.holding[addr] = value
	return nil
}

// Simulator is a Modbus TCP server over a RegisterBank. The library runs
// its accept loop and one goroutine per client in the background.
type Simulator struct {
	cfg    SimulatorConfig
	bank   *RegisterBank
	server *modbus.ModbusServer
	log    *utils.Logger
}

func NewSimulator(cfg SimulatorConfig, log *utils.Logger) (*Simulator, error) {
	if cfg.Size <= 0 || cfg.Size > 65536 {
		return nil, fmt.Errorf("simulator size %d out of range", cfg.Size)
	}
	bank := NewRegisterBank(cfg.Size, cfg.Initial)
	server, err := modbus.NewServer(&modbus.ServerConfiguration{
		URL:        cfg.URL,
		Timeout:    cfg.Timeout,
		MaxClients: cfg.MaxClients,
	}, bank)
	if err != nil {
		return nil, fmt.Errorf("modbus server %s: %w", cfg.URL, err)
	}
	return &Simulator{cfg: cfg, bank: bank, server: server, log: log}, nil
}

func (s *Simulator) Bank() *RegisterBank { return s.bank }

// Start binds the listener; it returns once the server accepts connections.
func (s *Simulator) Start() error {
	if err := s.server.Start(); err != nil {
		return fmt.Errorf("start modbus simulator %s: %w", s.cfg.URL, err)
	}
	s.log.Info("Modbus TCP simulator started on %s (%d registers, holding=%d)",
		s.cfg.URL, s.cfg.Size, s.cfg.Initial)
	return nil
}

func (s *Simulator) Stop() error {
	return s.server.Stop()
}
