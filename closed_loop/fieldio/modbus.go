package fieldio

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/simonvetter/modbus"

	"procctl-core/utils"
)

// ModbusConfig configures the Modbus TCP client.
type ModbusConfig struct {
	URL     string        `yaml:"url"`
	UnitID  uint8         `yaml:"unit_id"`
	Timeout time.Duration `yaml:"timeout"`
	// InputRegisters reads from input registers (FC04) instead of holding
	// registers (FC03). Writes always target holding registers.
	InputRegisters bool `yaml:"input_registers"`
	// SignedInput decodes read registers as int16.
	SignedInput bool `yaml:"signed_input"`
}

// DefaultModbusConfig matches the reference field I/O endpoint.
func DefaultModbusConfig() ModbusConfig {
	return ModbusConfig{
		URL:     "tcp://127.0.0.1:5020",
		UnitID:  1,
		Timeout: time.Second,
	}
}

// registerClient is the part of *modbus.ModbusClient the port uses.
type registerClient interface {
	Open() error
	Close() error
	ReadRegister(addr uint16, regType modbus.RegType) (uint16, error)
	WriteRegister(addr uint16, value uint16) error
}

// ModbusPort is a field I/O port on a Modbus TCP server. After a transport
// failure the next call reopens the connection once before sending.
type ModbusPort struct {
	cfg    ModbusConfig
	log    *utils.Logger
	mu     sync.Mutex
	client registerClient
	broken bool
}

// NewModbusPort creates an unconnected port; call Connect before use.
func NewModbusPort(cfg ModbusConfig, log *utils.Logger) (*ModbusPort, error) {
	client, err := modbus.NewClient(&modbus.ClientConfiguration{
		URL:     cfg.URL,
		Timeout: cfg.Timeout,
	})
	if err != nil {
		return nil, fmt.Errorf("modbus client %s: %w", cfg.URL, err)
	}
	if err := client.SetUnitId(cfg.UnitID); err != nil {
		return nil, fmt.Errorf("modbus unit id %d: %w", cfg.UnitID, err)
	}
	return newModbusPort(cfg, client, log), nil
}

func newModbusPort(cfg ModbusConfig, client registerClient, log *utils.Logger) *ModbusPort {
	return &ModbusPort{cfg: cfg, client: client, log: log}
}

// Connect opens the TCP connection. It is the only call whose failure is
// meant to be fatal to a run.
func (p *ModbusPort) Connect(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.client.Open(); err != nil {
		return fmt.Errorf("modbus connect %s: %w", p.cfg.URL, err)
	}
	p.log.Info("Connected to Modbus server %s (unit %d)", p.cfg.URL, p.cfg.UnitID)
	return nil
}

// ReadScalar reads one holding (or input) register.
func (p *ModbusPort) ReadScalar(ctx context.Context, address uint16) (float64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	regType := modbus.HOLDING_REGISTER
	if p.cfg.InputRegisters {
		regType = modbus.INPUT_REGISTER
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.reopenLocked(); err != nil {
		return 0, fmt.Errorf("modbus read %d: %w", address, err)
	}
	raw, err := p.client.ReadRegister(address, regType)
	if err != nil {
		p.markLocked(err)
		return 0, fmt.Errorf("modbus read %d: %w", address, err)
	}
	return decodeRegister(raw, p.cfg.SignedInput), nil
}

// WriteScalar writes value to one holding register as int16.
func (p *ModbusPort) WriteScalar(ctx context.Context, address uint16, value float64) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	raw, err := encodeSigned(value)
	if err != nil {
		return fmt.Errorf("modbus write %d: %w", address, err)
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.reopenLocked(); err != nil {
		return fmt.Errorf("modbus write %d: %w", address, err)
	}
	if err := p.client.WriteRegister(address, raw); err != nil {
		p.markLocked(err)
		return fmt.Errorf("modbus write %d: %w", address, err)
	}
	return nil
}

// markLocked flags the connection for reopening unless the server itself
// answered with an exception.
func (p *ModbusPort) markLocked(err error) {
	if isException(err) || p.broken {
		return
	}
	p.broken = true
	p.log.Warn("Modbus connection to %s lost: %v", p.cfg.URL, err)
}

// reopenLocked makes a single reconnect attempt for a broken connection.
func (p *ModbusPort) reopenLocked() error {
	if !p.broken {
		return nil
	}
	_ = p.client.Close()
	if err := p.client.Open(); err != nil {
		return fmt.Errorf("reconnect %s: %w", p.cfg.URL, err)
	}
	p.broken = false
	p.log.Info("Reconnected to Modbus server %s", p.cfg.URL)
	return nil
}

// isException reports a Modbus exception response, which leaves the
// connection usable.
func isException(err error) bool {
	for _, e := range []error{
		modbus.ErrIllegalFunction,
		modbus.ErrIllegalDataAddress,
		modbus.ErrIllegalDataValue,
		modbus.ErrServerDeviceFailure,
		modbus.ErrAcknowledge,
		modbus.ErrServerDeviceBusy,
		modbus.ErrMemoryParityError,
		modbus.ErrGWPathUnavailable,
		modbus.ErrGWTargetFailedToRespond,
	} {
		if errors.Is(err, e) {
			return true
		}
	}
	return false
}

// Close closes the TCP connection.
func (p *ModbusPort) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.client.Close()
}

func decodeRegister(raw uint16, signed bool) float64 {
	if signed {
		return float64(int16(raw))
	}
	return float64(raw)
}

// encodeSigned maps an integral value in the int16 range onto a register.
func encodeSigned(v float64) (uint16, error) {
	if math.IsNaN(v) || v != math.Trunc(v) || v < math.MinInt16 || v > math.MaxInt16 {
		return 0, fmt.Errorf("%w: %g as int16", ErrNotRepresentable, v)
	}
	return uint16(int16(v)), nil
}
