package fieldio

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"go.einride.tech/can"
	"go.uber.org/multierr"

	"procctl-core/utils"
)

// SignalBinding ties a register address to one signal of the CAN map.
type SignalBinding struct {
	Frame  string `yaml:"frame"`
	Signal string `yaml:"signal"`
}

func (b SignalBinding) String() string { return b.Frame + "." + b.Signal }

// CANConfig configures the CAN field I/O port.
type CANConfig struct {
	Interface  string                   `yaml:"interface"`
	MapPath    string                   `yaml:"map"`
	Bindings   map[uint16]SignalBinding `yaml:"bindings"`
	StaleAfter time.Duration            `yaml:"stale_after"`
}

// DefaultCANConfig binds register 0 to the process temperature feedback
// and register 1 to the actuator command.
func DefaultCANConfig() CANConfig {
	return CANConfig{
		Interface: "vcan0",
		MapPath:   "config/can/can_map.csv",
		Bindings: map[uint16]SignalBinding{
			0: {Frame: "PROCESS_STATE_1", Signal: "process_temp_c"},
			1: {Frame: "ACTUATOR_CMD_1", Signal: "control_output_pct"},
		},
		StaleAfter: 500 * time.Millisecond,
	}
}

type sample struct {
	value float64
	at    time.Time
}

// CANPort serves register reads from the latest received signal values and
// turns register writes into frame transmissions.
type CANPort struct {
	cmap       *utils.CANMap
	reader     utils.CANReader
	writer     utils.CANWriter
	bindings   map[uint16]SignalBinding
	staleAfter time.Duration
	clock      clock.Clock
	log        *utils.Logger

	mu     sync.Mutex
	latest map[SignalBinding]sample

	cancel context.CancelFunc
	done   chan struct{}
}

// DialCANPort loads the CAN map and opens SocketCAN reader and writer.
func DialCANPort(ctx context.Context, cfg CANConfig, log *utils.Logger) (*CANPort, error) {
	cmap, err := utils.LoadCANMap(cfg.MapPath)
	if err != nil {
		return nil, fmt.Errorf("load can map: %w", err)
	}

	writer, err := utils.NewSocketCANWriter(ctx, cfg.Interface)
	if err != nil {
		return nil, err
	}
	reader, err := utils.NewSocketCANReader(ctx, cfg.Interface)
	if err != nil {
		_ = writer.Close()
		return nil, err
	}

	p, err := NewCANPort(cmap, reader, writer, cfg.Bindings, cfg.StaleAfter, clock.New(), log)
	if err != nil {
		_ = multierr.Combine(reader.Close(), writer.Close())
		return nil, err
	}
	return p, nil
}

func NewCANPort(cmap *utils.CANMap, reader utils.CANReader, writer utils.CANWriter,
	bindings map[uint16]SignalBinding, staleAfter time.Duration, clk clock.Clock, log *utils.Logger,
) (*CANPort, error) {
	if staleAfter <= 0 {
		return nil, fmt.Errorf("invalid stale_after %s", staleAfter)
	}
	for addr, b := range bindings {
		if _, _, err := cmap.Lookup(b.Frame, b.Signal); err != nil {
			return nil, fmt.Errorf("register %d: %w", addr, err)
		}
	}
	return &CANPort{
		cmap:       cmap,
		reader:     reader,
		writer:     writer,
		bindings:   bindings,
		staleAfter: staleAfter,
		clock:      clk,
		log:        log,
		latest:     make(map[SignalBinding]sample),
	}, nil
}

// Start launches the receive loop. It stops on Close.
func (p *CANPort) Start(ctx context.Context) {
	ctx, p.cancel = context.WithCancel(ctx)
	p.done = make(chan struct{})
	go p.receiveLoop(ctx)
}

// Connect starts the receive loop; the sockets are already open.
func (p *CANPort) Connect(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	p.Start(context.WithoutCancel(ctx))
	return nil
}

func (p *CANPort) receiveLoop(ctx context.Context) {
	defer close(p.done)
	p.log.Debug("CAN RX loop started")
	defer p.log.Debug("CAN RX loop stopped")

	for {
		frame, err := p.reader.ReadFrame(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			p.log.Error("CAN RX error: %v", err)
			// avoid spinning on a dead socket
			select {
			case <-ctx.Done():
				return
			case <-p.clock.After(10 * time.Millisecond):
			}
			continue
		}
		p.store(frame)
	}
}

func (p *CANPort) store(frame can.Frame) {
	fd, err := p.cmap.FrameByID(frame.ID)
	if err != nil {
		p.log.Trace("CAN RX id=0x%X not in map", frame.ID)
		return
	}
	values, err := p.cmap.DecodeEinrideFrame(frame)
	if err != nil {
		p.log.Warn("CAN RX decode %s: %v", fd.Name, err)
		return
	}

	now := p.clock.Now()
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, b := range p.bindings {
		if b.Frame != fd.Name {
			continue
		}
		if v, ok := values[b.Signal]; ok {
			p.latest[b] = sample{value: v, at: now}
		}
	}
	p.log.Trace("CAN RX id=0x%X len=%d data=% X", frame.ID, frame.Length, frame.Data[:frame.Length])
}

// ReadScalar returns the latest decoded value of the bound signal.
func (p *CANPort) ReadScalar(ctx context.Context, address uint16) (float64, error) {
	b, ok := p.bindings[address]
	if !ok {
		return 0, fmt.Errorf("register %d: %w", address, ErrUnbound)
	}

	p.mu.Lock()
	s, ok := p.latest[b]
	p.mu.Unlock()
	if !ok {
		return 0, fmt.Errorf("%s: %w: nothing received", b, ErrStale)
	}
	if age := p.clock.Since(s.at); age > p.staleAfter {
		return 0, fmt.Errorf("%s: %w: last sample %s old", b, ErrStale, age)
	}
	return s.value, nil
}

func (p *CANPort) WriteScalar(ctx context.Context, address uint16, value float64) error {
	b, ok := p.bindings[address]
	if !ok {
		return fmt.Errorf("register %d: %w", address, ErrUnbound)
	}
	frame, err := p.cmap.EncodeEinrideFrame(b.Frame, map[string]float64{b.Signal: value})
	if err != nil {
		return fmt.Errorf("encode %s: %w", b, err)
	}
	if err := p.writer.WriteFrame(ctx, frame); err != nil {
		return fmt.Errorf("transmit %s: %w", b, err)
	}
	return nil
}

// Close stops the receive loop and closes both sockets.
func (p *CANPort) Close() error {
	if p.cancel != nil {
		p.cancel()
	}
	// closing the reader unblocks a pending ReadFrame
	err := p.reader.Close()
	if p.done != nil {
		<-p.done
	}
	return multierr.Append(err, p.writer.Close())
}
