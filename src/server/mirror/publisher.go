// Package mirror copies device snapshots into the holding registers of an
// external Modbus slave, typically a PLC or HMI.
package mirror

import (
	"encoding/binary"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/goburrow/modbus"

	"bq76-utils/src/server/monitor"
)

// Holding register layout, relative to Config.BaseRegister.
const (
	RegAddress      = 0  // bits 0-5 address, bit 8 assigned
	RegPack         = 1  // mV
	RegCell1        = 2  // mV, cells 1..6 at 2..7
	RegTemp1        = 8  // °C x100, signed
	RegTemp2        = 9  // °C x100, signed
	RegAlerts       = 10 // raw alert status
	RegFaults       = 11 // raw fault status
	RegCellMasks    = 12 // low byte OV cells, high byte UV cells
	RegOVThreshold  = 13 // mV, 0 when disabled
	RegUVThreshold  = 14 // mV, 0 when disabled
	RegOTThreshold  = 15 // raw OT register
	RegisterCount   = 16
	assignedFlag    = 0x0100
	defaultSlaveID  = 1
	defaultTimeout  = time.Second
	defaultBaudRate = 19200
)

// Config describes the Modbus slave. Mode is "tcp" (Address is host:port)
// or "rtu" (Address is a serial device).
type Config struct {
	Mode         string
	Address      string
	SlaveID      byte
	BaseRegister uint16
	Baud         int
	Timeout      time.Duration
}

// Handler is a modbus.ClientHandler with an explicit connection lifecycle.
type Handler interface {
	modbus.ClientHandler
	Connect() error
	Close() error
}

type HandlerFactory func(cfg Config) (Handler, error)
type ClientFactory func(handler modbus.ClientHandler) modbus.Client

func defaultHandlerFactory(cfg Config) (Handler, error) {
	switch cfg.Mode {
	case "", "tcp":
		h := modbus.NewTCPClientHandler(cfg.Address)
		h.SlaveId = cfg.SlaveID
		h.Timeout = cfg.Timeout
		return h, nil
	case "rtu":
		h := modbus.NewRTUClientHandler(cfg.Address)
		h.BaudRate = cfg.Baud
		h.DataBits = 8
		h.Parity = "N"
		h.StopBits = 1
		h.SlaveId = cfg.SlaveID
		h.Timeout = cfg.Timeout
		return h, nil
	}
	return nil, fmt.Errorf("unknown modbus mirror mode %q", cfg.Mode)
}

// Publisher writes every snapshot it receives to the slave. The connection
// is opened on first use and reopened after a failed write.
type Publisher struct {
	mu             sync.Mutex
	cfg            Config
	handler        Handler
	client         modbus.Client
	handlerFactory HandlerFactory
	clientFactory  ClientFactory
	logger         *slog.Logger
}

func NewPublisher(cfg Config, logger *slog.Logger) *Publisher {
	if cfg.SlaveID == 0 {
		cfg.SlaveID = defaultSlaveID
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	if cfg.Baud <= 0 {
		cfg.Baud = defaultBaudRate
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Publisher{
		cfg:            cfg,
		handlerFactory: defaultHandlerFactory,
		clientFactory:  modbus.NewClient,
		logger:         logger,
	}
}

func (p *Publisher) ensureClient() (modbus.Client, error) {
	if p.client != nil {
		return p.client, nil
	}
	h, err := p.handlerFactory(p.cfg)
	if err != nil {
		return nil, err
	}
	if err := h.Connect(); err != nil {
		return nil, fmt.Errorf("connect modbus mirror %s: %w", p.cfg.Address, err)
	}
	p.handler = h
	p.client = p.clientFactory(h)
	p.logger.Info("modbus mirror connected", "mode", p.cfg.Mode, "address", p.cfg.Address, "slave", p.cfg.SlaveID)
	return p.client, nil
}

// Publish implements monitor.Publisher.
func (p *Publisher) Publish(snap monitor.Snapshot) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	client, err := p.ensureClient()
	if err != nil {
		return err
	}
	if _, err := client.WriteMultipleRegisters(p.cfg.BaseRegister, RegisterCount, EncodeSnapshot(snap)); err != nil {
		p.closeLocked()
		return fmt.Errorf("write modbus mirror: %w", err)
	}
	return nil
}

// Close drops the connection to the slave.
func (p *Publisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closeLocked()
}

func (p *Publisher) closeLocked() error {
	if p.handler == nil {
		return nil
	}
	err := p.handler.Close()
	p.handler = nil
	p.client = nil
	return err
}

func clampUint16(v float64) uint16 {
	switch {
	case v <= 0 || math.IsNaN(v):
		return 0
	case v >= math.MaxUint16:
		return math.MaxUint16
	}
	return uint16(math.Round(v))
}

func centiCelsius(c float64) uint16 {
	v := math.Round(c * 100)
	switch {
	case math.IsNaN(v):
		return 0
	case v > math.MaxInt16:
		v = math.MaxInt16
	case v < math.MinInt16:
		v = math.MinInt16
	}
	return uint16(int16(v))
}

func cellMask(cells [6]bool) uint16 {
	var m uint16
	for i, set := range cells {
		if set {
			m |= 1 << uint(i)
		}
	}
	return m
}

// EncodeSnapshot lays a snapshot out as RegisterCount big-endian registers.
func EncodeSnapshot(s monitor.Snapshot) []byte {
	regs := make([]uint16, RegisterCount)
	regs[RegAddress] = uint16(s.Device.Address)
	if s.Device.Assigned {
		regs[RegAddress] |= assignedFlag
	}
	regs[RegPack] = clampUint16(s.Measurement.PackMillivolts)
	for i, mv := range s.Measurement.CellMillivolts {
		regs[RegCell1+i] = clampUint16(mv)
	}
	regs[RegTemp1] = centiCelsius(s.Measurement.Temperatures[0])
	regs[RegTemp2] = centiCelsius(s.Measurement.Temperatures[1])
	regs[RegAlerts] = uint16(s.Alerts)
	regs[RegFaults] = uint16(s.Faults)
	regs[RegCellMasks] = cellMask(s.OVCells) | cellMask(s.UVCells)<<8
	if s.OV.Enabled {
		regs[RegOVThreshold] = clampUint16(s.OV.Volts * 1000)
	}
	if s.UV.Enabled {
		regs[RegUVThreshold] = clampUint16(s.UV.Volts * 1000)
	}
	regs[RegOTThreshold] = uint16(s.OT.Raw)

	buf := make([]byte, 2*RegisterCount)
	for i, v := range regs {
		binary.BigEndian.PutUint16(buf[2*i:], v)
	}
	return buf
}
