package monitor

import (
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"bq76-utils/src/server/bq76"
)

var (
	// ErrNotConnected is returned by device operations before Connect succeeds.
	ErrNotConnected = errors.New("no device connected")
	// ErrAddressUnknown is returned after a reset or address change until a
	// rescan finds the device again.
	ErrAddressUnknown = errors.New("device address unknown, rescan required")
)

// SerialConfig holds the settings used to open the link.
type SerialConfig struct {
	Baud    int
	Timeout time.Duration
}

// LinkFactory opens the transport for a port.
type LinkFactory func(port string, cfg SerialConfig) (bq76.Link, error)

// StateChangeCallback is called when the alert, fault or cell status of the
// device changes between two polls.
type StateChangeCallback func(snap Snapshot)

// Publisher receives every successful snapshot.
type Publisher interface {
	Publish(snap Snapshot) error
}

// Snapshot is the last known state of the connected device.
type Snapshot struct {
	Timestamp   time.Time             `json:"timestamp"`
	Connected   bool                  `json:"connected"`
	Port        string                `json:"port,omitempty"`
	Device      bq76.Device           `json:"device"`
	Measurement bq76.Measurement      `json:"measurement"`
	Alerts      byte                  `json:"alerts"`
	AlertFlags  map[string]bool       `json:"alertFlags,omitempty"`
	Faults      byte                  `json:"faults"`
	FaultFlags  map[string]bool       `json:"faultFlags,omitempty"`
	OVCells     [6]bool               `json:"ovCells"`
	UVCells     [6]bool               `json:"uvCells"`
	OV          bq76.VoltageThreshold `json:"ovThreshold"`
	UV          bq76.VoltageThreshold `json:"uvThreshold"`
	OT          bq76.OTThreshold      `json:"otThreshold"`
	Error       string                `json:"error,omitempty"`
}

// statusChanged reports whether the protection status differs.
func statusChanged(a, b Snapshot) bool {
	return a.Alerts != b.Alerts || a.Faults != b.Faults ||
		a.OVCells != b.OVCells || a.UVCells != b.UVCells
}

// Manager owns the session to one device and keeps its latest snapshot.
type Manager struct {
	mu                  sync.Mutex
	session             *bq76.Session
	port                string
	device              bq76.Device
	identified          bool
	last                Snapshot
	serial              SerialConfig
	sessionOptions      []bq76.Option
	pollInterval        time.Duration
	settleReads         int
	stopChan            chan struct{}
	linkFactory         LinkFactory
	stateChangeCallback StateChangeCallback
	publishers          []Publisher
	metrics             *Metrics
	logger              *slog.Logger
}

// Option configures a Manager.
type Option func(*Manager)

func WithSerial(cfg SerialConfig) Option {
	return func(m *Manager) { m.serial = cfg }
}

// WithSessionOptions passes protocol options to every session the manager
// opens.
func WithSessionOptions(opts ...bq76.Option) Option {
	return func(m *Manager) { m.sessionOptions = append(m.sessionOptions, opts...) }
}

func WithPollInterval(d time.Duration) Option {
	return func(m *Manager) {
		if d > 0 {
			m.pollInterval = d
		}
	}
}

// WithLinkFactory replaces the serial port opener.
func WithLinkFactory(factory LinkFactory) Option {
	return func(m *Manager) {
		if factory != nil {
			m.linkFactory = factory
		}
	}
}

func WithMetrics(metrics *Metrics) Option {
	return func(m *Manager) { m.metrics = metrics }
}

func WithLogger(logger *slog.Logger) Option {
	return func(m *Manager) {
		if logger != nil {
			m.logger = logger
		}
	}
}

func defaultLinkFactory(port string, cfg SerialConfig) (bq76.Link, error) {
	link, err := bq76.OpenSerial(port, bq76.WithBaudRate(cfg.Baud), bq76.WithReadTimeout(cfg.Timeout))
	if err != nil {
		return nil, err
	}
	return link, nil
}

func NewManager(opts ...Option) *Manager {
	m := &Manager{
		serial:       SerialConfig{Baud: bq76.DefaultBaudRate, Timeout: bq76.DefaultReadTimeout},
		pollInterval: time.Second,
		settleReads:  1,
		linkFactory:  defaultLinkFactory,
		logger:       slog.Default(),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// SetStateChangeCallback sets a callback that will be called when the
// protection status changes.
func (m *Manager) SetStateChangeCallback(callback StateChangeCallback) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stateChangeCallback = callback
}

// AddPublisher registers p to receive every refreshed snapshot.
func (m *Manager) AddPublisher(p Publisher) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.publishers = append(m.publishers, p)
}

func (m *Manager) newSession(link bq76.Link) *bq76.Session {
	opts := []bq76.Option{bq76.WithLogger(m.logger.With("component", "bq76"))}
	if m.metrics != nil {
		opts = append(opts, bq76.WithObserver(m.metrics.ObserveTransaction))
	}
	return bq76.NewSession(link, append(opts, m.sessionOptions...)...)
}

// Connect opens port, finds the device on it and takes a first snapshot.
// An existing connection is closed first.
func (m *Manager) Connect(port string) (Snapshot, error) {
	if port == "" {
		return Snapshot{}, fmt.Errorf("%w: no serial port given", bq76.ErrInvalidArguments)
	}
	if err := m.Disconnect(); err != nil {
		m.logger.Warn("closing previous connection", "err", err)
	}

	link, err := m.linkFactory(port, m.serial)
	if err != nil {
		return Snapshot{}, err
	}
	session := m.newSession(link)

	dev, err := session.Scan()
	if err != nil {
		session.Close()
		return Snapshot{}, fmt.Errorf("connect %s: %w", port, err)
	}
	m.logger.Info("device found", "port", port, "address", dev.Address, "assigned", dev.Assigned)
	m.logRegisters(session, dev.Address)

	for i := 0; i < m.settleReads; i++ {
		if _, err := session.ReadMeasurement(dev.Address); err != nil {
			m.logger.Warn("settling measurement failed", "address", dev.Address, "err", err)
		}
	}

	m.mu.Lock()
	m.session = session
	m.port = port
	m.device = dev
	m.identified = true
	m.last = Snapshot{Port: port, Device: dev}
	m.mu.Unlock()
	m.metrics.setConnected(true)

	return m.Refresh()
}

// Disconnect closes the session, if any.
func (m *Manager) Disconnect() error {
	m.mu.Lock()
	session := m.session
	port := m.port
	m.session = nil
	m.port = ""
	m.last.Connected = false
	m.mu.Unlock()

	if session == nil {
		return nil
	}
	m.metrics.setConnected(false)
	m.logger.Info("disconnected", "port", port)
	return session.Close()
}

// Connected reports whether a session is open.
func (m *Manager) Connected() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.session != nil
}

// Snapshot returns the last snapshot without touching the bus.
func (m *Manager) Snapshot() Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.last
}

func (m *Manager) current() (*bq76.Session, bq76.Address, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.session == nil {
		return nil, 0, ErrNotConnected
	}
	if !m.identified {
		return nil, 0, ErrAddressUnknown
	}
	return m.session, m.device.Address, nil
}

// Refresh reads a new snapshot from the device.
func (m *Manager) Refresh() (Snapshot, error) {
	session, addr, err := m.current()
	if err != nil {
		return m.Snapshot(), err
	}

	start := time.Now()
	snap, readErr := readSnapshot(session, addr)
	m.metrics.observePoll(time.Since(start), readErr)

	m.mu.Lock()
	prev := m.last
	if readErr != nil {
		m.last.Timestamp = time.Now()
		m.last.Error = readErr.Error()
	} else {
		snap.Connected = m.session == session
		snap.Port = m.port
		snap.Device = m.device
		m.last = snap
	}
	out := m.last
	callback := m.stateChangeCallback
	publishers := append([]Publisher(nil), m.publishers...)
	m.mu.Unlock()

	if readErr != nil {
		m.logger.Error("refresh failed", "address", addr, "err", readErr)
		return out, readErr
	}

	m.metrics.update(out)
	if callback != nil && (!prev.Connected || statusChanged(prev, out)) {
		callback(out)
	}
	for _, p := range publishers {
		if err := p.Publish(out); err != nil {
			m.logger.Warn("publish snapshot failed", "err", err)
		}
	}
	return out, nil
}

func readSnapshot(s *bq76.Session, addr bq76.Address) (Snapshot, error) {
	var snap Snapshot
	var err error

	if snap.Measurement, err = s.ReadMeasurement(addr); err != nil {
		return snap, fmt.Errorf("measure: %w", err)
	}
	if snap.Alerts, err = s.ReadAlerts(addr); err != nil {
		return snap, err
	}
	if snap.Faults, err = s.ReadFaults(addr); err != nil {
		return snap, err
	}
	ov, err := s.ReadOVCells(addr)
	if err != nil {
		return snap, err
	}
	uv, err := s.ReadUVCells(addr)
	if err != nil {
		return snap, err
	}
	if snap.OV, err = s.GetOVThreshold(addr); err != nil {
		return snap, err
	}
	if snap.UV, err = s.GetUVThreshold(addr); err != nil {
		return snap, err
	}
	if snap.OT, err = s.GetOTThreshold(addr); err != nil {
		return snap, err
	}

	snap.Timestamp = time.Now()
	snap.AlertFlags = bq76.DecodeAlerts(snap.Alerts)
	snap.FaultFlags = bq76.DecodeFaults(snap.Faults)
	snap.OVCells = ov.Cells()
	snap.UVCells = uv.Cells()
	return snap, nil
}

func (m *Manager) logRegisters(s *bq76.Session, addr bq76.Address) {
	data, err := s.DumpRegisters(addr)
	if err != nil {
		m.logger.Warn("register dump failed", "address", addr, "err", err)
		return
	}
	m.logger.Debug("registers", "address", addr, "data", hex.EncodeToString(data))
}

// DumpRegisters reads the whole register space of the connected device.
func (m *Manager) DumpRegisters() ([]byte, error) {
	session, addr, err := m.current()
	if err != nil {
		return nil, err
	}
	return session.DumpRegisters(addr)
}

// SetOVThreshold writes the overvoltage threshold and refreshes the snapshot.
func (m *Manager) SetOVThreshold(volts float64) (Snapshot, error) {
	return m.configure("ov threshold", func(s *bq76.Session, addr bq76.Address) error {
		return s.SetOVThreshold(addr, volts)
	})
}

// SetUVThreshold writes the undervoltage threshold and refreshes the snapshot.
func (m *Manager) SetUVThreshold(volts float64) (Snapshot, error) {
	return m.configure("uv threshold", func(s *bq76.Session, addr bq76.Address) error {
		return s.SetUVThreshold(addr, volts)
	})
}

// SetOTThreshold sets one thermistor's overtemperature level.
func (m *Manager) SetOTThreshold(celsius, sensor int) (Snapshot, error) {
	return m.configure("ot threshold", func(s *bq76.Session, addr bq76.Address) error {
		return s.SetOTThreshold(addr, celsius, sensor)
	})
}

func (m *Manager) configure(what string, apply func(*bq76.Session, bq76.Address) error) (Snapshot, error) {
	session, addr, err := m.current()
	if err != nil {
		return m.Snapshot(), err
	}
	if err := apply(session, addr); err != nil {
		return m.Snapshot(), err
	}
	m.logger.Info("configuration changed", "setting", what, "address", addr)
	m.logRegisters(session, addr)
	return m.Refresh()
}

// SetAddress assigns a new address to the connected device and rescans to
// confirm it.
func (m *Manager) SetAddress(to bq76.Address) (Snapshot, error) {
	session, addr, err := m.current()
	if err != nil {
		return m.Snapshot(), err
	}
	if err := session.SetID(addr, to); err != nil {
		return m.Snapshot(), err
	}
	m.forget(session, "address changed")
	if err := m.rescan(session); err != nil {
		return m.Snapshot(), err
	}
	return m.Refresh()
}

// Reset resets the connected device. It comes back unassigned at address 0.
func (m *Manager) Reset() (Snapshot, error) {
	session, addr, err := m.current()
	if err != nil {
		return m.Snapshot(), err
	}
	if err := session.Reset(addr); err != nil {
		return m.Snapshot(), err
	}
	m.forget(session, "device reset")
	if err := m.rescan(session); err != nil {
		return m.Snapshot(), err
	}
	return m.Refresh()
}

// Rescan looks for the device again on the open link. It is needed after a
// reset or address change whose own rescan failed.
func (m *Manager) Rescan() (Snapshot, error) {
	m.mu.Lock()
	session := m.session
	m.mu.Unlock()
	if session == nil {
		return m.Snapshot(), ErrNotConnected
	}
	if err := m.rescan(session); err != nil {
		return m.Snapshot(), err
	}
	return m.Refresh()
}

// forget drops the cached identity; the device no longer answers there.
func (m *Manager) forget(session *bq76.Session, reason string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.session != session {
		return
	}
	m.identified = false
	m.last.Timestamp = time.Now()
	m.last.Error = ErrAddressUnknown.Error()
	m.logger.Info("cached address invalidated", "reason", reason, "address", m.device.Address)
}

func (m *Manager) rescan(session *bq76.Session) error {
	dev, err := session.Scan()
	if err != nil {
		return fmt.Errorf("rescan: %w", err)
	}
	m.mu.Lock()
	if m.session == session {
		m.device = dev
		m.identified = true
		m.last.Device = dev
	}
	m.mu.Unlock()
	m.logger.Info("device rescanned", "address", dev.Address, "assigned", dev.Assigned)
	return nil
}

// StartCycle polls the device every poll interval until StopCycle is called.
// Polls are skipped while no device is connected.
func (m *Manager) StartCycle() {
	m.mu.Lock()
	if m.stopChan != nil {
		m.mu.Unlock()
		return
	}
	stop := make(chan struct{})
	m.stopChan = stop
	interval := m.pollInterval
	m.mu.Unlock()

	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				m.poll()
			}
		}
	}()
}

func (m *Manager) poll() {
	m.mu.Lock()
	session, identified := m.session, m.identified
	m.mu.Unlock()
	switch {
	case session == nil:
	case !identified:
		if _, err := m.Rescan(); err != nil {
			m.logger.Debug("device still missing", "err", err)
		}
	default:
		m.Refresh()
	}
}

// StopCycle stops the background poll goroutine.
func (m *Manager) StopCycle() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.stopChan != nil {
		close(m.stopChan)
		m.stopChan = nil
	}
}

// Address returns the cached address of the connected device.
func (m *Manager) Address() (bq76.Address, error) {
	_, addr, err := m.current()
	return addr, err
}

// ReadMeasurement runs one ADC conversion on the connected device.
func (m *Manager) ReadMeasurement() (bq76.Measurement, error) {
	session, addr, err := m.current()
	if err != nil {
		return bq76.Measurement{}, err
	}
	return session.ReadMeasurement(addr)
}

// ReadAlerts returns the alert status byte.
func (m *Manager) ReadAlerts() (byte, error) {
	session, addr, err := m.current()
	if err != nil {
		return 0, err
	}
	return session.ReadAlerts(addr)
}

// ReadFaults returns the fault status byte.
func (m *Manager) ReadFaults() (byte, error) {
	session, addr, err := m.current()
	if err != nil {
		return 0, err
	}
	return session.ReadFaults(addr)
}

// ReadOVCells returns the overvoltage cell mask.
func (m *Manager) ReadOVCells() (bq76.CellMask, error) {
	session, addr, err := m.current()
	if err != nil {
		return 0, err
	}
	return session.ReadOVCells(addr)
}

// ReadUVCells returns the undervoltage cell mask.
func (m *Manager) ReadUVCells() (bq76.CellMask, error) {
	session, addr, err := m.current()
	if err != nil {
		return 0, err
	}
	return session.ReadUVCells(addr)
}

func (m *Manager) GetOVThreshold() (bq76.VoltageThreshold, error) {
	session, addr, err := m.current()
	if err != nil {
		return bq76.VoltageThreshold{}, err
	}
	return session.GetOVThreshold(addr)
}

func (m *Manager) GetUVThreshold() (bq76.VoltageThreshold, error) {
	session, addr, err := m.current()
	if err != nil {
		return bq76.VoltageThreshold{}, err
	}
	return session.GetUVThreshold(addr)
}

func (m *Manager) GetOTThreshold() (bq76.OTThreshold, error) {
	session, addr, err := m.current()
	if err != nil {
		return bq76.OTThreshold{}, err
	}
	return session.GetOTThreshold(addr)
}
