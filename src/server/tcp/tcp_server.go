package tcp

import (
	"bufio"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"bq76-utils/src/server/bq76"
	"bq76-utils/src/server/monitor"
)

// Controller is the device surface the TCP server drives. *monitor.Manager
// implements it.
type Controller interface {
	Snapshot() monitor.Snapshot
	Refresh() (monitor.Snapshot, error)
	Rescan() (monitor.Snapshot, error)
	SetOVThreshold(volts float64) (monitor.Snapshot, error)
	SetUVThreshold(volts float64) (monitor.Snapshot, error)
	SetOTThreshold(celsius, sensor int) (monitor.Snapshot, error)
	SetAddress(to bq76.Address) (monitor.Snapshot, error)
	Reset() (monitor.Snapshot, error)
	SetStateChangeCallback(callback monitor.StateChangeCallback)
}

// TCPServer pushes device snapshots to a single automation client and
// accepts configuration commands from it.
type TCPServer struct {
	listener       net.Listener
	clientConn     *ClientConnection
	mu             sync.RWMutex
	ctrl           Controller
	stopChan       chan struct{}
	port           string
	version        string
	instanceID     string
	localOnly      bool // If true, only accept connections from localhost
	updateInterval time.Duration
	logger         *slog.Logger
}

// ClientConnection represents a connected TCP client
type ClientConnection struct {
	conn    net.Conn
	encoder *json.Encoder
	mu      sync.Mutex
}

// SnapshotMessage is sent to TCP clients
type SnapshotMessage struct {
	Type     string           `json:"type"`
	Snapshot monitor.Snapshot `json:"snapshot"`
}

// WelcomeMessage is sent to clients when they connect
type WelcomeMessage struct {
	Type        string `json:"type"`
	Server      string `json:"server"`
	Version     string `json:"version,omitempty"`
	Instance    string `json:"instance,omitempty"`
	Protocol    string `json:"protocol"`
	Description string `json:"description"`
}

// CommandItem is a single command in a batch.
type CommandItem struct {
	Type    string  `json:"type"` // "set-ov", "set-uv", "set-ot", "set-address", "reset", "rescan", "refresh"
	Volts   float64 `json:"volts,omitempty"`
	Celsius int     `json:"celsius,omitempty"`
	Sensor  int     `json:"sensor,omitempty"`
	Address *int    `json:"address,omitempty"`
}

// Command is received from TCP clients and always carries an array of
// commands, executed in order.
type Command struct {
	Type     string        `json:"type"` // Always "command"
	Commands []CommandItem `json:"commands"`
}

// CommandResult reports the outcome of one command.
type CommandResult struct {
	Index   int    `json:"index"`
	Status  string `json:"status"` // "ok" or "error"
	Message string `json:"message,omitempty"`
}

// CommandResponse is sent back to TCP clients
type CommandResponse struct {
	Type        string            `json:"type"` // "command-response"
	Status      string            `json:"status"`
	Results     []CommandResult   `json:"results,omitempty"`
	Message     string            `json:"message,omitempty"`
	FailedIndex int               `json:"failedIndex,omitempty"`
	Snapshot    *monitor.Snapshot `json:"snapshot,omitempty"`
}

// NewTCPServer creates a new TCP server instance
func NewTCPServer(port string, ctrl Controller, version, instanceID string, serveExternally bool, logger *slog.Logger) *TCPServer {
	if logger == nil {
		logger = slog.Default()
	}
	return &TCPServer{
		ctrl:           ctrl,
		stopChan:       make(chan struct{}),
		port:           port,
		version:        version,
		instanceID:     instanceID,
		localOnly:      !serveExternally,
		updateInterval: 500 * time.Millisecond,
		logger:         logger,
	}
}

// Start starts the TCP server
func (s *TCPServer) Start() error {
	var addr string
	if s.localOnly {
		addr = "127.0.0.1:" + s.port
	} else {
		addr = "0.0.0.0:" + s.port
	}
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to start TCP server on %s: %w", addr, err)
	}

	s.listener = listener
	s.logger.Info("TCP server listening", "addr", listener.Addr().String(), "localOnly", s.localOnly)

	// Push immediately when the protection status changes
	s.ctrl.SetStateChangeCallback(s.onStateChange)

	go s.acceptLoop()
	go s.updateLoop()

	return nil
}

// Addr returns the listening address once started.
func (s *TCPServer) Addr() net.Addr {
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

func (s *TCPServer) onStateChange(snap monitor.Snapshot) {
	s.mu.RLock()
	clientConn := s.clientConn
	s.mu.RUnlock()

	if clientConn != nil {
		s.sendSnapshot(clientConn, snap)
	}
}

// Stop stops the TCP server
func (s *TCPServer) Stop() {
	close(s.stopChan)
	if s.listener != nil {
		s.listener.Close()
	}
	s.mu.Lock()
	if s.clientConn != nil {
		s.clientConn.conn.Close()
		s.clientConn = nil
	}
	s.mu.Unlock()
}

// IsConnected returns whether a TCP client is currently connected
func (s *TCPServer) IsConnected() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.clientConn != nil
}

func (s *TCPServer) acceptLoop() {
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			select {
			case <-s.stopChan:
				return
			default:
				s.logger.Warn("TCP accept error", "err", err)
				continue
			}
		}

		remoteAddr := conn.RemoteAddr().(*net.TCPAddr)
		if s.localOnly && !remoteAddr.IP.IsLoopback() {
			s.logger.Warn("TCP connection rejected: non-localhost client", "ip", remoteAddr.IP.String())
			conn.Close()
			continue
		}

		s.mu.Lock()
		if s.clientConn != nil {
			s.logger.Warn("TCP connection rejected: client already connected", "remote", remoteAddr.String())
			conn.Close()
			s.mu.Unlock()
			continue
		}
		clientConn := &ClientConnection{
			conn:    conn,
			encoder: json.NewEncoder(conn),
		}
		s.clientConn = clientConn
		s.mu.Unlock()

		s.logger.Info("TCP client connected", "remote", remoteAddr.String())
		s.sendWelcomeMessage(clientConn)
		go s.handleClient(clientConn)
	}
}

func (s *TCPServer) handleClient(clientConn *ClientConnection) {
	defer func() {
		s.mu.Lock()
		if s.clientConn == clientConn {
			s.clientConn = nil
		}
		s.mu.Unlock()
		clientConn.conn.Close()
		s.logger.Info("TCP client disconnected")
	}()

	scanner := bufio.NewScanner(clientConn.conn)
	for scanner.Scan() {
		var cmd Command
		if err := json.Unmarshal(scanner.Bytes(), &cmd); err != nil {
			s.logger.Warn("TCP: failed to parse command", "err", err)
			s.send(clientConn, CommandResponse{Type: "command-response", Status: "error", Message: "invalid JSON"})
			continue
		}
		if cmd.Type != "command" {
			s.logger.Warn("TCP: unknown message type", "type", cmd.Type)
			continue
		}
		s.send(clientConn, s.processCommand(&cmd))
	}

	if err := scanner.Err(); err != nil {
		s.logger.Warn("TCP: client read error", "err", err)
	}
}

func (s *TCPServer) runCommand(item CommandItem) (monitor.Snapshot, error) {
	switch item.Type {
	case "set-ov":
		return s.ctrl.SetOVThreshold(item.Volts)
	case "set-uv":
		return s.ctrl.SetUVThreshold(item.Volts)
	case "set-ot":
		return s.ctrl.SetOTThreshold(item.Celsius, item.Sensor)
	case "set-address":
		if item.Address == nil || *item.Address < 0 || *item.Address > int(bq76.MaxAddress) {
			return monitor.Snapshot{}, fmt.Errorf("%w: address must be 0..%d", bq76.ErrInvalidArguments, bq76.MaxAddress)
		}
		return s.ctrl.SetAddress(bq76.Address(*item.Address))
	case "reset":
		return s.ctrl.Reset()
	case "rescan":
		return s.ctrl.Rescan()
	case "refresh":
		return s.ctrl.Refresh()
	}
	return monitor.Snapshot{}, fmt.Errorf("unknown command type %q", item.Type)
}

// processCommand runs every command of the batch in order and reports the
// first failure.
func (s *TCPServer) processCommand(cmd *Command) CommandResponse {
	if len(cmd.Commands) == 0 {
		return CommandResponse{
			Type:    "command-response",
			Status:  "error",
			Message: "no commands in batch",
		}
	}

	response := CommandResponse{
		Type:    "command-response",
		Status:  "ok",
		Results: make([]CommandResult, len(cmd.Commands)),
	}
	for i, item := range cmd.Commands {
		snap, err := s.runCommand(item)
		if err != nil {
			response.Results[i] = CommandResult{Index: i, Status: "error", Message: err.Error()}
			if response.Status == "ok" {
				response.Status = "error"
				response.FailedIndex = i
				response.Message = err.Error()
			}
			continue
		}
		response.Results[i] = CommandResult{Index: i, Status: "ok"}
		response.Snapshot = &snap
	}
	return response
}

// updateLoop sends the cached snapshot periodically; status changes are
// pushed immediately by onStateChange.
func (s *TCPServer) updateLoop() {
	ticker := time.NewTicker(s.updateInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopChan:
			return
		case <-ticker.C:
			s.mu.RLock()
			clientConn := s.clientConn
			s.mu.RUnlock()

			if clientConn == nil {
				continue
			}
			snap := s.ctrl.Snapshot()
			if !snap.Connected {
				continue
			}
			s.sendSnapshot(clientConn, snap)
		}
	}
}

func (s *TCPServer) sendWelcomeMessage(clientConn *ClientConnection) {
	s.send(clientConn, WelcomeMessage{
		Type:        "welcome",
		Server:      "BQ76 Utils TCP Server",
		Version:     s.version,
		Instance:    s.instanceID,
		Protocol:    "JSON",
		Description: "Battery monitor TCP server - sends device snapshots and accepts configuration commands",
	})
}

func (s *TCPServer) sendSnapshot(clientConn *ClientConnection, snap monitor.Snapshot) {
	s.send(clientConn, SnapshotMessage{Type: "snapshot", Snapshot: snap})
}

func (s *TCPServer) send(clientConn *ClientConnection, msg any) {
	clientConn.mu.Lock()
	defer clientConn.mu.Unlock()
	if err := clientConn.encoder.Encode(msg); err != nil {
		// Connection might be broken, will be cleaned up in handleClient
		s.logger.Warn("TCP: failed to send message", "err", err)
	}
}
