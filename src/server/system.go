package server

import (
	"bufio"
	"fmt"
	"os"
	"sort"
	"strings"
	"time"

	"go.bug.st/serial/enumerator"
)

var osReleasePath = "/etc/os-release"

// GetOsRelease reads /etc/os-release and returns the distribution ID
func GetOsRelease() string {
	file, err := os.Open(osReleasePath)
	if err != nil {
		return ""
	}
	defer file.Close()

	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		line := scanner.Text()
		if strings.HasPrefix(line, "ID=") {
			// ID=debian or ID="debian"
			id := strings.TrimPrefix(line, "ID=")
			id = strings.Trim(id, "\"")
			return strings.ToLower(id)
		}
	}
	return ""
}

// SerialPort describes a serial device the monitor can be attached to.
type SerialPort struct {
	Name         string `json:"name"`
	IsUSB        bool   `json:"isUsb"`
	VID          string `json:"vid,omitempty"`
	PID          string `json:"pid,omitempty"`
	SerialNumber string `json:"serialNumber,omitempty"`
	Product      string `json:"product,omitempty"`
}

var listPorts = enumerator.GetDetailedPortsList

// ListSerialPorts returns the serial ports present on the host, USB
// adapters first, each group sorted by name.
func ListSerialPorts() ([]SerialPort, error) {
	details, err := listPorts()
	if err != nil {
		return nil, fmt.Errorf("list serial ports: %w", err)
	}
	ports := make([]SerialPort, 0, len(details))
	for _, d := range details {
		ports = append(ports, SerialPort{
			Name:         d.Name,
			IsUSB:        d.IsUSB,
			VID:          d.VID,
			PID:          d.PID,
			SerialNumber: d.SerialNumber,
			Product:      d.Product,
		})
	}
	sort.SliceStable(ports, func(i, j int) bool {
		if ports[i].IsUSB != ports[j].IsUSB {
			return ports[i].IsUSB
		}
		return ports[i].Name < ports[j].Name
	})
	return ports, nil
}

// SystemInfo is reported by the status endpoint.
type SystemInfo struct {
	OS       string `json:"os"`
	Hostname string `json:"hostname"`
	Uptime   string `json:"uptime"`
	Version  string `json:"version"`
}

// GetSystemInfo collects host details; started is the process start time.
func GetSystemInfo(version string, started time.Time) SystemInfo {
	hostname, _ := os.Hostname()
	return SystemInfo{
		OS:       GetOsRelease(),
		Hostname: hostname,
		Uptime:   FormatUptime(time.Since(started)),
		Version:  version,
	}
}

// FormatUptime formats a duration into a human-readable string
func FormatUptime(duration time.Duration) string {
	totalSeconds := int(duration.Seconds())
	days := totalSeconds / 86400
	hours := (totalSeconds % 86400) / 3600
	minutes := (totalSeconds % 3600) / 60

	if days > 0 {
		return fmt.Sprintf("%dd %dh %dm", days, hours, minutes)
	} else if hours > 0 {
		return fmt.Sprintf("%dh %dm", hours, minutes)
	} else {
		return fmt.Sprintf("%dm", minutes)
	}
}
