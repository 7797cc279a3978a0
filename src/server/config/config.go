package config

import (
	"crypto/rand"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"sync"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	prodConfigDir  = "/var/lib/bq76-utils"
	configFileName = "config.yaml"
	configDirEnv   = "BQ76_UTILS_CONFIG_DIR"
)

type SerialConfig struct {
	Port    string        `yaml:"port"`
	Baud    int           `yaml:"baud"`
	Timeout time.Duration `yaml:"timeout"`
}

type ProtocolConfig struct {
	Retries         int           `yaml:"retries"`
	ADCPollAttempts int           `yaml:"adc_poll_attempts"`
	ADCPollDelay    time.Duration `yaml:"adc_poll_delay"`
	ClearCellFaults bool          `yaml:"clear_cell_faults"`
}

type MonitorConfig struct {
	AutoConnect  bool          `yaml:"auto_connect"`
	PollInterval time.Duration `yaml:"poll_interval"`
}

type HTTPConfig struct {
	Listen string `yaml:"listen"`
}

type TCPConfig struct {
	Port            int  `yaml:"port"`
	ServeExternally bool `yaml:"serve_externally,omitempty"`
}

// MirrorConfig describes the external Modbus slave that receives snapshots.
// Mode is "tcp" (Address is host:port) or "rtu" (Address is a serial device).
type MirrorConfig struct {
	Enabled      bool          `yaml:"enabled"`
	Mode         string        `yaml:"mode"`
	Address      string        `yaml:"address"`
	SlaveID      byte          `yaml:"slave_id"`
	BaseRegister uint16        `yaml:"base_register"`
	Baud         int           `yaml:"baud,omitempty"`
	Timeout      time.Duration `yaml:"timeout"`
}

type Config struct {
	InstanceID string         `yaml:"instance_id"`
	LogLevel   string         `yaml:"log_level"`
	Serial     SerialConfig   `yaml:"serial"`
	Protocol   ProtocolConfig `yaml:"protocol"`
	Monitor    MonitorConfig  `yaml:"monitor"`
	HTTP       HTTPConfig     `yaml:"http"`
	TCP        TCPConfig      `yaml:"tcp"`
	Mirror     MirrorConfig   `yaml:"modbus_mirror"`
}

// Default returns the configuration written on first start.
func Default() Config {
	return Config{
		LogLevel: "info",
		Serial: SerialConfig{
			Baud:    612500,
			Timeout: 50 * time.Millisecond,
		},
		Protocol: ProtocolConfig{
			ADCPollAttempts: 100,
			ADCPollDelay:    time.Millisecond,
		},
		Monitor: MonitorConfig{
			PollInterval: time.Second,
		},
		HTTP: HTTPConfig{Listen: ":9090"},
		TCP:  TCPConfig{Port: 9091},
		Mirror: MirrorConfig{
			Mode:    "tcp",
			Address: "127.0.0.1:502",
			SlaveID: 1,
			Timeout: time.Second,
		},
	}
}

var (
	cfg     = Default()
	cfgOnce sync.Once
	cfgMu   sync.RWMutex
)

func init() {
	cfgOnce.Do(func() {
		if err := loadConfig(); err != nil {
			log.Printf("Config: failed to load, using defaults: %v", err)
		}
	})
}

func GetConfig() Config {
	cfgMu.RLock()
	defer cfgMu.RUnlock()
	return cfg
}

func GetInstanceID() string {
	cfgMu.RLock()
	defer cfgMu.RUnlock()
	return cfg.InstanceID
}

// Update applies fn to the configuration and persists the result.
func Update(fn func(*Config)) error {
	cfgMu.Lock()
	defer cfgMu.Unlock()
	fn(&cfg)
	return saveConfigLocked(getConfigPath())
}

func getConfigPath() string {
	if dir := os.Getenv(configDirEnv); dir != "" {
		return filepath.Join(dir, configFileName)
	}
	if info, err := os.Stat(prodConfigDir); err == nil && info.IsDir() {
		testFile := filepath.Join(prodConfigDir, ".write_test")
		if f, err := os.Create(testFile); err == nil {
			f.Close()
			os.Remove(testFile)
			return filepath.Join(prodConfigDir, configFileName)
		}
	}
	return filepath.Join("tmp", configFileName)
}

func generateUUID() (string, error) {
	uuid := make([]byte, 16)
	if _, err := io.ReadFull(rand.Reader, uuid); err != nil {
		return "", err
	}
	uuid[6] = (uuid[6] & 0x0f) | 0x40
	uuid[8] = (uuid[8] & 0x3f) | 0x80
	return fmt.Sprintf("%08x-%04x-%04x-%04x-%012x",
		uuid[0:4], uuid[4:6], uuid[6:8], uuid[8:10], uuid[10:16]), nil
}

func loadConfig() error {
	cfgMu.Lock()
	defer cfgMu.Unlock()

	path := getConfigPath()
	log.Printf("Config: %s", path)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return createDefaultConfig(path)
		}
		return err
	}

	loaded := Default()
	if err := yaml.Unmarshal(data, &loaded); err != nil {
		return fmt.Errorf("parse %s: %w", path, err)
	}
	cfg = loaded

	if cfg.InstanceID == "" {
		uuid, err := generateUUID()
		if err != nil {
			return err
		}
		cfg.InstanceID = uuid
		return saveConfigLocked(path)
	}

	return nil
}

func createDefaultConfig(path string) error {
	cfg = Default()
	uuid, err := generateUUID()
	if err != nil {
		return err
	}
	cfg.InstanceID = uuid
	return saveConfigLocked(path)
}

func saveConfigLocked(path string) error {
	data, err := yaml.Marshal(&cfg)
	if err != nil {
		return err
	}

	dir := filepath.Dir(path)
	if dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return err
		}
	}

	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}
