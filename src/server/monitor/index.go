package monitor

import (
	"log/slog"

	"bq76-utils/src/server/bq76"
	"bq76-utils/src/server/config"
	"bq76-utils/src/server/util"
)

// PortEnvKey overrides the configured serial port from the environment or
// .env.local.
const PortEnvKey = "BQ76_PORT"

// InitializeManager creates a manager from cfg, connects to the configured
// port when auto-connect is on, and starts the poll cycle.
func InitializeManager(cfg config.Config, logger *slog.Logger, metrics *Metrics) *Manager {
	mgr := NewManager(
		WithLogger(logger),
		WithMetrics(metrics),
		WithPollInterval(cfg.Monitor.PollInterval),
		WithSerial(SerialConfig{Baud: cfg.Serial.Baud, Timeout: cfg.Serial.Timeout}),
		WithSessionOptions(
			bq76.WithRetries(cfg.Protocol.Retries),
			bq76.WithPollPolicy(bq76.PollPolicy{
				MaxAttempts: cfg.Protocol.ADCPollAttempts,
				Delay:       cfg.Protocol.ADCPollDelay,
			}),
			bq76.WithClearCellFaults(cfg.Protocol.ClearCellFaults),
		),
	)

	port := util.Lookup(PortEnvKey, cfg.Serial.Port)
	switch {
	case !cfg.Monitor.AutoConnect:
		mgr.logger.Info("auto-connect disabled; waiting for a connect request")
	case port == "":
		mgr.logger.Warn("auto-connect enabled but no serial port configured")
	default:
		if snap, err := mgr.Connect(port); err != nil {
			mgr.logger.Error("auto-connect failed", "port", port, "err", err)
		} else {
			mgr.logger.Info("connected", "port", port, "address", snap.Device.Address)
		}
	}

	mgr.StartCycle()
	return mgr
}
