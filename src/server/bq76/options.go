package bq76

import "time"

// Logger receives protocol events as a message plus key/value pairs.
// *slog.Logger satisfies it.
type Logger interface {
	Debug(msg string, keysAndValues ...any)
	Info(msg string, keysAndValues ...any)
	Error(msg string, keysAndValues ...any)
}

type nopLogger struct{}

func (nopLogger) Debug(string, ...any) {}
func (nopLogger) Info(string, ...any)  {}
func (nopLogger) Error(string, ...any) {}

// Transaction describes one request/response round trip.
type Transaction struct {
	Op       string // "read" or "write"
	Address  Address
	Register byte
	Request  []byte
	Response []byte
	Err      error
	Duration time.Duration
}

// TransactionObserver is called after every round trip, including failed
// ones. It runs with the session lock held and must return quickly.
type TransactionObserver func(Transaction)

// PollPolicy bounds the wait for an ADC conversion to complete.
type PollPolicy struct {
	MaxAttempts int
	Delay       time.Duration
}

// Config holds the session configuration.
type Config struct {
	Logger   Logger
	Observer TransactionObserver

	// Retries re-issues a read after a CRC mismatch and a write after a
	// verify mismatch. Zero disables retries.
	Retries int

	Poll PollPolicy

	// ClearCellFaults clears the latched COV/CUV faults before the cell
	// masks are read.
	ClearCellFaults bool

	// OperationDelay is slept after every round trip.
	OperationDelay time.Duration
}

func defaultConfig() Config {
	return Config{
		Logger: nopLogger{},
		Poll: PollPolicy{
			MaxAttempts: 100,
			Delay:       time.Millisecond,
		},
	}
}

// Option is a functional option for configuring a Session.
type Option func(*Config)

// WithLogger sets the logger used for frame and event tracing.
func WithLogger(logger Logger) Option {
	return func(c *Config) {
		if logger != nil {
			c.Logger = logger
		}
	}
}

// WithObserver registers a callback invoked after every transaction.
func WithObserver(observer TransactionObserver) Option {
	return func(c *Config) {
		c.Observer = observer
	}
}

// WithRetries sets the retry count for CRC and write verify mismatches.
func WithRetries(retries int) Option {
	return func(c *Config) {
		if retries >= 0 {
			c.Retries = retries
		}
	}
}

// WithPollPolicy bounds the ADC completion poll.
//
// Example:
//
//	s := bq76.NewSession(link, bq76.WithPollPolicy(bq76.PollPolicy{MaxAttempts: 20, Delay: 2 * time.Millisecond}))
func WithPollPolicy(p PollPolicy) Option {
	return func(c *Config) {
		if p.MaxAttempts > 0 {
			c.Poll.MaxAttempts = p.MaxAttempts
		}
		if p.Delay >= 0 {
			c.Poll.Delay = p.Delay
		}
	}
}

// WithClearCellFaults enables clearing COV/CUV faults before reading the
// cell masks. Off by default.
func WithClearCellFaults(enabled bool) Option {
	return func(c *Config) {
		c.ClearCellFaults = enabled
	}
}

// WithOperationDelay sets a pause after each round trip.
func WithOperationDelay(d time.Duration) Option {
	return func(c *Config) {
		if d >= 0 {
			c.OperationDelay = d
		}
	}
}
