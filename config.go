package coap

import (
	"time"

	"github.com/astaxie/beego/logs"
)

// Config is an immutable, endpoint-owned configuration value. There is no
// package-global singleton (spec §9 REDESIGN FLAGS): every Endpoint is
// built from its own Config, so tests can construct fresh endpoints with
// independent settings. Loading these values from a file (e.g. YAML) is
// the caller's concern, not this package's (spec §1 out-of-scope).
type Config struct {
	DefaultPort       int
	DefaultSecurePort int
	HTTPPort          int

	AckTimeout      time.Duration
	AckRandomFactor float64
	AckTimeoutScale float64
	MaxRetransmit   int

	MaxMessageSize          int
	DefaultBlockSize        int
	BlockwiseStatusLifetime time.Duration

	UseRandomIDStart    bool
	UseRandomTokenStart bool

	NotificationMaxAge                time.Duration
	NotificationCheckIntervalTime     time.Duration
	NotificationCheckIntervalCount    int
	NotificationReregistrationBackoff time.Duration

	ExchangeLifetime     time.Duration
	MarkAndSweepInterval time.Duration

	ChannelReceivePacketSize int

	// RequestTimeout bounds how long Endpoint.Send waits for a Response
	// before resolving with Timeout, independent of the per-CON
	// retransmission schedule (spec §4.7).
	RequestTimeout time.Duration

	// HealthMonitor preserves the teacher's 4-byte "RUOK"/"IMOK" liveness
	// probe short-circuit on the shared UDP channel (spec §9 design note).
	HealthMonitor bool

	Logger *logs.BeeLogger
}

// DefaultConfig returns the RFC 7252 defaults listed in spec §6.
func DefaultConfig() Config {
	return Config{
		DefaultPort:       5683,
		DefaultSecurePort: 5684,
		HTTPPort:          8080,

		AckTimeout:      2000 * time.Millisecond,
		AckRandomFactor: 1.5,
		AckTimeoutScale: 2.0,
		MaxRetransmit:   4,

		MaxMessageSize:          1024,
		DefaultBlockSize:        512,
		BlockwiseStatusLifetime: 600000 * time.Millisecond,

		UseRandomIDStart:    true,
		UseRandomTokenStart: true,

		NotificationMaxAge:                128000 * time.Millisecond,
		NotificationCheckIntervalTime:     86400000 * time.Millisecond,
		NotificationCheckIntervalCount:    100,
		NotificationReregistrationBackoff: 2000 * time.Millisecond,

		ExchangeLifetime:     247000 * time.Millisecond,
		MarkAndSweepInterval: 10000 * time.Millisecond,

		ChannelReceivePacketSize: 2048,

		RequestTimeout: 32767 * time.Millisecond,

		HealthMonitor: false,

		Logger: newDefaultLogger(),
	}
}

// Option mutates a Config at construction time.
type Option func(*Config)

// Build applies opts over DefaultConfig and returns the resulting value.
func Build(opts ...Option) Config {
	cfg := DefaultConfig()
	for _, opt := range opts {
		opt(&cfg)
	}
	return cfg
}

func WithAckTimeout(d time.Duration) Option { return func(c *Config) { c.AckTimeout = d } }
func WithAckRandomFactor(f float64) Option  { return func(c *Config) { c.AckRandomFactor = f } }
func WithAckTimeoutScale(f float64) Option  { return func(c *Config) { c.AckTimeoutScale = f } }
func WithMaxRetransmit(n int) Option        { return func(c *Config) { c.MaxRetransmit = n } }
func WithDefaultBlockSize(n int) Option     { return func(c *Config) { c.DefaultBlockSize = n } }
func WithRequestTimeout(d time.Duration) Option {
	return func(c *Config) { c.RequestTimeout = d }
}
func WithExchangeLifetime(d time.Duration) Option {
	return func(c *Config) { c.ExchangeLifetime = d }
}
func WithMarkAndSweepInterval(d time.Duration) Option {
	return func(c *Config) { c.MarkAndSweepInterval = d }
}
func WithRandomIDStart(b bool) Option    { return func(c *Config) { c.UseRandomIDStart = b } }
func WithRandomTokenStart(b bool) Option { return func(c *Config) { c.UseRandomTokenStart = b } }
func WithHealthMonitor(b bool) Option    { return func(c *Config) { c.HealthMonitor = b } }
func WithLogger(l *logs.BeeLogger) Option {
	return func(c *Config) {
		if l != nil {
			c.Logger = l
		}
	}
}
