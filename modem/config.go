package modem

import (
	"io"
	"log/slog"
	"time"

	"i4.energy/across/smartgsm/at"
)

// Config holds the settings used by New. Build it with NewConfigBuilder so
// the defaults are applied.
type Config struct {
	Dialer          Dialer
	SimPIN          string
	MinSendInterval time.Duration
	// MaxRetries bounds the attempts to read a message announced by +CMTI.
	MaxRetries  int
	ATTimeout   time.Duration
	InitTimeout time.Duration
	SendTimeout time.Duration
	USSDTimeout time.Duration

	// NotifyConfig is the +CNMI command selecting how new messages are
	// reported. CustomInit runs after it when not empty.
	NotifyConfig string
	CustomInit   string

	SMSIndication  bool
	CallIndication bool
	Concatenation  bool

	// USSDFallbackCode, when set, is encoded for the fallback attempt
	// instead of the code the caller passed.
	USSDFallbackCode string

	// URCBuffer bounds the queue between the read loop and the
	// notification worker; StreamBuffer is the per subscriber buffer.
	URCBuffer    int
	StreamBuffer int

	Logger  *slog.Logger
	Metrics *Metrics
}

func (c *Config) validate() error {
	if c.Dialer == nil {
		return ErrNoDialer
	}
	return nil
}

func (c *Config) setDefaults() {
	if c.MaxRetries <= 0 {
		c.MaxRetries = 3
	}
	if c.ATTimeout == 0 {
		c.ATTimeout = 5 * time.Second
	}
	if c.InitTimeout == 0 {
		c.InitTimeout = 30 * time.Second
	}
	if c.SendTimeout == 0 {
		c.SendTimeout = time.Minute
	}
	if c.USSDTimeout == 0 {
		c.USSDTimeout = 30 * time.Second
	}
	if c.URCBuffer == 0 {
		c.URCBuffer = 100
	}
	if c.StreamBuffer == 0 {
		c.StreamBuffer = 16
	}
	if c.Logger == nil {
		c.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
}

// ConfigBuilder assembles a Config.
//
//	config, err := modem.NewConfigBuilder().
//		WithDialer(modem.SerialDialer{PortName: "/dev/ttyUSB0"}).
//		WithATTimeout(5 * time.Second).
//		Build()
type ConfigBuilder struct {
	config Config
}

// NewConfigBuilder returns a builder preloaded with the indication and
// storage settings the lifecycle expects.
func NewConfigBuilder() *ConfigBuilder {
	return &ConfigBuilder{
		config: Config{
			NotifyConfig:   at.DefaultNotifyConfig,
			SMSIndication:  true,
			CallIndication: true,
			Concatenation:  true,
		},
	}
}

func (b *ConfigBuilder) WithDialer(d Dialer) *ConfigBuilder {
	b.config.Dialer = d
	return b
}

func (b *ConfigBuilder) WithSimPIN(pin string) *ConfigBuilder {
	b.config.SimPIN = pin
	return b
}

func (b *ConfigBuilder) WithMinSendInterval(d time.Duration) *ConfigBuilder {
	b.config.MinSendInterval = d
	return b
}

func (b *ConfigBuilder) WithMaxRetries(n int) *ConfigBuilder {
	b.config.MaxRetries = n
	return b
}

func (b *ConfigBuilder) WithATTimeout(d time.Duration) *ConfigBuilder {
	b.config.ATTimeout = d
	return b
}

func (b *ConfigBuilder) WithInitTimeout(d time.Duration) *ConfigBuilder {
	b.config.InitTimeout = d
	return b
}

func (b *ConfigBuilder) WithSendTimeout(d time.Duration) *ConfigBuilder {
	b.config.SendTimeout = d
	return b
}

func (b *ConfigBuilder) WithUSSDTimeout(d time.Duration) *ConfigBuilder {
	b.config.USSDTimeout = d
	return b
}

func (b *ConfigBuilder) WithNotifyConfig(cmd string) *ConfigBuilder {
	b.config.NotifyConfig = cmd
	return b
}

func (b *ConfigBuilder) WithCustomInit(cmd string) *ConfigBuilder {
	b.config.CustomInit = cmd
	return b
}

// WithIndications toggles +CMTI message and +CLIP caller id reporting.
func (b *ConfigBuilder) WithIndications(sms, calls bool) *ConfigBuilder {
	b.config.SMSIndication = sms
	b.config.CallIndication = calls
	return b
}

func (b *ConfigBuilder) WithConcatenation(enabled bool) *ConfigBuilder {
	b.config.Concatenation = enabled
	return b
}

// WithUSSDFallbackCode makes the USSD fallback always encode code, for
// modems where the fallback is a fixed vendor shortcut.
func (b *ConfigBuilder) WithUSSDFallbackCode(code string) *ConfigBuilder {
	b.config.USSDFallbackCode = code
	return b
}

func (b *ConfigBuilder) WithStreamBuffer(n int) *ConfigBuilder {
	b.config.StreamBuffer = n
	return b
}

func (b *ConfigBuilder) WithLogger(l *slog.Logger) *ConfigBuilder {
	b.config.Logger = l
	return b
}

func (b *ConfigBuilder) WithMetrics(m *Metrics) *ConfigBuilder {
	b.config.Metrics = m
	return b
}

// Build validates the configuration and fills in defaults.
func (b *ConfigBuilder) Build() (Config, error) {
	c := b.config
	if err := c.validate(); err != nil {
		return Config{}, err
	}
	c.setDefaults()
	return c, nil
}
