package presence

import "time"

// Config controls the presence monitor.
type Config struct {
	Enabled  bool `yaml:"enabled" json:"enabled"`
	AutoOpen bool `yaml:"auto_open" json:"auto_open"`
	// Cooldown is the minimum time between two activations of the same
	// conversation.
	Cooldown    time.Duration `yaml:"cooldown" json:"cooldown"`
	Debounce    time.Duration `yaml:"debounce" json:"debounce"`
	Concurrency int           `yaml:"concurrency" json:"concurrency"`
	// Settle is the pause after opening a conversation; the container poll
	// interval is derived from it.
	Settle      time.Duration `yaml:"settle" json:"settle"`
	OpenTimeout time.Duration `yaml:"open_timeout" json:"open_timeout"`
	// StepDelay separates simulated input steps, with +/-25% jitter.
	StepDelay time.Duration `yaml:"step_delay" json:"step_delay"`
	// ActivationRate caps activations per second across conversations.
	// Zero means unlimited.
	ActivationRate float64 `yaml:"activation_rate" json:"activation_rate"`
}

// DefaultConfig returns the monitor defaults.
func DefaultConfig() Config {
	return Config{
		Enabled:        true,
		AutoOpen:       true,
		Cooldown:       2 * time.Second,
		Debounce:       250 * time.Millisecond,
		Concurrency:    1,
		Settle:         800 * time.Millisecond,
		OpenTimeout:    5 * time.Second,
		StepDelay:      120 * time.Millisecond,
		ActivationRate: 0.5,
	}
}

// ApplyDefaults fills zero fields.
func (c *Config) ApplyDefaults() {
	d := DefaultConfig()
	if c.Cooldown <= 0 {
		c.Cooldown = d.Cooldown
	}
	if c.Debounce <= 0 {
		c.Debounce = d.Debounce
	}
	if c.Concurrency <= 0 {
		c.Concurrency = d.Concurrency
	}
	if c.Settle <= 0 {
		c.Settle = d.Settle
	}
	if c.OpenTimeout <= 0 {
		c.OpenTimeout = d.OpenTimeout
	}
	if c.StepDelay < 0 {
		c.StepDelay = 0
	}
	if c.ActivationRate < 0 {
		c.ActivationRate = 0
	}
}

// Patch is a partial update received from a control surface. Durations
// are in milliseconds.
type Patch struct {
	Enabled     *bool `json:"enabled,omitempty"`
	AutoOpen    *bool `json:"auto_open,omitempty"`
	CooldownMs  *int  `json:"cooldown_ms,omitempty"`
	DebounceMs  *int  `json:"debounce_ms,omitempty"`
	Concurrency *int  `json:"concurrency,omitempty"`
}

// Apply returns c updated with the fields set in p.
func (c Config) Apply(p Patch) Config {
	if p.Enabled != nil {
		c.Enabled = *p.Enabled
	}
	if p.AutoOpen != nil {
		c.AutoOpen = *p.AutoOpen
	}
	if p.CooldownMs != nil {
		c.Cooldown = time.Duration(*p.CooldownMs) * time.Millisecond
	}
	if p.DebounceMs != nil {
		c.Debounce = time.Duration(*p.DebounceMs) * time.Millisecond
	}
	if p.Concurrency != nil {
		c.Concurrency = *p.Concurrency
	}
	c.ApplyDefaults()
	return c
}
