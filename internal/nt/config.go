package nt

import (
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
)

// Config is the validated set of knobs a server or client process needs to
// start a Dispatcher. Struct tags follow the validator idiom rather than
// hand-rolled field checks.
type Config struct {
	// Server-only.
	ListenHost      string `validate:"omitempty,hostname_rfc1123|ip"`
	Port            int    `validate:"omitempty,min=1,max=65535"`
	PersistFilename string `validate:"omitempty,filepath"`

	// Client-only.
	Servers []HostPort `validate:"omitempty,dive"`

	Identity   string        `validate:"omitempty,max=256"`
	UpdateRate time.Duration `validate:"omitempty,min=10ms,max=1s"`
}

var configValidator = validator.New()

func init() {
	configValidator.RegisterStructValidation(validateHostPort, HostPort{})
}

func validateHostPort(sl validator.StructLevel) {
	hp := sl.Current().Interface().(HostPort)
	if hp.Host == "" {
		sl.ReportError(hp.Host, "Host", "Host", "required", "")
	}
	if hp.Port < 1 || hp.Port > 65535 {
		sl.ReportError(hp.Port, "Port", "Port", "port_range", "")
	}
}

// Validate checks Config against its struct tags and returns a wrapped
// validator error describing every violation.
func (c *Config) Validate() error {
	if err := configValidator.Struct(c); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	return nil
}

// DefaultConfig returns a Config with reasonable update rate and listen
// defaults for a process that doesn't configure them explicitly.
func DefaultConfig() *Config {
	return &Config{
		ListenHost: "0.0.0.0",
		Port:       1735,
		UpdateRate: 100 * time.Millisecond,
	}
}
