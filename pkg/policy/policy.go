// Package policy defines the data contract between caller-supplied
// port-acceptance decisions and the Port Manager: PortInfo (what an
// enumerated port looks like), PortConfig (what a caller wants done
// with an accepted port) and the Option Policy function type itself.
package policy

import "time"

// Defaults for PortConfig fields a caller leaves unset.
const (
	DefaultMaxQueueLength      = 30
	DefaultSerialResponseTimeout = 200 * time.Millisecond
)

// PortInfo describes one attached serial port, as produced by the Port
// Enumerator (go.bug.st/serial/enumerator, wrapped in pkg/portscan).
// Fields the underlying OS/driver didn't report are left at their zero
// value, which callers should treat as "absent", not "empty string".
type PortInfo struct {
	Path         string
	Manufacturer string
	VendorID     string
	ProductID    string
	SerialNumber string
}

// IDResponseParser extracts a device identity string from the raw
// bytes accumulated by one identification probe. An empty return
// value (with a nil error) is treated as a failed identification,
// same as a non-nil error.
type IDResponseParser func(raw []byte) (string, error)

// CheckResponse validates a captured response buffer before it is
// handed back to the caller. A nil CheckResponse always accepts.
type CheckResponse func(raw []byte) bool

// PortConfig is what an Option Policy returns for a port it accepts.
type PortConfig struct {
	BaudRate             int
	GetIDCommand         []byte
	GetIDResponseParser  IDResponseParser
	CheckResponse        CheckResponse
	MaxQueueLength       int
	SerialResponseTimeout time.Duration
}

// Defaults holds the process-wide PortConfig fallbacks an operator sets
// once (config.FleetConfig.PortDefaults) instead of every accept_port/
// Option Policy call repeating them. A zero Defaults behaves like no
// override was configured.
type Defaults struct {
	BaudRate              int
	MaxQueueLength        int
	SerialResponseTimeout time.Duration
}

// WithDefaults returns a copy of c with a zero MaxQueueLength and
// SerialResponseTimeout replaced by the package's hardcoded fallbacks;
// BaudRate has no package fallback and is left as is. Equivalent to
// WithDefaultsFrom(Defaults{}).
func (c PortConfig) WithDefaults() PortConfig {
	return c.WithDefaultsFrom(Defaults{})
}

// WithDefaultsFrom returns a copy of c with zero-valued fields
// replaced first by d, then by the package's hardcoded fallbacks for
// whatever d itself leaves zero. BaudRate has no package fallback: it
// stays zero when neither c nor d sets it. Per §3: "Defaults are applied first,
// then caller values" — callers build PortConfig directly, so in this
// Go rendition that ordering collapses to "fill in what's zero".
func (c PortConfig) WithDefaultsFrom(d Defaults) PortConfig {
	if c.BaudRate <= 0 {
		c.BaudRate = d.BaudRate
	}
	if c.MaxQueueLength <= 0 {
		c.MaxQueueLength = d.MaxQueueLength
	}
	if c.MaxQueueLength <= 0 {
		c.MaxQueueLength = DefaultMaxQueueLength
	}
	if c.SerialResponseTimeout <= 0 {
		c.SerialResponseTimeout = d.SerialResponseTimeout
	}
	if c.SerialResponseTimeout <= 0 {
		c.SerialResponseTimeout = DefaultSerialResponseTimeout
	}
	return c
}

// Validate reports whether a PortConfig produced by a policy is
// usable. It does not check GetIDResponseParser/CheckResponse for
// nilness beyond the parser, which is required.
func (c PortConfig) Validate() error {
	if c.BaudRate <= 0 {
		return errInvalidBaudRate
	}
	if len(c.GetIDCommand) == 0 {
		return errEmptyIDCommand
	}
	if c.GetIDResponseParser == nil {
		return errNilParser
	}
	return nil
}

// OptionPolicy decides, for a given enumerated port, whether to manage
// it and how. A nil *PortConfig return (with a nil error) means
// "ignore this port" — the port is never handed a Port Manager.
type OptionPolicy func(info PortInfo) (*PortConfig, error)
