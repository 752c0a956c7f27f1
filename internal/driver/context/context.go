// Package context resolves and validates the driver-wide configuration:
// the "fluent builder" of design note 9, collapsed into a plain struct
// with explicit defaults plus a Validate/Conclude step that materializes
// derived buffers, per nonchalant's config.Config + Validate() pattern
// (internal/config/config.go, internal/config/validate.go).
package context

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/google/uuid"

	"mediadriver/internal/driver/sizeutil"
)

const (
	defaultRcvBufferSize       = 4 * 1024
	defaultCommandBufferSize   = 64 * 1024
	defaultConductorBufferSize = 64*1024 + 1024 // + trailer
	defaultClientsBufferSize   = 64*1024 + 1024 // + broadcast trailer
	defaultCountersSize        = 64 * 1024
	defaultTermBufferLength    = 16 * 1024 * 1024
	defaultMTULength           = 1408
	defaultClientLivenessMs    = 10_000
	defaultTickDurationMs      = 10
	defaultWheelSlots          = 1024
)

// Context is the fully resolved driver configuration, analogous to the
// teacher's *config.Config after Load+setDefaults+Validate.
type Context struct {
	// AeronDir is the root shared-memory directory; a unique run
	// subdirectory is minted under it to avoid collisions across
	// restarts sharing the same parent, the way the teacher's
	// corpus-mate mints resource identifiers with google/uuid.
	AeronDir string

	RcvBufferSize       int64
	CommandBufferSize   int64
	ConductorBufferSize int64
	ClientsBufferSize   int64
	CountersSize        int64

	TermBufferLength int64
	MTULength        int64

	MulticastDefaultInterface string

	ClientLivenessTimeoutMs int64
	TickDurationMs          int64
	WheelSlots              int

	EnabledEvents string // raw property, resolved via driver/events

	// runID disambiguates concurrent/successive runs sharing AeronDir.
	runID string

	concluded bool
}

// New returns a Context populated with spec-mandated defaults.
func New(aeronDir string) *Context {
	return &Context{
		AeronDir:                aeronDir,
		RcvBufferSize:           defaultRcvBufferSize,
		CommandBufferSize:       defaultCommandBufferSize,
		ConductorBufferSize:     defaultConductorBufferSize,
		ClientsBufferSize:       defaultClientsBufferSize,
		CountersSize:            defaultCountersSize,
		TermBufferLength:        defaultTermBufferLength,
		MTULength:               defaultMTULength,
		ClientLivenessTimeoutMs: defaultClientLivenessMs,
		TickDurationMs:          defaultTickDurationMs,
		WheelSlots:              defaultWheelSlots,
	}
}

// WithProperty resolves a single "aeron.*" property string (as found in
// an env var or properties file) onto the context. Unknown properties are
// ignored, matching the spec's resolution-by-name model rather than a
// strict-schema decode.
func (c *Context) WithProperty(name, value string) error {
	switch name {
	case "aeron.rcv.buffer.size":
		n, err := sizeutil.ParseSize(name, value)
		if err != nil {
			return err
		}
		c.RcvBufferSize = n
	case "aeron.command.buffer.size":
		n, err := sizeutil.ParseSize(name, value)
		if err != nil {
			return err
		}
		c.CommandBufferSize = n
	case "aeron.conductor.buffer.size":
		n, err := sizeutil.ParseSize(name, value)
		if err != nil {
			return err
		}
		c.ConductorBufferSize = n
	case "aeron.clients.buffer.size":
		n, err := sizeutil.ParseSize(name, value)
		if err != nil {
			return err
		}
		c.ClientsBufferSize = n
	case "aeron.dir.counters.size":
		n, err := sizeutil.ParseSize(name, value)
		if err != nil {
			return err
		}
		c.CountersSize = n
	case "aeron.multicast.default.interface":
		c.MulticastDefaultInterface = value
	case "aeron.event.log":
		c.EnabledEvents = value
	default:
		// unrecognized property names are a no-op, not an error
	}
	return nil
}

// Validate checks that all resolved values are within acceptable ranges,
// mirroring the teacher's ServerConfig.Validate range-check style.
func (c *Context) Validate() error {
	if c.AeronDir == "" {
		return fmt.Errorf("aeronDir must be set")
	}
	if c.RcvBufferSize <= 0 {
		return fmt.Errorf("aeron.rcv.buffer.size must be positive, got %d", c.RcvBufferSize)
	}
	if c.CommandBufferSize <= 0 {
		return fmt.Errorf("aeron.command.buffer.size must be positive, got %d", c.CommandBufferSize)
	}
	if c.ConductorBufferSize <= 0 {
		return fmt.Errorf("aeron.conductor.buffer.size must be positive, got %d", c.ConductorBufferSize)
	}
	if c.ClientsBufferSize <= 0 {
		return fmt.Errorf("aeron.clients.buffer.size must be positive, got %d", c.ClientsBufferSize)
	}
	if c.CountersSize <= 0 {
		return fmt.Errorf("aeron.dir.counters.size must be positive, got %d", c.CountersSize)
	}
	if c.TermBufferLength&(c.TermBufferLength-1) != 0 {
		return fmt.Errorf("term buffer length must be a power of two, got %d", c.TermBufferLength)
	}
	if c.MTULength <= 0 {
		return fmt.Errorf("mtu length must be positive, got %d", c.MTULength)
	}
	if c.TickDurationMs <= 0 {
		return fmt.Errorf("tick duration must be positive, got %d", c.TickDurationMs)
	}
	if c.WheelSlots <= 0 || c.WheelSlots&(c.WheelSlots-1) != 0 {
		return fmt.Errorf("wheel slots must be a positive power of two, got %d", c.WheelSlots)
	}
	return nil
}

// Conclude validates the context, mints a unique run subdirectory under
// AeronDir, and creates it on disk. It is idempotent: calling it twice
// returns the same run directory without re-minting an id.
func (c *Context) Conclude() (string, error) {
	if err := c.Validate(); err != nil {
		return "", err
	}
	if c.concluded {
		return filepath.Join(c.AeronDir, c.runID), nil
	}
	c.runID = uuid.NewString()
	runDir := filepath.Join(c.AeronDir, c.runID)
	if err := os.MkdirAll(runDir, 0o755); err != nil {
		return "", fmt.Errorf("context: create run dir %s: %w", runDir, err)
	}
	c.concluded = true
	return runDir, nil
}

// RunID returns the run-unique identifier minted by Conclude, or "" if
// Conclude has not yet been called.
func (c *Context) RunID() string {
	return c.runID
}
