// Package config provides configuration types for the hub.
//
// Parsing concerns — JSONC support, environment-variable expansion inside
// string values, and CLI flag precedence — live outside this package; the
// types here describe the already-resolved configuration a caller hands in.
// This package owns only the struct shape, defaulting, and validation of
// that resolved form, in the same style as upstream file-based config
// packages in this codebase family: yaml+mapstructure dual tags, a
// SetDefaults method, and go-playground/validator struct tags backed by
// custom cross-field checks.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"time"
)

// TransportKind identifies how the hub talks to an upstream MCP server.
type TransportKind string

const (
	TransportStdio TransportKind = "stdio"
	TransportHTTP  TransportKind = "http"
	TransportSSE   TransportKind = "sse"
)

// ActivationPolicy controls when an upstream server is started.
type ActivationPolicy string

const (
	// ActivationAlways starts the server at hub boot and keeps it running.
	ActivationAlways ActivationPolicy = "always"
	// ActivationOnDemand starts the server on first use and may idle-stop it.
	ActivationOnDemand ActivationPolicy = "onDemand"
	// ActivationManual never starts the server automatically; an operator
	// or admin surface must request activation explicitly.
	ActivationManual ActivationPolicy = "manual"
)

// IdleResetPoint controls when the idle timer restarts.
type IdleResetPoint string

const (
	// IdleResetOnCallStart resets the idle timer when a call begins.
	IdleResetOnCallStart IdleResetPoint = "onCallStart"
	// IdleResetOnCallEnd resets the idle timer when a call completes.
	IdleResetOnCallEnd IdleResetPoint = "onCallEnd"
)

// Default timing values, named for the invariant they satisfy.
const (
	DefaultIdleTimeout     = 5 * time.Minute
	DefaultMinLinger       = 30 * time.Second
	DefaultIdleResetPoint  = IdleResetOnCallEnd
	DefaultCallTimeout     = 30 * time.Second
	DefaultTotalTimeout    = 5 * time.Minute
	DefaultHandshakeWindow = 30 * time.Second
	// DefaultFirstRunHandshakeWindow applies instead of DefaultHandshakeWindow
	// when a server's Quirks.FirstRun is set, giving a freshly spawned child
	// process (e.g. one that installs packages via npx on first launch) more
	// time to complete its handshake.
	DefaultFirstRunHandshakeWindow = 90 * time.Second
	DefaultConnectTimeout          = 30 * time.Second
	DefaultInFlightLimit           = 64
	DefaultShutdownGrace           = 5 * time.Second
	DefaultSessionTTL              = 60 * time.Second
	DefaultSweepInterval           = 60 * time.Second
	DefaultKeepAlive               = 30 * time.Second
)

// IdlePolicy controls automatic shutdown of an on-demand activated server.
type IdlePolicy struct {
	// IdleTimeout is how long a server may sit with zero active references
	// before it is eligible for automatic deactivation.
	IdleTimeout time.Duration `yaml:"idle_timeout" mapstructure:"idle_timeout"`
	// MinLinger is a floor below which a freshly-activated server will not
	// be stopped, even if its idle timer would otherwise fire sooner.
	MinLinger time.Duration `yaml:"min_linger" mapstructure:"min_linger"`
	// ResetOn controls whether the idle timer restarts at call start or
	// call end.
	ResetOn IdleResetPoint `yaml:"reset_on" mapstructure:"reset_on" validate:"omitempty,oneof=onCallStart onCallEnd"`
}

// SetDefaults fills zero-valued fields with the spec's defaults.
func (p *IdlePolicy) SetDefaults() {
	if p.IdleTimeout == 0 {
		p.IdleTimeout = DefaultIdleTimeout
	}
	if p.MinLinger == 0 {
		p.MinLinger = DefaultMinLinger
	}
	if p.ResetOn == "" {
		p.ResetOn = DefaultIdleResetPoint
	}
}

// Timeouts controls per-server timing for connect/call/handshake windows.
type Timeouts struct {
	Connect         time.Duration `yaml:"connect" mapstructure:"connect"`
	Handshake       time.Duration `yaml:"handshake" mapstructure:"handshake"`
	Call            time.Duration `yaml:"call" mapstructure:"call"`
	MaxTotalTimeout time.Duration `yaml:"max_total" mapstructure:"max_total"`

	// ResetTimeoutOnProgress extends a call's deadline by Call each time the
	// upstream emits a progress notification for it, capped at
	// MaxTotalTimeout, instead of enforcing a single fixed Call deadline.
	ResetTimeoutOnProgress bool `yaml:"reset_timeout_on_progress" mapstructure:"reset_timeout_on_progress"`
}

// SetDefaults fills zero-valued fields with the spec's defaults. firstRun
// widens the default handshake window for servers whose Quirks.FirstRun is
// set, since their child process may need to download dependencies before
// it can speak the protocol.
func (t *Timeouts) SetDefaults(firstRun bool) {
	if t.Connect == 0 {
		t.Connect = DefaultConnectTimeout
	}
	if t.Handshake == 0 {
		if firstRun {
			t.Handshake = DefaultFirstRunHandshakeWindow
		} else {
			t.Handshake = DefaultHandshakeWindow
		}
	}
	if t.Call == 0 {
		t.Call = DefaultCallTimeout
	}
	if t.MaxTotalTimeout == 0 {
		t.MaxTotalTimeout = DefaultTotalTimeout
	}
}

// Quirks captures per-server behavioral overrides for upstreams that
// deviate from strict MCP compliance (e.g. servers that omit a field the
// spec requires). The hub never transforms tool content; quirks only
// adjust the hub's own tolerance at the protocol boundary.
type Quirks struct {
	// ForceProtocolVersion, when set, skips version negotiation entirely and
	// sends this exact protocol version during the handshake, for servers
	// that reject the hub's preferred versions but still speak one of them.
	ForceProtocolVersion string `yaml:"force_protocol_version" mapstructure:"force_protocol_version"`
	// AssumedCapabilities overrides the capabilities object reported by the
	// upstream's initialize result, for servers that omit or misreport it.
	// When set, discovery trusts this instead of the negotiated result.
	AssumedCapabilities *AssumedCapabilities `yaml:"assumed_capabilities" mapstructure:"assumed_capabilities"`
	// FirstRun widens the default handshake timeout to
	// DefaultFirstRunHandshakeWindow, for a command that may install
	// dependencies (e.g. npx) before it can speak the protocol.
	FirstRun bool `yaml:"first_run" mapstructure:"first_run"`
	// MaxInFlight overrides DefaultInFlightLimit for this server's bounded
	// in-flight request queue.
	MaxInFlight int `yaml:"max_in_flight" mapstructure:"max_in_flight" validate:"omitempty,min=1"`
}

// AssumedCapabilities lists the capabilities a non-compliant upstream is
// known to support, bypassing its self-reported initialize capabilities.
type AssumedCapabilities struct {
	Tools     bool `yaml:"tools" mapstructure:"tools"`
	Resources bool `yaml:"resources" mapstructure:"resources"`
	Prompts   bool `yaml:"prompts" mapstructure:"prompts"`
}

// ServerConfig describes one upstream MCP server the hub aggregates. It is
// a tagged union over TransportKind: exactly the fields relevant to the
// chosen transport should be populated.
type ServerConfig struct {
	// ID uniquely identifies this server within the hub. Used as the
	// namespace prefix for every capability it exposes.
	ID string `yaml:"id" mapstructure:"id" validate:"required,serverid"`

	// Disabled removes the server from consideration entirely; it is
	// neither activated nor listed, distinct from a manual policy that
	// simply withholds auto-activation.
	Disabled bool `yaml:"disabled" mapstructure:"disabled"`

	Transport TransportKind `yaml:"type" mapstructure:"type" validate:"required,oneof=stdio http sse"`

	// Command/Args/Env/Cwd apply to Transport == stdio.
	Command string            `yaml:"command" mapstructure:"command"`
	Args    []string          `yaml:"args" mapstructure:"args"`
	Env     map[string]string `yaml:"env" mapstructure:"env"`
	Cwd     string            `yaml:"cwd" mapstructure:"cwd"`

	// URL/Headers apply to Transport == http or sse.
	URL     string            `yaml:"url" mapstructure:"url" validate:"omitempty,url"`
	Headers map[string]string `yaml:"headers" mapstructure:"headers"`

	ActivationPolicy ActivationPolicy `yaml:"activation_policy" mapstructure:"activation_policy" validate:"omitempty,oneof=always onDemand manual"`
	IdlePolicy       IdlePolicy       `yaml:"idle_policy" mapstructure:"idle_policy"`
	Timeouts         Timeouts         `yaml:"timeouts" mapstructure:"timeouts"`
	Quirks           Quirks           `yaml:"quirks" mapstructure:"quirks"`
}

// SetDefaults fills zero-valued fields with the spec's defaults. The
// default activation policy is "manual" per the spec's resolved Open
// Question favoring explicit opt-in over always-on upstream processes.
func (c *ServerConfig) SetDefaults() {
	if c.ActivationPolicy == "" {
		c.ActivationPolicy = ActivationManual
	}
	c.IdlePolicy.SetDefaults()
	c.Timeouts.SetDefaults(c.Quirks.FirstRun)
	if c.Quirks.MaxInFlight == 0 {
		c.Quirks.MaxInFlight = DefaultInFlightLimit
	}
}

// Validate checks structural and cross-field invariants beyond what struct
// tags express: transport-specific required fields and mutual exclusion.
func (c *ServerConfig) Validate() error {
	switch c.Transport {
	case TransportStdio:
		if c.Command == "" {
			return fmt.Errorf("server %q: stdio transport requires command", c.ID)
		}
		if c.URL != "" {
			return fmt.Errorf("server %q: stdio transport must not set url", c.ID)
		}
	case TransportHTTP, TransportSSE:
		if c.URL == "" {
			return fmt.Errorf("server %q: %s transport requires url", c.ID, c.Transport)
		}
		if c.Command != "" {
			return fmt.Errorf("server %q: %s transport must not set command", c.ID, c.Transport)
		}
		if _, err := url.Parse(c.URL); err != nil {
			return fmt.Errorf("server %q: invalid url: %w", c.ID, err)
		}
	default:
		return fmt.Errorf("server %q: unknown transport %q", c.ID, c.Transport)
	}
	return nil
}

// HubConfig is the top-level configuration for the hub process.
type HubConfig struct {
	// Listen configures the downstream-facing transports.
	Listen ListenConfig `yaml:"listen" mapstructure:"listen"`

	// Servers enumerates the upstream MCP servers the hub aggregates.
	Servers []ServerConfig `yaml:"servers" mapstructure:"servers" validate:"omitempty,dive"`

	// ShutdownGrace bounds how long graceful shutdown waits for in-flight
	// requests to drain before forcing cancellation.
	ShutdownGrace time.Duration `yaml:"shutdown_grace" mapstructure:"shutdown_grace"`

	// SessionTTL bounds how long an idle downstream session is retained.
	SessionTTL time.Duration `yaml:"session_ttl" mapstructure:"session_ttl"`

	// LogLevel sets the minimum structured log level.
	LogLevel string `yaml:"log_level" mapstructure:"log_level" validate:"omitempty,oneof=debug info warn warning error"`

	// DevMode sets the log level to debug and labels the startup banner as
	// development mode. Validation is the same with or without it.
	DevMode bool `yaml:"dev_mode" mapstructure:"dev_mode"`
}

// ListenConfig configures the hub's downstream-facing surfaces.
type ListenConfig struct {
	// Stdio enables the length-framed stdio transport for a single local
	// downstream client.
	Stdio bool `yaml:"stdio" mapstructure:"stdio"`
	// HTTPAddr, when non-empty, enables the streamable HTTP/SSE transport
	// on this address.
	HTTPAddr string `yaml:"http_addr" mapstructure:"http_addr" validate:"omitempty,hostname_port"`
}

// SetDefaults applies sensible defaults to the configuration.
func (c *HubConfig) SetDefaults() {
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
	if c.ShutdownGrace == 0 {
		c.ShutdownGrace = DefaultShutdownGrace
	}
	if c.SessionTTL == 0 {
		c.SessionTTL = DefaultSessionTTL
	}
	if c.Listen.HTTPAddr == "" && !c.Listen.Stdio {
		c.Listen.Stdio = true
	}
	for i := range c.Servers {
		c.Servers[i].SetDefaults()
	}
}

// Validate validates the HubConfig using struct tags and cross-field rules.
func (c *HubConfig) Validate() error {
	v := newValidator()

	if err := v.Struct(c); err != nil {
		return formatValidationErrors(err)
	}

	seen := make(map[string]struct{}, len(c.Servers))
	for i := range c.Servers {
		sc := &c.Servers[i]
		if sc.Disabled {
			continue
		}
		if _, dup := seen[sc.ID]; dup {
			return fmt.Errorf("duplicate server id %q", sc.ID)
		}
		seen[sc.ID] = struct{}{}
		if err := sc.Validate(); err != nil {
			return err
		}
	}

	if !c.Listen.Stdio && c.Listen.HTTPAddr == "" {
		return errors.New("listen: at least one of stdio or http_addr must be enabled")
	}

	return nil
}
