// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package config

import (
	"fmt"
	"net/netip"

	"grimm.is/meshredirect/internal/logging"
	"grimm.is/meshredirect/internal/store"
	"grimm.is/meshredirect/internal/trace"
)

// CurrentSchemaVersion defines the current schema version of the configuration.
const CurrentSchemaVersion = "1.0"

// Datapath modes.
const (
	// ModeUserspace runs the hooks in process against user-space tables.
	ModeUserspace = "userspace"
	// ModeKernel loads and attaches the kernel programs.
	ModeKernel = "kernel"
)

// Config is the top-level structure for the agent configuration.
type Config struct {
	// Schema version for backward compatibility.
	// @default: "1.0"
	SchemaVersion string `hcl:"schema_version,optional" json:"schema_version,omitempty" yaml:"schema_version,omitempty"`

	// Datapath mode.
	// @enum: userspace, kernel
	// @default: "userspace"
	Mode string `hcl:"mode,optional" json:"mode,omitempty" yaml:"mode,omitempty"`

	Proxy     *ProxyConfig     `hcl:"proxy,block" json:"proxy,omitempty" yaml:"proxy,omitempty"`
	Intercept *InterceptConfig `hcl:"intercept,block" json:"intercept,omitempty" yaml:"intercept,omitempty"`
	Store     *TableConfig     `hcl:"store,block" json:"store,omitempty" yaml:"store,omitempty"`
	FlowTable *TableConfig     `hcl:"flow_table,block" json:"flow_table,omitempty" yaml:"flow_table,omitempty"`
	Trace     *TraceConfig     `hcl:"trace,block" json:"trace,omitempty" yaml:"trace,omitempty"`
	EBPF      *EBPFConfig      `hcl:"ebpf,block" json:"ebpf,omitempty" yaml:"ebpf,omitempty"`
	API       *APIConfig       `hcl:"api,block" json:"api,omitempty" yaml:"api,omitempty"`
	Log       *LogConfig       `hcl:"log,block" json:"log,omitempty" yaml:"log,omitempty"`
}

// ProxyConfig is the local proxy intercepted connections are sent to.
type ProxyConfig struct {
	// @default: "127.0.0.1"
	Address string `hcl:"address,optional" json:"address,omitempty" yaml:"address,omitempty"`
	// @default: 15001
	Port int `hcl:"port,optional" json:"port,omitempty" yaml:"port,omitempty"`
	// Optional IPv6 proxy address. IPv6 connections use the IPv4-mapped
	// proxy address when unset.
	Address6 string `hcl:"address6,optional" json:"address6,omitempty" yaml:"address6,omitempty"`
}

// InterceptConfig selects which connections are redirected.
type InterceptConfig struct {
	// Mesh-managed destination ports.
	// @default: [80, 443]
	Ports []int `hcl:"ports,optional" json:"ports,omitempty" yaml:"ports,omitempty"`
	// Destination addresses that are never redirected, in addition to the
	// loopback ranges.
	// @default: ["127.0.0.1"]
	Loopback []string `hcl:"loopback,optional" json:"loopback,omitempty" yaml:"loopback,omitempty"`
	// Add every address assigned to the loopback interface.
	// @default: false
	DiscoverLoopback bool `hcl:"discover_loopback,optional" json:"discover_loopback,omitempty" yaml:"discover_loopback,omitempty"`
}

// TableConfig sizes a shared table.
type TableConfig struct {
	// @default: 65535
	Capacity int `hcl:"capacity,optional" json:"capacity,omitempty" yaml:"capacity,omitempty"`
	// Must be a power of two.
	// @default: 64
	Shards int `hcl:"shards,optional" json:"shards,omitempty" yaml:"shards,omitempty"`
}

// TraceConfig controls diagnostic trace records.
type TraceConfig struct {
	// @default: true
	Enabled *bool `hcl:"enabled,optional" json:"enabled,omitempty" yaml:"enabled,omitempty"`
	// @default: 1024
	Buffer int `hcl:"buffer,optional" json:"buffer,omitempty" yaml:"buffer,omitempty"`
}

// EBPFConfig locates the kernel object and its attachment points.
type EBPFConfig struct {
	// @default: "/usr/lib/meshredirect/mesh_redirect.o"
	ObjectPath string `hcl:"object_path,optional" json:"object_path,omitempty" yaml:"object_path,omitempty"`
	// @default: "/sys/fs/cgroup"
	CgroupPath string `hcl:"cgroup_path,optional" json:"cgroup_path,omitempty" yaml:"cgroup_path,omitempty"`
	// Maps are pinned here so they survive agent restarts.
	// @default: "/sys/fs/bpf/meshredirect"
	PinPath string `hcl:"pin_path,optional" json:"pin_path,omitempty" yaml:"pin_path,omitempty"`
}

// APIConfig controls the admin API.
type APIConfig struct {
	// @default: true
	Enabled *bool `hcl:"enabled,optional" json:"enabled,omitempty" yaml:"enabled,omitempty"`
	// @default: "127.0.0.1:15090"
	Listen string `hcl:"listen,optional" json:"listen,omitempty" yaml:"listen,omitempty"`
}

// LogConfig controls logging output.
type LogConfig struct {
	// @enum: debug, info, warn, error
	// @default: "info"
	Level string `hcl:"level,optional" json:"level,omitempty" yaml:"level,omitempty"`
	// @default: false
	JSON bool `hcl:"json,optional" json:"json,omitempty" yaml:"json,omitempty"`
}

const (
	DefaultProxyAddress = "127.0.0.1"
	DefaultProxyPort    = 15001
	DefaultObjectPath   = "/usr/lib/meshredirect/mesh_redirect.o"
	DefaultCgroupPath   = "/sys/fs/cgroup"
	DefaultPinPath      = "/sys/fs/bpf/meshredirect"
	DefaultAPIListen    = "127.0.0.1:15090"
)

// Default returns a fully populated configuration.
func Default() *Config {
	c := &Config{}
	c.ApplyDefaults()
	return c
}

func boolPtr(b bool) *bool { return &b }

// ApplyDefaults fills every unset field with its default.
func (c *Config) ApplyDefaults() {
	if c.SchemaVersion == "" {
		c.SchemaVersion = CurrentSchemaVersion
	}
	if c.Mode == "" {
		c.Mode = ModeUserspace
	}

	if c.Proxy == nil {
		c.Proxy = &ProxyConfig{}
	}
	if c.Proxy.Address == "" {
		c.Proxy.Address = DefaultProxyAddress
	}
	if c.Proxy.Port == 0 {
		c.Proxy.Port = DefaultProxyPort
	}

	if c.Intercept == nil {
		c.Intercept = &InterceptConfig{}
	}
	if c.Intercept.Ports == nil {
		c.Intercept.Ports = []int{80, 443}
	}
	if c.Intercept.Loopback == nil {
		c.Intercept.Loopback = []string{"127.0.0.1"}
	}

	c.Store = defaultTable(c.Store)
	c.FlowTable = defaultTable(c.FlowTable)

	if c.Trace == nil {
		c.Trace = &TraceConfig{}
	}
	if c.Trace.Enabled == nil {
		c.Trace.Enabled = boolPtr(true)
	}
	if c.Trace.Buffer == 0 {
		c.Trace.Buffer = trace.DefaultConfig().Buffer
	}

	if c.EBPF == nil {
		c.EBPF = &EBPFConfig{}
	}
	if c.EBPF.ObjectPath == "" {
		c.EBPF.ObjectPath = DefaultObjectPath
	}
	if c.EBPF.CgroupPath == "" {
		c.EBPF.CgroupPath = DefaultCgroupPath
	}
	if c.EBPF.PinPath == "" {
		c.EBPF.PinPath = DefaultPinPath
	}

	if c.API == nil {
		c.API = &APIConfig{}
	}
	if c.API.Enabled == nil {
		c.API.Enabled = boolPtr(true)
	}
	if c.API.Listen == "" {
		c.API.Listen = DefaultAPIListen
	}

	if c.Log == nil {
		c.Log = &LogConfig{}
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
}

func defaultTable(t *TableConfig) *TableConfig {
	if t == nil {
		t = &TableConfig{}
	}
	if t.Capacity == 0 {
		t.Capacity = store.DefaultCapacity
	}
	if t.Shards == 0 {
		t.Shards = store.DefaultShards
	}
	return t
}

// ProxyAddrPort returns the IPv4 (or primary) proxy target.
func (c *Config) ProxyAddrPort() (netip.AddrPort, error) {
	addr, err := netip.ParseAddr(c.Proxy.Address)
	if err != nil {
		return netip.AddrPort{}, fmt.Errorf("invalid proxy address %q: %w", c.Proxy.Address, err)
	}
	return netip.AddrPortFrom(addr, uint16(c.Proxy.Port)), nil
}

// Proxy6AddrPort returns the IPv6 proxy target, or the zero value when unset.
func (c *Config) Proxy6AddrPort() (netip.AddrPort, error) {
	if c.Proxy.Address6 == "" {
		return netip.AddrPort{}, nil
	}
	addr, err := netip.ParseAddr(c.Proxy.Address6)
	if err != nil {
		return netip.AddrPort{}, fmt.Errorf("invalid proxy address6 %q: %w", c.Proxy.Address6, err)
	}
	return netip.AddrPortFrom(addr, uint16(c.Proxy.Port)), nil
}

// InterceptPorts returns the intercepted ports. Call after Validate.
func (c *Config) InterceptPorts() []uint16 {
	out := make([]uint16, 0, len(c.Intercept.Ports))
	for _, p := range c.Intercept.Ports {
		out = append(out, uint16(p))
	}
	return out
}

// LoopbackAddrs returns the configured exemption addresses. Invalid entries
// are skipped; Validate reports them.
func (c *Config) LoopbackAddrs() []netip.Addr {
	out := make([]netip.Addr, 0, len(c.Intercept.Loopback))
	for _, s := range c.Intercept.Loopback {
		if a, err := netip.ParseAddr(s); err == nil {
			out = append(out, a)
		}
	}
	return out
}

// StoreConfig returns the origin store sizing.
func (c *Config) StoreConfig() store.Config {
	return store.Config{Capacity: c.Store.Capacity, Shards: c.Store.Shards}
}

// FlowTableConfig returns the flow-redirect table sizing.
func (c *Config) FlowTableConfig() store.Config {
	return store.Config{Capacity: c.FlowTable.Capacity, Shards: c.FlowTable.Shards}
}

// TraceConfig returns the tracer configuration.
func (c *Config) TraceConfig() trace.Config {
	return trace.Config{Enabled: c.Trace.Enabled != nil && *c.Trace.Enabled, Buffer: c.Trace.Buffer}
}

// APIEnabled reports whether the admin API should be served.
func (c *Config) APIEnabled() bool {
	return c.API.Enabled != nil && *c.API.Enabled
}

// LoggingConfig returns the logger configuration. Output is left to the caller.
func (c *Config) LoggingConfig() logging.Config {
	cfg := logging.DefaultConfig()
	cfg.Level = logging.ParseLevel(c.Log.Level)
	cfg.JSON = c.Log.JSON
	return cfg
}
