// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package config

import (
	"fmt"
	"math/bits"
	"net/netip"
	"strings"

	"grimm.is/meshredirect/internal/errors"
)

// ValidationError represents a configuration validation error.
type ValidationError struct {
	Field   string
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// ValidationErrors is a collection of validation errors.
type ValidationErrors []ValidationError

func (e ValidationErrors) Error() string {
	if len(e) == 0 {
		return ""
	}
	var msgs []string
	for _, err := range e {
		msgs = append(msgs, err.Error())
	}
	return strings.Join(msgs, "; ")
}

// HasErrors returns true if there are any validation errors.
func (e ValidationErrors) HasErrors() bool {
	return len(e) > 0
}

// Err returns nil when there are no errors, otherwise a KindValidation error
// wrapping e.
func (e ValidationErrors) Err() error {
	if !e.HasErrors() {
		return nil
	}
	return errors.Wrap(e, errors.KindValidation, "invalid configuration")
}

// Validate validates the entire configuration. Call ApplyDefaults first.
func (c *Config) Validate() ValidationErrors {
	var errs ValidationErrors

	switch c.Mode {
	case ModeUserspace, ModeKernel:
	default:
		errs = append(errs, ValidationError{
			Field:   "mode",
			Message: fmt.Sprintf("must be %q or %q, got %q", ModeUserspace, ModeKernel, c.Mode),
		})
	}

	errs = append(errs, c.validateProxy()...)
	errs = append(errs, c.validateIntercept()...)
	errs = append(errs, validateTable("store", c.Store)...)
	errs = append(errs, validateTable("flow_table", c.FlowTable)...)

	if c.Trace.Buffer < 1 {
		errs = append(errs, ValidationError{
			Field:   "trace.buffer",
			Message: fmt.Sprintf("must be positive, got %d", c.Trace.Buffer),
		})
	}

	if c.APIEnabled() && c.API.Listen == "" {
		errs = append(errs, ValidationError{
			Field:   "api.listen",
			Message: "listen address is required when the API is enabled",
		})
	}

	switch strings.ToLower(c.Log.Level) {
	case "debug", "info", "warn", "warning", "error":
	default:
		errs = append(errs, ValidationError{
			Field:   "log.level",
			Message: fmt.Sprintf("unknown level %q", c.Log.Level),
		})
	}

	if c.Mode == ModeKernel {
		errs = append(errs, c.validateKernel()...)
	}

	return errs
}

func validPort(p int) bool {
	return p >= 1 && p <= 65535
}

func (c *Config) validateProxy() ValidationErrors {
	var errs ValidationErrors

	if _, err := netip.ParseAddr(c.Proxy.Address); err != nil {
		errs = append(errs, ValidationError{
			Field:   "proxy.address",
			Message: fmt.Sprintf("invalid IP address: %s", c.Proxy.Address),
		})
	}
	if c.Proxy.Address6 != "" {
		a, err := netip.ParseAddr(c.Proxy.Address6)
		if err != nil || !a.Is6() || a.Is4In6() {
			errs = append(errs, ValidationError{
				Field:   "proxy.address6",
				Message: fmt.Sprintf("invalid IPv6 address: %s", c.Proxy.Address6),
			})
		}
	}
	if !validPort(c.Proxy.Port) {
		errs = append(errs, ValidationError{
			Field:   "proxy.port",
			Message: fmt.Sprintf("must be between 1 and 65535, got %d", c.Proxy.Port),
		})
	}
	return errs
}

func (c *Config) validateIntercept() ValidationErrors {
	var errs ValidationErrors

	if len(c.Intercept.Ports) == 0 {
		errs = append(errs, ValidationError{
			Field:   "intercept.ports",
			Message: "at least one port is required",
		})
	}
	for i, p := range c.Intercept.Ports {
		if !validPort(p) {
			errs = append(errs, ValidationError{
				Field:   fmt.Sprintf("intercept.ports[%d]", i),
				Message: fmt.Sprintf("must be between 1 and 65535, got %d", p),
			})
		}
	}

	// A non-loopback proxy listening on an intercepted port would have its
	// own connections redirected back to itself.
	if proxy, err := netip.ParseAddr(c.Proxy.Address); err == nil && !proxy.Unmap().IsLoopback() && !c.isLoopbackExempt(proxy) {
		for _, p := range c.Intercept.Ports {
			if p == c.Proxy.Port {
				errs = append(errs, ValidationError{
					Field:   "proxy.port",
					Message: fmt.Sprintf("port %d is intercepted and the proxy address %s is not exempt", p, proxy),
				})
				break
			}
		}
	}

	for i, s := range c.Intercept.Loopback {
		if _, err := netip.ParseAddr(s); err != nil {
			errs = append(errs, ValidationError{
				Field:   fmt.Sprintf("intercept.loopback[%d]", i),
				Message: fmt.Sprintf("invalid IP address: %s", s),
			})
		}
	}
	return errs
}

func (c *Config) isLoopbackExempt(addr netip.Addr) bool {
	for _, a := range c.LoopbackAddrs() {
		if a.Unmap() == addr.Unmap() {
			return true
		}
	}
	return false
}

func validateTable(field string, t *TableConfig) ValidationErrors {
	var errs ValidationErrors
	if t.Capacity < 1 {
		errs = append(errs, ValidationError{
			Field:   field + ".capacity",
			Message: fmt.Sprintf("must be positive, got %d", t.Capacity),
		})
	}
	if t.Shards < 1 || bits.OnesCount(uint(t.Shards)) != 1 {
		errs = append(errs, ValidationError{
			Field:   field + ".shards",
			Message: fmt.Sprintf("must be a power of two, got %d", t.Shards),
		})
	}
	return errs
}

// The kernel datapath encodes IPv4 only.
func (c *Config) validateKernel() ValidationErrors {
	var errs ValidationErrors

	if a, err := netip.ParseAddr(c.Proxy.Address); err == nil && !a.Unmap().Is4() {
		errs = append(errs, ValidationError{
			Field:   "proxy.address",
			Message: "kernel mode requires an IPv4 proxy address",
		})
	}
	if len(c.LoopbackAddrs()) == 0 || !c.LoopbackAddrs()[0].Unmap().Is4() {
		errs = append(errs, ValidationError{
			Field:   "intercept.loopback",
			Message: "kernel mode requires an IPv4 loopback address first",
		})
	}
	if c.EBPF.ObjectPath == "" {
		errs = append(errs, ValidationError{Field: "ebpf.object_path", Message: "required in kernel mode"})
	}
	if c.EBPF.CgroupPath == "" {
		errs = append(errs, ValidationError{Field: "ebpf.cgroup_path", Message: "required in kernel mode"})
	}
	return errs
}
