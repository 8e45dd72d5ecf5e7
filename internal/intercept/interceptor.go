// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package intercept implements the connect-time hook: it records the
// destination an outbound connection asked for and points the connection at
// the local proxy instead.
package intercept

import (
	"net/netip"
	"sync/atomic"

	"grimm.is/meshredirect/internal/ebpf/types"
	"grimm.is/meshredirect/internal/errors"
	"grimm.is/meshredirect/internal/metrics"
	"grimm.is/meshredirect/internal/trace"
)

// OriginStore receives the original destination of every intercepted
// connection. Put must not block on other keys.
type OriginStore interface {
	Put(key types.ConnectionKey, origin types.OriginInfo)
}

// CookieIndex maps a socket cookie to the connection key recorded for it.
type CookieIndex interface {
	Put(cookie uint64, key types.ConnectionKey)
}

// Config is the injectable hook configuration.
type Config struct {
	// Proxy is where intercepted connections are sent.
	Proxy netip.AddrPort
	// Proxy6 is used for IPv6 connections when set. Otherwise IPv6
	// connections are sent to the IPv4-mapped form of Proxy.
	Proxy6 netip.AddrPort
	// Ports is the set of mesh-managed destination ports.
	Ports []uint16
	// Loopback lists exempt destination addresses in addition to every
	// address for which netip.Addr.IsLoopback holds.
	Loopback []netip.Addr
}

// Validate checks the configuration.
func (c Config) Validate() error {
	if !c.Proxy.IsValid() || c.Proxy.Port() == 0 {
		return errors.Attr(errors.New(errors.KindValidation, "proxy address and port are required"), "proxy", c.Proxy.String())
	}
	if c.Proxy6.IsValid() && (c.Proxy6.Port() == 0 || !c.Proxy6.Addr().Is6()) {
		return errors.Attr(errors.New(errors.KindValidation, "proxy6 must be an IPv6 address with a port"), "proxy6", c.Proxy6.String())
	}
	for _, p := range c.Ports {
		if p == 0 {
			return errors.New(errors.KindValidation, "intercepted port 0 is not valid")
		}
	}
	return nil
}

type exemptions map[netip.Addr]struct{}

// Interceptor is the connect-time hook. Connect is safe for concurrent use
// and runs in bounded time without blocking.
type Interceptor struct {
	proxy  netip.AddrPort
	proxy6 netip.AddrPort

	ports    atomic.Pointer[PortSet]
	loopback atomic.Pointer[exemptions]

	origins OriginStore
	cookies CookieIndex
	tracer  *trace.Tracer
	metrics *metrics.Metrics
}

// Option configures optional Interceptor collaborators.
type Option func(*Interceptor)

// WithCookieIndex records cookie to key mappings for connections that carry
// a socket cookie.
func WithCookieIndex(idx CookieIndex) Option {
	return func(i *Interceptor) { i.cookies = idx }
}

// WithTracer emits a trace record for every interception.
func WithTracer(t *trace.Tracer) Option {
	return func(i *Interceptor) { i.tracer = t }
}

// WithMetrics counts connect outcomes.
func WithMetrics(m *metrics.Metrics) Option {
	return func(i *Interceptor) { i.metrics = m }
}

// New creates an Interceptor writing into origins.
func New(cfg Config, origins OriginStore, opts ...Option) (*Interceptor, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if origins == nil {
		return nil, errors.New(errors.KindValidation, "origin store is required")
	}

	i := &Interceptor{
		proxy:   cfg.Proxy,
		proxy6:  cfg.Proxy6,
		origins: origins,
	}
	if !i.proxy6.IsValid() {
		i.proxy6 = netip.AddrPortFrom(netip.AddrFrom16(cfg.Proxy.Addr().As16()), cfg.Proxy.Port())
	}
	for _, opt := range opts {
		opt(i)
	}

	i.SetPorts(cfg.Ports)
	i.SetLoopback(cfg.Loopback)
	return i, nil
}

// SetPorts replaces the intercepted port set. Hooks in flight finish with
// the previous set.
func (i *Interceptor) SetPorts(ports []uint16) {
	i.ports.Store(NewPortSet(ports...))
}

// Ports returns the intercepted ports in ascending order.
func (i *Interceptor) Ports() []uint16 {
	return i.ports.Load().Ports()
}

// SetLoopback replaces the configured exemption addresses.
func (i *Interceptor) SetLoopback(addrs []netip.Addr) {
	ex := make(exemptions, len(addrs))
	for _, a := range addrs {
		if a.IsValid() {
			ex[a.Unmap()] = struct{}{}
		}
	}
	i.loopback.Store(&ex)
}

// Proxy returns the proxy target for IPv4 connections.
func (i *Interceptor) Proxy() netip.AddrPort {
	return i.proxy
}

func (i *Interceptor) isLoopback(addr netip.Addr) bool {
	a := addr.Unmap()
	if a.IsLoopback() {
		return true
	}
	_, ok := (*i.loopback.Load())[a]
	return ok
}

func (i *Interceptor) proxyFor(family types.Family) netip.AddrPort {
	if family == types.FamilyIPv6 {
		return i.proxy6
	}
	return i.proxy
}

// Connect inspects an outbound connection attempt. Mesh-managed,
// non-loopback destinations are recorded in the origin store and rewritten
// to the proxy. Connect always allows the attempt.
func (i *Interceptor) Connect(a *types.ConnectAttempt) types.Verdict {
	if i.isLoopback(a.DstIP) {
		i.metrics.ObserveConnect(metrics.ConnectLoopback)
		return types.VerdictAllow
	}
	if !i.ports.Load().Contains(a.DstPort) {
		i.metrics.ObserveConnect(metrics.ConnectPortSkipped)
		return types.VerdictAllow
	}

	// Keys and origins hold plain IPv4 for mapped addresses so lookups by
	// the IPv4 tuple hit. The proxy follows the socket family: a mapped
	// destination means an AF_INET6 socket.
	src, dst := a.SrcIP.Unmap(), a.DstIP.Unmap()
	sockFamily := a.Family
	if sockFamily == types.FamilyUnspec {
		sockFamily = types.FamilyIPv4
		if a.DstIP.Is6() {
			sockFamily = types.FamilyIPv6
		}
	}

	// The local port is not bound yet at connect time.
	key := types.ConnectionKey{
		SrcIP:   src,
		DstIP:   dst,
		SrcPort: 0,
		DstPort: a.DstPort,
		Family:  types.FamilyOf(dst),
	}
	origin := types.OriginInfo{IP: dst, Port: a.DstPort}

	i.origins.Put(key, origin)
	if a.Cookie != 0 && i.cookies != nil {
		i.cookies.Put(a.Cookie, key)
	}

	proxy := i.proxyFor(sockFamily)
	a.DstIP = proxy.Addr()
	a.DstPort = proxy.Port()
	a.Redirected = true

	i.metrics.ObserveConnect(metrics.ConnectIntercepted)
	i.tracer.Emit(trace.Record{
		Kind:   trace.KindIntercepted,
		Cookie: a.Cookie,
		Key:    key,
		Origin: origin,
		Proxy:  proxy,
	})
	return types.VerdictAllow
}
