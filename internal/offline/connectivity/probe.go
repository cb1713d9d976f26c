package connectivity

import (
	"context"
	"net"
	"net/url"
	"strings"
	"sync/atomic"
	"time"
)

// DialProber considers the network online when a TCP connection to Address
// succeeds.
type DialProber struct {
	Address string
	Timeout time.Duration
}

// NewDialProber returns a prober for address, which may be host:port or a
// URL such as libsql://db.turso.io (port 443 is assumed for URLs without one).
func NewDialProber(address string) *DialProber {
	return &DialProber{Address: ProbeAddress(address), Timeout: 3 * time.Second}
}

// ProbeAddress turns a database URL into a dialable host:port.
func ProbeAddress(address string) string {
	if !strings.Contains(address, "://") {
		return address
	}
	u, err := url.Parse(address)
	if err != nil || u.Host == "" {
		return address
	}
	if u.Port() != "" {
		return u.Host
	}
	port := "443"
	if u.Scheme == "http" || u.Scheme == "ws" {
		port = "80"
	}
	return net.JoinHostPort(u.Hostname(), port)
}

// Probe implements Prober.
func (p *DialProber) Probe(ctx context.Context) bool {
	if p.Address == "" {
		return false
	}
	d := net.Dialer{Timeout: p.Timeout}
	conn, err := d.DialContext(ctx, "tcp", p.Address)
	if err != nil {
		return false
	}
	conn.Close()
	return true
}

// StaticProber returns whatever was last stored with Set.
type StaticProber struct {
	online atomic.Bool
}

// NewStaticProber returns a StaticProber with the given initial value.
func NewStaticProber(online bool) *StaticProber {
	p := &StaticProber{}
	p.online.Store(online)
	return p
}

// Set changes the value future probes report.
func (p *StaticProber) Set(online bool) {
	p.online.Store(online)
}

// Probe implements Prober.
func (p *StaticProber) Probe(ctx context.Context) bool {
	return p.online.Load()
}

// All is online only when every prober is. Nil probers are skipped.
func All(probers ...Prober) Prober {
	return ProberFunc(func(ctx context.Context) bool {
		for _, p := range probers {
			if p == nil {
				continue
			}
			if !p.Probe(ctx) {
				return false
			}
		}
		return true
	})
}
