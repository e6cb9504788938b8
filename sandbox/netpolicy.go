package sandbox

import (
	"crypto/x509"
	"fmt"
	"strings"
	"time"

	"github.com/bmatcuk/doublestar/v4"
)

// NetworkPolicy scopes the hosts network-facing callbacks may reach.
// Patterns use glob syntax ("*.example.com", "api.{eu,us}.internal").
// The engine validates the policy at construction; enforcement happens
// in the callbacks that open connections, via AllowsHost.
type NetworkPolicy struct {
	// AllowedHosts lists host patterns callbacks may reach. Empty
	// means no network access.
	AllowedHosts []string

	// BlockedHosts lists host patterns denied even when an allow
	// pattern matches.
	BlockedHosts []string

	// AllowLocalhost permits loopback addresses, which are otherwise
	// always denied.
	AllowLocalhost bool

	// MaxConnections caps concurrent guest-driven connections. Zero
	// means no cap. Enforced by the callbacks that open connections.
	MaxConnections int

	// ConnectTimeout bounds dialing a remote host. Zero leaves the
	// callback's own default in place.
	ConnectTimeout time.Duration

	// IOTimeout bounds individual reads and writes on an open
	// connection. Zero leaves the callback's own default in place.
	IOTimeout time.Duration

	// RootCAs is an optional PEM bundle for TLS verification in
	// callbacks.
	RootCAs []byte
}

// Validate checks every pattern compiles and the CA bundle parses.
func (p NetworkPolicy) Validate() error {
	for _, pat := range p.AllowedHosts {
		if !doublestar.ValidatePattern(pat) {
			return fmt.Errorf("invalid allowed host pattern %q", pat)
		}
	}
	for _, pat := range p.BlockedHosts {
		if !doublestar.ValidatePattern(pat) {
			return fmt.Errorf("invalid blocked host pattern %q", pat)
		}
	}
	if len(p.RootCAs) > 0 {
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(p.RootCAs) {
			return fmt.Errorf("root CA bundle contains no valid PEM certificates")
		}
	}
	return nil
}

// AllowsHost reports whether the policy permits connections to host.
// Blocks win over allows.
func (p NetworkPolicy) AllowsHost(host string) bool {
	host = strings.ToLower(host)
	if isLoopback(host) && !p.AllowLocalhost {
		return false
	}
	for _, pat := range p.BlockedHosts {
		if matched, err := doublestar.Match(strings.ToLower(pat), host); err == nil && matched {
			return false
		}
	}
	for _, pat := range p.AllowedHosts {
		if matched, err := doublestar.Match(strings.ToLower(pat), host); err == nil && matched {
			return true
		}
	}
	return false
}

// CertPool builds the policy's CA pool, or nil when no bundle is set.
func (p NetworkPolicy) CertPool() (*x509.CertPool, error) {
	if len(p.RootCAs) == 0 {
		return nil, nil
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(p.RootCAs) {
		return nil, fmt.Errorf("root CA bundle contains no valid PEM certificates")
	}
	return pool, nil
}

func isLoopback(host string) bool {
	return host == "localhost" || host == "127.0.0.1" || host == "::1" ||
		strings.HasSuffix(host, ".localhost")
}
