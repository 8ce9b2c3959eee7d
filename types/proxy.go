// Package types defines domain types shared across the host's packages.
package types

import (
	"fmt"
	"net"
	"net/url"
	"strconv"
)

// ProxyProtocol is the proxy type reported by the browser's proxy settings.
type ProxyProtocol string

const (
	ProxyProtocolDirect ProxyProtocol = "direct"
	ProxyProtocolHTTP   ProxyProtocol = "http"
	ProxyProtocolHTTPS  ProxyProtocol = "https"
	ProxyProtocolSOCKS  ProxyProtocol = "socks"
	ProxyProtocolSOCKS5 ProxyProtocol = "socks5"
)

// ProxyEndpoint is the proxy object the extension attaches to fetch and
// download options.
type ProxyEndpoint struct {
	// Protocol is the proxy type.
	Protocol ProxyProtocol `json:"type"`
	// Host is the proxy host.
	Host string `json:"host"`
	// Port is the proxy port (1-65535).
	Port int `json:"port"`
	// Username is the optional username for authentication.
	Username string `json:"username,omitempty"`
	// Password is the optional password for authentication.
	Password string `json:"password,omitempty"`
}

// IsDirect reports whether the endpoint means "no proxy".
func (p *ProxyEndpoint) IsDirect() bool {
	return p == nil || p.Protocol == "" || p.Protocol == ProxyProtocolDirect
}

// Validate checks the endpoint before it is dialed.
func (p *ProxyEndpoint) Validate() error {
	switch p.Protocol {
	case ProxyProtocolDirect:
		return nil
	case ProxyProtocolHTTP, ProxyProtocolHTTPS, ProxyProtocolSOCKS, ProxyProtocolSOCKS5:
		// valid
	default:
		return fmt.Errorf("invalid proxy type %q: must be http, https, socks or socks5", p.Protocol)
	}

	if p.Host == "" {
		return fmt.Errorf("proxy host is required")
	}
	if p.Port < 1 || p.Port > 65535 {
		return fmt.Errorf("invalid port %d: must be between 1 and 65535", p.Port)
	}
	if p.Password != "" && p.Username == "" {
		return fmt.Errorf("proxy password given without username")
	}
	return nil
}

// URL renders the endpoint in the form net/http's Transport.Proxy expects.
// "socks" is treated as socks5, the only SOCKS version the transport dials.
func (p *ProxyEndpoint) URL() (*url.URL, error) {
	if err := p.Validate(); err != nil {
		return nil, err
	}
	scheme := string(p.Protocol)
	if p.Protocol == ProxyProtocolSOCKS {
		scheme = string(ProxyProtocolSOCKS5)
	}
	u := &url.URL{
		Scheme: scheme,
		Host:   net.JoinHostPort(p.Host, strconv.Itoa(p.Port)),
	}
	if p.Username != "" {
		if p.Password != "" {
			u.User = url.UserPassword(p.Username, p.Password)
		} else {
			u.User = url.User(p.Username)
		}
	}
	return u, nil
}

// Redact returns a copy of the endpoint without the password.
func (p *ProxyEndpoint) Redact() ProxyEndpointRedacted {
	return ProxyEndpointRedacted{
		Protocol: p.Protocol,
		Host:     p.Host,
		Port:     p.Port,
		Username: p.Username,
	}
}

// ProxyEndpointRedacted is a proxy endpoint without password, safe to log.
type ProxyEndpointRedacted struct {
	Protocol ProxyProtocol `json:"type"`
	Host     string        `json:"host"`
	Port     int           `json:"port"`
	Username string        `json:"username,omitempty"`
}
