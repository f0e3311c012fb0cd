// Package safehttp provides the outbound transport for upstream calls.
package safehttp

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"time"
)

// DefaultConnectTimeout bounds each outbound dial unless configured
// otherwise.
const DefaultConnectTimeout = 5 * time.Second

// SafeTransport refuses to dial loopback, private and link-local
// addresses, so a mistyped upstream host cannot be pointed at internal
// services. All gateway traffic goes to a single API host, hence the
// small warm idle pool.
var SafeTransport = NewTransport(DefaultConnectTimeout)

// NewTransport builds a guarded transport with the given dial timeout.
func NewTransport(connectTimeout time.Duration) *http.Transport {
	if connectTimeout <= 0 {
		connectTimeout = DefaultConnectTimeout
	}
	return &http.Transport{
		DialContext:         guardedDialer(connectTimeout),
		TLSHandshakeTimeout: 10 * time.Second,
		MaxIdleConns:        64,
		MaxIdleConnsPerHost: 64,
		IdleConnTimeout:     90 * time.Second,
		ForceAttemptHTTP2:   true,
	}
}

func guardedDialer(timeout time.Duration) func(ctx context.Context, network, addr string) (net.Conn, error) {
	return func(ctx context.Context, network, addr string) (net.Conn, error) {
		dialer := &net.Dialer{Timeout: timeout}
		conn, err := dialer.DialContext(ctx, network, addr)
		if err != nil {
			return nil, err
		}

		host, _, _ := net.SplitHostPort(conn.RemoteAddr().String())
		ip := net.ParseIP(host)
		if ip == nil {
			conn.Close()
			return nil, fmt.Errorf("failed to parse remote IP for %q", addr)
		}
		if blockedIP(ip) {
			conn.Close()
			return nil, fmt.Errorf("access to private IP %s is denied", ip)
		}
		return conn, nil
	}
}

func blockedIP(ip net.IP) bool {
	return ip.IsLoopback() || ip.IsPrivate() || ip.IsLinkLocalUnicast() || ip.IsUnspecified()
}
