package proxyagent

import (
	"errors"
	"fmt"
	"net/http"
)

// Common errors returned by the package.
var (
	// ErrConfig is matched by every *ConfigError.
	ErrConfig = errors.New("proxyagent: invalid proxy configuration")

	// ErrProxyConnect is matched by every *TransportConnectError.
	ErrProxyConnect = errors.New("proxyagent: proxy connection failed")

	// ErrUnsupportedNetwork is returned when dialing a non-TCP network.
	ErrUnsupportedNetwork = errors.New("proxyagent: unsupported network")

	// ErrInvalidTarget is returned when the destination address is missing or malformed.
	ErrInvalidTarget = errors.New("proxyagent: invalid target address")

	// ErrMalformedResponse is returned when the proxy does not answer with a
	// parseable HTTP/1.x response preamble.
	ErrMalformedResponse = errors.New("proxyagent: malformed CONNECT response")
)

// ConfigError reports invalid or insufficient proxy configuration. It is
// returned at construction time, before any connection is attempted.
type ConfigError struct {
	Field   string // option name
	Value   any    // offending value, nil if missing
	Message string
}

func (e *ConfigError) Error() string {
	if e.Value != nil {
		return fmt.Sprintf("proxyagent: config %s=%v: %s", e.Field, e.Value, e.Message)
	}
	return fmt.Sprintf("proxyagent: config %s: %s", e.Field, e.Message)
}

func (e *ConfigError) Is(target error) bool { return target == ErrConfig }

// TransportConnectError means the proxy could not be reached.
type TransportConnectError struct {
	Addr string
	Err  error
}

func (e *TransportConnectError) Error() string {
	return fmt.Sprintf("proxyagent: connect to proxy %s: %v", e.Addr, e.Err)
}

func (e *TransportConnectError) Unwrap() error { return e.Err }

func (e *TransportConnectError) Is(target error) bool { return target == ErrProxyConnect }

// ProxyRefusedError is returned when the proxy answers CONNECT with anything
// other than 200. The full response preamble is kept so callers can branch
// on it, e.g. re-authenticate on 407.
type ProxyRefusedError struct {
	// StatusCode is the HTTP status code returned by the proxy.
	StatusCode int

	// Status is the HTTP status line (e.g., "407 Proxy Authentication Required").
	Status string

	// Header holds every response header.
	Header http.Header

	// Body holds the response body when the proxy declared a small
	// Content-Length, nil otherwise.
	Body []byte
}

func (e *ProxyRefusedError) Error() string {
	return fmt.Sprintf("proxyagent: proxy refused CONNECT: %s", e.Status)
}

// Is implements error matching for ProxyRefusedError.
func (e *ProxyRefusedError) Is(target error) bool {
	_, ok := target.(*ProxyRefusedError)
	return ok
}

// TLSUpgradeError means the TLS handshake with the destination, run inside
// an established tunnel, failed.
type TLSUpgradeError struct {
	ServerName string
	Err        error
}

func (e *TLSUpgradeError) Error() string {
	return fmt.Sprintf("proxyagent: tls handshake with %s through tunnel: %v", e.ServerName, e.Err)
}

func (e *TLSUpgradeError) Unwrap() error { return e.Err }

// HandshakeError is the terminal outcome of a failed AcquireSocket call. State
// is the state the connector was in when it failed; Err is one of
// *TransportConnectError, *ProxyRefusedError, *TLSUpgradeError, a context
// error or a protocol error.
type HandshakeError struct {
	State  State
	Target string
	Err    error
}

func (e *HandshakeError) Error() string {
	return fmt.Sprintf("proxyagent: tunnel to %s failed while %s: %v", e.Target, e.State, e.Err)
}

func (e *HandshakeError) Unwrap() error { return e.Err }
