package proxyagent

import (
	"context"
	"net"
	"net/url"

	"golang.org/x/net/http/httpproxy"
	"golang.org/x/net/proxy"
)

// DialerFromURL is a proxy.Dialer factory for use with
// proxy.RegisterDialerType. The forward dialer opens the connection to the
// proxy. Dialers built this way return raw tunnels, like every other
// proxy.Dialer.
func DialerFromURL(u *url.URL, forward proxy.Dialer) (proxy.Dialer, error) {
	secure := false
	opts := OptionsFromURL(u)
	opts.SecureEndpoint = &secure
	opts.DialContext = forwardDialFunc(forward)
	agent, err := New(opts)
	if err != nil {
		return nil, err
	}
	return agent, nil
}

// RegisterDialerTypes makes proxy.FromURL accept http and https proxy URLs.
func RegisterDialerTypes() {
	proxy.RegisterDialerType("http", DialerFromURL)
	proxy.RegisterDialerType("https", DialerFromURL)
}

func forwardDialFunc(forward proxy.Dialer) DialFunc {
	if forward == nil {
		return nil
	}
	return func(ctx context.Context, network, address string) (net.Conn, error) {
		if cd, ok := forward.(proxy.ContextDialer); ok {
			return cd.DialContext(ctx, network, address)
		}
		return forward.Dial(network, address)
	}
}

// FromEnvironment returns an Agent for the proxy that HTTP_PROXY,
// HTTPS_PROXY and NO_PROXY select for target, or nil if target is not
// proxied. Fields of base other than the proxy address are kept; base may
// be nil.
func FromEnvironment(target *url.URL, base *Options) (*Agent, error) {
	proxyURL, err := httpproxy.FromEnvironment().ProxyFunc()(target)
	if err != nil {
		return nil, &ConfigError{Field: "environment", Message: err.Error()}
	}
	if proxyURL == nil {
		return nil, nil
	}
	opts := OptionsFromURL(proxyURL)
	if base != nil {
		opts.SecureEndpoint = base.SecureEndpoint
		opts.TLSConfig = base.TLSConfig
		opts.EndpointTLSConfig = base.EndpointTLSConfig
		opts.Header = base.Header
		opts.TokenSource = base.TokenSource
		opts.DialContext = base.DialContext
		opts.Logger = base.Logger
	}
	if opts.SecureEndpoint == nil {
		secure := target.Scheme == "https"
		opts.SecureEndpoint = &secure
	}
	return New(opts)
}
