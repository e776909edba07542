package proxyagent

import (
	"context"
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"io"
	"log"
	"net"
	"net/http"
	"strings"
)

// ErrProxyAuth is returned by an AuthFunc that rejects the request's
// credentials.
var ErrProxyAuth = errors.New("proxyagent: proxy authentication required")

// TunnelFunc is called before a tunnel is opened. It can inspect headers or
// reject the tunnel by returning an error, which answers 403 Forbidden.
type TunnelFunc func(ctx context.Context, req *http.Request) error

// AuthFunc checks a CONNECT request's Proxy-Authorization. An error answers
// 407 Proxy Authentication Required.
type AuthFunc func(req *http.Request) error

// ServerConfig configures the proxy side of a tunnel.
type ServerConfig struct {
	// Authenticate is consulted first. If nil, every request is accepted.
	Authenticate AuthFunc

	// Realm is advertised in Proxy-Authenticate. Defaults to "proxy".
	Realm string

	// OnTunnel is called once the request is authenticated.
	// If nil, all tunnels are accepted.
	OnTunnel TunnelFunc

	// Dial is used to establish connections to upstream targets.
	// If nil, net.Dialer{}.DialContext is used.
	Dial DialFunc

	// ErrorLog specifies an optional logger for errors.
	// If nil, logging goes to os.Stderr via the log package's standard logger.
	ErrorLog Logger
}

// BasicAuth returns an AuthFunc accepting exactly one username and password.
func BasicAuth(username, password string) AuthFunc {
	want := []byte(username + ":" + password)
	return func(req *http.Request) error {
		scheme, encoded, ok := strings.Cut(req.Header.Get("Proxy-Authorization"), " ")
		if !ok || !strings.EqualFold(scheme, "Basic") {
			return ErrProxyAuth
		}
		got, err := base64.StdEncoding.DecodeString(strings.TrimSpace(encoded))
		if err != nil || subtle.ConstantTimeCompare(got, want) != 1 {
			return ErrProxyAuth
		}
		return nil
	}
}

func (c *ServerConfig) getDialFunc() DialFunc {
	if c.Dial != nil {
		return c.Dial
	}
	d := &net.Dialer{}
	return d.DialContext
}

func (c *ServerConfig) getLogger() Logger {
	if c.ErrorLog != nil {
		return c.ErrorLog
	}
	return log.Default()
}

func (c *ServerConfig) getRealm() string {
	if c.Realm != "" {
		return c.Realm
	}
	return "proxy"
}

// NewProxyHandler creates an HTTP/1.1 CONNECT handler. It hijacks the
// connection and copies bytes between the client and the requested target.
func NewProxyHandler(cfg *ServerConfig) http.Handler {
	if cfg == nil {
		cfg = &ServerConfig{}
	}
	return &proxyHandler{cfg: cfg}
}

type proxyHandler struct {
	cfg *ServerConfig
}

func (h *proxyHandler) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodConnect {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	// The CONNECT authority form ("example.com:443")
	target := req.RequestURI
	if _, _, err := net.SplitHostPort(target); err != nil {
		http.Error(w, "Bad request: missing target", http.StatusBadRequest)
		return
	}

	if h.cfg.Authenticate != nil {
		if err := h.cfg.Authenticate(req); err != nil {
			w.Header().Set("Proxy-Authenticate", `Basic realm="`+h.cfg.getRealm()+`"`)
			http.Error(w, "Proxy Authentication Required", http.StatusProxyAuthRequired)
			return
		}
	}

	if h.cfg.OnTunnel != nil {
		if err := h.cfg.OnTunnel(req.Context(), req); err != nil {
			h.cfg.getLogger().Printf("tunnel to %s rejected: %v", target, err)
			http.Error(w, "Forbidden", http.StatusForbidden)
			return
		}
	}

	upstream, err := h.cfg.getDialFunc()(req.Context(), "tcp", target)
	if err != nil {
		h.cfg.getLogger().Printf("failed to dial %s: %v", target, err)
		http.Error(w, "Bad Gateway", http.StatusBadGateway)
		return
	}

	hijacker, ok := w.(http.Hijacker)
	if !ok {
		upstream.Close()
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
		return
	}
	client, bufrw, err := hijacker.Hijack()
	if err != nil {
		upstream.Close()
		h.cfg.getLogger().Printf("hijack failed: %v", err)
		return
	}

	_, err = bufrw.WriteString("HTTP/1.1 200 Connection Established\r\n\r\n")
	if err == nil {
		err = bufrw.Flush()
	}
	if err != nil {
		client.Close()
		upstream.Close()
		h.cfg.getLogger().Printf("failed to write response: %v", err)
		return
	}

	// Bytes the client sent after its CONNECT preamble are already buffered.
	var fromClient io.Reader = client
	if n := bufrw.Reader.Buffered(); n > 0 {
		fromClient = bufrw.Reader
	}
	go h.tunnel(client, fromClient, upstream)
}

// tunnel copies in both directions until both sides are done.
func (h *proxyHandler) tunnel(client net.Conn, fromClient io.Reader, upstream net.Conn) {
	defer client.Close()
	defer upstream.Close()

	errCh := make(chan error, 2)
	go func() {
		_, err := io.Copy(upstream, fromClient)
		closeWrite(upstream)
		errCh <- err
	}()
	go func() {
		_, err := io.Copy(client, upstream)
		closeWrite(client)
		errCh <- err
	}()

	for range 2 {
		if err := <-errCh; err != nil && !errors.Is(err, net.ErrClosed) {
			h.cfg.getLogger().Printf("tunnel error: %v", err)
		}
	}
}

func closeWrite(c net.Conn) {
	if cw, ok := c.(interface{ CloseWrite() error }); ok {
		cw.CloseWrite()
	}
}
