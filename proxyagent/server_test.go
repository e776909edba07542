package proxyagent

import (
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"strings"
	"testing"
	"time"
)

func TestProxyHandlerAuth(t *testing.T) {
	echoAddr := startEcho(t)
	proxyServer := startProxy(t, &ServerConfig{
		Authenticate: BasicAuth("user", "pass"),
	}, nil)
	proxyURL := proxyServer.URL

	t.Run("missing credentials", func(t *testing.T) {
		agent, err := NewFromURL(proxyURL)
		if err != nil {
			t.Fatalf("NewFromURL: %v", err)
		}
		_, err = agent.AcquireSocket(context.Background(), Destination{Host: "127.0.0.1", Port: 1})

		var refused *ProxyRefusedError
		if !errors.As(err, &refused) {
			t.Fatalf("expected *ProxyRefusedError, got %v", err)
		}
		if refused.StatusCode != http.StatusProxyAuthRequired {
			t.Errorf("StatusCode = %d, want 407", refused.StatusCode)
		}
		if got := refused.Header.Get("Proxy-Authenticate"); got != `Basic realm="proxy"` {
			t.Errorf("Proxy-Authenticate = %q", got)
		}
		if !strings.Contains(string(refused.Body), "Proxy Authentication Required") {
			t.Errorf("Body = %q", refused.Body)
		}
	})

	t.Run("wrong credentials", func(t *testing.T) {
		agent, err := NewFromURL(strings.Replace(proxyURL, "http://", "http://user:nope@", 1))
		if err != nil {
			t.Fatalf("NewFromURL: %v", err)
		}
		_, err = agent.AcquireSocket(context.Background(), Destination{Host: "127.0.0.1", Port: 1})
		var refused *ProxyRefusedError
		if !errors.As(err, &refused) || refused.StatusCode != http.StatusProxyAuthRequired {
			t.Fatalf("expected 407, got %v", err)
		}
	})

	t.Run("valid credentials", func(t *testing.T) {
		agent, err := NewFromURL(strings.Replace(proxyURL, "http://", "http://user:pass@", 1))
		if err != nil {
			t.Fatalf("NewFromURL: %v", err)
		}
		conn, err := agent.DialTLSContext(context.Background(), "tcp", echoAddr)
		if err == nil {
			_ = conn.Close()
			t.Fatal("expected the TLS handshake with an echo server to fail")
		}
		// Reaching the TLS step means the proxy accepted the tunnel.
		var upgradeErr *TLSUpgradeError
		if !errors.As(err, &upgradeErr) {
			t.Fatalf("expected *TLSUpgradeError, got %v", err)
		}
	})
}

func TestProxyHandlerRejections(t *testing.T) {
	tests := []struct {
		name   string
		cfg    *ServerConfig
		status int
	}{
		{
			name: "tunnel rejected",
			cfg: &ServerConfig{
				OnTunnel: func(ctx context.Context, req *http.Request) error {
					return errors.New("not on the allow list")
				},
			},
			status: http.StatusForbidden,
		},
		{
			name: "upstream unreachable",
			cfg: &ServerConfig{
				Dial: func(ctx context.Context, network, address string) (net.Conn, error) {
					return nil, errors.New("no route")
				},
			},
			status: http.StatusBadGateway,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			proxyServer := startProxy(t, tt.cfg, nil)
			agent := newTestAgent(t, &Options{Host: proxyServer.Listener.Addr().String()})

			_, err := agent.AcquireSocket(context.Background(), Destination{Host: "example.com", Port: 80})
			var refused *ProxyRefusedError
			if !errors.As(err, &refused) {
				t.Fatalf("expected *ProxyRefusedError, got %v", err)
			}
			if refused.StatusCode != tt.status {
				t.Errorf("StatusCode = %d, want %d", refused.StatusCode, tt.status)
			}
		})
	}
}

func TestProxyHandlerMethodNotAllowed(t *testing.T) {
	proxyServer := startProxy(t, nil, nil)

	resp, err := http.Get(proxyServer.URL)
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusMethodNotAllowed {
		t.Errorf("StatusCode = %d, want 405", resp.StatusCode)
	}
}

// TestProxyHandlerEarlyData checks that bytes sent right behind the CONNECT
// preamble reach the upstream.
func TestProxyHandlerEarlyData(t *testing.T) {
	echoAddr := startEcho(t)
	proxyServer := startProxy(t, nil, nil)

	conn, err := net.Dial("tcp", proxyServer.Listener.Addr().String())
	if err != nil {
		t.Fatalf("Failed to dial proxy: %v", err)
	}
	defer func() { _ = conn.Close() }()

	if _, err := io.WriteString(conn, "CONNECT "+echoAddr+" HTTP/1.1\r\nHost: "+echoAddr+"\r\n\r\nearly"); err != nil {
		t.Fatalf("Failed to write: %v", err)
	}

	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	want := "HTTP/1.1 200 Connection Established\r\n\r\nearly"
	buf := make([]byte, len(want))
	if _, err := io.ReadFull(conn, buf); err != nil {
		t.Fatalf("Failed to read: %v", err)
	}
	if string(buf) != want {
		t.Errorf("read %q, want %q", buf, want)
	}
}
