package proxyagent

import (
	"bufio"
	"bytes"
	"encoding/base64"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"time"
)

// maxRefusalBody bounds how much of a non-200 response body is kept on a
// ProxyRefusedError.
const maxRefusalBody = 64 << 10

// refusalBodyTimeout bounds the wait for a refusal body that arrives slower
// than its Content-Length promised.
var refusalBodyTimeout = 2 * time.Second

// State is a step of the tunnel establishment state machine.
type State int

const (
	// StateIdle is the state before any connection attempt.
	StateIdle State = iota
	// StateTransportConnecting covers opening the TCP or TLS connection to
	// the proxy.
	StateTransportConnecting
	// StateHandshakeSent means the CONNECT request is being written.
	StateHandshakeSent
	// StateAwaitingResponse means the proxy's response preamble is being read.
	StateAwaitingResponse
	// StateEstablished means the tunnel is ready for the caller.
	StateEstablished
	// StateUpgradingTLS covers the TLS handshake with the destination inside
	// the tunnel.
	StateUpgradingTLS
	// StateFailed is terminal; the connection to the proxy has been closed.
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateTransportConnecting:
		return "connecting to proxy"
	case StateHandshakeSent:
		return "sending CONNECT"
	case StateAwaitingResponse:
		return "awaiting CONNECT response"
	case StateEstablished:
		return "established"
	case StateUpgradingTLS:
		return "upgrading to TLS"
	case StateFailed:
		return "failed"
	}
	return fmt.Sprintf("State(%d)", int(s))
}

// basicAuth returns the Proxy-Authorization value for c.
func basicAuth(c *Credentials) string {
	return "Basic " + base64.StdEncoding.EncodeToString([]byte(c.Username+":"+c.Password))
}

// writeConnect writes the CONNECT preamble for target to w in one write.
// The request line and Host header come first; remaining headers are
// written in sorted order.
func writeConnect(w io.Writer, target string, header http.Header) error {
	var buf bytes.Buffer
	fmt.Fprintf(&buf, "CONNECT %s HTTP/1.1\r\nHost: %s\r\n", target, target)
	if err := header.Write(&buf); err != nil {
		return err
	}
	buf.WriteString("\r\n")
	_, err := w.Write(buf.Bytes())
	return err
}

// preamble reads a single CONNECT response from a connection and then hands
// the connection back as an opaque byte stream.
type preamble struct {
	conn net.Conn
	br   *bufio.Reader
}

func newPreamble(conn net.Conn) *preamble {
	return &preamble{conn: conn, br: bufio.NewReader(conn)}
}

// read parses the status line and headers. On a non-200 status the body is
// drained into a *ProxyRefusedError when its length is known and small. A
// body cut short by refusalBodyTimeout is kept as far as it was read.
func (p *preamble) read(target string) (*http.Response, error) {
	req := &http.Request{
		Method: http.MethodConnect,
		URL:    &url.URL{Opaque: target},
		Host:   target,
	}
	resp, err := http.ReadResponse(p.br, req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedResponse, err)
	}
	if resp.StatusCode == http.StatusOK {
		// A 200 to CONNECT has no body; the reader may still hold tunnel
		// payload, which Detach hands over.
		return resp, nil
	}

	refused := &ProxyRefusedError{
		StatusCode: resp.StatusCode,
		Status:     resp.Status,
		Header:     resp.Header,
	}
	if resp.ContentLength > 0 && resp.ContentLength <= maxRefusalBody {
		// The conn is discarded after a refusal, so the deadline is never reset.
		_ = p.conn.SetReadDeadline(time.Now().Add(refusalBodyTimeout))
		body, _ := io.ReadAll(io.LimitReader(resp.Body, resp.ContentLength))
		if len(body) > 0 {
			refused.Body = body
		}
	}
	// The body is not closed: closing an unbounded body drains it, and the
	// connection is discarded by the caller anyway.
	return resp, refused
}

// Detach stops treating the connection as HTTP. It returns the raw conn when
// no bytes past the preamble were read, otherwise a conn that yields the
// buffered bytes before reading from the network again.
func (p *preamble) Detach() net.Conn {
	n := p.br.Buffered()
	if n == 0 {
		return p.conn
	}
	rest, _ := p.br.Peek(n)
	return &bufferedConn{
		Conn: p.conn,
		buf:  bytes.NewReader(bytes.Clone(rest)),
	}
}
