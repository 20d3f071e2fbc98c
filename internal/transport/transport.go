// Package transport implements the outbound HTTP transport (§4.10): a
// utls-fingerprinted TLS client that presents a Firefox ClientHello instead
// of Go's default, so the upstream's TLS fingerprinting cannot distinguish
// this proxy's traffic from a real browser/CLI, plus response-body
// decompression for the encodings the upstream may use.
//
// Grounded directly on internal/auth/claude/utls_transport.go's
// utlsRoundTripper (per-host HTTP/2 connection caching with a pending-dial
// condvar to avoid duplicate handshakes to the same host), generalized from
// a single Anthropic-domain client into one usable across the host
// allowlist, and on internal/logging/request_logger.go's
// decompressGzip/decompressBrotli pair for the Content-Encoding handling.
package transport

import (
	"bytes"
	"compress/gzip"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"

	"github.com/andybalholm/brotli"
	tls "github.com/refraction-networking/utls"
	"golang.org/x/net/http2"
	"golang.org/x/net/proxy"
)

// Config controls the transport's dialing behavior.
type Config struct {
	ProxyURL string
}

// utlsRoundTripper implements http.RoundTripper over a Firefox-fingerprinted
// utls connection, caching one HTTP/2 connection per host.
type utlsRoundTripper struct {
	mu          sync.Mutex
	connections map[string]*http2.ClientConn
	pending     map[string]*sync.Cond
	dialer      proxy.Dialer
}

func newUtlsRoundTripper(cfg Config) *utlsRoundTripper {
	var dialer proxy.Dialer = proxy.Direct
	if cfg.ProxyURL != "" {
		if proxyURL, err := url.Parse(cfg.ProxyURL); err == nil {
			if pDialer, err := proxy.FromURL(proxyURL, proxy.Direct); err == nil {
				dialer = pDialer
			}
		}
	}
	return &utlsRoundTripper{
		connections: make(map[string]*http2.ClientConn),
		pending:     make(map[string]*sync.Cond),
		dialer:      dialer,
	}
}

func (t *utlsRoundTripper) getOrCreateConnection(host, addr string) (*http2.ClientConn, error) {
	t.mu.Lock()
	if conn, ok := t.connections[host]; ok && conn.CanTakeNewRequest() {
		t.mu.Unlock()
		return conn, nil
	}
	if cond, ok := t.pending[host]; ok {
		cond.Wait()
		if conn, ok := t.connections[host]; ok && conn.CanTakeNewRequest() {
			t.mu.Unlock()
			return conn, nil
		}
	}
	cond := sync.NewCond(&t.mu)
	t.pending[host] = cond
	t.mu.Unlock()

	conn, err := t.createConnection(host, addr)

	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.pending, host)
	cond.Broadcast()
	if err != nil {
		return nil, err
	}
	t.connections[host] = conn
	return conn, nil
}

func (t *utlsRoundTripper) createConnection(host, addr string) (*http2.ClientConn, error) {
	conn, err := t.dialer.Dial("tcp", addr)
	if err != nil {
		return nil, err
	}
	tlsConn := tls.UClient(conn, &tls.Config{ServerName: host}, tls.HelloFirefox_Auto)
	if err := tlsConn.Handshake(); err != nil {
		conn.Close()
		return nil, err
	}
	tr := &http2.Transport{}
	h2Conn, err := tr.NewClientConn(tlsConn)
	if err != nil {
		tlsConn.Close()
		return nil, err
	}
	return h2Conn, nil
}

func (t *utlsRoundTripper) RoundTrip(req *http.Request) (*http.Response, error) {
	hostname := req.URL.Hostname()
	addr := req.URL.Host
	if !strings.Contains(addr, ":") {
		addr += ":443"
	}

	conn, err := t.getOrCreateConnection(hostname, addr)
	if err != nil {
		return nil, err
	}

	resp, err := conn.RoundTrip(req)
	if err != nil {
		t.mu.Lock()
		if cached, ok := t.connections[hostname]; ok && cached == conn {
			delete(t.connections, hostname)
		}
		t.mu.Unlock()
		return nil, err
	}
	return resp, nil
}

// Client implements orchestrator.Transport over a utls-fingerprinted
// http.Client, transparently decompressing the response body so every
// downstream consumer sees plain bytes regardless of Content-Encoding.
type Client struct {
	http *http.Client
}

// New constructs a Client dialing through a Firefox-fingerprinted TLS stack.
func New(cfg Config) *Client {
	return &Client{http: &http.Client{Transport: newUtlsRoundTripper(cfg)}}
}

// Send implements orchestrator.Transport.
func (c *Client) Send(req *http.Request) (*http.Response, error) {
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	if err := decompressInPlace(resp); err != nil {
		resp.Body.Close()
		return nil, err
	}
	return resp, nil
}

// decompressInPlace replaces resp.Body with a reader over its decompressed
// bytes per Content-Encoding, clearing the header so callers don't
// double-decode.
func decompressInPlace(resp *http.Response) error {
	encoding := strings.ToLower(strings.TrimSpace(resp.Header.Get("Content-Encoding")))
	if encoding == "" || encoding == "identity" {
		return nil
	}

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("transport: read compressed body: %w", err)
	}
	resp.Body.Close()

	var decompressed []byte
	switch encoding {
	case "gzip":
		decompressed, err = decompressGzip(raw)
	case "br":
		decompressed, err = decompressBrotli(raw)
	default:
		resp.Body = io.NopCloser(bytes.NewReader(raw))
		return nil
	}
	if err != nil {
		return err
	}

	resp.Header.Del("Content-Encoding")
	resp.Header.Del("Content-Length")
	resp.ContentLength = int64(len(decompressed))
	resp.Body = io.NopCloser(bytes.NewReader(decompressed))
	return nil
}

func decompressGzip(data []byte) ([]byte, error) {
	reader, err := gzip.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("transport: create gzip reader: %w", err)
	}
	defer reader.Close()
	decompressed, err := io.ReadAll(reader)
	if err != nil {
		return nil, fmt.Errorf("transport: decompress gzip body: %w", err)
	}
	return decompressed, nil
}

func decompressBrotli(data []byte) ([]byte, error) {
	reader := brotli.NewReader(bytes.NewReader(data))
	decompressed, err := io.ReadAll(reader)
	if err != nil {
		return nil, fmt.Errorf("transport: decompress brotli body: %w", err)
	}
	return decompressed, nil
}
