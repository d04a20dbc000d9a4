package tunnel

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	utls "github.com/refraction-networking/utls"

	"revsocks_go/internal/shared/protocol"
)

const userAgent = "revsocks-agent/1.0"

// ClientOptions 是 agent 侧传输的公共选项
type ClientOptions struct {
	Endpoint string // http(s)://host:port
	Codec    *Codec
	// TLSFingerprint 为 https 端点启用浏览器风格的 TLS ClientHello
	TLSFingerprint bool
	DialTimeout    time.Duration
	// PollTimeout 是单次轮询请求的上限，必须大于网关的 poll_wait
	PollTimeout time.Duration
}

func (o *ClientOptions) dialTimeout() time.Duration {
	if o.DialTimeout > 0 {
		return o.DialTimeout
	}
	return 10 * time.Second
}

// HTTPClient 通过 GET/POST /tunnel/{pipe} 轮询网关。
type HTTPClient struct {
	base   *url.URL
	client *http.Client
	codec  *Codec
}

func NewHTTPClient(opts ClientOptions) (*HTTPClient, error) {
	base, err := url.Parse(strings.TrimRight(opts.Endpoint, "/"))
	if err != nil {
		return nil, fmt.Errorf("tunnel: invalid endpoint: %w", err)
	}
	if base.Scheme != "http" && base.Scheme != "https" {
		return nil, fmt.Errorf("tunnel: endpoint scheme must be http or https, got %q", base.Scheme)
	}

	dialer := &net.Dialer{Timeout: opts.dialTimeout(), KeepAlive: 30 * time.Second}
	transport := &http.Transport{
		Proxy:               http.ProxyFromEnvironment,
		DialContext:         dialer.DialContext,
		MaxIdleConns:        32,
		MaxIdleConnsPerHost: 16,
		IdleConnTimeout:     90 * time.Second,
	}
	if opts.TLSFingerprint && base.Scheme == "https" {
		transport.DialTLSContext = func(ctx context.Context, network, addr string) (net.Conn, error) {
			return dialUTLS(ctx, dialer, network, addr)
		}
	}

	timeout := opts.PollTimeout
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	return &HTTPClient{
		base:   base,
		client: &http.Client{Transport: transport, Timeout: timeout},
		codec:  opts.Codec,
	}, nil
}

// dialUTLS 以随机化的浏览器指纹完成 TLS 握手。不携带 ALPN，保证服务端协商 HTTP/1.1。
func dialUTLS(ctx context.Context, dialer *net.Dialer, network, addr string) (net.Conn, error) {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return nil, err
	}
	rawConn, err := dialer.DialContext(ctx, network, addr)
	if err != nil {
		return nil, err
	}
	tlsConn := utls.UClient(rawConn, &utls.Config{
		ServerName: host,
		MinVersion: utls.VersionTLS12,
	}, utls.HelloRandomizedNoALPN)
	if err := tlsConn.HandshakeContext(ctx); err != nil {
		rawConn.Close()
		return nil, fmt.Errorf("utls handshake: %w", err)
	}
	return tlsConn, nil
}

func (c *HTTPClient) pipeURL(pipe string) string {
	u := *c.base
	u.Path = c.base.Path + "/tunnel/" + url.PathEscape(pipe)
	return u.String()
}

func (c *HTTPClient) Poll(ctx context.Context, pipe string) (*protocol.Message, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.pipeURL(pipe), nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("User-Agent", userAgent)

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrTransportUnavailable, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: poll returned %s", ErrTransportUnavailable, resp.Status)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxMessageSize))
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrTransportUnavailable, err)
	}
	if len(body) == 0 {
		return nil, nil
	}
	return c.codec.Decode(body)
}

func (c *HTTPClient) Deliver(ctx context.Context, pipe string, msg *protocol.Message) error {
	body, err := c.codec.Encode(msg)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.pipeURL(pipe), bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set("Content-Type", "application/octet-stream")

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrTransportUnavailable, err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%w: deliver returned %s", ErrTransportUnavailable, resp.Status)
	}
	return nil
}

func (c *HTTPClient) Close() error {
	c.client.CloseIdleConnections()
	return nil
}
