package tunnel

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"revsocks_go/internal/shared/logger"
	"revsocks_go/internal/shared/protocol"
)

// WSClient 在一条持久的 WebSocket 上收发消息，断开后在下一次调用时重连。
type WSClient struct {
	base   *url.URL
	codec  *Codec
	dialer websocket.Dialer
	wait   time.Duration

	mu   sync.Mutex
	sess *wsSession
}

type wsSession struct {
	pipe     string
	conn     *websocket.Conn
	incoming chan *protocol.Message
	done     chan struct{}
	writeMu  sync.Mutex
	once     sync.Once
	err      error
}

// NewWSClient 把 http(s) 端点映射为 ws(s)://host/ws/{pipe}。
func NewWSClient(opts ClientOptions) (*WSClient, error) {
	base, err := url.Parse(strings.TrimRight(opts.Endpoint, "/"))
	if err != nil {
		return nil, fmt.Errorf("tunnel: invalid endpoint: %w", err)
	}
	switch base.Scheme {
	case "http", "ws":
		base.Scheme = "ws"
	case "https", "wss":
		base.Scheme = "wss"
	default:
		return nil, fmt.Errorf("tunnel: unsupported endpoint scheme %q", base.Scheme)
	}

	dialer := *websocket.DefaultDialer
	dialer.HandshakeTimeout = 15 * time.Second
	d := &net.Dialer{Timeout: opts.dialTimeout()}
	dialer.NetDialContext = d.DialContext
	if opts.TLSFingerprint && base.Scheme == "wss" {
		dialer.NetDialTLSContext = func(ctx context.Context, network, addr string) (net.Conn, error) {
			return dialUTLS(ctx, d, network, addr)
		}
	}

	wait := opts.PollTimeout
	if wait <= 0 {
		wait = 20 * time.Second
	}
	return &WSClient{base: base, codec: opts.Codec, dialer: dialer, wait: wait}, nil
}

func (c *WSClient) session(ctx context.Context, pipe string) (*wsSession, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sess != nil {
		select {
		case <-c.sess.done:
			c.sess = nil
		default:
			if c.sess.pipe == pipe {
				return c.sess, nil
			}
			c.sess.close(nil)
			c.sess = nil
		}
	}

	u := *c.base
	u.Path = c.base.Path + "/ws/" + url.PathEscape(pipe)
	header := http.Header{}
	header.Set("User-Agent", userAgent)

	conn, _, err := c.dialer.DialContext(ctx, u.String(), header)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrTransportUnavailable, err)
	}
	conn.SetReadLimit(maxMessageSize)
	sess := &wsSession{
		pipe:     pipe,
		conn:     conn,
		incoming: make(chan *protocol.Message, 64),
		done:     make(chan struct{}),
	}
	go sess.readLoop(c.codec)
	c.sess = sess
	logger.Info().Str("url", u.String()).Msg("[Tunnel] WebSocket connection established")
	return sess, nil
}

func (s *wsSession) readLoop(codec *Codec) {
	for {
		msgType, data, err := s.conn.ReadMessage()
		if err != nil {
			s.close(err)
			return
		}
		if msgType != websocket.BinaryMessage {
			continue
		}
		msg, err := codec.Decode(data)
		if err != nil {
			logger.Warn().Err(err).Str("pipe", s.pipe).Msg("[Tunnel] Dropping undecodable WebSocket frame")
			continue
		}
		select {
		case s.incoming <- msg:
		case <-s.done:
			return
		}
	}
}

func (s *wsSession) close(err error) {
	s.once.Do(func() {
		s.err = err
		close(s.done)
		_ = s.conn.Close()
	})
}

// Poll 等待下一条消息，最长等待 PollTimeout，超时返回 (nil, nil)。
func (c *WSClient) Poll(ctx context.Context, pipe string) (*protocol.Message, error) {
	sess, err := c.session(ctx, pipe)
	if err != nil {
		return nil, err
	}
	timer := time.NewTimer(c.wait)
	defer timer.Stop()
	select {
	case msg := <-sess.incoming:
		return msg, nil
	case <-sess.done:
		return nil, fmt.Errorf("%w: websocket closed: %v", ErrTransportUnavailable, sess.err)
	case <-timer.C:
		return nil, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (c *WSClient) Deliver(ctx context.Context, pipe string, msg *protocol.Message) error {
	body, err := c.codec.Encode(msg)
	if err != nil {
		return err
	}
	sess, err := c.session(ctx, pipe)
	if err != nil {
		return err
	}
	sess.writeMu.Lock()
	defer sess.writeMu.Unlock()
	deadline := time.Now().Add(10 * time.Second)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	_ = sess.conn.SetWriteDeadline(deadline)
	if err := sess.conn.WriteMessage(websocket.BinaryMessage, body); err != nil {
		sess.close(err)
		return fmt.Errorf("%w: %w", ErrTransportUnavailable, err)
	}
	return nil
}

func (c *WSClient) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sess != nil {
		sess := c.sess
		c.sess = nil
		sess.writeMu.Lock()
		_ = sess.conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		sess.writeMu.Unlock()
		sess.close(nil)
	}
	return nil
}
