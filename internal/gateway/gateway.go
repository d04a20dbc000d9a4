package gateway

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	proxyproto "github.com/pires/go-proxyproto"

	"revsocks_go/internal/circuit"
	"revsocks_go/internal/metrics"
	"revsocks_go/internal/shared/logger"
	"revsocks_go/internal/shared/protocol"
	"revsocks_go/internal/shared/types"
	"revsocks_go/internal/socks5"
	"revsocks_go/internal/tunnel"
)

// Gateway 接受 SOCKS5 客户端，把出口请求交给隧道另一端的 agent。
type Gateway struct {
	conf     types.GatewayConf
	pipe     string
	bufSize  int
	hub      *tunnel.Hub
	registry *circuit.Registry

	listener  net.Listener
	closeOnce sync.Once
	waitGroup sync.WaitGroup

	mu     sync.Mutex
	conns  map[net.Conn]struct{}
	closed bool
}

func New(cfg *types.Config, hub *tunnel.Hub) *Gateway {
	return &Gateway{
		conf:     cfg.GatewayConf,
		pipe:     cfg.Pipe,
		bufSize:  cfg.BufferSize,
		hub:      hub,
		registry: circuit.NewRegistry(),
		conns:    make(map[net.Conn]struct{}),
	}
}

func (g *Gateway) Registry() *circuit.Registry { return g.registry }

// Addr 返回 SOCKS5 监听地址，Start 之前为 nil。
func (g *Gateway) Addr() net.Addr {
	if g.listener == nil {
		return nil
	}
	return g.listener.Addr()
}

// Start 在 listen_ip:socks_port 上监听并开始接受连接。
func (g *Gateway) Start() error {
	listenAddr := net.JoinHostPort(g.conf.ListenIP, strconv.Itoa(g.conf.SocksPort))
	listener, err := net.Listen("tcp", listenAddr)
	if err != nil {
		return fmt.Errorf("gateway failed to listen on %s: %w", listenAddr, err)
	}
	if g.conf.ProxyProtocol {
		listener = &proxyproto.Listener{Listener: listener, ReadHeaderTimeout: 10 * time.Second}
	}
	g.Serve(listener)
	logger.Info().Str("listen_addr", listener.Addr().String()).Bool("proxy_protocol", g.conf.ProxyProtocol).
		Msg(">>> Gateway is listening for SOCKS5 clients.")
	return nil
}

// Serve 在已有的 listener 上运行接受循环
func (g *Gateway) Serve(listener net.Listener) {
	g.listener = listener
	g.waitGroup.Add(1)
	go g.acceptLoop()
}

func (g *Gateway) acceptLoop() {
	defer g.waitGroup.Done()
	for {
		conn, err := g.listener.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				logger.Info().Msg("Gateway listener is closing.")
				return
			}
			logger.Warn().Err(err).Msg("Gateway failed to accept connection")
			continue
		}
		if !g.track(conn) {
			conn.Close()
			return
		}
		g.waitGroup.Add(1)
		go g.handleConnection(conn)
	}
}

func (g *Gateway) track(conn net.Conn) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.closed {
		return false
	}
	g.conns[conn] = struct{}{}
	return true
}

func (g *Gateway) untrack(conn net.Conn) {
	g.mu.Lock()
	delete(g.conns, conn)
	g.mu.Unlock()
}

func (g *Gateway) handleConnection(conn net.Conn) {
	defer g.waitGroup.Done()
	defer g.untrack(conn)
	defer conn.Close()

	id := uuid.New()
	l := logger.With().Str("circuit_id", id.String()).Str("client_ip", conn.RemoteAddr().String()).Logger()
	defer func() {
		if r := recover(); r != nil {
			l.Error().Interface("panic", r).Msg("PANIC recovered in gateway connection handler")
		}
	}()
	ctx := l.WithContext(context.Background())

	connectTimeout := time.Duration(g.conf.ConnectTimeout) * time.Second
	if connectTimeout > 0 {
		_ = conn.SetDeadline(time.Now().Add(connectTimeout))
	}
	hs := NewHandshake(conn, &g.conf, l)
	req, frame, err := hs.Run(ctx)
	if err != nil {
		l.Debug().Err(err).Str("state", hs.State().String()).Msg("SOCKS5 handshake ended without a circuit")
		return
	}
	_ = conn.SetDeadline(time.Time{})
	l.Debug().Str("cmd", req.Command.String()).Str("target", req.Dest.String()).Msg("SOCKS5 command received")

	c := circuit.New(id, circuit.Options{
		Side:       circuit.SideGateway,
		Request:    req,
		Emit:       g.emit,
		Registry:   g.registry,
		BufferSize: g.bufSize,
	})
	if err := g.registry.Add(id, c); err != nil {
		l.Error().Err(err).Msg("Failed to register circuit")
		_, _ = conn.Write(socks5.BuildReply(socks5.RepGeneralFailure, nil, 0))
		return
	}
	defer c.Wait()

	c.Monitor(conn, time.Duration(g.conf.LivenessIntervalMs)*time.Millisecond)
	c.Send(protocol.StatusNewConnection, frame)

	if !g.awaitReady(c, conn, connectTimeout) {
		return
	}

	localIP := localIPv4(conn)
	switch req.Protocol() {
	case protocol.ProtoUDP:
		udpConn, err := net.ListenUDP("udp", &net.UDPAddr{IP: localIP})
		if err != nil {
			l.Warn().Err(err).Msg("Failed to bind UDP relay socket")
			_, _ = conn.Write(socks5.BuildReply(socks5.RepGeneralFailure, nil, 0))
			c.Teardown(true)
			return
		}
		port := udpConn.LocalAddr().(*net.UDPAddr).Port
		if _, err := conn.Write(socks5.BuildReply(socks5.RepSuccess, localIP, port)); err != nil {
			udpConn.Close()
			c.Teardown(true)
			return
		}
		if err := c.Start(circuit.NewGatewayUDPRelay(udpConn, conn)); err != nil {
			return
		}
		l.Debug().Int("udp_port", port).Msg("UDP associate relaying")
	default:
		if _, err := conn.Write(socks5.BuildReply(socks5.RepSuccess, localIP, localPort(conn))); err != nil {
			c.Teardown(true)
			return
		}
		if err := c.Start(circuit.NewTCPRelay(conn)); err != nil {
			return
		}
		l.Debug().Msg("TCP circuit relaying")
	}
}

// awaitReady 等待 agent 确认出口就绪，失败时已向客户端回复。
func (g *Gateway) awaitReady(c *circuit.Circuit, conn net.Conn, timeout time.Duration) bool {
	var expired <-chan time.Time
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		expired = timer.C
	}
	select {
	case proto := <-c.Ready():
		if proto != protocol.ProtoUnknown && proto != c.Proto {
			c.Logger().Warn().Str("agent_proto", proto.String()).Msg("Agent acknowledged with a different protocol")
		}
		return true
	case <-c.Done():
		c.Logger().Debug().Msg("Circuit closed before the agent became ready")
	case <-expired:
		c.Logger().Warn().Dur("timeout", timeout).Msg("Agent did not acknowledge the circuit in time")
		c.Teardown(true)
	}
	metrics.HandshakeFailed("agent_unavailable")
	_, _ = conn.Write(socks5.BuildReply(socks5.RepGeneralFailure, nil, 0))
	return false
}

func (g *Gateway) emit(msg *protocol.Message) {
	g.hub.Queue(g.pipe).Enqueue(msg)
}

// Deliver 分发 agent 投递回来的消息，实现 tunnel.Sink。
func (g *Gateway) Deliver(pipe string, msg *protocol.Message) error {
	metrics.MessageHandled(circuit.SideGateway, "in", msg.Status.String())
	c, ok := g.registry.Get(msg.CircuitID)
	if !ok {
		logger.Debug().Str("circuit_id", msg.CircuitID.String()).Str("status", msg.Status.String()).
			Msg("Message for unknown circuit dropped")
		return nil
	}
	switch msg.Status {
	case protocol.StatusNewConnection:
		c.SignalReady(msg.Protocol)
	case protocol.StatusOk:
		c.Push(msg.Payload)
	case protocol.StatusError:
		c.CloseFromPeer()
	}
	return nil
}

// Close 停止接受连接，拆除所有电路并等待处理协程退出。
func (g *Gateway) Close() error {
	var err error
	g.closeOnce.Do(func() {
		if g.listener != nil {
			err = g.listener.Close()
		}
		g.mu.Lock()
		g.closed = true
		for conn := range g.conns {
			_ = conn.Close()
		}
		g.mu.Unlock()
		g.registry.CloseAll(true)
		g.waitGroup.Wait()
	})
	return err
}

// rawConn 剥离 PROXY protocol 包装
func rawConn(conn net.Conn) net.Conn {
	if pc, ok := conn.(*proxyproto.Conn); ok {
		return pc.Raw()
	}
	return conn
}

// localIPv4 返回客户端连接在本机一侧的 IPv4 地址
func localIPv4(conn net.Conn) net.IP {
	if addr, ok := rawConn(conn).LocalAddr().(*net.TCPAddr); ok {
		if ip4 := addr.IP.To4(); ip4 != nil {
			return ip4
		}
	}
	return net.IPv4zero.To4()
}

func localPort(conn net.Conn) int {
	if addr, ok := rawConn(conn).LocalAddr().(*net.TCPAddr); ok {
		return addr.Port
	}
	return 0
}
