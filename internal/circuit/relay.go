package circuit

import (
	"context"
	"errors"
	"io"
	"net"
	"sync/atomic"

	"revsocks_go/internal/metrics"
	"revsocks_go/internal/shared/protocol"
	"revsocks_go/internal/socks5"
)

// UDPMode 区分 UDP relay 所在的一侧
type UDPMode int

const (
	// UDPGateway: 面向 SOCKS5 客户端，原样转发封装好的数据报
	UDPGateway UDPMode = iota
	// UDPAgent: 面向目标，负责拆封和重新封装
	UDPAgent
)

// Relay 是电路数据面的具体实现，按 Proto 选择 TCP 或 UDP 变体。
type Relay struct {
	Proto protocol.Protocol
	tcp   *tcpRelay
	udp   *udpRelay
}

type tcpRelay struct {
	conn net.Conn
}

type udpRelay struct {
	mode     UDPMode
	conn     *net.UDPConn
	control  net.Conn // 网关侧: 客户端的 TCP 控制连接
	resolver socks5.Resolver
	client   atomic.Pointer[net.UDPAddr]
}

// NewTCPRelay 在 conn 上转发字节流
func NewTCPRelay(conn net.Conn) *Relay {
	return &Relay{Proto: protocol.ProtoTCP, tcp: &tcpRelay{conn: conn}}
}

// NewGatewayUDPRelay 在客户端侧 UDP socket 上转发数据报，control 断开即拆除电路。
func NewGatewayUDPRelay(conn *net.UDPConn, control net.Conn) *Relay {
	return &Relay{Proto: protocol.ProtoUDP, udp: &udpRelay{mode: UDPGateway, conn: conn, control: control}}
}

// NewAgentUDPRelay 在出口侧 UDP socket 上拆封/封装数据报
func NewAgentUDPRelay(conn *net.UDPConn, resolver socks5.Resolver) *Relay {
	return &Relay{Proto: protocol.ProtoUDP, udp: &udpRelay{mode: UDPAgent, conn: conn, resolver: resolver}}
}

// LocalAddr 返回 relay 绑定的本地地址
func (r *Relay) LocalAddr() net.Addr {
	switch r.Proto {
	case protocol.ProtoUDP:
		return r.udp.conn.LocalAddr()
	default:
		return r.tcp.conn.LocalAddr()
	}
}

func (r *Relay) start(c *Circuit) {
	switch r.Proto {
	case protocol.ProtoUDP:
		c.Go(func() { r.udp.readLoop(c) })
		if r.udp.mode == UDPGateway && r.udp.control != nil {
			c.Go(func() { r.udp.drainControl(c) })
		}
	default:
		c.Go(func() { r.tcp.readLoop(c) })
	}
}

func (r *Relay) write(c *Circuit, data []byte) {
	switch r.Proto {
	case protocol.ProtoUDP:
		r.udp.write(c, data)
	default:
		r.tcp.write(c, data)
	}
}

func (r *Relay) close() {
	switch r.Proto {
	case protocol.ProtoUDP:
		_ = r.udp.conn.Close()
		if r.udp.control != nil {
			_ = r.udp.control.Close()
		}
	default:
		_ = r.tcp.conn.Close()
	}
}

func upstreamDir(c *Circuit) string {
	if c.Side == SideGateway {
		return metrics.DirUpstream
	}
	return metrics.DirDownstream
}

func downstreamDir(c *Circuit) string {
	if c.Side == SideGateway {
		return metrics.DirDownstream
	}
	return metrics.DirUpstream
}

func (t *tcpRelay) readLoop(c *Circuit) {
	buf := make([]byte, c.BufferSize)
	for {
		n, err := t.conn.Read(buf)
		if n > 0 {
			payload := make([]byte, n)
			copy(payload, buf[:n])
			metrics.BytesRelayed(c.Side, upstreamDir(c), n)
			c.Send(protocol.StatusOk, payload)
		}
		if err != nil {
			if isClosed(c, err) {
				c.log.Debug().Err(ErrPeerClosed).Msg("TCP relay read loop finished")
			} else {
				c.log.Debug().Err(err).Msg("TCP relay read failed")
			}
			c.Teardown(true)
			return
		}
	}
}

func (t *tcpRelay) write(c *Circuit, data []byte) {
	if len(data) == 0 {
		return
	}
	if _, err := t.conn.Write(data); err != nil {
		c.log.Debug().Err(err).Msg("TCP relay write failed")
		c.Teardown(true)
		return
	}
	metrics.BytesRelayed(c.Side, downstreamDir(c), len(data))
}

func (u *udpRelay) readLoop(c *Circuit) {
	buf := make([]byte, 65535)
	for {
		n, src, err := u.conn.ReadFromUDP(buf)
		if err != nil {
			if !isClosed(c, err) {
				c.log.Warn().Err(err).Msg("UDP relay receive failed")
			}
			return
		}
		switch u.mode {
		case UDPGateway:
			env, perr := socks5.ParseUDPEnvelope(context.Background(), buf[:n], nil)
			if perr != nil {
				c.log.Debug().Err(perr).Str("from", src.String()).Msg("Dropping malformed UDP datagram")
				continue
			}
			if env.Fragment != 0 {
				c.log.Debug().Uint8("frag", env.Fragment).Msg("Dropping fragmented UDP datagram")
				continue
			}
			u.client.Store(src)
			payload := make([]byte, n)
			copy(payload, buf[:n])
			metrics.BytesRelayed(c.Side, metrics.DirUpstream, n)
			c.Send(protocol.StatusOk, payload)
		case UDPAgent:
			packed, perr := socks5.PackUDPEnvelope("", src.IP, uint16(src.Port), buf[:n])
			if perr != nil {
				c.log.Debug().Err(perr).Msg("Failed to pack UDP reply")
				continue
			}
			metrics.BytesRelayed(c.Side, metrics.DirDownstream, n)
			c.Send(protocol.StatusOk, packed)
		}
	}
}

func (u *udpRelay) write(c *Circuit, data []byte) {
	switch u.mode {
	case UDPGateway:
		addr := u.client.Load()
		if addr == nil {
			c.log.Debug().Msg("No client UDP address yet, dropping reply")
			return
		}
		if _, err := u.conn.WriteToUDP(data, addr); err != nil {
			c.log.Debug().Err(err).Msg("UDP send to client failed")
			return
		}
		metrics.BytesRelayed(c.Side, metrics.DirDownstream, len(data))
	case UDPAgent:
		env, err := socks5.ParseUDPEnvelope(context.Background(), data, u.resolver)
		if err != nil {
			c.log.Debug().Err(err).Msg("Dropping malformed UDP envelope")
			return
		}
		if env.Fragment != 0 {
			return
		}
		ip := env.Dest.Resolved
		if ip == nil {
			ip = env.Dest.IP
		}
		dst := &net.UDPAddr{IP: ip, Port: int(env.Dest.Port)}
		if _, err := u.conn.WriteToUDP(env.Data, dst); err != nil {
			c.log.Debug().Err(err).Str("dst", dst.String()).Msg("UDP send to destination failed")
			return
		}
		metrics.BytesRelayed(c.Side, metrics.DirUpstream, len(env.Data))
	}
}

// drainControl 丢弃控制连接上的数据，连接结束即拆除电路
func (u *udpRelay) drainControl(c *Circuit) {
	_, err := io.Copy(io.Discard, u.control)
	if err != nil && !isClosed(c, err) {
		c.log.Debug().Err(err).Msg("UDP control connection failed")
	}
	c.Teardown(true)
}

// isClosed 判断错误是否来自正常关闭
func isClosed(c *Circuit, err error) bool {
	select {
	case <-c.done:
		return true
	default:
	}
	return errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed)
}

// unwrapConn 剥离 PROXY protocol 等包装层，返回底层连接
func unwrapConn(conn net.Conn) net.Conn {
	for {
		w, ok := conn.(interface{ Raw() net.Conn })
		if !ok {
			return conn
		}
		inner := w.Raw()
		if inner == nil || inner == conn {
			return conn
		}
		conn = inner
	}
}
