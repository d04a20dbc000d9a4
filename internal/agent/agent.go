package agent

import (
	"context"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"revsocks_go/internal/circuit"
	"revsocks_go/internal/metrics"
	"revsocks_go/internal/shared/logger"
	"revsocks_go/internal/shared/protocol"
	"revsocks_go/internal/shared/types"
	"revsocks_go/internal/socks5"
	"revsocks_go/internal/tunnel"
)

// orphanSendTimeout 限制已拆除电路的消息 (Error) 的重试时长，存活电路的消息一直重试
var orphanSendTimeout = 30 * time.Second

// idleInterval 限制管道为空时的轮询频率
const idleInterval = 50 * time.Millisecond

// Agent 轮询网关的管道，代替 SOCKS5 客户端打开出站连接。
type Agent struct {
	pipe      string
	bufSize   int
	transport tunnel.Transport
	resolver  socks5.Resolver
	registry  *circuit.Registry
	dialer    *net.Dialer

	retry *rate.Limiter
	idle  *rate.Limiter

	waitGroup sync.WaitGroup
	stopping  atomic.Bool
}

// New 创建 Agent。配置了 dns_server 时使用该服务器解析域名，否则使用系统解析。
func New(cfg *types.Config, transport tunnel.Transport) *Agent {
	dialTimeout := time.Duration(cfg.DialTimeout) * time.Second
	if dialTimeout <= 0 {
		dialTimeout = 10 * time.Second
	}
	var resolver socks5.Resolver = socks5.NewSystemResolver()
	if cfg.DNSServer != "" {
		resolver = socks5.NewDNSResolver(cfg.DNSServer, dialTimeout)
	}
	retryInterval := time.Duration(cfg.RetryIntervalMs) * time.Millisecond
	if retryInterval <= 0 {
		retryInterval = time.Second
	}
	return &Agent{
		pipe:      cfg.Pipe,
		bufSize:   cfg.BufferSize,
		transport: transport,
		resolver:  resolver,
		registry:  circuit.NewRegistry(),
		dialer:    &net.Dialer{Timeout: dialTimeout},
		retry:     rate.NewLimiter(rate.Every(retryInterval), 1),
		idle:      rate.NewLimiter(rate.Every(idleInterval), 1),
	}
}

// SetResolver 替换域名解析器
func (a *Agent) SetResolver(r socks5.Resolver) { a.resolver = r }

func (a *Agent) Registry() *circuit.Registry { return a.registry }

// Run 持续轮询直到 ctx 结束。传输失败会无限重试，间隔由 retry_interval_ms 控制。
func (a *Agent) Run(ctx context.Context) error {
	logger.Info().Str("pipe", a.pipe).Msg(">>> Agent is polling the gateway.")
	defer a.shutdown()

	for {
		msg, err := a.transport.Poll(ctx, a.pipe)
		if ctx.Err() != nil {
			return nil
		}
		if err != nil {
			metrics.TransportFailed("poll")
			logger.Warn().Err(err).Msg("Agent poll failed, retrying")
			if a.retry.Wait(ctx) != nil {
				return nil
			}
			continue
		}
		if msg == nil {
			if a.idle.Wait(ctx) != nil {
				return nil
			}
			continue
		}
		a.dispatch(ctx, msg)
	}
}

func (a *Agent) shutdown() {
	a.stopping.Store(true)
	a.registry.CloseAll(true)
	a.waitGroup.Wait()
	logger.Info().Msg("Agent stopped.")
}

func (a *Agent) dispatch(ctx context.Context, msg *protocol.Message) {
	metrics.MessageHandled(circuit.SideAgent, "in", msg.Status.String())
	switch msg.Status {
	case protocol.StatusNewConnection:
		a.openCircuit(ctx, msg)
	case protocol.StatusOk:
		if c, ok := a.registry.Get(msg.CircuitID); ok {
			c.Push(msg.Payload)
		}
	case protocol.StatusError:
		if c, ok := a.registry.Get(msg.CircuitID); ok {
			c.CloseFromPeer()
		}
	}
}

// openCircuit 注册电路，然后异步解析、拨号并确认就绪
func (a *Agent) openCircuit(ctx context.Context, msg *protocol.Message) {
	if _, exists := a.registry.Get(msg.CircuitID); exists {
		logger.Debug().Str("circuit_id", msg.CircuitID.String()).Msg("Duplicate NewConnection ignored")
		return
	}
	req, err := socks5.ParseCommand(ctx, msg.Payload, nil)
	if err != nil {
		logger.Warn().Err(err).Str("circuit_id", msg.CircuitID.String()).Msg("Rejecting malformed command frame")
		a.waitGroup.Add(1)
		go func() {
			defer a.waitGroup.Done()
			a.emit(&protocol.Message{CircuitID: msg.CircuitID, Status: protocol.StatusError})
		}()
		return
	}

	c := circuit.New(msg.CircuitID, circuit.Options{
		Side:       circuit.SideAgent,
		Request:    req,
		Emit:       a.emit,
		Registry:   a.registry,
		BufferSize: a.bufSize,
	})
	if err := a.registry.Add(msg.CircuitID, c); err != nil {
		logger.Error().Err(err).Str("circuit_id", msg.CircuitID.String()).Msg("Failed to register circuit")
		return
	}

	a.waitGroup.Add(1)
	go func() {
		defer a.waitGroup.Done()
		defer func() {
			if r := recover(); r != nil {
				c.Logger().Error().Interface("panic", r).Msg("PANIC recovered in agent circuit")
				c.Teardown(true)
			}
		}()
		a.connect(ctx, c)
		c.Wait()
	}()
}

// connect 打开出站 socket，先发送就绪确认再启动 relay
func (a *Agent) connect(ctx context.Context, c *circuit.Circuit) {
	req := c.Request
	req.Dest.Resolve(ctx, a.resolver)
	l := c.Logger()

	var relay *circuit.Relay
	switch req.Command {
	case socks5.CmdConnect:
		conn, err := a.dialer.DialContext(ctx, "tcp", req.Dest.DialAddr())
		if err != nil {
			l.Warn().Err(err).Str("target", req.Dest.String()).Msg("Outbound dial failed")
			c.Teardown(true)
			return
		}
		relay = circuit.NewTCPRelay(conn)
		l.Debug().Str("target", req.Dest.String()).Str("dial", req.Dest.DialAddr()).Msg("Outbound TCP connected")
	case socks5.CmdUDPAssociate:
		conn, err := net.ListenUDP("udp", nil)
		if err != nil {
			l.Warn().Err(err).Msg("Failed to open outbound UDP socket")
			c.Teardown(true)
			return
		}
		relay = circuit.NewAgentUDPRelay(conn, a.resolver)
		l.Debug().Str("local", conn.LocalAddr().String()).Msg("Outbound UDP socket ready")
	default:
		l.Warn().Str("cmd", req.Command.String()).Msg("Unsupported command")
		c.Teardown(true)
		return
	}

	c.Send(protocol.StatusNewConnection, nil)
	if err := c.Start(relay); err != nil {
		l.Debug().Err(err).Msg("Circuit closed before relay start")
	}
}

// emit 把电路消息投递给网关，失败时按 retry 节奏重试。
// 电路存活期间一直重试，丢弃中间的 Ok 会让网关侧收到残缺的字节流；
// 电路已拆除时最多重试 orphanSendTimeout，退出阶段只尝试一次。
func (a *Agent) emit(msg *protocol.Message) {
	c, live := a.registry.Get(msg.CircuitID)
	deadline := time.Now().Add(orphanSendTimeout)
	for {
		err := a.transport.Deliver(context.Background(), a.pipe, msg)
		if err == nil {
			return
		}
		metrics.TransportFailed("deliver")
		logger.Warn().Err(err).Str("circuit_id", msg.CircuitID.String()).Str("status", msg.Status.String()).
			Msg("Agent deliver failed")
		if a.stopping.Load() {
			return
		}
		if live {
			select {
			case <-c.Done():
				// 电路已拆除并通知了对端
				return
			default:
			}
		} else if time.Now().After(deadline) {
			logger.Error().Str("circuit_id", msg.CircuitID.String()).Str("status", msg.Status.String()).
				Msg("Giving up delivery for a closed circuit")
			return
		}
		_ = a.retry.Wait(context.Background())
	}
}
