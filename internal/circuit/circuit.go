package circuit

import (
	"errors"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"revsocks_go/internal/metrics"
	"revsocks_go/internal/shared/protocol"
	"revsocks_go/internal/socks5"
)

var (
	ErrDuplicateCircuit = errors.New("circuit: duplicate circuit id")
	ErrPeerClosed       = errors.New("circuit: peer closed")
	ErrClosed           = errors.New("circuit: closed")
)

const (
	SideGateway = "gateway"
	SideAgent   = "agent"
)

// inboundQueueSize 是每个电路入站数据的缓冲深度
const inboundQueueSize = 512

// State 是电路的生命周期状态
type State int32

const (
	StateNewConnection State = iota
	StateOk
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateNewConnection:
		return "NewConnection"
	case StateOk:
		return "Ok"
	default:
		return "Closed"
	}
}

// Emitter 把电路产生的消息交给隧道 (网关: 入队; agent: 投递)
type Emitter func(msg *protocol.Message)

// Options 描述创建电路所需的依赖
type Options struct {
	Side       string
	Request    *socks5.Request
	Emit       Emitter
	Registry   *Registry
	BufferSize int
}

// Circuit 是一条客户端到目标的逻辑通道，网关和 agent 各持有一份。
// 拆除通过关闭其拥有的 socket 完成，所有 goroutine 在下一次 I/O 时退出。
type Circuit struct {
	ID         uuid.UUID
	Side       string
	Proto      protocol.Protocol
	Request    *socks5.Request
	BufferSize int

	log      zerolog.Logger
	emit     Emitter
	registry *Registry

	state   atomic.Int32
	readied atomic.Bool
	mu      sync.Mutex
	relay   *Relay
	inbound chan []byte
	ready   chan protocol.Protocol
	done    chan struct{}

	wg        sync.WaitGroup
	closeOnce sync.Once
}

// New 创建电路，尚未注册。
func New(id uuid.UUID, opts Options) *Circuit {
	proto := protocol.ProtoTCP
	if opts.Request != nil {
		proto = opts.Request.Protocol()
	}
	bufSize := opts.BufferSize
	if bufSize <= 0 {
		bufSize = 4096
	}
	c := &Circuit{
		ID:         id,
		Side:       opts.Side,
		Proto:      proto,
		Request:    opts.Request,
		BufferSize: bufSize,
		emit:       opts.Emit,
		registry:   opts.Registry,
		inbound:    make(chan []byte, inboundQueueSize),
		ready:      make(chan protocol.Protocol, 1),
		done:       make(chan struct{}),
	}
	c.log = log.With().
		Str("circuit_id", id.String()).
		Str("side", opts.Side).
		Str("proto", proto.String()).
		Logger()
	return c
}

func (c *Circuit) Logger() *zerolog.Logger { return &c.log }

func (c *Circuit) State() State { return State(c.state.Load()) }

// Done 在电路拆除后关闭
func (c *Circuit) Done() <-chan struct{} { return c.done }

// Ready 在对端确认出口就绪后收到其协议
func (c *Circuit) Ready() <-chan protocol.Protocol { return c.ready }

// SignalReady 由入站 NewConnection 确认调用，重复调用被忽略。
func (c *Circuit) SignalReady(p protocol.Protocol) {
	c.readied.Store(true)
	select {
	case c.ready <- p:
	default:
	}
}

// Push 按到达顺序排入一段入站数据，电路关闭后返回 false。空数据被忽略。
// Push 从不阻塞: 入站队列满说明本端 socket 不再读取，电路被拆除并通知对端。
func (c *Circuit) Push(data []byte) bool {
	if len(data) == 0 {
		return c.State() != StateClosed
	}
	if c.enqueue(data) {
		return true
	}
	if c.State() != StateClosed {
		c.log.Warn().Int("queued", len(c.inbound)).Msg("Inbound queue overflow, tearing circuit down")
		c.overflow()
	}
	return false
}

// CloseFromPeer 处理对端的 Error: 已排队的数据写完后拆除电路，不回送 Error。
// 尚未就绪的电路或队列已满时立即拆除。
func (c *Circuit) CloseFromPeer() {
	if !c.readied.Load() && c.State() != StateOk {
		c.Teardown(false)
		return
	}
	if !c.enqueue(nil) {
		c.Teardown(false)
	}
}

// enqueue 非阻塞入队，nil 是关闭标记
func (c *Circuit) enqueue(data []byte) bool {
	select {
	case <-c.done:
		return false
	default:
	}
	select {
	case c.inbound <- data:
		return true
	default:
		return false
	}
}

// overflow 立即把电路标记为关闭，Error 的发送放到后台，调用方 (隧道读循环) 不等待 Emitter。
func (c *Circuit) overflow() {
	c.state.Store(int32(StateClosed))
	go c.Teardown(true)
}

// Send 经 Emitter 发出一条属于本电路的消息
func (c *Circuit) Send(status protocol.Status, payload []byte) {
	if c.emit == nil {
		return
	}
	msg := &protocol.Message{CircuitID: c.ID, Status: status, Payload: payload}
	if status == protocol.StatusNewConnection && c.Side == SideAgent {
		msg.Protocol = c.Proto
	}
	metrics.MessageHandled(c.Side, "out", status.String())
	c.emit(msg)
}

// Go 启动一个归属于本电路的 goroutine，Wait 会等待它退出。
func (c *Circuit) Go(fn func()) {
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		fn()
	}()
}

// Start 绑定 relay 并开始双向转发。
func (c *Circuit) Start(relay *Relay) error {
	c.mu.Lock()
	select {
	case <-c.done:
		c.mu.Unlock()
		relay.close()
		return ErrClosed
	default:
	}
	c.relay = relay
	c.mu.Unlock()

	c.state.CompareAndSwap(int32(StateNewConnection), int32(StateOk))
	relay.start(c)
	c.Go(c.writeLoop)
	return nil
}

// writeLoop 把入站数据按顺序写入 relay
func (c *Circuit) writeLoop() {
	for {
		select {
		case data := <-c.inbound:
			if data == nil {
				c.Teardown(false)
				return
			}
			c.relay.write(c, data)
		case <-c.done:
			return
		}
	}
}

// Monitor 周期性检查 conn 的 TCP 状态，一旦离开 ESTABLISHED 即拆除电路。
func (c *Circuit) Monitor(conn net.Conn, interval time.Duration) {
	c.Go(func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-c.done:
				return
			case <-ticker.C:
				if !Established(conn) {
					c.log.Debug().Msg("Client socket left ESTABLISHED state")
					c.Teardown(true)
					return
				}
			}
		}
	})
}

// Teardown 幂等地释放电路: 关闭 relay 的 socket、从注册表移除，notifyPeer 时向对端发送 Error。
// relay 启动之前的客户端连接由调用方负责关闭。
func (c *Circuit) Teardown(notifyPeer bool) {
	c.closeOnce.Do(func() {
		c.state.Store(int32(StateClosed))

		c.mu.Lock()
		close(c.done)
		relay := c.relay
		c.mu.Unlock()

		if relay != nil {
			relay.close()
		}
		if c.registry != nil && c.registry.removeCircuit(c) {
			metrics.CircuitClosed(c.Side, c.Proto.String())
		}
		if notifyPeer {
			c.Send(protocol.StatusError, nil)
		}
		c.log.Debug().Bool("notify_peer", notifyPeer).Msg("Circuit torn down")
	})
}

// Wait 等待电路的所有 goroutine 退出
func (c *Circuit) Wait() { c.wg.Wait() }
