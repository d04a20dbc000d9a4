package gateway

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"io"
	"slices"

	"github.com/rs/zerolog"

	"revsocks_go/internal/metrics"
	"revsocks_go/internal/shared/types"
	"revsocks_go/internal/socks5"
)

var (
	ErrAuthRejected        = errors.New("gateway: authentication rejected")
	ErrNoAcceptableMethod  = errors.New("gateway: no acceptable authentication method")
	ErrCommandNotSupported = errors.New("gateway: command not supported")
)

// HandshakeState 是服务端 SOCKS5 握手的状态
type HandshakeState int

const (
	StateAwaitGreeting HandshakeState = iota
	StateAwaitAuthOrCommand
	StateNegotiating
	StateCommandReceived
	StateTerminal
)

func (s HandshakeState) String() string {
	switch s {
	case StateAwaitGreeting:
		return "AwaitGreeting"
	case StateAwaitAuthOrCommand:
		return "AwaitAuthOrCommand"
	case StateNegotiating:
		return "Negotiating"
	case StateCommandReceived:
		return "CommandReceived"
	default:
		return "Terminal"
	}
}

// Handshake 在一条客户端连接上完成问候、认证和命令读取。
// 成功时停在 CommandReceived，确认应答由调用方在出口就绪后发送。
type Handshake struct {
	rw     io.ReadWriter
	conf   *types.GatewayConf
	log    zerolog.Logger
	state  HandshakeState
	method socks5.AuthMethod

	// Authenticated 表示客户端提交的凭据与配置一致
	Authenticated bool
}

func NewHandshake(rw io.ReadWriter, conf *types.GatewayConf, l zerolog.Logger) *Handshake {
	return &Handshake{rw: rw, conf: conf, log: l, state: StateAwaitGreeting}
}

func (h *Handshake) State() HandshakeState { return h.state }

// Method 返回协商出的认证方式
func (h *Handshake) Method() socks5.AuthMethod { return h.method }

// Run 执行握手，返回解析后的请求和原始命令帧。
func (h *Handshake) Run(ctx context.Context) (*socks5.Request, []byte, error) {
	if err := h.greet(); err != nil {
		h.state = StateTerminal
		return nil, nil, err
	}
	if h.method == socks5.MethodUserPass {
		if err := h.authenticate(); err != nil {
			h.state = StateTerminal
			return nil, nil, err
		}
	}
	req, frame, err := h.readCommand(ctx)
	if err != nil {
		h.state = StateTerminal
		return nil, nil, err
	}
	h.state = StateCommandReceived
	return req, frame, nil
}

func (h *Handshake) greet() error {
	var header [2]byte
	if _, err := io.ReadFull(h.rw, header[:]); err != nil {
		return fmt.Errorf("read greeting: %w", err)
	}
	if header[0] != socks5.Version || header[1] == 0 {
		h.reject("bad_greeting")
		return fmt.Errorf("%w: version 0x%02x with %d methods", socks5.ErrMalformedRequest, header[0], header[1])
	}
	methods := make([]byte, header[1])
	if _, err := io.ReadFull(h.rw, methods); err != nil {
		return fmt.Errorf("read greeting methods: %w", err)
	}
	h.state = StateAwaitAuthOrCommand

	offers := func(m socks5.AuthMethod) bool { return slices.Contains(methods, byte(m)) }
	switch {
	case h.conf.AuthEnabled() && offers(socks5.MethodUserPass):
		h.method = socks5.MethodUserPass
	case offers(socks5.MethodNoAuth) || offers(socks5.MethodGSSAPI):
		h.method = socks5.MethodNoAuth
	default:
		h.reject("no_acceptable_method")
		return ErrNoAcceptableMethod
	}
	_, err := h.rw.Write([]byte{socks5.Version, byte(h.method)})
	return err
}

func (h *Handshake) reject(reason string) {
	metrics.HandshakeFailed(reason)
	_, _ = h.rw.Write([]byte{socks5.Version, byte(socks5.MethodNoAcceptable)})
}

// authenticate 处理用户名/密码子协商
//
//	+----+------+----------+------+----------+
//	|VER | ULEN |  UNAME   | PLEN |  PASSWD  |
//	+----+------+----------+------+----------+
//	| 1  |  1   | 1 to 255 |  1   | 1 to 255 |
//	+----+------+----------+------+----------+
func (h *Handshake) authenticate() error {
	h.state = StateNegotiating
	var ulen [2]byte
	if _, err := io.ReadFull(h.rw, ulen[:]); err != nil {
		return fmt.Errorf("read auth header: %w", err)
	}
	uname := make([]byte, ulen[1])
	if _, err := io.ReadFull(h.rw, uname); err != nil {
		return fmt.Errorf("read username: %w", err)
	}
	var plen [1]byte
	if _, err := io.ReadFull(h.rw, plen[:]); err != nil {
		return fmt.Errorf("read password length: %w", err)
	}
	passwd := make([]byte, plen[0])
	if _, err := io.ReadFull(h.rw, passwd); err != nil {
		return fmt.Errorf("read password: %w", err)
	}

	userOK := subtle.ConstantTimeCompare(uname, []byte(h.conf.Username)) == 1
	passOK := subtle.ConstantTimeCompare(passwd, []byte(h.conf.Password)) == 1
	h.Authenticated = userOK && passOK

	status := byte(socks5.AuthSuccess)
	if !h.Authenticated {
		status = socks5.AuthFailure
	}
	if _, err := h.rw.Write([]byte{socks5.UserPassVersion, status}); err != nil {
		return err
	}
	h.state = StateAwaitAuthOrCommand
	if h.Authenticated {
		return nil
	}

	metrics.HandshakeFailed("auth_rejected")
	if h.conf.StrictAuth {
		return fmt.Errorf("%w: user %q", ErrAuthRejected, uname)
	}
	h.log.Warn().Str("user", string(uname)).Msg("SOCKS5 credentials rejected, continuing without authentication")
	return nil
}

// readCommand 按地址类型读取完整的命令帧并解析。网关不解析域名。
func (h *Handshake) readCommand(ctx context.Context) (*socks5.Request, []byte, error) {
	frame := make([]byte, 4, 4+1+255+2)
	if _, err := io.ReadFull(h.rw, frame); err != nil {
		return nil, nil, fmt.Errorf("read command header: %w", err)
	}

	var rest int
	switch socks5.AddrType(frame[3]) {
	case socks5.AddrIPv4:
		rest = 4 + 2
	case socks5.AddrIPv6:
		rest = 16 + 2
	case socks5.AddrDomain:
		var l [1]byte
		if _, err := io.ReadFull(h.rw, l[:]); err != nil {
			return nil, nil, fmt.Errorf("read domain length: %w", err)
		}
		frame = append(frame, l[0])
		rest = int(l[0]) + 2
	}
	if rest > 0 {
		tail := make([]byte, rest)
		if _, err := io.ReadFull(h.rw, tail); err != nil {
			return nil, nil, fmt.Errorf("read command address: %w", err)
		}
		frame = append(frame, tail...)
	}

	req, err := socks5.ParseCommand(ctx, frame, nil)
	if err != nil {
		metrics.HandshakeFailed("malformed_command")
		_, _ = h.rw.Write(socks5.BuildReply(socks5.RepGeneralFailure, nil, 0))
		return nil, nil, err
	}
	if req.Command == socks5.CmdBind {
		metrics.HandshakeFailed("bind_unsupported")
		_, _ = h.rw.Write(socks5.BuildReply(socks5.RepCommandNotSupported, nil, 0))
		return nil, nil, ErrCommandNotSupported
	}
	return req, frame, nil
}
