package socks5

// Version 是 SOCKS 协议版本号
const Version byte = 0x05

// Command 是 SOCKS5 请求中的 CMD 字段
type Command byte

const (
	CmdConnect      Command = 0x01
	CmdBind         Command = 0x02
	CmdUDPAssociate Command = 0x03
)

func (c Command) String() string {
	switch c {
	case CmdConnect:
		return "CONNECT"
	case CmdBind:
		return "BIND"
	case CmdUDPAssociate:
		return "UDP_ASSOCIATE"
	default:
		return "UNKNOWN"
	}
}

func (c Command) valid() bool {
	return c == CmdConnect || c == CmdBind || c == CmdUDPAssociate
}

// AddrType 是 ATYP 字段
type AddrType byte

const (
	AddrIPv4   AddrType = 0x01
	AddrDomain AddrType = 0x03
	AddrIPv6   AddrType = 0x04
)

func (t AddrType) valid() bool {
	return t == AddrIPv4 || t == AddrDomain || t == AddrIPv6
}

// AuthMethod 是握手阶段协商的认证方式
type AuthMethod byte

const (
	MethodNoAuth       AuthMethod = 0x00
	MethodGSSAPI       AuthMethod = 0x01
	MethodUserPass     AuthMethod = 0x02
	MethodNoAcceptable AuthMethod = 0xFF
)

// 用户名/密码子协商 (RFC 1929)
const (
	UserPassVersion byte = 0x01
	AuthSuccess     byte = 0x00
	AuthFailure     byte = 0xFF
)

// 服务端应答码
const (
	RepSuccess             byte = 0x00
	RepGeneralFailure      byte = 0x01
	RepConnectionRefused   byte = 0x05
	RepCommandNotSupported byte = 0x07
)
