package socks5

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"net"
	"strconv"

	"revsocks_go/internal/shared/protocol"
)

// ErrMalformedRequest 表示无法解析的 SOCKS5 请求或 UDP 封包
var ErrMalformedRequest = errors.New("socks5: malformed request")

// minFrameLen 是最短的合法帧长度 (IPv4 地址)
const minFrameLen = 10

// Destination 描述一个目标地址。
// 对域名地址，Resolved 为解析结果；解析失败时回退到 127.0.0.1 且 DNSResolved=false。
type Destination struct {
	AddrType    AddrType
	IP          net.IP
	Domain      string
	Resolved    net.IP
	Port        uint16
	DNSResolved bool
}

// Host 返回用于展示的主机部分 (域名或 IP)
func (d *Destination) Host() string {
	if d.AddrType == AddrDomain {
		return d.Domain
	}
	return d.IP.String()
}

func (d *Destination) String() string {
	return net.JoinHostPort(d.Host(), strconv.Itoa(int(d.Port)))
}

// DialAddr 返回实际拨号使用的地址，优先使用已解析的 IP。
func (d *Destination) DialAddr() string {
	switch {
	case d.Resolved != nil:
		return net.JoinHostPort(d.Resolved.String(), strconv.Itoa(int(d.Port)))
	case d.IP != nil:
		return net.JoinHostPort(d.IP.String(), strconv.Itoa(int(d.Port)))
	default:
		return d.String()
	}
}

// Resolve 用 resolver 解析域名目标，IP 目标和 nil resolver 不做任何事。
func (d *Destination) Resolve(ctx context.Context, resolver Resolver) {
	if d.AddrType == AddrDomain && resolver != nil {
		resolveDomain(ctx, resolver, d)
	}
}

// Request 是解析后的 SOCKS5 命令帧
//
//	+----+-----+-------+------+----------+----------+
//	|VER | CMD |  RSV  | ATYP | DST.ADDR | DST.PORT |
//	+----+-----+-------+------+----------+----------+
//	| 1  |  1  | X'00' |  1   | Variable |    2     |
//	+----+-----+-------+------+----------+----------+
type Request struct {
	Version byte
	Command Command
	Dest    Destination
}

// Protocol 返回该命令在出口侧使用的传输协议
func (r *Request) Protocol() protocol.Protocol {
	if r.Command == CmdUDPAssociate {
		return protocol.ProtoUDP
	}
	return protocol.ProtoTCP
}

// ParseCommand 解析一个完整的命令帧。版本号只记录不校验，由调用方决定策略。
// resolver 为 nil 时不解析域名。
func ParseCommand(ctx context.Context, data []byte, resolver Resolver) (*Request, error) {
	if len(data) < minFrameLen {
		return nil, fmt.Errorf("%w: frame too short (%d bytes)", ErrMalformedRequest, len(data))
	}
	req := &Request{Version: data[0], Command: Command(data[1])}
	if !req.Command.valid() {
		return nil, fmt.Errorf("%w: unknown command 0x%02x", ErrMalformedRequest, data[1])
	}
	if data[2] != 0x00 {
		return nil, fmt.Errorf("%w: reserved byte is 0x%02x", ErrMalformedRequest, data[2])
	}
	rest, err := parseAddress(ctx, data[3:], true, resolver, &req.Dest)
	if err != nil {
		return nil, err
	}
	if len(rest) != 0 {
		return nil, fmt.Errorf("%w: %d trailing bytes", ErrMalformedRequest, len(rest))
	}
	return req, nil
}

// parseAddress 解析 ATYP|DST.ADDR|DST.PORT。exact 为 true 时地址段必须恰好占满 data。
func parseAddress(ctx context.Context, data []byte, exact bool, resolver Resolver, dst *Destination) ([]byte, error) {
	if len(data) < 1 {
		return nil, fmt.Errorf("%w: missing address type", ErrMalformedRequest)
	}
	dst.AddrType = AddrType(data[0])
	if !dst.AddrType.valid() {
		return nil, fmt.Errorf("%w: unknown address type 0x%02x", ErrMalformedRequest, data[0])
	}
	body := data[1:]

	var addrLen, offset int
	switch dst.AddrType {
	case AddrIPv4:
		addrLen = net.IPv4len
	case AddrIPv6:
		addrLen = net.IPv6len
	case AddrDomain:
		if len(body) < 1 {
			return nil, fmt.Errorf("%w: missing domain length", ErrMalformedRequest)
		}
		addrLen = int(body[0])
		offset = 1
	}

	need := offset + addrLen + 2
	if exact && len(body) != need {
		return nil, fmt.Errorf("%w: address section is %d bytes, want %d", ErrMalformedRequest, len(body), need)
	}
	if len(body) < need {
		return nil, fmt.Errorf("%w: address section truncated", ErrMalformedRequest)
	}

	raw := body[offset : offset+addrLen]
	switch dst.AddrType {
	case AddrIPv4, AddrIPv6:
		// 网络字节序，按原样拷贝
		dst.IP = append(net.IP(nil), raw...)
	case AddrDomain:
		dst.Domain = string(raw)
		dst.Resolve(ctx, resolver)
	}
	dst.Port = binary.BigEndian.Uint16(body[offset+addrLen : need])
	return body[need:], nil
}

// resolveDomain 解析失败不是错误：回退到回环地址。
func resolveDomain(ctx context.Context, resolver Resolver, dst *Destination) {
	ip, err := resolver.LookupIPv4(ctx, dst.Domain)
	if err != nil || ip == nil {
		dst.Resolved = net.IPv4(127, 0, 0, 1).To4()
		dst.DNSResolved = false
		return
	}
	dst.Resolved = ip
	dst.DNSResolved = true
}

// appendAddress 编码 ATYP|DST.ADDR|DST.PORT。ip 非空时优先于 host。
func appendAddress(buf *bytes.Buffer, host string, ip net.IP, port uint16) error {
	if ip == nil {
		ip = net.ParseIP(host)
	}
	switch {
	case ip != nil && ip.To4() != nil:
		buf.WriteByte(byte(AddrIPv4))
		buf.Write(ip.To4())
	case ip != nil:
		buf.WriteByte(byte(AddrIPv6))
		buf.Write(ip.To16())
	default:
		if host == "" || len(host) > 255 {
			return fmt.Errorf("socks5: invalid domain length %d", len(host))
		}
		buf.WriteByte(byte(AddrDomain))
		buf.WriteByte(byte(len(host)))
		buf.WriteString(host)
	}
	_ = binary.Write(buf, binary.BigEndian, port)
	return nil
}

// BuildRequest 构造一个命令帧，客户端和测试使用。
func BuildRequest(cmd Command, host string, port uint16) ([]byte, error) {
	var buf bytes.Buffer
	buf.Write([]byte{Version, byte(cmd), 0x00})
	if err := appendAddress(&buf, host, nil, port); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// BuildReply 构造 10 字节的应答: VER|REP|RSV|ATYP(IPv4)|BND.ADDR|BND.PORT。
// 非 IPv4 的绑定地址以 0.0.0.0 代替。
func BuildReply(rep byte, ip net.IP, port int) []byte {
	reply := []byte{Version, rep, 0x00, byte(AddrIPv4), 0, 0, 0, 0, 0, 0}
	if ip4 := ip.To4(); ip4 != nil {
		copy(reply[4:8], ip4)
	}
	binary.BigEndian.PutUint16(reply[8:10], uint16(port))
	return reply
}
