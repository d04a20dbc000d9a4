package socks5

import (
	"bytes"
	"context"
	"fmt"
	"net"
)

// udpHeaderLen 是 RSV|FRAG|ATYP 的长度，地址段长度由 parseAddress 检查
const udpHeaderLen = 4

// Envelope 是 UDP ASSOCIATE 数据报的封装
//
//	+----+------+------+----------+----------+----------+
//	|RSV | FRAG | ATYP | DST.ADDR | DST.PORT |   DATA   |
//	+----+------+------+----------+----------+----------+
//	| 2  |  1   |  1   | Variable |    2     | Variable |
//	+----+------+------+----------+----------+----------+
type Envelope struct {
	Fragment byte
	Dest     Destination
	Data     []byte
}

// PackUDPEnvelope 把 payload 封装成 SOCKS5 UDP 数据报。
// ip 非空时优先；否则 host 若是字面 IP 按 IP 编码，其余按域名编码。
func PackUDPEnvelope(host string, ip net.IP, port uint16, payload []byte) ([]byte, error) {
	var buf bytes.Buffer
	buf.Grow(4 + net.IPv6len + 2 + len(payload))
	buf.Write([]byte{0x00, 0x00, 0x00})
	if err := appendAddress(&buf, host, ip, port); err != nil {
		return nil, err
	}
	buf.Write(payload)
	return buf.Bytes(), nil
}

// ParseUDPEnvelope 解析一个 SOCKS5 UDP 数据报，DATA 为剩余的全部字节。
func ParseUDPEnvelope(ctx context.Context, data []byte, resolver Resolver) (*Envelope, error) {
	if len(data) < udpHeaderLen {
		return nil, fmt.Errorf("%w: datagram too short (%d bytes)", ErrMalformedRequest, len(data))
	}
	if data[0] != 0x00 || data[1] != 0x00 {
		return nil, fmt.Errorf("%w: reserved bytes are not zero", ErrMalformedRequest)
	}
	env := &Envelope{Fragment: data[2]}
	rest, err := parseAddress(ctx, data[3:], false, resolver, &env.Dest)
	if err != nil {
		return nil, err
	}
	env.Data = rest
	return env, nil
}
