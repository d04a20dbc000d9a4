package socks5

import (
	"context"
	"fmt"
	"net"
	"time"

	"github.com/miekg/dns"
)

// Resolver 把域名解析为 IPv4 地址，只取第一个结果。
type Resolver interface {
	LookupIPv4(ctx context.Context, host string) (net.IP, error)
}

// SystemResolver 使用操作系统的解析配置
type SystemResolver struct {
	resolver *net.Resolver
}

func NewSystemResolver() *SystemResolver {
	return &SystemResolver{resolver: net.DefaultResolver}
}

func (r *SystemResolver) LookupIPv4(ctx context.Context, host string) (net.IP, error) {
	ips, err := r.resolver.LookupIP(ctx, "ip4", host)
	if err != nil {
		return nil, err
	}
	for _, ip := range ips {
		if ip4 := ip.To4(); ip4 != nil {
			return ip4, nil
		}
	}
	return nil, fmt.Errorf("no ipv4 address for %s", host)
}

// DNSResolver 直接向指定的 DNS 服务器发送 A 查询
type DNSResolver struct {
	server string
	client *dns.Client
}

// NewDNSResolver 创建 DNSResolver。server 未带端口时默认 53。
func NewDNSResolver(server string, timeout time.Duration) *DNSResolver {
	if _, _, err := net.SplitHostPort(server); err != nil {
		server = net.JoinHostPort(server, "53")
	}
	return &DNSResolver{
		server: server,
		client: &dns.Client{Net: "udp", Timeout: timeout},
	}
}

func (r *DNSResolver) LookupIPv4(ctx context.Context, host string) (net.IP, error) {
	if ip := net.ParseIP(host); ip != nil {
		if ip4 := ip.To4(); ip4 != nil {
			return ip4, nil
		}
		return nil, fmt.Errorf("%s is not an ipv4 address", host)
	}

	m := new(dns.Msg)
	m.SetQuestion(dns.Fqdn(host), dns.TypeA)
	m.RecursionDesired = true
	resp, _, err := r.client.ExchangeContext(ctx, m, r.server)
	if err != nil {
		return nil, err
	}
	if resp.Rcode != dns.RcodeSuccess {
		return nil, fmt.Errorf("dns query for %s failed: %s", host, dns.RcodeToString[resp.Rcode])
	}
	for _, rr := range resp.Answer {
		if a, ok := rr.(*dns.A); ok {
			return a.A.To4(), nil
		}
	}
	return nil, fmt.Errorf("no A record for %s", host)
}

// ResolverFunc 允许用普通函数实现 Resolver
type ResolverFunc func(ctx context.Context, host string) (net.IP, error)

func (f ResolverFunc) LookupIPv4(ctx context.Context, host string) (net.IP, error) {
	return f(ctx, host)
}
