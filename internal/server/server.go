package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"golang.org/x/sync/errgroup"

	"revsocks_go/internal/agent"
	"revsocks_go/internal/gateway"
	"revsocks_go/internal/metrics"
	"revsocks_go/internal/shared/logger"
	"revsocks_go/internal/shared/types"
	"revsocks_go/internal/tunnel"
)

const shutdownTimeout = 5 * time.Second

// AppServer 代表整个应用服务器，可以是 gateway 或 agent
type AppServer struct {
	cfg *types.Config
}

// New 创建一个新的 AppServer 实例
func New(cfg *types.Config) *AppServer {
	return &AppServer{cfg: cfg}
}

// RunGateway 启动 SOCKS5 监听和隧道 HTTP 端点，阻塞到 ctx 结束或任一服务失败。
func (s *AppServer) RunGateway(ctx context.Context) error {
	logger.Info().Msg("Gateway server starting......")

	codec, err := tunnel.NewCodec(s.cfg.CryptKey)
	if err != nil {
		return err
	}
	hub := tunnel.NewHub()
	gw := gateway.New(s.cfg, hub)
	if err := gw.Start(); err != nil {
		return err
	}

	tunnelServer := tunnel.NewServer(hub, gw, codec, time.Duration(s.cfg.PollWait)*time.Second)
	mux := http.NewServeMux()
	tunnelServer.Register(mux)
	mux.Handle("GET /metrics", metrics.Handler())

	logLocalIPs(s.cfg.WebPort)
	g, ctx := errgroup.WithContext(ctx)
	addr := net.JoinHostPort(s.cfg.ListenIP, strconv.Itoa(s.cfg.WebPort))
	serveHTTP(ctx, g, "tunnel", addr, mux, func() {
		tunnelServer.Close()
		_ = gw.Close()
	})
	return g.Wait()
}

// RunAgent 按配置选择传输方式并运行轮询循环，metrics_port > 0 时同时暴露 /metrics。
func (s *AppServer) RunAgent(ctx context.Context) error {
	logger.Info().Str("endpoint", s.cfg.Endpoint).Str("transport", s.cfg.Transport).Msg("Agent starting......")

	transport, err := s.newTransport()
	if err != nil {
		return err
	}
	a := agent.New(s.cfg, transport)

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		defer transport.Close()
		return a.Run(ctx)
	})
	if s.cfg.MetricsPort > 0 {
		mux := http.NewServeMux()
		mux.Handle("GET /metrics", metrics.Handler())
		serveHTTP(ctx, g, "metrics", net.JoinHostPort("0.0.0.0", strconv.Itoa(s.cfg.MetricsPort)), mux, nil)
	}
	return g.Wait()
}

func (s *AppServer) newTransport() (tunnel.Transport, error) {
	codec, err := tunnel.NewCodec(s.cfg.CryptKey)
	if err != nil {
		return nil, err
	}
	opts := tunnel.ClientOptions{
		Endpoint:       s.cfg.Endpoint,
		Codec:          codec,
		TLSFingerprint: s.cfg.TLSFingerprint,
		DialTimeout:    time.Duration(s.cfg.DialTimeout) * time.Second,
		PollTimeout:    time.Duration(s.cfg.AgentConf.PollTimeout) * time.Second,
	}
	switch s.cfg.Transport {
	case types.TransportWebSocket:
		return tunnel.NewWSClient(opts)
	case types.TransportHTTP:
		return tunnel.NewHTTPClient(opts)
	default:
		return nil, fmt.Errorf("unknown transport %q", s.cfg.Transport)
	}
}

// serveHTTP 在 g 中运行 http.Server，ctx 结束时优雅关闭并调用 onStop
func serveHTTP(ctx context.Context, g *errgroup.Group, name, addr string, handler http.Handler, onStop func()) {
	// 长轮询请求跟随 ctx 结束，否则 Shutdown 要等满 poll_wait
	httpServer := &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	g.Go(func() error {
		logger.Info().Str("addr", addr).Msgf(">>> SUCCESS: %s HTTP server listening", name)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("%s http server on %s: %w", name, addr, err)
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		logger.Info().Str("addr", addr).Msgf("Stopping %s HTTP server...", name)
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		err := httpServer.Shutdown(shutdownCtx)
		if onStop != nil {
			onStop()
		}
		return err
	})
}

// logLocalIPs 打印本机可用的非回环 IPv4 地址，方便配置 agent 的 endpoint。
func logLocalIPs(port int) {
	interfaces, err := net.Interfaces()
	if err != nil {
		logger.Warn().Err(err).Msg("Could not get network interfaces")
		return
	}

	for _, i := range interfaces {
		addrs, err := i.Addrs()
		if err != nil {
			continue
		}
		for _, addr := range addrs {
			var ip net.IP
			switch v := addr.(type) {
			case *net.IPNet:
				ip = v.IP
			case *net.IPAddr:
				ip = v.IP
			}
			if ip == nil || ip.IsLoopback() || ip.To4() == nil {
				continue
			}
			logger.Info().Str("iface", i.Name).Msgf("Agent endpoint candidate: http://%s", net.JoinHostPort(ip.String(), strconv.Itoa(port)))
		}
	}
}
