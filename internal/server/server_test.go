package server

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"revsocks_go/internal/shared/types"
	"revsocks_go/internal/tunnel"
)

func TestNewTransport_SelectsByConfig(t *testing.T) {
	cfg := types.Default()

	cfg.Transport = types.TransportHTTP
	tr, err := New(cfg).newTransport()
	require.NoError(t, err)
	require.IsType(t, &tunnel.HTTPClient{}, tr)

	cfg.Transport = types.TransportWebSocket
	tr, err = New(cfg).newTransport()
	require.NoError(t, err)
	require.IsType(t, &tunnel.WSClient{}, tr)

	cfg.Transport = "carrier-pigeon"
	_, err = New(cfg).newTransport()
	require.Error(t, err)
}

func TestNewTransport_RejectsNonHTTPEndpoint(t *testing.T) {
	cfg := types.Default()
	cfg.Endpoint = "ftp://gateway"
	_, err := New(cfg).newTransport()
	require.Error(t, err, "non-http endpoints are rejected")
}

func runUntilCancelled(t *testing.T, run func(ctx context.Context) error) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- run(ctx) }()

	time.Sleep(100 * time.Millisecond)
	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(shutdownTimeout + 2*time.Second):
		t.Fatal("server did not stop after cancellation")
	}
}

func TestRunGateway_StopsOnCancel(t *testing.T) {
	cfg := types.Default()
	cfg.ListenIP = "127.0.0.1"
	cfg.SocksPort = 0
	cfg.WebPort = 0
	runUntilCancelled(t, New(cfg).RunGateway)
}

func TestRunGateway_ListenFailure(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	cfg := types.Default()
	cfg.ListenIP = "127.0.0.1"
	cfg.SocksPort = ln.Addr().(*net.TCPAddr).Port
	require.Error(t, New(cfg).RunGateway(context.Background()))
}

func TestRunAgent_StopsOnCancelWhileGatewayDown(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	ln.Close()

	cfg := types.Default()
	cfg.Endpoint = "http://" + addr
	cfg.RetryIntervalMs = 10
	runUntilCancelled(t, New(cfg).RunAgent)
}
