package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"revsocks_go/internal/shared/types"
)

func writeIni(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "revsocks.ini")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoadIni_OverridesDefaults(t *testing.T) {
	path := writeIni(t, `
[common]
pipe = edge01
buffer_size = 8192

[gateway]
socks_port = 1090
username = alice
password = secret
strict_auth = true

[agent]
endpoint = https://gw.example.net
transport = ws
dns_server = 10.0.0.53
poll_timeout = 45

[log]
level = debug
`)
	cfg := types.Default()
	require.NoError(t, LoadIni(cfg, path))

	require.Equal(t, "edge01", cfg.Pipe)
	require.Equal(t, 8192, cfg.BufferSize)
	require.Equal(t, 1090, cfg.SocksPort)
	require.Equal(t, 8080, cfg.WebPort, "unset keys keep their defaults")
	require.True(t, cfg.GatewayConf.AuthEnabled())
	require.True(t, cfg.StrictAuth)
	require.Equal(t, types.TransportWebSocket, cfg.Transport)
	require.Equal(t, "10.0.0.53", cfg.DNSServer)
	require.Equal(t, 45, cfg.PollTimeout)
	require.Equal(t, "debug", cfg.Level)
	require.Equal(t, 100, cfg.LivenessIntervalMs)
}

func TestLoadIni_EnvOverride(t *testing.T) {
	path := writeIni(t, "[gateway]\nsocks_port = 1090\n")
	t.Setenv("GATEWAY_SOCKS_PORT", "2000")
	t.Setenv("SOCKS_USERNAME", "bob")
	t.Setenv("SOCKS_PASSWORD", "hunter2")
	t.Setenv("CRYPT_KEY", "shared")

	cfg := types.Default()
	require.NoError(t, LoadIni(cfg, path))
	require.Equal(t, 2000, cfg.SocksPort)
	require.Equal(t, "bob", cfg.Username)
	require.Equal(t, "hunter2", cfg.Password)
	require.Equal(t, "shared", cfg.CryptKey)
}

func TestLoadIni_Invalid(t *testing.T) {
	cases := map[string]string{
		"password without username": "[gateway]\npassword = x\n",
		"unknown transport":         "[agent]\ntransport = carrier-pigeon\n",
		"zero buffer":               "[common]\nbuffer_size = 0\n",
		"zero poll timeout":         "[agent]\npoll_timeout = 0\n",
	}
	for name, content := range cases {
		t.Run(name, func(t *testing.T) {
			cfg := types.Default()
			require.Error(t, LoadIni(cfg, writeIni(t, content)))
		})
	}
}

func TestLoadIni_MissingFile(t *testing.T) {
	require.Error(t, LoadIni(types.Default(), filepath.Join(t.TempDir(), "nope.ini")))
}

func TestSaveIni_RoundTrip(t *testing.T) {
	cfg := types.Default()
	cfg.Pipe = "roundtrip"
	cfg.Username = "carol"
	path := filepath.Join(t.TempDir(), "out.ini")
	require.NoError(t, SaveIni(cfg, path))

	loaded := types.Default()
	require.NoError(t, LoadIni(loaded, path))
	require.Equal(t, "roundtrip", loaded.Pipe)
	require.Equal(t, "carol", loaded.Username)
}
