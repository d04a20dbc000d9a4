package types

// CommonConf 包含 gateway 和 agent 共有的配置
type CommonConf struct {
	Pipe       string `ini:"pipe"`
	CryptKey   string `ini:"crypt_key"`
	BufferSize int    `ini:"buffer_size"`
}

// GatewayConf 包含公网侧 SOCKS5 网关的配置
type GatewayConf struct {
	ListenIP      string `ini:"listen_ip"`
	SocksPort     int    `ini:"socks_port"`
	WebPort       int    `ini:"web_port"`
	Username      string `ini:"username"`
	Password      string `ini:"password"`
	StrictAuth    bool   `ini:"strict_auth"`
	ProxyProtocol bool   `ini:"proxy_protocol"`
	// 以下单位: 秒 / 毫秒
	ConnectTimeout     int `ini:"connect_timeout"`
	PollWait           int `ini:"poll_wait"`
	LivenessIntervalMs int `ini:"liveness_interval_ms"`
}

// AgentConf 包含受限网络内 agent 的配置
type AgentConf struct {
	Endpoint        string `ini:"endpoint"`
	Transport       string `ini:"transport"`
	TLSFingerprint  bool   `ini:"tls_fingerprint"`
	DNSServer       string `ini:"dns_server"`
	DialTimeout     int    `ini:"dial_timeout"`
	PollTimeout     int    `ini:"poll_timeout"` // 秒，必须大于网关的 poll_wait
	RetryIntervalMs int    `ini:"retry_interval_ms"`
	MetricsPort     int    `ini:"metrics_port"`
}

// LogConf 日志配置
type LogConf struct {
	Level  string `ini:"level"`
	Format string `ini:"format"`
	File   string `ini:"file"`
}

// Config 是整个应用程序的统一配置结构体
type Config struct {
	CommonConf  `ini:"common"`
	GatewayConf `ini:"gateway"`
	AgentConf   `ini:"agent"`
	LogConf     `ini:"log"`
}

const (
	TransportHTTP      = "http"
	TransportWebSocket = "ws"
)

// Default 返回带默认值的配置，LoadIni 在其上覆盖。
func Default() *Config {
	return &Config{
		CommonConf: CommonConf{
			Pipe:       "socks",
			BufferSize: 4096,
		},
		GatewayConf: GatewayConf{
			ListenIP:           "0.0.0.0",
			SocksPort:          1080,
			WebPort:            8080,
			ConnectTimeout:     30,
			PollWait:           20,
			LivenessIntervalMs: 100,
		},
		AgentConf: AgentConf{
			Endpoint:        "http://127.0.0.1:8080",
			Transport:       TransportHTTP,
			DialTimeout:     10,
			PollTimeout:     30,
			RetryIntervalMs: 1000,
		},
		LogConf: LogConf{
			Level:  "info",
			Format: "console",
		},
	}
}

// AuthEnabled 表示是否启用了用户名/密码认证
func (c *GatewayConf) AuthEnabled() bool {
	return c.Username != ""
}
