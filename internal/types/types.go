package types

import "time"

// Defaults for the numeric limits of the [gate] section.
const (
	DefaultMaxFramePayloadLength     = 65536
	DefaultMaxHandshakeContentLength = 8192 * 4
	DefaultBufferSize                = 32 * 1024
	DefaultBackendDialTimeout        = 10 * time.Second
	DefaultBridgeHandshakeTimeout    = 15 * time.Second
	DefaultHealthCheckInterval       = 30 * time.Second
)

// LogConf 日志配置
type LogConf struct {
	Level  string `ini:"level"`
	Format string `ini:"format"`
	Output string `ini:"output"`
}

// GateConf 包含网关（服务端）配置
type GateConf struct {
	Listen            string `ini:"listen"`
	Backend           string `ini:"backend"`
	DisableVanillaTCP bool   `ini:"disable_vanilla_tcp"`
	ProxyProtocol     bool   `ini:"proxy_protocol"`
	SendProxyProtocol bool   `ini:"send_proxy_protocol"`
	// WsEndpoint 为空时接受任意握手路径
	WsEndpoint         string        `ini:"ws_endpoint"`
	BackendDialTimeout time.Duration `ini:"backend_dial_timeout"`
	ConnRateLimit      int           `ini:"conn_rate_limit"`
	Debug              bool          `ini:"debug"`
	DumpBytes          bool          `ini:"dump_bytes"`
	// HealthCheckInterval 为后端探测周期，小于 0 时禁用
	HealthCheckInterval time.Duration `ini:"health_check_interval"`

	// 以下字段由 LoadIni 手动解析并校验，因此不使用 ini 标签
	MaxFramePayloadLength     int `ini:"-"`
	MaxHandshakeContentLength int `ini:"-"`
	BufferSize                int `ini:"-"`
}

// BridgeConf 包含本地桥接客户端配置
type BridgeConf struct {
	Listen             string        `ini:"listen"`
	Target             string        `ini:"target"`
	InsecureSkipVerify bool          `ini:"insecure_skip_verify"`
	TLSFingerprint     string        `ini:"tls_fingerprint"`
	HandshakeTimeout   time.Duration `ini:"handshake_timeout"`
	BufferSize         int           `ini:"-"`
}

// WebConf 诊断接口配置，Listen 为空时禁用
type WebConf struct {
	Listen string `ini:"listen"`
}

// Config 是整个应用程序的统一配置结构体
type Config struct {
	LogConf    `ini:"log"`
	GateConf   `ini:"gate"`
	BridgeConf `ini:"bridge"`
	WebConf    `ini:"web"`
}
