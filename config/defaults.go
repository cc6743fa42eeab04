// =============================================================================
// 📦 routeclient 默认配置
// =============================================================================
// 重试与超时的唯一默认值来源，与 sse / duplex 包常量保持一致
// =============================================================================
package config

import "time"

// DefaultConfig 返回默认配置
func DefaultConfig() *Config {
	return &Config{
		Client:    DefaultClientConfig(),
		Stream:    DefaultStreamConfig(),
		Duplex:    DefaultDuplexConfig(),
		Resume:    DefaultResumeConfig(),
		Log:       DefaultLogConfig(),
		Metrics:   DefaultMetricsConfig(),
		Telemetry: DefaultTelemetryConfig(),
	}
}

// DefaultClientConfig 返回默认请求器配置
func DefaultClientConfig() ClientConfig {
	return ClientConfig{
		Hosts: map[string]string{},
		JWT: JWTConfig{
			Issuer: "routeclient",
			TTL:    5 * time.Minute,
		},
	}
}

// DefaultStreamConfig 返回默认推送流配置
func DefaultStreamConfig() StreamConfig {
	return StreamConfig{
		MaxRetry:       10,
		OpenTimeout:    6 * time.Second,
		RetryDelay:     3 * time.Second,
		MaxBuffer:      100,
		ReconnectRate:  0,
		ReconnectBurst: 1,
	}
}

// DefaultDuplexConfig 返回默认全双工配置
func DefaultDuplexConfig() DuplexConfig {
	return DuplexConfig{
		HandshakeTimeout:      10 * time.Second,
		MaxConcurrentHandlers: 16,
		InboxSize:             64,
		HeartbeatInterval:     30 * time.Second,
		HeartbeatTimeout:      10 * time.Second,
		DialRetries:           3,
		DialInitialDelay:      200 * time.Millisecond,
	}
}

// DefaultResumeConfig 返回默认续传配置
func DefaultResumeConfig() ResumeConfig {
	return ResumeConfig{
		Backend: "memory",
		Redis: RedisConfig{
			Addr:       "localhost:6379",
			DB:         0,
			KeyPrefix:  "routeclient:resume:",
			TTL:        24 * time.Hour,
			MaxRetries: 3,
		},
	}
}

// DefaultLogConfig 返回默认日志配置
func DefaultLogConfig() LogConfig {
	return LogConfig{
		Level:            "info",
		Format:           "json",
		OutputPaths:      []string{"stderr"},
		EnableCaller:     true,
		EnableStacktrace: false,
	}
}

// DefaultMetricsConfig 返回默认指标配置
func DefaultMetricsConfig() MetricsConfig {
	return MetricsConfig{
		Enabled:   false,
		Addr:      ":9091",
		Namespace: "routeclient",
	}
}

// DefaultTelemetryConfig 返回默认遥测配置
func DefaultTelemetryConfig() TelemetryConfig {
	return TelemetryConfig{
		Enabled:      false,
		OTLPEndpoint: "localhost:4317",
		ServiceName:  "routeclient",
		SampleRate:   0.1,
	}
}
