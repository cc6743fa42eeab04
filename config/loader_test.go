// 配置加载器与默认配置测试。
package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// --- Loader 测试 ---

func TestLoader_LoadDefaults(t *testing.T) {
	// 不指定配置文件，应该返回默认值
	cfg, err := NewLoader().Load()
	require.NoError(t, err)
	require.NotNil(t, cfg)

	assert.Equal(t, 10, cfg.Stream.MaxRetry)
	assert.Equal(t, "memory", cfg.Resume.Backend)
}

func TestLoader_LoadFromYAML(t *testing.T) {
	// 创建临时配置文件
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "routeclient.yaml")

	yamlContent := `
client:
  default_host: "https://api.example.com"
  hosts:
    chat: "https://chat.example.com"
    "pattern:^/admin": "#chat"

stream:
  max_retry: 3
  open_timeout: 2s
  max_buffer: 10

duplex:
  handshake_timeout: 4s

resume:
  backend: redis
  redis:
    addr: "redis.example.com:6379"
    password: "secret"
    db: 1

log:
  level: "debug"
  format: "console"
`
	err := os.WriteFile(configPath, []byte(yamlContent), 0644)
	require.NoError(t, err)

	// 加载配置
	cfg, err := NewLoader().
		WithConfigPath(configPath).
		Load()
	require.NoError(t, err)

	// 验证 YAML 值覆盖了默认值
	assert.Equal(t, "https://api.example.com", cfg.Client.DefaultHost)
	assert.Equal(t, "#chat", cfg.Client.Hosts["pattern:^/admin"])
	assert.Equal(t, 3, cfg.Stream.MaxRetry)
	assert.Equal(t, 2*time.Second, cfg.Stream.OpenTimeout)
	assert.Equal(t, 10, cfg.Stream.MaxBuffer)
	// 未覆盖的字段保留默认值
	assert.Equal(t, 3*time.Second, cfg.Stream.RetryDelay)
	assert.Equal(t, 4*time.Second, cfg.Duplex.HandshakeTimeout)

	assert.Equal(t, "redis", cfg.Resume.Backend)
	assert.Equal(t, "redis.example.com:6379", cfg.Resume.Redis.Addr)
	assert.Equal(t, "secret", cfg.Resume.Redis.Password)
	assert.Equal(t, 1, cfg.Resume.Redis.DB)
	assert.Equal(t, "routeclient:resume:", cfg.Resume.Redis.KeyPrefix)

	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, "console", cfg.Log.Format)
	require.NoError(t, cfg.Validate())
}

func TestLoader_LoadFromEnv(t *testing.T) {
	t.Setenv("ROUTECLIENT_CLIENT_DEFAULT_HOST", "http://env.test")
	t.Setenv("ROUTECLIENT_CLIENT_HOSTS", "a=http://a.test, b=#a")
	t.Setenv("ROUTECLIENT_STREAM_RETRY_DELAY", "500ms")
	t.Setenv("ROUTECLIENT_STREAM_RECONNECT_RATE", "2.5")
	t.Setenv("ROUTECLIENT_DUPLEX_MAX_CONCURRENT_HANDLERS", "4")
	t.Setenv("ROUTECLIENT_METRICS_ENABLED", "true")
	t.Setenv("ROUTECLIENT_LOG_OUTPUT_PATHS", "stdout, /tmp/x.log")

	cfg, err := NewLoader().Load()
	require.NoError(t, err)

	assert.Equal(t, "http://env.test", cfg.Client.DefaultHost)
	assert.Equal(t, map[string]string{"a": "http://a.test", "b": "#a"}, cfg.Client.Hosts)
	assert.Equal(t, 500*time.Millisecond, cfg.Stream.RetryDelay)
	assert.InDelta(t, 2.5, cfg.Stream.ReconnectRate, 0.0001)
	assert.Equal(t, int64(4), cfg.Duplex.MaxConcurrentHandlers)
	assert.True(t, cfg.Metrics.Enabled)
	assert.Equal(t, []string{"stdout", "/tmp/x.log"}, cfg.Log.OutputPaths)
}

func TestLoader_InvalidEnvMap(t *testing.T) {
	t.Setenv("ROUTECLIENT_CLIENT_HOSTS", "missing-equals")
	_, err := NewLoader().Load()
	assert.Error(t, err)
}

func TestLoader_EnvOverridesYAML(t *testing.T) {
	// 创建临时配置文件
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "routeclient.yaml")

	yamlContent := `
client:
  default_host: "http://yaml.test"
  token: "yaml-token"
`
	err := os.WriteFile(configPath, []byte(yamlContent), 0644)
	require.NoError(t, err)

	// 设置环境变量（应该覆盖 YAML）
	t.Setenv("ROUTECLIENT_CLIENT_DEFAULT_HOST", "http://env.test")

	cfg, err := NewLoader().
		WithConfigPath(configPath).
		Load()
	require.NoError(t, err)

	// 环境变量应该覆盖 YAML
	assert.Equal(t, "http://env.test", cfg.Client.DefaultHost)
	// YAML 值应该保留（没有被环境变量覆盖）
	assert.Equal(t, "yaml-token", cfg.Client.Token)
}

func TestLoader_EnvFile(t *testing.T) {
	tmpDir := t.TempDir()
	envPath := filepath.Join(tmpDir, ".env")
	require.NoError(t, os.WriteFile(envPath, []byte("ROUTECLIENT_CLIENT_TOKEN=from-dotenv\nROUTECLIENT_STREAM_MAX_RETRY=7\n"), 0644))

	// 已存在的环境变量优先于 .env
	t.Setenv("ROUTECLIENT_STREAM_MAX_RETRY", "2")
	t.Cleanup(func() { os.Unsetenv("ROUTECLIENT_CLIENT_TOKEN") })

	cfg, err := NewLoader().
		WithEnvFile(envPath, filepath.Join(tmpDir, ".env.local")).
		Load()
	require.NoError(t, err)
	assert.Equal(t, "from-dotenv", cfg.Client.Token)
	assert.Equal(t, 2, cfg.Stream.MaxRetry)
}

func TestLoader_EnvFileLocalOverrides(t *testing.T) {
	tmpDir := t.TempDir()
	envPath := filepath.Join(tmpDir, ".env")
	localPath := filepath.Join(tmpDir, ".env.local")
	require.NoError(t, os.WriteFile(envPath, []byte("ROUTECLIENT_CLIENT_TOKEN=shared\nROUTECLIENT_CLIENT_DEFAULT_HOST=http://shared.test\nROUTECLIENT_STREAM_MAX_RETRY=7\n"), 0644))
	require.NoError(t, os.WriteFile(localPath, []byte("ROUTECLIENT_CLIENT_TOKEN=local\nROUTECLIENT_STREAM_MAX_RETRY=9\n"), 0644))

	// 已存在的环境变量仍然优先
	t.Setenv("ROUTECLIENT_STREAM_MAX_RETRY", "2")
	t.Cleanup(func() {
		os.Unsetenv("ROUTECLIENT_CLIENT_TOKEN")
		os.Unsetenv("ROUTECLIENT_CLIENT_DEFAULT_HOST")
	})

	cfg, err := NewLoader().WithEnvFile(envPath, localPath).Load()
	require.NoError(t, err)
	assert.Equal(t, "local", cfg.Client.Token)
	assert.Equal(t, "http://shared.test", cfg.Client.DefaultHost)
	assert.Equal(t, 2, cfg.Stream.MaxRetry)
}

func TestLoader_CustomEnvPrefix(t *testing.T) {
	t.Setenv("MYAPP_CLIENT_DEFAULT_HOST", "http://custom.test")

	cfg, err := NewLoader().
		WithEnvPrefix("MYAPP").
		Load()
	require.NoError(t, err)
	assert.Equal(t, "http://custom.test", cfg.Client.DefaultHost)
}

func TestLoader_WithValidator(t *testing.T) {
	_, err := NewLoader().
		WithValidator(func(cfg *Config) error { return cfg.Validate() }).
		Load()
	assert.Error(t, err, "default config has no host")

	t.Setenv("ROUTECLIENT_CLIENT_DEFAULT_HOST", "http://h.test")
	_, err = NewLoader().
		WithValidator(func(cfg *Config) error { return cfg.Validate() }).
		Load()
	assert.NoError(t, err)
}

func TestLoader_NonExistentFile(t *testing.T) {
	// 指定不存在的文件，应该使用默认值（不报错）
	cfg, err := NewLoader().
		WithConfigPath("/non/existent/path/config.yaml").
		Load()
	require.NoError(t, err)
	assert.Equal(t, 6*time.Second, cfg.Stream.OpenTimeout)
}

func TestLoader_InvalidYAML(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "invalid.yaml")

	invalidYAML := `
stream:
  max_retry: [invalid
  this is not valid yaml
`
	require.NoError(t, os.WriteFile(configPath, []byte(invalidYAML), 0644))

	_, err := NewLoader().
		WithConfigPath(configPath).
		Load()
	assert.Error(t, err)
}

// --- Config 方法测试 ---

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		modify  func(*Config)
		wantErr bool
	}{
		{name: "valid config", modify: func(c *Config) {}},
		{name: "missing host", modify: func(c *Config) { c.Client.DefaultHost = "" }, wantErr: true},
		{name: "negative buffer", modify: func(c *Config) { c.Stream.MaxBuffer = -1 }, wantErr: true},
		{name: "negative reconnect rate", modify: func(c *Config) { c.Stream.ReconnectRate = -1 }, wantErr: true},
		{name: "negative dial retries", modify: func(c *Config) { c.Duplex.DialRetries = -1 }, wantErr: true},
		{name: "unknown resume backend", modify: func(c *Config) { c.Resume.Backend = "etcd" }, wantErr: true},
		{name: "redis without addr", modify: func(c *Config) {
			c.Resume.Backend = "redis"
			c.Resume.Redis.Addr = ""
		}, wantErr: true},
		{name: "resume disabled", modify: func(c *Config) { c.Resume.Backend = "none" }},
		{name: "sample rate too high", modify: func(c *Config) { c.Telemetry.SampleRate = 3 }, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			cfg.Client.DefaultHost = "http://h.test"
			tt.modify(cfg)
			err := cfg.Validate()
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

// --- MustLoad 测试 ---

func TestMustLoad_Success(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "routeclient.yaml")
	require.NoError(t, os.WriteFile(configPath, []byte("stream:\n  max_retry: 4\n"), 0644))

	assert.NotPanics(t, func() {
		cfg := MustLoad(configPath)
		assert.Equal(t, 4, cfg.Stream.MaxRetry)
	})
}

func TestMustLoad_InvalidFile(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "invalid.yaml")
	require.NoError(t, os.WriteFile(configPath, []byte("invalid: [yaml"), 0644))

	assert.Panics(t, func() {
		MustLoad(configPath)
	})
}

func TestLoadFromEnv_Function(t *testing.T) {
	t.Setenv("ROUTECLIENT_CLIENT_TOKEN", "env-only")

	cfg, err := LoadFromEnv()
	require.NoError(t, err)
	assert.Equal(t, "env-only", cfg.Client.Token)
}
