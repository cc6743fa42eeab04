package resume

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/BaSui01/routeclient/internal/metrics"
	"github.com/BaSui01/routeclient/internal/tlsutil"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// =============================================================================
// 💾 Redis 续传存储
// =============================================================================

// RedisConfig Redis 续传存储配置
type RedisConfig struct {
	// Redis 地址
	Addr string `yaml:"addr" json:"addr"`

	// 密码
	Password string `yaml:"password" json:"password"`

	// 数据库编号
	DB int `yaml:"db" json:"db"`

	// 键前缀
	KeyPrefix string `yaml:"key_prefix" json:"key_prefix"`

	// 令牌过期时间（0 表示永不过期）
	TTL time.Duration `yaml:"ttl" json:"ttl"`

	// 是否启用 TLS
	TLS bool `yaml:"tls" json:"tls"`

	// 最大重试次数
	MaxRetries int `yaml:"max_retries" json:"max_retries"`
}

// DefaultRedisConfig 返回默认配置
func DefaultRedisConfig() RedisConfig {
	return RedisConfig{
		Addr:       "localhost:6379",
		KeyPrefix:  "routeclient:resume:",
		TTL:        24 * time.Hour,
		MaxRetries: 3,
	}
}

// RedisStore 基于 Redis 的续传存储
type RedisStore struct {
	redis   *redis.Client
	config  RedisConfig
	logger  *zap.Logger
	metrics *metrics.Collector
	mu      sync.RWMutex
	closed  bool
}

// NewRedisStore 创建 Redis 续传存储并检查连通性
func NewRedisStore(ctx context.Context, config RedisConfig, collector *metrics.Collector, logger *zap.Logger) (*RedisStore, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	opts := &redis.Options{
		Addr:       config.Addr,
		Password:   config.Password,
		DB:         config.DB,
		MaxRetries: config.MaxRetries,
	}
	if config.TLS {
		opts.TLSConfig = tlsutil.DefaultTLSConfig()
	}
	client := redis.NewClient(opts)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	s := &RedisStore{
		redis:   client,
		config:  config,
		logger:  logger.With(zap.String("component", "resume_store")),
		metrics: collector,
	}
	s.logger.Info("redis resume store initialized", zap.String("addr", config.Addr))
	return s, nil
}

func (s *RedisStore) key(name string) string {
	return s.config.KeyPrefix + name
}

// Load implements Store.
func (s *RedisStore) Load(ctx context.Context, key string) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return "", fmt.Errorf("resume store is closed")
	}

	val, err := s.redis.Get(ctx, s.key(key)).Result()
	if errors.Is(err, redis.Nil) {
		s.metrics.RecordResumeOp("redis", "load", nil)
		return "", ErrNotFound
	}
	s.metrics.RecordResumeOp("redis", "load", err)
	if err != nil {
		s.logger.Error("resume load failed", zap.String("key", key), zap.Error(err))
		return "", fmt.Errorf("resume load failed: %w", err)
	}
	return val, nil
}

// Save implements Store.
func (s *RedisStore) Save(ctx context.Context, key, token string) error {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return fmt.Errorf("resume store is closed")
	}

	err := s.redis.Set(ctx, s.key(key), token, s.config.TTL).Err()
	s.metrics.RecordResumeOp("redis", "save", err)
	if err != nil {
		s.logger.Error("resume save failed", zap.String("key", key), zap.Error(err))
		return fmt.Errorf("resume save failed: %w", err)
	}
	return nil
}

// Close 关闭 Redis 连接
func (s *RedisStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true
	return s.redis.Close()
}
