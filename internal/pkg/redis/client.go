// internal/pkg/redis/client.go
package redis

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"nexus-coupon/internal/pkg/logger"
)

// Client 封装了 go-redis 的 UniversalClient，并统一管理 Lua 脚本。
// 单个地址时是普通客户端，多个地址时自动切换为 Cluster 客户端。
type Client struct {
	rdb goredis.UniversalClient

	mu      sync.RWMutex
	scripts map[string]*goredis.Script
}

// NewClient 创建客户端并 Ping 一次以确认连通性。
// addrs 格式为 "host1:port1,host2:port2"
func NewClient(addrs string, password string, db int) (*Client, error) {
	c := Wrap(goredis.NewUniversalClient(&goredis.UniversalOptions{
		Addrs:        strings.Split(addrs, ","),
		Password:     password,
		DB:           db,
		PoolSize:     64,
		MinIdleConns: 8,
		MaxRetries:   3,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  time.Second,
		WriteTimeout: time.Second,
	}))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := c.rdb.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}

	logger.L().Info().Str("addrs", addrs).Msg("✅ Successfully connected to Redis.")
	return c, nil
}

// Wrap 用一个已有的 go-redis 客户端构造 Client (测试中配合 miniredis 使用)。
func Wrap(rdb goredis.UniversalClient) *Client {
	return &Client{
		rdb:     rdb,
		scripts: make(map[string]*goredis.Script),
	}
}

// GetClient 返回底层客户端，用于 pipeline 等原生操作
func (c *Client) GetClient() goredis.UniversalClient {
	return c.rdb
}

// LoadScriptFromContent 以名字注册一段 Lua 脚本。
func (c *Client) LoadScriptFromContent(name, src string) error {
	if strings.TrimSpace(src) == "" {
		return fmt.Errorf("script %q is empty", name)
	}
	c.mu.Lock()
	c.scripts[name] = goredis.NewScript(src)
	c.mu.Unlock()
	return nil
}

// RunScript 执行已注册的脚本。优先 EVALSHA，NOSCRIPT 时自动回退到 EVAL。
func (c *Client) RunScript(ctx context.Context, name string, keys []string, args ...interface{}) (interface{}, error) {
	c.mu.RLock()
	script, ok := c.scripts[name]
	c.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("script %q is not loaded", name)
	}
	return script.Run(ctx, c.rdb, keys, args...).Result()
}

// Close 关闭连接池
func (c *Client) Close() error {
	return c.rdb.Close()
}
