// internal/pkg/config/config.go
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config 是整个发券服务的配置。
// 加载顺序: 默认值 -> YAML 文件 -> 环境变量 -> Nacos 配置中心 (可选)。
type Config struct {
	Service   ServiceConfig   `yaml:"service"`
	Store     StoreConfig     `yaml:"store"`
	Redis     RedisConfig     `yaml:"redis"`
	MySQL     MySQLConfig     `yaml:"mysql"`
	Kafka     KafkaConfig     `yaml:"kafka"`
	Admission AdmissionConfig `yaml:"admission"`
	Scheduler SchedulerConfig `yaml:"scheduler"`
	Consumer  ConsumerConfig  `yaml:"consumer"`
	Infra     InfraConfig     `yaml:"infra"`
}

type ServiceConfig struct {
	Name string `yaml:"name"`
	Env  string `yaml:"env"`
	Port int    `yaml:"port"`
}

// StoreConfig 选择存储实现: "redis" + "mysql" 用于生产，"memory" 用于本地调试。
type StoreConfig struct {
	Driver string `yaml:"driver"`
}

type RedisConfig struct {
	Addrs    string `yaml:"addrs"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

type MySQLConfig struct {
	DSN             string        `yaml:"dsn"`
	MaxOpenConns    int           `yaml:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
	AutoMigrate     bool          `yaml:"auto_migrate"`
}

type KafkaConfig struct {
	Brokers         string `yaml:"brokers"`
	IssuanceTopic   string `yaml:"issuance_topic"`
	IssuanceGroup   string `yaml:"issuance_group"`
	DeadLetterTopic string `yaml:"dead_letter_topic"`
	DeadLetterGroup string `yaml:"dead_letter_group"`
}

// BrokerList 返回拆分后的 broker 地址
func (k KafkaConfig) BrokerList() []string {
	return strings.Split(k.Brokers, ",")
}

type AdmissionConfig struct {
	// StatusTTL 是每个用户状态记录的保留时间
	StatusTTL time.Duration `yaml:"status_ttl"`
}

type SchedulerConfig struct {
	Interval     time.Duration `yaml:"interval"`
	MaxBatchSize int           `yaml:"max_batch_size"`
	// ClusterLock 为 true 时用 ZooKeeper 保证同一时刻集群中只有一个实例在跑 tick
	ClusterLock bool `yaml:"cluster_lock"`
}

type ConsumerConfig struct {
	MaxAttempts int           `yaml:"max_attempts"`
	BackoffUnit time.Duration `yaml:"backoff_unit"`
	MaxInFlight int64         `yaml:"max_in_flight"`
}

type InfraConfig struct {
	Jaeger    JaegerConfig    `yaml:"jaeger"`
	ZooKeeper ZooKeeperConfig `yaml:"zookeeper"`
	Nacos     NacosConfig     `yaml:"nacos"`
}

type JaegerConfig struct {
	Endpoint string `yaml:"endpoint"`
}

type ZooKeeperConfig struct {
	Servers        string        `yaml:"servers"`
	SessionTimeout time.Duration `yaml:"session_timeout"`
}

type NacosConfig struct {
	ServerAddrs string `yaml:"server_addrs"`
	Namespace   string `yaml:"namespace"`
	Group       string `yaml:"group"`
	DataID      string `yaml:"data_id"`
}

// Default 返回默认配置
func Default() *Config {
	return &Config{
		Service: ServiceConfig{Name: "coupon-service", Env: "development", Port: 8080},
		Store:   StoreConfig{Driver: "redis"},
		Redis:   RedisConfig{Addrs: "localhost:6379"},
		MySQL: MySQLConfig{
			DSN:             "root:root@tcp(localhost:3306)/coupon?charset=utf8mb4&parseTime=True&loc=Local",
			MaxOpenConns:    50,
			MaxIdleConns:    10,
			ConnMaxLifetime: time.Hour,
			AutoMigrate:     true,
		},
		Kafka: KafkaConfig{
			Brokers:         "localhost:9092",
			IssuanceTopic:   "coupon-issuance-requests",
			IssuanceGroup:   "coupon-issuance-consumer-group",
			DeadLetterTopic: "coupon-issuance-requests.DLT",
			DeadLetterGroup: "coupon-dlt-observer-group",
		},
		Admission: AdmissionConfig{StatusTTL: 24 * time.Hour},
		Scheduler: SchedulerConfig{Interval: 5 * time.Second, MaxBatchSize: 100},
		Consumer:  ConsumerConfig{MaxAttempts: 3, BackoffUnit: time.Second, MaxInFlight: 256},
		Infra: InfraConfig{
			ZooKeeper: ZooKeeperConfig{SessionTimeout: 10 * time.Second},
			Nacos:     NacosConfig{Group: "DEFAULT_GROUP", DataID: "coupon-service.yaml"},
		},
	}
}

// Load 按 默认值 -> 文件 -> 环境变量 的顺序构造配置。path 为空时跳过文件。
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
		if err := cfg.Merge(raw); err != nil {
			return nil, err
		}
	}
	cfg.applyEnv()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Merge 把一段 YAML 覆盖到当前配置上，未出现的字段保持不变。
func (c *Config) Merge(raw []byte) error {
	if err := yaml.Unmarshal(raw, c); err != nil {
		return fmt.Errorf("parse config yaml: %w", err)
	}
	return nil
}

// Validate 校验关键参数
func (c *Config) Validate() error {
	switch {
	case c.Store.Driver != "redis" && c.Store.Driver != "memory":
		return fmt.Errorf("store.driver must be redis or memory, got %q", c.Store.Driver)
	case c.Scheduler.Interval <= 0:
		return fmt.Errorf("scheduler.interval must be positive")
	case c.Scheduler.MaxBatchSize <= 0:
		return fmt.Errorf("scheduler.max_batch_size must be positive")
	case c.Consumer.MaxAttempts <= 0:
		return fmt.Errorf("consumer.max_attempts must be positive")
	case c.Consumer.MaxInFlight <= 0:
		return fmt.Errorf("consumer.max_in_flight must be positive")
	case c.Admission.StatusTTL <= 0:
		return fmt.Errorf("admission.status_ttl must be positive")
	}
	return nil
}

func (c *Config) applyEnv() {
	c.Service.Env = getEnv("APP_ENV", c.Service.Env)
	c.Service.Port = getEnvInt("PORT", c.Service.Port)
	c.Store.Driver = getEnv("STORE_DRIVER", c.Store.Driver)
	c.Redis.Addrs = getEnv("REDIS_ADDRS", c.Redis.Addrs)
	c.Redis.Password = getEnv("REDIS_PASSWORD", c.Redis.Password)
	c.MySQL.DSN = getEnv("MYSQL_DSN", c.MySQL.DSN)
	c.Kafka.Brokers = getEnv("KAFKA_BROKERS", c.Kafka.Brokers)
	c.Infra.Jaeger.Endpoint = getEnv("JAEGER_ENDPOINT", c.Infra.Jaeger.Endpoint)
	c.Infra.ZooKeeper.Servers = getEnv("ZK_SERVERS", c.Infra.ZooKeeper.Servers)
	c.Infra.Nacos.ServerAddrs = getEnv("NACOS_SERVER_ADDRS", c.Infra.Nacos.ServerAddrs)
	c.Infra.Nacos.Namespace = getEnv("NACOS_NAMESPACE", c.Infra.Nacos.Namespace)
	c.Infra.Nacos.Group = getEnv("NACOS_GROUP", c.Infra.Nacos.Group)
}

// getEnv 从环境变量中读取配置，不存在时使用 fallback
func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	n, err := strconv.Atoi(value)
	if err != nil {
		return fallback
	}
	return n
}
