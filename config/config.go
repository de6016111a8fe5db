package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Store     StoreConfig     `mapstructure:"store"`
	MySQL     MySQLConfig     `mapstructure:"mysql"`
	Redis     RedisConfig     `mapstructure:"redis"`
	Firestore FirestoreConfig `mapstructure:"firestore"`
	Kafka     KafkaConfig     `mapstructure:"kafka"`
	ETCD      ETCDConfig      `mapstructure:"etcd"`
	Lock      LockConfig      `mapstructure:"lock"`
	Vote      VoteConfig      `mapstructure:"vote"`
	Push      PushConfig      `mapstructure:"push"`
	Auth      AuthConfig      `mapstructure:"auth"`
	GraphQL   GraphQLConfig   `mapstructure:"graphql"`
	Log       LogConfig       `mapstructure:"log"`
}

type ServerConfig struct {
	Port            int           `mapstructure:"port"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
	AllowOrigins    []string      `mapstructure:"allow_origins"`
}

// StoreConfig 选择投票存储后端
type StoreConfig struct {
	// memory | redis | mysql | firestore
	Driver  string        `mapstructure:"driver"`
	Timeout time.Duration `mapstructure:"timeout"`
}

type MySQLConfig struct {
	Master       string        `mapstructure:"master"`
	Slave        string        `mapstructure:"slave"`
	MaxOpenConns int           `mapstructure:"max_open_conns"`
	MaxIdleConns int           `mapstructure:"max_idle_conns"`
	WatchPeriod  time.Duration `mapstructure:"watch_period"`
}

type RedisConfig struct {
	// 数据存储Redis
	DataAddress string        `mapstructure:"data_address"`
	Password    string        `mapstructure:"password"`
	DB          int           `mapstructure:"db"`
	PoolSize    int           `mapstructure:"pool_size"`
	MaxRetries  int           `mapstructure:"max_retries"`
	Timeout     time.Duration `mapstructure:"timeout"`

	// Redlock使用的Redis节点
	LockAddresses []string `mapstructure:"lock_addresses"`
}

type FirestoreConfig struct {
	ProjectID       string `mapstructure:"project_id"`
	CredentialsFile string `mapstructure:"credentials_file"`
	Collection      string `mapstructure:"collection"`
}

type KafkaConfig struct {
	Enabled bool     `mapstructure:"enabled"`
	Brokers []string `mapstructure:"brokers"`
	Topic   string   `mapstructure:"topic"`
	GroupID string   `mapstructure:"group_id"`
	Workers int      `mapstructure:"workers"`
}

type ETCDConfig struct {
	Endpoints   []string      `mapstructure:"endpoints"`
	DialTimeout time.Duration `mapstructure:"dial_timeout"`
	SessionTTL  time.Duration `mapstructure:"session_ttl"`
}

// LockConfig 启动锁配置，driver 为 etcd | redlock | none
type LockConfig struct {
	Driver     string        `mapstructure:"driver"`
	Timeout    time.Duration `mapstructure:"timeout"`
	RetryCount int           `mapstructure:"retry_count"`
}

type VoteConfig struct {
	MaxRetries   int           `mapstructure:"max_retries"`
	RetryBackoff time.Duration `mapstructure:"retry_backoff"`
}

type PushConfig struct {
	Enabled bool `mapstructure:"enabled"`
}

type AuthConfig struct {
	JWTSecret           string `mapstructure:"jwt_secret"`
	AllowHeaderIdentity bool   `mapstructure:"allow_header_identity"`
}

type GraphQLConfig struct {
	Path string `mapstructure:"path"`
}

type LogConfig struct {
	Env   string `mapstructure:"env"`
	Level string `mapstructure:"level"`
}

var AppConfig Config

// LoadConfig 加载配置文件，环境变量 POLLVOTE_* 覆盖文件中的值
func LoadConfig(configPath string) (*Config, error) {
	// .env 不存在时忽略
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("读取.env失败: %w", err)
	}

	v := viper.New()
	setDefaults(v)

	v.SetConfigFile(configPath)
	v.SetEnvPrefix("POLLVOTE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("读取配置文件失败: %w", err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("解析配置文件失败: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	AppConfig = cfg
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.shutdown_timeout", 5*time.Second)
	v.SetDefault("server.allow_origins", []string{"*"})
	v.SetDefault("store.driver", "memory")
	v.SetDefault("store.timeout", 5*time.Second)
	v.SetDefault("mysql.max_open_conns", 20)
	v.SetDefault("mysql.max_idle_conns", 10)
	v.SetDefault("mysql.watch_period", time.Second)
	v.SetDefault("redis.pool_size", 20)
	v.SetDefault("redis.max_retries", 3)
	v.SetDefault("redis.timeout", 3*time.Second)
	v.SetDefault("firestore.collection", "polls")
	v.SetDefault("kafka.topic", "poll-votes")
	v.SetDefault("kafka.group_id", "pollvote-push")
	v.SetDefault("kafka.workers", 4)
	v.SetDefault("etcd.dial_timeout", 5*time.Second)
	v.SetDefault("etcd.session_ttl", 10*time.Second)
	v.SetDefault("lock.driver", "none")
	v.SetDefault("lock.timeout", 30*time.Second)
	v.SetDefault("lock.retry_count", 3)
	v.SetDefault("vote.max_retries", 5)
	v.SetDefault("vote.retry_backoff", 20*time.Millisecond)
	v.SetDefault("push.enabled", false)
	v.SetDefault("auth.jwt_secret", "")
	v.SetDefault("auth.allow_header_identity", false)
	v.SetDefault("graphql.path", "/graphql")
	v.SetDefault("log.env", "local")
	v.SetDefault("log.level", "debug")
}

func (c *Config) validate() error {
	switch c.Store.Driver {
	case "memory", "redis", "mysql", "firestore":
	default:
		return fmt.Errorf("不支持的存储类型: %s", c.Store.Driver)
	}

	switch c.Lock.Driver {
	case "none", "etcd", "redlock":
	default:
		return fmt.Errorf("不支持的锁类型: %s", c.Lock.Driver)
	}

	if c.Kafka.Enabled && len(c.Kafka.Brokers) == 0 {
		return fmt.Errorf("启用Kafka时必须配置brokers")
	}

	return nil
}
