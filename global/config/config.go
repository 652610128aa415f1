// Package config loads gateway and persister settings from an optional YAML
// file, a .env file and PPCHAT_* environment variables.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"PPChat/service/chat"
	"PPChat/service/kafka"
	"PPChat/service/natsx"
	"PPChat/service/persist"
	"PPChat/service/protocol"
	redisx "PPChat/service/storage/redis"
	"PPChat/tools/decode"
	"PPChat/tools/ids"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

const EnvPrefix = "PPCHAT"

const (
	BrokerMemory = "memory"
	BrokerNats   = "nats"
	BrokerKafka  = "kafka"

	PersistMongo    = "mongo"
	PersistPostgres = "postgres"
)

type Config struct {
	Gateway GatewayConfig `mapstructure:"gateway"`
	Log     LogConfig     `mapstructure:"log"`
	Auth    AuthConfig    `mapstructure:"auth"`
	Broker  BrokerConfig  `mapstructure:"broker"`
	Redis   RedisConfig   `mapstructure:"redis"`
	Persist PersistConfig `mapstructure:"persist"`
}

type GatewayConfig struct {
	ID               string        `mapstructure:"id"`
	NodeID           int64         `mapstructure:"node_id"` // snowflake node
	Addr             string        `mapstructure:"addr"`
	HTTPAddr         string        `mapstructure:"http_addr"`
	GRPCAddr         string        `mapstructure:"grpc_addr"`
	MaxConns         int           `mapstructure:"max_conns"`
	MaxFrameSize     int           `mapstructure:"max_frame_size"`
	HandshakeTimeout time.Duration `mapstructure:"handshake_timeout"`
	IdleTimeout      time.Duration `mapstructure:"idle_timeout"`
	SweepEvery       time.Duration `mapstructure:"sweep_every"`
	WriteTimeout     time.Duration `mapstructure:"write_timeout"`
	ChatRate         float64       `mapstructure:"chat_rate"`
	ChatBurst        int           `mapstructure:"chat_burst"`
	OfflineDrain     int           `mapstructure:"offline_drain"`
	// AdminToken guards /stats when set.
	AdminToken       string        `mapstructure:"admin_token"`
	AllowedOrigins   []string      `mapstructure:"allowed_origins"`
}

type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"` // console/json
}

type AuthConfig struct {
	Secret        string        `mapstructure:"secret"`
	Alg           string        `mapstructure:"alg"`
	VerifyTimeout time.Duration `mapstructure:"verify_timeout"`
	// StaticTokens maps dev tokens to user ids; "tok=1,tok2=2" from env.
	StaticTokens map[string]uint64 `mapstructure:"static_tokens"`
}

type BrokerConfig struct {
	Driver          string        `mapstructure:"driver"`
	PublishTopic    string        `mapstructure:"publish_topic"`
	DeliveryTopic   string        `mapstructure:"delivery_topic"`
	DeadLetterTopic string        `mapstructure:"dead_letter_topic"`
	Retention       int           `mapstructure:"retention"` // memory driver only
	DedupTTL        time.Duration `mapstructure:"dedup_ttl"`
	Nats            natsx.Config  `mapstructure:"nats"`
	Kafka           kafka.Config  `mapstructure:"kafka"`
}

type RedisConfig struct {
	redisx.Config `mapstructure:",squash"`

	Enabled      bool          `mapstructure:"enabled"`
	PresenceTTL  time.Duration `mapstructure:"presence_ttl"`
	OfflineLimit int           `mapstructure:"offline_limit"`
}

type PersistConfig struct {
	Driver   string                 `mapstructure:"driver"`
	Group    string                 `mapstructure:"group"`
	Mongo    persist.MongoConfig    `mapstructure:"mongo"`
	Postgres persist.PostgresConfig `mapstructure:"postgres"`
}

// Default is a runnable single node: memory broker, no redis, no static tokens.
func Default() *Config {
	gw := chat.DefaultOptions()
	return &Config{
		Gateway: GatewayConfig{
			ID:               gw.ID,
			NodeID:           1,
			Addr:             ":7000",
			HTTPAddr:         ":8080",
			GRPCAddr:         ":50051",
			MaxConns:         gw.MaxConns,
			MaxFrameSize:     gw.MaxFrameSize,
			HandshakeTimeout: gw.HandshakeTimeout,
			IdleTimeout:      gw.IdleTimeout,
			SweepEvery:       gw.SweepEvery,
			WriteTimeout:     gw.WriteTimeout,
			ChatRate:         gw.ChatRate,
			ChatBurst:        gw.ChatBurst,
			OfflineDrain:     gw.OfflineDrain,
		},
		Log:  LogConfig{Level: "info", Format: "console"},
		Auth: AuthConfig{Secret: "ppchat-dev-secret", Alg: "HS256", VerifyTimeout: gw.VerifyTimeout},
		Broker: BrokerConfig{
			Driver:       BrokerMemory,
			PublishTopic: "im.chat",
			Retention:    10000,
			DedupTTL:     10 * time.Minute,
			Nats:         natsx.Config{Servers: []string{"nats://127.0.0.1:4222"}, Name: "ppchat"},
			Kafka:        kafka.DefaultConfig(),
		},
		Redis: RedisConfig{
			Config:       redisx.Config{Addr: "127.0.0.1:6379", PoolSize: 20},
			PresenceTTL:  3 * time.Minute,
			OfflineLimit: 1000,
		},
		Persist: PersistConfig{
			Driver: PersistMongo,
			Group:  "persister",
			Mongo: persist.MongoConfig{
				Uri:        "mongodb://localhost:27017",
				Database:   "ppchat",
				Collection: "messages",
			},
			Postgres: persist.PostgresConfig{MaxConns: 10},
		},
	}
}

// Load reads .env, then path (if non-empty, else $PPCHAT_CONFIG), then env
// overrides, on top of Default.
func Load(path string) (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}
	if path == "" {
		path = os.Getenv(EnvPrefix + "_CONFIG")
	}

	v := viper.New()
	v.SetConfigType("yaml")
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setDefaults(v, Default())

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	c := &Config{}
	if err := v.Unmarshal(c, viper.DecodeHook(decode.Hook())); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return c, nil
}

// setDefaults registers every key so AutomaticEnv can override it.
func setDefaults(v *viper.Viper, d *Config) {
	g := d.Gateway
	v.SetDefault("gateway.id", g.ID)
	v.SetDefault("gateway.node_id", g.NodeID)
	v.SetDefault("gateway.addr", g.Addr)
	v.SetDefault("gateway.http_addr", g.HTTPAddr)
	v.SetDefault("gateway.grpc_addr", g.GRPCAddr)
	v.SetDefault("gateway.max_conns", g.MaxConns)
	v.SetDefault("gateway.max_frame_size", g.MaxFrameSize)
	v.SetDefault("gateway.handshake_timeout", g.HandshakeTimeout)
	v.SetDefault("gateway.idle_timeout", g.IdleTimeout)
	v.SetDefault("gateway.sweep_every", g.SweepEvery)
	v.SetDefault("gateway.write_timeout", g.WriteTimeout)
	v.SetDefault("gateway.chat_rate", g.ChatRate)
	v.SetDefault("gateway.chat_burst", g.ChatBurst)
	v.SetDefault("gateway.offline_drain", g.OfflineDrain)
	v.SetDefault("gateway.admin_token", g.AdminToken)
	v.SetDefault("gateway.allowed_origins", g.AllowedOrigins)

	v.SetDefault("log.level", d.Log.Level)
	v.SetDefault("log.format", d.Log.Format)

	v.SetDefault("auth.secret", d.Auth.Secret)
	v.SetDefault("auth.alg", d.Auth.Alg)
	v.SetDefault("auth.verify_timeout", d.Auth.VerifyTimeout)
	v.SetDefault("auth.static_tokens", "")

	b := d.Broker
	v.SetDefault("broker.driver", b.Driver)
	v.SetDefault("broker.publish_topic", b.PublishTopic)
	v.SetDefault("broker.delivery_topic", b.DeliveryTopic)
	v.SetDefault("broker.dead_letter_topic", b.DeadLetterTopic)
	v.SetDefault("broker.retention", b.Retention)
	v.SetDefault("broker.dedup_ttl", b.DedupTTL)
	v.SetDefault("broker.nats.servers", b.Nats.Servers)
	v.SetDefault("broker.nats.name", b.Nats.Name)
	v.SetDefault("broker.nats.user", b.Nats.User)
	v.SetDefault("broker.nats.password", b.Nats.Password)
	v.SetDefault("broker.nats.jetstream", b.Nats.JetStream)
	v.SetDefault("broker.nats.reconnect_wait", b.Nats.ReconnectWait)
	v.SetDefault("broker.nats.timeout", b.Nats.Timeout)
	v.SetDefault("broker.nats.publish_async_max", b.Nats.PublishAsyncMax)
	v.SetDefault("broker.nats.ack_wait", b.Nats.AckWait)
	v.SetDefault("broker.nats.max_ack_pending", b.Nats.MaxAckPending)
	v.SetDefault("broker.nats.max_age", b.Nats.MaxAge)
	v.SetDefault("broker.kafka.brokers", b.Kafka.Brokers)
	v.SetDefault("broker.kafka.version", b.Kafka.Version)
	v.SetDefault("broker.kafka.partitions", b.Kafka.Partitions)
	v.SetDefault("broker.kafka.replication_factor", b.Kafka.ReplicationFactor)
	v.SetDefault("broker.kafka.producer_retries", b.Kafka.ProducerRetries)
	v.SetDefault("broker.kafka.producer_compression", b.Kafka.ProducerCompression)
	v.SetDefault("broker.kafka.consumer_initial_offset", b.Kafka.ConsumerInitialOffset)
	v.SetDefault("broker.kafka.auto_create_topics", b.Kafka.AutoCreateTopics)

	r := d.Redis
	v.SetDefault("redis.enabled", r.Enabled)
	v.SetDefault("redis.addr", r.Addr)
	v.SetDefault("redis.password", r.Password)
	v.SetDefault("redis.db", r.DB)
	v.SetDefault("redis.pool_size", r.PoolSize)
	v.SetDefault("redis.presence_ttl", r.PresenceTTL)
	v.SetDefault("redis.offline_limit", r.OfflineLimit)

	p := d.Persist
	v.SetDefault("persist.driver", p.Driver)
	v.SetDefault("persist.group", p.Group)
	v.SetDefault("persist.mongo.uri", p.Mongo.Uri)
	v.SetDefault("persist.mongo.address", p.Mongo.Address)
	v.SetDefault("persist.mongo.database", p.Mongo.Database)
	v.SetDefault("persist.mongo.collection", p.Mongo.Collection)
	v.SetDefault("persist.mongo.username", p.Mongo.Username)
	v.SetDefault("persist.mongo.password", p.Mongo.Password)
	v.SetDefault("persist.mongo.auth_source", p.Mongo.AuthSource)
	v.SetDefault("persist.mongo.max_pool_size", p.Mongo.MaxPoolSize)
	v.SetDefault("persist.mongo.max_retry", p.Mongo.MaxRetry)
	v.SetDefault("persist.postgres.dsn", p.Postgres.DSN)
	v.SetDefault("persist.postgres.max_conns", p.Postgres.MaxConns)
}

// Validate rejects out-of-range limits and unknown drivers.
func (c *Config) Validate() error {
	g := c.Gateway
	switch {
	case g.ID == "":
		return errors.New("gateway.id is required")
	case g.NodeID < 0 || g.NodeID > ids.MaxNode:
		return fmt.Errorf("gateway.node_id must be in [0,%d], got %d", ids.MaxNode, g.NodeID)
	case g.MaxConns <= 0:
		return fmt.Errorf("gateway.max_conns must be positive, got %d", g.MaxConns)
	case g.MaxFrameSize <= 0 || g.MaxFrameSize > protocol.MaxFrameSize:
		return fmt.Errorf("gateway.max_frame_size must be in [1,%d], got %d", protocol.MaxFrameSize, g.MaxFrameSize)
	case g.HandshakeTimeout <= 0, g.IdleTimeout <= 0, g.SweepEvery <= 0, g.WriteTimeout <= 0:
		return errors.New("gateway timeouts must be positive")
	case g.ChatRate <= 0 || g.ChatBurst <= 0:
		return errors.New("gateway.chat_rate and gateway.chat_burst must be positive")
	case g.OfflineDrain < 0:
		return errors.New("gateway.offline_drain must not be negative")
	case c.Auth.VerifyTimeout <= 0:
		return errors.New("auth.verify_timeout must be positive")
	case c.Auth.Secret == "" && len(c.Auth.StaticTokens) == 0:
		return errors.New("auth.secret or auth.static_tokens must be set")
	}

	switch c.Broker.Driver {
	case BrokerMemory, BrokerNats, BrokerKafka:
	default:
		return fmt.Errorf("unknown broker.driver %q", c.Broker.Driver)
	}
	if c.Broker.PublishTopic == "" {
		return errors.New("broker.publish_topic is required")
	}

	switch c.Persist.Driver {
	case PersistMongo, PersistPostgres:
	default:
		return fmt.Errorf("unknown persist.driver %q", c.Persist.Driver)
	}

	if c.Redis.Enabled && (c.Redis.PresenceTTL <= 0 || c.Redis.OfflineLimit <= 0) {
		return errors.New("redis.presence_ttl and redis.offline_limit must be positive")
	}
	return nil
}

// ChatOptions maps the gateway section onto server options.
func (c *Config) ChatOptions() chat.Options {
	g := c.Gateway
	return chat.Options{
		ID:               g.ID,
		MaxConns:         g.MaxConns,
		MaxFrameSize:     g.MaxFrameSize,
		HandshakeTimeout: g.HandshakeTimeout,
		VerifyTimeout:    c.Auth.VerifyTimeout,
		IdleTimeout:      g.IdleTimeout,
		SweepEvery:       g.SweepEvery,
		WriteTimeout:     g.WriteTimeout,
		ChatRate:         g.ChatRate,
		ChatBurst:        g.ChatBurst,
		OfflineDrain:     g.OfflineDrain,
	}
}
