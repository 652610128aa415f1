// Package global wires configuration into the shared clients both
// processes start with.
package global

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"PPChat/global/config"
	"PPChat/logger"
	"PPChat/service/auth"
	"PPChat/service/broker"
	"PPChat/service/kafka"
	"PPChat/service/natsx"
	"PPChat/service/persist"
	redisx "PPChat/service/storage/redis"
	"PPChat/tools/ids"
)

// ConfigAll initialises the logger and the id generator.
func ConfigAll(c *config.Config) error {
	if err := logger.Init(c.Log.Level, c.Log.Format); err != nil {
		return err
	}
	return ConfigIds(c)
}

func ConfigIds(c *config.Config) error {
	if err := ids.SetNodeID(c.Gateway.NodeID); err != nil {
		return err
	}
	logger.Info("id generator configured", zap.Int64("node_id", c.Gateway.NodeID))
	return nil
}

// OpenBroker connects the configured backend. Callers declare the topics
// they use.
func OpenBroker(c *config.Config) (broker.Broker, error) {
	switch c.Broker.Driver {
	case config.BrokerMemory:
		return broker.NewMemory(c.Broker.Retention), nil
	case config.BrokerNats:
		nc, err := natsx.Connect(c.Broker.Nats)
		if err != nil {
			return nil, err
		}
		return nc, nil
	case config.BrokerKafka:
		kc, err := kafka.New(c.Broker.Kafka)
		if err != nil {
			return nil, err
		}
		return kc, nil
	}
	return nil, fmt.Errorf("unknown broker driver %q", c.Broker.Driver)
}

// OpenRedis returns nil, nil when redis is disabled.
func OpenRedis(ctx context.Context, c *config.Config) (*redis.Client, error) {
	if !c.Redis.Enabled {
		return nil, nil
	}
	return redisx.NewClient(ctx, c.Redis.Config)
}

func OpenStore(ctx context.Context, c *config.Config) (persist.Store, error) {
	switch c.Persist.Driver {
	case config.PersistMongo:
		ms, err := persist.NewMongoStore(ctx, c.Persist.Mongo)
		if err != nil {
			return nil, err
		}
		return ms, nil
	case config.PersistPostgres:
		ps, err := persist.NewPostgresStore(ctx, c.Persist.Postgres)
		if err != nil {
			return nil, err
		}
		return ps, nil
	}
	return nil, fmt.Errorf("unknown persist driver %q", c.Persist.Driver)
}

// Verifier accepts JWTs signed with auth.secret, then any static token.
func Verifier(c *config.Config) auth.Verifier {
	var chain auth.Chain
	if c.Auth.Secret != "" {
		chain = append(chain, auth.NewJWTVerifier([]byte(c.Auth.Secret), c.Auth.Alg))
	}
	if len(c.Auth.StaticTokens) > 0 {
		chain = append(chain, auth.NewStaticVerifier(c.Auth.StaticTokens))
	}
	return chain
}
