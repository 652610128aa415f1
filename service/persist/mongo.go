package persist

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.uber.org/zap"

	"PPChat/logger"
	"PPChat/tools/errs"
)

const (
	defaultMaxPoolSize = 100
	defaultMaxRetry    = 3
	defaultCollection  = "chat_messages"
)

type MongoConfig struct {
	Uri         string   `mapstructure:"uri"`
	Address     []string `mapstructure:"address"`
	Database    string   `mapstructure:"database"`
	Collection  string   `mapstructure:"collection"`
	Username    string   `mapstructure:"username"`
	Password    string   `mapstructure:"password"`
	AuthSource  string   `mapstructure:"auth_source"`
	MaxPoolSize int      `mapstructure:"max_pool_size"`
	MaxRetry    int      `mapstructure:"max_retry"`
}

// ValidateAndSetDefaults fills pool, retry and collection defaults and
// builds Uri from Address when only addresses are given.
func (c *MongoConfig) ValidateAndSetDefaults() error {
	if c.Uri == "" && len(c.Address) == 0 {
		return errs.New("either uri or address must be provided")
	}
	if c.Database == "" {
		return errs.New("database is required")
	}
	if c.Collection == "" {
		c.Collection = defaultCollection
	}
	if c.MaxPoolSize <= 0 {
		c.MaxPoolSize = defaultMaxPoolSize
	}
	if c.MaxRetry <= 0 {
		c.MaxRetry = defaultMaxRetry
	}
	if c.Uri == "" {
		authSource := c.AuthSource
		if authSource == "" {
			authSource = c.Database
		}
		c.Uri = buildMongoURI(c, authSource)
	}
	return nil
}

func buildMongoURI(c *MongoConfig, authSource string) string {
	credentials := ""
	if c.Username != "" && c.Password != "" {
		credentials = fmt.Sprintf("%s:%s@", c.Username, c.Password)
	}
	return fmt.Sprintf("mongodb://%s%s/%s?authSource=%s&maxPoolSize=%d",
		credentials, strings.Join(c.Address, ","), c.Database, authSource, c.MaxPoolSize)
}

// shouldRetry is false for auth failures (codes 13 and 18) and cancelled contexts.
func shouldRetry(ctx context.Context, err error) bool {
	if ctx.Err() != nil {
		return false
	}
	var cmdErr mongo.CommandError
	if errors.As(err, &cmdErr) {
		return cmdErr.Code != 13 && cmdErr.Code != 18
	}
	return true
}

type MongoStore struct {
	cli  *mongo.Client
	coll *mongo.Collection
}

// NewMongoStore connects (retrying transient failures) and ensures indexes.
func NewMongoStore(ctx context.Context, cfg MongoConfig) (*MongoStore, error) {
	if err := cfg.ValidateAndSetDefaults(); err != nil {
		return nil, err
	}
	opts := options.Client().ApplyURI(cfg.Uri).SetMaxPoolSize(uint64(cfg.MaxPoolSize))
	if cfg.Username != "" {
		opts.SetAuth(options.Credential{Username: cfg.Username, Password: cfg.Password, AuthSource: cfg.AuthSource})
	}
	var (
		cli *mongo.Client
		err error
	)
	for i := 0; i < cfg.MaxRetry; i++ {
		cli, err = connectMongo(ctx, opts)
		if err != nil && shouldRetry(ctx, err) {
			logger.Warn("mongo connect failed, retrying", zap.Int("attempt", i+1), zap.Error(err))
			time.Sleep(time.Second / 2)
			continue
		}
		break
	}
	if err != nil {
		return nil, errs.WrapMsg(err, "failed to connect to MongoDB", "database", cfg.Database)
	}
	s := &MongoStore{cli: cli, coll: cli.Database(cfg.Database).Collection(cfg.Collection)}
	if err := s.ensureIndexes(ctx); err != nil {
		_ = cli.Disconnect(ctx)
		return nil, err
	}
	return s, nil
}

func connectMongo(ctx context.Context, opts *options.ClientOptions) (*mongo.Client, error) {
	cli, err := mongo.Connect(ctx, opts)
	if err != nil {
		return nil, err
	}
	if err := cli.Ping(ctx, nil); err != nil {
		_ = cli.Disconnect(ctx)
		return nil, err
	}
	return cli, nil
}

func (s *MongoStore) ensureIndexes(ctx context.Context) error {
	_, err := s.coll.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{Keys: bson.D{{Key: "session", Value: 1}, {Key: "sent_at", Value: 1}}},
		{Keys: bson.D{{Key: "sender", Value: 1}, {Key: "sent_at", Value: -1}}},
	})
	return errs.WrapMsg(err, "create mongo indexes", "collection", s.coll.Name())
}

// Save inserts rec keyed by rec.Key; a duplicate key means it is already stored.
func (s *MongoStore) Save(ctx context.Context, rec *Record) error {
	_, err := s.coll.InsertOne(ctx, rec)
	if err != nil && !mongo.IsDuplicateKeyError(err) {
		return errs.WrapMsg(err, "mongo insert", "key", rec.Key)
	}
	return nil
}

func (s *MongoStore) Close(ctx context.Context) error {
	return s.cli.Disconnect(ctx)
}
