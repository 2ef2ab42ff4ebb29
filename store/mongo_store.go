package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/BaSui01/agentmemory/internal/tlsutil"
	"github.com/BaSui01/agentmemory/types"
	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
	"go.uber.org/zap"
)

// MongoConfig configures the MongoDB backend.
type MongoConfig struct {
	URI            string        `json:"uri" yaml:"uri"`
	Database       string        `json:"database" yaml:"database"`
	Collection     string        `json:"collection" yaml:"collection"`
	ConnectTimeout time.Duration `json:"connect_timeout" yaml:"connect_timeout"`

	// TLSEnabled 为 true 时使用 TLS 设置连接，URI 中的 tls 参数仍然生效
	TLSEnabled bool            `json:"tls_enabled" yaml:"tls_enabled"`
	TLS        tlsutil.Options `json:"tls" yaml:"tls"`
}

// DefaultMongoConfig returns a local MongoDB setup.
func DefaultMongoConfig() MongoConfig {
	return MongoConfig{
		URI:            "mongodb://localhost:27017",
		Database:       "agentmemory",
		Collection:     "memory_units",
		ConnectTimeout: 10 * time.Second,
	}
}

// mongoDocument keeps queryable fields at the top level and the full unit as JSON.
type mongoDocument struct {
	ID          string     `bson:"_id"`
	Category    string     `bson:"category"`
	Priority    float64    `bson:"priority"`
	AccessCount int        `bson:"access_count"`
	Timestamp   time.Time  `bson:"timestamp"`
	ExpiresAt   *time.Time `bson:"expires_at,omitempty"`
	Data        string     `bson:"data"`
}

// MongoStore persists units in a MongoDB collection. A TTL index on expires_at
// lets the server drop expired units.
type MongoStore struct {
	client *mongo.Client
	coll   *mongo.Collection
	logger *zap.Logger
}

// NewMongoStore connects and ensures indexes.
func NewMongoStore(ctx context.Context, config MongoConfig, logger *zap.Logger) (*MongoStore, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	defaults := DefaultMongoConfig()
	if config.Database == "" {
		config.Database = defaults.Database
	}
	if config.Collection == "" {
		config.Collection = defaults.Collection
	}
	if config.ConnectTimeout <= 0 {
		config.ConnectTimeout = defaults.ConnectTimeout
	}

	opts := options.Client().ApplyURI(config.URI).SetConnectTimeout(config.ConnectTimeout)
	if config.TLSEnabled {
		tlsCfg, err := tlsutil.ClientConfig(config.TLS)
		if err != nil {
			return nil, fmt.Errorf("mongo tls: %w", err)
		}
		opts.SetTLSConfig(tlsCfg)
	}
	client, err := mongo.Connect(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to mongo: %w", err)
	}
	pingCtx, cancel := context.WithTimeout(ctx, config.ConnectTimeout)
	defer cancel()
	if err := client.Ping(pingCtx, nil); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, fmt.Errorf("failed to ping mongo: %w", err)
	}

	s := &MongoStore{
		client: client,
		coll:   client.Database(config.Database).Collection(config.Collection),
		logger: logger.With(zap.String("component", "mongo_store")),
	}
	if err := s.ensureIndexes(ctx); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, err
	}
	s.logger.Info("mongo store initialized",
		zap.String("database", config.Database),
		zap.String("collection", config.Collection))
	return s, nil
}

func (s *MongoStore) ensureIndexes(ctx context.Context) error {
	_, err := s.coll.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{Keys: bson.D{{Key: "category", Value: 1}}},
		{Keys: bson.D{{Key: "timestamp", Value: 1}}},
		{Keys: bson.D{{Key: "expires_at", Value: 1}}, Options: options.Index().SetExpireAfterSeconds(0)},
	})
	if err != nil {
		return fmt.Errorf("failed to create mongo indexes: %w", err)
	}
	return nil
}

func toDocument(u *types.MemoryUnit) (*mongoDocument, error) {
	data, err := json.Marshal(u)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal memory unit: %w", err)
	}
	return &mongoDocument{
		ID:          u.ID,
		Category:    string(u.Category),
		Priority:    u.Priority,
		AccessCount: u.AccessCount,
		Timestamp:   u.Timestamp.UTC(),
		ExpiresAt:   u.ExpiresAt,
		Data:        string(data),
	}, nil
}

func (d *mongoDocument) unit() (*types.MemoryUnit, error) {
	var u types.MemoryUnit
	if err := json.Unmarshal([]byte(d.Data), &u); err != nil {
		return nil, fmt.Errorf("failed to unmarshal memory unit %s: %w", d.ID, err)
	}
	return &u, nil
}

func (s *MongoStore) Save(ctx context.Context, unit *types.MemoryUnit) error {
	if err := validateUnit(unit); err != nil {
		return err
	}
	doc, err := toDocument(unit)
	if err != nil {
		return err
	}
	_, err = s.coll.ReplaceOne(ctx, bson.D{{Key: "_id", Value: unit.ID}}, doc, options.Replace().SetUpsert(true))
	if err != nil {
		s.logger.Error("mongo save failed", zap.String("id", unit.ID), zap.Error(err))
		return fmt.Errorf("mongo save failed: %w", err)
	}
	return nil
}

func (s *MongoStore) Load(ctx context.Context, id string) (*types.MemoryUnit, error) {
	var doc mongoDocument
	err := s.coll.FindOne(ctx, bson.D{{Key: "_id", Value: id}}).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, notFound(id)
	}
	if err != nil {
		return nil, fmt.Errorf("mongo load failed: %w", err)
	}
	return doc.unit()
}

func (s *MongoStore) Delete(ctx context.Context, id string) error {
	res, err := s.coll.DeleteOne(ctx, bson.D{{Key: "_id", Value: id}})
	if err != nil {
		return fmt.Errorf("mongo delete failed: %w", err)
	}
	if res.DeletedCount == 0 {
		return notFound(id)
	}
	return nil
}

func (s *MongoStore) Query(ctx context.Context, filter types.Filter) ([]*types.MemoryUnit, error) {
	if err := filter.Validate(); err != nil {
		return nil, err
	}
	opts := options.Find().SetSort(bson.D{{Key: "timestamp", Value: 1}, {Key: "_id", Value: 1}})
	cur, err := s.coll.Find(ctx, buildMongoFilter(filter), opts)
	if err != nil {
		return nil, fmt.Errorf("mongo query failed: %w", err)
	}
	var docs []mongoDocument
	if err := cur.All(ctx, &docs); err != nil {
		return nil, fmt.Errorf("mongo cursor failed: %w", err)
	}
	units := make([]*types.MemoryUnit, 0, len(docs))
	for i := range docs {
		u, err := docs[i].unit()
		if err != nil {
			s.logger.Warn("skipping undecodable memory unit", zap.String("id", docs[i].ID), zap.Error(err))
			continue
		}
		units = append(units, u)
	}
	return finish(units, filter), nil
}

// buildMongoFilter translates the indexable parts of filter into a query document.
func buildMongoFilter(f types.Filter) bson.D {
	q := bson.D{}
	if len(f.Categories) > 0 {
		cats := make([]string, len(f.Categories))
		for i, c := range f.Categories {
			cats[i] = string(c)
		}
		q = append(q, bson.E{Key: "category", Value: bson.D{{Key: "$in", Value: cats}}})
	}
	if len(f.IDs) > 0 {
		q = append(q, bson.E{Key: "_id", Value: bson.D{{Key: "$in", Value: f.IDs}}})
	}
	if tr := f.TimeRange; tr != nil {
		r := bson.D{}
		if !tr.Start.IsZero() {
			r = append(r, bson.E{Key: "$gte", Value: tr.Start.UTC()})
		}
		if !tr.End.IsZero() {
			r = append(r, bson.E{Key: "$lte", Value: tr.End.UTC()})
		}
		if len(r) > 0 {
			q = append(q, bson.E{Key: "timestamp", Value: r})
		}
	}
	if p := f.Priority; p != nil {
		r := bson.D{}
		if p.Min != nil {
			r = append(r, bson.E{Key: "$gte", Value: *p.Min})
		}
		if p.Max != nil {
			r = append(r, bson.E{Key: "$lte", Value: *p.Max})
		}
		if len(r) > 0 {
			q = append(q, bson.E{Key: "priority", Value: r})
		}
	}
	if f.MinAccessCount > 0 {
		q = append(q, bson.E{Key: "access_count", Value: bson.D{{Key: "$gte", Value: f.MinAccessCount}}})
	}
	return q
}

func (s *MongoStore) Ping(ctx context.Context) error { return s.client.Ping(ctx, nil) }

func (s *MongoStore) Close() error { return s.client.Disconnect(context.Background()) }
