package store

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/BaSui01/agentmemory/types"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/v2/bson"
	"go.uber.org/zap"
)

func TestBuildMongoFilter(t *testing.T) {
	start := base
	tests := []struct {
		name   string
		filter types.Filter
		want   bson.D
	}{
		{"empty", types.Filter{}, bson.D{}},
		{
			"categories and ids",
			types.Filter{Categories: []types.MemoryCategory{types.MemoryEpisodic}, IDs: []string{"a"}},
			bson.D{
				{Key: "category", Value: bson.D{{Key: "$in", Value: []string{"episodic"}}}},
				{Key: "_id", Value: bson.D{{Key: "$in", Value: []string{"a"}}}},
			},
		},
		{
			"open ended ranges",
			types.Filter{
				TimeRange:      &types.TimeRange{Start: start},
				Priority:       &types.FloatRange{Max: floatp(0.4)},
				MinAccessCount: 3,
			},
			bson.D{
				{Key: "timestamp", Value: bson.D{{Key: "$gte", Value: start}}},
				{Key: "priority", Value: bson.D{{Key: "$lte", Value: 0.4}}},
				{Key: "access_count", Value: bson.D{{Key: "$gte", Value: 3}}},
			},
		},
		{
			"text conditions stay in memory",
			types.Filter{Content: "coffee", Query: "cafe"},
			bson.D{},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, buildMongoFilter(tt.filter))
		})
	}
}

func TestToDocument(t *testing.T) {
	u := unit("a", types.MemoryEpisodic, 0.7, 0, "hello")
	exp := base.Add(time.Hour)
	u.ExpiresAt = &exp

	doc, err := toDocument(u)
	require.NoError(t, err)
	assert.Equal(t, "episodic", doc.Category)
	assert.Equal(t, &exp, doc.ExpiresAt)

	back, err := doc.unit()
	require.NoError(t, err)
	assert.Equal(t, "hello", back.Content)
}

// Runs against a real server when AGENTMEMORY_MONGO_URI is set.
func TestMongoStore(t *testing.T) {
	uri := os.Getenv("AGENTMEMORY_MONGO_URI")
	if uri == "" {
		t.Skip("AGENTMEMORY_MONGO_URI not set")
	}
	cfg := DefaultMongoConfig()
	cfg.URI = uri
	cfg.Collection = "test_" + uuid.NewString()

	s, err := NewMongoStore(context.Background(), cfg, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = s.coll.Drop(context.Background())
		_ = s.Close()
	})
	runStorageContract(t, s)
}
