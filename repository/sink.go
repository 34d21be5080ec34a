package repository

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/redis/go-redis/v9"

	"dvr-uploader/entities"
)

const (
	BackendPostgres = "postgres"
	BackendRedis    = "redis"
)

// MetadataSink persists one normalized recording record per upload. Persist is
// an upsert on the natural key (stream_name, filename) so a retried call after
// a partial success never creates a duplicate.
type MetadataSink interface {
	Persist(ctx context.Context, rec *entities.RecordingRecord) (string, error)
}

// NewSink selects a backend from configuration. Connection handles are opened
// by the config layer; this function only decides which one carries metadata.
func NewSink(backend string, db *sql.DB, rdb *redis.Client) (MetadataSink, error) {
	switch backend {
	case BackendPostgres:
		if db == nil {
			return nil, fmt.Errorf("metadata backend %q selected but no database configured", backend)
		}
		return NewPostgresSink(db)
	case BackendRedis:
		if rdb == nil {
			return nil, fmt.Errorf("metadata backend %q selected but no redis configured", backend)
		}
		return NewRedisSink(rdb), nil
	default:
		return nil, fmt.Errorf("unknown metadata backend %q", backend)
	}
}
