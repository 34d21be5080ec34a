package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"dvr-uploader/entities"
)

type redisSink struct {
	client *redis.Client
}

// NewRedisSink stores each record as a hash keyed by the natural key, so the
// record id is deterministic and a retried persist overwrites the same hash.
func NewRedisSink(client *redis.Client) MetadataSink {
	return &redisSink{client: client}
}

func recordKey(streamName, filename string) string {
	return fmt.Sprintf("recording:%s:%s", streamName, filename)
}

func (s *redisSink) Persist(ctx context.Context, rec *entities.RecordingRecord) (string, error) {
	key := recordKey(rec.StreamName, rec.Filename)
	fields := map[string]interface{}{
		"filename":    rec.Filename,
		"stream_name": rec.StreamName,
		"stream_app":  rec.StreamApp,
		"file_url":    rec.FileURL,
		"file_size":   rec.FileSize,
		"upload_time": rec.UploadTime.Format(time.RFC3339),
		"timestamp":   rec.Timestamp,
		"created_at":  time.Now().Format(time.RFC3339),
	}
	if rec.Bucket != nil {
		fields["bucket"] = *rec.Bucket
	}
	if rec.Region != nil {
		fields["region"] = *rec.Region
	}
	if err := s.client.HSet(ctx, key, fields).Err(); err != nil {
		return "", err
	}
	if err := s.client.SAdd(ctx, "recordings:"+rec.StreamName, key).Err(); err != nil {
		return "", err
	}
	return key, nil
}
