package repository

import (
	"testing"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
)

func TestNewSinkUnknownBackend(t *testing.T) {
	_, err := NewSink("mongodb", nil, nil)
	require.Error(t, err)
	require.Contains(t, err.Error(), "unknown metadata backend")
}

func TestNewSinkRequiresDatabase(t *testing.T) {
	_, err := NewSink(BackendPostgres, nil, nil)
	require.Error(t, err)
}

func TestNewSinkRequiresRedis(t *testing.T) {
	_, err := NewSink(BackendRedis, nil, nil)
	require.Error(t, err)
}

func TestNewSinkRedis(t *testing.T) {
	client := redis.NewClient(&redis.Options{Addr: "localhost:6379"})
	sink, err := NewSink(BackendRedis, nil, client)
	require.NoError(t, err)
	require.NotNil(t, sink)
}

func TestRecordKeyIsNaturalKey(t *testing.T) {
	key := recordKey("mystream", "rec1.flv")
	require.Equal(t, "recording:mystream:rec1.flv", key)
	require.Equal(t, key, recordKey("mystream", "rec1.flv"))
}
