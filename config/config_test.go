package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

const testYAML = `
app:
  environment: develop

watch:
  root: /recordings

storage:
  endpoint: sgp1.digitaloceanspaces.com
  access_id: test-key
  secret_access_key: test-secret
  secure: true
  bucket: my-dvr-bucket
  region: sgp1

metadata:
  backend: redis

redis:
  addr: localhost:6379

webhook:
  url: https://api.example.com/webhooks/dvr
  secret: s3cret

upload:
  delete_after_upload: true
`

func TestLoad(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), []byte(testYAML), 0o644))

	cfg, err := Load(dir)
	require.NoError(t, err)

	require.Equal(t, "develop", cfg.App.Environment)
	require.Equal(t, "/recordings", cfg.Watch.Root)
	require.Equal(t, []string{".flv"}, cfg.Watch.Extensions)
	require.Equal(t, 30*time.Second, cfg.Watch.StabilityWindow)
	require.Equal(t, 5*time.Minute, cfg.Watch.RescanInterval)

	require.Equal(t, 4, cfg.Upload.Concurrency)
	require.Equal(t, 5, cfg.Upload.MaxAttempts)
	require.True(t, cfg.Upload.DeleteAfterUpload)

	require.Equal(t, "my-dvr-bucket", cfg.Storage.Bucket)
	require.Equal(t, "sgp1", cfg.Storage.Region)
	require.Equal(t, "private", cfg.Storage.ACL)
	require.NotNil(t, cfg.Storage.Client)

	require.Equal(t, "redis", cfg.Metadata.Backend)
	require.NotNil(t, cfg.Redis)
	require.Nil(t, cfg.DB)
	require.Nil(t, cfg.Queue, "rabbitmq defaults to disabled")

	require.Equal(t, "https://api.example.com/webhooks/dvr", cfg.Webhook.URL)
	require.Equal(t, "s3cret", cfg.Webhook.Secret)
	require.Equal(t, 5, cfg.Webhook.MaxAttempts)
	require.Equal(t, 10*time.Second, cfg.Webhook.Timeout)

	require.Equal(t, "ledger.json", cfg.LedgerPath)
}
