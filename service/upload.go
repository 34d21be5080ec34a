package service

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/rs/zerolog"
)

var ErrNonRetryable = errors.New("non-retryable error")

// ObjectStore is the minimal surface the pipeline needs from the object
// storage client. Tests substitute an in-memory fake.
type ObjectStore interface {
	Upload(ctx context.Context, localPath, key string) error
}

type minioStore struct {
	client *minio.Client
	bucket string
	acl    string
}

func NewMinioStore(client *minio.Client, bucket, acl string) ObjectStore {
	return &minioStore{client: client, bucket: bucket, acl: acl}
}

func (s *minioStore) Upload(ctx context.Context, localPath, key string) error {
	opts := minio.PutObjectOptions{}
	if s.acl != "" {
		opts.UserMetadata = map[string]string{"x-amz-acl": s.acl}
	}
	_, err := s.client.FPutObject(ctx, s.bucket, key, localPath, opts)
	return err
}

// RemoteKey derives the destination key for a recording. It is a pure
// function of the stream coordinates so the same file always lands on the
// same object, making a retried upload an overwrite rather than a duplicate.
func RemoteKey(streamApp, streamName, filename string) string {
	return path.Join("dvr", streamApp, streamName, filename)
}

// ParseRecordingPath extracts the stream coordinates from the watched
// directory layout <root>/<app>/<stream>/<filename>.
func ParseRecordingPath(root, localPath string) (streamApp, streamName, filename string, err error) {
	rel, relErr := filepath.Rel(root, localPath)
	if relErr != nil {
		return "", "", "", errors.Join(ErrNonRetryable, relErr)
	}
	parts := strings.Split(filepath.ToSlash(rel), "/")
	if len(parts) < 3 || parts[0] == ".." {
		return "", "", "", fmt.Errorf("%w: %q does not match <app>/<stream>/<file> layout", ErrNonRetryable, localPath)
	}
	return parts[0], parts[1], parts[len(parts)-1], nil
}

// SessionTimestamp is the recording-session token carried in metadata and
// webhook payloads: the filename without its extension, which the recorder
// derives from the session start time.
func SessionTimestamp(filename string) string {
	return strings.TrimSuffix(filename, filepath.Ext(filename))
}

// Uploader streams finished recordings to the object store under their
// deterministic keys.
type Uploader struct {
	store         ObjectStore
	bucket        string
	region        string
	endpoint      string
	publicBaseURL string
	timeout       time.Duration
}

func NewUploader(store ObjectStore, bucket, region, endpoint, publicBaseURL string, timeout time.Duration) *Uploader {
	return &Uploader{
		store:         store,
		bucket:        bucket,
		region:        region,
		endpoint:      endpoint,
		publicBaseURL: publicBaseURL,
		timeout:       timeout,
	}
}

type UploadResult struct {
	RemoteKey string
	RemoteURL string
	Bucket    string
	Region    string
	SizeBytes int64
}

func (u *Uploader) Upload(ctx context.Context, localPath, streamApp, streamName, filename string) (UploadResult, error) {
	info, err := os.Stat(localPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return UploadResult{}, errors.Join(ErrNonRetryable, err)
		}
		return UploadResult{}, err
	}

	key := RemoteKey(streamApp, streamName, filename)
	zerolog.Ctx(ctx).Info().
		Str("path", localPath).
		Str("key", key).
		Int64("size", info.Size()).
		Msg("uploading recording")

	if u.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, u.timeout)
		defer cancel()
	}

	if err := u.store.Upload(ctx, localPath, key); err != nil {
		return UploadResult{}, classifyStorageErr(err)
	}

	return UploadResult{
		RemoteKey: key,
		RemoteURL: u.RemoteURL(key),
		Bucket:    u.bucket,
		Region:    u.region,
		SizeBytes: info.Size(),
	}, nil
}

// RemoteURL builds the public URL for an uploaded key: the CDN base when one
// is configured, otherwise the bucket's virtual-host address on the endpoint.
func (u *Uploader) RemoteURL(key string) string {
	if u.publicBaseURL != "" {
		return strings.TrimRight(u.publicBaseURL, "/") + "/" + key
	}
	return fmt.Sprintf("https://%s.%s/%s", u.bucket, u.endpoint, key)
}

// classifyStorageErr separates auth/config rejections (4xx) from transient
// storage trouble. Timeouts and throttling stay retryable.
func classifyStorageErr(err error) error {
	resp := minio.ToErrorResponse(err)
	if resp.StatusCode >= 400 && resp.StatusCode < 500 &&
		resp.StatusCode != 408 && resp.StatusCode != 429 {
		return errors.Join(ErrNonRetryable, err)
	}
	return err
}
