// Package s3 keeps the shared metadata area in S3-compatible object storage:
// one object per block under <prefix>/metadata/<id> and the lockspace under
// <prefix>/lockspace/.
package s3

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"path"
	"strconv"
	"strings"
	"time"

	minio "github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"pkt.systems/pslog"

	"github.com/arachmani/ovirt-hosted-engine-ha/api"
	"github.com/arachmani/ovirt-hosted-engine-ha/internal/loggingutil"
	"github.com/arachmani/ovirt-hosted-engine-ha/storage"
)

// Config controls the S3 backend.
type Config struct {
	Endpoint       string
	Region         string
	Bucket         string
	Prefix         string
	Insecure       bool
	ForcePathStyle bool
	// CustomCreds overrides the default env/file/IAM credential chain.
	CustomCreds *credentials.Credentials
	Transport   http.RoundTripper
	Logger      pslog.Logger
}

// Store implements storage.Backend on a bucket.
type Store struct {
	client *minio.Client
	cfg    Config
	logger pslog.Logger
}

var _ storage.Backend = (*Store)(nil)

// New constructs a Store. No request is made until the first operation.
func New(cfg Config) (*Store, error) {
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("s3: bucket is required")
	}
	endpoint := cfg.Endpoint
	if endpoint == "" {
		if cfg.Region != "" {
			endpoint = fmt.Sprintf("s3.%s.amazonaws.com", cfg.Region)
		} else {
			endpoint = "s3.amazonaws.com"
		}
	}
	creds := cfg.CustomCreds
	if creds == nil {
		creds = credentials.NewChainCredentials([]credentials.Provider{
			&credentials.EnvAWS{},
			&credentials.EnvMinio{},
			&credentials.FileAWSCredentials{},
			&credentials.IAM{},
		})
	}
	options := &minio.Options{
		Creds:     creds,
		Secure:    !cfg.Insecure,
		Region:    cfg.Region,
		Transport: cfg.Transport,
	}
	if cfg.ForcePathStyle {
		options.BucketLookup = minio.BucketLookupPath
	}
	client, err := minio.New(endpoint, options)
	if err != nil {
		return nil, fmt.Errorf("s3: create client: %w", err)
	}
	cfg.Prefix = strings.Trim(cfg.Prefix, "/")
	return &Store{
		client: client,
		cfg:    cfg,
		logger: loggingutil.WithSubsystem(cfg.Logger, "storage.s3"),
	}, nil
}

// Config returns the effective configuration.
func (s *Store) Config() Config { return s.cfg }

// Verify checks that the bucket is reachable and exists.
func (s *Store) Verify(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	exists, err := s.client.BucketExists(ctx, s.cfg.Bucket)
	if err != nil {
		return fmt.Errorf("s3: connectivity check failed: %w", err)
	}
	if !exists {
		return fmt.Errorf("s3: bucket %s does not exist", s.cfg.Bucket)
	}
	return nil
}

// RawStats reads every block object.
func (s *Store) RawStats(ctx context.Context) (api.StatsSnapshot, error) {
	start := time.Now()
	prefix := s.metadataPrefix()
	out := make(api.StatsSnapshot)
	// The lister goroutine only exits once its channel is drained or ctx ends.
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	for object := range s.client.ListObjects(ctx, s.cfg.Bucket, minio.ListObjectsOptions{Prefix: prefix, Recursive: true}) {
		if object.Err != nil {
			return nil, fmt.Errorf("s3: list metadata: %w", classify(object.Err))
		}
		id, err := strconv.Atoi(strings.TrimPrefix(object.Key, prefix))
		if err != nil || id < 0 || id > storage.MaxHostID {
			s.logger.Debug("storage.s3.raw_stats.skip", "object", object.Key)
			continue
		}
		block, err := s.readBlock(ctx, object.Key)
		if errors.Is(err, errNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		if storage.IsEmptyBlock(block) {
			continue
		}
		out[id] = block
	}
	s.logger.Trace("storage.s3.raw_stats", "bucket", s.cfg.Bucket, "prefix", prefix, "blocks", len(out), "elapsed", time.Since(start))
	return out, nil
}

var errNotFound = errors.New("s3: object not found")

func (s *Store) readBlock(ctx context.Context, key string) (string, error) {
	obj, err := s.client.GetObject(ctx, s.cfg.Bucket, key, minio.GetObjectOptions{})
	if err != nil {
		if isNotFound(err) {
			return "", errNotFound
		}
		return "", fmt.Errorf("s3: get %s: %w", key, classify(err))
	}
	defer obj.Close()
	data, err := io.ReadAll(io.LimitReader(obj, storage.BlockSize+1))
	if err != nil {
		if isNotFound(err) {
			return "", errNotFound
		}
		return "", fmt.Errorf("s3: read %s: %w", key, err)
	}
	if len(data) > storage.BlockSize {
		return "", fmt.Errorf("s3: %s: %w", key, storage.ErrBlockTooLarge)
	}
	return string(data), nil
}

// PutStats replaces the block object of id. An empty block removes it.
func (s *Store) PutStats(ctx context.Context, id int, block string) error {
	if err := storage.ValidateBlock(id, block); err != nil {
		return err
	}
	key := s.blockKey(id)
	if storage.IsEmptyBlock(block) {
		if err := s.client.RemoveObject(ctx, s.cfg.Bucket, key, minio.RemoveObjectOptions{}); err != nil && !isNotFound(err) {
			return fmt.Errorf("s3: remove %s: %w", key, classify(err))
		}
		return nil
	}
	_, err := s.client.PutObject(ctx, s.cfg.Bucket, key, bytes.NewReader([]byte(block)), int64(len(block)),
		minio.PutObjectOptions{ContentType: "text/plain"})
	if err != nil {
		return fmt.Errorf("s3: put %s: %w", key, classify(err))
	}
	s.logger.Debug("storage.s3.put_stats", "id", id, "object", key, "bytes", len(block))
	return nil
}

// ResetLockspace deletes every object under the lockspace prefix.
func (s *Store) ResetLockspace(ctx context.Context) error {
	prefix := s.withPrefix("lockspace") + "/"
	removed := 0
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	for object := range s.client.ListObjects(ctx, s.cfg.Bucket, minio.ListObjectsOptions{Prefix: prefix, Recursive: true}) {
		if object.Err != nil {
			return fmt.Errorf("s3: list lockspace: %w", classify(object.Err))
		}
		if err := s.client.RemoveObject(ctx, s.cfg.Bucket, object.Key, minio.RemoveObjectOptions{}); err != nil && !isNotFound(err) {
			return fmt.Errorf("s3: remove %s: %w", object.Key, classify(err))
		}
		removed++
	}
	s.logger.Info("storage.s3.lockspace_reset", "bucket", s.cfg.Bucket, "prefix", prefix, "removed", removed)
	return nil
}

// Close is a no-op for the S3 client.
func (s *Store) Close() error { return nil }

func (s *Store) metadataPrefix() string {
	return s.withPrefix("metadata") + "/"
}

func (s *Store) blockKey(id int) string {
	return s.metadataPrefix() + strconv.Itoa(id)
}

func (s *Store) withPrefix(p string) string {
	if s.cfg.Prefix == "" {
		return p
	}
	return path.Join(s.cfg.Prefix, p)
}

func isNotFound(err error) bool {
	errResp := minio.ErrorResponse{}
	if errors.As(err, &errResp) {
		return errResp.StatusCode == http.StatusNotFound
	}
	return false
}

// classify marks throttling and server-side failures as transient.
func classify(err error) error {
	errResp := minio.ErrorResponse{}
	if errors.As(err, &errResp) && storage.RetryableStatus(errResp.StatusCode) {
		return storage.NewTransientError(err)
	}
	return err
}
