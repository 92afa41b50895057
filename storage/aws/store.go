// Package aws keeps the shared metadata area in Amazon S3 through the AWS
// SDK. The object layout matches package s3, so either backend can read a
// bucket written by the other.
package aws

import (
	"bytes"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net/http"
	"path"
	"strconv"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	smithy "github.com/aws/smithy-go"
	"pkt.systems/pslog"

	"github.com/arachmani/ovirt-hosted-engine-ha/api"
	"github.com/arachmani/ovirt-hosted-engine-ha/internal/loggingutil"
	"github.com/arachmani/ovirt-hosted-engine-ha/storage"
)

const opTimeout = 30 * time.Second

// Config controls the AWS backend.
type Config struct {
	// Endpoint overrides the regional endpoint, e.g. for S3-compatible
	// services. Bare host[:port] values get https:// (http:// when Insecure).
	Endpoint string
	Region   string
	Bucket   string
	Prefix   string
	Insecure bool
	// PathStyle addresses the bucket in the URL path instead of the host.
	PathStyle bool
	// Credentials overrides the SDK default chain.
	Credentials aws.CredentialsProvider
	Logger      pslog.Logger
}

// Store implements storage.Backend on a bucket.
type Store struct {
	client *s3.Client
	cfg    Config
	logger pslog.Logger
}

var _ storage.Backend = (*Store)(nil)

// New constructs a Store from cfg and the SDK's default configuration
// sources.
func New(ctx context.Context, cfg Config) (*Store, error) {
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("aws: bucket is required")
	}
	if cfg.Region == "" {
		return nil, fmt.Errorf("aws: region is required")
	}
	cfg.Endpoint = strings.TrimSpace(cfg.Endpoint)
	cfg.Prefix = strings.Trim(cfg.Prefix, "/")

	loadOpts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(cfg.Region),
		awsconfig.WithHTTPClient(&http.Client{Transport: defaultTransport(cfg.Insecure)}),
	}
	if cfg.Credentials != nil {
		loadOpts = append(loadOpts, awsconfig.WithCredentialsProvider(cfg.Credentials))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("aws: load config: %w", err)
	}
	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		o.UsePathStyle = cfg.PathStyle
		if cfg.Endpoint != "" {
			endpoint := cfg.Endpoint
			if !strings.Contains(endpoint, "://") {
				scheme := "https"
				if cfg.Insecure {
					scheme = "http"
				}
				endpoint = scheme + "://" + endpoint
			}
			o.BaseEndpoint = aws.String(endpoint)
			// S3-compatible services rarely implement the flexible checksums.
			o.RequestChecksumCalculation = aws.RequestChecksumCalculationWhenRequired
			o.ResponseChecksumValidation = aws.ResponseChecksumValidationWhenRequired
		}
	})
	return &Store{
		client: client,
		cfg:    cfg,
		logger: loggingutil.WithSubsystem(cfg.Logger, "storage.aws"),
	}, nil
}

func defaultTransport(insecure bool) http.RoundTripper {
	base, ok := http.DefaultTransport.(*http.Transport)
	if !ok {
		return http.DefaultTransport
	}
	clone := base.Clone()
	if insecure {
		clone.TLSClientConfig = &tls.Config{InsecureSkipVerify: true}
	}
	return clone
}

// Config returns the effective configuration.
func (s *Store) Config() Config { return s.cfg }

// Verify checks that the bucket exists and is reachable.
func (s *Store) Verify(ctx context.Context) error {
	ctx, cancel := withTimeout(ctx)
	defer cancel()
	if _, err := s.client.HeadBucket(ctx, &s3.HeadBucketInput{Bucket: aws.String(s.cfg.Bucket)}); err != nil {
		if isNotFound(err) {
			return fmt.Errorf("aws: bucket %s does not exist", s.cfg.Bucket)
		}
		return fmt.Errorf("aws: connectivity check failed: %w", err)
	}
	return nil
}

// RawStats reads every block object.
func (s *Store) RawStats(ctx context.Context) (api.StatsSnapshot, error) {
	ctx, cancel := withTimeout(ctx)
	defer cancel()
	start := time.Now()
	prefix := s.metadataPrefix()
	out := make(api.StatsSnapshot)
	var token *string
	for {
		resp, err := s.client.ListObjectsV2(ctx, &s3.ListObjectsV2Input{
			Bucket:            aws.String(s.cfg.Bucket),
			Prefix:            aws.String(prefix),
			ContinuationToken: token,
		})
		if err != nil {
			return nil, fmt.Errorf("aws: list metadata: %w", classify(err))
		}
		for _, object := range resp.Contents {
			key := aws.ToString(object.Key)
			id, err := strconv.Atoi(strings.TrimPrefix(key, prefix))
			if err != nil || id < 0 || id > storage.MaxHostID {
				s.logger.Debug("storage.aws.raw_stats.skip", "object", key)
				continue
			}
			block, found, err := s.readBlock(ctx, key)
			if err != nil {
				return nil, err
			}
			if !found || storage.IsEmptyBlock(block) {
				continue
			}
			out[id] = block
		}
		if !aws.ToBool(resp.IsTruncated) {
			break
		}
		token = resp.NextContinuationToken
	}
	s.logger.Trace("storage.aws.raw_stats", "bucket", s.cfg.Bucket, "prefix", prefix, "blocks", len(out), "elapsed", time.Since(start))
	return out, nil
}

func (s *Store) readBlock(ctx context.Context, key string) (string, bool, error) {
	resp, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.cfg.Bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		if isNotFound(err) {
			return "", false, nil
		}
		return "", false, fmt.Errorf("aws: get %s: %w", key, classify(err))
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(io.LimitReader(resp.Body, storage.BlockSize+1))
	if err != nil {
		return "", false, fmt.Errorf("aws: read %s: %w", key, err)
	}
	if len(data) > storage.BlockSize {
		return "", false, fmt.Errorf("aws: %s: %w", key, storage.ErrBlockTooLarge)
	}
	return string(data), true, nil
}

// PutStats replaces the block object of id. An empty block removes it.
func (s *Store) PutStats(ctx context.Context, id int, block string) error {
	if err := storage.ValidateBlock(id, block); err != nil {
		return err
	}
	ctx, cancel := withTimeout(ctx)
	defer cancel()
	key := s.blockKey(id)
	if storage.IsEmptyBlock(block) {
		return s.remove(ctx, key)
	}
	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(s.cfg.Bucket),
		Key:           aws.String(key),
		Body:          bytes.NewReader([]byte(block)),
		ContentLength: aws.Int64(int64(len(block))),
		ContentType:   aws.String("text/plain"),
	})
	if err != nil {
		return fmt.Errorf("aws: put %s: %w", key, classify(err))
	}
	s.logger.Debug("storage.aws.put_stats", "id", id, "object", key, "bytes", len(block))
	return nil
}

// ResetLockspace deletes every object under the lockspace prefix.
func (s *Store) ResetLockspace(ctx context.Context) error {
	ctx, cancel := withTimeout(ctx)
	defer cancel()
	prefix := s.withPrefix("lockspace") + "/"
	removed := 0
	var token *string
	for {
		resp, err := s.client.ListObjectsV2(ctx, &s3.ListObjectsV2Input{
			Bucket:            aws.String(s.cfg.Bucket),
			Prefix:            aws.String(prefix),
			ContinuationToken: token,
		})
		if err != nil {
			return fmt.Errorf("aws: list lockspace: %w", classify(err))
		}
		for _, object := range resp.Contents {
			if err := s.remove(ctx, aws.ToString(object.Key)); err != nil {
				return err
			}
			removed++
		}
		if !aws.ToBool(resp.IsTruncated) {
			break
		}
		token = resp.NextContinuationToken
	}
	s.logger.Info("storage.aws.lockspace_reset", "bucket", s.cfg.Bucket, "prefix", prefix, "removed", removed)
	return nil
}

func (s *Store) remove(ctx context.Context, key string) error {
	_, err := s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(s.cfg.Bucket),
		Key:    aws.String(key),
	})
	if err != nil && !isNotFound(err) {
		return fmt.Errorf("aws: delete %s: %w", key, classify(err))
	}
	return nil
}

// Close is a no-op for the AWS client.
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

func withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if deadline, ok := ctx.Deadline(); ok && time.Until(deadline) <= opTimeout {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, opTimeout)
}

func isNotFound(err error) bool {
	if err == nil {
		return false
	}
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "NoSuchKey", "NotFound", "NoSuchBucket":
			return true
		}
	}
	var respErr interface{ HTTPStatusCode() int }
	if errors.As(err, &respErr) {
		return respErr.HTTPStatusCode() == http.StatusNotFound
	}
	return false
}

func classify(err error) error {
	var respErr interface{ HTTPStatusCode() int }
	if errors.As(err, &respErr) && storage.RetryableStatus(respErr.HTTPStatusCode()) {
		return storage.NewTransientError(err)
	}
	return err
}
