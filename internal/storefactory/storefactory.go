// Package storefactory opens a storage.Backend from a store URL.
package storefactory

import (
	"context"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	awscredentials "github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"pkt.systems/pslog"

	"github.com/arachmani/ovirt-hosted-engine-ha/storage"
	awsstore "github.com/arachmani/ovirt-hosted-engine-ha/storage/aws"
	azurestore "github.com/arachmani/ovirt-hosted-engine-ha/storage/azure"
	"github.com/arachmani/ovirt-hosted-engine-ha/storage/disk"
	"github.com/arachmani/ovirt-hosted-engine-ha/storage/logging"
	"github.com/arachmani/ovirt-hosted-engine-ha/storage/memory"
	"github.com/arachmani/ovirt-hosted-engine-ha/storage/retry"
	"github.com/arachmani/ovirt-hosted-engine-ha/storage/s3"
)

// Environment variables consulted for S3 credentials before the default
// AWS/MinIO chain.
const (
	EnvS3AccessKeyID     = "HACTL_S3_ACCESS_KEY_ID"
	EnvS3SecretAccessKey = "HACTL_S3_SECRET_ACCESS_KEY"
	EnvS3SessionToken    = "HACTL_S3_SESSION_TOKEN"
)

// Open parses rawURL and returns the matching backend, decorated with
// tracing and logging. Object stores additionally retry transient failures:
//
//	mem://                                   in-process
//	disk:///var/lib/hosted-engine            slot files in a directory
//	s3://host:port/bucket/prefix?insecure=1  S3-compatible object storage
//	aws://bucket/prefix?region=eu-north-1    Amazon S3 via the AWS SDK
//	azure://account/container/prefix         Azure Blob Storage
func Open(ctx context.Context, rawURL string, logger pslog.Logger) (storage.Backend, error) {
	backend, sys, err := open(ctx, rawURL, logger)
	if err != nil {
		return nil, err
	}
	switch sys {
	case "s3", "aws", "azure":
		backend = retry.Wrap(backend, logger, retry.DefaultConfig())
	}
	return logging.Wrap(backend, logger, sys), nil
}

func open(ctx context.Context, rawURL string, logger pslog.Logger) (storage.Backend, string, error) {
	u, err := url.Parse(strings.TrimSpace(rawURL))
	if err != nil {
		return nil, "", fmt.Errorf("parse store URL: %w", err)
	}
	switch u.Scheme {
	case "mem", "memory":
		return memory.New(), "memory", nil
	case "disk":
		dir, err := DiskDir(u)
		if err != nil {
			return nil, "", err
		}
		store, err := disk.New(disk.Config{Dir: dir, Logger: logger})
		if err != nil {
			return nil, "", err
		}
		return store, "disk", nil
	case "s3":
		cfg, err := BuildS3Config(u)
		if err != nil {
			return nil, "", err
		}
		cfg.Logger = logger
		store, err := s3.New(cfg)
		if err != nil {
			return nil, "", err
		}
		if err := store.Verify(ctx); err != nil {
			_ = store.Close()
			return nil, "", err
		}
		return store, "s3", nil
	case "aws":
		cfg, err := BuildAWSConfig(u)
		if err != nil {
			return nil, "", err
		}
		cfg.Logger = logger
		store, err := awsstore.New(ctx, cfg)
		if err != nil {
			return nil, "", err
		}
		if err := store.Verify(ctx); err != nil {
			return nil, "", err
		}
		return store, "aws", nil
	case "azure":
		cfg, err := BuildAzureConfig(u)
		if err != nil {
			return nil, "", err
		}
		cfg.Logger = logger
		store, err := azurestore.New(cfg)
		if err != nil {
			return nil, "", err
		}
		if err := store.Verify(ctx); err != nil {
			return nil, "", err
		}
		return store, "azure", nil
	case "":
		return nil, "", fmt.Errorf("store URL %q has no scheme", rawURL)
	default:
		return nil, "", fmt.Errorf("store scheme %q not supported", u.Scheme)
	}
}

// DiskDir extracts the directory from a disk:// URL. disk://rel/dir is
// taken relative to the working directory.
func DiskDir(u *url.URL) (string, error) {
	dir := filepath.Join(u.Host, u.Path)
	if dir == "" || dir == "." {
		return "", fmt.Errorf("disk store missing directory (expected disk:///path)")
	}
	return filepath.Clean(dir), nil
}

// BuildS3Config parses s3://host[:port]/bucket[/prefix] URLs. Recognised
// query parameters: insecure, path-style, region.
func BuildS3Config(u *url.URL) (s3.Config, error) {
	endpoint := strings.TrimSpace(u.Host)
	if endpoint == "" {
		return s3.Config{}, fmt.Errorf("s3 store missing host (expected s3://host[:port]/bucket[/prefix])")
	}
	p := strings.Trim(u.Path, "/")
	if p == "" {
		return s3.Config{}, fmt.Errorf("s3 store missing bucket (expected s3://host[:port]/bucket[/prefix])")
	}
	bucket, prefix, _ := strings.Cut(p, "/")
	query := u.Query()
	insecure := false
	if v := query.Get("insecure"); v != "" {
		if ok, err := strconv.ParseBool(v); err == nil {
			insecure = ok
		}
	}
	forcePath := false
	if v := query.Get("path-style"); v != "" {
		if ok, err := strconv.ParseBool(v); err == nil {
			forcePath = ok
		}
	}
	creds, err := resolveS3Credentials()
	if err != nil {
		return s3.Config{}, err
	}
	return s3.Config{
		Endpoint:       endpoint,
		Region:         strings.TrimSpace(query.Get("region")),
		Bucket:         bucket,
		Prefix:         strings.Trim(prefix, "/"),
		Insecure:       insecure,
		ForcePathStyle: forcePath,
		CustomCreds:    creds,
	}, nil
}

// resolveS3Credentials returns static credentials from HACTL_S3_*, or nil to
// let the backend use its default chain.
func resolveS3Credentials() (*credentials.Credentials, error) {
	accessKey := strings.TrimSpace(os.Getenv(EnvS3AccessKeyID))
	secretKey := os.Getenv(EnvS3SecretAccessKey)
	sessionToken := os.Getenv(EnvS3SessionToken)
	if accessKey == "" && secretKey == "" && sessionToken == "" {
		return nil, nil
	}
	if accessKey == "" || secretKey == "" {
		return nil, fmt.Errorf("s3 credentials incomplete (need %s and %s)", EnvS3AccessKeyID, EnvS3SecretAccessKey)
	}
	return credentials.NewStaticV4(accessKey, secretKey, sessionToken), nil
}

// BuildAWSConfig parses aws://bucket[/prefix] URLs. The region comes from
// the region query parameter or AWS_REGION / AWS_DEFAULT_REGION. An
// endpoint parameter switches to path-style addressing against that host.
func BuildAWSConfig(u *url.URL) (awsstore.Config, error) {
	bucket := strings.TrimSpace(u.Host)
	if bucket == "" {
		return awsstore.Config{}, fmt.Errorf("aws store missing bucket (expected aws://bucket[/prefix])")
	}
	query := u.Query()
	region := strings.TrimSpace(query.Get("region"))
	if region == "" {
		region = firstEnv("AWS_REGION", "AWS_DEFAULT_REGION")
	}
	if region == "" {
		return awsstore.Config{}, fmt.Errorf("aws store requires region (set ?region= or AWS_REGION)")
	}
	insecure := false
	if v := query.Get("insecure"); v != "" {
		if ok, err := strconv.ParseBool(v); err == nil {
			insecure = ok
		}
	}
	cfg := awsstore.Config{
		Region:   region,
		Bucket:   bucket,
		Prefix:   strings.Trim(u.Path, "/"),
		Insecure: insecure,
	}
	if endpoint := strings.TrimSpace(query.Get("endpoint")); endpoint != "" {
		cfg.Endpoint = endpoint
		cfg.PathStyle = true
	}
	accessKey := strings.TrimSpace(os.Getenv(EnvS3AccessKeyID))
	secretKey := os.Getenv(EnvS3SecretAccessKey)
	if accessKey != "" && secretKey != "" {
		cfg.Credentials = awscredentials.NewStaticCredentialsProvider(accessKey, secretKey, os.Getenv(EnvS3SessionToken))
	}
	return cfg, nil
}

// BuildAzureConfig parses azure://account/container[/prefix] URLs. Keys and
// SAS tokens come from the query (sas, endpoint) or the usual AZURE_*
// environment variables.
func BuildAzureConfig(u *url.URL) (azurestore.Config, error) {
	account := strings.TrimSpace(u.Host)
	if account == "" {
		account = firstEnv("AZURE_STORAGE_ACCOUNT", "AZURE_STORAGE_ACCOUNT_NAME")
	}
	if account == "" {
		return azurestore.Config{}, fmt.Errorf("azure: account name required (set azure://account/... or AZURE_STORAGE_ACCOUNT)")
	}
	p := strings.Trim(u.Path, "/")
	if p == "" {
		return azurestore.Config{}, fmt.Errorf("azure store missing container (expected azure://account/container[/prefix])")
	}
	container, prefix, _ := strings.Cut(p, "/")
	query := u.Query()
	sas := strings.TrimSpace(query.Get("sas"))
	if sas == "" {
		sas = firstEnv("HACTL_AZURE_SAS_TOKEN", "AZURE_STORAGE_SAS_TOKEN")
	}
	return azurestore.Config{
		Account:    account,
		AccountKey: firstEnv("HACTL_AZURE_ACCOUNT_KEY", "AZURE_STORAGE_ACCOUNT_KEY", "AZURE_STORAGE_KEY"),
		Endpoint:   strings.TrimSpace(query.Get("endpoint")),
		SASToken:   sas,
		Container:  container,
		Prefix:     strings.Trim(prefix, "/"),
	}, nil
}

func firstEnv(names ...string) string {
	for _, name := range names {
		if val := strings.TrimSpace(os.Getenv(name)); val != "" {
			return val
		}
	}
	return ""
}
