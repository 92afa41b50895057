package aws

import (
	"bytes"
	"context"
	"net/http/httptest"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/johannesboyne/gofakes3"
	"github.com/johannesboyne/gofakes3/backend/s3mem"
)

func newFakeStore(t *testing.T) *Store {
	t.Helper()
	backend := s3mem.New()
	server := httptest.NewServer(gofakes3.New(backend).Server())
	t.Cleanup(server.Close)
	if err := backend.CreateBucket("hosted-engine"); err != nil {
		t.Fatalf("create bucket: %v", err)
	}
	store, err := New(context.Background(), Config{
		Endpoint:    server.URL,
		Region:      "us-east-1",
		Bucket:      "hosted-engine",
		Prefix:      "/site-b/",
		PathStyle:   true,
		Credentials: credentials.NewStaticCredentialsProvider("test", "test", ""),
	})
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	return store
}

func TestStoreRoundTrip(t *testing.T) {
	store := newFakeStore(t)
	ctx := context.Background()
	if err := store.Verify(ctx); err != nil {
		t.Fatalf("verify: %v", err)
	}
	if store.Config().Prefix != "site-b" {
		t.Fatalf("prefix not trimmed: %q", store.Config().Prefix)
	}
	if err := store.PutStats(ctx, 0, "maintenance=False\n"); err != nil {
		t.Fatalf("put global: %v", err)
	}
	if err := store.PutStats(ctx, 3, "host-id=3\nscore=2400\n"); err != nil {
		t.Fatalf("put host: %v", err)
	}
	stats, err := store.RawStats(ctx)
	if err != nil {
		t.Fatalf("raw stats: %v", err)
	}
	if len(stats) != 2 || stats[3] != "host-id=3\nscore=2400\n" {
		t.Fatalf("unexpected stats %q", stats)
	}
	if err := store.PutStats(ctx, 3, ""); err != nil {
		t.Fatalf("clear: %v", err)
	}
	stats, err = store.RawStats(ctx)
	if err != nil {
		t.Fatalf("raw stats after clear: %v", err)
	}
	if _, ok := stats[3]; ok {
		t.Fatalf("cleared block still listed: %q", stats)
	}
}

func TestStoreResetLockspace(t *testing.T) {
	store := newFakeStore(t)
	ctx := context.Background()
	for _, key := range []string{"site-b/lockspace/a", "site-b/lockspace/b", "site-b/metadata/notes"} {
		_, err := store.client.PutObject(ctx, &s3.PutObjectInput{
			Bucket: aws.String("hosted-engine"),
			Key:    aws.String(key),
			Body:   bytes.NewReader([]byte("x")),
		})
		if err != nil {
			t.Fatalf("seed %s: %v", key, err)
		}
	}
	if err := store.ResetLockspace(ctx); err != nil {
		t.Fatalf("reset: %v", err)
	}
	resp, err := store.client.ListObjectsV2(ctx, &s3.ListObjectsV2Input{
		Bucket: aws.String("hosted-engine"),
		Prefix: aws.String("site-b/"),
	})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(resp.Contents) != 1 || aws.ToString(resp.Contents[0].Key) != "site-b/metadata/notes" {
		t.Fatalf("unexpected objects after reset: %d", len(resp.Contents))
	}
	stats, err := store.RawStats(ctx)
	if err != nil || len(stats) != 0 {
		t.Fatalf("foreign metadata object should be skipped: %v %v", stats, err)
	}
}

func TestNewValidatesConfig(t *testing.T) {
	if _, err := New(context.Background(), Config{Region: "us-east-1"}); err == nil {
		t.Fatal("expected error without bucket")
	}
	if _, err := New(context.Background(), Config{Bucket: "b"}); err == nil {
		t.Fatal("expected error without region")
	}
}
