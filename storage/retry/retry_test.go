package retry_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/arachmani/ovirt-hosted-engine-ha/api"
	"github.com/arachmani/ovirt-hosted-engine-ha/storage"
	"github.com/arachmani/ovirt-hosted-engine-ha/storage/memory"
	"github.com/arachmani/ovirt-hosted-engine-ha/storage/retry"
)

type recordingSleep struct {
	sleeps []time.Duration
}

func (r *recordingSleep) sleep(_ context.Context, d time.Duration) error {
	r.sleeps = append(r.sleeps, d)
	return nil
}

type flakyBackend struct {
	errs     []error
	putCalls int
	stats    api.StatsSnapshot
}

func (f *flakyBackend) next() error {
	if len(f.errs) == 0 {
		return nil
	}
	err := f.errs[0]
	f.errs = f.errs[1:]
	return err
}

func (f *flakyBackend) RawStats(context.Context) (api.StatsSnapshot, error) {
	if err := f.next(); err != nil {
		return nil, err
	}
	return f.stats, nil
}

func (f *flakyBackend) PutStats(context.Context, int, string) error {
	f.putCalls++
	return f.next()
}

func (f *flakyBackend) ResetLockspace(context.Context) error { return f.next() }
func (f *flakyBackend) Close() error                         { return nil }

func TestRetriesTransientErrorsWithBackoff(t *testing.T) {
	flaky := &flakyBackend{errs: []error{
		storage.NewTransientError(errors.New("503")),
		storage.NewTransientError(errors.New("503")),
		storage.NewTransientError(errors.New("503")),
	}}
	rec := &recordingSleep{}
	b := retry.Wrap(flaky, nil, retry.Config{
		MaxAttempts: 5,
		BaseDelay:   10 * time.Millisecond,
		MaxDelay:    25 * time.Millisecond,
		Multiplier:  2,
		Sleep:       rec.sleep,
	})
	if err := b.PutStats(context.Background(), 1, "score=0\n"); err != nil {
		t.Fatalf("put: %v", err)
	}
	if flaky.putCalls != 4 {
		t.Fatalf("expected 4 attempts, got %d", flaky.putCalls)
	}
	want := []time.Duration{10 * time.Millisecond, 20 * time.Millisecond, 25 * time.Millisecond}
	if len(rec.sleeps) != len(want) {
		t.Fatalf("unexpected sleeps %v", rec.sleeps)
	}
	for i := range want {
		if rec.sleeps[i] != want[i] {
			t.Fatalf("sleep %d: want %v got %v", i, want[i], rec.sleeps[i])
		}
	}
}

func TestPermanentErrorsAreNotRetried(t *testing.T) {
	permanent := errors.New("access denied")
	flaky := &flakyBackend{errs: []error{permanent}}
	rec := &recordingSleep{}
	b := retry.Wrap(flaky, nil, retry.Config{MaxAttempts: 3, Sleep: rec.sleep})
	if err := b.PutStats(context.Background(), 1, ""); !errors.Is(err, permanent) {
		t.Fatalf("expected permanent error, got %v", err)
	}
	if flaky.putCalls != 1 || len(rec.sleeps) != 0 {
		t.Fatalf("permanent error retried: calls=%d sleeps=%v", flaky.putCalls, rec.sleeps)
	}
}

func TestGivesUpAfterMaxAttempts(t *testing.T) {
	last := storage.NewTransientError(errors.New("still busy"))
	flaky := &flakyBackend{errs: []error{storage.NewTransientError(errors.New("busy")), last}}
	rec := &recordingSleep{}
	b := retry.Wrap(flaky, nil, retry.Config{MaxAttempts: 2, Sleep: rec.sleep})
	if _, err := b.RawStats(context.Background()); !errors.Is(err, last) {
		t.Fatalf("expected last error, got %v", err)
	}
	if len(rec.sleeps) != 1 {
		t.Fatalf("expected one backoff, got %v", rec.sleeps)
	}
}

func TestSleepCancellationStopsRetrying(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	flaky := &flakyBackend{errs: []error{storage.NewTransientError(errors.New("busy"))}}
	b := retry.Wrap(flaky, nil, retry.Config{MaxAttempts: 3, BaseDelay: time.Hour})
	if err := b.ResetLockspace(ctx); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}

func TestUnwrap(t *testing.T) {
	mem := memory.New()
	if retry.Unwrap(retry.Wrap(mem, nil, retry.DefaultConfig())) != storage.Backend(mem) {
		t.Fatal("unwrap did not return inner backend")
	}
	if retry.Unwrap(mem) != storage.Backend(mem) {
		t.Fatal("unwrap of plain backend should be identity")
	}
	if retry.Wrap(nil, nil, retry.Config{}) != nil {
		t.Fatal("wrap of nil should be nil")
	}
}
