package scheduler

import (
	"context"
	"errors"
	"testing"

	"github.com/LJTian/NewsHub/internal/orchestrator"
)

type fakeRunner struct {
	calls   int
	sources []string
	err     error
}

func (f *fakeRunner) Run(_ context.Context, sources []string) (*orchestrator.RunResult, error) {
	f.calls++
	f.sources = sources
	if f.err != nil {
		return nil, f.err
	}
	return &orchestrator.RunResult{RunID: "test-run", State: orchestrator.StateDone}, nil
}

type fakeRetainer struct {
	days    int
	deleted int64
	err     error
}

func (f *fakeRetainer) DeleteOlderThan(_ context.Context, days int) (int64, error) {
	f.days = days
	return f.deleted, f.err
}

func TestNewRejectsBadCronSpec(t *testing.T) {
	if _, err := New("not a cron spec", "0 3 * * *", &fakeRunner{}, &fakeRetainer{}, 30); err == nil {
		t.Fatalf("bad scrape spec should be rejected")
	}
	if _, err := New("*/10 * * * *", "definitely broken", &fakeRunner{}, &fakeRetainer{}, 30); err == nil {
		t.Fatalf("bad cleanup spec should be rejected")
	}
	if _, err := New("*/10 * * * *", "0 3 * * *", &fakeRunner{}, &fakeRetainer{}, 30); err != nil {
		t.Fatalf("valid specs rejected: %v", err)
	}
}

func TestRunOnceDrivesRunnerWithAllSources(t *testing.T) {
	runner := &fakeRunner{}
	s, err := New("*/10 * * * *", "0 3 * * *", runner, &fakeRetainer{}, 30)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}

	s.RunOnce()
	if runner.calls != 1 {
		t.Fatalf("expected 1 run, got %d", runner.calls)
	}
	if runner.sources != nil {
		t.Fatalf("scheduled run should scrape all sources, got %v", runner.sources)
	}
}

func TestRunnerErrorDoesNotPanic(t *testing.T) {
	runner := &fakeRunner{err: errors.New("boom")}
	s, err := New("*/10 * * * *", "0 3 * * *", runner, &fakeRetainer{}, 30)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	s.RunOnce() // 只要不崩溃即可，错误走日志
	if runner.calls != 1 {
		t.Fatalf("expected 1 run, got %d", runner.calls)
	}
}

func TestCleanupPassesRetentionDays(t *testing.T) {
	ret := &fakeRetainer{deleted: 7}
	s, err := New("*/10 * * * *", "0 3 * * *", &fakeRunner{}, ret, 45)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}

	s.runCleanup()
	if ret.days != 45 {
		t.Fatalf("retention days = %d, want 45", ret.days)
	}
}
