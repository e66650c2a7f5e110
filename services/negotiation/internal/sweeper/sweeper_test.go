package sweeper

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	logtest "github.com/sirupsen/logrus/hooks/test"
)

type fakeProto struct {
	expired int
	err     error
	calls   int
}

func (f *fakeProto) SweepTimeouts(ctx context.Context) (int, error) {
	f.calls++
	return f.expired, f.err
}

type fakeChecker struct {
	count int
	err   error
}

func (f *fakeChecker) CountDanglingConflicts(ctx context.Context) (int, error) {
	return f.count, f.err
}

func TestSweepOnceLogsExpiries(t *testing.T) {
	log, hook := logtest.NewNullLogger()
	s := New(&fakeProto{expired: 3}, &fakeChecker{}, time.Minute, log)

	s.sweepOnce(context.Background())

	entry := hook.LastEntry()
	if entry == nil || entry.Level != logrus.InfoLevel {
		t.Fatalf("expected info entry, got %+v", entry)
	}
	if entry.Data["expired"] != 3 {
		t.Fatalf("expected expired count in fields, got %v", entry.Data)
	}
}

func TestSweepOnceContinuesToConsistencyCheckOnBatchError(t *testing.T) {
	log, hook := logtest.NewNullLogger()
	s := New(&fakeProto{err: errors.New("db down")}, &fakeChecker{count: 2}, time.Minute, log)

	s.sweepOnce(context.Background())

	var sawBatchError, sawDangling bool
	for _, e := range hook.AllEntries() {
		if e.Level == logrus.ErrorLevel && e.Message == "sweep: batch query failed" {
			sawBatchError = true
		}
		if e.Level == logrus.ErrorLevel && e.Data["count"] == 2 {
			sawDangling = true
		}
	}
	if !sawBatchError || !sawDangling {
		t.Fatalf("expected both batch error and dangling-conflict entries, got %+v", hook.AllEntries())
	}
}

func TestRunStopsOnCancel(t *testing.T) {
	log, _ := logtest.NewNullLogger()
	proto := &fakeProto{}
	s := New(proto, nil, 5*time.Millisecond, log)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		s.Run(ctx)
		close(done)
	}()

	time.Sleep(30 * time.Millisecond)
	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatalf("Run did not stop on cancel")
	}
	if proto.calls == 0 {
		t.Fatalf("expected at least one sweep tick")
	}
}
