//go:build unit

package service

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"inkpress/internal/logger"
)

type stubSweeper struct {
	calls atomic.Int64
	err   error
	swept chan struct{}
}

func (s *stubSweeper) SweepExpired(ctx context.Context) (int64, error) {
	s.calls.Add(1)
	select {
	case s.swept <- struct{}{}:
	default:
	}
	if s.err != nil {
		return 0, s.err
	}
	return 1, nil
}

func TestSweeper_RunSweepsUntilCancelled(t *testing.T) {
	stub := &stubSweeper{swept: make(chan struct{}, 1)}
	sweeper := NewSweeper(stub, 5*time.Millisecond, logger.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		sweeper.Run(ctx)
		close(done)
	}()

	select {
	case <-stub.swept:
	case <-time.After(2 * time.Second):
		t.Fatal("sweeper never ticked")
	}
	cancel()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("sweeper did not stop on cancellation")
	}
}

func TestSweeper_SurvivesSweepErrors(t *testing.T) {
	stub := &stubSweeper{swept: make(chan struct{}, 1), err: errors.New("backend down")}
	sweeper := NewSweeper(stub, 5*time.Millisecond, logger.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		sweeper.Run(ctx)
		close(done)
	}()

	<-stub.swept
	// Wait for at least one more tick after the failure.
	for stub.calls.Load() < 2 {
		time.Sleep(time.Millisecond)
	}
	cancel()
	<-done
}

func TestSweeper_DefaultsInterval(t *testing.T) {
	sweeper := NewSweeper(&stubSweeper{swept: make(chan struct{}, 1)}, 0, logger.NewNop())
	if sweeper.interval != 10*time.Minute {
		t.Errorf("expected default interval, got %v", sweeper.interval)
	}
}
