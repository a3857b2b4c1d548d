package scheduler

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

type fakeClock struct {
	fires chan time.Time
}

func (f *fakeClock) Now() time.Time { return time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC) }

func (f *fakeClock) After(time.Duration) <-chan time.Time { return f.fires }

func TestRunInvokesTickPerInterval(t *testing.T) {
	clock := &fakeClock{fires: make(chan time.Time)}
	s := New(Options{Interval: time.Minute}, zerolog.Nop()).WithClock(clock)

	ctx, cancel := context.WithCancel(context.Background())
	ticks := make(chan struct{}, 8)
	done := make(chan error, 1)

	go func() {
		done <- s.Run(ctx, func(context.Context) error {
			ticks <- struct{}{}
			return nil
		})
	}()

	for i := 0; i < 3; i++ {
		clock.fires <- time.Now()
		select {
		case <-ticks:
		case <-time.After(time.Second):
			t.Fatalf("第 %d 次 tick 未触发", i+1)
		}
	}

	cancel()
	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("取消后应返回 context.Canceled: %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("取消后 Run 未退出")
	}
}

func TestRunSurvivesTickError(t *testing.T) {
	clock := &fakeClock{fires: make(chan time.Time)}
	s := New(Options{Interval: time.Minute}, zerolog.Nop()).WithClock(clock)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	calls := make(chan int, 8)
	count := 0
	go func() {
		_ = s.Run(ctx, func(context.Context) error {
			count++
			calls <- count
			return errors.New("tick failed")
		})
	}()

	for i := 0; i < 2; i++ {
		clock.fires <- time.Now()
		select {
		case <-calls:
		case <-time.After(time.Second):
			t.Fatal("tick 报错后循环应继续")
		}
	}
}

func TestNewPanicsOnNonPositiveInterval(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Fatal("非正间隔应 panic")
		}
	}()
	New(Options{}, zerolog.Nop())
}
