package batch

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/zap"
)

func TestSizeBoundFlushesWithoutDelay(t *testing.T) {
	// With an hour-long delay window, only the size bound can fire.
	s := NewScheduler[int](3, time.Hour, zap.NewNop())

	var executed atomic.Int32
	pendings := make([]*Pending[int], 0, 3)
	for i := 0; i < 3; i++ {
		value := i
		pendings = append(pendings, s.Add("g1", func(context.Context) (int, error) {
			executed.Add(1)
			return value, nil
		}))
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	for i, p := range pendings {
		value, err := p.Wait(ctx)
		if err != nil {
			t.Fatalf("operation %d did not settle: %v", i, err)
		}
		if value != i {
			t.Errorf("operation %d settled with value %d", i, value)
		}
	}
	if executed.Load() != 3 {
		t.Errorf("expected 3 executions, got %d", executed.Load())
	}
}

func TestDelayFlushesPartialBatch(t *testing.T) {
	s := NewScheduler[int](10, 30*time.Millisecond, zap.NewNop())

	var executed atomic.Int32
	p := s.Add("g1", func(context.Context) (int, error) {
		executed.Add(1)
		return 42, nil
	})

	// Below the size bound, nothing runs until the delay elapses.
	if executed.Load() != 0 {
		t.Error("operation ran before the delay window closed")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	value, err := p.Wait(ctx)
	if err != nil {
		t.Fatalf("operation did not settle: %v", err)
	}
	if value != 42 {
		t.Errorf("expected 42, got %d", value)
	}
}

func TestCallersSettleIndependently(t *testing.T) {
	s := NewScheduler[string](2, time.Hour, zap.NewNop())

	boom := errors.New("boom")
	okPending := s.Add("g1", func(context.Context) (string, error) { return "ok", nil })
	errPending := s.Add("g1", func(context.Context) (string, error) { return "", boom })

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	value, err := okPending.Wait(ctx)
	if err != nil || value != "ok" {
		t.Errorf("expected ok, got %q / %v", value, err)
	}
	if _, err := errPending.Wait(ctx); !errors.Is(err, boom) {
		t.Errorf("expected the operation's own error, got %v", err)
	}
}

func TestIndependentKeysBatchSeparately(t *testing.T) {
	s := NewScheduler[int](2, time.Hour, zap.NewNop())

	var g2Executed atomic.Int32
	s.Add("g2", func(context.Context) (int, error) {
		g2Executed.Add(1)
		return 0, nil
	})

	// Filling g1 to its bound fires g1 only.
	p1 := s.Add("g1", func(context.Context) (int, error) { return 1, nil })
	p2 := s.Add("g1", func(context.Context) (int, error) { return 2, nil })

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if _, err := p1.Wait(ctx); err != nil {
		t.Fatalf("g1 op 1 did not settle: %v", err)
	}
	if _, err := p2.Wait(ctx); err != nil {
		t.Fatalf("g1 op 2 did not settle: %v", err)
	}
	if g2Executed.Load() != 0 {
		t.Error("g2's partial batch must not fire with g1's")
	}

	// FlushAll drains the leftover g2 batch.
	if err := s.FlushAll(ctx); err != nil {
		t.Fatalf("FlushAll failed: %v", err)
	}
	if g2Executed.Load() != 1 {
		t.Errorf("expected g2 to flush exactly once, got %d", g2Executed.Load())
	}
}

func TestFlushAllWaitsForSettlement(t *testing.T) {
	s := NewScheduler[int](10, time.Hour, zap.NewNop())

	var executed atomic.Int32
	for i := 0; i < 4; i++ {
		s.Add("g1", func(context.Context) (int, error) {
			time.Sleep(10 * time.Millisecond)
			executed.Add(1)
			return 0, nil
		})
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := s.FlushAll(ctx); err != nil {
		t.Fatalf("FlushAll failed: %v", err)
	}
	if executed.Load() != 4 {
		t.Errorf("FlushAll returned before all operations settled: %d/4", executed.Load())
	}
}

func TestWaitHonoursContext(t *testing.T) {
	s := NewScheduler[int](10, time.Hour, zap.NewNop())
	p := s.Add("g1", func(context.Context) (int, error) { return 0, nil })

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	if _, err := p.Wait(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("expected deadline exceeded, got %v", err)
	}

	// Drain so the scheduler's waitgroup settles.
	flushCtx, flushCancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer flushCancel()
	_ = s.FlushAll(flushCtx)
}
