package pacing

import (
	"context"
	"testing"
	"time"
)

func TestZeroGapNeverWaits(t *testing.T) {
	p := New(0)
	start := time.Now()
	for i := 0; i < 100; i++ {
		if err := p.Wait(context.Background()); err != nil {
			t.Fatalf("Wait failed: %v", err)
		}
	}
	if elapsed := time.Since(start); elapsed > 50*time.Millisecond {
		t.Errorf("Zero-gap pacer should not block, took %v", elapsed)
	}
}

func TestFirstWaitIsImmediate(t *testing.T) {
	p := New(500 * time.Millisecond)
	start := time.Now()
	if err := p.Wait(context.Background()); err != nil {
		t.Fatalf("Wait failed: %v", err)
	}
	if elapsed := time.Since(start); elapsed > 100*time.Millisecond {
		t.Errorf("First wait should be immediate, took %v", elapsed)
	}
}

func TestSecondWaitPaysTheGap(t *testing.T) {
	p := New(60 * time.Millisecond)
	if err := p.Wait(context.Background()); err != nil {
		t.Fatalf("Wait failed: %v", err)
	}
	start := time.Now()
	if err := p.Wait(context.Background()); err != nil {
		t.Fatalf("Wait failed: %v", err)
	}
	if elapsed := time.Since(start); elapsed < 40*time.Millisecond {
		t.Errorf("Expected the second wait to pay the gap, took %v", elapsed)
	}
}

func TestWaitHonorsCancellation(t *testing.T) {
	p := New(time.Hour)
	if err := p.Wait(context.Background()); err != nil {
		t.Fatalf("Wait failed: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	if err := p.Wait(ctx); err == nil {
		t.Error("Expected an error when the context expires before the gap")
	}
}
